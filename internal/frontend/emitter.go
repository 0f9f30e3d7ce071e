package frontend

// Emitter pushes named events to the UI layer. The app wires a Wails-backed
// implementation; tests use recorders. Services never talk to the Wails
// runtime directly so they stay constructible without a window.
type Emitter interface {
	Emit(name string, data ...interface{})
}

// NopEmitter discards all events
type NopEmitter struct{}

func (NopEmitter) Emit(string, ...interface{}) {}
