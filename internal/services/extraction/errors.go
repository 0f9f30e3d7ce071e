package extraction

// ErrorCode classifies what went wrong with a file's extraction
type ErrorCode string

const (
	ErrorCorrupt      ErrorCode = "ERROR_CORRUPT"
	ErrorEncrypted    ErrorCode = "ERROR_ENCRYPTED"
	ErrorScanned      ErrorCode = "ERROR_SCANNED"
	ErrorTooLarge     ErrorCode = "ERROR_TOO_LARGE"
	WarningNoTemplate ErrorCode = "WARNING_NO_TEMPLATE"
	WarningPartial    ErrorCode = "WARNING_PARTIAL"
	ErrorNetwork      ErrorCode = "ERROR_NETWORK"
	ErrorUnknown      ErrorCode = "ERROR_UNKNOWN"
)

// FileError is the structured error attached to a failed or partial file.
// The core only carries the classification; labels and suggestions become
// human-readable in the UI.
type FileError struct {
	Code        ErrorCode `json:"code"`
	Message     string    `json:"message"`
	Recoverable bool      `json:"recoverable"`
	Suggestion  string    `json:"suggestion,omitempty"`
}

// errorInfo is the fixed taxonomy entry for a code
type errorInfo struct {
	label       string
	recoverable bool
	suggestion  string
}

// Structural document problems are not retryable: retrying reproduces the
// same failure. Only network errors and the warning classes are.
var errorTaxonomy = map[ErrorCode]errorInfo{
	ErrorCorrupt:      {label: "Corrupt file", recoverable: false, suggestion: "Re-export the PDF from its source system"},
	ErrorEncrypted:    {label: "Password-protected PDF", recoverable: false, suggestion: "Remove the password and upload again"},
	ErrorScanned:      {label: "Scanned PDF", recoverable: false, suggestion: "Upload a text-based PDF, not a scan"},
	ErrorTooLarge:     {label: "File too large", recoverable: false, suggestion: "Split the document or compress it below the size limit"},
	WarningNoTemplate: {label: "No template detected", recoverable: true, suggestion: "Select a template manually and retry"},
	WarningPartial:    {label: "Partial extraction", recoverable: true, suggestion: "Review the extracted fields before validating"},
	ErrorNetwork:      {label: "Network error", recoverable: true, suggestion: "Check the connection and retry"},
	ErrorUnknown:      {label: "Unknown error", recoverable: false, suggestion: ""},
}

// classifyCode normalizes a server-supplied error type to a known code
func classifyCode(errorType string) ErrorCode {
	code := ErrorCode(errorType)
	if _, ok := errorTaxonomy[code]; ok {
		return code
	}
	return ErrorUnknown
}

// NewFileError builds a FileError for a code, with the server-supplied
// message when there is one
func NewFileError(code ErrorCode, message string) *FileError {
	info, ok := errorTaxonomy[code]
	if !ok {
		code = ErrorUnknown
		info = errorTaxonomy[ErrorUnknown]
	}
	if message == "" {
		message = info.label
	}
	return &FileError{
		Code:        code,
		Message:     message,
		Recoverable: info.recoverable,
		Suggestion:  info.suggestion,
	}
}

// Label returns the short human-readable name for a code
func (c ErrorCode) Label() string {
	if info, ok := errorTaxonomy[c]; ok {
		return info.label
	}
	return errorTaxonomy[ErrorUnknown].label
}

// Recoverable reports whether files failed with this code may be retried
func (c ErrorCode) Recoverable() bool {
	if info, ok := errorTaxonomy[c]; ok {
		return info.recoverable
	}
	return false
}
