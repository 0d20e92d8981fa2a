package domain

// ErrorCode identifies a structured error surfaced to users, matching the
// error-kind table: ProgramNotCompiled, StartTimeout, ShutdownTimeout,
// WorkerPanic, ParseErrors, SystemError.
type ErrorCode string

const (
	ErrorCodeProgramNotCompiled ErrorCode = "ProgramNotCompiled"
	ErrorCodeStartTimeout       ErrorCode = "StartTimeout"
	ErrorCodeShutdownTimeout    ErrorCode = "ShutdownTimeout"
	ErrorCodeWorkerPanic        ErrorCode = "RuntimeError.WorkerPanic"
	ErrorCodeParseErrors        ErrorCode = "ParseErrors"
	ErrorCodeSystemError        ErrorCode = "SystemError"

	// ErrorCodeSQLCompileError and ErrorCodeNativeCompileError attach to a
	// Program whose status is sql-error/native-error, carrying the
	// compiler's captured stderr. Distinct from ErrorCodeParseErrors, which
	// is reserved for a pipeline's ingress-time parse failures rather than
	// a program failing to compile.
	ErrorCodeSQLCompileError    ErrorCode = "SQLCompileError"
	ErrorCodeNativeCompileError ErrorCode = "NativeCompileError"
)

// StructuredError is the shape attached to Program.Error / Pipeline.Error and
// returned in HTTP error bodies. It carries enough detail for a client to
// distinguish compile failures from runtime failures without parsing stderr.
type StructuredError struct {
	ErrorCode ErrorCode      `json:"error_code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

func NewStructuredError(code ErrorCode, message string) *StructuredError {
	return &StructuredError{ErrorCode: code, Message: message}
}
