package protocol

// Status is the outcome of a request as reported on the wire.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// AuthRequest is the first frame a client must send on a new session.
// It is the only frame accepted before the session is authenticated.
type AuthRequest struct {
	RequestID string `json:"request_id"`
	ClientID  string `json:"client_id"`
	Token     string `json:"token"`
}

// Request is one parsed unit of work. Immutable once decoded.
type Request struct {
	RequestID string `json:"request_id"`
	Plugin    string `json:"plugin"`
	Command   string `json:"command"`
	// Args carries named arguments for the command; values are left
	// opaque and handed to the plugin handler as-is.
	Args map[string]any `json:"args,omitempty"`
	// DeadlineMS is an optional client-requested budget in milliseconds.
	// The server clamps it to its own per-command ceiling.
	DeadlineMS int64 `json:"deadline_ms,omitempty"`
}

// Response correlates with exactly one previously received Request via
// RequestID. Exactly one of Result or Err is populated.
type Response struct {
	RequestID string `json:"request_id"`
	Status    Status `json:"status"`
	Result    any    `json:"result,omitempty"`
	Err       *Error `json:"error,omitempty"`
}

// OKResponse builds a success response for a request id.
func OKResponse(requestID string, result any) *Response {
	return &Response{RequestID: requestID, Status: StatusOK, Result: result}
}

// ErrorResponse builds an error response for a request id.
func ErrorResponse(requestID string, err *Error) *Response {
	return &Response{RequestID: requestID, Status: StatusError, Err: err}
}
