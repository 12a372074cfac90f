package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID     key = "trace_id"
	RequestID   key = "request_id"
	SessionID   key = "session_id"
	ExecutionID key = "execution_id"
	RemoteAddr  key = "remote_addr"
)

// All lists the keys the logger lifts into structured fields, in output order.
var All = []key{TraceID, RequestID, SessionID, ExecutionID, RemoteAddr}

// String returns the field name used in logs.
func (k key) String() string { return string(k) }
