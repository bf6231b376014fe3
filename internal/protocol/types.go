package protocol

import "time"

// Version is the only protocol version spoken by the exec transport.
const Version = 1

// Op selects what the remote helper process should do.
type Op string

const (
	OpOpen   Op = "open"
	OpInvoke Op = "invoke"
	OpClose  Op = "close"
)

// Request is the envelope written to the helper's stdin.
type Request struct {
	Protocol   int               `json:"protocol"`
	Op         Op                `json:"op"`
	RunID      string            `json:"run_id,omitempty"`
	Command    string            `json:"command,omitempty"` // only for op=invoke
	Parameters map[string]string `json:"parameters,omitempty"`
	Connection Connection        `json:"connection"`
	DeadlineAt *time.Time        `json:"deadline_at,omitempty"`
}

// Connection carries the remote endpoint the helper must talk to.
type Connection struct {
	EndpointURI string `json:"endpoint_uri"`
	SchemaURI   string `json:"schema_uri,omitempty"`
	Username    string `json:"username,omitempty"`
	Password    string `json:"password,omitempty"`
}

// Response is the envelope read from the helper's stdout.
type Response struct {
	Status string     `json:"status"` // ok | error
	Errors []string   `json:"errors,omitempty"`
	Output string     `json:"output,omitempty"`
	Logs   []LogEntry `json:"logs,omitempty"`
}

// LogEntry is a diagnostic line emitted by the helper.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}

// OK reports whether the remote side executed without errors.
func (r *Response) OK() bool {
	return r.Status == "ok" && len(r.Errors) == 0
}
