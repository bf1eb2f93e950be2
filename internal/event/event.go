// Package event defines the typed records flowing through the trace ingestion
// pipeline: worker output lines, function calls and returns, and terminal
// exceptions. Records are pure data and immutable once created.
package event

import "time"

// Kind discriminates event records on the collector's delivery queue.
type Kind string

const (
	KindOutput    Kind = "output"
	KindCall      Kind = "call"
	KindReturn    Kind = "return"
	KindException Kind = "exception"
)

// Stream identifies the origin of an OutputEvent.
type Stream string

const (
	StreamStdout    Stream = "stdout"
	StreamStderr    Stream = "stderr"
	StreamSystem    Stream = "system"
	StreamException Stream = "exception"
)

// OutputEvent is one line of worker output, or a supervisor-generated
// system message.
type OutputEvent struct {
	Content   string  `json:"content"`
	Stream    Stream  `json:"stream"`
	Timestamp float64 `json:"timestamp"`
}

// CallEvent records a function call observed by the worker's instrumentation.
// CallID is assigned by the instrumentation agent and is unique per worker
// run; ParentID references the enclosing call, or is nil at top level.
type CallEvent struct {
	CallID       uint64            `json:"call_id"`
	ParentID     *uint64           `json:"parent_id"`
	FunctionName string            `json:"function_name"`
	Filename     string            `json:"filename"`
	LineNo       uint64            `json:"line_no"`
	Args         map[string]string `json:"args"`
	Timestamp    float64           `json:"timestamp"`
}

// ReturnEvent records a function return. CallID matches a previously seen
// CallEvent; unmatched returns are dropped by the collector.
type ReturnEvent struct {
	CallID       uint64  `json:"call_id"`
	FunctionName string  `json:"function_name"`
	ReturnValue  string  `json:"return_value"`
	Timestamp    float64 `json:"timestamp"`
}

// ExceptionEvent records a propagating failure in the worker. It is not tied
// to a call id.
type ExceptionEvent struct {
	ExceptionType string   `json:"exception_type"`
	Message       string   `json:"message"`
	Traceback     []string `json:"traceback"`
	Timestamp     float64  `json:"timestamp"`
}

// Now returns the current wall-clock time as a wire timestamp
// (Unix seconds with fractional part).
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// TimeOf converts a wire timestamp to wall-clock time.
func TimeOf(ts float64) time.Time {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
