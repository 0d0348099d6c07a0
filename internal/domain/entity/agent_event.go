package entity

import "time"

// DriverEventType is the type of a single event emitted while the
// completion driver runs, consumed by the websocket hub and the grpc
// streaming server.
type DriverEventType string

const (
	EventIterationStart DriverEventType = "iteration_start"
	EventLLMCall        DriverEventType = "llm_call"
	EventCodeBlock      DriverEventType = "code_block"
	EventREPLResult     DriverEventType = "repl_result"
	EventChildCall      DriverEventType = "child_call"
	EventFinalAnswer    DriverEventType = "final_answer"
	EventTruncated      DriverEventType = "truncated"
	EventError          DriverEventType = "error"
)

// DriverEvent is a single observable step of an in-flight completion run.
type DriverEvent struct {
	Type        DriverEventType `json:"type"`
	IterationNo int             `json:"iteration_no"`
	Content     string          `json:"content,omitempty"`
	CodeBlock   *CodeBlock      `json:"code_block,omitempty"`
	Result      *REPLResult     `json:"result,omitempty"`
	Region      string          `json:"region,omitempty"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
