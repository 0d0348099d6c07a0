package entity

import (
	"encoding/json"
	"time"
)

// TrajectoryRecordKind distinguishes the record shapes a trajectory sink
// receives over the lifetime of one completion: one metadata record up
// front, one record per iteration, and a closing done or error record.
type TrajectoryRecordKind string

const (
	RecordMetadata  TrajectoryRecordKind = "metadata"
	RecordIteration TrajectoryRecordKind = "iteration"
	RecordDone      TrajectoryRecordKind = "done"
	RecordError     TrajectoryRecordKind = "error"
)

// TrajectoryRecord is one append-only entry in a completion's trajectory.
// Records are self-contained and carry no reference to sibling records, so
// a consumer can read them newline-delimited from a file or row-by-row
// from a table without reassembling state. Unknown fields on read are
// simply dropped; no schema upgrade path is defined.
type TrajectoryRecord struct {
	Kind      TrajectoryRecordKind `json:"kind"`
	TraceID   string               `json:"trace_id"`
	Depth     int                  `json:"depth"`
	Timestamp time.Time            `json:"timestamp"`

	// Set on a metadata record: the prompt and any caller-supplied tags.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Set on an iteration record.
	Iteration *RLMIteration `json:"iteration,omitempty"`

	// Set on a done record.
	FinalText string `json:"final_text,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
	Fallback  bool   `json:"fallback,omitempty"`

	// Set on an error record.
	Error string `json:"error,omitempty"`
}

// ToRecord serializes r to one self-contained JSON line.
func (r TrajectoryRecord) ToRecord() ([]byte, error) {
	return json.Marshal(r)
}

// FromRecord parses one previously-serialized line back into a
// TrajectoryRecord. Fields the current version of this type doesn't know
// about are dropped by json.Unmarshal rather than rejected.
func FromRecord(line []byte) (TrajectoryRecord, error) {
	var r TrajectoryRecord
	err := json.Unmarshal(line, &r)
	return r, err
}
