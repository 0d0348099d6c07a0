// Package protocol implements the LM handler's wire format: a 4-byte
// big-endian length prefix followed by a JSON-encoded payload, carrying
// query/response/error frames between code executing inside an
// environment and the LM handler broker (spec §4.2).
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	rlmerrors "github.com/rlmgo/rlmgo/pkg/errors"
)

// MaxFrameBytes bounds a single frame's payload so a malformed or hostile
// peer can't force an unbounded allocation from the 4-byte length prefix.
const MaxFrameBytes = 64 << 20 // 64 MiB

// Kind tags a Frame's payload per spec §4.2.
type Kind string

const (
	KindQuery    Kind = "query"
	KindResponse Kind = "response"
	KindError    Kind = "error"
)

// Frame is the tagged record carried by one length-prefixed message.
type Frame struct {
	Kind Kind `json:"kind"`

	// Query fields.
	Prompt string `json:"prompt,omitempty"`
	Depth  int    `json:"depth,omitempty"`
	Region string `json:"region,omitempty"`

	// Response fields.
	Text  string      `json:"text,omitempty"`
	Usage *FrameUsage `json:"usage,omitempty"`

	// Error fields.
	Message string `json:"message,omitempty"`
}

// FrameUsage carries per-call token accounting on a response Frame.
type FrameUsage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Encode serializes f as length-prefixed JSON and writes it to w.
func Encode(w io.Writer, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return rlmerrors.Wrap(rlmerrors.KindProtocol, "marshal frame", err)
	}
	if len(payload) > MaxFrameBytes {
		return rlmerrors.New(rlmerrors.KindProtocol, fmt.Sprintf("frame too large: %d bytes", len(payload)))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return rlmerrors.Wrap(rlmerrors.KindProtocol, "write frame header", err)
	}
	if _, err := w.Write(payload); err != nil {
		return rlmerrors.Wrap(rlmerrors.KindProtocol, "write frame payload", err)
	}
	return nil
}

// Decode reads one length-prefixed frame from r.
func Decode(r io.Reader) (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > MaxFrameBytes {
		return Frame{}, rlmerrors.New(rlmerrors.KindProtocol, fmt.Sprintf("frame too large: %d bytes", length))
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, rlmerrors.Wrap(rlmerrors.KindProtocol, "read frame payload", err)
	}
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return Frame{}, rlmerrors.Wrap(rlmerrors.KindProtocol, "unmarshal frame", err)
	}
	return f, nil
}
