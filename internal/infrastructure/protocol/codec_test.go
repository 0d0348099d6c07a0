package protocol

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := []Frame{
		{Kind: KindQuery, Prompt: "spell DOG", Depth: 1, Region: "block-0"},
		{Kind: KindResponse, Text: "D-O-G", Usage: &FrameUsage{Model: "mock", InputTokens: 3, OutputTokens: 5}},
		{Kind: KindError, Message: "boom"},
		{Kind: KindQuery, Prompt: ""},
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := Encode(&buf, want); err != nil {
			t.Fatalf("Encode(%+v): %v", want, err)
		}
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode after Encode(%+v): %v", want, err)
		}
		if got != want {
			if got.Usage == nil || want.Usage == nil || *got.Usage != *want.Usage {
				t.Fatalf("round trip mismatch: want %+v got %+v", want, got)
			}
		}
	}
}

func TestDecodeTruncatedHeader(t *testing.T) {
	buf := bytes.NewReader([]byte{0, 0})
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error decoding truncated header")
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, Frame{Kind: KindResponse, Text: "hello world"}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	full := buf.Bytes()
	truncated := bytes.NewReader(full[:len(full)-2])
	if _, err := Decode(truncated); err == nil {
		t.Fatal("expected error decoding truncated payload")
	}
}

func TestMultipleFramesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{Kind: KindQuery, Prompt: "first"},
		{Kind: KindQuery, Prompt: "second"},
	}
	for _, f := range frames {
		if err := Encode(&buf, f); err != nil {
			t.Fatalf("Encode: %v", err)
		}
	}
	for _, want := range frames {
		got, err := Decode(&buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if got.Prompt != want.Prompt {
			t.Fatalf("want prompt %q got %q", want.Prompt, got.Prompt)
		}
	}
	if _, err := Decode(&buf); err != io.EOF {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}
