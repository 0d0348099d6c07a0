package cli

import (
	"errors"
	"strings"
	"testing"
)

func TestParseSlashCommand(t *testing.T) {
	if got := ParseSlashCommand("hello there"); got != nil {
		t.Fatalf("want nil for plain text, got %+v", got)
	}
	if got := ParseSlashCommand("   "); got != nil {
		t.Fatalf("want nil for blank input, got %+v", got)
	}

	got := ParseSlashCommand("  /model gpt-4o  ")
	if got == nil {
		t.Fatal("want a parsed command")
	}
	if got.Name != "model" {
		t.Fatalf("want name model, got %q", got.Name)
	}
	if len(got.Args) != 1 || got.Args[0] != "gpt-4o" {
		t.Fatalf("want args [gpt-4o], got %v", got.Args)
	}

	got = ParseSlashCommand("/help")
	if got == nil || got.Name != "help" || len(got.Args) != 0 {
		t.Fatalf("want help with no args, got %+v", got)
	}
}

type fakeHistory struct {
	traces []string
	err    error
}

func (f fakeHistory) ListTraces(limit int) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.traces) {
		return f.traces[:limit], nil
	}
	return f.traces, nil
}

func TestExecuteCommandQuitAndReset(t *testing.T) {
	status := StatusInfo{Model: "gpt-4o", MaxIterations: 12, MaxDepth: 4}

	if r := ExecuteCommand(&SlashCommand{Name: "exit"}, status, nil); !r.IsQuit {
		t.Fatalf("want /exit to quit, got %+v", r)
	}
	if r := ExecuteCommand(&SlashCommand{Name: "q"}, status, nil); !r.IsQuit {
		t.Fatalf("want /q to quit, got %+v", r)
	}
	if r := ExecuteCommand(&SlashCommand{Name: "new"}, status, nil); !r.IsReset {
		t.Fatalf("want /new to reset, got %+v", r)
	}
}

func TestExecuteCommandModelWithAndWithoutArgs(t *testing.T) {
	status := StatusInfo{Model: "gpt-4o"}

	r := ExecuteCommand(&SlashCommand{Name: "model"}, status, nil)
	if !strings.Contains(r.Output, "gpt-4o") {
		t.Fatalf("want current model echoed with no args, got %q", r.Output)
	}

	r = ExecuteCommand(&SlashCommand{Name: "model", Args: []string{"claude-3"}}, status, nil)
	if !strings.Contains(r.Output, "claude-3") {
		t.Fatalf("want the new model named in the output, got %q", r.Output)
	}
}

func TestExecuteCommandStatus(t *testing.T) {
	status := StatusInfo{Model: "gpt-4o", MaxIterations: 8, MaxDepth: 3}
	r := ExecuteCommand(&SlashCommand{Name: "status"}, status, nil)
	for _, want := range []string{"gpt-4o", "8", "3"} {
		if !strings.Contains(r.Output, want) {
			t.Fatalf("want status output to contain %q, got %q", want, r.Output)
		}
	}
}

func TestExecuteCommandHistoryWithNoSink(t *testing.T) {
	r := ExecuteCommand(&SlashCommand{Name: "history"}, StatusInfo{}, nil)
	if !strings.Contains(r.Output, "no trajectory sink configured") {
		t.Fatalf("want a nil-sink message, got %q", r.Output)
	}
}

func TestExecuteCommandHistoryListsTraces(t *testing.T) {
	h := fakeHistory{traces: []string{"trace-a", "trace-b"}}
	r := ExecuteCommand(&SlashCommand{Name: "history"}, StatusInfo{}, h)
	if !strings.Contains(r.Output, "trace-a") || !strings.Contains(r.Output, "trace-b") {
		t.Fatalf("want both trace ids listed, got %q", r.Output)
	}
}

func TestExecuteCommandHistoryPropagatesError(t *testing.T) {
	h := fakeHistory{err: errors.New("db unavailable")}
	r := ExecuteCommand(&SlashCommand{Name: "history"}, StatusInfo{}, h)
	if !strings.Contains(r.Output, "db unavailable") {
		t.Fatalf("want the sink error surfaced, got %q", r.Output)
	}
}

func TestExecuteCommandUnknown(t *testing.T) {
	r := ExecuteCommand(&SlashCommand{Name: "bogus"}, StatusInfo{}, nil)
	if !strings.Contains(r.Output, "unknown command") || !strings.Contains(r.Output, "bogus") {
		t.Fatalf("want an unknown-command message naming bogus, got %q", r.Output)
	}
}
