package sandbox

import (
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	s, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Skipf("python3 unavailable, skipping sandbox test: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionExecCapturesStdout(t *testing.T) {
	s := newTestSession(t)
	result, err := s.Exec("print('hello from sandbox')")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "hello from sandbox" {
		t.Fatalf("want stdout %q, got %q", "hello from sandbox", result.Stdout)
	}
	if result.Stderr != "" {
		t.Fatalf("want empty stderr, got %q", result.Stderr)
	}
}

func TestSessionNamespacePersistsAcrossCalls(t *testing.T) {
	s := newTestSession(t)
	if _, err := s.Exec("x = 41"); err != nil {
		t.Fatalf("Exec first statement: %v", err)
	}
	result, err := s.Exec("x += 1\nprint(x)")
	if err != nil {
		t.Fatalf("Exec second statement: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "42" {
		t.Fatalf("want namespace to persist x across calls, got stdout %q", result.Stdout)
	}
}

func TestSessionCapturesExceptionAsStderr(t *testing.T) {
	s := newTestSession(t)
	result, err := s.Exec("raise ValueError('boom')")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if !result.Raised() {
		t.Fatal("want Raised() true when the snippet raised")
	}
	if !strings.Contains(result.Stderr, "ValueError") {
		t.Fatalf("want stderr to mention ValueError, got %q", result.Stderr)
	}
}

func TestSessionBindingsReflectAssignedVariables(t *testing.T) {
	s := newTestSession(t)
	result, err := s.Exec("answer = 7")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if result.Bindings["answer"] != "7" {
		t.Fatalf("want binding answer=7, got %+v", result.Bindings)
	}
}

func TestSessionUpdateHandlerAddressAccepted(t *testing.T) {
	s := newTestSession(t)
	if err := s.UpdateHandlerAddress("127.0.0.1:9", 1); err != nil {
		t.Fatalf("UpdateHandlerAddress: %v", err)
	}
}

func TestSessionLoadContextAssignsIncreasingIndices(t *testing.T) {
	s := newTestSession(t)
	first, err := s.LoadContext("payload-a", nil)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	second, err := s.LoadContext("payload-b", nil)
	if err != nil {
		t.Fatalf("LoadContext: %v", err)
	}
	if second != first+1 {
		t.Fatalf("want increasing slot indices, got %d then %d", first, second)
	}
}

func TestSessionSetupCodeRunsBeforeFirstExec(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	cfg.SetupCode = "seeded = 10"
	s, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Skipf("python3 unavailable, skipping sandbox test: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	result, err := s.Exec("print(seeded)")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "10" {
		t.Fatalf("want setup_code's binding visible to exec, got stdout %q", result.Stdout)
	}
}

func TestSessionSetupCodeFailureIsFatal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	cfg.SetupCode = "raise RuntimeError('setup exploded')"
	s, err := New(cfg, zap.NewNop())
	if err == nil {
		s.Close()
		t.Fatal("want New to fail when setup_code raises")
	}
	if !strings.Contains(err.Error(), "setup_code") {
		t.Fatalf("want error to mention setup_code, got %v", err)
	}
}
