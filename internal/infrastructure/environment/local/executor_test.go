package local

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/infrastructure/sandbox"
)

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	cfg := sandbox.DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	e, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Skipf("python3 unavailable, skipping local executor test: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func TestExecutorRunsCodeAgainstPersistentNamespace(t *testing.T) {
	e := newTestExecutor(t)
	ctx := context.Background()

	if _, err := e.ExecuteCode(ctx, "total = 0"); err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	result, err := e.ExecuteCode(ctx, "total += 5\nprint(total)")
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "5" {
		t.Fatalf("want stdout 5, got %q", result.Stdout)
	}
}

func TestExecutorSetupIsNoOp(t *testing.T) {
	e := newTestExecutor(t)
	if err := e.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
}
