package service

import (
	"context"
	"testing"
	"time"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
)

// TestSetConfigAppliesToNextCompletion confirms a config pushed through
// SetConfig while no completion is running takes effect on the next
// Complete call, the way a config-file watcher would hot-apply it,
// without requiring a new Driver.
func TestSetConfigAppliesToNextCompletion(t *testing.T) {
	llm := &scriptedLLM{responses: []entity.ProviderResponse{
		{Content: "still thinking, no sentinel yet", Model: "mock-1"},
	}}
	env := &fakeEnvironment{}
	d := testDriver(t, llm, env, newFakeHandler(), DriverConfig{MaxIterations: 1, MaxDepth: 4})

	result, err := d.Complete(context.Background(), "hello", 0)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !result.Truncated {
		t.Fatalf("want truncated with a 1-iteration budget and no final answer, got %+v", result)
	}
	if len(result.Iterations) != 1 {
		t.Fatalf("want exactly 1 iteration spent, got %d", len(result.Iterations))
	}

	d.SetConfig(DriverConfig{MaxIterations: 2, MaxDepth: 4})

	llm2 := &scriptedLLM{responses: []entity.ProviderResponse{
		{Content: "still thinking, no sentinel yet", Model: "mock-1"},
		{Content: "FINAL_ANSWER: done", Model: "mock-1"},
	}}
	d.llm = llm2

	result2, err := d.Complete(context.Background(), "hello again", 0)
	if err != nil {
		t.Fatalf("Complete after SetConfig: %v", err)
	}
	if result2.Truncated {
		t.Fatalf("want the raised iteration budget to let the second call finish, got %+v", result2)
	}
	if result2.FinalText != "done" {
		t.Fatalf("want final text done, got %q", result2.FinalText)
	}
	if len(result2.Iterations) != 2 {
		t.Fatalf("want 2 iterations spent under the new budget, got %d", len(result2.Iterations))
	}
}

// TestSetConfigNormalizesZeroValues confirms SetConfig runs pushed config
// through the same zero-value defaulting NewDriver applies, so a
// partially-specified driver: section in a reloaded config file doesn't
// zero out the fields it left unset.
func TestSetConfigNormalizesZeroValues(t *testing.T) {
	llm := &scriptedLLM{responses: []entity.ProviderResponse{
		{Content: "FINAL_ANSWER: ok", Model: "mock-1"},
	}}
	env := &fakeEnvironment{}
	d := testDriver(t, llm, env, newFakeHandler(), DriverConfig{MaxIterations: 5, MaxDepth: 2})

	d.SetConfig(DriverConfig{})

	cfg := d.cfg()
	if cfg.MaxIterations != 12 {
		t.Fatalf("want MaxIterations defaulted to 12, got %d", cfg.MaxIterations)
	}
	if cfg.MaxDepth != 4 {
		t.Fatalf("want MaxDepth defaulted to 4, got %d", cfg.MaxDepth)
	}
	if cfg.RetryBaseWait != 2*time.Second {
		t.Fatalf("want RetryBaseWait defaulted to 2s, got %v", cfg.RetryBaseWait)
	}
	if cfg.SystemPrompt == "" {
		t.Fatal("want SystemPrompt defaulted to the builtin prompt, got empty string")
	}
}
