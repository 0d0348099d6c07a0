package llm

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
)

// fakeProvider is a scripted Provider used only to drive Router.Complete
// in tests: it always fails if failing is true, otherwise always
// succeeds with a fixed response tagged by name.
type fakeProvider struct {
	name    string
	failing bool
	calls   int
}

func (p *fakeProvider) Name() string                                 { return p.name }
func (p *fakeProvider) Models() []string                              { return []string{"fake-model"} }
func (p *fakeProvider) SupportsModel(model string) bool               { return true }
func (p *fakeProvider) IsAvailable(ctx context.Context) bool          { return !p.failing }
func (p *fakeProvider) Complete(ctx context.Context, history entity.History) (entity.ProviderResponse, error) {
	p.calls++
	if p.failing {
		return entity.ProviderResponse{}, errors.New("fake provider failure")
	}
	return entity.ProviderResponse{Content: "ok from " + p.name, Model: p.name}, nil
}

func TestRouterFallsThroughToNextProviderOnFailure(t *testing.T) {
	r := NewRouter(zap.NewNop())
	primary := &fakeProvider{name: "primary", failing: true}
	backup := &fakeProvider{name: "backup"}
	r.AddProvider(primary, 1)
	r.AddProvider(backup, 2)

	resp, err := r.Complete(context.Background(), entity.History{})
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if resp.Model != "backup" {
		t.Fatalf("expected backup to serve the call, got %q", resp.Model)
	}
	if primary.calls != 1 || backup.calls != 1 {
		t.Fatalf("expected one call to each provider, got primary=%d backup=%d", primary.calls, backup.calls)
	}
}

func TestRouterPrefersLowerPriorityNumber(t *testing.T) {
	r := NewRouter(zap.NewNop())
	low := &fakeProvider{name: "low-priority"}
	high := &fakeProvider{name: "high-priority"}
	r.AddProvider(low, 5)
	r.AddProvider(high, 1)

	resp, err := r.Complete(context.Background(), entity.History{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Model != "high-priority" {
		t.Fatalf("expected the lower-numbered priority provider to be tried first, got %q", resp.Model)
	}
	if low.calls != 0 {
		t.Fatalf("expected the low-priority provider never to be called, got %d calls", low.calls)
	}
}

func TestRouterSkipsProviderWithOpenBreaker(t *testing.T) {
	r := NewRouter(zap.NewNop())
	flaky := &fakeProvider{name: "flaky", failing: true}
	backup := &fakeProvider{name: "backup"}
	r.AddProvider(flaky, 1)
	r.AddProvider(backup, 2)

	// Trip flaky's breaker past its failure threshold.
	for i := 0; i < 6; i++ {
		r.Complete(context.Background(), entity.History{})
	}

	callsBefore := flaky.calls
	if _, err := r.Complete(context.Background(), entity.History{}); err != nil {
		t.Fatalf("unexpected error once backup is serving: %v", err)
	}
	if flaky.calls != callsBefore {
		t.Fatalf("expected flaky's open breaker to skip it entirely, but it was called again")
	}
}

func TestRouterReturnsErrorWithNoProviders(t *testing.T) {
	r := NewRouter(zap.NewNop())
	if _, err := r.Complete(context.Background(), entity.History{}); err == nil {
		t.Fatal("expected an error with no providers configured")
	}
}
