package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	rlmerrors "github.com/rlmgo/rlmgo/pkg/errors"
)

// routedProvider pairs a Provider with the circuit breaker that gates
// calls to it and the priority it was registered with (lower tries
// first).
type routedProvider struct {
	provider Provider
	breaker  *CircuitBreaker
	priority int
}

// Router is a service.LMClient that fans a completion out across
// multiple providers in priority order, skipping any whose circuit
// breaker is currently open and tripping it on failure. One failed or
// unavailable provider falls through to the next rather than failing
// the whole completion.
type Router struct {
	logger *zap.Logger

	mu        sync.RWMutex
	providers []*routedProvider
}

// NewRouter creates an empty Router; providers are added with AddProvider.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{logger: logger}
}

// AddProvider registers p at the given priority (lower priority value is
// tried first) with its own circuit breaker.
func (r *Router) AddProvider(p Provider, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, &routedProvider{
		provider: p,
		breaker:  NewCircuitBreaker(5, 0),
		priority: priority,
	})
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].priority < r.providers[j].priority
	})
}

// Complete tries each registered provider in priority order, skipping any
// whose breaker has tripped open, until one succeeds.
func (r *Router) Complete(ctx context.Context, history entity.History) (entity.ProviderResponse, error) {
	r.mu.RLock()
	providers := make([]*routedProvider, len(r.providers))
	copy(providers, r.providers)
	r.mu.RUnlock()

	if len(providers) == 0 {
		return entity.ProviderResponse{}, rlmerrors.New(rlmerrors.KindSetup, "no LM providers configured")
	}

	var lastErr error
	for _, rp := range providers {
		if !rp.breaker.Allow() {
			r.logger.Debug("skipping provider, circuit open", zap.String("provider", rp.provider.Name()))
			continue
		}
		resp, err := rp.provider.Complete(ctx, history)
		if err == nil {
			rp.breaker.RecordSuccess()
			return resp, nil
		}
		rp.breaker.RecordFailure()
		r.logger.Warn("provider failed, trying next",
			zap.String("provider", rp.provider.Name()),
			zap.Error(err),
		)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("all providers unavailable (circuit open)")
	}
	return entity.ProviderResponse{}, rlmerrors.Wrap(rlmerrors.KindExecution, "all LM providers failed", lastErr)
}
