// Package mock provides a scripted llm.Provider for exercising the
// completion driver and higher-level wiring without a live API key.
package mock

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	llm "github.com/rlmgo/rlmgo/internal/infrastructure/llm"
)

func init() {
	llm.RegisterFactory("mock", func(cfg llm.ProviderConfig, logger *zap.Logger) llm.Provider {
		return New(cfg.Name, []entity.ProviderResponse{{
			Content: "FINAL_ANSWER: mock provider has no scripted responses configured",
			Model:   "mock-model",
		}})
	})
}

// Provider replays a fixed sequence of responses, one per call. Once
// exhausted it keeps returning the last response so callers that loop
// past the script don't panic.
type Provider struct {
	name      string
	responses []entity.ProviderResponse

	mu    sync.Mutex
	calls int
}

// New creates a mock provider that returns responses in order.
func New(name string, responses []entity.ProviderResponse) *Provider {
	return &Provider{name: name, responses: responses}
}

var _ llm.Provider = (*Provider)(nil)

func (p *Provider) Name() string      { return p.name }
func (p *Provider) Models() []string  { return []string{"mock-model"} }

func (p *Provider) SupportsModel(model string) bool { return true }

func (p *Provider) IsAvailable(ctx context.Context) bool { return true }

func (p *Provider) Complete(ctx context.Context, history entity.History) (entity.ProviderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.responses) == 0 {
		return entity.ProviderResponse{}, fmt.Errorf("mock provider %q has no scripted responses", p.name)
	}

	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	return p.responses[idx], nil
}

// Calls returns how many times Complete has been invoked.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
