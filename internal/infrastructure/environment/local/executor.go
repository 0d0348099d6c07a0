// Package local implements the in-process Environment: a persistent
// python3 sandbox session owned exclusively by one completion (spec §4.4).
package local

import (
	"context"

	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	"github.com/rlmgo/rlmgo/internal/infrastructure/sandbox"
)

// Executor wraps a sandbox.Session to satisfy service.Environment.
type Executor struct {
	session *sandbox.Session
	logger  *zap.Logger
}

// New starts a fresh sandbox session and wraps it.
func New(cfg *sandbox.Config, logger *zap.Logger) (*Executor, error) {
	if cfg == nil {
		cfg = sandbox.DefaultConfig()
	}
	session, err := sandbox.New(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Executor{session: session, logger: logger}, nil
}

// Setup is a no-op: the subprocess is already running once New returns.
// It exists to satisfy service.Environment uniformly with the remote
// executor, whose Setup starts its health poller.
func (e *Executor) Setup(ctx context.Context) error {
	return nil
}

// ExecuteCode runs source against the session's persistent namespace.
func (e *Executor) ExecuteCode(ctx context.Context, source string) (entity.REPLResult, error) {
	return e.session.Exec(source)
}

// UpdateHandlerAddress rebinds the session's llm_query helper.
func (e *Executor) UpdateHandlerAddress(addr string, depth int) error {
	return e.session.UpdateHandlerAddress(addr, depth)
}

// LoadContext binds payload as a new persistent context slot.
func (e *Executor) LoadContext(payload interface{}) (int, error) {
	return e.session.LoadContext(payload, nil)
}

// AddHistory binds messages as a new persistent history slot.
func (e *Executor) AddHistory(messages interface{}) (int, error) {
	return e.session.AddHistory(messages, nil)
}

// Close terminates the underlying session.
func (e *Executor) Close() error {
	return e.session.Close()
}
