// Package handler implements the LM handler: a TCP-accepting broker that
// lets code running inside an Environment call back into the LM client via
// llm_query, without handing the environment any credentials (spec §4.2).
package handler

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	"github.com/rlmgo/rlmgo/internal/infrastructure/protocol"
	"github.com/rlmgo/rlmgo/pkg/errors"
	"github.com/rlmgo/rlmgo/pkg/safego"
)

// rootRegion tags a child call whose connection was accepted outside any
// active code-block region.
const rootRegion = "<root>"

// Caller is the minimal capability the handler needs from an LM client to
// serve a query frame: generate text for a prompt at a given recursion
// depth, returning the model id and token counts alongside the text.
type Caller interface {
	Call(ctx context.Context, prompt string, depth int) (text string, model string, inputTokens, outputTokens int, err error)
}

// Handler is the LM handler broker. One Handler is created per top-level
// completion call and is torn down with it.
type Handler struct {
	logger *zap.Logger
	caller Caller

	listener net.Listener
	addr     string

	mu            sync.Mutex
	activeRegion  string
	callsByRegion map[string][]entity.ChildCall
	usage         entity.UsageSummary

	wg       sync.WaitGroup
	closing  chan struct{}
	closeOne sync.Once
}

// New binds a Handler to an ephemeral loopback port and starts accepting
// connections. The bound address is published via Address() before any
// environment is instantiated, per spec §4.2's server contract.
func New(caller Caller, logger *zap.Logger) (*Handler, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(errors.KindSetup, "bind LM handler", err)
	}

	h := &Handler{
		logger:        logger.With(zap.String("component", "lm-handler")),
		caller:        caller,
		listener:      lis,
		addr:          lis.Addr().String(),
		callsByRegion: make(map[string][]entity.ChildCall),
		usage:         entity.NewUsageSummary(),
		closing:       make(chan struct{}),
	}

	h.wg.Add(1)
	safego.Go(h.logger, "lm-handler-accept", h.acceptLoop)

	return h, nil
}

// Address returns the bound (host, port) as "host:port".
func (h *Handler) Address() string {
	return h.addr
}

// SetActiveRegion tags the region any connection accepted from now on
// should be attributed to. Call it immediately before invoking
// Environment.ExecuteCode for a block, and clear it (with "") immediately
// after, so concurrent accepts during that window are tagged atomically
// (spec §9 Open Question ii, resolved in SPEC_FULL.md §1.3).
func (h *Handler) SetActiveRegion(region string) {
	h.mu.Lock()
	h.activeRegion = region
	h.mu.Unlock()
}

// ChildCallsForRegion returns the child LM calls recorded while region was
// active, in the order the handler served them.
func (h *Handler) ChildCallsForRegion(region string) []entity.ChildCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	calls := h.callsByRegion[region]
	out := make([]entity.ChildCall, len(calls))
	copy(out, calls)
	return out
}

// Usage returns the cumulative usage this handler has recorded.
func (h *Handler) Usage() entity.UsageSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := entity.NewUsageSummary()
	out.Merge(h.usage)
	return out
}

// Close stops accepting new connections and waits up to grace for in-flight
// ones to finish. Connections still being served when grace runs out are
// not closed: Close logs a warning and returns without them.
func (h *Handler) Close(grace time.Duration) {
	h.closeOne.Do(func() {
		close(h.closing)
		_ = h.listener.Close()
	})

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		h.logger.Warn("LM handler grace period exceeded, connections may be abandoned")
	}
}

func (h *Handler) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			select {
			case <-h.closing:
				return
			default:
				h.logger.Debug("accept error", zap.Error(err))
				return
			}
		}

		region := h.snapshotRegion()

		h.wg.Add(1)
		safego.Go(h.logger, "lm-handler-conn", func() {
			defer h.wg.Done()
			h.serveConn(conn, region)
		})
	}
}

func (h *Handler) snapshotRegion() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeRegion == "" {
		return rootRegion
	}
	return h.activeRegion
}

func (h *Handler) serveConn(conn net.Conn, region string) {
	defer conn.Close()

	req, err := protocol.Decode(conn)
	if err != nil {
		h.logger.Debug("malformed frame on handler socket", zap.Error(err))
		_ = protocol.Encode(conn, protocol.Frame{Kind: protocol.KindError, Message: "malformed frame"})
		return
	}
	if req.Kind != protocol.KindQuery {
		_ = protocol.Encode(conn, protocol.Frame{Kind: protocol.KindError, Message: "expected query frame"})
		return
	}

	ctx := context.Background()
	start := time.Now()
	text, model, inTok, outTok, err := h.caller.Call(ctx, req.Prompt, req.Depth)
	elapsed := time.Since(start)

	if err != nil {
		_ = protocol.Encode(conn, protocol.Frame{Kind: protocol.KindError, Message: err.Error()})
		return
	}

	h.record(region, entity.ChildCall{
		Prompt:       req.Prompt,
		Response:     text,
		Model:        model,
		InputTokens:  inTok,
		OutputTokens: outTok,
		Elapsed:      elapsed,
	})

	resp := protocol.Frame{
		Kind: protocol.KindResponse,
		Text: text,
		Usage: &protocol.FrameUsage{
			Model:        model,
			InputTokens:  inTok,
			OutputTokens: outTok,
		},
	}
	if err := protocol.Encode(conn, resp); err != nil {
		h.logger.Debug("failed writing response frame", zap.Error(err))
		return
	}
}

func (h *Handler) record(region string, call entity.ChildCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.callsByRegion[region] = append(h.callsByRegion[region], call)
	h.usage.Record(call.Model, call.InputTokens, call.OutputTokens)
}
