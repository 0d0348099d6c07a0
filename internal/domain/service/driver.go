package service

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	"github.com/rlmgo/rlmgo/internal/infrastructure/parser"
	"github.com/rlmgo/rlmgo/pkg/errors"
)

// defaultSystemPrompt is the fixed tool contract handed to the model on
// every completion: it may emit fenced python blocks (executed against a
// persistent namespace, with an llm_query(prompt) builtin for recursive
// calls) and must terminate with a line starting FINAL_ANSWER: once done.
const defaultSystemPrompt = `You can write python code in fenced blocks to work through this problem step by step. Code runs in a persistent interpreter: variables and imports from earlier blocks are still there in later ones. Call llm_query(prompt) from inside a block to delegate a sub-question to another instance of yourself. When you have the answer, end your reply with a line starting "FINAL_ANSWER:" followed by the answer.`

// LMClient is the language-model side of the completion driver. One call
// to Complete corresponds to one LM turn over the accumulated history.
type LMClient interface {
	Complete(ctx context.Context, history entity.History) (entity.ProviderResponse, error)
}

// Environment is the execution side of the completion driver: whatever
// runs fenced code blocks, local in-process or remote sandboxed.
type Environment interface {
	Setup(ctx context.Context) error
	ExecuteCode(ctx context.Context, source string) (entity.REPLResult, error)
	UpdateHandlerAddress(addr string, depth int) error
	LoadContext(payload interface{}) (int, error)
	AddHistory(messages interface{}) (int, error)
	Close() error
}

// Caller lets the LM handler dispatch llm_query calls back into a
// completion driver, one depth level deeper.
type Caller interface {
	Call(ctx context.Context, prompt string, depth int) (text string, model string, inputTokens, outputTokens int, err error)
}

// CallHandler is the broker a driver opens for the duration of one
// completion, routing llm_query calls made from inside executed code back
// to a Caller and attributing them to the code region that made them.
type CallHandler interface {
	Address() string
	SetActiveRegion(region string)
	ChildCallsForRegion(region string) []entity.ChildCall
	Usage() entity.UsageSummary
	Close(grace time.Duration)
}

// EnvironmentFactory builds a fresh Environment scoped to one completion.
type EnvironmentFactory func(ctx context.Context) (Environment, error)

// HandlerFactory builds a fresh CallHandler scoped to one completion,
// wired to route llm_query calls to caller.
type HandlerFactory func(caller Caller) (CallHandler, error)

// DriverConfig holds the tunables of the completion algorithm (spec §4.1).
type DriverConfig struct {
	Model             string
	SystemPrompt      string
	MaxIterations     int           // N: iteration budget per completion
	MaxDepth          int           // recursion depth limit before the fallback path kicks in
	MaxRetries        int           // LM-call retries on transient errors
	RetryBaseWait     time.Duration // exponential backoff base (2s, 4s, 8s, ...)
	HandlerCloseGrace time.Duration // drain timeout when tearing down the call handler
}

// DefaultDriverConfig returns production defaults.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		MaxIterations:     12,
		MaxDepth:          4,
		MaxRetries:        3,
		RetryBaseWait:     2 * time.Second,
		HandlerCloseGrace: 5 * time.Second,
		SystemPrompt:      defaultSystemPrompt,
	}
}

// Driver runs the recursive-language-model completion loop: call the LM,
// parse its turn for code blocks and a final answer, execute any code
// blocks against a scoped Environment, feed results back, and repeat until
// a final answer appears or the iteration budget is spent.
type Driver struct {
	llm        LMClient
	newEnv     EnvironmentFactory
	newHandler HandlerFactory
	config     atomic.Value // DriverConfig
	logger     *zap.Logger
	sink       TrajectorySink
	events     EventSink
}

// cfg returns the driver's current config. Reading through atomic.Value
// rather than a plain field lets SetConfig hot-swap the iteration/depth/
// retry budget from a config-file watcher goroutine while completions are
// in flight on other goroutines, without a mutex on the hot path.
func (d *Driver) cfg() DriverConfig {
	return d.config.Load().(DriverConfig)
}

// SetConfig replaces the driver's tunables (iteration/depth/retry budget,
// system prompt) in place. Safe to call concurrently with running
// completions: a running Complete keeps the iteration budget, depth limit
// and system prompt it loaded when it started, while each LM call's retry
// loop reads the retry settings current at that call. App.StartConfigWatcher
// calls this with what the config package's fsnotify-backed
// DriverConfigWatcher has loaded from config.yaml.
func (d *Driver) SetConfig(config DriverConfig) {
	d.config.Store(normalizeDriverConfig(config))
}

// SetSink attaches a trajectory sink the driver writes metadata/iteration/
// done/error records to as a completion runs. Returns the driver so it can
// be chained onto NewDriver. A nil sink (the zero value) disables
// persistence entirely.
func (d *Driver) SetSink(sink TrajectorySink) *Driver {
	d.sink = sink
	return d
}

// SetEvents attaches a live event sink the driver emits entity.DriverEvents
// to as a completion runs. Returns the driver so it can be chained onto
// NewDriver. A nil sink (the zero value) disables event emission entirely.
func (d *Driver) SetEvents(sink EventSink) *Driver {
	d.events = sink
	return d
}

// WithEvents returns a shallow copy of the driver that additionally emits
// to sink, leaving d itself untouched. Unlike SetEvents this is safe to
// call from concurrent requests sharing one long-lived Driver (the gRPC
// and websocket servers do, since each inbound completion wants its own
// observer on top of any process-wide one, e.g. a metrics collector):
// each caller gets its own copy instead of racing on d.events, and d's
// existing sink (if any) still receives every event alongside sink.
func (d *Driver) WithEvents(sink EventSink) *Driver {
	clone := *d
	if d.events == nil {
		clone.events = sink
	} else {
		clone.events = MultiEventSink{d.events, sink}
	}
	return &clone
}

// emit forwards ev to the attached event sink, filling in Timestamp if
// unset. There is nothing to recover from if a consumer is slow or gone;
// EventSink implementations are expected to be non-blocking.
func (d *Driver) emit(ctx context.Context, ev entity.DriverEvent) {
	if d.events == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	d.events.Emit(ctx, ev)
}

// record writes rec to the sink if one is attached, filling in Timestamp
// if unset. Persistence failures are logged and otherwise ignored: a
// trajectory sink is an observability aid, not load-bearing for the
// completion itself.
func (d *Driver) record(ctx context.Context, rec entity.TrajectoryRecord, log *zap.Logger) {
	if d.sink == nil {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if rec.TraceID == "" {
		rec.TraceID = TraceIDFromContext(ctx)
	}
	if err := d.sink.Record(ctx, rec); err != nil {
		log.Warn("trajectory sink write failed", zap.String("kind", string(rec.Kind)), zap.Error(err))
	}
}

// normalizeDriverConfig fills in production defaults for any zero-valued
// tunable, so a partially-specified config.yaml driver section (or a
// hot-reload that only touched one field) never produces a degenerate
// budget of 0 iterations or a depth limit of 0. MaxRetries is the
// exception: 0 is kept (no retries), and only a negative value is
// replaced by the default of 3.
func normalizeDriverConfig(config DriverConfig) DriverConfig {
	if config.MaxIterations <= 0 {
		config.MaxIterations = 12
	}
	if config.MaxDepth <= 0 {
		config.MaxDepth = 4
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.RetryBaseWait <= 0 {
		config.RetryBaseWait = 2 * time.Second
	}
	if config.HandlerCloseGrace <= 0 {
		config.HandlerCloseGrace = 5 * time.Second
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaultSystemPrompt
	}
	return config
}

// NewDriver wires a Driver to its LM client and the factories that scope a
// fresh Environment/CallHandler pair to each completion.
func NewDriver(llm LMClient, newEnv EnvironmentFactory, newHandler HandlerFactory, config DriverConfig, logger *zap.Logger) *Driver {
	d := &Driver{llm: llm, newEnv: newEnv, newHandler: newHandler, logger: logger}
	d.config.Store(normalizeDriverConfig(config))
	return d
}

// Complete runs one recursive-LM completion for prompt at the given
// recursion depth (0 for a top-level request).
func (d *Driver) Complete(ctx context.Context, prompt string, depth int) (entity.ChatCompletion, error) {
	startedAt := time.Now()
	ctx = WithTraceID(ctx, "")
	ctx = WithDepth(ctx, depth)
	log := d.logger.With(zap.String("trace_id", TraceIDFromContext(ctx)), zap.Int("depth", depth))
	d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordMetadata, Depth: depth, Metadata: map[string]string{"prompt": prompt}}, log)

	cfg := d.cfg()
	if depth >= cfg.MaxDepth {
		return d.fallback(ctx, prompt, depth, startedAt, log)
	}

	env, err := d.newEnv(ctx)
	if err != nil {
		wrapped := errors.Wrap(errors.KindSetup, "create environment", err)
		d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordError, Depth: depth, Error: wrapped.Error()}, log)
		return entity.ChatCompletion{}, wrapped
	}
	if err := env.Setup(ctx); err != nil {
		_ = env.Close()
		wrapped := errors.Wrap(errors.KindSetup, "set up environment", err)
		d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordError, Depth: depth, Error: wrapped.Error()}, log)
		return entity.ChatCompletion{}, wrapped
	}

	handler, err := d.newHandler(d)
	if err != nil {
		_ = env.Close()
		wrapped := errors.Wrap(errors.KindSetup, "create call handler", err)
		d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordError, Depth: depth, Error: wrapped.Error()}, log)
		return entity.ChatCompletion{}, wrapped
	}
	defer func() {
		handler.Close(cfg.HandlerCloseGrace)
		if err := env.Close(); err != nil {
			log.Warn("environment close failed", zap.Error(err))
		}
	}()

	if err := env.UpdateHandlerAddress(handler.Address(), depth+1); err != nil {
		wrapped := errors.Wrap(errors.KindSetup, "bind environment to call handler", err)
		d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordError, Depth: depth, Error: wrapped.Error()}, log)
		return entity.ChatCompletion{}, wrapped
	}

	history := entity.History{}
	history = history.Append(entity.Message{Role: entity.RoleSystem, Content: cfg.SystemPrompt})
	history = history.Append(entity.Message{Role: entity.RoleUser, Content: prompt})

	usage := entity.NewUsageSummary()
	iterations := make([]entity.RLMIteration, 0, cfg.MaxIterations)

	for i := 1; i <= cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			wrapped := errors.Wrap(errors.KindCancellation, "completion cancelled", err)
			d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordError, Depth: depth, Error: wrapped.Error()}, log)
			return entity.ChatCompletion{}, wrapped
		}

		iterStart := time.Now()
		d.emit(ctx, entity.DriverEvent{Type: entity.EventIterationStart, IterationNo: i})
		resp, err := d.completeWithRetry(ctx, history, i, log)
		if err != nil {
			d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordError, Depth: depth, Error: err.Error()}, log)
			d.emit(ctx, entity.DriverEvent{Type: entity.EventError, IterationNo: i, Error: err.Error()})
			return entity.ChatCompletion{}, err
		}
		usage.Record(resp.Model, resp.InputTokens, resp.OutputTokens)
		d.emit(ctx, entity.DriverEvent{Type: entity.EventLLMCall, IterationNo: i, Content: resp.Content})
		history = history.Append(entity.Message{Role: entity.RoleAssistant, Content: resp.Content})

		parsed := parser.Parse(resp.Content)
		iter := entity.RLMIteration{
			Index:       i,
			Timestamp:   iterStart,
			RawResponse: resp.Content,
			CodeBlocks:  parsed.CodeBlocks,
		}

		// The sentinel can appear ahead of the first fence — spec §9's
		// first-wins rule means an answer emitted before any code runs
		// short-circuits execution entirely (§4.1 step 4c).
		if parsed.FinalAnswer != nil && parser.FirstAnswerBeforeFirstBlock(resp.Content) {
			iter.FinalAnswer = parsed.FinalAnswer
			iter.Elapsed = time.Since(iterStart)
			iterations = append(iterations, iter)
			d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordIteration, Depth: depth, Iteration: &iter}, log)
			d.emit(ctx, entity.DriverEvent{Type: entity.EventFinalAnswer, IterationNo: i, Content: *parsed.FinalAnswer})
			return d.finish(ctx, log, *parsed.FinalAnswer, iterations, usage, depth, false, false, startedAt), nil
		}

		if len(parsed.CodeBlocks) == 0 {
			if parsed.FinalAnswer != nil {
				iter.FinalAnswer = parsed.FinalAnswer
				iter.Elapsed = time.Since(iterStart)
				iterations = append(iterations, iter)
				d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordIteration, Depth: depth, Iteration: &iter}, log)
				d.emit(ctx, entity.DriverEvent{Type: entity.EventFinalAnswer, IterationNo: i, Content: *parsed.FinalAnswer})
				return d.finish(ctx, log, *parsed.FinalAnswer, iterations, usage, depth, false, false, startedAt), nil
			}
			// Neither code nor a sentinel: nudge the model rather than fail
			// the whole completion (entity.ErrNoCodeBlocks covers the case
			// a caller wants to treat this as terminal instead).
			log.Warn("iteration produced neither code nor a final answer", zap.Int("iteration", i))
			history = history.Append(entity.Message{
				Role:    entity.RoleUser,
				Content: "No code block or FINAL_ANSWER: line was found in your last reply. Either run a code block or end with FINAL_ANSWER:.",
			})
			iter.Elapsed = time.Since(iterStart)
			iterations = append(iterations, iter)
			d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordIteration, Depth: depth, Iteration: &iter}, log)
			continue
		}

		for bi := range parsed.CodeBlocks {
			region := fmt.Sprintf("iter%d-block%d", i, bi)
			d.emit(ctx, entity.DriverEvent{Type: entity.EventCodeBlock, IterationNo: i, CodeBlock: &parsed.CodeBlocks[bi], Region: region})
			handler.SetActiveRegion(region)
			result, execErr := env.ExecuteCode(ctx, parsed.CodeBlocks[bi].Source)
			handler.SetActiveRegion("")
			if execErr != nil {
				result.Stderr = strings.TrimSpace(result.Stderr + "\n" + execErr.Error())
			}
			result.ChildCalls = handler.ChildCallsForRegion(region)
			parsed.CodeBlocks[bi].Result = &result
			d.emit(ctx, entity.DriverEvent{Type: entity.EventREPLResult, IterationNo: i, Result: &result, Region: region})
			for _, call := range result.ChildCalls {
				d.emit(ctx, entity.DriverEvent{Type: entity.EventChildCall, IterationNo: i, Content: call.Response, Region: region})
			}
		}
		iter.CodeBlocks = parsed.CodeBlocks
		iter.FinalAnswer = parsed.FinalAnswer
		iter.Elapsed = time.Since(iterStart)
		iterations = append(iterations, iter)
		d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordIteration, Depth: depth, Iteration: &iter}, log)

		history = history.Append(entity.Message{Role: entity.RoleUser, Content: synthesizeResultMessage(parsed.CodeBlocks)})

		if parsed.FinalAnswer != nil {
			d.emit(ctx, entity.DriverEvent{Type: entity.EventFinalAnswer, IterationNo: i, Content: *parsed.FinalAnswer})
			return d.finish(ctx, log, *parsed.FinalAnswer, iterations, usage, depth, false, false, startedAt), nil
		}
	}

	d.emit(ctx, entity.DriverEvent{Type: entity.EventTruncated, IterationNo: cfg.MaxIterations})
	return d.finish(ctx, log, "", iterations, usage, depth, true, false, startedAt), nil
}

// Call adapts Driver to the Caller interface the call handler dispatches
// through: a recursive llm_query is just another completion, one depth
// level deeper, collapsed down to the flat shape entity.ChildCall records.
func (d *Driver) Call(ctx context.Context, prompt string, depth int) (string, string, int, int, error) {
	result, err := d.Complete(ctx, prompt, depth)
	if err != nil {
		return "", "", 0, 0, err
	}
	model := d.cfg().Model
	var inputTokens, outputTokens int
	for m, u := range result.Usage {
		inputTokens += u.InputTokens
		outputTokens += u.OutputTokens
		model = m
	}
	return result.FinalText, model, inputTokens, outputTokens, nil
}

// fallback answers directly, without a scoped environment or further
// recursion, once the depth limit is reached (spec §4.1 step 1, §9 Open
// Question on depth-limit behavior: degrade to a plain completion rather
// than failing the request outright).
func (d *Driver) fallback(ctx context.Context, prompt string, depth int, startedAt time.Time, log *zap.Logger) (entity.ChatCompletion, error) {
	log.Info("recursion depth limit reached, answering without further delegation")
	history := entity.History{}
	history = history.Append(entity.Message{
		Role:    entity.RoleSystem,
		Content: "Answer directly and concisely. You cannot run code or delegate to another instance of yourself at this depth.",
	})
	history = history.Append(entity.Message{Role: entity.RoleUser, Content: prompt})

	resp, err := d.completeWithRetry(ctx, history, 1, log)
	if err != nil {
		d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordError, Depth: depth, Error: err.Error()}, log)
		d.emit(ctx, entity.DriverEvent{Type: entity.EventError, IterationNo: 1, Error: err.Error()})
		return entity.ChatCompletion{}, err
	}
	usage := entity.NewUsageSummary()
	usage.Record(resp.Model, resp.InputTokens, resp.OutputTokens)

	iteration := entity.RLMIteration{
		Index:       1,
		Timestamp:   startedAt,
		RawResponse: resp.Content,
		FinalAnswer: &resp.Content,
		Elapsed:     time.Since(startedAt),
	}
	d.record(ctx, entity.TrajectoryRecord{Kind: entity.RecordIteration, Depth: depth, Iteration: &iteration}, log)
	return d.finish(ctx, log, resp.Content, []entity.RLMIteration{iteration}, usage, depth, false, true, startedAt), nil
}

func (d *Driver) finish(ctx context.Context, log *zap.Logger, finalText string, iterations []entity.RLMIteration, usage entity.UsageSummary, depth int, truncated, fallback bool, startedAt time.Time) entity.ChatCompletion {
	if truncated {
		finalText = truncationMessage(iterations)
	}
	d.record(ctx, entity.TrajectoryRecord{
		Kind:      entity.RecordDone,
		Depth:     depth,
		FinalText: finalText,
		Truncated: truncated,
		Fallback:  fallback,
	}, log)
	return entity.ChatCompletion{
		FinalText:  finalText,
		Iterations: iterations,
		Usage:      usage,
		Truncated:  truncated,
		Fallback:   fallback,
		Depth:      depth,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
}

// truncationMessage synthesizes a best-effort answer from the last
// iteration's output when the iteration budget runs out before a
// FINAL_ANSWER: line appears (spec §4.1 step 5).
func truncationMessage(iterations []entity.RLMIteration) string {
	if len(iterations) == 0 {
		return "No answer was reached before the iteration budget was exhausted."
	}
	last := iterations[len(iterations)-1]
	if len(last.CodeBlocks) > 0 {
		if r := last.CodeBlocks[len(last.CodeBlocks)-1].Result; r != nil && strings.TrimSpace(r.Stdout) != "" {
			return "Iteration budget exhausted before a final answer. Last output:\n" + strings.TrimSpace(r.Stdout)
		}
	}
	return "Iteration budget exhausted before a final answer. Last reply:\n" + strings.TrimSpace(last.RawResponse)
}

// synthesizeResultMessage turns a turn's executed code blocks into the
// next user-role message fed back to the model, spec §4.1 step 4d.
func synthesizeResultMessage(blocks []entity.CodeBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		fmt.Fprintf(&b, "--- block %d ---\n", block.Index)
		if block.Result == nil {
			b.WriteString("(not executed)\n")
			continue
		}
		if block.Result.Stdout != "" {
			fmt.Fprintf(&b, "stdout:\n%s\n", block.Result.Stdout)
		}
		if block.Result.Raised() {
			fmt.Fprintf(&b, "stderr:\n%s\n", block.Result.Stderr)
		}
		for name, value := range block.Result.Bindings {
			fmt.Fprintf(&b, "%s = %s\n", name, value)
		}
		for _, call := range block.Result.ChildCalls {
			fmt.Fprintf(&b, "llm_query(%q) -> %q\n", call.Prompt, call.Response)
		}
	}
	return b.String()
}

// completeWithRetry calls the LM client with exponential backoff on
// transient failures, grounded on the teacher's callLLMWithRetry.
func (d *Driver) completeWithRetry(ctx context.Context, history entity.History, iteration int, log *zap.Logger) (entity.ProviderResponse, error) {
	cfg := d.cfg()
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := cfg.RetryBaseWait * (1 << (attempt - 1))
			log.Info("retrying LM call",
				zap.Int("iteration", iteration),
				zap.Int("attempt", attempt),
				zap.Duration("wait", wait),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return entity.ProviderResponse{}, errors.Wrap(errors.KindCancellation, "completion cancelled during retry wait", ctx.Err())
			}
		}

		resp, err := d.llm.Complete(ctx, history)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.IsRetryable(err) {
			return entity.ProviderResponse{}, errors.Wrap(errors.KindExecution, "non-retryable LM error", err)
		}
	}

	return entity.ProviderResponse{}, errors.Wrap(errors.KindTimeout, fmt.Sprintf("LM call failed after %d retries", cfg.MaxRetries), lastErr)
}
