package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	"github.com/rlmgo/rlmgo/internal/infrastructure/environment/remote/broker"
	"github.com/rlmgo/rlmgo/pkg/errors"
)

// Config configures an Executor.
type Config struct {
	BrokerURL      string
	RequestTimeout time.Duration
	HealthInterval time.Duration
	PollInterval   time.Duration // host job-poller cadence, spec §4.5 (default 150ms)
}

// Executor implements service.Environment against a remote broker reached
// over HTTP, instead of an in-process sandbox session. It pairs a
// HealthPoller (liveness) with a JobPoller (the llm_query bridge).
type Executor struct {
	config Config
	client *http.Client
	health *HealthPoller
	jobs   *JobPoller
	logger *zap.Logger

	mu           sync.Mutex
	handlerAddr  string
	handlerDepth int
}

// New constructs a remote Executor. Its health and job pollers are built
// but not started until Setup.
func New(config Config, logger *zap.Logger) *Executor {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 2 * time.Minute
	}
	return &Executor{
		config: config,
		client: &http.Client{Timeout: config.RequestTimeout},
		health: NewHealthPoller(config.BrokerURL, config.HealthInterval, logger),
		jobs:   NewJobPoller(config.BrokerURL, config.PollInterval, logger),
		logger: logger,
	}
}

// Setup starts the health poller and the job poller; the broker itself is
// assumed to already be running (spec §4.5: the broker lives in the
// sandbox, started independently of any one completion).
func (e *Executor) Setup(ctx context.Context) error {
	e.health.Start()
	e.jobs.Start()
	return nil
}

// ExecuteCode ships source to the broker's /execute endpoint and blocks
// for the synchronous REPLResult.
func (e *Executor) ExecuteCode(ctx context.Context, source string) (entity.REPLResult, error) {
	if !e.health.Healthy() {
		return entity.REPLResult{}, errors.Wrap(errors.KindSandboxUnreachable, "remote sandbox unreachable", errUnreachable(e.config.BrokerURL))
	}

	e.mu.Lock()
	depth := e.handlerDepth
	e.mu.Unlock()

	body, err := json.Marshal(map[string]interface{}{
		"source": source,
		"depth":  depth,
	})
	if err != nil {
		return entity.REPLResult{}, errors.Wrap(errors.KindExecution, "marshal execute request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.config.BrokerURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return entity.REPLResult{}, errors.Wrap(errors.KindExecution, "build execute request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return entity.REPLResult{}, errors.Wrap(errors.KindSandboxUnreachable, "submit code to remote sandbox", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGatewayTimeout {
		return entity.REPLResult{}, errors.New(errors.KindTimeout, "remote sandbox did not finish before the broker's deadline")
	}
	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return entity.REPLResult{}, errors.New(errors.KindExecution, fmt.Sprintf("broker returned status %d: %s", resp.StatusCode, errBody.Error))
	}

	var result broker.ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return entity.REPLResult{}, errors.Wrap(errors.KindProtocol, "decode broker result", err)
	}
	return entity.REPLResult{
		Stdout:   result.Stdout,
		Stderr:   result.Stderr,
		Bindings: result.Bindings,
		Elapsed:  time.Duration(result.ElapsedMS) * time.Millisecond,
	}, nil
}

// UpdateHandlerAddress records the LM handler's address and the
// completion's recursion depth for the lifetime of this environment: the
// job poller dials addr directly for every llm_query bridged through the
// broker's /enqueue, at depth, and /execute is told depth so the
// sandbox's own llm_query helper (routed through /enqueue too) stamps the
// same depth (spec §4.5 "Host side (poller)").
func (e *Executor) UpdateHandlerAddress(addr string, depth int) error {
	e.mu.Lock()
	e.handlerAddr, e.handlerDepth = addr, depth
	e.mu.Unlock()
	e.jobs.SetHandlerAddress(addr, depth)
	return nil
}

// LoadContext and AddHistory are not supported by the remote executor: a
// remote environment's only persistent state lives in the broker's own
// sandbox session, which this process has no direct handle to (spec §3
// PersistenceSlot note: "local executor only").

func (e *Executor) LoadContext(payload interface{}) (int, error) {
	return 0, errors.New(errors.KindSetup, "remote environment has no persistent context slots")
}

func (e *Executor) AddHistory(messages interface{}) (int, error) {
	return 0, errors.New(errors.KindSetup, "remote environment has no persistent history slots")
}

// Close stops the health and job pollers.
func (e *Executor) Close() error {
	e.jobs.Stop()
	e.health.Stop()
	return nil
}
