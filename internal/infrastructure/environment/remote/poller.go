// Package remote implements the remote, HTTP-polled sandbox Environment
// (spec §4.5): code runs outside this process, reached over the broker's
// /execute, /enqueue, /pending, /respond and /health surface.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/infrastructure/environment/remote/broker"
	"github.com/rlmgo/rlmgo/internal/infrastructure/protocol"
)

// HealthPoller periodically checks a remote broker's /health endpoint and
// tracks whether it was last seen reachable, the same ticker-driven
// shape as the teacher's heartbeat loop, repurposed from a command
// scheduler into a liveness check.
type HealthPoller struct {
	baseURL  string
	interval time.Duration
	client   *http.Client
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	running bool
	healthy bool
}

// NewHealthPoller builds a poller for baseURL, checking every interval
// (default 10s if zero or negative).
func NewHealthPoller(baseURL string, interval time.Duration, logger *zap.Logger) *HealthPoller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HealthPoller{
		baseURL:  baseURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the background polling loop. Calling Start twice is a
// no-op.
func (p *HealthPoller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	go p.loop()
}

// Stop halts the polling loop.
func (p *HealthPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		p.cancel()
		p.running = false
	}
}

// Healthy reports whether the most recent check succeeded.
func (p *HealthPoller) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

func (p *HealthPoller) loop() {
	p.check()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.check()
		}
	}
}

func (p *HealthPoller) check() {
	ok := p.probe()
	p.mu.Lock()
	wasHealthy := p.healthy
	p.healthy = ok
	p.mu.Unlock()

	if ok != wasHealthy {
		if ok {
			p.logger.Info("remote sandbox reachable", zap.String("broker", p.baseURL))
		} else {
			p.logger.Warn("remote sandbox unreachable", zap.String("broker", p.baseURL))
		}
	}
}

func (p *HealthPoller) probe() bool {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, p.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Status == "ok"
}

// errUnreachable is a sentinel wrapped by the executor when the poller
// already knows the broker is down, sparing a doomed round trip.
func errUnreachable(baseURL string) error {
	return fmt.Errorf("remote sandbox %s is unreachable", baseURL)
}

// JobPoller is the host-side half of the remote LM-query bridge (spec
// §4.5 "Host side (poller)"): for the lifetime of one remote
// environment it polls the broker's /pending at a modest interval, and
// for every request it finds dials the LM handler directly — the same
// length-prefixed protocol a local sandbox session's llm_query speaks —
// so usage and child-trace accounting happen exactly as they would for
// an in-process call, then posts the answer back to /respond. Parallel
// requests are serviced concurrently, one goroutine per job.
type JobPoller struct {
	brokerURL string
	interval  time.Duration
	client    *http.Client
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	running     bool
	handlerAddr string
	depth       int
}

// NewJobPoller builds a poller against brokerURL, checking for pending
// jobs every interval (default 150ms, within spec's 50-250ms band).
func NewJobPoller(brokerURL string, interval time.Duration, logger *zap.Logger) *JobPoller {
	if interval <= 0 {
		interval = 150 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &JobPoller{
		brokerURL: brokerURL,
		interval:  interval,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetHandlerAddress records which LM handler to dial for jobs this poller
// drains, and at which recursion depth. Both are fixed for the lifetime
// of the remote environment: the driver calls UpdateHandlerAddress once,
// when the environment is set up for a completion (or child completion).
func (p *JobPoller) SetHandlerAddress(addr string, depth int) {
	p.mu.Lock()
	p.handlerAddr, p.depth = addr, depth
	p.mu.Unlock()
}

// Start begins the background polling loop. Calling Start twice is a
// no-op.
func (p *JobPoller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop()
}

// Stop halts the polling loop and waits for any job currently being
// serviced to finish posting its result.
func (p *JobPoller) Stop() {
	p.cancel()
	p.wg.Wait()
}

func (p *JobPoller) loop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.drain()
		}
	}
}

// drain pops every job currently queued, servicing each one concurrently
// (spec: "parallel requests are handled by calling the LM client
// concurrently").
func (p *JobPoller) drain() {
	for {
		job, ok := p.fetchPending()
		if !ok {
			return
		}
		p.wg.Add(1)
		go func(job broker.Job) {
			defer p.wg.Done()
			p.service(job)
		}(job)
	}
}

func (p *JobPoller) fetchPending() (broker.Job, bool) {
	req, err := http.NewRequestWithContext(p.ctx, http.MethodGet, p.brokerURL+"/pending", nil)
	if err != nil {
		return broker.Job{}, false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return broker.Job{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return broker.Job{}, false
	}
	var job broker.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return broker.Job{}, false
	}
	if job.ID == "" {
		return broker.Job{}, false
	}
	return job, true
}

func (p *JobPoller) service(job broker.Job) {
	p.mu.Lock()
	addr, depth := p.handlerAddr, p.depth
	p.mu.Unlock()

	result := broker.Result{ID: job.ID}
	text, err := p.call(addr, job.Prompt, depth)
	if err != nil {
		result.Error = err.Error()
	} else {
		result.Text = text
	}
	p.respond(result)
}

// call dials the LM handler directly and speaks its length-prefixed
// query/response protocol (spec §4.2) — the same path a local sandbox
// session's llm_query would take — so the handler's usage and
// child-trace accounting run exactly as for an in-process call.
func (p *JobPoller) call(handlerAddr, prompt string, depth int) (string, error) {
	if handlerAddr == "" {
		return "", fmt.Errorf("job poller: handler address not set")
	}
	conn, err := net.DialTimeout("tcp", handlerAddr, 5*time.Second)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := protocol.Encode(conn, protocol.Frame{Kind: protocol.KindQuery, Prompt: prompt, Depth: depth}); err != nil {
		return "", err
	}
	resp, err := protocol.Decode(conn)
	if err != nil {
		return "", err
	}
	if resp.Kind == protocol.KindError {
		return "", fmt.Errorf("%s", resp.Message)
	}
	return resp.Text, nil
}

func (p *JobPoller) respond(result broker.Result) {
	body, err := json.Marshal(result)
	if err != nil {
		p.logger.Error("marshal job result", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, p.brokerURL+"/respond", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn("post job result to broker", zap.Error(err))
		return
	}
	resp.Body.Close()
}
