// Package broker implements the sandbox-side HTTP surface of the remote
// execution environment (spec §4.5, §6). It owns the persistent python3
// session that /execute runs code against, and bridges that session's
// llm_query calls back to the host: /enqueue is called by code running
// inside the sandbox and blocks for an answer; /pending and /respond are
// called by the host-side job poller, which drains the queue and posts
// back whatever the LM client returned.
package broker

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/infrastructure/sandbox"
)

// Job is one llm_query request bridged out of the sandbox, handed to
// whichever host poller polls /pending next.
type Job struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

// Result is what the host poller posts back to /respond once the LM
// client has answered a Job.
type Result struct {
	ID    string `json:"id"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// ExecuteResponse mirrors entity.REPLResult over the wire, returned
// synchronously by /execute.
type ExecuteResponse struct {
	Stdout    string            `json:"stdout"`
	Stderr    string            `json:"stderr"`
	Bindings  map[string]string `json:"bindings"`
	ElapsedMS int64             `json:"elapsed_ms"`
}

type pendingJob struct {
	resultCh chan Result
}

// Broker serves the sandbox-side HTTP surface for one remote environment:
// a persistent sandbox.Session for code submission, and a queue bridging
// that session's llm_query calls to the host's LM handler.
type Broker struct {
	logger  *zap.Logger
	session *sandbox.Session
	selfURL string

	mu      sync.Mutex
	queue   []Job
	pending map[string]*pendingJob
	timeout time.Duration
}

// New starts a sandbox session and constructs a Broker around it. selfURL
// is the base URL at which the broker's own sandbox session reaches it
// (cmd/rlmgo passes a loopback URL such as "http://127.0.0.1:8088"); the
// sandbox session's llm_query helper is
// pointed at it so every bridged call round-trips through /enqueue.
// timeout bounds how long /enqueue waits for a matching /respond.
func New(timeout time.Duration, selfURL string, sandboxCfg *sandbox.Config, logger *zap.Logger) (*Broker, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	session, err := sandbox.New(sandboxCfg, logger)
	if err != nil {
		return nil, err
	}
	return &Broker{
		logger:  logger,
		session: session,
		selfURL: selfURL,
		pending: make(map[string]*pendingJob),
		timeout: timeout,
	}, nil
}

// Register attaches the broker's routes to an existing gin engine so it
// can be composed with other HTTP surfaces in the same process.
func (b *Broker) Register(router gin.IRouter) {
	router.POST("/execute", b.handleExecute)
	router.POST("/enqueue", b.handleEnqueue)
	router.GET("/pending", b.handlePending)
	router.POST("/respond", b.handleRespond)
	router.GET("/health", b.handleHealth)
}

// Close terminates the broker's sandbox session.
func (b *Broker) Close() error {
	return b.session.Close()
}

// handleExecute runs source against the broker's persistent session and
// returns the REPLResult synchronously. depth is the recursion depth the
// host's completion is running at, fixed for the lifetime of one remote
// environment; it's stamped onto the session ahead of every call so its
// llm_query helper reports the right depth whether or not this is the
// first snippet the environment has executed.
func (b *Broker) handleExecute(c *gin.Context) {
	var req struct {
		Source string `json:"source" binding:"required"`
		Depth  int    `json:"depth"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := b.session.UpdateHandlerAddress(b.selfURL, req.Depth); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	result, err := b.session.Exec(req.Source)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, ExecuteResponse{
		Stdout:    result.Stdout,
		Stderr:    result.Stderr,
		Bindings:  result.Bindings,
		ElapsedMS: result.Elapsed.Milliseconds(),
	})
}

// handleEnqueue is called by llm_query running inside the sandbox: it
// queues a prompt with a fresh id and blocks until a matching /respond
// arrives, or b.timeout elapses.
func (b *Broker) handleEnqueue(c *gin.Context) {
	var req struct {
		Prompt string `json:"prompt" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job := Job{ID: uuid.NewString(), Prompt: req.Prompt}
	pj := &pendingJob{resultCh: make(chan Result, 1)}

	b.mu.Lock()
	b.queue = append(b.queue, job)
	b.pending[job.ID] = pj
	b.mu.Unlock()

	select {
	case result := <-pj.resultCh:
		if result.Error != "" {
			c.JSON(http.StatusOK, gin.H{"error": result.Error})
			return
		}
		c.JSON(http.StatusOK, gin.H{"text": result.Text})
	case <-time.After(b.timeout):
		b.mu.Lock()
		delete(b.pending, job.ID)
		b.mu.Unlock()
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "no poller responded in time", "job_id": job.ID})
	case <-c.Request.Context().Done():
		b.mu.Lock()
		delete(b.pending, job.ID)
		b.mu.Unlock()
	}
}

// handlePending is called by the host poller: it returns the oldest
// queued Job, or {} if none are waiting. It never blocks — the poller is
// expected to call back at its own short interval (spec §4.5).
func (b *Broker) handlePending(c *gin.Context) {
	if job, ok := b.popQueue(); ok {
		c.JSON(http.StatusOK, job)
		return
	}
	c.JSON(http.StatusOK, gin.H{})
}

func (b *Broker) popQueue() (Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Job{}, false
	}
	job := b.queue[0]
	b.queue = b.queue[1:]
	return job, true
}

// handleRespond is called by the host poller to deliver the LM client's
// answer for a Job, unblocking its matching /enqueue.
func (b *Broker) handleRespond(c *gin.Context) {
	var result Result
	if err := c.ShouldBindJSON(&result); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b.mu.Lock()
	pj, ok := b.pending[result.ID]
	if ok {
		delete(b.pending, result.ID)
	}
	b.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown or already-timed-out job id"})
		return
	}
	pj.resultCh <- result
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (b *Broker) handleHealth(c *gin.Context) {
	b.mu.Lock()
	queued := len(b.queue)
	inflight := len(b.pending)
	b.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "queued": queued, "in_flight": inflight})
}
