package remote

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/infrastructure/environment/remote/broker"
	"github.com/rlmgo/rlmgo/internal/infrastructure/handler"
	"github.com/rlmgo/rlmgo/internal/infrastructure/sandbox"
)

// newTestBrokerServer starts a real broker (persistent sandbox session and
// all) behind an httptest.Server whose address it knows in advance, so the
// broker's own selfURL points back at itself — exactly how rlmgo broker
// runs in production.
func newTestBrokerServer(t *testing.T) *httptest.Server {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	selfURL := "http://" + lis.Addr().String()

	cfg := sandbox.DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.TempDir = t.TempDir()

	b, err := broker.New(2*time.Second, selfURL, cfg, zap.NewNop())
	if err != nil {
		lis.Close()
		t.Skipf("python3 unavailable, skipping remote executor test: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	b.Register(router)

	server := &httptest.Server{Listener: lis, Config: &http.Server{Handler: router}}
	server.Start()
	t.Cleanup(server.Close)
	return server
}

func waitHealthy(t *testing.T, e *Executor) {
	t.Helper()
	for i := 0; i < 200; i++ {
		if e.health.Healthy() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("poller never became healthy")
}

type fakeCaller struct {
	mu      sync.Mutex
	prompts []string
	depths  []int
	text    string
}

func (f *fakeCaller) Call(ctx context.Context, prompt string, depth int) (string, string, int, int, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.depths = append(f.depths, depth)
	f.mu.Unlock()
	return f.text, "mock-model", 3, 5, nil
}

func TestExecutorRunsCodeAgainstBroker(t *testing.T) {
	server := newTestBrokerServer(t)

	e := New(Config{BrokerURL: server.URL, HealthInterval: 20 * time.Millisecond, PollInterval: 20 * time.Millisecond}, zap.NewNop())
	if err := e.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	waitHealthy(t, e)

	result, err := e.ExecuteCode(context.Background(), "print(2 + 2)")
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	if result.Stdout != "4\n" {
		t.Fatalf("want stdout %q, got %q", "4\n", result.Stdout)
	}
}

// TestExecutorBridgesLLMQueryThroughJobPoller exercises the whole remote
// LM-query path end to end: code executed in the broker's sandbox session
// calls llm_query, which POSTs to the broker's own /enqueue since its
// handler address is an HTTP URL; this Executor's JobPoller drains
// /pending, dials the real LM handler over TCP exactly as a local
// sandbox session would, and posts the answer back to /respond.
func TestExecutorBridgesLLMQueryThroughJobPoller(t *testing.T) {
	server := newTestBrokerServer(t)

	caller := &fakeCaller{text: "4"}
	h, err := handler.New(caller, zap.NewNop())
	if err != nil {
		t.Fatalf("handler.New: %v", err)
	}
	t.Cleanup(func() { h.Close(time.Second) })

	e := New(Config{BrokerURL: server.URL, HealthInterval: 20 * time.Millisecond, PollInterval: 20 * time.Millisecond}, zap.NewNop())
	if err := e.Setup(context.Background()); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	waitHealthy(t, e)

	if err := e.UpdateHandlerAddress(h.Address(), 2); err != nil {
		t.Fatalf("UpdateHandlerAddress: %v", err)
	}

	result, err := e.ExecuteCode(context.Background(), "answer = llm_query('what is 2+2?')\nprint(answer)")
	if err != nil {
		t.Fatalf("ExecuteCode: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "4" {
		t.Fatalf("want stdout 4, got %q", result.Stdout)
	}

	caller.mu.Lock()
	defer caller.mu.Unlock()
	if len(caller.prompts) != 1 || caller.prompts[0] != "what is 2+2?" {
		t.Fatalf("want one recorded prompt, got %+v", caller.prompts)
	}
	if caller.depths[0] != 2 {
		t.Fatalf("want depth 2 recorded on the handler call, got %d", caller.depths[0])
	}
}
