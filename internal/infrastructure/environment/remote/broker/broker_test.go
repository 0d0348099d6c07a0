package broker

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/infrastructure/sandbox"
)

func newTestServer(t *testing.T) (*httptest.Server, *Broker) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()

	cfg := sandbox.DefaultConfig()
	cfg.WorkDir = t.TempDir()
	cfg.TempDir = t.TempDir()

	b, err := New(2*time.Second, "http://127.0.0.1:0", cfg, zap.NewNop())
	if err != nil {
		t.Skipf("python3 unavailable, skipping broker test: %v", err)
	}
	t.Cleanup(func() { b.Close() })

	b.Register(router)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return server, b
}

func TestExecuteRunsCodeAgainstSandboxSession(t *testing.T) {
	server, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{"source": "print(1 + 1)"})
	resp, err := http.Post(server.URL+"/execute", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	var result ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode execute result: %v", err)
	}
	if result.Stdout != "2\n" {
		t.Fatalf("want stdout %q, got %q", "2\n", result.Stdout)
	}
}

func TestEnqueueWaitsForRespond(t *testing.T) {
	server, _ := newTestServer(t)

	enqueueDone := make(chan *http.Response, 1)
	go func() {
		body, _ := json.Marshal(map[string]string{"prompt": "what is 2+2?"})
		resp, err := http.Post(server.URL+"/enqueue", "application/json", bytes.NewReader(body))
		if err != nil {
			t.Errorf("enqueue: %v", err)
			return
		}
		enqueueDone <- resp
	}()

	var job Job
	for i := 0; i < 50; i++ {
		resp, err := http.Get(server.URL + "/pending")
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		var candidate Job
		if err := json.NewDecoder(resp.Body).Decode(&candidate); err != nil {
			t.Fatalf("decode pending reply: %v", err)
		}
		resp.Body.Close()
		if candidate.ID != "" {
			job = candidate
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if job.ID == "" {
		t.Fatal("never received a pending job")
	}
	if job.Prompt != "what is 2+2?" {
		t.Fatalf("want prompt %q, got %q", "what is 2+2?", job.Prompt)
	}

	result := Result{ID: job.ID, Text: "4"}
	body, _ := json.Marshal(result)
	respondResp, err := http.Post(server.URL+"/respond", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if respondResp.StatusCode != http.StatusOK {
		t.Fatalf("want 200 from /respond, got %d", respondResp.StatusCode)
	}

	select {
	case resp := <-enqueueDone:
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("want 200 from /enqueue, got %d", resp.StatusCode)
		}
		var decoded struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("decode enqueue result: %v", err)
		}
		if decoded.Text != "4" {
			t.Fatalf("want text 4, got %q", decoded.Text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("enqueue never returned after respond")
	}
}

func TestRespondWithUnknownJobIDReturnsNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	body, _ := json.Marshal(Result{ID: "does-not-exist"})
	resp, err := http.Post(server.URL+"/respond", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}

func TestHealthReportsQueueDepth(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Fatalf("want status ok, got %q", body.Status)
	}
}
