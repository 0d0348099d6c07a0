package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	rlmerrors "github.com/rlmgo/rlmgo/pkg/errors"
)

type scriptedLLM struct {
	responses []entity.ProviderResponse
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, history entity.History) (entity.ProviderResponse, error) {
	if s.calls >= len(s.responses) {
		return entity.ProviderResponse{}, rlmerrors.New(rlmerrors.KindExecution, "scripted LLM exhausted")
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

type fakeEnvironment struct {
	execFunc func(source string) (entity.REPLResult, error)
	setupErr error
	execN    int
}

func (f *fakeEnvironment) Setup(ctx context.Context) error { return f.setupErr }
func (f *fakeEnvironment) ExecuteCode(ctx context.Context, source string) (entity.REPLResult, error) {
	f.execN++
	if f.execFunc == nil {
		return entity.REPLResult{}, nil
	}
	return f.execFunc(source)
}
func (f *fakeEnvironment) UpdateHandlerAddress(addr string, depth int) error { return nil }
func (f *fakeEnvironment) LoadContext(payload interface{}) (int, error)     { return 0, nil }
func (f *fakeEnvironment) AddHistory(messages interface{}) (int, error)     { return 0, nil }
func (f *fakeEnvironment) Close() error                                    { return nil }

type fakeHandler struct {
	region string
	calls  map[string][]entity.ChildCall
}

func newFakeHandler() *fakeHandler { return &fakeHandler{calls: make(map[string][]entity.ChildCall)} }

func (h *fakeHandler) Address() string                    { return "127.0.0.1:0" }
func (h *fakeHandler) SetActiveRegion(region string)       { h.region = region }
func (h *fakeHandler) ChildCallsForRegion(region string) []entity.ChildCall {
	return h.calls[region]
}
func (h *fakeHandler) Usage() entity.UsageSummary { return entity.NewUsageSummary() }
func (h *fakeHandler) Close(grace time.Duration)  {}

func (h *fakeHandler) record(call entity.ChildCall) {
	h.calls[h.region] = append(h.calls[h.region], call)
}

func testDriver(t *testing.T, llm *scriptedLLM, env *fakeEnvironment, handler *fakeHandler, cfg DriverConfig) *Driver {
	t.Helper()
	newEnv := func(ctx context.Context) (Environment, error) { return env, nil }
	newHandler := func(caller Caller) (CallHandler, error) { return handler, nil }
	return NewDriver(llm, newEnv, newHandler, cfg, zap.NewNop())
}

func TestCompleteEchoFinalAnswer(t *testing.T) {
	llm := &scriptedLLM{responses: []entity.ProviderResponse{
		{Content: "FINAL_ANSWER: 42", Model: "mock-1", InputTokens: 3, OutputTokens: 2},
	}}
	env := &fakeEnvironment{execFunc: func(source string) (entity.REPLResult, error) {
		t.Fatal("expected no code execution when the sentinel precedes any fence")
		return entity.REPLResult{}, nil
	}}
	d := testDriver(t, llm, env, newFakeHandler(), DriverConfig{MaxIterations: 3, MaxDepth: 4})

	result, err := d.Complete(context.Background(), "what is the answer?", 0)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.FinalText != "42" {
		t.Fatalf("want final text 42, got %q", result.FinalText)
	}
	if result.Truncated || result.Fallback {
		t.Fatalf("want neither truncated nor fallback, got %+v", result)
	}
	if len(result.Iterations) != 1 {
		t.Fatalf("want 1 iteration, got %d", len(result.Iterations))
	}
	if result.Usage["mock-1"].Calls != 1 {
		t.Fatalf("want usage recorded for mock-1, got %+v", result.Usage)
	}
}

func TestCompleteSingleCodeBlockNoRecursion(t *testing.T) {
	llm := &scriptedLLM{responses: []entity.ProviderResponse{
		{Content: "```python\nprint(2+2)\n```", Model: "mock-1"},
		{Content: "FINAL_ANSWER: 4", Model: "mock-1"},
	}}
	env := &fakeEnvironment{execFunc: func(source string) (entity.REPLResult, error) {
		return entity.REPLResult{Stdout: "4\n"}, nil
	}}
	d := testDriver(t, llm, env, newFakeHandler(), DriverConfig{MaxIterations: 3, MaxDepth: 4})

	result, err := d.Complete(context.Background(), "what is 2+2?", 0)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if result.FinalText != "4" {
		t.Fatalf("want final text 4, got %q", result.FinalText)
	}
	if env.execN != 1 {
		t.Fatalf("want exactly 1 code execution, got %d", env.execN)
	}
	if len(result.Iterations) != 2 {
		t.Fatalf("want 2 iterations, got %d", len(result.Iterations))
	}
	if len(result.Iterations[0].CodeBlocks) != 1 || result.Iterations[0].CodeBlocks[0].Result == nil {
		t.Fatalf("want first iteration's block to carry a result, got %+v", result.Iterations[0])
	}
}

func TestCompleteRecursiveLLMQueryCall(t *testing.T) {
	llm := &scriptedLLM{responses: []entity.ProviderResponse{
		{Content: "```python\nx = llm_query('sub-question')\n```", Model: "mock-1"},
		{Content: "FINAL_ANSWER: done", Model: "mock-1"},
	}}
	handler := newFakeHandler()
	env := &fakeEnvironment{execFunc: func(source string) (entity.REPLResult, error) {
		handler.record(entity.ChildCall{Prompt: "sub-question", Response: "sub-answer", Model: "mock-1"})
		return entity.REPLResult{}, nil
	}}
	d := testDriver(t, llm, env, handler, DriverConfig{MaxIterations: 3, MaxDepth: 4})

	result, err := d.Complete(context.Background(), "delegate this", 0)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	block := result.Iterations[0].CodeBlocks[0]
	if block.Result == nil || len(block.Result.ChildCalls) != 1 {
		t.Fatalf("want 1 attributed child call, got %+v", block.Result)
	}
	if block.Result.ChildCalls[0].Prompt != "sub-question" {
		t.Fatalf("want child call prompt sub-question, got %+v", block.Result.ChildCalls[0])
	}
}

func TestCompleteDepthLimitFallback(t *testing.T) {
	llm := &scriptedLLM{responses: []entity.ProviderResponse{
		{Content: "a direct answer, no sentinel needed at the fallback depth", Model: "mock-1"},
	}}
	d := testDriver(t, llm, &fakeEnvironment{}, newFakeHandler(), DriverConfig{MaxIterations: 3, MaxDepth: 1})

	result, err := d.Complete(context.Background(), "deep question", 1)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !result.Fallback {
		t.Fatal("want Fallback true at or past MaxDepth")
	}
	if result.FinalText != "a direct answer, no sentinel needed at the fallback depth" {
		t.Fatalf("want the LM content used verbatim, got %q", result.FinalText)
	}
}

func TestCompleteIterationBudgetExhausted(t *testing.T) {
	llm := &scriptedLLM{responses: []entity.ProviderResponse{
		{Content: "```python\nprint('still working')\n```", Model: "mock-1"},
		{Content: "```python\nprint('still working')\n```", Model: "mock-1"},
	}}
	env := &fakeEnvironment{execFunc: func(source string) (entity.REPLResult, error) {
		return entity.REPLResult{Stdout: "still working\n"}, nil
	}}
	d := testDriver(t, llm, env, newFakeHandler(), DriverConfig{MaxIterations: 2, MaxDepth: 4})

	result, err := d.Complete(context.Background(), "never finishes", 0)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !result.Truncated {
		t.Fatal("want Truncated true once the iteration budget is spent")
	}
	if len(result.Iterations) != 2 {
		t.Fatalf("want 2 iterations, got %d", len(result.Iterations))
	}
}

type recordingSink struct {
	records []entity.TrajectoryRecord
}

func (s *recordingSink) Record(ctx context.Context, rec entity.TrajectoryRecord) error {
	s.records = append(s.records, rec)
	return nil
}

func TestCompleteWritesTrajectoryRecordsWhenSinkAttached(t *testing.T) {
	llm := &scriptedLLM{responses: []entity.ProviderResponse{
		{Content: "FINAL_ANSWER: 42", Model: "mock-1"},
	}}
	d := testDriver(t, llm, &fakeEnvironment{}, newFakeHandler(), DriverConfig{MaxIterations: 3, MaxDepth: 4})
	sink := &recordingSink{}
	d.SetSink(sink)

	if _, err := d.Complete(context.Background(), "what is the answer?", 0); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var kinds []entity.TrajectoryRecordKind
	for _, r := range sink.records {
		kinds = append(kinds, r.Kind)
	}
	if len(kinds) < 3 || kinds[0] != entity.RecordMetadata || kinds[len(kinds)-1] != entity.RecordDone {
		t.Fatalf("want metadata...done record sequence, got %v", kinds)
	}
}

type recordingEvents struct {
	events []entity.DriverEvent
}

func (s *recordingEvents) Emit(ctx context.Context, ev entity.DriverEvent) {
	s.events = append(s.events, ev)
}

func TestCompleteEmitsEventsWhenSinkAttached(t *testing.T) {
	llm := &scriptedLLM{responses: []entity.ProviderResponse{
		{Content: "```python\nx = 1\n```", Model: "mock-1"},
		{Content: "FINAL_ANSWER: done", Model: "mock-1"},
	}}
	d := testDriver(t, llm, &fakeEnvironment{}, newFakeHandler(), DriverConfig{MaxIterations: 3, MaxDepth: 4})
	events := &recordingEvents{}
	d.SetEvents(events)

	if _, err := d.Complete(context.Background(), "run some code", 0); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	var types []entity.DriverEventType
	for _, ev := range events.events {
		types = append(types, ev.Type)
	}
	wantOrder := []entity.DriverEventType{
		entity.EventIterationStart,
		entity.EventLLMCall,
		entity.EventCodeBlock,
		entity.EventREPLResult,
	}
	if len(types) < len(wantOrder) {
		t.Fatalf("want at least %d events, got %d: %v", len(wantOrder), len(types), types)
	}
	for i, want := range wantOrder {
		if types[i] != want {
			t.Fatalf("event %d: want %s, got %s (full sequence %v)", i, want, types[i], types)
		}
	}
	if types[len(types)-1] != entity.EventFinalAnswer {
		t.Fatalf("want last event to be final_answer, got %s", types[len(types)-1])
	}
}

func TestCompleteExecutionErrorFeedsBackAndRecovers(t *testing.T) {
	llm := &scriptedLLM{responses: []entity.ProviderResponse{
		{Content: "```python\n1/0\n```", Model: "mock-1"},
		{Content: "FINAL_ANSWER: handled the error", Model: "mock-1"},
	}}
	env := &fakeEnvironment{execFunc: func(source string) (entity.REPLResult, error) {
		return entity.REPLResult{Stderr: "ZeroDivisionError: division by zero"}, fmt.Errorf("exit status 1")
	}}
	d := testDriver(t, llm, env, newFakeHandler(), DriverConfig{MaxIterations: 3, MaxDepth: 4})

	result, err := d.Complete(context.Background(), "divide by zero", 0)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	block := result.Iterations[0].CodeBlocks[0]
	if block.Result == nil || !block.Result.Raised() {
		t.Fatalf("want the block's result to have raised, got %+v", block.Result)
	}
	if result.FinalText != "handled the error" {
		t.Fatalf("want the driver to recover on the next iteration, got %q", result.FinalText)
	}
}
