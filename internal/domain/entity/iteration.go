package entity

import "time"

// CodeBlock is one fenced code region extracted from an assistant turn, in
// document order. Result is set exactly once, after the environment
// executes the block.
type CodeBlock struct {
	Index    int         `json:"index"`
	Language string      `json:"language"`
	Source   string      `json:"source"`
	Result   *REPLResult `json:"result,omitempty"`
}

// ChildCall is one llm_query invocation made by code running inside a
// CodeBlock, recorded by the handler and attributed back to the block's
// region once it finishes executing.
type ChildCall struct {
	Prompt       string        `json:"prompt"`
	Response     string        `json:"response"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Elapsed      time.Duration `json:"elapsed"`
}

// REPLResult is what an Environment returns after executing one CodeBlock.
// Immutable once constructed.
type REPLResult struct {
	Stdout     string            `json:"stdout"`
	Stderr     string            `json:"stderr"`
	Bindings   map[string]string `json:"bindings"`
	ChildCalls []ChildCall       `json:"rlm_calls"`
	Elapsed    time.Duration     `json:"elapsed"`
}

// Raised reports whether execution of the block raised an exception
// (non-empty stderr is the only signal the spec gives us).
func (r REPLResult) Raised() bool {
	return r.Stderr != ""
}

// RLMIteration is one pass of the completion driver's loop: one LM turn,
// the code blocks it emitted and their execution results, and the
// final-answer sentinel if this turn produced one. Serialized under this
// name per spec's RLMIteration/Iteration alias.
type RLMIteration struct {
	Index        int           `json:"index"`
	Timestamp    time.Time     `json:"timestamp"`
	RawResponse  string        `json:"raw_response"`
	CodeBlocks   []CodeBlock   `json:"code_blocks"`
	FinalAnswer  *string       `json:"final_answer,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
}

// ModelUsage is the per-model call/token counter entry of a UsageSummary.
type ModelUsage struct {
	Calls        int `json:"calls"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// UsageSummary maps model id to its aggregate usage across a completion.
// Counters are non-decreasing; Record is the only mutator.
type UsageSummary map[string]ModelUsage

// Record adds one call's token counts to the summary in place.
func (u UsageSummary) Record(model string, inputTokens, outputTokens int) {
	entry := u[model]
	entry.Calls++
	entry.InputTokens += inputTokens
	entry.OutputTokens += outputTokens
	u[model] = entry
}

// Merge folds other's counters into u in place.
func (u UsageSummary) Merge(other UsageSummary) {
	for model, usage := range other {
		entry := u[model]
		entry.Calls += usage.Calls
		entry.InputTokens += usage.InputTokens
		entry.OutputTokens += usage.OutputTokens
		u[model] = entry
	}
}

// NewUsageSummary returns an empty, ready-to-use UsageSummary.
func NewUsageSummary() UsageSummary {
	return make(UsageSummary)
}

// ChatCompletion is the result of one top-level completion driver call.
type ChatCompletion struct {
	FinalText  string         `json:"final_text"`
	Iterations []RLMIteration `json:"iterations"`
	Usage      UsageSummary   `json:"usage"`
	Truncated  bool           `json:"truncated"`
	Fallback   bool           `json:"fallback"`
	Depth      int            `json:"depth"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// LMHandlerBinding describes the address the environment's llm_query
// helper should dial, and the recursion depth a sub-call made through it
// must carry.
type LMHandlerBinding struct {
	Address string `json:"address"`
	Depth   int    `json:"depth"`
}

// PersistenceSlot is an indexed, stable storage slot for context or
// history payloads that a persistence-capable environment keeps alive
// across top-level calls (spec §3, local executor only).
type PersistenceSlot struct {
	Index   int         `json:"index"`
	Payload interface{} `json:"payload"`
}
