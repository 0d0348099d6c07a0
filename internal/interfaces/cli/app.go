package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"golang.org/x/term"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	"github.com/rlmgo/rlmgo/internal/domain/service"
)

// ─── ANSI Helpers ───

const (
	reset    = "\033[0m"
	bold     = "\033[1m"
	dim      = "\033[2m"
	italic   = "\033[3m"
	cyan     = "\033[96m"
	cyanBold = "\033[96m\033[1m"
	green    = "\033[92m"
	yellow   = "\033[93m"
	red      = "\033[91m"
	redBold  = "\033[91m\033[1m"
	dimText  = "\033[90m"
	white    = "\033[97m"
	clearLn  = "\033[2K\r"
)

// Braille spinner frames
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// REPLConfig holds one-shot CLI runtime config.
type REPLConfig struct {
	Model         string
	Workspace     string
	MaxIterations int
	MaxDepth      int
	InitPrompt    string
	History       HistoryLister
}

// channelEventSink forwards driver events into a channel for RunREPL's
// blocking for-range loop, mirroring the bubbletea repl's own adapter but
// without a UI event loop to feed.
type channelEventSink struct {
	ch chan entity.DriverEvent
}

func (s *channelEventSink) Emit(ctx context.Context, ev entity.DriverEvent) {
	s.ch <- ev
}

// RunREPL starts the plain, readline-based one-shot REPL: each prompt runs
// to completion with its own scoped event stream, printed to stdout as it
// arrives, rather than the bubbletea repl's persistent scrollback.
func RunREPL(driver *service.Driver, cfg REPLConfig) error {
	w := termWidth()
	banner := RenderBanner(BannerInfo{
		Model:         cfg.Model,
		MaxIterations: cfg.MaxIterations,
		MaxDepth:      cfg.MaxDepth,
		Workspace:     cfg.Workspace,
		ProjectLng:    DetectProjectLanguage(cfg.Workspace),
	}, w)
	fmt.Println(banner)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\001\033[1;36m\002❯\001\033[0m\002 ",
		HistoryFile:     "",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Printf("\n%sbye%s\n", dimText, reset)
		rl.Close()
		os.Exit(0)
	}()

	if cfg.InitPrompt != "" {
		runCompletion(driver, cfg, cfg.InitPrompt)
	}

	for {
		input, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				fmt.Printf("%sbye%s\n", dimText, reset)
				return nil
			}
			if err == io.EOF {
				fmt.Printf("\n%sbye%s\n", dimText, reset)
				return nil
			}
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if cmd := ParseSlashCommand(input); cmd != nil {
			result := ExecuteCommand(cmd, StatusInfo{Model: cfg.Model, MaxIterations: cfg.MaxIterations, MaxDepth: cfg.MaxDepth}, cfg.History)
			if result.IsQuit {
				fmt.Printf("%sbye%s\n", dimText, reset)
				return nil
			}
			if result.Output != "" {
				fmt.Println(result.Output)
			}
			continue
		}

		runCompletion(driver, cfg, input)
	}
}

// ─── Completion Execution ───

func runCompletion(driver *service.Driver, cfg REPLConfig, prompt string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT)
		select {
		case <-ch:
			cancel()
			fmt.Printf("\n%sinterrupted%s\n", yellow, reset)
		case <-ctx.Done():
		}
	}()

	events := make(chan entity.DriverEvent, 64)
	resultCh := make(chan struct {
		result entity.ChatCompletion
		err    error
	}, 1)
	sink := &channelEventSink{ch: events}
	scoped := driver.WithEvents(sink)

	go func() {
		defer close(events)
		result, err := scoped.Complete(ctx, prompt, 0)
		resultCh <- struct {
			result entity.ChatCompletion
			err    error
		}{result, err}
	}()

	w := termWidth()
	spinner := newSpinner()

	for ev := range events {
		switch ev.Type {
		case entity.EventIterationStart:
			spinner.Update(fmt.Sprintf("iteration %d", ev.IterationNo))
		case entity.EventLLMCall:
			spinner.Stop()
		case entity.EventCodeBlock:
			spinner.Stop()
			if ev.CodeBlock != nil {
				printCodeBlockHeader(ev.CodeBlock, w)
				spinner.Update("executing...")
			}
		case entity.EventREPLResult:
			spinner.Stop()
			if ev.Result != nil {
				printREPLResultFooter(ev.Result, w)
			}
		case entity.EventChildCall:
			fmt.Printf("%s  ↳ llm_query(%s)%s\n", dimText, firstLine(ev.Content, 60), reset)
		case entity.EventTruncated:
			spinner.Stop()
			fmt.Printf("\n%siteration budget exhausted%s\n", yellow, reset)
		case entity.EventError:
			spinner.Stop()
			fmt.Printf("\n%s✗ %s%s\n", redBold, ev.Error, reset)
		}
	}
	spinner.Stop()

	outcome := <-resultCh
	if outcome.err != nil {
		fmt.Printf("\n%s✗ %s%s\n", redBold, outcome.err.Error(), reset)
		return
	}

	fmt.Println()
	fmt.Println(outcome.result.FinalText)

	if len(outcome.result.Iterations) > 0 {
		var totalTokens int
		var modelUsed string
		for model, usage := range outcome.result.Usage {
			totalTokens += usage.InputTokens + usage.OutputTokens
			modelUsed = model
		}
		fmt.Printf("\n%s─── %d iterations · %s tokens · %s ───%s\n",
			dimText, len(outcome.result.Iterations), fmtTokens(totalTokens), modelUsed, reset)
	}
}

// ─── Code Block Display ───

// printCodeBlockHeader renders: ╭─ ⟐ block 0 ──────
func printCodeBlockHeader(block *entity.CodeBlock, width int) {
	if block == nil {
		return
	}
	label := fmt.Sprintf(" ⟐ block %d ", block.Index)
	lineW := width - len([]rune(label)) - 2
	if lineW < 3 {
		lineW = 3
	}
	line := strings.Repeat("─", lineW)

	fmt.Printf("\n%s╭─%s%s%s%s%s%s\n",
		dimText, reset,
		yellow, label, reset,
		dimText, line+reset)
}

// printREPLResultFooter renders: ╰─ ✓ (duration) ──────, followed by
// stdout/stderr if present.
func printREPLResultFooter(result *entity.REPLResult, width int) {
	if result == nil {
		return
	}

	var statusIcon, statusColor string
	if result.Raised() {
		statusIcon = "✗"
		statusColor = red
	} else {
		statusIcon = "✓"
		statusColor = green
	}

	dur := ""
	if result.Elapsed > 0 {
		dur = fmt.Sprintf(" %s(%s)%s", dimText, fmtDur(result.Elapsed), reset)
	}

	label := fmt.Sprintf(" %s executed%s ", statusIcon, dur)
	lineW := width - len([]rune(label)) - 2
	if lineW < 3 {
		lineW = 3
	}
	line := strings.Repeat("─", lineW)

	fmt.Printf("%s╰─%s %s%s%s%s %s%s\n",
		dimText, reset,
		statusColor, statusIcon, reset,
		dur, dimText+line, reset)

	if out := strings.TrimSpace(result.Stdout); out != "" {
		fmt.Printf("%s%s%s\n", white, out, reset)
	}
	if result.Raised() {
		fmt.Printf("%s%s%s\n", red, strings.TrimSpace(result.Stderr), reset)
	}
}

func firstLine(s string, maxLen int) string {
	first := strings.SplitN(s, "\n", 2)[0]
	r := []rune(first)
	if len(r) > maxLen {
		return string(r[:maxLen]) + "…"
	}
	return first
}

func fmtTokens(n int) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000.0)
	}
	return fmt.Sprintf("%d", n)
}

func fmtDur(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

// ─── Braille Spinner ───

type asyncSpinner struct {
	mu      sync.Mutex
	running bool
	msg     string
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func newSpinner() *asyncSpinner {
	return &asyncSpinner{}
}

func (s *asyncSpinner) Update(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.msg = msg
	if !s.running {
		s.running = true
		s.stopCh = make(chan struct{})
		s.doneCh = make(chan struct{})
		go s.run()
	}
}

func (s *asyncSpinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	fmt.Print(clearLn)
}

func (s *asyncSpinner) run() {
	defer close(s.doneCh)

	frame := 0
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.msg
			s.mu.Unlock()

			f := spinnerFrames[frame%len(spinnerFrames)]
			fmt.Printf("%s%s%s %s%s%s", clearLn, cyanBold, f, dimText, msg, reset)
			frame++
		}
	}
}

// ─── Helpers ───

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}
