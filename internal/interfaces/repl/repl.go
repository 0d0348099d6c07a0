// Package repl implements the interactive bubbletea terminal session: a
// scrollback viewport rendering a completion as it runs, and a textarea
// prompt line, grounded on the same Model/Update/View shape the charm
// ecosystem uses for a streaming chat UI.
package repl

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
	"github.com/rlmgo/rlmgo/internal/domain/service"
	"github.com/rlmgo/rlmgo/internal/interfaces/cli"
)

// Config configures a Session.
type Config struct {
	Model         string
	UserName      string
	MaxIterations int
	MaxDepth      int
	History       cli.HistoryLister
}

var (
	userStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF87")).Bold(true)
	agentStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#00D7FF"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C"))
	borderStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#6C6C6C"))
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// eventMsg wraps one entity.DriverEvent delivered from the running
// completion's goroutine into a tea.Msg.
type eventMsg entity.DriverEvent

// doneMsg wraps the final completion result.
type doneMsg struct {
	result entity.ChatCompletion
	err    error
}

type spinnerTickMsg time.Time

// channelEventSink forwards driver events into a Go channel so the
// bubbletea event loop can turn them into tea.Msg values.
type channelEventSink struct {
	ch chan entity.DriverEvent
}

func (s *channelEventSink) Emit(ctx context.Context, ev entity.DriverEvent) {
	s.ch <- ev
}

// Session is the bubbletea model driving one interactive rlmgo prompt.
type Session struct {
	driver   *service.Driver
	logger   *zap.Logger
	renderer *glamour.TermRenderer

	cfg Config

	viewport viewport.Model
	input    textarea.Model

	transcript   strings.Builder
	running      bool
	spinnerFrame int
	width        int
	height       int

	events chan entity.DriverEvent
	result chan doneMsg
}

// New builds a Session ready to Run.
func New(driver *service.Driver, logger *zap.Logger, cfg Config) *Session {
	if cfg.Model == "" {
		cfg.Model = "default"
	}
	if cfg.UserName == "" {
		cfg.UserName = "user"
	}

	ta := textarea.New()
	ta.Placeholder = "Ask something..."
	ta.Focus()
	ta.ShowLineNumbers = false
	ta.SetHeight(1)

	renderer, _ := glamour.NewTermRenderer(glamour.WithAutoStyle())

	vp := viewport.New(80, 20)

	return &Session{
		driver:   driver,
		logger:   logger,
		renderer: renderer,
		cfg:      cfg,
		viewport: vp,
		input:    ta,
	}
}

// Run starts the bubbletea program and blocks until the user quits.
func (s *Session) Run(ctx context.Context) error {
	p := tea.NewProgram(s, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (s *Session) Init() tea.Cmd {
	s.appendLine(dimStyle.Render(fmt.Sprintf("rlmgo — model %s. Enter to ask, Ctrl+C to quit, /help for commands.", s.cfg.Model)))
	return textarea.Blink
}

// Update implements tea.Model.
func (s *Session) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width, s.height = msg.Width, msg.Height
		s.viewport.Width = msg.Width
		s.viewport.Height = msg.Height - 5
		s.input.SetWidth(msg.Width - 2)
		s.viewport.SetContent(s.transcript.String())
		return s, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return s, tea.Quit
		case tea.KeyEnter:
			if s.running {
				return s, nil
			}
			return s.submit()
		}
		var cmd tea.Cmd
		s.input, cmd = s.input.Update(msg)
		return s, cmd

	case spinnerTickMsg:
		if !s.running {
			return s, nil
		}
		s.spinnerFrame = (s.spinnerFrame + 1) % len(spinnerFrames)
		return s, spinnerTick()

	case eventMsg:
		s.renderEvent(entity.DriverEvent(msg))
		return s, s.waitForEvent()

	case doneMsg:
		s.running = false
		if msg.err != nil {
			s.appendLine(lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Render("error: " + msg.err.Error()))
		} else {
			s.appendLine(agentStyle.Render(s.renderMarkdown(msg.result.FinalText)))
		}
		s.appendLine("")
		return s, nil
	}

	var cmd tea.Cmd
	s.input, cmd = s.input.Update(msg)
	return s, cmd
}

// View implements tea.Model.
func (s *Session) View() string {
	status := dimStyle.Render("ready")
	if s.running {
		status = agentStyle.Render(spinnerFrames[s.spinnerFrame] + " working...")
	}
	return fmt.Sprintf("%s\n%s\n%s  %s",
		borderStyle.Width(s.width - 2).Render(s.viewport.View()),
		"",
		s.input.View(),
		status,
	)
}

func (s *Session) submit() (tea.Model, tea.Cmd) {
	prompt := strings.TrimSpace(s.input.Value())
	if prompt == "" {
		return s, nil
	}
	s.input.Reset()

	if slash := cli.ParseSlashCommand(prompt); slash != nil {
		result := cli.ExecuteCommand(slash, cli.StatusInfo{Model: s.cfg.Model, MaxIterations: s.cfg.MaxIterations, MaxDepth: s.cfg.MaxDepth}, s.cfg.History)
		if result.IsQuit {
			return s, tea.Quit
		}
		if result.IsReset {
			s.transcript.Reset()
		}
		s.appendLine(result.Output)
		return s, nil
	}

	s.appendLine(userStyle.Render(s.cfg.UserName+"> ") + prompt)
	s.running = true
	s.spinnerFrame = 0

	s.events = make(chan entity.DriverEvent, 64)
	s.result = make(chan doneMsg, 1)
	sink := &channelEventSink{ch: s.events}
	scoped := s.driver.WithEvents(sink)

	go func() {
		defer close(s.events)
		result, err := scoped.Complete(context.Background(), prompt, 0)
		s.result <- doneMsg{result: result, err: err}
	}()

	return s, tea.Batch(s.waitForEvent(), spinnerTick())
}

func (s *Session) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case ev, ok := <-s.events:
			if ok {
				return eventMsg(ev)
			}
			return <-s.result
		case d := <-s.result:
			return d
		}
	}
}

func spinnerTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return spinnerTickMsg(t)
	})
}

func (s *Session) renderEvent(ev entity.DriverEvent) {
	switch ev.Type {
	case entity.EventIterationStart:
		s.appendLine(dimStyle.Render(fmt.Sprintf("— iteration %d —", ev.IterationNo)))
	case entity.EventCodeBlock:
		if ev.CodeBlock != nil {
			s.appendLine(dimStyle.Render("  running code block " + fmt.Sprintf("%d", ev.CodeBlock.Index)))
		}
	case entity.EventREPLResult:
		if ev.Result != nil && strings.TrimSpace(ev.Result.Stdout) != "" {
			s.appendLine(dimStyle.Render("  " + strings.TrimSpace(ev.Result.Stdout)))
		}
		if ev.Result != nil && ev.Result.Raised() {
			s.appendLine(lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Render("  " + strings.TrimSpace(ev.Result.Stderr)))
		}
	case entity.EventChildCall:
		s.appendLine(dimStyle.Render("  ↳ llm_query: " + ev.Content))
	case entity.EventTruncated:
		s.appendLine(lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD75F")).Render("iteration budget exhausted"))
	case entity.EventError:
		s.appendLine(lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Render("error: " + ev.Error))
	}
}

func (s *Session) renderMarkdown(md string) string {
	if s.renderer == nil {
		return md
	}
	out, err := s.renderer.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimSpace(out)
}

func (s *Session) appendLine(line string) {
	s.transcript.WriteString(line)
	s.transcript.WriteString("\n")
	s.viewport.SetContent(s.transcript.String())
	s.viewport.GotoBottom()
}
