package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/rlmgo/rlmgo/internal/domain/entity"
)

// Renderer renders a completion run to the terminal: markdown for the
// final answer, and compact one-line summaries for code blocks, their
// execution results, and any llm_query delegations they made.
type Renderer struct {
	glamour *glamour.TermRenderer
	width   int
}

// NewRenderer creates a renderer with the given terminal width.
func NewRenderer(width int) *Renderer {
	if width <= 0 {
		width = 80
	}
	r, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	return &Renderer{
		glamour: r,
		width:   width,
	}
}

// RenderMarkdown renders markdown text to styled terminal output.
func (r *Renderer) RenderMarkdown(md string) string {
	if r.glamour == nil {
		return md
	}
	out, err := r.glamour.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimSpace(out)
}

// RenderCodeBlock renders a fenced code block being executed, with a
// spinner frame while it's still running.
func (r *Renderer) RenderCodeBlock(block *entity.CodeBlock, spinnerFrame string) string {
	if block == nil {
		return ""
	}
	iconStyle := lipgloss.NewStyle().Foreground(colorYellow).Bold(true)
	langStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	srcStyle := lipgloss.NewStyle().Foreground(colorGray)

	icon := iconStyle.Render(spinnerFrame)
	lang := langStyle.Render(block.Language)
	return fmt.Sprintf("  %s %s %s", icon, lang, srcStyle.Render(firstSourceLine(block.Source)))
}

// RenderREPLResult renders a code block's execution outcome: a checkmark
// or cross, stdout if present, and the traceback if it raised.
func (r *Renderer) RenderREPLResult(result *entity.REPLResult) string {
	if result == nil {
		return ""
	}

	var icon string
	if result.Raised() {
		icon = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Render("✗")
	} else {
		icon = lipgloss.NewStyle().Foreground(colorGreen).Render("✓")
	}

	durStyle := lipgloss.NewStyle().Foreground(colorGray)
	dur := ""
	if result.Elapsed > 0 {
		dur = durStyle.Render(fmt.Sprintf(" (%s)", formatDuration(result.Elapsed)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  %s executed%s", icon, dur)
	if out := strings.TrimSpace(result.Stdout); out != "" {
		fmt.Fprintf(&b, "\n%s", indent(truncate(out, 500), "    "))
	}
	if result.Raised() {
		fmt.Fprintf(&b, "\n%s", indent(lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F")).Render(truncate(result.Stderr, 500)), "    "))
	}
	return b.String()
}

// RenderChildCall renders one llm_query delegation made from inside a
// code block.
func (r *Renderer) RenderChildCall(call entity.ChildCall) string {
	nameStyle := lipgloss.NewStyle().Foreground(colorDimCyan)
	promptStyle := lipgloss.NewStyle().Foreground(colorGray)
	return fmt.Sprintf("  %s llm_query(%s)", nameStyle.Render("↳"), promptStyle.Render(truncate(call.Prompt, 80)))
}

// RenderThinking renders a spinner line shown while waiting on the model.
func (r *Renderer) RenderThinking(frame string) string {
	style := lipgloss.NewStyle().Foreground(colorDimCyan).Italic(true)
	return style.Render(fmt.Sprintf("  %s thinking...", frame))
}

func firstSourceLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + "…"
	}
	if len(s) > 72 {
		s = s[:72] + "…"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}
