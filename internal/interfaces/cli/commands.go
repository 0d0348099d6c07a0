package cli

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// SlashCommand is a parsed slash command from user input.
type SlashCommand struct {
	Name string
	Args []string
}

// ParseSlashCommand parses a slash command from user input, or returns nil
// if input isn't one.
func ParseSlashCommand(input string) *SlashCommand {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return nil
	}

	parts := strings.Fields(input)
	name := strings.TrimPrefix(parts[0], "/")
	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return &SlashCommand{Name: name, Args: args}
}

// CommandResult is the outcome of executing a slash command.
type CommandResult struct {
	Output  string
	IsQuit  bool
	IsReset bool
}

// StatusInfo is the subset of the repl's current configuration /status and
// /model report on.
type StatusInfo struct {
	Model         string
	MaxIterations int
	MaxDepth      int
}

// HistoryLister looks up past completion traces for /history.
type HistoryLister interface {
	ListTraces(limit int) ([]string, error)
}

// ExecuteCommand handles a slash command and returns its result.
func ExecuteCommand(cmd *SlashCommand, status StatusInfo, history HistoryLister) CommandResult {
	switch cmd.Name {
	case "help", "h":
		return CommandResult{Output: renderHelp()}
	case "exit", "quit", "q":
		return CommandResult{IsQuit: true}
	case "new", "reset":
		return CommandResult{Output: "conversation history cleared", IsReset: true}
	case "status", "s":
		return CommandResult{Output: renderStatus(status)}
	case "model", "m":
		if len(cmd.Args) == 0 {
			return CommandResult{Output: fmt.Sprintf("current model: %s\nusage: /model <model_name>", status.Model)}
		}
		return CommandResult{Output: fmt.Sprintf("model switching is not supported in this session; requested: %s, current model: %s", cmd.Args[0], status.Model)}
	case "history":
		return CommandResult{Output: renderHistory(history)}
	case "version":
		return CommandResult{Output: fmt.Sprintf("rlmgo v%s", appVersion)}
	default:
		return CommandResult{Output: fmt.Sprintf("unknown command: /%s  (try /help)", cmd.Name)}
	}
}

func renderHelp() string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	cmdStyle := lipgloss.NewStyle().Foreground(colorGreen)
	descStyle := lipgloss.NewStyle().Foreground(colorGray)

	cmds := []struct {
		name string
		desc string
	}{
		{"/help", "show this help"},
		{"/model [name]", "view current model"},
		{"/new", "clear conversation history"},
		{"/history", "list recent completion traces"},
		{"/status", "current driver configuration"},
		{"/version", "version info"},
		{"/exit", "quit"},
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("◇ commands"))
	sb.WriteString("\n\n")

	for _, c := range cmds {
		sb.WriteString(fmt.Sprintf("  %s  %s\n",
			cmdStyle.Render(fmt.Sprintf("%-16s", c.name)),
			descStyle.Render(c.desc),
		))
	}

	return sb.String()
}

func renderStatus(status StatusInfo) string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("◇ status"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("model:"), valueStyle.Render(status.Model)))
	sb.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("max iterations:"), valueStyle.Render(fmt.Sprintf("%d", status.MaxIterations))))
	sb.WriteString(fmt.Sprintf("  %s %s\n", labelStyle.Render("max depth:"), valueStyle.Render(fmt.Sprintf("%d", status.MaxDepth))))

	return sb.String()
}

func renderHistory(history HistoryLister) string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	idStyle := lipgloss.NewStyle().Foreground(colorGray)

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("◇ recent traces"))
	sb.WriteString("\n\n")

	if history == nil {
		sb.WriteString(idStyle.Render("no trajectory sink configured"))
		return sb.String()
	}

	traces, err := history.ListTraces(10)
	if err != nil {
		sb.WriteString(idStyle.Render(fmt.Sprintf("error: %v", err)))
		return sb.String()
	}
	if len(traces) == 0 {
		sb.WriteString(idStyle.Render("no traces recorded yet"))
		return sb.String()
	}
	for _, id := range traces {
		sb.WriteString(fmt.Sprintf("  %s\n", idStyle.Render(id)))
	}
	return sb.String()
}
