package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/mariozechner/coding-agent/remoteexec/pkg/store"
)

var (
	codeLabelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	handoffStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("5")).Bold(true)
	resultLabelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true)
	mutedStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	failureStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

// renderEvents renders a session journal as a transcript. r may be nil.
func renderEvents(events []store.Event, r *glamour.TermRenderer) string {
	var sb strings.Builder
	for _, e := range events {
		switch e.Type {
		case store.EventSubmitted:
			sb.WriteString(codeLabelStyle.Render("Code:"))
			sb.WriteString("\n")
			sb.WriteString(markdown(r, "```python\n"+e.Code+"\n```"))
		case store.EventStatePushed:
			sb.WriteString(mutedStyle.Render("state pushed: " + strings.Join(e.Keys, ", ")))
			sb.WriteString("\n")
		case store.EventIntercepted:
			sb.WriteString(handoffStyle.Render(fmt.Sprintf("→ %s (line %d) running locally", e.Capability, e.Line)))
			sb.WriteString("\n")
		case store.EventResumed:
			sb.WriteString(handoffStyle.Render(fmt.Sprintf("← %s returned %s", e.Capability, truncate(e.Output, 200))))
			sb.WriteString("\n")
		case store.EventCompleted:
			label := "Result:"
			if e.FinalAnswer {
				label = "Final answer:"
			}
			sb.WriteString(resultLabelStyle.Render(label))
			sb.WriteString("\n")
			if e.Output == "" {
				sb.WriteString(mutedStyle.Render("(no result)"))
				sb.WriteString("\n")
			} else {
				sb.WriteString(markdown(r, e.Output))
			}
		case store.EventFailed:
			sb.WriteString(failureStyle.Render("Error: " + e.Error))
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func markdown(r *glamour.TermRenderer, s string) string {
	if r == nil {
		return s + "\n"
	}
	out, err := r.Render(s)
	if err != nil {
		return s + "\n"
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
