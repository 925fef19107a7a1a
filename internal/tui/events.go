package tui

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/events"
)

const eventLogLimit = 50

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("SERVER EVENTS"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 8 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("SERVER EVENTS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var v api.ServerEventView
	_ = json.Unmarshal(e.Data, &v)

	style := theme.Dim
	switch {
	case v.Event == "log":
		style = theme.Highlight
	case strings.HasPrefix(v.Event, "Project"):
		style = theme.StatusOK
	case strings.Contains(v.Event, "Diagnostic"), strings.Contains(v.Event, "Unresolved"):
		style = theme.StatusFailed
	}

	return fmt.Sprintf("%s %s %s", ts, style.Render(fmt.Sprintf("%-28s", v.Event)), eventDesc(v))
}

func eventDesc(v api.ServerEventView) string {
	body := map[string]any{}
	_ = json.Unmarshal(v.Body, &body)

	for _, key := range []string{"Message", "FileName", "Name"} {
		if s, ok := body[key].(string); ok && s != "" {
			return truncate(s, 60)
		}
	}
	return truncate(string(v.Body), 60)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
