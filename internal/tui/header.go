package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/driver"
	"github.com/mattjoyce/conduit/internal/status"
)

// HeaderState is what the header shows, merged from /status polls and
// status events on the feed.
type HeaderState struct {
	Reachable bool
	Stats     api.StatusResponse
	Status    status.Snapshot
	LastPoll  time.Time
}

func renderHeader(h HeaderState, ticker Ticker, spinner Spinner, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	stateText := stateStyle(h, theme).Render(strings.ToUpper(stateLabel(h)))

	clock := theme.Dim.Render(now.Format("15:04:05"))
	title := fmt.Sprintf(" CONDUIT MONITOR %s", theme.Highlight.Render(ticker.Current()))
	pad := innerWidth - lipgloss.Width(title) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	paused := theme.StatusOK.Render("open")
	if h.Stats.Scheduler.Paused {
		paused = theme.StatusPending.Render("paused")
	}

	statsLine := fmt.Sprintf(" %s  outstanding: %d  gate: %s  ⏱ %s",
		stateText,
		h.Status.OutstandingRequests,
		paused,
		formatDuration(time.Duration(h.Stats.UptimeSeconds)*time.Second),
	)

	sched := h.Stats.Scheduler
	lanesLine := fmt.Sprintf(" lanes  priority %d/%d  normal %d/%d  deferred %d/%d  (pending/in-flight)",
		sched.Priority.Pending, sched.Priority.InFlight,
		sched.Normal.Pending, sched.Normal.InFlight,
		sched.Deferred.Pending, sched.Deferred.InFlight,
	)

	lastEvent := "never"
	if !spinner.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(spinner.LastEvent()).Round(time.Second))
	}
	activityLine := fmt.Sprintf(" last event: %s %s  deferred commands: %d",
		lastEvent, spinner.Render(theme), len(h.Stats.Deferred))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statsLine, lanesLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func stateLabel(h HeaderState) string {
	if !h.Reachable {
		return "unreachable"
	}
	return h.Status.State.String()
}

func stateStyle(h HeaderState, theme Theme) lipgloss.Style {
	if !h.Reachable {
		return theme.StatusFailed
	}
	switch h.Status.State {
	case driver.Connected:
		return theme.StatusOK
	case driver.Connecting:
		return theme.StatusPending
	case driver.Error:
		return theme.StatusFailed
	default:
		return theme.Dim
	}
}
