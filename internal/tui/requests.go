package tui

import (
	"encoding/json"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/events"
)

// Outcome is the monitor's view of where a request stands.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomePushed    Outcome = "pushed"
)

// RequestRow is one line of the request table.
type RequestRow struct {
	ID       string
	Command  string
	Class    string
	Silent   bool
	Outcome  Outcome
	Duration time.Duration
	Error    string
	At       time.Time
}

// requestLog keeps the newest requests first, bounded to limit rows.
type requestLog struct {
	rows  []*RequestRow
	byID  map[string]*RequestRow
	limit int
}

func newRequestLog(limit int) *requestLog {
	return &requestLog{byID: make(map[string]*RequestRow), limit: limit}
}

// apply folds one feed event into the log and reports whether it changed.
func (l *requestLog) apply(e events.Event) bool {
	switch e.Type {
	case api.FeedRequest, api.FeedResponse, api.FeedError:
	default:
		return false
	}

	var v api.RequestView
	if err := json.Unmarshal(e.Data, &v); err != nil {
		return false
	}

	row := l.lookup(v)
	switch e.Type {
	case api.FeedRequest:
		if row.Outcome == "" {
			row.Outcome = OutcomePending
		}
	case api.FeedResponse:
		row.Outcome = OutcomeSucceeded
		if v.Unsolicited {
			row.Outcome = OutcomePushed
		}
		row.Duration = time.Duration(v.ResponseTimeMS) * time.Millisecond
	case api.FeedError:
		row.Outcome = OutcomeFailed
		row.Error = v.Error
	}
	return true
}

func (l *requestLog) lookup(v api.RequestView) *RequestRow {
	if v.ID != "" {
		if row, ok := l.byID[v.ID]; ok {
			return row
		}
	}

	row := &RequestRow{
		ID:      v.ID,
		Command: v.Command,
		Class:   v.Class,
		Silent:  v.Silent,
		At:      v.At,
	}
	l.rows = append([]*RequestRow{row}, l.rows...)
	if v.ID != "" {
		l.byID[v.ID] = row
	}
	if len(l.rows) > l.limit {
		for _, old := range l.rows[l.limit:] {
			delete(l.byID, old.ID)
		}
		l.rows = l.rows[:l.limit]
	}
	return row
}

func (l *requestLog) pending() int {
	n := 0
	for _, row := range l.rows {
		if row.Outcome == OutcomePending {
			n++
		}
	}
	return n
}

func requestColumns() []table.Column {
	return []table.Column{
		{Title: "ST", Width: 2},
		{Title: "Command", Width: 28},
		{Title: "Lane", Width: 9},
		{Title: "ID", Width: 8},
		{Title: "Time", Width: 8},
		{Title: "Error", Width: 30},
	}
}

func (l *requestLog) tableRows(theme Theme) []table.Row {
	rows := make([]table.Row, 0, len(l.rows))
	for _, r := range l.rows {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		duration := "-"
		if r.Outcome != OutcomePending && r.Outcome != OutcomeFailed {
			duration = r.Duration.Round(time.Millisecond).String()
		}
		command := "/" + r.Command
		if r.Silent {
			command += " (silent)"
		}
		rows = append(rows, table.Row{
			outcomeSymbol(r.Outcome, theme),
			command,
			r.Class,
			id,
			duration,
			r.Error,
		})
	}
	return rows
}

func outcomeSymbol(o Outcome, theme Theme) string {
	switch o {
	case OutcomePending:
		return theme.StatusPending.Render("◉")
	case OutcomeSucceeded:
		return theme.StatusOK.Render("●")
	case OutcomeFailed:
		return theme.StatusFailed.Render("∅")
	case OutcomePushed:
		return theme.StatusPushed.Render("◆")
	default:
		return "○"
	}
}
