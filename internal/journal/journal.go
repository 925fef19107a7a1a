// Package journal keeps a SQLite log of completed requests for diagnostics.
// Nothing is ever replayed from it.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/storage"
)

// Status is the terminal outcome of a journaled request.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// maxErrorBytes caps the stored error text.
const maxErrorBytes = 4 * 1024

// pruneInterval is how often Run applies the retention window.
const pruneInterval = time.Hour

// Entry is one row of request_log.
type Entry struct {
	ID             string    `json:"id"`
	ClientID       string    `json:"client_id"`
	Command        string    `json:"command"`
	Class          string    `json:"class"`
	Silent         bool      `json:"silent"`
	Unsolicited    bool      `json:"unsolicited"`
	Status         Status    `json:"status"`
	Error          string    `json:"error,omitempty"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	CreatedAt      time.Time `json:"created_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Source is the part of a client the journal consumes.
type Source interface {
	Responses() (<-chan *scheduler.Response, func())
	Errors() (<-chan *scheduler.Failure, func())
}

type Journal struct {
	db     *sql.DB
	logger *slog.Logger
}

func New(db *sql.DB, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Journal{db: db, logger: logger.With("component", "journal")}
}

// Open opens the journal database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db, logger), nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// Record inserts or replaces one entry.
func (j *Journal) Record(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("entry id is empty")
	}
	if e.Command == "" {
		return fmt.Errorf("entry command is empty")
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = time.Now()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.CompletedAt
	}

	var errText any
	if e.Error != "" {
		s := e.Error
		if len(s) > maxErrorBytes {
			s = s[:maxErrorBytes]
		}
		errText = s
	}

	_, err := j.db.ExecContext(ctx, `
INSERT OR REPLACE INTO request_log(
  id, client_id, command, class, silent, unsolicited, status, error, response_time_ms, created_at, completed_at
)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.ID, e.ClientID, e.Command, e.Class, e.Silent, e.Unsolicited, string(e.Status), errText, e.ResponseTimeMS,
		e.CreatedAt.UTC().Format(time.RFC3339Nano), e.CompletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert request_log: %w", err)
	}
	return nil
}

// FromResponse maps a response onto a journal entry.
func FromResponse(resp *scheduler.Response) Entry {
	e := fromRequest(resp.Request)
	e.Status = StatusSucceeded
	e.ResponseTimeMS = resp.ResponseTime.Milliseconds()
	return e
}

// FromFailure maps a failure onto a journal entry.
func FromFailure(f *scheduler.Failure) Entry {
	var e Entry
	if f.Request != nil {
		e = fromRequest(f.Request)
	}
	e.Command = f.Command
	e.Status = StatusFailed
	if f.Err != nil {
		e.Error = f.Err.Error()
	}
	return e
}

func fromRequest(req *scheduler.Request) Entry {
	return Entry{
		ID:          req.ID,
		ClientID:    req.ClientID,
		Command:     req.Command,
		Class:       req.Class.String(),
		Silent:      req.Silent,
		Unsolicited: req.Unsolicited,
		CreatedAt:   req.CreatedAt,
		CompletedAt: time.Now(),
	}
}

// Recent returns the newest entries first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := j.db.QueryContext(ctx, `
SELECT id, client_id, command, class, silent, unsolicited, status, error, response_time_ms, created_at, completed_at
FROM request_log
ORDER BY completed_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query request_log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e           Entry
			status      string
			errText     sql.NullString
			createdAt   string
			completedAt string
		)
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Command, &e.Class, &e.Silent, &e.Unsolicited, &status,
			&errText, &e.ResponseTimeMS, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan request_log: %w", err)
		}
		e.Status = Status(status)
		e.Error = errText.String
		if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if e.CompletedAt, err = time.Parse(time.RFC3339Nano, completedAt); err != nil {
			return nil, fmt.Errorf("parse completed_at: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request_log: %w", err)
	}
	return out, nil
}

// Prune deletes entries completed before now-retention.
func (j *Journal) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)

	res, err := j.db.ExecContext(ctx, `DELETE FROM request_log WHERE completed_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune request_log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune request_log: %w", err)
	}
	return n, nil
}

// Run records every response and failure from src until ctx is done or both
// streams close, pruning to retention along the way.
func (j *Journal) Run(ctx context.Context, src Source, retention time.Duration) {
	resps, cancelResps := src.Responses()
	defer cancelResps()
	errs, cancelErrs := src.Errors()
	defer cancelErrs()

	j.prune(ctx, retention)
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for resps != nil || errs != nil {
		select {
		case resp, ok := <-resps:
			if !ok {
				resps = nil
				continue
			}
			j.record(ctx, FromResponse(resp))
		case failure, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			j.record(ctx, FromFailure(failure))
		case <-ticker.C:
			j.prune(ctx, retention)
		case <-ctx.Done():
			return
		}
	}
}

func (j *Journal) record(ctx context.Context, e Entry) {
	if err := j.Record(ctx, e); err != nil {
		j.logger.Error("failed to journal request", "request_id", e.ID, "command", e.Command, "error", err)
	}
}

func (j *Journal) prune(ctx context.Context, retention time.Duration) {
	n, err := j.Prune(ctx, retention)
	if err != nil {
		j.logger.Warn("journal prune failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("pruned journal", "deleted", n, "retention", retention.String())
	}
}
