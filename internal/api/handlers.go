package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conduit/internal/client"
	"github.com/mattjoyce/conduit/internal/journal"
	"github.com/mattjoyce/conduit/internal/scheduler"
)

// maxRequestBody caps POST /request payloads.
const maxRequestBody = 4 << 20

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	client.Stats
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// RequestResponse is returned by POST /request/{command}.
type RequestResponse struct {
	ID             string          `json:"id"`
	Command        string          `json:"command"`
	Class          string          `json:"class"`
	ResponseTimeMS int64           `json:"response_time_ms"`
	Body           json.RawMessage `json:"body,omitempty"`
}

// JournalResponse is returned by GET /journal.
type JournalResponse struct {
	Entries []journal.Entry `json:"entries"`
}

func (s *Server) uptime() int64 {
	return int64(time.Since(s.startedAt).Seconds())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{Status: "ok", UptimeSeconds: s.uptime()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, StatusResponse{Stats: s.backend.Stats(), UptimeSeconds: s.uptime()})
}

// handleRequest submits one command and waits for its outcome.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	command := chi.URLParam(r, "command")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > maxRequestBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	var payload any
	if len(body) > 0 {
		if !json.Valid(body) {
			s.writeError(w, http.StatusBadRequest, "request body is not valid JSON")
			return
		}
		payload = json.RawMessage(body)
	}

	var opts scheduler.RequestOptions
	if v := r.URL.Query().Get("silent"); v != "" {
		silent, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "silent must be a boolean")
			return
		}
		opts.Silent = silent
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	resp, err := s.backend.Request(ctx, command, payload, opts)
	if err != nil {
		var failure *scheduler.Failure
		switch {
		case errors.As(err, &failure):
			s.writeError(w, http.StatusBadGateway, failure.Error())
		case errors.Is(err, client.ErrDisposed):
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			s.writeError(w, http.StatusGatewayTimeout, "timed out waiting for response; the request is still queued")
		default:
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, RequestResponse{
		ID:             resp.Request.ID,
		Command:        resp.Request.Command,
		Class:          resp.Request.Class.String(),
		ResponseTimeMS: resp.ResponseTime.Milliseconds(),
		Body:           resp.Body,
	})
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("journal query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	respondJSON(w, http.StatusOK, JournalResponse{Entries: entries})
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
