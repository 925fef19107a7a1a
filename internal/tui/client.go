package tui

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/events"
)

type feedMsg events.Event

type statusMsg api.StatusResponse

type tickMsg time.Time

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

type streamClosedMsg struct{}

type reconnectMsg struct{}

// apiClient talks to the conduit debug API.
type apiClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	// lastID is sent as Last-Event-ID so a reconnect resumes the feed.
	lastID atomic.Int64
}

func newAPIClient(baseURL, apiKey string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{},
	}
}

func (c *apiClient) newRequest(path string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return req, nil
}

// stream connects to /events and forwards every event into ch. It returns
// streamClosedMsg when the connection drops.
func (c *apiClient) stream(ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := c.newRequest("/events")
		if err != nil {
			return errMsg{err}
		}
		if id := c.lastID.Load(); id > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(id, 10))
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return streamClosedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errMsg{fmt.Errorf("events: %s", resp.Status)}
		}

		_ = readSSE(resp.Body, func(ev events.Event) {
			c.lastID.Store(ev.ID)
			ch <- ev
		})
		return streamClosedMsg{}
	}
}

// readSSE parses a text/event-stream body, calling fn per complete event.
// Comment lines (keep-alives) are ignored.
func readSSE(r io.Reader, fn func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)

	var (
		id   int64
		typ  string
		data strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				fn(events.Event{
					ID:   id,
					Type: typ,
					At:   time.Now(),
					Data: json.RawMessage(data.String()),
				})
			}
			id, typ = 0, ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			if n, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				id = n
			}
		case strings.HasPrefix(line, "event: "):
			typ = line[7:]
		case strings.HasPrefix(line, "data: "):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(line[6:])
		}
	}
	return scanner.Err()
}

func receiveNext(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return feedMsg(<-ch)
	}
}

// fetchStatus queries GET /status.
func (c *apiClient) fetchStatus() tea.Msg {
	req, err := c.newRequest("/status")
	if err != nil {
		return errMsg{err}
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return errMsg{err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errMsg{fmt.Errorf("status: %s", resp.Status)}
	}

	var st api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return errMsg{err}
	}
	return statusMsg(st)
}
