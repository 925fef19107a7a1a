package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/events"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/scheduler"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"), log.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestRecordAndRecent(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, j.Record(ctx, Entry{ID: "a", ClientID: "c1", Command: "findusages", Class: "normal", Status: StatusSucceeded, ResponseTimeMS: 12, CreatedAt: base, CompletedAt: base.Add(time.Second)}))
	require.NoError(t, j.Record(ctx, Entry{ID: "b", ClientID: "c1", Command: "codecheck", Class: "deferred", Silent: true, Status: StatusFailed, Error: "boom", CreatedAt: base, CompletedAt: base.Add(2 * time.Second)}))

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "b", entries[0].ID)
	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, "boom", entries[0].Error)
	assert.True(t, entries[0].Silent)

	assert.Equal(t, "a", entries[1].ID)
	assert.Equal(t, int64(12), entries[1].ResponseTimeMS)
	assert.True(t, base.Equal(entries[1].CreatedAt))

	entries, err = j.Recent(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRecordValidates(t *testing.T) {
	j := openTestJournal(t)
	assert.Error(t, j.Record(context.Background(), Entry{Command: "x"}))
	assert.Error(t, j.Record(context.Background(), Entry{ID: "x"}))
}

func TestPrune(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, j.Record(ctx, Entry{ID: "old", Command: "x", Status: StatusSucceeded, CompletedAt: old}))
	require.NoError(t, j.Record(ctx, Entry{ID: "new", Command: "x", Status: StatusSucceeded}))

	n, err := j.Prune(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = j.Prune(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	entries, err := j.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].ID)
}

func TestFromFailure(t *testing.T) {
	req := scheduler.NewRequest("c1", "gotodefinition", nil, scheduler.RequestOptions{})
	req.Class = scheduler.Normal

	e := FromFailure(&scheduler.Failure{Command: "gotodefinition", Err: errors.New("nope"), Request: req})
	assert.Equal(t, req.ID, e.ID)
	assert.Equal(t, "normal", e.Class)
	assert.Equal(t, StatusFailed, e.Status)
	assert.Equal(t, "nope", e.Error)
}

// fakeSource feeds Run from broadcasters.
type fakeSource struct {
	resps *events.Broadcaster[*scheduler.Response]
	errs  *events.Broadcaster[*scheduler.Failure]
	ready chan struct{}
}

func (f *fakeSource) Responses() (<-chan *scheduler.Response, func()) {
	return f.resps.Subscribe(8)
}

func (f *fakeSource) Errors() (<-chan *scheduler.Failure, func()) {
	ch, cancel := f.errs.Subscribe(8)
	close(f.ready)
	return ch, cancel
}

func TestRun(t *testing.T) {
	j := openTestJournal(t)
	src := &fakeSource{
		resps: events.NewBroadcaster[*scheduler.Response](0),
		errs:  events.NewBroadcaster[*scheduler.Failure](0),
		ready: make(chan struct{}),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Run(context.Background(), src, time.Hour)
	}()
	<-src.ready

	ok := scheduler.NewRequest("c1", "findusages", nil, scheduler.RequestOptions{})
	ok.Class = scheduler.Normal
	src.resps.Publish(&scheduler.Response{Request: ok, ResponseTime: 7 * time.Millisecond})

	bad := scheduler.NewRequest("c1", "codecheck", nil, scheduler.RequestOptions{Silent: true})
	bad.Class = scheduler.Deferred
	src.errs.Publish(&scheduler.Failure{Command: "codecheck", Err: errors.New("timeout"), Request: bad})

	require.Eventually(t, func() bool {
		entries, err := j.Recent(context.Background(), 10)
		return err == nil && len(entries) == 2
	}, 2*time.Second, 10*time.Millisecond)

	src.resps.Close()
	src.errs.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after streams closed")
	}
}
