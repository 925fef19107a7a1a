package client

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/driver"
)

type numbered struct {
	N int
}

func TestEveryRequestYieldsOneOutcome(t *testing.T) {
	const n = 600
	rng := rand.New(rand.NewPCG(7, 11))
	failing := make(map[int]bool, n)
	for i := range n {
		failing[i] = rng.IntN(3) == 0
	}
	commands := []string{"findsymbols", "findusages", "updatebuffer", "codecheck"}
	errBoom := errors.New("server refused")

	drv := newFakeDriver(driver.Connected)
	drv.handler = func(_ string, payload any) (json.RawMessage, error) {
		p := payload.(numbered)
		if failing[p.N] {
			return nil, errBoom
		}
		body, err := json.Marshal(p)
		return json.RawMessage(body), err
	}
	c := newTestClient(t, drv, testOptions())

	resps, cancelResps := c.Responses()
	defer cancelResps()
	errs, cancelErrs := c.Errors()
	defer cancelErrs()

	// A slow consumer, roughly one sqlite insert per terminal event.
	var (
		mu      sync.Mutex
		seen    = make(map[string]int)
		failed  = make(map[string]bool)
		counted = make(chan struct{})
	)
	go func() {
		defer close(counted)
		total := 0
		for total < n {
			var id string
			var isFailure bool
			select {
			case resp, ok := <-resps:
				if !ok {
					return
				}
				id = resp.Request.ID
			case f, ok := <-errs:
				if !ok {
					return
				}
				id, isFailure = f.Request.ID, true
			}
			time.Sleep(200 * time.Microsecond)
			mu.Lock()
			seen[id]++
			failed[id] = isFailure
			mu.Unlock()
			total++
		}
	}()

	futures := make([]*Future, n)
	for i := range n {
		futures[i] = c.Submit(commands[i%len(commands)], numbered{N: i})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, f := range futures {
		_, err := f.Wait(ctx)
		if failing[i] {
			require.ErrorIs(t, err, errBoom, "request %d", i)
		} else {
			require.NoError(t, err, "request %d", i)
		}
	}

	select {
	case <-counted:
	case <-time.After(10 * time.Second):
		mu.Lock()
		got := len(seen)
		mu.Unlock()
		t.Fatalf("subscriber saw %d of %d terminal events", got, n)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for i, f := range futures {
		id := f.Request().ID
		assert.Equal(t, 1, seen[id], "request %d outcomes", i)
		assert.Equal(t, failing[i], failed[id], "request %d outcome kind", i)
	}
}

func TestNormalHeldWhilePriorityOutstanding(t *testing.T) {
	const debounce = 150 * time.Millisecond

	drv := newFakeDriver(driver.Connected)
	release := make(chan struct{})
	var (
		mu         sync.Mutex
		normalAt   time.Time
		releasedAt time.Time
	)
	drv.handler = func(command string, _ any) (json.RawMessage, error) {
		switch command {
		case "updatebuffer":
			<-release
		case "findusages":
			mu.Lock()
			normalAt = time.Now()
			mu.Unlock()
		}
		return json.RawMessage(`{}`), nil
	}
	opts := testOptions()
	opts.PauseDebounce = debounce
	c := newTestClient(t, drv, opts)

	priority := c.Submit("updatebuffer", nil)
	require.Eventually(t, func() bool { return c.Stats().Scheduler.Paused }, 2*time.Second, 5*time.Millisecond)

	normal := c.Submit("findusages", nil)
	time.Sleep(2 * debounce)
	assert.Zero(t, drv.callCount("findusages"), "normal lane must wait for the priority response")
	assert.Equal(t, 1, c.Stats().Scheduler.Normal.Pending)

	mu.Lock()
	releasedAt = time.Now()
	mu.Unlock()
	close(release)

	_, err := wait(t, priority)
	require.NoError(t, err)
	_, err = wait(t, normal)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, normalAt.Sub(releasedAt), debounce*8/10,
		"normal dispatch follows the priority response only after the debounce")
	assert.False(t, c.Stats().Scheduler.Paused)
}

func TestDriverPanicResolvesAsFailure(t *testing.T) {
	drv := newFakeDriver(driver.Connected)
	drv.handler = func(command string, _ any) (json.RawMessage, error) {
		if command == "updatebuffer" {
			panic("buffer exploded")
		}
		return json.RawMessage(`{}`), nil
	}
	c := newTestClient(t, drv, testOptions())

	errs, cancel := c.Errors()
	defer cancel()

	_, err := wait(t, c.Submit("updatebuffer", nil))
	require.ErrorIs(t, err, ErrDriverPanic)
	assert.Contains(t, err.Error(), "buffer exploded")

	failure := recv(t, errs)
	assert.Equal(t, "updatebuffer", failure.Command)
	assert.ErrorIs(t, failure, ErrDriverPanic)

	// The priority lane and the latch keep working after the panic.
	resp, err := wait(t, c.Submit("findusages", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(resp.Body))
	stats := c.Stats().Scheduler
	assert.False(t, stats.Paused)
	assert.Zero(t, stats.Priority.InFlight)
}
