package status

import (
	"sync"
	"testing"
	"time"

	"github.com/mattjoyce/conduit/internal/driver"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counter is a mutable Source for tests.
type counter struct {
	mu          sync.Mutex
	state       driver.State
	outstanding int
}

func (c *counter) set(state driver.State, outstanding int) {
	c.mu.Lock()
	c.state, c.outstanding = state, outstanding
	c.mu.Unlock()
}

func (c *counter) source() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{State: c.state, OutstandingRequests: c.outstanding}
}

func newTestSampler(t *testing.T, c *counter, interval time.Duration) *Sampler {
	t.Helper()
	s := NewSampler(c.source, interval, log.Discard())
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func next(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case snap := <-ch:
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestCompute(t *testing.T) {
	assert.Equal(t, Snapshot{State: driver.Connected, OutstandingRequests: 2, HasOutstandingRequests: true}, Compute(driver.Connected, 2))
	assert.Equal(t, Snapshot{State: driver.Error}, Compute(driver.Error, -3))
}

func TestSamplerIdleUntilTouched(t *testing.T) {
	c := &counter{state: driver.Connected}
	s := newTestSampler(t, c, 20*time.Millisecond)

	ch, cancel := s.Subscribe(8)
	defer cancel()

	select {
	case snap := <-ch:
		t.Fatalf("unexpected snapshot %+v", snap)
	case <-time.After(80 * time.Millisecond):
	}
}

func TestSamplerEmitsLatestInWindow(t *testing.T) {
	c := &counter{state: driver.Connected}
	s := newTestSampler(t, c, 50*time.Millisecond)

	ch, cancel := s.Subscribe(8)
	defer cancel()

	for i := 1; i <= 3; i++ {
		c.set(driver.Connected, i)
		s.Touch()
	}

	snap := next(t, ch)
	assert.Equal(t, 3, snap.OutstandingRequests)
	assert.True(t, snap.HasOutstandingRequests)
	assert.Equal(t, snap, s.Current())
}

func TestSamplerQuietWindowComputesFresh(t *testing.T) {
	c := &counter{state: driver.Connected}
	s := newTestSampler(t, c, 80*time.Millisecond)

	ch, cancel := s.Subscribe(8)
	defer cancel()

	c.set(driver.Connected, 1)
	s.Touch()
	assert.Equal(t, 1, next(t, ch).OutstandingRequests)

	// The response landed without a touch; the trailing window still sees it.
	c.set(driver.Connected, 0)
	snap := next(t, ch)
	assert.Equal(t, 0, snap.OutstandingRequests)
	assert.False(t, snap.HasOutstandingRequests)
}

func TestSamplerDeduplicates(t *testing.T) {
	c := &counter{state: driver.Connected}
	s := newTestSampler(t, c, 20*time.Millisecond)

	ch, cancel := s.Subscribe(8)
	defer cancel()

	s.Touch()
	first := next(t, ch)
	assert.Equal(t, driver.Connected, first.State)

	s.Touch()
	time.Sleep(100 * time.Millisecond)
	s.Touch()

	select {
	case snap := <-ch:
		t.Fatalf("duplicate snapshot published: %+v", snap)
	case <-time.After(100 * time.Millisecond):
	}

	c.set(driver.Disconnected, 0)
	s.Touch()
	assert.Equal(t, driver.Disconnected, next(t, ch).State)
}

func TestSamplerFanOut(t *testing.T) {
	c := &counter{state: driver.Connecting}
	s := newTestSampler(t, c, 10*time.Millisecond)

	a, cancelA := s.Subscribe(4)
	defer cancelA()
	b, cancelB := s.Subscribe(4)
	defer cancelB()

	s.Touch()
	assert.Equal(t, next(t, a), next(t, b))
}

func TestSamplerStopClosesSubscriptions(t *testing.T) {
	c := &counter{}
	s := NewSampler(c.source, 10*time.Millisecond, log.Discard())
	s.Start()

	ch, _ := s.Subscribe(1)
	s.Stop()
	s.Stop()

	_, ok := <-ch
	require.False(t, ok)
}

func TestCurrentBeforePublish(t *testing.T) {
	c := &counter{state: driver.Error, outstanding: 5}
	s := NewSampler(c.source, 0, nil)
	assert.Equal(t, 5, s.Current().OutstandingRequests)
	assert.Equal(t, DefaultInterval, s.interval)
}
