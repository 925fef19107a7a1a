package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeedAssignsSequentialIDs(t *testing.T) {
	f := NewFeed(10)
	ev1 := f.Publish("request", map[string]any{"command": "typelookup"})
	ev2 := f.Publish("response", nil)

	assert.Equal(t, int64(1), ev1.ID)
	assert.Equal(t, int64(2), ev2.ID)
	assert.Equal(t, "{}", string(ev2.Data))

	var data map[string]any
	require.NoError(t, json.Unmarshal(ev1.Data, &data))
	assert.Equal(t, "typelookup", data["command"])
}

func TestFeedSnapshotSince(t *testing.T) {
	f := NewFeed(3)
	for i := 0; i < 5; i++ {
		f.Publish("status", map[string]int{"n": i})
	}

	all := f.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].ID)

	tail := f.SnapshotSince(4)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(5), tail[0].ID)
}

func TestFeedSubscribe(t *testing.T) {
	f := NewFeed(4)
	ch, cancel := f.Subscribe(2)
	defer cancel()

	f.Publish("error", map[string]string{"command": "findusages"})
	ev := <-ch
	assert.Equal(t, "error", ev.Type)
}
