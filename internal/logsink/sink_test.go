package logsink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/visiongraph/internal/logring"
	"github.com/vk/visiongraph/internal/status"
)

type recorder struct {
	mu      sync.Mutex
	events  []string
	payload []map[string]any
	gate    chan struct{}
}

func (r *recorder) emit(event string, args ...any) {
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.payload = append(r.payload, args[0].(map[string]any))
}

func TestSink_ForwardsEntries(t *testing.T) {
	rec := &recorder{}
	s := newSink(rec.emit, "", 8)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	s.Callback(logring.Entry{Seq: 1, Time: at, RefID: "abc", RefType: "image", Status: status.InvalidFormat, Message: "bad"})
	s.Callback(logring.Entry{Seq: 2, Time: at, RefType: "graph", Status: status.InvalidGraph, Message: "cycle"})
	require.NoError(t, s.Close())

	assert.Equal(t, []string{DefaultEvent, DefaultEvent}, rec.events)
	assert.Equal(t, map[string]any{
		"seq":      uint64(1),
		"time":     "2026-01-02T03:04:05Z",
		"ref_id":   "abc",
		"ref_type": "image",
		"status":   status.InvalidFormat.String(),
		"code":     int(status.InvalidFormat),
		"message":  "bad",
	}, rec.payload[0])
	assert.Equal(t, uint64(2), s.Sent())
}

func TestSink_DropsWhenFull(t *testing.T) {
	rec := &recorder{gate: make(chan struct{})}
	s := newSink(rec.emit, "custom", 1)

	// The first entry is taken by the sender and blocks on the gate, the
	// second fills the queue and the rest are dropped.
	s.Callback(logring.Entry{Seq: 1})
	require.Eventually(t, func() bool { return len(s.entries) == 0 }, time.Second, time.Millisecond)
	for i := 0; i < 4; i++ {
		s.Callback(logring.Entry{Seq: uint64(i + 2)})
	}
	assert.Equal(t, uint64(3), s.Dropped())

	close(rec.gate)
	require.NoError(t, s.Close())
	assert.Equal(t, []string{"custom", "custom"}, rec.events)

	s.Callback(logring.Entry{Seq: 9})
	assert.Equal(t, uint64(4), s.Dropped(), "entries after close are dropped")
	require.NoError(t, s.Close())
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := Dial(ctx, Config{URL: "http://127.0.0.1:1/socket.io/", ConnectTimeout: time.Second})
	assert.Error(t, err)
}
