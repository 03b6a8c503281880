// Package logsink forwards engine log entries to a socket.io server.
package logsink

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vk/visiongraph/internal/ctxlog"
	"github.com/vk/visiongraph/internal/logring"
	"github.com/zishang520/engine.io-client-go/transports"
	"github.com/zishang520/engine.io/v2/types"
	"github.com/zishang520/socket.io-client-go/socket"
)

// DefaultEvent is the socket.io event entries are emitted as.
const DefaultEvent = "visiongraph:log"

// Config describes the socket.io endpoint.
type Config struct {
	URL                string
	Namespace          string
	Event              string
	InsecureSkipVerify bool
	// ConnectTimeout bounds the initial connection. Zero means 15s.
	ConnectTimeout time.Duration
	// Buffer is the number of entries queued for sending. Zero means 256.
	Buffer int
}

// Sink sends log entries from a background goroutine so that the engine
// never blocks on the network. Entries that do not fit the queue are
// dropped and counted.
type Sink struct {
	emit    func(event string, args ...any)
	event   string
	entries chan logring.Entry
	dropped atomic.Uint64
	sent    atomic.Uint64
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	closeFn func()
}

// Dial connects to the socket.io server and returns a running sink.
func Dial(ctx context.Context, cfg Config) (*Sink, error) {
	logger := ctxlog.FromContext(ctx).With("component", "logsink", "url", cfg.URL)
	parsedURL, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	opts := socket.DefaultOptions()
	opts.SetPath(parsedURL.Path)
	if cfg.InsecureSkipVerify {
		logger.Warn("Skipping TLS certificate verification")
		opts.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}
	opts.SetTransports(types.NewSet(transports.WebSocket))

	connectChan := make(chan error, 1)
	baseURL := fmt.Sprintf("%s://%s", parsedURL.Scheme, parsedURL.Host)
	manager := socket.NewManager(baseURL, opts)
	io := manager.Socket(cfg.Namespace, opts)

	io.Once(types.EventName("connect"), func(...any) {
		logger.Debug("Log sink connected", "sid", io.Id())
		connectChan <- nil
	})
	io.Once(types.EventName("connect_error"), func(errs ...any) {
		err, _ := errs[0].(error)
		if err == nil {
			err = fmt.Errorf("connect_error: %v", errs[0])
		}
		connectChan <- err
	})
	io.Connect()

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	select {
	case err := <-connectChan:
		if err != nil {
			io.Disconnect()
			return nil, fmt.Errorf("socket.io connection failed: %w", err)
		}
	case <-ctx.Done():
		io.Disconnect()
		return nil, fmt.Errorf("context cancelled while waiting for socket.io connection: %w", ctx.Err())
	case <-time.After(timeout):
		io.Disconnect()
		return nil, fmt.Errorf("timed out after %s waiting for socket.io connection", timeout)
	}

	s := newSink(func(event string, args ...any) { io.Emit(event, args...) }, cfg.Event, cfg.Buffer)
	s.closeFn = func() { io.Disconnect() }
	logger.Info("Forwarding engine log entries.", "event", s.event)
	return s, nil
}

func newSink(emit func(string, ...any), event string, buffer int) *Sink {
	if event == "" {
		event = DefaultEvent
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &Sink{emit: emit, event: event, entries: make(chan logring.Entry, buffer)}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *Sink) loop() {
	defer s.wg.Done()
	for e := range s.entries {
		s.emit(s.event, Payload(e))
		s.sent.Add(1)
	}
}

// Callback queues e for sending. It never blocks and is safe to register
// as a reentrant engine log callback.
func (s *Sink) Callback(e logring.Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.entries <- e:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many entries were discarded.
func (s *Sink) Dropped() uint64 { return s.dropped.Load() }

// Sent returns how many entries were emitted.
func (s *Sink) Sent() uint64 { return s.sent.Load() }

// Close sends the queued entries and disconnects.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.entries)
	s.mu.Unlock()

	s.wg.Wait()
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Payload is the JSON friendly form of an entry.
func Payload(e logring.Entry) map[string]any {
	return map[string]any{
		"seq":      e.Seq,
		"time":     e.Time.UTC().Format(time.RFC3339Nano),
		"ref_id":   e.RefID,
		"ref_type": e.RefType,
		"status":   e.Status.String(),
		"code":     int(e.Status),
		"message":  e.Message,
	}
}
