package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"collabtext/internal/protocol"
)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	in   chan []byte
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	out [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(frame []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) deliver(t *testing.T, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	c.in <- frame
}

func (c *fakeConn) sent(t *testing.T) []protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Message, 0, len(c.out))
	for _, f := range c.out {
		msg, err := protocol.Decode(f)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (c *fakeConn) sentKinds(t *testing.T) []protocol.Kind {
	var kinds []protocol.Kind
	for _, m := range c.sent(t) {
		kinds = append(kinds, m.Kind())
	}
	return kinds
}

type fakeTransport struct {
	mu sync.Mutex
	// failFirst dials fail before dials start succeeding; negative fails forever.
	failFirst int
	gate      chan struct{}
	dials     int
	conns     []*fakeConn
}

func (t *fakeTransport) Dial(ctx context.Context, _ string) (Conn, error) {
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.failFirst < 0 || t.dials <= t.failFirst {
		return nil, errRefused
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

type statusLog struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (l *statusLog) record(ev StatusEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *statusLog) snapshot() []StatusEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]StatusEvent(nil), l.events...)
}

func (l *statusLog) retries() []time.Duration {
	var out []time.Duration
	for _, ev := range l.snapshot() {
		if ev.State == Disconnected && ev.Err != nil {
			out = append(out, ev.RetryIn)
		}
	}
	return out
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}
