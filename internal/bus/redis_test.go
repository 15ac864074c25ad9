package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	topic, from string
	frame       []byte
}

type sink struct {
	mu  sync.Mutex
	got []received
}

func (s *sink) handle(topic, from string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, received{topic, from, frame})
}

func (s *sink) snapshot() []received {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]received(nil), s.got...)
}

func setupBus(t *testing.T, mr *miniredis.Miniredis) *Redis {
	t.Helper()
	b := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "test:")
	t.Cleanup(func() { b.Close() })
	return b
}

func runBus(t *testing.T, b *Redis, s *sink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, b.Run(ctx, s.handle, func() { close(ready) }))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not subscribe")
	}
}

func TestPublishReachesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	a, b := setupBus(t, mr), setupBus(t, mr)
	require.NotEqual(t, a.InstanceID(), b.InstanceID())

	var onA, onB sink
	runBus(t, a, &onA)
	runBus(t, b, &onB)

	require.NoError(t, a.Publish(context.Background(), "room:doc-room-42", "conn-x", []byte(`{"type":"sync-request","room":"doc-room-42"}`)))

	require.Eventually(t, func() bool { return len(onB.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	got := onB.snapshot()[0]
	assert.Equal(t, "room:doc-room-42", got.topic)
	assert.Equal(t, "conn-x", got.from)
	assert.JSONEq(t, `{"type":"sync-request","room":"doc-room-42"}`, string(got.frame))

	// the publisher never sees its own echo
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, onA.snapshot())
}

func TestRunIgnoresGarbage(t *testing.T) {
	mr := miniredis.RunT(t)
	b := setupBus(t, mr)
	var s sink
	runBus(t, b, &s)

	mr.Publish("test:room:a", "not json")
	other := setupBus(t, mr)
	require.NoError(t, other.Publish(context.Background(), "room:a", "", []byte("{}")))

	require.Eventually(t, func() bool { return len(s.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "room:a", s.snapshot()[0].topic)
}

func TestPing(t *testing.T) {
	mr := miniredis.RunT(t)
	assert.NoError(t, setupBus(t, mr).Ping(context.Background()))
}
