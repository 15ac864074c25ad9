package presence

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

const (
	DefaultThrottleWindow    = 50 * time.Millisecond
	DefaultHeartbeatInterval = 5 * time.Second
)

type BroadcasterOptions struct {
	ThrottleWindow    time.Duration
	HeartbeatInterval time.Duration
	Now               func() time.Time
}

// Broadcaster coalesces cursor moves of one editor before they reach the
// tracker and re-sends the last cursor on a heartbeat so peers can tell an
// idle peer from a gone one. It owns both timers; Stop cancels them.
type Broadcaster struct {
	tracker   *Tracker
	window    time.Duration
	heartbeat time.Duration
	now       func() time.Time

	mu       sync.Mutex
	pending  *Cursor
	last     *Cursor
	throttle *time.Timer
	beat     *time.Timer
	stopped  bool
}

func NewBroadcaster(t *Tracker, opts BroadcasterOptions) *Broadcaster {
	if opts.ThrottleWindow <= 0 {
		opts.ThrottleWindow = DefaultThrottleWindow
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	b := &Broadcaster{
		tracker:   t,
		window:    opts.ThrottleWindow,
		heartbeat: opts.HeartbeatInterval,
		now:       opts.Now,
	}
	b.mu.Lock()
	b.beat = time.AfterFunc(b.heartbeat, b.onHeartbeat)
	b.mu.Unlock()
	return b
}

// Move records the latest cursor. Moves inside one window collapse into a
// single publish of the newest position.
func (b *Broadcaster) Move(c Cursor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.pending = &c
	if b.throttle == nil {
		b.throttle = time.AfterFunc(b.window, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.mu.Lock()
	if b.stopped || b.pending == nil {
		b.throttle = nil
		b.mu.Unlock()
		return
	}
	c := *b.pending
	c.Timestamp = b.now().UnixMilli()
	b.pending = nil
	b.last = &c
	b.throttle = nil
	b.mu.Unlock()

	if err := b.tracker.SetCursor(c); err != nil {
		glog.Warningf("[presence] publish cursor: %v", err)
	}
}

func (b *Broadcaster) onHeartbeat() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	var c *Cursor
	if b.last != nil && b.pending == nil {
		fresh := *b.last
		fresh.Timestamp = b.now().UnixMilli()
		b.last = &fresh
		c = &fresh
	}
	b.beat = time.AfterFunc(b.heartbeat, b.onHeartbeat)
	b.mu.Unlock()

	if c != nil {
		if err := b.tracker.SetCursor(*c); err != nil {
			glog.Warningf("[presence] heartbeat cursor: %v", err)
		}
	}
}

// Last returns the most recently published cursor.
func (b *Broadcaster) Last() (Cursor, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.last == nil {
		return Cursor{}, false
	}
	return *b.last, true
}

// Stop cancels the pending throttle and the heartbeat. Late timer firings
// after Stop are no-ops.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.pending = nil
	if b.throttle != nil {
		b.throttle.Stop()
		b.throttle = nil
	}
	if b.beat != nil {
		b.beat.Stop()
		b.beat = nil
	}
}
