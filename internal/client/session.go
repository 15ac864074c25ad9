package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"

	"collabtext/internal/crdt"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	// Closed is terminal and only reached through Session.Close.
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("ConnectionState(%d)", int(s))
}

// StatusEvent reports a lifecycle transition. Transport failures surface
// here and are never returned to callers.
type StatusEvent struct {
	State ConnectionState
	// Attempt is the reconnect counter after the transition.
	Attempt int
	// RetryIn is the scheduled reconnect delay, zero when none is scheduled.
	RetryIn time.Duration
	Err     error
}

type SessionOptions struct {
	Key       RoomKey
	Endpoint  string
	Transport Transport
	Doc       crdt.Document
	Presence  *presence.Tracker

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	DialTimeout time.Duration
}

// Session owns the single transport connection of one room key and drives
// reconnection with bounded exponential backoff. It never dials on its own
// until Connect is called.
type Session struct {
	key       RoomKey
	room      string
	endpoint  string
	transport Transport
	doc       crdt.Document
	tracker   *presence.Tracker
	dialTO    time.Duration

	mu       sync.Mutex
	state    ConnectionState
	attempts int
	bo       backoff.BackOff
	conn     Conn
	gen      int
	manual   bool
	timer    *time.Timer
	stopDoc  func()
	status   map[int]func(StatusEvent)
	events   map[int]func(protocol.DomainEvent)
	nextID   int

	// peerConns maps a remote peer id to the connection last announced
	// for it by peer-joined.
	peerConns map[string]string

	queue *statusQueue
}

func NewSession(opts SessionOptions) *Session {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.Transport == nil {
		opts.Transport = WebsocketTransport{}
	}
	s := &Session{
		key:       opts.Key,
		room:      opts.Key.Token(),
		endpoint:  opts.Endpoint,
		transport: opts.Transport,
		doc:       opts.Doc,
		tracker:   opts.Presence,
		dialTO:    opts.DialTimeout,
		state:     Disconnected,
		bo:        newReconnectBackOff(opts.BaseDelay, opts.MaxDelay, opts.MaxAttempts),
		status:    map[int]func(StatusEvent){},
		events:    map[int]func(protocol.DomainEvent){},
		peerConns: map[string]string{},
	}
	s.queue = newStatusQueue(s.dispatch)
	if s.doc != nil {
		s.stopDoc = s.doc.OnUpdate(s.onLocalUpdate)
	}
	if s.tracker != nil {
		s.tracker.SetPublisher(s)
	}
	return s
}

// Room is the transport room name of the session.
func (s *Session) Room() string { return s.room }

func (s *Session) Key() RoomKey { return s.key }

func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts is the current reconnect counter.
func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Connect starts a dial unless one is already open or in flight. It
// re-arms automatic reconnection after Disconnect or after retries ran out.
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return
	}
	if s.manual || s.state == Disconnected {
		s.manual = false
		s.attempts = 0
		s.bo.Reset()
	}
	s.beginDialLocked()
}

func (s *Session) beginDialLocked() {
	if s.state == Connecting || s.state == Connected || s.state == Closed {
		return
	}
	s.stopTimerLocked()
	s.state = Connecting
	s.gen++
	gen := s.gen
	s.queue.push(StatusEvent{State: Connecting, Attempt: s.attempts})
	go s.dial(gen)
}

func (s *Session) dial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.dialTO)
	conn, err := s.transport.Dial(ctx, s.endpoint)
	cancel()

	s.mu.Lock()
	if gen != s.gen || s.state != Connecting {
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.failLocked(err)
		s.mu.Unlock()
		return
	}
	s.conn = conn
	s.state = Connected
	s.attempts = 0
	s.bo.Reset()
	s.queue.push(StatusEvent{State: Connected})
	s.mu.Unlock()

	glog.V(1).Infof("[session] %s connected to %s", s.room, s.endpoint)
	s.handshake()
	go s.readLoop(conn, gen)
}

// handshake joins the room and document group, pushes local state so peers
// pick up offline edits, asks peers for theirs and re-announces presence.
func (s *Session) handshake() {
	clientID := ""
	if s.tracker != nil {
		clientID = s.tracker.Self()
	}
	s.send(protocol.JoinRoom{Room: s.room, ClientID: clientID})
	if s.key.DocumentID != "" {
		s.send(protocol.JoinDocument{DocumentID: s.key.DocumentID})
	}
	if s.doc != nil {
		if state := s.doc.EncodeStateAsUpdate(); len(state) > 0 {
			s.send(protocol.DocUpdate{Room: s.room, Update: state})
		}
	}
	s.send(protocol.SyncRequest{Room: s.room})
	if s.tracker != nil {
		s.tracker.RepublishAll()
	}
}

func (s *Session) readLoop(conn Conn, gen int) {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			current := gen == s.gen && s.conn == conn
			if current {
				s.failLocked(err)
			}
			s.mu.Unlock()
			conn.Close()
			if current {
				s.clearRemote()
			}
			return
		}
		if !s.current(gen) {
			conn.Close()
			return
		}
		s.handleFrame(frame)
	}
}

// current reports whether gen is still the live connection generation.
// Close and Disconnect bump it, so frames read after teardown are dropped.
func (s *Session) current(gen int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.state != Closed
}

// failLocked moves to Disconnected and schedules the next attempt while the
// retry budget lasts.
func (s *Session) failLocked(err error) {
	s.conn = nil
	s.state = Disconnected
	if s.manual {
		s.queue.push(StatusEvent{State: Disconnected, Attempt: s.attempts, Err: err})
		return
	}
	delay := s.bo.NextBackOff()
	if delay == backoff.Stop {
		glog.Warningf("[session] %s giving up after %d reconnect attempts: %v", s.room, s.attempts, err)
		s.queue.push(StatusEvent{State: Disconnected, Attempt: s.attempts, Err: err})
		return
	}
	s.attempts++
	gen := s.gen
	s.timer = time.AfterFunc(delay, func() { s.reconnect(gen) })
	glog.V(1).Infof("[session] %s disconnected (%v), retry %d in %s", s.room, err, s.attempts, delay)
	s.queue.push(StatusEvent{State: Disconnected, Attempt: s.attempts, RetryIn: delay, Err: err})
}

func (s *Session) reconnect(gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.timer = nil
	if s.manual {
		return
	}
	// skip when a socket is already open or opening
	s.beginDialLocked()
}

// Disconnect closes the transport and stops automatic reconnection until
// Connect is called again.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.manual = true
	s.stopTimerLocked()
	s.gen++
	conn := s.conn
	s.conn = nil
	if s.state != Disconnected {
		s.state = Disconnected
		s.queue.push(StatusEvent{State: Disconnected, Attempt: s.attempts})
	}
	s.mu.Unlock()

	if conn != nil {
		if frame, err := protocol.Encode(protocol.LeaveRoom{Room: s.room}); err == nil {
			_ = conn.WriteMessage(frame)
		}
		conn.Close()
	}
	s.clearRemote()
}

// Close tears the session down for good: every timer is cancelled, the
// transport is closed and listeners stop receiving events.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return
	}
	s.stopTimerLocked()
	s.gen++
	conn := s.conn
	s.conn = nil
	s.state = Closed
	stopDoc := s.stopDoc
	s.stopDoc = nil
	s.queue.push(StatusEvent{State: Closed, Attempt: s.attempts})
	s.mu.Unlock()

	if stopDoc != nil {
		stopDoc()
	}
	if conn != nil {
		conn.Close()
	}
	s.queue.close()
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// OnStatus registers fn for lifecycle events, delivered in order on one
// goroutine.
func (s *Session) OnStatus(fn func(StatusEvent)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.status[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.status, id)
	}
}

// OnEvent registers fn for domain events of the session's document.
func (s *Session) OnEvent(fn func(protocol.DomainEvent)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.events[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.events, id)
	}
}

func (s *Session) dispatch(ev StatusEvent) {
	s.mu.Lock()
	fns := make([]func(StatusEvent), 0, len(s.status))
	for _, fn := range s.status {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// PublishEvent sends a domain event to the other watchers of the document.
func (s *Session) PublishEvent(kind protocol.Kind, payload any) error {
	if !kind.IsDomainEvent() {
		return fmt.Errorf("%w: %s is not a domain event", protocol.ErrMalformed, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.send(protocol.DomainEvent{Event: kind, DocumentID: s.key.DocumentID, Payload: raw})
	return nil
}

// PublishAwareness implements presence.Publisher.
func (s *Session) PublishAwareness(field string, value json.RawMessage) {
	clientID := ""
	if s.tracker != nil {
		clientID = s.tracker.Self()
	}
	s.send(protocol.AwarenessUpdate{Room: s.room, ClientID: clientID, Field: field, Value: value})
}

func (s *Session) onLocalUpdate(update []byte, origin any) {
	if origin == s || len(update) == 0 {
		return
	}
	s.send(protocol.DocUpdate{Room: s.room, Update: update})
}

// send writes msg when connected. Frames produced while offline are dropped;
// the handshake of the next connection carries the full state instead.
func (s *Session) send(msg protocol.Message) bool {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == Connected
	s.mu.Unlock()
	if conn == nil || !connected {
		return false
	}
	frame, err := protocol.Encode(msg)
	if err != nil {
		glog.Warningf("[session] encode %s: %v", msg.Kind(), err)
		return false
	}
	if err := conn.WriteMessage(frame); err != nil {
		glog.V(1).Infof("[session] %s write %s: %v", s.room, msg.Kind(), err)
		return false
	}
	return true
}

func (s *Session) handleFrame(frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		glog.V(1).Infof("[session] %s dropping frame: %v", s.room, err)
		return
	}
	switch m := msg.(type) {
	case protocol.DocUpdate:
		if s.doc == nil {
			return
		}
		if err := s.doc.ApplyUpdate(m.Update, s); err != nil {
			glog.Warningf("[session] %s apply update: %v", s.room, err)
		}
	case protocol.SyncRequest:
		if s.doc == nil {
			return
		}
		if state := s.doc.EncodeStateAsUpdate(); len(state) > 0 {
			s.send(protocol.DocUpdate{Room: s.room, Update: state})
		}
	case protocol.AwarenessUpdate:
		if s.tracker != nil {
			s.tracker.ApplyRemote(m.ClientID, m.Field, m.Value)
		}
	case protocol.PeerJoined:
		s.mu.Lock()
		s.peerConns[m.ClientID] = m.ConnectionID
		s.mu.Unlock()
		if s.tracker != nil {
			s.tracker.RepublishAll()
		}
	case protocol.PeerLeft:
		if !s.forgetPeer(m.ClientID, m.ConnectionID) {
			glog.V(1).Infof("[session] %s ignoring peer-left for %s via stale connection %s", s.room, m.ClientID, m.ConnectionID)
			return
		}
		if s.tracker != nil {
			s.tracker.RemovePeer(m.ClientID)
		}
	case protocol.DomainEvent:
		s.mu.Lock()
		fns := make([]func(protocol.DomainEvent), 0, len(s.events))
		for _, fn := range s.events {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(m)
		}
	}
}

// forgetPeer drops the connection recorded for peerID and reports whether
// the peer is gone. A peer-left for an older connection than the one last
// announced leaves the peer in place.
func (s *Session) forgetPeer(peerID, connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	known, ok := s.peerConns[peerID]
	if ok && connID != "" && known != connID {
		return false
	}
	delete(s.peerConns, peerID)
	return true
}

// clearRemote forgets every remote peer once the connection is gone.
func (s *Session) clearRemote() {
	s.mu.Lock()
	s.peerConns = map[string]string{}
	s.mu.Unlock()
	if s.tracker != nil {
		s.tracker.ClearRemote()
	}
}

// statusQueue delivers status events in order without holding the session
// lock, so listeners may call back into the session.
type statusQueue struct {
	mu      sync.Mutex
	pending []StatusEvent
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

func newStatusQueue(fn func(StatusEvent)) *statusQueue {
	q := &statusQueue{wake: make(chan struct{}, 1), done: make(chan struct{})}
	go q.run(fn)
	return q
}

func (q *statusQueue) push(ev StatusEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops the queue after the events already pushed are delivered.
func (q *statusQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *statusQueue) run(fn func(StatusEvent)) {
	defer close(q.done)
	for range q.wake {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()
		for _, ev := range batch {
			fn(ev)
		}
		if closed {
			return
		}
	}
}
