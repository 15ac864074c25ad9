// Package room tracks which connections belong to which broadcast group and
// relays frames between group members.
package room

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabtext/internal/protocol"
)

const (
	DefaultJoinNoticeDelay = 500 * time.Millisecond
	defaultPublishTimeout  = 2 * time.Second
)

// ErrNotMember is returned when a connection relays into a room it never joined.
var ErrNotMember = errors.New("connection is not a member of the room")

// Peer is the delivery side of one connection. Send must not block; it
// reports false when the frame was dropped.
type Peer interface {
	ID() string
	Send(frame []byte) bool
}

// Bus carries frames to the same rooms on other server instances.
type Bus interface {
	Publish(ctx context.Context, topic, from string, frame []byte) error
}

type Options struct {
	// Namespace separates independent managers sharing one bus.
	Namespace string
	// JoinNoticeDelay postpones peer-joined so the joiner can wire its
	// listeners first. Zero selects DefaultJoinNoticeDelay.
	JoinNoticeDelay time.Duration
	// DisableNotices turns off peer-joined and peer-left entirely.
	DisableNotices bool
	Bus            Bus
	PublishTimeout time.Duration
}

type Member struct {
	ConnectionID string `json:"connectionId"`
	PeerLabel    string `json:"peerLabel"`
}

type Info struct {
	Name    string   `json:"name"`
	Members []Member `json:"members"`
}

type membership struct {
	peer   Peer
	label  string
	notice *time.Timer
}

type connection struct {
	peer  Peer
	rooms map[string]struct{}
}

// Manager is safe for concurrent use by every connection handler.
type Manager struct {
	opts Options

	mu    sync.Mutex
	rooms map[string]map[string]*membership
	conns map[string]*connection
}

func NewManager(opts Options) *Manager {
	if opts.Namespace == "" {
		opts.Namespace = "room"
	}
	if opts.JoinNoticeDelay == 0 {
		opts.JoinNoticeDelay = DefaultJoinNoticeDelay
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	return &Manager{
		opts:  opts,
		rooms: map[string]map[string]*membership{},
		conns: map[string]*connection{},
	}
}

// Join adds peer to room. Joining a room twice only refreshes the label.
func (m *Manager) Join(peer Peer, room, label string) {
	if peer == nil || room == "" {
		return
	}
	id := peer.ID()

	m.mu.Lock()
	members, ok := m.rooms[room]
	if !ok {
		members = map[string]*membership{}
		m.rooms[room] = members
	}
	if existing, ok := members[id]; ok {
		existing.label = label
		m.mu.Unlock()
		return
	}
	mb := &membership{peer: peer, label: label}
	members[id] = mb
	conn, ok := m.conns[id]
	if !ok {
		conn = &connection{peer: peer, rooms: map[string]struct{}{}}
		m.conns[id] = conn
	}
	conn.rooms[room] = struct{}{}
	if !m.opts.DisableNotices {
		mb.notice = time.AfterFunc(m.opts.JoinNoticeDelay, func() {
			m.announceJoin(room, id)
		})
	}
	count := len(members)
	m.mu.Unlock()

	glog.V(1).Infof("[%s] %s joined %s as %q (%d members)", m.opts.Namespace, id, room, label, count)
}

func (m *Manager) announceJoin(room, id string) {
	m.mu.Lock()
	mb, ok := m.rooms[room][id]
	if !ok {
		m.mu.Unlock()
		return
	}
	mb.notice = nil
	label := mb.label
	m.mu.Unlock()

	m.Broadcast(room, id, protocol.PeerJoined{Room: room, ClientID: label, ConnectionID: id})
}

// Leave removes the connection from one room and notifies the rest, unless
// the same peer label is still present over another connection.
func (m *Manager) Leave(connID, room string) {
	m.mu.Lock()
	label, ok := m.removeLocked(connID, room)
	ok = ok && !m.labelPresentLocked(room, label)
	m.mu.Unlock()
	if ok {
		m.announceLeave(room, connID, label)
	}
}

// Disconnect removes the connection from every room it belongs to. It is
// safe to call for unknown connections and more than once.
func (m *Manager) Disconnect(connID string) {
	type left struct{ room, label string }
	var gone []left

	m.mu.Lock()
	if conn, ok := m.conns[connID]; ok {
		for room := range conn.rooms {
			if label, ok := m.removeLocked(connID, room); ok && !m.labelPresentLocked(room, label) {
				gone = append(gone, left{room, label})
			}
		}
		delete(m.conns, connID)
	}
	m.mu.Unlock()

	for _, g := range gone {
		m.announceLeave(g.room, connID, g.label)
	}
}

func (m *Manager) removeLocked(connID, room string) (string, bool) {
	members, ok := m.rooms[room]
	if !ok {
		return "", false
	}
	mb, ok := members[connID]
	if !ok {
		return "", false
	}
	if mb.notice != nil {
		mb.notice.Stop()
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(m.rooms, room)
	}
	if conn, ok := m.conns[connID]; ok {
		delete(conn.rooms, room)
		if len(conn.rooms) == 0 {
			delete(m.conns, connID)
		}
	}
	return mb.label, true
}

// labelPresentLocked reports whether another connection in room still
// carries label, as when a peer reconnects before its old socket times out.
// Such a peer has not left.
func (m *Manager) labelPresentLocked(room, label string) bool {
	if label == "" {
		return false
	}
	for _, mb := range m.rooms[room] {
		if mb.label == label {
			return true
		}
	}
	return false
}

func (m *Manager) announceLeave(room, connID, label string) {
	glog.V(1).Infof("[%s] %s left %s", m.opts.Namespace, connID, room)
	if m.opts.DisableNotices {
		return
	}
	m.Broadcast(room, connID, protocol.PeerLeft{Room: room, ClientID: label, ConnectionID: connID})
}

// Relay forwards a message from a member to the other members of room.
func (m *Manager) Relay(from, room string, msg protocol.Message) (int, error) {
	if !m.IsMember(from, room) {
		return 0, ErrNotMember
	}
	return m.Broadcast(room, from, msg), nil
}

// Broadcast encodes msg once and delivers it to every local member of room
// except the connection named by except, then publishes it on the bus. It
// returns the number of local deliveries.
func (m *Manager) Broadcast(room, except string, msg protocol.Message) int {
	frame, err := protocol.Encode(msg)
	if err != nil {
		glog.Warningf("[%s] encode %s for %s: %v", m.opts.Namespace, msg.Kind(), room, err)
		return 0
	}
	n := m.DeliverLocal(room, except, frame)
	if m.opts.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.PublishTimeout)
		defer cancel()
		if err := m.opts.Bus.Publish(ctx, m.Topic(room), except, frame); err != nil {
			glog.Warningf("[%s] publish %s to bus: %v", m.opts.Namespace, room, err)
		}
	}
	return n
}

// DeliverLocal hands frame to local members of room, skipping except.
func (m *Manager) DeliverLocal(room, except string, frame []byte) int {
	m.mu.Lock()
	targets := make([]Peer, 0, len(m.rooms[room]))
	for id, mb := range m.rooms[room] {
		if id == except {
			continue
		}
		targets = append(targets, mb.peer)
	}
	m.mu.Unlock()

	delivered := 0
	for _, p := range targets {
		if p.Send(frame) {
			delivered++
		} else {
			glog.V(1).Infof("[%s] dropped frame for slow peer %s in %s", m.opts.Namespace, p.ID(), room)
		}
	}
	return delivered
}

// Topic is the bus topic for room.
func (m *Manager) Topic(room string) string {
	return m.opts.Namespace + ":" + room
}

// HandleBus delivers a frame received from another instance. It reports
// false when the topic belongs to a different namespace.
func (m *Manager) HandleBus(topic, from string, frame []byte) bool {
	room, ok := strings.CutPrefix(topic, m.opts.Namespace+":")
	if !ok || room == "" {
		return false
	}
	m.DeliverLocal(room, from, frame)
	return true
}

func (m *Manager) IsMember(connID, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rooms[room][connID]
	return ok
}

// Members returns the roster of room ordered by connection id.
func (m *Manager) Members(room string) []Member {
	m.mu.Lock()
	defer m.mu.Unlock()
	return membersLocked(m.rooms[room])
}

// RoomsOf lists the rooms connID currently belongs to.
func (m *Manager) RoomsOf(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[connID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(conn.rooms))
	for room := range conn.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Snapshot lists every non-empty room with its roster.
func (m *Manager) Snapshot() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.rooms))
	for name, members := range m.rooms {
		out = append(out, Info{Name: name, Members: membersLocked(members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func membersLocked(members map[string]*membership) []Member {
	out := make([]Member, 0, len(members))
	for id, mb := range members {
		out = append(out, Member{ConnectionID: id, PeerLabel: mb.label})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}
