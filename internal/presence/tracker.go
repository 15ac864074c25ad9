// Package presence keeps ephemeral per-peer awareness state: who is in the
// document, their colour, and where their cursor is.
//
// Local state is one map of fields; every update is a partial merge into
// it, so concurrent identity and cursor updates cannot lose each other.
// Remote state is a full table keyed by peer id from which the rendered
// peer list is rebuilt wholesale on every change.
package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

const (
	FieldUser   = "user"
	FieldCursor = "cursor"

	// StaleAfter is how old a cursor may be before renderers hide it.
	StaleAfter = 5 * time.Minute
)

// Publisher sends one local field to the peers of the connection.
type Publisher interface {
	PublishAwareness(field string, value json.RawMessage)
}

type Identity struct {
	Name   string `json:"name"`
	Color  string `json:"color"`
	Avatar string `json:"avatar,omitempty"`
}

type Position struct {
	BlockID string `json:"blockId"`
	Offset  int    `json:"offset"`
}

type Selection struct {
	Anchor Position `json:"anchor"`
	Head   Position `json:"head"`
}

type Cursor struct {
	BlockID   string     `json:"blockId"`
	Offset    int        `json:"offset"`
	Selection *Selection `json:"selection,omitempty"`
	// Timestamp is unix milliseconds at publish time.
	Timestamp int64 `json:"timestamp"`
}

func (c Cursor) Time() time.Time { return time.UnixMilli(c.Timestamp) }

// Entry is the renderable view of one remote peer.
type Entry struct {
	PeerID      string
	DisplayName string
	Color       string
	AvatarRef   string
	Cursor      *Cursor
}

func (e Entry) HasCursor() bool { return e.Cursor != nil }

// Stale reports whether the entry's cursor is older than StaleAfter.
func (e Entry) Stale(now time.Time) bool {
	return e.Cursor != nil && now.Sub(e.Cursor.Time()) > StaleAfter
}

type Tracker struct {
	self string

	mu        sync.Mutex
	local     map[string]json.RawMessage
	remote    map[string]map[string]json.RawMessage
	publisher Publisher
	listeners map[int]func([]Entry)
	nextID    int
}

func NewTracker(self string) *Tracker {
	return &Tracker{
		self:      self,
		local:     map[string]json.RawMessage{},
		remote:    map[string]map[string]json.RawMessage{},
		listeners: map[int]func([]Entry){},
	}
}

func (t *Tracker) Self() string { return t.self }

func (t *Tracker) SetPublisher(p Publisher) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publisher = p
}

// SetLocal merges one field into local state and publishes it.
func (t *Tracker) SetLocal(field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.local[field] = raw
	pub := t.publisher
	t.mu.Unlock()
	if pub != nil {
		pub.PublishAwareness(field, raw)
	}
	return nil
}

func (t *Tracker) SetIdentity(id Identity) error {
	return t.SetLocal(FieldUser, id)
}

// SetCursor publishes c, stamping it with the current time when it carries
// no timestamp.
func (t *Tracker) SetCursor(c Cursor) error {
	if c.Timestamp == 0 {
		c.Timestamp = time.Now().UnixMilli()
	}
	return t.SetLocal(FieldCursor, c)
}

// ClearCursor publishes a null cursor so peers drop it.
func (t *Tracker) ClearCursor() error {
	return t.SetLocal(FieldCursor, nil)
}

func (t *Tracker) LocalField(field string) (json.RawMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	raw, ok := t.local[field]
	return raw, ok
}

// RepublishAll re-sends every local field, used when a new peer joins.
func (t *Tracker) RepublishAll() {
	t.mu.Lock()
	pub := t.publisher
	fields := make([]string, 0, len(t.local))
	for f := range t.local {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	values := make([]json.RawMessage, len(fields))
	for i, f := range fields {
		values[i] = t.local[f]
	}
	t.mu.Unlock()
	if pub == nil {
		return
	}
	for i, f := range fields {
		pub.PublishAwareness(f, values[i])
	}
}

// ApplyRemote records one field published by peerID. A null value removes
// the field.
func (t *Tracker) ApplyRemote(peerID, field string, value json.RawMessage) {
	if peerID == "" || peerID == t.self {
		return
	}
	t.mu.Lock()
	state, ok := t.remote[peerID]
	if !ok {
		state = map[string]json.RawMessage{}
		t.remote[peerID] = state
	}
	if len(value) == 0 || string(value) == "null" {
		delete(state, field)
	} else {
		state[field] = append(json.RawMessage(nil), value...)
	}
	t.mu.Unlock()
	t.changed()
}

func (t *Tracker) RemovePeer(peerID string) {
	t.mu.Lock()
	_, ok := t.remote[peerID]
	delete(t.remote, peerID)
	t.mu.Unlock()
	if ok {
		t.changed()
	}
}

// ClearRemote forgets every peer, used when the connection drops.
func (t *Tracker) ClearRemote() {
	t.mu.Lock()
	n := len(t.remote)
	t.remote = map[string]map[string]json.RawMessage{}
	t.mu.Unlock()
	if n > 0 {
		t.changed()
	}
}

// Peers rebuilds the full peer list from the remote table. Stale cursors
// are kept here; use VisibleCursors for rendering.
func (t *Tracker) Peers() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peersLocked()
}

func (t *Tracker) peersLocked() []Entry {
	out := make([]Entry, 0, len(t.remote))
	for id, state := range t.remote {
		if id == t.self {
			continue
		}
		e := Entry{PeerID: id}
		if raw, ok := state[FieldUser]; ok {
			var ident Identity
			if json.Unmarshal(raw, &ident) == nil {
				e.DisplayName = ident.Name
				e.Color = ident.Color
				e.AvatarRef = ident.Avatar
			}
		}
		if raw, ok := state[FieldCursor]; ok {
			var c Cursor
			if json.Unmarshal(raw, &c) == nil && c.BlockID != "" {
				e.Cursor = &c
			}
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// VisibleCursors returns the peers whose cursor should be drawn at now.
func (t *Tracker) VisibleCursors(now time.Time) []Entry {
	return VisibleCursors(t.Peers(), now)
}

func VisibleCursors(entries []Entry, now time.Time) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.HasCursor() && !e.Stale(now) {
			out = append(out, e)
		}
	}
	return out
}

// OnChange registers fn to receive the rebuilt peer list after every
// remote change.
func (t *Tracker) OnChange(fn func([]Entry)) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.listeners, id)
	}
}

func (t *Tracker) changed() {
	t.mu.Lock()
	peers := t.peersLocked()
	fns := make([]func([]Entry), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn(peers)
	}
}
