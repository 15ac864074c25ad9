// Package events relays document-scoped domain events (comments, versions,
// user status) to every connection watching a document.
//
// Groups are keyed "document-{documentId}" and are independent of the CRDT
// rooms, which are keyed "{roomName}-{documentId}" by the client.
package events

import (
	"encoding/json"
	"fmt"

	"github.com/golang/glog"

	"collabtext/internal/protocol"
	"collabtext/internal/room"
)

// Groups is the subset of room.Manager the relay needs.
type Groups interface {
	Join(peer room.Peer, group, label string)
	Leave(connID, group string)
	Disconnect(connID string)
	IsMember(connID, group string) bool
	Broadcast(group, except string, msg protocol.Message) int
}

type Relay struct {
	groups Groups
}

func NewRelay(groups Groups) *Relay {
	return &Relay{groups: groups}
}

// Group returns the broadcast group for a document.
func Group(documentID string) string {
	return "document-" + documentID
}

func (r *Relay) JoinDocument(peer room.Peer, documentID string) {
	if documentID == "" {
		return
	}
	r.groups.Join(peer, Group(documentID), "")
}

func (r *Relay) LeaveDocument(connID, documentID string) {
	r.groups.Leave(connID, Group(documentID))
}

func (r *Relay) Disconnect(connID string) {
	r.groups.Disconnect(connID)
}

// Forward relays an event received from a client connection. The sender
// must already watch the document.
func (r *Relay) Forward(from string, ev protocol.DomainEvent) (int, error) {
	if !ev.Event.IsDomainEvent() {
		return 0, fmt.Errorf("%w: %s is not a domain event", protocol.ErrMalformed, ev.Event)
	}
	group := Group(ev.DocumentID)
	if !r.groups.IsMember(from, group) {
		return 0, room.ErrNotMember
	}
	return r.groups.Broadcast(group, from, ev), nil
}

// Publish emits a server-originated event to every watcher of documentID.
func (r *Relay) Publish(documentID string, kind protocol.Kind, payload any) error {
	if !kind.IsDomainEvent() {
		return fmt.Errorf("%w: %s is not a domain event", protocol.ErrMalformed, kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	n := r.groups.Broadcast(Group(documentID), "", protocol.DomainEvent{
		Event:      kind,
		DocumentID: documentID,
		Payload:    raw,
	})
	glog.V(1).Infof("[events] %s for %s delivered to %d watchers", kind, documentID, n)
	return nil
}
