// Package protocol defines the messages exchanged between editor clients
// and the sync server.
//
// Every frame is a JSON object carrying a "type" discriminator. Binary CRDT
// updates travel as base64 strings and are never interpreted here.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates a frame on the wire.
type Kind string

const (
	KindJoinRoom        Kind = "join-room"
	KindLeaveRoom       Kind = "leave-room"
	KindDocUpdate       Kind = "doc-update"
	KindAwarenessUpdate Kind = "awareness-update"
	KindSyncRequest     Kind = "sync-request"

	KindJoinDocument  Kind = "join-document"
	KindLeaveDocument Kind = "leave-document"

	KindCommentCreated   Kind = "comment-created"
	KindCommentUpdated   Kind = "comment-updated"
	KindCommentResolved  Kind = "comment-resolved"
	KindVersionCreated   Kind = "version-created"
	KindVersionRestored  Kind = "version-restored"
	KindUserStatusUpdate Kind = "user-status-update"

	// Server to client only.
	KindPeerJoined Kind = "peer-joined"
	KindPeerLeft   Kind = "peer-left"
)

// IsDomainEvent reports whether k is a document-scoped domain event that is
// relayed on the document-{id} groups rather than the CRDT room.
func (k Kind) IsDomainEvent() bool {
	switch k {
	case KindCommentCreated, KindCommentUpdated, KindCommentResolved,
		KindVersionCreated, KindVersionRestored, KindUserStatusUpdate:
		return true
	}
	return false
}

// Message is implemented by every frame payload.
type Message interface {
	Kind() Kind
}

type JoinRoom struct {
	Room     string `json:"room"`
	ClientID string `json:"clientId"`
}

type LeaveRoom struct {
	Room string `json:"room"`
}

// DocUpdate carries one opaque CRDT update fragment.
type DocUpdate struct {
	Room   string `json:"room"`
	Update []byte `json:"update"`
}

// AwarenessUpdate carries a single presence field for one peer.
type AwarenessUpdate struct {
	Room     string          `json:"room"`
	ClientID string          `json:"clientId"`
	Field    string          `json:"field"`
	Value    json.RawMessage `json:"value"`
}

type SyncRequest struct {
	Room string `json:"room"`
}

type JoinDocument struct {
	DocumentID string `json:"documentId"`
}

type LeaveDocument struct {
	DocumentID string `json:"documentId"`
}

// DomainEvent is a comment/version/status notification scoped to a document.
type DomainEvent struct {
	Event      Kind            `json:"-"`
	DocumentID string          `json:"documentId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

type PeerJoined struct {
	Room         string `json:"room"`
	ClientID     string `json:"clientId"`
	ConnectionID string `json:"connectionId"`
}

type PeerLeft struct {
	Room         string `json:"room"`
	ClientID     string `json:"clientId"`
	ConnectionID string `json:"connectionId"`
}

func (JoinRoom) Kind() Kind        { return KindJoinRoom }
func (LeaveRoom) Kind() Kind       { return KindLeaveRoom }
func (DocUpdate) Kind() Kind       { return KindDocUpdate }
func (AwarenessUpdate) Kind() Kind { return KindAwarenessUpdate }
func (SyncRequest) Kind() Kind     { return KindSyncRequest }
func (JoinDocument) Kind() Kind    { return KindJoinDocument }
func (LeaveDocument) Kind() Kind   { return KindLeaveDocument }
func (e DomainEvent) Kind() Kind   { return e.Event }
func (PeerJoined) Kind() Kind      { return KindPeerJoined }
func (PeerLeft) Kind() Kind        { return KindPeerLeft }

// Encode renders m as a JSON frame with its "type" discriminator first.
func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}
	kind := m.Kind()
	if kind == "" {
		return nil, fmt.Errorf("%w: message without kind", ErrMalformed)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	head := `{"type":"` + string(kind) + `"`
	if len(body) <= 2 {
		return []byte(head + "}"), nil
	}
	frame := make([]byte, 0, len(head)+len(body))
	frame = append(frame, head...)
	frame = append(frame, ',')
	frame = append(frame, body[1:]...)
	return frame, nil
}

// Room returns the CRDT room a message targets, or "" when it has none.
func Room(m Message) string {
	switch v := m.(type) {
	case JoinRoom:
		return v.Room
	case LeaveRoom:
		return v.Room
	case DocUpdate:
		return v.Room
	case AwarenessUpdate:
		return v.Room
	case SyncRequest:
		return v.Room
	case PeerJoined:
		return v.Room
	case PeerLeft:
		return v.Room
	}
	return ""
}
