package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrMalformed marks a frame that failed boundary validation.
var ErrMalformed = errors.New("malformed message")

//go:embed message.schema.json
var messageSchemaJSON []byte

const messageSchemaURL = "https://collabtext.local/schema/message.json"

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func messageSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(messageSchemaJSON))
		if err != nil {
			schemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(messageSchemaURL, doc); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile(messageSchemaURL)
	})
	return schema, schemaErr
}

// Decode validates a raw frame and returns its typed message. Any failure
// wraps ErrMalformed.
func Decode(frame []byte) (Message, error) {
	sch, err := messageSchema()
	if err != nil {
		return nil, fmt.Errorf("compile message schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg Message
	switch head.Type {
	case KindJoinRoom:
		msg, err = decodeAs[JoinRoom](frame)
	case KindLeaveRoom:
		msg, err = decodeAs[LeaveRoom](frame)
	case KindDocUpdate:
		msg, err = decodeAs[DocUpdate](frame)
	case KindAwarenessUpdate:
		msg, err = decodeAs[AwarenessUpdate](frame)
	case KindSyncRequest:
		msg, err = decodeAs[SyncRequest](frame)
	case KindJoinDocument:
		msg, err = decodeAs[JoinDocument](frame)
	case KindLeaveDocument:
		msg, err = decodeAs[LeaveDocument](frame)
	case KindPeerJoined:
		msg, err = decodeAs[PeerJoined](frame)
	case KindPeerLeft:
		msg, err = decodeAs[PeerLeft](frame)
	default:
		if !head.Type.IsDomainEvent() {
			return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, head.Type)
		}
		var ev DomainEvent
		ev, err = decodeAs[DomainEvent](frame)
		ev.Event = head.Type
		msg = ev
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

func decodeAs[T any](frame []byte) (T, error) {
	var v T
	err := json.Unmarshal(frame, &v)
	return v, err
}
