package client

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/golang/glog"

	"collabtext/internal/presence"
)

type EditorOptions struct {
	Cursor presence.BroadcasterOptions
}

// Editor is one editor instance mounted on a shared room. It owns its own
// cursor throttle and heartbeat; the document and connection are shared.
type Editor struct {
	handle *Handle
	cursor *presence.Broadcaster
	once   sync.Once
}

// Open acquires key and mounts an editor on it.
func (r *Registry) Open(key RoomKey, opts EditorOptions) (*Editor, error) {
	h, err := r.Acquire(key)
	if err != nil {
		return nil, err
	}
	return &Editor{
		handle: h,
		cursor: presence.NewBroadcaster(h.Presence(), opts.Cursor),
	}, nil
}

func (e *Editor) Handle() *Handle { return e.handle }

// MoveCaret maps a caret or selection over blocks and queues it for
// broadcast. It reports false when the caret lies outside the content.
func (e *Editor) MoveCaret(blocks []presence.Block, anchor, head int) bool {
	c, ok := presence.MapCaret(blocks, anchor, head)
	if !ok {
		return false
	}
	e.cursor.Move(c)
	return true
}

// Close cancels the editor's timers before releasing its reference, so no
// late timer touches a disposed resource. A cursor this editor published is
// withdrawn; one published since by another editor on the room stays.
func (e *Editor) Close() {
	e.once.Do(func() {
		e.cursor.Stop()
		if e.ownsCursor() {
			if err := e.handle.Presence().ClearCursor(); err != nil {
				glog.Warningf("[editor] clear cursor: %v", err)
			}
		}
		e.handle.Release()
	})
}

func (e *Editor) ownsCursor() bool {
	last, ok := e.cursor.Last()
	if !ok {
		return false
	}
	current, ok := e.handle.Presence().LocalField(presence.FieldCursor)
	if !ok {
		return false
	}
	mine, err := json.Marshal(last)
	return err == nil && bytes.Equal(mine, current)
}
