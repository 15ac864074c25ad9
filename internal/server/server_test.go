package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/bus"
	"collabtext/internal/events"
	"collabtext/internal/protocol"
	"collabtext/internal/room"
)

type harness struct {
	srv   *Server
	http  *httptest.Server
	rooms *room.Manager
	docs  *room.Manager
}

func newHarness(t *testing.T, roomOpts room.Options, b room.Bus) *harness {
	t.Helper()
	roomOpts.Bus = b
	h := &harness{
		rooms: room.NewManager(roomOpts),
		docs:  room.NewManager(room.Options{Namespace: "document", DisableNotices: true, Bus: b}),
	}
	h.srv = New(Options{Rooms: h.rooms, Documents: h.docs})
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		h.http.Close()
		h.srv.Close()
	})
	return h
}

func quiet(t *testing.T) *harness {
	return newHarness(t, room.Options{DisableNotices: true}, nil)
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg protocol.Message) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
}

func expect(t *testing.T, conn *websocket.Conn) protocol.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := protocol.Decode(frame)
	require.NoError(t, err)
	return msg
}

func expectNothing(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	_, frame, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", frame)
}

func (h *harness) joinRoom(t *testing.T, conn *websocket.Conn, name, clientID string, members int) {
	t.Helper()
	send(t, conn, protocol.JoinRoom{Room: name, ClientID: clientID})
	require.Eventually(t, func() bool { return len(h.rooms.Members(name)) == members }, time.Second, 5*time.Millisecond)
}

func (h *harness) joinDocument(t *testing.T, conn *websocket.Conn, id string, members int) {
	t.Helper()
	send(t, conn, protocol.JoinDocument{DocumentID: id})
	require.Eventually(t, func() bool { return len(h.docs.Members(events.Group(id))) == members }, time.Second, 5*time.Millisecond)
}

func TestUpdateReachesPeersOnceAndNeverEchoes(t *testing.T) {
	h := quiet(t)
	x, y := h.dial(t), h.dial(t)
	h.joinRoom(t, x, "team-7", "x", 1)
	h.joinRoom(t, y, "team-7", "y", 2)

	u1 := protocol.DocUpdate{Room: "team-7", Update: []byte{1, 2, 3}}
	send(t, x, u1)

	assert.Equal(t, u1, expect(t, y))
	expectNothing(t, y, 100*time.Millisecond)
	expectNothing(t, x, 100*time.Millisecond)
}

func TestRelayKeepsSenderOrder(t *testing.T) {
	h := quiet(t)
	x, y := h.dial(t), h.dial(t)
	h.joinRoom(t, x, "r", "x", 1)
	h.joinRoom(t, y, "r", "y", 2)

	for i := 0; i < 30; i++ {
		send(t, x, protocol.DocUpdate{Room: "r", Update: []byte{byte(i)}})
	}
	for i := 0; i < 30; i++ {
		assert.Equal(t, []byte{byte(i)}, expect(t, y).(protocol.DocUpdate).Update)
	}
}

func TestRelayCarriesAwarenessAndSync(t *testing.T) {
	h := quiet(t)
	x, y := h.dial(t), h.dial(t)
	h.joinRoom(t, x, "r", "x", 1)
	h.joinRoom(t, y, "r", "y", 2)

	aw := protocol.AwarenessUpdate{Room: "r", ClientID: "x", Field: "cursor", Value: json.RawMessage(`{"blockId":"b1","offset":3}`)}
	send(t, x, aw)
	got := expect(t, y).(protocol.AwarenessUpdate)
	assert.Equal(t, "cursor", got.Field)
	assert.JSONEq(t, string(aw.Value), string(got.Value))

	send(t, y, protocol.SyncRequest{Room: "r"})
	assert.Equal(t, protocol.SyncRequest{Room: "r"}, expect(t, x))
}

func TestMalformedFramesAreDropped(t *testing.T) {
	h := quiet(t)
	x, y := h.dial(t), h.dial(t)
	h.joinRoom(t, x, "r", "x", 1)
	h.joinRoom(t, y, "r", "y", 2)

	require.NoError(t, x.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, x.WriteMessage(websocket.TextMessage, []byte(`{"type":"doc-update","room":"r"}`)))
	require.NoError(t, x.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)))
	send(t, x, protocol.DocUpdate{Room: "r", Update: []byte("ok")})

	assert.Equal(t, []byte("ok"), expect(t, y).(protocol.DocUpdate).Update)
	assert.Len(t, h.rooms.Members("r"), 2)
}

func TestNonMembersCannotRelay(t *testing.T) {
	h := quiet(t)
	y, z := h.dial(t), h.dial(t)
	h.joinRoom(t, y, "r", "y", 1)

	send(t, z, protocol.DocUpdate{Room: "r", Update: []byte("intruder")})
	expectNothing(t, y, 100*time.Millisecond)
}

func TestRoomsAreIsolated(t *testing.T) {
	h := quiet(t)
	x, y, z := h.dial(t), h.dial(t), h.dial(t)
	h.joinRoom(t, x, "a", "x", 1)
	h.joinRoom(t, y, "a", "y", 2)
	h.joinRoom(t, z, "b", "z", 1)

	send(t, x, protocol.DocUpdate{Room: "a", Update: []byte("for a")})
	expect(t, y)
	expectNothing(t, z, 100*time.Millisecond)
}

func TestJoinAndLeaveNotices(t *testing.T) {
	h := newHarness(t, room.Options{JoinNoticeDelay: 20 * time.Millisecond}, nil)
	x, y := h.dial(t), h.dial(t)
	h.joinRoom(t, x, "r", "x", 1)
	// let x's own notice fire while it is alone
	time.Sleep(50 * time.Millisecond)
	h.joinRoom(t, y, "r", "y", 2)

	joined, ok := expect(t, x).(protocol.PeerJoined)
	require.True(t, ok)
	assert.Equal(t, "y", joined.ClientID)
	assert.Equal(t, "r", joined.Room)
	expectNothing(t, y, 60*time.Millisecond)

	y.Close()
	left, ok := expect(t, x).(protocol.PeerLeft)
	require.True(t, ok)
	assert.Equal(t, "y", left.ClientID)
	require.Eventually(t, func() bool { return len(h.rooms.Members("r")) == 1 }, time.Second, 5*time.Millisecond)
}

func TestLeaveRoom(t *testing.T) {
	h := quiet(t)
	x, y := h.dial(t), h.dial(t)
	h.joinRoom(t, x, "r", "x", 1)
	h.joinRoom(t, y, "r", "y", 2)

	send(t, y, protocol.LeaveRoom{Room: "r"})
	require.Eventually(t, func() bool { return len(h.rooms.Members("r")) == 1 }, time.Second, 5*time.Millisecond)
	send(t, x, protocol.DocUpdate{Room: "r", Update: []byte("after leave")})
	expectNothing(t, y, 100*time.Millisecond)
}

func TestDomainEventsFollowDocumentGroups(t *testing.T) {
	h := quiet(t)
	x, y, z := h.dial(t), h.dial(t), h.dial(t)
	h.joinDocument(t, x, "42", 1)
	h.joinDocument(t, y, "42", 2)
	// z shares the CRDT room of document 42 but does not watch its events
	h.joinRoom(t, z, "team-42", "z", 1)

	ev := protocol.DomainEvent{Event: protocol.KindCommentCreated, DocumentID: "42", Payload: json.RawMessage(`{"id":"c1"}`)}
	send(t, x, ev)
	got := expect(t, y).(protocol.DomainEvent)
	assert.Equal(t, protocol.KindCommentCreated, got.Event)
	assert.JSONEq(t, `{"id":"c1"}`, string(got.Payload))

	// server-originated events reach every watcher, the sender of the
	// earlier event included, and nothing was echoed before them
	require.NoError(t, h.srv.Relay().Publish("42", protocol.KindUserStatusUpdate, map[string]string{"user": "ana"}))
	assert.Equal(t, protocol.KindUserStatusUpdate, expect(t, x).Kind())
	assert.Equal(t, protocol.KindUserStatusUpdate, expect(t, y).Kind())
	expectNothing(t, z, 100*time.Millisecond)

	send(t, y, protocol.LeaveDocument{DocumentID: "42"})
	require.Eventually(t, func() bool { return len(h.docs.Members(events.Group("42"))) == 1 }, time.Second, 5*time.Millisecond)
}

func TestDomainEventFromNonWatcherIsDropped(t *testing.T) {
	h := quiet(t)
	x, y := h.dial(t), h.dial(t)
	h.joinDocument(t, y, "42", 1)
	send(t, x, protocol.DomainEvent{Event: protocol.KindCommentResolved, DocumentID: "42"})
	expectNothing(t, y, 100*time.Millisecond)
}

func TestDisconnectLeavesEverything(t *testing.T) {
	h := quiet(t)
	x := h.dial(t)
	h.joinRoom(t, x, "r", "x", 1)
	h.joinDocument(t, x, "42", 1)
	require.Eventually(t, func() bool { return h.srv.Clients() == 1 }, time.Second, 5*time.Millisecond)

	x.Close()
	require.Eventually(t, func() bool {
		return h.srv.Clients() == 0 && len(h.rooms.Snapshot()) == 0 && len(h.docs.Snapshot()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRelayAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	start := func() *harness {
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { rdb.Close() })
		b := bus.NewRedis(rdb, "test:")
		h := newHarness(t, room.Options{DisableNotices: true}, b)
		ready := make(chan struct{})
		go b.Run(ctx, h.srv.HandleBus, func() { close(ready) })
		<-ready
		return h
	}
	a, b := start(), start()

	x, y := a.dial(t), b.dial(t)
	a.joinRoom(t, x, "r", "x", 1)
	b.joinRoom(t, y, "r", "y", 1)
	a.joinDocument(t, x, "42", 1)
	b.joinDocument(t, y, "42", 1)

	send(t, x, protocol.DocUpdate{Room: "r", Update: []byte("cross")})
	assert.Equal(t, []byte("cross"), expect(t, y).(protocol.DocUpdate).Update)

	// the first frame x sees is y's event, so its own update never came back
	send(t, y, protocol.DomainEvent{Event: protocol.KindCommentUpdated, DocumentID: "42"})
	assert.Equal(t, protocol.KindCommentUpdated, expect(t, x).Kind())
	expectNothing(t, y, 100*time.Millisecond)
}
