package server

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/client"
	"collabtext/internal/crdt"
	"collabtext/internal/presence"
	"collabtext/internal/protocol"
	"collabtext/internal/room"
)

func newEditorClient(t *testing.T, h *harness, id, name string) *client.Registry {
	t.Helper()
	r := client.NewRegistry(client.RegistryOptions{
		Endpoint:  "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws",
		Transport: client.WebsocketTransport{},
		ClientID:  id,
		Identity:  presence.Identity{Name: name, Color: "#336699"},
		BaseDelay: 10 * time.Millisecond,
		MaxDelay:  20 * time.Millisecond,
	})
	t.Cleanup(r.Close)
	return r
}

func TestEditorsConverge(t *testing.T) {
	h := newHarness(t, room.Options{JoinNoticeDelay: 10 * time.Millisecond}, nil)
	key := client.RoomKey{RoomName: "team", DocumentID: "7"}

	ana := newEditorClient(t, h, "ana", "Ana")
	a, err := ana.Acquire(key)
	require.NoError(t, err)
	docA := a.Doc().(*crdt.FragmentSet)
	require.NoError(t, docA.Add([]byte("written before bo arrived")))
	require.Eventually(t, func() bool { return len(h.rooms.Members("team-7")) == 1 }, time.Second, 5*time.Millisecond)

	bo := newEditorClient(t, h, "bo", "Bo")
	b, err := bo.Acquire(key)
	require.NoError(t, err)
	docB := b.Doc().(*crdt.FragmentSet)

	// bo's sync-request pulls ana's state
	require.Eventually(t, func() bool { return docB.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, docB.Add([]byte("bo's line")))
	require.Eventually(t, func() bool { return docA.Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, docA.Fragments(), docB.Fragments())

	// presence flows both ways once the join notice re-announces ana
	require.Eventually(t, func() bool {
		peers := b.Presence().Peers()
		return len(peers) == 1 && peers[0].DisplayName == "Ana"
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		peers := a.Presence().Peers()
		return len(peers) == 1 && peers[0].DisplayName == "Bo"
	}, 2*time.Second, 5*time.Millisecond)

	got := make(chan protocol.DomainEvent, 1)
	a.Session().OnEvent(func(ev protocol.DomainEvent) { got <- ev })
	require.Eventually(t, func() bool { return len(h.docs.Members("document-7")) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, b.Session().PublishEvent(protocol.KindCommentCreated, map[string]string{"id": "c1"}))
	select {
	case ev := <-got:
		assert.Equal(t, "7", ev.DocumentID)
	case <-time.After(2 * time.Second):
		t.Fatal("comment event never reached ana")
	}

	b.Release()
	require.Eventually(t, func() bool { return len(a.Presence().Peers()) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, client.Connected, a.Session().State())
}

func TestSessionReconnectsAfterServerDrop(t *testing.T) {
	h := quiet(t)
	key := client.RoomKey{RoomName: "team", DocumentID: "7"}
	ana := newEditorClient(t, h, "ana", "Ana")
	a, err := ana.Acquire(key)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.Session().State() == client.Connected }, 2*time.Second, 5*time.Millisecond)

	states := make(chan client.ConnectionState, 16)
	a.Session().OnStatus(func(ev client.StatusEvent) { states <- ev.State })

	// dropping every server-side connection forces the client to redial
	h.srv.Close()
	next := func() client.ConnectionState {
		select {
		case s := <-states:
			return s
		case <-time.After(2 * time.Second):
			t.Fatal("no status transition")
		}
		return client.Closed
	}
	// events queued before the listener was registered may still arrive
	for next() != client.Disconnected {
	}
	assert.Equal(t, client.Connecting, next())
	assert.Equal(t, client.Connected, next())
	require.Eventually(t, func() bool { return len(h.rooms.Members("team-7")) == 1 }, 2*time.Second, 5*time.Millisecond)
}
