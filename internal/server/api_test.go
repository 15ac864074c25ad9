package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/events"
	"collabtext/internal/protocol"
	"collabtext/internal/room"
	"collabtext/internal/versions"
)

func newAPIHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		rooms: room.NewManager(room.Options{DisableNotices: true}),
		docs:  room.NewManager(room.Options{Namespace: "document", DisableNotices: true}),
	}
	relay := events.NewRelay(h.docs)
	svc := versions.NewService(versions.NewMemoryStore(), versions.Options{Notifier: relay})
	h.srv = New(Options{Rooms: h.rooms, Documents: h.docs, Relay: relay, Versions: svc})
	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(func() {
		h.http.Close()
		h.srv.Close()
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, h.http.URL+path, rd)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	status, body := h.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok","clients":0}`, string(body))
}

func TestListRooms(t *testing.T) {
	h := newAPIHarness(t)
	x := h.dial(t)
	h.joinRoom(t, x, "team-7", "ana", 1)

	status, body := h.do(t, http.MethodGet, "/v1/rooms", nil)
	require.Equal(t, http.StatusOK, status)
	rooms := decode[[]room.Info](t, body)
	require.Len(t, rooms, 1)
	assert.Equal(t, "team-7", rooms[0].Name)
	assert.Equal(t, "ana", rooms[0].Members[0].PeerLabel)
}

func TestVersionLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	watcher := h.dial(t)
	h.joinDocument(t, watcher, "D", 1)

	for i := 1; i <= 5; i++ {
		status, body := h.do(t, http.MethodPost, "/v1/documents/D/versions", map[string]string{
			"content": fmt.Sprintf("v%d", i),
			"author":  "ana",
		})
		require.Equal(t, http.StatusCreated, status, string(body))
		assert.Equal(t, i, decode[versions.Version](t, body).Sequence)

		ev := expect(t, watcher).(protocol.DomainEvent)
		assert.Equal(t, protocol.KindVersionCreated, ev.Event)
		assert.Equal(t, i, decode[versions.Summary](t, ev.Payload).Sequence)
	}

	status, body := h.do(t, http.MethodPost, "/v1/documents/D/versions/3/restore", map[string]string{"author": "bo"})
	require.Equal(t, http.StatusCreated, status, string(body))
	restored := decode[versions.Version](t, body)
	assert.Equal(t, 6, restored.Sequence)
	assert.Equal(t, "v3", restored.Content)
	assert.Equal(t, protocol.KindVersionRestored, expect(t, watcher).Kind())

	status, body = h.do(t, http.MethodGet, "/v1/documents/D/versions", nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[[]versions.Version](t, body)
	require.Len(t, list, 6)
	for i, v := range list[:5] {
		assert.Equal(t, fmt.Sprintf("v%d", i+1), v.Content)
	}

	status, body = h.do(t, http.MethodGet, "/v1/documents/D/versions/3", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "v3", decode[versions.Version](t, body).Content)
}

func TestVersionErrors(t *testing.T) {
	h := newAPIHarness(t)
	for _, doc := range []string{"D", "E"} {
		status, _ := h.do(t, http.MethodPost, "/v1/documents/"+doc+"/versions", map[string]string{"content": "x"})
		require.Equal(t, http.StatusCreated, status)
	}

	for _, tc := range []struct {
		name   string
		method string
		path   string
		status int
		code   string
	}{
		{"delete forbidden", http.MethodDelete, "/v1/documents/D/versions/1", http.StatusMethodNotAllowed, "delete_forbidden"},
		{"cross document", http.MethodGet, "/v1/documents/D/compare?from=1&to=1&other=E", http.StatusUnprocessableEntity, "cross_document"},
		{"missing version", http.MethodGet, "/v1/documents/D/versions/9", http.StatusNotFound, "not_found"},
		{"restore missing", http.MethodPost, "/v1/documents/D/versions/9/restore", http.StatusNotFound, "not_found"},
		{"bad compare query", http.MethodGet, "/v1/documents/D/compare?from=one&to=1", http.StatusBadRequest, "invalid_query"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			status, body := h.do(t, tc.method, tc.path, nil)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.code, decode[apiError](t, body).Code)
		})
	}

	status, body := h.do(t, http.MethodGet, "/v1/documents/D/versions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]versions.Version](t, body), 1, "delete left history intact")
}

func TestInvalidSaveBody(t *testing.T) {
	h := newAPIHarness(t)
	req, err := http.NewRequest(http.MethodPost, h.http.URL+"/v1/documents/D/versions", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompareVersions(t *testing.T) {
	h := newAPIHarness(t)
	for _, c := range []string{"hello world", "hello brave world"} {
		status, _ := h.do(t, http.MethodPost, "/v1/documents/D/versions", map[string]string{"content": c})
		require.Equal(t, http.StatusCreated, status)
	}
	status, body := h.do(t, http.MethodGet, "/v1/documents/D/compare?from=1&to=2", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	cmp := decode[versions.Comparison](t, body)
	assert.Equal(t, "D", cmp.DocumentID)
	assert.Equal(t, 1, cmp.From)
	assert.Equal(t, 2, cmp.To)
	assert.NotEmpty(t, cmp.Changes)
}

func TestVersionRoutesAbsentWithoutService(t *testing.T) {
	h := quiet(t)
	status, _ := h.do(t, http.MethodGet, "/v1/documents/D/versions", nil)
	assert.Equal(t, http.StatusNotFound, status)
}
