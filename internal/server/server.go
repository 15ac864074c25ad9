// Package server exposes the sync layer over HTTP: the /ws websocket
// endpoint that carries room and domain-event traffic, and a small JSON API
// for health, room rosters and version history.
package server

import (
	"net/http"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"collabtext/internal/events"
	"collabtext/internal/protocol"
	"collabtext/internal/room"
	"collabtext/internal/versions"
)

const DefaultSendBuffer = 256

type Options struct {
	// Rooms carries CRDT and awareness traffic.
	Rooms *room.Manager
	// Documents backs the domain event relay; it must be a different
	// manager than Rooms so the two keying schemes never share a group.
	Documents *room.Manager
	// Relay defaults to a relay over Documents.
	Relay *events.Relay
	// Versions enables the version history API when set.
	Versions   *versions.Service
	SendBuffer int
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(*http.Request) bool
}

type Server struct {
	rooms    *room.Manager
	docs     *room.Manager
	relay    *events.Relay
	versions *versions.Service
	buffer   int
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[string]*Client
	wg      sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.Rooms == nil {
		opts.Rooms = room.NewManager(room.Options{Namespace: "room"})
	}
	if opts.Documents == nil {
		opts.Documents = room.NewManager(room.Options{Namespace: "document", DisableNotices: true})
	}
	if opts.Relay == nil {
		opts.Relay = events.NewRelay(opts.Documents)
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		rooms:    opts.Rooms,
		docs:     opts.Documents,
		relay:    opts.Relay,
		versions: opts.Versions,
		buffer:   opts.SendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
		clients: map[string]*Client{},
	}
}

// Relay is the domain event relay for server-originated events.
func (s *Server) Relay() *events.Relay { return s.relay }

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.serveWs)
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/rooms", s.listRooms).Methods(http.MethodGet)
	if s.versions != nil {
		s.versionRoutes(r.PathPrefix("/v1/documents/{id}").Subrouter())
	}
	return r
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.V(1).Infof("[server] upgrade from %s: %v", r.RemoteAddr, err)
		return
	}
	c := newClient(uuid.NewString(), conn, s.buffer)

	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()
	glog.Infof("[server] %s connected from %s (%d clients)", c.id, r.RemoteAddr, n)

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump(s.dispatch)
		s.drop(c)
	}()
}

func (s *Server) drop(c *Client) {
	s.rooms.Disconnect(c.id)
	s.relay.Disconnect(c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()
	glog.Infof("[server] %s disconnected (%d clients)", c.id, n)
}

// dispatch routes one inbound frame. Anything malformed or misaddressed is
// dropped without affecting the connection or the room.
func (s *Server) dispatch(c *Client, frame []byte) {
	msg, err := protocol.Decode(frame)
	if err != nil {
		glog.V(1).Infof("[server] %s dropping frame: %v", c.id, err)
		return
	}
	switch m := msg.(type) {
	case protocol.JoinRoom:
		s.rooms.Join(c, m.Room, m.ClientID)
	case protocol.LeaveRoom:
		s.rooms.Leave(c.id, m.Room)
	case protocol.DocUpdate, protocol.AwarenessUpdate, protocol.SyncRequest:
		target := protocol.Room(m)
		if _, err := s.rooms.Relay(c.id, target, m); err != nil {
			glog.V(1).Infof("[server] %s %s to %s: %v", c.id, m.Kind(), target, err)
		}
	case protocol.JoinDocument:
		s.relay.JoinDocument(c, m.DocumentID)
	case protocol.LeaveDocument:
		s.relay.LeaveDocument(c.id, m.DocumentID)
	case protocol.DomainEvent:
		if _, err := s.relay.Forward(c.id, m); err != nil {
			glog.V(1).Infof("[server] %s %s for %s: %v", c.id, m.Event, m.DocumentID, err)
		}
	default:
		glog.V(1).Infof("[server] %s sent server-only %s", c.id, msg.Kind())
	}
}

// HandleBus delivers a frame from another instance to whichever manager
// owns its topic.
func (s *Server) HandleBus(topic, from string, frame []byte) {
	if s.rooms.HandleBus(topic, from, frame) {
		return
	}
	if !s.docs.HandleBus(topic, from, frame) {
		glog.V(1).Infof("[server] no manager for bus topic %s", topic)
	}
}

func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Close disconnects every client and waits for their pumps to exit.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	s.wg.Wait()
}
