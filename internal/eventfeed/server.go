// Package eventfeed streams working copy state changes to WebSocket clients.
package eventfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"docsync/internal/logging"
	"docsync/internal/workingcopy"
)

// MessageTypeHello is sent to every client right after it connects.
const MessageTypeHello = "hello"

// State is the flag set of a working copy at the time of a message.
type State struct {
	Dirty       bool  `json:"dirty"`
	Conflict    bool  `json:"conflict"`
	Error       bool  `json:"error"`
	Orphaned    bool  `json:"orphaned"`
	PendingSave bool  `json:"pendingSave"`
	Readonly    bool  `json:"readonly"`
	VersionID   int64 `json:"versionId"`
}

// Message is one broadcast. Type is a working copy event name such as
// "save" or "save_error", or MessageTypeHello.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Resource  string    `json:"resource,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	State     *State    `json:"state,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Actions   []string  `json:"actions,omitempty"`
}

// WorkingCopyInfo is one entry of /api/working-copies.
type WorkingCopyInfo struct {
	Resource string `json:"resource"`
	Resolved bool   `json:"resolved"`
	State    State  `json:"state"`
}

func stateOf(snap workingcopy.Snapshot) State {
	return State{
		Dirty:       snap.Dirty,
		Conflict:    snap.Conflict,
		Error:       snap.Error,
		Orphaned:    snap.Orphaned,
		PendingSave: snap.PendingSave,
		Readonly:    snap.Readonly,
		VersionID:   snap.VersionID,
	}
}

// Server manages WebSocket clients and broadcasts messages to them.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	registryMu sync.RWMutex
	registry   *workingcopy.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server for addr, for example ":7070" or
// "127.0.0.1:0".
func NewServer(addr string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 256),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Handler returns the HTTP routes of the feed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/working-copies", s.handleWorkingCopies)
	return mux
}

// Start listens and serves until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		logging.Infof("Event feed listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("Event feed server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("event feed shutdown: %w", err)
		}
	}
	s.wg.Wait()
	logging.Debugf("Event feed stopped")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Broadcast queues msg for every client. Messages are dropped when the
// queue is full.
func (s *Server) Broadcast(msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		logging.Warnf("Event feed queue full, dropping %s message for %s", msg.Type, msg.Resource)
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				logging.Errorf("Failed to marshal feed message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					logging.Debugf("Failed to send to feed client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// Attach broadcasts the events of every working copy in registry, present
// and future. The returned func detaches.
func (s *Server) Attach(registry *workingcopy.Registry) func() {
	s.registryMu.Lock()
	s.registry = registry
	s.registryMu.Unlock()

	var mu sync.Mutex
	subs := make(map[*workingcopy.WorkingCopy]func())
	attach := func(wc *workingcopy.WorkingCopy) {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := subs[wc]; ok {
			return
		}
		subs[wc] = wc.OnEvent(func(ev workingcopy.Event) {
			s.Broadcast(messageFor(wc, ev))
		})
	}
	detach := func(wc *workingcopy.WorkingCopy) {
		mu.Lock()
		unsub, ok := subs[wc]
		delete(subs, wc)
		mu.Unlock()
		if ok {
			unsub()
		}
	}

	unsubRegister := registry.OnDidRegister(attach)
	unsubUnregister := registry.OnDidUnregister(detach)
	for _, wc := range registry.All() {
		attach(wc)
	}

	return func() {
		unsubRegister()
		unsubUnregister()
		mu.Lock()
		all := subs
		subs = make(map[*workingcopy.WorkingCopy]func())
		mu.Unlock()
		for _, unsub := range all {
			unsub()
		}
	}
}

func messageFor(wc *workingcopy.WorkingCopy, ev workingcopy.Event) Message {
	state := stateOf(wc.StateSnapshot())
	msg := Message{
		ID:        uuid.NewString(),
		Type:      ev.Type.String(),
		Resource:  ev.Resource,
		Timestamp: time.Now(),
		State:     &state,
	}
	switch ev.Type {
	case workingcopy.EventSave:
		msg.Reason = ev.Reason.String()
	case workingcopy.EventSaveError:
		msg.Reason = ev.Reason.String()
		if ev.SaveError != nil {
			msg.Error = ev.SaveError.Error()
			for _, a := range ev.SaveError.Actions {
				msg.Actions = append(msg.Actions, a.String())
			}
		}
	}
	return msg
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		logging.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()
	logging.Debugf("Feed client connected (total: %d)", clientCount)

	hello, _ := json.Marshal(Message{ID: uuid.NewString(), Type: MessageTypeHello, Timestamp: time.Now()})
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	_ = conn.Write(ctx, websocket.MessageText, hello)
	cancel()

	go s.readLoop(conn)
}

// readLoop keeps the connection open until the client goes away. Client
// messages are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	logging.Debugf("Feed client disconnected (total: %d)", clientCount)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleWorkingCopies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.registryMu.RLock()
	registry := s.registry
	s.registryMu.RUnlock()

	infos := []WorkingCopyInfo{}
	if registry != nil {
		for _, wc := range registry.All() {
			snap := wc.StateSnapshot()
			infos = append(infos, WorkingCopyInfo{
				Resource: snap.Resource,
				Resolved: snap.Resolved,
				State:    stateOf(snap),
			})
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(infos)
}
