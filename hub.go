package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Message types of the collaboration protocol. The tagged union is shared by
// both directions: clients send mutations, the server sends the initial
// replay and relays committed mutations.
const (
	msgAllAnnotations    = "all_annotations"
	msgNewAnnotation     = "new_annotation"
	msgDeleteAnnotation  = "delete_annotation"
	msgClearAnnotations  = "clear_annotations"
	msgViewedState       = "viewed_state"
	msgUpdateViewedState = "update_viewed_state"
)

type hubMessage struct {
	Type        string          `json:"type"`
	FilePath    string          `json:"filePath,omitempty"`
	Annotations []annotation    `json:"annotations,omitempty"`
	Annotation  *annotation     `json:"annotation,omitempty"`
	ID          string          `json:"id,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
}

// session is one live client connection. It holds nothing beyond the
// subscribed document path and its outbound queue; everything durable lives
// in the store.
type session struct {
	id       string
	filePath string
	conn     *websocket.Conn
	send     chan hubMessage
}

// hub owns the durable collaboration store and fans committed mutations out
// to every session viewing the same document. Broadcasting happens strictly
// after the durable write: a slow client can only delay or lose delivery,
// never durability.
type hub struct {
	store *collabStore

	// storeMu serializes all store access. Critical sections are short
	// and synchronous; no connection I/O happens under it.
	storeMu sync.Mutex

	mu       sync.Mutex
	sessions map[*session]bool
}

func newHub(store *collabStore) *hub {
	return &hub{
		store:    store,
		sessions: make(map[*session]bool),
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.HasSuffix(origin, "//"+r.Host)
	},
}

// handleWS upgrades the connection and runs the session protocol: the first
// client frame must be the bare path of the viewed document, the server
// replays stored state, and from then on mutations flow in and committed
// events flow out until either side disconnects.
func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}

	filePath, ok := readSubscription(conn)
	if !ok {
		conn.Close()
		return
	}

	s := &session{
		id:       uuid.NewString(),
		filePath: filePath,
		conn:     conn,
		send:     make(chan hubMessage, 32),
	}

	if !h.replay(s) {
		conn.Close()
		return
	}

	h.mu.Lock()
	h.sessions[s] = true
	count := len(h.sessions)
	h.mu.Unlock()
	log.Printf("Session %s joined %s (%d connected)", s.id, filePath, count)

	go s.writePump()
	h.readLoop(s)
	h.unregister(s)
}

// readSubscription reads the first frame: the viewed file path as a bare
// string. A missing or empty frame aborts the connection.
func readSubscription(conn *websocket.Conn) (string, bool) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", false
	}
	filePath := strings.TrimSpace(string(raw))
	// Tolerate clients that JSON-encode the path string.
	if strings.HasPrefix(filePath, `"`) {
		var decoded string
		if json.Unmarshal(raw, &decoded) == nil {
			filePath = strings.TrimSpace(decoded)
		}
	}
	if filePath == "" || strings.HasPrefix(filePath, "{") {
		log.Printf("Rejecting session: first frame is not a file path")
		return "", false
	}
	return filePath, true
}

// replay sends the stored annotations and viewed state for the subscribed
// document, in that order, before the session joins the broadcast set.
func (h *hub) replay(s *session) bool {
	h.storeMu.Lock()
	anns, annErr := h.store.annotationsFor(s.filePath)
	state, stateErr := h.store.viewedState(s.filePath)
	h.storeMu.Unlock()

	if annErr != nil || stateErr != nil {
		log.Printf("Cannot replay state for %s: %v %v", s.filePath, annErr, stateErr)
		return false
	}

	if err := s.conn.WriteJSON(hubMessage{
		Type:        msgAllAnnotations,
		FilePath:    s.filePath,
		Annotations: anns,
	}); err != nil {
		return false
	}
	if err := s.conn.WriteJSON(hubMessage{
		Type:     msgViewedState,
		FilePath: s.filePath,
		State:    state,
	}); err != nil {
		return false
	}
	return true
}

func (h *hub) readLoop(s *session) {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg hubMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("Ignoring malformed message on session %s: %v", s.id, err)
			continue
		}
		h.apply(s, msg)
	}
}

// apply persists one client mutation and, only if the write committed,
// broadcasts the event to all sessions viewing the same document.
func (h *hub) apply(s *session, msg hubMessage) {
	// Mutations are scoped to the session's subscribed document, whatever
	// the client claims.
	msg.FilePath = s.filePath

	var err error
	h.storeMu.Lock()
	switch msg.Type {
	case msgNewAnnotation:
		if msg.Annotation == nil || msg.Annotation.ID == "" {
			h.storeMu.Unlock()
			log.Printf("Ignoring %s without annotation id on session %s", msg.Type, s.id)
			return
		}
		msg.Annotation.FilePath = s.filePath
		err = h.store.saveAnnotation(*msg.Annotation)
	case msgDeleteAnnotation:
		if msg.ID == "" {
			h.storeMu.Unlock()
			log.Printf("Ignoring %s without id on session %s", msg.Type, s.id)
			return
		}
		err = h.store.deleteAnnotation(msg.ID)
	case msgClearAnnotations:
		err = h.store.clearAnnotations(s.filePath)
	case msgUpdateViewedState:
		if len(msg.State) == 0 {
			h.storeMu.Unlock()
			log.Printf("Ignoring %s without state on session %s", msg.Type, s.id)
			return
		}
		err = h.store.setViewedState(s.filePath, msg.State)
	default:
		h.storeMu.Unlock()
		log.Printf("Ignoring unknown message type %q on session %s", msg.Type, s.id)
		return
	}
	h.storeMu.Unlock()

	if err != nil {
		// Not persisted, so not propagated. The connection stays up.
		log.Printf("Storage error on %s, broadcast suppressed: %v", msg.Type, err)
		return
	}
	h.broadcast(msg)
}

// broadcast delivers an event to every session subscribed to its document,
// including the originator. A session with a full queue misses the event;
// clients resynchronize through the replay on reconnect.
func (h *hub) broadcast(msg hubMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.sessions {
		if s.filePath != msg.FilePath {
			continue
		}
		select {
		case s.send <- msg:
		default:
			log.Printf("Session %s is slow, dropping %s event", s.id, msg.Type)
		}
	}
}

// unregister removes a session and closes its queue, which in turn ends its
// write pump. Safe to call once per session from the read side.
func (h *hub) unregister(s *session) {
	h.mu.Lock()
	if !h.sessions[s] {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s)
	count := len(h.sessions)
	h.mu.Unlock()

	close(s.send)
	log.Printf("Session %s left %s (%d connected)", s.id, s.filePath, count)
}

// closeAll shuts every live connection down, ending their loops.
func (h *hub) closeAll() {
	h.mu.Lock()
	sessions := make([]*session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.conn.Close()
	}
}

// writePump relays queued events to the client until the queue is closed or
// a write fails. Closing the connection makes the read loop exit too, so
// both halves of the session end together.
func (s *session) writePump() {
	defer s.conn.Close()
	for msg := range s.send {
		if err := s.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
