// Package conn tracks live WebSocket connections and the document
// rooms they belong to.
package conn

import (
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// UserConnection wraps one socket; UserID is empty until the socket
// authenticates. A connection belongs to at most one DocumentRoom at
// any instant.
type UserConnection struct {
	ID       string
	UserID   string
	Conn     *websocket.Conn
	Send     chan []byte
	mu       sync.Mutex
	doc      string
	lastSeen int64
}

func newUserConnection(id, userID string, wsConn *websocket.Conn) *UserConnection {
	return &UserConnection{
		ID:     id,
		UserID: userID,
		Conn:   wsConn,
		Send:   make(chan []byte, 256),
	}
}

// CurrentDocument returns the id of the room this connection currently
// belongs to, and false if it isn't in any room.
func (u *UserConnection) CurrentDocument() (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.doc == "" {
		return "", false
	}
	return u.doc, true
}

// DocumentRoom is the set of connections collaborating on one document.
type DocumentRoom struct {
	DocumentID  string
	connections map[string]*UserConnection
}

// Manager is the server-side connection and room registry. A single
// Manager instance is shared by every WebSocketServer handler
// goroutine; all mutation happens under mu.
type Manager struct {
	mu          sync.RWMutex
	connections map[string]*UserConnection
	rooms       map[string]*DocumentRoom
	logger      *zap.Logger
}

// NewManager constructs an empty connection registry.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		connections: make(map[string]*UserConnection),
		rooms:       make(map[string]*DocumentRoom),
		logger:      logger,
	}
}

// AddConnection registers a socket and returns its handle. Registration
// does not wait for authentication: WebSocketServer registers every
// socket on upgrade, with an empty userID, and sets UserID once its
// AUTH frame is accepted.
func (m *Manager) AddConnection(id, userID string, wsConn *websocket.Conn) *UserConnection {
	uc := newUserConnection(id, userID, wsConn)

	m.mu.Lock()
	m.connections[id] = uc
	m.mu.Unlock()

	m.logger.Debug("connection registered", zap.String("connectionId", id), zap.String("userId", userID))
	return uc
}

// RemoveConnection tears down a connection and evicts it from the room
// it had joined, if any.
func (m *Manager) RemoveConnection(id string) {
	m.mu.Lock()
	uc, ok := m.connections[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.connections, id)

	uc.mu.Lock()
	docID := uc.doc
	uc.doc = ""
	uc.mu.Unlock()

	if docID != "" {
		if room, ok := m.rooms[docID]; ok {
			delete(room.connections, id)
			if len(room.connections) == 0 {
				delete(m.rooms, docID)
			}
		}
	}
	m.mu.Unlock()

	close(uc.Send)
	m.logger.Debug("connection removed", zap.String("connectionId", id))
}

// JoinDocument adds a connection to a document room, creating the room
// if this is the first member. A connection belongs to at most one
// room: if it is already a member of a different document, it is
// evicted from that room first.
func (m *Manager) JoinDocument(connID, documentID string) *UserConnection {
	m.mu.Lock()
	defer m.mu.Unlock()

	uc, ok := m.connections[connID]
	if !ok {
		return nil
	}

	uc.mu.Lock()
	prevDoc := uc.doc
	uc.mu.Unlock()

	if prevDoc != "" && prevDoc != documentID {
		m.leaveLocked(connID, prevDoc)
	}

	room, ok := m.rooms[documentID]
	if !ok {
		room = &DocumentRoom{DocumentID: documentID, connections: make(map[string]*UserConnection)}
		m.rooms[documentID] = room
	}
	room.connections[connID] = uc

	uc.mu.Lock()
	uc.doc = documentID
	uc.mu.Unlock()

	return uc
}

// LeaveDocument removes a connection from a room, tearing the room
// down once it is empty. A no-op if the connection is not currently in
// documentID.
func (m *Manager) LeaveDocument(connID, documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaveLocked(connID, documentID)
}

// leaveLocked removes connID from documentID's room and clears the
// connection's current-document marker. Callers must hold m.mu.
func (m *Manager) leaveLocked(connID, documentID string) {
	if room, ok := m.rooms[documentID]; ok {
		delete(room.connections, connID)
		if len(room.connections) == 0 {
			delete(m.rooms, documentID)
		}
	}

	if uc, ok := m.connections[connID]; ok {
		uc.mu.Lock()
		if uc.doc == documentID {
			uc.doc = ""
		}
		uc.mu.Unlock()
	}
}

// GetConnection looks up a connection by its id.
func (m *Manager) GetConnection(connID string) (*UserConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uc, ok := m.connections[connID]
	return uc, ok
}

// GetDocumentConnections snapshots the current members of a room.
func (m *Manager) GetDocumentConnections(documentID string) []*UserConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[documentID]
	if !ok {
		return nil
	}
	out := make([]*UserConnection, 0, len(room.connections))
	for _, uc := range room.connections {
		out = append(out, uc)
	}
	return out
}

// GetDocumentUserCount reports the number of distinct users present
// (a user may hold more than one connection to the same document).
func (m *Manager) GetDocumentUserCount(documentID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[documentID]
	if !ok {
		return 0
	}
	users := make(map[string]struct{}, len(room.connections))
	for _, uc := range room.connections {
		users[uc.UserID] = struct{}{}
	}
	return len(users)
}

// BroadcastToDocument fans a frame out to every connection in a room
// except excludeConnID (pass "" to include everyone). Sends are
// non-blocking: a connection whose buffer is full is dropped and
// evicted rather than blocking the whole room.
func (m *Manager) BroadcastToDocument(documentID, excludeConnID string, payload []byte) {
	m.mu.RLock()
	room, ok := m.rooms[documentID]
	if !ok {
		m.mu.RUnlock()
		return
	}
	targets := make([]*UserConnection, 0, len(room.connections))
	for id, uc := range room.connections {
		if id == excludeConnID {
			continue
		}
		targets = append(targets, uc)
	}
	m.mu.RUnlock()

	for _, uc := range targets {
		select {
		case uc.Send <- payload:
		default:
			m.logger.Warn("dropping slow connection", zap.String("connectionId", uc.ID))
			go m.RemoveConnection(uc.ID)
		}
	}
}

// Send delivers a frame to exactly one connection, dropping it the
// same way BroadcastToDocument does if the send buffer is full.
func (m *Manager) Send(connID string, payload []byte) {
	m.mu.RLock()
	uc, ok := m.connections[connID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case uc.Send <- payload:
	default:
		m.logger.Warn("dropping slow connection", zap.String("connectionId", connID))
		go m.RemoveConnection(connID)
	}
}
