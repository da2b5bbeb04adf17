// Package wsserver implements the authenticated WebSocket protocol
// endpoint: upgrade, origin checking, the per-socket auth state
// machine, and typed message dispatch over a conn.Manager.
package wsserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/collabtext/realtime-engine/internal/authn"
	"github.com/collabtext/realtime-engine/internal/conn"
	"github.com/collabtext/realtime-engine/internal/models"
	"github.com/collabtext/realtime-engine/internal/opstore"
	"github.com/collabtext/realtime-engine/pkg/clock"
	"github.com/collabtext/realtime-engine/pkg/ot"
)

// connState is the per-socket authentication state machine.
type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
)

// Server wraps a conn.Manager with the authenticated wire protocol:
// connection upgrade, origin checking, typed message dispatch, and
// an explicit auth gate before any document traffic is accepted.
type Server struct {
	manager        *conn.Manager
	validator      authn.Validator
	store          opstore.Store
	allowedOrigins []string
	logger         *zap.Logger
	upgrader       websocket.Upgrader

	mu     sync.Mutex
	states map[string]connState
}

// New builds a Server. store may be nil, in which case SYNC_RESPONSE
// always carries an empty operations slice.
func New(manager *conn.Manager, validator authn.Validator, store opstore.Store, allowedOrigins []string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager:        manager,
		validator:      validator,
		store:          store,
		allowedOrigins: allowedOrigins,
		logger:         logger,
		states:         make(map[string]connState),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// checkOrigin allows when the Origin header is absent, matches the
// allow-list, or the allow-list contains "*".
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// HandleUpgrade upgrades an incoming HTTP request to a WebSocket and
// starts its read/write pumps. Origin rejection surfaces as a plain
// 403, since CheckOrigin failing makes Upgrade write that response
// itself.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade rejected", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	s.mu.Lock()
	s.states[connID] = stateUnauthenticated
	s.mu.Unlock()

	uc := s.manager.AddConnection(connID, "", wsConn)

	go s.writePump(uc)
	s.readPump(connID, uc)
}

func (s *Server) writePump(uc *conn.UserConnection) {
	for payload := range uc.Send {
		if err := uc.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.logger.Debug("write error", zap.String("connectionId", uc.ID), zap.Error(err))
			return
		}
	}
}

func (s *Server) readPump(connID string, uc *conn.UserConnection) {
	defer func() {
		s.mu.Lock()
		delete(s.states, connID)
		s.mu.Unlock()
		s.manager.RemoveConnection(connID)
		uc.Conn.Close()
	}()

	for {
		_, raw, err := uc.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("unexpected close", zap.String("connectionId", connID), zap.Error(err))
			}
			return
		}
		s.dispatch(connID, uc, raw)
	}
}

func (s *Server) dispatch(connID string, uc *conn.UserConnection, raw []byte) {
	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.sendError(uc, "Invalid message format")
		return
	}

	s.mu.Lock()
	state := s.states[connID]
	s.mu.Unlock()

	if state == stateUnauthenticated {
		if env.Type == models.TypeAuth {
			s.handleAuth(connID, uc, raw)
			return
		}
		s.sendJSON(uc, models.AuthErrorMessage{Type: models.TypeAuthError, Error: "Not authenticated"})
		return
	}

	switch env.Type {
	case models.TypeJoinDocument:
		s.handleJoinDocument(uc, raw)
	case models.TypeLeaveDocument:
		s.handleLeaveDocument(uc, raw)
	case models.TypeOperation:
		s.handleOperation(uc, raw)
	case models.TypeCursorPosition:
		s.handleCursorPosition(uc, raw)
	case models.TypeSelection:
		s.handleSelection(uc, raw)
	case models.TypePresence:
		s.handlePresence(uc, raw)
	case models.TypeSyncRequest:
		s.handleSyncRequest(uc, raw)
	case models.TypePing:
		s.sendJSON(uc, models.PongMessage{Type: models.TypePong})
	default:
		s.sendError(uc, "Unknown message type")
	}
}

func (s *Server) handleAuth(connID string, uc *conn.UserConnection, raw []byte) {
	var msg models.AuthMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendJSON(uc, models.AuthErrorMessage{Type: models.TypeAuthError, Error: "Invalid token"})
		return
	}

	userID, ok := s.validator.Validate(msg.Token)
	if !ok {
		s.sendJSON(uc, models.AuthErrorMessage{Type: models.TypeAuthError, Error: "Invalid token"})
		return
	}

	uc.UserID = userID
	s.mu.Lock()
	s.states[connID] = stateAuthenticated
	s.mu.Unlock()

	s.logger.Debug("connection authenticated", zap.String("connectionId", connID), zap.String("userId", userID))
	s.sendJSON(uc, models.AuthSuccessMessage{Type: models.TypeAuthSuccess, UserID: userID})
}

func (s *Server) handleJoinDocument(uc *conn.UserConnection, raw []byte) {
	var msg models.JoinDocumentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(uc, "Invalid message format")
		return
	}

	s.manager.JoinDocument(uc.ID, msg.DocumentID)

	s.sendJSON(uc, s.buildUserList(msg.DocumentID, uc.ID))

	s.broadcastFrom(msg.DocumentID, uc, models.PresenceMessage{
		Type:      models.TypePresence,
		UserID:    uc.UserID,
		Timestamp: nowMillis(),
		Status:    models.StatusActive,
	})
}

func (s *Server) buildUserList(documentID, excludeConnID string) models.UserListMessage {
	members := s.manager.GetDocumentConnections(documentID)
	entries := make([]models.UserListEntry, 0, len(members))
	for _, m := range members {
		if m.ID == excludeConnID {
			continue
		}
		entries = append(entries, models.UserListEntry{UserID: m.UserID, Status: models.StatusActive})
	}
	return models.UserListMessage{Type: models.TypeUserList, Users: entries}
}

func (s *Server) handleLeaveDocument(uc *conn.UserConnection, raw []byte) {
	var msg models.LeaveDocumentMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(uc, "Invalid message format")
		return
	}

	s.broadcastFrom(msg.DocumentID, uc, models.PresenceMessage{
		Type:      models.TypePresence,
		UserID:    uc.UserID,
		Timestamp: nowMillis(),
		Status:    models.StatusOffline,
	})

	s.manager.LeaveDocument(uc.ID, msg.DocumentID)
}

func (s *Server) handleOperation(uc *conn.UserConnection, raw []byte) {
	var msg models.OperationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(uc, "Invalid message format")
		return
	}

	if msg.Operation.UserID != "" && msg.Operation.UserID != uc.UserID {
		s.sendError(uc, "user id mismatch")
		return
	}

	msg.UserID = uc.UserID
	msg.Operation.UserID = uc.UserID
	msg.Timestamp = nowMillis()

	if s.store != nil {
		if err := s.store.Append(msg.DocumentID, msg.Operation); err != nil {
			s.logger.Warn("opstore append failed", zap.Error(err))
		}
	}

	s.broadcastFrom(msg.DocumentID, uc, msg)
}

func (s *Server) handleCursorPosition(uc *conn.UserConnection, raw []byte) {
	var msg models.CursorPositionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(uc, "Invalid message format")
		return
	}
	msg.UserID = uc.UserID
	msg.Timestamp = nowMillis()
	s.broadcastFrom(msg.DocumentID, uc, msg)
}

func (s *Server) handleSelection(uc *conn.UserConnection, raw []byte) {
	var msg models.SelectionMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(uc, "Invalid message format")
		return
	}
	msg.UserID = uc.UserID
	msg.Timestamp = nowMillis()
	s.broadcastFrom(msg.DocumentID, uc, msg)
}

func (s *Server) handlePresence(uc *conn.UserConnection, raw []byte) {
	var msg models.PresenceMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(uc, "Invalid message format")
		return
	}
	msg.UserID = uc.UserID
	msg.Timestamp = nowMillis()

	if docID, ok := uc.CurrentDocument(); ok {
		s.broadcastFrom(docID, uc, msg)
	}
}

func (s *Server) handleSyncRequest(uc *conn.UserConnection, raw []byte) {
	var msg models.SyncRequestMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.sendError(uc, "Invalid message format")
		return
	}

	ops, vc := s.loadSync(msg.DocumentID, msg.SinceVectorClock)
	s.sendJSON(uc, models.SyncResponseMessage{
		Type:               models.TypeSyncResponse,
		DocumentID:         msg.DocumentID,
		Operations:         ops,
		CurrentVectorClock: vc,
		Timestamp:          nowMillis(),
	})
}

// loadSync returns the operations and vector clock to answer a
// SYNC_REQUEST. With no store configured the server is a pure relay:
// an empty operations slice and an empty clock.
func (s *Server) loadSync(documentID string, since clock.VectorClock) ([]ot.Operation, clock.VectorClock) {
	if s.store == nil {
		return []ot.Operation{}, clock.New()
	}

	ops, err := s.store.OperationsSince(documentID, since)
	if err != nil {
		s.logger.Warn("opstore read failed", zap.Error(err))
		return []ot.Operation{}, clock.New()
	}
	vc, err := s.store.VectorClock(documentID)
	if err != nil {
		s.logger.Warn("opstore clock read failed", zap.Error(err))
		return ops, clock.New()
	}
	return ops, vc
}

func (s *Server) broadcastFrom(documentID string, sender *conn.UserConnection, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("marshal broadcast failed", zap.Error(err))
		return
	}
	s.manager.BroadcastToDocument(documentID, sender.ID, data)
}

func (s *Server) sendJSON(uc *conn.UserConnection, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("marshal send failed", zap.Error(err))
		return
	}
	s.manager.Send(uc.ID, data)
}

func (s *Server) sendError(uc *conn.UserConnection, errText string) {
	s.sendJSON(uc, models.ErrorMessage{Type: models.TypeError, Error: errText})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
