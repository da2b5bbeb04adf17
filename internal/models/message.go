// Package models defines the JSON wire messages exchanged between
// WebSocketServer and ClientSession.
package models

import (
	"github.com/collabtext/realtime-engine/pkg/clock"
	"github.com/collabtext/realtime-engine/pkg/ot"
)

// Message types, case-sensitive on the wire.
const (
	TypeAuth            = "AUTH"
	TypeAuthSuccess      = "AUTH_SUCCESS"
	TypeAuthError        = "AUTH_ERROR"
	TypeJoinDocument     = "JOIN_DOCUMENT"
	TypeLeaveDocument    = "LEAVE_DOCUMENT"
	TypeOperation        = "OPERATION"
	TypeCursorPosition   = "CURSOR_POSITION"
	TypeSelection        = "SELECTION"
	TypePresence         = "PRESENCE"
	TypeSyncRequest      = "SYNC_REQUEST"
	TypeSyncResponse     = "SYNC_RESPONSE"
	TypeUserList         = "USER_LIST"
	TypePing             = "PING"
	TypePong             = "PONG"
	TypeError            = "ERROR"
)

// Presence status values.
const (
	StatusActive  = "active"
	StatusIdle    = "idle"
	StatusOffline = "offline"
)

// Envelope is the minimal shape every inbound frame must satisfy —
// just enough to route on Type before decoding the rest.
type Envelope struct {
	Type string `json:"type"`
}

// Point is a 2D cursor coordinate, per the wire CURSOR_POSITION shape.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// SelectionRange is the wire shape of a text selection.
type SelectionRange struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// AuthMessage is sent client -> server to authenticate a connection.
type AuthMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// AuthSuccessMessage is sent server -> client on successful auth.
type AuthSuccessMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// AuthErrorMessage is sent server -> client on failed auth, or client
// -> nowhere (it's a server-originated type, listed here for decode
// symmetry with the rest of the protocol).
type AuthErrorMessage struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// JoinDocumentMessage requests membership in a document room.
type JoinDocumentMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// LeaveDocumentMessage relinquishes membership in a document room.
type LeaveDocumentMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// OperationMessage carries a single CRDT operation plus the sender's
// vector clock at the time it was produced.
type OperationMessage struct {
	Type        string            `json:"type"`
	DocumentID  string            `json:"documentId"`
	UserID      string            `json:"userId"`
	Timestamp   int64             `json:"timestamp"`
	Operation   ot.Operation      `json:"operation"`
	VectorClock clock.VectorClock `json:"vectorClock,omitempty"`
}

// CursorPositionMessage broadcasts a user's live cursor.
type CursorPositionMessage struct {
	Type       string          `json:"type"`
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	Timestamp  int64           `json:"timestamp"`
	Position   Point           `json:"position"`
	Selection  *SelectionRange `json:"selection,omitempty"`
}

// SelectionMessage broadcasts a user's live text selection.
type SelectionMessage struct {
	Type       string         `json:"type"`
	DocumentID string         `json:"documentId"`
	UserID     string         `json:"userId"`
	Timestamp  int64          `json:"timestamp"`
	Selection  SelectionRange `json:"selection"`
}

// PresenceMessage announces a status change for userId, either scoped
// to the sender's current room (client -> server) or broadcast with
// the server-rewritten identity (server -> clients).
type PresenceMessage struct {
	Type      string `json:"type"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

// SyncRequestMessage asks the server to replay operations the
// requester may have missed.
type SyncRequestMessage struct {
	Type             string            `json:"type"`
	DocumentID       string            `json:"documentId"`
	UserID           string            `json:"userId"`
	Timestamp        int64             `json:"timestamp"`
	SinceVectorClock clock.VectorClock `json:"sinceVectorClock,omitempty"`
}

// SyncResponseMessage answers a SyncRequestMessage. Operations is
// empty unless the server was configured with an opstore.Store.
type SyncResponseMessage struct {
	Type               string            `json:"type"`
	DocumentID         string            `json:"documentId"`
	Operations         []ot.Operation    `json:"operations"`
	CurrentVectorClock clock.VectorClock `json:"currentVectorClock"`
	Timestamp          int64             `json:"timestamp"`
}

// UserListEntry describes one member of a document room.
type UserListEntry struct {
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName,omitempty"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
	Color       string          `json:"color,omitempty"`
	Status      string          `json:"status,omitempty"`
	LastSeen    int64           `json:"lastSeen,omitempty"`
	Cursor      *Point          `json:"cursor,omitempty"`
}

// UserListMessage is sent to a joining socket with the room's current
// membership, excluding the joiner itself.
type UserListMessage struct {
	Type  string          `json:"type"`
	Users []UserListEntry `json:"users"`
}

// ErrorMessage reports a protocol-level error; the connection remains
// open unless the error also ends the auth handshake.
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// PingMessage / PongMessage are the heartbeat frames.
type PingMessage struct {
	Type string `json:"type"`
}

type PongMessage struct {
	Type string `json:"type"`
}
