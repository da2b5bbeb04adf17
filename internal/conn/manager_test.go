package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinAndLeaveDocument(t *testing.T) {
	m := NewManager(nil)
	uc := m.AddConnection("conn1", "user1", nil)
	require.NotNil(t, uc)

	m.JoinDocument("conn1", "doc1")
	assert.Equal(t, 1, m.GetDocumentUserCount("doc1"))

	m.LeaveDocument("conn1", "doc1")
	assert.Equal(t, 0, m.GetDocumentUserCount("doc1"))
}

func TestRemoveConnectionEvictsFromAllRooms(t *testing.T) {
	m := NewManager(nil)
	m.AddConnection("conn1", "user1", nil)
	m.JoinDocument("conn1", "docA")
	m.JoinDocument("conn1", "docB")

	m.RemoveConnection("conn1")

	assert.Equal(t, 0, m.GetDocumentUserCount("docA"))
	assert.Equal(t, 0, m.GetDocumentUserCount("docB"))
	_, ok := m.GetConnection("conn1")
	assert.False(t, ok)
}

func TestJoinDocumentLeavesPreviousRoom(t *testing.T) {
	// Property: a connection belongs to at most one DocumentRoom at any
	// instant. Joining a second document without an explicit
	// LeaveDocument call must still evict it from the first.
	m := NewManager(nil)
	uc := m.AddConnection("conn1", "user1", nil)

	m.JoinDocument("conn1", "docA")
	assert.Equal(t, 1, m.GetDocumentUserCount("docA"))

	m.JoinDocument("conn1", "docB")
	assert.Equal(t, 0, m.GetDocumentUserCount("docA"), "conn1 must have been evicted from docA")
	assert.Equal(t, 1, m.GetDocumentUserCount("docB"))

	doc, ok := uc.CurrentDocument()
	require.True(t, ok)
	assert.Equal(t, "docB", doc)

	members := m.GetDocumentConnections("docA")
	assert.Empty(t, members)
}

func TestJoinDocumentSameRoomTwiceIsNoop(t *testing.T) {
	m := NewManager(nil)
	uc := m.AddConnection("conn1", "user1", nil)

	m.JoinDocument("conn1", "docA")
	m.JoinDocument("conn1", "docA")

	assert.Equal(t, 1, m.GetDocumentUserCount("docA"))
	doc, ok := uc.CurrentDocument()
	require.True(t, ok)
	assert.Equal(t, "docA", doc)
}

func TestBroadcastExcludesSender(t *testing.T) {
	m := NewManager(nil)
	a := m.AddConnection("a", "user1", nil)
	b := m.AddConnection("b", "user2", nil)
	m.JoinDocument("a", "doc1")
	m.JoinDocument("b", "doc1")

	m.BroadcastToDocument("doc1", "a", []byte("hello"))

	select {
	case msg := <-b.Send:
		assert.Equal(t, "hello", string(msg))
	default:
		t.Fatal("expected recipient to receive the broadcast")
	}

	select {
	case <-a.Send:
		t.Fatal("sender should not receive its own broadcast")
	default:
	}
}

func TestRoomIsolation(t *testing.T) {
	// Property: broadcasts to one document never reach connections in
	// another document's room.
	m := NewManager(nil)
	inRoom := m.AddConnection("in", "user1", nil)
	outOfRoom := m.AddConnection("out", "user2", nil)
	m.JoinDocument("in", "docA")
	m.JoinDocument("out", "docB")

	m.BroadcastToDocument("docA", "", []byte("ping"))

	select {
	case <-inRoom.Send:
	default:
		t.Fatal("expected the member of docA to receive the broadcast")
	}
	select {
	case <-outOfRoom.Send:
		t.Fatal("a connection in a different room must not receive the broadcast")
	default:
	}
}

func TestDistinctUsersCountedOnce(t *testing.T) {
	m := NewManager(nil)
	m.AddConnection("conn1", "user1", nil)
	m.AddConnection("conn2", "user1", nil)
	m.JoinDocument("conn1", "doc1")
	m.JoinDocument("conn2", "doc1")

	assert.Equal(t, 1, m.GetDocumentUserCount("doc1"))
}
