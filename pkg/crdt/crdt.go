// Package crdt implements MultiUserCRDT, the per-document replica
// that owns operation history, a vector clock, rebuilt content, and
// change/conflict/cursor event emission.
package crdt

import (
	"log"
	"sort"
	"sync"

	"github.com/collabtext/realtime-engine/pkg/clock"
	"github.com/collabtext/realtime-engine/pkg/ot"
)

// Config holds the tunables for a MultiUserCRDT instance.
type Config struct {
	InitialContent         string
	MaxOperationsHistory   int
	EnableConflictResolution bool
	UserPriority           int
}

// DefaultConfig returns sane defaults: empty document, a
// 1000-operation trim window, conflict detection on, priority zero.
func DefaultConfig() Config {
	return Config{
		InitialContent:           "",
		MaxOperationsHistory:     1000,
		EnableConflictResolution: true,
		UserPriority:             0,
	}
}

// ChangeEvent is delivered whenever the document's content changes.
type ChangeEvent struct {
	Operations []ot.Operation
	Content    string
}

// ConflictEvent is delivered when a newly-accepted operation overlaps
// a prior operation from a different user.
type ConflictEvent struct {
	Conflict Conflict
}

// CursorEvent is delivered when a remote cursor is transformed.
type CursorEvent struct {
	Cursor CursorPosition
}

// Conflict records two or more concurrent overlapping operations and
// which one the deterministic rebuild treated as authoritative.
type Conflict struct {
	Operations        []ot.Operation
	Position          int
	Resolution        string
	ResolvedOperation ot.Operation
}

// CursorPosition is ephemeral presence data, never persisted.
type CursorPosition struct {
	UserID    string
	Position  int
	Selection *ot.Selection
	Timestamp int64
}

// disposer is returned by every On* subscribe call.
type disposer func()

// MultiUserCRDT is a single replica of a single document.
//
// It is not safe for concurrent use from multiple goroutines without
// external synchronization beyond the internal mutex, which only
// protects the data fields — callers embedding this in a
// single-threaded event loop need no additional locking.
type MultiUserCRDT struct {
	mu sync.Mutex

	userID string
	config Config

	content    string
	operations []ot.Operation
	opIndex    map[string]struct{}
	vclock     clock.VectorClock
	pending    []ot.Operation

	changeHandlers   []func(ChangeEvent)
	conflictHandlers []func(ConflictEvent)
	cursorHandlers   []func(CursorEvent)
}

// New creates a replica owned by userID.
func New(userID string, cfg Config) *MultiUserCRDT {
	if cfg.MaxOperationsHistory <= 0 {
		cfg.MaxOperationsHistory = DefaultConfig().MaxOperationsHistory
	}
	c := &MultiUserCRDT{
		userID:     userID,
		config:     cfg,
		content:    cfg.InitialContent,
		operations: make([]ot.Operation, 0),
		opIndex:    make(map[string]struct{}),
		vclock:     clock.New(),
		pending:    make([]ot.Operation, 0),
	}
	return c
}

// OnChange registers a change handler and returns a disposer.
func (c *MultiUserCRDT) OnChange(handler func(ChangeEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changeHandlers = append(c.changeHandlers, handler)
	idx := len(c.changeHandlers) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.changeHandlers) {
			c.changeHandlers[idx] = nil
		}
	}
}

// OnConflict registers a conflict handler and returns a disposer.
func (c *MultiUserCRDT) OnConflict(handler func(ConflictEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conflictHandlers = append(c.conflictHandlers, handler)
	idx := len(c.conflictHandlers) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.conflictHandlers) {
			c.conflictHandlers[idx] = nil
		}
	}
}

// OnCursor registers a cursor handler and returns a disposer.
func (c *MultiUserCRDT) OnCursor(handler func(CursorEvent)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursorHandlers = append(c.cursorHandlers, handler)
	idx := len(c.cursorHandlers) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.cursorHandlers) {
			c.cursorHandlers[idx] = nil
		}
	}
}

func (c *MultiUserCRDT) emitChange() {
	ev := ChangeEvent{Operations: append([]ot.Operation(nil), c.operations...), Content: c.content}
	for _, h := range c.changeHandlers {
		if h == nil {
			continue
		}
		safeCall(func() { h(ev) })
	}
}

func (c *MultiUserCRDT) emitConflict(conflict Conflict) {
	ev := ConflictEvent{Conflict: conflict}
	for _, h := range c.conflictHandlers {
		if h == nil {
			continue
		}
		safeCall(func() { h(ev) })
	}
}

func (c *MultiUserCRDT) emitCursor(cur CursorPosition) {
	ev := CursorEvent{Cursor: cur}
	for _, h := range c.cursorHandlers {
		if h == nil {
			continue
		}
		safeCall(func() { h(ev) })
	}
}

// safeCall runs fn and logs (rather than propagates) any panic, so a
// single misbehaving handler cannot block delivery to the others.
func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("crdt: event handler panicked: %v", r)
		}
	}()
	fn()
}

// ApplyLocalOperation stamps op as originating from this replica,
// assigns an id/timestamp if missing, and applies it.
func (c *MultiUserCRDT) ApplyLocalOperation(op ot.Operation) ot.Operation {
	c.mu.Lock()

	op.UserID = c.userID
	if op.ID == "" {
		op.ID = ot.NewID()
	}
	if _, known := c.opIndex[op.ID]; known {
		c.mu.Unlock()
		return op
	}
	if op.Timestamp == 0 {
		op.Timestamp = c.vclock.Get(c.userID) + 1
	}

	c.insertOperation(op)
	c.pending = append(c.pending, op)
	c.rebuildLocked()
	c.vclock.Increment(c.userID)
	c.trimLocked()

	c.mu.Unlock()
	c.emitChange()
	return op
}

// ApplyRemoteOperation applies an operation received from a peer.
// Returns false if the operation's id has already been seen
// (idempotent duplicate), true otherwise.
func (c *MultiUserCRDT) ApplyRemoteOperation(op ot.Operation) bool {
	c.mu.Lock()

	if _, known := c.opIndex[op.ID]; known {
		c.mu.Unlock()
		return false
	}

	c.insertOperation(op)
	c.rebuildLocked()
	if op.Timestamp > c.vclock.Get(op.UserID) {
		c.vclock[op.UserID] = op.Timestamp
	} else {
		c.vclock.Increment(op.UserID)
	}

	var conflict *Conflict
	if c.config.EnableConflictResolution {
		conflict = c.detectConflictLocked(op)
	}
	c.trimLocked()

	c.mu.Unlock()

	c.emitChange()
	if conflict != nil {
		c.emitConflict(*conflict)
	}
	return true
}

func (c *MultiUserCRDT) insertOperation(op ot.Operation) {
	c.operations = append(c.operations, op)
	c.opIndex[op.ID] = struct{}{}
	sort.SliceStable(c.operations, func(i, j int) bool {
		a, b := c.operations[i], c.operations[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		return a.UserID < b.UserID
	})
}

// rebuildLocked recomputes content by walking the canonically sorted
// history, transforming each operation against every operation
// already applied ahead of it before applying it. This is the single
// deterministic rebuild that every replica which has seen the same
// operation set converges to, regardless of delivery order.
func (c *MultiUserCRDT) rebuildLocked() {
	content := c.config.InitialContent
	applied := make([]ot.Operation, 0, len(c.operations))

	for _, op := range c.operations {
		effective := ot.TransformAgainstOperations(op, applied)
		if !effective.IsNoop() {
			content = applyOperation(content, effective)
		}
		applied = append(applied, effective)
	}
	c.content = content
}

func applyOperation(content string, op ot.Operation) string {
	runes := []rune(content)
	switch op.Type {
	case ot.Insert:
		pos := clampInt(op.Position, 0, len(runes))
		ins := []rune(op.Content)
		out := make([]rune, 0, len(runes)+len(ins))
		out = append(out, runes[:pos]...)
		out = append(out, ins...)
		out = append(out, runes[pos:]...)
		return string(out)
	case ot.Delete:
		if op.Length <= 0 {
			return content
		}
		pos := clampInt(op.Position, 0, len(runes))
		end := clampInt(pos+op.Length, 0, len(runes))
		out := make([]rune, 0, len(runes)-(end-pos))
		out = append(out, runes[:pos]...)
		out = append(out, runes[end:]...)
		return string(out)
	default: // Retain, Format: no text mutation.
		return content
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// detectConflictLocked checks whether op overlaps a prior operation
// from a different user: two DELETEs with intersecting ranges, or an
// INSERT landing inside a DELETE range.
func (c *MultiUserCRDT) detectConflictLocked(op ot.Operation) *Conflict {
	for _, other := range c.operations {
		if other.ID == op.ID || other.UserID == op.UserID {
			continue
		}
		if overlaps(op, other) {
			winner := op
			if other.Timestamp < op.Timestamp ||
				(other.Timestamp == op.Timestamp && other.UserID < op.UserID) {
				winner = other
			}
			return &Conflict{
				Operations:        []ot.Operation{op, other},
				Position:          op.Position,
				Resolution:        "timestamp",
				ResolvedOperation: winner,
			}
		}
	}
	return nil
}

func overlaps(a, b ot.Operation) bool {
	switch {
	case a.Type == ot.Delete && b.Type == ot.Delete:
		return a.Position < b.End() && b.Position < a.End()
	case a.Type == ot.Insert && b.Type == ot.Delete:
		return a.Position > b.Position && a.Position < b.End()
	case a.Type == ot.Delete && b.Type == ot.Insert:
		return b.Position > a.Position && b.Position < a.End()
	default:
		return false
	}
}

// trimLocked drops the oldest operations beyond MaxOperationsHistory
// and forgets their ids. Rebuild only ever walks the retained suffix,
// so trimming never changes content going forward.
func (c *MultiUserCRDT) trimLocked() {
	max := c.config.MaxOperationsHistory
	if max <= 0 || len(c.operations) <= max {
		return
	}
	drop := len(c.operations) - max
	for _, op := range c.operations[:drop] {
		delete(c.opIndex, op.ID)
	}
	c.operations = append([]ot.Operation(nil), c.operations[drop:]...)
}

// GetContent returns the current rebuilt document content.
func (c *MultiUserCRDT) GetContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.content
}

// GetOperations returns a copy of the retained operation history, in
// canonical (timestamp, user_id) order.
func (c *MultiUserCRDT) GetOperations() []ot.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ot.Operation(nil), c.operations...)
}

// GetVectorClock returns a copy of the replica's vector clock.
func (c *MultiUserCRDT) GetVectorClock() clock.VectorClock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vclock.Clone()
}

// GetPendingOperations returns the locally-applied operations not yet
// cleared by the transport layer.
func (c *MultiUserCRDT) GetPendingOperations() []ot.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ot.Operation(nil), c.pending...)
}

// ClearPendingOperations empties the pending-send queue, typically
// once the transport has flushed it.
func (c *MultiUserCRDT) ClearPendingOperations() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = c.pending[:0]
}

// GenerateDiff returns the operations this replica has applied that
// other has not yet observed, based on other's vector clock.
func (c *MultiUserCRDT) GenerateDiff(other *MultiUserCRDT) []ot.Operation {
	c.mu.Lock()
	defer c.mu.Unlock()

	otherClock := other.GetVectorClock()
	var diff []ot.Operation
	for _, op := range c.operations {
		if op.Timestamp > otherClock.Get(op.UserID) {
			diff = append(diff, op)
		}
	}
	return diff
}

// Merge folds other's clock and any operations this replica has not
// yet seen into this replica.
func (c *MultiUserCRDT) Merge(other *MultiUserCRDT) {
	c.mu.Lock()
	otherClock := other.GetVectorClock()
	c.vclock.Merge(otherClock)
	known := make(map[string]struct{}, len(c.opIndex))
	for id := range c.opIndex {
		known[id] = struct{}{}
	}
	c.mu.Unlock()

	for _, op := range other.GetOperations() {
		if _, seen := known[op.ID]; seen {
			continue
		}
		c.ApplyRemoteOperation(op)
	}
}

// TransformCursor folds position through every operation in history
// not originating from fromUserID, returning where that cursor now
// points in the current content.
func (c *MultiUserCRDT) TransformCursor(position int, fromUserID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, op := range c.operations {
		if op.UserID == fromUserID {
			continue
		}
		position = ot.TransformCursor(position, op)
	}
	return position
}

// NotifyCursor transforms and republishes a remote cursor position to
// local subscribers — used by transports that forward raw cursor
// messages from peers.
func (c *MultiUserCRDT) NotifyCursor(cur CursorPosition) {
	transformed := cur
	transformed.Position = c.TransformCursor(cur.Position, cur.UserID)
	c.emitCursor(transformed)
}

// State is the externally-visible snapshot used by GetState/SetState.
type State struct {
	Content    string
	Operations []ot.Operation
	VectorClock clock.VectorClock
}

// GetState snapshots content, history, and clock together.
func (c *MultiUserCRDT) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Content:     c.content,
		Operations:  append([]ot.Operation(nil), c.operations...),
		VectorClock: c.vclock.Clone(),
	}
}

// SetState replaces the replica's content, history, and clock
// wholesale — used to initialize a freshly constructed replica from a
// sync response.
func (c *MultiUserCRDT) SetState(s State) {
	c.mu.Lock()
	c.content = s.Content
	c.operations = append([]ot.Operation(nil), s.Operations...)
	c.opIndex = make(map[string]struct{}, len(c.operations))
	for _, op := range c.operations {
		c.opIndex[op.ID] = struct{}{}
	}
	c.vclock = s.VectorClock.Clone()
	c.mu.Unlock()
	c.emitChange()
}
