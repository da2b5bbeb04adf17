// Package ot implements the pure operational-transformation algebra
// over the four collaborative-editing operation variants: INSERT,
// DELETE, RETAIN, and FORMAT. Every function in this package is
// stateless and side-effect free.
package ot

import "github.com/google/uuid"

// Type tags an Operation's variant. Wire values are case-sensitive
// and uppercase.
type Type string

const (
	Insert Type = "INSERT"
	Delete Type = "DELETE"
	Retain Type = "RETAIN"
	Format Type = "FORMAT"
)

// Operation is an immutable, atomic edit. Once constructed it is
// never mutated in place; every transform returns a new value.
type Operation struct {
	ID           string         `json:"id"`
	Type         Type           `json:"type"`
	Position     int            `json:"position"`
	Content      string         `json:"content,omitempty"`
	Length       int            `json:"length,omitempty"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	UserID       string         `json:"userId"`
	Timestamp    int64          `json:"timestamp"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

// NewID generates a globally unique operation id.
func NewID() string {
	return uuid.NewString()
}

// ContentLen returns the codepoint length of op's content (INSERT and
// FORMAT carry content; DELETE/RETAIN carry Length directly).
func (op Operation) ContentLen() int {
	return len([]rune(op.Content))
}

// End returns the position one past the last codepoint this operation
// touches. For INSERT this is Position (a point, not a range).
func (op Operation) End() int {
	switch op.Type {
	case Delete, Retain, Format:
		return op.Position + op.Length
	default:
		return op.Position
	}
}

// IsNoop reports whether op has degenerated to nothing worth applying:
// a zero-length DELETE/RETAIN/FORMAT, or an empty-content INSERT.
func (op Operation) IsNoop() bool {
	switch op.Type {
	case Delete, Retain:
		return op.Length <= 0
	case Insert:
		return op.Content == ""
	case Format:
		return op.Length <= 0
	default:
		return false
	}
}

// clone returns a shallow copy of op, safe to mutate fields of value
// type on (Attributes map is copied as well since FORMAT transforms
// never mutate it).
func (op Operation) clone() Operation {
	out := op
	if op.Attributes != nil {
		out.Attributes = make(map[string]any, len(op.Attributes))
		for k, v := range op.Attributes {
			out.Attributes[k] = v
		}
	}
	if op.Dependencies != nil {
		out.Dependencies = append([]string(nil), op.Dependencies...)
	}
	return out
}
