package ot

// TransformPair transforms a pair of concurrent operations that were
// both generated against the same document state, returning the pair
// that converges to the same result regardless of application order.
//
// RETAIN and FORMAT never mutate document length, so they are treated
// as pure range markers: transformed against INSERT/DELETE their own
// Position/Length track the shifting text the same way a DELETE range
// would, but they never shift the other operand's position. Two
// non-mutating operations (RETAIN/FORMAT on both sides) never affect
// each other.
func TransformPair(op1, op2 Operation) (Operation, Operation) {
	switch op1.Type {
	case Insert:
		switch op2.Type {
		case Insert:
			return transformInsertInsert(op1, op2)
		case Delete:
			a, b := transformInsertDelete(op1, op2)
			return a, b
		default: // Retain, Format
			b := shiftRangeAgainstInsert(op2, op1)
			return op1.clone(), b
		}
	case Delete:
		switch op2.Type {
		case Insert:
			b, a := transformInsertDelete(op2, op1)
			return a, b
		case Delete:
			return transformDeleteDelete(op1, op2)
		default: // Retain, Format
			b := shiftRangeAgainstDelete(op2, op1)
			return op1.clone(), b
		}
	default: // op1 is Retain or Format
		switch op2.Type {
		case Insert:
			a := shiftRangeAgainstInsert(op1, op2)
			return a, op2.clone()
		case Delete:
			a := shiftRangeAgainstDelete(op1, op2)
			return a, op2.clone()
		default:
			return op1.clone(), op2.clone()
		}
	}
}

// transformInsertInsert implements the Insert-vs-Insert transform,
// including the timestamp/user_id tie-break for concurrent inserts at
// the same position.
func transformInsertInsert(op1, op2 Operation) (Operation, Operation) {
	o1, o2 := op1.clone(), op2.clone()

	switch {
	case op1.Position < op2.Position:
		o2.Position += op1.ContentLen()
	case op1.Position > op2.Position:
		o1.Position += op2.ContentLen()
	default:
		op1Wins := op1.Timestamp < op2.Timestamp ||
			(op1.Timestamp == op2.Timestamp && op1.UserID < op2.UserID)
		if op1Wins {
			o2.Position += op1.ContentLen()
		} else {
			o1.Position += op2.ContentLen()
		}
	}
	return o1, o2
}

// transformInsertDelete implements the Insert-vs-Delete and
// Delete-vs-Insert rows together: insert and del both describe edits
// against the same starting document.
func transformInsertDelete(insert, del Operation) (Operation, Operation) {
	ins, d := insert.clone(), del.clone()

	switch {
	case insert.Position <= del.Position:
		// insert happens at or before the deleted range: delete shifts right.
		d.Position += insert.ContentLen()
	case insert.Position >= del.End():
		// insert happens after the deleted range: insert shifts left.
		ins.Position -= del.Length
	default:
		// insert lands inside the deleted range: it collapses to the
		// delete's start, and the delete absorbs the inserted text.
		ins.Position = del.Position
		d.Length += insert.ContentLen()
	}
	return ins, d
}

// transformDeleteDelete implements the Delete-vs-Delete rows,
// including the overlapping-range merge.
func transformDeleteDelete(op1, op2 Operation) (Operation, Operation) {
	o1, o2 := op1.clone(), op2.clone()

	switch {
	case op1.End() <= op2.Position:
		o2.Position -= op1.Length
	case op2.End() <= op1.Position:
		o1.Position -= op2.Length
	default:
		switch {
		case op1.Position < op2.Position:
			overlap := op1.End() - op2.Position
			o1.Length -= overlap
			o2.Position = op1.Position
			o2.Length -= overlap
		case op2.Position < op1.Position:
			overlap := op2.End() - op1.Position
			o2.Length -= overlap
			o1.Position = op2.Position
			o1.Length -= overlap
		default:
			shorter := op1.Length
			if op2.Length < shorter {
				shorter = op2.Length
			}
			o1.Length -= shorter
			o2.Length -= shorter
		}
		if o1.Length < 0 {
			o1.Length = 0
		}
		if o2.Length < 0 {
			o2.Length = 0
		}
	}
	return o1, o2
}

// shiftRangeAgainstInsert adjusts a RETAIN/FORMAT range when an
// unrelated INSERT landed concurrently.
func shiftRangeAgainstInsert(rangeOp, insert Operation) Operation {
	out := rangeOp.clone()
	switch {
	case insert.Position <= rangeOp.Position:
		out.Position += insert.ContentLen()
	case insert.Position < rangeOp.End():
		out.Length += insert.ContentLen()
	}
	return out
}

// shiftRangeAgainstDelete adjusts a RETAIN/FORMAT range when an
// unrelated DELETE landed concurrently.
func shiftRangeAgainstDelete(rangeOp, del Operation) Operation {
	out := rangeOp.clone()
	switch {
	case del.End() <= rangeOp.Position:
		out.Position -= del.Length
	case del.Position >= rangeOp.End():
		// disjoint, after: unaffected
	default:
		overlapStart := maxInt(rangeOp.Position, del.Position)
		overlapEnd := minInt(rangeOp.End(), del.End())
		overlap := overlapEnd - overlapStart
		if overlap < 0 {
			overlap = 0
		}
		out.Length -= overlap
		if del.Position < rangeOp.Position {
			out.Position = del.Position
		}
		if out.Length < 0 {
			out.Length = 0
		}
	}
	return out
}

// TransformAgainstOperations left-folds op through against, in order,
// using TransformPair. If a DELETE collapses to zero length partway
// through the fold, the resulting length-zero operation is returned
// rather than an error — callers should check IsNoop().
func TransformAgainstOperations(op Operation, against []Operation) Operation {
	current := op
	for _, other := range against {
		current, _ = TransformPair(current, other)
	}
	return current
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
