// Package ot rebases text operations against operations committed after the
// state a client last saw. Every rule depends only on committed state, so any
// replica that sees the same committed sequence computes the same result.
package ot

import (
	"draft-collab-server/internal/domain"
)

// Resolution is the outcome of rebasing one incoming operation.
type Resolution struct {
	Op domain.Operation
	// Strategy is empty when no committed operation overlapped.
	Strategy     domain.ResolutionStrategy
	CollidedWith []string
}

func (r Resolution) Conflicted() bool {
	return r.Strategy != ""
}

// Rebase transforms op against history, which must hold every operation
// committed after op.BaseSeq in commit order.
func Rebase(op domain.Operation, history []domain.CommittedOperation) Resolution {
	res := Resolution{Op: op}

	for _, c := range history {
		if res.Op.IsNoop() {
			break
		}

		next, strategy := Transform(res.Op, c.Operation)
		if strategy != "" {
			res.CollidedWith = append(res.CollidedWith, c.ID)
			if strategy.Precedence() > res.Strategy.Precedence() {
				res.Strategy = strategy
			}
		}
		res.Op = next
	}

	return res
}

// Transform rewrites in so that it applies after committed. committed always
// holds the lower sequence number, so when both insert at the same offset the
// ordering key (seq, user id) puts committed first and in shifts past it.
func Transform(in, committed domain.Operation) (domain.Operation, domain.ResolutionStrategy) {
	if in.IsNoop() || committed.IsNoop() {
		return in, ""
	}

	switch committed.Kind {
	case domain.OpInsert:
		return transformAgainstInsert(in, committed.Offset, committed.InsertedLen())

	case domain.OpDelete:
		return transformAgainstDelete(in, committed.Offset, committed.End())

	case domain.OpReplace:
		// delete(range) followed by insert(text at range start)
		op, deleted := transformAgainstDelete(in, committed.Offset, committed.End())
		if op.IsNoop() || committed.Text == "" {
			return op, deleted
		}
		op, inserted := transformAgainstInsert(op, committed.Offset, committed.InsertedLen())
		return op, stronger(deleted, inserted)
	}

	return in, ""
}

func transformAgainstInsert(in domain.Operation, pos, n int) (domain.Operation, domain.ResolutionStrategy) {
	if in.Kind == domain.OpInsert {
		if pos <= in.Offset {
			in.Offset += n
		}
		return in, ""
	}

	start, end := in.Offset, in.End()
	switch {
	case pos <= start:
		in.Offset += n
		return in, ""
	case pos >= end:
		return in, ""
	default:
		// Committed text landed inside the range being removed.
		in.Length += n
		return in, domain.ResolutionRangeExpanded
	}
}

func transformAgainstDelete(in domain.Operation, start, end int) (domain.Operation, domain.ResolutionStrategy) {
	removed := end - start

	if in.Kind == domain.OpInsert {
		switch {
		case in.Offset <= start:
			return in, ""
		case in.Offset >= end:
			in.Offset -= removed
			return in, ""
		default:
			in.Offset = start
			return in, domain.ResolutionInsertRelocated
		}
	}

	a, b := in.Offset, in.End()
	switch {
	case b <= start:
		return in, ""
	case a >= end:
		in.Offset -= removed
		return in, ""
	case a == start && b == end:
		return in.AsNoop(), domain.ResolutionSupersededByEarlier
	case a >= start && b <= end:
		// Nothing left to remove. A replace keeps its insert half, moved to
		// the start of the removed range.
		if in.Kind != domain.OpReplace || in.Text == "" {
			return in.AsNoop(), domain.ResolutionSupersededByEarlier
		}
		in.Kind = domain.OpInsert
		in.Offset = start
		in.Length = 0
		return in, domain.ResolutionInsertRelocated
	}

	overlap := minInt(b, end) - maxInt(a, start)
	in.Offset = minInt(a, start)
	in.Length = (b - a) - overlap
	return in, domain.ResolutionRangeNarrowed
}

func stronger(a, b domain.ResolutionStrategy) domain.ResolutionStrategy {
	if b.Precedence() > a.Precedence() {
		return b
	}
	return a
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
