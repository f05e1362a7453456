package ledger

import (
	"github.com/holiman/uint256"
)

// Change records one write to the store. Prev and Next are owned copies.
type Change struct {
	Key  PositionKey
	Prev *uint256.Int
	Next *uint256.Int

	// created and newUser mark the write that first stored Key or first
	// saw Key.User, so a revert can remove them again.
	created bool
	newUser bool
}

// journal is an undo log of writes since the last commit. Reverting walks it
// backwards so that repeated writes to the same key restore the oldest value.
type journal struct {
	changes []Change
}

func (j *journal) append(c Change) {
	j.changes = append(j.changes, c)
}

func (j *journal) length() int {
	return len(j.changes)
}

func (j *journal) since(cp int) []Change {
	if cp >= len(j.changes) {
		return nil
	}
	out := make([]Change, len(j.changes)-cp)
	copy(out, j.changes[cp:])
	return out
}

func (j *journal) reset() {
	j.changes = j.changes[:0]
}

// Net collapses a sequence of changes into one change per key, keeping the
// first Prev and the last Next, in first-touch order. Keys whose value ends up
// unchanged are kept; callers decide whether a no-op write is interesting.
func Net(changes []Change) []Change {
	index := make(map[PositionKey]int, len(changes))
	out := make([]Change, 0, len(changes))
	for _, c := range changes {
		if i, ok := index[c.Key]; ok {
			out[i].Next = c.Next
			continue
		}
		index[c.Key] = len(out)
		out = append(out, c)
	}
	return out
}
