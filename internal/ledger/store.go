package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Store is the durable state behind both ledgers. Every write is journaled so
// a failed operation can be rolled back to a checkpoint.
type Store interface {
	Get(key PositionKey) *uint256.Int
	Set(key PositionKey, amount *uint256.Int)

	// Checkpoint marks the current journal position.
	Checkpoint() int
	// RevertTo undoes every write made after cp. Keys and users first
	// written after cp are forgotten.
	RevertTo(cp int)
	// ChangesSince returns the writes made after cp, oldest first.
	ChangesSince(cp int) []Change
	// Commit discards the journal; earlier checkpoints become invalid.
	Commit()

	// Users returns every address that ever held a position, in no
	// particular order.
	Users() []common.Address

	Snapshot() map[PositionKey]*uint256.Int
	Restore(map[PositionKey]*uint256.Int)
}

// MemoryStore keeps positions in maps owned by a single engine instance.
type MemoryStore struct {
	positions map[PositionKey]*uint256.Int
	users     map[common.Address]struct{}
	journal   journal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		positions: make(map[PositionKey]*uint256.Int),
		users:     make(map[common.Address]struct{}),
	}
}

// Get returns a copy of the stored amount, zero if never written.
func (s *MemoryStore) Get(key PositionKey) *uint256.Int {
	if v, ok := s.positions[key]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

func (s *MemoryStore) Set(key PositionKey, amount *uint256.Int) {
	next := new(uint256.Int).Set(amount)
	_, exists := s.positions[key]
	_, known := s.users[key.User]
	s.journal.append(Change{
		Key:     key,
		Prev:    s.Get(key),
		Next:    new(uint256.Int).Set(next),
		created: !exists,
		newUser: !known,
	})
	s.positions[key] = next
	s.users[key.User] = struct{}{}
}

func (s *MemoryStore) Checkpoint() int {
	return s.journal.length()
}

func (s *MemoryStore) RevertTo(cp int) {
	if cp < 0 || cp > s.journal.length() {
		panic(fmt.Sprintf("FATAL: revert to invalid checkpoint %d (journal length %d)", cp, s.journal.length()))
	}
	for i := s.journal.length() - 1; i >= cp; i-- {
		c := s.journal.changes[i]
		if c.created {
			delete(s.positions, c.Key)
		} else {
			s.positions[c.Key] = new(uint256.Int).Set(c.Prev)
		}
		if c.newUser {
			delete(s.users, c.Key.User)
		}
	}
	s.journal.changes = s.journal.changes[:cp]
}

func (s *MemoryStore) ChangesSince(cp int) []Change {
	return s.journal.since(cp)
}

func (s *MemoryStore) Commit() {
	s.journal.reset()
}

// Users returns every address that ever held a position.
func (s *MemoryStore) Users() []common.Address {
	out := make([]common.Address, 0, len(s.users))
	for u := range s.users {
		out = append(out, u)
	}
	return out
}

// Snapshot returns a copy of all positions, including zero ones.
func (s *MemoryStore) Snapshot() map[PositionKey]*uint256.Int {
	snap := make(map[PositionKey]*uint256.Int, len(s.positions))
	for k, v := range s.positions {
		snap[k] = new(uint256.Int).Set(v)
	}
	return snap
}

// Restore replaces all state with snap and clears the journal.
func (s *MemoryStore) Restore(snap map[PositionKey]*uint256.Int) {
	s.positions = make(map[PositionKey]*uint256.Int, len(snap))
	s.users = make(map[common.Address]struct{})
	for k, v := range snap {
		s.positions[k] = new(uint256.Int).Set(v)
		s.users[k.User] = struct{}{}
	}
	s.journal.reset()
}
