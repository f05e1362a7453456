package oracle

import (
	"math/big"
	"sync"
	"time"
)

// PushFeed holds the latest answer pushed to it by an upstream publisher.
// Until the first update it reports a zero answer, which the adapter rejects.
type PushFeed struct {
	mu       sync.RWMutex
	decimals uint8
	answer   Answer
	round    uint64
}

func NewPushFeed(decimals uint8) *PushFeed {
	return &PushFeed{decimals: decimals}
}

// Update stores a new answer. Answers older than the current one are ignored
// so that out-of-order redelivery cannot roll the price back.
func (f *PushFeed) Update(value *big.Int, updatedAt time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.answer.Value != nil && updatedAt.Before(f.answer.UpdatedAt) {
		return false
	}
	f.answer = Answer{Value: new(big.Int).Set(value), UpdatedAt: updatedAt}
	f.round++
	return true
}

func (f *PushFeed) LatestAnswer() (Answer, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.answer.Value == nil {
		return Answer{Value: new(big.Int)}, nil
	}
	return Answer{Value: new(big.Int).Set(f.answer.Value), UpdatedAt: f.answer.UpdatedAt}, nil
}

func (f *PushFeed) Decimals() uint8 { return f.decimals }

// Round returns the number of accepted updates.
func (f *PushFeed) Round() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.round
}
