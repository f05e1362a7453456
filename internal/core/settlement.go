package core

import (
	"PegLedger/internal/errs"
	"PegLedger/internal/observability"
	"PegLedger/internal/token"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// compensation undoes one completed external transfer.
type compensation struct {
	action string
	undo   func() bool
}

// settlement performs an operation's external interactions and remembers how
// to undo each one. If a later interaction fails, rollback runs the
// compensations newest first so no partial transfer survives the abort.
type settlement struct {
	done    []compensation
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func (s *settlement) pull(tok token.Fungible, from common.Address, amount *uint256.Int) error {
	amt := new(uint256.Int).Set(amount)
	if !tok.Pull(from, amt) {
		return fmt.Errorf("%w: pull %s from %s", errs.ErrTransferFailed, amt.Dec(), from.Hex())
	}
	s.done = append(s.done, compensation{"refund", func() bool { return tok.Push(from, amt) }})
	return nil
}

func (s *settlement) push(tok token.Fungible, to common.Address, amount *uint256.Int) error {
	amt := new(uint256.Int).Set(amount)
	if !tok.Push(to, amt) {
		return fmt.Errorf("%w: push %s to %s", errs.ErrTransferFailed, amt.Dec(), to.Hex())
	}
	s.done = append(s.done, compensation{"reclaim", func() bool { return tok.Pull(to, amt) }})
	return nil
}

func (s *settlement) mint(tok token.Fungible, to common.Address, amount *uint256.Int) error {
	amt := new(uint256.Int).Set(amount)
	if !tok.Mint(to, amt) {
		return fmt.Errorf("%w: mint %s to %s", errs.ErrMintFailed, amt.Dec(), to.Hex())
	}
	s.done = append(s.done, compensation{"unmint", func() bool {
		if !tok.Pull(to, amt) {
			return false
		}
		tok.Burn(amt)
		return true
	}})
	return nil
}

// burn is always the last interaction of an operation; it cannot fail and is
// never compensated.
func (s *settlement) burn(tok token.Fungible, amount *uint256.Int) {
	tok.Burn(new(uint256.Int).Set(amount))
}

func (s *settlement) rollback() {
	for i := len(s.done) - 1; i >= 0; i-- {
		c := s.done[i]
		if c.undo() {
			continue
		}
		s.logger.Error().Str("action", c.action).Msg("compensating transfer failed, manual reconciliation required")
		if s.metrics != nil {
			s.metrics.CompensationFails.WithLabelValues(c.action).Inc()
		}
	}
	s.done = nil
}
