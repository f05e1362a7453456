package persistence

import (
	"PegLedger/internal/core"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// snapshotFormatVersion 1: JSON-encoded SnapshotData with decimal amounts.
const snapshotFormatVersion = 1

// SnapshotManager saves and loads engine snapshots and reads the event log
// for replay.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the stored form of core.SnapshotState.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Positions       map[string]string `json:"positions"` // path -> decimal amount
	IdempotencyKeys []string          `json:"idempotency_keys"`
	PriceRounds     map[string]uint64 `json:"price_rounds,omitempty"` // asset hex -> last accepted round
	CreatedAt       time.Time         `json:"created_at"`
}

// SnapshotFromState converts an engine snapshot for storage.
func SnapshotFromState(s *core.SnapshotState, createdAt time.Time) *SnapshotData {
	positions := make(map[string]string, len(s.Positions))
	for path, amount := range s.Positions {
		positions[path] = amount.Dec()
	}
	return &SnapshotData{
		Sequence:        s.Sequence,
		StateHash:       append([]byte(nil), s.StateHash[:]...),
		Positions:       positions,
		IdempotencyKeys: s.IdempotencyKeys,
		CreatedAt:       createdAt.UTC(),
	}
}

// State converts stored data back into an engine snapshot.
func (d *SnapshotData) State() (*core.SnapshotState, error) {
	if len(d.StateHash) != 32 {
		return nil, fmt.Errorf("snapshot %d: state hash must be 32 bytes", d.Sequence)
	}
	s := &core.SnapshotState{
		Sequence:        d.Sequence,
		Positions:       make(map[string]*uint256.Int, len(d.Positions)),
		IdempotencyKeys: d.IdempotencyKeys,
	}
	copy(s.StateHash[:], d.StateHash)
	for path, dec := range d.Positions {
		amount, err := uint256.FromDecimal(dec)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: position %s: %w", d.Sequence, path, err)
		}
		s.Positions[path] = amount
	}
	return s, nil
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot stores snap unverified. It becomes loadable once VerifyPending
// finds the matching event in the log.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), snap.Sequence, data, snap.StateHash, snapshotFormatVersion, len(data), snap.CreatedAt)
	return err
}

// VerifyPending marks snapshots verified once the event at their sequence is
// durable and carries the same state hash. It returns the number verified.
func (sm *SnapshotManager) VerifyPending(ctx context.Context) (int64, error) {
	res, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots s
		SET verified = TRUE
		FROM event_log.events e
		WHERE NOT s.verified
		  AND e.sequence = s.sequence
		  AND e.state_hash = s.state_hash
	`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LoadLatestSnapshot loads the most recent verified snapshot, or nil when
// there is none.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	var data []byte
	err := sm.db.QueryRowContext(ctx, `
		SELECT data FROM event_log.snapshots
		WHERE verified = TRUE AND format_version = $1
		ORDER BY sequence DESC
		LIMIT 1
	`, snapshotFormatVersion).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadEventsFrom loads up to limit events starting at fromSequence, with
// their deltas, in sequence order.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, map[int64][]DeltaRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_id, event_type, idempotency_key, user_address,
		       payload, state_hash, prev_hash, timestamp
		FROM event_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventID, &e.EventType, &e.IdempotencyKey, &e.User,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(events) == 0 {
		return nil, nil, nil
	}

	deltas, err := sm.loadDeltas(ctx, events[0].Sequence, events[len(events)-1].Sequence)
	if err != nil {
		return nil, nil, err
	}
	return events, deltas, nil
}

func (sm *SnapshotManager) loadDeltas(ctx context.Context, from, to int64) (map[int64][]DeltaRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, path, prev::TEXT, next::TEXT
		FROM event_log.position_deltas
		WHERE sequence BETWEEN $1 AND $2
		ORDER BY sequence ASC, path ASC
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deltas := make(map[int64][]DeltaRow)
	for rows.Next() {
		var d DeltaRow
		if err := rows.Scan(&d.Sequence, &d.Path, &d.Prev, &d.Next); err != nil {
			return nil, err
		}
		deltas[d.Sequence] = append(deltas[d.Sequence], d)
	}
	return deltas, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log, or 0.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := sm.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM event_log.events`).Scan(&seq); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
