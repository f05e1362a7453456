package persistence

import (
	"PegLedger/internal/event"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// EventRow represents a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventID        uuid.UUID
	EventType      string
	IdempotencyKey string
	User           string
	Payload        []byte // JSON command or liquidation record
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// DeltaRow represents a row in event_log.position_deltas. Amounts are
// decimal strings so NUMERIC(78,0) holds any 256-bit value.
type DeltaRow struct {
	Sequence int64
	Path     string
	Prev     string
	Next     string
}

// RowsFromEnvelope converts a committed envelope into its event and delta rows.
func RowsFromEnvelope(env *event.EventEnvelope) (EventRow, []DeltaRow) {
	row := EventRow{
		Sequence:       env.Sequence,
		EventID:        env.EventID,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		User:           env.User.Hex(),
		Payload:        env.Payload,
		StateHash:      append([]byte(nil), env.StateHash[:]...),
		PrevHash:       append([]byte(nil), env.PrevHash[:]...),
		Timestamp:      env.Timestamp,
	}
	deltas := make([]DeltaRow, 0, len(env.Deltas))
	for _, d := range env.Deltas {
		deltas = append(deltas, DeltaRow{
			Sequence: env.Sequence,
			Path:     d.Path,
			Prev:     d.Prev.Dec(),
			Next:     d.Next.Dec(),
		})
	}
	return row, deltas
}

// Envelope rebuilds the envelope for replay. deltas must belong to the row
// and be sorted by path.
func (r EventRow) Envelope(deltas []DeltaRow) (*event.EventEnvelope, error) {
	t := event.ParseEventType(r.EventType)
	if t == event.EventTypeUnknown {
		return nil, fmt.Errorf("event %d: unknown type %q", r.Sequence, r.EventType)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("event %d: hashes must be 32 bytes", r.Sequence)
	}

	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		EventID:        r.EventID,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      t,
		User:           common.HexToAddress(r.User),
		Timestamp:      r.Timestamp,
		Payload:        r.Payload,
		Deltas:         make([]event.PositionDelta, 0, len(deltas)),
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)

	for _, d := range deltas {
		if d.Sequence != r.Sequence {
			return nil, fmt.Errorf("event %d: delta %s belongs to %d", r.Sequence, d.Path, d.Sequence)
		}
		prev, err := uint256.FromDecimal(d.Prev)
		if err != nil {
			return nil, fmt.Errorf("event %d: delta %s prev: %w", r.Sequence, d.Path, err)
		}
		next, err := uint256.FromDecimal(d.Next)
		if err != nil {
			return nil, fmt.Errorf("event %d: delta %s next: %w", r.Sequence, d.Path, err)
		}
		env.Deltas = append(env.Deltas, event.PositionDelta{Path: d.Path, Prev: prev, Next: next})
	}
	return env, nil
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events and deltas to Postgres with multi-row INSERTs.
type EventLogWriter struct {
	db *sql.DB
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch writes events to event_log.events. Rows already present
// are skipped, so a retried batch is harmless.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_id, event_type, idempotency_key, user_address, payload, state_hash, prev_hash, timestamp)
		VALUES `

	const cols = 9
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventID, e.EventType, e.IdempotencyKey, e.User,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteDeltaBatch writes position deltas to event_log.position_deltas.
func (w *EventLogWriter) WriteDeltaBatch(ctx context.Context, ex execer, deltas []DeltaRow) error {
	if len(deltas) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.position_deltas (sequence, path, prev, next) VALUES `

	const cols = 4
	values := make([]string, 0, len(deltas))
	args := make([]any, 0, len(deltas)*cols)

	for i, d := range deltas {
		values = append(values, placeholders(i*cols, cols))
		args = append(args, d.Sequence, d.Path, d.Prev, d.Next)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence, path) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders returns "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+i)
	}
	b.WriteByte(')')
	return b.String()
}
