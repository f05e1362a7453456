package query

import (
	"PegLedger/internal/projection"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// LiquidationSource serves liquidation history. before > 0 restricts the
// result to sequences below it.
type LiquidationSource interface {
	LiquidationsByUser(ctx context.Context, user common.Address, before int64, limit int) ([]LiquidationView, error)
	Watermark(ctx context.Context) (int64, error)
}

// ClampPageSize maps a requested page size into [1, MaxPageSize].
func ClampPageSize(n int) int {
	switch {
	case n <= 0:
		return DefaultPageSize
	case n > MaxPageSize:
		return MaxPageSize
	default:
		return n
	}
}

// LiquidationHistory returns one page of a user's liquidations, as target
// or as liquidator.
func LiquidationHistory(ctx context.Context, src LiquidationSource, user common.Address, before int64, pageSize int) (*LiquidationPage, error) {
	limit := ClampPageSize(pageSize)
	asOf, err := src.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	views, err := src.LiquidationsByUser(ctx, user, before, limit)
	if err != nil {
		return nil, err
	}
	page := &LiquidationPage{Liquidations: views, AsOfSequence: asOf}
	if len(views) == limit {
		page.NextBefore = views[len(views)-1].Sequence
	}
	return page, nil
}

// ============================================================================
// Postgres
// ============================================================================

// PostgresService reads the projection tables and the event log.
type PostgresService struct {
	db *sql.DB
}

func NewPostgresService(db *sql.DB) *PostgresService {
	return &PostgresService{db: db}
}

func (qs *PostgresService) LiquidationsByUser(ctx context.Context, user common.Address, before int64, limit int) ([]LiquidationView, error) {
	query := `
		SELECT sequence, request_id, liquidator, target, asset, price, debt_covered, token_amount,
		       bonus, total_seized, starting_health, ending_health, timestamp
		FROM projections.liquidations
		WHERE (target = $1 OR liquidator = $1)
	`
	args := []interface{}{user.Hex()}
	argIdx := 2

	if before > 0 {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, before)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	views := make([]LiquidationView, 0)
	for rows.Next() {
		var v LiquidationView
		if err := rows.Scan(
			&v.Sequence, &v.RequestID, &v.Liquidator, &v.Target, &v.Asset, &v.Price,
			&v.DebtCovered, &v.TokenAmount, &v.Bonus, &v.TotalSeized,
			&v.StartingHealth, &v.EndingHealth, &v.Timestamp,
		); err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, rows.Err()
}

// Watermark returns the last sequence the Postgres projector applied.
func (qs *PostgresService) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'postgres'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// VerifyIntegrity checks the event log's hash chain. Solvency is filled in
// by the caller from the live engine.
func (qs *PostgresService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM event_log.events
	`).Scan(&report.LastSequence); err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// ============================================================================
// In-memory
// ============================================================================

// MemoryService serves liquidation history from the in-process projection
// when the daemon runs without Postgres.
type MemoryService struct {
	history *projection.LiquidationHistory
	worker  *projection.ProjectionWorker
}

func NewMemoryService(history *projection.LiquidationHistory, worker *projection.ProjectionWorker) *MemoryService {
	return &MemoryService{history: history, worker: worker}
}

func (ms *MemoryService) LiquidationsByUser(_ context.Context, user common.Address, before int64, limit int) ([]LiquidationView, error) {
	entries := ms.history.QueryByUser(user, before, limit)
	views := make([]LiquidationView, 0, len(entries))
	for _, e := range entries {
		views = append(views, LiquidationView{
			Sequence:       e.Sequence,
			RequestID:      e.RequestID.String(),
			Liquidator:     e.Liquidator.Hex(),
			Target:         e.Target.Hex(),
			Asset:          e.Asset.Hex(),
			Price:          e.Price.Dec(),
			DebtCovered:    e.DebtCovered.Dec(),
			TokenAmount:    e.TokenAmount.Dec(),
			Bonus:          e.Bonus.Dec(),
			TotalSeized:    e.TotalSeized.Dec(),
			StartingHealth: e.StartingHealth.Dec(),
			EndingHealth:   e.EndingHealth.Dec(),
			Timestamp:      e.Timestamp,
		})
	}
	return views, nil
}

func (ms *MemoryService) Watermark(context.Context) (int64, error) {
	if ms.worker == nil {
		return 0, nil
	}
	return ms.worker.LastSequence(), nil
}
