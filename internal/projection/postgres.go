package projection

import (
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// PostgresProjector maintains projections.accounts,
// projections.collateral_balances and projections.liquidations.
// Deltas carry post-state, so each row is overwritten rather than adjusted,
// guarded by last_sequence so replays never move a row backwards.
type PostgresProjector struct {
	db *sql.DB
}

func NewPostgresProjector(db *sql.DB) *PostgresProjector {
	return &PostgresProjector{db: db}
}

func (p *PostgresProjector) Name() string { return "postgres" }

func (p *PostgresProjector) Apply(ctx context.Context, env *event.EventEnvelope) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, d := range env.Deltas {
		key, err := ledger.ParsePath(d.Path)
		if err != nil {
			return err
		}
		if err := upsertPosition(ctx, tx, key, d.Next.Dec(), env); err != nil {
			return fmt.Errorf("position %s: %w", d.Path, err)
		}
	}

	if env.EventType == event.EventTypeLiquidated {
		rec, err := event.DecodeLiquidation(env.Payload)
		if err != nil {
			return err
		}
		if err := insertLiquidation(ctx, tx, env, rec); err != nil {
			return fmt.Errorf("liquidation: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, EXCLUDED.last_sequence),
			    updated_at = NOW()
	`, p.Name(), env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertPosition(ctx context.Context, tx execer, key ledger.PositionKey, amount string, env *event.EventEnvelope) error {
	if key.Kind == ledger.PositionKindDebt {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO projections.accounts (user_address, debt, last_sequence, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (user_address) DO UPDATE
				SET debt = EXCLUDED.debt, last_sequence = EXCLUDED.last_sequence, updated_at = EXCLUDED.updated_at
				WHERE projections.accounts.last_sequence < EXCLUDED.last_sequence
		`, key.User.Hex(), amount, env.Sequence, env.Timestamp)
		return err
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.collateral_balances (user_address, asset, amount, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_address, asset) DO UPDATE
			SET amount = EXCLUDED.amount, last_sequence = EXCLUDED.last_sequence, updated_at = EXCLUDED.updated_at
			WHERE projections.collateral_balances.last_sequence < EXCLUDED.last_sequence
	`, key.User.Hex(), key.Asset.Hex(), amount, env.Sequence, env.Timestamp)
	return err
}

func insertLiquidation(ctx context.Context, tx execer, env *event.EventEnvelope, rec *event.LiquidationRecord) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.liquidations
			(sequence, request_id, liquidator, target, asset, price, debt_covered, token_amount,
			 bonus, total_seized, starting_health, ending_health, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, rec.RequestID, rec.Liquidator.Hex(), rec.Target.Hex(), rec.Asset.Hex(),
		rec.Price.Dec(), rec.DebtCovered.Dec(), rec.TokenAmount.Dec(), rec.Bonus.Dec(),
		rec.TotalSeized.Dec(), rec.StartingHealth.Dec(), rec.EndingHealth.Dec(), env.Timestamp)
	return err
}

// RebuildProjections rebuilds every Postgres projection from the event log:
// each position takes its latest delta, and liquidations are decoded from
// Liquidated payloads.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.accounts`,
		`TRUNCATE projections.collateral_balances`,
		`TRUNCATE projections.liquidations`,
		`DELETE FROM projections.watermark WHERE projection_name = 'postgres'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// collateral:{user}:{asset} and debt:{user}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.collateral_balances (user_address, asset, amount, last_sequence, updated_at)
		SELECT DISTINCT ON (d.path)
			split_part(d.path, ':', 2), split_part(d.path, ':', 3), d.next, d.sequence, e.timestamp
		FROM event_log.position_deltas d
		JOIN event_log.events e ON e.sequence = d.sequence
		WHERE d.path LIKE 'collateral:%'
		ORDER BY d.path, d.sequence DESC
	`); err != nil {
		return fmt.Errorf("rebuild collateral balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.accounts (user_address, debt, last_sequence, updated_at)
		SELECT DISTINCT ON (d.path)
			split_part(d.path, ':', 2), d.next, d.sequence, e.timestamp
		FROM event_log.position_deltas d
		JOIN event_log.events e ON e.sequence = d.sequence
		WHERE d.path LIKE 'debt:%'
		ORDER BY d.path, d.sequence DESC
	`); err != nil {
		return fmt.Errorf("rebuild accounts: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT sequence, payload, timestamp FROM event_log.events
		WHERE event_type = $1
		ORDER BY sequence
	`, event.EventTypeLiquidated.String())
	if err != nil {
		return fmt.Errorf("load liquidations: %w", err)
	}
	var liquidations []*event.EventEnvelope
	for rows.Next() {
		env := &event.EventEnvelope{EventType: event.EventTypeLiquidated}
		if err := rows.Scan(&env.Sequence, &env.Payload, &env.Timestamp); err != nil {
			rows.Close()
			return err
		}
		liquidations = append(liquidations, env)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, env := range liquidations {
		rec, err := event.DecodeLiquidation(env.Payload)
		if err != nil {
			return err
		}
		if err := insertLiquidation(ctx, tx, env, rec); err != nil {
			return fmt.Errorf("rebuild liquidation %d: %w", env.Sequence, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		SELECT 'postgres', COALESCE(MAX(sequence), 0), NOW() FROM event_log.events
	`); err != nil {
		return fmt.Errorf("watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Int("liquidations", len(liquidations)).Msg("projection rebuild complete")
	return nil
}
