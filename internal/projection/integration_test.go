package projection_test

import (
	"PegLedger/internal/persistence"
	"PegLedger/internal/projection"
	"PegLedger/internal/query"
	"PegLedger/internal/testutil"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type projectedState struct {
	aliceDebt       string
	aliceCollateral string
	liquidations    int
	watermark       int64
}

func readProjections(t *testing.T, db *sql.DB) projectedState {
	t.Helper()
	var s projectedState
	if err := db.QueryRow(`SELECT debt::text FROM projections.accounts WHERE user_address = $1`,
		testutil.Alice.Hex()).Scan(&s.aliceDebt); err != nil {
		t.Fatalf("read debt: %v", err)
	}
	if err := db.QueryRow(`SELECT amount::text FROM projections.collateral_balances WHERE user_address = $1 AND asset = $2`,
		testutil.Alice.Hex(), testutil.WETH.Hex()).Scan(&s.aliceCollateral); err != nil {
		t.Fatalf("read collateral: %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM projections.liquidations`).Scan(&s.liquidations); err != nil {
		t.Fatalf("count liquidations: %v", err)
	}
	if err := db.QueryRow(`SELECT last_sequence FROM projections.watermark WHERE projection_name = 'postgres'`).
		Scan(&s.watermark); err != nil {
		t.Fatalf("read watermark: %v", err)
	}
	return s
}

func TestIntegration_PostgresProjector(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	envs := liquidationWorkload(t)
	p := projection.NewPostgresProjector(db)
	for _, env := range envs {
		if err := p.Apply(ctx, env); err != nil {
			t.Fatalf("apply %d: %v", env.Sequence, err)
		}
	}

	want := projectedState{
		aliceDebt:       wad("5000").Dec(),
		aliceCollateral: "6944444444444444446",
		liquidations:    1,
		watermark:       3,
	}
	if got := readProjections(t, db); got != want {
		t.Fatalf("projections: got %+v, want %+v", got, want)
	}

	// Replaying an older envelope must not move rows backwards.
	if err := p.Apply(ctx, envs[0]); err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if got := readProjections(t, db); got != want {
		t.Errorf("after replay: got %+v, want %+v", got, want)
	}

	svc := query.NewPostgresService(db)
	page, err := query.LiquidationHistory(ctx, svc, testutil.Carol, 0, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.Liquidations) != 1 || page.AsOfSequence != 3 {
		t.Fatalf("history page: %+v", page)
	}
	if l := page.Liquidations[0]; l.TotalSeized != "3055555555555555554" || l.Target != testutil.Alice.Hex() {
		t.Errorf("liquidation row: %+v", l)
	}
}

func TestIntegration_RebuildFromEventLog(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	envs := liquidationWorkload(t)
	w := persistence.NewPersistenceWorker(db, nil, 16, time.Second, nil, zerolog.Nop())
	if err := w.Flush(ctx, envs); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := projection.RebuildProjections(ctx, db, zerolog.Nop()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}

	want := projectedState{
		aliceDebt:       wad("5000").Dec(),
		aliceCollateral: "6944444444444444446",
		liquidations:    1,
		watermark:       3,
	}
	if got := readProjections(t, db); got != want {
		t.Fatalf("rebuilt projections: got %+v, want %+v", got, want)
	}

	report, err := query.NewPostgresService(db).VerifyIntegrity(ctx)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !report.IsHealthy || report.LastSequence != 3 {
		t.Errorf("integrity: %+v", report)
	}
}
