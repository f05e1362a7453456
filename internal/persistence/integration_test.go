package persistence_test

import (
	"PegLedger/internal/core"
	"PegLedger/internal/event"
	"PegLedger/internal/persistence"
	"PegLedger/internal/testutil"
	"PegLedger/migrations"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func flushAll(t *testing.T, w *persistence.PersistenceWorker, envs []*event.EventEnvelope) {
	t.Helper()
	if err := w.Flush(context.Background(), envs); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestIntegration_PersistAndRecover(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	live := testutil.NewHarness(t)
	envs := workload(t, live)

	var published []*event.EventEnvelope
	worker := persistence.NewPersistenceWorker(db, nil, 16, time.Second, nil, zerolog.Nop(),
		persistence.WithOnFlushed(func(batch []*event.EventEnvelope) { published = append(published, batch...) }))
	flushAll(t, worker, envs[:2])
	flushAll(t, worker, envs[2:])
	// A retried batch is a no-op.
	flushAll(t, worker, envs[:1])

	if len(published) != len(envs)+1 {
		t.Errorf("flush hook saw %d envelopes", len(published))
	}

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != int64(len(envs)) {
		t.Errorf("latest sequence: got %d, want %d", latest, len(envs))
	}

	fresh := testutil.NewHarness(t)
	result, err := persistence.Recover(ctx, sm, fresh.Engine, 2, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if result.Replayed != len(envs) || result.SnapshotSequence != 0 {
		t.Errorf("result: %+v", result)
	}
	if fresh.Engine.GetStateHash() != live.Engine.GetStateHash() {
		t.Error("recovered hash differs")
	}
}

func TestIntegration_SnapshotVerification(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	live := testutil.NewHarness(t)
	envs := workload(t, live)
	sm := persistence.NewSnapshotManager(db)
	worker := persistence.NewPersistenceWorker(db, nil, 16, time.Second, nil, zerolog.Nop())

	snap := persistence.SnapshotFromState(live.Engine.CreateSnapshotState(), time.Now())
	if err := sm.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Not loadable until the event it describes is durable.
	if n, err := sm.VerifyPending(ctx); err != nil || n != 0 {
		t.Fatalf("verify before flush: n=%d err=%v", n, err)
	}
	if loaded, err := sm.LoadLatestSnapshot(ctx); err != nil || loaded != nil {
		t.Fatalf("unverified snapshot loaded: %v %v", loaded, err)
	}

	flushAll(t, worker, envs)
	if n, err := sm.VerifyPending(ctx); err != nil || n != 1 {
		t.Fatalf("verify after flush: n=%d err=%v", n, err)
	}

	fresh := testutil.NewHarness(t)
	result, err := persistence.Recover(ctx, sm, fresh.Engine, 100, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if result.SnapshotSequence != snap.Sequence || result.Replayed != 0 {
		t.Errorf("result: %+v", result)
	}
	if fresh.Engine.GetStateHash() != live.Engine.GetStateHash() {
		t.Error("recovered hash differs")
	}
}

func TestIntegration_IdempotencyTier2(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)

	cmd := &event.DepositCollateral{RequestID: uuid.New(), User: testutil.Alice, Asset: testutil.WETH, Amount: wad("1")}
	first := testutil.NewHarness(t)
	if _, err := first.Engine.Execute(cmd); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var envs []*event.EventEnvelope
	for _, o := range first.Drain() {
		envs = append(envs, o.Envelope)
	}
	flushAll(t, persistence.NewPersistenceWorker(db, nil, 16, time.Second, nil, zerolog.Nop()), envs)

	checker := persistence.NewPostgresIdempotencyChecker(db, time.Second)
	dup, err := checker.IsDuplicate(cmd.EventType().String(), cmd.IdempotencyKey())
	if err != nil || !dup {
		t.Fatalf("committed command: dup=%v err=%v", dup, err)
	}
	dup, err = checker.IsDuplicate(cmd.EventType().String(), uuid.NewString())
	if err != nil || dup {
		t.Fatalf("unknown command: dup=%v err=%v", dup, err)
	}

	// An engine with an empty window still rejects the replayed request.
	second := testutil.NewHarness(t, testutil.WithEngineConfig(func(c *core.Config) { c.DBChecker = checker }))
	receipt, err := second.Engine.Execute(cmd)
	if err != nil || !receipt.Duplicate {
		t.Errorf("receipt=%+v err=%v", receipt, err)
	}
}

func TestIntegration_MigratorDownUp(t *testing.T) {
	testutil.RequireIntegration(t)
	db := testutil.SetupTestDB(t)
	ctx := context.Background()
	m := persistence.NewMigrator(db, migrations.FS, zerolog.Nop())

	status, err := m.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status) != 2 || !status[0].Applied || !status[1].Applied {
		t.Fatalf("status: %+v", status)
	}

	rolledBack, err := m.Down(ctx)
	if err != nil || !rolledBack {
		t.Fatalf("down: %v %v", rolledBack, err)
	}
	n, err := m.Up(ctx)
	if err != nil || n != 1 {
		t.Fatalf("up: applied=%d err=%v", n, err)
	}
}
