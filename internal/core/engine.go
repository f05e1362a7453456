package core

import (
	"PegLedger/internal/errs"
	"PegLedger/internal/event"
	"PegLedger/internal/ledger"
	fpmath "PegLedger/internal/math"
	"PegLedger/internal/observability"
	"PegLedger/internal/registry"
	"PegLedger/internal/state"
	"PegLedger/internal/token"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Engine is the single-threaded debt-issuance state machine. It is not safe
// for concurrent use; the daemon funnels every call through one goroutine.
type Engine struct {
	sequence int64
	hasher   *StateHasher

	registry     *registry.Registry
	store        ledger.Store
	collateral   *ledger.CollateralLedger
	debt         *ledger.DebtLedger
	health       *state.HealthCalculator
	liquidations *state.LiquidationCoordinator

	tokens map[common.Address]token.Fungible
	pegged token.Fungible

	idempotency *IdempotencyChecker
	metrics     *observability.Metrics
	logger      zerolog.Logger
	now         func() time.Time

	// entered is the reentrancy guard; set for the duration of Execute.
	entered bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is emitted for every committed operation.
type CoreOutput struct {
	Envelope *event.EventEnvelope
}

// Receipt describes the result of Execute. Duplicate receipts carry no
// Sequence or Envelope: the original commit is not looked up.
type Receipt struct {
	Sequence    int64
	Duplicate   bool
	Envelope    *event.EventEnvelope
	Liquidation *state.Liquidation
}

// Config wires an Engine. Registry, Collateral and Pegged are required.
type Config struct {
	Registry *registry.Registry

	// Collateral holds one token per registered asset.
	Collateral map[common.Address]token.Fungible
	Pegged     token.Fungible

	// Store defaults to a fresh ledger.MemoryStore.
	Store ledger.Store

	// StartSequence is the next sequence to assign; defaults to 1.
	StartSequence int64

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput

	DBChecker           DBIdempotencyChecker
	IdempotencyCapacity int

	Metrics *observability.Metrics
	Logger  *zerolog.Logger
	Clock   func() time.Time
}

func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("%w: nil registry", errs.ErrConfigMismatch)
	}
	if cfg.Pegged == nil {
		return nil, fmt.Errorf("%w: nil pegged token", errs.ErrConfigMismatch)
	}
	tokens := make(map[common.Address]token.Fungible, len(cfg.Collateral))
	for _, asset := range cfg.Registry.ListAssets() {
		tok, ok := cfg.Collateral[asset]
		if !ok || tok == nil {
			return nil, fmt.Errorf("%w: no token for collateral %s", errs.ErrConfigMismatch, asset.Hex())
		}
		tokens[asset] = tok
	}

	store := cfg.Store
	if store == nil {
		store = ledger.NewMemoryStore()
	}
	startSeq := cfg.StartSequence
	if startSeq <= 0 {
		startSeq = 1
	}
	capacity := cfg.IdempotencyCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	collateral := ledger.NewCollateralLedger(store, cfg.Registry)
	debt := ledger.NewDebtLedger(store)
	health := state.NewHealthCalculator(cfg.Registry, collateral, debt)

	return &Engine{
		sequence:       startSeq,
		hasher:         NewStateHasher(),
		registry:       cfg.Registry,
		store:          store,
		collateral:     collateral,
		debt:           debt,
		health:         health,
		liquidations:   state.NewLiquidationCoordinator(cfg.Registry, collateral, debt, health),
		tokens:         tokens,
		pegged:         cfg.Pegged,
		idempotency:    NewIdempotencyChecker(capacity, cfg.DBChecker, cfg.Metrics),
		metrics:        cfg.Metrics,
		logger:         logger,
		now:            clock,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}, nil
}

// Execute runs one command as an all-or-nothing unit: checks, ledger effects,
// solvency validation, then external interactions. On any error the ledgers
// are reverted to their state before the call and completed transfers are
// compensated. A command whose idempotency key was already committed is
// acknowledged without running again.
func (e *Engine) Execute(cmd event.Event) (*Receipt, error) {
	if e.entered {
		return nil, errs.ErrReentrantCall
	}
	e.entered = true
	defer func() { e.entered = false }()

	start := time.Now()
	op := cmd.EventType().String()
	key := cmd.IdempotencyKey()

	if e.idempotency.IsDuplicate(op, key) {
		e.logger.Debug().Str("op", op).Str("idempotency_key", key).Msg("duplicate command acknowledged")
		return &Receipt{Duplicate: true}, nil
	}

	cp := e.store.Checkpoint()
	s := &settlement{logger: e.logger, metrics: e.metrics}

	payload, liq, err := e.dispatch(cmd, s)
	if err != nil {
		s.rollback()
		e.store.RevertTo(cp)
		e.recordRejected(op, cmd, err)
		return nil, err
	}

	deltas := toDeltas(ledger.Net(e.store.ChangesSince(cp)))
	e.store.Commit()

	envelope := e.seal(cmd, payload, deltas)
	e.emit(envelope)
	e.idempotency.MarkProcessed(op, key)

	if e.metrics != nil {
		e.metrics.EngineOpsApplied.WithLabelValues(op).Inc()
		e.metrics.EngineOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(envelope.Sequence))
	}
	if liq != nil {
		e.recordLiquidation(liq)
	}

	return &Receipt{Sequence: envelope.Sequence, Envelope: envelope, Liquidation: liq}, nil
}

func (e *Engine) recordRejected(op string, cmd event.Event, err error) {
	kind := errs.Kind(err)
	e.logger.Debug().
		Err(err).
		Str("op", op).
		Str("kind", kind).
		Str("user", cmd.Account().Hex()).
		Msg("operation rejected")
	if e.metrics != nil {
		e.metrics.EngineOpsRejected.WithLabelValues(op, kind).Inc()
		e.metrics.EngineRollbacks.WithLabelValues(op).Inc()
	}
}

func (e *Engine) recordLiquidation(liq *state.Liquidation) {
	e.logger.Info().
		Str("liquidator", liq.Liquidator.Hex()).
		Str("target", liq.Target.Hex()).
		Str("asset", liq.Asset.Hex()).
		Str("debt_covered", fpmath.FormatWad(liq.DebtCovered)).
		Str("total_seized", liq.TotalSeized.Dec()).
		Str("starting_health", fpmath.FormatWad(liq.StartingHealth)).
		Str("ending_health", fpmath.FormatWad(liq.EndingHealth)).
		Msg("position liquidated")
	if e.metrics == nil {
		return
	}
	asset := liq.Asset.Hex()
	e.metrics.Liquidations.WithLabelValues(asset).Inc()
	seized, _ := fpmath.ToFloat(liq.TotalSeized)
	e.metrics.LiquidationSeized.WithLabelValues(asset).Add(seized)
	if !liq.EndingHealth.Eq(fpmath.MaxHealthFactor) {
		end, _ := fpmath.ToFloat(liq.EndingHealth)
		begin, _ := fpmath.ToFloat(liq.StartingHealth)
		e.metrics.LiquidationHFDelta.Observe(end - begin)
	}
}

func toDeltas(changes []ledger.Change) []event.PositionDelta {
	deltas := make([]event.PositionDelta, 0, len(changes))
	for _, c := range changes {
		deltas = append(deltas, event.PositionDelta{
			Path: c.Key.Path(),
			Prev: c.Prev,
			Next: c.Next,
		})
	}
	sort.Slice(deltas, func(i, j int) bool {
		return deltas[i].Path < deltas[j].Path
	})
	return deltas
}

// seal assigns the next sequence and extends the hash chain.
func (e *Engine) seal(cmd event.Event, payload any, deltas []event.PositionDelta) *event.EventEnvelope {
	data, err := event.EncodePayload(payload)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s payload: %v", cmd.EventType(), err))
	}

	prevHash := e.hasher.GetPrevHash()
	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		EventID:        uuid.New(),
		IdempotencyKey: cmd.IdempotencyKey(),
		EventType:      cmd.EventType(),
		User:           cmd.Account(),
		Timestamp:      e.now().UTC(),
		Payload:        data,
		Deltas:         deltas,
		PrevHash:       prevHash,
	}
	envelope.StateHash = e.hasher.ComputeHash(e.sequence, StateDigest(deltas))
	e.sequence++
	return envelope
}

// emit hands the envelope to the persistence and projection workers.
// Persistence uses a blocking send so no committed operation is lost;
// projections use a non-blocking send and rebuild from the log if they
// fall behind.
func (e *Engine) emit(envelope *event.EventEnvelope) {
	output := CoreOutput{Envelope: envelope}

	if e.persistChan != nil {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}
}

// --- Mutating operations ---

func (e *Engine) DepositCollateral(user, asset common.Address, amount *uint256.Int) error {
	_, err := e.Execute(&event.DepositCollateral{RequestID: uuid.New(), User: user, Asset: asset, Amount: amount})
	return err
}

func (e *Engine) MintDebt(user common.Address, amount *uint256.Int) error {
	_, err := e.Execute(&event.MintDebt{RequestID: uuid.New(), User: user, Amount: amount})
	return err
}

func (e *Engine) DepositCollateralAndMint(user, asset common.Address, amount, mintAmount *uint256.Int) error {
	_, err := e.Execute(&event.DepositCollateralAndMint{
		RequestID:  uuid.New(),
		User:       user,
		Asset:      asset,
		Amount:     amount,
		MintAmount: mintAmount,
	})
	return err
}

func (e *Engine) RedeemCollateral(user, asset common.Address, amount *uint256.Int) error {
	_, err := e.Execute(&event.RedeemCollateral{RequestID: uuid.New(), User: user, Asset: asset, Amount: amount})
	return err
}

func (e *Engine) BurnDebt(user common.Address, amount *uint256.Int) error {
	_, err := e.Execute(&event.BurnDebt{RequestID: uuid.New(), User: user, Amount: amount})
	return err
}

func (e *Engine) RedeemCollateralForDebt(user, asset common.Address, collateralAmount, debtAmount *uint256.Int) error {
	_, err := e.Execute(&event.RedeemCollateralForDebt{
		RequestID:        uuid.New(),
		User:             user,
		Asset:            asset,
		CollateralAmount: collateralAmount,
		DebtAmount:       debtAmount,
	})
	return err
}

func (e *Engine) Liquidate(liquidator, target, asset common.Address, debtToCover *uint256.Int) (*state.Liquidation, error) {
	r, err := e.Execute(&event.Liquidate{
		RequestID:   uuid.New(),
		Liquidator:  liquidator,
		Target:      target,
		Asset:       asset,
		DebtToCover: debtToCover,
	})
	if err != nil {
		return nil, err
	}
	return r.Liquidation, nil
}

// --- Queries ---

// GetAccountInfo returns the user's debt and total collateral value in USD.
func (e *Engine) GetAccountInfo(user common.Address) (debt, collateralUSD *uint256.Int, err error) {
	return e.health.AccountInfo(user)
}

func (e *Engine) GetHealthFactor(user common.Address) (*uint256.Int, error) {
	return e.health.HealthFactorOf(user)
}

func (e *Engine) GetCollateralBalance(user, asset common.Address) *uint256.Int {
	return e.collateral.Balance(user, asset)
}

func (e *Engine) GetDebt(user common.Address) *uint256.Int {
	return e.debt.Debt(user)
}

func (e *Engine) GetUSDValue(asset common.Address, amount *uint256.Int) (*uint256.Int, error) {
	return e.health.USDValue(asset, amount)
}

func (e *Engine) GetTokenAmountFromUSD(asset common.Address, usd *uint256.Int) (*uint256.Int, error) {
	return e.health.TokenAmountFromUSD(asset, usd)
}

func (e *Engine) GetPrice(asset common.Address) (*uint256.Int, error) {
	return e.health.Price(asset)
}

// GetStalenessWindow returns how old the asset's price may get before reads
// fail with ErrStalePrice.
func (e *Engine) GetStalenessWindow(asset common.Address) (time.Duration, error) {
	a, err := e.registry.AdapterFor(asset)
	if err != nil {
		return 0, err
	}
	return a.StalenessWindow(), nil
}

// GetCollateralTokens lists the supported assets in registration order.
func (e *Engine) GetCollateralTokens() []common.Address {
	return e.registry.ListAssets()
}

// CheckSolvency returns every indebted user below the minimum health factor.
func (e *Engine) CheckSolvency() ([]state.SolvencyViolation, error) {
	return e.health.CheckSolvency(e.store.Users())
}

// GetSequence returns the next sequence number to be assigned.
func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}
