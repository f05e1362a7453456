package server

import (
	"PegLedger/internal/core"
	"PegLedger/internal/errs"
	"PegLedger/internal/event"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/observability"
	"PegLedger/internal/query"
	"PegLedger/internal/state"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

type api struct {
	loop         *ingestion.CommandLoop
	liquidations query.LiquidationSource
	integrity    IntegrityVerifier
	limiter      *rate.Limiter
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func newAPI(deps Deps) (http.Handler, error) {
	limit := deps.RateLimit
	if limit == 0 {
		limit = rate.Inf
	}
	burst := deps.RateBurst
	if burst <= 0 {
		burst = 1
	}

	a := &api{
		loop:         deps.Loop,
		liquidations: deps.Liquidations,
		integrity:    deps.Integrity,
		limiter:      rate.NewLimiter(limit, burst),
		metrics:      deps.Metrics,
		logger:       deps.Logger,
	}

	return newGatewayMux(a.instrument, []route{
		{"POST", "/v1/collateral/deposit", a.command(event.EventTypeCollateralDeposited)},
		{"POST", "/v1/debt/mint", a.command(event.EventTypeDebtMinted)},
		{"POST", "/v1/collateral/deposit-and-mint", a.command(event.EventTypeCollateralDepositedAndDebtMinted)},
		{"POST", "/v1/collateral/redeem", a.command(event.EventTypeCollateralRedeemed)},
		{"POST", "/v1/debt/burn", a.command(event.EventTypeDebtBurned)},
		{"POST", "/v1/collateral/redeem-for-debt", a.command(event.EventTypeCollateralRedeemedForDebt)},
		{"POST", "/v1/liquidations", a.command(event.EventTypeLiquidated)},
		{"GET", "/v1/accounts/{user}", a.getAccount},
		{"GET", "/v1/accounts/{user}/collateral/{asset}", a.getCollateralBalance},
		{"GET", "/v1/accounts/{user}/liquidations", a.listLiquidations},
		{"GET", "/v1/collateral", a.listCollateral},
		{"GET", "/v1/admin/integrity", a.verifyIntegrity},
	})
}

// ============================================================================
// Commands
// ============================================================================

// CommandResponse acknowledges an executed or duplicate command.
type CommandResponse struct {
	Sequence    int64                  `json:"sequence,omitempty"`
	Duplicate   bool                   `json:"duplicate"`
	EventID     string                 `json:"event_id,omitempty"`
	StateHash   string                 `json:"state_hash,omitempty"`
	Liquidation *query.LiquidationView `json:"liquidation,omitempty"`
}

func (a *api) command(et event.EventType) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		if !a.limiter.Allow() {
			if a.metrics != nil {
				a.metrics.APIRateLimited.Inc()
			}
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "RateLimited", Message: "too many requests"})
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeError(w, errors.Join(ingestion.ErrMalformed, err))
			return
		}

		cmd, err := ingestion.ParseCommand(ingestion.RawEvent{
			Subject:   r.URL.Path,
			Kind:      et.String(),
			Data:      body,
			Timestamp: time.Now(),
		})
		if err != nil {
			writeError(w, err)
			return
		}

		receipt, err := a.loop.Submit(r.Context(), cmd)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, commandResponse(cmd, receipt))
	}
}

func commandResponse(cmd event.Event, receipt *core.Receipt) CommandResponse {
	resp := CommandResponse{Sequence: receipt.Sequence, Duplicate: receipt.Duplicate}
	if env := receipt.Envelope; env != nil {
		resp.EventID = env.EventID.String()
		resp.StateHash = hex.EncodeToString(env.StateHash[:])
	}
	if liq := receipt.Liquidation; liq != nil {
		view := liquidationView(liq)
		view.Sequence = receipt.Sequence
		view.RequestID = cmd.IdempotencyKey()
		if receipt.Envelope != nil {
			view.Timestamp = receipt.Envelope.Timestamp
		}
		resp.Liquidation = &view
	}
	return resp
}

func liquidationView(liq *state.Liquidation) query.LiquidationView {
	return query.LiquidationView{
		Liquidator:     liq.Liquidator.Hex(),
		Target:         liq.Target.Hex(),
		Asset:          liq.Asset.Hex(),
		Price:          liq.Price.Dec(),
		DebtCovered:    liq.DebtCovered.Dec(),
		TokenAmount:    liq.TokenAmount.Dec(),
		Bonus:          liq.Bonus.Dec(),
		TotalSeized:    liq.TotalSeized.Dec(),
		StartingHealth: liq.StartingHealth.Dec(),
		EndingHealth:   liq.EndingHealth.Dec(),
	}
}

// ============================================================================
// Queries
// ============================================================================

func (a *api) getAccount(w http.ResponseWriter, r *http.Request, params map[string]string) {
	user, err := parseAddress(params["user"])
	if err != nil {
		writeError(w, err)
		return
	}

	var (
		view    *query.AccountView
		viewErr error
	)
	if err := a.loop.Do(r.Context(), func(e *core.Engine) {
		view, viewErr = query.BuildAccountView(e, user)
	}); err != nil {
		writeError(w, err)
		return
	}
	if viewErr != nil {
		writeError(w, viewErr)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) getCollateralBalance(w http.ResponseWriter, r *http.Request, params map[string]string) {
	user, err := parseAddress(params["user"])
	if err != nil {
		writeError(w, err)
		return
	}
	asset, err := parseAddress(params["asset"])
	if err != nil {
		writeError(w, err)
		return
	}

	var (
		balance *query.CollateralBalance
		qErr    error
	)
	if err := a.loop.Do(r.Context(), func(e *core.Engine) {
		for _, supported := range e.GetCollateralTokens() {
			if supported == asset {
				balance = query.BuildCollateralBalance(e, user, asset)
				return
			}
		}
		qErr = errs.ErrUnsupportedAsset
	}); err != nil {
		writeError(w, err)
		return
	}
	if qErr != nil {
		writeError(w, qErr)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (a *api) listLiquidations(w http.ResponseWriter, r *http.Request, params map[string]string) {
	user, err := parseAddress(params["user"])
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	before, err := parseInt(q.Get("before"))
	if err != nil {
		writeError(w, err)
		return
	}
	limit, err := parseInt(q.Get("limit"))
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := query.LiquidationHistory(r.Context(), a.liquidations, user, before, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// CollateralResponse lists the registered assets and the risk constants.
type CollateralResponse struct {
	Tokens       []query.CollateralToken `json:"tokens"`
	Params       query.ProtocolParams    `json:"params"`
	AsOfSequence int64                   `json:"as_of_sequence"`
}

func (a *api) listCollateral(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	resp := CollateralResponse{Params: query.Params()}
	if err := a.loop.Do(r.Context(), func(e *core.Engine) {
		resp.Tokens = query.ListCollateralTokens(e)
		resp.AsOfSequence = e.GetSequence() - 1
	}); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) verifyIntegrity(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	report := &query.IntegrityReport{IsHealthy: true}
	if a.integrity != nil {
		var err error
		if report, err = a.integrity.VerifyIntegrity(r.Context()); err != nil {
			writeError(w, err)
			return
		}
	}

	var solvencyErr error
	if err := a.loop.Do(r.Context(), func(e *core.Engine) {
		report.Undercollateral, solvencyErr = query.Solvency(e)
		if a.integrity == nil {
			report.LastSequence = e.GetSequence() - 1
		}
	}); err != nil {
		writeError(w, err)
		return
	}
	if solvencyErr != nil {
		writeError(w, solvencyErr)
		return
	}

	report.IsHealthy = report.IsHealthy && len(report.Undercollateral) == 0
	writeJSON(w, http.StatusOK, report)
}

// ============================================================================
// Helpers
// ============================================================================

var errInvalidAddress = errors.New("invalid address")

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, errors.Join(ingestion.ErrMalformed, errInvalidAddress)
	}
	return common.HexToAddress(s), nil
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.Join(ingestion.ErrMalformed, errors.New("invalid integer "+strconv.Quote(s)))
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request count and latency per route pattern.
func (a *api) instrument(pattern string, next runtime.HandlerFunc) runtime.HandlerFunc {
	if a.metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r, params)
		a.metrics.APIRequests.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
		a.metrics.APIDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
	}
}

func requestLogger(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// doneErr reports whether err came from the request context.
func doneErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
