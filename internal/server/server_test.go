package server_test

import (
	"PegLedger/internal/core"
	"PegLedger/internal/errs"
	"PegLedger/internal/ingestion"
	"PegLedger/internal/projection"
	"PegLedger/internal/query"
	"PegLedger/internal/server"
	"PegLedger/internal/testutil"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type apiFixture struct {
	h       *testutil.Harness
	loop    *ingestion.CommandLoop
	history *projection.LiquidationHistory
	worker  *projection.ProjectionWorker
	srv     *httptest.Server
}

func startAPI(t *testing.T, limit rate.Limit, burst int) *apiFixture {
	t.Helper()
	h := testutil.NewHarness(t)
	prices := ingestion.NewPriceIngestor(h.Feeds, nil, zerolog.Nop())
	loop := ingestion.NewCommandLoop(h.Engine, prices, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	history := projection.NewLiquidationHistory(100)
	worker := projection.NewProjectionWorker(nil, nil, zerolog.Nop(), history)

	s, err := server.NewServer("127.0.0.1:0", "127.0.0.1:0", server.Deps{
		Loop:         loop,
		Liquidations: query.NewMemoryService(history, worker),
		RateLimit:    limit,
		RateBurst:    burst,
		Logger:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("server: %v", err)
	}
	srv := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &apiFixture{h: h, loop: loop, history: history, worker: worker, srv: srv}
}

func (f *apiFixture) post(t *testing.T, path string, body map[string]any) (int, map[string]any) {
	t.Helper()
	if _, ok := body["request_id"]; !ok {
		body["request_id"] = uuid.NewString()
	}
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decode(t, resp)
}

func (f *apiFixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	return resp.StatusCode, decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body (status %d): %v", resp.StatusCode, err)
	}
	return out
}

// setPrice publishes a price on the loop goroutine.
func (f *apiFixture) setPrice(t *testing.T, asset common.Address, usd string) {
	t.Helper()
	f.do(t, func() { f.h.SetPrice(t, asset, usd) })
}

func (f *apiFixture) do(t *testing.T, fn func()) {
	t.Helper()
	if err := f.loop.Do(context.Background(), func(*core.Engine) { fn() }); err != nil {
		t.Fatalf("do: %v", err)
	}
}

func wad(s string) string { return testutil.Wad(s).Dec() }

// ============================================================================
// Commands
// ============================================================================

func TestAPI_DepositAndMintAtBoundary(t *testing.T) {
	f := startAPI(t, 0, 0)

	code, body := f.post(t, "/v1/collateral/deposit-and-mint", map[string]any{
		"user": testutil.Alice, "asset": testutil.WETH,
		"amount": wad("10"), "mint_amount": wad("10000"),
	})
	if code != http.StatusOK {
		t.Fatalf("deposit-and-mint: %d %v", code, body)
	}
	if body["sequence"].(float64) != 1 || body["duplicate"].(bool) {
		t.Errorf("unexpected receipt: %v", body)
	}
	if body["state_hash"] == "" || body["event_id"] == "" {
		t.Errorf("receipt missing envelope fields: %v", body)
	}

	code, body = f.post(t, "/v1/debt/mint", map[string]any{"user": testutil.Alice, "amount": "1"})
	if code != http.StatusConflict {
		t.Fatalf("mint past boundary: got %d %v", code, body)
	}
	if body["error"] != "HealthFactorBroken" {
		t.Errorf("error kind: %v", body["error"])
	}
	if body["health_factor"] != "999999999999999999" {
		t.Errorf("health_factor: %v", body["health_factor"])
	}
}

func TestAPI_DuplicateRequestAcknowledged(t *testing.T) {
	f := startAPI(t, 0, 0)
	id := uuid.NewString()
	req := func() map[string]any {
		return map[string]any{"request_id": id, "user": testutil.Alice, "asset": testutil.WETH, "amount": wad("1")}
	}

	if code, body := f.post(t, "/v1/collateral/deposit", req()); code != http.StatusOK {
		t.Fatalf("first: %d %v", code, body)
	}
	code, body := f.post(t, "/v1/collateral/deposit", req())
	if code != http.StatusOK || body["duplicate"] != true {
		t.Fatalf("second: %d %v", code, body)
	}
	if _, ok := body["sequence"]; ok {
		t.Errorf("duplicate reported a sequence: %v", body["sequence"])
	}

	_, bal := f.get(t, fmt.Sprintf("/v1/accounts/%s/collateral/%s", testutil.Alice.Hex(), testutil.WETH.Hex()))
	if bal["amount"] != wad("1") {
		t.Errorf("balance after duplicate: %v", bal["amount"])
	}
}

func TestAPI_RejectedCommands(t *testing.T) {
	f := startAPI(t, 0, 0)
	unknown := common.HexToAddress("0x00000000000000000000000000000000000dead1")

	tests := []struct {
		name string
		path string
		body map[string]any
		code int
		kind string
	}{
		{"zero amount", "/v1/collateral/deposit",
			map[string]any{"user": testutil.Alice, "asset": testutil.WETH, "amount": "0"},
			http.StatusBadRequest, "ZeroAmount"},
		{"unsupported asset", "/v1/collateral/deposit",
			map[string]any{"user": testutil.Alice, "asset": unknown, "amount": wad("1")},
			http.StatusBadRequest, "UnsupportedAsset"},
		{"missing amount", "/v1/debt/mint",
			map[string]any{"user": testutil.Alice},
			http.StatusBadRequest, "Malformed"},
		{"missing request id", "/v1/debt/burn",
			map[string]any{"request_id": uuid.Nil.String(), "user": testutil.Alice, "amount": wad("1")},
			http.StatusBadRequest, "Malformed"},
		{"redeem without collateral", "/v1/collateral/redeem",
			map[string]any{"user": testutil.Alice, "asset": testutil.WETH, "amount": wad("1")},
			http.StatusConflict, "InsufficientCollateral"},
		{"burn without debt", "/v1/debt/burn",
			map[string]any{"user": testutil.Alice, "amount": wad("1")},
			http.StatusConflict, "InsufficientDebt"},
		{"deposit beyond wallet", "/v1/collateral/deposit",
			map[string]any{"user": testutil.Alice, "asset": testutil.WETH, "amount": wad("1001")},
			http.StatusFailedDependency, "TransferFailed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.post(t, tt.path, tt.body)
			if code != tt.code || body["error"] != tt.kind {
				t.Errorf("got %d %v, want %d %s", code, body["error"], tt.code, tt.kind)
			}
		})
	}

	_, acct := f.get(t, "/v1/accounts/"+testutil.Alice.Hex())
	if acct["debt"] != "0" || len(acct["collateral"].([]any)) != 0 {
		t.Errorf("rejected commands mutated the account: %v", acct)
	}
}

func TestAPI_MalformedBody(t *testing.T) {
	f := startAPI(t, 0, 0)
	resp, err := http.Post(f.srv.URL+"/v1/collateral/deposit", "application/json", bytes.NewBufferString("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status: %d", resp.StatusCode)
	}
}

func TestAPI_RateLimit(t *testing.T) {
	f := startAPI(t, rate.Every(time.Hour), 1)
	body := func() map[string]any {
		return map[string]any{"user": testutil.Alice, "asset": testutil.WETH, "amount": wad("1")}
	}

	if code, _ := f.post(t, "/v1/collateral/deposit", body()); code != http.StatusOK {
		t.Fatalf("first request: %d", code)
	}
	code, resp := f.post(t, "/v1/collateral/deposit", body())
	if code != http.StatusTooManyRequests || resp["error"] != "RateLimited" {
		t.Errorf("second request: %d %v", code, resp)
	}

	// Queries are not limited.
	if code, _ := f.get(t, "/v1/collateral"); code != http.StatusOK {
		t.Errorf("query: %d", code)
	}
}

// ============================================================================
// Liquidation
// ============================================================================

func TestAPI_LiquidationAndHistory(t *testing.T) {
	f := startAPI(t, 0, 0)

	if code, body := f.post(t, "/v1/collateral/deposit-and-mint", map[string]any{
		"user": testutil.Alice, "asset": testutil.WETH, "amount": wad("10"), "mint_amount": wad("10000"),
	}); code != http.StatusOK {
		t.Fatalf("alice: %d %v", code, body)
	}
	if code, body := f.post(t, "/v1/collateral/deposit-and-mint", map[string]any{
		"user": testutil.Bob, "asset": testutil.WETH, "amount": wad("20"), "mint_amount": wad("5000"),
	}); code != http.StatusOK {
		t.Fatalf("bob: %d %v", code, body)
	}

	liquidate := map[string]any{
		"liquidator": testutil.Bob, "target": testutil.Alice, "asset": testutil.WETH, "debt_to_cover": wad("5000"),
	}
	if code, body := f.post(t, "/v1/liquidations", liquidate); code != http.StatusConflict || body["error"] != "HealthFactorOk" {
		t.Fatalf("healthy target: %d %v", code, body)
	}

	f.setPrice(t, testutil.WETH, "1800")

	_, acct := f.get(t, "/v1/accounts/"+testutil.Alice.Hex())
	if acct["status"] != "Liquidatable" || acct["health_factor_display"] != "0.9" {
		t.Fatalf("alice before liquidation: %v", acct)
	}

	code, body := f.post(t, "/v1/liquidations", liquidate)
	if code != http.StatusOK {
		t.Fatalf("liquidate: %d %v", code, body)
	}
	liq := body["liquidation"].(map[string]any)
	if liq["total_seized"] != "3055555555555555554" {
		t.Errorf("total_seized: %v", liq["total_seized"])
	}
	if liq["ending_health"] != wad("1.25") {
		t.Errorf("ending_health: %v", liq["ending_health"])
	}

	for {
		select {
		case out := <-f.h.Projection:
			f.worker.Process(context.Background(), out.Envelope)
			continue
		default:
		}
		break
	}

	for _, user := range []common.Address{testutil.Alice, testutil.Bob} {
		code, page := f.get(t, fmt.Sprintf("/v1/accounts/%s/liquidations", user.Hex()))
		if code != http.StatusOK {
			t.Fatalf("history: %d %v", code, page)
		}
		list := page["liquidations"].([]any)
		if len(list) != 1 {
			t.Fatalf("%s history: %v", user.Hex(), page)
		}
		if list[0].(map[string]any)["sequence"].(float64) != 3 {
			t.Errorf("sequence: %v", list[0])
		}
		if page["as_of_sequence"].(float64) != 3 {
			t.Errorf("as_of_sequence: %v", page["as_of_sequence"])
		}
	}

	_, page := f.get(t, fmt.Sprintf("/v1/accounts/%s/liquidations?before=3", testutil.Alice.Hex()))
	if len(page["liquidations"].([]any)) != 0 {
		t.Errorf("cursor not applied: %v", page)
	}
}

// ============================================================================
// Queries
// ============================================================================

func TestAPI_CollateralListing(t *testing.T) {
	f := startAPI(t, 0, 0)

	code, body := f.get(t, "/v1/collateral")
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	tokens := body["tokens"].([]any)
	if len(tokens) != 2 {
		t.Fatalf("tokens: %v", tokens)
	}
	weth := tokens[0].(map[string]any)
	if weth["asset"] != testutil.WETH.Hex() || weth["price"] != wad("2000") || weth["staleness_window"] != "3h0m0s" {
		t.Errorf("weth: %v", weth)
	}
	params := body["params"].(map[string]any)
	if params["liquidation_threshold"].(float64) != 50 || params["liquidation_bonus"].(float64) != 10 {
		t.Errorf("params: %v", params)
	}
}

func TestAPI_StalePrice(t *testing.T) {
	f := startAPI(t, 0, 0)
	if code, _ := f.post(t, "/v1/collateral/deposit", map[string]any{
		"user": testutil.Alice, "asset": testutil.WETH, "amount": wad("1"),
	}); code != http.StatusOK {
		t.Fatal("deposit failed")
	}

	f.h.Clock.Advance(3*time.Hour + time.Minute)

	code, body := f.get(t, "/v1/accounts/"+testutil.Alice.Hex())
	if code != http.StatusFailedDependency || body["error"] != "StalePrice" {
		t.Errorf("account with stale price: %d %v", code, body)
	}

	// Balances need no price.
	code, body = f.get(t, fmt.Sprintf("/v1/accounts/%s/collateral/%s", testutil.Alice.Hex(), testutil.WETH.Hex()))
	if code != http.StatusOK || body["amount"] != wad("1") {
		t.Errorf("balance with stale price: %d %v", code, body)
	}

	_, listing := f.get(t, "/v1/collateral")
	weth := listing["tokens"].([]any)[0].(map[string]any)
	if weth["price_error"] == nil {
		t.Errorf("expected price_error: %v", weth)
	}
}

func TestAPI_InvalidPathParams(t *testing.T) {
	f := startAPI(t, 0, 0)
	unknown := common.HexToAddress("0x00000000000000000000000000000000000dead1")

	tests := []struct {
		path string
		code int
	}{
		{"/v1/accounts/not-an-address", http.StatusBadRequest},
		{fmt.Sprintf("/v1/accounts/%s/collateral/%s", testutil.Alice.Hex(), unknown.Hex()), http.StatusBadRequest},
		{fmt.Sprintf("/v1/accounts/%s/liquidations?limit=-1", testutil.Alice.Hex()), http.StatusBadRequest},
	}
	for _, tt := range tests {
		if code, body := f.get(t, tt.path); code != tt.code {
			t.Errorf("%s: got %d %v", tt.path, code, body)
		}
	}
}

func TestAPI_Integrity(t *testing.T) {
	f := startAPI(t, 0, 0)
	f.post(t, "/v1/collateral/deposit-and-mint", map[string]any{
		"user": testutil.Alice, "asset": testutil.WETH, "amount": wad("10"), "mint_amount": wad("10000"),
	})

	_, report := f.get(t, "/v1/admin/integrity")
	if report["is_healthy"] != true {
		t.Fatalf("healthy system reported unhealthy: %v", report)
	}

	f.setPrice(t, testutil.WETH, "1000")
	_, report = f.get(t, "/v1/admin/integrity")
	if report["is_healthy"] != false {
		t.Fatalf("underwater account not reported: %v", report)
	}
	under := report["undercollateralized"].([]any)
	if len(under) != 1 || under[0].(map[string]any)["user"] != testutil.Alice.Hex() {
		t.Errorf("undercollateralized: %v", under)
	}
}

func TestAPI_Healthz(t *testing.T) {
	f := startAPI(t, 0, 0)
	code, body := f.get(t, "/healthz")
	if code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz: %d %v", code, body)
	}
}

// ============================================================================
// Error mapping
// ============================================================================

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ingestion.ErrMalformed, http.StatusBadRequest},
		{errs.ErrZeroAmount, http.StatusBadRequest},
		{errs.ErrUnsupportedAsset, http.StatusBadRequest},
		{errs.ErrConfigMismatch, http.StatusBadRequest},
		{&errs.HealthFactorBrokenError{User: "0x1", Value: testutil.Wad("0.5")}, http.StatusConflict},
		{errs.ErrHealthFactorOk, http.StatusConflict},
		{errs.ErrHealthFactorNotImproved, http.StatusConflict},
		{errs.ErrInsufficientCollateral, http.StatusConflict},
		{errs.ErrInsufficientDebt, http.StatusConflict},
		{errs.ErrStalePrice, http.StatusFailedDependency},
		{errs.ErrInvalidPrice, http.StatusFailedDependency},
		{fmt.Errorf("pull: %w", errs.ErrTransferFailed), http.StatusFailedDependency},
		{errs.ErrMintFailed, http.StatusFailedDependency},
		{errs.ErrReentrantCall, http.StatusLocked},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := server.StatusFor(tt.err); got != tt.code {
			t.Errorf("StatusFor(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}
