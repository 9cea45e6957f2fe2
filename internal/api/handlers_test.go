package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/challenge-engine/internal/api"
	"github.com/atmx/challenge-engine/internal/audit"
	"github.com/atmx/challenge-engine/internal/challenge"
	"github.com/atmx/challenge-engine/internal/market"
	"github.com/atmx/challenge-engine/internal/model"
	"github.com/atmx/challenge-engine/internal/payout"
	"github.com/atmx/challenge-engine/internal/risk"
	"github.com/atmx/challenge-engine/internal/rules"
	"github.com/atmx/challenge-engine/internal/store"
	"github.com/atmx/challenge-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type testEnv struct {
	store  *store.MemoryStore
	gw     *market.MemoryGateway
	router chi.Router
}

// newTestEnv wires every service over in-memory collaborators and mounts the
// routes under /api/v1.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	gw := market.NewMemoryGateway()
	table, err := rules.NewTable(nil)
	if err != nil {
		t.Fatal(err)
	}

	eval := challenge.NewEvaluator(ms, gw, nil, nil)
	worker := challenge.NewWorker(eval, 16, 1, time.Second, nil)
	h := api.NewHandler(api.Deps{
		Challenges: challenge.NewService(ms, gw, table, nil),
		Risk:       risk.NewEngine(ms, gw),
		Executor:   trade.NewExecutor(ms, gw, nil, nil, nil),
		Worker:     worker,
		Payouts:    payout.NewService(ms, nil, nil),
		Reconciler: audit.NewReconciler(ms, nil),
	})

	r := chi.NewRouter()
	r.Route("/api/v1", h.Routes)
	return &testEnv{store: ms, gw: gw, router: r}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, w.Body.String())
	}
}

// seedChallenge creates a user and a trader-tier challenge through the API
// and lists a liquid market m1.
func seedChallenge(t *testing.T, env *testEnv) (userID, challengeID string) {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/users", api.CreateUserRequest{Email: "trader@example.com"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", w.Code, w.Body)
	}
	var u model.User
	decodeBody(t, w, &u)

	w = env.do(t, "POST", "/api/v1/challenges", api.CreateChallengeRequest{UserID: u.ID, Tier: "trader"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create challenge: %d %s", w.Code, w.Body)
	}
	var c model.Challenge
	decodeBody(t, w, &c)

	env.gw.SetBook("m1",
		[]market.Level{{Price: d(0.55), Size: d(100000)}},
		[]market.Level{{Price: d(0.56), Size: d(100000)}},
	)
	env.gw.SetInfo(market.Info{ID: "m1", Category: "politics", Volume: d(1000000)})
	return u.ID, c.ID
}

func TestCreateChallenge(t *testing.T) {
	env := newTestEnv(t)
	userID, id := seedChallenge(t, env)

	w := env.do(t, "GET", "/api/v1/challenges/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body)
	}
	var v challenge.View
	decodeBody(t, w, &v)
	if v.UserID != userID || !v.Equity.Equal(d(10000)) || v.Phase != model.PhaseChallenge {
		t.Errorf("unexpected view %+v", v)
	}

	w = env.do(t, "POST", "/api/v1/challenges", api.CreateChallengeRequest{UserID: userID, Tier: "trader"})
	if w.Code != http.StatusConflict {
		t.Errorf("second active challenge: expected 409, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/challenges", api.CreateChallengeRequest{UserID: userID, Tier: "platinum"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown tier: expected 400, got %d", w.Code)
	}
}

func TestPreflightAndValidateAgree(t *testing.T) {
	env := newTestEnv(t)
	_, id := seedChallenge(t, env)

	w := env.do(t, "GET", "/api/v1/challenges/"+id+"/preflight?market=m1&direction=YES", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("preflight: %d %s", w.Code, w.Body)
	}
	var p risk.Preflight
	decodeBody(t, w, &p)
	if p.BindingConstraint != risk.ConstraintDailyLoss || !p.EffectiveMax.Equal(d(400)) {
		t.Fatalf("unexpected preflight %s %s", p.BindingConstraint, p.EffectiveMax)
	}

	w = env.do(t, "POST", "/api/v1/challenges/"+id+"/validate", api.ValidateRequest{
		MarketID: "m1", Amount: d(450), Direction: model.DirectionYes,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("validate: %d %s", w.Code, w.Body)
	}
	var dec risk.Decision
	decodeBody(t, w, &dec)
	if dec.Allowed || dec.BindingConstraint != p.BindingConstraint || !dec.Limit.Equal(p.EffectiveMax) {
		t.Errorf("validate disagrees with preflight: %+v", dec)
	}
}

func TestExecuteTrade(t *testing.T) {
	env := newTestEnv(t)
	userID, id := seedChallenge(t, env)

	w := env.do(t, "POST", "/api/v1/trade", trade.Request{
		UserID: userID, ChallengeID: id, MarketID: "m1", Side: model.SideBuy, Amount: d(200),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("trade: %d %s", w.Code, w.Body)
	}
	var res trade.Result
	decodeBody(t, w, &res)
	if res.Direction != model.DirectionYes || !res.Price.Equal(d(0.56)) {
		t.Errorf("unexpected result %+v", res)
	}

	w = env.do(t, "GET", "/api/v1/challenges/"+id+"/positions", nil)
	var positions []model.Position
	decodeBody(t, w, &positions)
	if len(positions) != 1 || positions[0].Status != model.PositionOpen {
		t.Errorf("positions = %+v", positions)
	}

	w = env.do(t, "GET", "/api/v1/challenges/"+id+"/trades", nil)
	var trades []model.Trade
	decodeBody(t, w, &trades)
	if len(trades) != 1 || trades[0].Type != model.SideBuy {
		t.Errorf("trades = %+v", trades)
	}

	w = env.do(t, "GET", "/api/v1/challenges/"+id+"/audit", nil)
	var rep audit.Report
	decodeBody(t, w, &rep)
	if !rep.OK() {
		t.Errorf("ledger should reconcile after a trade: %+v", rep)
	}
}

func TestExecuteTrade_ErrorStatus(t *testing.T) {
	env := newTestEnv(t)
	userID, id := seedChallenge(t, env)

	tests := []struct {
		name string
		req  trade.Request
		want int
	}{
		{"risk limit", trade.Request{UserID: userID, ChallengeID: id, MarketID: "m1", Side: model.SideBuy, Amount: d(450)}, http.StatusUnprocessableEntity},
		{"bad side", trade.Request{UserID: userID, ChallengeID: id, MarketID: "m1", Side: "HOLD", Amount: d(10)}, http.StatusBadRequest},
		{"unknown market", trade.Request{UserID: userID, ChallengeID: id, MarketID: "zz", Side: model.SideBuy, Amount: d(10)}, http.StatusBadRequest},
		{"no position to sell", trade.Request{UserID: userID, ChallengeID: id, MarketID: "m1", Side: model.SideSell, Shares: d(10)}, http.StatusConflict},
		{"wrong owner", trade.Request{UserID: "someone", ChallengeID: id, MarketID: "m1", Side: model.SideBuy, Amount: d(10)}, http.StatusConflict},
		{"unknown challenge", trade.Request{UserID: userID, ChallengeID: "nope", MarketID: "m1", Side: model.SideBuy, Amount: d(10)}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/trade", tt.req)
			if w.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, w.Code, w.Body)
			}
		})
	}

	w := env.do(t, "POST", "/api/v1/trade", trade.Request{
		UserID: userID, ChallengeID: id, MarketID: "m1", Side: model.SideBuy, Amount: d(450),
	})
	var body struct {
		Error      string          `json:"error"`
		Constraint string          `json:"constraint"`
		Limit      decimal.Decimal `json:"limit"`
	}
	decodeBody(t, w, &body)
	if body.Constraint != string(risk.ConstraintDailyLoss) || !body.Limit.Equal(d(400)) || body.Error == "" {
		t.Errorf("unexpected rejection body %+v", body)
	}
}

func TestExecuteTrade_SellIgnoresClientClosureReason(t *testing.T) {
	env := newTestEnv(t)
	userID, id := seedChallenge(t, env)

	w := env.do(t, "POST", "/api/v1/trade", trade.Request{
		UserID: userID, ChallengeID: id, MarketID: "m1", Side: model.SideBuy, Amount: d(100),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", w.Code, w.Body)
	}
	var bought trade.Result
	decodeBody(t, w, &bought)

	w = env.do(t, "POST", "/api/v1/trade", map[string]any{
		"user_id":        userID,
		"challenge_id":   id,
		"market_id":      "m1",
		"side":           "SELL",
		"shares":         bought.Shares,
		"closure_reason": model.ClosurePassLiquidation,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("sell: %d %s", w.Code, w.Body)
	}

	trades, err := env.store.ListTrades(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 || trades[1].ClosureReason != model.ClosureManual {
		t.Fatalf("sell recorded closure reason %q, want manual", trades[len(trades)-1].ClosureReason)
	}

	w = env.do(t, "GET", "/api/v1/challenges/"+id+"/audit", nil)
	var rep audit.Report
	decodeBody(t, w, &rep)
	if !rep.OK() {
		t.Errorf("ledger should reconcile after a manual sell: %+v", rep)
	}
}

func TestExecuteTrade_SubCentBuyIsBadRequest(t *testing.T) {
	env := newTestEnv(t)
	userID, id := seedChallenge(t, env)

	w := env.do(t, "POST", "/api/v1/trade", trade.Request{
		UserID: userID, ChallengeID: id, MarketID: "m1", Side: model.SideBuy, Amount: d(0.0000001),
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body)
	}
	w = env.do(t, "GET", "/api/v1/challenges/"+id+"/positions", nil)
	var positions []model.Position
	decodeBody(t, w, &positions)
	if len(positions) != 0 {
		t.Errorf("rejected buy left positions %+v", positions)
	}
}

func TestInvalidBody(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/api/v1/trade", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
	var body map[string]string
	decodeBody(t, w, &body)
	if body["error"] != "invalid request body" {
		t.Errorf("error = %q", body["error"])
	}
}

func TestEvaluate(t *testing.T) {
	env := newTestEnv(t)
	_, id := seedChallenge(t, env)

	w := env.do(t, "POST", "/api/v1/challenges/"+id+"/evaluate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("evaluate: %d %s", w.Code, w.Body)
	}
	var res challenge.Result
	decodeBody(t, w, &res)
	if res.Status != model.StatusActive || !res.Equity.Equal(d(10000)) {
		t.Errorf("unexpected result %+v", res)
	}

	if w := env.do(t, "POST", "/api/v1/challenges/nope/evaluate", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown challenge: expected 404, got %d", w.Code)
	}
}

func TestPayoutRoutes(t *testing.T) {
	env := newTestEnv(t)
	_, id := seedChallenge(t, env)

	// Challenge phase cannot request a payout.
	if w := env.do(t, "POST", "/api/v1/challenges/"+id+"/payouts", nil); w.Code != http.StatusConflict {
		t.Fatalf("challenge phase payout: expected 409, got %d", w.Code)
	}

	now := time.Now().UTC()
	err := env.store.WithChallengeTx(context.Background(), id, func(tx store.Tx) error {
		c, err := tx.Challenge(context.Background())
		if err != nil {
			return err
		}
		c.Phase = model.PhaseFunded
		c.CurrentBalance = d(10500)
		c.ActiveTradingDays = 5
		c.FundedAt = model.TimePtr(now)
		c.PayoutCycleStart = model.TimePtr(now)
		return tx.UpdateChallenge(context.Background(), c)
	})
	if err != nil {
		t.Fatal(err)
	}

	w := env.do(t, "POST", "/api/v1/challenges/"+id+"/payouts", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("request payout: %d %s", w.Code, w.Body)
	}
	var p model.Payout
	decodeBody(t, w, &p)
	if !p.Amount.Equal(d(400)) {
		t.Errorf("net = %s, want 400", p.Amount)
	}

	if w := env.do(t, "POST", "/api/v1/payouts/"+p.ID+"/complete", api.CompleteRequest{TransactionHash: "0x1"}); w.Code != http.StatusConflict {
		t.Errorf("complete pending: expected 409, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/payouts/"+p.ID+"/process", nil); w.Code != http.StatusOK {
		t.Fatalf("process: %d %s", w.Code, w.Body)
	}
	if w := env.do(t, "POST", "/api/v1/payouts/"+p.ID+"/complete", api.CompleteRequest{}); w.Code != http.StatusBadRequest {
		t.Errorf("complete without hash: expected 400, got %d", w.Code)
	}
	w = env.do(t, "POST", "/api/v1/payouts/"+p.ID+"/complete", api.CompleteRequest{TransactionHash: "0x1"})
	if w.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", w.Code, w.Body)
	}
	decodeBody(t, w, &p)
	if p.Status != model.PayoutCompleted || !p.GrossDeduction.Equal(d(500)) {
		t.Errorf("unexpected completed payout %+v", p)
	}

	w = env.do(t, "GET", "/api/v1/challenges/"+id+"/payouts", nil)
	var list []model.Payout
	decodeBody(t, w, &list)
	if len(list) != 1 {
		t.Errorf("listed %d payouts, want 1", len(list))
	}

	if w := env.do(t, "POST", "/api/v1/payouts/missing/fail", api.FailRequest{Reason: "x"}); w.Code != http.StatusNotFound {
		t.Errorf("fail missing payout: expected 404, got %d", w.Code)
	}
}
