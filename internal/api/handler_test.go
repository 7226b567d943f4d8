package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/events"
	"github.com/punchamoorthee/settlehub/internal/executor"
	"github.com/punchamoorthee/settlehub/internal/provision"
	"github.com/punchamoorthee/settlehub/internal/service"
	"github.com/punchamoorthee/settlehub/internal/store"
	"github.com/shopspring/decimal"
)

var tok = domain.Currency{Network: "internal", Address: "credits", Decimals: 2, Symbol: "CRD"}

type testServer struct {
	t      *testing.T
	router *mux.Router
	rec    *service.Reconciler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := store.NewMemoryStore()
	networks, err := service.NewNetworks(domain.Network{ID: "internal", Kind: domain.NetworkInternal})
	if err != nil {
		t.Fatalf("networks: %v", err)
	}
	pools := provision.NewRegistry()
	pools.Register("internal", provision.InternalPool{})
	execs := executor.NewRegistry()
	execs.Register("internal", executor.NewInternal())
	bus := events.NewBus(logger)

	ledger := service.NewLedger(s, logger)
	if _, err := ledger.EnsureTreasury(context.Background()); err != nil {
		t.Fatalf("treasury: %v", err)
	}
	alloc := service.NewAllocator(s, pools, networks, bus, logger)
	orders := service.NewOrders(s, alloc, bus, logger)
	engine := service.NewTransferEngine(s, ledger, execs, networks, bus, logger, 0)

	r := mux.NewRouter()
	NewHandler(ledger, orders, engine).Register(r.PathPrefix("/api/v1").Subrouter())
	return &testServer{
		t:      t,
		router: r,
		rec:    service.NewReconciler(s, ledger, alloc, networks, bus, logger),
	}
}

func (ts *testServer) do(method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			ts.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	ts.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func (ts *testServer) account(ref string) uuid.UUID {
	ts.t.Helper()
	rr := ts.do("POST", "/api/v1/accounts", map[string]string{"ref": ref}, nil)
	if rr.Code != http.StatusCreated {
		ts.t.Fatalf("create account: %d %s", rr.Code, rr.Body)
	}
	return decodeBody[domain.Account](ts.t, rr).ID
}

// deposit pays a fresh order of the account through the reconciler.
func (ts *testServer) deposit(accountID uuid.UUID, amount string) uuid.UUID {
	ts.t.Helper()
	a := domain.TokenAmount{Currency: tok, Amount: decimal.RequireFromString(amount)}
	rr := ts.do("POST", "/api/v1/orders", map[string]any{
		"requester_id": accountID, "amount": a, "networks": []string{"internal"},
	}, nil)
	if rr.Code != http.StatusCreated {
		ts.t.Fatalf("create order: %d %s", rr.Code, rr.Body)
	}
	created := decodeBody[orderResponse](ts.t, rr)
	out, err := ts.rec.HandleMined(context.Background(), domain.Mined{
		Network: "internal", Destination: created.Routes[0].Identifier, Amount: a, ExternalRef: uuid.NewString(),
	})
	if err != nil || out != service.OutcomeConfirmed {
		ts.t.Fatalf("deposit: %s %v", out, err)
	}
	return created.Order.ID
}

func (ts *testServer) balance(accountID uuid.UUID) decimal.Decimal {
	ts.t.Helper()
	rr := ts.do("GET", "/api/v1/accounts/"+accountID.String()+"/balance?network=internal&address=credits", nil, nil)
	if rr.Code != http.StatusOK {
		ts.t.Fatalf("balance: %d %s", rr.Code, rr.Body)
	}
	return decodeBody[balanceResponse](ts.t, rr).Balance.Amount
}

func transferBody(from, to uuid.UUID, amount string) map[string]any {
	return map[string]any{
		"sender_id":   from,
		"network":     "internal",
		"receiver_id": to,
		"amount":      domain.TokenAmount{Currency: tok, Amount: decimal.RequireFromString(amount)},
	}
}

func TestCreateAccount(t *testing.T) {
	ts := newTestServer(t)
	first := ts.account("alice")
	if again := ts.account("alice"); again != first {
		t.Fatalf("expected same account, got %s and %s", first, again)
	}
	if rr := ts.do("POST", "/api/v1/accounts", `{}`, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestOrderPaidThroughReconciliation(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.account("alice")
	orderID := ts.deposit(alice, "12.50")

	rr := ts.do("GET", "/api/v1/orders/"+orderID.String(), nil, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("get order: %d", rr.Code)
	}
	view := decodeBody[service.OrderView](t, rr)
	if view.Status != domain.OrderPaid || len(view.Payments) != 1 || len(view.Confirmations) != 1 {
		t.Fatalf("unexpected order view %+v", view)
	}
	if !ts.balance(alice).Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("unexpected balance %s", ts.balance(alice))
	}

	rr = ts.do("GET", "/api/v1/accounts/"+alice.String()+"/entries", nil, nil)
	if entries := decodeBody[[]domain.LedgerEntry](t, rr); len(entries) != 1 || entries[0].Reference.Type != domain.RefPayment {
		t.Fatalf("unexpected statement %+v", entries)
	}
}

func TestCreateOrderErrors(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.account("alice")
	cases := []struct {
		name string
		body any
		want int
	}{
		{"bad json", `{"requester_id":`, http.StatusBadRequest},
		{"unknown network", map[string]any{"requester_id": alice, "amount": domain.TokenAmount{Currency: tok, Amount: decimal.NewFromInt(1)}, "networks": []string{"tron"}}, http.StatusUnprocessableEntity},
		{"too precise", map[string]any{"requester_id": alice, "amount": domain.TokenAmount{Currency: tok, Amount: decimal.RequireFromString("0.001")}, "networks": []string{"internal"}}, http.StatusUnprocessableEntity},
		{"unknown requester", map[string]any{"requester_id": uuid.New(), "amount": domain.TokenAmount{Currency: tok, Amount: decimal.NewFromInt(1)}, "networks": []string{"internal"}}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := ts.do("POST", "/api/v1/orders", tc.body, nil); rr.Code != tc.want {
				t.Fatalf("expected %d, got %d %s", tc.want, rr.Code, rr.Body)
			}
		})
	}
}

func TestCreateTransferFlow(t *testing.T) {
	ts := newTestServer(t)
	alice, bob := ts.account("alice"), ts.account("bob")
	ts.deposit(alice, "10")

	key := map[string]string{"Idempotency-Key": "t-1"}
	if rr := ts.do("POST", "/api/v1/transfers", transferBody(alice, bob, "4"), nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", rr.Code)
	}

	rr := ts.do("POST", "/api/v1/transfers", transferBody(alice, bob, "4"), key)
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body)
	}
	created := decodeBody[transferResponse](t, rr).Transfer
	if created.Status != domain.TransferConfirmed {
		t.Fatalf("expected confirmed, got %s", created.Status)
	}

	rr = ts.do("POST", "/api/v1/transfers", transferBody(alice, bob, "4"), key)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected replay 200, got %d", rr.Code)
	}
	if replay := decodeBody[transferResponse](t, rr).Transfer; replay.ID != created.ID {
		t.Fatalf("expected replay of %s, got %s", created.ID, replay.ID)
	}
	if rr := ts.do("POST", "/api/v1/transfers", transferBody(alice, bob, "5"), key); rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for key reuse, got %d", rr.Code)
	}

	if !ts.balance(alice).Equal(decimal.NewFromInt(6)) || !ts.balance(bob).Equal(decimal.NewFromInt(4)) {
		t.Fatalf("unexpected balances %s %s", ts.balance(alice), ts.balance(bob))
	}

	rr = ts.do("POST", "/api/v1/transfers/"+created.ID.String()+"/cancel", map[string]string{"actor": "ops"}, nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 canceling a confirmed transfer, got %d", rr.Code)
	}
	rr = ts.do("GET", "/api/v1/transfers/"+created.ID.String(), nil, nil)
	if got := decodeBody[transferResponse](t, rr).Transfer; got.Status != domain.TransferConfirmed {
		t.Fatalf("expected confirmed, got %s", got.Status)
	}
}

func TestTransferWithoutFunds(t *testing.T) {
	ts := newTestServer(t)
	alice, bob := ts.account("alice"), ts.account("bob")
	ts.deposit(alice, "1")

	rr := ts.do("POST", "/api/v1/transfers", transferBody(alice, bob, "2"), map[string]string{"Idempotency-Key": "t-2"})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rr.Code, rr.Body)
	}
	resp := decodeBody[transferResponse](t, rr)
	if resp.Transfer.Status != domain.TransferFailed || resp.Error == "" {
		t.Fatalf("expected failed transfer with reason, got %+v", resp)
	}
	if !ts.balance(alice).Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected balance untouched, got %s", ts.balance(alice))
	}
}

func TestDeferredTransferAndCancel(t *testing.T) {
	ts := newTestServer(t)
	alice, bob := ts.account("alice"), ts.account("bob")
	ts.deposit(alice, "3")

	body := transferBody(alice, bob, "3")
	body["execute_on"] = "2999-01-01T00:00:00Z"
	rr := ts.do("POST", "/api/v1/transfers", body, map[string]string{"Idempotency-Key": "t-3"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rr.Code, rr.Body)
	}
	tr := decodeBody[transferResponse](t, rr).Transfer
	if tr.Status != domain.TransferScheduled {
		t.Fatalf("expected scheduled, got %s", tr.Status)
	}

	path := "/api/v1/transfers/" + tr.ID.String()
	if rr := ts.do("POST", path+"/cancel", `{}`, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without actor, got %d", rr.Code)
	}
	rr = ts.do("POST", path+"/cancel", map[string]string{"actor": "alice"}, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", rr.Code, rr.Body)
	}
	if rr := ts.do("POST", path+"/execute", nil, nil); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 executing a canceled transfer, got %d", rr.Code)
	}
	if !ts.balance(alice).Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected balance untouched, got %s", ts.balance(alice))
	}
}

func TestPathErrors(t *testing.T) {
	ts := newTestServer(t)
	if rr := ts.do("GET", "/api/v1/transfers/not-a-uuid", nil, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if rr := ts.do("GET", "/api/v1/orders/"+uuid.NewString(), nil, nil); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := ts.do("GET", "/api/v1/accounts/"+uuid.NewString()+"/balance", nil, nil); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without currency, got %d", rr.Code)
	}
}
