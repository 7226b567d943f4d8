package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/service"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlehub_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlehub_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

const maxBody = 1 << 20

type Handler struct {
	ledger *service.Ledger
	orders *service.Orders
	engine *service.TransferEngine
}

func NewHandler(ledger *service.Ledger, orders *service.Orders, engine *service.TransferEngine) *Handler {
	return &Handler{ledger: ledger, orders: orders, engine: engine}
}

// Register mounts the API on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/accounts", h.CreateAccount).Methods("POST")
	r.HandleFunc("/accounts/{id}/balance", h.GetBalance).Methods("GET")
	r.HandleFunc("/accounts/{id}/entries", h.GetStatement).Methods("GET")
	r.HandleFunc("/orders", h.CreateOrder).Methods("POST")
	r.HandleFunc("/orders/{id}", h.GetOrder).Methods("GET")
	r.HandleFunc("/transfers", h.CreateTransfer).Methods("POST")
	r.HandleFunc("/transfers/{id}", h.GetTransfer).Methods("GET")
	r.HandleFunc("/transfers/{id}/execute", h.ExecuteTransfer).Methods("POST")
	r.HandleFunc("/transfers/{id}/cancel", h.CancelTransfer).Methods("POST")
}

type createAccountRequest struct {
	Ref string `json:"ref"`
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req createAccountRequest
	if err := decode(r, &req); err != nil || req.Ref == "" {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON: ref is required", "POST", endpoint)
		return
	}
	acc, err := h.ledger.OpenAccount(r.Context(), domain.AccountUser, req.Ref)
	if err != nil {
		h.fail(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusCreated, acc, "POST", endpoint)
}

type balanceResponse struct {
	AccountID uuid.UUID          `json:"account_id"`
	Balance   domain.TokenAmount `json:"balance"`
}

// GetBalance reports the balance of one currency, named by the network and
// address query parameters.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/balance"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	q := r.URL.Query()
	c := domain.Currency{Network: q.Get("network"), Address: q.Get("address"), Symbol: q.Get("symbol")}
	if c.Network == "" || c.Address == "" {
		h.respondError(w, http.StatusBadRequest, "network and address are required", "GET", endpoint)
		return
	}
	if d := q.Get("decimals"); d != "" {
		n, err := strconv.ParseInt(d, 10, 32)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "Invalid decimals", "GET", endpoint)
			return
		}
		c.Decimals = int32(n)
	}
	bal, err := h.ledger.Balance(r.Context(), id, c)
	if err != nil {
		h.fail(w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: domain.TokenAmount{Currency: c, Amount: bal}}, "GET", endpoint)
}

func (h *Handler) GetStatement(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/accounts/{id}/entries"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	entries, err := h.ledger.Statement(r.Context(), id)
	if err != nil {
		h.fail(w, err, "GET", endpoint)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	h.respondJSON(w, http.StatusOK, entries, "GET", endpoint)
}

type createOrderRequest struct {
	RequesterID uuid.UUID          `json:"requester_id"`
	Amount      domain.TokenAmount `json:"amount"`
	Reference   string             `json:"reference"`
	ExpiresAt   *time.Time         `json:"expires_at"`
	Networks    []string           `json:"networks"`
}

type orderResponse struct {
	Order  domain.PaymentOrder `json:"order"`
	Routes []domain.Route      `json:"routes"`
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/orders"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	var req createOrderRequest
	if err := decode(r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}
	order, routes, err := h.orders.Create(r.Context(), service.CreateOrder{
		RequesterID: req.RequesterID,
		Amount:      req.Amount,
		Reference:   req.Reference,
		ExpiresAt:   req.ExpiresAt,
		Networks:    req.Networks,
	})
	if err != nil {
		h.fail(w, err, "POST", endpoint)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/orders/%s", order.ID))
	h.respondJSON(w, http.StatusCreated, orderResponse{Order: order, Routes: routes}, "POST", endpoint)
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/orders/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	view, err := h.orders.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, view, "GET", endpoint)
}

type createTransferRequest struct {
	SenderID   uuid.UUID          `json:"sender_id"`
	Network    string             `json:"network"`
	Receiver   string             `json:"receiver"`
	ReceiverID *uuid.UUID         `json:"receiver_id"`
	Amount     domain.TokenAmount `json:"amount"`
	Memo       string             `json:"memo"`
	ExecuteOn  *time.Time         `json:"execute_on"`
}

type transferResponse struct {
	Transfer domain.Transfer `json:"transfer"`
	Error    string          `json:"error,omitempty"`
}

// CreateTransfer schedules a transfer and, unless it is deferred, executes
// it right away. Replays of an Idempotency-Key return the original transfer
// in its current state.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		h.respondError(w, http.StatusBadRequest, "Missing Idempotency-Key", "POST", endpoint)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Unreadable body", "POST", endpoint)
		return
	}
	hash := sha256.Sum256(body)
	reqHash := hex.EncodeToString(hash[:])

	var req createTransferRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "POST", endpoint)
		return
	}
	sreq := service.TransferRequest{
		SenderID:       req.SenderID,
		Network:        req.Network,
		Receiver:       req.Receiver,
		ReceiverID:     req.ReceiverID,
		Amount:         req.Amount,
		Memo:           req.Memo,
		IdempotencyKey: idemKey,
		RequestHash:    reqHash,
	}
	if req.ExecuteOn != nil {
		sreq.ExecuteOn = *req.ExecuteOn
	}

	t, created, err := h.engine.Schedule(r.Context(), sreq)
	if err != nil {
		h.fail(w, err, "POST", endpoint)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/transfers/%s", t.ID))
	if !created {
		h.respondJSON(w, http.StatusOK, transferResponse{Transfer: t}, "POST", endpoint)
		return
	}
	if req.ExecuteOn != nil && req.ExecuteOn.After(time.Now()) {
		h.respondJSON(w, http.StatusCreated, transferResponse{Transfer: t}, "POST", endpoint)
		return
	}
	h.execute(w, r, t.ID, http.StatusCreated, "POST", endpoint)
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers/{id}"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("GET", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "GET", endpoint)
	if !ok {
		return
	}
	t, err := h.engine.Get(r.Context(), id)
	if err != nil {
		h.fail(w, err, "GET", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, transferResponse{Transfer: t}, "GET", endpoint)
}

func (h *Handler) ExecuteTransfer(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers/{id}/execute"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "POST", endpoint)
	if !ok {
		return
	}
	h.execute(w, r, id, http.StatusOK, "POST", endpoint)
}

// execute runs the transfer and reports its resulting state. A transfer
// that failed or whose outcome is unknown is still returned in the body.
func (h *Handler) execute(w http.ResponseWriter, r *http.Request, id uuid.UUID, okCode int, method, endpoint string) {
	t, err := h.engine.Execute(r.Context(), id)
	if err == nil {
		h.respondJSON(w, okCode, transferResponse{Transfer: t}, method, endpoint)
		return
	}
	if t.ID == uuid.Nil {
		h.fail(w, err, method, endpoint)
		return
	}
	code, _ := statusFor(err)
	h.respondJSON(w, code, transferResponse{Transfer: t, Error: err.Error()}, method, endpoint)
}

type cancelRequest struct {
	Actor string `json:"actor"`
}

func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	const endpoint = "/transfers/{id}/cancel"
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", endpoint))
	defer timer.ObserveDuration()

	id, ok := h.pathID(w, r, "POST", endpoint)
	if !ok {
		return
	}
	var req cancelRequest
	if err := decode(r, &req); err != nil || req.Actor == "" {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON: actor is required", "POST", endpoint)
		return
	}
	t, err := h.engine.Cancel(r.Context(), id, req.Actor)
	if err != nil {
		h.fail(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, transferResponse{Transfer: t}, "POST", endpoint)
}

// statusFor maps core errors to HTTP status codes.
func statusFor(err error) (int, string) {
	var execErr *domain.ExecutionError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "Insufficient funds"
	case errors.Is(err, domain.ErrIdempotencyMismatch):
		return http.StatusUnprocessableEntity, "Key reuse mismatch"
	case errors.Is(err, domain.ErrInvalidAmount), errors.Is(err, domain.ErrPrecision),
		errors.Is(err, domain.ErrCurrencyMismatch), errors.Is(err, domain.ErrUnsupportedNetwork):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrDuplicateRoute), errors.Is(err, domain.ErrTransferInFlight),
		errors.Is(err, domain.ErrTransferNotScheduled), errors.Is(err, domain.ErrTransferNotCancelable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrOutcomeUnknown):
		return http.StatusAccepted, err.Error()
	case errors.Is(err, domain.ErrPoolExhausted):
		return http.StatusServiceUnavailable, err.Error()
	case errors.As(err, &execErr):
		return http.StatusBadGateway, err.Error()
	}
	return http.StatusInternalServerError, "Internal error"
}

func decode(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid id", method, endpoint)
		return uuid.Nil, false
	}
	return id, true
}

// Helpers
func (h *Handler) fail(w http.ResponseWriter, err error, method, endpoint string) {
	code, msg := statusFor(err)
	h.respondError(w, code, msg, method, endpoint)
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload interface{}, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, code int, msg, method, endpoint string) {
	h.respondJSON(w, code, map[string]string{"error": msg}, method, endpoint)
}
