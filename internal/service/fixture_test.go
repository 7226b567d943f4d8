package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/events"
	"github.com/punchamoorthee/settlehub/internal/executor"
	"github.com/punchamoorthee/settlehub/internal/provision"
	"github.com/punchamoorthee/settlehub/internal/store"
	"github.com/shopspring/decimal"
)

var (
	tok = domain.Currency{Network: "ethereum:1", Address: "0xTok", Decimals: 18, Symbol: "TOK"}
	usd = domain.Currency{Network: "ethereum:1", Address: "0xUsd", Decimals: 6, Symbol: "USD"}

	testNetworks = []domain.Network{
		{ID: "ethereum:1", Kind: domain.NetworkBlockchain, RequiredConfirmations: 3, GraceWindow: time.Minute},
		{ID: "lightning", Kind: domain.NetworkChannel},
		{ID: "internal", Kind: domain.NetworkInternal},
	}
)

func amt(c domain.Currency, s string) domain.TokenAmount {
	return domain.TokenAmount{Currency: c, Amount: decimal.RequireFromString(s)}
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *store.MemoryStore
	pool   *provision.StaticPool
	execs  *executor.Registry
	clock  *clock
	ledger *Ledger
	alloc  *Allocator
	orders *Orders
	rec    *Reconciler
	engine *TransferEngine

	mu     sync.Mutex
	events []domain.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: store.NewMemoryStore(),
		pool:  provision.NewStaticPool(),
		execs: executor.NewRegistry(),
		clock: &clock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.pool.Add("ethereum:1", "0xaaa1", "0xaaa2", "0xaaa3", "0xaaa4")
	pools := provision.NewRegistry()
	pools.Register("ethereum:1", f.pool)
	pools.Register("lightning", provision.ChannelPool{Node: "node-1"})
	pools.Register("internal", provision.InternalPool{})
	f.execs.Register("internal", executor.NewInternal())

	networks, err := NewNetworks(testNetworks...)
	if err != nil {
		t.Fatalf("networks: %v", err)
	}
	bus := events.NewBus(logger)
	bus.SubscribeAll("test", func(_ context.Context, e domain.Event) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.events = append(f.events, e)
		return nil
	})

	f.ledger = NewLedger(f.store, logger)
	f.alloc = NewAllocator(f.store, pools, networks, bus, logger)
	f.orders = NewOrders(f.store, f.alloc, bus, logger)
	f.rec = NewReconciler(f.store, f.ledger, f.alloc, networks, bus, logger)
	f.engine = NewTransferEngine(f.store, f.ledger, f.execs, networks, bus, logger, time.Second)
	f.ledger.now = f.clock.now
	f.alloc.now = f.clock.now
	f.orders.now = f.clock.now
	f.rec.now = f.clock.now
	f.engine.now = f.clock.now

	if _, err := f.ledger.EnsureTreasury(f.ctx); err != nil {
		t.Fatalf("treasury: %v", err)
	}
	return f
}

func (f *fixture) user(ref string) uuid.UUID {
	f.t.Helper()
	acc, err := f.ledger.OpenAccount(f.ctx, domain.AccountUser, ref)
	if err != nil {
		f.t.Fatalf("open account %s: %v", ref, err)
	}
	return acc.ID
}

func (f *fixture) treasury() uuid.UUID {
	f.t.Helper()
	acc, err := f.ledger.EnsureTreasury(f.ctx)
	if err != nil {
		f.t.Fatalf("treasury: %v", err)
	}
	return acc.ID
}

// fund credits the account from the treasury as a confirmed deposit would.
func (f *fixture) fund(accountID uuid.UUID, a domain.TokenAmount) {
	f.t.Helper()
	err := f.store.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		treasury, err := f.ledger.treasuryTx(ctx, tx)
		if err != nil {
			return err
		}
		to, err := f.ledger.holderTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		return f.ledger.moveTx(ctx, tx, treasury, to, a, domain.Reference{Type: domain.RefPayment, ID: uuid.New()})
	})
	if err != nil {
		f.t.Fatalf("fund: %v", err)
	}
}

func (f *fixture) expectBalance(accountID uuid.UUID, c domain.Currency, want string) {
	f.t.Helper()
	got, err := f.ledger.Balance(f.ctx, accountID, c)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	if !got.Equal(decimal.RequireFromString(want)) {
		f.t.Fatalf("expected balance %s %s, got %s", want, c, got)
	}
}

// expectBalanced checks that credits equal debits for every currency.
func (f *fixture) expectBalanced() {
	f.t.Helper()
	totals, err := f.ledger.TrialBalance(f.ctx)
	if err != nil {
		f.t.Fatalf("trial balance: %v", err)
	}
	if bad := Unbalanced(totals); len(bad) > 0 {
		f.t.Fatalf("ledger does not balance: %+v", bad)
	}
}

func (f *fixture) order(requester uuid.UUID, requested domain.TokenAmount, networks ...string) (domain.PaymentOrder, []domain.Route) {
	f.t.Helper()
	o, routes, err := f.orders.Create(f.ctx, CreateOrder{RequesterID: requester, Amount: requested, Networks: networks})
	if err != nil {
		f.t.Fatalf("create order: %v", err)
	}
	return o, routes
}

func (f *fixture) status(orderID uuid.UUID) domain.OrderStatus {
	f.t.Helper()
	s, err := f.orders.Status(f.ctx, orderID)
	if err != nil {
		f.t.Fatalf("status: %v", err)
	}
	return s
}

func (f *fixture) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.events {
		if e.EventName() == name {
			n++
		}
	}
	return n
}

func mined(r domain.Route, ref string, a domain.TokenAmount, block, depth int64) domain.Mined {
	return domain.Mined{
		Network:     r.Network,
		Destination: r.Identifier,
		Amount:      a,
		ExternalRef: ref,
		BlockRef:    "0xblock",
		BlockNumber: block,
		Depth:       depth,
	}
}
