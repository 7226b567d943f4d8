package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/store"
)

func (f *fixture) mustMined(m domain.Mined) Outcome {
	f.t.Helper()
	out, err := f.rec.HandleMined(f.ctx, m)
	if err != nil {
		f.t.Fatalf("handle mined %s: %v", m.ExternalRef, err)
	}
	return out
}

func (f *fixture) history(orderID uuid.UUID) OrderView {
	f.t.Helper()
	v, err := f.orders.Get(f.ctx, orderID)
	if err != nil {
		f.t.Fatalf("get order: %v", err)
	}
	return v
}

func TestPartialPaymentsSettleOrder(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	order, routes := f.order(alice, amt(tok, "10.0"), "ethereum:1")
	route := routes[0]

	if out := f.mustMined(mined(route, "0xtx1", amt(tok, "5.0"), 100, 3)); out != OutcomeConfirmed {
		t.Fatalf("expected first payment confirmed, got %s", out)
	}
	if s := f.status(order.ID); s != domain.OrderOpen {
		t.Fatalf("expected open after half payment, got %s", s)
	}

	if out := f.mustMined(mined(route, "0xtx2", amt(tok, "5.0"), 101, 3)); out != OutcomeConfirmed {
		t.Fatalf("expected second payment confirmed, got %s", out)
	}
	if s := f.status(order.ID); s != domain.OrderPaid {
		t.Fatalf("expected paid, got %s", s)
	}
	f.expectBalance(alice, tok, "10")
	f.expectBalance(f.treasury(), tok, "-10")
	f.expectBalanced()

	if n := f.count(domain.EventOrderPaid); n != 1 {
		t.Fatalf("expected one OrderPaid event, got %d", n)
	}
	if n := f.count(domain.EventPaymentConfirmed); n != 2 {
		t.Fatalf("expected two PaymentConfirmed events, got %d", n)
	}
	v := f.history(order.ID)
	if v.Routes[0].IsOpen() {
		t.Fatal("expected route closed once the order is paid")
	}
	if n := f.pool.Available("ethereum:1"); n != 3 {
		t.Fatalf("expected address held for late payments, %d available", n)
	}
	f.clock.advance(2 * time.Minute)
	if n, err := f.alloc.ReleaseDue(f.ctx, 10); err != nil || n != 1 {
		t.Fatalf("expected one identifier released, got %d err=%v", n, err)
	}
	if n := f.pool.Available("ethereum:1"); n != 4 {
		t.Fatalf("expected address released back to the pool, %d available", n)
	}
}

func TestReplayedMinedEventRecordsOnePayment(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	order, routes := f.order(alice, amt(tok, "10.0"), "ethereum:1")
	ev := mined(routes[0], "0xdup", amt(tok, "5.0"), 100, 5)

	if out := f.mustMined(ev); out != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s", out)
	}
	for i := 0; i < 4; i++ {
		if out := f.mustMined(ev); out != OutcomeDuplicate {
			t.Fatalf("replay %d: expected duplicate, got %s", i, out)
		}
	}

	v := f.history(order.ID)
	if len(v.Payments) != 1 || len(v.Confirmations) != 1 {
		t.Fatalf("expected one payment and one confirmation, got %d and %d", len(v.Payments), len(v.Confirmations))
	}
	f.expectBalance(alice, tok, "5")
	f.expectBalanced()
	if n := f.count(domain.EventPaymentDetected); n != 1 {
		t.Fatalf("expected one PaymentDetected event, got %d", n)
	}
}

func TestConcurrentReplaysConfirmOnce(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	order, routes := f.order(alice, amt(tok, "10.0"), "ethereum:1")
	ev := mined(routes[0], "0xrace", amt(tok, "2.5"), 100, 5)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.rec.HandleMined(context.Background(), ev); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent replay: %v", err)
	}

	v := f.history(order.ID)
	if len(v.Payments) != 1 || len(v.Confirmations) != 1 {
		t.Fatalf("expected one payment and one confirmation, got %d and %d", len(v.Payments), len(v.Confirmations))
	}
	f.expectBalance(alice, tok, "2.5")
}

func TestPaymentWaitsForDepth(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	order, routes := f.order(alice, amt(tok, "5"), "ethereum:1")

	if out := f.mustMined(mined(routes[0], "0xslow", amt(tok, "5"), 100, 1)); out != OutcomeRecorded {
		t.Fatalf("expected recorded, got %s", out)
	}
	f.expectBalance(alice, tok, "0")

	if n, err := f.rec.HandleBlock(f.ctx, domain.Block{Network: "ethereum:1", Number: 102}); err != nil || n != 0 {
		t.Fatalf("block 102: promoted=%d err=%v", n, err)
	}
	if n, err := f.rec.HandleBlock(f.ctx, domain.Block{Network: "ethereum:1", Number: 103}); err != nil || n != 1 {
		t.Fatalf("block 103: promoted=%d err=%v", n, err)
	}
	if n, err := f.rec.HandleBlock(f.ctx, domain.Block{Network: "ethereum:1", Number: 104}); err != nil || n != 0 {
		t.Fatalf("block 104: promoted=%d err=%v", n, err)
	}
	if s := f.status(order.ID); s != domain.OrderPaid {
		t.Fatalf("expected paid, got %s", s)
	}
	f.expectBalance(alice, tok, "5")
	f.expectBalanced()
}

func TestRedeliveredEventWithDepthConfirms(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	_, routes := f.order(alice, amt(tok, "5"), "ethereum:1")

	f.mustMined(mined(routes[0], "0xtx", amt(tok, "5"), 100, 0))
	if out := f.mustMined(mined(routes[0], "0xtx", amt(tok, "5"), 100, 4)); out != OutcomeConfirmed {
		t.Fatalf("expected redelivery to confirm, got %s", out)
	}
	f.expectBalance(alice, tok, "5")
}

func TestUnknownRouteIsIgnored(t *testing.T) {
	f := newFixture(t)
	out, err := f.rec.HandleMined(f.ctx, domain.Mined{
		Network: "ethereum:1", Destination: "0xnotours", Amount: amt(tok, "1"), ExternalRef: "0xtx", BlockNumber: 10, Depth: 10,
	})
	if err != nil || out != OutcomeIgnored {
		t.Fatalf("expected ignored without error, got %s err=%v", out, err)
	}
	out, err = f.rec.HandleBroadcast(f.ctx, domain.Broadcast{Network: "ethereum:1", Destination: "0xnotours", Amount: amt(tok, "1")})
	if err != nil || out != OutcomeIgnored {
		t.Fatalf("expected broadcast ignored, got %s err=%v", out, err)
	}
	totals, _ := f.ledger.TrialBalance(f.ctx)
	if len(totals) != 0 {
		t.Fatalf("expected no ledger activity, got %+v", totals)
	}
}

func TestUnsupportedNetworkIsAnError(t *testing.T) {
	f := newFixture(t)
	_, err := f.rec.HandleMined(f.ctx, domain.Mined{Network: "dogecoin", Destination: "x", Amount: amt(tok, "1"), ExternalRef: "y"})
	if !errors.Is(err, domain.ErrUnsupportedNetwork) {
		t.Fatalf("expected ErrUnsupportedNetwork, got %v", err)
	}
}

func TestBroadcastNeverCredits(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	order, routes := f.order(alice, amt(tok, "5"), "ethereum:1")

	out, err := f.rec.HandleBroadcast(f.ctx, domain.Broadcast{
		Network: "ethereum:1", Destination: routes[0].Identifier, Amount: amt(tok, "5"), ExternalRef: "0xpending",
	})
	if err != nil || out != OutcomeObserved {
		t.Fatalf("expected observed, got %s err=%v", out, err)
	}
	if n := f.count(domain.EventPaymentBroadcast); n != 1 {
		t.Fatalf("expected PaymentBroadcast event, got %d", n)
	}
	f.expectBalance(alice, tok, "0")
	if v := f.history(order.ID); len(v.Payments) != 0 {
		t.Fatalf("expected no payments from a broadcast, got %d", len(v.Payments))
	}
}

func TestLatePaymentWithinGraceWindow(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	order, routes := f.order(alice, amt(tok, "5"), "ethereum:1")
	f.mustMined(mined(routes[0], "0xtx1", amt(tok, "5"), 100, 3))

	f.clock.advance(30 * time.Second)
	if out := f.mustMined(mined(routes[0], "0xtx2", amt(tok, "1"), 101, 3)); out != OutcomeConfirmed {
		t.Fatalf("expected overpayment inside grace window confirmed, got %s", out)
	}
	f.expectBalance(alice, tok, "6")
	if s := f.status(order.ID); s != domain.OrderPaid {
		t.Fatalf("expected paid, got %s", s)
	}

	f.clock.advance(2 * time.Minute)
	if out := f.mustMined(mined(routes[0], "0xtx3", amt(tok, "1"), 102, 3)); out != OutcomeIgnored {
		t.Fatalf("expected event after grace window ignored, got %s", out)
	}
	f.expectBalance(alice, tok, "6")
	f.expectBalanced()
}

func TestChannelPaymentConfirmsOnReceipt(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	order, routes := f.order(alice, amt(tok, "3"), "lightning", "internal")

	var channel domain.Route
	for _, r := range routes {
		if r.Network == "lightning" {
			channel = r
		}
	}
	details, err := channel.Details()
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if cr, ok := details.(domain.ChannelRoute); !ok || cr.Node != "node-1" {
		t.Fatalf("expected channel route on node-1, got %#v", details)
	}

	if out := f.mustMined(mined(channel, "pay-1", amt(tok, "3"), 0, 0)); out != OutcomeConfirmed {
		t.Fatalf("expected immediate confirmation, got %s", out)
	}
	if s := f.status(order.ID); s != domain.OrderPaid {
		t.Fatalf("expected paid, got %s", s)
	}
	for _, r := range f.history(order.ID).Routes {
		if r.IsOpen() {
			t.Fatalf("expected every route closed, %s still open", r.Network)
		}
	}
}

func TestMismatchedCurrencyDoesNotPayOrder(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	order, routes := f.order(alice, amt(tok, "5"), "ethereum:1")

	if out := f.mustMined(mined(routes[0], "0xusd", amt(usd, "5"), 100, 3)); out != OutcomeConfirmed {
		t.Fatalf("expected confirmed, got %s", out)
	}
	if s := f.status(order.ID); s != domain.OrderOpen {
		t.Fatalf("expected order to stay open, got %s", s)
	}
	f.expectBalance(alice, usd, "5")
	f.expectBalance(alice, tok, "0")
	f.expectBalanced()
}

func TestStorageFailureLeavesNoPartialEntries(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	order, routes := f.order(alice, amt(tok, "5"), "ethereum:1")
	ev := mined(routes[0], "0xtx", amt(tok, "5"), 100, 3)

	f.store.SetFault(func(op string) error {
		if op == "InsertEntries" {
			return errors.New("disk full")
		}
		return nil
	})
	if _, err := f.rec.HandleMined(f.ctx, ev); err == nil {
		t.Fatal("expected storage failure to surface")
	}
	v := f.history(order.ID)
	if len(v.Payments) != 0 || len(v.Confirmations) != 0 {
		t.Fatalf("expected nothing recorded, got %d payments %d confirmations", len(v.Payments), len(v.Confirmations))
	}
	f.expectBalance(alice, tok, "0")

	f.store.SetFault(nil)
	if out := f.mustMined(ev); out != OutcomeConfirmed {
		t.Fatalf("expected retry to confirm, got %s", out)
	}
	f.expectBalance(alice, tok, "5")
	f.expectBalanced()
}

func TestHeadAdvancesForUnmatchedEvents(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	_, routes := f.order(alice, amt(tok, "5"), "ethereum:1")
	f.mustMined(mined(routes[0], "0xmine", amt(tok, "5"), 100, 0))

	// Another tenant's event reports a head three blocks later.
	f.mustMined(domain.Mined{Network: "ethereum:1", Destination: "0xother", Amount: amt(tok, "1"), ExternalRef: "0xo", BlockNumber: 103, Depth: 0})

	var head int64
	_ = f.store.InTx(f.ctx, func(ctx context.Context, tx store.Tx) error {
		head, _ = tx.AdvanceHead(ctx, "ethereum:1", 0)
		return nil
	})
	if head != 103 {
		t.Fatalf("expected head 103, got %d", head)
	}
	if n, _ := f.rec.HandleBlock(f.ctx, domain.Block{Network: "ethereum:1", Number: 103}); n != 1 {
		t.Fatalf("expected pending payment promoted, got %d", n)
	}
}

func TestClosedAddressIsNotReusedWithinGraceWindow(t *testing.T) {
	f := newFixture(t)
	alice, bob := f.user("alice"), f.user("bob")
	first, routes := f.order(alice, amt(tok, "5"), "ethereum:1")
	address := routes[0]
	f.mustMined(mined(address, "0xtx1", amt(tok, "5"), 100, 3))
	for i := 0; i < 3; i++ {
		f.order(alice, amt(tok, "1"), "ethereum:1")
	}

	// The paid order's address is still reserved for late payments.
	if n, err := f.alloc.ReleaseDue(f.ctx, 10); err != nil || n != 0 {
		t.Fatalf("expected nothing released inside the grace window, got %d err=%v", n, err)
	}
	_, _, err := f.orders.Create(f.ctx, CreateOrder{RequesterID: bob, Amount: amt(tok, "5"), Networks: []string{"ethereum:1"}})
	if !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted while the address is held, got %v", err)
	}

	f.clock.advance(10 * time.Second)
	if out := f.mustMined(mined(address, "0xlate", amt(tok, "5"), 101, 3)); out != OutcomeConfirmed {
		t.Fatalf("expected late payment confirmed, got %s", out)
	}
	f.expectBalance(alice, tok, "10")
	f.expectBalance(bob, tok, "0")

	f.clock.advance(time.Minute)
	if n, err := f.alloc.ReleaseDue(f.ctx, 10); err != nil || n != 1 {
		t.Fatalf("expected the address released after the grace window, got %d err=%v", n, err)
	}
	second, reused := f.order(bob, amt(tok, "5"), "ethereum:1")
	if reused[0].Identifier != address.Identifier {
		t.Fatalf("expected %s handed out again, got %s", address.Identifier, reused[0].Identifier)
	}
	if out := f.mustMined(mined(reused[0], "0xtx2", amt(tok, "5"), 102, 3)); out != OutcomeConfirmed {
		t.Fatalf("expected payment to the new order confirmed, got %s", out)
	}
	f.expectBalance(alice, tok, "10")
	f.expectBalance(bob, tok, "5")
	if n := len(f.history(first.ID).Payments); n != 2 {
		t.Fatalf("expected two payments on the first order, got %d", n)
	}
	if s := f.status(second.ID); s != domain.OrderPaid {
		t.Fatalf("expected second order paid, got %s", s)
	}
	f.expectBalanced()
}

func TestBlockSkipsPaymentsPastGraceWindow(t *testing.T) {
	f := newFixture(t)
	alice := f.user("alice")
	stale, staleRoutes := f.order(alice, amt(tok, "5"), "ethereum:1")
	live, liveRoutes := f.order(alice, amt(tok, "5"), "ethereum:1")
	if out := f.mustMined(mined(staleRoutes[0], "0xstale", amt(tok, "5"), 100, 0)); out != OutcomeRecorded {
		t.Fatalf("expected shallow payment recorded, got %s", out)
	}
	if err := f.alloc.CloseRoute(f.ctx, staleRoutes[0].ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.clock.advance(2 * time.Minute)
	if out := f.mustMined(mined(liveRoutes[0], "0xlive", amt(tok, "5"), 100, 0)); out != OutcomeRecorded {
		t.Fatalf("expected shallow payment recorded, got %s", out)
	}

	promoted, err := f.rec.HandleBlock(f.ctx, domain.Block{Network: "ethereum:1", Number: 110})
	if err != nil || promoted != 1 {
		t.Fatalf("expected only the live payment promoted, got %d err=%v", promoted, err)
	}
	if s := f.status(live.ID); s != domain.OrderPaid {
		t.Fatalf("expected live order paid, got %s", s)
	}
	if v := f.history(stale.ID); len(v.Confirmations) != 0 {
		t.Fatalf("expected no confirmation past the grace window, got %d", len(v.Confirmations))
	}
	f.expectBalance(alice, tok, "5")
	f.expectBalanced()
}
