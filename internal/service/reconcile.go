package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/events"
	"github.com/punchamoorthee/settlehub/internal/store"
)

// Outcome says what a notification did to core state.
type Outcome string

const (
	OutcomeObserved  Outcome = "observed"
	OutcomeRecorded  Outcome = "recorded"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// Reconciler turns settlement notifications into payments and
// confirmations. Every notification is processed under the lock of the
// order it belongs to, so replays and concurrent consumers promote a
// payment at most once.
type Reconciler struct {
	store     store.Store
	ledger    *Ledger
	allocator *Allocator
	networks  Networks
	bus       events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewReconciler(s store.Store, ledger *Ledger, allocator *Allocator, networks Networks, bus events.Publisher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store: s, ledger: ledger, allocator: allocator, networks: networks,
		bus: bus, logger: logger, now: time.Now,
	}
}

// effects collects what to announce once the unit of work is committed.
type effects struct {
	events []domain.Event
}

func (r *Reconciler) flush(ctx context.Context, fx effects) {
	r.bus.Publish(ctx, fx.events...)
}

// HandleBroadcast surfaces a payment that is seen but not final. It never
// touches the ledger.
func (r *Reconciler) HandleBroadcast(ctx context.Context, b domain.Broadcast) (Outcome, error) {
	net, err := r.networks.Get(b.Network)
	if err != nil {
		return "", err
	}
	var route domain.Route
	err = r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		route, err = r.allocator.matchTx(ctx, tx, net, b.Destination, r.now())
		return err
	})
	if errors.Is(err, domain.ErrUnknownRoute) {
		r.ignore(ctx, "broadcast", b.Network, b.Destination, b.ExternalRef)
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	notificationsTotal.WithLabelValues(b.Network, "broadcast", string(OutcomeObserved)).Inc()
	r.bus.Publish(ctx, domain.PaymentBroadcast{
		OrderID: route.OrderID, RouteID: route.ID, Network: b.Network,
		ExternalRef: b.ExternalRef, Amount: b.Amount, At: b.SeenAt,
	})
	return OutcomeObserved, nil
}

// HandleMined records the payment a mined notification reports and
// confirms it once the network's confirmation policy is met. Replays of
// the same notification are no-ops apart from re-evaluating confirmation.
func (r *Reconciler) HandleMined(ctx context.Context, m domain.Mined) (Outcome, error) {
	net, err := r.networks.Get(m.Network)
	if err != nil {
		return "", err
	}
	if _, err := domain.NewTokenAmount(m.Amount.Currency, m.Amount.Amount); err != nil {
		return "", err
	}

	var (
		outcome Outcome
		fx      effects
	)
	err = r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		fx = effects{}
		head, err := tx.AdvanceHead(ctx, net.ID, m.Head())
		if err != nil {
			return err
		}
		now := r.now()
		route, err := r.allocator.matchTx(ctx, tx, net, m.Destination, now)
		if errors.Is(err, domain.ErrUnknownRoute) {
			// Not ours. Keep the head moving anyway.
			outcome = OutcomeIgnored
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.LockOrder(ctx, route.OrderID); err != nil {
			return err
		}

		payment, err := tx.FindPayment(ctx, route.ID, m.ExternalRef)
		switch {
		case err == nil:
			outcome = OutcomeDuplicate
		case errors.Is(err, store.ErrNotFound):
			payment = domain.Payment{
				ID:          uuid.New(),
				RouteID:     route.ID,
				OrderID:     route.OrderID,
				Network:     net.ID,
				Currency:    m.Amount.Currency,
				Amount:      m.Amount.Amount,
				ExternalRef: m.ExternalRef,
				BlockRef:    m.BlockRef,
				BlockNumber: m.BlockNumber,
				Depth:       m.Depth,
				DetectedAt:  now,
			}
			if err := tx.InsertPayment(ctx, payment); err != nil {
				return err
			}
			outcome = OutcomeRecorded
			fx.events = append(fx.events, domain.PaymentDetected{
				OrderID: route.OrderID, RouteID: route.ID, PaymentID: payment.ID, Network: net.ID,
				ExternalRef: m.ExternalRef, Amount: payment.Value(), At: now,
			})
		default:
			return err
		}

		confirmed, err := r.confirmTx(ctx, tx, net, payment, head, now, &fx)
		if err != nil {
			return err
		}
		if confirmed {
			outcome = OutcomeConfirmed
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("reconcile %s on %s: %w", m.ExternalRef, m.Network, err)
	}
	if outcome == OutcomeIgnored {
		r.ignore(ctx, "mined", m.Network, m.Destination, m.ExternalRef)
		return OutcomeIgnored, nil
	}
	if outcome == OutcomeDuplicate {
		r.logger.DebugContext(ctx, "duplicate settlement notification",
			"network", m.Network, "destination", m.Destination, "external_ref", m.ExternalRef)
	}
	notificationsTotal.WithLabelValues(m.Network, "mined", string(outcome)).Inc()
	r.flush(ctx, fx)
	return outcome, nil
}

// HandleBlock advances the network head and promotes every pending payment
// whose effective depth now satisfies the policy. It returns the number of
// payments confirmed.
func (r *Reconciler) HandleBlock(ctx context.Context, b domain.Block) (int, error) {
	net, err := r.networks.Get(b.Network)
	if err != nil {
		return 0, err
	}
	var (
		promoted int
		fx       effects
	)
	err = r.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		promoted, fx = 0, effects{}
		head, err := tx.AdvanceHead(ctx, net.ID, b.Number)
		if err != nil {
			return err
		}
		// Payments on routes closed past the grace window are no longer
		// reconciled, matching what HandleMined accepts.
		now := r.now()
		pending, err := tx.ListUnconfirmedPayments(ctx, net.ID, now.Add(-net.GraceWindow))
		if err != nil {
			return err
		}
		// Lock orders in a fixed order so concurrent sweeps cannot deadlock.
		sort.Slice(pending, func(i, j int) bool {
			if c := bytes.Compare(pending[i].OrderID[:], pending[j].OrderID[:]); c != 0 {
				return c < 0
			}
			return pending[i].DetectedAt.Before(pending[j].DetectedAt)
		})
		locked := make(map[uuid.UUID]bool)
		for _, p := range pending {
			if !net.Policy().Satisfied(p.EffectiveDepth(head)) {
				continue
			}
			if !locked[p.OrderID] {
				if err := tx.LockOrder(ctx, p.OrderID); err != nil {
					return err
				}
				locked[p.OrderID] = true
			}
			ok, err := r.confirmTx(ctx, tx, net, p, head, now, &fx)
			if err != nil {
				return err
			}
			if ok {
				promoted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("block %d on %s: %w", b.Number, b.Network, err)
	}
	notificationsTotal.WithLabelValues(b.Network, "block", string(OutcomeObserved)).Inc()
	r.flush(ctx, fx)
	return promoted, nil
}

// confirmTx promotes the payment when its depth satisfies the policy and
// it has not been confirmed before. Confirmation credits the requester and
// debits the treasury in the same unit of work. When the confirmation
// settles the order its routes are closed. The caller holds the order lock.
func (r *Reconciler) confirmTx(ctx context.Context, tx store.Tx, net domain.Network, p domain.Payment, head int64, now time.Time, fx *effects) (bool, error) {
	if !net.Policy().Satisfied(p.EffectiveDepth(head)) {
		return false, nil
	}
	order, err := tx.GetOrder(ctx, p.OrderID)
	if err != nil {
		return false, err
	}
	payments, err := tx.ListPayments(ctx, order.ID)
	if err != nil {
		return false, err
	}
	confirmations, err := tx.ListConfirmations(ctx, order.ID)
	if err != nil {
		return false, err
	}
	for _, c := range confirmations {
		if c.PaymentID == p.ID {
			return false, nil
		}
	}
	before, _ := DeriveStatus(order, payments, confirmations, now)

	conf := domain.PaymentConfirmation{ID: uuid.New(), PaymentID: p.ID, OrderID: order.ID, ConfirmedAt: now}
	if err := tx.InsertConfirmation(ctx, conf); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, err
	}

	treasury, err := r.ledger.treasuryTx(ctx, tx)
	if err != nil {
		return false, err
	}
	requester, err := r.ledger.holderTx(ctx, tx, order.RequesterID)
	if err != nil {
		return false, err
	}
	if err := r.ledger.moveTx(ctx, tx, treasury, requester, p.Value(), domain.Reference{Type: domain.RefPayment, ID: p.ID}); err != nil {
		return false, err
	}
	paymentsConfirmed.WithLabelValues(net.ID).Inc()
	fx.events = append(fx.events, domain.PaymentConfirmed{
		OrderID: order.ID, PaymentID: p.ID, ConfirmationID: conf.ID, Amount: p.Value(), At: now,
	})
	if !p.Currency.Equal(order.Currency) {
		r.logger.WarnContext(ctx, "payment currency differs from order",
			"order", order.ID, "payment", p.ID, "order_currency", order.Currency.ID(), "payment_currency", p.Currency.ID())
	}

	after, total := DeriveStatus(order, payments, append(confirmations, conf), now)
	if before != domain.OrderPaid && after == domain.OrderPaid {
		if _, err := r.allocator.closeOrderRoutesTx(ctx, tx, order.ID, now); err != nil {
			return false, err
		}
		fx.events = append(fx.events, domain.OrderPaidEvent{
			OrderID: order.ID, Requested: order.Requested(), Confirmed: total, At: now,
		})
	}
	return true, nil
}

func (r *Reconciler) ignore(ctx context.Context, kind, network, destination, ref string) {
	notificationsTotal.WithLabelValues(network, kind, string(OutcomeIgnored)).Inc()
	r.logger.DebugContext(ctx, "notification matches no route",
		"kind", kind, "network", network, "destination", destination, "external_ref", ref)
}
