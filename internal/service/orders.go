package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/events"
	"github.com/punchamoorthee/settlehub/internal/store"
)

// DeriveStatus computes the status of an order from its payment history.
// Only confirmations made before the order expired count toward it, so a
// paid order stays paid and an expired order never becomes paid. Payments
// in another currency are kept but never count.
func DeriveStatus(o domain.PaymentOrder, payments []domain.Payment, confirmations []domain.PaymentConfirmation, now time.Time) (domain.OrderStatus, domain.TokenAmount) {
	byID := make(map[uuid.UUID]domain.Payment, len(payments))
	for _, p := range payments {
		byID[p.ID] = p
	}
	total := domain.ZeroAmount(o.Currency)
	for _, c := range confirmations {
		if o.ExpiresAt != nil && !c.ConfirmedAt.Before(*o.ExpiresAt) {
			continue
		}
		p, ok := byID[c.PaymentID]
		if !ok || !p.Currency.Equal(o.Currency) {
			continue
		}
		total.Amount = total.Amount.Add(p.Amount)
	}
	switch {
	case total.Amount.GreaterThanOrEqual(o.Amount):
		return domain.OrderPaid, total
	case o.ExpiredAt(now):
		return domain.OrderExpired, total
	}
	return domain.OrderOpen, total
}

type CreateOrder struct {
	RequesterID uuid.UUID
	Amount      domain.TokenAmount
	Reference   string
	ExpiresAt   *time.Time
	Networks    []string
}

// OrderView is an order with its derived status and history.
type OrderView struct {
	Order         domain.PaymentOrder          `json:"order"`
	Status        domain.OrderStatus           `json:"status"`
	Confirmed     domain.TokenAmount           `json:"confirmed"`
	Routes        []domain.Route               `json:"routes"`
	Payments      []domain.Payment             `json:"payments"`
	Confirmations []domain.PaymentConfirmation `json:"confirmations"`
}

type Orders struct {
	store     store.Store
	allocator *Allocator
	bus       events.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewOrders(s store.Store, allocator *Allocator, bus events.Publisher, logger *slog.Logger) *Orders {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orders{store: s, allocator: allocator, bus: bus, logger: logger, now: time.Now}
}

// Create records the order and opens one route per requested network in a
// single unit of work.
func (o *Orders) Create(ctx context.Context, req CreateOrder) (domain.PaymentOrder, []domain.Route, error) {
	if _, err := domain.NewTokenAmount(req.Amount.Currency, req.Amount.Amount); err != nil {
		return domain.PaymentOrder{}, nil, err
	}
	if !req.Amount.Amount.IsPositive() {
		return domain.PaymentOrder{}, nil, fmt.Errorf("%w: order amount must be positive", domain.ErrInvalidAmount)
	}
	if len(req.Networks) == 0 {
		return domain.PaymentOrder{}, nil, fmt.Errorf("%w: order needs at least one network", domain.ErrUnsupportedNetwork)
	}

	now := o.now()
	order := domain.PaymentOrder{
		ID:          uuid.New(),
		RequesterID: req.RequesterID,
		Currency:    req.Amount.Currency,
		Amount:      req.Amount.Amount,
		Reference:   req.Reference,
		CreatedAt:   now,
		ExpiresAt:   req.ExpiresAt,
	}
	var routes, leased []domain.Route
	err := o.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o.allocator.release(ctx, leased)
		routes, leased = nil, nil
		acc, err := tx.GetAccount(ctx, req.RequesterID)
		if err != nil {
			return notFound(err, "requester")
		}
		if acc.Kind != domain.AccountUser {
			return fmt.Errorf("requester %s is a %s account: %w", acc.ID, acc.Kind, domain.ErrNotFound)
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		for _, network := range req.Networks {
			r, err := o.allocator.openRouteTx(ctx, tx, order.ID, network, &leased)
			if err != nil {
				return err
			}
			routes = append(routes, r)
		}
		return nil
	})
	if err != nil {
		o.allocator.release(ctx, leased)
		return domain.PaymentOrder{}, nil, err
	}
	for _, r := range routes {
		o.bus.Publish(ctx, routeOpened(r))
	}
	return order, routes, nil
}

func (o *Orders) Get(ctx context.Context, id uuid.UUID) (OrderView, error) {
	var v OrderView
	err := o.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		v, err = o.viewTx(ctx, tx, id)
		return err
	})
	return v, err
}

// Status returns the derived status of the order.
func (o *Orders) Status(ctx context.Context, id uuid.UUID) (domain.OrderStatus, error) {
	v, err := o.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return v.Status, nil
}

func (o *Orders) viewTx(ctx context.Context, tx store.Tx, id uuid.UUID) (OrderView, error) {
	order, err := tx.GetOrder(ctx, id)
	if err != nil {
		return OrderView{}, notFound(err, "order")
	}
	routes, err := tx.ListRoutes(ctx, id)
	if err != nil {
		return OrderView{}, err
	}
	payments, err := tx.ListPayments(ctx, id)
	if err != nil {
		return OrderView{}, err
	}
	confirmations, err := tx.ListConfirmations(ctx, id)
	if err != nil {
		return OrderView{}, err
	}
	status, total := DeriveStatus(order, payments, confirmations, o.now())
	return OrderView{
		Order:         order,
		Status:        status,
		Confirmed:     total,
		Routes:        routes,
		Payments:      payments,
		Confirmations: confirmations,
	}, nil
}

// ExpireDue closes the routes of orders whose expiration has passed and
// reports how many orders expired.
func (o *Orders) ExpireDue(ctx context.Context, limit int) (int, error) {
	now := o.now()
	var due []domain.PaymentOrder
	err := o.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		due, err = tx.ListExpiredOrders(ctx, now, limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list expired orders: %w", err)
	}

	expired := 0
	for _, order := range due {
		ok, err := o.expire(ctx, order.ID, now)
		if err != nil {
			o.logger.ErrorContext(ctx, "expire order", "order", order.ID, "error", err)
			continue
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

func (o *Orders) expire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	var (
		closed []domain.Route
		status domain.OrderStatus
	)
	err := o.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.LockOrder(ctx, id); err != nil {
			return err
		}
		v, err := o.viewTx(ctx, tx, id)
		if err != nil {
			return err
		}
		status = v.Status
		if status == domain.OrderOpen {
			return nil
		}
		closed, err = o.allocator.closeOrderRoutesTx(ctx, tx, id, now)
		return err
	})
	if err != nil {
		return false, err
	}
	if status != domain.OrderExpired || len(closed) == 0 {
		return false, nil
	}
	o.bus.Publish(ctx, domain.OrderExpiredEvent{OrderID: id, At: now})
	return true, nil
}
