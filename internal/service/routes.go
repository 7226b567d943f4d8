package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/events"
	"github.com/punchamoorthee/settlehub/internal/provision"
	"github.com/punchamoorthee/settlehub/internal/store"
)

// Networks is the set of settlement rails the core accepts.
type Networks map[string]domain.Network

func NewNetworks(list ...domain.Network) (Networks, error) {
	n := make(Networks, len(list))
	for _, net := range list {
		if err := net.Validate(); err != nil {
			return nil, err
		}
		if _, dup := n[net.ID]; dup {
			return nil, fmt.Errorf("network %s declared twice", net.ID)
		}
		n[net.ID] = net
	}
	return n, nil
}

func (n Networks) Get(id string) (domain.Network, error) {
	net, ok := n[id]
	if !ok {
		return domain.Network{}, fmt.Errorf("%w: %s", domain.ErrUnsupportedNetwork, id)
	}
	return net, nil
}

// Allocator binds settlement routes to orders.
type Allocator struct {
	store    store.Store
	pools    provision.Pool
	networks Networks
	bus      events.Publisher
	logger   *slog.Logger
	now      func() time.Time
}

func NewAllocator(s store.Store, pools provision.Pool, networks Networks, bus events.Publisher, logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{store: s, pools: pools, networks: networks, bus: bus, logger: logger, now: time.Now}
}

// OpenRoute opens a route for the order on network. It fails with
// ErrDuplicateRoute while another route for the pair is still open.
func (a *Allocator) OpenRoute(ctx context.Context, orderID uuid.UUID, network string) (domain.Route, error) {
	var (
		route  domain.Route
		leased []domain.Route
	)
	err := a.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a.release(ctx, leased) // from a rolled back attempt
		leased = nil
		if err := tx.LockOrder(ctx, orderID); err != nil {
			return notFound(err, "order")
		}
		var err error
		route, err = a.openRouteTx(ctx, tx, orderID, network, &leased)
		return err
	})
	if err != nil {
		a.release(ctx, leased)
		return domain.Route{}, err
	}
	a.bus.Publish(ctx, routeOpened(route))
	return route, nil
}

// openRouteTx records a new open route. Identifiers taken from the pool are
// appended to leased so the caller can hand them back if the unit of work
// fails.
func (a *Allocator) openRouteTx(ctx context.Context, tx store.Tx, orderID uuid.UUID, network string, leased *[]domain.Route) (domain.Route, error) {
	net, err := a.networks.Get(network)
	if err != nil {
		return domain.Route{}, err
	}
	existing, err := tx.ListRoutes(ctx, orderID)
	if err != nil {
		return domain.Route{}, err
	}
	for _, r := range existing {
		if r.Network == network && r.IsOpen() {
			return domain.Route{}, fmt.Errorf("%w: order %s on %s", domain.ErrDuplicateRoute, orderID, network)
		}
	}

	alloc, err := a.pools.Allocate(ctx, network)
	if err != nil {
		return domain.Route{}, err
	}
	details, err := domain.NewRouteDetails(net.Kind, alloc)
	if err != nil {
		return domain.Route{}, err
	}
	route := domain.Route{
		ID:         uuid.New(),
		OrderID:    orderID,
		Network:    network,
		Kind:       details.Kind(),
		Identifier: details.Identifier(),
		Metadata:   alloc.Metadata,
		CreatedAt:  a.now(),
	}
	*leased = append(*leased, route)
	if err := tx.InsertRoute(ctx, route); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.Route{}, fmt.Errorf("%w: order %s on %s", domain.ErrDuplicateRoute, orderID, network)
		}
		return domain.Route{}, err
	}
	return route, nil
}

// CloseRoute closes the route. Closing a closed route does nothing. The
// identifier stays bound to the route until ReleaseDue lets it go.
func (a *Allocator) CloseRoute(ctx context.Context, routeID uuid.UUID) error {
	return a.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		r, err := tx.GetRoute(ctx, routeID)
		if err != nil {
			return notFound(err, "route")
		}
		if err := tx.LockOrder(ctx, r.OrderID); err != nil {
			return err
		}
		_, err = tx.CloseRoute(ctx, routeID, a.now())
		return err
	})
}

// ReleaseDue returns to the pool the identifiers of routes that closed
// longer than their network's grace window ago, at most limit per network.
// Until then late notifications to an identifier still reach the order it
// was bound to. A route is marked released before its identifier goes
// back, so a failed release leaks the identifier instead of handing it
// out twice.
func (a *Allocator) ReleaseDue(ctx context.Context, limit int) (int, error) {
	now := a.now()
	var due []domain.Route
	err := a.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		due = due[:0]
		for _, net := range a.networks {
			routes, err := tx.ListReleasableRoutes(ctx, net.ID, now.Add(-net.GraceWindow), limit)
			if err != nil {
				return err
			}
			for _, r := range routes {
				ok, err := tx.MarkRouteReleased(ctx, r.ID, now)
				if err != nil {
					return err
				}
				if ok {
					due = append(due, r)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("release routes: %w", err)
	}
	a.release(ctx, due)
	return len(due), nil
}

// closeOrderRoutesTx closes every open route of the order. The caller holds
// the order lock.
func (a *Allocator) closeOrderRoutesTx(ctx context.Context, tx store.Tx, orderID uuid.UUID, at time.Time) ([]domain.Route, error) {
	routes, err := tx.ListRoutes(ctx, orderID)
	if err != nil {
		return nil, err
	}
	var closed []domain.Route
	for _, r := range routes {
		if !r.IsOpen() {
			continue
		}
		ok, err := tx.CloseRoute(ctx, r.ID, at)
		if err != nil {
			return nil, err
		}
		if ok {
			closed = append(closed, r)
		}
	}
	return closed, nil
}

// Routes returns every route of the order, open and closed.
func (a *Allocator) Routes(ctx context.Context, orderID uuid.UUID) ([]domain.Route, error) {
	var out []domain.Route
	err := a.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListRoutes(ctx, orderID)
		return err
	})
	return out, err
}

// matchTx finds the route an inbound notification belongs to.
func (a *Allocator) matchTx(ctx context.Context, tx store.Tx, net domain.Network, destination string, at time.Time) (domain.Route, error) {
	routes, err := tx.MatchRoutes(ctx, net.ID, destination, at.Add(-net.GraceWindow))
	if err != nil {
		return domain.Route{}, err
	}
	if len(routes) == 0 {
		return domain.Route{}, fmt.Errorf("%w: %s on %s", domain.ErrUnknownRoute, destination, net.ID)
	}
	return routes[0], nil
}

func (a *Allocator) release(ctx context.Context, routes []domain.Route) {
	for _, r := range routes {
		if err := a.pools.Release(ctx, r.Network, r.Identifier); err != nil {
			a.logger.WarnContext(ctx, "release route identifier",
				"network", r.Network, "identifier", r.Identifier, "error", err)
		}
	}
}

func routeOpened(r domain.Route) domain.RouteOpened {
	return domain.RouteOpened{OrderID: r.OrderID, RouteID: r.ID, Network: r.Network, Identifier: r.Identifier, At: r.CreatedAt}
}
