// Package app assembles the settlement core from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/punchamoorthee/settlehub/internal/config"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/events"
	"github.com/punchamoorthee/settlehub/internal/executor"
	"github.com/punchamoorthee/settlehub/internal/provision"
	"github.com/punchamoorthee/settlehub/internal/service"
	"github.com/punchamoorthee/settlehub/internal/store"
	"github.com/redis/go-redis/v9"
)

type Services struct {
	Networks   service.Networks
	Entries    []config.NetworkEntry
	Bus        *events.Bus
	Executors  *executor.Registry
	Ledger     *service.Ledger
	Allocator  *service.Allocator
	Orders     *service.Orders
	Reconciler *service.Reconciler
	Engine     *service.TransferEngine
}

// Wire builds the services over st. Blockchain networks allocate from
// identifiers; channel and internal networks generate their own. Only the
// internal network gets an executor. Executors for external networks are
// registered on Executors by the deployment, and until then transfers on
// those networks are refused when scheduled.
func Wire(st store.Store, identifiers provision.Pool, entries []config.NetworkEntry, cfg *config.Config, logger *slog.Logger) (*Services, error) {
	list := make([]domain.Network, 0, len(entries))
	pools := provision.NewRegistry()
	execs := executor.NewRegistry()
	for _, e := range entries {
		list = append(list, e.Network)
		switch e.Kind {
		case domain.NetworkBlockchain:
			pools.Register(e.ID, identifiers)
		case domain.NetworkChannel:
			pools.Register(e.ID, provision.ChannelPool{Node: e.Node})
		case domain.NetworkInternal:
			pools.Register(e.ID, provision.InternalPool{})
			execs.Register(e.ID, executor.NewInternal())
		}
	}
	networks, err := service.NewNetworks(list...)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(logger)
	bus.SubscribeAll("log", events.LogSink(logger))

	s := &Services{Networks: networks, Entries: entries, Bus: bus, Executors: execs}
	s.Ledger = service.NewLedger(st, logger)
	s.Allocator = service.NewAllocator(st, pools, networks, bus, logger)
	s.Orders = service.NewOrders(st, s.Allocator, bus, logger)
	s.Reconciler = service.NewReconciler(st, s.Ledger, s.Allocator, networks, bus, logger)
	s.Engine = service.NewTransferEngine(st, s.Ledger, execs, networks, bus, logger, cfg.TransferTimeout)
	return s, nil
}

// App is the Postgres-backed core.
type App struct {
	*Services
	Store *store.PostgresStore
	redis *redis.Client
}

// Open connects to Postgres and, when configured, Redis, and wires the
// services. It makes sure the treasury account exists.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	entries, err := config.LoadNetworks(cfg.NetworksFile)
	if err != nil {
		return nil, err
	}
	st, err := store.NewPostgresStore(ctx, cfg.DBSource)
	if err != nil {
		return nil, err
	}
	svc, err := Wire(st, store.NewIdentifierPool(st.Db), entries, cfg, logger)
	if err != nil {
		st.Close()
		return nil, err
	}
	a := &App{Services: svc, Store: st}

	if cfg.RedisURL != "" {
		a.redis, err = events.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			st.Close()
			return nil, err
		}
		svc.Bus.SubscribeAll("redis", events.NewRedisSink(a.redis, cfg.RedisChannelPrefix).Handle)
	}

	if _, err := svc.Ledger.EnsureTreasury(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ensure treasury: %w", err)
	}
	return a, nil
}

func (a *App) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.Store.Close()
}
