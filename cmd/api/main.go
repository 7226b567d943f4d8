package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/settlehub/internal/api"
	"github.com/punchamoorthee/settlehub/internal/app"
	"github.com/punchamoorthee/settlehub/internal/config"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/ingest"
	"github.com/punchamoorthee/settlehub/internal/service"
	"golang.org/x/sync/errgroup"
)

const sweepBatch = 100

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	level := slog.LevelInfo
	if cfg.Env == "development" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	core, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Unable to start settlement core: %v", err)
	}
	defer core.Close()

	handler := api.NewHandler(core.Ledger, core.Orders, core.Engine)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := core.Store.Db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	handler.Register(r.PathPrefix("/api/v1").Subrouter())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Server starting on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	workers, closeSources, err := consumers(cfg, core, logger)
	if err != nil {
		log.Fatalf("Unable to start consumers: %v", err)
	}
	defer closeSources()
	if len(workers) > 0 {
		g.Go(func() error { return ingest.Run(gctx, workers...) })
	}

	g.Go(func() error {
		every(gctx, cfg.ExpiryInterval, func(ctx context.Context) {
			if n, err := core.Orders.ExpireDue(ctx, sweepBatch); err != nil {
				logger.ErrorContext(ctx, "expire orders", "error", err)
			} else if n > 0 {
				logger.InfoContext(ctx, "orders expired", "count", n)
			}
			if n, err := core.Allocator.ReleaseDue(ctx, sweepBatch); err != nil {
				logger.ErrorContext(ctx, "release route identifiers", "error", err)
			} else if n > 0 {
				logger.DebugContext(ctx, "route identifiers released", "count", n)
			}
			if n, err := core.Engine.ExecuteDue(ctx, sweepBatch); err != nil {
				logger.ErrorContext(ctx, "execute due transfers", "error", err)
			} else if n > 0 {
				logger.InfoContext(ctx, "due transfers executed", "count", n)
			}
		})
		return nil
	})
	g.Go(func() error {
		every(gctx, cfg.RecoveryInterval, func(ctx context.Context) {
			report, err := core.Engine.Recover(ctx, cfg.RecoveryMinAge, sweepBatch)
			if err != nil {
				logger.ErrorContext(ctx, "recover transfers", "error", err)
				return
			}
			if report != (service.RecoveryReport{}) {
				logger.InfoContext(ctx, "transfer recovery", "confirmed", report.Confirmed, "failed", report.Failed, "pending", report.Pending)
			}
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("Shutdown with error: %v", err)
		return
	}
	log.Println("Shutdown complete")
}

// consumers starts one Kafka worker per external network.
func consumers(cfg *config.Config, core *app.App, logger *slog.Logger) ([]*ingest.Worker, func(), error) {
	var (
		workers []*ingest.Worker
		sources []*ingest.KafkaSource
	)
	closeAll := func() {
		for _, s := range sources {
			s.Close()
		}
	}
	if len(cfg.KafkaBrokers) == 0 {
		logger.Warn("KAFKA_BROKERS not set, settlement notifications are not consumed")
		return nil, closeAll, nil
	}
	for _, e := range core.Entries {
		if e.Kind == domain.NetworkInternal {
			continue
		}
		src, err := ingest.NewKafkaSource(cfg.KafkaBrokers, cfg.KafkaGroupID, cfg.Topic(e.ID))
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		sources = append(sources, src)
		workers = append(workers, &ingest.Worker{Network: e.ID, Source: src, Rec: core.Reconciler, Logger: logger})
	}
	return workers, closeAll, nil
}

// every runs fn each interval until ctx is done. A run in progress when
// ctx is canceled completes.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			fn(context.WithoutCancel(ctx))
		}
	}
}
