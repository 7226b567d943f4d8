package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/service"
	"golang.org/x/sync/errgroup"
)

// ErrSourceClosed is returned by a Source that has no more messages.
var ErrSourceClosed = errors.New("source closed")

var dropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settlehub_ingest_dropped_total",
	Help: "Notifications committed without being reconciled",
}, []string{"network", "reason"})

// Reconciler applies notifications. *service.Reconciler implements it.
type Reconciler interface {
	HandleBroadcast(ctx context.Context, b domain.Broadcast) (service.Outcome, error)
	HandleMined(ctx context.Context, m domain.Mined) (service.Outcome, error)
	HandleBlock(ctx context.Context, b domain.Block) (int, error)
}

// Worker consumes the notifications of one network.
//
// A message is committed after it was reconciled or found permanently
// unprocessable. Storage failures are retried until they succeed or the
// worker is stopped, in which case the message is left uncommitted and
// will be redelivered.
type Worker struct {
	Network string
	Source  Source
	Rec     Reconciler
	Logger  *slog.Logger
	// Backoff between retries of a failing message.
	Backoff time.Duration
}

// Run consumes until ctx is canceled. A message being reconciled when ctx
// is canceled is finished first.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("network", w.Network)
	backoff := w.Backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	logger.Info("ingest worker started")
	defer logger.Info("ingest worker stopped")

	for {
		msg, err := w.Source.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrSourceClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("fetch %s notifications: %w", w.Network, err)
		}

		// Reconciliation and commit finish even if ctx is canceled meanwhile.
		work := context.WithoutCancel(ctx)
		for attempt := 1; ; attempt++ {
			err = w.handle(work, logger, msg.Value)
			if err == nil {
				break
			}
			logger.Error("reconcile notification", "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
		}
		if err := w.Source.Commit(work, msg); err != nil {
			return fmt.Errorf("commit %s notification: %w", w.Network, err)
		}
	}
}

// handle reconciles one message. It returns an error only when the message
// should be retried.
func (w *Worker) handle(ctx context.Context, logger *slog.Logger, value []byte) error {
	n, err := Decode(value)
	if err != nil {
		w.drop(ctx, logger, "malformed", err)
		return nil
	}
	if n.Network != w.Network {
		w.drop(ctx, logger, "wrong_network", fmt.Errorf("notification for %s", n.Network))
		return nil
	}

	switch n.Type {
	case TypeBroadcast:
		_, err = w.Rec.HandleBroadcast(ctx, n.Broadcast())
	case TypeMined:
		var out service.Outcome
		out, err = w.Rec.HandleMined(ctx, n.Mined())
		if err == nil {
			logger.DebugContext(ctx, "mined notification", "external_ref", n.ExternalRef, "outcome", out)
		}
	case TypeBlock:
		var promoted int
		promoted, err = w.Rec.HandleBlock(ctx, n.Block())
		if err == nil && promoted > 0 {
			logger.InfoContext(ctx, "block promoted payments", "block", n.BlockNumber, "promoted", promoted)
		}
	}
	if permanent(err) {
		w.drop(ctx, logger, "rejected", err)
		return nil
	}
	return err
}

func (w *Worker) drop(ctx context.Context, logger *slog.Logger, reason string, err error) {
	dropped.WithLabelValues(w.Network, reason).Inc()
	logger.WarnContext(ctx, "notification dropped", "reason", reason, "error", err)
}

// permanent reports errors that redelivery cannot fix.
func permanent(err error) bool {
	for _, target := range []error{
		domain.ErrUnsupportedNetwork, domain.ErrInvalidAmount, domain.ErrPrecision,
		domain.ErrCurrencyMismatch, ErrMalformed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Run runs the workers until ctx is canceled or one of them fails, then
// waits for all of them to drain.
func Run(ctx context.Context, workers ...*Worker) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}
