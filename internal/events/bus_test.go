package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/redis/go-redis/v9"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusDeliversInOrder(t *testing.T) {
	bus := NewBus(quietLogger())
	var got []string
	bus.Subscribe(domain.EventOrderPaid, "paid", func(_ context.Context, e domain.Event) error {
		got = append(got, "paid:"+e.EventName())
		return nil
	})
	bus.SubscribeAll("all", func(_ context.Context, e domain.Event) error {
		got = append(got, "all:"+e.EventName())
		return nil
	})

	bus.Publish(context.Background(),
		domain.RouteOpened{OrderID: uuid.New()},
		domain.OrderPaidEvent{OrderID: uuid.New()},
	)

	want := []string{"all:route.opened", "paid:order.paid", "all:order.paid"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestBusSurvivesFailingHandlers(t *testing.T) {
	bus := NewBus(quietLogger())
	delivered := 0
	bus.SubscribeAll("broken", func(context.Context, domain.Event) error {
		return errors.New("sink down")
	})
	bus.SubscribeAll("panics", func(context.Context, domain.Event) error {
		panic("boom")
	})
	bus.SubscribeAll("ok", func(context.Context, domain.Event) error {
		delivered++
		return nil
	})

	bus.Publish(context.Background(), domain.OrderExpiredEvent{OrderID: uuid.New(), At: time.Now()})

	if delivered != 1 {
		t.Fatalf("expected healthy handler to receive the event, got %d deliveries", delivered)
	}
}

func TestRedisSinkReportsUnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	sink := NewRedisSink(client, "settlehub.")

	if ch := sink.Channel(domain.EventPaymentConfirmed); ch != "settlehub.payment.confirmed" {
		t.Fatalf("unexpected channel %s", ch)
	}
	if err := sink.Handle(context.Background(), domain.OrderExpiredEvent{OrderID: uuid.New()}); err == nil {
		t.Fatal("expected publish to an unreachable server to fail")
	}
}
