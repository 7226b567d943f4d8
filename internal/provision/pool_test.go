package provision

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
)

func TestStaticPoolAllocateAndRelease(t *testing.T) {
	ctx := context.Background()
	p := NewStaticPool()
	p.Add("ethereum:1", "0xa", "0xb")

	a, err := p.Allocate(ctx, "ethereum:1")
	if err != nil || a.Identifier != "0xa" {
		t.Fatalf("expected 0xa, got %q err=%v", a.Identifier, err)
	}
	if _, err := p.Allocate(ctx, "ethereum:1"); err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if _, err := p.Allocate(ctx, "ethereum:1"); !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}

	if err := p.Release(ctx, "ethereum:1", "0xa"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := p.Release(ctx, "ethereum:1", "0xa"); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if n := p.Available("ethereum:1"); n != 1 {
		t.Fatalf("expected one free identifier, got %d", n)
	}
}

func TestChannelPoolIdentifierRange(t *testing.T) {
	p := ChannelPool{Node: "node-1"}
	lower := new(big.Int).Lsh(big.NewInt(1), 48)
	upper := new(big.Int).Lsh(big.NewInt(1), 53)

	for i := 0; i < 100; i++ {
		a, err := p.Allocate(context.Background(), "lightning")
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		n, ok := new(big.Int).SetString(a.Identifier, 10)
		if !ok {
			t.Fatalf("identifier %q is not an integer", a.Identifier)
		}
		if n.Cmp(lower) < 0 || n.Cmp(upper) >= 0 {
			t.Fatalf("identifier %s out of range", n)
		}
		if a.Metadata["node"] != "node-1" {
			t.Fatalf("expected node metadata, got %v", a.Metadata)
		}
	}
}

func TestRegistryDispatch(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	r.Register("internal", InternalPool{})

	a, err := r.Allocate(ctx, "internal")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := uuid.Parse(a.Identifier); err != nil {
		t.Fatalf("expected uuid marker, got %q", a.Identifier)
	}
	if _, err := r.Allocate(ctx, "tron"); !errors.Is(err, domain.ErrUnsupportedNetwork) {
		t.Fatalf("expected ErrUnsupportedNetwork, got %v", err)
	}
}
