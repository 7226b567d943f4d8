// Package provision hands out settlement identifiers for new payment
// routes: deposit addresses, channel payment identifiers and internal
// markers.
package provision

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
)

type Pool interface {
	Allocate(ctx context.Context, network string) (domain.Allocation, error)
	Release(ctx context.Context, network, identifier string) error
}

// StaticPool serves a fixed set of identifiers per network from memory.
type StaticPool struct {
	mu        sync.Mutex
	free      map[string][]domain.Allocation
	allocated map[string]domain.Allocation
}

func NewStaticPool() *StaticPool {
	return &StaticPool{
		free:      make(map[string][]domain.Allocation),
		allocated: make(map[string]domain.Allocation),
	}
}

func (p *StaticPool) Add(network string, identifiers ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range identifiers {
		p.free[network] = append(p.free[network], domain.Allocation{Identifier: id})
	}
}

func (p *StaticPool) Allocate(_ context.Context, network string) (domain.Allocation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.free[network]
	if len(free) == 0 {
		return domain.Allocation{}, fmt.Errorf("%s: %w", network, domain.ErrPoolExhausted)
	}
	a := free[0]
	p.free[network] = free[1:]
	p.allocated[network+"|"+a.Identifier] = a
	return a, nil
}

// Release returns an identifier to the back of the queue. Unknown
// identifiers are ignored.
func (p *StaticPool) Release(_ context.Context, network, identifier string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := network + "|" + identifier
	a, ok := p.allocated[key]
	if !ok {
		return nil
	}
	delete(p.allocated, key)
	p.free[network] = append(p.free[network], a)
	return nil
}

func (p *StaticPool) Available(network string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[network])
}

// Channel payment identifiers stay above values generated from unix time
// by channel node UIs and below 2^53 so javascript clients can hold them.
var (
	channelIDLower = new(big.Int).Lsh(big.NewInt(1), 48)
	channelIDSpan  = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 53), channelIDLower)
)

// ChannelPool generates random payment identifiers for a payment channel
// node. Identifiers are not reused, so Release is a no-op.
type ChannelPool struct {
	Node string
}

func (p ChannelPool) Allocate(_ context.Context, _ string) (domain.Allocation, error) {
	n, err := rand.Int(rand.Reader, channelIDSpan)
	if err != nil {
		return domain.Allocation{}, fmt.Errorf("generate payment identifier: %w", err)
	}
	a := domain.Allocation{Identifier: n.Add(n, channelIDLower).String()}
	if p.Node != "" {
		a.Metadata = map[string]string{"node": p.Node}
	}
	return a, nil
}

func (ChannelPool) Release(context.Context, string, string) error { return nil }

// InternalPool marks internal routes with fresh uuids.
type InternalPool struct{}

func (InternalPool) Allocate(context.Context, string) (domain.Allocation, error) {
	return domain.Allocation{Identifier: uuid.NewString()}, nil
}

func (InternalPool) Release(context.Context, string, string) error { return nil }

// Registry dispatches to the pool registered for each network.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]Pool
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]Pool)}
}

func (r *Registry) Register(network string, p Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[network] = p
}

func (r *Registry) pool(network string) (Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[network]
	if !ok {
		return nil, fmt.Errorf("%w: no pool for %s", domain.ErrUnsupportedNetwork, network)
	}
	return p, nil
}

func (r *Registry) Allocate(ctx context.Context, network string) (domain.Allocation, error) {
	p, err := r.pool(network)
	if err != nil {
		return domain.Allocation{}, err
	}
	return p.Allocate(ctx, network)
}

func (r *Registry) Release(ctx context.Context, network, identifier string) error {
	p, err := r.pool(network)
	if err != nil {
		return err
	}
	return p.Release(ctx, network, identifier)
}
