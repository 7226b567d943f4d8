// Package executor moves value out of the core for confirmed transfer
// decisions. Signing and broadcasting belong to external executors; this
// package defines their contract and settles the internal network itself.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
)

type SubmitRequest struct {
	TransferID  uuid.UUID
	Network     string
	Destination string
	Amount      domain.TokenAmount
	Memo        string
}

type Result struct {
	SettlementRef string
}

// Executor submits one transfer. An error that is a *domain.ExecutionError
// means the value never left; any other error leaves the outcome unknown.
type Executor interface {
	Submit(ctx context.Context, req SubmitRequest) (Result, error)
}

type Func func(ctx context.Context, req SubmitRequest) (Result, error)

func (f Func) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	return f(ctx, req)
}

type LookupStatus string

const (
	LookupConfirmed LookupStatus = "confirmed"
	LookupNotFound  LookupStatus = "not_found"
	LookupUnknown   LookupStatus = "unknown"
)

type Lookup struct {
	Status        LookupStatus
	SettlementRef string
}

// Tracker is implemented by executors that can report what happened to an
// earlier submission. The recovery sweep needs it to settle transfers whose
// outcome was lost.
type Tracker interface {
	Lookup(ctx context.Context, transferID uuid.UUID) (Lookup, error)
}

// Internal settles transfers between accounts of this system. The ledger
// movement happens in the transfer engine, so submission only issues a
// settlement reference.
type Internal struct {
	mu   sync.Mutex
	seen map[uuid.UUID]string
}

func NewInternal() *Internal {
	return &Internal{seen: make(map[uuid.UUID]string)}
}

func (e *Internal) Submit(_ context.Context, req SubmitRequest) (Result, error) {
	if req.Destination == "" {
		return Result{}, &domain.ExecutionError{Network: req.Network, Err: fmt.Errorf("missing receiver")}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ref, ok := e.seen[req.TransferID]
	if !ok {
		ref = "internal:" + req.TransferID.String()
		e.seen[req.TransferID] = ref
	}
	return Result{SettlementRef: ref}, nil
}

func (e *Internal) Lookup(_ context.Context, transferID uuid.UUID) (Lookup, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ref, ok := e.seen[transferID]; ok {
		return Lookup{Status: LookupConfirmed, SettlementRef: ref}, nil
	}
	return Lookup{Status: LookupNotFound}, nil
}

type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(network string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[network] = e
}

func (r *Registry) For(network string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[network]
	if !ok {
		return nil, fmt.Errorf("%w: no executor for %s", domain.ErrUnsupportedNetwork, network)
	}
	return e, nil
}
