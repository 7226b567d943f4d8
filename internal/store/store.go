package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("unique constraint violated")
)

// Store runs units of work atomically. If fn returns an error nothing it
// wrote is kept.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of reads and writes available inside a unit of work.
// Lock* methods serialize concurrent transactions on the same row until
// the unit of work ends.
type Tx interface {
	CreateAccount(ctx context.Context, acc domain.Account, book domain.Book) error
	GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error)
	FindAccount(ctx context.Context, kind domain.AccountKind, ref string) (domain.Account, error)
	BookOf(ctx context.Context, accountID uuid.UUID) (domain.Book, error)
	LockBooks(ctx context.Context, ids ...uuid.UUID) error
	InsertEntries(ctx context.Context, entries ...domain.LedgerEntry) error
	BookTotals(ctx context.Context, bookID uuid.UUID, currencyID string) (domain.Totals, error)
	BookEntries(ctx context.Context, bookID uuid.UUID) ([]domain.LedgerEntry, error)
	LedgerTotals(ctx context.Context) ([]domain.CurrencyTotals, error)

	InsertOrder(ctx context.Context, o domain.PaymentOrder) error
	GetOrder(ctx context.Context, id uuid.UUID) (domain.PaymentOrder, error)
	LockOrder(ctx context.Context, id uuid.UUID) error
	// ListExpiredOrders returns orders past their expiration that still
	// have open routes.
	ListExpiredOrders(ctx context.Context, at time.Time, limit int) ([]domain.PaymentOrder, error)

	InsertRoute(ctx context.Context, r domain.Route) error
	GetRoute(ctx context.Context, id uuid.UUID) (domain.Route, error)
	ListRoutes(ctx context.Context, orderID uuid.UUID) ([]domain.Route, error)
	// MatchRoutes returns routes on network bound to identifier that are
	// open or were closed after closedAfter. Open routes come first, then
	// the most recently closed.
	MatchRoutes(ctx context.Context, network, identifier string, closedAfter time.Time) ([]domain.Route, error)
	// CloseRoute reports false when the route was already closed.
	CloseRoute(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	// ListReleasableRoutes returns routes on network that closed at or
	// before closedBefore and still hold their identifier.
	ListReleasableRoutes(ctx context.Context, network string, closedBefore time.Time, limit int) ([]domain.Route, error)
	// MarkRouteReleased reports false when the identifier was already let go.
	MarkRouteReleased(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)

	InsertPayment(ctx context.Context, p domain.Payment) error
	FindPayment(ctx context.Context, routeID uuid.UUID, externalRef string) (domain.Payment, error)
	ListPayments(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error)
	// ListUnconfirmedPayments returns payments on network awaiting
	// confirmation whose route is open or closed after closedAfter.
	ListUnconfirmedPayments(ctx context.Context, network string, closedAfter time.Time) ([]domain.Payment, error)
	InsertConfirmation(ctx context.Context, c domain.PaymentConfirmation) error
	ListConfirmations(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentConfirmation, error)
	// AdvanceHead moves the known head of network forward and returns the
	// resulting head. Heads never move backwards.
	AdvanceHead(ctx context.Context, network string, height int64) (int64, error)

	InsertTransfer(ctx context.Context, t domain.Transfer) error
	GetTransfer(ctx context.Context, id uuid.UUID) (domain.Transfer, error)
	LockTransfer(ctx context.Context, id uuid.UUID) (domain.Transfer, error)
	FindTransferByKey(ctx context.Context, senderID uuid.UUID, key string) (domain.Transfer, error)
	UpdateTransfer(ctx context.Context, t domain.Transfer) error
	ListTransfers(ctx context.Context, status domain.TransferStatus, updatedBefore time.Time, limit int) ([]domain.Transfer, error)
	ListDueTransfers(ctx context.Context, at time.Time, limit int) ([]domain.Transfer, error)
	InsertOutcome(ctx context.Context, o domain.TransferOutcome) error
	GetOutcome(ctx context.Context, transferID uuid.UUID) (domain.TransferOutcome, error)
}
