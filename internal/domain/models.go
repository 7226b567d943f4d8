package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountKind string

const (
	AccountUser     AccountKind = "user"
	AccountTreasury AccountKind = "treasury"
	// AccountExternal is a placeholder counterparty for value that left
	// the system to an address on some network.
	AccountExternal AccountKind = "external"
)

// TreasuryRef is the owner reference of the single treasury account.
const TreasuryRef = "treasury"

// Account owns exactly one Book.
type Account struct {
	ID        uuid.UUID   `json:"id"`
	Kind      AccountKind `json:"kind"`
	Ref       string      `json:"ref"`
	CreatedAt time.Time   `json:"created_at"`
}

type Book struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
}

type EntryKind string

const (
	Credit EntryKind = "credit"
	Debit  EntryKind = "debit"
)

// Reference ties a ledger entry to the record that caused it.
type Reference struct {
	Type string    `json:"type"`
	ID   uuid.UUID `json:"id"`
}

const (
	RefPayment              = "payment"
	RefTransfer             = "transfer"
	RefTransferConfirmation = "transfer_confirmation"
	RefTransferFailure      = "transfer_failure"
	RefTransferCancellation = "transfer_cancellation"
)

// LedgerEntry is one leg of a double-entry posting. Entries are never
// edited; corrections are new offsetting entries.
type LedgerEntry struct {
	ID        uuid.UUID       `json:"id"`
	BookID    uuid.UUID       `json:"book_id"`
	Kind      EntryKind       `json:"kind"`
	Currency  Currency        `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Reference Reference       `json:"reference"`
	CreatedAt time.Time       `json:"created_at"`
}

type Totals struct {
	Credits decimal.Decimal `json:"credits"`
	Debits  decimal.Decimal `json:"debits"`
}

func (t Totals) Balance() decimal.Decimal {
	return t.Credits.Sub(t.Debits)
}

// CurrencyTotals aggregates every book for one currency.
type CurrencyTotals struct {
	CurrencyID string `json:"currency_id"`
	Totals
}

// PaymentOrder is an intent to receive Amount of Currency on behalf of
// the requester account.
type PaymentOrder struct {
	ID          uuid.UUID       `json:"id"`
	RequesterID uuid.UUID       `json:"requester_id"`
	Currency    Currency        `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

func (o PaymentOrder) Requested() TokenAmount {
	return TokenAmount{Currency: o.Currency, Amount: o.Amount}
}

func (o PaymentOrder) ExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

type OrderStatus string

const (
	OrderOpen    OrderStatus = "open"
	OrderPaid    OrderStatus = "paid"
	OrderExpired OrderStatus = "expired"
)

// Route is a settlement destination for one order on one network.
type Route struct {
	ID         uuid.UUID         `json:"id"`
	OrderID    uuid.UUID         `json:"order_id"`
	Network    string            `json:"network"`
	Kind       NetworkKind       `json:"kind"`
	Identifier string            `json:"identifier"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	ClosedAt   *time.Time        `json:"closed_at,omitempty"`
}

func (r Route) IsOpen() bool {
	return r.ClosedAt == nil
}

func (r Route) Details() (RouteDetails, error) {
	return NewRouteDetails(r.Kind, Allocation{Identifier: r.Identifier, Metadata: r.Metadata})
}

// Payment is an immutable record of value seen arriving on a route.
type Payment struct {
	ID          uuid.UUID       `json:"id"`
	RouteID     uuid.UUID       `json:"route_id"`
	OrderID     uuid.UUID       `json:"order_id"`
	Network     string          `json:"network"`
	Currency    Currency        `json:"currency"`
	Amount      decimal.Decimal `json:"amount"`
	ExternalRef string          `json:"external_ref"`
	BlockRef    string          `json:"block_ref,omitempty"`
	BlockNumber int64           `json:"block_number,omitempty"`
	Depth       int64           `json:"depth"`
	DetectedAt  time.Time       `json:"detected_at"`
}

func (p Payment) Value() TokenAmount {
	return TokenAmount{Currency: p.Currency, Amount: p.Amount}
}

// EffectiveDepth re-reads depth against the latest known head of the chain.
func (p Payment) EffectiveDepth(head int64) int64 {
	if p.BlockNumber > 0 && head-p.BlockNumber > p.Depth {
		return head - p.BlockNumber
	}
	return p.Depth
}

type PaymentConfirmation struct {
	ID          uuid.UUID `json:"id"`
	PaymentID   uuid.UUID `json:"payment_id"`
	OrderID     uuid.UUID `json:"order_id"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

type TransferStatus string

const (
	TransferScheduled TransferStatus = "scheduled"
	TransferExecuting TransferStatus = "executing"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
	TransferCanceled  TransferStatus = "canceled"
)

func (s TransferStatus) Terminal() bool {
	return s == TransferConfirmed || s == TransferFailed || s == TransferCanceled
}

// Transfer is an outbound movement of value from a user account.
// Receiver is an address on external networks; on the internal network
// ReceiverID names the receiving account.
type Transfer struct {
	ID             uuid.UUID       `json:"id"`
	SenderID       uuid.UUID       `json:"sender_id"`
	Network        string          `json:"network"`
	Kind           NetworkKind     `json:"kind"`
	Receiver       string          `json:"receiver"`
	ReceiverID     *uuid.UUID      `json:"receiver_id,omitempty"`
	Currency       Currency        `json:"currency"`
	Amount         decimal.Decimal `json:"amount"`
	Memo           string          `json:"memo,omitempty"`
	IdempotencyKey string          `json:"-"`
	RequestHash    string          `json:"-"`
	SettlementRef  string          `json:"settlement_ref,omitempty"`
	Status         TransferStatus  `json:"status"`
	ExecuteOn      time.Time       `json:"execute_on"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (t Transfer) Value() TokenAmount {
	return TokenAmount{Currency: t.Currency, Amount: t.Amount}
}

type OutcomeKind string

const (
	OutcomeConfirmation OutcomeKind = "confirmation"
	OutcomeFailure      OutcomeKind = "failure"
	OutcomeCancellation OutcomeKind = "cancellation"
)

// TransferOutcome is the terminal record of a transfer. At most one exists
// per transfer.
type TransferOutcome struct {
	ID            uuid.UUID   `json:"id"`
	TransferID    uuid.UUID   `json:"transfer_id"`
	Kind          OutcomeKind `json:"kind"`
	SettlementRef string      `json:"settlement_ref,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	Actor         string      `json:"actor,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// ReferenceType is the ledger reference type for entries caused by o.
func (o TransferOutcome) ReferenceType() string {
	switch o.Kind {
	case OutcomeConfirmation:
		return RefTransferConfirmation
	case OutcomeFailure:
		return RefTransferFailure
	default:
		return RefTransferCancellation
	}
}
