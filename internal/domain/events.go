package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is a notification emitted after core state has been committed.
type Event interface {
	EventName() string
}

const (
	EventRouteOpened       = "route.opened"
	EventPaymentBroadcast  = "payment.broadcast"
	EventPaymentDetected   = "payment.detected"
	EventPaymentConfirmed  = "payment.confirmed"
	EventOrderPaid         = "order.paid"
	EventOrderExpired      = "order.expired"
	EventTransferConfirmed = "transfer.confirmed"
	EventTransferFailed    = "transfer.failed"
	EventTransferCanceled  = "transfer.canceled"
)

type RouteOpened struct {
	OrderID    uuid.UUID `json:"order_id"`
	RouteID    uuid.UUID `json:"route_id"`
	Network    string    `json:"network"`
	Identifier string    `json:"identifier"`
	At         time.Time `json:"at"`
}

func (RouteOpened) EventName() string { return EventRouteOpened }

type PaymentBroadcast struct {
	OrderID     uuid.UUID   `json:"order_id"`
	RouteID     uuid.UUID   `json:"route_id"`
	Network     string      `json:"network"`
	ExternalRef string      `json:"external_ref"`
	Amount      TokenAmount `json:"amount"`
	At          time.Time   `json:"at"`
}

func (PaymentBroadcast) EventName() string { return EventPaymentBroadcast }

type PaymentDetected struct {
	OrderID     uuid.UUID   `json:"order_id"`
	RouteID     uuid.UUID   `json:"route_id"`
	PaymentID   uuid.UUID   `json:"payment_id"`
	Network     string      `json:"network"`
	ExternalRef string      `json:"external_ref"`
	Amount      TokenAmount `json:"amount"`
	At          time.Time   `json:"at"`
}

func (PaymentDetected) EventName() string { return EventPaymentDetected }

type PaymentConfirmed struct {
	OrderID        uuid.UUID   `json:"order_id"`
	PaymentID      uuid.UUID   `json:"payment_id"`
	ConfirmationID uuid.UUID   `json:"confirmation_id"`
	Amount         TokenAmount `json:"amount"`
	At             time.Time   `json:"at"`
}

func (PaymentConfirmed) EventName() string { return EventPaymentConfirmed }

type OrderPaidEvent struct {
	OrderID   uuid.UUID   `json:"order_id"`
	Requested TokenAmount `json:"requested"`
	Confirmed TokenAmount `json:"confirmed"`
	At        time.Time   `json:"at"`
}

func (OrderPaidEvent) EventName() string { return EventOrderPaid }

type OrderExpiredEvent struct {
	OrderID uuid.UUID `json:"order_id"`
	At      time.Time `json:"at"`
}

func (OrderExpiredEvent) EventName() string { return EventOrderExpired }

type TransferConfirmedEvent struct {
	TransferID    uuid.UUID   `json:"transfer_id"`
	SenderID      uuid.UUID   `json:"sender_id"`
	Amount        TokenAmount `json:"amount"`
	SettlementRef string      `json:"settlement_ref"`
	At            time.Time   `json:"at"`
}

func (TransferConfirmedEvent) EventName() string { return EventTransferConfirmed }

type TransferFailedEvent struct {
	TransferID uuid.UUID   `json:"transfer_id"`
	SenderID   uuid.UUID   `json:"sender_id"`
	Amount     TokenAmount `json:"amount"`
	Reason     string      `json:"reason"`
	At         time.Time   `json:"at"`
}

func (TransferFailedEvent) EventName() string { return EventTransferFailed }

type TransferCanceledEvent struct {
	TransferID     uuid.UUID   `json:"transfer_id"`
	SenderID       uuid.UUID   `json:"sender_id"`
	CancellationID uuid.UUID   `json:"cancellation_id"`
	Amount         TokenAmount `json:"amount"`
	Refunded       bool        `json:"refunded"`
	Actor          string      `json:"actor"`
	At             time.Time   `json:"at"`
}

func (TransferCanceledEvent) EventName() string { return EventTransferCanceled }
