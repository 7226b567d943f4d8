package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/shopspring/decimal"
)

// ErrMalformed marks a notification that can never be processed.
var ErrMalformed = errors.New("malformed notification")

const (
	TypeBroadcast = "broadcast"
	TypeMined     = "mined"
	TypeBlock     = "block"
)

// Notification is the wire envelope of a settlement notification as
// published by network watchers. Amounts travel as decimal strings.
type Notification struct {
	Type        string           `json:"type"`
	Network     string           `json:"network"`
	Destination string           `json:"destination,omitempty"`
	Currency    *domain.Currency `json:"currency,omitempty"`
	Amount      string           `json:"amount,omitempty"`
	ExternalRef string           `json:"external_ref,omitempty"`
	BlockRef    string           `json:"block_ref,omitempty"`
	BlockNumber int64            `json:"block_number,omitempty"`
	Depth       int64            `json:"depth,omitempty"`
	At          time.Time        `json:"at"`
}

// Decode parses and validates a notification.
func Decode(data []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n.Network == "" {
		return Notification{}, fmt.Errorf("%w: missing network", ErrMalformed)
	}
	switch n.Type {
	case TypeBroadcast, TypeMined:
		if n.Destination == "" || n.ExternalRef == "" {
			return Notification{}, fmt.Errorf("%w: %s needs destination and external_ref", ErrMalformed, n.Type)
		}
		if _, err := n.tokenAmount(); err != nil {
			return Notification{}, err
		}
	case TypeBlock:
		if n.BlockNumber <= 0 {
			return Notification{}, fmt.Errorf("%w: block needs a positive block_number", ErrMalformed)
		}
	default:
		return Notification{}, fmt.Errorf("%w: unknown type %q", ErrMalformed, n.Type)
	}
	return n, nil
}

func (n Notification) tokenAmount() (domain.TokenAmount, error) {
	if n.Currency == nil {
		return domain.TokenAmount{}, fmt.Errorf("%w: missing currency", ErrMalformed)
	}
	d, err := decimal.NewFromString(n.Amount)
	if err != nil {
		return domain.TokenAmount{}, fmt.Errorf("%w: amount %q: %v", ErrMalformed, n.Amount, err)
	}
	a, err := domain.NewTokenAmount(*n.Currency, d)
	if err != nil {
		return domain.TokenAmount{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return a, nil
}

func (n Notification) Broadcast() domain.Broadcast {
	a, _ := n.tokenAmount()
	return domain.Broadcast{
		Network: n.Network, Destination: n.Destination, Amount: a,
		ExternalRef: n.ExternalRef, SeenAt: n.At,
	}
}

func (n Notification) Mined() domain.Mined {
	a, _ := n.tokenAmount()
	return domain.Mined{
		Network: n.Network, Destination: n.Destination, Amount: a,
		ExternalRef: n.ExternalRef, BlockRef: n.BlockRef,
		BlockNumber: n.BlockNumber, Depth: n.Depth, MinedAt: n.At,
	}
}

func (n Notification) Block() domain.Block {
	return domain.Block{Network: n.Network, Number: n.BlockNumber, Ref: n.BlockRef, At: n.At}
}

// FromMined builds the envelope of m.
func FromMined(m domain.Mined) Notification {
	c := m.Amount.Currency
	return Notification{
		Type: TypeMined, Network: m.Network, Destination: m.Destination,
		Currency: &c, Amount: m.Amount.Amount.String(), ExternalRef: m.ExternalRef,
		BlockRef: m.BlockRef, BlockNumber: m.BlockNumber, Depth: m.Depth, At: m.MinedAt,
	}
}

// FromBlock builds the envelope of b.
func FromBlock(b domain.Block) Notification {
	return Notification{Type: TypeBlock, Network: b.Network, BlockNumber: b.Number, BlockRef: b.Ref, At: b.At}
}

// Key is the partition key of the notification. Notifications about the
// same destination share a partition so they arrive in order.
func (n Notification) Key() string {
	if n.Destination != "" {
		return n.Network + ":" + n.Destination
	}
	return n.Network
}
