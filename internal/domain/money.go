package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Currency is a fungible value unit living on one network.
// Two currencies are the same when their network and address match.
type Currency struct {
	Network  string `json:"network"`
	Address  string `json:"address"`
	Decimals int32  `json:"decimals"`
	Symbol   string `json:"symbol,omitempty"`
}

// ID is the canonical identifier used as the ledger's currency key.
func (c Currency) ID() string {
	return c.Network + "/" + strings.ToLower(c.Address)
}

func (c Currency) Equal(other Currency) bool {
	return c.ID() == other.ID()
}

func (c Currency) String() string {
	if c.Symbol != "" {
		return c.Symbol
	}
	return c.ID()
}

// TokenAmount is a non-negative quantity of a single currency.
type TokenAmount struct {
	Currency Currency        `json:"currency"`
	Amount   decimal.Decimal `json:"amount"`
}

// NewTokenAmount validates sign and precision before building the amount.
func NewTokenAmount(c Currency, amount decimal.Decimal) (TokenAmount, error) {
	if amount.IsNegative() {
		return TokenAmount{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	if !amount.Round(c.Decimals).Equal(amount) {
		return TokenAmount{}, fmt.Errorf("%w: %s has more than %d decimals", ErrPrecision, amount, c.Decimals)
	}
	return TokenAmount{Currency: c, Amount: amount}, nil
}

// ZeroAmount returns an empty amount of c.
func ZeroAmount(c Currency) TokenAmount {
	return TokenAmount{Currency: c, Amount: decimal.Zero}
}

func (a TokenAmount) sameCurrency(b TokenAmount) error {
	if !a.Currency.Equal(b.Currency) {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, a.Currency, b.Currency)
	}
	return nil
}

func (a TokenAmount) Add(b TokenAmount) (TokenAmount, error) {
	if err := a.sameCurrency(b); err != nil {
		return TokenAmount{}, err
	}
	return TokenAmount{Currency: a.Currency, Amount: a.Amount.Add(b.Amount)}, nil
}

// Sub fails rather than produce a negative amount.
func (a TokenAmount) Sub(b TokenAmount) (TokenAmount, error) {
	if err := a.sameCurrency(b); err != nil {
		return TokenAmount{}, err
	}
	out := a.Amount.Sub(b.Amount)
	if out.IsNegative() {
		return TokenAmount{}, fmt.Errorf("%w: %s - %s", ErrInvalidAmount, a.Amount, b.Amount)
	}
	return TokenAmount{Currency: a.Currency, Amount: out}, nil
}

func (a TokenAmount) Cmp(b TokenAmount) (int, error) {
	if err := a.sameCurrency(b); err != nil {
		return 0, err
	}
	return a.Amount.Cmp(b.Amount), nil
}

func (a TokenAmount) IsZero() bool {
	return a.Amount.IsZero()
}

func (a TokenAmount) String() string {
	return a.Amount.String() + " " + a.Currency.String()
}
