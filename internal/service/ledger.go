package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/store"
	"github.com/shopspring/decimal"
)

// Ledger is the double-entry accounting book. Balances are always derived
// from the entry history.
type Ledger struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(s store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: s, logger: logger, now: time.Now}
}

// holder is an account together with its book.
type holder struct {
	account domain.Account
	book    domain.Book
}

// overdraftAllowed reports whether the book may go negative. The treasury
// and external placeholders are counterparties, not owners of funds.
func (h holder) overdraftAllowed() bool {
	return h.account.Kind != domain.AccountUser
}

// OpenAccount returns the account for (kind, ref), creating it and its
// book on first use.
func (l *Ledger) OpenAccount(ctx context.Context, kind domain.AccountKind, ref string) (domain.Account, error) {
	var acc domain.Account
	op := func() error {
		return l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			h, err := l.accountTx(ctx, tx, kind, ref)
			acc = h.account
			return err
		})
	}
	err := op()
	if errors.Is(err, store.ErrConflict) {
		// Lost a creation race; the winner's account is visible now.
		err = op()
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("open %s account %q: %w", kind, ref, err)
	}
	return acc, nil
}

func (l *Ledger) EnsureTreasury(ctx context.Context) (domain.Account, error) {
	return l.OpenAccount(ctx, domain.AccountTreasury, domain.TreasuryRef)
}

func (l *Ledger) accountTx(ctx context.Context, tx store.Tx, kind domain.AccountKind, ref string) (holder, error) {
	acc, err := tx.FindAccount(ctx, kind, ref)
	if err == nil {
		book, err := tx.BookOf(ctx, acc.ID)
		return holder{account: acc, book: book}, err
	}
	if !errors.Is(err, store.ErrNotFound) {
		return holder{}, err
	}
	now := l.now()
	acc = domain.Account{ID: uuid.New(), Kind: kind, Ref: ref, CreatedAt: now}
	book := domain.Book{ID: uuid.New(), AccountID: acc.ID, CreatedAt: now}
	if err := tx.CreateAccount(ctx, acc, book); err != nil {
		return holder{}, err
	}
	return holder{account: acc, book: book}, nil
}

func (l *Ledger) holderTx(ctx context.Context, tx store.Tx, accountID uuid.UUID) (holder, error) {
	acc, err := tx.GetAccount(ctx, accountID)
	if err != nil {
		return holder{}, notFound(err, "account")
	}
	book, err := tx.BookOf(ctx, accountID)
	if err != nil {
		return holder{}, notFound(err, "book")
	}
	return holder{account: acc, book: book}, nil
}

func (l *Ledger) treasuryTx(ctx context.Context, tx store.Tx) (holder, error) {
	return l.accountTx(ctx, tx, domain.AccountTreasury, domain.TreasuryRef)
}

func (l *Ledger) balanceTx(ctx context.Context, tx store.Tx, bookID uuid.UUID, c domain.Currency) (decimal.Decimal, error) {
	tot, err := tx.BookTotals(ctx, bookID, c.ID())
	if err != nil {
		return decimal.Zero, err
	}
	return tot.Balance(), nil
}

// Balance returns credits minus debits of currency c on the account's book.
func (l *Ledger) Balance(ctx context.Context, accountID uuid.UUID, c domain.Currency) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		h, err := l.holderTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		bal, err = l.balanceTx(ctx, tx, h.book.ID, c)
		return err
	})
	return bal, err
}

// Post appends one entry to the account's book. A debit on a user book
// fails with ErrInsufficientBalance when it exceeds the balance.
// Single entries do not conserve value on their own; flows that move value
// between books go through a paired posting.
func (l *Ledger) Post(ctx context.Context, accountID uuid.UUID, amount domain.TokenAmount, kind domain.EntryKind, ref domain.Reference) (domain.LedgerEntry, error) {
	var entry domain.LedgerEntry
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		h, err := l.holderTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if err := validPosting(amount); err != nil {
			return err
		}
		if err := tx.LockBooks(ctx, h.book.ID); err != nil {
			return err
		}
		if kind == domain.Debit {
			if err := l.checkFunds(ctx, tx, h, amount); err != nil {
				return err
			}
		}
		entry = l.entry(h.book.ID, kind, amount, ref)
		return tx.InsertEntries(ctx, entry)
	})
	if err != nil {
		return domain.LedgerEntry{}, err
	}
	ledgerPostings.WithLabelValues(string(kind)).Inc()
	return entry, nil
}

// moveTx debits from and credits to by amount inside the caller's unit of
// work. Both books are locked in a fixed order before the balance check.
func (l *Ledger) moveTx(ctx context.Context, tx store.Tx, from, to holder, amount domain.TokenAmount, ref domain.Reference) error {
	if err := validPosting(amount); err != nil {
		return err
	}
	if err := tx.LockBooks(ctx, from.book.ID, to.book.ID); err != nil {
		return err
	}
	if err := l.checkFunds(ctx, tx, from, amount); err != nil {
		return err
	}
	err := tx.InsertEntries(ctx,
		l.entry(from.book.ID, domain.Debit, amount, ref),
		l.entry(to.book.ID, domain.Credit, amount, ref),
	)
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %s %s already posted", domain.ErrDuplicateEvent, ref.Type, ref.ID)
	}
	if err != nil {
		return fmt.Errorf("post %s %s: %w", ref.Type, ref.ID, err)
	}
	ledgerPostings.WithLabelValues(string(domain.Debit)).Inc()
	ledgerPostings.WithLabelValues(string(domain.Credit)).Inc()
	return nil
}

func (l *Ledger) checkFunds(ctx context.Context, tx store.Tx, h holder, amount domain.TokenAmount) error {
	if h.overdraftAllowed() {
		return nil
	}
	bal, err := l.balanceTx(ctx, tx, h.book.ID, amount.Currency)
	if err != nil {
		return err
	}
	if amount.Amount.GreaterThan(bal) {
		return fmt.Errorf("%w: balance %s, requested %s", domain.ErrInsufficientBalance, bal, amount)
	}
	return nil
}

func (l *Ledger) entry(bookID uuid.UUID, kind domain.EntryKind, amount domain.TokenAmount, ref domain.Reference) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:        uuid.New(),
		BookID:    bookID,
		Kind:      kind,
		Currency:  amount.Currency,
		Amount:    amount.Amount,
		Reference: ref,
		CreatedAt: l.now(),
	}
}

func validPosting(amount domain.TokenAmount) error {
	if _, err := domain.NewTokenAmount(amount.Currency, amount.Amount); err != nil {
		return err
	}
	if amount.IsZero() {
		return fmt.Errorf("%w: zero posting", domain.ErrInvalidAmount)
	}
	return nil
}

// TrialBalance totals credits and debits per currency across every book.
func (l *Ledger) TrialBalance(ctx context.Context) ([]domain.CurrencyTotals, error) {
	var out []domain.CurrencyTotals
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.LedgerTotals(ctx)
		return err
	})
	return out, err
}

// Unbalanced returns the currencies whose credits and debits differ.
func Unbalanced(totals []domain.CurrencyTotals) []domain.CurrencyTotals {
	var out []domain.CurrencyTotals
	for _, t := range totals {
		if !t.Credits.Equal(t.Debits) {
			out = append(out, t)
		}
	}
	return out
}

func (l *Ledger) Statement(ctx context.Context, accountID uuid.UUID) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	err := l.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		h, err := l.holderTx(ctx, tx, accountID)
		if err != nil {
			return err
		}
		out, err = tx.BookEntries(ctx, h.book.ID)
		return err
	})
	return out, err
}

func notFound(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%s: %w", what, domain.ErrNotFound)
	}
	return err
}
