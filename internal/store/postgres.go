package store

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/settlehub/internal/domain"
)

//go:embed schema.sql
var Schema string

const maxTxAttempts = 3

type PostgresStore struct {
	Db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{Db: pool}, nil
}

func (s *PostgresStore) Close() {
	s.Db.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn in a read-committed transaction. Rows are serialized with
// explicit FOR UPDATE locks; deadlocks and serialization failures are
// retried.
func (s *PostgresStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, fn)
		if !retryable(err) {
			return err
		}
	}
	return err
}

func (s *PostgresStore) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01")
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateAccount(ctx context.Context, acc domain.Account, book domain.Book) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO accounts (id, kind, ref, created_at) VALUES ($1, $2, $3, $4)",
		acc.ID, string(acc.Kind), acc.Ref, acc.CreatedAt)
	if err != nil {
		return mapErr(err)
	}
	_, err = t.tx.Exec(ctx,
		"INSERT INTO books (id, account_id, created_at) VALUES ($1, $2, $3)",
		book.ID, acc.ID, book.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) GetAccount(ctx context.Context, id uuid.UUID) (domain.Account, error) {
	var acc domain.Account
	var kind string
	err := t.tx.QueryRow(ctx, "SELECT id, kind, ref, created_at FROM accounts WHERE id = $1", id).
		Scan(&acc.ID, &kind, &acc.Ref, &acc.CreatedAt)
	acc.Kind = domain.AccountKind(kind)
	return acc, mapErr(err)
}

func (t *pgTx) FindAccount(ctx context.Context, kind domain.AccountKind, ref string) (domain.Account, error) {
	acc := domain.Account{Kind: kind, Ref: ref}
	err := t.tx.QueryRow(ctx, "SELECT id, created_at FROM accounts WHERE kind = $1 AND ref = $2", string(kind), ref).
		Scan(&acc.ID, &acc.CreatedAt)
	return acc, mapErr(err)
}

func (t *pgTx) BookOf(ctx context.Context, accountID uuid.UUID) (domain.Book, error) {
	b := domain.Book{AccountID: accountID}
	err := t.tx.QueryRow(ctx, "SELECT id, created_at FROM books WHERE account_id = $1", accountID).
		Scan(&b.ID, &b.CreatedAt)
	return b, mapErr(err)
}

// LockBooks acquires row locks in id order so concurrent postings can not
// deadlock on each other.
func (t *pgTx) LockBooks(ctx context.Context, ids ...uuid.UUID) error {
	sorted := append([]uuid.UUID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i][:], sorted[j][:]) < 0 })
	for _, id := range sorted {
		var got uuid.UUID
		if err := t.tx.QueryRow(ctx, "SELECT id FROM books WHERE id = $1 FOR UPDATE", id).Scan(&got); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (t *pgTx) InsertEntries(ctx context.Context, entries ...domain.LedgerEntry) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`INSERT INTO ledger_entries
			(id, book_id, kind, currency_network, currency_address, currency_decimals, currency_symbol, currency_id,
			 amount, reference_type, reference_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			e.ID, e.BookID, string(e.Kind), e.Currency.Network, e.Currency.Address, e.Currency.Decimals,
			e.Currency.Symbol, e.Currency.ID(), e.Amount, e.Reference.Type, e.Reference.ID, e.CreatedAt)
	}
	br := t.tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapErr(err)
		}
	}
	return mapErr(br.Close())
}

const totalsSelect = `COALESCE(SUM(amount) FILTER (WHERE kind = 'credit'), 0),
	COALESCE(SUM(amount) FILTER (WHERE kind = 'debit'), 0)`

func (t *pgTx) BookTotals(ctx context.Context, bookID uuid.UUID, currencyID string) (domain.Totals, error) {
	var tot domain.Totals
	err := t.tx.QueryRow(ctx,
		"SELECT "+totalsSelect+" FROM ledger_entries WHERE book_id = $1 AND currency_id = $2",
		bookID, currencyID).Scan(&tot.Credits, &tot.Debits)
	return tot, mapErr(err)
}

func (t *pgTx) BookEntries(ctx context.Context, bookID uuid.UUID) ([]domain.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, book_id, kind, currency_network, currency_address, currency_decimals,
		currency_symbol, amount, reference_type, reference_id, created_at
		FROM ledger_entries WHERE book_id = $1 ORDER BY created_at, id`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.BookID, &kind, &e.Currency.Network, &e.Currency.Address, &e.Currency.Decimals,
			&e.Currency.Symbol, &e.Amount, &e.Reference.Type, &e.Reference.ID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Kind = domain.EntryKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *pgTx) LedgerTotals(ctx context.Context) ([]domain.CurrencyTotals, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT currency_id, "+totalsSelect+" FROM ledger_entries GROUP BY currency_id ORDER BY currency_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CurrencyTotals
	for rows.Next() {
		var ct domain.CurrencyTotals
		if err := rows.Scan(&ct.CurrencyID, &ct.Credits, &ct.Debits); err != nil {
			return nil, err
		}
		out = append(out, ct)
	}
	return out, rows.Err()
}

const orderColumns = `id, requester_id, currency_network, currency_address, currency_decimals, currency_symbol,
	amount, reference, created_at, expires_at`

func scanOrder(row pgx.Row) (domain.PaymentOrder, error) {
	var o domain.PaymentOrder
	err := row.Scan(&o.ID, &o.RequesterID, &o.Currency.Network, &o.Currency.Address, &o.Currency.Decimals,
		&o.Currency.Symbol, &o.Amount, &o.Reference, &o.CreatedAt, &o.ExpiresAt)
	return o, mapErr(err)
}

func (t *pgTx) InsertOrder(ctx context.Context, o domain.PaymentOrder) error {
	_, err := t.tx.Exec(ctx, "INSERT INTO payment_orders ("+orderColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		o.ID, o.RequesterID, o.Currency.Network, o.Currency.Address, o.Currency.Decimals, o.Currency.Symbol,
		o.Amount, o.Reference, o.CreatedAt, o.ExpiresAt)
	return mapErr(err)
}

func (t *pgTx) GetOrder(ctx context.Context, id uuid.UUID) (domain.PaymentOrder, error) {
	return scanOrder(t.tx.QueryRow(ctx, "SELECT "+orderColumns+" FROM payment_orders WHERE id = $1", id))
}

func (t *pgTx) LockOrder(ctx context.Context, id uuid.UUID) error {
	var got uuid.UUID
	return mapErr(t.tx.QueryRow(ctx, "SELECT id FROM payment_orders WHERE id = $1 FOR UPDATE", id).Scan(&got))
}

func (t *pgTx) ListExpiredOrders(ctx context.Context, at time.Time, limit int) ([]domain.PaymentOrder, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+orderColumns+` FROM payment_orders o
		WHERE o.expires_at IS NOT NULL AND o.expires_at <= $1
		AND EXISTS (SELECT 1 FROM payment_routes r WHERE r.order_id = o.id AND r.closed_at IS NULL)
		ORDER BY o.created_at LIMIT NULLIF($2, 0)`, at, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentOrder
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

const routeColumns = "id, order_id, network, kind, identifier, metadata, created_at, closed_at"

func scanRoute(row pgx.Row) (domain.Route, error) {
	var r domain.Route
	var kind string
	err := row.Scan(&r.ID, &r.OrderID, &r.Network, &kind, &r.Identifier, &r.Metadata, &r.CreatedAt, &r.ClosedAt)
	r.Kind = domain.NetworkKind(kind)
	return r, mapErr(err)
}

func collectRoutes(rows pgx.Rows, err error) ([]domain.Route, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertRoute(ctx context.Context, r domain.Route) error {
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err := t.tx.Exec(ctx, "INSERT INTO payment_routes ("+routeColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		r.ID, r.OrderID, r.Network, string(r.Kind), r.Identifier, metadata, r.CreatedAt, r.ClosedAt)
	return mapErr(err)
}

func (t *pgTx) GetRoute(ctx context.Context, id uuid.UUID) (domain.Route, error) {
	return scanRoute(t.tx.QueryRow(ctx, "SELECT "+routeColumns+" FROM payment_routes WHERE id = $1", id))
}

func (t *pgTx) ListRoutes(ctx context.Context, orderID uuid.UUID) ([]domain.Route, error) {
	return collectRoutes(t.tx.Query(ctx,
		"SELECT "+routeColumns+" FROM payment_routes WHERE order_id = $1 ORDER BY created_at", orderID))
}

func (t *pgTx) MatchRoutes(ctx context.Context, network, identifier string, closedAfter time.Time) ([]domain.Route, error) {
	return collectRoutes(t.tx.Query(ctx, "SELECT "+routeColumns+` FROM payment_routes
		WHERE network = $1 AND identifier = $2 AND (closed_at IS NULL OR closed_at > $3)
		ORDER BY closed_at DESC NULLS FIRST, created_at DESC`, network, identifier, closedAfter))
}

func (t *pgTx) CloseRoute(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, "UPDATE payment_routes SET closed_at = $1 WHERE id = $2 AND closed_at IS NULL", at, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := t.GetRoute(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (t *pgTx) ListReleasableRoutes(ctx context.Context, network string, closedBefore time.Time, limit int) ([]domain.Route, error) {
	return collectRoutes(t.tx.Query(ctx, "SELECT "+routeColumns+` FROM payment_routes
		WHERE network = $1 AND closed_at <= $2 AND released_at IS NULL
		ORDER BY closed_at LIMIT NULLIF($3, 0)`, network, closedBefore, limit))
}

func (t *pgTx) MarkRouteReleased(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	tag, err := t.tx.Exec(ctx, "UPDATE payment_routes SET released_at = $1 WHERE id = $2 AND released_at IS NULL", at, id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := t.GetRoute(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

const paymentColumns = `id, route_id, order_id, network, currency_network, currency_address, currency_decimals,
	currency_symbol, amount, external_ref, block_ref, block_number, depth, detected_at`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(&p.ID, &p.RouteID, &p.OrderID, &p.Network, &p.Currency.Network, &p.Currency.Address,
		&p.Currency.Decimals, &p.Currency.Symbol, &p.Amount, &p.ExternalRef, &p.BlockRef, &p.BlockNumber,
		&p.Depth, &p.DetectedAt)
	return p, mapErr(err)
}

func collectPayments(rows pgx.Rows, err error) ([]domain.Payment, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertPayment(ctx context.Context, p domain.Payment) error {
	_, err := t.tx.Exec(ctx, "INSERT INTO payments ("+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		p.ID, p.RouteID, p.OrderID, p.Network, p.Currency.Network, p.Currency.Address, p.Currency.Decimals,
		p.Currency.Symbol, p.Amount, p.ExternalRef, p.BlockRef, p.BlockNumber, p.Depth, p.DetectedAt)
	return mapErr(err)
}

func (t *pgTx) FindPayment(ctx context.Context, routeID uuid.UUID, externalRef string) (domain.Payment, error) {
	return scanPayment(t.tx.QueryRow(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE route_id = $1 AND external_ref = $2", routeID, externalRef))
}

func (t *pgTx) ListPayments(ctx context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	return collectPayments(t.tx.Query(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY detected_at", orderID))
}

func (t *pgTx) ListUnconfirmedPayments(ctx context.Context, network string, closedAfter time.Time) ([]domain.Payment, error) {
	return collectPayments(t.tx.Query(ctx, "SELECT "+paymentColumns+` FROM payments p
		JOIN payment_routes r ON r.id = p.route_id
		WHERE p.network = $1 AND (r.closed_at IS NULL OR r.closed_at > $2)
		AND NOT EXISTS (SELECT 1 FROM payment_confirmations c WHERE c.payment_id = p.id)
		ORDER BY p.detected_at`, network, closedAfter))
}

func (t *pgTx) InsertConfirmation(ctx context.Context, c domain.PaymentConfirmation) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO payment_confirmations (id, payment_id, order_id, confirmed_at) VALUES ($1, $2, $3, $4)",
		c.ID, c.PaymentID, c.OrderID, c.ConfirmedAt)
	return mapErr(err)
}

func (t *pgTx) ListConfirmations(ctx context.Context, orderID uuid.UUID) ([]domain.PaymentConfirmation, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT id, payment_id, order_id, confirmed_at FROM payment_confirmations WHERE order_id = $1 ORDER BY confirmed_at",
		orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PaymentConfirmation
	for rows.Next() {
		var c domain.PaymentConfirmation
		if err := rows.Scan(&c.ID, &c.PaymentID, &c.OrderID, &c.ConfirmedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) AdvanceHead(ctx context.Context, network string, height int64) (int64, error) {
	var head int64
	err := t.tx.QueryRow(ctx, `INSERT INTO network_heads (network, height) VALUES ($1, $2)
		ON CONFLICT (network) DO UPDATE SET height = GREATEST(network_heads.height, EXCLUDED.height)
		RETURNING height`, network, height).Scan(&head)
	return head, mapErr(err)
}

const transferColumns = `id, sender_id, network, kind, receiver, receiver_id, currency_network, currency_address,
	currency_decimals, currency_symbol, amount, memo, COALESCE(idempotency_key, ''), request_hash, settlement_ref,
	status, execute_on, created_at, updated_at`

func scanTransfer(row pgx.Row) (domain.Transfer, error) {
	var tr domain.Transfer
	var kind, status string
	err := row.Scan(&tr.ID, &tr.SenderID, &tr.Network, &kind, &tr.Receiver, &tr.ReceiverID, &tr.Currency.Network,
		&tr.Currency.Address, &tr.Currency.Decimals, &tr.Currency.Symbol, &tr.Amount, &tr.Memo, &tr.IdempotencyKey,
		&tr.RequestHash, &tr.SettlementRef, &status, &tr.ExecuteOn, &tr.CreatedAt, &tr.UpdatedAt)
	tr.Kind = domain.NetworkKind(kind)
	tr.Status = domain.TransferStatus(status)
	return tr, mapErr(err)
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr domain.Transfer) error {
	var key *string
	if tr.IdempotencyKey != "" {
		key = &tr.IdempotencyKey
	}
	_, err := t.tx.Exec(ctx, `INSERT INTO transfers
		(id, sender_id, network, kind, receiver, receiver_id, currency_network, currency_address, currency_decimals,
		 currency_symbol, amount, memo, idempotency_key, request_hash, settlement_ref, status, execute_on,
		 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		tr.ID, tr.SenderID, tr.Network, string(tr.Kind), tr.Receiver, tr.ReceiverID, tr.Currency.Network,
		tr.Currency.Address, tr.Currency.Decimals, tr.Currency.Symbol, tr.Amount, tr.Memo, key, tr.RequestHash,
		tr.SettlementRef, string(tr.Status), tr.ExecuteOn, tr.CreatedAt, tr.UpdatedAt)
	return mapErr(err)
}

func (t *pgTx) GetTransfer(ctx context.Context, id uuid.UUID) (domain.Transfer, error) {
	return scanTransfer(t.tx.QueryRow(ctx, "SELECT "+transferColumns+" FROM transfers WHERE id = $1", id))
}

func (t *pgTx) LockTransfer(ctx context.Context, id uuid.UUID) (domain.Transfer, error) {
	return scanTransfer(t.tx.QueryRow(ctx, "SELECT "+transferColumns+" FROM transfers WHERE id = $1 FOR UPDATE", id))
}

func (t *pgTx) FindTransferByKey(ctx context.Context, senderID uuid.UUID, key string) (domain.Transfer, error) {
	return scanTransfer(t.tx.QueryRow(ctx,
		"SELECT "+transferColumns+" FROM transfers WHERE sender_id = $1 AND idempotency_key = $2", senderID, key))
}

func (t *pgTx) UpdateTransfer(ctx context.Context, tr domain.Transfer) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE transfers SET status = $1, settlement_ref = $2, updated_at = $3 WHERE id = $4",
		string(tr.Status), tr.SettlementRef, tr.UpdatedAt, tr.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListTransfers(ctx context.Context, status domain.TransferStatus, updatedBefore time.Time, limit int) ([]domain.Transfer, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+transferColumns+` FROM transfers
		WHERE status = $1 AND updated_at <= $2 ORDER BY created_at LIMIT NULLIF($3, 0)`, string(status), updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// ListDueTransfers returns scheduled transfers whose execution time has come.
func (t *pgTx) ListDueTransfers(ctx context.Context, at time.Time, limit int) ([]domain.Transfer, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+transferColumns+` FROM transfers
		WHERE status = $1 AND execute_on <= $2 ORDER BY execute_on LIMIT NULLIF($3, 0)`, string(domain.TransferScheduled), at, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transfer
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertOutcome(ctx context.Context, o domain.TransferOutcome) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO transfer_outcomes
		(id, transfer_id, kind, settlement_ref, reason, actor, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.TransferID, string(o.Kind), o.SettlementRef, o.Reason, o.Actor, o.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) GetOutcome(ctx context.Context, transferID uuid.UUID) (domain.TransferOutcome, error) {
	o := domain.TransferOutcome{TransferID: transferID}
	var kind string
	err := t.tx.QueryRow(ctx,
		"SELECT id, kind, settlement_ref, reason, actor, created_at FROM transfer_outcomes WHERE transfer_id = $1",
		transferID).Scan(&o.ID, &kind, &o.SettlementRef, &o.Reason, &o.Actor, &o.CreatedAt)
	o.Kind = domain.OutcomeKind(kind)
	return o, mapErr(err)
}
