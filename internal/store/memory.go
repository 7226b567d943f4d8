package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
)

// MemoryStore keeps everything in process. Units of work are fully
// serialized and rolled back through an undo journal on error, so it has
// the same atomicity as the Postgres store. Used by tests and local runs.
type MemoryStore struct {
	mu    sync.Mutex
	fault func(op string) error

	accounts      map[uuid.UUID]domain.Account
	accountIdx    map[string]uuid.UUID
	books         map[uuid.UUID]domain.Book
	bookByAccount map[uuid.UUID]uuid.UUID
	entries       []domain.LedgerEntry
	entryKeys     map[string]struct{}

	orders        map[uuid.UUID]domain.PaymentOrder
	routes        []domain.Route
	released      map[uuid.UUID]time.Time
	payments      []domain.Payment
	paymentKeys   map[string]struct{}
	confirmations map[uuid.UUID]domain.PaymentConfirmation
	heads         map[string]int64

	transfers    []domain.Transfer
	transferKeys map[string]uuid.UUID
	outcomes     map[uuid.UUID]domain.TransferOutcome
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:      make(map[uuid.UUID]domain.Account),
		accountIdx:    make(map[string]uuid.UUID),
		books:         make(map[uuid.UUID]domain.Book),
		bookByAccount: make(map[uuid.UUID]uuid.UUID),
		entryKeys:     make(map[string]struct{}),
		orders:        make(map[uuid.UUID]domain.PaymentOrder),
		released:      make(map[uuid.UUID]time.Time),
		paymentKeys:   make(map[string]struct{}),
		confirmations: make(map[uuid.UUID]domain.PaymentConfirmation),
		heads:         make(map[string]int64),
		transferKeys:  make(map[string]uuid.UUID),
		outcomes:      make(map[uuid.UUID]domain.TransferOutcome),
	}
}

// SetFault installs a hook consulted before every write. A non-nil error
// aborts the write, which lets tests simulate storage failures.
func (s *MemoryStore) SetFault(fn func(op string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()
	if err = fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) write(op string) error {
	if t.s.fault != nil {
		if err := t.s.fault(op); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	return nil
}

func accountKey(kind domain.AccountKind, ref string) string {
	return string(kind) + "|" + ref
}

func (t *memTx) CreateAccount(_ context.Context, acc domain.Account, book domain.Book) error {
	if err := t.write("CreateAccount"); err != nil {
		return err
	}
	key := accountKey(acc.Kind, acc.Ref)
	if _, ok := t.s.accountIdx[key]; ok {
		return ErrConflict
	}
	t.s.accounts[acc.ID] = acc
	t.s.accountIdx[key] = acc.ID
	t.s.books[book.ID] = book
	t.s.bookByAccount[acc.ID] = book.ID
	t.undo = append(t.undo, func() {
		delete(t.s.accounts, acc.ID)
		delete(t.s.accountIdx, key)
		delete(t.s.books, book.ID)
		delete(t.s.bookByAccount, acc.ID)
	})
	return nil
}

func (t *memTx) GetAccount(_ context.Context, id uuid.UUID) (domain.Account, error) {
	acc, ok := t.s.accounts[id]
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	return acc, nil
}

func (t *memTx) FindAccount(_ context.Context, kind domain.AccountKind, ref string) (domain.Account, error) {
	id, ok := t.s.accountIdx[accountKey(kind, ref)]
	if !ok {
		return domain.Account{}, ErrNotFound
	}
	return t.s.accounts[id], nil
}

func (t *memTx) BookOf(_ context.Context, accountID uuid.UUID) (domain.Book, error) {
	id, ok := t.s.bookByAccount[accountID]
	if !ok {
		return domain.Book{}, ErrNotFound
	}
	return t.s.books[id], nil
}

// LockBooks only checks existence; the store-wide mutex already
// serializes units of work.
func (t *memTx) LockBooks(_ context.Context, ids ...uuid.UUID) error {
	for _, id := range ids {
		if _, ok := t.s.books[id]; !ok {
			return ErrNotFound
		}
	}
	return nil
}

func entryKey(e domain.LedgerEntry) string {
	return e.BookID.String() + "|" + string(e.Kind) + "|" + e.Reference.Type + "|" + e.Reference.ID.String()
}

func (t *memTx) InsertEntries(_ context.Context, entries ...domain.LedgerEntry) error {
	if err := t.write("InsertEntries"); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if _, ok := t.s.books[e.BookID]; !ok {
			return ErrNotFound
		}
		k := entryKey(e)
		if _, dup := t.s.entryKeys[k]; dup {
			return ErrConflict
		}
		if _, dup := seen[k]; dup {
			return ErrConflict
		}
		seen[k] = struct{}{}
	}
	n := len(t.s.entries)
	t.s.entries = append(t.s.entries, entries...)
	for k := range seen {
		t.s.entryKeys[k] = struct{}{}
	}
	t.undo = append(t.undo, func() {
		t.s.entries = t.s.entries[:n]
		for k := range seen {
			delete(t.s.entryKeys, k)
		}
	})
	return nil
}

func addEntry(tot *domain.Totals, e domain.LedgerEntry) {
	if e.Kind == domain.Credit {
		tot.Credits = tot.Credits.Add(e.Amount)
	} else {
		tot.Debits = tot.Debits.Add(e.Amount)
	}
}

func (t *memTx) BookTotals(_ context.Context, bookID uuid.UUID, currencyID string) (domain.Totals, error) {
	var tot domain.Totals
	for _, e := range t.s.entries {
		if e.BookID == bookID && e.Currency.ID() == currencyID {
			addEntry(&tot, e)
		}
	}
	return tot, nil
}

func (t *memTx) BookEntries(_ context.Context, bookID uuid.UUID) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, e := range t.s.entries {
		if e.BookID == bookID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) LedgerTotals(_ context.Context) ([]domain.CurrencyTotals, error) {
	byCurrency := make(map[string]*domain.Totals)
	for _, e := range t.s.entries {
		id := e.Currency.ID()
		tot, ok := byCurrency[id]
		if !ok {
			tot = &domain.Totals{}
			byCurrency[id] = tot
		}
		addEntry(tot, e)
	}
	out := make([]domain.CurrencyTotals, 0, len(byCurrency))
	for id, tot := range byCurrency {
		out = append(out, domain.CurrencyTotals{CurrencyID: id, Totals: *tot})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CurrencyID < out[j].CurrencyID })
	return out, nil
}

func (t *memTx) InsertOrder(_ context.Context, o domain.PaymentOrder) error {
	if err := t.write("InsertOrder"); err != nil {
		return err
	}
	if _, ok := t.s.orders[o.ID]; ok {
		return ErrConflict
	}
	t.s.orders[o.ID] = o
	t.undo = append(t.undo, func() { delete(t.s.orders, o.ID) })
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id uuid.UUID) (domain.PaymentOrder, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return domain.PaymentOrder{}, ErrNotFound
	}
	return o, nil
}

func (t *memTx) LockOrder(_ context.Context, id uuid.UUID) error {
	if _, ok := t.s.orders[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (t *memTx) ListExpiredOrders(_ context.Context, at time.Time, limit int) ([]domain.PaymentOrder, error) {
	open := make(map[uuid.UUID]bool)
	for _, r := range t.s.routes {
		if r.IsOpen() {
			open[r.OrderID] = true
		}
	}
	var out []domain.PaymentOrder
	for _, o := range t.s.orders {
		if open[o.ID] && o.ExpiredAt(at) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) InsertRoute(_ context.Context, r domain.Route) error {
	if err := t.write("InsertRoute"); err != nil {
		return err
	}
	for _, existing := range t.s.routes {
		if existing.ID == r.ID {
			return ErrConflict
		}
		if existing.OrderID == r.OrderID && existing.Network == r.Network && existing.IsOpen() && r.IsOpen() {
			return ErrConflict
		}
	}
	n := len(t.s.routes)
	t.s.routes = append(t.s.routes, r)
	t.undo = append(t.undo, func() { t.s.routes = t.s.routes[:n] })
	return nil
}

func (t *memTx) routeIndex(id uuid.UUID) int {
	for i, r := range t.s.routes {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (t *memTx) GetRoute(_ context.Context, id uuid.UUID) (domain.Route, error) {
	i := t.routeIndex(id)
	if i < 0 {
		return domain.Route{}, ErrNotFound
	}
	return t.s.routes[i], nil
}

func (t *memTx) ListRoutes(_ context.Context, orderID uuid.UUID) ([]domain.Route, error) {
	var out []domain.Route
	for _, r := range t.s.routes {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) MatchRoutes(_ context.Context, network, identifier string, closedAfter time.Time) ([]domain.Route, error) {
	var out []domain.Route
	for _, r := range t.s.routes {
		if r.Network != network || r.Identifier != identifier {
			continue
		}
		if r.IsOpen() || r.ClosedAt.After(closedAfter) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.IsOpen() != b.IsOpen() {
			return a.IsOpen()
		}
		if !a.IsOpen() && !a.ClosedAt.Equal(*b.ClosedAt) {
			return a.ClosedAt.After(*b.ClosedAt)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
	return out, nil
}

func (t *memTx) CloseRoute(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	if err := t.write("CloseRoute"); err != nil {
		return false, err
	}
	i := t.routeIndex(id)
	if i < 0 {
		return false, ErrNotFound
	}
	if !t.s.routes[i].IsOpen() {
		return false, nil
	}
	closed := at
	t.s.routes[i].ClosedAt = &closed
	t.undo = append(t.undo, func() { t.s.routes[i].ClosedAt = nil })
	return true, nil
}

func (t *memTx) ListReleasableRoutes(_ context.Context, network string, closedBefore time.Time, limit int) ([]domain.Route, error) {
	var out []domain.Route
	for _, r := range t.s.routes {
		if r.Network != network || r.IsOpen() || r.ClosedAt.After(closedBefore) {
			continue
		}
		if _, gone := t.s.released[r.ID]; gone {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.Before(*out[j].ClosedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) MarkRouteReleased(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	if err := t.write("MarkRouteReleased"); err != nil {
		return false, err
	}
	if t.routeIndex(id) < 0 {
		return false, ErrNotFound
	}
	if _, gone := t.s.released[id]; gone {
		return false, nil
	}
	t.s.released[id] = at
	t.undo = append(t.undo, func() { delete(t.s.released, id) })
	return true, nil
}

func paymentKey(routeID uuid.UUID, ref string) string {
	return routeID.String() + "|" + ref
}

func (t *memTx) InsertPayment(_ context.Context, p domain.Payment) error {
	if err := t.write("InsertPayment"); err != nil {
		return err
	}
	k := paymentKey(p.RouteID, p.ExternalRef)
	if _, dup := t.s.paymentKeys[k]; dup {
		return ErrConflict
	}
	n := len(t.s.payments)
	t.s.payments = append(t.s.payments, p)
	t.s.paymentKeys[k] = struct{}{}
	t.undo = append(t.undo, func() {
		t.s.payments = t.s.payments[:n]
		delete(t.s.paymentKeys, k)
	})
	return nil
}

func (t *memTx) FindPayment(_ context.Context, routeID uuid.UUID, externalRef string) (domain.Payment, error) {
	for _, p := range t.s.payments {
		if p.RouteID == routeID && p.ExternalRef == externalRef {
			return p, nil
		}
	}
	return domain.Payment{}, ErrNotFound
}

func (t *memTx) ListPayments(_ context.Context, orderID uuid.UUID) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range t.s.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTx) ListUnconfirmedPayments(_ context.Context, network string, closedAfter time.Time) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range t.s.payments {
		if _, ok := t.s.confirmations[p.ID]; ok || p.Network != network {
			continue
		}
		if i := t.routeIndex(p.RouteID); i >= 0 {
			if r := t.s.routes[i]; !r.IsOpen() && !r.ClosedAt.After(closedAfter) {
				continue
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func (t *memTx) InsertConfirmation(_ context.Context, c domain.PaymentConfirmation) error {
	if err := t.write("InsertConfirmation"); err != nil {
		return err
	}
	if _, dup := t.s.confirmations[c.PaymentID]; dup {
		return ErrConflict
	}
	t.s.confirmations[c.PaymentID] = c
	t.undo = append(t.undo, func() { delete(t.s.confirmations, c.PaymentID) })
	return nil
}

func (t *memTx) ListConfirmations(_ context.Context, orderID uuid.UUID) ([]domain.PaymentConfirmation, error) {
	var out []domain.PaymentConfirmation
	for _, c := range t.s.confirmations {
		if c.OrderID == orderID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConfirmedAt.Before(out[j].ConfirmedAt) })
	return out, nil
}

func (t *memTx) AdvanceHead(_ context.Context, network string, height int64) (int64, error) {
	prev, had := t.s.heads[network]
	if had && prev >= height {
		return prev, nil
	}
	if err := t.write("AdvanceHead"); err != nil {
		return 0, err
	}
	t.s.heads[network] = height
	t.undo = append(t.undo, func() {
		if had {
			t.s.heads[network] = prev
		} else {
			delete(t.s.heads, network)
		}
	})
	return height, nil
}

func transferKey(senderID uuid.UUID, key string) string {
	return senderID.String() + "|" + key
}

func (t *memTx) InsertTransfer(_ context.Context, tr domain.Transfer) error {
	if err := t.write("InsertTransfer"); err != nil {
		return err
	}
	if t.transferIndex(tr.ID) >= 0 {
		return ErrConflict
	}
	var k string
	if tr.IdempotencyKey != "" {
		k = transferKey(tr.SenderID, tr.IdempotencyKey)
		if _, dup := t.s.transferKeys[k]; dup {
			return ErrConflict
		}
		t.s.transferKeys[k] = tr.ID
	}
	n := len(t.s.transfers)
	t.s.transfers = append(t.s.transfers, tr)
	t.undo = append(t.undo, func() {
		t.s.transfers = t.s.transfers[:n]
		if k != "" {
			delete(t.s.transferKeys, k)
		}
	})
	return nil
}

func (t *memTx) transferIndex(id uuid.UUID) int {
	for i, tr := range t.s.transfers {
		if tr.ID == id {
			return i
		}
	}
	return -1
}

func (t *memTx) GetTransfer(_ context.Context, id uuid.UUID) (domain.Transfer, error) {
	i := t.transferIndex(id)
	if i < 0 {
		return domain.Transfer{}, ErrNotFound
	}
	return t.s.transfers[i], nil
}

func (t *memTx) LockTransfer(ctx context.Context, id uuid.UUID) (domain.Transfer, error) {
	return t.GetTransfer(ctx, id)
}

func (t *memTx) FindTransferByKey(ctx context.Context, senderID uuid.UUID, key string) (domain.Transfer, error) {
	id, ok := t.s.transferKeys[transferKey(senderID, key)]
	if !ok {
		return domain.Transfer{}, ErrNotFound
	}
	return t.GetTransfer(ctx, id)
}

func (t *memTx) UpdateTransfer(_ context.Context, tr domain.Transfer) error {
	if err := t.write("UpdateTransfer"); err != nil {
		return err
	}
	i := t.transferIndex(tr.ID)
	if i < 0 {
		return ErrNotFound
	}
	prev := t.s.transfers[i]
	t.s.transfers[i] = tr
	t.undo = append(t.undo, func() { t.s.transfers[i] = prev })
	return nil
}

func (t *memTx) ListTransfers(_ context.Context, status domain.TransferStatus, updatedBefore time.Time, limit int) ([]domain.Transfer, error) {
	var out []domain.Transfer
	for _, tr := range t.s.transfers {
		if tr.Status == status && !tr.UpdatedAt.After(updatedBefore) {
			out = append(out, tr)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) ListDueTransfers(_ context.Context, at time.Time, limit int) ([]domain.Transfer, error) {
	var out []domain.Transfer
	for _, tr := range t.s.transfers {
		if tr.Status == domain.TransferScheduled && !tr.ExecuteOn.After(at) {
			out = append(out, tr)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExecuteOn.Before(out[j].ExecuteOn) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) InsertOutcome(_ context.Context, o domain.TransferOutcome) error {
	if err := t.write("InsertOutcome"); err != nil {
		return err
	}
	if _, dup := t.s.outcomes[o.TransferID]; dup {
		return ErrConflict
	}
	t.s.outcomes[o.TransferID] = o
	t.undo = append(t.undo, func() { delete(t.s.outcomes, o.TransferID) })
	return nil
}

func (t *memTx) GetOutcome(_ context.Context, transferID uuid.UUID) (domain.TransferOutcome, error) {
	o, ok := t.s.outcomes[transferID]
	if !ok {
		return domain.TransferOutcome{}, ErrNotFound
	}
	return o, nil
}
