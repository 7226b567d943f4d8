package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/settlehub/internal/domain"
	"github.com/punchamoorthee/settlehub/internal/events"
	"github.com/punchamoorthee/settlehub/internal/executor"
	"github.com/punchamoorthee/settlehub/internal/store"
)

// Executors resolves the executor of a network.
type Executors interface {
	For(network string) (executor.Executor, error)
}

type TransferRequest struct {
	SenderID   uuid.UUID
	Network    string
	Receiver   string
	ReceiverID *uuid.UUID
	Amount     domain.TokenAmount
	Memo       string
	// ExecuteOn defers execution; zero means now.
	ExecuteOn      time.Time
	IdempotencyKey string
	RequestHash    string
}

// RecoveryReport counts what a recovery sweep did.
type RecoveryReport struct {
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}

// TransferEngine moves value out of user accounts.
//
// Execution debits the sender into the treasury and commits before the
// executor is called. The executor's answer is applied in a second unit of
// work: confirmation moves the value from the treasury to the receiver,
// failure moves it back to the sender. If the answer is lost the transfer
// stays executing until Recover settles it.
type TransferEngine struct {
	store     store.Store
	ledger    *Ledger
	executors Executors
	networks  Networks
	bus       events.Publisher
	logger    *slog.Logger
	timeout   time.Duration
	now       func() time.Time

	mu      sync.Mutex
	claimed map[uuid.UUID]struct{}
}

func NewTransferEngine(s store.Store, ledger *Ledger, executors Executors, networks Networks, bus events.Publisher, logger *slog.Logger, timeout time.Duration) *TransferEngine {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TransferEngine{
		store: s, ledger: ledger, executors: executors, networks: networks,
		bus: bus, logger: logger, timeout: timeout, now: time.Now,
		claimed: make(map[uuid.UUID]struct{}),
	}
}

// claim keeps one goroutine of this process working on a transfer.
func (e *TransferEngine) claim(id uuid.UUID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.claimed[id]; busy {
		return false
	}
	e.claimed[id] = struct{}{}
	return true
}

func (e *TransferEngine) unclaim(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.claimed, id)
}

// Schedule records a transfer. A request carrying an idempotency key that
// was seen before returns the original transfer and false, or
// ErrIdempotencyMismatch if the payload differs. Networks without an
// executor are refused before anything is recorded.
func (e *TransferEngine) Schedule(ctx context.Context, req TransferRequest) (domain.Transfer, bool, error) {
	net, err := e.networks.Get(req.Network)
	if err != nil {
		return domain.Transfer{}, false, err
	}
	if _, err := e.executors.For(net.ID); err != nil {
		return domain.Transfer{}, false, err
	}
	if err := validPosting(req.Amount); err != nil {
		return domain.Transfer{}, false, err
	}
	if net.Kind == domain.NetworkInternal {
		if req.ReceiverID == nil {
			return domain.Transfer{}, false, fmt.Errorf("internal transfer needs a receiver account: %w", domain.ErrNotFound)
		}
		if *req.ReceiverID == req.SenderID {
			return domain.Transfer{}, false, fmt.Errorf("%w: cannot transfer to self", domain.ErrInvalidAmount)
		}
	} else if req.Receiver == "" {
		return domain.Transfer{}, false, fmt.Errorf("transfer on %s needs a receiver address: %w", net.ID, domain.ErrNotFound)
	}

	now := e.now()
	executeOn := req.ExecuteOn
	if executeOn.IsZero() {
		executeOn = now
	}
	t := domain.Transfer{
		ID:             uuid.New(),
		SenderID:       req.SenderID,
		Network:        net.ID,
		Kind:           net.Kind,
		Receiver:       req.Receiver,
		ReceiverID:     req.ReceiverID,
		Currency:       req.Amount.Currency,
		Amount:         req.Amount.Amount,
		Memo:           req.Memo,
		IdempotencyKey: req.IdempotencyKey,
		RequestHash:    req.RequestHash,
		Status:         domain.TransferScheduled,
		ExecuteOn:      executeOn,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if net.Kind == domain.NetworkInternal {
		t.Receiver = req.ReceiverID.String()
	}

	var (
		out     domain.Transfer
		created bool
	)
	op := func() error {
		return e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if req.IdempotencyKey != "" {
				prev, err := tx.FindTransferByKey(ctx, req.SenderID, req.IdempotencyKey)
				if err == nil {
					if prev.RequestHash != req.RequestHash {
						return domain.ErrIdempotencyMismatch
					}
					out, created = prev, false
					return nil
				}
				if !errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("idempotency query failed: %w", err)
				}
			}
			sender, err := tx.GetAccount(ctx, req.SenderID)
			if err != nil {
				return notFound(err, "sender")
			}
			if sender.Kind != domain.AccountUser {
				return fmt.Errorf("sender %s is a %s account: %w", sender.ID, sender.Kind, domain.ErrNotFound)
			}
			if t.ReceiverID != nil {
				if _, err := tx.GetAccount(ctx, *t.ReceiverID); err != nil {
					return notFound(err, "receiver")
				}
			}
			if err := tx.InsertTransfer(ctx, t); err != nil {
				return err
			}
			out, created = t, true
			return nil
		})
	}
	err = op()
	if errors.Is(err, store.ErrConflict) && req.IdempotencyKey != "" {
		// A concurrent request with the same key won; replay its result.
		err = op()
	}
	if err != nil {
		return domain.Transfer{}, false, err
	}
	return out, created, nil
}

func (e *TransferEngine) Get(ctx context.Context, id uuid.UUID) (domain.Transfer, error) {
	var t domain.Transfer
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		t, err = tx.GetTransfer(ctx, id)
		return notFound(err, "transfer")
	})
	return t, err
}

// Execute runs a scheduled transfer. It returns the transfer in its new
// status together with the reason when that status is failed, or
// ErrOutcomeUnknown when the executor gave no usable answer.
func (e *TransferEngine) Execute(ctx context.Context, id uuid.UUID) (domain.Transfer, error) {
	if !e.claim(id) {
		return domain.Transfer{}, domain.ErrTransferInFlight
	}
	defer e.unclaim(id)

	t, err := e.debit(ctx, id)
	if errors.Is(err, domain.ErrInsufficientBalance) {
		failed, ferr := e.rejectUnfunded(ctx, id, err)
		if ferr != nil {
			return domain.Transfer{}, ferr
		}
		return failed, err
	}
	if err != nil {
		return domain.Transfer{}, err
	}

	ex, err := e.executors.For(t.Network)
	if err != nil {
		return e.fail(ctx, t, &domain.ExecutionError{Network: t.Network, Err: err})
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	start := time.Now()
	res, err := ex.Submit(callCtx, executor.SubmitRequest{
		TransferID:  t.ID,
		Network:     t.Network,
		Destination: t.Receiver,
		Amount:      t.Value(),
		Memo:        t.Memo,
	})
	cancel()
	transferExecution.WithLabelValues(t.Network).Observe(time.Since(start).Seconds())

	var execErr *domain.ExecutionError
	switch {
	case err == nil:
		return e.confirm(ctx, t, res.SettlementRef)
	case errors.As(err, &execErr):
		return e.fail(ctx, t, err)
	default:
		e.logger.WarnContext(ctx, "transfer outcome unknown",
			"transfer", t.ID, "network", t.Network, "error", err)
		return t, fmt.Errorf("%w: %v", domain.ErrOutcomeUnknown, err)
	}
}

// debit moves the amount from the sender into the treasury and marks the
// transfer executing. It commits before the executor is called.
func (e *TransferEngine) debit(ctx context.Context, id uuid.UUID) (domain.Transfer, error) {
	var t domain.Transfer
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		t, err = tx.LockTransfer(ctx, id)
		if err != nil {
			return notFound(err, "transfer")
		}
		if t.Status != domain.TransferScheduled {
			return fmt.Errorf("%w: transfer %s is %s", domain.ErrTransferNotScheduled, id, t.Status)
		}
		sender, err := e.ledger.holderTx(ctx, tx, t.SenderID)
		if err != nil {
			return err
		}
		treasury, err := e.ledger.treasuryTx(ctx, tx)
		if err != nil {
			return err
		}
		if err := e.ledger.moveTx(ctx, tx, sender, treasury, t.Value(), domain.Reference{Type: domain.RefTransfer, ID: t.ID}); err != nil {
			return err
		}
		t.Status = domain.TransferExecuting
		t.UpdatedAt = e.now()
		return tx.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return domain.Transfer{}, err
	}
	transfersTotal.WithLabelValues(t.Network, string(t.Status)).Inc()
	return t, nil
}

// rejectUnfunded fails a transfer whose debit was refused. Nothing was
// debited, so nothing is refunded.
func (e *TransferEngine) rejectUnfunded(ctx context.Context, id uuid.UUID, cause error) (domain.Transfer, error) {
	var t domain.Transfer
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		t, err = tx.LockTransfer(ctx, id)
		if err != nil {
			return err
		}
		if t.Status != domain.TransferScheduled {
			return fmt.Errorf("%w: transfer %s is %s", domain.ErrTransferNotScheduled, id, t.Status)
		}
		now := e.now()
		if err := tx.InsertOutcome(ctx, domain.TransferOutcome{
			ID: uuid.New(), TransferID: t.ID, Kind: domain.OutcomeFailure, Reason: cause.Error(), CreatedAt: now,
		}); err != nil {
			return err
		}
		t.Status = domain.TransferFailed
		t.UpdatedAt = now
		return tx.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return domain.Transfer{}, err
	}
	transfersTotal.WithLabelValues(t.Network, string(t.Status)).Inc()
	e.bus.Publish(ctx, domain.TransferFailedEvent{
		TransferID: t.ID, SenderID: t.SenderID, Amount: t.Value(), Reason: cause.Error(), At: t.UpdatedAt,
	})
	return t, nil
}

// receiverTx resolves the book value lands in once a transfer confirms.
func (e *TransferEngine) receiverTx(ctx context.Context, tx store.Tx, t domain.Transfer) (holder, error) {
	if t.ReceiverID != nil {
		return e.ledger.holderTx(ctx, tx, *t.ReceiverID)
	}
	return e.ledger.accountTx(ctx, tx, domain.AccountExternal, t.Network+":"+t.Receiver)
}

// settle writes the terminal outcome of an executing transfer. The outcome
// record is unique per transfer, which makes settlement idempotent.
func (e *TransferEngine) settle(ctx context.Context, id uuid.UUID, outcome domain.TransferOutcome, status domain.TransferStatus, allowed ...domain.TransferStatus) (domain.Transfer, error) {
	var t domain.Transfer
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		t, err = tx.LockTransfer(ctx, id)
		if err != nil {
			return notFound(err, "transfer")
		}
		ok := false
		for _, s := range allowed {
			ok = ok || t.Status == s
		}
		if !ok {
			return fmt.Errorf("%w: transfer %s is %s", domain.ErrTransferNotCancelable, id, t.Status)
		}

		outcome.TransferID = t.ID
		outcome.CreatedAt = e.now()
		if err := tx.InsertOutcome(ctx, outcome); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: transfer %s already settled", domain.ErrDuplicateEvent, id)
			}
			return err
		}

		treasury, err := e.ledger.treasuryTx(ctx, tx)
		if err != nil {
			return err
		}
		ref := domain.Reference{Type: outcome.ReferenceType(), ID: outcome.ID}
		switch {
		case status == domain.TransferConfirmed:
			to, err := e.receiverTx(ctx, tx, t)
			if err != nil {
				return err
			}
			if err := e.ledger.moveTx(ctx, tx, treasury, to, t.Value(), ref); err != nil {
				return err
			}
			t.SettlementRef = outcome.SettlementRef
		case t.Status == domain.TransferExecuting:
			sender, err := e.ledger.holderTx(ctx, tx, t.SenderID)
			if err != nil {
				return err
			}
			if err := e.ledger.moveTx(ctx, tx, treasury, sender, t.Value(), ref); err != nil {
				return err
			}
		}
		t.Status = status
		t.UpdatedAt = outcome.CreatedAt
		return tx.UpdateTransfer(ctx, t)
	})
	if err != nil {
		return domain.Transfer{}, err
	}
	transfersTotal.WithLabelValues(t.Network, string(t.Status)).Inc()
	return t, nil
}

func (e *TransferEngine) confirm(ctx context.Context, t domain.Transfer, settlementRef string) (domain.Transfer, error) {
	out, err := e.settle(ctx, t.ID, domain.TransferOutcome{
		ID: uuid.New(), Kind: domain.OutcomeConfirmation, SettlementRef: settlementRef,
	}, domain.TransferConfirmed, domain.TransferExecuting)
	if err != nil {
		e.logger.ErrorContext(ctx, "record transfer confirmation",
			"transfer", t.ID, "settlement_ref", settlementRef, "error", err)
		return t, fmt.Errorf("%w: settled as %s but not recorded: %v", domain.ErrOutcomeUnknown, settlementRef, err)
	}
	e.bus.Publish(ctx, domain.TransferConfirmedEvent{
		TransferID: out.ID, SenderID: out.SenderID, Amount: out.Value(), SettlementRef: settlementRef, At: out.UpdatedAt,
	})
	return out, nil
}

// fail records a failed execution and refunds the sender from the treasury.
func (e *TransferEngine) fail(ctx context.Context, t domain.Transfer, cause error) (domain.Transfer, error) {
	out, err := e.settle(ctx, t.ID, domain.TransferOutcome{
		ID: uuid.New(), Kind: domain.OutcomeFailure, Reason: cause.Error(),
	}, domain.TransferFailed, domain.TransferExecuting)
	if err != nil {
		e.logger.ErrorContext(ctx, "record transfer failure", "transfer", t.ID, "error", err)
		return t, fmt.Errorf("compensate transfer %s: %w", t.ID, err)
	}
	e.bus.Publish(ctx, domain.TransferFailedEvent{
		TransferID: out.ID, SenderID: out.SenderID, Amount: out.Value(), Reason: cause.Error(), At: out.UpdatedAt,
	})
	return out, cause
}

// Cancel stops a transfer that has not settled. A scheduled transfer is
// canceled without ledger effect. An executing transfer is refunded from
// the treasury once no executor call can still be running and the
// executor, when it can tell, reports it never settled.
func (e *TransferEngine) Cancel(ctx context.Context, id uuid.UUID, actor string) (domain.Transfer, error) {
	if !e.claim(id) {
		return domain.Transfer{}, domain.ErrTransferInFlight
	}
	defer e.unclaim(id)

	t, err := e.Get(ctx, id)
	if err != nil {
		return domain.Transfer{}, err
	}
	switch t.Status {
	case domain.TransferScheduled:
	case domain.TransferExecuting:
		if e.now().Sub(t.UpdatedAt) < e.timeout {
			return t, domain.ErrTransferInFlight
		}
		lookup, err := e.lookup(ctx, t)
		if err != nil {
			return t, err
		}
		switch lookup.Status {
		case executor.LookupConfirmed:
			if _, err := e.confirm(ctx, t, lookup.SettlementRef); err != nil {
				return t, err
			}
			return t, fmt.Errorf("%w: transfer %s settled as %s", domain.ErrTransferNotCancelable, id, lookup.SettlementRef)
		case executor.LookupUnknown:
			return t, domain.ErrOutcomeUnknown
		}
	default:
		return t, fmt.Errorf("%w: transfer %s is %s", domain.ErrTransferNotCancelable, id, t.Status)
	}

	refunded := t.Status == domain.TransferExecuting
	cancellation := domain.TransferOutcome{ID: uuid.New(), Kind: domain.OutcomeCancellation, Actor: actor}
	out, err := e.settle(ctx, id, cancellation, domain.TransferCanceled, domain.TransferScheduled, domain.TransferExecuting)
	if err != nil {
		return t, err
	}
	e.bus.Publish(ctx, domain.TransferCanceledEvent{
		TransferID: out.ID, SenderID: out.SenderID, CancellationID: cancellation.ID,
		Amount: out.Value(), Refunded: refunded, Actor: actor, At: out.UpdatedAt,
	})
	return out, nil
}

// lookup asks the executor what became of an earlier submission. Executors
// that cannot track submissions report not found.
func (e *TransferEngine) lookup(ctx context.Context, t domain.Transfer) (executor.Lookup, error) {
	ex, err := e.executors.For(t.Network)
	if err != nil {
		return executor.Lookup{}, err
	}
	tracker, ok := ex.(executor.Tracker)
	if !ok {
		return executor.Lookup{Status: executor.LookupNotFound}, nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	res, err := tracker.Lookup(callCtx, t.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "transfer lookup failed", "transfer", t.ID, "network", t.Network, "error", err)
		return executor.Lookup{Status: executor.LookupUnknown}, nil
	}
	return res, nil
}

// ExecuteDue executes scheduled transfers whose time has come and returns
// how many were attempted.
func (e *TransferEngine) ExecuteDue(ctx context.Context, limit int) (int, error) {
	var due []domain.Transfer
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		due, err = tx.ListDueTransfers(ctx, e.now(), limit)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("list due transfers: %w", err)
	}
	n := 0
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		_, err := e.Execute(ctx, t.ID)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrTransferInFlight), errors.Is(err, domain.ErrTransferNotScheduled):
			continue
		default:
			e.logger.InfoContext(ctx, "due transfer did not confirm", "transfer", t.ID, "error", err)
		}
		n++
	}
	return n, nil
}

// Recover settles executing transfers whose outcome was lost, for example
// because the process died between the executor call and recording its
// answer. Transfers younger than olderThan are left alone; olderThan never
// drops below the execution timeout.
func (e *TransferEngine) Recover(ctx context.Context, olderThan time.Duration, limit int) (RecoveryReport, error) {
	if olderThan < e.timeout {
		olderThan = e.timeout
	}
	var stuck []domain.Transfer
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		stuck, err = tx.ListTransfers(ctx, domain.TransferExecuting, e.now().Add(-olderThan), limit)
		return err
	})
	if err != nil {
		return RecoveryReport{}, fmt.Errorf("list executing transfers: %w", err)
	}

	var report RecoveryReport
	for _, t := range stuck {
		if ctx.Err() != nil {
			break
		}
		switch e.recoverOne(ctx, t) {
		case domain.TransferConfirmed:
			report.Confirmed++
		case domain.TransferFailed:
			report.Failed++
		default:
			report.Pending++
		}
	}
	return report, nil
}

func (e *TransferEngine) recoverOne(ctx context.Context, t domain.Transfer) domain.TransferStatus {
	if !e.claim(t.ID) {
		return domain.TransferExecuting
	}
	defer e.unclaim(t.ID)

	ex, err := e.executors.For(t.Network)
	if err != nil {
		e.logger.WarnContext(ctx, "no executor for stuck transfer", "transfer", t.ID, "network", t.Network)
		return domain.TransferExecuting
	}
	if _, ok := ex.(executor.Tracker); !ok {
		e.logger.InfoContext(ctx, "stuck transfer needs manual resolution", "transfer", t.ID, "network", t.Network)
		return domain.TransferExecuting
	}
	lookup, err := e.lookup(ctx, t)
	if err != nil {
		return domain.TransferExecuting
	}
	switch lookup.Status {
	case executor.LookupConfirmed:
		if _, err := e.confirm(ctx, t, lookup.SettlementRef); err != nil {
			return domain.TransferExecuting
		}
		return domain.TransferConfirmed
	case executor.LookupNotFound:
		cause := &domain.ExecutionError{Network: t.Network, Err: errors.New("executor never received the transfer")}
		if _, err := e.fail(ctx, t, cause); !errors.Is(err, cause) {
			return domain.TransferExecuting
		}
		return domain.TransferFailed
	}
	return domain.TransferExecuting
}
