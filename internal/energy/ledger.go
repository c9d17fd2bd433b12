package energy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"wellness-planner/internal/clock"
	"wellness-planner/internal/logger"
)

// ErrInsufficientBalance is returned by Charge when the balance is too low.
var ErrInsufficientBalance = errors.New("insufficient energy balance")

// Transaction is one entry of the ledger history.
type Transaction struct {
	ID           int64
	Kind         string
	Amount       int
	BalanceAfter int
	Reason       string
	CreatedAt    time.Time
}

const (
	kindAllowance = "allowance"
	kindCharge    = "charge"
	kindCredit    = "credit"
	kindGrant     = "grant"
)

// RetryFunc is a deferred action that becomes runnable once the balance
// covers its cost.
type RetryFunc func(ctx context.Context) error

type pendingRetry struct {
	label string
	cost  int
	fn    RetryFunc
}

// Ledger is the SQLite-backed energy account that meters plan generation.
// The balance is topped up to the daily allowance once per calendar day.
type Ledger struct {
	db        *sql.DB
	clock     *clock.Clock
	allowance int
	secret    []byte
	log       *logger.Logger

	mu       sync.Mutex
	retries  []pendingRetry
	draining bool
	redrain  bool
}

// NewLedger creates a ledger on an already migrated database. An empty
// grantSecret disables recharge grants.
func NewLedger(db *sql.DB, clk *clock.Clock, allowance int, grantSecret string, log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.Nop()
	}
	return &Ledger{
		db:        db,
		clock:     clk,
		allowance: allowance,
		secret:    []byte(grantSecret),
		log:       log.With("component", "EnergyLedger"),
	}
}

// Balance returns the current balance after applying today's allowance.
func (l *Ledger) Balance(ctx context.Context) (int, error) {
	var balance int
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		balance, err = l.refill(ctx, tx)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// CanAfford reports whether cost can be charged right now.
func (l *Ledger) CanAfford(ctx context.Context, cost int) (bool, error) {
	if cost <= 0 {
		return true, nil
	}
	balance, err := l.Balance(ctx)
	if err != nil {
		return false, err
	}
	return balance >= cost, nil
}

// Charge debits cost atomically. It never lets the balance go negative.
func (l *Ledger) Charge(ctx context.Context, cost int, reason string) error {
	if cost <= 0 {
		return nil
	}
	return l.withTx(ctx, func(tx *sql.Tx) error {
		balance, err := l.refill(ctx, tx)
		if err != nil {
			return err
		}
		if balance < cost {
			return fmt.Errorf("%w: cost %d, balance %d", ErrInsufficientBalance, cost, balance)
		}
		return l.apply(ctx, tx, kindCharge, -cost, balance-cost, reason)
	})
}

// Credit adds amount to the balance and runs any queued retries that have
// become affordable. It returns the new balance.
func (l *Ledger) Credit(ctx context.Context, amount int, reason string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	var balance int
	err := l.withTx(ctx, func(tx *sql.Tx) error {
		current, err := l.refill(ctx, tx)
		if err != nil {
			return err
		}
		balance = current + amount
		return l.apply(ctx, tx, kindCredit, amount, balance, reason)
	})
	if err != nil {
		return 0, err
	}
	l.drainRetries(ctx)
	return balance, nil
}

// EnqueueRetry parks fn until a later credit makes cost affordable.
func (l *Ledger) EnqueueRetry(label string, cost int, fn RetryFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.retries = append(l.retries, pendingRetry{label: label, cost: cost, fn: fn})
	l.log.Info("generation retry queued", "label", label, "cost", cost)
}

// PendingRetries returns the number of parked retries.
func (l *Ledger) PendingRetries() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.retries)
}

// drainRetries runs queued retries in order while the balance covers them.
// Only one goroutine drains at a time; a credit that lands during a drain
// asks the active drainer for another pass instead of starting its own.
func (l *Ledger) drainRetries(ctx context.Context) {
	l.mu.Lock()
	if l.draining {
		l.redrain = true
		l.mu.Unlock()
		return
	}
	l.draining = true
	l.mu.Unlock()

	for {
		l.mu.Lock()
		if len(l.retries) == 0 {
			l.draining, l.redrain = false, false
			l.mu.Unlock()
			return
		}
		next := l.retries[0]
		l.mu.Unlock()

		ok, err := l.CanAfford(ctx, next.cost)
		if err != nil {
			l.log.Warn("failed to check balance for retry", "label", next.label, "error", err)
			l.stopDraining()
			return
		}
		if !ok {
			l.mu.Lock()
			if l.redrain {
				l.redrain = false
				l.mu.Unlock()
				continue
			}
			l.draining = false
			l.mu.Unlock()
			return
		}

		// EnqueueRetry only appends, so the head is still next.
		l.mu.Lock()
		l.retries = l.retries[1:]
		l.mu.Unlock()

		if err := next.fn(ctx); err != nil {
			l.log.Warn("queued retry failed", "label", next.label, "error", err)
		} else {
			l.log.Info("queued retry completed", "label", next.label)
		}
	}
}

func (l *Ledger) stopDraining() {
	l.mu.Lock()
	l.draining, l.redrain = false, false
	l.mu.Unlock()
}

// Transactions returns the most recent ledger entries, newest first.
func (l *Ledger) Transactions(ctx context.Context, limit int) ([]Transaction, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, kind, amount, balance_after, reason, created_at
		FROM energy_transactions
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list energy transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var (
			t       Transaction
			created string
		)
		if err := rows.Scan(&t.ID, &t.Kind, &t.Amount, &t.BalanceAfter, &t.Reason, &created); err != nil {
			return nil, fmt.Errorf("failed to scan energy transaction: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, t)
	}
	return out, rows.Err()
}

// refill applies the daily allowance at most once per date key and returns
// the balance. The allowance tops the balance up; it never lowers it.
func (l *Ledger) refill(ctx context.Context, tx *sql.Tx) (int, error) {
	var (
		balance    int
		lastRefill string
	)
	err := tx.QueryRowContext(ctx, `SELECT balance, last_refill_date FROM energy_account WHERE id = 1`).Scan(&balance, &lastRefill)
	if err != nil {
		return 0, fmt.Errorf("failed to read energy account: %w", err)
	}

	today := l.clock.Today()
	if lastRefill == today {
		return balance, nil
	}
	if balance < l.allowance {
		topUp := l.allowance - balance
		balance = l.allowance
		if err := l.apply(ctx, tx, kindAllowance, topUp, balance, "daily allowance "+today); err != nil {
			return 0, err
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE energy_account SET last_refill_date = ? WHERE id = 1`, today); err != nil {
		return 0, fmt.Errorf("failed to record allowance date: %w", err)
	}
	return balance, nil
}

func (l *Ledger) apply(ctx context.Context, tx *sql.Tx, kind string, amount, balanceAfter int, reason string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE energy_account SET balance = ? WHERE id = 1`, balanceAfter); err != nil {
		return fmt.Errorf("failed to update energy balance: %w", err)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO energy_transactions (kind, amount, balance_after, reason, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		kind, amount, balanceAfter, reason, l.clock.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record energy transaction: %w", err)
	}
	return nil
}

func (l *Ledger) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin energy transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit energy transaction: %w", err)
	}
	return nil
}
