// Package ledger implements atomic reservation, settlement and refund of
// prepaid token balances. Balances are mutated exclusively through this
// package, always inside a single database transaction with a guarded
// update — never an unlocked read-then-write.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/logging"
	"github.com/soyeahso/tokengate/internal/store"
)

// ErrReservationFinalized is returned when settle or release is called on a
// reservation that has already been finalized. The guard lives in the
// database so a double call can never corrupt the balance.
var ErrReservationFinalized = errors.New("reservation already finalized")

// ErrNoBalance is returned when the owner has no balance of the given kind.
var ErrNoBalance = errors.New("no balance for owner")

// Reservation is a provisional hold against a balance. Exactly one of
// Settle or Release must eventually be called for every reservation; the
// generation session's terminal transitions own that guarantee.
type Reservation struct {
	ID        string
	BalanceID string
	Estimate  int64
}

// Ledger performs balance mutations against the relational store.
type Ledger struct {
	db  *store.DB
	log *logging.Logger
}

// New creates a ledger backed by the given database.
func New(db *store.DB, log *logging.Logger) *Ledger {
	return &Ledger{db: db, log: log.Sub("ledger")}
}

// Grant creates the owner's balance if needed and adds amount to available.
// Invoked by the subscription lifecycle on activation.
func (l *Ledger) Grant(ctx context.Context, owner domain.OwnerRef, kind domain.BalanceKind, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("grant amount must be non-negative, got %d", amount)
	}

	now := time.Now().Format(time.DateTime)
	res, err := l.db.SQL().ExecContext(ctx,
		`UPDATE balances SET available = available + ?, updated_at = ?
		 WHERE owner_type = ? AND owner_id = ? AND kind = ?`,
		amount, now, owner.Type, owner.ID, kind,
	)
	if err != nil {
		return fmt.Errorf("granting balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		l.log.Info().Str("owner", owner.String()).Str("kind", string(kind)).Int64("amount", amount).Msg("balance topped up")
		return nil
	}

	_, err = l.db.SQL().ExecContext(ctx,
		`INSERT INTO balances (id, owner_type, owner_id, kind, available, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), owner.Type, owner.ID, kind, amount, now, now,
	)
	if err != nil {
		return fmt.Errorf("creating balance: %w", err)
	}
	l.log.Info().Str("owner", owner.String()).Str("kind", string(kind)).Int64("amount", amount).Msg("balance created")
	return nil
}

// Balance returns the owner's balance of the given kind.
func (l *Ledger) Balance(ctx context.Context, owner domain.OwnerRef, kind domain.BalanceKind) (*domain.Balance, error) {
	var b domain.Balance
	var createdAt, updatedAt string
	err := l.db.SQL().QueryRowContext(ctx,
		`SELECT id, owner_type, owner_id, kind, available, reserved, used, expired, created_at, updated_at
		 FROM balances WHERE owner_type = ? AND owner_id = ? AND kind = ?`,
		owner.Type, owner.ID, kind,
	).Scan(&b.ID, &b.Owner.Type, &b.Owner.ID, &b.Kind, &b.Available, &b.Reserved, &b.Used, &b.Expired, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoBalance
	}
	if err != nil {
		return nil, fmt.Errorf("reading balance: %w", err)
	}
	b.CreatedAt, _ = time.Parse(time.DateTime, createdAt)
	b.UpdatedAt, _ = time.Parse(time.DateTime, updatedAt)
	return &b, nil
}

// Reserve atomically moves estimate from available to reserved, provided
// available >= estimate. Safe under concurrent callers against the same
// balance: the check and the move are one guarded UPDATE, and the
// single-writer transaction serializes siblings exactly like a row lock.
func (l *Ledger) Reserve(ctx context.Context, owner domain.OwnerRef, kind domain.BalanceKind, estimate int64) (*Reservation, error) {
	if estimate <= 0 {
		return nil, fmt.Errorf("reserve estimate must be positive, got %d", estimate)
	}

	tx, err := l.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapFault(domain.FaultInternal, "begin reserve", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.DateTime)
	res, err := tx.ExecContext(ctx,
		`UPDATE balances SET available = available - ?, reserved = reserved + ?, updated_at = ?
		 WHERE owner_type = ? AND owner_id = ? AND kind = ? AND available >= ?`,
		estimate, estimate, now, owner.Type, owner.ID, kind, estimate,
	)
	if err != nil {
		return nil, domain.WrapFault(domain.FaultInternal, "reserving", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, domain.NewFault(domain.FaultInsufficientBalance,
			fmt.Sprintf("owner %s has insufficient %s balance for %d", owner, kind, estimate))
	}

	var balanceID string
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM balances WHERE owner_type = ? AND owner_id = ? AND kind = ?`,
		owner.Type, owner.ID, kind,
	).Scan(&balanceID); err != nil {
		return nil, domain.WrapFault(domain.FaultInternal, "resolving balance id", err)
	}

	r := &Reservation{ID: uuid.New().String(), BalanceID: balanceID, Estimate: estimate}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (id, balance_id, estimate, status, created_at) VALUES (?, ?, ?, 'held', ?)`,
		r.ID, r.BalanceID, r.Estimate, now,
	); err != nil {
		return nil, domain.WrapFault(domain.FaultInternal, "recording reservation", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, domain.WrapFault(domain.FaultInternal, "commit reserve", err)
	}

	l.log.Debug().
		Str("reservation", r.ID).
		Str("owner", owner.String()).
		Int64("estimate", estimate).
		Msg("reserved")
	return r, nil
}

// Settle finalizes a reservation after the provider produced output: the
// full estimate returns to available, then actual is debited and tracked as
// used. A surplus (actual < estimate) is thereby refunded. An overrun
// (actual > estimate) is still debited — the ledger never blocks once the
// provider call has produced output — but clamped so available stays
// non-negative, and the settlement row is flagged for reporting.
func (l *Ledger) Settle(ctx context.Context, r *Reservation, actual int64) error {
	if actual < 0 {
		actual = 0
	}

	tx, err := l.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback()

	overrun := 0
	if actual > r.Estimate {
		overrun = 1
	}

	now := time.Now().Format(time.DateTime)
	res, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = 'settled', actual = ?, overrun = ?, finalized_at = ?
		 WHERE id = ? AND status = 'held'`,
		actual, overrun, now, r.ID,
	)
	if err != nil {
		return fmt.Errorf("finalizing reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReservationFinalized
	}

	var available int64
	if err := tx.QueryRowContext(ctx,
		`SELECT available FROM balances WHERE id = ?`, r.BalanceID,
	).Scan(&available); err != nil {
		return fmt.Errorf("reading balance for settle: %w", err)
	}

	debit := actual
	if debit > available+r.Estimate {
		debit = available + r.Estimate
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE balances SET available = available + ? - ?, reserved = reserved - ?, used = used + ?, updated_at = ?
		 WHERE id = ?`,
		r.Estimate, debit, r.Estimate, debit, now, r.BalanceID,
	); err != nil {
		return fmt.Errorf("settling balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settle: %w", err)
	}

	l.log.Debug().
		Str("reservation", r.ID).
		Int64("estimate", r.Estimate).
		Int64("actual", actual).
		Bool("overrun", overrun == 1).
		Msg("settled")
	return nil
}

// Release fully refunds a reservation. Used when a session fails before
// producing billable output.
func (l *Ledger) Release(ctx context.Context, r *Reservation) error {
	tx, err := l.db.SQL().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.DateTime)
	res, err := tx.ExecContext(ctx,
		`UPDATE reservations SET status = 'released', finalized_at = ? WHERE id = ? AND status = 'held'`,
		now, r.ID,
	)
	if err != nil {
		return fmt.Errorf("finalizing reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReservationFinalized
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE balances SET available = available + ?, reserved = reserved - ?, updated_at = ? WHERE id = ?`,
		r.Estimate, r.Estimate, now, r.BalanceID,
	); err != nil {
		return fmt.Errorf("releasing balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release: %w", err)
	}

	l.log.Debug().Str("reservation", r.ID).Int64("estimate", r.Estimate).Msg("released")
	return nil
}

// Expire zeroes the owner's available capacity, moving it into expired.
// Administrative: invoked by the subscription lifecycle, not by the
// dispatch engine. In-flight reservations still settle normally afterward.
func (l *Ledger) Expire(ctx context.Context, owner domain.OwnerRef, kind domain.BalanceKind) error {
	res, err := l.db.SQL().ExecContext(ctx,
		`UPDATE balances SET expired = expired + available, available = 0, updated_at = ?
		 WHERE owner_type = ? AND owner_id = ? AND kind = ?`,
		time.Now().Format(time.DateTime), owner.Type, owner.ID, kind,
	)
	if err != nil {
		return fmt.Errorf("expiring balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoBalance
	}
	l.log.Info().Str("owner", owner.String()).Str("kind", string(kind)).Msg("balance expired")
	return nil
}
