// Package ledger implements the conditional balance and pool mutations.
//
// Every mutation is one atomic statement against the store: a conditional
// UPDATE ... RETURNING, or an upsert. Callers never read a balance and then
// write it back; the condition travels with the write. Operations take a
// store.Querier so they can run on their own or inside a caller's
// transaction.
//
// Known limit: SQLite admits one writer per database, so mutations on
// different (holder, asset) keys are serialized by the write lock rather
// than proceeding independently. Correctness does not depend on this; only
// write throughput does. Reads run concurrently under WAL.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/roach88/bridgekeeper/internal/bridgeerr"
	"github.com/roach88/bridgekeeper/internal/store"
)

// DefaultPoolCeiling is applied to a pool the first time it is credited
// without an explicitly configured ceiling.
const DefaultPoolCeiling int64 = 500_000

// Ledger mutates holder balances and pooled capacity.
type Ledger struct {
	q              store.Querier
	now            func() time.Time
	defaultCeiling int64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used for updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithDefaultCeiling overrides DefaultPoolCeiling.
func WithDefaultCeiling(ceiling int64) Option {
	return func(l *Ledger) {
		l.defaultCeiling = ceiling
	}
}

// New creates a Ledger over q (a *sql.DB or a *sql.Tx).
func New(q store.Querier, opts ...Option) *Ledger {
	l := &Ledger{
		q:              q,
		now:            time.Now,
		defaultCeiling: DefaultPoolCeiling,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Balance is a holder's amount of one asset.
type Balance struct {
	Holder    string
	Asset     string
	Amount    int64
	UpdatedAt time.Time
}

// Pool is the shared, capacity-bounded amount of one asset.
type Pool struct {
	Asset       string
	Amount      int64
	MaxCapacity int64
	UpdatedAt   time.Time
}

// Headroom is how much more the pool can accept.
func (p Pool) Headroom() int64 {
	if p.Amount >= p.MaxCapacity {
		return 0
	}
	return p.MaxCapacity - p.Amount
}

// Debit subtracts amount from (holder, asset) only if the balance covers it,
// and returns the new balance. A missing row or a short balance fails with
// INSUFFICIENT_BALANCE and changes nothing.
func (l *Ledger) Debit(ctx context.Context, holder, asset string, amount int64) (int64, error) {
	if err := ValidateAmount(amount); err != nil {
		return 0, err
	}

	var remaining int64
	err := l.q.QueryRowContext(ctx, `
		UPDATE balances
		SET amount = amount - ?, updated_at = ?
		WHERE holder = ? AND asset = ? AND amount >= ?
		RETURNING amount
	`, amount, l.stamp(), holder, asset, amount).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		refused := bridgeerr.New(bridgeerr.CodeInsufficientBalance, "debit refused").WithDetails(
			"holder", holder,
			"asset", asset,
			"needs", strconv.FormatInt(amount, 10),
		)
		// Best-effort detail; the refusal itself does not depend on it.
		if has, berr := l.Balance(ctx, holder, asset); berr == nil {
			refused = refused.WithDetails("has", strconv.FormatInt(has, 10))
		}
		return 0, refused
	}
	if err != nil {
		return 0, bridgeerr.Storage("debit", err)
	}
	return remaining, nil
}

// Credit adds amount to (holder, asset), creating the row on first credit,
// and returns the new balance. A credit that would push the balance past
// MaxInt64 fails with INVALID_AMOUNT and changes nothing.
func (l *Ledger) Credit(ctx context.Context, holder, asset string, amount int64) (int64, error) {
	if err := ValidateAmount(amount); err != nil {
		return 0, err
	}

	// SQLite turns an overflowing integer sum into a REAL, so the headroom
	// check travels with the upsert.
	var balance int64
	err := l.q.QueryRowContext(ctx, `
		INSERT INTO balances (holder, asset, amount, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(holder, asset) DO UPDATE
		SET amount = balances.amount + excluded.amount, updated_at = excluded.updated_at
		WHERE balances.amount <= 9223372036854775807 - excluded.amount
		RETURNING amount
	`, holder, asset, amount, l.stamp()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, bridgeerr.New(bridgeerr.CodeInvalidAmount, "credit would overflow balance").WithDetails(
			"holder", holder,
			"asset", asset,
			"amount", strconv.FormatInt(amount, 10),
		)
	}
	if err != nil {
		return 0, bridgeerr.Storage("credit", err)
	}
	return balance, nil
}

// Balance returns the holder's amount of asset. A holder that was never
// credited has a zero balance.
func (l *Ledger) Balance(ctx context.Context, holder, asset string) (int64, error) {
	var amount int64
	err := l.q.QueryRowContext(ctx, `
		SELECT amount FROM balances WHERE holder = ? AND asset = ?
	`, holder, asset).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, bridgeerr.Storage("read balance", err)
	}
	return amount, nil
}

// Balances returns every asset balance held by holder, ordered by asset.
// Returns an empty slice (not nil) for an unknown holder.
func (l *Ledger) Balances(ctx context.Context, holder string) ([]Balance, error) {
	rows, err := l.q.QueryContext(ctx, `
		SELECT holder, asset, amount, updated_at
		FROM balances
		WHERE holder = ?
		ORDER BY asset COLLATE BINARY ASC
	`, holder)
	if err != nil {
		return nil, bridgeerr.Storage("query balances", err)
	}
	defer rows.Close()

	balances := []Balance{}
	for rows.Next() {
		var (
			b       Balance
			updated int64
		)
		if err := rows.Scan(&b.Holder, &b.Asset, &b.Amount, &updated); err != nil {
			return nil, bridgeerr.Storage("scan balance", err)
		}
		b.UpdatedAt = fromMillis(updated)
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, bridgeerr.Storage("iterate balances", err)
	}
	return balances, nil
}

// CreditPool adds amount to the asset's pool only if the result stays within
// the pool's ceiling, and returns the new pooled amount. The capacity check
// and the increment are one statement. A pool seen for the first time is
// created with the default ceiling.
func (l *Ledger) CreditPool(ctx context.Context, asset string, amount int64) (int64, error) {
	if err := ValidateAmount(amount); err != nil {
		return 0, err
	}

	now := l.stamp()
	if _, err := l.q.ExecContext(ctx, `
		INSERT INTO pools (asset, amount, max_capacity, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(asset) DO NOTHING
	`, asset, l.defaultCeiling, now); err != nil {
		return 0, bridgeerr.Storage("ensure pool", err)
	}

	var pooled int64
	err := l.q.QueryRowContext(ctx, `
		UPDATE pools
		SET amount = amount + ?, updated_at = ?
		WHERE asset = ? AND amount <= max_capacity - ?
		RETURNING amount
	`, amount, now, asset, amount).Scan(&pooled)
	if errors.Is(err, sql.ErrNoRows) {
		rejected := bridgeerr.New(bridgeerr.CodeCapacityExceeded, "pool credit would exceed capacity").WithDetails(
			"asset", asset,
			"amount", strconv.FormatInt(amount, 10),
		)
		if p, perr := l.Pool(ctx, asset); perr == nil {
			rejected = rejected.WithDetails(
				"current", strconv.FormatInt(p.Amount, 10),
				"max", strconv.FormatInt(p.MaxCapacity, 10),
			)
		}
		return 0, rejected
	}
	if err != nil {
		return 0, bridgeerr.Storage("credit pool", err)
	}
	return pooled, nil
}

// Pool returns the pool for asset, or NOT_FOUND.
func (l *Ledger) Pool(ctx context.Context, asset string) (Pool, error) {
	var (
		p       Pool
		updated int64
	)
	err := l.q.QueryRowContext(ctx, `
		SELECT asset, amount, max_capacity, updated_at FROM pools WHERE asset = ?
	`, asset).Scan(&p.Asset, &p.Amount, &p.MaxCapacity, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Pool{}, bridgeerr.Newf(bridgeerr.CodeNotFound, "pool %q not found", asset)
	}
	if err != nil {
		return Pool{}, bridgeerr.Storage("read pool", err)
	}
	p.UpdatedAt = fromMillis(updated)
	return p, nil
}

// Pools returns every pool ordered by asset.
func (l *Ledger) Pools(ctx context.Context) ([]Pool, error) {
	rows, err := l.q.QueryContext(ctx, `
		SELECT asset, amount, max_capacity, updated_at
		FROM pools
		ORDER BY asset COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, bridgeerr.Storage("query pools", err)
	}
	defer rows.Close()

	pools := []Pool{}
	for rows.Next() {
		var (
			p       Pool
			updated int64
		)
		if err := rows.Scan(&p.Asset, &p.Amount, &p.MaxCapacity, &updated); err != nil {
			return nil, bridgeerr.Storage("scan pool", err)
		}
		p.UpdatedAt = fromMillis(updated)
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, bridgeerr.Storage("iterate pools", err)
	}
	return pools, nil
}

// SetCeiling sets the asset's maximum capacity, creating the pool if needed.
// Lowering a ceiling below the current amount blocks further credits; it
// never removes pooled value.
func (l *Ledger) SetCeiling(ctx context.Context, asset string, maxCapacity int64) error {
	if maxCapacity < 0 {
		return bridgeerr.Newf(bridgeerr.CodeInvalidAmount, "ceiling must be non-negative, got %d", maxCapacity)
	}
	_, err := l.q.ExecContext(ctx, `
		INSERT INTO pools (asset, amount, max_capacity, updated_at)
		VALUES (?, 0, ?, ?)
		ON CONFLICT(asset) DO UPDATE
		SET max_capacity = excluded.max_capacity, updated_at = excluded.updated_at
	`, asset, maxCapacity, l.stamp())
	if err != nil {
		return bridgeerr.Storage("set ceiling", err)
	}
	return nil
}

// ValidateAmount rejects non-positive amounts.
func ValidateAmount(amount int64) error {
	if amount <= 0 {
		return bridgeerr.Newf(bridgeerr.CodeInvalidAmount, "amount must be greater than 0, got %d", amount)
	}
	return nil
}

func (l *Ledger) stamp() int64 {
	return l.now().UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
