// Package audit is the append-only record of value crossing the bridge
// boundary in either direction.
//
// Records are only ever inserted; the schema aborts UPDATE and DELETE. An
// inbound record's external reference is unique, which makes the log the
// deduplication authority for chain events.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/bridgekeeper/internal/bridgeerr"
	"github.com/roach88/bridgekeeper/internal/store"
)

// Direction is the side of the boundary the value moved to.
type Direction string

const (
	// Outbound: debited in-game, attested for the chain.
	Outbound Direction = "outbound"
	// Inbound: observed on chain, credited in-game.
	Inbound Direction = "inbound"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == Outbound || d == Inbound
}

// Record is one audit entry.
type Record struct {
	ID           int64
	Direction    Direction
	Asset        string
	Amount       int64
	Counterparty string // holder for outbound, chain account for inbound
	ExternalRef  string // chain event reference, or the proof signature for outbound
	RequestID    string // bridge request id; empty for inbound
	RecordedAt   time.Time
}

// Log reads and appends audit records.
type Log struct {
	q   store.Querier
	now func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock used for recorded_at.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// New creates a Log over q (a *sql.DB or a *sql.Tx).
func New(q store.Querier, opts ...Option) *Log {
	l := &Log{q: q, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append inserts rec and returns its id. An inbound record whose ExternalRef
// is already present fails with DUPLICATE_REFERENCE and writes nothing.
func (l *Log) Append(ctx context.Context, rec Record) (int64, error) {
	if !rec.Direction.Valid() {
		return 0, fmt.Errorf("invalid audit direction %q", rec.Direction)
	}
	if rec.Amount <= 0 {
		return 0, bridgeerr.Newf(bridgeerr.CodeInvalidAmount, "audit amount must be greater than 0, got %d", rec.Amount)
	}
	if rec.ExternalRef == "" {
		return 0, fmt.Errorf("audit record requires an external reference")
	}

	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = l.now()
	}

	// DO NOTHING covers only the partial unique index on inbound references.
	result, err := l.q.ExecContext(ctx, `
		INSERT INTO audit_log
		(direction, asset, amount, counterparty, external_ref, request_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, string(rec.Direction), rec.Asset, rec.Amount, rec.Counterparty,
		rec.ExternalRef, nullable(rec.RequestID), recordedAt.UTC().UnixMilli())
	if err != nil {
		return 0, bridgeerr.Storage("append audit record", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, bridgeerr.Storage("append audit record: rows affected", err)
	}
	if affected == 0 {
		return 0, bridgeerr.Newf(bridgeerr.CodeDuplicateReference,
			"inbound reference %q already recorded", rec.ExternalRef)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, bridgeerr.Storage("append audit record: last insert id", err)
	}
	return id, nil
}

// SeenInbound reports whether an inbound record with ref exists.
func (l *Log) SeenInbound(ctx context.Context, ref string) (bool, error) {
	var exists int
	err := l.q.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM audit_log WHERE direction = 'inbound' AND external_ref = ?
		)
	`, ref).Scan(&exists)
	if err != nil {
		return false, bridgeerr.Storage("check inbound reference", err)
	}
	return exists == 1, nil
}

// FindByReference returns the earliest record carrying ref in either
// direction, or NOT_FOUND.
func (l *Log) FindByReference(ctx context.Context, ref string) (Record, error) {
	return l.findOne(ctx, "external_ref = ?", ref)
}

// FindInbound returns the inbound record for ref, or NOT_FOUND.
func (l *Log) FindInbound(ctx context.Context, ref string) (Record, error) {
	return l.findOne(ctx, "direction = 'inbound' AND external_ref = ?", ref)
}

// FindByRequestID returns the outbound record for a bridge request, or NOT_FOUND.
func (l *Log) FindByRequestID(ctx context.Context, requestID string) (Record, error) {
	return l.findOne(ctx, "direction = 'outbound' AND request_id = ?", requestID)
}

func (l *Log) findOne(ctx context.Context, where string, arg any) (Record, error) {
	row := l.q.QueryRowContext(ctx, selectColumns+" WHERE "+where+" ORDER BY id ASC LIMIT 1", arg)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, bridgeerr.Newf(bridgeerr.CodeNotFound, "audit record not found")
	}
	if err != nil {
		return Record{}, bridgeerr.Storage("read audit record", err)
	}
	return rec, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Direction Direction
	Asset     string
	AfterID   int64 // exclusive cursor
	Limit     int
}

// DefaultListLimit caps List when Filter.Limit is unset.
const DefaultListLimit = 100

// List returns records in insertion order.
func (l *Log) List(ctx context.Context, f Filter) ([]Record, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Direction != "" {
		clauses = append(clauses, "direction = ?")
		args = append(args, string(f.Direction))
	}
	if f.Asset != "" {
		clauses = append(clauses, "asset = ?")
		args = append(args, f.Asset)
	}
	if f.AfterID > 0 {
		clauses = append(clauses, "id > ?")
		args = append(args, f.AfterID)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := selectColumns
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := l.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, bridgeerr.Storage("query audit log", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, bridgeerr.Storage("scan audit record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, bridgeerr.Storage("iterate audit log", err)
	}
	return records, nil
}

// Totals sums recorded amounts for one asset.
type Totals struct {
	Asset    string
	Outbound int64
	Inbound  int64
}

// Totals returns the per-direction sums for asset.
func (l *Log) Totals(ctx context.Context, asset string) (Totals, error) {
	t := Totals{Asset: asset}
	err := l.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN direction = 'outbound' THEN amount END), 0),
			COALESCE(SUM(CASE WHEN direction = 'inbound' THEN amount END), 0)
		FROM audit_log
		WHERE asset = ?
	`, asset).Scan(&t.Outbound, &t.Inbound)
	if err != nil {
		return Totals{}, bridgeerr.Storage("sum audit log", err)
	}
	return t, nil
}

const selectColumns = `
	SELECT id, direction, asset, amount, counterparty, external_ref, request_id, recorded_at
	FROM audit_log`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		direction string
		reqID     sql.NullString
		recorded  int64
	)
	if err := row.Scan(&rec.ID, &direction, &rec.Asset, &rec.Amount, &rec.Counterparty,
		&rec.ExternalRef, &reqID, &recorded); err != nil {
		return Record{}, err
	}
	rec.Direction = Direction(direction)
	rec.RequestID = reqID.String
	rec.RecordedAt = time.UnixMilli(recorded).UTC()
	return rec, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
