package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/roach88/bridgekeeper/internal/bridgeerr"
)

// RequestStatus is the lifecycle state of an outbound bridge request.
type RequestStatus string

const (
	// RequestPending: the debit committed, the proof is not yet issued.
	RequestPending RequestStatus = "pending"
	// RequestIssued: a signed proof was issued; retries return it unchanged.
	RequestIssued RequestStatus = "issued"
	// RequestFailed: signing failed and the debit was credited back.
	RequestFailed RequestStatus = "failed"
)

// BridgeRequest is the idempotency record for one outbound request.
type BridgeRequest struct {
	ID        string
	Holder    string
	Asset     string
	Amount    int64
	Status    RequestStatus
	Signature []byte
	IssuedAt  int64 // attestation timestamp, unix seconds; zero until issued
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Matches reports whether a retried request carries the same parameters.
func (r BridgeRequest) Matches(holder, asset string, amount int64) bool {
	return r.Holder == holder && r.Asset == asset && r.Amount == amount
}

// ReserveRequest claims req.ID in pending state. It returns reserved=true when
// the caller owns the id: either it is new, or its previous attempt failed.
// Otherwise the existing record is returned and nothing changes.
//
// Run ReserveRequest and Debit in the same transaction so a reservation
// exists exactly when a debit does.
func (l *Ledger) ReserveRequest(ctx context.Context, req BridgeRequest) (*BridgeRequest, bool, error) {
	if err := ValidateAmount(req.Amount); err != nil {
		return nil, false, err
	}

	now := l.stamp()
	result, err := l.q.ExecContext(ctx, `
		INSERT INTO bridge_requests
		(request_id, holder, asset, amount, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(request_id) DO UPDATE
		SET holder = excluded.holder,
		    asset = excluded.asset,
		    amount = excluded.amount,
		    status = 'pending',
		    signature = NULL,
		    issued_at = NULL,
		    updated_at = excluded.updated_at
		WHERE bridge_requests.status = 'failed'
	`, req.ID, req.Holder, req.Asset, req.Amount, now, now)
	if err != nil {
		return nil, false, bridgeerr.Storage("reserve request", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, bridgeerr.Storage("reserve request: rows affected", err)
	}
	if affected > 0 {
		return nil, true, nil
	}

	existing, err := l.FindRequest(ctx, req.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// CompleteRequest marks a pending request issued with its proof.
func (l *Ledger) CompleteRequest(ctx context.Context, id string, signature []byte, issuedAt int64) error {
	return l.transition(ctx, id, RequestIssued, signature, issuedAt)
}

// FailRequest marks a pending request failed so its id can be reused.
func (l *Ledger) FailRequest(ctx context.Context, id string) error {
	return l.transition(ctx, id, RequestFailed, nil, 0)
}

func (l *Ledger) transition(ctx context.Context, id string, to RequestStatus, signature []byte, issuedAt int64) error {
	var issued any
	if issuedAt != 0 {
		issued = issuedAt
	}
	result, err := l.q.ExecContext(ctx, `
		UPDATE bridge_requests
		SET status = ?, signature = ?, issued_at = ?, updated_at = ?
		WHERE request_id = ? AND status = 'pending'
	`, string(to), signature, issued, l.stamp(), id)
	if err != nil {
		return bridgeerr.Storage("update request", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return bridgeerr.Storage("update request: rows affected", err)
	}
	if affected == 0 {
		return bridgeerr.Newf(bridgeerr.CodeNotFound, "no pending request %q", id)
	}
	return nil
}

// FindRequest returns the request with the given id, or NOT_FOUND.
func (l *Ledger) FindRequest(ctx context.Context, id string) (*BridgeRequest, error) {
	row := l.q.QueryRowContext(ctx, `
		SELECT request_id, holder, asset, amount, status, signature, issued_at, created_at, updated_at
		FROM bridge_requests
		WHERE request_id = ?
	`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, bridgeerr.Newf(bridgeerr.CodeNotFound, "request %q not found", id)
	}
	if err != nil {
		return nil, bridgeerr.Storage("read request", err)
	}
	return req, nil
}

// StalePending lists requests still pending that were created before cutoff.
// A pending request older than any plausible signing latency means the
// process stopped between debit and issue, or the issued mark failed to
// commit after signing. A proof may therefore exist; reconcile against the
// authority's logs before crediting anything back.
func (l *Ledger) StalePending(ctx context.Context, cutoff time.Time) ([]BridgeRequest, error) {
	rows, err := l.q.QueryContext(ctx, `
		SELECT request_id, holder, asset, amount, status, signature, issued_at, created_at, updated_at
		FROM bridge_requests
		WHERE status = 'pending' AND created_at < ?
		ORDER BY created_at ASC, request_id COLLATE BINARY ASC
	`, cutoff.UTC().UnixMilli())
	if err != nil {
		return nil, bridgeerr.Storage("query pending requests", err)
	}
	defer rows.Close()

	requests := []BridgeRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, bridgeerr.Storage("scan request", err)
		}
		requests = append(requests, *req)
	}
	if err := rows.Err(); err != nil {
		return nil, bridgeerr.Storage("iterate requests", err)
	}
	return requests, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*BridgeRequest, error) {
	var (
		req              BridgeRequest
		status           string
		issuedAt         sql.NullInt64
		created, updated int64
	)
	if err := row.Scan(
		&req.ID, &req.Holder, &req.Asset, &req.Amount, &status,
		&req.Signature, &issuedAt, &created, &updated,
	); err != nil {
		return nil, err
	}
	req.Status = RequestStatus(status)
	req.IssuedAt = issuedAt.Int64
	req.CreatedAt = fromMillis(created)
	req.UpdatedAt = fromMillis(updated)
	return &req, nil
}
