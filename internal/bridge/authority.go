package bridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"

	"github.com/roach88/bridgekeeper/internal/audit"
	"github.com/roach88/bridgekeeper/internal/bridgeerr"
	"github.com/roach88/bridgekeeper/internal/ledger"
	"github.com/roach88/bridgekeeper/internal/metrics"
	"github.com/roach88/bridgekeeper/internal/proof"
	"github.com/roach88/bridgekeeper/internal/store"
)

// Signer signs encoded attestations. Implemented by *signer.Signer.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// Encoder turns an attestation into the bytes that get signed.
type Encoder func(proof.Attestation) ([]byte, error)

// IDGenerator assigns request ids to requests that arrive without one.
// Implemented by UUIDv7Generator (production) and testutil.SequentialIDs.
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 request ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Request asks for Amount of Asset to be moved out of Holder's balance.
// Holder is the base58 wallet identity the attestation is issued to.
type Request struct {
	Holder    string
	Asset     string
	Amount    int64
	RequestID string // optional; retries with the same id never debit twice
}

// Result is an issued proof.
type Result struct {
	RequestID string
	Signature []byte
	Timestamp int64 // attestation issued_at, unix seconds
	Replayed  bool  // true when an earlier issue of the same request was returned
}

// Authority debits in-game balances and issues signed attestations for them.
//
// Thread-safety: RequestBridgeOut may be called concurrently. The authority
// holds no locks; concurrent requests serialize on the store's write lock.
type Authority struct {
	store   *store.Store
	signer  Signer
	encode  Encoder
	now     func() time.Time
	ids     IDGenerator
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Option configures an Authority.
type Option func(*Authority)

// WithEncoder overrides proof.Encode.
func WithEncoder(enc Encoder) Option {
	return func(a *Authority) {
		a.encode = enc
	}
}

// WithClock overrides the wall clock used for attestation timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *Authority) {
		a.now = now
	}
}

// WithIDGenerator overrides UUIDv7Generator.
func WithIDGenerator(ids IDGenerator) Option {
	return func(a *Authority) {
		a.ids = ids
	}
}

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Authority) {
		a.metrics = m
	}
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *Authority) {
		a.logger = l
	}
}

// NewAuthority creates an Authority over s that signs with sgn.
func NewAuthority(s *store.Store, sgn Signer, opts ...Option) *Authority {
	a := &Authority{
		store:  s,
		signer: sgn,
		encode: proof.Encode,
		now:    time.Now,
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequestBridgeOut debits req.Amount from the holder and returns a signed
// attestation of the debit.
//
// Ordering is strict: the debit commits before anything is signed. If
// encoding or signing fails afterwards, the amount is credited back before
// the error is returned. The outbound audit record is written after signing
// and its failure does not undo the debit.
//
// A request id that was already issued with the same parameters returns the
// stored proof with Replayed set and does not debit again.
func (a *Authority) RequestBridgeOut(ctx context.Context, req Request) (Result, error) {
	if err := ledger.ValidateAmount(req.Amount); err != nil {
		a.metrics.RecordBridgeOut("invalid_amount", req.Asset, req.Amount)
		return Result{}, err
	}
	if req.RequestID == "" {
		req.RequestID = a.ids.Generate()
	}

	existing, err := a.reserveAndDebit(ctx, req)
	if err != nil {
		a.metrics.RecordBridgeOut(outcomeOf(err), req.Asset, req.Amount)
		a.logger.Info("bridge-out refused",
			"request_id", req.RequestID,
			"holder", req.Holder,
			"asset", req.Asset,
			"amount", req.Amount,
			"code", bridgeerr.CodeOf(err),
		)
		return Result{}, err
	}
	if existing != nil {
		return a.resolveExisting(req, existing)
	}

	a.logger.Info("balance debited",
		"request_id", req.RequestID,
		"holder", req.Holder,
		"asset", req.Asset,
		"amount", req.Amount,
	)

	issuedAt := a.now().Unix()
	started := time.Now()
	sig, err := a.attest(req, issuedAt)
	a.metrics.ObserveSign(time.Since(started))
	if err != nil {
		// The caller may have gone away; the credit-back must still run.
		if cerr := a.compensate(context.WithoutCancel(ctx), req); cerr != nil {
			err = errors.Join(err, cerr)
		}
		a.metrics.RecordBridgeOut(outcomeOf(err), req.Asset, req.Amount)
		return Result{}, err
	}

	a.record(context.WithoutCancel(ctx), req, sig, issuedAt)
	a.metrics.RecordBridgeOut("issued", req.Asset, req.Amount)

	return Result{
		RequestID: req.RequestID,
		Signature: sig,
		Timestamp: issuedAt,
	}, nil
}

// RequestStatus reports what happened to a request id. A caller whose
// request timed out uses it to learn whether the debit occurred.
func (a *Authority) RequestStatus(ctx context.Context, requestID string) (*ledger.BridgeRequest, error) {
	return ledger.New(a.store.DB()).FindRequest(ctx, requestID)
}

// reserveAndDebit claims the request id and debits the holder in one
// transaction. It returns the prior record when the id was already claimed.
func (a *Authority) reserveAndDebit(ctx context.Context, req Request) (*ledger.BridgeRequest, error) {
	var existing *ledger.BridgeRequest
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		l := ledger.New(tx, ledger.WithClock(a.now))

		prior, reserved, err := l.ReserveRequest(ctx, ledger.BridgeRequest{
			ID:     req.RequestID,
			Holder: req.Holder,
			Asset:  req.Asset,
			Amount: req.Amount,
		})
		if err != nil {
			return err
		}
		if !reserved {
			existing = prior
			return nil
		}

		_, err = l.Debit(ctx, req.Holder, req.Asset, req.Amount)
		return err
	})
	if err != nil {
		return nil, bridgeerr.Storage("reserve and debit", err)
	}
	return existing, nil
}

func (a *Authority) resolveExisting(req Request, prior *ledger.BridgeRequest) (Result, error) {
	if !prior.Matches(req.Holder, req.Asset, req.Amount) {
		a.metrics.RecordBridgeOut("request_mismatch", req.Asset, req.Amount)
		return Result{}, bridgeerr.Newf(bridgeerr.CodeRequestMismatch,
			"request %q was issued with different parameters", req.RequestID)
	}

	switch prior.Status {
	case ledger.RequestIssued:
		a.metrics.RecordBridgeOut("replayed", req.Asset, req.Amount)
		a.logger.Info("bridge-out replayed",
			"request_id", req.RequestID,
			"holder", req.Holder,
			"asset", req.Asset,
			"amount", req.Amount,
		)
		return Result{
			RequestID: prior.ID,
			Signature: prior.Signature,
			Timestamp: prior.IssuedAt,
			Replayed:  true,
		}, nil
	default:
		a.metrics.RecordBridgeOut("in_flight", req.Asset, req.Amount)
		return Result{}, bridgeerr.Newf(bridgeerr.CodeRequestInFlight,
			"request %q is still being processed", req.RequestID)
	}
}

func (a *Authority) attest(req Request, issuedAt int64) ([]byte, error) {
	holder, err := base58.Decode(req.Holder)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.CodeEncodingError, "holder is not a base58 identity", err)
	}

	msg, err := a.encode(proof.Attestation{
		AssetID:  req.Asset,
		Amount:   uint64(req.Amount),
		Holder:   holder,
		IssuedAt: issuedAt,
	})
	if err != nil {
		return nil, err
	}
	return a.signer.Sign(msg)
}

// compensate credits the debit back and releases the request id, in one
// transaction.
func (a *Authority) compensate(ctx context.Context, req Request) error {
	err := a.store.WithTx(ctx, func(tx *sql.Tx) error {
		l := ledger.New(tx, ledger.WithClock(a.now))
		if _, err := l.Credit(ctx, req.Holder, req.Asset, req.Amount); err != nil {
			return err
		}
		return l.FailRequest(ctx, req.RequestID)
	})
	a.metrics.RecordCompensation(err == nil)
	if err != nil {
		a.logger.Error("compensating credit failed",
			"request_id", req.RequestID,
			"holder", req.Holder,
			"asset", req.Asset,
			"amount", req.Amount,
			"error", err,
		)
		return fmt.Errorf("compensate request %s: %w", req.RequestID, err)
	}

	a.logger.Warn("debit compensated after signing fault",
		"request_id", req.RequestID,
		"holder", req.Holder,
		"asset", req.Asset,
		"amount", req.Amount,
	)
	return nil
}

// record marks the request issued, then appends the outbound audit record.
// The proof is already issued at this point, so failures are only logged.
// The issued transition commits on its own: a retry must be able to replay
// the proof even when the audit append fails.
func (a *Authority) record(ctx context.Context, req Request, sig []byte, issuedAt int64) {
	attrs := []any{
		"request_id", req.RequestID,
		"holder", req.Holder,
		"asset", req.Asset,
		"amount", req.Amount,
	}

	err := ledger.New(a.store.DB(), ledger.WithClock(a.now)).CompleteRequest(ctx, req.RequestID, sig, issuedAt)
	if err != nil {
		a.logger.Error("marking request issued failed after issue", append(attrs, "error", err)...)
		return
	}

	_, err = audit.New(a.store.DB(), audit.WithClock(a.now)).Append(ctx, audit.Record{
		Direction:    audit.Outbound,
		Asset:        req.Asset,
		Amount:       req.Amount,
		Counterparty: req.Holder,
		ExternalRef:  base58.Encode(sig),
		RequestID:    req.RequestID,
	})
	if err != nil {
		a.logger.Error("outbound audit append failed after issue", append(attrs, "error", err)...)
		return
	}

	a.logger.Info("proof issued", append(attrs, "issued_at", issuedAt)...)
}

func outcomeOf(err error) string {
	switch bridgeerr.CodeOf(err) {
	case bridgeerr.CodeInsufficientBalance:
		return "insufficient_balance"
	case bridgeerr.CodeInvalidAmount:
		return "invalid_amount"
	case bridgeerr.CodeEncodingError:
		return "encoding_error"
	case bridgeerr.CodeNotInitialized:
		return "not_initialized"
	case bridgeerr.CodeStorageUnavailable:
		return "storage_unavailable"
	default:
		return "failed"
	}
}
