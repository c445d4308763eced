package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bridgekeeper/internal/audit"
	"github.com/roach88/bridgekeeper/internal/bridgeerr"
	"github.com/roach88/bridgekeeper/internal/ledger"
	"github.com/roach88/bridgekeeper/internal/proof"
	"github.com/roach88/bridgekeeper/internal/signer"
	"github.com/roach88/bridgekeeper/internal/store"
	"github.com/roach88/bridgekeeper/internal/testutil"
)

var alice = base58.Encode(testutil.Holder(1))

type fixture struct {
	store  *store.Store
	signer *signer.Signer
	clock  *testutil.StepClock
	ledger *ledger.Ledger
	audit  *audit.Log
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	sgn := signer.New()
	require.NoError(t, sgn.Initialize(testutil.TestSeed()))

	return &fixture{
		store:  s,
		signer: sgn,
		clock:  testutil.NewFrozenClock(),
		ledger: ledger.New(s.DB()),
		audit:  audit.New(s.DB()),
	}
}

func (f *fixture) authority(sgn Signer, opts ...Option) *Authority {
	opts = append([]Option{
		WithClock(f.clock.Now),
		WithIDGenerator(testutil.NewSequentialIDs("req")),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return NewAuthority(f.store, sgn, opts...)
}

func (f *fixture) credit(t *testing.T, holder, asset string, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), holder, asset, amount)
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, holder, asset string) int64 {
	t.Helper()
	got, err := f.ledger.Balance(context.Background(), holder, asset)
	require.NoError(t, err)
	return got
}

func (f *fixture) outbound(t *testing.T) []audit.Record {
	t.Helper()
	records, err := f.audit.List(context.Background(), audit.Filter{Direction: audit.Outbound})
	require.NoError(t, err)
	return records
}

func failingEncoder(proof.Attestation) ([]byte, error) {
	return nil, bridgeerr.New(bridgeerr.CodeEncodingError, "injected encoding fault")
}

func TestRequestBridgeOut_DebitThenRefuse(t *testing.T) {
	f := setup(t)
	a := f.authority(f.signer)
	ctx := context.Background()
	f.credit(t, alice, "FIRE", 1000)

	res, err := a.RequestBridgeOut(ctx, Request{Holder: alice, Asset: "FIRE", Amount: 400})
	require.NoError(t, err)
	assert.Equal(t, "req-0001", res.RequestID)
	assert.Len(t, res.Signature, signer.SignatureSize)
	assert.Equal(t, testutil.Epoch.Unix(), res.Timestamp)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(600), f.balance(t, alice, "FIRE"))

	_, err = a.RequestBridgeOut(ctx, Request{Holder: alice, Asset: "FIRE", Amount: 700})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridgeerr.InsufficientBalance))
	assert.Equal(t, int64(600), f.balance(t, alice, "FIRE"))

	// The refused request left no reservation and no audit record.
	_, err = a.RequestStatus(ctx, "req-0002")
	assert.True(t, errors.Is(err, bridgeerr.NotFound))
	assert.Len(t, f.outbound(t), 1)
}

func TestRequestBridgeOut_SignatureVerifiesOverCanonicalBytes(t *testing.T) {
	f := setup(t)
	a := f.authority(f.signer)
	f.credit(t, alice, "FIRE", 1000)

	res, err := a.RequestBridgeOut(context.Background(), Request{Holder: alice, Asset: "FIRE", Amount: 400})
	require.NoError(t, err)

	msg, err := proof.Encode(proof.Attestation{
		AssetID:  "FIRE",
		Amount:   400,
		Holder:   testutil.Holder(1),
		IssuedAt: res.Timestamp,
	})
	require.NoError(t, err)

	pub, err := f.signer.PublicIdentity()
	require.NoError(t, err)
	assert.True(t, signer.Verify(res.Signature, msg, pub))

	for i := range msg {
		tampered := append([]byte(nil), msg...)
		tampered[i] ^= 0x01
		assert.False(t, signer.Verify(res.Signature, tampered, pub), "byte %d", i)
	}
}

func TestRequestBridgeOut_WritesOutboundAudit(t *testing.T) {
	f := setup(t)
	a := f.authority(f.signer)
	ctx := context.Background()
	f.credit(t, alice, "FIRE", 1000)

	res, err := a.RequestBridgeOut(ctx, Request{Holder: alice, Asset: "FIRE", Amount: 250, RequestID: "order-7"})
	require.NoError(t, err)

	rec, err := f.audit.FindByRequestID(ctx, "order-7")
	require.NoError(t, err)
	assert.Equal(t, audit.Outbound, rec.Direction)
	assert.Equal(t, "FIRE", rec.Asset)
	assert.Equal(t, int64(250), rec.Amount)
	assert.Equal(t, alice, rec.Counterparty)
	assert.Equal(t, base58.Encode(res.Signature), rec.ExternalRef)

	status, err := a.RequestStatus(ctx, "order-7")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestIssued, status.Status)
	assert.Equal(t, res.Signature, status.Signature)
	assert.Equal(t, res.Timestamp, status.IssuedAt)
}

func TestRequestBridgeOut_AuditFaultKeepsIssuedProof(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.credit(t, alice, "FIRE", 1000)

	_, err := f.store.DB().Exec(`
		CREATE TRIGGER audit_log_unavailable BEFORE INSERT ON audit_log
		BEGIN
			SELECT RAISE(ABORT, 'audit log unavailable');
		END
	`)
	require.NoError(t, err)

	var logs bytes.Buffer
	a := f.authority(f.signer, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	req := Request{Holder: alice, Asset: "FIRE", Amount: 400, RequestID: "order-9"}

	first, err := a.RequestBridgeOut(ctx, req)
	require.NoError(t, err)
	assert.Len(t, first.Signature, signer.SignatureSize)
	assert.Equal(t, int64(600), f.balance(t, alice, "FIRE"), "debit stands")
	assert.Contains(t, logs.String(), "outbound audit append failed after issue")
	assert.Empty(t, f.outbound(t))

	status, err := a.RequestStatus(ctx, "order-9")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestIssued, status.Status)
	assert.Equal(t, first.Signature, status.Signature)
	assert.Equal(t, first.Timestamp, status.IssuedAt)

	again, err := a.RequestBridgeOut(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Signature, again.Signature)
	assert.Equal(t, int64(600), f.balance(t, alice, "FIRE"))

	stale, err := f.ledger.StalePending(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestRequestBridgeOut_InvalidAmountChangesNothing(t *testing.T) {
	f := setup(t)
	a := f.authority(f.signer)
	f.credit(t, alice, "FIRE", 1000)

	for _, amount := range []int64{0, -5} {
		_, err := a.RequestBridgeOut(context.Background(), Request{Holder: alice, Asset: "FIRE", Amount: amount})
		assert.True(t, errors.Is(err, bridgeerr.InvalidAmount))
	}
	assert.Equal(t, int64(1000), f.balance(t, alice, "FIRE"))
	assert.Empty(t, f.outbound(t))
}

func TestRequestBridgeOut_CompensatesEncodingFault(t *testing.T) {
	f := setup(t)
	a := f.authority(f.signer, WithEncoder(failingEncoder))
	ctx := context.Background()
	f.credit(t, alice, "FIRE", 1000)

	_, err := a.RequestBridgeOut(ctx, Request{Holder: alice, Asset: "FIRE", Amount: 400, RequestID: "r1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridgeerr.EncodingError))

	assert.Equal(t, int64(1000), f.balance(t, alice, "FIRE"))
	assert.Empty(t, f.outbound(t))

	status, err := a.RequestStatus(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestFailed, status.Status)
}

func TestRequestBridgeOut_CompensatesUninitializedSigner(t *testing.T) {
	f := setup(t)
	a := f.authority(signer.New())
	f.credit(t, alice, "FIRE", 1000)

	_, err := a.RequestBridgeOut(context.Background(), Request{Holder: alice, Asset: "FIRE", Amount: 400})
	require.Error(t, err)
	assert.True(t, errors.Is(err, bridgeerr.NotInitialized))
	assert.Equal(t, int64(1000), f.balance(t, alice, "FIRE"))
}

func TestRequestBridgeOut_CompensatesMalformedHolder(t *testing.T) {
	f := setup(t)
	a := f.authority(f.signer)

	tests := []struct {
		name   string
		holder string
	}{
		{"not base58", "player-0OIl"},
		{"wrong length", base58.Encode([]byte{1, 2, 3})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.credit(t, tt.holder, "FIRE", 10)

			_, err := a.RequestBridgeOut(context.Background(), Request{Holder: tt.holder, Asset: "FIRE", Amount: 10})
			assert.True(t, errors.Is(err, bridgeerr.EncodingError))
			assert.Equal(t, int64(10), f.balance(t, tt.holder, "FIRE"))
		})
	}
}

func TestRequestBridgeOut_CompensatesAfterCancellation(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enc := func(proof.Attestation) ([]byte, error) {
		cancel()
		return nil, bridgeerr.New(bridgeerr.CodeEncodingError, "injected after cancel")
	}
	a := f.authority(f.signer, WithEncoder(enc))
	f.credit(t, alice, "FIRE", 100)

	_, err := a.RequestBridgeOut(ctx, Request{Holder: alice, Asset: "FIRE", Amount: 100})
	require.Error(t, err)
	assert.Equal(t, int64(100), f.balance(t, alice, "FIRE"))
}

func TestRequestBridgeOut_ReplayReturnsStoredProof(t *testing.T) {
	f := setup(t)
	a := f.authority(f.signer)
	ctx := context.Background()
	f.credit(t, alice, "FIRE", 1000)
	req := Request{Holder: alice, Asset: "FIRE", Amount: 400, RequestID: "order-1"}

	first, err := a.RequestBridgeOut(ctx, req)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	second, err := a.RequestBridgeOut(ctx, req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Signature, second.Signature)
	assert.Equal(t, first.Timestamp, second.Timestamp)
	assert.Equal(t, int64(600), f.balance(t, alice, "FIRE"), "replay must not debit again")
	assert.Len(t, f.outbound(t), 1)
}

func TestRequestBridgeOut_MismatchedRetry(t *testing.T) {
	f := setup(t)
	a := f.authority(f.signer)
	ctx := context.Background()
	f.credit(t, alice, "FIRE", 1000)

	_, err := a.RequestBridgeOut(ctx, Request{Holder: alice, Asset: "FIRE", Amount: 400, RequestID: "order-1"})
	require.NoError(t, err)

	_, err = a.RequestBridgeOut(ctx, Request{Holder: alice, Asset: "FIRE", Amount: 401, RequestID: "order-1"})
	assert.True(t, errors.Is(err, bridgeerr.RequestMismatch))
	assert.Equal(t, int64(600), f.balance(t, alice, "FIRE"))
}

func TestRequestBridgeOut_FailedRequestCanBeRetried(t *testing.T) {
	f := setup(t)
	var calls atomic.Int32
	flaky := func(att proof.Attestation) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, bridgeerr.New(bridgeerr.CodeEncodingError, "first call fails")
		}
		return proof.Encode(att)
	}
	a := f.authority(f.signer, WithEncoder(flaky))
	ctx := context.Background()
	f.credit(t, alice, "FIRE", 1000)
	req := Request{Holder: alice, Asset: "FIRE", Amount: 400, RequestID: "order-1"}

	_, err := a.RequestBridgeOut(ctx, req)
	require.Error(t, err)
	assert.Equal(t, int64(1000), f.balance(t, alice, "FIRE"))

	res, err := a.RequestBridgeOut(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(600), f.balance(t, alice, "FIRE"))
}

// gatedSigner blocks in Sign until released, so a test can observe a request
// between its debit and its issue.
type gatedSigner struct {
	inner   Signer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedSigner) Sign(msg []byte) ([]byte, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.inner.Sign(msg)
}

func TestRequestBridgeOut_InFlightRetry(t *testing.T) {
	f := setup(t)
	gate := &gatedSigner{inner: f.signer, entered: make(chan struct{}), release: make(chan struct{})}
	a := f.authority(gate)
	ctx := context.Background()
	f.credit(t, alice, "FIRE", 1000)
	req := Request{Holder: alice, Asset: "FIRE", Amount: 400, RequestID: "order-1"}

	done := make(chan error, 1)
	go func() {
		_, err := a.RequestBridgeOut(ctx, req)
		done <- err
	}()
	<-gate.entered

	// The debit committed before signing started.
	assert.Equal(t, int64(600), f.balance(t, alice, "FIRE"))

	_, err := a.RequestBridgeOut(ctx, req)
	assert.True(t, errors.Is(err, bridgeerr.RequestInFlight))

	status, err := a.RequestStatus(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestPending, status.Status)

	close(gate.release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(600), f.balance(t, alice, "FIRE"))
}

func TestRequestBridgeOut_ConcurrentRequestsNeverOverdraw(t *testing.T) {
	f := setup(t)
	a := f.authority(f.signer)
	ctx := context.Background()
	f.credit(t, alice, "FIRE", 1000)

	const workers = 20
	var (
		wg      sync.WaitGroup
		issued  atomic.Int64
		refused atomic.Int64
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.RequestBridgeOut(ctx, Request{
				Holder: alice, Asset: "FIRE", Amount: 100, RequestID: fmt.Sprintf("c-%02d", i),
			})
			switch {
			case err == nil:
				issued.Add(1)
			case errors.Is(err, bridgeerr.InsufficientBalance):
				refused.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(10), issued.Load())
	assert.Equal(t, int64(10), refused.Load())
	assert.Equal(t, int64(0), f.balance(t, alice, "FIRE"))
	assert.Len(t, f.outbound(t), 10)
}

func TestRequestBridgeOut_DuplicateIDConcurrentlyDebitsOnce(t *testing.T) {
	f := setup(t)
	a := f.authority(f.signer)
	ctx := context.Background()
	f.credit(t, alice, "FIRE", 1000)
	req := Request{Holder: alice, Asset: "FIRE", Amount: 100, RequestID: "same"}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.RequestBridgeOut(ctx, req)
			if err != nil && !errors.Is(err, bridgeerr.RequestInFlight) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(900), f.balance(t, alice, "FIRE"))
	assert.Len(t, f.outbound(t), 1)
}

func TestUUIDv7Generator(t *testing.T) {
	var g UUIDv7Generator
	a, b := g.Generate(), g.Generate()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b, "UUIDv7 ids sort by creation time")
}
