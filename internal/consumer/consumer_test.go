package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/bridgekeeper/internal/audit"
	"github.com/roach88/bridgekeeper/internal/bridgeerr"
	"github.com/roach88/bridgekeeper/internal/chain"
	"github.com/roach88/bridgekeeper/internal/ledger"
	"github.com/roach88/bridgekeeper/internal/metrics"
	"github.com/roach88/bridgekeeper/internal/store"
	"github.com/roach88/bridgekeeper/internal/testutil"
)

type fixture struct {
	store   *store.Store
	ledger  *ledger.Ledger
	audit   *audit.Log
	metrics *metrics.Metrics
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return &fixture{
		store:   s,
		ledger:  ledger.New(s.DB()),
		audit:   audit.New(s.DB()),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
}

func (f *fixture) consumer(opts ...Option) *Consumer {
	opts = append([]Option{
		WithClock(testutil.NewFrozenClock().Now),
		WithMetrics(f.metrics),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)
	return New(f.store, opts...)
}

func (f *fixture) pooled(t *testing.T, asset string) int64 {
	t.Helper()
	p, err := f.ledger.Pool(context.Background(), asset)
	if errors.Is(err, bridgeerr.NotFound) {
		return 0
	}
	require.NoError(t, err)
	return p.Amount
}

func (f *fixture) inbound(t *testing.T) []audit.Record {
	t.Helper()
	records, err := f.audit.List(context.Background(), audit.Filter{Direction: audit.Inbound})
	require.NoError(t, err)
	return records
}

func event(ref, asset string, amount int64) chain.Notification {
	n := note(ref)
	n.AssetID = asset
	n.Amount = amount
	return n
}

func TestHandle_CreditsPoolAndRecords(t *testing.T) {
	f := setup(t)
	c := f.consumer()
	ctx := context.Background()

	outcome, err := c.Handle(ctx, event("tx-1", "FIRE", 250))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, outcome)
	assert.Equal(t, int64(250), f.pooled(t, "FIRE"))

	records := f.inbound(t)
	require.Len(t, records, 1)
	assert.Equal(t, "tx-1", records[0].ExternalRef)
	assert.Equal(t, "FIRE", records[0].Asset)
	assert.Equal(t, int64(250), records[0].Amount)
	assert.Equal(t, "gov1", records[0].Counterparty)
	assert.Equal(t, testutil.Epoch, records[0].RecordedAt.UTC())

	p, err := f.ledger.Pool(ctx, "FIRE")
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultPoolCeiling, p.MaxCapacity)
}

func TestHandle_DuplicateDeliveryCreditsOnce(t *testing.T) {
	f := setup(t)
	c := f.consumer()
	ctx := context.Background()

	first, err := c.Handle(ctx, event("tx-1", "FIRE", 100))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, first)

	second, err := c.Handle(ctx, event("tx-1", "FIRE", 100))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeduplicated, second)

	assert.Equal(t, int64(100), f.pooled(t, "FIRE"))
	assert.Len(t, f.inbound(t), 1)
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.EventsTotal.WithLabelValues("deduplicated")))
}

func TestHandle_ConcurrentDuplicatesCreditOnce(t *testing.T) {
	f := setup(t)
	c := f.consumer()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := c.Handle(context.Background(), event("tx-dup", "FIRE", 40))
			assert.NoError(t, err)
			mu.Lock()
			outcomes[outcome]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[OutcomeCredited])
	assert.Equal(t, 9, outcomes[OutcomeDeduplicated])
	assert.Equal(t, int64(40), f.pooled(t, "FIRE"))
	assert.Len(t, f.inbound(t), 1)
}

func TestHandle_CapacityRejectedLeavesNoTrace(t *testing.T) {
	f := setup(t)
	c := f.consumer()
	ctx := context.Background()

	require.NoError(t, f.ledger.SetCeiling(ctx, "FIRE", 1000))
	_, err := c.Handle(ctx, event("tx-1", "FIRE", 900))
	require.NoError(t, err)

	outcome, err := c.Handle(ctx, event("tx-2", "FIRE", 200))
	assert.Equal(t, OutcomeCapacityRejected, outcome)
	assert.True(t, errors.Is(err, bridgeerr.CapacityExceeded))

	assert.Equal(t, int64(900), f.pooled(t, "FIRE"))
	assert.Len(t, f.inbound(t), 1)

	seen, err := f.audit.SeenInbound(ctx, "tx-2")
	require.NoError(t, err)
	assert.False(t, seen, "rejected event must stay unrecorded")

	// Redelivery after the ceiling is raised succeeds.
	require.NoError(t, f.ledger.SetCeiling(ctx, "FIRE", 2000))
	outcome, err = c.Handle(ctx, event("tx-2", "FIRE", 200))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, outcome)
	assert.Equal(t, int64(1100), f.pooled(t, "FIRE"))
}

func TestHandle_ExactCeilingAccepted(t *testing.T) {
	f := setup(t)
	c := f.consumer(WithDefaultCeiling(500))

	outcome, err := c.Handle(context.Background(), event("tx-1", "ICE", 500))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, outcome)

	outcome, err = c.Handle(context.Background(), event("tx-2", "ICE", 1))
	assert.Equal(t, OutcomeCapacityRejected, outcome)
	require.Error(t, err)
}

func TestHandle_InvalidNotification(t *testing.T) {
	f := setup(t)
	c := f.consumer()

	tests := []struct {
		name   string
		mutate func(*chain.Notification)
	}{
		{"zero amount", func(n *chain.Notification) { n.Amount = 0 }},
		{"negative amount", func(n *chain.Notification) { n.Amount = -5 }},
		{"missing reference", func(n *chain.Notification) { n.Reference = "" }},
		{"missing asset", func(n *chain.Notification) { n.AssetID = "" }},
		{"unknown version", func(n *chain.Notification) { n.Version = 99 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := note("tx-bad")
			tt.mutate(&n)
			outcome, err := c.Handle(context.Background(), n)
			assert.Equal(t, OutcomeInvalid, outcome)
			assert.True(t, errors.Is(err, chain.ErrInvalidNotification))
		})
	}
	assert.Empty(t, f.inbound(t))
}

func TestProcess_RetriesStorageFaults(t *testing.T) {
	f := setup(t)
	c := f.consumer(WithMaxAttempts(4))
	c.beforeAttempt = func(attempt int) error {
		if attempt < 3 {
			return bridgeerr.New(bridgeerr.CodeStorageUnavailable, "database is locked")
		}
		return nil
	}

	outcome, err := c.Process(context.Background(), event("tx-1", "FIRE", 70))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, outcome)
	assert.Equal(t, int64(70), f.pooled(t, "FIRE"))
	assert.Equal(t, 2.0, promtest.ToFloat64(f.metrics.EventRetries))
}

func TestProcess_GivesUpAfterMaxAttempts(t *testing.T) {
	f := setup(t)
	c := f.consumer(WithMaxAttempts(3))
	attempts := 0
	c.beforeAttempt = func(int) error {
		attempts++
		return bridgeerr.New(bridgeerr.CodeStorageUnavailable, "disk I/O error")
	}

	outcome, err := c.Process(context.Background(), event("tx-1", "FIRE", 70))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.True(t, errors.Is(err, bridgeerr.StorageUnavailable))
	assert.Equal(t, 3, attempts)
	assert.Equal(t, int64(0), f.pooled(t, "FIRE"))
	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.EventsTotal.WithLabelValues("failed")))
}

func TestProcess_DoesNotRetryCapacityRejection(t *testing.T) {
	f := setup(t)
	c := f.consumer(WithDefaultCeiling(10))
	attempts := 0
	c.beforeAttempt = func(int) error {
		attempts++
		return nil
	}

	outcome, err := c.Process(context.Background(), event("tx-1", "FIRE", 70))
	assert.Equal(t, OutcomeCapacityRejected, outcome)
	assert.True(t, errors.Is(err, bridgeerr.CapacityExceeded))
	assert.Equal(t, 1, attempts)
}

func TestRun_ProcessesBacklogInOrder(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	require.NoError(t, f.ledger.SetCeiling(ctx, "ICE", 100))

	var (
		mu   sync.Mutex
		seen []Outcome
		refs []string
	)
	c := f.consumer(WithObserver(func(n chain.Notification, outcome Outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, outcome)
		refs = append(refs, n.Reference)
	}))

	backlog := []chain.Notification{
		event("tx-1", "FIRE", 10),
		event("tx-2", "ICE", 60),
		event("tx-1", "FIRE", 10),
		event("tx-3", "ICE", 60),
		event("tx-4", "FIRE", 0),
		event("tx-5", "FIRE", 5),
	}
	for _, n := range backlog {
		require.True(t, c.Enqueue(n))
	}
	assert.Equal(t, len(backlog), c.Pending())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == len(backlog)
	}, 5*time.Second, 10*time.Millisecond)

	c.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	assert.Equal(t, []string{"tx-1", "tx-2", "tx-1", "tx-3", "tx-4", "tx-5"}, refs)
	assert.Equal(t, []Outcome{
		OutcomeCredited,
		OutcomeCredited,
		OutcomeDeduplicated,
		OutcomeCapacityRejected,
		OutcomeInvalid,
		OutcomeCredited,
	}, seen)

	assert.Equal(t, int64(15), f.pooled(t, "FIRE"))
	assert.Equal(t, int64(60), f.pooled(t, "ICE"))
	assert.Len(t, f.inbound(t), 3)
	assert.False(t, c.Enqueue(event("tx-6", "FIRE", 1)), "enqueue after stop")
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := setup(t)
	c := f.consumer()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.True(t, c.Enqueue(event("tx-1", "FIRE", 10)))
	require.Eventually(t, func() bool { return f.pooled(t, "FIRE") == 10 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, c.Enqueue(event("tx-2", "FIRE", 10)))
}

func TestRun_InFlightEventCompletesAfterCancel(t *testing.T) {
	f := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	entered := make(chan struct{})
	release := make(chan struct{})
	c := f.consumer()
	c.beforeAttempt = func(int) error {
		close(entered)
		<-release
		return nil
	}

	require.True(t, c.Enqueue(event("tx-1", "FIRE", 10)))
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	<-entered
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, int64(10), f.pooled(t, "FIRE"))
	assert.Len(t, f.inbound(t), 1)
}
