package consumer

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/roach88/bridgekeeper/internal/audit"
	"github.com/roach88/bridgekeeper/internal/bridgeerr"
	"github.com/roach88/bridgekeeper/internal/chain"
	"github.com/roach88/bridgekeeper/internal/ledger"
	"github.com/roach88/bridgekeeper/internal/metrics"
	"github.com/roach88/bridgekeeper/internal/store"
)

// Outcome is the terminal state of one delivery of an event.
type Outcome string

const (
	// OutcomeCredited: pool credited and inbound record appended.
	OutcomeCredited Outcome = "credited"
	// OutcomeDeduplicated: the reference was already recorded; nothing changed.
	OutcomeDeduplicated Outcome = "deduplicated"
	// OutcomeCapacityRejected: the credit would exceed the pool ceiling;
	// nothing changed and the event stays retryable.
	OutcomeCapacityRejected Outcome = "capacity_rejected"
	// OutcomeInvalid: the notification failed schema validation.
	OutcomeInvalid Outcome = "invalid"
	// OutcomeFailed: storage kept failing after all attempts.
	OutcomeFailed Outcome = "failed"
)

// DefaultMaxAttempts bounds attempts for an event hitting storage faults.
const DefaultMaxAttempts = 5

// Observer is told the outcome of every event the Run loop processes.
type Observer func(n chain.Notification, outcome Outcome, err error)

// Consumer credits pools for chain burn events.
//
// Each event is one transaction: inbound dedup lookup, conditional pool
// credit, inbound audit append. Either all three commit or none do.
//
// Thread-safety model:
//   - Enqueue(), Sink(), Stop(): safe from any goroutine
//   - Handle(), Process(): safe from any goroutine; the store serializes them
//   - Run(): must be called from exactly one goroutine
type Consumer struct {
	store          *store.Store
	inbox          *inbox
	now            func() time.Time
	defaultCeiling int64
	maxAttempts    int
	newBackOff     func() backoff.BackOff
	metrics        *metrics.Metrics
	logger         *slog.Logger
	observer       Observer

	// beforeAttempt lets tests inject storage faults.
	beforeAttempt func(attempt int) error
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithClock overrides the clock used for audit and pool timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Consumer) {
		c.now = now
	}
}

// WithDefaultCeiling sets the ceiling for pools first seen by the consumer.
func WithDefaultCeiling(ceiling int64) Option {
	return func(c *Consumer) {
		c.defaultCeiling = ceiling
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(c *Consumer) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithBackOff overrides the exponential retry policy. The factory is called
// once per event.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(c *Consumer) {
		c.newBackOff = newBackOff
	}
}

// WithMetrics records outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// WithLogger overrides slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = l
	}
}

// WithObserver registers a callback for every processed event.
func WithObserver(o Observer) Option {
	return func(c *Consumer) {
		c.observer = o
	}
}

// New creates a Consumer over s.
func New(s *store.Store, opts ...Option) *Consumer {
	c := &Consumer{
		store:          s,
		inbox:          newInbox(),
		now:            time.Now,
		defaultCeiling: ledger.DefaultPoolCeiling,
		maxAttempts:    DefaultMaxAttempts,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enqueue submits n for processing by the Run loop.
// Returns false once the consumer has been stopped.
func (c *Consumer) Enqueue(n chain.Notification) bool {
	ok := c.inbox.Enqueue(n)
	c.metrics.UpdateInboxDepth(c.inbox.Len())
	return ok
}

// Sink adapts Enqueue for chain sources.
func (c *Consumer) Sink() chain.Sink {
	return c.Enqueue
}

// Pending returns the number of events waiting in the inbox.
func (c *Consumer) Pending() int {
	return c.inbox.Len()
}

// Run drains the inbox until ctx is cancelled or Stop is called.
// Blocks; must be called from exactly one goroutine.
//
// An event already being processed when ctx is cancelled runs to completion
// on a detached context, so shutdown never leaves a half-applied event.
// Events still queued at shutdown are dropped; the chain collaborator
// redelivers them.
func (c *Consumer) Run(ctx context.Context) error {
	runID := uuid.Must(uuid.NewV7()).String()
	logger := c.logger.With("run_id", runID)
	logger.Info("event consumer starting")

	for {
		if ctx.Err() != nil {
			return c.stopCancelled(ctx, logger)
		}

		n, ok := c.inbox.TryDequeue()
		if ok {
			c.metrics.UpdateInboxDepth(c.inbox.Len())
			outcome, err := c.Process(ctx, n)
			if c.observer != nil {
				c.observer(n, outcome, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return c.stopCancelled(ctx, logger)

		case <-c.inbox.Wait():
			// Closed inbox keeps signalling; leave once it is empty.
			if c.inbox.Drained() {
				logger.Info("event consumer stopping: inbox closed")
				return nil
			}
		}
	}
}

func (c *Consumer) stopCancelled(ctx context.Context, logger *slog.Logger) error {
	c.inbox.Close()
	logger.Info("event consumer stopping: context cancelled", "dropped", c.inbox.Len())
	return ctx.Err()
}

// Stop closes the inbox, which makes Run return after draining it.
func (c *Consumer) Stop() {
	c.inbox.Close()
}

// Process handles n, retrying storage faults with backoff up to the
// configured attempts. Retries stop early when ctx is cancelled; an attempt
// already started always finishes.
func (c *Consumer) Process(ctx context.Context, n chain.Notification) (Outcome, error) {
	attempt := 0
	op := func() (Outcome, error) {
		attempt++
		if c.beforeAttempt != nil {
			if err := c.beforeAttempt(attempt); err != nil {
				return OutcomeFailed, err
			}
		}
		outcome, err := c.Handle(context.WithoutCancel(ctx), n)
		if err != nil && bridgeerr.CodeOf(err) != bridgeerr.CodeStorageUnavailable {
			return outcome, backoff.Permanent(err)
		}
		return outcome, err
	}

	outcome, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.metrics.RecordRetry()
			c.logger.Warn("retrying chain event",
				"reference", n.Reference,
				"asset", n.AssetID,
				"attempt", attempt,
				"next", next,
				"error", err,
			)
		}),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if err != nil && outcome != OutcomeCapacityRejected && outcome != OutcomeInvalid {
		outcome = OutcomeFailed
		c.logger.Error("chain event dropped after storage faults",
			"reference", n.Reference,
			"asset", n.AssetID,
			"amount", n.Amount,
			"attempts", attempt,
			"error", err,
		)
		c.metrics.RecordEvent(string(OutcomeFailed), n.AssetID, n.Amount)
	}
	return outcome, err
}

// Handle makes one attempt at n in a single transaction.
//
// A duplicate reference is a success with OutcomeDeduplicated. A capacity
// refusal returns OutcomeCapacityRejected with a CAPACITY_EXCEEDED error and
// leaves no trace, so the same event can be delivered again later.
func (c *Consumer) Handle(ctx context.Context, n chain.Notification) (Outcome, error) {
	if err := n.Validate(); err != nil {
		c.logger.Warn("rejecting invalid chain event", "reference", n.Reference, "error", err)
		c.metrics.RecordEvent(string(OutcomeInvalid), n.AssetID, n.Amount)
		return OutcomeInvalid, err
	}

	outcome := OutcomeCredited
	var pooled int64
	err := c.store.WithTx(ctx, func(tx *sql.Tx) error {
		log := audit.New(tx, audit.WithClock(c.now))

		seen, err := log.SeenInbound(ctx, n.Reference)
		if err != nil {
			return err
		}
		if seen {
			outcome = OutcomeDeduplicated
			return nil
		}

		l := ledger.New(tx, ledger.WithClock(c.now), ledger.WithDefaultCeiling(c.defaultCeiling))
		if pooled, err = l.CreditPool(ctx, n.AssetID, n.Amount); err != nil {
			return err
		}

		_, err = log.Append(ctx, audit.Record{
			Direction:    audit.Inbound,
			Asset:        n.AssetID,
			Amount:       n.Amount,
			Counterparty: n.Counterparty,
			ExternalRef:  n.Reference,
		})
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, bridgeerr.DuplicateReference):
		outcome, err = OutcomeDeduplicated, nil
	case errors.Is(err, bridgeerr.CapacityExceeded):
		c.logger.Warn("pool capacity exceeded, event left unprocessed",
			"reference", n.Reference,
			"asset", n.AssetID,
			"amount", n.Amount,
			"error", err,
		)
		c.metrics.RecordEvent(string(OutcomeCapacityRejected), n.AssetID, n.Amount)
		return OutcomeCapacityRejected, err
	default:
		return OutcomeFailed, bridgeerr.Storage("process chain event", err)
	}

	switch outcome {
	case OutcomeDeduplicated:
		c.logger.Debug("duplicate chain event ignored", "reference", n.Reference, "asset", n.AssetID)
	default:
		c.logger.Info("pool credited",
			"reference", n.Reference,
			"asset", n.AssetID,
			"amount", n.Amount,
			"pooled", pooled,
			"counterparty", n.Counterparty,
		)
	}
	c.metrics.RecordEvent(string(outcome), n.AssetID, n.Amount)
	return outcome, nil
}
