package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-zeromq/zmq4"
)

// DefaultTopic is the subscription prefix used when none is configured.
const DefaultTopic = "bridge."

// DefaultDialWindow bounds how long Run keeps retrying an unreachable endpoint.
const DefaultDialWindow = time.Minute

// Subscriber receives notifications from the chain collaborator's ZeroMQ
// PUB socket. Messages are [topic, json-payload] frames; a single-frame
// message is treated as payload only.
type Subscriber struct {
	endpoint   string
	topic      string
	logger     *slog.Logger
	dialWindow time.Duration
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithDialWindow overrides DefaultDialWindow.
func WithDialWindow(d time.Duration) SubscriberOption {
	return func(s *Subscriber) {
		s.dialWindow = d
	}
}

// NewSubscriber creates a subscriber for endpoint (e.g. "tcp://127.0.0.1:5556").
func NewSubscriber(endpoint, topic string, logger *slog.Logger, opts ...SubscriberOption) *Subscriber {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{endpoint: endpoint, topic: topic, logger: logger, dialWindow: DefaultDialWindow}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run dials the endpoint and hands every valid notification to sink until
// ctx is cancelled or sink returns false. An unreachable endpoint is retried
// with exponential backoff for up to the dial window; a link lost after
// connecting is redialled the same way. Malformed messages are logged and
// skipped. Returns nil on clean shutdown, or the dial error once the window
// expires.
func (s *Subscriber) Run(ctx context.Context, sink Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pause := backoff.NewExponentialBackOff()
	for {
		received, err := s.session(ctx, sink)
		if ctx.Err() != nil {
			s.logger.Info("chain subscriber stopping", "endpoint", s.endpoint)
			return nil
		}
		var lost *linkError
		if !errors.As(err, &lost) {
			return err
		}

		if received {
			pause.Reset()
		}
		wait := pause.NextBackOff()
		s.logger.Warn("chain link lost, redialling",
			"endpoint", s.endpoint,
			"error", lost.err,
			"retry_in", wait,
		)
		select {
		case <-ctx.Done():
			s.logger.Info("chain subscriber stopping", "endpoint", s.endpoint)
			return nil
		case <-time.After(wait):
		}
	}
}

// linkError reports a connection that failed after it was established.
type linkError struct{ err error }

func (e *linkError) Error() string { return "receive: " + e.err.Error() }
func (e *linkError) Unwrap() error { return e.err }

// session runs one connection. It returns nil when sink closes, a
// *linkError when the established link fails, and any other error when the
// endpoint could not be reached or subscribed.
func (s *Subscriber) session(ctx context.Context, sink Sink) (received bool, err error) {
	sub, err := s.dial(ctx)
	if err != nil {
		return false, err
	}
	defer sub.Close()

	if err := sub.SetOption(zmq4.OptionSubscribe, s.topic); err != nil {
		return false, fmt.Errorf("subscribe %q: %w", s.topic, err)
	}

	s.logger.Info("chain subscriber started", "endpoint", s.endpoint, "topic", s.topic)

	for {
		msg, err := sub.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return received, nil
			}
			return received, &linkError{err: err}
		}
		received = true
		if len(msg.Frames) == 0 {
			continue
		}

		payload := msg.Frames[len(msg.Frames)-1]
		n, err := DecodeNotification(payload)
		if err != nil {
			s.logger.Warn("dropping malformed chain message",
				"endpoint", s.endpoint,
				"error", err,
			)
			continue
		}
		if !sink(n) {
			s.logger.Info("chain subscriber stopping: sink closed", "endpoint", s.endpoint)
			return received, nil
		}
	}
}

func (s *Subscriber) dial(ctx context.Context) (zmq4.Socket, error) {
	sock, err := backoff.Retry(ctx, func() (zmq4.Socket, error) {
		sock := zmq4.NewSub(ctx)
		if err := sock.Dial(s.endpoint); err != nil {
			sock.Close()
			return nil, err
		}
		return sock, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(s.dialWindow),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Warn("chain endpoint unreachable, retrying",
				"endpoint", s.endpoint,
				"error", err,
				"retry_in", next,
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.endpoint, err)
	}
	return sock, nil
}
