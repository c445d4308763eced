package chain

import (
	"context"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// Publisher sends notifications on a ZeroMQ PUB socket. It stands in for the
// chain collaborator in tests.
type Publisher struct {
	sock  zmq4.Socket
	topic string
}

// NewPublisher binds a PUB socket on endpoint.
func NewPublisher(ctx context.Context, endpoint, topic string) (*Publisher, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	pub := zmq4.NewPub(ctx)
	if err := pub.Listen(endpoint); err != nil {
		pub.Close()
		return nil, fmt.Errorf("listen %s: %w", endpoint, err)
	}
	return &Publisher{sock: pub, topic: topic}, nil
}

// Endpoint returns the bound endpoint in dialable form, e.g.
// "tcp://127.0.0.1:40123" after listening on port 0.
func (p *Publisher) Endpoint() string {
	addr := p.sock.Addr()
	return addr.Network() + "://" + addr.String()
}

// Publish sends n as [topic+kind, json].
func (p *Publisher) Publish(n Notification) error {
	payload, err := EncodeNotification(n)
	if err != nil {
		return err
	}
	return p.sock.Send(zmq4.NewMsgFrom([]byte(p.topic+n.Kind), payload))
}

// Close closes the socket.
func (p *Publisher) Close() error {
	return p.sock.Close()
}
