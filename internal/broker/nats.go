package broker

import (
	"context"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSSubscriber wraps a *nats.Conn. NATS subjects use "." as the
// hierarchy separator where the spec's topics use "/"; Subscribe
// translates at the boundary so the rest of the pipeline never has to
// know which transport delivered a message.
type NATSSubscriber struct {
	conn *nats.Conn
}

// NATSPublisher wraps a *nats.Conn for outbound ops-event publishing.
type NATSPublisher struct {
	conn *nats.Conn
}

// Connect dials a NATS server, identifying this client by clientID.
func Connect(url, clientID string) (*nats.Conn, error) {
	conn, err := nats.Connect(url, nats.Name(clientID))
	if err != nil {
		return nil, fmt.Errorf("broker: connecting to %s: %w", url, err)
	}
	return conn, nil
}

// NewNATSSubscriber wraps conn for inbound telemetry/event subjects.
func NewNATSSubscriber(conn *nats.Conn) *NATSSubscriber {
	return &NATSSubscriber{conn: conn}
}

// NewNATSPublisher wraps conn for outbound ops-event subjects.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// subjectToTopic converts a NATS subject (roaster.acme.main-st.r1.telemetry)
// into the spec's slash-delimited topic shape.
func subjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// topicToSubject is the inverse, used by the publisher.
func topicToSubject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// Subscribe registers handler against a wildcard NATS subject derived
// from subjectFilter (which is given in the spec's slash shape, e.g.
// "roaster/*/*/*/telemetry"). It blocks until ctx is cancelled.
func (s *NATSSubscriber) Subscribe(ctx context.Context, subjectFilter string, handler Handler) error {
	subject := topicToSubject(subjectFilter)
	sub, err := s.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(ctx, Message{Topic: subjectToTopic(msg.Subject), Payload: msg.Data})
	})
	if err != nil {
		return fmt.Errorf("broker: subscribing to %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

// Publish implements Publisher over the spec's slash-delimited topic
// shape, translating to NATS's dot-delimited subjects.
func (p *NATSPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := p.conn.Publish(topicToSubject(topic), payload); err != nil {
		return fmt.Errorf("broker: publishing to %s: %w", topic, err)
	}
	return nil
}

// Close closes the underlying connection without draining it.
func (p *NATSPublisher) Close() error {
	p.conn.Close()
	return nil
}
