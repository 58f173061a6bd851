// Package broker abstracts the inbound pub/sub transport the
// ingestion core reads from. A Subscriber is injected into the
// ingestion loop so the same wiring code runs against a real NATS
// deployment or, in tests and the dev-mode simulator, an in-process
// fake -- the same dependency-injected-source idiom the teacher uses
// for its Source interface in internal/monitor/source.go.
package broker

import "context"

// Message is one inbound pub/sub message: a topic/subject string
// translated into the spec's roaster/{org}/{site}/{machine}/{suffix}
// shape, plus its raw payload bytes.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler processes one inbound message. Handlers are invoked from
// the Subscriber's own goroutine(s); a Handler must not block
// indefinitely or it will stall that shard's delivery.
type Handler func(ctx context.Context, msg Message)

// Subscriber is the inbound half of the broker abstraction.
type Subscriber interface {
	// Subscribe registers handler for all messages whose topic matches
	// subjectFilter (implementation-defined wildcard syntax). Subscribe
	// blocks until ctx is cancelled or an unrecoverable transport error
	// occurs, at which point it returns.
	Subscribe(ctx context.Context, subjectFilter string, handler Handler) error
}

// Publisher is the outbound half used by the closure orchestrator to
// emit ops events.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
