package broker

import (
	"context"
	"strings"
	"sync"
)

// FakeSubscriber is an in-process Subscriber used by tests and by the
// dev-mode device simulator, which publishes directly into it instead
// of round-tripping through a real broker.
type FakeSubscriber struct {
	mu       sync.Mutex
	handlers []registeredHandler
}

type registeredHandler struct {
	filter  string
	handler Handler
}

// NewFakeSubscriber builds an empty FakeSubscriber.
func NewFakeSubscriber() *FakeSubscriber {
	return &FakeSubscriber{}
}

// Subscribe registers handler and blocks until ctx is cancelled, the
// same contract as NATSSubscriber.Subscribe.
func (f *FakeSubscriber) Subscribe(ctx context.Context, subjectFilter string, handler Handler) error {
	f.mu.Lock()
	f.handlers = append(f.handlers, registeredHandler{filter: subjectFilter, handler: handler})
	f.mu.Unlock()

	<-ctx.Done()
	return nil
}

// Publish delivers msg synchronously to every registered handler whose
// filter matches, the direct test/dev-mode injection point.
func (f *FakeSubscriber) Publish(ctx context.Context, msg Message) {
	f.mu.Lock()
	handlers := append([]registeredHandler(nil), f.handlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		if topicMatchesFilter(msg.Topic, h.filter) {
			h.handler(ctx, msg)
		}
	}
}

func topicMatchesFilter(topic, filter string) bool {
	topicParts := strings.Split(topic, "/")
	filterParts := strings.Split(filter, "/")
	if len(topicParts) != len(filterParts) {
		return false
	}
	for i, fp := range filterParts {
		if fp == "*" {
			continue
		}
		if fp != topicParts[i] {
			return false
		}
	}
	return true
}

// FakePublisher records published messages for test assertions instead
// of sending them anywhere.
type FakePublisher struct {
	mu        sync.Mutex
	Published []Message
	FailNext  bool
}

// NewFakePublisher builds an empty FakePublisher.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

func (f *FakePublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNext {
		f.FailNext = false
		return errFakePublishFailure
	}
	f.Published = append(f.Published, Message{Topic: topic, Payload: payload})
	return nil
}

func (f *FakePublisher) Close() error { return nil }

var errFakePublishFailure = fakePublishError{}

type fakePublishError struct{}

func (fakePublishError) Error() string { return "broker: fake publish failure" }
