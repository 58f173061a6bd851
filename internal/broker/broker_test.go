package broker

import (
	"context"
	"testing"
	"time"
)

func TestFakeSubscriberDeliversMatchingTopic(t *testing.T) {
	sub := NewFakeSubscriber()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan Message, 1)
	go sub.Subscribe(ctx, "roaster/*/*/*/telemetry", func(ctx context.Context, msg Message) {
		received <- msg
	})
	time.Sleep(10 * time.Millisecond) // let Subscribe register its handler

	sub.Publish(ctx, Message{Topic: "roaster/acme/main-st/r1/telemetry", Payload: []byte("x")})
	sub.Publish(ctx, Message{Topic: "roaster/acme/main-st/r1/events", Payload: []byte("y")})

	select {
	case msg := <-received:
		if string(msg.Payload) != "x" {
			t.Errorf("expected telemetry payload, got %s", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected delivery of matching topic")
	}
}

func TestTopicMatchesFilter(t *testing.T) {
	cases := []struct {
		topic, filter string
		want          bool
	}{
		{"roaster/acme/main-st/r1/telemetry", "roaster/*/*/*/telemetry", true},
		{"roaster/acme/main-st/r1/events", "roaster/*/*/*/telemetry", false},
		{"roaster/acme/main-st/r1/telemetry", "roaster/acme/*/*/telemetry", true},
		{"roaster/acme/other/r1/telemetry", "roaster/acme/*/*/telemetry", true},
		{"roaster/other/main-st/r1/telemetry", "roaster/acme/*/*/telemetry", false},
	}
	for _, c := range cases {
		if got := topicMatchesFilter(c.topic, c.filter); got != c.want {
			t.Errorf("topicMatchesFilter(%q, %q) = %v, want %v", c.topic, c.filter, got, c.want)
		}
	}
}

func TestFakePublisherRecordsAndCanFail(t *testing.T) {
	pub := NewFakePublisher()
	if err := pub.Publish(context.Background(), "ops/acme/main-st/r1/session/closed", []byte("{}")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pub.Published) != 1 {
		t.Fatalf("expected 1 published message, got %d", len(pub.Published))
	}

	pub.FailNext = true
	if err := pub.Publish(context.Background(), "ops/x", []byte("{}")); err == nil {
		t.Fatal("expected FailNext to force an error")
	}
}
