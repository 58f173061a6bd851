package closure

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/roastery/ingest/internal/broker"
	"github.com/roastery/ingest/internal/envelope"
	"github.com/roastery/ingest/internal/store"
	"github.com/roastery/ingest/internal/trust"
)

func newTestStoreWithClosedSession(t *testing.T, sessionID string) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	started := time.Now().Add(-10 * time.Minute)
	bt := 180.0
	if err := st.PersistTelemetry(ctx, originFor(), sessionID, started, envelope.TelemetrySample{
		TS: started, MachineID: "r1", ElapsedSeconds: 1, BtC: &bt,
	}, trust.Annotation{Verified: true}); err != nil {
		t.Fatalf("PersistTelemetry: %v", err)
	}
	if _, err := st.PersistEvent(ctx, originFor(), sessionID, started, envelope.RoastEvent{
		TS: time.Now(), MachineID: "r1", Type: envelope.EventDrop, Payload: []byte(`{"elapsedSeconds":600}`),
	}); err != nil {
		t.Fatalf("PersistEvent DROP: %v", err)
	}
	return st
}

func originFor() envelope.Origin {
	return envelope.Origin{OrgID: "acme", SiteID: "main-st", MachineID: "r1"}
}

func TestHandleIsIdempotentOnceReportExists(t *testing.T) {
	st := newTestStoreWithClosedSession(t, "S1")
	if _, err := st.CreateReport(context.Background(), "S1", defaultReportKind, map[string]interface{}{}); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}

	pub := broker.NewFakePublisher()
	o := New(Config{OpsEventsEnabled: true, KernelEnqueueFallback: true}, st, pub)
	o.Handle(context.Background(), "S1", originFor(), store.CloseReasonDrop)

	if len(pub.Published) != 0 {
		t.Errorf("expected no publish when report already exists, got %d", len(pub.Published))
	}
}

func TestHandlePublishesOpsEventOnClose(t *testing.T) {
	st := newTestStoreWithClosedSession(t, "S2")
	pub := broker.NewFakePublisher()
	o := New(Config{OpsEventsEnabled: true}, st, pub)

	o.Handle(context.Background(), "S2", originFor(), store.CloseReasonDrop)

	if len(pub.Published) != 1 {
		t.Fatalf("expected 1 published ops event, got %d", len(pub.Published))
	}
	if pub.Published[0].Topic != "ops/acme/main-st/r1/session/closed" {
		t.Errorf("unexpected ops topic: %s", pub.Published[0].Topic)
	}
}

func TestHandleEnqueuesOnPublishDisabledWithAutoReport(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newTestStoreWithClosedSession(t, "S3")
	o := New(Config{OpsEventsEnabled: false, AutoReportEnabled: true, KernelURL: srv.URL, KernelTimeout: 2 * time.Second}, st, nil)

	o.Handle(context.Background(), "S3", originFor(), store.CloseReasonDrop)

	if gotPath != "/missions" {
		t.Errorf("expected kernel enqueue to POST /missions, got %q", gotPath)
	}
}

func TestHandleEnqueuesAfterPublishWhenFallbackOn(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newTestStoreWithClosedSession(t, "S4")
	pub := broker.NewFakePublisher()
	o := New(Config{OpsEventsEnabled: true, KernelEnqueueFallback: true, KernelURL: srv.URL, KernelTimeout: 2 * time.Second}, st, pub)

	o.Handle(context.Background(), "S4", originFor(), store.CloseReasonDrop)

	if len(pub.Published) != 1 {
		t.Errorf("expected publish to occur, got %d", len(pub.Published))
	}
	if !hit {
		t.Error("expected kernel enqueue to also occur when fallback is on")
	}
}

func TestHandleNoOpWhenBothDisabled(t *testing.T) {
	st := newTestStoreWithClosedSession(t, "S5")
	o := New(Config{OpsEventsEnabled: false, AutoReportEnabled: false}, st, nil)
	o.Handle(context.Background(), "S5", originFor(), store.CloseReasonDrop) // must not panic
}
