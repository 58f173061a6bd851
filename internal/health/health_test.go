package health

import (
	"context"
	"errors"
	"testing"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestCheckReportsOkWhenDBHealthy(t *testing.T) {
	r := New(fakePinger{}, func() int { return 3 })
	snap := r.Check(context.Background())

	if snap.Status != "ok" {
		t.Errorf("expected status ok, got %q", snap.Status)
	}
	if !snap.DBOk {
		t.Error("expected DBOk true")
	}
	if snap.ActiveSessions != 3 {
		t.Errorf("expected ActiveSessions 3, got %d", snap.ActiveSessions)
	}
	if snap.Goroutines <= 0 {
		t.Error("expected a positive goroutine count")
	}
}

func TestCheckDegradesWhenDBUnreachable(t *testing.T) {
	r := New(fakePinger{err: errors.New("boom")}, nil)
	snap := r.Check(context.Background())

	if snap.Status != "degraded" {
		t.Errorf("expected status degraded, got %q", snap.Status)
	}
	if snap.DBOk {
		t.Error("expected DBOk false")
	}
}

func TestCheckWithoutStoreStillReportsOk(t *testing.T) {
	r := New(nil, nil)
	snap := r.Check(context.Background())
	if snap.Status != "ok" {
		t.Errorf("expected status ok with no store configured, got %q", snap.Status)
	}
}
