package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/roastery/ingest/internal/envelope"
	"github.com/roastery/ingest/internal/store"
)

func TestPoolPreservesPerOriginOrder(t *testing.T) {
	p, st := newTestPipeline(t, nil)
	pool := NewPool(p, 4, 32)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	origin := originFor()
	now := time.Now()
	for i := 0; i < 20; i++ {
		elapsed := float64(i)
		env := envelope.Envelope{
			TS: now.Add(time.Duration(i) * time.Millisecond), Origin: origin, Topic: envelope.TopicTelemetry,
			Telemetry: &envelope.TelemetrySample{TS: now, MachineID: "r1", ElapsedSeconds: elapsed},
		}
		pool.Dispatch(ctx, env)
	}

	deadline := time.After(time.Second)
	for {
		sessions, err := st.ListSessions(context.Background(), store.SessionFilter{})
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) == 1 && sessions[0].TelemetryPoints == 20 {
			rows, err := st.GetTelemetry(context.Background(), sessions[0].SessionID, 0, nil, nil)
			if err != nil {
				t.Fatalf("GetTelemetry: %v", err)
			}
			// rows come back by elapsedSeconds; row ids give insertion order
			for i := 1; i < len(rows); i++ {
				if rows[i].ID <= rows[i-1].ID {
					t.Fatalf("expected dispatch order kept: elapsed %v persisted before elapsed %v", rows[i].ElapsedSeconds, rows[i-1].ElapsedSeconds)
				}
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected a single session with 20 telemetry points, got %+v", sessions)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPoolShardsIndependentOrigins(t *testing.T) {
	p, st := newTestPipeline(t, nil)
	pool := NewPool(p, 4, 32)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go pool.Run(ctx)

	var wg sync.WaitGroup
	now := time.Now()
	for m := 0; m < 4; m++ {
		origin := envelope.Origin{OrgID: "acme", SiteID: "main-st", MachineID: machineName(m)}
		wg.Add(1)
		go func(o envelope.Origin) {
			defer wg.Done()
			env := envelope.Envelope{
				TS: now, Origin: o, Topic: envelope.TopicTelemetry,
				Telemetry: &envelope.TelemetrySample{TS: now, MachineID: o.MachineID, ElapsedSeconds: 1},
			}
			pool.Dispatch(ctx, env)
		}(origin)
	}
	wg.Wait()

	deadline := time.After(time.Second)
	for {
		sessions, err := st.ListSessions(context.Background(), store.SessionFilter{})
		if err != nil {
			t.Fatalf("ListSessions: %v", err)
		}
		if len(sessions) == 4 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected 4 distinct sessions across shards, got %d", len(sessions))
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func machineName(i int) string {
	return []string{"r1", "r2", "r3", "r4"}[i]
}
