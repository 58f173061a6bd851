// Package simulate is the dev-mode device simulator: synthetic roast
// sessions published straight into an in-process broker, the same
// "-mock" convenience the teacher's internal/mock.Generator gives its
// session dashboard, retargeted here from fake coding-agent sessions to
// fake roasting-machine telemetry/event streams.
package simulate

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/roastery/ingest/internal/broker"
)

// machine is one simulated roasting machine's in-progress roast.
type machine struct {
	orgID, siteID, machineID string
	startedAt                time.Time
	tpFired, fcFired         bool
	dropAt                   float64 // elapsedSeconds target for DROP
}

// Simulator drives a handful of simulated machines through a roast
// curve (rising BT/ET, a TP then FC marker, a DROP at a randomized
// target) and publishes their telemetry/events into a FakeSubscriber.
type Simulator struct {
	sub      *broker.FakeSubscriber
	machines []*machine
}

// New builds a Simulator publishing into sub, one roast per machine
// name given.
func New(sub *broker.FakeSubscriber, orgID, siteID string, machineIDs []string) *Simulator {
	now := time.Now().UTC()
	sim := &Simulator{sub: sub}
	for _, id := range machineIDs {
		sim.machines = append(sim.machines, &machine{
			orgID: orgID, siteID: siteID, machineID: id,
			startedAt: now,
			dropAt:    420 + rand.Float64()*120, // 7-9 minute roasts
		})
	}
	return sim
}

// Run publishes one telemetry point per machine every interval until
// ctx is cancelled, restarting any machine that has dropped.
func (s *Simulator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range s.machines {
				s.advance(ctx, m)
			}
		}
	}
}

func (s *Simulator) advance(ctx context.Context, m *machine) {
	now := time.Now().UTC()
	elapsed := now.Sub(m.startedAt).Seconds()
	if elapsed < 0 {
		return // still inside the pause between two roasts
	}

	bt := roastCurve(elapsed, 20, 205)
	et := roastCurve(elapsed, 25, 230)
	ambient := 22 + rand.Float64()*2
	ror := 0.0
	if elapsed > 1 {
		ror = (roastCurve(elapsed, 20, 205) - roastCurve(elapsed-10, 20, 205)) * 6
	}

	s.publishTelemetry(ctx, m, elapsed, now, bt, et, ror, ambient)

	if !m.tpFired && elapsed >= 90 {
		m.tpFired = true
		s.publishEvent(ctx, m, "TP", now, elapsed)
	}
	if !m.fcFired && elapsed >= m.dropAt-90 {
		m.fcFired = true
		s.publishEvent(ctx, m, "FC", now, elapsed)
	}
	if elapsed >= m.dropAt {
		s.publishEvent(ctx, m, "DROP", now, elapsed)
		// restart this machine on a fresh session after a short gap
		m.startedAt = now.Add(45 * time.Second)
		m.tpFired, m.fcFired = false, false
		m.dropAt = 420 + rand.Float64()*120
	}
}

// roastCurve approximates a roast's temperature-vs-time shape: a fast
// early rise easing into a slow approach to ceiling, not a real thermal
// model.
func roastCurve(elapsed, floor, ceiling float64) float64 {
	if elapsed < 0 {
		return floor
	}
	progress := 1 - math.Exp(-elapsed/180)
	return floor + (ceiling-floor)*progress
}

func (s *Simulator) publishTelemetry(ctx context.Context, m *machine, elapsed float64, ts time.Time, bt, et, ror, ambient float64) {
	body := map[string]interface{}{
		"ts":             ts.Format(time.RFC3339Nano),
		"machineId":      m.machineID,
		"elapsedSeconds": elapsed,
		"btC":            round1(bt),
		"etC":            round1(et),
		"rorCPerMin":     round1(ror),
		"ambientC":       round1(ambient),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return
	}
	s.sub.Publish(ctx, broker.Message{Topic: m.topic("telemetry"), Payload: payload})
}

func (s *Simulator) publishEvent(ctx context.Context, m *machine, eventType string, ts time.Time, elapsed float64) {
	payload, _ := json.Marshal(map[string]interface{}{"elapsedSeconds": elapsed})
	body := map[string]interface{}{
		"ts":        ts.Format(time.RFC3339Nano),
		"machineId": m.machineID,
		"type":      eventType,
		"payload":   json.RawMessage(payload),
	}
	msg, err := json.Marshal(body)
	if err != nil {
		return
	}
	s.sub.Publish(ctx, broker.Message{Topic: m.topic("events"), Payload: msg})
}

func (m *machine) topic(suffix string) string {
	return fmt.Sprintf("roaster/%s/%s/%s/%s", m.orgID, m.siteID, m.machineID, suffix)
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}
