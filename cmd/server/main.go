// Command server is the ingestion service's composition root: it loads
// configuration, wires the C1-C9 pipeline together, and serves the
// query surface (C8) until terminated, following the teacher's
// main()-as-composition-root shape in cmd/server/main.go.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/roastery/ingest/internal/api"
	"github.com/roastery/ingest/internal/auth"
	"github.com/roastery/ingest/internal/broker"
	"github.com/roastery/ingest/internal/closure"
	"github.com/roastery/ingest/internal/config"
	"github.com/roastery/ingest/internal/envelope"
	"github.com/roastery/ingest/internal/health"
	"github.com/roastery/ingest/internal/ingest"
	"github.com/roastery/ingest/internal/live"
	"github.com/roastery/ingest/internal/sessionize"
	"github.com/roastery/ingest/internal/simulate"
	"github.com/roastery/ingest/internal/store"
	"github.com/roastery/ingest/internal/tick"
	"github.com/roastery/ingest/internal/trust"
)

func main() {
	mockMode := flag.Bool("mock", false, "Run against an in-process simulated device fleet instead of a real broker")
	addr := flag.String("addr", "", "Override the HTTP listen address")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("store: opening %s: %v", cfg.DBPath, err)
	}
	defer st.Close()

	resolver, err := buildResolver(cfg)
	if err != nil {
		log.Fatalf("trust: %v", err)
	}
	verifier := trust.NewVerifier(resolver, 0, 0)

	sessionizer := sessionize.New(
		time.Duration(cfg.SessionGapSeconds*float64(time.Second)),
		time.Duration(cfg.CloseSilenceSeconds*float64(time.Second)),
	)

	telemetryStream := live.NewStream(1000, 128)
	eventStream := live.NewStream(1000, 128)
	envelopeStream := live.NewStream(1000, 128)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opsPub broker.Publisher
	var inbound broker.Subscriber
	if *mockMode {
		log.Println("server: running in mock mode against a simulated device fleet")
		fakeSub := broker.NewFakeSubscriber()
		inbound = fakeSub
		opsPub = broker.NewFakePublisher()

		sim := simulate.New(fakeSub, cfg.DevActorOrg, "main-roastery", []string{"r1", "r2"})
		go sim.Run(ctx, time.Second)
	} else {
		conn, err := broker.Connect(cfg.BrokerURL, cfg.BrokerClientID)
		if err != nil {
			log.Fatalf("broker: %v", err)
		}
		defer conn.Close()
		inbound = broker.NewNATSSubscriber(conn)

		if cfg.OpsEventsEnabled {
			opsConn, err := broker.Connect(cfg.OpsPublisherURL, cfg.OpsPublisherClientID)
			if err != nil {
				log.Fatalf("broker: connecting ops publisher: %v", err)
			}
			defer opsConn.Close()
			opsPub = broker.NewNATSPublisher(opsConn)
		}
	}

	orchestrator := closure.New(closure.Config{
		OpsEventsEnabled:      cfg.OpsEventsEnabled,
		KernelEnqueueFallback: cfg.KernelEnqueueFallback,
		AutoReportEnabled:     cfg.AutoReportMissionsEnabled,
		KernelURL:             cfg.KernelURL,
		KernelTimeout:         cfg.KernelTimeout,
	}, st, opsPub)

	pipeline := ingest.New(verifier, sessionizer, st, telemetryStream, eventStream, envelopeStream,
		func(sessionID string, origin envelope.Origin, reason store.CloseReason) {
			orchestrator.Handle(ctx, sessionID, origin, reason)
		})

	driver := tick.New(cfg.TickInterval, pipeline.Tick)
	go driver.Run(ctx)

	pool := ingest.NewPool(pipeline, cfg.WorkerShards, 256)
	go pool.Run(ctx)

	go subscribeTopic(ctx, inbound, "roaster/*/*/*/telemetry", pool)
	go subscribeTopic(ctx, inbound, "roaster/*/*/*/events", pool)

	gate := auth.New(cfg)
	healthReporter := health.New(st, sessionizer.ActiveCount)
	apiServer := api.New(st, telemetryStream, eventStream, envelopeStream, gate, healthReporter)
	mux := http.NewServeMux()
	apiServer.SetupRoutes(mux)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("server: shutting down")
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown: %v", err)
		}
	}()

	log.Printf("server: listening on %s", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server: %v", err)
	}
}

// subscribeTopic decodes every message matching filter and dispatches
// it into pool, logging and dropping anything that fails to decode --
// no malformed message may ever stall the subscription. Dispatch onto
// the shard pool preserves per-origin order while letting independent
// origins proceed in parallel, per spec.md §5.
func subscribeTopic(ctx context.Context, sub broker.Subscriber, filter string, pool *ingest.Pool) {
	err := sub.Subscribe(ctx, filter, func(ctx context.Context, msg broker.Message) {
		env, err := envelope.Decode(msg.Topic, msg.Payload)
		if err != nil {
			log.Printf("server: decoding message on %s: %v", msg.Topic, err)
			return
		}
		pool.Dispatch(ctx, env)
	})
	if err != nil {
		log.Printf("server: subscription on %s ended: %v", filter, err)
	}
}

// buildResolver assembles the static fallback key resolver from
// configuration. A device-key map is optional; with none configured,
// no envelope verifies: each is MISSING_SIG, MISSING_KID or UNKNOWN_KID
// as appropriate.
func buildResolver(cfg *config.Config) (trust.KeyResolver, error) {
	keys, err := cfg.DeviceKeys()
	if err != nil {
		return nil, err
	}
	static, errs := trust.NewStaticResolver(keys)
	for _, e := range errs {
		log.Printf("trust: skipping malformed device key: %v", e)
	}
	return static, nil
}
