// Package config loads the ingestion service's runtime configuration from
// the environment, once, at startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// AuthMode selects how the auth gate (C9) authenticates callers.
type AuthMode string

const (
	AuthModeDev    AuthMode = "dev"
	AuthModeBearer AuthMode = "bearer"
)

// Config is the fully resolved, immutable configuration for one process
// lifetime. It is built once by Load and passed by pointer through the
// composition root in cmd/server/main.go -- no package-level mutable
// singletons.
type Config struct {
	HTTPAddr string

	AuthMode     AuthMode
	DevActorID   string
	DevActorOrg  string
	DevActorName string
	JWTIssuer    string
	JWTAudience  string
	JWTSecret    string // HMAC secret for HS256 bearer tokens; JWKS is not supported

	BrokerURL      string
	BrokerClientID string

	OpsPublisherURL      string
	OpsPublisherClientID string

	DBPath string

	KernelURL     string
	KernelTimeout time.Duration

	AutoReportMissionsEnabled bool
	OpsEventsEnabled          bool
	KernelEnqueueFallback     bool

	DeviceKeysJSON string // kid -> base64 SPKI, static fallback resolver

	TickInterval        time.Duration
	SessionGapSeconds   float64
	CloseSilenceSeconds float64
	WorkerShards        int
}

// Default returns the configuration defaults named in the specification,
// mirroring the teacher's defaultConfig() idiom of a single literal struct.
func Default() *Config {
	return &Config{
		HTTPAddr: ":8088",

		AuthMode:     AuthModeDev,
		DevActorID:   "dev-user",
		DevActorOrg:  "dev-org",
		DevActorName: "Dev User",

		BrokerURL:      "nats://127.0.0.1:4222",
		BrokerClientID: "roaster-ingest",

		OpsPublisherURL:      "nats://127.0.0.1:4222",
		OpsPublisherClientID: "roaster-ingest-ops",

		DBPath: "./var/ingestion.db",

		KernelURL:     "http://127.0.0.1:3000",
		KernelTimeout: 5 * time.Second,

		AutoReportMissionsEnabled: true,
		OpsEventsEnabled:          true,
		KernelEnqueueFallback:     false,

		TickInterval:        time.Second,
		SessionGapSeconds:   30,
		CloseSilenceSeconds: 15,
		WorkerShards:        8,
	}
}

// Load resolves configuration from the process environment, starting from
// Default() and overriding anything the environment sets. Recognized
// variable names follow spec §6 / SPEC_FULL §8.
func Load() (*Config, error) {
	cfg := Default()

	if v := os.Getenv("INGESTION_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}

	if v := os.Getenv("AUTH_MODE"); v != "" {
		switch AuthMode(v) {
		case AuthModeDev, AuthModeBearer:
			cfg.AuthMode = AuthMode(v)
		default:
			return nil, fmt.Errorf("config: invalid AUTH_MODE %q", v)
		}
	}
	if v := os.Getenv("INGESTION_DEV_ACTOR_ID"); v != "" {
		cfg.DevActorID = v
	}
	if v := os.Getenv("INGESTION_DEV_ACTOR_ORG"); v != "" {
		cfg.DevActorOrg = v
	}
	if v := os.Getenv("INGESTION_DEV_ACTOR_NAME"); v != "" {
		cfg.DevActorName = v
	}
	cfg.JWTIssuer = os.Getenv("INGESTION_JWT_ISSUER")
	cfg.JWTAudience = os.Getenv("INGESTION_JWT_AUDIENCE")
	cfg.JWTSecret = os.Getenv("INGESTION_JWT_SECRET")

	if v := os.Getenv("INGESTION_BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}
	if v := os.Getenv("INGESTION_BROKER_CLIENT_ID"); v != "" {
		cfg.BrokerClientID = v
	}
	if v := os.Getenv("INGESTION_OPS_PUBLISHER_URL"); v != "" {
		cfg.OpsPublisherURL = v
	}
	if v := os.Getenv("INGESTION_OPS_PUBLISHER_CLIENT_ID"); v != "" {
		cfg.OpsPublisherClientID = v
	}

	if v := os.Getenv("INGESTION_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("INGESTION_KERNEL_URL"); v != "" {
		cfg.KernelURL = v
	}
	if v := os.Getenv("INGESTION_KERNEL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid INGESTION_KERNEL_TIMEOUT: %w", err)
		}
		cfg.KernelTimeout = d
	}

	var err error
	if cfg.AutoReportMissionsEnabled, err = boolEnv("AUTO_REPORT_MISSIONS_ENABLED", cfg.AutoReportMissionsEnabled); err != nil {
		return nil, err
	}
	if cfg.OpsEventsEnabled, err = boolEnv("INGESTION_OPS_EVENTS_ENABLED", cfg.OpsEventsEnabled); err != nil {
		return nil, err
	}
	if cfg.KernelEnqueueFallback, err = boolEnv("INGESTION_KERNEL_ENQUEUE_FALLBACK_ENABLED", cfg.KernelEnqueueFallback); err != nil {
		return nil, err
	}

	cfg.DeviceKeysJSON = os.Getenv("INGESTION_DEVICE_KEYS_JSON")
	if cfg.DeviceKeysJSON != "" {
		var probe map[string]string
		if err := json.Unmarshal([]byte(cfg.DeviceKeysJSON), &probe); err != nil {
			return nil, fmt.Errorf("config: invalid INGESTION_DEVICE_KEYS_JSON: %w", err)
		}
	}

	if v := os.Getenv("INGESTION_TICK_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid INGESTION_TICK_SECONDS: %w", err)
		}
		cfg.TickInterval = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("INGESTION_SESSION_GAP_SECONDS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid INGESTION_SESSION_GAP_SECONDS: %w", err)
		}
		cfg.SessionGapSeconds = f
	}
	if v := os.Getenv("INGESTION_CLOSE_SILENCE_SECONDS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("config: invalid INGESTION_CLOSE_SILENCE_SECONDS: %w", err)
		}
		cfg.CloseSilenceSeconds = f
	}
	if v := os.Getenv("INGESTION_WORKER_SHARDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: invalid INGESTION_WORKER_SHARDS: %w", err)
		}
		cfg.WorkerShards = n
	}

	return cfg, nil
}

// DeviceKeys parses the static kid->base64(SPKI) fallback map, if configured.
func (c *Config) DeviceKeys() (map[string]string, error) {
	if c.DeviceKeysJSON == "" {
		return nil, nil
	}
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(c.DeviceKeysJSON), &m); err != nil {
		return nil, fmt.Errorf("config: parsing device keys: %w", err)
	}
	return m, nil
}

func boolEnv(name string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("config: invalid %s: %w", name, err)
	}
	return b, nil
}
