package config

import "testing"

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.AuthMode != AuthModeDev {
		t.Errorf("expected dev auth mode, got %s", cfg.AuthMode)
	}
	if cfg.DBPath != "./var/ingestion.db" {
		t.Errorf("unexpected default db path: %s", cfg.DBPath)
	}
	if cfg.SessionGapSeconds != 30 {
		t.Errorf("expected session gap 30, got %v", cfg.SessionGapSeconds)
	}
	if cfg.CloseSilenceSeconds != 15 {
		t.Errorf("expected close silence 15, got %v", cfg.CloseSilenceSeconds)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("AUTH_MODE", "bearer")
	t.Setenv("INGESTION_DB_PATH", "/tmp/roast.db")
	t.Setenv("INGESTION_SESSION_GAP_SECONDS", "45")
	t.Setenv("AUTO_REPORT_MISSIONS_ENABLED", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AuthMode != AuthModeBearer {
		t.Errorf("expected bearer mode, got %s", cfg.AuthMode)
	}
	if cfg.DBPath != "/tmp/roast.db" {
		t.Errorf("unexpected db path: %s", cfg.DBPath)
	}
	if cfg.SessionGapSeconds != 45 {
		t.Errorf("expected session gap 45, got %v", cfg.SessionGapSeconds)
	}
	if cfg.AutoReportMissionsEnabled {
		t.Error("expected auto report missions disabled")
	}
}

func TestLoadRejectsInvalidAuthMode(t *testing.T) {
	t.Setenv("AUTH_MODE", "nonsense")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid AUTH_MODE")
	}
}

func TestDeviceKeysParsing(t *testing.T) {
	cfg := Default()
	cfg.DeviceKeysJSON = `{"kid-1":"base64spki=="}`
	keys, err := cfg.DeviceKeys()
	if err != nil {
		t.Fatalf("DeviceKeys: %v", err)
	}
	if keys["kid-1"] != "base64spki==" {
		t.Errorf("unexpected key value: %v", keys)
	}
}
