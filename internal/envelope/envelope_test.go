package envelope

import (
	"encoding/base64"
	"testing"
)

func TestParseTopicTelemetry(t *testing.T) {
	origin, kind, err := ParseTopic("roaster/acme/main-st/r1/telemetry")
	if err != nil {
		t.Fatalf("ParseTopic: %v", err)
	}
	if kind != TopicTelemetry {
		t.Errorf("expected telemetry topic, got %s", kind)
	}
	if origin.OrgID != "acme" || origin.SiteID != "main-st" || origin.MachineID != "r1" {
		t.Errorf("unexpected origin: %+v", origin)
	}
}

func TestParseTopicRejectsMalformed(t *testing.T) {
	cases := []string{
		"roaster/acme/main-st/telemetry",
		"kernel/acme/main-st/r1/telemetry",
		"roaster/acme/main-st/r1/unknown",
		"roaster//main-st/r1/telemetry",
	}
	for _, c := range cases {
		if _, _, err := ParseTopic(c); err == nil {
			t.Errorf("expected error for topic %q", c)
		}
	}
}

func TestDecodeTelemetryKeepsExtras(t *testing.T) {
	payload := []byte(`{"ts":"2026-07-31T10:00:00Z","machineId":"r1","elapsedSeconds":120.5,"btC":180.2,"weirdField":42}`)
	env, err := Decode("roaster/acme/main-st/r1/telemetry", payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Telemetry == nil {
		t.Fatal("expected telemetry sample")
	}
	if env.Telemetry.BtC == nil || *env.Telemetry.BtC != 180.2 {
		t.Errorf("unexpected btC: %v", env.Telemetry.BtC)
	}
	if env.Telemetry.Extras["weirdField"] != float64(42) {
		t.Errorf("expected extras to retain weirdField, got %v", env.Telemetry.Extras)
	}
}

func TestDecodeEventWithPayload(t *testing.T) {
	payload := []byte(`{"ts":"2026-07-31T10:12:00Z","machineId":"r1","type":"FC","payload":{"elapsedSeconds":540}}`)
	env, err := Decode("roaster/acme/main-st/r1/events", payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Event == nil || env.Event.Type != EventFC {
		t.Fatalf("expected FC event, got %+v", env.Event)
	}
	es := env.Event.ElapsedSeconds()
	if es == nil || *es != 540 {
		t.Errorf("expected elapsedSeconds 540, got %v", es)
	}
}

func TestDecodeRejectsMissingMachineID(t *testing.T) {
	payload := []byte(`{"ts":"2026-07-31T10:00:00Z","elapsedSeconds":1}`)
	if _, err := Decode("roaster/acme/main-st/r1/telemetry", payload); err == nil {
		t.Fatal("expected error for missing machineId")
	}
}

func TestDecodeSig(t *testing.T) {
	raw := []byte("not-really-a-signature")
	encoded := base64.StdEncoding.EncodeToString(raw)
	payload := []byte(`{"ts":"2026-07-31T10:00:00Z","machineId":"r1","elapsedSeconds":1,"sig":"` + encoded + `","kid":"dev-1"}`)
	env, err := Decode("roaster/acme/main-st/r1/telemetry", payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Kid != "dev-1" {
		t.Errorf("expected kid dev-1, got %s", env.Kid)
	}
	if string(env.Sig) != string(raw) {
		t.Errorf("sig roundtrip mismatch")
	}
}
