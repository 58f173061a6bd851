// Package envelope decodes raw broker messages (topic + payload bytes)
// into typed Envelope values, and defines the telemetry/event payload
// shapes carried inside them.
package envelope

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Topic classifies which payload shape an Envelope carries.
type Topic string

const (
	TopicTelemetry Topic = "telemetry"
	TopicEvent     Topic = "event"
)

// Origin identifies the device a message came from.
type Origin struct {
	OrgID     string `json:"orgId"`
	SiteID    string `json:"siteId"`
	MachineID string `json:"machineId"`
}

// Key returns the composite key used throughout the ingestion core to
// address a single device's active session.
func (o Origin) Key() string {
	return o.OrgID + "/" + o.SiteID + "/" + o.MachineID
}

// TelemetrySample is a single point-in-time reading from a roasting
// machine. Extras carries unknown wire fields verbatim -- the decoder
// never rejects a sample for carrying fields it doesn't recognize.
type TelemetrySample struct {
	TS             time.Time              `json:"ts"`
	MachineID      string                 `json:"machineId"`
	ElapsedSeconds float64                `json:"elapsedSeconds"`
	BtC            *float64               `json:"btC,omitempty"`
	EtC            *float64               `json:"etC,omitempty"`
	RorCPerMin     *float64               `json:"rorCPerMin,omitempty"`
	AmbientC       *float64               `json:"ambientC,omitempty"`
	Extras         map[string]interface{} `json:"extras,omitempty"`
}

// EventType enumerates the discrete roast event markers.
type EventType string

const (
	EventTP   EventType = "TP"
	EventFC   EventType = "FC"
	EventDrop EventType = "DROP"
)

// RoastEvent is a discrete marker punctuating a roasting session.
type RoastEvent struct {
	TS        time.Time       `json:"ts"`
	MachineID string          `json:"machineId"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventPayload is the typed view of a RoastEvent's payload, decoded
// on demand -- unknown payload keys are simply not represented.
type EventPayload struct {
	ElapsedSeconds *float64 `json:"elapsedSeconds,omitempty"`
}

// ElapsedSeconds decodes the event's payload and returns its
// elapsedSeconds field, or nil if absent or unparseable.
func (e RoastEvent) ElapsedSeconds() *float64 {
	if len(e.Payload) == 0 {
		return nil
	}
	var p EventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil
	}
	return p.ElapsedSeconds
}

// Envelope is a single decoded broker message: origin + topic + payload,
// plus optional signing metadata. Sig/Kid absence marks the envelope as
// unsigned, a distinct status from signature-failed (assigned later by
// the trust verifier).
type Envelope struct {
	TS        time.Time
	Origin    Origin
	Topic     Topic
	Telemetry *TelemetrySample
	Event     *RoastEvent
	Sig       []byte
	Kid       string
	SessionID string // optional device-assigned session id
}

// CanonicalBytes returns the deterministic byte representation a signer
// is expected to have signed: the envelope's content fields, excluding
// sig itself, serialized with stable key ordering. Used by the trust
// verifier to recompute and check a signature.
func (e Envelope) CanonicalBytes() []byte {
	type canonical struct {
		TS        int64             `json:"ts"`
		Org       string            `json:"orgId"`
		Site      string            `json:"siteId"`
		Machine   string            `json:"machineId"`
		Topic     Topic             `json:"topic"`
		Kid       string            `json:"kid,omitempty"`
		SessionID string            `json:"sessionId,omitempty"`
		Telemetry *TelemetrySample  `json:"telemetry,omitempty"`
		Event     *RoastEvent       `json:"event,omitempty"`
	}
	c := canonical{
		TS:        e.TS.UnixNano(),
		Org:       e.Origin.OrgID,
		Site:      e.Origin.SiteID,
		Machine:   e.Origin.MachineID,
		Topic:     e.Topic,
		Kid:       e.Kid,
		SessionID: e.SessionID,
		Telemetry: e.Telemetry,
		Event:     e.Event,
	}
	b, _ := json.Marshal(c)
	return b
}

// wireEnvelope is the flat on-the-wire JSON shape: ts/sig/kid live next
// to the payload fields, per spec.md §6.
type wireEnvelope struct {
	TS             *time.Time             `json:"ts"`
	MachineID      string                 `json:"machineId"`
	ElapsedSeconds *float64               `json:"elapsedSeconds"`
	BtC            *float64               `json:"btC"`
	EtC            *float64               `json:"etC"`
	RorCPerMin     *float64               `json:"rorCPerMin"`
	AmbientC       *float64               `json:"ambientC"`
	Type           *string                `json:"type"`
	Payload        json.RawMessage        `json:"payload"`
	Sig            string                 `json:"sig"`
	Kid            string                 `json:"kid"`
	SessionID      string                 `json:"sessionId"`
	Extras         map[string]interface{} `json:"-"`
}

// ParseTopic decomposes a broker topic path into its components. The
// topic must be shaped roaster/{orgId}/{siteId}/{machineId}/{suffix}
// with suffix in {telemetry, events}. Any other shape returns an error;
// the caller (the broker ingestion loop) drops the message with a
// warning and produces no envelope.
func ParseTopic(topic string) (Origin, Topic, error) {
	parts := strings.Split(strings.Trim(topic, "/"), "/")
	if len(parts) != 5 || parts[0] != "roaster" {
		return Origin{}, "", fmt.Errorf("envelope: malformed topic %q", topic)
	}
	origin := Origin{OrgID: parts[1], SiteID: parts[2], MachineID: parts[3]}
	if origin.OrgID == "" || origin.SiteID == "" || origin.MachineID == "" {
		return Origin{}, "", fmt.Errorf("envelope: malformed topic %q: empty origin component", topic)
	}
	switch parts[4] {
	case "telemetry":
		return origin, TopicTelemetry, nil
	case "events":
		return origin, TopicEvent, nil
	default:
		return Origin{}, "", fmt.Errorf("envelope: unknown topic suffix %q", parts[4])
	}
}

// Decode parses a broker topic + payload into a validated Envelope. No
// exception escapes this stage: malformed input is always reported as a
// plain error for the caller to log and drop, never a panic.
func Decode(topic string, payload []byte) (Envelope, error) {
	origin, kind, err := ParseTopic(topic)
	if err != nil {
		return Envelope{}, err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Envelope{}, fmt.Errorf("envelope: payload is not a JSON object: %w", err)
	}

	var w wireEnvelope
	if err := json.Unmarshal(payload, &w); err != nil {
		return Envelope{}, fmt.Errorf("envelope: schema mismatch: %w", err)
	}

	ts := time.Now().UTC()
	if w.TS != nil {
		ts = *w.TS
	}

	env := Envelope{
		TS:        ts,
		Origin:    origin,
		Topic:     kind,
		Kid:       w.Kid,
		SessionID: w.SessionID,
	}
	if w.Sig != "" {
		sig, err := decodeSig(w.Sig)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: invalid sig encoding: %w", err)
		}
		env.Sig = sig
	}

	switch kind {
	case TopicTelemetry:
		if w.MachineID == "" {
			return Envelope{}, fmt.Errorf("envelope: telemetry missing machineId")
		}
		sample := &TelemetrySample{
			TS:        ts,
			MachineID: w.MachineID,
			BtC:       w.BtC,
			EtC:       w.EtC,
			RorCPerMin: w.RorCPerMin,
			AmbientC:  w.AmbientC,
		}
		if w.ElapsedSeconds != nil {
			sample.ElapsedSeconds = *w.ElapsedSeconds
		}
		sample.Extras = extractExtras(raw)
		env.Telemetry = sample

	case TopicEvent:
		if w.MachineID == "" {
			return Envelope{}, fmt.Errorf("envelope: event missing machineId")
		}
		if w.Type == nil || *w.Type == "" {
			return Envelope{}, fmt.Errorf("envelope: event missing type")
		}
		env.Event = &RoastEvent{
			TS:        ts,
			MachineID: w.MachineID,
			Type:      EventType(*w.Type),
			Payload:   w.Payload,
		}
	}

	return env, nil
}

var knownTelemetryFields = map[string]bool{
	"ts": true, "machineId": true, "elapsedSeconds": true, "btC": true,
	"etC": true, "rorCPerMin": true, "ambientC": true, "sig": true,
	"kid": true, "sessionId": true, "type": true, "payload": true,
}

// extractExtras retains any wire field not recognized by the typed
// schema, verbatim, as the telemetry sample's extras map.
func extractExtras(raw map[string]json.RawMessage) map[string]interface{} {
	var extras map[string]interface{}
	for k, v := range raw {
		if knownTelemetryFields[k] {
			continue
		}
		if extras == nil {
			extras = make(map[string]interface{})
		}
		var val interface{}
		if err := json.Unmarshal(v, &val); err == nil {
			extras[k] = val
		}
	}
	return extras
}

func decodeSig(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawURLEncoding.DecodeString(s)
}
