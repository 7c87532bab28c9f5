package streams

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestEnvelopeRoundTripKeepsMarkers(t *testing.T) {
	env := Envelope{
		EventID:        "evt-1",
		EventType:      EventStepDispatch,
		OccurredAt:     time.Now().UTC(),
		ScopeID:        "scope-1",
		ContentID:      "content-1",
		Step:           "faces",
		PayloadVersion: PayloadV1,
		Data:           json.RawMessage(`{"run_id":"run-1"}`),
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if got.ScopeID != "scope-1" || got.ContentID != "content-1" || got.Step != "faces" {
		t.Fatalf("markers lost: %+v", got)
	}
}

func TestEnvelopeValidateBasic(t *testing.T) {
	cases := []struct {
		name string
		env  Envelope
	}{
		{"missing event id", Envelope{EventType: "x", PayloadVersion: PayloadV1, Data: json.RawMessage(`{}`)}},
		{"missing event type", Envelope{EventID: "e", PayloadVersion: PayloadV1, Data: json.RawMessage(`{}`)}},
		{"missing payload version", Envelope{EventID: "e", EventType: "x", Data: json.RawMessage(`{}`)}},
		{"negative attempt", Envelope{EventID: "e", EventType: "x", PayloadVersion: PayloadV1, Attempt: -1, Data: json.RawMessage(`{}`)}},
		{"empty data", Envelope{EventID: "e", EventType: "x", PayloadVersion: PayloadV1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.env.ValidateBasic(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestMatchMarkersWildcards(t *testing.T) {
	env := Envelope{ScopeID: "scope-1", ContentID: "content-1", Step: "ocr"}

	if !matchMarkers(env, "", "", "") {
		t.Fatal("empty markers must match everything")
	}
	if !matchMarkers(env, "scope-1", "", "ocr") {
		t.Fatal("partial markers must match")
	}
	if matchMarkers(env, "scope-2", "", "") {
		t.Fatal("scope mismatch must not match")
	}
	if matchMarkers(env, "scope-1", "content-1", "faces") {
		t.Fatal("step mismatch must not match")
	}
}

func TestDecodeEntryToleratesGarbage(t *testing.T) {
	if _, ok := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]interface{}{}}); ok {
		t.Fatal("entry without envelope field decoded")
	}
	if _, ok := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"envelope": "not json"}}); ok {
		t.Fatal("malformed envelope decoded")
	}
	if _, ok := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"envelope": 42}}); ok {
		t.Fatal("non-string envelope decoded")
	}

	env := Envelope{EventID: "e", EventType: EventFinalizeRun, PayloadVersion: PayloadV1, OccurredAt: time.Now(), Data: json.RawMessage(`{}`)}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, ok := decodeEntry(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"envelope": string(raw)}})
	if !ok || got.EventType != EventFinalizeRun {
		t.Fatalf("valid entry rejected: ok=%v env=%+v", ok, got)
	}
}
