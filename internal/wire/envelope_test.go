package wire

import (
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(KindConnectionRequest, "worker-1", "worker-1")
	env.ReceiverID = "server-9"

	data, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := UnmarshalEnvelope(data)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope failed: %v", err)
	}
	if got.Kind != KindConnectionRequest || got.SenderID != "worker-1" ||
		got.ReceiverID != "server-9" || got.Payload != "worker-1" {
		t.Errorf("Round trip mismatch: %+v", got)
	}
}

func TestUnmarshalEnvelopeRejectsKindless(t *testing.T) {
	if _, err := UnmarshalEnvelope([]byte(`{"payload":"x"}`)); err == nil {
		t.Error("Expected error for envelope without kind")
	}
	if _, err := UnmarshalEnvelope([]byte(`not json`)); err == nil {
		t.Error("Expected error for malformed JSON")
	}
}
