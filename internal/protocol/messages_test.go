package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeDecode(t *testing.T) {
	env, err := NewEnvelope(MsgExecute, ExecutePayload{Command: "ls", ForceHeavy: true})
	if err != nil {
		t.Fatal(err)
	}
	if env.ID == "" || env.Timestamp.IsZero() {
		t.Fatalf("envelope missing id or timestamp: %+v", env)
	}

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	var got Envelope
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	var p ExecutePayload
	if err := got.Decode(&p); err != nil {
		t.Fatal(err)
	}
	if got.Type != MsgExecute || p.Command != "ls" || !p.ForceHeavy {
		t.Errorf("unexpected round trip: %+v %+v", got, p)
	}
}

func TestNewEnvelopeWithoutPayload(t *testing.T) {
	env, err := NewEnvelope(MsgPong, nil)
	if err != nil {
		t.Fatal(err)
	}
	if env.Payload != nil {
		t.Errorf("expected empty payload, got %s", env.Payload)
	}
}
