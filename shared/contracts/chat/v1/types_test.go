package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "valid identify", env: Envelope{V: Version, Type: TypeIdentify}},
		{name: "valid message_send", env: Envelope{V: Version, Type: TypeMessageSend}},
		{name: "valid mark_read", env: Envelope{V: Version, Type: TypeMarkRead}},
		{name: "missing v", env: Envelope{Type: TypeIdentify}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v0", Type: TypeIdentify}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "shrug"}, wantErr: true},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if tc.wantErr && err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestEnvelopeRoundTripPreservesPayload(t *testing.T) {
	t.Parallel()

	p, err := json.Marshal(MessageSendPayload{To: GroupPeerID, Content: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	in := Envelope{
		V:       Version,
		Type:    TypeMessageSend,
		ID:      "abc123",
		TS:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Payload: p,
	}

	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Envelope
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatal(err)
	}
	if err := out.Validate(); err != nil {
		t.Fatal(err)
	}

	var got MessageSendPayload
	if err := json.Unmarshal(out.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.To != GroupPeerID || got.Content != "hello" {
		t.Fatalf("payload round trip: %+v", got)
	}
}
