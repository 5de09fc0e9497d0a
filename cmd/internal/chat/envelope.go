package chat

import (
	"encoding/json"
	"time"

	v1 "parley/shared/contracts/chat/v1"
)

// newEnvelope wraps a payload in the canonical wire envelope.
func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

// messagePayload converts a persisted message into its wire form.
func messagePayload(m Message) v1.MessagePayload {
	return v1.MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		From:           m.FromUserID,
		To:             m.ToUserID,
		Content:        m.Content,
		IsGroup:        m.IsGroup,
		TS:             m.TS,
	}
}
