// Package protocol defines the tagged messages exchanged over the realtime
// channel. Payloads are decoded once, at the connection boundary, into closed
// command and event types; nothing past the boundary switches on strings.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire frame: a tag plus its JSON payload.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func envelope(tag string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s: %w", tag, err)
	}
	return Envelope{Event: tag, Data: data}, nil
}

func decodeInto[T any](env Envelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", env.Event, err)
	}
	return v, nil
}
