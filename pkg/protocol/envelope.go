package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is an inbound client frame: the type tag plus the raw bytes, so the
// dispatcher can route on Type and each handler decodes its own shape.
type Frame struct {
	Type string
	raw  json.RawMessage
}

// DecodeFrame parses the type tag and retains the payload for Decode.
func DecodeFrame(data []byte) (Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if head.Type == "" {
		return Frame{}, fmt.Errorf("decode frame: missing type")
	}
	return Frame{Type: head.Type, raw: append(json.RawMessage(nil), data...)}, nil
}

// Decode unmarshals the retained frame into a typed payload.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.raw, v); err != nil {
		return fmt.Errorf("decode %s frame: %w", f.Type, err)
	}
	return nil
}

// Marshal encodes an outbound envelope once so the same bytes can be fanned
// out to every subscriber and reused as a bus payload.
func Marshal(env any) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

// PresenceEvent travels on the presence:events bus channel.
type PresenceEvent struct {
	Kind       string `json:"kind"` // joined | left
	Room       string `json:"room"`
	UserID     string `json:"userId"`
	Handle     string `json:"handle,omitempty"`
	InstanceID string `json:"instanceId"`
	TS         int64  `json:"ts"` // unix millis
}

// ChatEvent travels on the chat:events bus channel. Payload is the exact
// client envelope the origin instance broadcast locally; receiving instances
// re-broadcast it verbatim, so message IDs stay stable across the fleet.
type ChatEvent struct {
	Kind             string          `json:"kind"` // message | reaction_add | reaction_remove
	Room             string          `json:"room"`
	Payload          json.RawMessage `json:"payload"`
	OriginInstanceID string          `json:"originInstanceId"`
	TS               int64           `json:"ts"` // unix millis
}

// NowMillis is the bus event clock.
func NowMillis() int64 { return time.Now().UnixMilli() }
