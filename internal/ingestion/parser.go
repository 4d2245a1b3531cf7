package ingestion

import (
	"encoding/json"
	"fmt"

	"SwitchLedger/internal/event"
)

// ParseMessage validates raw inbound bytes into a queued position message.
// The envelope must name its routing pair, carry a correlation id both at the
// top level and in the URI parameters, and ask for an action this service has
// a processor for. A parse failure is permanent; the caller acks and drops
// rather than letting the broker redeliver a poison message.
func ParseMessage(data []byte) (*event.Message, error) {
	var msg event.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	if msg.From == "" {
		return nil, fmt.Errorf("message %s: missing from", msg.ID)
	}
	if msg.To == "" {
		return nil, fmt.Errorf("message %s: missing to", msg.ID)
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("message missing id")
	}
	if !msg.Metadata.Event.Action.Known() {
		return nil, fmt.Errorf("message %s: unprocessable action %q", msg.ID, msg.Metadata.Event.Action)
	}
	if msg.Key() == "" {
		return nil, fmt.Errorf("message %s: missing uriParams id", msg.ID)
	}

	return &msg, nil
}

// ToBinItem wraps a parsed message for bin assembly. The payload is carried
// both raw (for pass-through notifications) and decoded-as-is for callers
// that want to inspect it without re-parsing the envelope.
func ToBinItem(msg *event.Message) *event.BinItem {
	return &event.BinItem{
		Message:        msg,
		DecodedPayload: msg.Content.Payload,
	}
}
