// Package notification builds the outbound message envelopes the position
// processors emit: one per applied bin item, plus FSPIOP error envelopes for
// items that violated their precondition state.
package notification

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"SwitchLedger/internal/event"
	"SwitchLedger/internal/fspiop"
)

// EventType stamped on every outbound message's metadata.
const EventType = "notification"

// Build constructs an outbound notification. correlationID is the id of the
// original transfer/commit request; eventID is the triggering event's id,
// carried through so the outbound message stays deterministic and traceable
// (a fresh id is minted only when the trigger had none); headers are the
// triggering message's original headers, forwarded per ForwardHeaders.
func Build(
	from, to, correlationID, eventID string,
	action event.Action,
	state event.EventState,
	headers map[string]string,
	payload json.RawMessage,
) *event.Message {
	if eventID == "" {
		eventID = uuid.New().String()
	}
	return &event.Message{
		From: from,
		To:   to,
		ID:   correlationID,
		Content: event.Content{
			URIParams: map[string]string{"id": correlationID},
			Headers:   ForwardHeaders(headers, from, to),
			Payload:   payload,
		},
		Metadata: event.Metadata{
			Event: event.EventMetadata{
				ID:     eventID,
				Type:   EventType,
				Action: action,
				State:  state,
			},
		},
	}
}

// BuildError constructs an FSPIOP error notification for a bin item.
func BuildError(
	from, to, correlationID, eventID string,
	action event.Action,
	code fspiop.ErrorCode,
	detail string,
	headers map[string]string,
) *event.Message {
	description := code.Description()
	if detail != "" {
		description += " - " + detail
	}
	return Build(
		from, to, correlationID, eventID, action,
		event.ErrorState(string(code), description),
		headers,
		fspiop.NewError(code, detail),
	)
}

// ForwardHeaders copies the original headers, drops Content-Length (the body
// changes), and overrides the FSPIOP routing pair for the target message.
func ForwardHeaders(orig map[string]string, from, to string) map[string]string {
	out := make(map[string]string, len(orig)+2)
	for k, v := range orig {
		if strings.EqualFold(k, fspiop.HeaderContentLength) {
			continue
		}
		// The routing pair is re-set below under its canonical casing.
		if strings.EqualFold(k, fspiop.HeaderSource) || strings.EqualFold(k, fspiop.HeaderDestination) {
			continue
		}
		out[k] = v
	}
	out[fspiop.HeaderSource] = from
	out[fspiop.HeaderDestination] = to
	return out
}
