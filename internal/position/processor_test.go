package position_test

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"SwitchLedger/internal/event"
	"SwitchLedger/internal/ledger"
	"SwitchLedger/internal/money"
	"SwitchLedger/internal/position"
)

func newTestProcessor() *position.Processor {
	return position.NewProcessor(
		position.Config{Scale: 4, HubName: "switch"},
		zerolog.Nop(),
		nil,
	)
}

func amt(s string) money.Decimal {
	return money.MustFromString(s)
}

func snapshot(value, reserved string) ledger.PositionSnapshot {
	return ledger.PositionSnapshot{Value: amt(value), ReservedValue: amt(reserved)}
}

// binItem builds one queued position event the way the ingestion layer hands
// it to a processor: key under uriParams["id"], routing pair on the envelope
// and mirrored in the headers.
func binItem(id, from, to string, action event.Action, payload string) *event.BinItem {
	return &event.BinItem{
		Message: &event.Message{
			From: from,
			To:   to,
			ID:   id,
			Content: event.Content{
				URIParams: map[string]string{"id": id},
				Headers: map[string]string{
					"Content-Type":       "application/vnd.interoperability.transfers+json;version=1.1",
					"Content-Length":     "512",
					"FSPIOP-Source":      from,
					"FSPIOP-Destination": to,
				},
				Payload: json.RawMessage(payload),
			},
			Metadata: event.Metadata{
				Event: event.EventMetadata{
					ID:     "ev-" + id,
					Type:   "position",
					Action: action,
				},
			},
		},
	}
}

func wantValue(t *testing.T, got money.Decimal, want string, label string) {
	t.Helper()
	if !got.Equal(amt(want)) {
		t.Errorf("%s: got %s, want %s", label, got, want)
	}
}
