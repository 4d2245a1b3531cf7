package event

import "encoding/json"

// Message is the queued wire envelope for one position event, and also the
// shape of every outbound notification. Field names follow the switch's
// streaming protocol.
type Message struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	ID       string   `json:"id"`
	Content  Content  `json:"content"`
	Metadata Metadata `json:"metadata"`
}

// Content carries the original request surface: URI parameters (the transfer
// or commit-request id lives under "id"), the forwarded HTTP headers, and the
// raw payload.
type Content struct {
	URIParams map[string]string `json:"uriParams"`
	Headers   map[string]string `json:"headers"`
	Payload   json.RawMessage   `json:"payload"`
}

type Metadata struct {
	Event EventMetadata `json:"event"`
}

type EventMetadata struct {
	ID     string     `json:"id"`
	Type   string     `json:"type"`
	Action Action     `json:"action"`
	State  EventState `json:"state"`
}

// EventState is the outcome stamp on a notification's event metadata.
type EventState struct {
	Status      string `json:"status"`
	Code        string `json:"code,omitempty"`
	Description string `json:"description,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// SuccessState is the event state attached to committed notifications.
func SuccessState() EventState {
	return EventState{Status: StatusSuccess, Code: "0"}
}

// ErrorState builds the event state for an FSPIOP error notification.
func ErrorState(code, description string) EventState {
	return EventState{Status: StatusError, Code: code, Description: description}
}

// Key returns the transfer id (or commit-request id) the message addresses,
// read from the URI parameters of the original request.
func (m *Message) Key() string {
	if m.Content.URIParams == nil {
		return ""
	}
	return m.Content.URIParams["id"]
}

// BinItem is one queued event inside a bin. Result is an out-parameter: the
// processor sets it when the item was applied so the caller can correlate
// consumer offsets with applied work.
type BinItem struct {
	Message        *Message
	DecodedPayload json.RawMessage
	Result         *ItemResult
}

type ItemResult struct {
	Success bool
}
