// Package fspiop holds the small slice of the FSPIOP protocol the position
// ledger emits: the error catalog and the routing header names.
package fspiop

import "encoding/json"

// Header names rewritten or dropped when forwarding a message.
const (
	HeaderSource        = "FSPIOP-Source"
	HeaderDestination   = "FSPIOP-Destination"
	HeaderContentLength = "Content-Length"
)

// ErrorCode is a protocol-level error code exchanged between participants.
type ErrorCode string

const (
	// ErrInternal covers invariant violations such as a fulfil arriving for
	// a transfer that is not in RECEIVED_FULFIL.
	ErrInternal ErrorCode = "2001"

	// ErrTransferExpired is sent when a reserved transfer or FX leg times out.
	ErrTransferExpired ErrorCode = "3303"
)

// Description returns the catalog text for a code.
func (c ErrorCode) Description() string {
	switch c {
	case ErrInternal:
		return "Internal server error"
	case ErrTransferExpired:
		return "Transfer expired"
	default:
		return "Unknown error"
	}
}

// ErrorInformation is the body of an FSPIOP error object.
type ErrorInformation struct {
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
}

// ErrorPayload is the wire wrapper every participant-facing error uses.
type ErrorPayload struct {
	ErrorInformation ErrorInformation `json:"errorInformation"`
}

// NewError renders a code into a marshalled error payload. detail, when
// non-empty, is appended to the catalog description.
func NewError(code ErrorCode, detail string) json.RawMessage {
	description := code.Description()
	if detail != "" {
		description += " - " + detail
	}

	payload := ErrorPayload{
		ErrorInformation: ErrorInformation{
			ErrorCode:        string(code),
			ErrorDescription: description,
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		// Payload is a fixed shape of strings; marshalling cannot fail.
		panic(err)
	}
	return data
}
