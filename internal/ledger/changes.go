// Package ledger defines the persisted outputs of a processed bin: the
// append-only state-change rows, the cumulative position-change rows, and the
// notify-message pairing handed to the transport.
package ledger

import (
	"SwitchLedger/internal/event"
	"SwitchLedger/internal/money"
)

// PositionSnapshot is an account's running position at a contract boundary:
// the prior value handed to a processor and the final value it returns.
type PositionSnapshot struct {
	Value         money.Decimal
	ReservedValue money.Decimal
}

// TransferStateChange is one append-only lifecycle row for a plain transfer.
type TransferStateChange struct {
	TransferID      string
	TransferStateID event.TransferState
	Reason          string
}

// FxTransferStateChange is the FX-leg counterpart, keyed by commit request.
type FxTransferStateChange struct {
	CommitRequestID string
	TransferStateID event.TransferState
	Reason          string
}

// ParticipantPositionChange records the account's CUMULATIVE position after
// one bin item, not a delta. Rows must be persisted in bin order inside one
// transaction: each row's Value is authoritative only if every preceding row
// landed first.
//
// TransferStateChangeID is deferred: zero when the processor emits the row,
// filled in by the store once the matching state change has its serial id.
type ParticipantPositionChange struct {
	TransferID            string // set for plain transfers
	CommitRequestID       string // set for FX legs
	TransferStateChangeID int64
	Value                 money.Decimal
	ReservedValue         money.Decimal
}

// NotifyMessage pairs an outbound notification with the bin item that caused
// it, so the caller can correlate publish results back to offset commits.
type NotifyMessage struct {
	Item    *event.BinItem
	Message *event.Message
}
