package event

// TransferState is the internal lifecycle state of a transfer or FX leg.
// Rows are never deleted; a state is only superseded by a new state-change row.
//
// Happy path: RECEIVED_PREPARE → RESERVED → RECEIVED_FULFIL → COMMITTED.
// Expiry path: RESERVED → RESERVED_TIMEOUT → EXPIRED_RESERVED.
type TransferState string

const (
	StateReceivedPrepare TransferState = "RECEIVED_PREPARE"
	StateReserved        TransferState = "RESERVED"
	StateReceivedFulfil  TransferState = "RECEIVED_FULFIL"
	StateCommitted       TransferState = "COMMITTED"
	StateReservedTimeout TransferState = "RESERVED_TIMEOUT"
	StateExpiredReserved TransferState = "EXPIRED_RESERVED"
	StateAbortedRejected TransferState = "ABORTED_REJECTED"
	StateInvalid         TransferState = "INVALID"
)

// CopyStates returns a shallow copy of a state map. The processors never
// mutate the caller's map; touched entries are replaced in the copy only,
// so a caller retrying a batch can diff old vs. new safely.
func CopyStates(in map[string]TransferState) map[string]TransferState {
	out := make(map[string]TransferState, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
