package event

// Action discriminates what a queued message asks the position ledger to do.
// Bins are homogeneous: every item in a bin carries the same action.
type Action string

const (
	ActionUnknown           Action = ""
	ActionPrepare           Action = "prepare"
	ActionCommit            Action = "commit"
	ActionReserve           Action = "reserve"
	ActionFulfil            Action = "fulfil"
	ActionTimeoutReserved   Action = "timeout-reserved"
	ActionFxTimeoutReserved Action = "fx-timeout-reserved"

	// ActionNotification is the outbound event action stamped on every
	// message the processors emit.
	ActionNotification Action = "notification"
)

// IsFulfil reports whether the action resolves through the fulfil processor.
// A bare "fulfil" behaves like "commit": the queued payload passes through.
func (a Action) IsFulfil() bool {
	return a == ActionCommit || a == ActionReserve || a == ActionFulfil
}

// Known reports whether a is an inbound action this service processes.
func (a Action) Known() bool {
	switch a {
	case ActionCommit, ActionReserve, ActionFulfil, ActionTimeoutReserved, ActionFxTimeoutReserved:
		return true
	default:
		return false
	}
}
