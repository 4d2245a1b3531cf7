package ledger

import (
	"fmt"

	"SwitchLedger/internal/money"
)

// ValidatePositionChain asserts the cumulative invariant over one bin's
// position changes: changes[i].Value == rescaled fold of prior + deltas[0..i].
// The processors run this as a post-check before returning; a failure means
// the fold itself is broken, never bad input.
func ValidatePositionChain(
	prior money.Decimal,
	deltas []money.Decimal,
	changes []ParticipantPositionChange,
	scale int32,
) error {
	if len(deltas) != len(changes) {
		return fmt.Errorf("position chain: %d deltas vs %d changes", len(deltas), len(changes))
	}

	running := prior
	for i, delta := range deltas {
		running = running.Add(delta).Rescale(scale)
		if !changes[i].Value.Equal(running) {
			return fmt.Errorf("position chain broken at item %d: change=%s, expected=%s",
				i, changes[i].Value, running)
		}
	}

	return nil
}
