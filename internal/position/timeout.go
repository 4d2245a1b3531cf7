package position

import (
	"fmt"

	"SwitchLedger/internal/event"
	"SwitchLedger/internal/fspiop"
	"SwitchLedger/internal/ledger"
	"SwitchLedger/internal/money"
	"SwitchLedger/internal/notification"
)

const reasonTransferExpired = "transfer expired"

// ProcessTimeoutReservedBin resolves expiry of reserved transfers.
//
// Precondition per item: the transfer is in RESERVED_TIMEOUT. Unlike fulfil,
// a mismatch is fatal for the whole bin; a reserved transfer expiring from
// any other state means the upstream state machine is broken, so the caller
// must discard everything from this call and persist none of it.
//
// On a match the reservation is reverted by adding the recorded (negative)
// amount, the transfer moves to EXPIRED_RESERVED, and a single FSPIOP 3303
// message is built per item using the from/to pair recorded on the queued
// message; the downstream transport fans it out to both counterparties.
func (p *Processor) ProcessTimeoutReservedBin(
	bin []*event.BinItem,
	prior ledger.PositionSnapshot,
	lk TimeoutLookups,
) (*Result, error) {
	states := event.CopyStates(lk.States)
	res := &Result{States: states}

	running := prior.Value
	deltas := make([]money.Decimal, 0, len(bin))

	for _, item := range bin {
		transferID, err := itemKey(item)
		if err != nil {
			return nil, fmt.Errorf("timeout-reserved bin: %w", err)
		}

		current, ok := states[transferID]
		if !ok {
			return nil, fmt.Errorf("timeout-reserved bin: no state on record for transfer %s", transferID)
		}
		if current != event.StateReservedTimeout {
			p.recordInvalid(event.ActionTimeoutReserved)
			return nil, fmt.Errorf(
				"timeout-reserved bin: transfer %s is in state %s, expected %s",
				transferID, current, event.StateReservedTimeout)
		}

		info, ok := lk.Transfers[transferID]
		if !ok {
			return nil, fmt.Errorf("timeout-reserved bin: no amount on record for transfer %s", transferID)
		}

		running = running.Add(info.Amount).Rescale(p.cfg.Scale)
		deltas = append(deltas, info.Amount)

		states[transferID] = event.StateExpiredReserved
		res.StateChanges = append(res.StateChanges, ledger.TransferStateChange{
			TransferID:      transferID,
			TransferStateID: event.StateExpiredReserved,
			Reason:          reasonTransferExpired,
		})
		res.PositionChanges = append(res.PositionChanges, ledger.ParticipantPositionChange{
			TransferID:    transferID,
			Value:         running,
			ReservedValue: prior.ReservedValue,
		})

		msg := notification.BuildError(
			item.Message.From, item.Message.To, transferID,
			item.Message.Metadata.Event.ID,
			event.ActionTimeoutReserved,
			fspiop.ErrTransferExpired, "",
			item.Message.Content.Headers,
		)
		res.Notifications = append(res.Notifications, ledger.NotifyMessage{Item: item, Message: msg})

		item.Result = &event.ItemResult{Success: true}
		p.recordApplied(event.ActionTimeoutReserved)
	}

	res.Position = ledger.PositionSnapshot{
		Value:         running,
		ReservedValue: prior.ReservedValue,
	}
	res.Deltas = deltas

	if err := ledger.ValidatePositionChain(prior.Value, deltas, res.PositionChanges, p.cfg.Scale); err != nil {
		return nil, fmt.Errorf("timeout-reserved bin post-check: %w", err)
	}

	return res, nil
}
