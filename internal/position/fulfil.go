package position

import (
	"fmt"

	"SwitchLedger/internal/event"
	"SwitchLedger/internal/fspiop"
	"SwitchLedger/internal/ledger"
	"SwitchLedger/internal/money"
	"SwitchLedger/internal/notification"
)

// ProcessFulfilBin resolves a bin of commit/reserve items against one
// account's running position.
//
// Precondition per item: the transfer is in RECEIVED_FULFIL. A mismatched
// item does NOT fail the bin; the switch synthesizes an FSPIOP 2001 error
// back to the sender, leaves the transfer's state untouched, and the fold
// continues. This is the expected duplicate/out-of-order fulfil path.
//
// On a match the position advances by the transfer's recorded payee-side
// (negative) amount, the transfer moves to COMMITTED, and the fulfil callback
// is forwarded payee → payer. The reserve sub-case swaps the outbound payload
// for the fulfil view of the reserved-action transfer record, because the
// reserve path's canonical fulfilment data lives on that record, not on the
// fulfil message.
//
// The accumulated reserved value passes through unchanged; fulfil does not
// touch reserved-value bookkeeping.
func (p *Processor) ProcessFulfilBin(
	bin []*event.BinItem,
	prior ledger.PositionSnapshot,
	lk FulfilLookups,
) (*Result, error) {
	states := event.CopyStates(lk.States)
	res := &Result{States: states}

	running := prior.Value
	deltas := make([]money.Decimal, 0, len(bin))

	for _, item := range bin {
		transferID, err := itemKey(item)
		if err != nil {
			return nil, fmt.Errorf("fulfil bin: %w", err)
		}
		action := item.Message.Metadata.Event.Action

		current, ok := states[transferID]
		if !ok {
			return nil, fmt.Errorf("fulfil bin: no state on record for transfer %s", transferID)
		}

		if current != event.StateReceivedFulfil {
			// Recover locally: error notification from the hub to the
			// original sender, state untouched, fold continues.
			p.recordInvalid(action)
			p.log.Warn().
				Str("transfer_id", transferID).
				Str("state", string(current)).
				Msg("fulfil for transfer not in RECEIVED_FULFIL")

			errMsg := notification.BuildError(
				p.cfg.HubName, item.Message.From, transferID,
				item.Message.Metadata.Event.ID, action,
				fspiop.ErrInternal,
				fmt.Sprintf("transfer %s is in state %s, fulfilment not allowed", transferID, current),
				item.Message.Content.Headers,
			)
			res.Notifications = append(res.Notifications, ledger.NotifyMessage{Item: item, Message: errMsg})
			continue
		}

		info, ok := lk.Transfers[transferID]
		if !ok {
			return nil, fmt.Errorf("fulfil bin: no amount on record for transfer %s", transferID)
		}

		running = running.Add(info.Amount).Rescale(p.cfg.Scale)
		deltas = append(deltas, info.Amount)

		states[transferID] = event.StateCommitted
		res.StateChanges = append(res.StateChanges, ledger.TransferStateChange{
			TransferID:      transferID,
			TransferStateID: event.StateCommitted,
		})
		res.PositionChanges = append(res.PositionChanges, ledger.ParticipantPositionChange{
			TransferID:    transferID,
			Value:         running,
			ReservedValue: prior.ReservedValue,
		})

		payload := item.Message.Content.Payload
		if action == event.ActionReserve {
			rec, ok := lk.ReservedActionTransfers[transferID]
			if !ok {
				return nil, fmt.Errorf("fulfil bin: no reserved-action transfer on record for %s", transferID)
			}
			payload, err = rec.FulfilPayload()
			if err != nil {
				return nil, fmt.Errorf("fulfil bin: %w", err)
			}
		}

		// Callback leg: the queued fulfil already carries from=payee,
		// to=payer, so routing passes through.
		msg := notification.Build(
			item.Message.From, item.Message.To, transferID,
			item.Message.Metadata.Event.ID, action,
			event.SuccessState(),
			item.Message.Content.Headers,
			payload,
		)
		res.Notifications = append(res.Notifications, ledger.NotifyMessage{Item: item, Message: msg})

		item.Result = &event.ItemResult{Success: true}
		p.recordApplied(action)
	}

	res.Position = ledger.PositionSnapshot{
		Value:         running,
		ReservedValue: prior.ReservedValue,
	}
	res.Deltas = deltas

	if err := ledger.ValidatePositionChain(prior.Value, deltas, res.PositionChanges, p.cfg.Scale); err != nil {
		return nil, fmt.Errorf("fulfil bin post-check: %w", err)
	}

	return res, nil
}
