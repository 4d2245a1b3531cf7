package position

import (
	"fmt"

	"SwitchLedger/internal/event"
	"SwitchLedger/internal/fspiop"
	"SwitchLedger/internal/ledger"
	"SwitchLedger/internal/money"
	"SwitchLedger/internal/notification"
)

// ProcessFxTimeoutReservedBin resolves expiry of reserved FX legs. Identical
// shape to ProcessTimeoutReservedBin but keyed by commitRequestId, reverting
// the FX source-currency amount and writing the distinct fx-transfer state
// map; plain transfer states are untouched. The queued message's from/to pair
// is (fxp, payer). A precondition mismatch is fatal for the whole bin.
func (p *Processor) ProcessFxTimeoutReservedBin(
	bin []*event.BinItem,
	prior ledger.PositionSnapshot,
	lk FxTimeoutLookups,
) (*FxResult, error) {
	fxStates := event.CopyStates(lk.FxStates)
	res := &FxResult{FxStates: fxStates}

	running := prior.Value
	deltas := make([]money.Decimal, 0, len(bin))

	for _, item := range bin {
		commitRequestID, err := itemKey(item)
		if err != nil {
			return nil, fmt.Errorf("fx-timeout-reserved bin: %w", err)
		}

		current, ok := fxStates[commitRequestID]
		if !ok {
			return nil, fmt.Errorf("fx-timeout-reserved bin: no state on record for commit request %s", commitRequestID)
		}
		if current != event.StateReservedTimeout {
			p.recordInvalid(event.ActionFxTimeoutReserved)
			return nil, fmt.Errorf(
				"fx-timeout-reserved bin: commit request %s is in state %s, expected %s",
				commitRequestID, current, event.StateReservedTimeout)
		}

		info, ok := lk.FxTransfers[commitRequestID]
		if !ok {
			return nil, fmt.Errorf("fx-timeout-reserved bin: no amount on record for commit request %s", commitRequestID)
		}

		running = running.Add(info.Amount).Rescale(p.cfg.Scale)
		deltas = append(deltas, info.Amount)

		fxStates[commitRequestID] = event.StateExpiredReserved
		res.FxStateChanges = append(res.FxStateChanges, ledger.FxTransferStateChange{
			CommitRequestID: commitRequestID,
			TransferStateID: event.StateExpiredReserved,
			Reason:          reasonTransferExpired,
		})
		res.PositionChanges = append(res.PositionChanges, ledger.ParticipantPositionChange{
			CommitRequestID: commitRequestID,
			Value:           running,
			ReservedValue:   prior.ReservedValue,
		})

		msg := notification.BuildError(
			item.Message.From, item.Message.To, commitRequestID,
			item.Message.Metadata.Event.ID,
			event.ActionFxTimeoutReserved,
			fspiop.ErrTransferExpired, "",
			item.Message.Content.Headers,
		)
		res.Notifications = append(res.Notifications, ledger.NotifyMessage{Item: item, Message: msg})

		item.Result = &event.ItemResult{Success: true}
		p.recordApplied(event.ActionFxTimeoutReserved)
	}

	res.Position = ledger.PositionSnapshot{
		Value:         running,
		ReservedValue: prior.ReservedValue,
	}
	res.Deltas = deltas

	if err := ledger.ValidatePositionChain(prior.Value, deltas, res.PositionChanges, p.cfg.Scale); err != nil {
		return nil, fmt.Errorf("fx-timeout-reserved bin post-check: %w", err)
	}

	return res, nil
}
