// Package binning turns the decoded inbound stream into ordered per-account
// work units and drives them through the position processors. Which account a
// message settles against is decided upstream; this package only groups and
// dispatches.
package binning

import (
	"SwitchLedger/internal/event"
)

// Bin is an ordered run of same-action items for one account.
type Bin struct {
	Action event.Action
	Items  []*event.BinItem
}

// AccountBatch is everything queued for one account, in arrival order.
type AccountBatch struct {
	Account string
	Bins    []*Bin
}

// Inbound pairs a decoded message with the account it settles against.
type Inbound struct {
	Account string
	Item    *event.BinItem
}

// Assemble groups inbound items into account batches. Arrival order is
// preserved twice over: batches appear in first-arrival order of their
// account, and within an account consecutive same-action items share a bin.
// An action switch starts a new bin, so replaying bins in order replays the
// original sequence.
func Assemble(in []Inbound) []*AccountBatch {
	var batches []*AccountBatch
	byAccount := make(map[string]*AccountBatch)

	for _, msg := range in {
		if msg.Item == nil || msg.Item.Message == nil {
			continue
		}

		batch, ok := byAccount[msg.Account]
		if !ok {
			batch = &AccountBatch{Account: msg.Account}
			byAccount[msg.Account] = batch
			batches = append(batches, batch)
		}

		action := msg.Item.Message.Metadata.Event.Action
		n := len(batch.Bins)
		if n == 0 || batch.Bins[n-1].Action != action {
			batch.Bins = append(batch.Bins, &Bin{Action: action})
			n++
		}
		batch.Bins[n-1].Items = append(batch.Bins[n-1].Items, msg.Item)
	}

	return batches
}

// Size returns the total item count across all bins.
func (b *AccountBatch) Size() int {
	total := 0
	for _, bin := range b.Bins {
		total += len(bin.Items)
	}
	return total
}
