// Package position implements the position bin processors: pure,
// deterministic batch-reducers that fold an ordered bin of same-action items
// over an account's running position.
//
// Three variants share one algorithm shape; fulfil, timeout-reserved, and
// fx-timeout-reserved. Each is a pure function of its arguments: no I/O, no
// ambient state, and the caller's state map is never mutated (touched entries
// are replaced in a copy). That purity is what lets the caller run different
// accounts in parallel.
package position

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"SwitchLedger/internal/event"
	"SwitchLedger/internal/ledger"
	"SwitchLedger/internal/money"
	"SwitchLedger/internal/observability"
)

// Config is the injected numeric/routing configuration. The processors read
// nothing outside of it.
type Config struct {
	// Scale is the system-wide monetary scale; every add is immediately
	// re-rounded to it.
	Scale int32

	// HubName is the participant name the switch signs error notifications
	// with.
	HubName string
}

// Processor runs bin folds. Logger and metrics are observational only and
// never influence the outputs.
type Processor struct {
	cfg     Config
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewProcessor(cfg Config, log zerolog.Logger, metrics *observability.Metrics) *Processor {
	return &Processor{cfg: cfg, log: log, metrics: metrics}
}

// TransferInfo is the amount record for a plain transfer.
// Amount is pre-signed for direct addition: payee-side amounts are stored
// negative by the upstream store's convention.
type TransferInfo struct {
	TransferID string
	Amount     money.Decimal
	Currency   string
}

// FxTransferInfo is the amount record for an FX leg, keyed by commit request.
// Amount is the source-currency amount, pre-signed like TransferInfo.Amount.
type FxTransferInfo struct {
	CommitRequestID string
	Amount          money.Decimal
	SourceCurrency  string
	TargetCurrency  string
}

// ReservedActionTransfer is the transfer record captured at the original
// reserve step. The fulfil processor's reserve sub-case builds its outbound
// payload from this record rather than from the fulfil message itself.
type ReservedActionTransfer struct {
	TransferID         string          `json:"transferId"`
	Fulfilment         string          `json:"fulfilment"`
	CompletedTimestamp string          `json:"completedTimestamp"`
	ExtensionList      json.RawMessage `json:"extensionList,omitempty"`
}

// fulfilView is the transformed payload sent in place of the original
// reserve-path fulfil body.
type fulfilView struct {
	TransferState      event.TransferState `json:"transferState"`
	Fulfilment         string              `json:"fulfilment,omitempty"`
	CompletedTimestamp string              `json:"completedTimestamp,omitempty"`
	ExtensionList      json.RawMessage     `json:"extensionList,omitempty"`
}

// FulfilPayload renders the record as the fulfil view of a committed transfer.
func (r ReservedActionTransfer) FulfilPayload() (json.RawMessage, error) {
	view := fulfilView{
		TransferState:      event.StateCommitted,
		Fulfilment:         r.Fulfilment,
		CompletedTimestamp: r.CompletedTimestamp,
		ExtensionList:      r.ExtensionList,
	}
	data, err := json.Marshal(view)
	if err != nil {
		return nil, fmt.Errorf("marshal fulfil view for %s: %w", r.TransferID, err)
	}
	return data, nil
}

// FulfilLookups is the auxiliary data for a fulfil bin.
type FulfilLookups struct {
	States                  map[string]event.TransferState
	Transfers               map[string]TransferInfo
	ReservedActionTransfers map[string]ReservedActionTransfer
}

// TimeoutLookups is the auxiliary data for a timeout-reserved bin.
type TimeoutLookups struct {
	States    map[string]event.TransferState
	Transfers map[string]TransferInfo
}

// FxTimeoutLookups is the auxiliary data for an fx-timeout-reserved bin.
// FxStates is a distinct map from the plain transfer states; the processor
// writes only here.
type FxTimeoutLookups struct {
	FxStates    map[string]event.TransferState
	FxTransfers map[string]FxTransferInfo
}

// Result is the output of a fulfil or timeout-reserved bin: the final
// position snapshot, the copy-on-write state map, and the ordered change and
// notification lists.
type Result struct {
	Position        ledger.PositionSnapshot
	States          map[string]event.TransferState
	StateChanges    []ledger.TransferStateChange
	PositionChanges []ledger.ParticipantPositionChange
	Notifications   []ledger.NotifyMessage

	// Deltas are the applied amounts in fold order, kept so the store can
	// re-check the cumulative chain before persisting.
	Deltas []money.Decimal
}

// FxResult is the fx-timeout-reserved counterpart, writing FX state rows.
type FxResult struct {
	Position        ledger.PositionSnapshot
	FxStates        map[string]event.TransferState
	FxStateChanges  []ledger.FxTransferStateChange
	PositionChanges []ledger.ParticipantPositionChange
	Notifications   []ledger.NotifyMessage
	Deltas          []money.Decimal
}

// itemKey extracts the identifying key (transferId or commitRequestId) from
// a bin item's URI parameters.
func itemKey(item *event.BinItem) (string, error) {
	if item == nil || item.Message == nil {
		return "", fmt.Errorf("bin item has no message")
	}
	key := item.Message.Key()
	if key == "" {
		return "", fmt.Errorf("bin item %s has no id in uri params", item.Message.ID)
	}
	return key, nil
}

func (p *Processor) recordApplied(action event.Action) {
	if p.metrics != nil {
		p.metrics.BinItemsApplied.WithLabelValues(string(action)).Inc()
	}
}

func (p *Processor) recordInvalid(action event.Action) {
	if p.metrics != nil {
		p.metrics.BinItemsInvalid.WithLabelValues(string(action)).Inc()
	}
}
