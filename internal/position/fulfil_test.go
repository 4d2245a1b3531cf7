package position_test

import (
	"encoding/json"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"SwitchLedger/internal/event"
	"SwitchLedger/internal/fspiop"
	"SwitchLedger/internal/position"
)

// ============================================================
// Happy path
// ============================================================

func TestProcessFulfilBin_CumulativePositions(t *testing.T) {
	p := newTestProcessor()

	bin := []*event.BinItem{
		binItem("t1", "payeefsp", "payerfsp", event.ActionCommit, `{"fulfilment":"f1","transferState":"COMMITTED"}`),
		binItem("t2", "payeefsp", "payerfsp", event.ActionCommit, `{"fulfilment":"f2","transferState":"COMMITTED"}`),
	}
	lk := position.FulfilLookups{
		States: map[string]event.TransferState{
			"t1": event.StateReceivedFulfil,
			"t2": event.StateReceivedFulfil,
		},
		Transfers: map[string]position.TransferInfo{
			"t1": {TransferID: "t1", Amount: amt("2.00"), Currency: "USD"},
			"t2": {TransferID: "t2", Amount: amt("2.00"), Currency: "USD"},
		},
	}

	res, err := p.ProcessFulfilBin(bin, snapshot("0", "0"), lk)
	if err != nil {
		t.Fatalf("fulfil bin: %v", err)
	}

	wantValue(t, res.Position.Value, "4.0000", "final position")
	wantValue(t, res.Position.ReservedValue, "0", "reserved value")

	// Each position-change row carries the cumulative value after its item.
	if len(res.PositionChanges) != 2 {
		t.Fatalf("position changes: got %d, want 2", len(res.PositionChanges))
	}
	wantValue(t, res.PositionChanges[0].Value, "2.0000", "change[0]")
	wantValue(t, res.PositionChanges[1].Value, "4.0000", "change[1]")
	if res.PositionChanges[0].TransferID != "t1" || res.PositionChanges[1].TransferID != "t2" {
		t.Error("position changes out of bin order")
	}
	if res.PositionChanges[0].TransferStateChangeID != 0 {
		t.Error("state-change id must stay zero until the store assigns it")
	}

	if len(res.StateChanges) != 2 {
		t.Fatalf("state changes: got %d, want 2", len(res.StateChanges))
	}
	for _, sc := range res.StateChanges {
		if sc.TransferStateID != event.StateCommitted {
			t.Errorf("transfer %s: state %s, want %s", sc.TransferID, sc.TransferStateID, event.StateCommitted)
		}
		if sc.Reason != "" {
			t.Errorf("transfer %s: unexpected reason %q", sc.TransferID, sc.Reason)
		}
	}
	if res.States["t1"] != event.StateCommitted || res.States["t2"] != event.StateCommitted {
		t.Error("returned state map must reflect COMMITTED")
	}

	if len(res.Notifications) != len(bin) {
		t.Fatalf("notifications: got %d, want one per bin item", len(res.Notifications))
	}
	for i, n := range res.Notifications {
		if n.Message.From != "payeefsp" || n.Message.To != "payerfsp" {
			t.Errorf("notification %d: routing %s -> %s, want payeefsp -> payerfsp", i, n.Message.From, n.Message.To)
		}
		if n.Message.Metadata.Event.State.Status != event.StatusSuccess {
			t.Errorf("notification %d: status %q", i, n.Message.Metadata.Event.State.Status)
		}
		if n.Item != bin[i] {
			t.Errorf("notification %d not paired with its bin item", i)
		}
	}
	// Commit path forwards the original fulfil body untouched.
	if string(res.Notifications[0].Message.Content.Payload) != string(bin[0].Message.Content.Payload) {
		t.Error("commit payload must pass through")
	}

	for i, item := range bin {
		if item.Result == nil || !item.Result.Success {
			t.Errorf("item %d not marked applied", i)
		}
	}
}

func TestProcessFulfilBin_RescalesEveryStep(t *testing.T) {
	// Re-rounding after each add, not once at the end: two 0.105 amounts at
	// scale 2 give 0.11 + 0.105 -> 0.22, where a single final round gives 0.21.
	p := position.NewProcessor(position.Config{Scale: 2, HubName: "switch"}, zerolog.Nop(), nil)

	bin := []*event.BinItem{
		binItem("t1", "payeefsp", "payerfsp", event.ActionCommit, `{}`),
		binItem("t2", "payeefsp", "payerfsp", event.ActionCommit, `{}`),
	}
	lk := position.FulfilLookups{
		States: map[string]event.TransferState{
			"t1": event.StateReceivedFulfil,
			"t2": event.StateReceivedFulfil,
		},
		Transfers: map[string]position.TransferInfo{
			"t1": {TransferID: "t1", Amount: amt("0.105"), Currency: "USD"},
			"t2": {TransferID: "t2", Amount: amt("0.105"), Currency: "USD"},
		},
	}

	res, err := p.ProcessFulfilBin(bin, snapshot("0", "0"), lk)
	if err != nil {
		t.Fatalf("fulfil bin: %v", err)
	}
	wantValue(t, res.Position.Value, "0.22", "final position")
}

// ============================================================
// Invalid-state recovery
// ============================================================

func TestProcessFulfilBin_InvalidStateRecoversLocally(t *testing.T) {
	p := newTestProcessor()

	bin := []*event.BinItem{
		binItem("t1", "payeefsp", "payerfsp", event.ActionCommit, `{"fulfilment":"f1"}`),
	}
	lk := position.FulfilLookups{
		States:    map[string]event.TransferState{"t1": event.StateAbortedRejected},
		Transfers: map[string]position.TransferInfo{"t1": {TransferID: "t1", Amount: amt("2.00")}},
	}

	res, err := p.ProcessFulfilBin(bin, snapshot("5", "0"), lk)
	if err != nil {
		t.Fatalf("mismatch must not fail the bin: %v", err)
	}

	wantValue(t, res.Position.Value, "5", "position must be untouched")
	if len(res.StateChanges) != 0 || len(res.PositionChanges) != 0 {
		t.Error("no ledger rows may be emitted for a skipped item")
	}
	if res.States["t1"] != event.StateAbortedRejected {
		t.Error("transfer state must stay unchanged")
	}
	if bin[0].Result != nil {
		t.Error("skipped item must not be marked applied")
	}

	if len(res.Notifications) != 1 {
		t.Fatalf("notifications: got %d, want 1", len(res.Notifications))
	}
	msg := res.Notifications[0].Message
	if msg.From != "switch" {
		t.Errorf("error notification from %q, want the hub", msg.From)
	}
	if msg.To != "payeefsp" {
		t.Errorf("error notification to %q, want the original sender", msg.To)
	}
	if msg.Metadata.Event.State.Code != string(fspiop.ErrInternal) {
		t.Errorf("state code %q, want 2001", msg.Metadata.Event.State.Code)
	}
	var body fspiop.ErrorPayload
	if err := json.Unmarshal(msg.Content.Payload, &body); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if body.ErrorInformation.ErrorCode != "2001" {
		t.Errorf("error code %q, want 2001", body.ErrorInformation.ErrorCode)
	}
	if !strings.Contains(body.ErrorInformation.ErrorDescription, "t1") {
		t.Errorf("description should name the transfer: %q", body.ErrorInformation.ErrorDescription)
	}
}

func TestProcessFulfilBin_MixedBinContinuesPastInvalidItem(t *testing.T) {
	p := newTestProcessor()

	bin := []*event.BinItem{
		binItem("t1", "payeefsp", "payerfsp", event.ActionCommit, `{}`),
		binItem("t2", "payeefsp", "payerfsp", event.ActionCommit, `{}`),
		binItem("t3", "payeefsp", "payerfsp", event.ActionCommit, `{}`),
	}
	lk := position.FulfilLookups{
		States: map[string]event.TransferState{
			"t1": event.StateReceivedFulfil,
			"t2": event.StateCommitted, // duplicate fulfil
			"t3": event.StateReceivedFulfil,
		},
		Transfers: map[string]position.TransferInfo{
			"t1": {TransferID: "t1", Amount: amt("2.00")},
			"t2": {TransferID: "t2", Amount: amt("99.00")},
			"t3": {TransferID: "t3", Amount: amt("2.00")},
		},
	}

	res, err := p.ProcessFulfilBin(bin, snapshot("0", "0"), lk)
	if err != nil {
		t.Fatalf("fulfil bin: %v", err)
	}

	wantValue(t, res.Position.Value, "4.0000", "final position")
	if len(res.PositionChanges) != 2 {
		t.Fatalf("position changes: got %d, want 2", len(res.PositionChanges))
	}
	wantValue(t, res.PositionChanges[0].Value, "2.0000", "change[0]")
	wantValue(t, res.PositionChanges[1].Value, "4.0000", "change[1]")
	if res.PositionChanges[1].TransferID != "t3" {
		t.Error("fold must continue past the skipped item")
	}

	// One notification per bin item, success or error.
	if len(res.Notifications) != len(bin) {
		t.Fatalf("notifications: got %d, want %d", len(res.Notifications), len(bin))
	}
	if res.Notifications[1].Message.Metadata.Event.State.Status != event.StatusError {
		t.Error("middle notification must be the error envelope")
	}
	if res.States["t2"] != event.StateCommitted {
		t.Error("skipped transfer's state must stay unchanged")
	}
}

// ============================================================
// Reserve sub-case
// ============================================================

func TestProcessFulfilBin_ReserveSwapsPayload(t *testing.T) {
	p := newTestProcessor()

	bin := []*event.BinItem{
		binItem("t1", "payeefsp", "payerfsp", event.ActionReserve, `{"fulfilment":"from-the-message"}`),
	}
	lk := position.FulfilLookups{
		States:    map[string]event.TransferState{"t1": event.StateReceivedFulfil},
		Transfers: map[string]position.TransferInfo{"t1": {TransferID: "t1", Amount: amt("3.50")}},
		ReservedActionTransfers: map[string]position.ReservedActionTransfer{
			"t1": {
				TransferID:         "t1",
				Fulfilment:         "from-the-record",
				CompletedTimestamp: "2025-02-10T10:00:00.000Z",
			},
		},
	}

	res, err := p.ProcessFulfilBin(bin, snapshot("0", "0"), lk)
	if err != nil {
		t.Fatalf("reserve bin: %v", err)
	}

	var view struct {
		TransferState      string `json:"transferState"`
		Fulfilment         string `json:"fulfilment"`
		CompletedTimestamp string `json:"completedTimestamp"`
	}
	if err := json.Unmarshal(res.Notifications[0].Message.Content.Payload, &view); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if view.TransferState != string(event.StateCommitted) {
		t.Errorf("transferState %q, want COMMITTED", view.TransferState)
	}
	if view.Fulfilment != "from-the-record" {
		t.Errorf("fulfilment %q: reserve must use the stored record, not the message body", view.Fulfilment)
	}
	if view.CompletedTimestamp == "" {
		t.Error("completedTimestamp missing from fulfil view")
	}
}

func TestProcessFulfilBin_ReserveMissingRecordIsFatal(t *testing.T) {
	p := newTestProcessor()

	bin := []*event.BinItem{
		binItem("t1", "payeefsp", "payerfsp", event.ActionReserve, `{}`),
	}
	lk := position.FulfilLookups{
		States:    map[string]event.TransferState{"t1": event.StateReceivedFulfil},
		Transfers: map[string]position.TransferInfo{"t1": {TransferID: "t1", Amount: amt("3.50")}},
	}

	if _, err := p.ProcessFulfilBin(bin, snapshot("0", "0"), lk); err == nil {
		t.Fatal("missing reserved-action record must fail the bin")
	}
}

// ============================================================
// Input-shape failures and purity
// ============================================================

func TestProcessFulfilBin_MissingLookupsAreFatal(t *testing.T) {
	p := newTestProcessor()

	t.Run("no state on record", func(t *testing.T) {
		bin := []*event.BinItem{binItem("t1", "a", "b", event.ActionCommit, `{}`)}
		lk := position.FulfilLookups{
			States:    map[string]event.TransferState{},
			Transfers: map[string]position.TransferInfo{"t1": {Amount: amt("1")}},
		}
		if _, err := p.ProcessFulfilBin(bin, snapshot("0", "0"), lk); err == nil {
			t.Fatal("want error")
		}
	})

	t.Run("no amount on record", func(t *testing.T) {
		bin := []*event.BinItem{binItem("t1", "a", "b", event.ActionCommit, `{}`)}
		lk := position.FulfilLookups{
			States: map[string]event.TransferState{"t1": event.StateReceivedFulfil},
		}
		if _, err := p.ProcessFulfilBin(bin, snapshot("0", "0"), lk); err == nil {
			t.Fatal("want error")
		}
	})

	t.Run("no id in uri params", func(t *testing.T) {
		item := binItem("t1", "a", "b", event.ActionCommit, `{}`)
		item.Message.Content.URIParams = nil
		lk := position.FulfilLookups{
			States:    map[string]event.TransferState{"t1": event.StateReceivedFulfil},
			Transfers: map[string]position.TransferInfo{"t1": {Amount: amt("1")}},
		}
		if _, err := p.ProcessFulfilBin([]*event.BinItem{item}, snapshot("0", "0"), lk); err == nil {
			t.Fatal("want error")
		}
	})
}

func TestProcessFulfilBin_DoesNotMutateCallerState(t *testing.T) {
	p := newTestProcessor()

	bin := []*event.BinItem{binItem("t1", "payeefsp", "payerfsp", event.ActionCommit, `{}`)}
	states := map[string]event.TransferState{"t1": event.StateReceivedFulfil}
	lk := position.FulfilLookups{
		States:    states,
		Transfers: map[string]position.TransferInfo{"t1": {TransferID: "t1", Amount: amt("2.00")}},
	}

	if _, err := p.ProcessFulfilBin(bin, snapshot("0", "0"), lk); err != nil {
		t.Fatalf("fulfil bin: %v", err)
	}
	if states["t1"] != event.StateReceivedFulfil {
		t.Error("caller's state map was mutated")
	}
}

func TestProcessFulfilBin_Deterministic(t *testing.T) {
	run := func() *position.Result {
		p := newTestProcessor()
		bin := []*event.BinItem{
			binItem("t1", "payeefsp", "payerfsp", event.ActionCommit, `{"fulfilment":"f1"}`),
			binItem("t2", "payeefsp", "payerfsp", event.ActionCommit, `{"fulfilment":"f2"}`),
		}
		lk := position.FulfilLookups{
			States: map[string]event.TransferState{
				"t1": event.StateReceivedFulfil,
				"t2": event.StateReceivedFulfil,
			},
			Transfers: map[string]position.TransferInfo{
				"t1": {TransferID: "t1", Amount: amt("2.00")},
				"t2": {TransferID: "t2", Amount: amt("-1.25")},
			},
		}
		res, err := p.ProcessFulfilBin(bin, snapshot("10", "0"), lk)
		if err != nil {
			t.Fatalf("fulfil bin: %v", err)
		}
		return res
	}

	a, _ := json.Marshal(run())
	b, _ := json.Marshal(run())
	if !reflect.DeepEqual(a, b) {
		t.Error("identical inputs must produce byte-identical outputs")
	}
}
