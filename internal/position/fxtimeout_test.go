package position_test

import (
	"testing"

	"SwitchLedger/internal/event"
	"SwitchLedger/internal/fspiop"
	"SwitchLedger/internal/position"
)

func TestProcessFxTimeoutReservedBin_RevertsFxReservations(t *testing.T) {
	p := newTestProcessor()

	bin := []*event.BinItem{
		binItem("cr1", "fxp", "payerfsp", event.ActionFxTimeoutReserved, `{}`),
		binItem("cr2", "fxp", "payerfsp", event.ActionFxTimeoutReserved, `{}`),
	}
	lk := position.FxTimeoutLookups{
		FxStates: map[string]event.TransferState{
			"cr1": event.StateReservedTimeout,
			"cr2": event.StateReservedTimeout,
		},
		FxTransfers: map[string]position.FxTransferInfo{
			"cr1": {CommitRequestID: "cr1", Amount: amt("-7.50"), SourceCurrency: "USD", TargetCurrency: "EUR"},
			"cr2": {CommitRequestID: "cr2", Amount: amt("-2.50"), SourceCurrency: "USD", TargetCurrency: "EUR"},
		},
	}

	res, err := p.ProcessFxTimeoutReservedBin(bin, snapshot("0", "0"), lk)
	if err != nil {
		t.Fatalf("fx-timeout bin: %v", err)
	}

	wantValue(t, res.Position.Value, "-10.0000", "final position")
	if len(res.PositionChanges) != 2 {
		t.Fatalf("position changes: got %d, want 2", len(res.PositionChanges))
	}
	wantValue(t, res.PositionChanges[0].Value, "-7.5000", "change[0]")
	wantValue(t, res.PositionChanges[1].Value, "-10.0000", "change[1]")

	// FX rows are keyed by commit request, never by transfer id.
	for i, pc := range res.PositionChanges {
		if pc.CommitRequestID == "" {
			t.Errorf("change %d: commit request id missing", i)
		}
		if pc.TransferID != "" {
			t.Errorf("change %d: transfer id must stay empty on FX rows", i)
		}
	}

	if len(res.FxStateChanges) != 2 {
		t.Fatalf("fx state changes: got %d, want 2", len(res.FxStateChanges))
	}
	for _, sc := range res.FxStateChanges {
		if sc.TransferStateID != event.StateExpiredReserved {
			t.Errorf("commit request %s: state %s", sc.CommitRequestID, sc.TransferStateID)
		}
		if sc.Reason != "transfer expired" {
			t.Errorf("commit request %s: reason %q", sc.CommitRequestID, sc.Reason)
		}
	}
	if res.FxStates["cr1"] != event.StateExpiredReserved || res.FxStates["cr2"] != event.StateExpiredReserved {
		t.Error("returned fx state map must reflect EXPIRED_RESERVED")
	}

	if len(res.Notifications) != 2 {
		t.Fatalf("notifications: got %d, want 2", len(res.Notifications))
	}
	for i, n := range res.Notifications {
		if n.Message.From != "fxp" || n.Message.To != "payerfsp" {
			t.Errorf("notification %d: routing %s -> %s", i, n.Message.From, n.Message.To)
		}
		if n.Message.Metadata.Event.State.Code != string(fspiop.ErrTransferExpired) {
			t.Errorf("notification %d: code %q, want 3303", i, n.Message.Metadata.Event.State.Code)
		}
	}
}

func TestProcessFxTimeoutReservedBin_WrongStateFailsWholeBin(t *testing.T) {
	p := newTestProcessor()

	bin := []*event.BinItem{
		binItem("cr1", "fxp", "payerfsp", event.ActionFxTimeoutReserved, `{}`),
	}
	lk := position.FxTimeoutLookups{
		FxStates:    map[string]event.TransferState{"cr1": event.StateReceivedPrepare},
		FxTransfers: map[string]position.FxTransferInfo{"cr1": {CommitRequestID: "cr1", Amount: amt("-7.50")}},
	}

	res, err := p.ProcessFxTimeoutReservedBin(bin, snapshot("0", "0"), lk)
	if err == nil {
		t.Fatal("a mismatched fx-timeout item must fail the whole bin")
	}
	if res != nil {
		t.Error("no partial output may be returned on a fatal bin")
	}
	if lk.FxStates["cr1"] != event.StateReceivedPrepare {
		t.Error("caller's fx state map was mutated")
	}
}

func TestProcessFxTimeoutReservedBin_MissingLookupsAreFatal(t *testing.T) {
	p := newTestProcessor()

	t.Run("no fx state on record", func(t *testing.T) {
		bin := []*event.BinItem{binItem("cr1", "fxp", "payerfsp", event.ActionFxTimeoutReserved, `{}`)}
		lk := position.FxTimeoutLookups{
			FxStates:    map[string]event.TransferState{},
			FxTransfers: map[string]position.FxTransferInfo{"cr1": {Amount: amt("-1")}},
		}
		if _, err := p.ProcessFxTimeoutReservedBin(bin, snapshot("0", "0"), lk); err == nil {
			t.Fatal("want error")
		}
	})

	t.Run("no fx amount on record", func(t *testing.T) {
		bin := []*event.BinItem{binItem("cr1", "fxp", "payerfsp", event.ActionFxTimeoutReserved, `{}`)}
		lk := position.FxTimeoutLookups{
			FxStates: map[string]event.TransferState{"cr1": event.StateReservedTimeout},
		}
		if _, err := p.ProcessFxTimeoutReservedBin(bin, snapshot("0", "0"), lk); err == nil {
			t.Fatal("want error")
		}
	})
}
