// Package store is the Postgres side of the ledger: snapshot and lookup loads
// for the processors, and the ordered transactional persist of their outputs.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"SwitchLedger/internal/event"
	"SwitchLedger/internal/ledger"
	"SwitchLedger/internal/money"
	"SwitchLedger/internal/observability"
	"SwitchLedger/internal/position"
)

// PersistRequest is one processed account result queued for the worker. The
// slices arrive in bin order and must land in that order: every position
// change's Value is cumulative, so a reordered insert corrupts the chain.
type PersistRequest struct {
	Account         string
	Action          event.Action
	Prior           ledger.PositionSnapshot
	Position        ledger.PositionSnapshot
	Deltas          []money.Decimal
	StateChanges    []ledger.TransferStateChange
	FxStateChanges  []ledger.FxTransferStateChange
	PositionChanges []ledger.ParticipantPositionChange
	EnqueuedAt      time.Time
}

// Store wraps the Postgres connection pool.
type Store struct {
	db      *sql.DB
	log     zerolog.Logger
	metrics *observability.Metrics
	scale   int32
}

func New(db *sql.DB, scale int32, log zerolog.Logger, metrics *observability.Metrics) *Store {
	return &Store{
		db:      db,
		scale:   scale,
		log:     log.With().Str("component", "store").Logger(),
		metrics: metrics,
	}
}

// DB exposes the pool for health checks and the migrator.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ============================================================
// Loads
// ============================================================

// LoadAccountSnapshot returns the account's current position. An account with
// no row yet starts at zero.
func (s *Store) LoadAccountSnapshot(ctx context.Context, account string) (ledger.PositionSnapshot, error) {
	var value, reserved string
	err := s.db.QueryRowContext(ctx,
		`SELECT value, reserved_value FROM participant_position WHERE account = $1`,
		account,
	).Scan(&value, &reserved)
	if err == sql.ErrNoRows {
		return ledger.PositionSnapshot{Value: money.Zero(), ReservedValue: money.Zero()}, nil
	}
	if err != nil {
		return ledger.PositionSnapshot{}, fmt.Errorf("load snapshot for %s: %w", account, err)
	}
	return snapshotFromStrings(value, reserved)
}

// LoadFulfilLookups loads everything a fulfil bin needs: latest transfer
// states, pre-signed amounts, and reserved-action records for the ids present.
func (s *Store) LoadFulfilLookups(ctx context.Context, ids []string) (position.FulfilLookups, error) {
	states, err := s.loadLatestStates(ctx, ids)
	if err != nil {
		return position.FulfilLookups{}, err
	}
	transfers, err := s.loadTransfers(ctx, ids)
	if err != nil {
		return position.FulfilLookups{}, err
	}
	reserved, err := s.loadReservedActionTransfers(ctx, ids)
	if err != nil {
		return position.FulfilLookups{}, err
	}
	return position.FulfilLookups{
		States:                  states,
		Transfers:               transfers,
		ReservedActionTransfers: reserved,
	}, nil
}

// LoadTimeoutLookups loads states and amounts for a timeout-reserved bin.
func (s *Store) LoadTimeoutLookups(ctx context.Context, ids []string) (position.TimeoutLookups, error) {
	states, err := s.loadLatestStates(ctx, ids)
	if err != nil {
		return position.TimeoutLookups{}, err
	}
	transfers, err := s.loadTransfers(ctx, ids)
	if err != nil {
		return position.TimeoutLookups{}, err
	}
	return position.TimeoutLookups{States: states, Transfers: transfers}, nil
}

// LoadFxTimeoutLookups loads FX states and amounts keyed by commit request.
func (s *Store) LoadFxTimeoutLookups(ctx context.Context, ids []string) (position.FxTimeoutLookups, error) {
	states := make(map[string]event.TransferState, len(ids))
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (commit_request_id) commit_request_id, transfer_state_id
		FROM fx_transfer_state_change
		WHERE commit_request_id = ANY($1)
		ORDER BY commit_request_id, fx_transfer_state_change_id DESC`,
		pq.Array(ids),
	)
	if err != nil {
		return position.FxTimeoutLookups{}, fmt.Errorf("load fx states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return position.FxTimeoutLookups{}, fmt.Errorf("scan fx state: %w", err)
		}
		states[id] = event.TransferState(state)
	}
	if err := rows.Err(); err != nil {
		return position.FxTimeoutLookups{}, fmt.Errorf("load fx states: %w", err)
	}

	fxTransfers := make(map[string]position.FxTransferInfo, len(ids))
	rows, err = s.db.QueryContext(ctx, `
		SELECT commit_request_id, amount, source_currency, target_currency
		FROM fx_transfer WHERE commit_request_id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return position.FxTimeoutLookups{}, fmt.Errorf("load fx transfers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var info position.FxTransferInfo
		var amount string
		if err := rows.Scan(&info.CommitRequestID, &amount, &info.SourceCurrency, &info.TargetCurrency); err != nil {
			return position.FxTimeoutLookups{}, fmt.Errorf("scan fx transfer: %w", err)
		}
		if info.Amount, err = money.FromString(amount); err != nil {
			return position.FxTimeoutLookups{}, fmt.Errorf("fx transfer %s amount: %w", info.CommitRequestID, err)
		}
		fxTransfers[info.CommitRequestID] = info
	}
	if err := rows.Err(); err != nil {
		return position.FxTimeoutLookups{}, fmt.Errorf("load fx transfers: %w", err)
	}

	return position.FxTimeoutLookups{FxStates: states, FxTransfers: fxTransfers}, nil
}

func (s *Store) loadLatestStates(ctx context.Context, ids []string) (map[string]event.TransferState, error) {
	states := make(map[string]event.TransferState, len(ids))
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (transfer_id) transfer_id, transfer_state_id
		FROM transfer_state_change
		WHERE transfer_id = ANY($1)
		ORDER BY transfer_id, transfer_state_change_id DESC`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("load transfer states: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("scan transfer state: %w", err)
		}
		states[id] = event.TransferState(state)
	}
	return states, rows.Err()
}

func (s *Store) loadTransfers(ctx context.Context, ids []string) (map[string]position.TransferInfo, error) {
	transfers := make(map[string]position.TransferInfo, len(ids))
	rows, err := s.db.QueryContext(ctx,
		`SELECT transfer_id, amount, currency_id FROM transfer WHERE transfer_id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("load transfers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var info position.TransferInfo
		var amount string
		if err := rows.Scan(&info.TransferID, &amount, &info.Currency); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		if info.Amount, err = money.FromString(amount); err != nil {
			return nil, fmt.Errorf("transfer %s amount: %w", info.TransferID, err)
		}
		transfers[info.TransferID] = info
	}
	return transfers, rows.Err()
}

func (s *Store) loadReservedActionTransfers(ctx context.Context, ids []string) (map[string]position.ReservedActionTransfer, error) {
	reserved := make(map[string]position.ReservedActionTransfer)
	rows, err := s.db.QueryContext(ctx, `
		SELECT transfer_id, fulfilment, completed_timestamp, extension_list
		FROM transfer_fulfilment WHERE transfer_id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("load reserved-action transfers: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec position.ReservedActionTransfer
		var ext []byte
		if err := rows.Scan(&rec.TransferID, &rec.Fulfilment, &rec.CompletedTimestamp, &ext); err != nil {
			return nil, fmt.Errorf("scan reserved-action transfer: %w", err)
		}
		rec.ExtensionList = ext
		reserved[rec.TransferID] = rec
	}
	return reserved, rows.Err()
}

// ============================================================
// Dedup tier 2
// ============================================================

// Seen reports whether a message key was already persisted for an action.
func (s *Store) Seen(ctx context.Context, action, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM processed_message WHERE action = $1 AND message_key = $2 LIMIT 1`,
		action, key,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LoadRecentProcessed returns the newest processed keys for LRU warm-up.
func (s *Store) LoadRecentProcessed(ctx context.Context, limit int) ([]event.Action, []string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT action, message_key FROM processed_message ORDER BY processed_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("load recent processed keys: %w", err)
	}
	defer rows.Close()

	var actions []event.Action
	var keys []string
	for rows.Next() {
		var action, key string
		if err := rows.Scan(&action, &key); err != nil {
			return nil, nil, fmt.Errorf("scan processed key: %w", err)
		}
		actions = append(actions, event.Action(action))
		keys = append(keys, key)
	}
	return actions, keys, rows.Err()
}

// ============================================================
// Persist
// ============================================================

// PersistAccountResult writes one account result atomically: state changes in
// bin order, their serial ids copied into the matching position changes,
// position changes in bin order, then the current-position upsert. The
// cumulative chain is re-validated before anything is written.
func (s *Store) PersistAccountResult(ctx context.Context, req PersistRequest) error {
	if err := s.Validate(req); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.recordError("tx_begin")
		return fmt.Errorf("begin persist tx for %s: %w", req.Account, err)
	}
	defer tx.Rollback()

	if err := s.persistInTx(ctx, tx, req); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		s.recordError("tx_commit")
		return fmt.Errorf("commit persist tx for %s: %w", req.Account, err)
	}
	return nil
}

// Validate re-checks the cumulative chain and row alignment before any write.
// A failure here is deterministic; retrying the same request cannot succeed.
func (s *Store) Validate(req PersistRequest) error {
	if err := ledger.ValidatePositionChain(req.Prior.Value, req.Deltas, req.PositionChanges, s.scale); err != nil {
		s.recordError("chain_violation")
		return fmt.Errorf("refusing to persist %s: %w", req.Account, err)
	}
	if len(req.StateChanges)+len(req.FxStateChanges) != len(req.PositionChanges) {
		s.recordError("row_mismatch")
		return fmt.Errorf("refusing to persist %s: %d state changes for %d position changes",
			req.Account, len(req.StateChanges)+len(req.FxStateChanges), len(req.PositionChanges))
	}
	return nil
}

// persistInTx runs one pre-validated request inside an open transaction so
// the worker can batch several requests per commit.
func (s *Store) persistInTx(ctx context.Context, tx *sql.Tx, req PersistRequest) error {
	// Deferred-id fill: each state change's serial id goes into the position
	// change at the same bin index.
	changeIDs := make([]int64, 0, len(req.PositionChanges))

	for _, sc := range req.StateChanges {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO transfer_state_change (transfer_id, transfer_state_id, reason)
			VALUES ($1, $2, $3)
			RETURNING transfer_state_change_id`,
			sc.TransferID, string(sc.TransferStateID), nullable(sc.Reason),
		).Scan(&id)
		if err != nil {
			s.recordError("write_state_change")
			return fmt.Errorf("insert state change for %s: %w", sc.TransferID, err)
		}
		changeIDs = append(changeIDs, id)
	}

	for _, sc := range req.FxStateChanges {
		var id int64
		err := tx.QueryRowContext(ctx, `
			INSERT INTO fx_transfer_state_change (commit_request_id, transfer_state_id, reason)
			VALUES ($1, $2, $3)
			RETURNING fx_transfer_state_change_id`,
			sc.CommitRequestID, string(sc.TransferStateID), nullable(sc.Reason),
		).Scan(&id)
		if err != nil {
			s.recordError("write_fx_state_change")
			return fmt.Errorf("insert fx state change for %s: %w", sc.CommitRequestID, err)
		}
		changeIDs = append(changeIDs, id)
	}

	for i, pc := range req.PositionChanges {
		pc.TransferStateChangeID = changeIDs[i]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO participant_position_change
				(account, transfer_id, commit_request_id, transfer_state_change_id, value, reserved_value)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			req.Account, nullable(pc.TransferID), nullable(pc.CommitRequestID),
			pc.TransferStateChangeID,
			pc.Value.StringFixed(s.scale), pc.ReservedValue.StringFixed(s.scale),
		)
		if err != nil {
			s.recordError("write_position_change")
			return fmt.Errorf("insert position change %d for %s: %w", i, req.Account, err)
		}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO participant_position (account, value, reserved_value, changed_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (account) DO UPDATE
		SET value = EXCLUDED.value,
		    reserved_value = EXCLUDED.reserved_value,
		    changed_at = NOW()`,
		req.Account, req.Position.Value.StringFixed(s.scale), req.Position.ReservedValue.StringFixed(s.scale),
	)
	if err != nil {
		s.recordError("write_position")
		return fmt.Errorf("upsert position for %s: %w", req.Account, err)
	}

	// Durable dedup rows: a replayed message is rejected by the tier-2 lookup
	// (or, losing a race, by this primary key).
	for _, key := range req.messageKeys() {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO processed_message (action, message_key)
			VALUES ($1, $2)
			ON CONFLICT (action, message_key) DO NOTHING`,
			string(req.Action), key,
		)
		if err != nil {
			s.recordError("write_processed")
			return fmt.Errorf("insert processed key %s: %w", key, err)
		}
	}

	if s.metrics != nil {
		s.metrics.StateChangesWritten.Add(float64(len(req.StateChanges) + len(req.FxStateChanges)))
		s.metrics.PositionChangesWritten.Add(float64(len(req.PositionChanges)))
	}
	return nil
}

func (req PersistRequest) messageKeys() []string {
	keys := make([]string, 0, len(req.StateChanges)+len(req.FxStateChanges))
	for _, sc := range req.StateChanges {
		keys = append(keys, sc.TransferID)
	}
	for _, sc := range req.FxStateChanges {
		keys = append(keys, sc.CommitRequestID)
	}
	return keys
}

func (s *Store) recordError(kind string) {
	if s.metrics != nil {
		s.metrics.PersistErrors.WithLabelValues(kind).Inc()
	}
}

func snapshotFromStrings(value, reserved string) (ledger.PositionSnapshot, error) {
	v, err := money.FromString(value)
	if err != nil {
		return ledger.PositionSnapshot{}, fmt.Errorf("position value: %w", err)
	}
	r, err := money.FromString(reserved)
	if err != nil {
		return ledger.PositionSnapshot{}, fmt.Errorf("reserved value: %w", err)
	}
	return ledger.PositionSnapshot{Value: v, ReservedValue: r}, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
