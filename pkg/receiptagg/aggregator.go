// Package receiptagg implements the Validation Receipt Aggregator (§4.8):
// collecting signed validation receipts from authorities toward a quorum R,
// deduplicated per (op, validator) pair. Modeled on the teacher's
// receipt_store_sqlite.go (a unique-indexed receipt table) generalized from
// payment receipts to validation receipts, retaining its dedup-on-insert
// discipline.
package receiptagg

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"

	"github.com/holochain-go/corechain/pkg/holo"
)

var logger = slog.Default().With("component", "receiptagg")

// Receipt is one validator's signed attestation that it validated a given
// op (§4.8).
type Receipt struct {
	OpHash     holo.OpHash
	ActionHash holo.ActionHash
	EntryHash  *holo.EntryHash // nil if the op carries no entry
	Validator  holo.AgentKey
	Valid      bool
	Signature  holo.Signature
	Receivedat holo.Timestamp
}

// Aggregator stores receipts and answers quorum queries.
type Aggregator struct {
	db *sql.DB
}

func Open(path string) (*Aggregator, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("receiptagg: open: %w", err)
	}
	a := &Aggregator{db: db}
	if err := a.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

func (a *Aggregator) migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS validation_receipt (
			op_hash     TEXT NOT NULL,
			action_hash TEXT NOT NULL,
			entry_hash  TEXT,
			validator   TEXT NOT NULL,
			valid       INTEGER NOT NULL,
			signature   TEXT NOT NULL,
			received_at INTEGER NOT NULL,
			PRIMARY KEY (op_hash, validator)
		);
		CREATE INDEX IF NOT EXISTS validation_receipt_action_idx ON validation_receipt (action_hash);
		CREATE INDEX IF NOT EXISTS validation_receipt_entry_idx ON validation_receipt (entry_hash);
	`)
	if err != nil {
		return fmt.Errorf("receiptagg: migrate: %w", err)
	}
	return nil
}

// AddIfUnique inserts r, returning (true, nil) if it was newly added or
// (false, nil) if a receipt from the same validator for the same op already
// existed (§4.8 add_if_unique: the PRIMARY KEY(op_hash, validator)
// constraint is the uniqueness rule itself, not an auxiliary check).
func (a *Aggregator) AddIfUnique(ctx context.Context, r Receipt) (bool, error) {
	var entryHash interface{}
	if r.EntryHash != nil {
		entryHash = r.EntryHash.String()
	}
	res, err := a.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO validation_receipt (op_hash, action_hash, entry_hash, validator, valid, signature, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.OpHash.String(), r.ActionHash.String(), entryHash, r.Validator.String(), boolToInt(r.Valid), sigString(r.Signature), int64(r.Receivedat))
	if err != nil {
		logger.Error("add receipt failed", "op_hash", r.OpHash.String(), "validator", r.Validator.String(), slog.Any("err", err))
		return false, fmt.Errorf("receiptagg: add: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		logger.Debug("receipt added", "op_hash", r.OpHash.String(), "validator", r.Validator.String(), "valid", r.Valid)
	} else {
		logger.Debug("duplicate receipt dropped", "op_hash", r.OpHash.String(), "validator", r.Validator.String())
	}
	return n > 0, nil
}

// CountValid returns how many distinct validators have sent a Valid receipt
// for opHash — the number compared against the quorum policy R (§4.8
// count_valid).
func (a *Aggregator) CountValid(ctx context.Context, opHash holo.OpHash) (int, error) {
	var n int
	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM validation_receipt WHERE op_hash = ? AND valid = 1`, opHash.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("receiptagg: count valid: %w", err)
	}
	return n, nil
}

// ListReceipts returns every receipt on file for opHash (§4.8 list_receipts).
func (a *Aggregator) ListReceipts(ctx context.Context, opHash holo.OpHash) ([]Receipt, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT op_hash, action_hash, entry_hash, validator, valid, signature, received_at
		FROM validation_receipt WHERE op_hash = ?`, opHash.String())
	if err != nil {
		return nil, fmt.Errorf("receiptagg: list: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// Pending reports whether opHash still needs more valid receipts to reach
// quorum (§4.8 pending).
func (a *Aggregator) Pending(ctx context.Context, opHash holo.OpHash, quorum int) (bool, error) {
	n, err := a.CountValid(ctx, opHash)
	if err != nil {
		return false, err
	}
	return n < quorum, nil
}

// ReceiptsForAction returns every receipt referencing actionHash, across all
// of its ops (§4.8 receipts_for_action).
func (a *Aggregator) ReceiptsForAction(ctx context.Context, actionHash holo.ActionHash) ([]Receipt, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT op_hash, action_hash, entry_hash, validator, valid, signature, received_at
		FROM validation_receipt WHERE action_hash = ?`, actionHash.String())
	if err != nil {
		return nil, fmt.Errorf("receiptagg: receipts for action: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// ReceiptsForEntry returns every receipt referencing entryHash (§4.8
// receipts_for_entry).
func (a *Aggregator) ReceiptsForEntry(ctx context.Context, entryHash holo.EntryHash) ([]Receipt, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT op_hash, action_hash, entry_hash, validator, valid, signature, received_at
		FROM validation_receipt WHERE entry_hash = ?`, entryHash.String())
	if err != nil {
		return nil, fmt.Errorf("receiptagg: receipts for entry: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

func scanReceipts(rows *sql.Rows) ([]Receipt, error) {
	var out []Receipt
	for rows.Next() {
		var opHash, actionHash, validator, sig string
		var entryHash sql.NullString
		var valid int
		var receivedAt int64
		if err := rows.Scan(&opHash, &actionHash, &entryHash, &validator, &valid, &sig, &receivedAt); err != nil {
			return nil, err
		}
		op, err := holo.ParseHash(opHash)
		if err != nil {
			return nil, err
		}
		act, err := holo.ParseHash(actionHash)
		if err != nil {
			return nil, err
		}
		val, err := holo.ParseHash(validator)
		if err != nil {
			return nil, err
		}
		var signature holo.Signature
		if err := signature.UnmarshalJSON([]byte(sig)); err != nil {
			return nil, fmt.Errorf("receiptagg: unmarshal signature: %w", err)
		}
		r := Receipt{OpHash: op, ActionHash: act, Validator: val, Valid: valid == 1, Signature: signature, Receivedat: holo.Timestamp(receivedAt)}
		if entryHash.Valid {
			eh, err := holo.ParseHash(entryHash.String)
			if err != nil {
				return nil, err
			}
			r.EntryHash = &eh
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sigString stores the signature as its base64url string form via
// Signature's own JSON marshaling convention, kept simple for the sqlite
// TEXT column rather than introducing a second encoding.
func sigString(sig holo.Signature) string {
	raw, _ := sig.MarshalJSON()
	return string(raw)
}

func (a *Aggregator) Close() error { return a.db.Close() }
