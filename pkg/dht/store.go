// Package dht implements the DHT op store and its integration pipeline
// (§4.3): the shared, multi-writer record of every op a cell holds as an
// authority, independent of who authored it. Modeled on the teacher's
// Postgres-backed ledger (pkg/store/ledger/postgres_ledger.go), since the
// DHT store is the one piece of durable state genuinely written
// concurrently by many goroutines (incoming gossip, local publish, multiple
// validation workers) the way the teacher's Postgres ledger is written by
// many request handlers at once.
package dht

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/holochain-go/corechain/pkg/dhtop"
	"github.com/holochain-go/corechain/pkg/holo"
)

var storeLogger = slog.Default().With("component", "dht.store")

// ValidationStage is the per-op state machine driving an op from received to
// integrated (§4.3).
type ValidationStage uint8

const (
	StagePending ValidationStage = iota + 1
	StageSysValidated
	StageAwaitingAppValidation
	StageAppValidated
	StageAwaitingIntegration
	StageIntegrated
	StageRejected
)

func (s ValidationStage) String() string {
	switch s {
	case StagePending:
		return "Pending"
	case StageSysValidated:
		return "SysValidated"
	case StageAwaitingAppValidation:
		return "AwaitingAppValidation"
	case StageAppValidated:
		return "AppValidated"
	case StageAwaitingIntegration:
		return "AwaitingIntegration"
	case StageIntegrated:
		return "Integrated"
	case StageRejected:
		return "Rejected"
	default:
		return "Unknown"
	}
}

// StageTransition records one step of an op's validation_stage history
// (SPEC_FULL §C.5), kept for diagnostics and for warrant evidence should the
// op ultimately prove invalid.
type StageTransition struct {
	Stage ValidationStage
	At    holo.Timestamp
	Note  string
}

// Record is one op as held in the DHT store: the op itself, its current
// stage, and whether it still requires validation receipts to be sent.
type Record struct {
	Op              dhtop.Op
	OpHash          holo.OpHash
	Stage           ValidationStage
	History         []StageTransition
	RequireReceipt  bool
	ReceiptsSent    bool
	WithholdPublish bool
}

// Store is the DHT op store port: durable, queryable by basis hash
// (answering Get/GetAgentActivity) and by integration stage (driving the
// integration workers, §4.3).
type Store interface {
	// Put inserts op (idempotent on op hash) at StagePending.
	Put(ctx context.Context, op dhtop.Op) (holo.OpHash, error)
	// SetStage transitions an op to stage, appending a history entry.
	SetStage(ctx context.Context, opHash holo.OpHash, stage ValidationStage, note string) error
	// Get returns the record for opHash, or nil.
	Get(ctx context.Context, opHash holo.OpHash) (*Record, error)
	// ScanByStage returns every record currently at stage, oldest first, for
	// the integration workers to pick up (§4.3 integration scan).
	ScanByStage(ctx context.Context, stage ValidationStage, limit int) ([]*Record, error)
	// ByBasis returns every integrated record whose basis equals basis —
	// answers Network.Get / GetAgentActivity style queries.
	ByBasis(ctx context.Context, basis holo.Hash) ([]*Record, error)
	// MarkReceiptsSent records that validation receipts have gone out for
	// opHash, so the publish loop doesn't resend them (§4.8).
	MarkReceiptsSent(ctx context.Context, opHash holo.OpHash) error
	// SetReceiptPolicy persists the require_receipt/withhold_publish decision
	// for opHash (§4.3 item 4, §4.8), computed by pkg/policy as the op
	// advances past system validation.
	SetReceiptPolicy(ctx context.Context, opHash holo.OpHash, requireReceipt, withholdPublish bool) error
}

// PostgresStore is the default Store, modeled on postgres_ledger.go's use of
// lib/pq against a concurrently-written table.
type PostgresStore struct {
	db *sql.DB
}

func OpenPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("dht: open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dht_op (
			op_hash          TEXT PRIMARY KEY,
			op_type          SMALLINT NOT NULL,
			basis            TEXT NOT NULL,
			action_hash      TEXT NOT NULL,
			author           TEXT NOT NULL,
			op_blob          JSONB NOT NULL,
			stage            SMALLINT NOT NULL,
			require_receipt  BOOLEAN NOT NULL DEFAULT false,
			receipts_sent    BOOLEAN NOT NULL DEFAULT false,
			withhold_publish BOOLEAN NOT NULL DEFAULT false,
			history          JSONB NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS dht_op_basis_idx ON dht_op (basis);
		CREATE INDEX IF NOT EXISTS dht_op_stage_idx ON dht_op (stage);
	`)
	if err != nil {
		return fmt.Errorf("dht: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Put(ctx context.Context, op dhtop.Op) (holo.OpHash, error) {
	h, err := op.Hash()
	if err != nil {
		return holo.Hash{}, err
	}
	blob, err := json.Marshal(op)
	if err != nil {
		return holo.Hash{}, fmt.Errorf("dht: marshal op: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dht_op (op_hash, op_type, basis, action_hash, author, op_blob, stage, history)
		VALUES ($1, $2, $3, $4, $5, $6, $7, '[]')
		ON CONFLICT (op_hash) DO NOTHING`,
		h.String(), uint8(op.Type), op.Basis.String(), op.ActionHash.String(), op.Author.String(), blob, uint8(StagePending))
	if err != nil {
		storeLogger.Error("put op failed", "op_hash", h.String(), slog.Any("err", err))
		return holo.Hash{}, fmt.Errorf("dht: put: %w", err)
	}
	storeLogger.Debug("put op", "op_hash", h.String(), "op_type", op.Type, "basis", op.Basis.String())
	return h, nil
}

func (s *PostgresStore) SetStage(ctx context.Context, opHash holo.OpHash, stage ValidationStage, note string) error {
	trans := StageTransition{Stage: stage, At: holo.Now(), Note: note}
	transBlob, err := json.Marshal(trans)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE dht_op SET stage = $1, history = history || $2::jsonb WHERE op_hash = $3`,
		uint8(stage), transBlob, opHash.String())
	if err != nil {
		storeLogger.Error("set stage failed", "op_hash", opHash.String(), "stage", stage, slog.Any("err", err))
		return fmt.Errorf("dht: set stage: %w", err)
	}
	storeLogger.Debug("set stage", "op_hash", opHash.String(), "stage", stage, "note", note)
	return nil
}

func (s *PostgresStore) scanRow(row interface{ Scan(...interface{}) error }) (*Record, error) {
	var opBlob, historyBlob []byte
	var stage uint8
	var requireReceipt, receiptsSent, withholdPublish bool
	var opHash string
	if err := row.Scan(&opHash, &opBlob, &stage, &requireReceipt, &receiptsSent, &withholdPublish, &historyBlob); err != nil {
		return nil, err
	}
	var op dhtop.Op
	if err := json.Unmarshal(opBlob, &op); err != nil {
		return nil, fmt.Errorf("dht: unmarshal op: %w", err)
	}
	var history []StageTransition
	if err := json.Unmarshal(historyBlob, &history); err != nil {
		return nil, fmt.Errorf("dht: unmarshal history: %w", err)
	}
	h, err := holo.ParseHash(opHash)
	if err != nil {
		return nil, err
	}
	return &Record{
		Op: op, OpHash: h, Stage: ValidationStage(stage), History: history,
		RequireReceipt: requireReceipt, ReceiptsSent: receiptsSent, WithholdPublish: withholdPublish,
	}, nil
}

func (s *PostgresStore) Get(ctx context.Context, opHash holo.OpHash) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT op_hash, op_blob, stage, require_receipt, receipts_sent, withhold_publish, history
		FROM dht_op WHERE op_hash = $1`, opHash.String())
	rec, err := s.scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dht: get: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) ScanByStage(ctx context.Context, stage ValidationStage, limit int) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_hash, op_blob, stage, require_receipt, receipts_sent, withhold_publish, history
		FROM dht_op WHERE stage = $1 ORDER BY op_hash LIMIT $2`, uint8(stage), limit)
	if err != nil {
		return nil, fmt.Errorf("dht: scan by stage: %w", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ByBasis(ctx context.Context, basis holo.Hash) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT op_hash, op_blob, stage, require_receipt, receipts_sent, withhold_publish, history
		FROM dht_op WHERE basis = $1 AND stage = $2`, basis.String(), uint8(StageIntegrated))
	if err != nil {
		return nil, fmt.Errorf("dht: by basis: %w", err)
	}
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkReceiptsSent(ctx context.Context, opHash holo.OpHash) error {
	_, err := s.db.ExecContext(ctx, `UPDATE dht_op SET receipts_sent = true WHERE op_hash = $1`, opHash.String())
	if err != nil {
		return fmt.Errorf("dht: mark receipts sent: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetReceiptPolicy(ctx context.Context, opHash holo.OpHash, requireReceipt, withholdPublish bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE dht_op SET require_receipt = $1, withhold_publish = $2 WHERE op_hash = $3`,
		requireReceipt, withholdPublish, opHash.String())
	if err != nil {
		return fmt.Errorf("dht: set receipt policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// integrationTimeout is a bound on how long an op may sit
// AwaitingAppValidation. Nothing in this module reads it: no loop tracks how
// long an op has waited, and stalled ops are not logged.
const integrationTimeout = 30 * time.Second
