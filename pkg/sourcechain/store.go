// Package sourcechain implements the per-agent append-only hash-linked log
// (§4.1 "Source Chain Buffer") backed by the Authored DB — single-writer
// per cell (§5) — modeled on the teacher's modernc.org/sqlite-backed
// receipt store (pkg/store/receipt_store_sqlite.go) and its ledger
// hash-chaining discipline (pkg/ledger/ledger.go).
package sourcechain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/holochain-go/corechain/pkg/action"
	"github.com/holochain-go/corechain/pkg/blobstore"
	"github.com/holochain-go/corechain/pkg/entry"
	"github.com/holochain-go/corechain/pkg/holo"
)

// appOverflowThreshold is the App-entry size above which AppendRecord
// offloads the bytes to the configured blobstore.Store instead of inlining
// them in the authored_action row (§1/§6: "large App entry content that
// overflows inline storage"), matching the teacher's CAS-overflow cutoff for
// artifact rows too big to keep in a relational column.
const appOverflowThreshold = 64 * 1024

// AuthoredStore persists one agent's authored actions and entries, one row
// per record, plus the chain-lock row. The ops derived from those records
// are not stored here. It is single-writer per cell (§5); a
// *SourceChain serializes all writes to it through a mutex (chain.go), so
// implementations don't need to.
type AuthoredStore interface {
	// AppendRecord persists rec at the given index as a single row; the ops
	// it expands into are not recorded. Callers (SourceChain) are
	// responsible for calling this only while holding the chain's write
	// lock, so index is always chain_head+1.
	AppendRecord(ctx context.Context, index uint32, rec *entry.Record) error
	// GetAtIndex returns the record at index, or nil if none.
	GetAtIndex(ctx context.Context, index uint32) (*entry.Record, error)
	// GetByActionHash returns the record whose action hashes to h, or nil.
	GetByActionHash(ctx context.Context, h holo.ActionHash) (*entry.Record, error)
	// Len returns the number of actions committed so far.
	Len(ctx context.Context) (uint32, error)
	// All returns every record in chain order (index ascending), oldest
	// first.
	All(ctx context.Context) ([]*entry.Record, error)

	// PersistLock writes (or replaces) the chain_lock row for author so the
	// hold survives a process restart (§4.7 "restart discipline").
	PersistLock(ctx context.Context, author holo.AgentKey, subject holo.Hash, expires holo.Timestamp) error
	// LoadLock returns the persisted lock row for author, or nil if none.
	LoadLock(ctx context.Context, author holo.AgentKey) (*PersistedLock, error)
	// DeleteLock removes the persisted lock row for author, if any.
	DeleteLock(ctx context.Context, author holo.AgentKey) error
}

// PersistedLock is the durable counterpart of chainLock (lock.go), surviving
// across SourceChain restarts so the restart-discipline rule (§4.7) has
// something to find and reconcile against the in-memory countersigning
// workspace.
type PersistedLock struct {
	Subject holo.Hash
	Expires holo.Timestamp
}

// SQLiteAuthoredStore is the default AuthoredStore, one database file per
// cell.
type SQLiteAuthoredStore struct {
	db    *sql.DB
	blobs blobstore.Store
}

// Option configures optional SQLiteAuthoredStore behavior beyond the bare
// sqlite file every store needs.
type Option func(*SQLiteAuthoredStore)

// WithBlobStore enables App-entry overflow into blobs: App bytes over
// appOverflowThreshold are written there instead of inlined in the
// authored_action row. Without this option every App entry is stored
// inline regardless of size, same as before overflow support existed.
func WithBlobStore(blobs blobstore.Store) Option {
	return func(s *SQLiteAuthoredStore) { s.blobs = blobs }
}

// OpenSQLiteAuthoredStore opens (creating if needed) a sqlite-backed
// authored store at path.
func OpenSQLiteAuthoredStore(path string, opts ...Option) (*SQLiteAuthoredStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sourcechain: open sqlite: %w", err)
	}
	// Single-writer per cell (§5): one connection avoids SQLITE_BUSY
	// surfacing as spurious errors under our own chain-head mutex.
	db.SetMaxOpenConns(1)
	s := &SQLiteAuthoredStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteAuthoredStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS authored_action (
			idx               INTEGER PRIMARY KEY,
			action_hash       TEXT NOT NULL UNIQUE,
			action_blob       BLOB NOT NULL,
			entry_blob        BLOB,
			app_overflow_hash TEXT
		);
		CREATE TABLE IF NOT EXISTS chain_lock (
			author  TEXT PRIMARY KEY,
			subject TEXT NOT NULL,
			expires INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("sourcechain: migrate: %w", err)
	}
	return nil
}

type wireRecord struct {
	Action    action.Action
	Signature holo.Signature
}

func (s *SQLiteAuthoredStore) AppendRecord(ctx context.Context, index uint32, rec *entry.Record) error {
	actionHash, err := rec.SignedAction.Action.Hash()
	if err != nil {
		return err
	}
	actionBlob, err := json.Marshal(wireRecord{Action: rec.SignedAction.Action, Signature: rec.SignedAction.Signature})
	if err != nil {
		return fmt.Errorf("sourcechain: marshal action: %w", err)
	}

	var entryBlob []byte
	var overflowHash string
	if rec.Entry != nil {
		storedEntry := rec.Entry
		if s.blobs != nil && rec.Entry.Kind == entry.KindApp && len(rec.Entry.App) > appOverflowThreshold {
			blobHash, err := s.blobs.Put(ctx, rec.Entry.App)
			if err != nil {
				return fmt.Errorf("sourcechain: overflow app entry: %w", err)
			}
			overflowCopy := *rec.Entry
			overflowCopy.App = nil
			storedEntry = &overflowCopy
			overflowHash = blobHash.String()
		}
		entryBlob, err = json.Marshal(storedEntry)
		if err != nil {
			return fmt.Errorf("sourcechain: marshal entry: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO authored_action (idx, action_hash, action_blob, entry_blob, app_overflow_hash) VALUES (?, ?, ?, ?, ?)`,
		index, actionHash.String(), actionBlob, entryBlob, nullableString(overflowHash))
	if err != nil {
		return fmt.Errorf("sourcechain: append: %w", err)
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteAuthoredStore) scanRecord(ctx context.Context, row interface{ Scan(...interface{}) error }) (*entry.Record, error) {
	var actionBlob, entryBlob []byte
	var overflowHash sql.NullString
	if err := row.Scan(&actionBlob, &entryBlob, &overflowHash); err != nil {
		return nil, err
	}
	return s.decodeRecord(ctx, actionBlob, entryBlob, overflowHash.String)
}

// decodeRecord unmarshals a stored row back into an entry.Record, fetching
// the App bytes from the blobstore when overflowHash is non-empty — the
// read-side counterpart of AppendRecord's overflow write.
func (s *SQLiteAuthoredStore) decodeRecord(ctx context.Context, actionBlob, entryBlob []byte, overflowHash string) (*entry.Record, error) {
	var wr wireRecord
	if err := json.Unmarshal(actionBlob, &wr); err != nil {
		return nil, fmt.Errorf("sourcechain: unmarshal action: %w", err)
	}
	rec := &entry.Record{SignedAction: action.SignedAction{Action: wr.Action, Signature: wr.Signature}}
	if entryBlob != nil {
		var e entry.Entry
		if err := json.Unmarshal(entryBlob, &e); err != nil {
			return nil, fmt.Errorf("sourcechain: unmarshal entry: %w", err)
		}
		if overflowHash != "" {
			if s.blobs == nil {
				return nil, fmt.Errorf("sourcechain: record has overflowed app entry %s but no blobstore is configured", overflowHash)
			}
			h, err := holo.ParseHash(overflowHash)
			if err != nil {
				return nil, fmt.Errorf("sourcechain: parse overflow hash: %w", err)
			}
			app, err := s.blobs.Get(ctx, h)
			if err != nil {
				return nil, fmt.Errorf("sourcechain: fetch overflowed app entry %s: %w", overflowHash, err)
			}
			e.App = app
		}
		rec.Entry = &e
	}
	return rec, nil
}

func (s *SQLiteAuthoredStore) GetAtIndex(ctx context.Context, index uint32) (*entry.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT action_blob, entry_blob, app_overflow_hash FROM authored_action WHERE idx = ?`, index)
	rec, err := s.scanRecord(ctx, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sourcechain: get at index: %w", err)
	}
	return rec, nil
}

func (s *SQLiteAuthoredStore) GetByActionHash(ctx context.Context, h holo.ActionHash) (*entry.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT action_blob, entry_blob, app_overflow_hash FROM authored_action WHERE action_hash = ?`, h.String())
	rec, err := s.scanRecord(ctx, row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sourcechain: get by hash: %w", err)
	}
	return rec, nil
}

func (s *SQLiteAuthoredStore) Len(ctx context.Context) (uint32, error) {
	var n uint32
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM authored_action`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sourcechain: len: %w", err)
	}
	return n, nil
}

func (s *SQLiteAuthoredStore) All(ctx context.Context) ([]*entry.Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT action_blob, entry_blob, app_overflow_hash FROM authored_action ORDER BY idx ASC`)
	if err != nil {
		return nil, fmt.Errorf("sourcechain: all: %w", err)
	}
	defer rows.Close()

	var recs []*entry.Record
	for rows.Next() {
		var actionBlob, entryBlob []byte
		var overflowHash sql.NullString
		if err := rows.Scan(&actionBlob, &entryBlob, &overflowHash); err != nil {
			return nil, err
		}
		rec, err := s.decodeRecord(ctx, actionBlob, entryBlob, overflowHash.String)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// PersistLock upserts the chain_lock row for author (§4.7 restart
// discipline: a lock must outlive the in-process SourceChain).
func (s *SQLiteAuthoredStore) PersistLock(ctx context.Context, author holo.AgentKey, subject holo.Hash, expires holo.Timestamp) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chain_lock (author, subject, expires) VALUES (?, ?, ?)
		 ON CONFLICT(author) DO UPDATE SET subject = excluded.subject, expires = excluded.expires`,
		author.String(), subject.String(), int64(expires))
	if err != nil {
		return fmt.Errorf("sourcechain: persist lock: %w", err)
	}
	return nil
}

// LoadLock returns the persisted lock for author, or nil if none is held.
func (s *SQLiteAuthoredStore) LoadLock(ctx context.Context, author holo.AgentKey) (*PersistedLock, error) {
	var subjectStr string
	var expires int64
	err := s.db.QueryRowContext(ctx, `SELECT subject, expires FROM chain_lock WHERE author = ?`, author.String()).
		Scan(&subjectStr, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sourcechain: load lock: %w", err)
	}
	subject, err := holo.ParseHash(subjectStr)
	if err != nil {
		return nil, fmt.Errorf("sourcechain: load lock: parse subject: %w", err)
	}
	return &PersistedLock{Subject: subject, Expires: holo.Timestamp(expires)}, nil
}

// DeleteLock removes the persisted lock row for author, if any.
func (s *SQLiteAuthoredStore) DeleteLock(ctx context.Context, author holo.AgentKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chain_lock WHERE author = ?`, author.String()); err != nil {
		return fmt.Errorf("sourcechain: delete lock: %w", err)
	}
	return nil
}

// DB exposes the underlying *sql.DB. Nothing in this module calls it;
// lock.go persists locks through PersistLock/LoadLock/DeleteLock.
func (s *SQLiteAuthoredStore) DB() *sql.DB { return s.db }

// Close releases the underlying database handle.
func (s *SQLiteAuthoredStore) Close() error { return s.db.Close() }
