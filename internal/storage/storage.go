// Package storage persists the sync queue and per-peer sync status in SQLite.
// Items stay in the queue until a sync marks them done; failed items carry a
// retry count and drop out of the pending feed once it passes the limit.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trosyn/lansync/internal/sqlite"
)

// Common errors returned by the storage package.
var (
	ErrNotFound = errors.New("sync item not found")
)

// Node sync states.
const (
	StateIdle    = "idle"
	StateSyncing = "syncing"
	StateSuccess = "success"
	StateError   = "error"
)

// SyncItem is one queued change waiting to be replicated to peers.
type SyncItem struct {
	ItemID     string
	ItemType   string // document, document_version, metadata
	Action     string // create, update, delete
	Data       map[string]any
	CreatedAt  time.Time
	NodeID     string
	Version    int
	Synced     bool
	SyncedAt   *time.Time
	Error      string
	RetryCount int
}

// NodeStatus is the last known sync state for one peer.
type NodeStatus struct {
	NodeID    string
	State     string
	Detail    string
	UpdatedAt time.Time
}

// Status summarizes the queue.
type Status struct {
	Pending  int
	Synced   int
	ByType   map[string]int
	LastSync *time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS sync_items (
	id TEXT NOT NULL,
	item_type TEXT NOT NULL,
	action TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at TEXT NOT NULL,
	node_id TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	synced INTEGER NOT NULL DEFAULT 0,
	synced_at TEXT,
	error TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (id, version)
);
CREATE INDEX IF NOT EXISTS idx_sync_items_item_type ON sync_items(item_type);
CREATE INDEX IF NOT EXISTS idx_sync_items_synced ON sync_items(synced);
CREATE INDEX IF NOT EXISTS idx_sync_items_created_at ON sync_items(created_at);

CREATE TABLE IF NOT EXISTS node_sync_status (
	node_id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	detail TEXT,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_metadata (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Store is the SQLite-backed sync queue.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the queue database at path.
func Open(path string) (*Store, error) {
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, err
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle, applying the schema.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("applying sync schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddItem inserts or replaces a queue item keyed by (id, version).
func (s *Store) AddItem(item *SyncItem) error {
	data, err := json.Marshal(item.Data)
	if err != nil {
		return fmt.Errorf("encoding item data: %w", err)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.Version < 1 {
		item.Version = 1
	}

	var syncedAt any
	if item.SyncedAt != nil {
		syncedAt = item.SyncedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO sync_items
		(id, item_type, action, data, created_at, node_id, version, synced, synced_at, error, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ItemID, item.ItemType, item.Action, string(data),
		item.CreatedAt.UTC().Format(time.RFC3339Nano),
		item.NodeID, item.Version, boolToInt(item.Synced), syncedAt,
		nullIfEmpty(item.Error), item.RetryCount,
	)
	if err != nil {
		return fmt.Errorf("inserting sync item %s: %w", item.ItemID, err)
	}
	return nil
}

// GetItem fetches one item by ID and version. Returns ErrNotFound when absent.
func (s *Store) GetItem(itemID string, version int) (*SyncItem, error) {
	row := s.db.QueryRow(`
		SELECT id, item_type, action, data, created_at, node_id, version,
		       synced, synced_at, error, retry_count
		FROM sync_items WHERE id = ? AND version = ?`, itemID, version)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

// GetPendingItems returns unsynced items whose retry count has not passed
// maxRetries, oldest first. An empty itemType matches all types.
func (s *Store) GetPendingItems(itemType string, limit, maxRetries int) ([]*SyncItem, error) {
	query := `
		SELECT id, item_type, action, data, created_at, node_id, version,
		       synced, synced_at, error, retry_count
		FROM sync_items WHERE synced = 0 AND retry_count <= ?`
	args := []any{maxRetries}
	if itemType != "" {
		query += " AND item_type = ?"
		args = append(args, itemType)
	}
	query += " ORDER BY created_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying pending items: %w", err)
	}
	defer rows.Close()

	var items []*SyncItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkItemSynced records the outcome of a sync attempt in a single UPDATE.
// With an empty syncErr the item is marked done; otherwise the retry count is
// incremented and the error stored. Returns false when no such item exists.
func (s *Store) MarkItemSynced(itemID string, version int, syncErr string) (bool, error) {
	var res sql.Result
	var err error
	if syncErr != "" {
		res, err = s.db.Exec(`
			UPDATE sync_items
			SET synced = 0, error = ?, retry_count = retry_count + 1
			WHERE id = ? AND version = ?`,
			syncErr, itemID, version)
	} else {
		res, err = s.db.Exec(`
			UPDATE sync_items
			SET synced = 1, synced_at = ?, error = NULL
			WHERE id = ? AND version = ?`,
			time.Now().UTC().Format(time.RFC3339Nano), itemID, version)
	}
	if err != nil {
		return false, fmt.Errorf("marking item %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSyncStatus aggregates queue counts and the most recent successful sync.
func (s *Store) GetSyncStatus() (*Status, error) {
	st := &Status{ByType: make(map[string]int)}

	rows, err := s.db.Query(`SELECT synced, COUNT(*) FROM sync_items GROUP BY synced`)
	if err != nil {
		return nil, fmt.Errorf("querying status counts: %w", err)
	}
	for rows.Next() {
		var synced, count int
		if err := rows.Scan(&synced, &count); err != nil {
			rows.Close()
			return nil, err
		}
		if synced == 0 {
			st.Pending = count
		} else {
			st.Synced = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.Query(`SELECT item_type, COUNT(*) FROM sync_items GROUP BY item_type`)
	if err != nil {
		return nil, fmt.Errorf("querying type counts: %w", err)
	}
	for rows.Next() {
		var t string
		var count int
		if err := rows.Scan(&t, &count); err != nil {
			rows.Close()
			return nil, err
		}
		st.ByType[t] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var last sql.NullString
	err = s.db.QueryRow(`SELECT MAX(synced_at) FROM sync_items WHERE synced = 1`).Scan(&last)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if last.Valid {
		if ts, perr := time.Parse(time.RFC3339Nano, last.String); perr == nil {
			st.LastSync = &ts
		}
	}
	return st, nil
}

// SetNodeStatus upserts the sync state for a peer.
func (s *Store) SetNodeStatus(nodeID, state, detail string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO node_sync_status (node_id, state, detail, updated_at)
		VALUES (?, ?, ?, ?)`,
		nodeID, state, nullIfEmpty(detail), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("setting node status for %s: %w", nodeID, err)
	}
	return nil
}

// SeedNodeStatus records a newly sighted peer as idle. A peer that already
// has a state keeps it.
func (s *Store) SeedNodeStatus(nodeID string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO node_sync_status (node_id, state, detail, updated_at)
		VALUES (?, ?, NULL, ?)`,
		nodeID, StateIdle, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("seeding node status for %s: %w", nodeID, err)
	}
	return nil
}

// GetNodeStatus returns the stored state for a peer, or ErrNotFound.
func (s *Store) GetNodeStatus(nodeID string) (*NodeStatus, error) {
	var ns NodeStatus
	var detail sql.NullString
	var updated string
	err := s.db.QueryRow(`
		SELECT node_id, state, detail, updated_at
		FROM node_sync_status WHERE node_id = ?`, nodeID).
		Scan(&ns.NodeID, &ns.State, &detail, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying node status for %s: %w", nodeID, err)
	}
	ns.Detail = detail.String
	ns.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &ns, nil
}

// NodeStatuses lists the sync state of every known peer.
func (s *Store) NodeStatuses() ([]NodeStatus, error) {
	rows, err := s.db.Query(`
		SELECT node_id, state, detail, updated_at
		FROM node_sync_status ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("querying node statuses: %w", err)
	}
	defer rows.Close()

	var out []NodeStatus
	for rows.Next() {
		var ns NodeStatus
		var detail sql.NullString
		var updated string
		if err := rows.Scan(&ns.NodeID, &ns.State, &detail, &updated); err != nil {
			return nil, err
		}
		ns.Detail = detail.String
		ns.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, ns)
	}
	return out, rows.Err()
}

// SetMetadata stores a JSON-encoded value under key.
func (s *Store) SetMetadata(key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding metadata %s: %w", key, err)
	}
	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO sync_metadata (key, value, updated_at)
		VALUES (?, ?, ?)`,
		key, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("setting metadata %s: %w", key, err)
	}
	return nil
}

// GetMetadata decodes the value stored under key into out. Returns
// ErrNotFound when the key is absent.
func (s *Store) GetMetadata(key string, out any) error {
	var value string
	err := s.db.QueryRow(`SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("querying metadata %s: %w", key, err)
	}
	return json.Unmarshal([]byte(value), out)
}

// Clear removes every queued item, node status, and metadata entry.
func (s *Store) Clear() error {
	for _, stmt := range []string{
		"DELETE FROM sync_items",
		"DELETE FROM node_sync_status",
		"DELETE FROM sync_metadata",
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("clearing sync storage: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*SyncItem, error) {
	var item SyncItem
	var data, created string
	var syncedAt, syncErr sql.NullString
	var synced int
	err := row.Scan(&item.ItemID, &item.ItemType, &item.Action, &data, &created,
		&item.NodeID, &item.Version, &synced, &syncedAt, &syncErr, &item.RetryCount)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &item.Data); err != nil {
		return nil, fmt.Errorf("decoding item data for %s: %w", item.ItemID, err)
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	item.Synced = synced != 0
	if syncedAt.Valid {
		if ts, perr := time.Parse(time.RFC3339Nano, syncedAt.String); perr == nil {
			item.SyncedAt = &ts
		}
	}
	item.Error = syncErr.String
	return &item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
