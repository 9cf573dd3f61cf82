// Package docstore holds the synchronized documents. Content is stored per
// version and addressed by its SHA-256 hash; a document points at its current
// version. Bytes received from peers are re-hashed before they are accepted.
package docstore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trosyn/lansync/internal/sqlite"
)

// Common errors returned by the docstore package.
var (
	ErrNotFound     = errors.New("document not found")
	ErrHashMismatch = errors.New("content hash does not match declared hash")
)

// Document is the metadata row for one synchronized document.
type Document struct {
	ID             string
	Name           string
	MimeType       string
	OwnerNode      string
	CurrentVersion string
	Deleted        bool
	UpdatedAt      time.Time
}

// Entry is one document's line in a sync manifest.
type Entry struct {
	DocumentID  string    `json:"document_id"`
	VersionID   string    `json:"version_id"`
	VersionHash string    `json:"version_hash"`
	Size        int64     `json:"size"`
	MimeType    string    `json:"mime_type"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	mime_type TEXT NOT NULL DEFAULT 'application/octet-stream',
	owner_node TEXT NOT NULL,
	current_version TEXT,
	deleted INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS document_versions (
	version_id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	hash TEXT NOT NULL,
	size INTEGER NOT NULL,
	content BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_document_versions_document ON document_versions(document_id);
`

// Store is the SQLite-backed document store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the document database at path.
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
		return nil, fmt.Errorf("applying document schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// HashBytes returns the hex SHA-256 of content, the hash used throughout the
// manifest and integrity checks.
func HashBytes(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Put stores a local edit: a new version is created and becomes the current
// one. The returned entry is what the manifest will advertise.
func (s *Store) Put(docID, name, mimeType, ownerNode string, content []byte) (*Entry, error) {
	e := &Entry{
		DocumentID:  docID,
		VersionID:   uuid.NewString(),
		VersionHash: HashBytes(content),
		Size:        int64(len(content)),
		MimeType:    mimeType,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.store(e, name, ownerNode, content); err != nil {
		return nil, err
	}
	return e, nil
}

// StoreRemote stores content received from a peer under the peer's version
// identity. The content is re-hashed and must match the declared hash; a
// mismatch rejects the write with ErrHashMismatch.
func (s *Store) StoreRemote(e Entry, ownerNode string, content []byte) error {
	if got := HashBytes(content); got != e.VersionHash {
		return fmt.Errorf("%w: declared %s, got %s", ErrHashMismatch, e.VersionHash, got)
	}
	return s.store(&e, e.DocumentID, ownerNode, content)
}

func (s *Store) store(e *Entry, name, ownerNode string, content []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning document write: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.Exec(`
		INSERT OR REPLACE INTO document_versions
		(version_id, document_id, hash, size, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.VersionID, e.DocumentID, e.VersionHash, e.Size, content, now)
	if err != nil {
		return fmt.Errorf("inserting version for %s: %w", e.DocumentID, err)
	}

	_, err = tx.Exec(`
		INSERT INTO documents (id, name, mime_type, owner_node, current_version, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(id) DO UPDATE SET
			mime_type = excluded.mime_type,
			current_version = excluded.current_version,
			deleted = 0,
			updated_at = excluded.updated_at`,
		e.DocumentID, name, e.MimeType, ownerNode, e.VersionID,
		e.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upserting document %s: %w", e.DocumentID, err)
	}
	return tx.Commit()
}

// Get returns the metadata for one document, deleted or not.
func (s *Store) Get(docID string) (*Document, error) {
	var d Document
	var current sql.NullString
	var deleted int
	var updated string
	err := s.db.QueryRow(`
		SELECT id, name, mime_type, owner_node, current_version, deleted, updated_at
		FROM documents WHERE id = ?`, docID).
		Scan(&d.ID, &d.Name, &d.MimeType, &d.OwnerNode, &current, &deleted, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document %s: %w", docID, err)
	}
	d.CurrentVersion = current.String
	d.Deleted = deleted != 0
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &d, nil
}

// GetBytes returns the stored content of one version.
func (s *Store) GetBytes(docID, versionID string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRow(`
		SELECT content FROM document_versions
		WHERE document_id = ? AND version_id = ?`, docID, versionID).
		Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying content for %s/%s: %w", docID, versionID, err)
	}
	return content, nil
}

// Version returns the manifest entry for one specific stored version, which
// need not be the current one.
func (s *Store) Version(docID, versionID string) (*Entry, error) {
	var e Entry
	var updated string
	err := s.db.QueryRow(`
		SELECT v.document_id, v.version_id, v.hash, v.size, d.mime_type, d.updated_at
		FROM document_versions v
		JOIN documents d ON d.id = v.document_id
		WHERE v.document_id = ? AND v.version_id = ?`, docID, versionID).
		Scan(&e.DocumentID, &e.VersionID, &e.VersionHash, &e.Size, &e.MimeType, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying version %s/%s: %w", docID, versionID, err)
	}
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &e, nil
}

// Manifest lists the current version of every live document, sorted by
// document ID so two equal stores produce identical manifests.
func (s *Store) Manifest() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT d.id, d.current_version, v.hash, v.size, d.mime_type, d.updated_at
		FROM documents d
		JOIN document_versions v ON v.version_id = d.current_version
		WHERE d.deleted = 0 AND d.current_version IS NOT NULL
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("querying manifest: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var updated string
		if err := rows.Scan(&e.DocumentID, &e.VersionID, &e.VersionHash, &e.Size, &e.MimeType, &updated); err != nil {
			return nil, err
		}
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Documents lists every document row, including soft-deleted ones.
func (s *Store) Documents() ([]Document, error) {
	rows, err := s.db.Query(`
		SELECT id, name, mime_type, owner_node, current_version, deleted, updated_at
		FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying documents: %w", err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		var current sql.NullString
		var deleted int
		var updated string
		if err := rows.Scan(&d.ID, &d.Name, &d.MimeType, &d.OwnerNode, &current, &deleted, &updated); err != nil {
			return nil, err
		}
		d.CurrentVersion = current.String
		d.Deleted = deleted != 0
		d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete soft-deletes a document. Its versions are kept; the manifest stops
// advertising it.
func (s *Store) Delete(docID string) error {
	res, err := s.db.Exec(`
		UPDATE documents SET deleted = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), docID)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", docID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
