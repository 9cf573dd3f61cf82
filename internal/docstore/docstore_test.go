package docstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "docs.db"))
	require.NoError(t, err, "Open failed")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutAndGetBytes(t *testing.T) {
	s := newTestStore(t)
	content := []byte("hello")

	e, err := s.Put("doc1", "notes.txt", "text/plain", "node-a", content)
	require.NoError(t, err, "Put failed")
	assert.Equal(t, "doc1", e.DocumentID)
	assert.Equal(t, HashBytes(content), e.VersionHash)
	assert.Equal(t, int64(5), e.Size)

	got, err := s.GetBytes("doc1", e.VersionID)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	doc, err := s.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, e.VersionID, doc.CurrentVersion)
	assert.Equal(t, "node-a", doc.OwnerNode)
	assert.False(t, doc.Deleted)
}

func TestPutNewVersionMovesCurrent(t *testing.T) {
	s := newTestStore(t)

	v1, err := s.Put("doc1", "notes.txt", "text/plain", "node-a", []byte("v1"))
	require.NoError(t, err)
	v2, err := s.Put("doc1", "notes.txt", "text/plain", "node-a", []byte("v2"))
	require.NoError(t, err)
	require.NotEqual(t, v1.VersionID, v2.VersionID)

	doc, err := s.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, v2.VersionID, doc.CurrentVersion)

	// Old versions stay retrievable.
	old, err := s.GetBytes("doc1", v1.VersionID)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), old)
}

func TestStoreRemoteVerifiesHash(t *testing.T) {
	s := newTestStore(t)
	content := []byte("from the peer")

	e := Entry{
		DocumentID:  "doc1",
		VersionID:   "remote-v1",
		VersionHash: HashBytes(content),
		Size:        int64(len(content)),
		MimeType:    "text/plain",
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, s.StoreRemote(e, "node-b", content))

	got, err := s.GetBytes("doc1", "remote-v1")
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestStoreRemoteRejectsCorruptContent(t *testing.T) {
	s := newTestStore(t)
	content := []byte("genuine")

	e := Entry{
		DocumentID:  "doc1",
		VersionID:   "remote-v1",
		VersionHash: HashBytes(content),
		Size:        int64(len(content)),
		UpdatedAt:   time.Now().UTC(),
	}
	err := s.StoreRemote(e, "node-b", []byte("tampered"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrHashMismatch)

	_, err = s.GetBytes("doc1", "remote-v1")
	assert.ErrorIs(t, err, ErrNotFound, "Rejected content must not be stored")
	_, err = s.Get("doc1")
	assert.ErrorIs(t, err, ErrNotFound, "Rejected content must not create the document")
}

func TestManifestListsLiveCurrentVersions(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put("doc-b", "b.txt", "text/plain", "node-a", []byte("b"))
	require.NoError(t, err)
	ea, err := s.Put("doc-a", "a.txt", "text/plain", "node-a", []byte("a1"))
	require.NoError(t, err)
	ea2, err := s.Put("doc-a", "a.txt", "text/plain", "node-a", []byte("a2"))
	require.NoError(t, err)
	_, err = s.Put("doc-c", "c.txt", "text/plain", "node-a", []byte("c"))
	require.NoError(t, err)
	require.NoError(t, s.Delete("doc-c"))

	m, err := s.Manifest()
	require.NoError(t, err)
	require.Len(t, m, 2, "Deleted documents are not advertised")
	assert.Equal(t, "doc-a", m[0].DocumentID, "Manifest is sorted by document ID")
	assert.Equal(t, "doc-b", m[1].DocumentID)
	assert.Equal(t, ea2.VersionID, m[0].VersionID, "Only the current version is advertised")
	assert.NotEqual(t, ea.VersionID, m[0].VersionID)
}

func TestDeleteUnknownDocument(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.Delete("ghost"), ErrNotFound)
}

func TestPutAfterDeleteRevives(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put("doc1", "a.txt", "text/plain", "node-a", []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, s.Delete("doc1"))

	_, err = s.Put("doc1", "a.txt", "text/plain", "node-a", []byte("v2"))
	require.NoError(t, err)

	doc, err := s.Get("doc1")
	require.NoError(t, err)
	assert.False(t, doc.Deleted, "A new write revives a soft-deleted document")

	m, err := s.Manifest()
	require.NoError(t, err)
	assert.Len(t, m, 1)
}

func TestHashBytes(t *testing.T) {
	// SHA-256 of "hello", pinned so manifests stay comparable across nodes.
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		HashBytes([]byte("hello")))
}
