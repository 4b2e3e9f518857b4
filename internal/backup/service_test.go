package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	objects map[string][]byte
	deleted []string
	listErr error
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Upload(_ context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.objects[key] = data
	return nil
}

func (m *memStore) List(_ context.Context, prefix string) ([]Object, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []Object
	for key, data := range m.objects {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			out = append(out, Object{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

type fileSnapshotter struct {
	content []byte
	err     error
}

func (f *fileSnapshotter) VacuumInto(destPath string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(destPath, f.content, 0644)
}

func newTestService(t *testing.T, store *memStore) *Service {
	t.Helper()
	dbs := map[string]Snapshotter{
		"vigil": &fileSnapshotter{content: []byte("main database bytes")},
		"cache": &fileSnapshotter{content: []byte("cache database bytes")},
	}
	return New(store, dbs, t.TempDir(), 14, zerolog.Nop())
}

// unpack reads a tar.gz archive into member name -> content.
func unpack(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	members := make(map[string][]byte)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		content, err := io.ReadAll(tr)
		require.NoError(t, err)
		members[hdr.Name] = content
	}
	return members
}

func TestCreateAndUpload(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	svc.now = func() time.Time { return time.Date(2026, 3, 9, 22, 0, 0, 0, time.UTC) }

	require.NoError(t, svc.CreateAndUpload(context.Background()))

	wantKey := "vigil-backup-2026-03-09-220000.tar.gz"
	require.Contains(t, store.objects, wantKey)

	members := unpack(t, store.objects[wantKey])
	require.Len(t, members, 3)
	assert.Equal(t, []byte("main database bytes"), members["vigil.db"])
	assert.Equal(t, []byte("cache database bytes"), members["cache.db"])

	var meta Metadata
	require.NoError(t, json.Unmarshal(members["backup-metadata.json"], &meta))
	require.Len(t, meta.Databases, 2)

	// Databases are recorded sorted by name with matching checksums.
	assert.Equal(t, "cache", meta.Databases[0].Name)
	assert.Equal(t, "vigil", meta.Databases[1].Name)
	wantSum := fmt.Sprintf("sha256:%x", sha256.Sum256([]byte("main database bytes")))
	assert.Equal(t, wantSum, meta.Databases[1].Checksum)
	assert.Equal(t, int64(len("main database bytes")), meta.Databases[1].SizeBytes)
}

func TestCreateAndUpload_SnapshotFailure(t *testing.T) {
	store := newMemStore()
	dbs := map[string]Snapshotter{
		"vigil": &fileSnapshotter{err: fmt.Errorf("database is locked")},
	}
	svc := New(store, dbs, t.TempDir(), 14, zerolog.Nop())

	err := svc.CreateAndUpload(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to snapshot vigil")
	assert.Empty(t, store.objects)
}

func TestList_NewestFirstAndSkipsForeignKeys(t *testing.T) {
	store := newMemStore()
	store.objects["vigil-backup-2026-03-01-220000.tar.gz"] = []byte("old")
	store.objects["vigil-backup-2026-03-08-220000.tar.gz"] = []byte("new")
	store.objects["vigil-backup-garbage.tar.gz"] = []byte("junk")
	svc := newTestService(t, store)

	backups, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, "vigil-backup-2026-03-08-220000.tar.gz", backups[0].Filename)
	assert.Equal(t, "vigil-backup-2026-03-01-220000.tar.gz", backups[1].Filename)
}

func TestRotate_DeletesExpiredKeepsNewestThree(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	for _, daysAgo := range []int{1, 2, 10, 20, 30} {
		key := archivePrefix + now.AddDate(0, 0, -daysAgo).Format(archiveStamp) + ".tar.gz"
		store.objects[key] = []byte("x")
	}
	svc := newTestService(t, store)
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.Rotate(context.Background()))

	// 1d, 2d, 10d survive as the newest three; 20d and 30d exceed the
	// 14-day retention and go.
	assert.Len(t, store.deleted, 2)
	assert.Len(t, store.objects, 3)
}

func TestRotate_KeepsMinimumRegardlessOfAge(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	for _, daysAgo := range []int{100, 200, 300} {
		key := archivePrefix + now.AddDate(0, 0, -daysAgo).Format(archiveStamp) + ".tar.gz"
		store.objects[key] = []byte("x")
	}
	svc := newTestService(t, store)
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.Rotate(context.Background()))
	assert.Empty(t, store.deleted)
}

func TestRotate_ZeroRetentionKeepsEverything(t *testing.T) {
	store := newMemStore()
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	for _, daysAgo := range []int{1, 50, 100, 200, 300} {
		key := archivePrefix + now.AddDate(0, 0, -daysAgo).Format(archiveStamp) + ".tar.gz"
		store.objects[key] = []byte("x")
	}
	svc := New(store, nil, t.TempDir(), 0, zerolog.Nop())
	svc.now = func() time.Time { return now }

	require.NoError(t, svc.Rotate(context.Background()))
	assert.Empty(t, store.deleted)
}

func TestRun_UploadsThenRotates(t *testing.T) {
	store := newMemStore()
	svc := newTestService(t, store)
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	// Seed enough stale archives that rotation has work to do.
	for _, daysAgo := range []int{20, 25, 30, 40} {
		key := archivePrefix + now.AddDate(0, 0, -daysAgo).Format(archiveStamp) + ".tar.gz"
		store.objects[key] = []byte("x")
	}

	require.NoError(t, svc.Run(context.Background()))

	// The fresh archive plus the two newest seeds survive.
	assert.Len(t, store.objects, 3)
	assert.Contains(t, store.objects, archivePrefix+now.Format(archiveStamp)+".tar.gz")
}
