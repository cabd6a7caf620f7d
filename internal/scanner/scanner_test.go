package scanner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryd/sentryd/internal/model"
	"github.com/sentryd/sentryd/internal/procsnap"
)

type fakeCache struct {
	hit bool
}

func (f *fakeCache) CachedHash(path string, mtime time.Time) (string, int64, bool) {
	return "", 0, f.hit
}
func (f *fakeCache) PutCachedHash(path string, mtime time.Time, sha256 string, size int64) error {
	return nil
}

type fakeRollbackWriter struct {
	saved []model.RollbackManifest
}

func (f *fakeRollbackWriter) SaveRollback(m model.RollbackManifest) error {
	f.saved = append(f.saved, m)
	return nil
}

func newTestScanner(t *testing.T, cfg Config) (*Scanner, *fakeRollbackWriter) {
	t.Helper()
	rw := &fakeRollbackWriter{}
	snap := procsnap.New()
	s := New(cfg, DefaultSignatures(), &fakeCache{}, rw, t.TempDir(), []byte("test-key-0123456789"), snap, nil)
	return s, rw
}

func TestScanRootQuarantinesMatchingSignature(t *testing.T) {
	dir := t.TempDir()
	vault := t.TempDir()
	path := filepath.Join(dir, "xmrig")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0755))

	s, rw := newTestScanner(t, Config{
		ScanPaths:      []string{dir},
		QuarantinePath: vault,
	})

	detections := s.ScanRoot(context.Background(), dir)
	require.Len(t, detections, 1)
	assert.Equal(t, "xmrig-family", detections[0].Signature)
	assert.Equal(t, "quarantined", detections[0].Outcome)
	require.Len(t, rw.saved, 1)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(vault)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestScanRootAutoDeletes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ccminer")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0755))

	s, _ := newTestScanner(t, Config{
		ScanPaths:      []string{dir},
		QuarantinePath: t.TempDir(),
		AutoDelete:     true,
	})

	detections := s.ScanRoot(context.Background(), dir)
	require.Len(t, detections, 1)
	assert.Equal(t, "deleted", detections[0].Outcome)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestScanRootDryRunLeavesFileInPlace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "xmrig")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0755))

	s, rw := newTestScanner(t, Config{
		ScanPaths:      []string{dir},
		QuarantinePath: t.TempDir(),
		DryRun:         true,
	})

	detections := s.ScanRoot(context.Background(), dir)
	require.Len(t, detections, 1)
	assert.Equal(t, "detect-only:dry-run", detections[0].Outcome)
	assert.Empty(t, rw.saved)

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestScanRootIgnoresCleanFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.log"), []byte("hello"), 0644))

	s, _ := newTestScanner(t, Config{ScanPaths: []string{dir}, QuarantinePath: t.TempDir()})
	assert.Empty(t, s.ScanRoot(context.Background(), dir))
}

func TestHashAndDetectParallelMatchesSequential(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 15; i++ {
		name := "xmrig"
		if i%2 == 0 {
			name = "clean"
		}
		require.NoError(t, os.WriteFile(filepath.Join(dir, name+string(rune('a'+i))), []byte("x"), 0644))
	}

	s, _ := newTestScanner(t, Config{
		ScanPaths:      []string{dir},
		QuarantinePath: t.TempDir(),
		ParallelScan:   true,
		MaxScanThreads: 3,
		AutoDelete:     true,
	})

	detections := s.ScanRoot(context.Background(), dir)
	assert.Len(t, detections, 7)
}

func TestIsSuspiciousNameMatchesKnownMarkers(t *testing.T) {
	assert.True(t, isSuspiciousName("xmrig-linux-x64"))
	assert.True(t, isSuspiciousName("payload.so"))
	assert.False(t, isSuspiciousName("app.log"))
}
