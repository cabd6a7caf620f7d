// Package rollback produces tamper-evident, replayable undo records
// for anything safekill, scanner, or cronwatch mutate: a signed JSON
// manifest plus an executable shell script that performs the same
// actions.
package rollback

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sentryd/sentryd/internal/model"
)

// ErrVerifyFailed indicates a manifest's HMAC does not match its
// content, signalling tampering or a stale signing key.
var ErrVerifyFailed = errors.New("rollback: manifest verification failed")

const (
	keyDir  = "/etc/sentryd/keys"
	keyFile = "rollback.key"
)

// New builds a manifest for the given actions with a fresh ID. Callers
// supply the timestamp so tests stay deterministic without wall-clock
// reads.
func New(ts time.Time, actions []model.RollbackAction) model.RollbackManifest {
	return model.RollbackManifest{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Actions:   actions,
	}
}

// Sign computes the manifest's HMAC-SHA256 over its canonical JSON
// encoding with HMAC blanked first, and stores the hex digest back
// into the manifest.
func Sign(m *model.RollbackManifest, key []byte) error {
	m.HMAC = ""
	canonical, err := canonicalJSON(*m)
	if err != nil {
		return fmt.Errorf("rollback: canonicalize: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	m.HMAC = hex.EncodeToString(mac.Sum(nil))
	return nil
}

// Verify recomputes the HMAC over m (with HMAC blanked) and compares
// it in constant time against the stored value.
func Verify(m model.RollbackManifest, key []byte) bool {
	want := m.HMAC
	m.HMAC = ""
	canonical, err := canonicalJSON(m)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(canonical)
	got := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(want))
}

// canonicalJSON relies on model.RollbackManifest's and
// model.RollbackAction's json struct tags carrying a fixed,
// declaration-order field sequence — encoding/json preserves struct
// field order, so this is stable across runs and processes as long as
// the struct definitions themselves never change tag order.
func canonicalJSON(m model.RollbackManifest) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Save writes the manifest as "<dir>/<ts>-<id>.json" and an executable
// restore script "<dir>/<ts>-<id>.sh" built from the same action list.
func Save(dir string, m model.RollbackManifest) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("rollback: mkdir: %w", err)
	}
	base := fmt.Sprintf("%d-%s", m.Timestamp.Unix(), m.ID)

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("rollback: marshal: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, base+".json"), data, 0644); err != nil {
		return fmt.Errorf("rollback: write manifest: %w", err)
	}

	script := renderScript(m)
	if err := os.WriteFile(filepath.Join(dir, base+".sh"), []byte(script), 0755); err != nil {
		return fmt.Errorf("rollback: write script: %w", err)
	}
	return nil
}

// renderScript assembles a POSIX shell script that performs the
// inverse of each action, in order.
func renderScript(m model.RollbackManifest) string {
	var buf bytes.Buffer
	buf.WriteString("#!/bin/sh\n")
	buf.WriteString(fmt.Sprintf("# rollback manifest %s\nset -e\n", m.ID))
	for _, a := range m.Actions {
		switch a.Kind {
		case model.RestoreFile:
			fmt.Fprintf(&buf, "cp -p %q %q\n", a.From, a.To)
		case model.RestoreDirectory:
			fmt.Fprintf(&buf, "cp -rp %q %q\n", a.From, a.DirPath)
		case model.RestoreCron:
			quoted := "'" + strings.ReplaceAll(a.CronContent, "'", `'\''`) + "'"
			fmt.Fprintf(&buf, "printf '%%s' %s > %q\n", quoted, a.CronFile)
		case model.RestartProcess:
			fmt.Fprintf(&buf, "%s\n", a.Command)
		}
	}
	return buf.String()
}

// LoadOrCreateKey reads the signing key from /etc/sentryd/keys/rollback.key,
// generating and persisting a new 32-byte random key on first run.
func LoadOrCreateKey() ([]byte, error) {
	path := filepath.Join(keyDir, keyFile)
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return nil, fmt.Errorf("rollback: mkdir key dir: %w", err)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("rollback: generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("rollback: write key: %w", err)
	}
	return key, nil
}
