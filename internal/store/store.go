// Package store implements C12: the append-only persistence layer
// every other component talks to through this narrow record-oriented
// interface. A single writer goroutine drains a buffered channel of
// write requests onto one modernc.org/sqlite connection (WAL mode);
// readers open their own connections. This scales up the teacher's own
// single-writer append-only-file discipline (engine/eventlog.go's
// mutex-guarded os.OpenFile-append, engine/recorder.go's incident
// writer) to a real embedded SQL store, since sentryd's upsert and
// indexed-query needs (suspicious_processes keyed by (pid, exe), cron
// snapshots by path, file-hash cache by (path, mtime)) outgrow a JSONL
// append log.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/sentryd/sentryd/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS process_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	pid INTEGER NOT NULL,
	ppid INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	exe TEXT NOT NULL,
	cmdline TEXT NOT NULL,
	cpu_percent REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_process_history_ts ON process_history(ts);
CREATE INDEX IF NOT EXISTS idx_process_history_pid ON process_history(pid);
CREATE INDEX IF NOT EXISTS idx_process_history_exe ON process_history(exe);

CREATE TABLE IF NOT EXISTS suspicious_processes (
	pid INTEGER NOT NULL,
	exe TEXT NOT NULL,
	ppid INTEGER NOT NULL,
	uid INTEGER NOT NULL,
	cmdline TEXT NOT NULL,
	cpu_percent REAL NOT NULL,
	duration_seconds INTEGER NOT NULL,
	threat_confidence REAL NOT NULL,
	first_seen INTEGER NOT NULL,
	last_seen INTEGER NOT NULL,
	spawn_count INTEGER NOT NULL,
	restart_detected INTEGER NOT NULL,
	PRIMARY KEY (pid, exe)
);
CREATE INDEX IF NOT EXISTS idx_suspicious_exe ON suspicious_processes(exe);

CREATE TABLE IF NOT EXISTS cron_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	path TEXT NOT NULL,
	owner TEXT NOT NULL,
	hash TEXT NOT NULL,
	suspicious INTEGER NOT NULL,
	reason TEXT NOT NULL,
	outcome TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cron_ts ON cron_snapshots(ts);
CREATE INDEX IF NOT EXISTS idx_cron_path ON cron_snapshots(path);

CREATE TABLE IF NOT EXISTS npm_infections (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	path TEXT NOT NULL,
	confidence REAL NOT NULL,
	reason TEXT NOT NULL,
	outcome TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_npm_ts ON npm_infections(ts);

CREATE TABLE IF NOT EXISTS kill_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	pid INTEGER NOT NULL,
	exe TEXT NOT NULL,
	action TEXT NOT NULL,
	confidence REAL NOT NULL,
	reason TEXT NOT NULL,
	outcome TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kill_ts ON kill_actions(ts);
CREATE INDEX IF NOT EXISTS idx_kill_pid ON kill_actions(pid);

CREATE TABLE IF NOT EXISTS malware_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	path TEXT NOT NULL,
	signature TEXT NOT NULL,
	hash TEXT NOT NULL,
	size INTEGER NOT NULL,
	threat_level REAL NOT NULL,
	outcome TEXT NOT NULL,
	vault_path TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_malware_ts ON malware_files(ts);
CREATE INDEX IF NOT EXISTS idx_malware_path ON malware_files(path);

CREATE TABLE IF NOT EXISTS file_hash_cache (
	path TEXT PRIMARY KEY,
	mtime INTEGER NOT NULL,
	sha256 TEXT NOT NULL,
	size INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS rollback_manifests (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	json TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rollback_ts ON rollback_manifests(ts);
`

// writeReq is one queued mutation. exec runs against the writer's
// *sql.DB and reports the outcome on done.
type writeReq struct {
	exec func(ctx context.Context, db *sql.DB) error
	done chan error
}

// Store is the single-writer, multi-reader handle every other
// component persists through. Writes queue on a bounded channel
// (backpressure via channel send, never dropped, per spec.md §5's
// "writes may queue but must not lose rows under load"); reads use
// their own connection out of the shared pool.
type Store struct {
	path   string
	lock   *flock.Flock
	writeDB *sql.DB
	readDB  *sql.DB
	queue  chan writeReq
	done   chan struct{}
	log    *slog.Logger
}

// Open creates (or attaches to) the embedded database at path, runs
// the schema migration, and starts the single writer goroutine. A
// gofrs/flock advisory lock on "<path>.lock" keeps a second sentryd
// process from ever running a concurrent writer against the same file.
func Open(path string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}

	fl := flock.New(path + ".lock")
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("store: acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("store: database %s is locked by another process", path)
	}

	writeDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		fl.Unlock()
		return nil, fmt.Errorf("store: open writer: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	if _, err := writeDB.Exec(schema); err != nil {
		writeDB.Close()
		fl.Unlock()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	readDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&mode=ro")
	if err != nil {
		writeDB.Close()
		fl.Unlock()
		return nil, fmt.Errorf("store: open reader: %w", err)
	}

	s := &Store{
		path:    path,
		lock:    fl,
		writeDB: writeDB,
		readDB:  readDB,
		queue:   make(chan writeReq, 1024),
		done:    make(chan struct{}),
		log:     log,
	}
	go s.writerLoop()
	return s, nil
}

func (s *Store) writerLoop() {
	for req := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := req.exec(ctx, s.writeDB)
		cancel()
		if err != nil {
			s.log.Warn("store: write failed", "error", err)
		}
		req.done <- err
	}
	close(s.done)
}

// enqueue submits a write and blocks until it completes or ctx is done.
func (s *Store) enqueue(ctx context.Context, exec func(ctx context.Context, db *sql.DB) error) error {
	req := writeReq{exec: exec, done: make(chan error, 1)}
	select {
	case s.queue <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the write queue and releases the advisory lock.
func (s *Store) Close() error {
	close(s.queue)
	<-s.done
	s.readDB.Close()
	err := s.writeDB.Close()
	s.lock.Unlock()
	return err
}

// RecordProcess appends one process_history row.
func (s *Store) RecordProcess(p model.ProcessInfo) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.enqueue(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO process_history (ts, pid, ppid, uid, exe, cmdline, cpu_percent) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			time.Now().Unix(), p.PID, p.PPID, p.UID, p.Exe, p.Cmdline, p.CPUPercent)
		return err
	})
}

// UpsertSuspicious inserts or updates the suspicious_processes row
// keyed by (pid, exe), incrementing spawn_count and setting
// restart_detected per spec.md §3's SuspiciousRecord rules. The caller
// (internal/intel via the daemon loop) has already computed the
// monotone-nondecreasing confidence; this just persists it.
func (s *Store) UpsertSuspicious(rec model.SuspiciousRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.enqueue(ctx, func(ctx context.Context, db *sql.DB) error {
		var otherPIDs int
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM suspicious_processes WHERE exe = ? AND pid <> ?`, rec.Exe, rec.PID).Scan(&otherPIDs); err != nil {
			return err
		}
		restart := rec.RestartDetected || otherPIDs > 0
		spawnCount := rec.SpawnCount
		if spawnCount < 1 {
			spawnCount = 1
		}
		_, err := db.ExecContext(ctx, `
			INSERT INTO suspicious_processes
				(pid, exe, ppid, uid, cmdline, cpu_percent, duration_seconds, threat_confidence, first_seen, last_seen, spawn_count, restart_detected)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(pid, exe) DO UPDATE SET
				ppid=excluded.ppid, uid=excluded.uid, cmdline=excluded.cmdline,
				cpu_percent=excluded.cpu_percent, duration_seconds=excluded.duration_seconds,
				threat_confidence=excluded.threat_confidence, last_seen=excluded.last_seen,
				spawn_count=suspicious_processes.spawn_count+1, restart_detected=excluded.restart_detected`,
			rec.PID, rec.Exe, rec.PPID, rec.UID, rec.Cmdline, rec.CPUPercent, rec.DurationSeconds,
			rec.ThreatConfidence, rec.FirstSeen.Unix(), rec.LastSeen.Unix(), spawnCount, restart)
		return err
	})
}

// LatestSuspiciousByExe returns the most recently seen SuspiciousRecord
// for exe (across any pid), or (zero, false) if none exists — the prior
// state intel.Score's restart branch needs.
func (s *Store) LatestSuspiciousByExe(exe string) (model.SuspiciousRecord, bool) {
	row := s.readDB.QueryRow(`
		SELECT pid, exe, ppid, uid, cmdline, cpu_percent, duration_seconds, threat_confidence, first_seen, last_seen, spawn_count, restart_detected
		FROM suspicious_processes WHERE exe = ? ORDER BY last_seen DESC, rowid DESC LIMIT 1`, exe)
	var rec model.SuspiciousRecord
	var firstSeen, lastSeen int64
	var restart int
	err := row.Scan(&rec.PID, &rec.Exe, &rec.PPID, &rec.UID, &rec.Cmdline, &rec.CPUPercent,
		&rec.DurationSeconds, &rec.ThreatConfidence, &firstSeen, &lastSeen, &rec.SpawnCount, &restart)
	if err != nil {
		return model.SuspiciousRecord{}, false
	}
	rec.FirstSeen = time.Unix(firstSeen, 0)
	rec.LastSeen = time.Unix(lastSeen, 0)
	rec.RestartDetected = restart != 0
	return rec, true
}

// RecordCronSnapshot appends one cron_snapshots audit row.
func (s *Store) RecordCronSnapshot(c model.CronSnapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.enqueue(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO cron_snapshots (ts, path, owner, hash, suspicious, reason, outcome) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.Timestamp.Unix(), c.Path, c.Owner, c.Hash, c.Suspicious, c.Reason, c.Outcome)
		return err
	})
}

// RecordNpmInfection appends one npm_infections audit row.
func (s *Store) RecordNpmInfection(n model.NpmInfection) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.enqueue(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO npm_infections (ts, path, confidence, reason, outcome) VALUES (?, ?, ?, ?, ?)`,
			n.Timestamp.Unix(), n.Path, n.Confidence, n.Reason, n.Outcome)
		return err
	})
}

// RecordKillAction appends one kill_actions audit row.
func (s *Store) RecordKillAction(k model.KillAction) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.enqueue(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO kill_actions (ts, pid, exe, action, confidence, reason, outcome) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			k.Timestamp.Unix(), k.PID, k.Exe, k.Action, k.Confidence, k.Reason, k.Outcome)
		return err
	})
}

// RecordMalwareFile appends one malware_files audit row.
func (s *Store) RecordMalwareFile(m model.MalwareFile) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.enqueue(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO malware_files (ts, path, signature, hash, size, threat_level, outcome, vault_path) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			m.Timestamp.Unix(), m.Path, m.Signature, m.Hash, m.Size, m.ThreatLevel, m.Outcome, m.VaultPath)
		return err
	})
}

// CachedHash returns the cached (sha256, size) for path if its mtime
// matches, satisfying P9 ("cache hit implies cached hash matches
// current content whenever mtime is unchanged").
func (s *Store) CachedHash(path string, mtime time.Time) (sha256 string, size int64, ok bool) {
	row := s.readDB.QueryRow(`SELECT mtime, sha256, size FROM file_hash_cache WHERE path = ?`, path)
	var cachedMtime int64
	if err := row.Scan(&cachedMtime, &sha256, &size); err != nil {
		return "", 0, false
	}
	if cachedMtime != mtime.Unix() {
		return "", 0, false
	}
	return sha256, size, true
}

// PutCachedHash upserts the (path, mtime) -> (sha256, size) memoization.
func (s *Store) PutCachedHash(path string, mtime time.Time, sha256 string, size int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.enqueue(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO file_hash_cache (path, mtime, sha256, size) VALUES (?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET mtime=excluded.mtime, sha256=excluded.sha256, size=excluded.size`,
			path, mtime.Unix(), sha256, size)
		return err
	})
}

// SaveRollback persists the manifest's JSON form for audit/recovery
// lookups distinct from the on-disk .json/.sh pair rollback.Save writes
// (store is the durable record; the disk files are the operator-facing
// restore artifacts).
func (s *Store) SaveRollback(m model.RollbackManifest) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.enqueue(ctx, func(ctx context.Context, db *sql.DB) error {
		data, err := manifestJSON(m)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx,
			`INSERT INTO rollback_manifests (id, ts, json) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET json=excluded.json`,
			m.ID, m.Timestamp.Unix(), data)
		return err
	})
}

// Maintain is the daily task of spec.md §4.12: it deletes rows older
// than 30 days from the audit tables and runs VACUUM. The deleted rows
// are not copied to an archive first.
func (s *Store) Maintain(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -30).Unix()
	return s.enqueue(ctx, func(ctx context.Context, db *sql.DB) error {
		for _, table := range []string{"process_history", "cron_snapshots", "npm_infections", "kill_actions", "malware_files", "rollback_manifests"} {
			if _, err := db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE ts < ?", table), cutoff); err != nil {
				return fmt.Errorf("archive %s: %w", table, err)
			}
		}
		_, err := db.ExecContext(ctx, "VACUUM")
		return err
	})
}
