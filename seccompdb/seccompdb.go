// Package seccompdb implements Antimony's SECCOMP database (C10): a
// SQLite-backed store of syscalls observed by the Notify monitor,
// keyed by (profile, binary, syscall, arch), with the query/insert/
// merge/optimize/clean operations spec §4.10 names.
package seccompdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	cerrors "antimony/errors"
	"antimony/seccompfilter"
)

const schema = `
CREATE TABLE IF NOT EXISTS binary (
	id   INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL UNIQUE
);
CREATE TABLE IF NOT EXISTS profile_binary (
	profile   TEXT NOT NULL,
	binary_id INTEGER NOT NULL REFERENCES binary(id) ON DELETE CASCADE,
	UNIQUE(profile, binary_id)
);
CREATE TABLE IF NOT EXISTS syscall (
	binary_id      INTEGER NOT NULL REFERENCES binary(id) ON DELETE CASCADE,
	syscall_number TEXT    NOT NULL,
	arch           TEXT    NOT NULL,
	UNIQUE(binary_id, syscall_number, arch)
);
CREATE INDEX IF NOT EXISTS idx_profile_binary_profile ON profile_binary(profile);
CREATE INDEX IF NOT EXISTS idx_syscall_binary ON syscall(binary_id);
`

// DB is a handle to the SECCOMP database. Access is serialised within
// the process by mu; cross-process safety is delegated to SQLite's own
// file locking (spec §4.10's "inter-process safety via SQLite file
// locking").
type DB struct {
	conn *sql.DB
	mu   sync.Mutex
	path string
}

// Open creates (if necessary) and opens the database at path.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-open", path)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-migrate", path)
	}
	return &DB{conn: conn, path: path}, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Insert records that binary (at path) running under profile was
// observed making syscall on arch, upserting the binary and
// profile/binary association as needed.
func (db *DB) Insert(ctx context.Context, profile, path, syscallName, arch string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-begin", path)
	}
	defer tx.Rollback()

	binaryID, err := upsertBinary(ctx, tx, path)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO profile_binary(profile, binary_id) VALUES (?, ?)`,
		profile, binaryID); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-insert-profile-binary", profile)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO syscall(binary_id, syscall_number, arch) VALUES (?, ?, ?)`,
		binaryID, syscallName, arch); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-insert-syscall", syscallName)
	}

	if err := tx.Commit(); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-commit", path)
	}
	return nil
}

func upsertBinary(ctx context.Context, tx *sql.Tx, path string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO binary(path) VALUES (?)`, path); err != nil {
		return 0, cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-insert-binary", path)
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM binary WHERE path = ?`, path).Scan(&id); err != nil {
		return 0, cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-select-binary", path)
	}
	return id, nil
}

// Policy is the resolved syscall allow-set for a profile: the union of
// syscalls over every binary associated with it, always including the
// monitor's required exempt set (spec §4.10's integrity invariant).
type Policy struct {
	Rules []seccompfilter.Rule
}

// Policy returns profile's resolved policy. exempt are syscall names
// the monitor itself always needs (e.g. "sendmsg") — callers pass the
// Notifier's own Exempt() set here so the invariant holds regardless of
// what has been observed yet.
func (db *DB) Policy(ctx context.Context, profile string, exempt []string) (*Policy, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.QueryContext(ctx, `
		SELECT DISTINCT s.syscall_number, s.arch
		FROM syscall s
		JOIN profile_binary pb ON pb.binary_id = s.binary_id
		WHERE pb.profile = ?
	`, profile)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-policy-query", profile)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	policy := &Policy{}
	for rows.Next() {
		var name, arch string
		if err := rows.Scan(&name, &arch); err != nil {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-policy-scan", profile)
		}
		key := name + "/" + arch
		if seen[key] {
			continue
		}
		seen[key] = true
		policy.Rules = append(policy.Rules, seccompfilter.Rule{Syscall: name, Action: seccompfilter.ActAllow})
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-policy-rows", profile)
	}

	for _, name := range exempt {
		found := false
		for _, r := range policy.Rules {
			if r.Syscall == name {
				found = true
				break
			}
		}
		if !found {
			policy.Rules = append(policy.Rules, seccompfilter.Rule{Syscall: name, Action: seccompfilter.ActAllow})
		}
	}

	return policy, nil
}

// dumpRow is the export/merge wire format: one row per (binary, profile
// association, syscall) tuple, denormalised for easy external editing.
type dumpRow struct {
	Profile string `json:"profile"`
	Binary  string `json:"binary"`
	Syscall string `json:"syscall"`
	Arch    string `json:"arch"`
}

// Export writes every (profile, binary, syscall, arch) tuple in the
// database to path as JSON.
func (db *DB) Export(path string) error {
	db.mu.Lock()
	rows, err := db.conn.Query(`
		SELECT pb.profile, b.path, s.syscall_number, s.arch
		FROM syscall s
		JOIN binary b ON b.id = s.binary_id
		JOIN profile_binary pb ON pb.binary_id = s.binary_id
	`)
	db.mu.Unlock()
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-export-query", path)
	}
	defer rows.Close()

	var dump []dumpRow
	for rows.Next() {
		var r dumpRow
		if err := rows.Scan(&r.Profile, &r.Binary, &r.Syscall, &r.Arch); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-export-scan", path)
		}
		dump = append(dump, r)
	}
	if err := rows.Err(); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-export-rows", path)
	}

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-export-marshal", path)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-export-write", path)
	}
	return nil
}

// Merge inserts every tuple from a prior Export's output at path,
// leaving existing rows untouched (unique constraints make this
// idempotent for rows already present).
func (db *DB) Merge(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-merge-read", path)
	}
	var dump []dumpRow
	if err := json.Unmarshal(data, &dump); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-merge-unmarshal", path)
	}

	ctx := context.Background()
	for _, r := range dump {
		if err := db.Insert(ctx, r.Profile, r.Binary, r.Syscall, r.Arch); err != nil {
			return err
		}
	}
	return nil
}

// Optimize runs SQLite's VACUUM and rebuilds indexes, per spec §4.10.
func (db *DB) Optimize() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec(`VACUUM`); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-vacuum", db.path)
	}
	if _, err := db.conn.Exec(`REINDEX`); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-reindex", db.path)
	}
	return nil
}

// Clean drops binaries whose path no longer exists on disk, cascading
// to their profile_binary and syscall rows. Per spec §4.10's
// documented caveat, this may incorrectly drop rows for a binary
// provided only by a feature's Direct Files, since the database has no
// record distinguishing a Direct-Files-provided path from an
// independently-resolved one — callers that rely on Direct Files
// should re-run the profile that declares them after a clean.
func (db *DB) Clean() (removed []string, err error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	rows, err := db.conn.Query(`SELECT id, path FROM binary`)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-clean-query", db.path)
	}

	type candidate struct {
		id   int64
		path string
	}
	var stale []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.path); err != nil {
			rows.Close()
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-clean-scan", db.path)
		}
		if _, statErr := os.Stat(c.path); os.IsNotExist(statErr) {
			stale = append(stale, c)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-clean-rows", db.path)
	}

	for _, c := range stale {
		if _, err := db.conn.Exec(`DELETE FROM binary WHERE id = ?`, c.id); err != nil {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrPersistence, "seccompdb-clean-delete", c.path)
		}
		removed = append(removed, c.path)
	}
	return removed, nil
}
