// Package store persists container records in a local SQLite database.
// Records are keyed uniquely by public key and by name; mutable fields
// are written through narrow point updates so independent loops never
// clobber each other's columns.
package store

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/enclaved-org/enclaved/interfaces"
)

const schema = `
CREATE TABLE IF NOT EXISTS containers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pubkey TEXT NOT NULL,
	seckey TEXT NOT NULL,
	token TEXT NOT NULL,
	admin_pubkey TEXT DEFAULT '',
	ports_from INTEGER NOT NULL,
	name TEXT NOT NULL,
	docker TEXT DEFAULT '',
	units INTEGER DEFAULT 1,
	is_builtin INTEGER DEFAULT 0,
	env TEXT DEFAULT '',
	state TEXT DEFAULT 'waiting',
	payment_hash TEXT DEFAULT '',
	uptime_count INTEGER DEFAULT 0,
	uptime_paid INTEGER DEFAULT 0,
	balance INTEGER DEFAULT 0,
	upgrade TEXT DEFAULT ''
);
CREATE UNIQUE INDEX IF NOT EXISTS containers_pubkey_index ON containers (pubkey);
CREATE UNIQUE INDEX IF NOT EXISTS containers_name_index ON containers (name);
CREATE INDEX IF NOT EXISTS containers_admin_pubkey_index ON containers (admin_pubkey);
`

// SQLiteStore implements interfaces.ContainerStore.
type SQLiteStore struct {
	db *sql.DB
}

// New opens (creating if needed) the container database at path.
func New(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func encodeEnv(env map[string]string) (string, error) {
	if len(env) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("serializing env: %w", err)
	}
	return string(raw), nil
}

func scanRecord(row interface{ Scan(...any) error }) (*interfaces.ContainerRecord, error) {
	var (
		rec       interfaces.ContainerRecord
		seckeyHex string
		envRaw    string
		stateRaw  string
		isBuiltin int
	)
	err := row.Scan(
		&rec.ID, &rec.Pubkey, &seckeyHex, &rec.Token, &rec.AdminPubkey,
		&rec.PortsFrom, &rec.Name, &rec.ImageRef, &rec.Units, &isBuiltin,
		&envRaw, &stateRaw, &rec.PaymentHash, &rec.UptimeCount,
		&rec.UptimePaid, &rec.Balance, &rec.Upgrade,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrContainerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning container row: %w", err)
	}

	rec.Seckey, err = hex.DecodeString(seckeyHex)
	if err != nil {
		return nil, fmt.Errorf("decoding stored seckey: %w", err)
	}
	rec.IsBuiltin = isBuiltin != 0
	if envRaw != "" {
		if err := json.Unmarshal([]byte(envRaw), &rec.Env); err != nil {
			return nil, fmt.Errorf("decoding stored env: %w", err)
		}
	}
	rec.State, err = interfaces.ParseContainerState(stateRaw)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

const selectColumns = `id, pubkey, seckey, token, admin_pubkey, ports_from, name,
	docker, units, is_builtin, env, state, payment_hash, uptime_count,
	uptime_paid, balance, upgrade`

// Insert adds a fresh record. A name collision fails with ErrNameTaken
// and leaves the existing row untouched; launches rely on this instead
// of the Upsert conflict clause so a racing admission can never rewrite
// another container's row.
func (s *SQLiteStore) Insert(rec *interfaces.ContainerRecord) error {
	env, err := encodeEnv(rec.Env)
	if err != nil {
		return err
	}
	isBuiltin := 0
	if rec.IsBuiltin {
		isBuiltin = 1
	}

	_, err = s.db.Exec(`
		INSERT INTO containers (
			pubkey, seckey, token, admin_pubkey, ports_from, name, docker,
			units, is_builtin, env, state, payment_hash, uptime_count,
			uptime_paid, balance, upgrade
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Pubkey, hex.EncodeToString(rec.Seckey), rec.Token, rec.AdminPubkey,
		rec.PortsFrom, rec.Name, rec.ImageRef, rec.Units, isBuiltin, env,
		string(rec.State), rec.PaymentHash, rec.UptimeCount, rec.UptimePaid,
		rec.Balance, rec.Upgrade,
	)
	if err != nil {
		// Pubkeys are freshly generated, so a unique violation can only
		// be the name index.
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return interfaces.ErrNameTaken
		}
		return fmt.Errorf("inserting container: %w", err)
	}
	return nil
}

// Upsert inserts the record or, on a name conflict, updates the mutable
// configuration fields of the existing row (builtins keep their keypair
// across config changes). Reserved for builtin reconciliation; launches
// go through Insert.
func (s *SQLiteStore) Upsert(rec *interfaces.ContainerRecord) error {
	env, err := encodeEnv(rec.Env)
	if err != nil {
		return err
	}
	isBuiltin := 0
	if rec.IsBuiltin {
		isBuiltin = 1
	}

	res, err := s.db.Exec(`
		INSERT INTO containers (
			pubkey, seckey, token, admin_pubkey, ports_from, name, docker,
			units, is_builtin, env, state, payment_hash, uptime_count,
			uptime_paid, balance, upgrade
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			ports_from = excluded.ports_from,
			docker = excluded.docker,
			units = excluded.units,
			env = excluded.env,
			state = excluded.state,
			upgrade = excluded.upgrade`,
		rec.Pubkey, hex.EncodeToString(rec.Seckey), rec.Token, rec.AdminPubkey,
		rec.PortsFrom, rec.Name, rec.ImageRef, rec.Units, isBuiltin, env,
		string(rec.State), rec.PaymentHash, rec.UptimeCount, rec.UptimePaid,
		rec.Balance, rec.Upgrade,
	)
	if err != nil {
		return fmt.Errorf("upserting container: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New("failed to upsert container")
	}
	return nil
}

func (s *SQLiteStore) ByPubkey(pubkey interfaces.Pubkey) (*interfaces.ContainerRecord, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM containers WHERE pubkey = ?`, pubkey)
	return scanRecord(row)
}

func (s *SQLiteStore) ByName(name string) (*interfaces.ContainerRecord, error) {
	row := s.db.QueryRow(`SELECT `+selectColumns+` FROM containers WHERE name = ?`, name)
	return scanRecord(row)
}

func (s *SQLiteStore) List() ([]*interfaces.ContainerRecord, error) {
	rows, err := s.db.Query(`SELECT ` + selectColumns + ` FROM containers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}
	defer rows.Close()

	var recs []*interfaces.ContainerRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) Delete(pubkey interfaces.Pubkey) error {
	_, err := s.db.Exec(`DELETE FROM containers WHERE pubkey = ?`, pubkey)
	if err != nil {
		return fmt.Errorf("deleting container: %w", err)
	}
	return nil
}

func (s *SQLiteStore) setColumn(pubkey interfaces.Pubkey, column string, value any) error {
	res, err := s.db.Exec(`UPDATE containers SET `+column+` = ? WHERE pubkey = ?`, value, pubkey)
	if err != nil {
		return fmt.Errorf("updating %s: %w", column, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return interfaces.ErrContainerNotFound
	}
	return nil
}

func (s *SQLiteStore) SetState(pubkey interfaces.Pubkey, state interfaces.ContainerState) error {
	if !state.Valid() {
		return fmt.Errorf("refusing to store invalid state %q", state)
	}
	return s.setColumn(pubkey, "state", string(state))
}

func (s *SQLiteStore) SetBalance(pubkey interfaces.Pubkey, balanceMsat int64) error {
	return s.setColumn(pubkey, "balance", balanceMsat)
}

func (s *SQLiteStore) SetUptimeCount(pubkey interfaces.Pubkey, count int64) error {
	return s.setColumn(pubkey, "uptime_count", count)
}

func (s *SQLiteStore) SetUptimePaid(pubkey interfaces.Pubkey, paid int64) error {
	return s.setColumn(pubkey, "uptime_paid", paid)
}

func (s *SQLiteStore) SetPaymentHash(pubkey interfaces.Pubkey, hash string) error {
	return s.setColumn(pubkey, "payment_hash", hash)
}

func (s *SQLiteStore) SetImageRef(pubkey interfaces.Pubkey, ref string) error {
	return s.setColumn(pubkey, "docker", ref)
}
