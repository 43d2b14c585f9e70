package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// migrations is an ordered list of SQL statements applied on startup.
// Each entry is idempotent (IF NOT EXISTS) so re-running is safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS peers (
		address        TEXT PRIMARY KEY,
		fingerprint    TEXT NOT NULL DEFAULT '',
		added_at       TEXT NOT NULL,
		last_connected TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		username      TEXT PRIMARY KEY,
		password_hash TEXT NOT NULL,
		is_admin      INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS servers (
		id         TEXT PRIMARY KEY,
		owner      TEXT NOT NULL REFERENCES users(username),
		name       TEXT NOT NULL DEFAULT '',
		address    TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (owner, address)
	)`,
	`CREATE TABLE IF NOT EXISTS server_shares (
		server_id TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
		username  TEXT NOT NULL,
		PRIMARY KEY (server_id, username)
	)`,
}

// SQLiteStore implements Store using a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at path and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time.

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Peers ---

func (s *SQLiteStore) UpsertPeer(ctx context.Context, p *PeerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peers (address, fingerprint, added_at) VALUES (?, ?, ?)
		 ON CONFLICT(address) DO UPDATE SET fingerprint = CASE WHEN excluded.fingerprint != '' THEN excluded.fingerprint ELSE peers.fingerprint END`,
		p.Address, p.Fingerprint, formatTime(p.AddedAt))
	return err
}

func (s *SQLiteStore) GetPeer(ctx context.Context, address string) (*PeerRecord, error) {
	var p PeerRecord
	var added string
	var connected sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT address, fingerprint, added_at, last_connected FROM peers WHERE address = ?`, address).
		Scan(&p.Address, &p.Fingerprint, &added, &connected)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.AddedAt = parseTime(added)
	if connected.Valid {
		p.LastConnected = parseTime(connected.String)
	}
	return &p, nil
}

func (s *SQLiteStore) UpdatePeerSeen(ctx context.Context, address, fingerprint string, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE peers SET fingerprint = ?, last_connected = ? WHERE address = ?`,
		fingerprint, formatTime(t), address)
	return err
}

func (s *SQLiteStore) ListPeers(ctx context.Context) ([]*PeerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, fingerprint, added_at, last_connected FROM peers ORDER BY added_at, address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var peers []*PeerRecord
	for rows.Next() {
		var p PeerRecord
		var added string
		var connected sql.NullString
		if err := rows.Scan(&p.Address, &p.Fingerprint, &added, &connected); err != nil {
			return nil, err
		}
		p.AddedAt = parseTime(added)
		if connected.Valid {
			p.LastConnected = parseTime(connected.String)
		}
		peers = append(peers, &p)
	}
	return peers, rows.Err()
}

func (s *SQLiteStore) DeletePeer(ctx context.Context, address string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM peers WHERE address = ?`, address)
	return err
}

// --- Users ---

func (s *SQLiteStore) CreateUser(ctx context.Context, u *UserRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, is_admin, created_at) VALUES (?, ?, ?, ?)`,
		u.Username, u.PasswordHash, u.IsAdmin, formatTime(u.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Username, ErrExists)
	}
	return err
}

func (s *SQLiteStore) GetUser(ctx context.Context, username string) (*UserRecord, error) {
	var u UserRecord
	var created string
	err := s.db.QueryRowContext(ctx,
		`SELECT username, password_hash, is_admin, created_at FROM users WHERE username = ?`, username).
		Scan(&u.Username, &u.PasswordHash, &u.IsAdmin, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	u.CreatedAt = parseTime(created)
	return &u, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context) ([]*UserRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username, password_hash, is_admin, created_at FROM users ORDER BY username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var users []*UserRecord
	for rows.Next() {
		var u UserRecord
		var created string
		if err := rows.Scan(&u.Username, &u.PasswordHash, &u.IsAdmin, &created); err != nil {
			return nil, err
		}
		u.CreatedAt = parseTime(created)
		users = append(users, &u)
	}
	return users, rows.Err()
}

func (s *SQLiteStore) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

// --- Servers ---

func (s *SQLiteStore) CreateServer(ctx context.Context, srv *ServerRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (id, owner, name, address, created_at) VALUES (?, ?, ?, ?, ?)`,
		srv.ID, srv.Owner, srv.Name, srv.Address, formatTime(srv.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("server %s: %w", srv.Address, ErrExists)
	}
	return err
}

func (s *SQLiteStore) DeleteServer(ctx context.Context, owner, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM servers WHERE id = ? AND owner = ?`, id, owner)
	if err != nil {
		return err
	}
	return requireAffected(res, id)
}

func (s *SQLiteStore) SetSharing(ctx context.Context, owner, id string, usernames []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	var found string
	err = tx.QueryRowContext(ctx, `SELECT id FROM servers WHERE id = ? AND owner = ?`, id, owner).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("server %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM server_shares WHERE server_id = ?`, id); err != nil {
		return err
	}
	for _, u := range usernames {
		if u == owner {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO server_shares (server_id, username) VALUES (?, ?)`, id, u); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListVisibleServers(ctx context.Context, username string) ([]*ServerRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.owner, s.name, s.address, s.created_at, COALESCE(GROUP_CONCAT(sh.username, ','), '')
		 FROM servers s
		 LEFT JOIN server_shares sh ON sh.server_id = s.id
		 WHERE s.owner = ? OR s.id IN (SELECT server_id FROM server_shares WHERE username = ?)
		 GROUP BY s.id
		 ORDER BY s.name, s.address`, username, username)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var servers []*ServerRecord
	for rows.Next() {
		var srv ServerRecord
		var created, shared string
		if err := rows.Scan(&srv.ID, &srv.Owner, &srv.Name, &srv.Address, &created, &shared); err != nil {
			return nil, err
		}
		srv.CreatedAt = parseTime(created)
		srv.SharedWith = []string{}
		if shared != "" {
			srv.SharedWith = strings.Split(shared, ",")
			sort.Strings(srv.SharedWith)
		}
		servers = append(servers, &srv)
	}
	return servers, rows.Err()
}

// --- Helpers ---

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func requireAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}
