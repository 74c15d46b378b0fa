// Package history is the append-only store of completed hop cycles.
// The orchestrator is the only writer; one cycle is active at a time, so
// writes never conflict.
package history

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    cycle_id TEXT NOT NULL,
    vlan_id INTEGER NOT NULL,
    ip TEXT NOT NULL DEFAULT '',
    mac TEXT NOT NULL DEFAULT '',
    iface TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    error_kind TEXT NOT NULL DEFAULT '',
    message TEXT NOT NULL DEFAULT '',
    started_at TEXT NOT NULL,
    ended_at TEXT NOT NULL DEFAULT '',
    duration_sec REAL NOT NULL DEFAULT 0,
    modules_run TEXT NOT NULL DEFAULT '[]',
    target_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cycles_vlan ON cycles(vlan_id);
CREATE INDEX IF NOT EXISTS idx_cycles_ip ON cycles(ip);
`

// DefaultPath returns the default history database location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".chaosbot", "lease_history.db")
}

// Entry is one finalized cycle plus its lease data.
type Entry struct {
	RowID       int64     `json:"id"`
	CycleID     string    `json:"cycle_id"`
	VlanID      int       `json:"vlan_id"`
	IP          string    `json:"ip,omitempty"`
	MAC         string    `json:"mac,omitempty"`
	Interface   string    `json:"iface,omitempty"`
	Status      string    `json:"status"`
	ErrorKind   string    `json:"error_kind,omitempty"`
	Message     string    `json:"message,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	Duration    float64   `json:"duration_sec"`
	ModulesRun  []string  `json:"modules_run"`
	TargetCount int       `json:"target_count"`
}

// Filter narrows a history query. Zero values are ignored.
type Filter struct {
	VlanID      int
	IP          string
	MinDuration time.Duration
	MaxDuration time.Duration
	Last        int
}

// Store wraps the sqlite database.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open creates (if needed) and opens the history database.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append records a finalized cycle and returns its row id.
func (s *Store) Append(e Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mods, err := json.Marshal(e.ModulesRun)
	if err != nil {
		return 0, err
	}
	endedAt := ""
	if !e.EndedAt.IsZero() {
		endedAt = e.EndedAt.UTC().Format(time.RFC3339)
	}
	res, err := s.db.Exec(
		`INSERT INTO cycles (cycle_id, vlan_id, ip, mac, iface, status, error_kind, message,
		                     started_at, ended_at, duration_sec, modules_run, target_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.CycleID, e.VlanID, e.IP, e.MAC, e.Interface, e.Status, e.ErrorKind, e.Message,
		e.StartedAt.UTC().Format(time.RFC3339), endedAt, e.Duration, string(mods), e.TargetCount,
	)
	if err != nil {
		return 0, fmt.Errorf("append history: %w", err)
	}
	return res.LastInsertId()
}

// LastIP returns the address of the most recent lease recorded on the
// VLAN, feeding the lifecycle manager's duplicate-lease avoidance.
func (s *Store) LastIP(vlanID int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ip string
	err := s.db.QueryRow(
		`SELECT ip FROM cycles WHERE vlan_id = ? AND ip != '' ORDER BY id DESC LIMIT 1`,
		vlanID,
	).Scan(&ip)
	if err != nil {
		return "", false
	}
	return ip, true
}

// Query returns entries matching the filter, newest first.
func (s *Store) Query(f Filter) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var conds []string
	var args []any
	if f.VlanID > 0 {
		conds = append(conds, "vlan_id = ?")
		args = append(args, f.VlanID)
	}
	if f.IP != "" {
		conds = append(conds, "ip = ?")
		args = append(args, f.IP)
	}
	if f.MinDuration > 0 {
		conds = append(conds, "duration_sec >= ?")
		args = append(args, f.MinDuration.Seconds())
	}
	if f.MaxDuration > 0 {
		conds = append(conds, "duration_sec <= ?")
		args = append(args, f.MaxDuration.Seconds())
	}

	q := "SELECT id, cycle_id, vlan_id, ip, mac, iface, status, error_kind, message, started_at, ended_at, duration_sec, modules_run, target_count FROM cycles"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY id DESC"
	last := f.Last
	if last <= 0 {
		last = 50
	}
	q += " LIMIT ?"
	args = append(args, last)

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var started, ended, mods string
		if err := rows.Scan(&e.RowID, &e.CycleID, &e.VlanID, &e.IP, &e.MAC, &e.Interface,
			&e.Status, &e.ErrorKind, &e.Message, &started, &ended, &e.Duration, &mods, &e.TargetCount); err != nil {
			return nil, err
		}
		e.StartedAt, _ = time.Parse(time.RFC3339, started)
		if ended != "" {
			e.EndedAt, _ = time.Parse(time.RFC3339, ended)
		}
		json.Unmarshal([]byte(mods), &e.ModulesRun)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Clear deletes all history, returning the number of rows removed.
func (s *Store) Clear() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM cycles")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
