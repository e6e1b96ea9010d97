package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
)

// Node statuses.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusCrashed = "crashed"
	StatusReaped  = "reaped"
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Node is a sandbox node process spawned by some supervisor on this host.
type Node struct {
	ID       string `json:"id"`
	PID      int    `json:"pid"`
	OwnerPID int    `json:"owner_pid"`
	// StartTime and OwnerStartTime identify the processes behind PID and
	// OwnerPID across pid reuse. Zero means unknown.
	StartTime      uint64    `json:"start_time"`
	OwnerStartTime uint64    `json:"owner_start_time"`
	RPCPort        int       `json:"rpc_port"`
	NetPort        int       `json:"net_port"`
	RPCAddr        string    `json:"rpc_addr"`
	HomeDir        string    `json:"home_dir"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	StoppedAt      time.Time `json:"stopped_at,omitempty"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS nodes (
	id         TEXT PRIMARY KEY,
	pid        INTEGER NOT NULL DEFAULT 0,
	owner_pid  INTEGER NOT NULL DEFAULT 0,
	start_time INTEGER NOT NULL DEFAULT 0,
	owner_start_time INTEGER NOT NULL DEFAULT 0,
	rpc_port   INTEGER NOT NULL DEFAULT 0,
	net_port   INTEGER NOT NULL DEFAULT 0,
	rpc_addr   TEXT NOT NULL DEFAULT '',
	home_dir   TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'running',
	created_at DATETIME NOT NULL,
	stopped_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_nodes_status ON nodes(status);
`

// Registries created before process identities were recorded lack these columns.
var migrateAddStartTimeSQL = []string{
	`ALTER TABLE nodes ADD COLUMN start_time INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE nodes ADD COLUMN owner_start_time INTEGER NOT NULL DEFAULT 0`,
}

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
const DefaultMaxOpenConns = 4

// dsnWithPragmas applies WAL and busy_timeout to every connection. Several test
// processes on one host may share the registry file.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	// Every connection to :memory: gets its own database.
	if dbPath == ":memory:" {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	for _, stmt := range migrateAddStartTimeSQL {
		db.Exec(stmt) // Ignore error if column exists
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateNode(n *Node) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO nodes (id, pid, owner_pid, start_time, owner_start_time, rpc_port, net_port, rpc_addr, home_dir, status, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.PID, n.OwnerPID, n.StartTime, n.OwnerStartTime, n.RPCPort, n.NetPort, n.RPCAddr, n.HomeDir, n.Status, n.CreatedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting node: %w", err)
	}
	return nil
}

// GetNode returns the node with id, or ErrNotFound.
func (s *Store) GetNode(id string) (*Node, error) {
	row := s.db.QueryRow(
		`SELECT id, pid, owner_pid, start_time, owner_start_time, rpc_port, net_port, rpc_addr, home_dir, status, created_at, stopped_at
		 FROM nodes WHERE id = ?`, id,
	)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return n, err
}

func (s *Store) ListNodes() ([]*Node, error) {
	rows, err := s.db.Query(
		`SELECT id, pid, owner_pid, start_time, owner_start_time, rpc_port, net_port, rpc_addr, home_dir, status, created_at, stopped_at
		 FROM nodes ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *Store) ListRunningNodes() ([]*Node, error) {
	rows, err := s.db.Query(
		`SELECT id, pid, owner_pid, start_time, owner_start_time, rpc_port, net_port, rpc_addr, home_dir, status, created_at, stopped_at
		 FROM nodes WHERE status = ?`, StatusRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("listing running nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

// UpdateNodeStatus sets status. Any status other than running also stamps stopped_at.
func (s *Store) UpdateNodeStatus(id string, status string) error {
	var stoppedAt any
	if status != StatusRunning {
		stoppedAt = time.Now().UTC()
	}

	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE nodes SET status = ?, stopped_at = ? WHERE id = ?`, status, stoppedAt, id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating node status: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) DeleteNode(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}
	return checkRowAffected(result, id)
}

// PruneStopped deletes non-running nodes that stopped before cutoff.
func (s *Store) PruneStopped(cutoff time.Time) (int64, error) {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`DELETE FROM nodes WHERE status != ? AND stopped_at IS NOT NULL AND stopped_at <= ?`,
			StatusRunning, cutoff.UTC(),
		)
		return e
	})
	if err != nil {
		return 0, fmt.Errorf("pruning nodes: %w", err)
	}
	return result.RowsAffected()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanNode(row scannable) (*Node, error) {
	var n Node
	var stoppedAt sql.NullTime
	err := row.Scan(
		&n.ID, &n.PID, &n.OwnerPID, &n.StartTime, &n.OwnerStartTime, &n.RPCPort, &n.NetPort, &n.RPCAddr, &n.HomeDir, &n.Status,
		&n.CreatedAt, &stoppedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning node: %w", err)
	}
	if stoppedAt.Valid {
		n.StoppedAt = stoppedAt.Time
	}
	return &n, nil
}

func scanNodes(rows *sql.Rows) ([]*Node, error) {
	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return nodes, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	return nil
}
