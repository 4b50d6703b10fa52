// Package store persists approval policies and the shell exec allowlist in
// a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeeves-cluster-organization/deskpilot/coreengine/approval"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. Callers run
// ApplyMigrations before use.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, fmt.Errorf("chmod db: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// =============================================================================
// Approval Policies
// =============================================================================

// PolicyRecord is one durable approval decision.
type PolicyRecord struct {
	Key       string          `json:"key"`
	Policy    approval.Policy `json:"policy"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// GetDecision returns the saved policy for key, or PolicyNone.
func (s *Store) GetDecision(ctx context.Context, key string) (approval.Policy, error) {
	var decision string
	err := s.db.QueryRowContext(ctx,
		`SELECT decision FROM approval_policies WHERE policy_key = ?`, key,
	).Scan(&decision)
	if errors.Is(err, sql.ErrNoRows) {
		return approval.PolicyNone, nil
	}
	if err != nil {
		return "", fmt.Errorf("get approval policy: %w", err)
	}
	return approval.Policy(decision), nil
}

// UpsertDecision saves policy for key. Only allow_always and deny_always
// are durable.
func (s *Store) UpsertDecision(ctx context.Context, key string, policy approval.Policy) error {
	if policy != approval.PolicyAllowAlways && policy != approval.PolicyDenyAlways {
		return fmt.Errorf("policy %q is not durable", policy)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO approval_policies(policy_key, decision, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(policy_key) DO UPDATE SET
	decision=excluded.decision,
	updated_at=excluded.updated_at`,
		key, string(policy), ts(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert approval policy: %w", err)
	}
	return nil
}

// DeleteDecision removes the policy for key. Deleting a missing key is not
// an error.
func (s *Store) DeleteDecision(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM approval_policies WHERE policy_key = ?`, key); err != nil {
		return fmt.Errorf("delete approval policy: %w", err)
	}
	return nil
}

// ListDecisions returns every saved policy ordered by key.
func (s *Store) ListDecisions(ctx context.Context) ([]PolicyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT policy_key, decision, updated_at FROM approval_policies ORDER BY policy_key`)
	if err != nil {
		return nil, fmt.Errorf("list approval policies: %w", err)
	}
	defer rows.Close()

	var out []PolicyRecord
	for rows.Next() {
		var rec PolicyRecord
		var decision, updated string
		if err := rows.Scan(&rec.Key, &decision, &updated); err != nil {
			return nil, fmt.Errorf("scan approval policy: %w", err)
		}
		rec.Policy = approval.Policy(decision)
		if rec.UpdatedAt, err = parseTS(updated); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// Exec Allowlist
// =============================================================================

// AnyDir scopes an allowlist entry to every working directory.
const AnyDir = "*"

// ExecGrant is one allowlisted shell segment.
type ExecGrant struct {
	Segment   string    `json:"segment"`
	Cwd       string    `json:"cwd"`
	CreatedAt time.Time `json:"created_at"`
}

// AddExecAllowlist allowlists segment in cwd. An empty cwd means AnyDir.
func (s *Store) AddExecAllowlist(ctx context.Context, segment, cwd string) error {
	if segment == "" {
		return errors.New("empty exec segment")
	}
	if cwd == "" {
		cwd = AnyDir
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO exec_allowlist(segment, cwd, created_at)
VALUES (?, ?, ?)
ON CONFLICT(segment, cwd) DO NOTHING`,
		segment, cwd, ts(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("add exec allowlist: %w", err)
	}
	return nil
}

// RemoveExecAllowlist removes an entry, returning ErrNotFound if absent.
func (s *Store) RemoveExecAllowlist(ctx context.Context, segment, cwd string) error {
	if cwd == "" {
		cwd = AnyDir
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM exec_allowlist WHERE segment = ? AND cwd = ?`, segment, cwd)
	if err != nil {
		return fmt.Errorf("remove exec allowlist: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsExecAllowlisted reports whether segment is allowlisted for cwd or for
// every directory.
func (s *Store) IsExecAllowlisted(ctx context.Context, segment, cwd string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM exec_allowlist WHERE segment = ? AND (cwd = ? OR cwd = ?) LIMIT 1`,
		segment, cwd, AnyDir,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query exec allowlist: %w", err)
	}
	return true, nil
}

// ListExecAllowlist returns every entry ordered by segment then cwd.
func (s *Store) ListExecAllowlist(ctx context.Context) ([]ExecGrant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT segment, cwd, created_at FROM exec_allowlist ORDER BY segment, cwd`)
	if err != nil {
		return nil, fmt.Errorf("list exec allowlist: %w", err)
	}
	defer rows.Close()

	var out []ExecGrant
	for rows.Next() {
		var g ExecGrant
		var created string
		if err := rows.Scan(&g.Segment, &g.Cwd, &created); err != nil {
			return nil, fmt.Errorf("scan exec allowlist: %w", err)
		}
		if g.CreatedAt, err = parseTS(created); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ExecAllowlist adapts the store to the policy engine's synchronous lookup.
type ExecAllowlist struct {
	Store   *Store
	Timeout time.Duration
}

// IsAllowlisted implements policy.ExecAllowlist.
func (e ExecAllowlist) IsAllowlisted(segment, cwd string) (bool, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return e.Store.IsExecAllowlisted(ctx, segment, cwd)
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
