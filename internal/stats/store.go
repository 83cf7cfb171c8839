// Package stats implements the statistics store (C5): per-request and
// per-error logging, running totals, and optional email anonymisation.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/otherjamesbrown/ckanpackager/pkg/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	resource_id TEXT NOT NULL,
	email TEXT NOT NULL,
	domain TEXT NOT NULL,
	count INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS errors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	resource_id TEXT NOT NULL,
	email TEXT NOT NULL,
	message TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS totals (
	resource_id TEXT PRIMARY KEY,
	requests INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	emails INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_requests_resource_id ON requests(resource_id);
CREATE INDEX IF NOT EXISTS idx_requests_email ON requests(email);
CREATE INDEX IF NOT EXISTS idx_errors_resource_id ON errors(resource_id);
`

// AllResources is the sentinel resource_id totals accumulate across every
// resource.
const AllResources = "*"

// Store is the statistics store backed by a single sqlite database. Every
// public method runs as its own transaction; the counter upsert used by
// LogRequest/LogError is made atomic by that same transaction, standing in
// for a backend-level atomic upsert.
type Store struct {
	database        *sql.DB
	anonymizeEmails bool
}

// Request is one row of the requests table. ID is internal bookkeeping
// only; list queries report rows without a surrogate id column, so it is
// never serialized.
type Request struct {
	ID         int64  `json:"-"`
	Timestamp  int64  `json:"timestamp"`
	ResourceID string `json:"resource_id"`
	Email      string `json:"email"`
	Domain     string `json:"domain"`
	Count      int    `json:"count"`
}

// RequestError is one row of the errors table (named to avoid shadowing
// the standard error type). ID is internal bookkeeping only; see Request.
type RequestError struct {
	ID         int64  `json:"-"`
	Timestamp  int64  `json:"timestamp"`
	ResourceID string `json:"resource_id"`
	Email      string `json:"email"`
	Message    string `json:"message"`
}

// Totals is one row of the totals table. get_totals reports these keyed by
// resource_id in the enclosing map, so ResourceID itself is never
// serialized.
type Totals struct {
	ResourceID string `json:"-"`
	Requests   int64  `json:"requests"`
	Errors     int64  `json:"errors"`
	Emails     int64  `json:"emails"`
}

// Filters narrows get_requests/get_errors/get_totals queries.
type Filters struct {
	ResourceID string
	Email      string
}

// Open connects to statsDB (an sqlite connection URL or path, per
// config.StatsDB) and bootstraps the schema if it does not already exist.
func Open(ctx context.Context, statsDB string, anonymizeEmails bool) (*Store, error) {
	cfg, err := db.ConfigFromURL(statsDB)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	database, err := db.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	if _, err := database.ExecContext(ctx, schema); err != nil {
		db.Close(database)
		return nil, fmt.Errorf("stats: bootstrapping schema: %w", err)
	}

	if _, err := db.RegisterPoolStatsCollector(database, "ckanpackager", "stats"); err != nil {
		db.Close(database)
		return nil, fmt.Errorf("stats: registering pool metrics: %w", err)
	}

	return &Store{database: database, anonymizeEmails: anonymizeEmails}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() {
	db.Close(s.database)
}

// HealthCheck reports whether the underlying database is reachable, for use
// by an unauthenticated liveness probe.
func (s *Store) HealthCheck(ctx context.Context) *db.HealthStatus {
	return db.Check(ctx, s.database)
}

// LogRequest records one successful job and maintains the totals invariants
// described in the data model: totals["*"].requests counts every row;
// totals["*"].emails and totals[r].emails count distinct emails seen
// overall and per-resource, respectively.
func (s *Store) LogRequest(ctx context.Context, resourceID, email string, count int) error {
	domain := extractDomain(strings.ToLower(email))
	storedEmail := strings.ToLower(email)
	if s.anonymizeEmails {
		storedEmail, domain = anonymizeEmail(email)
	}

	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stats: log_request: %w", err)
	}
	defer tx.Rollback()

	firstEverForEmail, err := rowAbsent(ctx, tx, "SELECT 1 FROM requests WHERE email = ? LIMIT 1", storedEmail)
	if err != nil {
		return fmt.Errorf("stats: log_request: %w", err)
	}
	firstForResource, err := rowAbsent(ctx, tx, "SELECT 1 FROM requests WHERE email = ? AND resource_id = ? LIMIT 1", storedEmail, resourceID)
	if err != nil {
		return fmt.Errorf("stats: log_request: %w", err)
	}

	if err := increaseTotals(ctx, tx, AllResources, 1, 0, boolToInt(firstEverForEmail)); err != nil {
		return fmt.Errorf("stats: log_request: %w", err)
	}
	if err := increaseTotals(ctx, tx, resourceID, 1, 0, boolToInt(firstForResource)); err != nil {
		return fmt.Errorf("stats: log_request: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO requests (timestamp, resource_id, email, domain, count) VALUES (?, ?, ?, ?, ?)`,
		time.Now().Unix(), resourceID, storedEmail, domain, count,
	)
	if err != nil {
		return fmt.Errorf("stats: log_request: inserting row: %w", err)
	}

	return tx.Commit()
}

// LogError records one failed job and increments the error totals.
func (s *Store) LogError(ctx context.Context, resourceID, email, message string) error {
	storedEmail := strings.ToLower(email)
	if s.anonymizeEmails {
		storedEmail, _ = anonymizeEmail(email)
	}

	tx, err := s.database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stats: log_error: %w", err)
	}
	defer tx.Rollback()

	if err := increaseTotals(ctx, tx, AllResources, 0, 1, 0); err != nil {
		return fmt.Errorf("stats: log_error: %w", err)
	}
	if err := increaseTotals(ctx, tx, resourceID, 0, 1, 0); err != nil {
		return fmt.Errorf("stats: log_error: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO errors (timestamp, resource_id, email, message) VALUES (?, ?, ?, ?)`,
		time.Now().Unix(), resourceID, storedEmail, message,
	)
	if err != nil {
		return fmt.Errorf("stats: log_error: inserting row: %w", err)
	}

	return tx.Commit()
}

// GetRequests returns up to limit requests rows, newest first, starting at
// offset and narrowed by filters.
func (s *Store) GetRequests(ctx context.Context, offset, limit int, filters Filters) ([]Request, error) {
	where, args := filterClause(filters)
	query := fmt.Sprintf(
		`SELECT id, timestamp, resource_id, email, domain, count FROM requests%s ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, limit, offset)

	rows, err := s.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stats: get_requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		var r Request
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.ResourceID, &r.Email, &r.Domain, &r.Count); err != nil {
			return nil, fmt.Errorf("stats: get_requests: scanning row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetErrors returns up to limit errors rows, newest first, starting at
// offset and narrowed by filters.
func (s *Store) GetErrors(ctx context.Context, offset, limit int, filters Filters) ([]RequestError, error) {
	where, args := filterClause(filters)
	query := fmt.Sprintf(
		`SELECT id, timestamp, resource_id, email, message FROM errors%s ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		where,
	)
	args = append(args, limit, offset)

	rows, err := s.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stats: get_errors: %w", err)
	}
	defer rows.Close()

	var out []RequestError
	for rows.Next() {
		var e RequestError
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ResourceID, &e.Email, &e.Message); err != nil {
			return nil, fmt.Errorf("stats: get_errors: scanning row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetTotals returns the totals rows matching filters, keyed by resource_id.
func (s *Store) GetTotals(ctx context.Context, filters Filters) (map[string]Totals, error) {
	where, args := filterClause(filters)
	query := fmt.Sprintf(`SELECT resource_id, requests, errors, emails FROM totals%s`, where)

	rows, err := s.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stats: get_totals: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Totals)
	for rows.Next() {
		var t Totals
		if err := rows.Scan(&t.ResourceID, &t.Requests, &t.Errors, &t.Emails); err != nil {
			return nil, fmt.Errorf("stats: get_totals: scanning row: %w", err)
		}
		out[t.ResourceID] = t
	}
	return out, rows.Err()
}

func filterClause(f Filters) (string, []any) {
	var clauses []string
	var args []any
	if f.ResourceID != "" {
		clauses = append(clauses, "resource_id = ?")
		args = append(args, f.ResourceID)
	}
	if f.Email != "" {
		clauses = append(clauses, "email = ?")
		args = append(args, f.Email)
	}
	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// increaseTotals performs the find-or-insert-then-increment upsert for one
// totals row within tx, which makes it atomic with respect to other
// concurrent transactions under sqlite's serialized writer model.
func increaseTotals(ctx context.Context, tx *sql.Tx, resourceID string, requests, errs, emails int) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO totals (resource_id, requests, errors, emails) VALUES (?, 0, 0, 0)
		ON CONFLICT(resource_id) DO NOTHING`, resourceID)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE totals SET requests = requests + ?, errors = errors + ?, emails = emails + ? WHERE resource_id = ?`,
		requests, errs, emails, resourceID,
	)
	return err
}

func rowAbsent(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	row := tx.QueryRowContext(ctx, query, args...)
	var one int
	switch err := row.Scan(&one); err {
	case nil:
		return false, nil
	case sql.ErrNoRows:
		return true, nil
	default:
		return false, err
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
