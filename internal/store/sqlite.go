package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pilot-net/healthmon/pkg/types"
)

// SQLite stores documents in a single SQLite file. Timestamps are stored as
// Unix nanoseconds so range filters compare as integers.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database file and applies the schema.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	// SQLite allows one writer at a time
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// migrate ensures the database schema is created.
func (s *SQLite) migrate(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS checks (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	enabled    INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS check_results (
	id               TEXT PRIMARY KEY,
	check_id         TEXT NOT NULL,
	ts               INTEGER NOT NULL,
	status           TEXT NOT NULL,
	success          INTEGER NOT NULL,
	response_time_ms REAL NOT NULL,
	body             TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_check_results_check_ts ON check_results (check_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_check_results_ts ON check_results (ts);

CREATE TABLE IF NOT EXISTS incidents (
	id         TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	severity   TEXT NOT NULL,
	start_time INTEGER NOT NULL,
	body       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents (status);

CREATE TABLE IF NOT EXISTS alert_rules (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	enabled    INTEGER NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS alerts (
	id           TEXT PRIMARY KEY,
	rule_id      TEXT NOT NULL,
	status       TEXT NOT NULL,
	triggered_at INTEGER NOT NULL,
	body         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alerts_rule_triggered ON alerts (rule_id, triggered_at DESC);

CREATE TABLE IF NOT EXISTS notification_channels (
	id         TEXT PRIMARY KEY,
	type       TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS metrics_snapshots (
	ts   INTEGER NOT NULL,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_snapshots_ts ON metrics_snapshots (ts);
`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Ping tests database connectivity.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database connection.
func (s *SQLite) Close() error { return s.db.Close() }

// =============================================================================
// CHECKS
// =============================================================================

func (s *SQLite) SaveCheck(ctx context.Context, c *types.HealthCheck) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO checks (id, name, kind, enabled, body, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name, kind = excluded.kind, enabled = excluded.enabled,
	body = excluded.body, updated_at = excluded.updated_at`,
		c.ID, c.Name, string(c.Kind), c.Enabled, string(body), nanos(c.CreatedAt), nanos(c.UpdatedAt))
	return err
}

func (s *SQLite) DeleteCheck(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM checks WHERE id = ?`, id)
	return err
}

func (s *SQLite) ListChecks(ctx context.Context) ([]*types.HealthCheck, error) {
	return sqliteDocs[types.HealthCheck](ctx, s.db, `SELECT body FROM checks ORDER BY created_at`)
}

// =============================================================================
// RESULTS
// =============================================================================

func (s *SQLite) SaveResult(ctx context.Context, r *types.HealthCheckResult) error {
	return s.SaveResults(ctx, []*types.HealthCheckResult{r})
}

func (s *SQLite) SaveResults(ctx context.Context, results []*types.HealthCheckResult) error {
	if len(results) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO check_results (id, check_id, ts, status, success, response_time_ms, body)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		body, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.CheckID, nanos(r.Timestamp), string(r.Status), r.Success, r.ResponseTimeMs, string(body)); err != nil {
			return fmt.Errorf("failed to insert result: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) QueryResults(ctx context.Context, q types.ResultQuery) ([]*types.HealthCheckResult, error) {
	var where []string
	var args []any
	if q.CheckID != "" {
		where = append(where, "check_id = ?")
		args = append(args, q.CheckID)
	}
	if !q.Start.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, nanos(q.Start))
	}
	if !q.End.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, nanos(q.End))
	}
	return sqliteDocs[types.HealthCheckResult](ctx, s.db, buildQuery("check_results", where, "ts", q.Limit), args...)
}

// =============================================================================
// INCIDENTS
// =============================================================================

func (s *SQLite) SaveIncident(ctx context.Context, inc *types.Incident) error {
	body, err := json.Marshal(inc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO incidents (id, status, severity, start_time, body, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	status = excluded.status, severity = excluded.severity,
	body = excluded.body, updated_at = excluded.updated_at`,
		inc.ID, string(inc.Status), string(inc.Severity), nanos(inc.StartTime), string(body), nanos(inc.UpdatedAt))
	return err
}

func (s *SQLite) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	return sqliteDoc[types.Incident](ctx, s.db, `SELECT body FROM incidents WHERE id = ?`, id)
}

func (s *SQLite) ListIncidents(ctx context.Context, status types.IncidentStatus) ([]*types.Incident, error) {
	var where []string
	var args []any
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, string(status))
	}
	return sqliteDocs[types.Incident](ctx, s.db, buildQuery("incidents", where, "start_time", 0), args...)
}

// =============================================================================
// ALERT RULES
// =============================================================================

func (s *SQLite) SaveRule(ctx context.Context, r *types.AlertRule) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO alert_rules (id, name, enabled, body, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	name = excluded.name, enabled = excluded.enabled,
	body = excluded.body, updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Enabled, string(body), nanos(r.CreatedAt), nanos(r.UpdatedAt))
	return err
}

func (s *SQLite) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	return err
}

func (s *SQLite) ListRules(ctx context.Context) ([]*types.AlertRule, error) {
	return sqliteDocs[types.AlertRule](ctx, s.db, `SELECT body FROM alert_rules ORDER BY created_at`)
}

// =============================================================================
// ALERTS
// =============================================================================

func (s *SQLite) SaveAlert(ctx context.Context, a *types.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO alerts (id, rule_id, status, triggered_at, body)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status = excluded.status, body = excluded.body`,
		a.ID, a.RuleID, string(a.Status), nanos(a.TriggeredAt), string(body))
	return err
}

func (s *SQLite) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	return sqliteDoc[types.Alert](ctx, s.db, `SELECT body FROM alerts WHERE id = ?`, id)
}

func (s *SQLite) ListAlerts(ctx context.Context, f types.AlertFilter) ([]*types.Alert, error) {
	var where []string
	var args []any
	if f.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "triggered_at >= ?")
		args = append(args, nanos(f.Since))
	}
	return sqliteDocs[types.Alert](ctx, s.db, buildQuery("alerts", where, "triggered_at", f.Limit), args...)
}

// =============================================================================
// CHANNELS
// =============================================================================

func (s *SQLite) SaveChannel(ctx context.Context, ch *types.NotificationChannel) error {
	body, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO notification_channels (id, type, body, created_at, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET type = excluded.type, body = excluded.body, updated_at = excluded.updated_at`,
		ch.ID, string(ch.Type), string(body), nanos(ch.CreatedAt), nanos(ch.UpdatedAt))
	return err
}

func (s *SQLite) DeleteChannel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notification_channels WHERE id = ?`, id)
	return err
}

func (s *SQLite) ListChannels(ctx context.Context) ([]*types.NotificationChannel, error) {
	return sqliteDocs[types.NotificationChannel](ctx, s.db, `SELECT body FROM notification_channels ORDER BY created_at`)
}

// =============================================================================
// METRICS
// =============================================================================

func (s *SQLite) SaveMetrics(ctx context.Context, snap *types.SystemMetricsSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO metrics_snapshots (ts, body) VALUES (?, ?)`, nanos(snap.Timestamp), string(body))
	return err
}

func (s *SQLite) QueryMetrics(ctx context.Context, q types.MetricsQuery) ([]*types.SystemMetricsSnapshot, error) {
	var where []string
	var args []any
	if !q.Start.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, nanos(q.Start))
	}
	if !q.End.IsZero() {
		where = append(where, "ts <= ?")
		args = append(args, nanos(q.End))
	}
	return sqliteDocs[types.SystemMetricsSnapshot](ctx, s.db, buildQuery("metrics_snapshots", where, "ts", q.Limit), args...)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func (s *SQLite) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupStats, error) {
	cutoff := nanos(time.Now().Add(-maxAge))
	var stats CleanupStats

	res, err := s.db.ExecContext(ctx, `DELETE FROM check_results WHERE ts < ?`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("cleaning results: %w", err)
	}
	stats.Results, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM metrics_snapshots WHERE ts < ?`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("cleaning metrics: %w", err)
	}
	stats.Metrics, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM alerts WHERE status = 'resolved' AND triggered_at < ?`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("cleaning alerts: %w", err)
	}
	stats.Alerts, _ = res.RowsAffected()

	return stats, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func nanos(t time.Time) int64 {
	return t.UnixNano()
}

func buildQuery(table string, where []string, orderBy string, limit int) string {
	q := "SELECT body FROM " + table
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY " + orderBy + " DESC"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	return q
}

func sqliteDoc[T any](ctx context.Context, db *sql.DB, query string, id string) (*T, error) {
	var body string
	err := db.QueryRowContext(ctx, query, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", id, err)
	}
	return &v, nil
}

func sqliteDocs[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(body), &v); err != nil {
			return nil, fmt.Errorf("decoding row: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
