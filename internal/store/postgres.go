package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/healthmon/pkg/types"
)

// DB is the subset of pgxpool.Pool used by Postgres. pgxmock implements it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Ping(ctx context.Context) error
	Close()
}

// Postgres stores documents in PostgreSQL using raw SQL with pgx.
// The schema is created by db/migrate.
type Postgres struct {
	db   DB
	pool *pgxpool.Pool // nil when constructed over a mock
}

// NewPostgres creates a store over db.
func NewPostgres(db DB) *Postgres {
	p := &Postgres{db: db}
	if pool, ok := db.(*pgxpool.Pool); ok {
		p.pool = pool
	}
	return p
}

// NewPostgresFromURL connects to the given database URL.
func NewPostgresFromURL(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return NewPostgres(pool), nil
}

// Pool returns the underlying pool, or nil when running over a mock.
func (s *Postgres) Pool() *pgxpool.Pool {
	return s.pool
}

// PoolStats reports connection pool usage.
func (s *Postgres) PoolStats() *types.PoolStats {
	if s.pool == nil {
		return nil
	}
	st := s.pool.Stat()
	return &types.PoolStats{
		TotalConnections:    st.TotalConns(),
		IdleConnections:     st.IdleConns(),
		AcquiredConnections: st.AcquiredConns(),
		MaxConnections:      st.MaxConns(),
	}
}

// Ping tests database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection pool.
func (s *Postgres) Close() error {
	s.db.Close()
	return nil
}

// =============================================================================
// CHECKS
// =============================================================================

func (s *Postgres) SaveCheck(ctx context.Context, check *types.HealthCheck) error {
	body, err := json.Marshal(check)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO checks (id, name, kind, enabled, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			kind = EXCLUDED.kind,
			enabled = EXCLUDED.enabled,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at
	`, check.ID, check.Name, string(check.Kind), check.Enabled, body, check.CreatedAt, check.UpdatedAt)
	return err
}

func (s *Postgres) DeleteCheck(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM checks WHERE id = $1`, id)
	return err
}

func (s *Postgres) ListChecks(ctx context.Context) ([]*types.HealthCheck, error) {
	return queryDocs[types.HealthCheck](ctx, s.db, `SELECT body FROM checks ORDER BY created_at`)
}

// =============================================================================
// RESULTS
// =============================================================================

var resultColumns = []string{"id", "check_id", "ts", "status", "success", "response_time_ms", "body"}

func (s *Postgres) SaveResult(ctx context.Context, r *types.HealthCheckResult) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO check_results (id, check_id, ts, status, success, response_time_ms, body)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, r.ID, r.CheckID, r.Timestamp, string(r.Status), r.Success, r.ResponseTimeMs, body)
	return err
}

// SaveResults bulk-inserts results with COPY.
func (s *Postgres) SaveResults(ctx context.Context, results []*types.HealthCheckResult) error {
	if len(results) == 0 {
		return nil
	}
	rows := make([][]any, len(results))
	for i, r := range results {
		body, err := json.Marshal(r)
		if err != nil {
			return err
		}
		rows[i] = []any{r.ID, r.CheckID, r.Timestamp, string(r.Status), r.Success, r.ResponseTimeMs, body}
	}
	_, err := s.db.CopyFrom(ctx, pgx.Identifier{"check_results"}, resultColumns, pgx.CopyFromRows(rows))
	return err
}

func (s *Postgres) QueryResults(ctx context.Context, q types.ResultQuery) ([]*types.HealthCheckResult, error) {
	var where []string
	var args []any
	if q.CheckID != "" {
		args = append(args, q.CheckID)
		where = append(where, fmt.Sprintf("check_id = $%d", len(args)))
	}
	if !q.Start.IsZero() {
		args = append(args, q.Start)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}

	sql := `SELECT body FROM check_results`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY ts DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return queryDocs[types.HealthCheckResult](ctx, s.db, sql, args...)
}

// =============================================================================
// INCIDENTS
// =============================================================================

func (s *Postgres) SaveIncident(ctx context.Context, inc *types.Incident) error {
	body, err := json.Marshal(inc)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO incidents (id, status, severity, start_time, body, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			severity = EXCLUDED.severity,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at
	`, inc.ID, string(inc.Status), string(inc.Severity), inc.StartTime, body, inc.UpdatedAt)
	return err
}

func (s *Postgres) GetIncident(ctx context.Context, id string) (*types.Incident, error) {
	return getDoc[types.Incident](ctx, s.db, `SELECT body FROM incidents WHERE id = $1`, id)
}

func (s *Postgres) ListIncidents(ctx context.Context, status types.IncidentStatus) ([]*types.Incident, error) {
	if status == "" {
		return queryDocs[types.Incident](ctx, s.db, `SELECT body FROM incidents ORDER BY start_time DESC`)
	}
	return queryDocs[types.Incident](ctx, s.db,
		`SELECT body FROM incidents WHERE status = $1 ORDER BY start_time DESC`, string(status))
}

// =============================================================================
// ALERT RULES
// =============================================================================

func (s *Postgres) SaveRule(ctx context.Context, rule *types.AlertRule) error {
	body, err := json.Marshal(rule)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO alert_rules (id, name, enabled, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			enabled = EXCLUDED.enabled,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at
	`, rule.ID, rule.Name, rule.Enabled, body, rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (s *Postgres) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM alert_rules WHERE id = $1`, id)
	return err
}

func (s *Postgres) ListRules(ctx context.Context) ([]*types.AlertRule, error) {
	return queryDocs[types.AlertRule](ctx, s.db, `SELECT body FROM alert_rules ORDER BY created_at`)
}

// =============================================================================
// ALERTS
// =============================================================================

func (s *Postgres) SaveAlert(ctx context.Context, a *types.Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO alerts (id, rule_id, status, triggered_at, body)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			body = EXCLUDED.body
	`, a.ID, a.RuleID, string(a.Status), a.TriggeredAt, body)
	return err
}

func (s *Postgres) GetAlert(ctx context.Context, id string) (*types.Alert, error) {
	return getDoc[types.Alert](ctx, s.db, `SELECT body FROM alerts WHERE id = $1`, id)
}

func (s *Postgres) ListAlerts(ctx context.Context, f types.AlertFilter) ([]*types.Alert, error) {
	var where []string
	var args []any
	if f.RuleID != "" {
		args = append(args, f.RuleID)
		where = append(where, fmt.Sprintf("rule_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("triggered_at >= $%d", len(args)))
	}

	sql := `SELECT body FROM alerts`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY triggered_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return queryDocs[types.Alert](ctx, s.db, sql, args...)
}

// =============================================================================
// CHANNELS
// =============================================================================

func (s *Postgres) SaveChannel(ctx context.Context, ch *types.NotificationChannel) error {
	body, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO notification_channels (id, type, body, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			type = EXCLUDED.type,
			body = EXCLUDED.body,
			updated_at = EXCLUDED.updated_at
	`, ch.ID, string(ch.Type), body, ch.CreatedAt, ch.UpdatedAt)
	return err
}

func (s *Postgres) DeleteChannel(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM notification_channels WHERE id = $1`, id)
	return err
}

func (s *Postgres) ListChannels(ctx context.Context) ([]*types.NotificationChannel, error) {
	return queryDocs[types.NotificationChannel](ctx, s.db, `SELECT body FROM notification_channels ORDER BY created_at`)
}

// =============================================================================
// METRICS
// =============================================================================

func (s *Postgres) SaveMetrics(ctx context.Context, snap *types.SystemMetricsSnapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO metrics_snapshots (ts, body) VALUES ($1, $2)`, snap.Timestamp, body)
	return err
}

func (s *Postgres) QueryMetrics(ctx context.Context, q types.MetricsQuery) ([]*types.SystemMetricsSnapshot, error) {
	var where []string
	var args []any
	if !q.Start.IsZero() {
		args = append(args, q.Start)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !q.End.IsZero() {
		args = append(args, q.End)
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}

	sql := `SELECT body FROM metrics_snapshots`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY ts DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return queryDocs[types.SystemMetricsSnapshot](ctx, s.db, sql, args...)
}

// =============================================================================
// MAINTENANCE
// =============================================================================

func (s *Postgres) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupStats, error) {
	cutoff := time.Now().Add(-maxAge)
	var stats CleanupStats

	tag, err := s.db.Exec(ctx, `DELETE FROM check_results WHERE ts < $1`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("cleaning results: %w", err)
	}
	stats.Results = tag.RowsAffected()

	tag, err = s.db.Exec(ctx, `DELETE FROM metrics_snapshots WHERE ts < $1`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("cleaning metrics: %w", err)
	}
	stats.Metrics = tag.RowsAffected()

	tag, err = s.db.Exec(ctx, `DELETE FROM alerts WHERE status = 'resolved' AND triggered_at < $1`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("cleaning alerts: %w", err)
	}
	stats.Alerts = tag.RowsAffected()

	return stats, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// getDoc loads a single JSON document, mapping no rows to ErrNotFound.
func getDoc[T any](ctx context.Context, db DB, sql string, id string) (*T, error) {
	var body []byte
	err := db.QueryRow(ctx, sql, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, types.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", id, err)
	}
	return &v, nil
}

// queryDocs loads every JSON document returned by sql.
func queryDocs[T any](ctx context.Context, db DB, sql string, args ...any) ([]*T, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decoding row: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}
