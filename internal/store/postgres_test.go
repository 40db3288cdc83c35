package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pilot-net/healthmon/internal/testutil"
	"github.com/pilot-net/healthmon/pkg/types"
)

func newMockStore(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPostgres(mock), mock
}

func TestPostgres_SaveCheck(t *testing.T) {
	s, mock := newMockStore(t)
	check := testutil.FixtureCheck()

	mock.ExpectExec(`INSERT INTO checks`).
		WithArgs(check.ID, check.Name, "http", true, pgxmock.AnyArg(), check.CreatedAt, check.UpdatedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveCheck(context.Background(), check))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveResults(t *testing.T) {
	tests := []struct {
		name      string
		results   []*types.HealthCheckResult
		mockSetup func(mock pgxmock.PgxPoolIface)
		wantErr   bool
	}{
		{
			name:      "empty batch",
			results:   nil,
			mockSetup: func(mock pgxmock.PgxPoolIface) {},
		},
		{
			name: "copies batch",
			results: []*types.HealthCheckResult{
				testutil.FixtureResult("c1"),
				testutil.FixtureCriticalResult("c1"),
			},
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectCopyFrom(pgx.Identifier{"check_results"}, resultColumns).
					WillReturnResult(2)
			},
		},
		{
			name:    "copy failure",
			results: []*types.HealthCheckResult{testutil.FixtureResult("c1")},
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectCopyFrom(pgx.Identifier{"check_results"}, resultColumns).
					WillReturnError(errors.New("connection reset"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.mockSetup(mock)

			err := s.SaveResults(context.Background(), tt.results)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_QueryResults(t *testing.T) {
	s, mock := newMockStore(t)
	result := testutil.FixtureResult("c1")
	body, err := json.Marshal(result)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT body FROM check_results WHERE check_id = \$1 ORDER BY ts DESC LIMIT \$2`).
		WithArgs("c1", 10).
		WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow(body))

	got, err := s.QueryResults(context.Background(), types.ResultQuery{CheckID: "c1", Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, result.ID, got[0].ID)
	assert.Equal(t, types.StatusHealthy, got[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_GetIncident(t *testing.T) {
	inc := testutil.FixtureIncident([]string{"c1"})
	body, err := json.Marshal(inc)
	require.NoError(t, err)

	tests := []struct {
		name      string
		id        string
		mockSetup func(mock pgxmock.PgxPoolIface)
		wantErr   error
	}{
		{
			name: "found",
			id:   inc.ID,
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT body FROM incidents WHERE id = \$1`).
					WithArgs(inc.ID).
					WillReturnRows(pgxmock.NewRows([]string{"body"}).AddRow(body))
			},
		},
		{
			name: "not found",
			id:   "missing",
			mockSetup: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT body FROM incidents WHERE id = \$1`).
					WithArgs("missing").
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: types.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			tt.mockSetup(mock)

			got, err := s.GetIncident(context.Background(), tt.id)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
			} else {
				require.NoError(t, err)
				assert.Equal(t, inc.ID, got.ID)
				assert.Equal(t, []string{"c1"}, got.CheckIDs)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPostgres_ListAlerts(t *testing.T) {
	s, mock := newMockStore(t)
	since := time.Now().Add(-time.Hour)

	mock.ExpectQuery(`SELECT body FROM alerts WHERE rule_id = \$1 AND status = \$2 AND triggered_at >= \$3 ORDER BY triggered_at DESC`).
		WithArgs("r1", "firing", since).
		WillReturnRows(pgxmock.NewRows([]string{"body"}))

	got, err := s.ListAlerts(context.Background(), types.AlertFilter{RuleID: "r1", Status: types.AlertFiring, Since: since})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Cleanup(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM check_results WHERE ts < \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 120))
	mock.ExpectExec(`DELETE FROM metrics_snapshots WHERE ts < \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 7))
	mock.ExpectExec(`DELETE FROM alerts WHERE status = 'resolved' AND triggered_at < \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	stats, err := s.Cleanup(context.Background(), 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, CleanupStats{Results: 120, Metrics: 7, Alerts: 2}, stats)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CleanupStopsOnError(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`DELETE FROM check_results`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(errors.New("deadlock detected"))

	_, err := s.Cleanup(context.Background(), time.Hour)
	assert.ErrorContains(t, err, "cleaning results")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_PoolStatsWithoutPool(t *testing.T) {
	s, _ := newMockStore(t)
	assert.Nil(t, s.PoolStats())
	assert.Nil(t, s.Pool())
}
