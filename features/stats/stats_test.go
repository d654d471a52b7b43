package stats_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"freight/backend/features/stats"
	"freight/backend/internal/middleware"
)

func expectStatsQueries(mock sqlmock.Sqlmock, tenantID string, rows *sqlmock.Rows, avgSeconds float64) {
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM jobs WHERE tenant_id = \$1 GROUP BY status`).
		WithArgs(tenantID).
		WillReturnRows(rows)
	mock.ExpectQuery(`SELECT COALESCE\(AVG\(EXTRACT\(EPOCH FROM`).
		WithArgs(tenantID).
		WillReturnRows(sqlmock.NewRows([]string{"avg"}).AddRow(avgSeconds))
}

func TestPostgresRepo_TenantStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := stats.NewPostgresRepo(db)

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("completed", 6).
		AddRow("failed", 2).
		AddRow("running", 3)
	expectStatsQueries(mock, "t1", rows, 180)

	s, err := repo.TenantStats(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 11, s.TotalJobs)
	assert.Equal(t, 6, s.ByStatus["completed"])
	assert.Equal(t, 0, s.ByStatus["cancelled"])
	assert.InDelta(t, 0.75, s.SuccessRate, 1e-9)
	assert.InDelta(t, 3.0, s.AvgDurationMinutes, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepo_TenantStats_NoTerminalJobs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := stats.NewPostgresRepo(db)

	rows := sqlmock.NewRows([]string{"status", "count"}).
		AddRow("pending", 2)
	expectStatsQueries(mock, "t1", rows, 0)

	s, err := repo.TenantStats(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalJobs)
	assert.Zero(t, s.SuccessRate)
	assert.Zero(t, s.AvgDurationMinutes)
}

type stubRepo struct {
	s   *stats.Stats
	err error
}

func (r *stubRepo) TenantStats(context.Context, string) (*stats.Stats, error) {
	return r.s, r.err
}

func TestHandler_GetStats(t *testing.T) {
	h := stats.NewHandler(&stubRepo{s: &stats.Stats{TotalJobs: 4, ByStatus: map[string]int{"completed": 4}, SuccessRate: 1}})

	req := httptest.NewRequest("GET", "/api/v1/stats/jobs", nil)
	req = req.WithContext(middleware.WithTenantID(req.Context(), "t1"))
	w := httptest.NewRecorder()

	h.GetStats(w, req)

	assert.Equal(t, http.StatusOK, w.Result().StatusCode)
	assert.Contains(t, w.Body.String(), `"total_jobs":4`)
}

func TestHandler_GetStats_RepoError(t *testing.T) {
	h := stats.NewHandler(&stubRepo{err: errors.New("db down")})

	req := httptest.NewRequest("GET", "/api/v1/stats/jobs", nil)
	req = req.WithContext(middleware.WithTenantID(req.Context(), "t1"))
	w := httptest.NewRecorder()

	h.GetStats(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
	assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
}
