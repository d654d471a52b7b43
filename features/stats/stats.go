package stats

import (
	"context"
	"database/sql"
)

// Stats is the per-tenant derived view. It is a snapshot read over the
// ledger: no write locks are taken, so numbers may trail in-flight jobs.
type Stats struct {
	TotalJobs          int            `json:"total_jobs"`
	ByStatus           map[string]int `json:"by_status"`
	SuccessRate        float64        `json:"success_rate"`
	AvgDurationMinutes float64        `json:"avg_duration_minutes"`
}

type Repository interface {
	TenantStats(ctx context.Context, tenantID string) (*Stats, error)
}

type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func (r *PostgresRepo) TenantStats(ctx context.Context, tenantID string) (*Stats, error) {
	s := &Stats{ByStatus: map[string]int{
		"pending": 0, "running": 0, "completed": 0, "failed": 0, "cancelled": 0,
	}}

	query := `SELECT status, COUNT(*) FROM jobs WHERE tenant_id = $1 GROUP BY status`
	rows, err := r.db.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		s.ByStatus[status] = count
		s.TotalJobs += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	terminal := s.ByStatus["completed"] + s.ByStatus["failed"] + s.ByStatus["cancelled"]
	if terminal > 0 {
		s.SuccessRate = float64(s.ByStatus["completed"]) / float64(terminal)
	}

	durQuery := `SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (updated_at - created_at))), 0)
		FROM jobs WHERE tenant_id = $1 AND status IN ('completed', 'failed', 'cancelled')`
	var avgSeconds float64
	if err := r.db.QueryRowContext(ctx, durQuery, tenantID).Scan(&avgSeconds); err != nil {
		return nil, err
	}
	s.AvgDurationMinutes = avgSeconds / 60

	return s, nil
}
