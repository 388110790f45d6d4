package repos

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"field-service-dispatch-system/api/internal/models"
)

// ReportsRepo serves the aggregation engine. Each method is one round trip
// regardless of how many workers are asked about.
type ReportsRepo struct {
	pool *pgxpool.Pool
}

func NewReportsRepo(pool *pgxpool.Pool) *ReportsRepo {
	return &ReportsRepo{pool: pool}
}

// CompletedTasks returns tasks completed in [from, to) that have at least one
// of workerIDs among their assignees.
func (r *ReportsRepo) CompletedTasks(ctx context.Context, workerIDs []string, from, to time.Time) ([]models.TaskRevenue, error) {
	if len(workerIDs) == 0 {
		return []models.TaskRevenue{}, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT task_id, expected_revenue, assignee_ids, completed_at
		FROM tasks
		WHERE status = 'COMPLETED'
			AND completed_at >= $2 AND completed_at < $3
			AND assignee_ids && $1::text[]
		ORDER BY completed_at ASC, task_id ASC
	`, workerIDs, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.TaskRevenue, 0)
	for rows.Next() {
		var t models.TaskRevenue
		if err := rows.Scan(&t.TaskID, &t.ExpectedRevenue, &t.AssigneeIDs, &t.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CheckIns returns CHECKED_IN events by any of actorIDs in [from, to).
func (r *ReportsRepo) CheckIns(ctx context.Context, actorIDs []string, from, to time.Time) ([]models.CheckIn, error) {
	if len(actorIDs) == 0 {
		return []models.CheckIn{}, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT actor_id, created_at
		FROM events
		WHERE action = 'CHECKED_IN'
			AND actor_id = ANY($1::text[])
			AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC
	`, actorIDs, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.CheckIn, 0)
	for rows.Next() {
		var c models.CheckIn
		if err := rows.Scan(&c.ActorID, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
