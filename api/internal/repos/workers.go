package repos

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"field-service-dispatch-system/api/internal/models"
)

// WorkersRepo reads the local workers table, used when the identity service
// is not configured.
type WorkersRepo struct {
	pool *pgxpool.Pool
}

func NewWorkersRepo(pool *pgxpool.Pool) *WorkersRepo {
	return &WorkersRepo{pool: pool}
}

func (r *WorkersRepo) ListActiveWorkers(ctx context.Context) ([]models.Worker, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT worker_id, first_name, last_name, active
		FROM workers
		WHERE active
		ORDER BY worker_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]models.Worker, 0)
	for rows.Next() {
		var w models.Worker
		if err := rows.Scan(&w.WorkerID, &w.FirstName, &w.LastName, &w.Active); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r *WorkersRepo) UpsertWorker(ctx context.Context, w models.Worker) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workers (worker_id, first_name, last_name, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (worker_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			active = EXCLUDED.active
	`, w.WorkerID, w.FirstName, w.LastName, w.Active)
	return err
}
