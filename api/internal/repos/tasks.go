package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"field-service-dispatch-system/api/internal/models"
)

const taskColumns = `task_id, status, assignee_ids, expected_revenue, completed_at, geo_lat, geo_lng, geo_address, geo_name, created_at, updated_at`

type TasksRepo struct {
	pool *pgxpool.Pool
}

func NewTasksRepo(pool *pgxpool.Pool) *TasksRepo {
	return &TasksRepo{pool: pool}
}

// TransitionParams describes one status change and the events written with it.
type TransitionParams struct {
	TaskID         uuid.UUID
	From           string
	To             string
	Now            time.Time
	SetCompletedAt bool
	Events         []models.Event
	Payment        *models.Payment
}

type taskRow struct {
	task    models.Task
	geoLat  *float64
	geoLng  *float64
	address *string
	name    *string
}

func (r *taskRow) dest() []any {
	return []any{
		&r.task.TaskID, &r.task.Status, &r.task.AssigneeIDs, &r.task.ExpectedRevenue, &r.task.CompletedAt,
		&r.geoLat, &r.geoLng, &r.address, &r.name, &r.task.CreatedAt, &r.task.UpdatedAt,
	}
}

func (r *taskRow) model() models.Task {
	t := r.task
	if r.geoLat != nil && r.geoLng != nil {
		t.GeoLocation = &models.GeoLocation{Lat: *r.geoLat, Lng: *r.geoLng}
		if r.address != nil {
			t.GeoLocation.Address = *r.address
		}
		if r.name != nil {
			t.GeoLocation.Name = *r.name
		}
	}
	if t.AssigneeIDs == nil {
		t.AssigneeIDs = []string{}
	}
	return t
}

func (r *TasksRepo) GetTask(ctx context.Context, taskID uuid.UUID) (models.Task, error) {
	return getTask(ctx, r.pool, taskID)
}

func getTask(ctx context.Context, db DBTX, taskID uuid.UUID) (models.Task, error) {
	var row taskRow
	err := db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID).Scan(row.dest()...)
	if err != nil {
		return models.Task{}, notFound(err)
	}
	return row.model(), nil
}

// CreateTask inserts a READY task. Task creation belongs to the surrounding
// CRUD surface; this exists for seeding and the integration suite.
func (r *TasksRepo) CreateTask(ctx context.Context, task models.Task) (models.Task, error) {
	if task.TaskID == uuid.Nil {
		task.TaskID = uuid.New()
	}
	if task.Status == "" {
		task.Status = "READY"
	}
	if task.AssigneeIDs == nil {
		task.AssigneeIDs = []string{}
	}
	var lat, lng *float64
	var address, name *string
	if g := task.GeoLocation; g != nil {
		lat, lng = &g.Lat, &g.Lng
		address, name = &g.Address, &g.Name
	}
	now := time.Now().UTC()
	var row taskRow
	err := r.pool.QueryRow(ctx, `
		INSERT INTO tasks (task_id, status, assignee_ids, expected_revenue, completed_at, geo_lat, geo_lng, geo_address, geo_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING `+taskColumns,
		task.TaskID, task.Status, task.AssigneeIDs, task.ExpectedRevenue, task.CompletedAt, lat, lng, address, name, now,
	).Scan(row.dest()...)
	if err != nil {
		return models.Task{}, err
	}
	return row.model(), nil
}

// Transition moves a task from p.From to p.To and writes p.Events (and the
// optional payment) in the same transaction. When the task is no longer in
// p.From nothing is written and ErrStatusConflict is returned.
func (r *TasksRepo) Transition(ctx context.Context, p TransitionParams) (models.Task, error) {
	if p.Now.IsZero() {
		p.Now = time.Now().UTC()
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Task{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var completedAt *time.Time
	if p.SetCompletedAt {
		completedAt = &p.Now
	}
	var row taskRow
	err = tx.QueryRow(ctx, `
		UPDATE tasks
		SET status = $3, completed_at = COALESCE($4, completed_at), updated_at = $5
		WHERE task_id = $1 AND status = $2
		RETURNING `+taskColumns,
		p.TaskID, p.From, p.To, completedAt, p.Now,
	).Scan(row.dest()...)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Task{}, ErrStatusConflict
	}
	if err != nil {
		return models.Task{}, err
	}

	if p.Payment != nil {
		if _, err := insertPayment(ctx, tx, *p.Payment); err != nil {
			return models.Task{}, fmt.Errorf("insert payment: %w", err)
		}
	}
	for _, ev := range p.Events {
		if _, err := appendEvent(ctx, tx, ev); err != nil {
			return models.Task{}, fmt.Errorf("append %s: %w", ev.Action, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Task{}, err
	}
	return row.model(), nil
}

// UpdateExpectedRevenue sets the task's expected revenue and appends ev in one
// transaction. The returned value is the revenue before the update.
func (r *TasksRepo) UpdateExpectedRevenue(ctx context.Context, taskID uuid.UUID, revenue decimal.NullDecimal, build func(old decimal.NullDecimal) (models.Event, error)) (decimal.NullDecimal, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var old decimal.NullDecimal
	err = tx.QueryRow(ctx, `SELECT expected_revenue FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&old)
	if err != nil {
		return decimal.NullDecimal{}, notFound(err)
	}
	ev, err := build(old)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE tasks SET expected_revenue = $2, updated_at = now() WHERE task_id = $1
	`, taskID, revenue); err != nil {
		return decimal.NullDecimal{}, err
	}
	if _, err := appendEvent(ctx, tx, ev); err != nil {
		return decimal.NullDecimal{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.NullDecimal{}, err
	}
	return old, nil
}
