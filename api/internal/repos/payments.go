package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"field-service-dispatch-system/api/internal/models"
)

const paymentColumns = `payment_id, task_id, amount, collected_by, invoice_attachment_ref, created_at, updated_at`

type PaymentsRepo struct {
	pool *pgxpool.Pool
}

func NewPaymentsRepo(pool *pgxpool.Pool) *PaymentsRepo {
	return &PaymentsRepo{pool: pool}
}

// PaymentEdit receives the stored payment and returns the new row plus the
// event describing the change.
type PaymentEdit func(current models.Payment) (models.Payment, models.Event, error)

func paymentDest(p *models.Payment) []any {
	return []any{&p.PaymentID, &p.TaskID, &p.Amount, &p.CollectedBy, &p.InvoiceAttachmentRef, &p.CreatedAt, &p.UpdatedAt}
}

func (r *PaymentsRepo) GetByTask(ctx context.Context, taskID uuid.UUID) (models.Payment, error) {
	var p models.Payment
	err := r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE task_id = $1`, taskID).Scan(paymentDest(&p)...)
	return p, notFound(err)
}

// Update locks the task's payment, applies edit and appends the resulting
// event in one transaction.
func (r *PaymentsRepo) Update(ctx context.Context, taskID uuid.UUID, edit PaymentEdit) (models.Payment, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Payment{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current models.Payment
	err = tx.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE task_id = $1 FOR UPDATE`, taskID).Scan(paymentDest(&current)...)
	if err != nil {
		return models.Payment{}, notFound(err)
	}
	next, ev, err := edit(current)
	if err != nil {
		return models.Payment{}, err
	}

	var out models.Payment
	err = tx.QueryRow(ctx, `
		UPDATE payments
		SET amount = $2, collected_by = $3, invoice_attachment_ref = $4, updated_at = $5
		WHERE payment_id = $1
		RETURNING `+paymentColumns,
		current.PaymentID, next.Amount, next.CollectedBy, next.InvoiceAttachmentRef, time.Now().UTC(),
	).Scan(paymentDest(&out)...)
	if err != nil {
		return models.Payment{}, err
	}
	if _, err := appendEvent(ctx, tx, ev); err != nil {
		return models.Payment{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Payment{}, err
	}
	return out, nil
}

func insertPayment(ctx context.Context, db DBTX, p models.Payment) (models.Payment, error) {
	if p.PaymentID == uuid.Nil {
		p.PaymentID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	err := db.QueryRow(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING `+paymentColumns,
		p.PaymentID, p.TaskID, p.Amount, p.CollectedBy, p.InvoiceAttachmentRef, p.CreatedAt,
	).Scan(paymentDest(&p)...)
	return p, err
}
