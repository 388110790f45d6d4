package repos

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"field-service-dispatch-system/api/internal/models"
)

var auditColumns = []string{
	"occurred_at", "actor_id", "action", "resource_type", "resource_id",
	"request_id", "method", "path", "status_code", "duration_ms",
	"client_ip", "user_agent", "details",
}

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteAuditLog copies entries into audit_logs in one round trip.
func (r *AuditRepo) WriteAuditLog(ctx context.Context, entries []models.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"audit_logs"}, auditColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			if e.OccurredAt.IsZero() {
				e.OccurredAt = now
			}
			var details any
			if len(e.Details) > 0 {
				details = string(e.Details)
			}
			return []any{
				e.OccurredAt, optional(e.ActorID), e.Action, e.ResourceType, e.ResourceID,
				optional(e.RequestID), optional(e.Method), optional(e.Path), e.StatusCode, e.DurationMS,
				optional(e.ClientIP), optional(e.UserAgent), details,
			}, nil
		}),
	)
	return err
}

func optional(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}
