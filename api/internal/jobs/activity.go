package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"field-service-dispatch-system/api/internal/ledger"
	"field-service-dispatch-system/shared/events"
)

const MeasurementActivity = "task_activity"

// ErrMalformedEnvelope marks messages that can never be projected; the
// consumer commits past them.
var ErrMalformedEnvelope = errors.New("malformed task event envelope")

// ActivityProjector turns published task events into field-activity points:
// one per visit, and one per collected payment.
type ActivityProjector struct {
	Points PointWriter
}

func (a *ActivityProjector) Handle(ctx context.Context, value []byte) error {
	var env events.Envelope
	if err := json.Unmarshal(value, &env); err != nil {
		return errors.Join(ErrMalformedEnvelope, err)
	}
	if env.EventID == uuid.Nil || env.AggregateID == uuid.Nil {
		return ErrMalformedEnvelope
	}
	p, err := ledger.Decode(env.Action, env.Payload)
	if err != nil {
		return errors.Join(ErrMalformedEnvelope, err)
	}
	pt := activityPoint(env, p)
	if pt == nil {
		return nil
	}
	return a.Points.WritePoints(ctx, pt)
}

func activityPoint(env events.Envelope, p ledger.Payload) *write.Point {
	tags := map[string]string{
		"action":    env.Action,
		"worker_id": env.ActorID,
	}
	fields := map[string]any{"task_id": env.AggregateID.String()}

	var visit *ledger.Visit
	switch v := p.(type) {
	case ledger.CheckedIn:
		visit = &v.Visit
	case ledger.CheckedOut:
		visit = &v.Visit
	case ledger.PaymentCollected:
		fields["amount"] = v.Amount.InexactFloat64()
	default:
		return nil
	}
	if visit != nil {
		fields["attachments"] = len(visit.AttachmentRefs)
		fields["warnings"] = len(visit.Warnings)
		fields["accuracy_meters"] = visit.Location.AccuracyMeters
		if visit.DistanceMeters != nil {
			fields["distance_meters"] = *visit.DistanceMeters
		}
	}
	return write.NewPoint(MeasurementActivity, tags, fields, env.OccurredAt)
}
