package jobs

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"field-service-dispatch-system/api/internal/geo"
	"field-service-dispatch-system/api/internal/ledger"
	"field-service-dispatch-system/shared/events"
)

func envelope(t *testing.T, p ledger.Payload) []byte {
	t.Helper()
	raw, err := ledger.Encode(p)
	require.NoError(t, err)
	b, err := json.Marshal(events.Envelope{
		EventID:       uuid.New(),
		OccurredAt:    time.Date(2025, 11, 1, 3, 0, 0, 0, time.UTC),
		AggregateType: events.AggregateTask,
		AggregateID:   uuid.New(),
		Action:        string(p.Action()),
		ActorID:       "w1",
		Payload:       raw,
	})
	require.NoError(t, err)
	return b
}

func TestActivityProjectsVisits(t *testing.T) {
	points := &stubPoints{}
	a := &ActivityProjector{Points: points}
	d := 150.0
	require.NoError(t, a.Handle(t.Context(), envelope(t, ledger.CheckedIn{Visit: ledger.Visit{
		Location:       geo.Captured{Lat: 10.77, Lng: 106.70, AccuracyMeters: 12},
		DistanceMeters: &d,
		Warnings:       []string{"LOCATION_MISMATCH"},
		AttachmentRefs: []string{"a", "b"},
	}})))

	require.Len(t, points.points, 1)
	pt := points.points[0]
	assert.Equal(t, MeasurementActivity, pt.Name())
	fields := map[string]any{}
	for _, f := range pt.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 150.0, fields["distance_meters"])
	assert.EqualValues(t, 1, fields["warnings"])
	assert.EqualValues(t, 2, fields["attachments"])
}

func TestActivityProjectsPayments(t *testing.T) {
	points := &stubPoints{}
	a := &ActivityProjector{Points: points}
	require.NoError(t, a.Handle(t.Context(), envelope(t, ledger.PaymentCollected{PaymentID: "p", Amount: decimal.RequireFromString("250000")})))
	require.Len(t, points.points, 1)
}

func TestActivityIgnoresOtherActions(t *testing.T) {
	points := &stubPoints{}
	a := &ActivityProjector{Points: points}
	require.NoError(t, a.Handle(t.Context(), envelope(t, ledger.Commented{Text: "hello"})))
	assert.Empty(t, points.points)
}

func TestActivityRejectsMalformed(t *testing.T) {
	a := &ActivityProjector{Points: &stubPoints{}}
	assert.ErrorIs(t, a.Handle(t.Context(), []byte("not json")), ErrMalformedEnvelope)
	assert.ErrorIs(t, a.Handle(t.Context(), []byte(`{"action":"CHECKED_IN"}`)), ErrMalformedEnvelope)
}
