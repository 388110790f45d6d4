package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"field-service-dispatch-system/api/internal/report"
	"field-service-dispatch-system/shared/logx"
	"field-service-dispatch-system/shared/metricsx"
)

const (
	MeasurementWorker = "worker_performance"
	MeasurementTeam   = "team_performance"

	nightlyLockKey = "lock:report:nightly"
)

type SummaryReader interface {
	GetSummary(ctx context.Context, req report.Request) (report.Summary, error)
}

type PointWriter interface {
	WritePoints(ctx context.Context, points ...*write.Point) error
}

// LockFunc runs fn only if key could be taken; ran is false when another
// replica holds it.
type LockFunc func(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) (ran bool, err error)

// NightlyPayload optionally pins the day to report, for backfills.
type NightlyPayload struct {
	Date string `json:"date,omitempty"`
}

// NightlyReport snapshots yesterday's summary into InfluxDB.
type NightlyReport struct {
	Reports  SummaryReader
	Points   PointWriter
	Lock     LockFunc
	LockTTL  time.Duration
	Timezone string
	Logger   logx.Logger
	Now      func() time.Time
}

func (n *NightlyReport) Handle(ctx context.Context, t *asynq.Task) error {
	var p NightlyPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return err
		}
	}
	return n.Run(ctx, p.Date)
}

// Run reports on date (YYYY-MM-DD), or on the previous local day when date
// is empty.
func (n *NightlyReport) Run(ctx context.Context, date string) error {
	date = strings.TrimSpace(date)
	if date == "" {
		d, err := n.yesterday()
		if err != nil {
			return err
		}
		date = d
	}
	if n.Lock == nil {
		return n.run(ctx, date)
	}
	ttl := n.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ran, err := n.Lock(ctx, nightlyLockKey+":"+date, ttl, func(ctx context.Context) error {
		return n.run(ctx, date)
	})
	if err != nil {
		return err
	}
	if !ran {
		n.Logger.Info(ctx, "nightly_report_skipped", "another replica holds the report lock", slog.String("date", date))
	}
	return nil
}

func (n *NightlyReport) run(ctx context.Context, date string) error {
	sum, err := n.Reports.GetSummary(ctx, report.Request{StartDate: date, EndDate: date, Timezone: n.Timezone})
	if err != nil {
		return err
	}
	points := Points(sum)
	if err := n.Points.WritePoints(ctx, points...); err != nil {
		metricsx.IncInfluxWriteFailure()
		n.Logger.Error(ctx, "nightly_report_write_failed", "influx write failed",
			slog.String("date", date),
			slog.String("error_code", "UPSTREAM_FAILURE"),
			slog.String("error", err.Error()),
		)
		return err
	}
	n.Logger.Info(ctx, "nightly_report_written", "nightly report written",
		slog.String("date", date),
		slog.Int("employees", sum.Summary.TotalEmployees),
		slog.Int("points", len(points)),
	)
	return nil
}

func (n *NightlyReport) yesterday() (string, error) {
	tz := n.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return "", err
	}
	now := time.Now()
	if n.Now != nil {
		now = n.Now()
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()-1, 0, 0, 0, 0, loc).Format(report.DateLayout), nil
}

// Points renders one point per employee plus a team total, stamped at the
// start of the reported period.
func Points(sum report.Summary) []*write.Point {
	ts := sum.Period.From
	out := make([]*write.Point, 0, len(sum.Employees)+1)
	for _, emp := range sum.Employees {
		out = append(out, write.NewPoint(MeasurementWorker,
			map[string]string{"worker_id": emp.WorkerID, "timezone": sum.Period.Timezone},
			map[string]any{
				"days_worked":     emp.DaysWorked,
				"tasks_completed": emp.TasksCompleted,
				"total_revenue":   emp.TotalRevenue.InexactFloat64(),
				"rank":            emp.Rank,
			},
			ts,
		))
	}
	out = append(out, write.NewPoint(MeasurementTeam,
		map[string]string{"timezone": sum.Period.Timezone},
		map[string]any{
			"total_employees":   sum.Summary.TotalEmployees,
			"active_employees":  sum.Summary.ActiveEmployees,
			"total_tasks":       sum.Summary.TotalTasks,
			"total_revenue":     sum.Summary.TotalRevenue.InexactFloat64(),
			"rounding_residual": sum.Summary.RoundingResidual.InexactFloat64(),
		},
		ts,
	))
	return out
}
