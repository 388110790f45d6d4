// Package report computes per-worker performance over a date range. Whatever
// the number of workers, a summary costs one directory lookup and two batch
// reads; everything else happens in memory.
package report

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"field-service-dispatch-system/api/internal/identity"
	"field-service-dispatch-system/api/internal/models"
	"field-service-dispatch-system/api/internal/revenue"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/logx"
	"field-service-dispatch-system/shared/metricsx"
	"field-service-dispatch-system/shared/observability"
)

const (
	DateLayout = "2006-01-02"

	SortRevenue = "revenue"
	SortTasks   = "tasks"
	SortName    = "name"

	OrderAsc  = "asc"
	OrderDesc = "desc"

	DefaultMaxRangeDays = 366
)

type Store interface {
	CompletedTasks(ctx context.Context, workerIDs []string, from, to time.Time) ([]models.TaskRevenue, error)
	CheckIns(ctx context.Context, actorIDs []string, from, to time.Time) ([]models.CheckIn, error)
}

type Request struct {
	StartDate string
	EndDate   string
	Timezone  string
	SortBy    string
	SortOrder string
}

type Period struct {
	StartDate string    `json:"startDate"`
	EndDate   string    `json:"endDate"`
	Timezone  string    `json:"timezone"`
	From      time.Time `json:"from"`
	To        time.Time `json:"to"`
}

type Employee struct {
	WorkerID       string          `json:"workerId"`
	FirstName      string          `json:"firstName"`
	LastName       string          `json:"lastName"`
	FullName       string          `json:"fullName"`
	DaysWorked     int             `json:"daysWorked"`
	TasksCompleted int             `json:"tasksCompleted"`
	TotalRevenue   decimal.Decimal `json:"totalRevenue"`
	Rank           int             `json:"rank"`
}

type Totals struct {
	TotalEmployees  int             `json:"totalEmployees"`
	ActiveEmployees int             `json:"activeEmployees"`
	TotalRevenue    decimal.Decimal `json:"totalRevenue"`
	TotalTasks      int             `json:"totalTasks"`
	// RoundingResidual is what rounding to the currency scale dropped from
	// the counted tasks. TotalRevenue plus this is the unrounded sum.
	RoundingResidual decimal.Decimal `json:"roundingResidual"`
}

type Summary struct {
	Period    Period     `json:"period"`
	Employees []Employee `json:"employees"`
	Summary   Totals     `json:"summary"`
}

type Engine struct {
	Workers         identity.Directory
	Store           Store
	Splitter        revenue.Splitter
	DefaultTimezone string
	MaxRangeDays    int
	Logger          logx.Logger
}

type params struct {
	loc    *time.Location
	period Period
	sortBy string
	order  string
}

func (e *Engine) GetSummary(ctx context.Context, req Request) (Summary, error) {
	started := time.Now()
	ctx, span := observability.Tracer("report").Start(ctx, "report.GetSummary")
	defer span.End()

	p, err := e.parse(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Summary{}, err
	}
	span.SetAttributes(
		attribute.String("report.start", p.period.StartDate),
		attribute.String("report.end", p.period.EndDate),
		attribute.String("report.timezone", p.period.Timezone),
	)

	workers, err := e.Workers.ListActiveWorkers(ctx)
	if err != nil {
		return Summary{}, e.fail(ctx, span, "workers", err)
	}
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		ids = append(ids, w.WorkerID)
	}

	tasks, err := e.Store.CompletedTasks(ctx, ids, p.period.From, p.period.To)
	metricsx.IncReportQuery("completed_tasks")
	if err != nil {
		return Summary{}, e.fail(ctx, span, "completed_tasks", err)
	}
	checkIns, err := e.Store.CheckIns(ctx, ids, p.period.From, p.period.To)
	metricsx.IncReportQuery("check_ins")
	if err != nil {
		return Summary{}, e.fail(ctx, span, "check_ins", err)
	}

	out := e.aggregate(p, workers, tasks, checkIns)
	span.SetAttributes(
		attribute.Int("report.workers", len(workers)),
		attribute.Int("report.tasks", len(tasks)),
		attribute.Int("report.check_ins", len(checkIns)),
	)
	metricsx.ObserveReportLatency(time.Since(started))
	return out, nil
}

func (e *Engine) fail(ctx context.Context, span trace.Span, query string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, query+" failed")
	e.Logger.Error(ctx, "report_query_failed", "report query failed",
		slog.String("query", query),
		slog.String("error_code", string(errx.KindUpstreamFailure)),
		slog.String("error", err.Error()),
	)
	service := "database"
	if query == "workers" {
		service = "identity"
	}
	return errx.Upstream(service, err).WithDetail("query", query)
}

func (e *Engine) parse(req Request) (params, error) {
	tz := strings.TrimSpace(req.Timezone)
	if tz == "" {
		tz = e.DefaultTimezone
	}
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return params{}, errx.Validation("unknown timezone").WithDetail("timezone", tz)
	}

	start, err := time.ParseInLocation(DateLayout, strings.TrimSpace(req.StartDate), loc)
	if err != nil {
		return params{}, errx.Validation("startDate must be YYYY-MM-DD").WithDetail("startDate", req.StartDate)
	}
	end, err := time.ParseInLocation(DateLayout, strings.TrimSpace(req.EndDate), loc)
	if err != nil {
		return params{}, errx.Validation("endDate must be YYYY-MM-DD").WithDetail("endDate", req.EndDate)
	}
	if end.Before(start) {
		return params{}, errx.Validation("endDate must not be before startDate")
	}
	maxDays := e.MaxRangeDays
	if maxDays <= 0 {
		maxDays = DefaultMaxRangeDays
	}
	// Calendar days, so a DST shift inside the range does not matter.
	days := int(time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, time.UTC).
		Sub(time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)).Hours()/24) + 1
	if days > maxDays {
		return params{}, errx.Validation("date range is too long").WithDetail("maxDays", strconv.Itoa(maxDays))
	}

	sortBy := strings.ToLower(strings.TrimSpace(req.SortBy))
	switch sortBy {
	case "":
		sortBy = SortRevenue
	case SortRevenue, SortTasks, SortName:
	default:
		return params{}, errx.Validation("sortBy must be one of revenue, tasks, name")
	}
	order := strings.ToLower(strings.TrimSpace(req.SortOrder))
	switch order {
	case "":
		order = OrderDesc
		if sortBy == SortName {
			order = OrderAsc
		}
	case OrderAsc, OrderDesc:
	default:
		return params{}, errx.Validation("sortOrder must be asc or desc")
	}

	return params{
		loc: loc,
		period: Period{
			StartDate: start.Format(DateLayout),
			EndDate:   end.Format(DateLayout),
			Timezone:  loc.String(),
			From:      start,
			To:        time.Date(end.Year(), end.Month(), end.Day()+1, 0, 0, 0, 0, loc),
		},
		sortBy: sortBy,
		order:  order,
	}, nil
}

func (e *Engine) aggregate(p params, workers []models.Worker, tasks []models.TaskRevenue, checkIns []models.CheckIn) Summary {
	byID := make(map[string]*Employee, len(workers))
	employees := make([]*Employee, 0, len(workers))
	for _, w := range workers {
		if _, dup := byID[w.WorkerID]; dup {
			continue
		}
		emp := &Employee{
			WorkerID:     w.WorkerID,
			FirstName:    w.FirstName,
			LastName:     w.LastName,
			FullName:     w.FullName(),
			TotalRevenue: decimal.Zero,
		}
		byID[w.WorkerID] = emp
		employees = append(employees, emp)
	}

	counted := make(map[string]struct{}, len(tasks))
	residual := decimal.Zero
	for _, t := range tasks {
		split := e.Splitter.Split(t.ExpectedRevenue, t.AssigneeIDs)
		for id, share := range split.Shares {
			emp, ok := byID[id]
			if !ok {
				continue
			}
			emp.TasksCompleted++
			emp.TotalRevenue = emp.TotalRevenue.Add(share)
			counted[t.TaskID.String()] = struct{}{}
		}
		if _, ok := counted[t.TaskID.String()]; ok {
			residual = residual.Add(split.Residual)
		}
	}

	days := make(map[string]map[string]struct{}, len(workers))
	for _, c := range checkIns {
		if _, ok := byID[c.ActorID]; !ok {
			continue
		}
		if days[c.ActorID] == nil {
			days[c.ActorID] = map[string]struct{}{}
		}
		days[c.ActorID][c.CreatedAt.In(p.loc).Format(DateLayout)] = struct{}{}
	}
	for id, set := range days {
		byID[id].DaysWorked = len(set)
	}

	sortEmployees(employees, p.sortBy, p.order)
	rankEmployees(employees, p.sortBy)

	out := Summary{
		Period:    p.period,
		Employees: make([]Employee, 0, len(employees)),
		Summary: Totals{
			TotalEmployees:   len(employees),
			TotalRevenue:     decimal.Zero,
			TotalTasks:       len(counted),
			RoundingResidual: residual,
		},
	}
	for _, emp := range employees {
		if emp.TasksCompleted > 0 || emp.DaysWorked > 0 {
			out.Summary.ActiveEmployees++
		}
		out.Summary.TotalRevenue = out.Summary.TotalRevenue.Add(emp.TotalRevenue)
		out.Employees = append(out.Employees, *emp)
	}
	return out
}

// compareKey orders two employees by the sort field only, ascending.
func compareKey(a, b *Employee, sortBy string) int {
	switch sortBy {
	case SortTasks:
		return a.TasksCompleted - b.TasksCompleted
	case SortName:
		return strings.Compare(strings.ToLower(a.FullName), strings.ToLower(b.FullName))
	default:
		return a.TotalRevenue.Cmp(b.TotalRevenue)
	}
}

func sortEmployees(emps []*Employee, sortBy, order string) {
	sort.SliceStable(emps, func(i, j int) bool {
		a, b := emps[i], emps[j]
		if c := compareKey(a, b, sortBy); c != 0 {
			if order == OrderDesc {
				return c > 0
			}
			return c < 0
		}
		if c := strings.Compare(strings.ToLower(a.FullName), strings.ToLower(b.FullName)); c != 0 {
			return c < 0
		}
		return a.WorkerID < b.WorkerID
	})
}

// rankEmployees assigns competition ranks: equal keys share a rank and the
// next distinct key skips ahead, so [10, 10, 8] ranks [1, 1, 3].
func rankEmployees(emps []*Employee, sortBy string) {
	for i, emp := range emps {
		if i > 0 && compareKey(emps[i-1], emp, sortBy) == 0 {
			emp.Rank = emps[i-1].Rank
			continue
		}
		emp.Rank = i + 1
	}
}
