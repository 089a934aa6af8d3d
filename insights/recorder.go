package insights

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/berserk3142-max/fraud-risk-engine/clock"
	"github.com/berserk3142-max/fraud-risk-engine/models"
)

const (
	DefaultAssessmentCapacity = 20000
	DefaultReportCapacity     = 5000
	DefaultRateEventCapacity  = 5000
	checkRetentionDays        = 31
)

type ring[T any] struct {
	buf  []T
	next int
	full bool
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// items returns the contents oldest first.
func (r *ring[T]) items() []T {
	if !r.full {
		return append([]T(nil), r.buf[:r.next]...)
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

type checkCounts struct {
	total   int
	limited int
}

// Recorder is the in-memory read replica behind the insights rollups. The
// engine feeds it on the request path, so every method is a short critical
// section; reads copy out.
type Recorder struct {
	mu          sync.RWMutex
	assessments *ring[models.FraudAssessment]
	reports     *ring[models.SuspiciousActivityReport]
	rateEvents  *ring[models.RateLimitEvent]
	// checks holds rate limit check counts per UTC day and action.
	checks map[time.Time]map[string]*checkCounts
	// pending holds the counts not yet handed to TakeChecks.
	pending map[time.Time]map[string]*checkCounts
}

func NewRecorder(assessments, reports, rateEvents int) *Recorder {
	if assessments <= 0 {
		assessments = DefaultAssessmentCapacity
	}
	if reports <= 0 {
		reports = DefaultReportCapacity
	}
	if rateEvents <= 0 {
		rateEvents = DefaultRateEventCapacity
	}
	return &Recorder{
		assessments: newRing[models.FraudAssessment](assessments),
		reports:     newRing[models.SuspiciousActivityReport](reports),
		rateEvents:  newRing[models.RateLimitEvent](rateEvents),
		checks:      make(map[time.Time]map[string]*checkCounts),
		pending:     make(map[time.Time]map[string]*checkCounts),
	}
}

func (r *Recorder) RecordAssessment(a models.FraudAssessment) {
	r.mu.Lock()
	r.assessments.push(a)
	r.mu.Unlock()
}

func (r *Recorder) RecordReport(rep models.SuspiciousActivityReport) {
	r.mu.Lock()
	r.reports.push(rep)
	r.mu.Unlock()
}

func (r *Recorder) RateLimitEvent(ev models.RateLimitEvent) {
	r.mu.Lock()
	r.rateEvents.push(ev)
	r.mu.Unlock()
}

func (r *Recorder) RateLimitChecked(action string, limited bool, at time.Time) {
	day := clock.Day(at)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[day]; !ok {
		r.pruneChecks(day)
	}
	bump(r.checks, day, action, 1, b2i(limited))
	bump(r.pending, day, action, 1, b2i(limited))
}

func bump(m map[time.Time]map[string]*checkCounts, day time.Time, action string, total, limited int) {
	byAction, ok := m[day]
	if !ok {
		byAction = make(map[string]*checkCounts)
		m[day] = byAction
	}
	c, ok := byAction[action]
	if !ok {
		c = &checkCounts{}
		byAction[action] = c
	}
	c.total += total
	c.limited += limited
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

// DailyChecks is the number of rate limit checks, and how many of them
// were limited, for one action on one UTC day.
type DailyChecks struct {
	Day     time.Time
	Action  string
	Total   int
	Limited int
}

// TakeChecks returns the counts recorded since the previous call, ordered
// by day then action, and forgets them.
func (r *Recorder) TakeChecks() []DailyChecks {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[time.Time]map[string]*checkCounts)
	r.mu.Unlock()

	var out []DailyChecks
	for day, byAction := range pending {
		for action, c := range byAction {
			out = append(out, DailyChecks{Day: day, Action: action, Total: c.total, Limited: c.limited})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Day.Equal(out[j].Day) {
			return out[i].Day.Before(out[j].Day)
		}
		return out[i].Action < out[j].Action
	})
	return out
}

// ReturnChecks puts back a batch from TakeChecks that could not be stored.
func (r *Recorder) ReturnChecks(batch []DailyChecks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range batch {
		bump(r.pending, d.Day, d.Action, d.Total, d.Limited)
	}
}

// CheckStore persists daily check counts, adding to what is stored.
type CheckStore interface {
	AddRateLimitChecks(ctx context.Context, batch []DailyChecks) error
}

// FlushChecks moves pending check counts from r to store. A failed batch
// is kept for the next flush.
func FlushChecks(ctx context.Context, r *Recorder, store CheckStore) (int, error) {
	batch := r.TakeChecks()
	if len(batch) == 0 {
		return 0, nil
	}
	if err := store.AddRateLimitChecks(ctx, batch); err != nil {
		r.ReturnChecks(batch)
		return 0, err
	}
	return len(batch), nil
}

func (r *Recorder) pruneChecks(today time.Time) {
	cutoff := today.AddDate(0, 0, -checkRetentionDays)
	for _, m := range []map[time.Time]map[string]*checkCounts{r.checks, r.pending} {
		for day := range m {
			if day.Before(cutoff) {
				delete(m, day)
			}
		}
	}
}

func inScope(scope, candidate string) bool {
	return scope == "" || scope == candidate
}

func (r *Recorder) Assessments(ctx context.Context, scope string, since time.Time) ([]models.FraudAssessment, error) {
	r.mu.RLock()
	all := r.assessments.items()
	r.mu.RUnlock()

	out := all[:0]
	for _, a := range all {
		if !a.AssessedAt.Before(since) && inScope(scope, a.ScopeID) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *Recorder) Reports(ctx context.Context, scope string, since time.Time) ([]models.SuspiciousActivityReport, error) {
	r.mu.RLock()
	all := r.reports.items()
	r.mu.RUnlock()

	out := all[:0]
	for _, rep := range all {
		if !rep.ReportedAt.Before(since) && inScope(scope, rep.ScopeID) {
			out = append(out, rep)
		}
	}
	return out, nil
}

func (r *Recorder) RateLimitEvents(ctx context.Context, since time.Time) ([]models.RateLimitEvent, error) {
	r.mu.RLock()
	all := r.rateEvents.items()
	r.mu.RUnlock()

	out := all[:0]
	for _, ev := range all {
		if !ev.Timestamp.Before(since) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// RateLimitCounts sums checks from the day containing since onwards.
func (r *Recorder) RateLimitCounts(ctx context.Context, since time.Time) (CheckSummary, error) {
	from := clock.Day(since)
	sum := CheckSummary{LimitedByAction: map[string]int{}, TotalByAction: map[string]int{}}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for day, byAction := range r.checks {
		if day.Before(from) {
			continue
		}
		for action, c := range byAction {
			sum.Total += c.total
			sum.Limited += c.limited
			sum.TotalByAction[action] += c.total
			sum.LimitedByAction[action] += c.limited
		}
	}
	return sum, nil
}
