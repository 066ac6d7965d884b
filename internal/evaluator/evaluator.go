// Package evaluator decides which schedule items are due at an instant.
// It performs no I/O.
package evaluator

import (
	"errors"
	"sort"
	"time"

	"github.com/LeventeLantos/medication-reminders/internal/model"
)

// Due is one item selected for dispatch together with the occurrence it
// satisfies.
type Due struct {
	GroupID string
	ChatID  string
	Item    model.ScheduleItem
	// Date is the calendar date of the occurrence; it is what MarkFired
	// records.
	Date model.Date
	At   time.Time
}

type Evaluator struct {
	tolerance time.Duration
	catchUp   time.Duration
	loc       *time.Location
}

// New builds an evaluator. tolerance is the dispatch cadence; catchUp
// widens the due window so a delayed tick still picks up a reminder.
func New(tolerance, catchUp time.Duration, loc *time.Location) (*Evaluator, error) {
	if tolerance <= 0 {
		return nil, errors.New("tolerance must be > 0")
	}
	if catchUp < 0 {
		return nil, errors.New("catch-up window must be >= 0")
	}
	if tolerance+catchUp > 24*time.Hour {
		return nil, errors.New("tolerance plus catch-up must not exceed 24h")
	}
	if loc == nil {
		loc = time.Local
	}
	return &Evaluator{tolerance: tolerance, catchUp: catchUp, loc: loc}, nil
}

func (e *Evaluator) Window() time.Duration { return e.tolerance + e.catchUp }

func (e *Evaluator) Location() *time.Location { return e.loc }

// Evaluate returns the due items among groups ordered by group creation
// (createdAt, then id) and then item position. groups is not modified.
func (e *Evaluator) Evaluate(now time.Time, groups []model.ScheduleGroup) []Due {
	return e.EvaluateSince(time.Time{}, now, groups)
}

// EvaluateSince is Evaluate for a caller that last evaluated at since. An
// occurrence in (since, now] is due even when its window has closed, so a
// cycle that outlasts the window does not lose the occurrences behind it.
// A zero since disables this.
func (e *Evaluator) EvaluateSince(since, now time.Time, groups []model.ScheduleGroup) []Due {
	ordered := make([]model.ScheduleGroup, len(groups))
	copy(ordered, groups)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	var out []Due
	for _, g := range ordered {
		items := make([]model.ScheduleItem, len(g.Items))
		copy(items, g.Items)
		sort.SliceStable(items, func(i, j int) bool { return items[i].Position < items[j].Position })

		for _, it := range items {
			if d, ok := e.isDue(since, now, g, it); ok {
				out = append(out, d)
			}
		}
	}
	return out
}

// IsDue reports whether it, a member of g, is due at now.
func (e *Evaluator) IsDue(now time.Time, g model.ScheduleGroup, it model.ScheduleItem) (Due, bool) {
	return e.isDue(time.Time{}, now, g, it)
}

func (e *Evaluator) isDue(since, now time.Time, g model.ScheduleGroup, it model.ScheduleItem) (Due, bool) {
	if it.State != model.Active {
		return Due{}, false
	}
	now = now.In(e.loc)
	today := model.DateOf(now)
	created := g.CreatedDate(e.loc)

	// An occurrence late in the evening stays in its window past
	// midnight, so yesterday's occurrence is checked as well.
	for _, d := range []model.Date{today, today.AddDays(-1)} {
		at := it.TimeOfDay.On(d, e.loc)
		if !e.covers(since, now, at) {
			continue
		}
		if it.FiredOn(d) || !it.ActiveOn(created, d) {
			return Due{}, false
		}
		return Due{GroupID: g.ID, ChatID: g.ChatID, Item: it, Date: d, At: at}, true
	}
	return Due{}, false
}

// covers reports whether the occurrence at is due at now: inside its own
// window, or passed since the previous evaluation and less than a day old.
func (e *Evaluator) covers(since, now, at time.Time) bool {
	if now.Before(at) {
		return false
	}
	if now.Before(at.Add(e.Window())) {
		return true
	}
	return !since.IsZero() && at.After(since) && now.Sub(at) < 24*time.Hour
}
