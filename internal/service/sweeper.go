package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/medication-reminders/internal/model"
	"github.com/LeventeLantos/medication-reminders/internal/repo"
)

type ExpiredItem struct {
	GroupID  string `json:"groupId"`
	ChatID   string `json:"chatId"`
	ItemID   string `json:"itemId"`
	Medicine string `json:"medicine"`
}

type SweepReport struct {
	At      time.Time           `json:"at"`
	Expired []ExpiredItem       `json:"expired"`
	Counts  map[model.State]int `json:"counts"`
}

// Sweeper retires active items whose duration has run out. It touches only
// item state and never waits on dispatch.
type Sweeper struct {
	repo     repo.ScheduleRepository
	loc      *time.Location
	now      func() time.Time
	grace    time.Duration
	reporter Reporter
	log      zerolog.Logger

	mu   sync.Mutex
	last atomic.Pointer[SweepReport]
}

type SweeperOption func(*Sweeper)

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) { s.now = now }
}

// WithSweepGrace holds expiry back until the due window of the last
// day's occurrence has closed. Pass the evaluator's window.
func WithSweepGrace(d time.Duration) SweeperOption {
	return func(s *Sweeper) { s.grace = d }
}

func WithSweepReporter(r Reporter) SweeperOption {
	return func(s *Sweeper) { s.reporter = r }
}

func WithSweepLogger(l zerolog.Logger) SweeperOption {
	return func(s *Sweeper) { s.log = l }
}

func NewSweeper(store repo.ScheduleRepository, loc *time.Location, opts ...SweeperOption) *Sweeper {
	if loc == nil {
		loc = time.Local
	}
	s := &Sweeper{
		repo:     store,
		loc:      loc,
		now:      time.Now,
		reporter: NopReporter{},
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep expires every active item with elapsed days >= its duration and
// reports what changed together with the current per-state counts.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	// An occurrence from before midnight can still be in its window.
	today := model.DateOf(now.Add(-s.grace).In(s.loc))
	rep := SweepReport{At: now, Expired: []ExpiredItem{}}

	groups, err := s.repo.ListActiveGroups(ctx)
	if err != nil {
		return rep, fmt.Errorf("list active groups: %w", err)
	}

	for _, g := range groups {
		created := g.CreatedDate(s.loc)
		for _, it := range g.Items {
			if it.State != model.Active || !it.ElapsedOn(created, today) {
				continue
			}
			changed, err := s.repo.ExpireItem(ctx, it.ID)
			if err != nil {
				return rep, fmt.Errorf("expire item %s: %w", it.ID, err)
			}
			if changed {
				rep.Expired = append(rep.Expired, ExpiredItem{
					GroupID:  g.ID,
					ChatID:   g.ChatID,
					ItemID:   it.ID,
					Medicine: it.Medicine,
				})
			}
		}
	}

	counts, err := s.repo.CountItemsByState(ctx)
	if err != nil {
		return rep, fmt.Errorf("count items: %w", err)
	}
	rep.Counts = counts

	out := rep
	s.last.Store(&out)
	s.reporter.SweepCompleted(ctx, rep)
	return rep, nil
}

// Run is the cron entry point; failures are logged and retried on the
// next schedule.
func (s *Sweeper) Run(ctx context.Context) {
	rep, err := s.Sweep(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep failed")
		return
	}
	s.log.Debug().Int("expired", len(rep.Expired)).Msg("sweep finished")
}

func (s *Sweeper) LastReport() (SweepReport, bool) {
	r := s.last.Load()
	if r == nil {
		return SweepReport{}, false
	}
	return *r, true
}
