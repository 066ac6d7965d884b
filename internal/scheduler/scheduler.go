package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Scheduler calls tickFn on a fixed interval until stopped. Ticks never
// overlap: the next tick starts after the previous one returns.
type Scheduler struct {
	interval time.Duration
	tickFn   func(context.Context)
	align    bool
	log      zerolog.Logger

	running  atomic.Bool
	ticks    atomic.Int64
	lastTick atomic.Pointer[tickInfo]

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type tickInfo struct {
	at       time.Time
	duration time.Duration
}

// Status is a point-in-time view for the status endpoint.
type Status struct {
	Running    bool       `json:"running"`
	Interval   string     `json:"interval"`
	Aligned    bool       `json:"aligned"`
	Ticks      int64      `json:"ticks"`
	LastTickAt *time.Time `json:"lastTickAt,omitempty"`
	LastTickMs int64      `json:"lastTickDurationMs,omitempty"`
}

type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithAlignment makes ticks after the first fall on wall-clock multiples of
// the interval, so a one-minute cadence ticks at :00 seconds.
func WithAlignment(align bool) Option {
	return func(s *Scheduler) { s.align = align }
}

func New(interval time.Duration, tickFn func(context.Context), opts ...Option) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	s := &Scheduler{
		interval: interval,
		tickFn:   tickFn,
		log:      zerolog.Nop(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go s.loop(ctx, s.done)
	return true
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	s.log.Info().Str("interval", s.interval.String()).Bool("aligned", s.align).Msg("scheduler started")

	s.safeTick(ctx)

	if s.align {
		wait := time.Until(nextBoundary(time.Now(), s.interval))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Info().Msg("scheduler stopping")
			return
		case <-t.C:
			s.safeTick(ctx)
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopping")
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info().Msg("scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

func (s *Scheduler) Status() Status {
	st := Status{
		Running:  s.running.Load(),
		Interval: s.interval.String(),
		Aligned:  s.align,
		Ticks:    s.ticks.Load(),
	}
	if ti := s.lastTick.Load(); ti != nil {
		at := ti.at
		st.LastTickAt = &at
		st.LastTickMs = ti.duration.Milliseconds()
	}
	return st
}

func (s *Scheduler) safeTick(ctx context.Context) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("scheduler tick panic recovered")
		}
		s.ticks.Add(1)
		s.lastTick.Store(&tickInfo{at: start, duration: time.Since(start)})
	}()

	s.tickFn(ctx)
	s.log.Debug().Int64("duration_ms", time.Since(start).Milliseconds()).Msg("scheduler tick completed")
}

// nextBoundary returns the first instant after now that is a multiple of
// interval, counted from the zero time.
func nextBoundary(now time.Time, interval time.Duration) time.Time {
	return now.Truncate(interval).Add(interval)
}
