package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// CronRunner runs named jobs on cron specs in one location. Standard
// five-field specs, optional seconds and descriptors such as @hourly or
// "@every 10m" are accepted.
type CronRunner struct {
	parser cron.Parser
	loc    *time.Location
	log    zerolog.Logger

	mu      sync.Mutex
	c       *cron.Cron
	jobs    []cronJob
	entries map[string]cron.EntryID
	ctx     context.Context
	cancel  context.CancelFunc
}

type cronJob struct {
	name string
	spec string
	run  func(context.Context)
}

// CronEntry describes a registered job for status output.
type CronEntry struct {
	Name string     `json:"name"`
	Spec string     `json:"spec"`
	Next *time.Time `json:"next,omitempty"`
	Prev *time.Time `json:"prev,omitempty"`
}

func NewCronRunner(loc *time.Location, l zerolog.Logger) *CronRunner {
	if loc == nil {
		loc = time.Local
	}
	return &CronRunner{
		parser:  cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:     loc,
		log:     l,
		entries: map[string]cron.EntryID{},
	}
}

// Add registers job under name. It may be called before or after Start.
func (r *CronRunner) Add(name, spec string, job func(context.Context)) error {
	if job == nil {
		return fmt.Errorf("cron job %q: nil func", name)
	}
	if _, err := r.parser.Parse(spec); err != nil {
		return fmt.Errorf("cron job %q: parse %q: %w", name, spec, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, j := range r.jobs {
		if j.name == name {
			return fmt.Errorf("cron job %q already registered", name)
		}
	}
	j := cronJob{name: name, spec: spec, run: job}
	r.jobs = append(r.jobs, j)
	if r.c != nil {
		return r.addLocked(j)
	}
	return nil
}

func (r *CronRunner) Start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.c != nil {
		return false
	}

	r.ctx, r.cancel = context.WithCancel(context.Background())
	logger := cronLogger{log: r.log}
	r.c = cron.New(
		cron.WithParser(r.parser),
		cron.WithLocation(r.loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	r.entries = map[string]cron.EntryID{}
	for _, j := range r.jobs {
		if err := r.addLocked(j); err != nil {
			// Specs were validated in Add.
			r.log.Error().Err(err).Str("job", j.name).Msg("cron job not scheduled")
		}
	}
	r.c.Start()
	r.log.Info().Str("tz", r.loc.String()).Int("jobs", len(r.jobs)).Msg("cron runner started")
	return true
}

// Stop halts scheduling, cancels the job context and waits for running jobs
// until ctx is done.
func (r *CronRunner) Stop(ctx context.Context) bool {
	r.mu.Lock()
	c, cancel := r.c, r.cancel
	r.c, r.cancel = nil, nil
	r.mu.Unlock()

	if c == nil {
		return false
	}
	stopped := c.Stop()
	cancel()

	select {
	case <-stopped.Done():
		r.log.Info().Msg("cron runner stopped")
	case <-ctx.Done():
		r.log.Warn().Msg("cron runner stop timed out, jobs still running")
	}
	return true
}

func (r *CronRunner) Entries() []CronEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]CronEntry, 0, len(r.jobs))
	for _, j := range r.jobs {
		e := CronEntry{Name: j.name, Spec: j.spec}
		if r.c != nil {
			if id, ok := r.entries[j.name]; ok {
				ce := r.c.Entry(id)
				if !ce.Next.IsZero() {
					next := ce.Next
					e.Next = &next
				}
				if !ce.Prev.IsZero() {
					prev := ce.Prev
					e.Prev = &prev
				}
			}
		}
		out = append(out, e)
	}
	return out
}

func (r *CronRunner) addLocked(j cronJob) error {
	ctx := r.ctx
	log := r.log.With().Str("job", j.name).Logger()
	id, err := r.c.AddFunc(j.spec, func() {
		start := time.Now()
		j.run(ctx)
		log.Debug().Dur("took", time.Since(start)).Msg("cron job finished")
	})
	if err != nil {
		return err
	}
	r.entries[j.name] = id
	return nil
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
