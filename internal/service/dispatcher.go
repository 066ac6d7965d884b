package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/medication-reminders/internal/cache"
	"github.com/LeventeLantos/medication-reminders/internal/client"
	"github.com/LeventeLantos/medication-reminders/internal/evaluator"
	"github.com/LeventeLantos/medication-reminders/internal/repo"
)

type CycleState int32

const (
	StateIdle CycleState = iota
	StateEvaluating
	StateDispatching
	StateRecording
)

func (s CycleState) String() string {
	switch s {
	case StateEvaluating:
		return "evaluating"
	case StateDispatching:
		return "dispatching"
	case StateRecording:
		return "recording"
	default:
		return "idle"
	}
}

// DefaultMaxGap is the look-back used when WithMaxGap is not given.
const DefaultMaxGap = time.Hour

type RetryPolicy struct {
	MaxRetries  int
	Base        time.Duration
	MaxDelay    time.Duration
	SendTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		Base:        time.Second,
		MaxDelay:    30 * time.Second,
		SendTimeout: 5 * time.Second,
	}
}

// Delay returns the wait before the attempt following attempt (1-based):
// base * 2^(attempt-1), capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// CycleResult summarizes one dispatch cycle.
type CycleResult struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Due       int           `json:"due"`
	Sent      int           `json:"sent"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Cancelled int           `json:"cancelled"`
	Err       error         `json:"-"`
	Error     string        `json:"error,omitempty"`
}

// Dispatcher runs evaluation cycles: it selects due items, sends each one
// through the chat transport and records the outcome in the store.
type Dispatcher struct {
	repo     repo.ScheduleRepository
	eval     *evaluator.Evaluator
	sender   client.Sender
	cache    cache.DispatchCache
	reporter Reporter
	policy   RetryPolicy

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	maxGap time.Duration
	log    zerolog.Logger

	mu       sync.Mutex
	lastEval time.Time
	state    atomic.Int32
	last     atomic.Pointer[CycleResult]
}

type DispatcherOption func(*Dispatcher)

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.now = now }
}

// WithSleep replaces the backoff wait, mainly so tests do not block.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) { d.sleep = sleep }
}

// WithMaxGap bounds how far back a cycle looks for occurrences that fell
// between it and the previous evaluation. Zero turns the look-back off.
func WithMaxGap(gap time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.maxGap = gap }
}

func WithCache(c cache.DispatchCache) DispatcherOption {
	return func(d *Dispatcher) { d.cache = c }
}

func WithReporter(r Reporter) DispatcherOption {
	return func(d *Dispatcher) { d.reporter = r }
}

func WithLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

func NewDispatcher(
	store repo.ScheduleRepository,
	eval *evaluator.Evaluator,
	sender client.Sender,
	policy RetryPolicy,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		repo:     store,
		eval:     eval,
		sender:   sender,
		cache:    cache.Nop{},
		reporter: NopReporter{},
		policy:   policy,
		now:      time.Now,
		sleep:    sleepContext,
		maxGap:   DefaultMaxGap,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) State() CycleState {
	return CycleState(d.state.Load())
}

// LastCycle returns the result of the most recent completed cycle.
func (d *Dispatcher) LastCycle() (CycleResult, bool) {
	r := d.last.Load()
	if r == nil {
		return CycleResult{}, false
	}
	return *r, true
}

// Tick runs one cycle; it matches the scheduler's tick signature.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.RunCycle(ctx)
}

// RunCycle evaluates and dispatches everything due now. Cycles never
// overlap: a call waits for the previous one to finish. A store failure
// aborts the cycle; the next one starts from a fresh evaluation.
func (d *Dispatcher) RunCycle(ctx context.Context) (res CycleResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	res = CycleResult{StartedAt: d.now()}
	defer func() {
		d.setState(StateIdle)
		res.Duration = d.now().Sub(res.StartedAt)
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		out := res
		d.last.Store(&out)
	}()

	d.setState(StateEvaluating)
	groups, err := d.repo.ListActiveGroups(ctx)
	if err != nil {
		res.Err = fmt.Errorf("list active groups: %w", err)
		d.log.Error().Err(err).Msg("dispatch cycle aborted: store unavailable")
		return res
	}

	due := d.eval.EvaluateSince(d.since(res.StartedAt), res.StartedAt, groups)
	d.lastEval = res.StartedAt
	res.Due = len(due)
	if len(due) == 0 {
		return res
	}
	d.log.Debug().Int("due", len(due)).Msg("dispatch cycle started")

	for _, item := range due {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			break
		}

		d.setState(StateDispatching)
		outcome, err := d.dispatch(ctx, item)
		if err != nil {
			res.Err = err
			d.log.Error().Err(err).Str("item", item.Item.ID).Msg("dispatch cycle aborted")
			break
		}
		switch outcome {
		case outcomeSent:
			res.Sent++
		case outcomeSkipped:
			res.Skipped++
		case outcomeFailed:
			res.Failed++
		case outcomeCancelled:
			res.Cancelled++
		}
	}

	d.log.Info().
		Int("due", res.Due).
		Int("sent", res.Sent).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Int("cancelled", res.Cancelled).
		Msg("dispatch cycle finished")
	return res
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeCancelled
)

// dispatch handles one due item. A returned error is a store failure and
// ends the cycle; delivery failures are recorded on the item instead.
func (d *Dispatcher) dispatch(ctx context.Context, due evaluator.Due) (outcome, error) {
	it := due.Item
	log := d.log.With().
		Str("group", due.GroupID).
		Str("item", it.ID).
		Str("date", due.Date.String()).
		Logger()

	claimed, err := d.cache.Claim(ctx, it.ID, due.Date)
	if err != nil {
		log.Warn().Err(err).Msg("dispatch claim unavailable, continuing without it")
		claimed = true
	}
	if !claimed {
		log.Debug().Msg("occurrence claimed by another worker")
		return outcomeSkipped, nil
	}

	text := FormatReminder(it)
	remoteID, attempts, sendErr := d.sendWithRetry(ctx, due.ChatID, text, log)

	d.setState(StateRecording)

	if sendErr != nil && ctx.Err() != nil {
		return outcomeFailed, ctx.Err()
	}

	switch {
	case sendErr == nil:
		marked, err := d.repo.MarkFired(ctx, it.ID, due.Date)
		if err != nil {
			// Delivered but unmarked: the next tick may send it again.
			return outcomeSent, fmt.Errorf("mark fired %s: %w", it.ID, err)
		}
		if !marked {
			log.Warn().Msg("occurrence was already marked fired")
		}
		if err := d.cache.StoreSent(ctx, it.ID, remoteID, due.Date, d.now()); err != nil {
			log.Warn().Err(err).Msg("failed to store sent record")
		}
		log.Info().Str("remote_id", remoteID).Int("attempts", attempts).Msg("reminder sent")
		return outcomeSent, nil

	case client.IsPermanent(sendErr):
		reason := sendErr.Error()
		changed, err := d.repo.CancelItem(ctx, it.ID, reason)
		if err != nil {
			return outcomeCancelled, fmt.Errorf("cancel item %s: %w", it.ID, err)
		}
		log.Warn().Err(sendErr).Msg("recipient unreachable, item cancelled")
		if changed {
			d.reporter.ItemCancelled(ctx, CancelledItem{
				GroupID:  due.GroupID,
				ChatID:   due.ChatID,
				ItemID:   it.ID,
				Medicine: it.Medicine,
				Reason:   reason,
				At:       d.now(),
			})
		}
		return outcomeCancelled, nil

	default:
		if err := d.repo.RecordFailure(ctx, it.ID, sendErr.Error()); err != nil {
			return outcomeFailed, fmt.Errorf("record failure %s: %w", it.ID, err)
		}
		if err := d.cache.Release(ctx, it.ID, due.Date); err != nil {
			log.Warn().Err(err).Msg("failed to release dispatch claim")
		}
		log.Warn().Err(sendErr).Int("attempts", attempts).Msg("reminder not delivered, will retry next tick")
		return outcomeFailed, nil
	}
}

// sendWithRetry makes one logical send: the first attempt plus up to
// MaxRetries retries on transient errors, each bounded by SendTimeout.
func (d *Dispatcher) sendWithRetry(ctx context.Context, chatID, text string, log zerolog.Logger) (string, int, error) {
	maxAttempts := 1 + d.policy.MaxRetries
	for attempt := 1; ; attempt++ {
		actx := ctx
		cancel := func() {}
		if d.policy.SendTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, d.policy.SendTimeout)
		}
		remoteID, err := d.sender.Send(actx, chatID, text)
		cancel()

		if err == nil {
			return remoteID, attempt, nil
		}
		if client.IsPermanent(err) || attempt >= maxAttempts || ctx.Err() != nil {
			return "", attempt, err
		}

		delay := d.policy.Delay(attempt)
		log.Debug().Err(err).Int("attempt", attempt).Dur("backoff", delay).Msg("send failed, retrying")
		if err := d.sleep(ctx, delay); err != nil {
			return "", attempt, client.Transient(err)
		}
	}
}

// since is the previous evaluation instant when it is recent enough to
// bridge, or the zero time.
func (d *Dispatcher) since(now time.Time) time.Time {
	if d.lastEval.IsZero() || d.maxGap <= 0 || now.Sub(d.lastEval) > d.maxGap {
		return time.Time{}
	}
	return d.lastEval
}

func (d *Dispatcher) setState(s CycleState) {
	d.state.Store(int32(s))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
