package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/LeventeLantos/medication-reminders/internal/client"
	"github.com/LeventeLantos/medication-reminders/internal/evaluator"
	"github.com/LeventeLantos/medication-reminders/internal/model"
	"github.com/LeventeLantos/medication-reminders/internal/repo"
	"github.com/LeventeLantos/medication-reminders/internal/service"
)

func at(day, hour, min int) time.Time {
	return time.Date(2026, time.October, day, hour, min, 0, 0, time.UTC)
}

type sendCall struct {
	ChatID string
	Text   string
}

// fakeSender returns the scripted errors in order, then succeeds.
type fakeSender struct {
	mu     sync.Mutex
	script []error
	calls  []sendCall
	onSend func()
}

func (f *fakeSender) Send(ctx context.Context, chatID, text string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{ChatID: chatID, Text: text})
	n := len(f.calls)
	var err error
	if len(f.script) > 0 {
		err, f.script = f.script[0], f.script[1:]
	}
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("remote-%d", n), nil
}

func (f *fakeSender) Calls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.calls...)
}

type recordingReporter struct {
	mu        sync.Mutex
	cancelled []service.CancelledItem
	sweeps    []service.SweepReport
}

func (r *recordingReporter) ItemCancelled(_ context.Context, c service.CancelledItem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, c)
}

func (r *recordingReporter) SweepCompleted(_ context.Context, rep service.SweepReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweeps = append(r.sweeps, rep)
}

type harness struct {
	store    *repo.MemoryRepo
	sender   *fakeSender
	reporter *recordingReporter
	sleeps   []time.Duration
	now      time.Time
	disp     *service.Dispatcher
}

func newHarness(t *testing.T, tolerance time.Duration, policy service.RetryPolicy) *harness {
	t.Helper()

	h := &harness{
		store:    repo.NewMemoryRepo(),
		sender:   &fakeSender{},
		reporter: &recordingReporter{},
	}
	eval, err := evaluator.New(tolerance, 0, time.UTC)
	if err != nil {
		t.Fatalf("evaluator.New: %v", err)
	}
	h.disp = service.NewDispatcher(h.store, eval, h.sender, policy,
		service.WithClock(func() time.Time { return h.now }),
		service.WithSleep(func(ctx context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
		service.WithReporter(h.reporter),
	)
	return h
}

func (h *harness) addGroup(t *testing.T, id, chatID string, createdAt time.Time, items ...model.ScheduleItem) {
	t.Helper()
	for i := range items {
		items[i].GroupID = id
		items[i].Position = i
		items[i].State = model.Active
		if items[i].ID == "" {
			items[i].ID = fmt.Sprintf("%s-%d", id, i)
		}
	}
	g := model.ScheduleGroup{ID: id, ChatID: chatID, CreatedAt: createdAt, Items: items}
	if err := h.store.CreateGroup(context.Background(), g); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
}

func (h *harness) item(t *testing.T, groupID string, pos int) model.ScheduleItem {
	t.Helper()
	g, err := h.store.GetGroup(context.Background(), groupID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	return g.Items[pos]
}

func (h *harness) runAt(now time.Time) service.CycleResult {
	h.now = now
	return h.disp.RunCycle(context.Background())
}

func med(name string, hh, mm, days int) model.ScheduleItem {
	return model.ScheduleItem{
		Medicine:     name,
		TimeOfDay:    model.TimeOfDay{Hour: hh, Minute: mm},
		DurationDays: days,
	}
}

var (
	errGateway = client.Transient(errors.New("502 bad gateway"))
	errBlocked = client.Permanent(errors.New("Forbidden: bot was blocked by the user"))
)
