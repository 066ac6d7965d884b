package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/LeventeLantos/medication-reminders/internal/client"
)

// CancelledItem describes an item cancelled because its recipient can no
// longer be reached.
type CancelledItem struct {
	GroupID  string
	ChatID   string
	ItemID   string
	Medicine string
	Reason   string
	At       time.Time
}

// Reporter receives operator-visible events. Implementations must not
// block for long; they run inside dispatch and sweep cycles.
type Reporter interface {
	ItemCancelled(ctx context.Context, c CancelledItem)
	SweepCompleted(ctx context.Context, r SweepReport)
}

type NopReporter struct{}

func (NopReporter) ItemCancelled(context.Context, CancelledItem) {}
func (NopReporter) SweepCompleted(context.Context, SweepReport)  {}

type LogReporter struct {
	log zerolog.Logger
}

func NewLogReporter(l zerolog.Logger) LogReporter {
	return LogReporter{log: l}
}

func (r LogReporter) ItemCancelled(_ context.Context, c CancelledItem) {
	r.log.Warn().
		Str("group", c.GroupID).
		Str("chat", c.ChatID).
		Str("item", c.ItemID).
		Str("medicine", c.Medicine).
		Str("reason", c.Reason).
		Msg("reminder cancelled: recipient unreachable")
}

func (r LogReporter) SweepCompleted(_ context.Context, rep SweepReport) {
	ev := r.log.Info()
	if len(rep.Expired) == 0 {
		ev = r.log.Debug()
	}
	ev.Int("expired", len(rep.Expired)).
		Interface("counts", rep.Counts).
		Msg("sweep completed")
}

// OperatorChatReporter forwards events to an operator chat through the
// same transport used for reminders.
type OperatorChatReporter struct {
	sender  client.Sender
	chatID  string
	timeout time.Duration
	log     zerolog.Logger
}

func NewOperatorChatReporter(sender client.Sender, chatID string, timeout time.Duration, l zerolog.Logger) *OperatorChatReporter {
	return &OperatorChatReporter{sender: sender, chatID: chatID, timeout: timeout, log: l}
}

func (r *OperatorChatReporter) ItemCancelled(ctx context.Context, c CancelledItem) {
	r.send(ctx, formatCancelled(c))
}

func (r *OperatorChatReporter) SweepCompleted(ctx context.Context, rep SweepReport) {
	if len(rep.Expired) == 0 {
		return
	}
	r.send(ctx, formatSweep(rep))
}

func (r *OperatorChatReporter) send(ctx context.Context, text string) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	if _, err := r.sender.Send(ctx, r.chatID, text); err != nil {
		r.log.Warn().Err(err).Msg("operator report not delivered")
	}
}

// MultiReporter fans events out in order.
type MultiReporter []Reporter

func (m MultiReporter) ItemCancelled(ctx context.Context, c CancelledItem) {
	for _, r := range m {
		r.ItemCancelled(ctx, c)
	}
}

func (m MultiReporter) SweepCompleted(ctx context.Context, rep SweepReport) {
	for _, r := range m {
		r.SweepCompleted(ctx, rep)
	}
}
