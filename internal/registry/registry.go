// Package registry validates and records schedule groups and handles
// cancellation and listing on behalf of callers.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/LeventeLantos/medication-reminders/internal/model"
	"github.com/LeventeLantos/medication-reminders/internal/repo"
)

const CancelReason = "cancelled by request"

// Length caps in characters. They keep a rendered reminder well inside
// Telegram's 4096 character message limit.
const (
	MaxMedicineLen = 200
	MaxDosageLen   = 200
)

// ItemRequest is one medicine entry. DurationDays is already a day count;
// free-text durations are normalized by the caller.
type ItemRequest struct {
	Medicine     string
	Dosage       string
	Time         string
	DurationDays int
}

type CreateRequest struct {
	ChatID string
	Items  []ItemRequest
}

type Registry struct {
	repo  repo.ScheduleRepository
	now   func() time.Time
	newID func() (string, error)
	log   zerolog.Logger
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithIDGenerator(f func() (string, error)) Option {
	return func(r *Registry) { r.newID = f }
}

func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

func New(store repo.ScheduleRepository, opts ...Option) *Registry {
	r := &Registry{
		repo:  store,
		now:   time.Now,
		newID: newUUIDv7,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// newUUIDv7 gives ids whose lexical order follows creation order.
func newUUIDv7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Create validates req and persists a new group with every item Active.
// Nothing is written when validation fails.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (string, error) {
	g, err := r.build(req)
	if err != nil {
		return "", err
	}

	if err := r.repo.CreateGroup(ctx, g); err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}

	r.log.Info().
		Str("group", g.ID).
		Str("chat", g.ChatID).
		Int("items", len(g.Items)).
		Msg("schedule group created")
	return g.ID, nil
}

func (r *Registry) build(req CreateRequest) (model.ScheduleGroup, error) {
	var verr ValidationError

	chatID := strings.TrimSpace(req.ChatID)
	if chatID == "" {
		verr.add("chatId", "must not be empty")
	}
	if len(req.Items) == 0 {
		verr.add("schedules", "must contain at least one entry")
	}

	now := r.now()
	items := make([]model.ScheduleItem, 0, len(req.Items))
	for i, in := range req.Items {
		field := func(name string) string { return fmt.Sprintf("schedules[%d].%s", i, name) }

		medicine := strings.TrimSpace(in.Medicine)
		if medicine == "" {
			verr.add(field("medicine"), "must not be empty")
		} else if utf8.RuneCountInString(medicine) > MaxMedicineLen {
			verr.add(field("medicine"), fmt.Sprintf("must be at most %d characters", MaxMedicineLen))
		}
		dosage := strings.TrimSpace(in.Dosage)
		if utf8.RuneCountInString(dosage) > MaxDosageLen {
			verr.add(field("dosage"), fmt.Sprintf("must be at most %d characters", MaxDosageLen))
		}
		tod, err := model.ParseTimeOfDay(in.Time)
		if err != nil {
			verr.add(field("time"), "must be HH:MM")
		}
		if in.DurationDays < 1 {
			verr.add(field("duration"), "must be at least 1 day")
		}

		items = append(items, model.ScheduleItem{
			Position:     i,
			Medicine:     medicine,
			Dosage:       dosage,
			TimeOfDay:    tod,
			DurationDays: in.DurationDays,
			State:        model.Active,
			UpdatedAt:    now,
		})
	}

	if verr.HasErrors() {
		return model.ScheduleGroup{}, &verr
	}

	groupID, err := r.newID()
	if err != nil {
		return model.ScheduleGroup{}, fmt.Errorf("group id: %w", err)
	}
	for i := range items {
		id, err := r.newID()
		if err != nil {
			return model.ScheduleGroup{}, fmt.Errorf("item id: %w", err)
		}
		items[i].ID = id
		items[i].GroupID = groupID
	}

	return model.ScheduleGroup{
		ID:        groupID,
		ChatID:    chatID,
		CreatedAt: now,
		Items:     items,
	}, nil
}

// Cancel moves every active item of the group to Cancelled and returns the
// resulting group. Cancelling a group with no active items is a no-op.
func (r *Registry) Cancel(ctx context.Context, groupID string) (model.ScheduleGroup, error) {
	n, err := r.repo.CancelGroup(ctx, groupID, CancelReason)
	if err != nil {
		return model.ScheduleGroup{}, fmt.Errorf("cancel group %s: %w", groupID, err)
	}
	if n > 0 {
		r.log.Info().Str("group", groupID).Int("items", n).Msg("schedule group cancelled")
	}

	g, err := r.repo.GetGroup(ctx, groupID)
	if err != nil {
		return model.ScheduleGroup{}, fmt.Errorf("get group %s: %w", groupID, err)
	}
	return g, nil
}

// List returns the chat's groups, newest first.
func (r *Registry) List(ctx context.Context, chatID string) ([]model.ScheduleGroup, error) {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return nil, &ValidationError{Fields: []FieldError{{Field: "chatId", Message: "must not be empty"}}}
	}
	groups, err := r.repo.ListGroupsByChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

func (r *Registry) Get(ctx context.Context, groupID string) (model.ScheduleGroup, error) {
	g, err := r.repo.GetGroup(ctx, groupID)
	if err != nil {
		return model.ScheduleGroup{}, fmt.Errorf("get group %s: %w", groupID, err)
	}
	return g, nil
}
