package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/LeventeLantos/medication-reminders/internal/model"
)

var ErrNotFound = errors.New("schedule group not found")

// UnavailableError reports that the persistence layer could not serve a call.
// The dispatch cycle treats it as fatal for the current tick only.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

func unavailable(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// ScheduleRepository is the Schedule Store. It holds no policy: validation
// lives in the registry, due/expiry decisions in the evaluator and sweeper.
// Every mutation is a single conditional per-item update.
type ScheduleRepository interface {
	// CreateGroup persists the group and all its items atomically.
	CreateGroup(ctx context.Context, g model.ScheduleGroup) error
	GetGroup(ctx context.Context, groupID string) (model.ScheduleGroup, error)
	// ListGroupsByChat returns the chat's groups newest first.
	ListGroupsByChat(ctx context.Context, chatID string) ([]model.ScheduleGroup, error)
	// ListActiveGroups returns groups holding at least one active item, with
	// only their active items, oldest group first and items in position order.
	ListActiveGroups(ctx context.Context) ([]model.ScheduleGroup, error)

	// CancelGroup moves every active item of the group to cancelled and
	// returns how many items changed. Unknown groups yield ErrNotFound.
	CancelGroup(ctx context.Context, groupID, reason string) (int, error)
	CancelItem(ctx context.Context, itemID, reason string) (bool, error)
	ExpireItem(ctx context.Context, itemID string) (bool, error)

	// MarkFired sets last_fired_date to date unless it already equals date.
	// It reports false when another caller marked the same date first.
	MarkFired(ctx context.Context, itemID string, date model.Date) (bool, error)
	RecordFailure(ctx context.Context, itemID, reason string) error

	CountItemsByState(ctx context.Context) (map[model.State]int, error)
}

const (
	reasonExpired = "duration elapsed"
)
