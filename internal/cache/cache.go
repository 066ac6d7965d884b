package cache

import (
	"context"
	"time"

	"github.com/LeventeLantos/medication-reminders/internal/model"
)

// DispatchCache coordinates dispatchers running in separate processes.
// The schedule store stays the source of truth; a claim only keeps two
// workers from sending the same occurrence at the same time.
type DispatchCache interface {
	// Claim reports whether the caller now owns (item, date).
	Claim(ctx context.Context, itemID string, date model.Date) (bool, error)
	// Release drops a claim held by the caller so a later tick can retry.
	Release(ctx context.Context, itemID string, date model.Date) error
	StoreSent(ctx context.Context, itemID, remoteID string, date model.Date, sentAt time.Time) error
}

// Nop is used when no Redis is configured: every claim succeeds.
type Nop struct{}

func (Nop) Claim(context.Context, string, model.Date) (bool, error) { return true, nil }

func (Nop) Release(context.Context, string, model.Date) error { return nil }

func (Nop) StoreSent(context.Context, string, string, model.Date, time.Time) error { return nil }
