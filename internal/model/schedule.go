package model

import (
	"time"
)

type State string

const (
	Active    State = "active"
	Expired   State = "expired"
	Cancelled State = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == Expired || s == Cancelled
}

func (s State) Valid() bool {
	switch s {
	case Active, Expired, Cancelled:
		return true
	}
	return false
}

// ScheduleItem is one medicine/time pairing inside a group.
type ScheduleItem struct {
	ID            string    `json:"id"`
	GroupID       string    `json:"groupId"`
	Position      int       `json:"position"`
	Medicine      string    `json:"medicine"`
	Dosage        string    `json:"dosage,omitempty"`
	TimeOfDay     TimeOfDay `json:"time"`
	DurationDays  int       `json:"durationDays"`
	LastFiredDate *Date     `json:"lastFiredDate"`
	State         State     `json:"state"`
	StateReason   *string   `json:"stateReason,omitempty"`
	FailureCount  int       `json:"failureCount"`
	LastError     *string   `json:"lastError,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ElapsedDays returns the number of calendar days between the group's
// creation date and d. Day 0 is the creation date itself.
func ElapsedDays(created, d Date) int {
	return d.DaysSince(created)
}

// ActiveOn reports whether d falls inside the item's duration window.
func (it ScheduleItem) ActiveOn(created, d Date) bool {
	n := ElapsedDays(created, d)
	return n >= 0 && n < it.DurationDays
}

// ElapsedOn reports whether the item's duration is used up on d.
func (it ScheduleItem) ElapsedOn(created, d Date) bool {
	return ElapsedDays(created, d) >= it.DurationDays
}

func (it ScheduleItem) FiredOn(d Date) bool {
	return it.LastFiredDate != nil && *it.LastFiredDate == d
}

// ScheduleGroup is one creation request for one chat.
type ScheduleGroup struct {
	ID        string         `json:"id"`
	ChatID    string         `json:"chatId"`
	CreatedAt time.Time      `json:"createdAt"`
	Items     []ScheduleItem `json:"items"`
}

// CreatedDate is the calendar date of CreatedAt in loc.
func (g ScheduleGroup) CreatedDate(loc *time.Location) Date {
	if loc == nil {
		loc = time.Local
	}
	return DateOf(g.CreatedAt.In(loc))
}

// Terminal reports whether every item of the group is expired or cancelled.
func (g ScheduleGroup) Terminal() bool {
	for _, it := range g.Items {
		if !it.State.Terminal() {
			return false
		}
	}
	return true
}

// ActiveItems returns the items still in the Active state, in position order.
func (g ScheduleGroup) ActiveItems() []ScheduleItem {
	out := make([]ScheduleItem, 0, len(g.Items))
	for _, it := range g.Items {
		if it.State == Active {
			out = append(out, it)
		}
	}
	return out
}
