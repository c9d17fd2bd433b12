package plan

import (
	"errors"
	"time"
)

// ItemType classifies a plan item.
type ItemType string

const (
	ItemMeal        ItemType = "meal"
	ItemWorkout     ItemType = "workout"
	ItemHydration   ItemType = "hydration"
	ItemSleep       ItemType = "sleep"
	ItemWorkBreak   ItemType = "work_break"
	ItemWrapUp      ItemType = "wrap_up"
	ItemWeightCheck ItemType = "weight_check"
	ItemGeneric     ItemType = "generic"
)

// ParseItemType maps unknown types to ItemGeneric.
func ParseItemType(s string) ItemType {
	switch t := ItemType(s); t {
	case ItemMeal, ItemWorkout, ItemHydration, ItemSleep, ItemWorkBreak,
		ItemWrapUp, ItemWeightCheck, ItemGeneric:
		return t
	default:
		return ItemGeneric
	}
}

// Source records which generation path produced a plan.
type Source string

const (
	SourceCloud      Source = "cloud"
	SourceCloudRetry Source = "cloud_retry"
	SourceOffline    Source = "offline"
	SourceTemporary  Source = "temporary"
)

// Authoritative reports whether a plan from this source may be persisted.
func (s Source) Authoritative() bool {
	return s == SourceCloud || s == SourceCloudRetry
}

// ErrNonAuthoritative is returned by plan stores asked to persist an offline
// or temporary plan.
var ErrNonAuthoritative = errors.New("plan source is not authoritative")

// Item is a single actionable entry of a daily plan.
type Item struct {
	ID           string     `json:"id"`
	Time         string     `json:"time"`
	ScheduledAt  time.Time  `json:"scheduled_at"`
	Type         ItemType   `json:"type"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Completed    bool       `json:"completed"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Skipped      bool       `json:"skipped"`
	SkippedAt    *time.Time `json:"skipped_at,omitempty"`
	Missed       bool       `json:"missed"`
	MissedAt     *time.Time `json:"missed_at,omitempty"`
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`
}

// ActedUpon reports whether the user has completed or skipped the item.
func (it Item) ActedUpon() bool {
	return it.Completed || it.Skipped
}

// Open reports whether the item still awaits the user.
func (it Item) Open() bool {
	return !it.Completed && !it.Skipped && !it.Missed
}

// ReminderAt is the instant a reminder for the item should fire.
func (it Item) ReminderAt() time.Time {
	if it.SnoozedUntil != nil {
		return *it.SnoozedUntil
	}
	return it.ScheduledAt
}

// DailyPlan is the schedule for exactly one calendar day.
type DailyPlan struct {
	Date                  string    `json:"date"`
	Items                 []Item    `json:"items"`
	Summary               string    `json:"summary,omitempty"`
	Source                Source    `json:"source"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
	GeneratedAt           time.Time `json:"generated_at"`
	TimezoneOffsetMinutes int       `json:"timezone_offset_minutes"`
	IsTemporary           bool      `json:"is_temporary"`
}

// Clone returns a deep copy of p.
func (p *DailyPlan) Clone() *DailyPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Items = make([]Item, len(p.Items))
	for i, it := range p.Items {
		out.Items[i] = it.clone()
	}
	return &out
}

// Find returns the index of the item with id, or -1.
func (p *DailyPlan) Find(id string) int {
	for i := range p.Items {
		if p.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// Progress returns the number of completed items and the total.
func (p *DailyPlan) Progress() (done, total int) {
	for _, it := range p.Items {
		if it.Completed {
			done++
		}
	}
	return done, len(p.Items)
}

func (it Item) clone() Item {
	out := it
	out.CompletedAt = copyTime(it.CompletedAt)
	out.SkippedAt = copyTime(it.SkippedAt)
	out.MissedAt = copyTime(it.MissedAt)
	out.SnoozedUntil = copyTime(it.SnoozedUntil)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time {
	return &t
}
