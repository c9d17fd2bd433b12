package plan

import (
	"errors"
	"time"
)

// ErrItemNotFound is returned when an action names an unknown item id.
var ErrItemNotFound = errors.New("plan item not found")

// Action is a user-driven change to a single item.
type Action string

const (
	ActionComplete   Action = "complete"
	ActionSkip       Action = "skip"
	ActionUncomplete Action = "uncomplete"
	ActionSnooze     Action = "snooze"
)

// Apply performs action on the item with id and returns the updated copy.
// until is only used by ActionSnooze.
func Apply(p *DailyPlan, id string, action Action, at, until time.Time) (*DailyPlan, error) {
	switch action {
	case ActionComplete:
		return Complete(p, id, at)
	case ActionSkip:
		return Skip(p, id, at)
	case ActionUncomplete:
		return Uncomplete(p, id)
	case ActionSnooze:
		return Snooze(p, id, until)
	default:
		return nil, errors.New("unknown plan action: " + string(action))
	}
}

// Complete marks an item done. Any missed state is cleared; missedAt stays.
func Complete(p *DailyPlan, id string, at time.Time) (*DailyPlan, error) {
	return update(p, id, func(it *Item) {
		it.Completed = true
		it.CompletedAt = timePtr(at)
		it.Missed = false
		it.Skipped = false
		it.SkippedAt = nil
	})
}

// Skip marks an item as deliberately not done.
func Skip(p *DailyPlan, id string, at time.Time) (*DailyPlan, error) {
	return update(p, id, func(it *Item) {
		if it.Completed {
			return
		}
		it.Skipped = true
		it.SkippedAt = timePtr(at)
	})
}

// Uncomplete reverts a completion or a skip. The item is reopened and the
// missed-state inferencer decides its fate on the next pass.
func Uncomplete(p *DailyPlan, id string) (*DailyPlan, error) {
	return update(p, id, func(it *Item) {
		it.Completed = false
		it.CompletedAt = nil
		it.Skipped = false
		it.SkippedAt = nil
		it.Missed = false
	})
}

// Snooze moves the reminder for an item without changing its time.
func Snooze(p *DailyPlan, id string, until time.Time) (*DailyPlan, error) {
	return update(p, id, func(it *Item) {
		it.SnoozedUntil = timePtr(until)
	})
}

func update(p *DailyPlan, id string, fn func(*Item)) (*DailyPlan, error) {
	if p == nil {
		return nil, ErrItemNotFound
	}
	idx := p.Find(id)
	if idx < 0 {
		return nil, ErrItemNotFound
	}
	out := p.Clone()
	fn(&out.Items[idx])
	return out, nil
}
