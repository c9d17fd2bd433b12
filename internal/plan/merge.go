package plan

import (
	"sort"
	"time"
)

// Merge reconciles a freshly normalized candidate with the previously stored
// plan for the same date. Items the user acted on, and items scheduled at or
// before now, are kept exactly as stored. The rest of the day is taken from the
// candidate, carrying over any snooze for a slot with the same id.
//
// now is supplied by the caller; Merge never reads the wall clock.
func Merge(candidate, previous *DailyPlan, now time.Time, loc *time.Location) (*DailyPlan, bool) {
	if candidate == nil {
		return nil, false
	}
	if previous == nil || previous.Date != candidate.Date {
		return Normalize(candidate, candidate.Date, loc, NormalizeOptions{})
	}

	out := candidate.Clone()
	out.CreatedAt = previous.CreatedAt
	if out.CreatedAt.IsZero() {
		out.CreatedAt = candidate.CreatedAt
	}

	keptIDs := make(map[string]struct{})
	keptSlots := make(map[string]struct{})
	snoozes := make(map[string]*time.Time)
	items := make([]Item, 0, len(previous.Items)+len(candidate.Items))

	for _, it := range previous.Items {
		if it.ActedUpon() || !it.ScheduledAt.After(now) {
			items = append(items, it.clone())
			keptIDs[it.ID] = struct{}{}
			keptSlots[it.Time] = struct{}{}
			continue
		}
		if it.SnoozedUntil != nil {
			snoozes[it.ID] = copyTime(it.SnoozedUntil)
		}
	}

	for _, it := range candidate.Items {
		if !it.ScheduledAt.After(now) {
			continue
		}
		if _, ok := keptIDs[it.ID]; ok {
			continue
		}
		if _, ok := keptSlots[it.Time]; ok {
			continue
		}
		if snooze, ok := snoozes[it.ID]; ok && it.SnoozedUntil == nil {
			it.SnoozedUntil = snooze
		}
		items = append(items, it.clone())
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Time < items[j].Time
	})
	out.Items = items

	return Normalize(out, out.Date, loc, NormalizeOptions{})
}
