package plan

import "time"

// Grace is how long the last item of the day stays open after its time.
const Grace = 10 * time.Minute

// InferMissed marks the items of today's plan whose active window has closed.
// An item's window runs from its scheduled instant to the next later item's,
// or to its own instant plus Grace when it is last. Skipped items are missed
// as soon as they are seen. Completed items are never touched, and a missedAt
// recorded earlier is kept. Plans for any day other than today are returned unchanged.
func InferMissed(p *DailyPlan, now time.Time, today string) (*DailyPlan, bool) {
	if p == nil || p.Date != today {
		return p, false
	}

	out := p.Clone()
	changed := false
	for i := range out.Items {
		it := &out.Items[i]
		if it.Completed || it.Missed {
			continue
		}
		if it.Skipped || !now.Before(windowEnd(out.Items, i)) {
			it.Missed = true
			if it.MissedAt == nil {
				it.MissedAt = timePtr(now)
			}
			changed = true
		}
	}

	if !changed {
		return p, false
	}
	return out, true
}

// SweepDay closes out a finished day: every open item becomes missed at at.
func SweepDay(p *DailyPlan, at time.Time) (*DailyPlan, bool) {
	if p == nil {
		return p, false
	}

	out := p.Clone()
	changed := false
	for i := range out.Items {
		it := &out.Items[i]
		if it.Completed || it.Missed {
			continue
		}
		it.Missed = true
		if it.MissedAt == nil {
			it.MissedAt = timePtr(at)
		}
		changed = true
	}

	if !changed {
		return p, false
	}
	return out, true
}

// windowEnd assumes items are sorted by time.
func windowEnd(items []Item, i int) time.Time {
	start := items[i].ScheduledAt
	for j := i + 1; j < len(items); j++ {
		if items[j].ScheduledAt.After(start) {
			return items[j].ScheduledAt
		}
	}
	return start.Add(Grace)
}
