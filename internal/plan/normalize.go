package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"wellness-planner/internal/clock"
)

// NormalizeOptions tunes Normalize.
type NormalizeOptions struct {
	// ForceDate re-homes a plan whose Date differs from the target key.
	ForceDate bool
}

// ItemID derives the stable identity of an item from its slot.
func ItemID(date, hhmm string, typ ItemType, title string, position int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d", date, hhmm, typ, strings.TrimSpace(title), position)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Normalize validates and canonicalizes a raw plan for dateKey.
// It returns false when the plan must be treated as absent: a non-authoritative
// source, or a date that disagrees with dateKey without ForceDate.
// Items with an unparsable time are dropped.
func Normalize(raw *DailyPlan, dateKey string, loc *time.Location, opts NormalizeOptions) (*DailyPlan, bool) {
	if raw == nil || !raw.Source.Authoritative() {
		return nil, false
	}
	return Canonicalize(raw, dateKey, loc, opts)
}

// Canonicalize applies the structural part of Normalize without the source
// check. It is meant for plans that are shown but never stored, such as the
// offline fallback.
func Canonicalize(raw *DailyPlan, dateKey string, loc *time.Location, opts NormalizeOptions) (*DailyPlan, bool) {
	if raw == nil || !clock.ValidDateKey(dateKey) {
		return nil, false
	}

	out := raw.Clone()
	if out.Date == "" || opts.ForceDate {
		out.Date = dateKey
	}
	if out.Date != dateKey {
		return nil, false
	}

	items := make([]Item, 0, len(out.Items))
	for pos, it := range out.Items {
		hhmm, ok := clock.ParseHHMM(strings.TrimSpace(it.Time))
		if !ok {
			continue
		}
		scheduled, ok := clock.Combine(dateKey, hhmm, loc)
		if !ok {
			continue
		}
		// An item already pinned to this slot keeps its instant, even when
		// the zone has moved since it was stored.
		if sameSlot(it.ScheduledAt, dateKey, hhmm) {
			scheduled = it.ScheduledAt
		}

		it.Time = hhmm
		it.ScheduledAt = scheduled
		it.Type = ParseItemType(string(it.Type))
		if strings.TrimSpace(it.ID) == "" {
			it.ID = ItemID(dateKey, hhmm, it.Type, it.Title, pos)
		}

		stamp := out.UpdatedAt
		if stamp.IsZero() {
			stamp = scheduled
		}
		it.CompletedAt = stateStamp(it.Completed, it.CompletedAt, stamp)
		it.SkippedAt = stateStamp(it.Skipped, it.SkippedAt, stamp)
		if it.Completed {
			it.Missed = false
		}
		if it.Missed && it.MissedAt == nil {
			it.MissedAt = timePtr(stamp)
		}

		items = append(items, it)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Time < items[j].Time
	})
	out.Items = items

	if out.CreatedAt.IsZero() {
		out.CreatedAt = out.GeneratedAt
	}
	return out, true
}

func sameSlot(at time.Time, dateKey, hhmm string) bool {
	return !at.IsZero() && at.Format("2006-01-02") == dateKey && at.Format("15:04") == hhmm
}

func stateStamp(flag bool, at *time.Time, fallback time.Time) *time.Time {
	if !flag {
		return nil
	}
	if at != nil {
		return at
	}
	return timePtr(fallback)
}
