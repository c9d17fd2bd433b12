package planner

import (
	"context"
	"fmt"
	"time"

	"wellness-planner/internal/clock"
	"wellness-planner/internal/plan"
	"wellness-planner/internal/profile"
	"wellness-planner/internal/shared"
)

// OfflineGenerator builds a template plan from the profile alone. It needs no
// network, so it always succeeds for a valid profile, but its plans are never
// authoritative and are only shown as a fallback.
type OfflineGenerator struct{}

func (OfflineGenerator) Name() string {
	return "Offline"
}

// Generate lays out meals, hydration, a workout, work breaks and the
// evening wind-down from the profile.
func (OfflineGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	day, err := time.Parse(clock.DateKeyLayout, req.Date)
	if err != nil {
		return Result{}, fmt.Errorf("invalid date %q: %w", req.Date, err)
	}
	prof := req.Profile

	var items []plan.Item
	add := func(at string, typ plan.ItemType, title, desc string) {
		if at == "" {
			return
		}
		items = append(items, plan.Item{Time: at, Type: typ, Title: title, Description: desc})
	}

	wake := minutesOf(prof.WakeTime, 7*60)
	sleep := minutesOf(prof.SleepTime, 23*60)

	if prof.WeighInOn(day.Weekday()) {
		add(hhmm(wake+15), plan.ItemWeightCheck, "Weigh in", "Before breakfast, same scale as last time.")
	}
	for _, m := range prof.Meals {
		add(m.Time, plan.ItemMeal, m.Name, "")
	}
	if prof.HydrationIntervalMinutes > 0 {
		for t := wake + prof.HydrationIntervalMinutes; t < sleep-60; t += prof.HydrationIntervalMinutes {
			add(hhmm(t), plan.ItemHydration, "Drink a glass of water", "")
		}
	}
	if prof.WorkStart != "" && prof.WorkEnd != "" {
		midday := (minutesOf(prof.WorkStart, 9*60) + minutesOf(prof.WorkEnd, 18*60)) / 2
		add(hhmm(midday-90), plan.ItemWorkBreak, "Stretch break", "Stand up and move for five minutes.")
		add(hhmm(midday+120), plan.ItemWorkBreak, "Walk break", "A short walk away from the screen.")
	}
	if prof.WorkoutTime != "" {
		add(prof.WorkoutTime, plan.ItemWorkout, "Workout", workoutDescription(prof))
	}
	add(hhmm(sleep-60), plan.ItemWrapUp, "Wrap up the day", "Review what went well and prepare for tomorrow.")
	add(hhmm(sleep), plan.ItemSleep, "Lights out", "")

	return Result{
		Plan: &plan.DailyPlan{
			Date:        req.Date,
			Summary:     "A simple routine built from your profile while the planner is unavailable.",
			Source:      plan.SourceOffline,
			Items:       items,
			GeneratedAt: start,
		},
		Meta: shared.AgentMeta{AgentName: "Offline", Tier: TierOffline, Latency: time.Since(start)},
	}, nil
}

func workoutDescription(p profile.UserProfile) string {
	if p.WorkoutMinutes <= 0 {
		return ""
	}
	return fmt.Sprintf("About %d minutes.", p.WorkoutMinutes)
}

func minutesOf(hhmm string, def int) int {
	norm, ok := clock.ParseHHMM(hhmm)
	if !ok {
		return def
	}
	var h, m int
	fmt.Sscanf(norm, "%d:%d", &h, &m)
	return h*60 + m
}

// hhmm clamps to the same day.
func hhmm(minutes int) string {
	if minutes < 0 {
		minutes = 0
	}
	if minutes > 23*60+59 {
		minutes = 23*60 + 59
	}
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
