package planner

import (
	"context"

	"wellness-planner/internal/plan"
	"wellness-planner/internal/profile"
	"wellness-planner/internal/shared"
)

// Tier names used in logs, metrics and errors.
const (
	TierImmediate = "immediate"
	TierUpgrade   = "upgrade"
	TierRetry     = "retry"
	TierRefine    = "refine"
	TierOffline   = "offline"
)

// DaySummary condenses a previous day for the generator.
type DaySummary struct {
	Date      string
	Completed int
	Skipped   int
	Missed    int
	Total     int
}

// Request carries the inputs shared by every generator.
type Request struct {
	Date    string
	Profile profile.UserProfile
	History []DaySummary
	Notes   string
}

// Result is a raw generated plan plus execution metadata. The plan is not yet
// normalized; the orchestrator does that.
type Result struct {
	Plan *plan.DailyPlan
	Meta shared.AgentMeta
}

// Generator produces a plan for a date.
type Generator interface {
	Name() string
	Generate(ctx context.Context, req Request) (Result, error)
}

// Refiner reworks an existing plan from free-text feedback.
type Refiner interface {
	Refine(ctx context.Context, req Request, current *plan.DailyPlan, feedback string) (Result, error)
}

func summarize(p *plan.DailyPlan) DaySummary {
	s := DaySummary{Date: p.Date, Total: len(p.Items)}
	for _, it := range p.Items {
		switch {
		case it.Completed:
			s.Completed++
		case it.Skipped:
			s.Skipped++
		case it.Missed:
			s.Missed++
		}
	}
	return s
}
