package planner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wellness-planner/internal/clock"
	"wellness-planner/internal/events"
	"wellness-planner/internal/logger"
	"wellness-planner/internal/plan"
	"wellness-planner/internal/profile"
	"wellness-planner/internal/reminders"
	"wellness-planner/internal/shared"

	"golang.org/x/sync/singleflight"
)

const historyDays = 7

// Request kinds coalesced by coalesce. Only identical kinds share a result.
const (
	opGenerate = "generate"
	opRefine   = "refine"
	opRetry    = "retry"
)

// Store persists one plan per date key.
type Store interface {
	Get(ctx context.Context, date string) (*plan.DailyPlan, error)
	Set(ctx context.Context, date string, p *plan.DailyPlan) error
}

// EnergyLedger meters generation.
type EnergyLedger interface {
	Balance(ctx context.Context) (int, error)
	CanAfford(ctx context.Context, cost int) (bool, error)
	Charge(ctx context.Context, cost int, reason string) error
}

// ReminderScheduler arms reminders for today's plan.
type ReminderScheduler interface {
	Schedule(ctx context.Context, p *plan.DailyPlan, mode reminders.Mode) (int, error)
	Clear(t plan.ItemType)
}

// MetricsRecorder stores one row per generator execution.
type MetricsRecorder interface {
	RecordMeta(meta shared.AgentMeta, success bool) error
}

// Deps wires a Planner. Store, Clock and Immediate are required.
type Deps struct {
	Store     Store
	Clock     *clock.Clock
	Immediate Generator
	Upgrade   Generator
	Refiner   Refiner
	Offline   Generator
	Energy    EnergyLedger
	Emitter   events.Emitter
	Reminders ReminderScheduler
	Metrics   MetricsRecorder
	Logger    *logger.Logger
	Profile   profile.UserProfile
	// ReminderMode selects how many reminders are armed for today's plan.
	ReminderMode reminders.Mode
	// Cost is charged once per successful generation request.
	Cost int
	// UpgradeTimeout bounds the background upgrade tier. Defaults to two minutes.
	UpgradeTimeout time.Duration
}

// Planner runs the two-tier generation protocol and owns every write to the
// plan store: generation, refinement, user actions and missed-state updates
// all go through a per-date lock and merge-then-write.
type Planner struct {
	store          Store
	clock          *clock.Clock
	immediate      Generator
	upgrade        Generator
	refiner        Refiner
	offline        Generator
	energy         EnergyLedger
	emitter        events.Emitter
	reminders      ReminderScheduler
	metrics        MetricsRecorder
	log            *logger.Logger
	profile        profile.UserProfile
	reminderMode   reminders.Mode
	cost           int
	upgradeTimeout time.Duration

	locks dateLocks
	gens  dateLocks
	group singleflight.Group

	mu       sync.Mutex
	upgrades map[string]*upgradeRun
	swept    map[string]bool
	wg       sync.WaitGroup
}

// NewPlanner creates a Planner from its collaborators.
func NewPlanner(d Deps) (*Planner, error) {
	if d.Store == nil {
		return nil, fmt.Errorf("planner: store is required")
	}
	if d.Clock == nil {
		return nil, fmt.Errorf("planner: clock is required")
	}
	if d.Immediate == nil {
		return nil, fmt.Errorf("planner: immediate generator is required")
	}
	log := d.Logger
	if log == nil {
		log = logger.Nop()
	}
	timeout := d.UpgradeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Planner{
		store:          d.Store,
		clock:          d.Clock,
		immediate:      d.Immediate,
		upgrade:        d.Upgrade,
		refiner:        d.Refiner,
		offline:        d.Offline,
		energy:         d.Energy,
		emitter:        d.Emitter,
		reminders:      d.Reminders,
		metrics:        d.Metrics,
		log:            log.With("component", "Planner"),
		profile:        d.Profile,
		reminderMode:   d.ReminderMode,
		cost:           d.Cost,
		upgradeTimeout: timeout,
		upgrades:       make(map[string]*upgradeRun),
		swept:          make(map[string]bool),
	}, nil
}

// Outcome is the result of a generation request.
type Outcome struct {
	// Plan is the plan as written (or, for coalesced callers, as currently stored).
	Plan *plan.DailyPlan
	// Coalesced is true when the request attached to a generation already in flight.
	Coalesced bool
	// Charged is the energy debited for this request.
	Charged int

	upgrade *upgradeRun
}

type upgradeRun struct {
	done chan struct{}
	plan *plan.DailyPlan
	err  error
}

// UpgradePending reports whether a background upgrade is still running.
func (o *Outcome) UpgradePending() bool {
	if o == nil || o.upgrade == nil {
		return false
	}
	select {
	case <-o.upgrade.done:
		return false
	default:
		return true
	}
}

// WaitUpgrade blocks until the background upgrade finishes and returns the
// plan it wrote. Without an upgrade it returns Plan immediately.
func (o *Outcome) WaitUpgrade(ctx context.Context) (*plan.DailyPlan, error) {
	if o.upgrade == nil {
		return o.Plan, nil
	}
	select {
	case <-o.upgrade.done:
		if o.upgrade.err != nil {
			return nil, o.upgrade.err
		}
		return o.upgrade.plan.Clone(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GeneratePlan runs the immediate tier synchronously, writes its result and
// starts the upgrade tier in the background. A request for a date that
// already has a generation in flight attaches to it instead.
func (p *Planner) GeneratePlan(ctx context.Context, date, notes string) (*Outcome, error) {
	if !clock.ValidDateKey(date) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return p.coalesce(ctx, date, opGenerate, func(ctx context.Context) (*Outcome, error) {
		return p.generate(ctx, date, notes)
	})
}

// RetryUpgrade reruns the upgrade tier for date on demand. The result is
// stored with source cloud_retry.
func (p *Planner) RetryUpgrade(ctx context.Context, date string) (*Outcome, error) {
	if p.upgrade == nil {
		return nil, ErrUpgradeUnavailable
	}
	if !clock.ValidDateKey(date) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDate, date)
	}
	return p.coalesce(ctx, date, opRetry, func(ctx context.Context) (*Outcome, error) {
		if err := p.admit(ctx); err != nil {
			return nil, err
		}
		req := p.request(ctx, date, "")
		written, err := p.runUpgrade(ctx, date, req, TierRetry, plan.SourceCloudRetry)
		if err != nil {
			return nil, err
		}
		return &Outcome{Plan: written, Charged: p.charge(ctx, date, TierRetry)}, nil
	})
}

// RefinePlan reworks today's plan from free-text feedback. It is only
// available for today and only once today has a plan.
func (p *Planner) RefinePlan(ctx context.Context, date, feedback string) (*Outcome, error) {
	today := p.clock.Today()
	if date == "" {
		date = today
	}
	if date != today {
		return nil, ErrNotToday
	}
	if p.refiner == nil {
		return nil, ErrUpgradeUnavailable
	}
	existing, err := p.store.Get(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", date, err)
	}
	if existing == nil {
		return nil, ErrNoPlanForToday
	}

	return p.coalesce(ctx, date, opRefine, func(ctx context.Context) (*Outcome, error) {
		if err := p.admit(ctx); err != nil {
			return nil, err
		}
		current, err := p.LoadPlan(ctx, date)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, ErrNoPlanForToday
		}

		req := p.request(ctx, date, feedback)
		res, err := p.refiner.Refine(ctx, req, current, feedback)
		p.record("Refiner", TierRefine, res.Meta, err == nil)
		if err != nil {
			return nil, &GenerationError{Tier: TierRefine, Err: err}
		}

		written, err := p.commit(ctx, date, res.Plan, TierRefine, false)
		if err != nil {
			return nil, err
		}
		return &Outcome{Plan: written, Charged: p.charge(ctx, date, TierRefine)}, nil
	})
}

// LoadPlan returns the stored plan for date. Today's plan is passed through
// the missed-state inferencer first and written back when that changed it.
// A date without a plan yields (nil, nil).
func (p *Planner) LoadPlan(ctx context.Context, date string) (*plan.DailyPlan, error) {
	stored, err := p.store.Get(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", date, err)
	}
	if stored == nil {
		return nil, nil
	}

	now := p.clock.Now()
	today := p.clock.Today()
	if _, changed := plan.InferMissed(stored, now, today); !changed {
		return stored, nil
	}

	unlock := p.locks.lock(date)
	defer unlock()
	fresh, err := p.store.Get(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %s: %w", date, err)
	}
	updated, changed := plan.InferMissed(fresh, now, today)
	if !changed {
		return fresh, nil
	}
	updated.UpdatedAt = now
	if err := p.store.Set(ctx, date, updated); err != nil {
		return nil, fmt.Errorf("failed to save plan %s: %w", date, err)
	}
	if date == today {
		p.scheduleReminders(ctx, updated)
	}
	return updated, nil
}

// Today returns today's plan, closing out yesterday's first: the first call
// after a day rollover marks every item yesterday left open as missed.
func (p *Planner) Today(ctx context.Context) (*plan.DailyPlan, error) {
	today := p.clock.Today()
	p.sweepYesterday(ctx, today)
	return p.LoadPlan(ctx, today)
}

// ApplyAction records a user action on one item and reschedules reminders.
func (p *Planner) ApplyAction(ctx context.Context, date, itemID string, action plan.Action, until time.Time) (*plan.DailyPlan, error) {
	now := p.clock.Now()
	today := p.clock.Today()

	unlock := p.locks.lock(date)
	current, err := p.store.Get(ctx, date)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to load plan %s: %w", date, err)
	}
	if current == nil {
		unlock()
		return nil, ErrPlanNotFound
	}
	updated, err := plan.Apply(current, itemID, action, now, until)
	if err != nil {
		unlock()
		return nil, err
	}
	updated, _ = plan.InferMissed(updated, now, today)
	updated.UpdatedAt = now
	if err := p.store.Set(ctx, date, updated); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to save plan %s: %w", date, err)
	}
	if date == today {
		p.scheduleReminders(ctx, updated)
		p.clearFinishedTypes(updated, itemID)
	}
	unlock()

	if action == plan.ActionComplete {
		it := updated.Items[updated.Find(itemID)]
		p.emit(ctx, events.New(events.PlanItemCompleted, date, map[string]any{
			"item_id": it.ID,
			"type":    string(it.Type),
			"title":   it.Title,
		}))
	}
	return updated, nil
}

// FallbackPlan builds the offline template plan for date. It is meant to be
// shown while no authoritative plan exists and is never written.
func (p *Planner) FallbackPlan(ctx context.Context, date string) (*plan.DailyPlan, error) {
	if p.offline == nil {
		return nil, ErrUpgradeUnavailable
	}
	res, err := p.offline.Generate(ctx, p.request(ctx, date, ""))
	p.record(p.offline.Name(), TierOffline, res.Meta, err == nil)
	if err != nil {
		return nil, &GenerationError{Tier: TierOffline, Err: err}
	}
	out, ok := plan.Canonicalize(res.Plan, date, p.clock.Location(), plan.NormalizeOptions{ForceDate: true})
	if !ok {
		return nil, &GenerationError{Tier: TierOffline, Err: errors.New("unusable offline plan")}
	}
	out.IsTemporary = true
	out, _ = plan.InferMissed(out, p.clock.Now(), p.clock.Today())
	return out, nil
}

// Wait blocks until every background upgrade has finished.
func (p *Planner) Wait() {
	p.wg.Wait()
}

// coalesce runs fn as the single in-flight request of kind op for date.
// Callers of the same kind that arrive while it runs share its outcome.
// Requests of different kinds for one date run one after another, and a
// refine or retry waits for a running background upgrade before it starts.
// A generate request that finds an upgrade running attaches to it instead.
func (p *Planner) coalesce(ctx context.Context, date, op string, fn func(ctx context.Context) (*Outcome, error)) (*Outcome, error) {
	leader := false
	v, err, _ := p.group.Do(date+"/"+op, func() (interface{}, error) {
		leader = true
		detached := context.WithoutCancel(ctx)

		unlock := p.gens.lock(date)
		defer unlock()

		if run := p.runningUpgrade(date); run != nil {
			if op == opGenerate {
				current, err := p.LoadPlan(detached, date)
				if err != nil {
					return nil, err
				}
				return &Outcome{Plan: current, Coalesced: true, upgrade: run}, nil
			}
			select {
			case <-run.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return fn(detached)
	})
	if err != nil {
		return nil, err
	}

	out := *(v.(*Outcome))
	if !leader {
		out.Coalesced = true
		out.Charged = 0
	}
	out.Plan = out.Plan.Clone()
	return &out, nil
}

func (p *Planner) generate(ctx context.Context, date, notes string) (*Outcome, error) {
	if err := p.admit(ctx); err != nil {
		return nil, err
	}

	req := p.request(ctx, date, notes)
	res, err := p.immediate.Generate(ctx, req)
	p.record(p.immediate.Name(), TierImmediate, res.Meta, err == nil)
	if err != nil {
		return nil, &GenerationError{Tier: TierImmediate, Err: err}
	}

	written, err := p.commit(ctx, date, res.Plan, TierImmediate, p.upgrade != nil)
	if err != nil {
		return nil, err
	}

	out := &Outcome{Plan: written, Charged: p.charge(ctx, date, TierImmediate)}
	if p.upgrade != nil {
		out.upgrade = p.startUpgrade(date, req)
	}
	return out, nil
}

func (p *Planner) startUpgrade(date string, req Request) *upgradeRun {
	run := &upgradeRun{done: make(chan struct{})}
	p.mu.Lock()
	p.upgrades[date] = run
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.upgradeTimeout)
		defer cancel()

		run.plan, run.err = p.runUpgrade(ctx, date, req, TierUpgrade, plan.SourceCloud)

		p.mu.Lock()
		if p.upgrades[date] == run {
			delete(p.upgrades, date)
		}
		p.mu.Unlock()
		close(run.done)
	}()
	return run
}

func (p *Planner) runningUpgrade(date string) *upgradeRun {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.upgrades[date]
}

// runUpgrade failures are logged and leave the stored plan as it is.
func (p *Planner) runUpgrade(ctx context.Context, date string, req Request, tier string, source plan.Source) (*plan.DailyPlan, error) {
	res, err := p.upgrade.Generate(ctx, req)
	p.record(p.upgrade.Name(), tier, res.Meta, err == nil)
	if err != nil {
		p.log.Warn("upgrade generation failed", "date", date, "tier", tier, "error", err)
		return nil, &GenerationError{Tier: tier, Err: err}
	}
	if res.Plan != nil {
		res.Plan.Source = source
	}

	written, err := p.commit(ctx, date, res.Plan, tier, false)
	if err != nil {
		p.log.Warn("failed to apply upgraded plan", "date", date, "tier", tier, "error", err)
		return nil, err
	}
	p.log.Info("plan upgraded", "date", date, "tier", tier, "items", len(written.Items))
	return written, nil
}

// commit normalizes raw, merges it over whatever is stored for date and
// writes the result under the date lock.
func (p *Planner) commit(ctx context.Context, date string, raw *plan.DailyPlan, tier string, temporary bool) (*plan.DailyPlan, error) {
	now := p.clock.Now()
	loc := p.clock.Location()

	if raw != nil && raw.GeneratedAt.IsZero() {
		raw = raw.Clone()
		raw.GeneratedAt = now
	}
	candidate, ok := plan.Normalize(raw, date, loc, plan.NormalizeOptions{ForceDate: true})
	if !ok {
		return nil, &GenerationError{Tier: tier, Err: errors.New("generator returned an unusable plan")}
	}
	if len(candidate.Items) == 0 {
		return nil, &GenerationError{Tier: tier, Err: errors.New("generated plan has no valid items")}
	}

	unlock := p.locks.lock(date)
	previous, err := p.store.Get(ctx, date)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("failed to load plan %s: %w", date, err)
	}
	merged, ok := plan.Merge(candidate, previous, now, loc)
	if !ok {
		unlock()
		return nil, &GenerationError{Tier: tier, Err: errors.New("merged plan is invalid")}
	}

	today := p.clock.Today()
	merged, _ = plan.InferMissed(merged, now, today)
	merged.IsTemporary = temporary
	merged.UpdatedAt = now
	merged.GeneratedAt = candidate.GeneratedAt
	merged.TimezoneOffsetMinutes = p.clock.OffsetMinutes(now)

	if err := p.store.Set(ctx, date, merged); err != nil {
		unlock()
		return nil, fmt.Errorf("failed to save plan %s: %w", date, err)
	}
	if date == today {
		p.scheduleReminders(ctx, merged)
	}
	unlock()

	name := events.PlanGenerated
	if (tier == TierUpgrade || tier == TierRetry) && previous != nil && previous.IsTemporary {
		name = events.PlanUpgraded
	}
	p.emit(ctx, events.New(name, date, map[string]any{
		"source":       string(merged.Source),
		"tier":         tier,
		"items":        len(merged.Items),
		"is_temporary": merged.IsTemporary,
	}))
	p.log.Debug("plan written", "date", date, "tier", tier, "items", len(merged.Items), "temporary", merged.IsTemporary)
	return merged, nil
}

func (p *Planner) admit(ctx context.Context) error {
	if p.energy == nil || p.cost <= 0 {
		return nil
	}
	ok, err := p.energy.CanAfford(ctx, p.cost)
	if err != nil {
		return fmt.Errorf("failed to check energy: %w", err)
	}
	if ok {
		return nil
	}
	balance, err := p.energy.Balance(ctx)
	if err != nil {
		p.log.Warn("failed to read energy balance", "error", err)
	}
	return &InsufficientEnergyError{Cost: p.cost, Balance: balance}
}

// charge runs after a successful write; a failure here is logged only, the
// plan is already visible.
func (p *Planner) charge(ctx context.Context, date, tier string) int {
	if p.energy == nil || p.cost <= 0 {
		return 0
	}
	if err := p.energy.Charge(ctx, p.cost, tier+" plan "+date); err != nil {
		p.log.Warn("failed to charge energy", "date", date, "tier", tier, "error", err)
		return 0
	}
	return p.cost
}

func (p *Planner) request(ctx context.Context, date, notes string) Request {
	req := Request{Date: date, Profile: p.profile, Notes: notes}
	for i := 1; i <= historyDays; i++ {
		day, err := clock.AddDays(date, -i)
		if err != nil {
			break
		}
		past, err := p.store.Get(ctx, day)
		if err != nil {
			p.log.Warn("failed to load history", "date", day, "error", err)
			continue
		}
		if past != nil {
			req.History = append(req.History, summarize(past))
		}
	}
	return req
}

func (p *Planner) sweepYesterday(ctx context.Context, today string) {
	yesterday, err := clock.AddDays(today, -1)
	if err != nil {
		return
	}
	p.mu.Lock()
	if p.swept[yesterday] {
		p.mu.Unlock()
		return
	}
	p.swept[yesterday] = true
	p.mu.Unlock()

	start, ok := p.clock.StartOfDay(today)
	if !ok {
		return
	}

	unlock := p.locks.lock(yesterday)
	defer unlock()
	prev, err := p.store.Get(ctx, yesterday)
	if err != nil || prev == nil {
		return
	}
	closed, changed := plan.SweepDay(prev, start)
	if !changed {
		return
	}
	closed.UpdatedAt = p.clock.Now()
	if err := p.store.Set(ctx, yesterday, closed); err != nil {
		p.log.Warn("failed to close out previous day", "date", yesterday, "error", err)
		p.mu.Lock()
		delete(p.swept, yesterday)
		p.mu.Unlock()
		return
	}
	p.log.Info("previous day closed out", "date", yesterday)
}

// scheduleReminders must be called with the date lock held so that reminder
// state follows write order.
func (p *Planner) scheduleReminders(ctx context.Context, dp *plan.DailyPlan) {
	if p.reminders == nil {
		return
	}
	if _, err := p.reminders.Schedule(ctx, dp, p.reminderMode); err != nil {
		p.log.Warn("failed to schedule reminders", "date", dp.Date, "error", err)
	}
}

// clearFinishedTypes drops reminders for the acted item's type once no item
// of that type is left open.
func (p *Planner) clearFinishedTypes(dp *plan.DailyPlan, itemID string) {
	if p.reminders == nil {
		return
	}
	idx := dp.Find(itemID)
	if idx < 0 {
		return
	}
	typ := dp.Items[idx].Type
	for _, it := range dp.Items {
		if it.Type == typ && it.Open() {
			return
		}
	}
	p.reminders.Clear(typ)
}

func (p *Planner) emit(ctx context.Context, e events.Event) {
	if p.emitter == nil {
		return
	}
	if err := p.emitter.Emit(ctx, e); err != nil {
		p.log.Warn("failed to emit event", "event", e.Name, "date", e.Date, "error", err)
	}
}

func (p *Planner) record(name, tier string, meta shared.AgentMeta, success bool) {
	if p.metrics == nil {
		return
	}
	if meta.AgentName == "" {
		meta.AgentName = name
	}
	meta.Tier = tier
	if err := p.metrics.RecordMeta(meta, success); err != nil {
		p.log.Warn("failed to record metrics", "agent", meta.AgentName, "error", err)
	}
}
