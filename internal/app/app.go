package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"wellness-planner/internal/clock"
	"wellness-planner/internal/config"
	"wellness-planner/internal/database"
	"wellness-planner/internal/energy"
	"wellness-planner/internal/events"
	"wellness-planner/internal/llm"
	"wellness-planner/internal/logger"
	"wellness-planner/internal/metrics"
	"wellness-planner/internal/plan"
	"wellness-planner/internal/planner"
	"wellness-planner/internal/profile"
	"wellness-planner/internal/reminders"
	"wellness-planner/internal/storage"
)

// PlanStore is a plan store that can also list the days it holds.
type PlanStore interface {
	planner.Store
	ListDates(ctx context.Context, limit int) ([]string, error)
}

// App holds the application's dependencies. Both binaries build one and
// drive the engine exclusively through its methods.
type App struct {
	cfg       *config.Config
	log       *logger.Logger
	clock     *clock.Clock
	db        *database.DB
	store     PlanStore
	ledger    *energy.Ledger
	metrics   *metrics.Store
	bus       *events.LocalBus
	redis     *events.RedisBus
	scheduler *reminders.Scheduler
	planner   *planner.Planner
	profile   profile.UserProfile
	closers   []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	clock     *clock.Clock
	notifier  reminders.Notifier
	immediate planner.Generator
	upgrade   planner.Generator
	refiner   planner.Refiner
}

// WithClock overrides the wall clock.
func WithClock(c *clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithNotifier sets where due reminders are delivered. Defaults to the log.
func WithNotifier(n reminders.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithGenerators replaces the LLM-backed generators built from the config.
func WithGenerators(immediate, upgrade planner.Generator, refiner planner.Refiner) Option {
	return func(o *options) {
		o.immediate = immediate
		o.upgrade = upgrade
		o.refiner = refiner
	}
}

// New creates and initializes a new App instance.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = logger.Nop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, log: log.With("component", "App")}
	ok := false
	defer func() {
		if !ok {
			a.closeResources()
		}
	}()

	a.clock = o.clock
	if a.clock == nil {
		a.clock = clock.New(cfg.Timezone, nil)
	}

	prof, err := profile.Load(cfg.ProfilePath)
	if err != nil {
		return nil, err
	}
	a.profile = prof

	db, err := database.NewDB(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = db

	if cfg.PlanStore == "file" {
		fs, err := storage.NewFileStore(cfg.PlanDir, a.clock.Location())
		if err != nil {
			return nil, err
		}
		if err := fs.RemoveStaleTemps(); err != nil {
			a.log.Warn("failed to remove stale plan files", "error", err)
		}
		a.store = fs
	} else {
		a.store = planner.NewPlanRepository(db.SQL)
	}

	a.ledger = energy.NewLedger(db.SQL, a.clock, cfg.EnergyDailyAllowance, cfg.EnergyGrantSecret, log)
	a.metrics = metrics.NewStore(db.SQL)

	a.bus = events.NewLocalBus(log)
	var emitter events.Emitter = a.bus
	if cfg.RedisAddr != "" {
		rb, err := events.NewRedisBus(cfg.RedisAddr, cfg.RedisChannel, a.bus.Origin(), log)
		if err != nil {
			a.log.Warn("redis unavailable, events stay in-process", "addr", cfg.RedisAddr, "error", err)
		} else {
			a.redis = rb
			emitter = events.Multi{a.bus, rb}
		}
	}

	notifier := o.notifier
	if notifier == nil {
		notifier = reminders.LogNotifier{Log: log}
	}
	a.scheduler = reminders.NewScheduler(notifier, log, reminders.WithNow(a.clock.Now))

	immediate, upgrade, refiner := o.immediate, o.upgrade, o.refiner
	if immediate == nil {
		immediate, upgrade, refiner, err = a.buildGenerators(ctx)
		if err != nil {
			return nil, err
		}
	}

	mode := reminders.ModeAll
	if cfg.ReminderMode == "next" {
		mode = reminders.ModeNext
	}

	a.planner, err = planner.NewPlanner(planner.Deps{
		Store:        a.store,
		Clock:        a.clock,
		Immediate:    immediate,
		Upgrade:      upgrade,
		Refiner:      refiner,
		Offline:      planner.OfflineGenerator{},
		Energy:       a.ledger,
		Emitter:      emitter,
		Reminders:    a.scheduler,
		Metrics:      a.metrics,
		Logger:       log,
		Profile:      prof,
		ReminderMode: mode,
		Cost:         cfg.GenerationCost,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return a, nil
}

// buildGenerators maps the configured providers onto tiers: Groq answers
// first, Gemini upgrades and refines. With a single provider it serves every
// tier it can and the upgrade tier is disabled.
func (a *App) buildGenerators(ctx context.Context) (planner.Generator, planner.Generator, planner.Refiner, error) {
	var groq, gemini *planner.CloudGenerator

	if a.cfg.GroqAPIKey != "" {
		client, err := llm.NewGroqClient(a.cfg.GroqAPIKey, a.cfg.GroqModel)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize Groq client: %w", err)
		}
		a.closeWith(client)
		groq = planner.NewCloudGenerator("Groq", client)
	}
	if a.cfg.GeminiAPIKey != "" {
		client, err := llm.NewGeminiClient(ctx, a.cfg.GeminiAPIKey, a.cfg.GeminiModel)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize Gemini client: %w", err)
		}
		a.closeWith(client)
		gemini = planner.NewCloudGenerator("Gemini", client)
	}

	switch {
	case groq != nil && gemini != nil:
		return groq, gemini, gemini, nil
	case groq != nil:
		return groq, nil, groq, nil
	case gemini != nil:
		return gemini, nil, gemini, nil
	default:
		return nil, nil, nil, errors.New("GROQ_API_KEY or GEMINI_API_KEY environment variable not set")
	}
}

// closeWith registers client for release on Close when it holds resources.
func (a *App) closeWith(client llm.TextGenerator) {
	if c, ok := client.(llm.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

// Start begins forwarding events published by other processes to local
// subscribers. It is a no-op without Redis.
func (a *App) Start(ctx context.Context) error {
	if a.redis == nil {
		return nil
	}
	return a.redis.StartForwarder(ctx, func(ctx context.Context, e events.Event) {
		_ = a.bus.Emit(ctx, e)
	})
}

// Close waits for background upgrades, stops reminders and releases every
// resource New opened.
func (a *App) Close() error {
	a.planner.Wait()
	return a.closeResources()
}

func (a *App) closeResources() error {
	var errs []error
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	a.log.Sync()
	return errors.Join(errs...)
}

// Clock returns the application clock.
func (a *App) Clock() *clock.Clock {
	return a.clock
}

// DB exposes the shared SQLite handle for stores living outside the engine.
func (a *App) DB() *sql.DB {
	return a.db.SQL
}

// Subscribe registers h for local events called name.
func (a *App) Subscribe(name string, h events.Handler) func() {
	return a.bus.Subscribe(name, h)
}

// Today returns today's plan. Without a stored plan it returns the offline
// template, marked temporary and never written.
func (a *App) Today(ctx context.Context) (*plan.DailyPlan, error) {
	p, err := a.planner.Today(ctx)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}
	return a.planner.FallbackPlan(ctx, a.clock.Today())
}

// Plan returns the stored plan for date, or planner.ErrPlanNotFound.
func (a *App) Plan(ctx context.Context, date string) (*plan.DailyPlan, error) {
	p, err := a.planner.LoadPlan(ctx, date)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, planner.ErrPlanNotFound
	}
	return p, nil
}

// Generate requests a plan for date (today when empty).
func (a *App) Generate(ctx context.Context, date, notes string) (*planner.Outcome, error) {
	if date == "" {
		date = a.clock.Today()
	}
	return a.planner.GeneratePlan(ctx, date, notes)
}

// QueueGenerate parks a generation request until a recharge covers its cost.
func (a *App) QueueGenerate(date, notes string, done func(*planner.Outcome, error)) {
	if date == "" {
		date = a.clock.Today()
	}
	a.ledger.EnqueueRetry("generate "+date, a.cfg.GenerationCost, func(ctx context.Context) error {
		out, err := a.planner.GeneratePlan(ctx, date, notes)
		if done != nil {
			done(out, err)
		}
		return err
	})
}

// Fallback returns the offline template plan for date (today when empty).
func (a *App) Fallback(ctx context.Context, date string) (*plan.DailyPlan, error) {
	if date == "" {
		date = a.clock.Today()
	}
	return a.planner.FallbackPlan(ctx, date)
}

// Refine rewrites today's plan according to feedback.
func (a *App) Refine(ctx context.Context, feedback string) (*planner.Outcome, error) {
	return a.planner.RefinePlan(ctx, "", feedback)
}

// Retry reruns the upgrade tier for date (today when empty).
func (a *App) Retry(ctx context.Context, date string) (*planner.Outcome, error) {
	if date == "" {
		date = a.clock.Today()
	}
	return a.planner.RetryUpgrade(ctx, date)
}

// Act applies action to the n-th item (1-based, as displayed) of today's
// plan. snooze is only used by plan.ActionSnooze.
func (a *App) Act(ctx context.Context, n int, action plan.Action, snooze time.Duration) (*plan.DailyPlan, plan.Item, error) {
	today := a.clock.Today()
	current, err := a.planner.LoadPlan(ctx, today)
	if err != nil {
		return nil, plan.Item{}, err
	}
	if current == nil {
		return nil, plan.Item{}, planner.ErrNoPlanForToday
	}
	if n < 1 || n > len(current.Items) {
		return nil, plan.Item{}, fmt.Errorf("%w: no item #%d", planner.ErrItemNotFound, n)
	}
	id := current.Items[n-1].ID

	var until time.Time
	if action == plan.ActionSnooze {
		if snooze <= 0 {
			return nil, plan.Item{}, fmt.Errorf("snooze duration must be positive")
		}
		until = a.clock.Now().Add(snooze)
	}

	updated, err := a.planner.ApplyAction(ctx, today, id, action, until)
	if err != nil {
		return nil, plan.Item{}, err
	}
	return updated, updated.Items[updated.Find(id)], nil
}

// EnergyStatus summarizes the energy account.
type EnergyStatus struct {
	Balance        int
	Allowance      int
	Cost           int
	PendingRetries int
	Recent         []energy.Transaction
}

// Energy reports the balance and the latest ledger entries.
func (a *App) Energy(ctx context.Context) (EnergyStatus, error) {
	balance, err := a.ledger.Balance(ctx)
	if err != nil {
		return EnergyStatus{}, err
	}
	recent, err := a.ledger.Transactions(ctx, 5)
	if err != nil {
		return EnergyStatus{}, err
	}
	return EnergyStatus{
		Balance:        balance,
		Allowance:      a.cfg.EnergyDailyAllowance,
		Cost:           a.cfg.GenerationCost,
		PendingRetries: a.ledger.PendingRetries(),
		Recent:         recent,
	}, nil
}

// Recharge redeems a signed grant and returns the new balance.
func (a *App) Recharge(ctx context.Context, token string) (int, error) {
	return a.ledger.Redeem(ctx, token)
}

// Grant issues a signed recharge token.
func (a *App) Grant(amount int, ttl time.Duration) (string, error) {
	return a.ledger.IssueGrant(amount, ttl)
}

// DaySummary is one line of plan history.
type DaySummary struct {
	Date      string
	Done      int
	Total     int
	Missed    int
	Temporary bool
}

// History summarizes the most recent stored days, newest first.
func (a *App) History(ctx context.Context, limit int) ([]DaySummary, error) {
	dates, err := a.store.ListDates(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]DaySummary, 0, len(dates))
	for _, d := range dates {
		p, err := a.store.Get(ctx, d)
		if err != nil {
			return nil, err
		}
		if p == nil {
			continue
		}
		s := DaySummary{Date: d, Temporary: p.IsTemporary}
		s.Done, s.Total = p.Progress()
		for _, it := range p.Items {
			if it.Missed {
				s.Missed++
			}
		}
		out = append(out, s)
	}
	return out, nil
}

// Usage returns per-day generation usage.
func (a *App) Usage(days int) ([]metrics.DailyUsage, error) {
	return a.metrics.GetDailyUsage(days)
}

// Health reports process stats and the size of the data on disk.
func (a *App) Health() metrics.Health {
	paths := []string{a.cfg.DatabasePath}
	if a.cfg.PlanStore == "file" {
		paths = append(paths, a.cfg.PlanDir)
	}
	return metrics.CollectHealth(paths...)
}

// CleanupMetrics removes metric rows older than days.
func (a *App) CleanupMetrics(days int) (int64, error) {
	return a.metrics.Cleanup(days)
}

// PendingReminders lists the armed reminders.
func (a *App) PendingReminders() []reminders.Reminder {
	return a.scheduler.Pending()
}
