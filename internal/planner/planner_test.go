package planner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wellness-planner/internal/clock"
	"wellness-planner/internal/events"
	"wellness-planner/internal/plan"
	"wellness-planner/internal/profile"
	"wellness-planner/internal/reminders"
	"wellness-planner/internal/shared"
)

const testDate = "2024-03-01"

// --- fakes ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(hhmm string) {
	t, _ := clock.Combine(testDate, hhmm, time.UTC)
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type memStore struct {
	mu    sync.Mutex
	plans map[string]*plan.DailyPlan
	sets  int
}

func newMemStore() *memStore {
	return &memStore{plans: make(map[string]*plan.DailyPlan)}
}

func (s *memStore) Get(ctx context.Context, date string) (*plan.DailyPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plans[date].Clone(), nil
}

func (s *memStore) Set(ctx context.Context, date string, p *plan.DailyPlan) error {
	if !p.Source.Authoritative() {
		return plan.ErrNonAuthoritative
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[date] = p.Clone()
	s.sets++
	return nil
}

func (s *memStore) setCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets
}

type mockGenerator struct {
	name    string
	items   []plan.Item
	summary string
	err     error
	release chan struct{}
	started chan struct{}

	mu       sync.Mutex
	calls    int
	feedback string
	lastReq  Request
}

func (g *mockGenerator) Name() string { return g.name }

func (g *mockGenerator) Generate(ctx context.Context, req Request) (Result, error) {
	g.mu.Lock()
	g.calls++
	g.lastReq = req
	g.mu.Unlock()

	if g.started != nil {
		g.started <- struct{}{}
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	meta := shared.AgentMeta{AgentName: g.name, Usage: shared.TokenUsage{PromptTokens: 10, CompletionTokens: 5}}
	if g.err != nil {
		return Result{Meta: meta}, g.err
	}
	items := make([]plan.Item, len(g.items))
	copy(items, g.items)
	return Result{
		Plan: &plan.DailyPlan{Date: req.Date, Source: plan.SourceCloud, Summary: g.summary, Items: items},
		Meta: meta,
	}, nil
}

func (g *mockGenerator) Refine(ctx context.Context, req Request, current *plan.DailyPlan, feedback string) (Result, error) {
	g.mu.Lock()
	g.feedback = feedback
	g.mu.Unlock()
	return g.Generate(ctx, req)
}

func (g *mockGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

type mockLedger struct {
	mu      sync.Mutex
	balance int
	charges []int
}

func (l *mockLedger) Balance(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, nil
}

func (l *mockLedger) CanAfford(ctx context.Context, cost int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance >= cost, nil
}

func (l *mockLedger) Charge(ctx context.Context, cost int, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balance < cost {
		return errors.New("overdraft")
	}
	l.balance -= cost
	l.charges = append(l.charges, cost)
	return nil
}

func (l *mockLedger) chargeCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.charges)
}

type recordingEmitter struct {
	mu    sync.Mutex
	names []string
}

func (e *recordingEmitter) Emit(ctx context.Context, ev events.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.names = append(e.names, ev.Name)
	return nil
}

func (e *recordingEmitter) emitted() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.names...)
}

type mockReminders struct {
	mu        sync.Mutex
	scheduled int
	cleared   []plan.ItemType
}

func (r *mockReminders) Schedule(ctx context.Context, p *plan.DailyPlan, mode reminders.Mode) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scheduled++
	return len(p.Items), nil
}

func (r *mockReminders) Clear(t plan.ItemType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared = append(r.cleared, t)
}

type mockMetrics struct {
	mu    sync.Mutex
	metas []shared.AgentMeta
	fails int
}

func (m *mockMetrics) RecordMeta(meta shared.AgentMeta, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metas = append(m.metas, meta)
	if !success {
		m.fails++
	}
	return nil
}

// --- helpers ---

type harness struct {
	planner   *Planner
	store     *memStore
	clock     *testClock
	ledger    *mockLedger
	emitter   *recordingEmitter
	reminders *mockReminders
	metrics   *mockMetrics
	immediate *mockGenerator
	upgrade   *mockGenerator
}

func item(hhmm string, typ plan.ItemType, title string) plan.Item {
	return plan.Item{Time: hhmm, Type: typ, Title: title}
}

func newHarness(t *testing.T, configure func(d *Deps, h *harness)) *harness {
	t.Helper()
	h := &harness{
		store:     newMemStore(),
		clock:     &testClock{},
		ledger:    &mockLedger{balance: 100},
		emitter:   &recordingEmitter{},
		reminders: &mockReminders{},
		metrics:   &mockMetrics{},
		immediate: &mockGenerator{name: "Groq", items: []plan.Item{
			item("08:00", plan.ItemMeal, "Breakfast"),
			item("12:00", plan.ItemWorkout, "Run"),
		}},
		upgrade: &mockGenerator{name: "Gemini", items: []plan.Item{
			item("08:00", plan.ItemMeal, "Greek yogurt bowl"),
			item("12:00", plan.ItemWorkout, "Intervals"),
			item("18:00", plan.ItemWrapUp, "Wrap up"),
		}},
	}
	h.clock.Set("07:00")

	d := Deps{
		Store:     h.store,
		Clock:     clock.New(time.UTC, h.clock.Now),
		Immediate: h.immediate,
		Upgrade:   h.upgrade,
		Refiner:   h.upgrade,
		Offline:   OfflineGenerator{},
		Energy:    h.ledger,
		Emitter:   h.emitter,
		Reminders: h.reminders,
		Metrics:   h.metrics,
		Profile:   profile.Default(),
		Cost:      10,
	}
	if configure != nil {
		configure(&d, h)
	}
	p, err := NewPlanner(d)
	if err != nil {
		t.Fatalf("NewPlanner failed: %v", err)
	}
	h.planner = p
	t.Cleanup(p.Wait)
	return h
}

func (h *harness) seed(t *testing.T, date string, items ...plan.Item) *plan.DailyPlan {
	t.Helper()
	p, ok := plan.Normalize(&plan.DailyPlan{Date: date, Source: plan.SourceCloud, Items: items}, date, time.UTC, plan.NormalizeOptions{})
	if !ok {
		t.Fatalf("seed plan rejected")
	}
	if err := h.store.Set(context.Background(), date, p); err != nil {
		t.Fatal(err)
	}
	return p
}

func itemAt(t *testing.T, p *plan.DailyPlan, hhmm string) plan.Item {
	t.Helper()
	for _, it := range p.Items {
		if it.Time == hhmm {
			return it
		}
	}
	t.Fatalf("no item at %s in %+v", hhmm, p.Items)
	return plan.Item{}
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// --- tests ---

func TestGeneratePlan_AdmissionGate(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) { h.ledger.balance = 5 })

	_, err := h.planner.GeneratePlan(context.Background(), testDate, "")
	if !errors.Is(err, ErrInsufficientEnergy) {
		t.Fatalf("Expected ErrInsufficientEnergy, got %v", err)
	}
	var energyErr *InsufficientEnergyError
	if !errors.As(err, &energyErr) || energyErr.Cost != 10 || energyErr.Balance != 5 {
		t.Errorf("Unexpected error details: %+v", energyErr)
	}
	if h.immediate.callCount() != 0 || h.upgrade.callCount() != 0 {
		t.Error("Expected no generator to run")
	}
	if h.store.setCount() != 0 {
		t.Error("Expected the store to stay untouched")
	}
	if len(h.emitter.emitted()) != 0 {
		t.Error("Expected no events")
	}
}

func TestGeneratePlan_ImmediateThenUpgrade(t *testing.T) {
	h := newHarness(t, nil)
	ctx := waitCtx(t)

	out, err := h.planner.GeneratePlan(ctx, testDate, "")
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if !out.Plan.IsTemporary {
		t.Error("Expected the immediate plan to be temporary")
	}
	if out.Charged != 10 || out.Coalesced {
		t.Errorf("Expected a charged, non-coalesced outcome, got %+v", out)
	}
	if out.Plan.CreatedAt.IsZero() || out.Plan.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}

	upgraded, err := out.WaitUpgrade(ctx)
	if err != nil {
		t.Fatalf("WaitUpgrade failed: %v", err)
	}
	if upgraded.IsTemporary {
		t.Error("Expected the upgraded plan to be final")
	}
	if len(upgraded.Items) != 3 || itemAt(t, upgraded, "12:00").Title != "Intervals" {
		t.Errorf("Expected upgrade content, got %+v", upgraded.Items)
	}
	if !upgraded.CreatedAt.Equal(out.Plan.CreatedAt) {
		t.Error("Expected createdAt to survive the upgrade")
	}

	stored, _ := h.store.Get(ctx, testDate)
	if stored.IsTemporary || stored.Source != plan.SourceCloud {
		t.Errorf("Unexpected stored plan: temporary=%v source=%s", stored.IsTemporary, stored.Source)
	}
	if h.ledger.chargeCount() != 1 {
		t.Errorf("Expected exactly one charge, got %d", h.ledger.chargeCount())
	}
	names := h.emitter.emitted()
	if len(names) != 2 || names[0] != events.PlanGenerated || names[1] != events.PlanUpgraded {
		t.Errorf("Unexpected events: %v", names)
	}
	if h.reminders.scheduled != 2 {
		t.Errorf("Expected reminders after both writes, got %d", h.reminders.scheduled)
	}
}

func TestGeneratePlan_WithoutUpgradeIsFinal(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) { d.Upgrade = nil })

	out, err := h.planner.GeneratePlan(context.Background(), testDate, "")
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if out.Plan.IsTemporary || out.UpgradePending() {
		t.Error("Expected a final plan when no upgrade tier is configured")
	}
}

func TestGeneratePlan_UpgradeFailureKeepsTemporary(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) { h.upgrade.err = errors.New("quota exceeded") })
	ctx := waitCtx(t)

	out, err := h.planner.GeneratePlan(ctx, testDate, "")
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if _, err := out.WaitUpgrade(ctx); !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Expected upgrade failure to surface on WaitUpgrade, got %v", err)
	}

	stored, _ := h.store.Get(ctx, testDate)
	if !stored.IsTemporary || itemAt(t, stored, "12:00").Title != "Run" {
		t.Errorf("Expected the immediate plan to stay in place, got %+v", stored)
	}
	for _, name := range h.emitter.emitted() {
		if name == events.PlanUpgraded {
			t.Error("Expected no upgrade event")
		}
	}
	if h.metrics.fails != 1 {
		t.Errorf("Expected the failed execution to be recorded, got %d", h.metrics.fails)
	}
}

func TestGeneratePlan_ImmediateFailure(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) { h.immediate.err = errors.New("timeout") })

	_, err := h.planner.GeneratePlan(context.Background(), testDate, "")
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Expected ErrGenerationFailed, got %v", err)
	}
	var genErr *GenerationError
	if !errors.As(err, &genErr) || genErr.Tier != TierImmediate {
		t.Errorf("Expected an immediate-tier error, got %v", err)
	}
	if h.store.setCount() != 0 || h.ledger.chargeCount() != 0 {
		t.Error("Expected no write and no charge")
	}
	if h.upgrade.callCount() != 0 {
		t.Error("Expected the upgrade tier not to start")
	}
}

func TestGeneratePlan_MalformedItemsDropped(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) {
		d.Upgrade = nil
		h.immediate.items = []plan.Item{
			item("9:05", plan.ItemMeal, "Breakfast"),
			item("24:00", plan.ItemMeal, "Bad"),
			item("abc", plan.ItemMeal, "Worse"),
		}
	})

	out, err := h.planner.GeneratePlan(context.Background(), testDate, "")
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if len(out.Plan.Items) != 1 || out.Plan.Items[0].Time != "09:05" {
		t.Errorf("Expected only the valid item, got %+v", out.Plan.Items)
	}
}

func TestGeneratePlan_NoValidItemsFails(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) {
		h.immediate.items = []plan.Item{item("25:00", plan.ItemMeal, "Bad")}
	})

	_, err := h.planner.GeneratePlan(context.Background(), testDate, "")
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("Expected ErrGenerationFailed, got %v", err)
	}
	if h.ledger.chargeCount() != 0 {
		t.Error("Expected no charge for an unusable plan")
	}
}

func TestGeneratePlan_CoalescesWithRunningUpgrade(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(d *Deps, h *harness) { h.upgrade.release = release })
	ctx := waitCtx(t)

	first, err := h.planner.GeneratePlan(ctx, testDate, "")
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if !first.UpgradePending() {
		t.Fatal("Expected the upgrade to be pending")
	}

	second, err := h.planner.GeneratePlan(ctx, testDate, "")
	if err != nil {
		t.Fatalf("second GeneratePlan failed: %v", err)
	}
	if !second.Coalesced || second.Charged != 0 {
		t.Errorf("Expected the second request to attach, got %+v", second)
	}
	if h.immediate.callCount() != 1 {
		t.Errorf("Expected a single immediate generation, got %d", h.immediate.callCount())
	}

	close(release)
	upgraded, err := second.WaitUpgrade(ctx)
	if err != nil {
		t.Fatalf("WaitUpgrade failed: %v", err)
	}
	if upgraded.IsTemporary {
		t.Error("Expected the attached caller to see the final plan")
	}
	if h.upgrade.callCount() != 1 || h.ledger.chargeCount() != 1 {
		t.Errorf("Expected one upgrade and one charge, got %d and %d", h.upgrade.callCount(), h.ledger.chargeCount())
	}
}

// startBlockedUpgrade generates a draft for testDate and leaves its
// background upgrade parked until the returned channel is closed.
func startBlockedUpgrade(t *testing.T) (*harness, chan struct{}) {
	t.Helper()
	release := make(chan struct{})
	h := newHarness(t, func(d *Deps, h *harness) { h.upgrade.release = release })
	first, err := h.planner.GeneratePlan(waitCtx(t), testDate, "")
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	if !first.UpgradePending() {
		t.Fatal("Expected the upgrade to be pending")
	}
	return h, release
}

type outcomeResult struct {
	out *Outcome
	err error
}

func expectBlocked(t *testing.T, results <-chan outcomeResult) {
	t.Helper()
	select {
	case r := <-results:
		t.Fatalf("Expected the request to wait for the running upgrade, got %+v", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRefinePlan_WaitsForRunningUpgrade(t *testing.T) {
	h, release := startBlockedUpgrade(t)
	ctx := waitCtx(t)

	results := make(chan outcomeResult, 1)
	go func() {
		out, err := h.planner.RefinePlan(ctx, testDate, "make it lighter")
		results <- outcomeResult{out, err}
	}()
	expectBlocked(t, results)
	if h.upgrade.callCount() != 1 {
		t.Errorf("Expected the refiner not to start before the upgrade lands, got %d calls", h.upgrade.callCount())
	}

	close(release)
	r := <-results
	if r.err != nil {
		t.Fatalf("RefinePlan failed: %v", r.err)
	}
	if r.out.Coalesced || r.out.Charged != 10 || r.out.UpgradePending() {
		t.Errorf("Expected a charged refinement of its own, got %+v", r.out)
	}
	if r.out.Plan.IsTemporary {
		t.Error("Expected the refined plan to be final")
	}
	if h.upgrade.feedback != "make it lighter" {
		t.Errorf("Expected feedback to reach the refiner, got %q", h.upgrade.feedback)
	}
	if h.upgrade.callCount() != 2 || h.ledger.chargeCount() != 2 {
		t.Errorf("Expected upgrade and refine to both run and charge, got %d calls and %d charges",
			h.upgrade.callCount(), h.ledger.chargeCount())
	}
}

func TestRetryUpgrade_WaitsForRunningUpgrade(t *testing.T) {
	h, release := startBlockedUpgrade(t)
	ctx := waitCtx(t)

	results := make(chan outcomeResult, 1)
	go func() {
		out, err := h.planner.RetryUpgrade(ctx, testDate)
		results <- outcomeResult{out, err}
	}()
	expectBlocked(t, results)

	close(release)
	r := <-results
	if r.err != nil {
		t.Fatalf("RetryUpgrade failed: %v", r.err)
	}
	if r.out.Coalesced || r.out.Charged != 10 {
		t.Errorf("Expected a charged retry of its own, got %+v", r.out)
	}
	if r.out.Plan.Source != plan.SourceCloudRetry || r.out.Plan.IsTemporary {
		t.Errorf("Expected a final cloud_retry plan, got source=%s temporary=%v", r.out.Plan.Source, r.out.Plan.IsTemporary)
	}
	if h.upgrade.callCount() != 2 {
		t.Errorf("Expected the retry to call the upgrade tier again, got %d calls", h.upgrade.callCount())
	}
	stored, _ := h.store.Get(ctx, testDate)
	if stored.Source != plan.SourceCloudRetry {
		t.Errorf("Expected the retry result to be stored last, got %s", stored.Source)
	}
}

func TestUpgradePreservesActionsTakenMeanwhile(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(d *Deps, h *harness) { h.upgrade.release = release })
	ctx := waitCtx(t)

	out, err := h.planner.GeneratePlan(ctx, testDate, "")
	if err != nil {
		t.Fatalf("GeneratePlan failed: %v", err)
	}
	breakfast := itemAt(t, out.Plan, "08:00")

	h.clock.Set("08:10")
	if _, err := h.planner.ApplyAction(ctx, testDate, breakfast.ID, plan.ActionComplete, time.Time{}); err != nil {
		t.Fatalf("ApplyAction failed: %v", err)
	}

	close(release)
	upgraded, err := out.WaitUpgrade(ctx)
	if err != nil {
		t.Fatalf("WaitUpgrade failed: %v", err)
	}

	kept := itemAt(t, upgraded, "08:00")
	if kept.ID != breakfast.ID || kept.Title != "Breakfast" || !kept.Completed {
		t.Errorf("Expected the completed breakfast to survive, got %+v", kept)
	}
	if itemAt(t, upgraded, "12:00").Title != "Intervals" {
		t.Error("Expected the future slot to take the upgraded content")
	}
}

func TestRegenerationScenario(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) { d.Upgrade = nil })
	ctx := context.Background()

	out, err := h.planner.GeneratePlan(ctx, testDate, "")
	if err != nil {
		t.Fatal(err)
	}
	breakfast := itemAt(t, out.Plan, "08:00")

	h.clock.Set("08:10")
	if _, err := h.planner.ApplyAction(ctx, testDate, breakfast.ID, plan.ActionComplete, time.Time{}); err != nil {
		t.Fatal(err)
	}

	h.clock.Set("09:00")
	h.immediate.items = []plan.Item{
		item("08:00", plan.ItemMeal, "Pancakes"),
		item("12:00", plan.ItemWorkout, "Swim"),
	}
	regen, err := h.planner.GeneratePlan(ctx, testDate, "")
	if err != nil {
		t.Fatal(err)
	}

	kept := itemAt(t, regen.Plan, "08:00")
	if kept.Title != "Breakfast" || !kept.Completed || kept.ID != breakfast.ID {
		t.Errorf("Expected the completed 08:00 item unchanged, got %+v", kept)
	}
	if itemAt(t, regen.Plan, "12:00").Title != "Swim" {
		t.Error("Expected the untouched 12:00 item to be replaced")
	}
	if !regen.Plan.CreatedAt.Equal(out.Plan.CreatedAt) {
		t.Error("Expected createdAt to be preserved across regenerations")
	}
}

func TestLoadPlan_InfersMissed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seed(t, testDate, item("08:00", plan.ItemMeal, "Breakfast"), item("12:00", plan.ItemWorkout, "Run"))

	h.clock.Set("12:05")
	p, err := h.planner.LoadPlan(ctx, testDate)
	if err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}
	if !itemAt(t, p, "08:00").Missed || itemAt(t, p, "12:00").Missed {
		t.Errorf("Expected only breakfast missed at 12:05, got %+v", p.Items)
	}
	writes := h.store.setCount()

	// Same instant: nothing new to write.
	if _, err := h.planner.LoadPlan(ctx, testDate); err != nil {
		t.Fatal(err)
	}
	if h.store.setCount() != writes {
		t.Error("Expected no redundant write")
	}

	h.clock.Set("12:10")
	p, _ = h.planner.LoadPlan(ctx, testDate)
	if !itemAt(t, p, "12:00").Missed {
		t.Error("Expected the last item to be missed after the grace period")
	}
}

func TestLoadPlan_MissedUpdateReschedulesReminders(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.seed(t, testDate, item("08:00", plan.ItemMeal, "Breakfast"), item("12:00", plan.ItemWorkout, "Run"))

	h.clock.Set("12:05")
	if _, err := h.planner.LoadPlan(ctx, testDate); err != nil {
		t.Fatalf("LoadPlan failed: %v", err)
	}
	if h.reminders.scheduled != 1 {
		t.Errorf("Expected reminders rescheduled after the missed write, got %d", h.reminders.scheduled)
	}

	if _, err := h.planner.LoadPlan(ctx, testDate); err != nil {
		t.Fatal(err)
	}
	if h.reminders.scheduled != 1 {
		t.Errorf("Expected no reschedule without a write, got %d", h.reminders.scheduled)
	}
}

func TestLoadPlan_OtherDaysUntouched(t *testing.T) {
	h := newHarness(t, nil)
	h.seed(t, "2024-02-28", item("08:00", plan.ItemMeal, "Breakfast"))

	p, err := h.planner.LoadPlan(context.Background(), "2024-02-28")
	if err != nil {
		t.Fatal(err)
	}
	if p.Items[0].Missed {
		t.Error("Expected a historical plan to be left as stored")
	}
	if missing, err := h.planner.LoadPlan(context.Background(), "2024-01-01"); missing != nil || err != nil {
		t.Errorf("Expected (nil, nil) for a date without a plan, got (%v, %v)", missing, err)
	}
}

func TestToday_SweepsYesterday(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	yesterday := "2024-02-29"
	h.seed(t, yesterday, item("08:00", plan.ItemMeal, "Breakfast"), item("23:30", plan.ItemSleep, "Sleep"))

	if _, err := h.planner.Today(ctx); err != nil {
		t.Fatalf("Today failed: %v", err)
	}

	swept, _ := h.store.Get(ctx, yesterday)
	midnight, _ := clock.Combine(testDate, "00:00", time.UTC)
	for _, it := range swept.Items {
		if !it.Missed || it.MissedAt == nil || !it.MissedAt.Equal(midnight) {
			t.Errorf("Expected %s to be missed at midnight, got %+v", it.Time, it)
		}
	}

	writes := h.store.setCount()
	if _, err := h.planner.Today(ctx); err != nil {
		t.Fatal(err)
	}
	if h.store.setCount() != writes {
		t.Error("Expected yesterday to be swept only once")
	}
}

func TestRefinePlan(t *testing.T) {
	t.Run("OnlyToday", func(t *testing.T) {
		h := newHarness(t, nil)
		if _, err := h.planner.RefinePlan(context.Background(), "2024-03-02", "more rest"); !errors.Is(err, ErrNotToday) {
			t.Errorf("Expected ErrNotToday, got %v", err)
		}
	})

	t.Run("NeedsExistingPlan", func(t *testing.T) {
		h := newHarness(t, nil)
		if _, err := h.planner.RefinePlan(context.Background(), "", "more rest"); !errors.Is(err, ErrNoPlanForToday) {
			t.Errorf("Expected ErrNoPlanForToday, got %v", err)
		}
	})

	t.Run("AdmissionGate", func(t *testing.T) {
		h := newHarness(t, func(d *Deps, h *harness) { h.ledger.balance = 0 })
		h.seed(t, testDate, item("08:00", plan.ItemMeal, "Breakfast"))
		if _, err := h.planner.RefinePlan(context.Background(), testDate, "more rest"); !errors.Is(err, ErrInsufficientEnergy) {
			t.Errorf("Expected ErrInsufficientEnergy, got %v", err)
		}
		if h.upgrade.callCount() != 0 {
			t.Error("Expected the refiner not to run")
		}
	})

	t.Run("Success", func(t *testing.T) {
		h := newHarness(t, nil)
		h.seed(t, testDate, item("08:00", plan.ItemMeal, "Breakfast"), item("12:00", plan.ItemWorkout, "Run"))

		out, err := h.planner.RefinePlan(context.Background(), testDate, "no running today")
		if err != nil {
			t.Fatalf("RefinePlan failed: %v", err)
		}
		if h.upgrade.feedback != "no running today" {
			t.Errorf("Expected feedback to reach the refiner, got %q", h.upgrade.feedback)
		}
		if out.Plan.IsTemporary || itemAt(t, out.Plan, "12:00").Title != "Intervals" {
			t.Errorf("Unexpected refined plan: %+v", out.Plan)
		}
		if out.Charged != 10 {
			t.Errorf("Expected refinement to be charged, got %d", out.Charged)
		}
	})
}

func TestRetryUpgrade(t *testing.T) {
	t.Run("Unavailable", func(t *testing.T) {
		h := newHarness(t, func(d *Deps, h *harness) { d.Upgrade = nil })
		if _, err := h.planner.RetryUpgrade(context.Background(), testDate); !errors.Is(err, ErrUpgradeUnavailable) {
			t.Errorf("Expected ErrUpgradeUnavailable, got %v", err)
		}
	})

	t.Run("ClearsTemporary", func(t *testing.T) {
		h := newHarness(t, nil)
		ctx := context.Background()
		p := h.seed(t, testDate, item("08:00", plan.ItemMeal, "Breakfast"))
		p.IsTemporary = true
		_ = h.store.Set(ctx, testDate, p)

		out, err := h.planner.RetryUpgrade(ctx, testDate)
		if err != nil {
			t.Fatalf("RetryUpgrade failed: %v", err)
		}
		if out.Plan.Source != plan.SourceCloudRetry || out.Plan.IsTemporary {
			t.Errorf("Expected a final cloud_retry plan, got source=%s temporary=%v", out.Plan.Source, out.Plan.IsTemporary)
		}
		names := h.emitter.emitted()
		if len(names) != 1 || names[0] != events.PlanUpgraded {
			t.Errorf("Expected a single upgrade event, got %v", names)
		}
	})
}

func TestApplyAction(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p := h.seed(t, testDate, item("08:00", plan.ItemMeal, "Breakfast"), item("12:00", plan.ItemWorkout, "Run"))
	run := itemAt(t, p, "12:00")

	updated, err := h.planner.ApplyAction(ctx, testDate, run.ID, plan.ActionComplete, time.Time{})
	if err != nil {
		t.Fatalf("ApplyAction failed: %v", err)
	}
	if !itemAt(t, updated, "12:00").Completed {
		t.Error("Expected the item to be completed")
	}
	if names := h.emitter.emitted(); len(names) != 1 || names[0] != events.PlanItemCompleted {
		t.Errorf("Expected PLAN_ITEM_COMPLETED, got %v", names)
	}
	if h.reminders.scheduled != 1 || len(h.reminders.cleared) != 1 || h.reminders.cleared[0] != plan.ItemWorkout {
		t.Errorf("Expected reminders rescheduled and workout cleared, got %+v", h.reminders)
	}

	if _, err := h.planner.ApplyAction(ctx, testDate, "nope", plan.ActionSkip, time.Time{}); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Expected ErrItemNotFound, got %v", err)
	}
	if _, err := h.planner.ApplyAction(ctx, "2024-01-01", run.ID, plan.ActionSkip, time.Time{}); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("Expected ErrPlanNotFound, got %v", err)
	}
}

func TestFallbackPlan(t *testing.T) {
	h := newHarness(t, nil)

	p, err := h.planner.FallbackPlan(context.Background(), testDate)
	if err != nil {
		t.Fatalf("FallbackPlan failed: %v", err)
	}
	if p.Source != plan.SourceOffline || !p.IsTemporary || len(p.Items) == 0 {
		t.Errorf("Unexpected fallback plan: %+v", p)
	}
	if h.store.setCount() != 0 {
		t.Error("Expected the fallback plan not to be stored")
	}
	for i := 1; i < len(p.Items); i++ {
		if p.Items[i-1].Time > p.Items[i].Time {
			t.Fatalf("Expected items sorted by time, got %s before %s", p.Items[i-1].Time, p.Items[i].Time)
		}
	}
}

func TestGeneratePlan_PassesHistory(t *testing.T) {
	h := newHarness(t, func(d *Deps, h *harness) { d.Upgrade = nil })
	past := h.seed(t, "2024-02-28", item("08:00", plan.ItemMeal, "Breakfast"), item("12:00", plan.ItemWorkout, "Run"))
	done, _ := plan.Complete(past, past.Items[0].ID, past.Items[0].ScheduledAt)
	_ = h.store.Set(context.Background(), "2024-02-28", done)

	if _, err := h.planner.GeneratePlan(context.Background(), testDate, "travel day"); err != nil {
		t.Fatal(err)
	}
	req := h.immediate.lastReq
	if len(req.History) != 1 || req.History[0].Completed != 1 || req.History[0].Total != 2 {
		t.Errorf("Unexpected history: %+v", req.History)
	}
	if req.Notes != "travel day" {
		t.Errorf("Expected notes to be forwarded, got %q", req.Notes)
	}
}

func TestGeneratePlan_InvalidDate(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.planner.GeneratePlan(context.Background(), "03/01/2024", ""); !errors.Is(err, ErrInvalidDate) {
		t.Errorf("Expected ErrInvalidDate, got %v", err)
	}
}
