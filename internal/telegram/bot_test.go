package telegram

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"wellness-planner/internal/app"
	"wellness-planner/internal/clock"
	"wellness-planner/internal/config"
	"wellness-planner/internal/database"
	"wellness-planner/internal/events"
	"wellness-planner/internal/metrics"
	"wellness-planner/internal/plan"
	"wellness-planner/internal/planner"
	"wellness-planner/internal/reminders"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []tgbotapi.Chattable
	nextID int
	err    error
}

func (s *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, c)
	s.nextID++
	return tgbotapi.Message{MessageID: s.nextID}, s.err
}

func (s *fakeSender) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (s *fakeSender) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, c := range s.sent {
		switch m := c.(type) {
		case tgbotapi.MessageConfig:
			out = append(out, m.Text)
		case tgbotapi.EditMessageTextConfig:
			out = append(out, m.Text)
		}
	}
	return out
}

func (s *fakeSender) last() string {
	t := s.texts()
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

type actCall struct {
	n      int
	action plan.Action
	snooze time.Duration
}

type fakeService struct {
	plan        *plan.DailyPlan
	generateErr error
	acts        []actCall
	refined     []string
	queued      int
	handlers    map[string]events.Handler
}

func (f *fakeService) Today(ctx context.Context) (*plan.DailyPlan, error) { return f.plan, nil }

func (f *fakeService) Plan(ctx context.Context, date string) (*plan.DailyPlan, error) {
	return f.plan, nil
}

func (f *fakeService) Generate(ctx context.Context, date, notes string) (*planner.Outcome, error) {
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return &planner.Outcome{Plan: f.plan}, nil
}

func (f *fakeService) QueueGenerate(date, notes string, done func(*planner.Outcome, error)) {
	f.queued++
}

func (f *fakeService) Fallback(ctx context.Context, date string) (*plan.DailyPlan, error) {
	fb := f.plan.Clone()
	fb.Source = plan.SourceOffline
	return fb, nil
}

func (f *fakeService) Refine(ctx context.Context, feedback string) (*planner.Outcome, error) {
	f.refined = append(f.refined, feedback)
	return &planner.Outcome{Plan: f.plan}, nil
}

func (f *fakeService) Retry(ctx context.Context, date string) (*planner.Outcome, error) {
	return nil, planner.ErrUpgradeUnavailable
}

func (f *fakeService) Act(ctx context.Context, n int, action plan.Action, snooze time.Duration) (*plan.DailyPlan, plan.Item, error) {
	f.acts = append(f.acts, actCall{n: n, action: action, snooze: snooze})
	if n > len(f.plan.Items) {
		return nil, plan.Item{}, planner.ErrItemNotFound
	}
	updated := f.plan.Clone()
	if action == plan.ActionComplete {
		updated.Items[n-1].Completed = true
	}
	return updated, updated.Items[n-1], nil
}

func (f *fakeService) Energy(ctx context.Context) (app.EnergyStatus, error) {
	return app.EnergyStatus{Balance: 20, Allowance: 30, Cost: 10}, nil
}

func (f *fakeService) Recharge(ctx context.Context, token string) (int, error) {
	if token != "good" {
		return 0, errors.New("invalid grant")
	}
	return 40, nil
}

func (f *fakeService) Usage(days int) ([]metrics.DailyUsage, error) { return nil, nil }

func (f *fakeService) Health() metrics.Health { return metrics.Health{} }

func (f *fakeService) Subscribe(name string, h events.Handler) func() {
	if f.handlers == nil {
		f.handlers = make(map[string]events.Handler)
	}
	f.handlers[name] = h
	return func() { delete(f.handlers, name) }
}

func samplePlan() *plan.DailyPlan {
	return &plan.DailyPlan{
		Date:    "2024-05-06",
		Source:  plan.SourceCloud,
		Summary: "Steady day",
		Items: []plan.Item{
			{ID: "a", Time: "07:30", Type: plan.ItemMeal, Title: "Oats_with_berries", Completed: true},
			{ID: "b", Time: "12:00", Type: plan.ItemMeal, Title: "Salad"},
			{ID: "c", Time: "18:00", Type: plan.ItemWorkout, Title: "Run", Missed: true},
		},
	}
}

const (
	allowedUser = int64(42)
	adminUser   = int64(7)
)

func newTestBot(t *testing.T) (*Bot, *fakeSender, *fakeService) {
	t.Helper()
	db, err := database.NewDB(filepath.Join(t.TempDir(), "bot.db"))
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sender := &fakeSender{}
	svc := &fakeService{plan: samplePlan()}
	cfg := &config.Config{TelegramAllowedUserIDs: []int64{allowedUser, adminUser}, AdminTelegramID: adminUser}
	clk := clock.Fixed(time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC))

	b := NewBot(sender, svc, NewSessionRepository(db.SQL), cfg, clk, nil)
	b.handle = func(fn func()) { fn() }
	return b, sender, svc
}

func textUpdate(userID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 1,
		From:      &tgbotapi.User{ID: userID},
		Chat:      &tgbotapi.Chat{ID: userID},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		length := strings.IndexByte(text, ' ')
		if length < 0 {
			length = len(text)
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}}
	}
	return tgbotapi.Update{Message: msg}
}

func TestFormatPlanMarkdown(t *testing.T) {
	p := samplePlan()
	snoozed := time.Date(2024, 5, 6, 12, 30, 0, 0, time.UTC)
	p.Items[1].SnoozedUntil = &snoozed

	out := formatPlanMarkdown(p, time.UTC)

	if !strings.Contains(out, "📅 *Plan for 2024-05-06*") {
		t.Error("Missing plan header")
	}
	if !strings.Contains(out, `1. ✅ 07:30 🍽 Oats\_with\_berries`) {
		t.Errorf("Missing escaped completed item, got:\n%s", out)
	}
	if !strings.Contains(out, "2. 💤 12:00 🍽 Salad (snoozed to 12:30)") {
		t.Errorf("Missing snoozed item, got:\n%s", out)
	}
	if !strings.Contains(out, "3. ❌ 18:00 🏃 Run") {
		t.Error("Missing missed item")
	}
	if !strings.Contains(out, "*Progress:* 1/3") {
		t.Error("Missing progress line")
	}

	p.Source = plan.SourceOffline
	if !strings.Contains(formatPlanMarkdown(p, time.UTC), "_(template)_") {
		t.Error("Expected offline plans to be marked as a template")
	}
}

func TestActionKeyboard(t *testing.T) {
	p := samplePlan()
	kb := actionKeyboard(p)
	if kb == nil || len(kb.InlineKeyboard) != 1 {
		t.Fatalf("Expected one row for the single open item, got %+v", kb)
	}
	row := kb.InlineKeyboard[0]
	if row[0].CallbackData == nil || *row[0].CallbackData != "done|2" {
		t.Errorf("Unexpected done button: %+v", row[0])
	}
	if row[1].CallbackData == nil || *row[1].CallbackData != "skip|2" {
		t.Errorf("Unexpected skip button: %+v", row[1])
	}

	p.Source = plan.SourceOffline
	if actionKeyboard(p) != nil {
		t.Error("Expected no keyboard for an offline template")
	}
}

func TestParseActionArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		action  plan.Action
		n       int
		snooze  time.Duration
		wantErr bool
	}{
		{"Done", []string{"2"}, plan.ActionComplete, 2, 0, false},
		{"MissingIndex", nil, plan.ActionSkip, 0, 0, true},
		{"NotANumber", []string{"x"}, plan.ActionComplete, 0, 0, true},
		{"Zero", []string{"0"}, plan.ActionComplete, 0, 0, true},
		{"SnoozeDefault", []string{"3"}, plan.ActionSnooze, 3, 15 * time.Minute, false},
		{"SnoozeMinutes", []string{"3", "40"}, plan.ActionSnooze, 3, 40 * time.Minute, false},
		{"SnoozeBadMinutes", []string{"3", "-5"}, plan.ActionSnooze, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, snooze, err := parseActionArgs(tt.args, tt.action)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if n != tt.n || snooze != tt.snooze {
				t.Errorf("Expected (%d, %v), got (%d, %v)", tt.n, tt.snooze, n, snooze)
			}
		})
	}
}

func TestBot_Commands(t *testing.T) {
	t.Run("UnauthorizedIgnored", func(t *testing.T) {
		b, sender, svc := newTestBot(t)
		b.HandleUpdate(textUpdate(99, "/done 1"))
		if len(svc.acts) != 0 || len(sender.texts()) != 0 {
			t.Error("Expected messages from unknown users to be ignored")
		}
	})

	t.Run("Done", func(t *testing.T) {
		b, sender, svc := newTestBot(t)
		b.HandleUpdate(textUpdate(allowedUser, "/done 2"))
		if len(svc.acts) != 1 || svc.acts[0].n != 2 || svc.acts[0].action != plan.ActionComplete {
			t.Fatalf("Unexpected act calls: %+v", svc.acts)
		}
		if !strings.Contains(sender.last(), "*Salad* done") {
			t.Errorf("Expected a confirmation, got %q", sender.last())
		}
	})

	t.Run("SnoozeMinutes", func(t *testing.T) {
		b, _, svc := newTestBot(t)
		b.HandleUpdate(textUpdate(allowedUser, "/snooze 2 30"))
		if len(svc.acts) != 1 || svc.acts[0].snooze != 30*time.Minute {
			t.Fatalf("Unexpected act calls: %+v", svc.acts)
		}
	})

	t.Run("UnknownItem", func(t *testing.T) {
		b, sender, _ := newTestBot(t)
		b.HandleUpdate(textUpdate(allowedUser, "/skip 9"))
		if !strings.Contains(sender.last(), "No such item") {
			t.Errorf("Expected a friendly not-found reply, got %q", sender.last())
		}
	})

	t.Run("PlanQueuesWhenOutOfEnergy", func(t *testing.T) {
		b, sender, svc := newTestBot(t)
		svc.generateErr = &planner.InsufficientEnergyError{Cost: 10, Balance: 3}
		b.HandleUpdate(textUpdate(allowedUser, "/plan"))
		if svc.queued != 1 {
			t.Errorf("Expected the request to be queued, got %d", svc.queued)
		}
		if !strings.Contains(sender.last(), "Not enough energy") {
			t.Errorf("Expected an energy notice, got %q", sender.last())
		}
	})

	t.Run("PlanFallsBackOffline", func(t *testing.T) {
		b, sender, svc := newTestBot(t)
		svc.generateErr = &planner.GenerationError{Tier: planner.TierImmediate, Err: errors.New("timeout")}
		b.HandleUpdate(textUpdate(allowedUser, "/plan"))
		texts := sender.texts()
		if len(texts) < 3 || !strings.Contains(texts[1], "_(template)_") {
			t.Errorf("Expected the offline template to be shown, got %q", texts)
		}
	})

	t.Run("MetricsAdminOnly", func(t *testing.T) {
		b, sender, _ := newTestBot(t)
		b.HandleUpdate(textUpdate(allowedUser, "/metrics"))
		if !strings.Contains(sender.last(), "Access Denied") {
			t.Errorf("Expected access denied, got %q", sender.last())
		}
		b.HandleUpdate(textUpdate(adminUser, "/metrics"))
		if !strings.Contains(sender.last(), "Usage & Health Report") {
			t.Errorf("Expected a metrics report, got %q", sender.last())
		}
	})

	t.Run("Recharge", func(t *testing.T) {
		b, sender, _ := newTestBot(t)
		b.HandleUpdate(textUpdate(allowedUser, "/recharge good"))
		if !strings.Contains(sender.last(), "Balance: *40*") {
			t.Errorf("Expected the new balance, got %q", sender.last())
		}
	})
}

func TestBot_RefineSession(t *testing.T) {
	b, sender, svc := newTestBot(t)

	b.HandleUpdate(textUpdate(allowedUser, "/refine"))
	if !strings.Contains(sender.last(), "What should change") {
		t.Fatalf("Expected a refine prompt, got %q", sender.last())
	}

	b.HandleUpdate(textUpdate(allowedUser, "more protein at lunch"))
	if len(svc.refined) != 1 || svc.refined[0] != "more protein at lunch" {
		t.Fatalf("Expected the follow-up to be used as feedback, got %v", svc.refined)
	}

	// The session is closed after one use.
	b.HandleUpdate(textUpdate(allowedUser, "and less coffee"))
	if len(svc.refined) != 1 {
		t.Errorf("Expected no second refinement, got %v", svc.refined)
	}

	b.HandleUpdate(textUpdate(allowedUser, "/refine earlier dinner"))
	if len(svc.refined) != 2 || svc.refined[1] != "earlier dinner" {
		t.Errorf("Expected inline feedback to refine directly, got %v", svc.refined)
	}
}

func TestBot_PushesUpgrades(t *testing.T) {
	b, sender, svc := newTestBot(t)
	h := svc.handlers[events.PlanUpgraded]
	if h == nil {
		t.Fatal("Expected the bot to subscribe to plan upgrades")
	}
	h(context.Background(), events.New(events.PlanUpgraded, "2024-05-06", nil))
	if got := len(sender.texts()); got != 2 {
		t.Errorf("Expected one push per allowed chat, got %d", got)
	}

	b.Close()
	if svc.handlers[events.PlanUpgraded] != nil {
		t.Error("Expected Close to unsubscribe")
	}
}

func TestNotifier(t *testing.T) {
	sender := &fakeSender{}
	n := NewNotifier(sender, []int64{1, 2}, time.UTC)
	r := reminders.Reminder{
		Date:  "2024-05-06",
		Type:  plan.ItemHydration,
		Title: "Glass of water",
		At:    time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC),
	}
	if err := n.Notify(context.Background(), r); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}
	texts := sender.texts()
	if len(texts) != 2 || !strings.Contains(texts[0], "Drink some water") || !strings.Contains(texts[0], "10:00") {
		t.Errorf("Unexpected reminder messages: %q", texts)
	}

	sender.err = errors.New("blocked")
	if err := n.Notify(context.Background(), r); err == nil {
		t.Error("Expected delivery errors to be reported")
	}
}
