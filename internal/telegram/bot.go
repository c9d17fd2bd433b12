package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wellness-planner/internal/app"
	"wellness-planner/internal/clock"
	"wellness-planner/internal/config"
	"wellness-planner/internal/events"
	"wellness-planner/internal/logger"
	"wellness-planner/internal/metrics"
	"wellness-planner/internal/plan"
	"wellness-planner/internal/planner"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Service is the part of the application the bot drives.
type Service interface {
	Today(ctx context.Context) (*plan.DailyPlan, error)
	Plan(ctx context.Context, date string) (*plan.DailyPlan, error)
	Generate(ctx context.Context, date, notes string) (*planner.Outcome, error)
	QueueGenerate(date, notes string, done func(*planner.Outcome, error))
	Fallback(ctx context.Context, date string) (*plan.DailyPlan, error)
	Refine(ctx context.Context, feedback string) (*planner.Outcome, error)
	Retry(ctx context.Context, date string) (*planner.Outcome, error)
	Act(ctx context.Context, n int, action plan.Action, snooze time.Duration) (*plan.DailyPlan, plan.Item, error)
	Energy(ctx context.Context) (app.EnergyStatus, error)
	Recharge(ctx context.Context, token string) (int, error)
	Usage(days int) ([]metrics.DailyUsage, error)
	Health() metrics.Health
	Subscribe(name string, h events.Handler) func()
}

// Sessions persists multi-message conversations.
type Sessions interface {
	Create(ctx context.Context, userID, sessionType, state string, contextData SessionContextData, ttl time.Duration, now time.Time) (int64, error)
	GetActive(ctx context.Context, userID string, now time.Time) (*Session, error)
	Update(ctx context.Context, sessionID int64, state string, contextData SessionContextData) error
	Delete(ctx context.Context, sessionID int64) error
}

// Sender is the subset of the Telegram API the bot sends through.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Bot wraps the Telegram API and the plan engine.
type Bot struct {
	api      Sender
	app      Service
	sessions Sessions
	cfg      *config.Config
	clock    *clock.Clock
	log      *logger.Logger

	unsubscribe func()
	// handle runs a message handler; it is a goroutine in production.
	handle func(fn func())
}

// NewAPI authorizes the bot token and points the webhook at the configured URL.
func NewAPI(cfg *config.Config, log *logger.Logger) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to init telegram api: %w", err)
	}
	log.Info("authorized on account", "username", api.Self.UserName)

	wh, err := tgbotapi.NewWebhook(cfg.TelegramWebhookURL)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	resp, err := api.Request(wh)
	if err != nil {
		return nil, fmt.Errorf("failed to set webhook to %s: %w", cfg.TelegramWebhookURL, err)
	}
	log.Info("webhook set", "description", resp.Description)
	return api, nil
}

// NewBot creates the bot and subscribes it to plan upgrades so improved
// plans are pushed to the allowed chats.
func NewBot(api Sender, svc Service, sessions Sessions, cfg *config.Config, clk *clock.Clock, log *logger.Logger) *Bot {
	if log == nil {
		log = logger.Nop()
	}
	b := &Bot{
		api:      api,
		app:      svc,
		sessions: sessions,
		cfg:      cfg,
		clock:    clk,
		log:      log.With("component", "TelegramBot"),
		handle:   func(fn func()) { go fn() },
	}
	b.unsubscribe = svc.Subscribe(events.PlanUpgraded, b.onPlanUpgraded)
	return b
}

// Close stops the event subscription.
func (b *Bot) Close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
}

// RegisterHandlers registers the webhook handler on mux.
func (b *Bot) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/webhook", b.handleWebhook)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func (b *Bot) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		b.log.Warn("error parsing update", "error", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	b.HandleUpdate(update)
}

// HandleUpdate routes one Telegram update.
func (b *Bot) HandleUpdate(update tgbotapi.Update) {
	if q := update.CallbackQuery; q != nil {
		if q.From == nil || !b.allowed(q.From.ID) {
			return
		}
		b.handle(func() { b.handleCallbackQuery(q) })
		return
	}

	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if !b.allowed(msg.From.ID) {
		b.log.Warn("unauthorized access attempt", "user_id", msg.From.ID, "username", msg.From.UserName)
		return
	}
	b.handle(func() { b.processMessage(msg) })
}

func (b *Bot) allowed(userID int64) bool {
	for _, id := range b.cfg.TelegramAllowedUserIDs {
		if userID == id {
			return true
		}
	}
	return false
}

func (b *Bot) processMessage(msg *tgbotapi.Message) {
	ctx := context.Background()
	chatID := msg.Chat.ID

	if !msg.IsCommand() {
		b.handleFreeText(ctx, msg)
		return
	}

	args := strings.Fields(msg.CommandArguments())
	switch msg.Command() {
	case "start", "help":
		b.sendMarkdown(chatID, helpText)
	case "today":
		b.handleToday(ctx, chatID)
	case "plan":
		b.handlePlan(ctx, chatID, msg.CommandArguments())
	case "done":
		b.handleAction(ctx, chatID, args, plan.ActionComplete)
	case "skip":
		b.handleAction(ctx, chatID, args, plan.ActionSkip)
	case "undo":
		b.handleAction(ctx, chatID, args, plan.ActionUncomplete)
	case "snooze":
		b.handleAction(ctx, chatID, args, plan.ActionSnooze)
	case "refine":
		b.handleRefine(ctx, msg)
	case "retry":
		b.handleRetry(ctx, chatID)
	case "energy":
		b.handleEnergy(ctx, chatID)
	case "recharge":
		b.handleRecharge(ctx, chatID, args)
	case "metrics":
		if msg.From.ID != b.cfg.AdminTelegramID {
			b.sendMarkdown(chatID, "⛔ *Access Denied*: Admin only.")
			return
		}
		b.handleMetricsCommand(chatID)
	default:
		b.sendMarkdown(chatID, "🤔 Unknown command. Try /help.")
	}
}

const helpText = `🌿 *Daily Plan*

/today - show today's plan
/plan [notes] - generate today's plan
/done N - mark item N done
/skip N - skip item N
/undo N - undo item N
/snooze N MIN - remind me about item N later
/refine [feedback] - adjust today's plan
/retry - ask for an improved plan again
/energy - show the energy balance
/recharge TOKEN - redeem an energy grant`

// handleFreeText treats a message as refine feedback when a refine session is open.
func (b *Bot) handleFreeText(ctx context.Context, msg *tgbotapi.Message) {
	userID := strconv.FormatInt(msg.From.ID, 10)
	session, err := b.sessions.GetActive(ctx, userID, b.clock.Now())
	if err != nil {
		b.log.Error("failed to load session", "user_id", userID, "error", err)
	}
	if session == nil || session.SessionType != SessionRefine {
		b.sendMarkdown(msg.Chat.ID, "Send /help to see what I can do.")
		return
	}
	if err := b.sessions.Delete(ctx, session.ID); err != nil {
		b.log.Warn("failed to close session", "session_id", session.ID, "error", err)
	}
	b.refine(ctx, msg.Chat.ID, msg.Text)
}

func (b *Bot) handleToday(ctx context.Context, chatID int64) {
	p, err := b.app.Today(ctx)
	if err != nil {
		b.sendError(chatID, "loading today's plan", err)
		return
	}
	b.sendPlan(chatID, p, "")
}

func (b *Bot) handlePlan(ctx context.Context, chatID int64, notes string) {
	status := tgbotapi.NewMessage(chatID, "🧠 *Planning your day...*")
	status.ParseMode = tgbotapi.ModeMarkdown
	sent, err := b.api.Send(status)
	if err != nil {
		b.log.Error("failed to send initial reply", "error", err)
		return
	}

	out, err := b.app.Generate(ctx, "", strings.TrimSpace(notes))
	switch {
	case errors.Is(err, planner.ErrInsufficientEnergy):
		b.app.QueueGenerate("", notes, func(out *planner.Outcome, err error) {
			if err != nil {
				b.sendError(chatID, "running the queued plan", err)
				return
			}
			b.sendPlan(chatID, out.Plan, "⚡ Recharged, here is your plan.")
		})
		b.edit(chatID, sent.MessageID, fmt.Sprintf("🔋 *Not enough energy.*\n%s\nYour request is queued and will run after /recharge.",
			escape(err.Error())), nil)
		return
	case errors.Is(err, planner.ErrGenerationFailed):
		b.log.Warn("generation failed, showing offline plan", "error", err)
		fallback, ferr := b.app.Fallback(ctx, "")
		if ferr != nil {
			b.edit(chatID, sent.MessageID, errorText("generating your plan", err), nil)
			return
		}
		b.edit(chatID, sent.MessageID, formatPlanMarkdown(fallback, b.clock.Location()),
			nil)
		b.sendMarkdown(chatID, "📴 The planner is unreachable, this is a template for now. Try /plan again later.")
		return
	case err != nil:
		b.edit(chatID, sent.MessageID, errorText("generating your plan", err), nil)
		return
	}

	text := formatPlanMarkdown(out.Plan, b.clock.Location())
	if out.UpgradePending() {
		text += "\n\n✨ _An improved version is on its way._"
	}
	kb := actionKeyboard(out.Plan)
	b.edit(chatID, sent.MessageID, text, kb)
}

func (b *Bot) handleAction(ctx context.Context, chatID int64, args []string, action plan.Action) {
	n, snooze, err := parseActionArgs(args, action)
	if err != nil {
		b.sendMarkdown(chatID, "⚠️ "+escape(err.Error()))
		return
	}
	updated, item, err := b.app.Act(ctx, n, action, snooze)
	if err != nil {
		b.sendError(chatID, "updating your plan", err)
		return
	}
	b.sendPlan(chatID, updated, actionConfirmation(action, item, b.clock.Location()))
}

func parseActionArgs(args []string, action plan.Action) (int, time.Duration, error) {
	if len(args) == 0 {
		return 0, 0, errors.New("which item? e.g. /" + commandFor(action) + " 2")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, 0, fmt.Errorf("%q is not an item number", args[0])
	}
	if action != plan.ActionSnooze {
		return n, 0, nil
	}
	minutes := 15
	if len(args) > 1 {
		minutes, err = strconv.Atoi(args[1])
		if err != nil || minutes < 1 {
			return 0, 0, fmt.Errorf("%q is not a number of minutes", args[1])
		}
	}
	return n, time.Duration(minutes) * time.Minute, nil
}

func commandFor(action plan.Action) string {
	switch action {
	case plan.ActionComplete:
		return "done"
	case plan.ActionUncomplete:
		return "undo"
	default:
		return string(action)
	}
}

func actionConfirmation(action plan.Action, item plan.Item, loc *time.Location) string {
	title := escape(item.Title)
	switch action {
	case plan.ActionComplete:
		return "✅ Nice! *" + title + "* done."
	case plan.ActionSkip:
		return "⏭️ Skipped *" + title + "*."
	case plan.ActionUncomplete:
		return "↩️ *" + title + "* is open again."
	case plan.ActionSnooze:
		if item.SnoozedUntil != nil {
			return fmt.Sprintf("💤 I'll remind you about *%s* at %s.", title, item.SnoozedUntil.In(loc).Format("15:04"))
		}
	}
	return ""
}

func (b *Bot) handleRefine(ctx context.Context, msg *tgbotapi.Message) {
	feedback := strings.TrimSpace(msg.CommandArguments())
	if feedback != "" {
		b.refine(ctx, msg.Chat.ID, feedback)
		return
	}

	userID := strconv.FormatInt(msg.From.ID, 10)
	now := b.clock.Now()
	data := SessionContextData{Date: b.clock.Today()}
	id, err := b.sessions.Create(ctx, userID, SessionRefine, StateAwaitingFeedback, data, defaultSessionDuration, now)
	if err != nil {
		b.sendError(msg.Chat.ID, "starting the refinement", err)
		return
	}
	prompt := tgbotapi.NewMessage(msg.Chat.ID, "✏️ What should change in today's plan?")
	sent, err := b.api.Send(prompt)
	if err != nil {
		b.log.Error("failed to send refine prompt", "error", err)
		return
	}
	data.PromptMessageID = sent.MessageID
	if err := b.sessions.Update(ctx, id, StateAwaitingFeedback, data); err != nil {
		b.log.Warn("failed to update session", "session_id", id, "error", err)
	}
}

func (b *Bot) refine(ctx context.Context, chatID int64, feedback string) {
	out, err := b.app.Refine(ctx, feedback)
	if err != nil {
		if errors.Is(err, planner.ErrNoPlanForToday) {
			b.sendMarkdown(chatID, "📭 There is no plan for today yet. Use /plan first.")
			return
		}
		b.sendError(chatID, "refining your plan", err)
		return
	}
	b.sendPlan(chatID, out.Plan, "✏️ Plan adjusted.")
}

func (b *Bot) handleRetry(ctx context.Context, chatID int64) {
	out, err := b.app.Retry(ctx, "")
	if err != nil {
		b.sendError(chatID, "retrying the upgrade", err)
		return
	}
	b.sendPlan(chatID, out.Plan, "✨ Improved plan ready.")
}

func (b *Bot) handleEnergy(ctx context.Context, chatID int64) {
	st, err := b.app.Energy(ctx)
	if err != nil {
		b.sendError(chatID, "reading the energy balance", err)
		return
	}
	b.sendMarkdown(chatID, formatEnergyMarkdown(st))
}

func (b *Bot) handleRecharge(ctx context.Context, chatID int64, args []string) {
	if len(args) != 1 {
		b.sendMarkdown(chatID, "⚠️ Usage: /recharge TOKEN")
		return
	}
	balance, err := b.app.Recharge(ctx, args[0])
	if err != nil {
		b.sendError(chatID, "redeeming the grant", err)
		return
	}
	b.sendMarkdown(chatID, fmt.Sprintf("🔋 Recharged. Balance: *%d*", balance))
}

func (b *Bot) handleCallbackQuery(q *tgbotapi.CallbackQuery) {
	ctx := context.Background()
	b.api.Request(tgbotapi.NewCallback(q.ID, ""))
	if q.Message == nil {
		return
	}

	parts := strings.Split(q.Data, "|")
	if len(parts) != 2 {
		return
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return
	}
	var action plan.Action
	switch parts[0] {
	case "done":
		action = plan.ActionComplete
	case "skip":
		action = plan.ActionSkip
	default:
		return
	}

	chatID := q.Message.Chat.ID
	updated, _, err := b.app.Act(ctx, n, action, 0)
	if err != nil {
		b.sendError(chatID, "updating your plan", err)
		return
	}
	b.edit(chatID, q.Message.MessageID, formatPlanMarkdown(updated, b.clock.Location()), actionKeyboard(updated))
}

func (b *Bot) onPlanUpgraded(ctx context.Context, e events.Event) {
	p, err := b.app.Plan(ctx, e.Date)
	if err != nil {
		b.log.Warn("failed to load upgraded plan", "date", e.Date, "error", err)
		return
	}
	for _, chatID := range b.cfg.TelegramAllowedUserIDs {
		b.sendPlan(chatID, p, "✨ Your plan was upgraded.")
	}
}

func (b *Bot) handleMetricsCommand(chatID int64) {
	usage, err := b.app.Usage(7)
	if err != nil {
		b.sendMarkdown(chatID, "❌ Error fetching metrics.")
		return
	}
	b.sendMarkdown(chatID, formatMetricsMarkdown(usage, b.app.Health()))
}

func (b *Bot) sendPlan(chatID int64, p *plan.DailyPlan, header string) {
	text := formatPlanMarkdown(p, b.clock.Location())
	if header != "" {
		text = header + "\n\n" + text
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if kb := actionKeyboard(p); kb != nil {
		msg.ReplyMarkup = *kb
	}
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("failed to send plan", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("failed to send message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) edit(chatID int64, messageID int, text string, kb *tgbotapi.InlineKeyboardMarkup) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	edit.ParseMode = tgbotapi.ModeMarkdown
	edit.ReplyMarkup = kb
	if _, err := b.api.Send(edit); err != nil {
		b.log.Error("failed to edit message", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) sendError(chatID int64, doing string, err error) {
	b.log.Warn("request failed", "doing", doing, "error", err)
	b.sendMarkdown(chatID, errorText(doing, err))
}

func errorText(doing string, err error) string {
	switch {
	case errors.Is(err, planner.ErrNoPlanForToday), errors.Is(err, planner.ErrPlanNotFound):
		return "📭 There is no plan for today yet. Use /plan first."
	case errors.Is(err, planner.ErrItemNotFound):
		return "🔎 No such item. Check the numbers in /today."
	case errors.Is(err, planner.ErrInsufficientEnergy):
		return "🔋 *Not enough energy.* " + escape(err.Error())
	case errors.Is(err, planner.ErrUpgradeUnavailable):
		return "🚫 That planner is not configured."
	}
	safeErr := strings.ReplaceAll(err.Error(), "`", "'")
	return fmt.Sprintf("❌ *Error %s:*\n```\n%v\n```", doing, safeErr)
}
