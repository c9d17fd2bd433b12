package telegram

import (
	"context"
	"errors"
	"fmt"
	"time"

	"wellness-planner/internal/plan"
	"wellness-planner/internal/reminders"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var reminderVerbs = map[plan.ItemType]string{
	plan.ItemMeal:        "Time to eat",
	plan.ItemWorkout:     "Time to move",
	plan.ItemHydration:   "Drink some water",
	plan.ItemSleep:       "Time to wind down",
	plan.ItemWorkBreak:   "Take a break",
	plan.ItemWrapUp:      "Wrap up the day",
	plan.ItemWeightCheck: "Weigh-in",
}

// Notifier delivers due reminders to every allowed chat.
type Notifier struct {
	api     Sender
	chatIDs []int64
	loc     *time.Location
}

// NewNotifier creates a reminder sink that messages chatIDs.
func NewNotifier(api Sender, chatIDs []int64, loc *time.Location) *Notifier {
	return &Notifier{api: api, chatIDs: chatIDs, loc: loc}
}

func (n *Notifier) Notify(ctx context.Context, r reminders.Reminder) error {
	text := formatReminder(r, n.loc)
	var errs []error
	for _, id := range n.chatIDs {
		msg := tgbotapi.NewMessage(id, text)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := n.api.Send(msg); err != nil {
			errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func formatReminder(r reminders.Reminder, loc *time.Location) string {
	verb, ok := reminderVerbs[r.Type]
	if !ok {
		verb = "Reminder"
	}
	return fmt.Sprintf("⏰ *%s* (%s)\n%s\n\n/done to check it off, /snooze to push it back.",
		verb, r.At.In(loc).Format("15:04"), escape(r.Title))
}
