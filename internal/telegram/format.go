package telegram

import (
	"fmt"
	"strings"
	"time"

	"wellness-planner/internal/app"
	"wellness-planner/internal/metrics"
	"wellness-planner/internal/plan"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxKeyboardItems caps the inline buttons attached to a plan message.
const maxKeyboardItems = 6

var typeIcons = map[plan.ItemType]string{
	plan.ItemMeal:        "🍽",
	plan.ItemWorkout:     "🏃",
	plan.ItemHydration:   "💧",
	plan.ItemSleep:       "😴",
	plan.ItemWorkBreak:   "☕",
	plan.ItemWrapUp:      "📝",
	plan.ItemWeightCheck: "⚖️",
	plan.ItemGeneric:     "•",
}

func escape(s string) string {
	return tgbotapi.EscapeText(tgbotapi.ModeMarkdown, s)
}

func statusIcon(it plan.Item) string {
	switch {
	case it.Completed:
		return "✅"
	case it.Skipped:
		return "⏭️"
	case it.Missed:
		return "❌"
	case it.SnoozedUntil != nil:
		return "💤"
	default:
		return "⬜"
	}
}

func formatPlanMarkdown(p *plan.DailyPlan, loc *time.Location) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📅 *Plan for %s*", p.Date))
	switch {
	case p.Source == plan.SourceOffline:
		sb.WriteString(" _(template)_")
	case p.IsTemporary:
		sb.WriteString(" _(draft)_")
	}
	sb.WriteString("\n")
	if p.Summary != "" {
		sb.WriteString(fmt.Sprintf("_%s_\n", escape(p.Summary)))
	}
	sb.WriteString("\n")

	for i, it := range p.Items {
		icon := typeIcons[it.Type]
		if icon == "" {
			icon = typeIcons[plan.ItemGeneric]
		}
		sb.WriteString(fmt.Sprintf("%d. %s %s %s %s", i+1, statusIcon(it), it.Time, icon, escape(it.Title)))
		if it.SnoozedUntil != nil && it.Open() {
			sb.WriteString(fmt.Sprintf(" (snoozed to %s)", it.SnoozedUntil.In(loc).Format("15:04")))
		}
		sb.WriteString("\n")
	}

	done, total := p.Progress()
	sb.WriteString(fmt.Sprintf("\n*Progress:* %d/%d", done, total))
	return sb.String()
}

// actionKeyboard offers done/skip buttons for the next open items. Offline
// templates are not stored, so they get no buttons.
func actionKeyboard(p *plan.DailyPlan) *tgbotapi.InlineKeyboardMarkup {
	if p == nil || p.Source == plan.SourceOffline {
		return nil
	}
	var rows [][]tgbotapi.InlineKeyboardButton
	for i, it := range p.Items {
		if !it.Open() {
			continue
		}
		n := i + 1
		label := fmt.Sprintf("%d. %s", n, it.Title)
		if r := []rune(label); len(r) > 28 {
			label = string(r[:28]) + "…"
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ "+label, fmt.Sprintf("done|%d", n)),
			tgbotapi.NewInlineKeyboardButtonData("⏭️", fmt.Sprintf("skip|%d", n)),
		))
		if len(rows) == maxKeyboardItems {
			break
		}
	}
	if len(rows) == 0 {
		return nil
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &kb
}

func formatEnergyMarkdown(st app.EnergyStatus) string {
	var sb strings.Builder
	sb.WriteString("🔋 *Energy*\n\n")
	sb.WriteString(fmt.Sprintf("• Balance: *%d* (daily allowance %d)\n", st.Balance, st.Allowance))
	sb.WriteString(fmt.Sprintf("• Cost per plan: %d\n", st.Cost))
	if st.PendingRetries > 0 {
		sb.WriteString(fmt.Sprintf("• Queued requests: %d\n", st.PendingRetries))
	}
	if len(st.Recent) > 0 {
		sb.WriteString("\n*Recent*\n")
		for _, tx := range st.Recent {
			sb.WriteString(fmt.Sprintf("• %+d %s → %d\n", tx.Amount, escape(tx.Kind), tx.BalanceAfter))
		}
	}
	return sb.String()
}

func formatMetricsMarkdown(usage []metrics.DailyUsage, health metrics.Health) string {
	var sb strings.Builder
	sb.WriteString("📊 *Usage & Health Report*\n\n")

	sb.WriteString("🗓 *Recent LLM Activity*\n")
	if len(usage) == 0 {
		sb.WriteString("_No data yet_\n")
	}
	for _, d := range usage {
		sb.WriteString(fmt.Sprintf("• *%s*: %d tokens (%d execs", d.Date, d.TotalPrompt+d.TotalCompletion, d.TotalExecution))
		if d.Failures > 0 {
			sb.WriteString(fmt.Sprintf(", %d failed", d.Failures))
		}
		sb.WriteString(")\n")
	}

	sb.WriteString("\n🧠 *System Health*\n")
	sb.WriteString(fmt.Sprintf("• RAM: %dMB (Heap) / %dMB (Sys)\n", health.HeapMB, health.SysMB))
	sb.WriteString(fmt.Sprintf("• Goroutines: %d\n", health.Goroutines))
	sb.WriteString(fmt.Sprintf("• Uptime: %s\n", health.Uptime))
	sb.WriteString(fmt.Sprintf("• Disk Data: %s\n", health.DataSize()))
	return sb.String()
}
