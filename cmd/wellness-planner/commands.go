package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"wellness-planner/internal/app"
	"wellness-planner/internal/plan"
	"wellness-planner/internal/planner"

	"github.com/spf13/cobra"
)

type opener func(ctx context.Context) (*app.App, error)

// cli carries the application across a single command invocation.
type cli struct {
	open opener
	app  *app.App
}

// newRootCmd builds the command tree. The returned cli must be closed after
// Execute so the application is released even when a command fails.
func newRootCmd(open opener) (*cobra.Command, *cli) {
	c := &cli{open: open}

	root := &cobra.Command{
		Use:   "wellness-planner",
		Short: "Daily wellness plan engine",
		Long: `wellness-planner generates a timed plan for the day (meals, hydration,
movement, breaks, sleep), tracks what you complete or skip, and marks what
you miss.

Configuration comes from the environment (see DATABASE_PATH, TIMEZONE,
GROQ_API_KEY, GEMINI_API_KEY, PROFILE_PATH).`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			c.app = a
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		c.todayCmd(),
		c.generateCmd(),
		c.refineCmd(),
		c.actionCmd("complete", "Mark item N of today's plan done", plan.ActionComplete),
		c.actionCmd("skip", "Skip item N of today's plan", plan.ActionSkip),
		c.actionCmd("undo", "Reopen item N of today's plan", plan.ActionUncomplete),
		c.snoozeCmd(),
		c.retryCmd(),
		c.energyCmd(),
		c.rechargeCmd(),
		c.grantCmd(),
		c.historyCmd(),
		c.metricsCleanupCmd(),
	)
	return root, c
}

// close releases the application opened for the command, if any.
func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close()
	c.app = nil
	return err
}

func (c *cli) todayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "today",
		Short: "Show today's plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.app.Today(cmd.Context())
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), p, c.app.Clock().Location())
			return nil
		},
	}
}

func (c *cli) generateCmd() *cobra.Command {
	var (
		date  string
		notes string
		wait  bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a plan",
		Long: `Generate a plan for a day. The fast tier answers first and is shown
immediately; the improved plan follows in the background. Use --wait to
block until it is written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			res, err := c.app.Generate(ctx, date, notes)
			if errors.Is(err, planner.ErrGenerationFailed) {
				fallback, ferr := c.app.Fallback(ctx, date)
				if ferr == nil {
					fmt.Fprintln(out, "Planner unreachable, showing the offline template (not saved).")
					printPlan(out, fallback, c.app.Clock().Location())
				}
				return err
			}
			if err != nil {
				return err
			}

			if res.Coalesced {
				fmt.Fprintln(out, "A generation for this day was already running; showing its result.")
			}
			printPlan(out, res.Plan, c.app.Clock().Location())
			if res.Charged > 0 {
				fmt.Fprintf(out, "Energy used: %d\n", res.Charged)
			}

			if !res.UpgradePending() {
				return nil
			}
			if !wait {
				fmt.Fprintln(out, "An improved plan is being prepared.")
				return nil
			}
			fmt.Fprintln(out, "Waiting for the improved plan...")
			upgraded, err := res.WaitUpgrade(ctx)
			if err != nil {
				fmt.Fprintf(out, "Upgrade failed, keeping the draft: %v\n", err)
				return nil
			}
			fmt.Fprintln(out)
			printPlan(out, upgraded, c.app.Clock().Location())
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day to plan as YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&notes, "notes", "", "extra instructions for the planner")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the improved plan")
	return cmd
}

func (c *cli) refineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refine FEEDBACK...",
		Short: "Adjust today's plan from feedback",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Refine(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), res.Plan, c.app.Clock().Location())
			return nil
		},
	}
}

func (c *cli) actionCmd(name, short string, action plan.Action) *cobra.Command {
	return &cobra.Command{
		Use:   name + " N",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			updated, item, err := c.app.Act(cmd.Context(), n, action, 0)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n\n", item.Title, itemState(item))
			printPlan(cmd.OutOrStdout(), updated, c.app.Clock().Location())
			return nil
		},
	}
}

func (c *cli) snoozeCmd() *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "snooze N",
		Short: "Move the reminder for item N later",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			if minutes < 1 {
				return fmt.Errorf("--minutes must be positive")
			}
			_, item, err := c.app.Act(cmd.Context(), n, plan.ActionSnooze, time.Duration(minutes)*time.Minute)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s snoozed until %s\n", item.Title,
				item.SnoozedUntil.In(c.app.Clock().Location()).Format("15:04"))
			return nil
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 15, "minutes to snooze")
	return cmd
}

func (c *cli) retryCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Run the improved planner again for a day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := c.app.Retry(cmd.Context(), date)
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), res.Plan, c.app.Clock().Location())
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "day as YYYY-MM-DD (default today)")
	return cmd
}

func (c *cli) energyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "energy",
		Short: "Show the energy balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.app.Energy(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Balance: %d (daily allowance %d, %d per plan)\n", st.Balance, st.Allowance, st.Cost)
			for _, tx := range st.Recent {
				fmt.Fprintf(out, "  %s  %-9s %+4d -> %d  %s\n",
					tx.CreatedAt.In(c.app.Clock().Location()).Format("2006-01-02 15:04"),
					tx.Kind, tx.Amount, tx.BalanceAfter, tx.Reason)
			}
			return nil
		},
	}
}

func (c *cli) rechargeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recharge TOKEN",
		Short: "Redeem a signed energy grant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			balance, err := c.app.Recharge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Recharged. Balance: %d\n", balance)
			return nil
		},
	}
}

func (c *cli) grantCmd() *cobra.Command {
	var (
		amount int
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Issue a signed energy grant (requires ENERGY_GRANT_SECRET)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := c.app.Grant(amount, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().IntVar(&amount, "amount", 10, "energy to grant")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "how long the grant stays valid")
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Summarize recent days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			days, err := c.app.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(days) == 0 {
				fmt.Fprintln(out, "No plans yet.")
			}
			for _, d := range days {
				fmt.Fprintf(out, "%s  %d/%d done, %d missed\n", d.Date, d.Done, d.Total, d.Missed)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 7, "number of days to show")
	return cmd
}

func (c *cli) metricsCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "metrics-cleanup",
		Short: "Remove old metric records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			affected, err := c.app.CleanupMetrics(days)
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Successfully removed %d old metric records.\n", affected)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "keep records for the last N days")
	return cmd
}

func parseIndex(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%q is not an item number", s)
	}
	return n, nil
}

func itemState(it plan.Item) string {
	switch {
	case it.Completed:
		return "done"
	case it.Skipped:
		return "skipped"
	case it.Missed:
		return "missed"
	case it.SnoozedUntil != nil:
		return "snoozed"
	default:
		return "open"
	}
}

func printPlan(w io.Writer, p *plan.DailyPlan, loc *time.Location) {
	label := ""
	switch {
	case p.Source == plan.SourceOffline:
		label = " (offline template)"
	case p.IsTemporary:
		label = " (draft)"
	}
	fmt.Fprintf(w, "=== PLAN FOR %s%s ===\n", p.Date, label)
	if p.Summary != "" {
		fmt.Fprintln(w, p.Summary)
	}
	for i, it := range p.Items {
		mark := " "
		switch {
		case it.Completed:
			mark = "x"
		case it.Skipped:
			mark = "-"
		case it.Missed:
			mark = "!"
		}
		fmt.Fprintf(w, "%2d. [%s] %s  %-12s %s", i+1, mark, it.Time, it.Type, it.Title)
		if it.SnoozedUntil != nil && it.Open() {
			fmt.Fprintf(w, " (snoozed to %s)", it.SnoozedUntil.In(loc).Format("15:04"))
		}
		fmt.Fprintln(w)
		if it.Description != "" {
			fmt.Fprintf(w, "            %s\n", it.Description)
		}
	}
	done, total := p.Progress()
	fmt.Fprintf(w, "Progress: %d/%d\n", done, total)
}
