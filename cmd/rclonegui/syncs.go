package main

import (
	"context"
	"fmt"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/client"
	"github.com/GamblerIX/RCloneGUI/internal/logging"
	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/GamblerIX/RCloneGUI/internal/rclone"
	"github.com/GamblerIX/RCloneGUI/internal/scheduler"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// pollInterval is how often 'sync run --wait' refreshes progress.
const pollInterval = time.Second

func newSyncCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "List and run sync tasks",
	}

	cmd.AddCommand(
		newSyncListCmd(flags),
		newSyncRunCmd(flags),
	)

	return cmd
}

func newSyncListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sync tasks with their schedule and last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(requestTimeout)
			defer cancel()

			tasks, err := c.Syncs(ctx)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No sync tasks defined.")
				return nil
			}

			fmt.Printf("%-20s %-7s %-28s %-10s %-20s %-10s\n", "NAME", "MODE", "SCHEDULE", "STATE", "LAST RUN", "OUTCOME")
			printRule(100)
			for _, t := range tasks {
				schedule := t.Schedule
				if schedule == "" {
					schedule = "manual"
				}
				state := "idle"
				if t.Active {
					state = "running"
				}
				lastRun, outcome := "-", "-"
				if t.LastRun != nil {
					lastRun = formatTime(t.LastRun.StartedAt)
					outcome = string(t.LastRun.Outcome)
				}
				fmt.Printf("%-20s %-7s %-28s %-10s %-20s %-10s\n",
					truncate(t.Name, 20), t.Mode, truncate(schedule, 28), state, lastRun, outcome)
			}
			return nil
		},
	}
}

func newSyncRunCmd(flags *globalFlags) *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Start a sync task now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}

			ctx, cancel := commandContext(requestTimeout)
			run, err := c.RunSync(ctx, args[0])
			cancel()
			if err != nil {
				return err
			}
			fmt.Printf("Started %s (run %s)\n", run.Task, run.ID)

			if !wait {
				return nil
			}
			final, err := waitForRun(cmd.Context(), c, run.ID)
			if err != nil {
				return err
			}
			fmt.Printf("\n%s %s in %s\n", final.Task, final.Outcome, final.Duration().Round(time.Second))
			if final.Outcome == models.RunOutcomeFailed {
				return fmt.Errorf("sync failed: %s", final.Error)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the run to finish and show progress")

	return cmd
}

// waitForRun polls a run until it reaches a terminal outcome.
func waitForRun(ctx context.Context, c *client.Client, id uuid.UUID) (*models.SyncRun, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		run, err := c.GetRun(reqCtx, id)
		cancel()
		if err != nil {
			return nil, err
		}
		if run.Outcome.Terminal() {
			return run, nil
		}
		fmt.Printf("\r%s", formatProgress(run.Progress))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// formatProgress renders a one-line progress summary.
func formatProgress(p models.ProgressSnapshot) string {
	percent := "  ?%"
	if !p.Indeterminate {
		percent = fmt.Sprintf("%3.0f%%", p.Percent)
	}
	eta := "-"
	if p.ETAKnown {
		eta = p.ETA.Round(time.Second).String()
	}
	return fmt.Sprintf("%s  %s / %s  %s/s  files %d/%d  eta %s   ",
		percent,
		formatBytes(p.BytesTransferred),
		formatBytes(p.BytesTotal),
		formatBytes(int64(p.Speed)),
		p.FilesTransferred,
		p.FilesTotal,
		eta,
	)
}

// formatBytes renders n with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func newRunsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and cancel sync runs",
	}

	cmd.AddCommand(
		newRunsActiveCmd(flags),
		newRunsHistoryCmd(flags),
		newRunsCancelCmd(flags),
	)

	return cmd
}

func newRunsActiveCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List live sync runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(requestTimeout)
			defer cancel()

			runs, err := c.ActiveRuns(ctx)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No sync runs in progress.")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("%-20s %s  %s\n", truncate(r.Task, 20), r.ID, formatProgress(r.Progress))
			}
			return nil
		},
	}
}

func newRunsHistoryCmd(flags *globalFlags) *cobra.Command {
	var (
		task  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded sync runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(requestTimeout)
			defer cancel()

			runs, err := c.History(ctx, task, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No recorded runs.")
				return nil
			}

			fmt.Printf("%-36s %-20s %-9s %-20s %-10s %-10s\n", "ID", "TASK", "TRIGGER", "STARTED", "DURATION", "OUTCOME")
			printRule(110)
			for _, r := range runs {
				fmt.Printf("%-36s %-20s %-9s %-20s %-10s %-10s\n",
					r.ID,
					truncate(r.Task, 20),
					r.Trigger,
					formatTime(r.StartedAt),
					r.Duration().Round(time.Second),
					r.Outcome,
				)
				if r.Error != "" {
					fmt.Printf("  error: %s\n", truncate(r.Error, 200))
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "Only show runs of this task")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs")

	return cmd
}

func newRunsCancelCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a live sync run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid run id %q: %w", args[0], err)
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(requestTimeout)
			defer cancel()

			if err := c.CancelRun(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Cancelled run %s\n", id)
			return nil
		},
	}
}

func newScheduleCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect cron schedules",
	}

	cmd.AddCommand(
		newScheduleListCmd(flags),
		newScheduleNextCmd(),
	)

	return cmd
}

func newScheduleListCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered schedules and their next fire time",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(requestTimeout)
			defer cancel()

			schedules, err := c.Schedules(ctx)
			if err != nil {
				return err
			}
			if len(schedules) == 0 {
				fmt.Println("No scheduled sync tasks.")
				return nil
			}

			fmt.Printf("%-20s %-16s %-28s %-20s %-20s %-6s\n", "TASK", "EXPRESSION", "DESCRIPTION", "NEXT", "LAST", "MISSED")
			printRule(115)
			for _, s := range schedules {
				fmt.Printf("%-20s %-16s %-28s %-20s %-20s %-6d\n",
					truncate(s.Task, 20),
					truncate(s.Expression, 16),
					truncate(s.Description, 28),
					formatTime(s.NextFire),
					formatTime(s.LastFire),
					s.Missed,
				)
			}
			return nil
		},
	}
}

func newScheduleNextCmd() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "next <expression>",
		Short: "Preview the next fire times of a cron expression",
		Example: `  rclonegui schedule next "0 */6 * * *"
  rclonegui schedule next @daily --count 3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := args[0]
			if err := scheduler.Validate(expr); err != nil {
				return err
			}

			fmt.Printf("%s (%s)\n", expr, scheduler.Describe(expr))
			from := time.Now()
			for i := 0; i < count; i++ {
				next, err := scheduler.NextFire(expr, from)
				if err != nil {
					return err
				}
				fmt.Printf("  %s\n", formatTime(next))
				from = next
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 5, "Number of fire times to show")

	return cmd
}

func newLogsCmd(flags *globalFlags) *cobra.Command {
	var filter logging.Filter

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent daemon log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(requestTimeout)
			defer cancel()

			entries, err := c.Logs(ctx, filter)
			if err != nil {
				return err
			}
			// oldest first, like a log file
			for i := len(entries) - 1; i >= 0; i-- {
				e := entries[i]
				component := e.Component
				if component == "" {
					component = "-"
				}
				fmt.Printf("%s %-5s %-20s %s\n", formatTime(e.Time), e.Level, component, e.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filter.Level, "level", "", "Minimum level (debug, info, warn, error)")
	cmd.Flags().StringVar(&filter.Component, "component", "", "Only show this component")
	cmd.Flags().StringVar(&filter.Search, "search", "", "Only show messages containing this text")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum number of entries")

	return cmd
}

func newRemotesCmd(flags *globalFlags) *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "remotes",
		Short: "List the remotes in the rclone config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := flags.loadConfig()
			if err != nil {
				return err
			}
			rc := rclone.NewClient(rclone.NewBuilder(cfg.Rclone.Binary, cfg.Rclone.ConfigPath), zerolog.Nop())

			ctx, cancel := commandContext(requestTimeout)
			defer cancel()

			remotes, err := rc.ListRemotes(ctx)
			if err != nil {
				return err
			}
			if len(remotes) == 0 {
				fmt.Println("No remotes configured. Run 'rclone config' to add one.")
				return nil
			}

			for _, name := range remotes {
				if !check {
					fmt.Println(name)
					continue
				}
				status := "ok"
				if err := rc.CheckRemote(ctx, name); err != nil {
					status = "unreachable: " + rclone.RedactText(err.Error())
				}
				fmt.Printf("%-24s %s\n", name, status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&check, "check", false, "Check that each remote is reachable")

	return cmd
}
