package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GamblerIX/RCloneGUI/internal/client"
	"github.com/GamblerIX/RCloneGUI/internal/discovery"
	"github.com/GamblerIX/RCloneGUI/internal/models"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List rclone mount processes running on this system",
		Long: `Scan the process list for rclone mount processes without contacting
the daemon. Duplicate processes for the same drive are collapsed to the
one with the lowest PID.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(requestTimeout)
			defer cancel()

			disc := discovery.NewDiscoverer(discovery.DefaultConfig(), zerolog.Nop())
			found, err := disc.Scan(ctx)
			if err != nil {
				return fmt.Errorf("scan processes: %w", err)
			}

			if len(found) == 0 {
				fmt.Println("No rclone mounts found.")
				return nil
			}

			fmt.Printf("%-24s %-40s %-8s\n", "DRIVE", "REMOTE", "PID")
			printRule(74)
			for _, f := range found {
				fmt.Printf("%-24s %-40s %-8d\n", truncate(f.Drive, 24), truncate(f.Target(), 40), f.PID)
			}
			return nil
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var wait time.Duration

	cmd := &cobra.Command{
		Use:     "status [name]",
		Aliases: []string{"mounts"},
		Short:   "Show the state of every mount, or of one mount",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if wait > 0 && len(args) == 0 {
				return errors.New("--wait needs a mount name")
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(requestTimeout + wait)
			defer cancel()

			if len(args) == 1 {
				state, err := c.MountState(ctx, args[0], wait)
				if err != nil {
					return err
				}
				printMountStates([]models.MountRuntimeState{*state})
				return nil
			}

			states, err := c.Mounts(ctx)
			if err != nil {
				return err
			}
			printMountStates(states)
			return nil
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 0, "Wait up to this long for a mount or unmount in progress to finish")

	return cmd
}

func newReconcileCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Re-scan the system and refresh mount states",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(requestTimeout)
			defer cancel()

			states, err := c.Reconcile(ctx)
			if err != nil {
				return err
			}
			printMountStates(states)
			return nil
		},
	}
}

func newMountCmd(flags *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "mount [name]",
		Short: "Mount a definition and wait until it is ready",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass exactly one mount name or --all")
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(client.DefaultTimeout)
			defer cancel()

			if all {
				return runBatch(ctx, c.MountAll, "mounted")
			}

			state, err := c.Mount(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s mounted on %s (pid %d)\n", state.Name, state.Drive, state.PID)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Mount every definition that is not mounted")

	return cmd
}

func newUnmountCmd(flags *globalFlags) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "unmount [name]",
		Short: "Unmount a mount, including one started outside RCloneGUI",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass exactly one mount name or --all")
			}
			c, err := flags.client()
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(client.DefaultTimeout)
			defer cancel()

			if all {
				return runBatch(ctx, c.UnmountAll, "unmounted")
			}

			state, err := c.Unmount(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", state.Name, state.Status)
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Unmount every mounted mount")

	return cmd
}

// runBatch prints the results of a batch operation and fails if any item
// failed.
func runBatch(ctx context.Context, op func(context.Context) ([]client.MountResult, error), verb string) error {
	results, err := op(ctx)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("Nothing to do.")
		return nil
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Printf("%-32s FAILED: %s\n", r.Name, r.Error)
			continue
		}
		fmt.Printf("%-32s %s\n", r.Name, verb)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d operations failed", failed, len(results))
	}
	return nil
}

func printMountStates(states []models.MountRuntimeState) {
	if len(states) == 0 {
		fmt.Println("No mounts defined or discovered.")
		return
	}

	fmt.Printf("%-24s %-12s %-36s %-12s %-13s %-8s\n", "NAME", "DRIVE", "REMOTE", "STATUS", "ORIGIN", "PID")
	printRule(110)
	for _, s := range states {
		pid := "-"
		if s.PID > 0 {
			pid = fmt.Sprintf("%d", s.PID)
		}
		fmt.Printf("%-24s %-12s %-36s %-12s %-13s %-8s\n",
			truncate(s.Name, 24),
			truncate(s.Drive, 12),
			truncate(s.Remote, 36),
			s.Status,
			s.Origin,
			pid,
		)
		if s.LastError != "" {
			fmt.Printf("  error: %s\n", s.LastError)
		}
	}
}
