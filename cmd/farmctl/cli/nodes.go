package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/service"
	"github.com/spf13/cobra"
)

func newNodesCmd() *cobra.Command {
	var available bool
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opCtx(cmd)
			defer cancel()

			var (
				nodes []*domain.Node
				err   error
			)
			if available {
				nodes, err = current.svc.Registry.ListAvailable(ctx, 0)
			} else {
				nodes, err = current.svc.Registry.ListAll(ctx)
			}
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), nodes)
			}

			window := current.cfg.Scheduler.AvailabilityWindow
			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tIP\tALIVE\tLAST HEARTBEAT")
			for _, n := range nodes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s ago\n",
					n.ID, n.Name, n.IPAddress, n.IsAlive(now, window), now.Sub(n.LastHeartbeat).Round(time.Second))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&available, "available", false, "only nodes that heartbeated within the availability window")
	return cmd
}

func newAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <node-id>",
		Short: "Cancel every task of a node and release its locks",
		Long: `Cancel every non-terminal task assigned to the node and release all of its
locks. The node notices the cancellation on its next poll and stops the local run.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opCtx(cmd)
			defer cancel()

			// processes live on the node itself, it kills them once it sees the cancellation
			if err := service.AbortNode(ctx, current.svc.Tasks, current.svc.Locks, nil, args[0], current.log); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "aborted %s\n", args[0])
			return nil
		},
	}
}

func newLocksCmd() *cobra.Command {
	var nodeID string
	cmd := &cobra.Command{
		Use:   "locks",
		Short: "List active file locks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opCtx(cmd)
			defer cancel()

			locks, err := current.svc.Locks.ListActive(ctx)
			if err != nil {
				return err
			}
			if nodeID != "" {
				kept := locks[:0]
				for _, l := range locks {
					if l.LockingNodeID == nodeID {
						kept = append(kept, l)
					}
				}
				locks = kept
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), locks)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tNODE\tACQUIRED\tRENEWED")
			for _, l := range locks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.FilePath, l.LockingNodeID, formatTime(&l.AcquiredAt), formatTime(&l.LastUpdatedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "only locks held by this node")
	return cmd
}

func newReleaseCmd() *cobra.Command {
	var nodeID string
	cmd := &cobra.Command{
		Use:   "release <path>",
		Short: "Release a lock on behalf of its holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opCtx(cmd)
			defer cancel()

			ok, err := current.svc.Locks.Release(ctx, args[0], nodeID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%s is not held by %s", args[0], nodeID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "node currently holding the lock")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}

func newFoldersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folders <task-id>",
		Short: "Show the folder claims of a cooperative task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opCtx(cmd)
			defer cancel()

			rows, err := current.svc.Claimer.Folders(ctx, args[0])
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), rows)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FOLDER\tSTATUS\tNODE\tPROGRESS\tERROR")
			for _, r := range rows {
				node := r.AssignedNodeName
				if node == "" {
					node = r.AssignedNodeID
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%3.0f%%\t%s\n", r.FolderPath, r.Status, node, r.Progress*100, r.ErrorMessage)
			}
			s := domain.Summarize(rows)
			fmt.Fprintf(w, "\n%d of %d folders completed, %d failed\n", s.Completed, s.Total, s.Failed)
			return w.Flush()
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciler pass now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opCtx(cmd)
			defer cancel()

			r := current.svc.Reconciler
			completed, err := r.CompleteCooperativeTasks(ctx)
			if err != nil {
				return err
			}
			nodes, err := r.CleanupStaleNodes(ctx)
			if err != nil {
				return err
			}
			locks, err := r.EvictStaleLocks(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "completed %d tasks, removed %d nodes, evicted %d locks\n", completed, nodes, locks)
			return nil
		},
	}
}
