package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"

	redisNotify "github.com/crabzie/fog-render-farm/internal/adapter/notify/redis"
	"github.com/crabzie/fog-render-farm/internal/core/domain"
	"github.com/crabzie/fog-render-farm/internal/core/service"
	"github.com/spf13/cobra"
)

func newCreateCmd() *cobra.Command {
	var (
		name       string
		taskType   string
		params     string
		paramsFile string
		nodes      []string
		scan       bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task and optionally assign it",
		Long: `Create a Pending task. With one --node the task is assigned to that node,
with several it becomes a multi-node task. --scan pre-populates the folder rows
of a VolumeCompression task so nodes can start claiming right away.`,
		Example: `  farmctl create --type TestMessage --params '{"message":"hello"}' --node render-01
  farmctl create --type VolumeCompression --params-file job.json --node render-01 --node render-02 --scan`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opCtx(cmd)
			defer cancel()

			raw, err := readParams(params, paramsFile)
			if err != nil {
				return err
			}
			task, err := current.svc.Tasks.Create(ctx, &domain.Task{
				Name:       name,
				Type:       domain.TaskType(taskType),
				Parameters: raw,
			})
			if err != nil {
				return err
			}

			if scan && task.Type.IsCooperative() {
				var p domain.VolumeCompressionParams
				if err := task.DecodeParameters(&p); err != nil {
					return fmt.Errorf("decode parameters: %w", err)
				}
				n, err := current.svc.Claimer.PreScan(ctx, task.ID, p.Directories, p.Extensions)
				if err != nil {
					return fmt.Errorf("scan folders: %w", err)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "scanned %d folders\n", n)
			}

			switch len(nodes) {
			case 0:
			case 1:
				if _, err := current.svc.Tasks.AssignToNode(ctx, task.ID, nodes[0]); err != nil {
					return fmt.Errorf("assign: %w", err)
				}
			default:
				ok, err := current.svc.Tasks.AssignToNodes(ctx, task.ID, nodes)
				if err != nil {
					return fmt.Errorf("assign: %w", err)
				}
				if !ok {
					fmt.Fprintln(cmd.ErrOrStderr(), "none of the nodes is available, task left unassigned")
				}
			}

			task, err = current.svc.Tasks.Get(ctx, task.ID)
			if err != nil {
				return err
			}
			return printTasks(cmd, []*domain.Task{task})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&taskType, "type", "", "task type: "+strings.Join(taskTypes(), " | "))
	cmd.Flags().StringVar(&params, "params", "", "parameters as inline JSON")
	cmd.Flags().StringVar(&paramsFile, "params-file", "", "read parameters from a JSON file")
	cmd.Flags().StringSliceVar(&nodes, "node", nil, "node id to assign, repeatable")
	cmd.Flags().BoolVar(&scan, "scan", false, "pre-scan folders of a cooperative task")
	_ = cmd.MarkFlagRequired("type")
	cmd.MarkFlagsMutuallyExclusive("params", "params-file")
	return cmd
}

func taskTypes() []string {
	return []string{
		string(domain.TaskTypeTestMessage),
		string(domain.TaskTypeRenderThumbnails),
		string(domain.TaskTypePackageTask),
		string(domain.TaskTypeVolumeCompression),
		string(domain.TaskTypeRealityCapture),
	}
}

func readParams(inline, file string) (json.RawMessage, error) {
	data := []byte(inline)
	if file != "" {
		var err error
		if data, err = os.ReadFile(file); err != nil {
			return nil, err
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, errors.New("parameters are not valid JSON")
	}
	return json.RawMessage(data), nil
}

func newListCmd() *cobra.Command {
	var (
		nodeID   string
		statuses []string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := opCtx(cmd)
			defer cancel()

			var (
				tasks []*domain.Task
				err   error
			)
			if nodeID != "" {
				tasks, err = current.svc.Tasks.ListForNode(ctx, nodeID)
			} else {
				tasks, err = current.svc.Tasks.List(ctx)
			}
			if err != nil {
				return err
			}
			if len(statuses) > 0 {
				tasks = slices.DeleteFunc(tasks, func(t *domain.Task) bool {
					return !slices.ContainsFunc(statuses, func(s string) bool {
						return strings.EqualFold(s, string(t.Status))
					})
				})
			}
			return printTasks(cmd, tasks)
		},
	}
	cmd.Flags().StringVar(&nodeID, "node", "", "only tasks assigned to this node")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only tasks in these statuses")
	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task-id>",
		Short: "Show one task with its folder summary and last event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opCtx(cmd)
			defer cancel()

			task, err := current.svc.Tasks.Get(ctx, args[0])
			if err != nil {
				return err
			}
			detail := struct {
				*domain.Task
				Folders   *domain.FolderSummary `json:"folders,omitempty"`
				LastEvent *domain.Event         `json:"last_event,omitempty"`
			}{Task: task}

			if task.Type.IsCooperative() {
				rows, err := current.svc.Claimer.Folders(ctx, task.ID)
				if err != nil {
					return err
				}
				summary := domain.Summarize(rows)
				detail.Folders = &summary
			}
			if current.snapshots != nil {
				detail.LastEvent, _ = redisNotify.LastEvent(current.snapshots, task.ID)
			}

			if output == "json" {
				return printJSON(cmd.OutOrStdout(), detail)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "ID:\t%s\n", task.ID)
			fmt.Fprintf(w, "Name:\t%s\n", task.Name)
			fmt.Fprintf(w, "Type:\t%s\n", task.Type)
			fmt.Fprintf(w, "Status:\t%s\n", task.Status)
			fmt.Fprintf(w, "Assigned:\t%s\n", assignees(task))
			fmt.Fprintf(w, "Version:\t%d\n", task.Version)
			fmt.Fprintf(w, "Created:\t%s\n", formatTime(&task.CreatedAt))
			fmt.Fprintf(w, "Started:\t%s\n", formatTime(task.StartedAt))
			fmt.Fprintf(w, "Completed:\t%s\n", formatTime(task.CompletedAt))
			if task.ResultMessage != "" {
				fmt.Fprintf(w, "Result:\t%s\n", task.ResultMessage)
			}
			if len(task.Parameters) > 0 {
				fmt.Fprintf(w, "Parameters:\t%s\n", task.Parameters)
			}
			if s := detail.Folders; s != nil {
				fmt.Fprintf(w, "Folders:\t%d total, %d pending, %d in progress, %d completed, %d failed\n",
					s.Total, s.Pending, s.InProgress, s.Completed, s.Failed)
			}
			if ev := detail.LastEvent; ev != nil {
				fmt.Fprintf(w, "Last event:\t%s %s %s\n", ev.Kind, ev.Status, ev.Message)
			}
			return w.Flush()
		},
	}
}

func newAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <task-id> <node-id>...",
		Short: "Assign a task to one node, or to several available nodes",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opCtx(cmd)
			defer cancel()

			taskID, nodes := args[0], args[1:]
			var (
				ok  bool
				err error
			)
			if len(nodes) == 1 {
				ok, err = current.svc.Tasks.AssignToNode(ctx, taskID, nodes[0])
			} else {
				ok, err = current.svc.Tasks.AssignToNodes(ctx, taskID, nodes)
			}
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("task %s was not assigned", taskID)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "assigned %s\n", taskID)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	var (
		message string
		version int64
	)
	cmd := &cobra.Command{
		Use:   "status <task-id> <status>",
		Short: "Move a task to a new status",
		Long: `Apply a lifecycle transition. With --version the update only succeeds
when the stored task still has that version.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opCtx(cmd)
			defer cancel()

			opts := []service.StatusOption{service.WithResultMessage(message)}
			if version > 0 {
				opts = append(opts, service.WithExpectedVersion(version))
			}
			task, err := current.svc.Tasks.UpdateStatus(ctx, args[0], domain.TaskStatus(strings.ToUpper(args[1])), opts...)
			var conflict *domain.ConflictError
			if errors.As(err, &conflict) {
				return fmt.Errorf("task changed concurrently, now %s at version %d", conflict.Current.Status, conflict.Current.Version)
			}
			if err != nil {
				return err
			}
			return printTasks(cmd, []*domain.Task{task})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "result message to record")
	cmd.Flags().Int64Var(&version, "version", 0, "expected version for optimistic concurrency")
	return cmd
}

func assignees(t *domain.Task) string {
	ids := slices.Clone(t.AssignedNodeIDs)
	if t.AssignedNodeID != "" && !slices.Contains(ids, t.AssignedNodeID) {
		ids = append([]string{t.AssignedNodeID}, ids...)
	}
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ",")
}

func printTasks(cmd *cobra.Command, tasks []*domain.Task) error {
	if output == "json" {
		return printJSON(cmd.OutOrStdout(), tasks)
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tASSIGNED\tVERSION\tRESULT")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", t.ID, t.Type, t.Status, assignees(t), t.Version, t.ResultMessage)
	}
	return w.Flush()
}
