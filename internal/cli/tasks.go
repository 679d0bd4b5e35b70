package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kinshell/kinshell/internal/scheduler"
	"github.com/kinshell/kinshell/pkg/types"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Manage scheduled tasks",
	}
	cmd.AddCommand(
		newTasksListCmd(),
		newTasksAddCmd(),
		newTasksRunsCmd(),
		newTaskStateCmd("pause", "Pause an active task", func(s *scheduler.Scheduler) func(*cobra.Command, string) error {
			return func(cmd *cobra.Command, id string) error { return s.Pause(cmd.Context(), id) }
		}),
		newTaskStateCmd("resume", "Resume a paused task", func(s *scheduler.Scheduler) func(*cobra.Command, string) error {
			return func(cmd *cobra.Command, id string) error { return s.Resume(cmd.Context(), id) }
		}),
		newTaskStateCmd("cancel", "Delete a task", func(s *scheduler.Scheduler) func(*cobra.Command, string) error {
			return func(cmd *cobra.Command, id string) error { return s.Cancel(cmd.Context(), id) }
		}),
	)
	return cmd
}

func newTasksListCmd() *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			tasks, err := a.store.ListTasks(cmd.Context(), group)
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd, tasks)
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tasks")
				return nil
			}
			tw := newTable(cmd)
			fmt.Fprintln(tw, "ID\tGROUP\tSTATUS\tSCHEDULE\tNEXT RUN\tLAST RUN\tPROMPT")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s %s\t%s\t%s\t%s\n",
					t.ID, t.GroupFolder, t.Status, t.ScheduleKind, t.ScheduleValue,
					formatTime(t.NextRun), formatTime(t.LastRun), preview(t.Prompt, 40))
			}
			return tw.Flush()
		}),
	}
	cmd.Flags().StringVar(&group, "group", "", "Only tasks of this group folder")
	addJSONFlag(cmd)
	return cmd
}

func newTasksAddCmd() *cobra.Command {
	var group, prompt, kind, value, mode string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Schedule a prompt for a group",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			ctx := cmd.Context()
			g, err := a.store.GroupByFolder(ctx, group)
			if err != nil {
				return fmt.Errorf("group %q: %w", group, err)
			}
			task, err := a.scheduler.CreateTask(ctx, scheduler.TaskSpec{
				GroupFolder:   g.Folder,
				TargetChannel: g.ChannelID,
				Prompt:        prompt,
				Kind:          types.ScheduleKind(kind),
				Value:         value,
				ContextMode:   types.ContextMode(mode),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created %s, next run %s\n", task.ID, formatTime(task.NextRun))
			return nil
		}),
	}
	cmd.Flags().StringVar(&group, "group", types.MainGroupFolder, "Group folder")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt to run")
	cmd.Flags().StringVar(&kind, "kind", "cron", "Schedule kind: cron|interval|once")
	cmd.Flags().StringVar(&value, "value", "", "Schedule value (cron expression, duration, or timestamp)")
	cmd.Flags().StringVar(&mode, "mode", "", "Context mode: isolated|group (default isolated)")
	return cmd
}

func newTasksRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs <task-id>",
		Short: "Show the run history of a task",
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			logs, err := a.store.ListRunLogs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if wantJSON(cmd) {
				return printJSON(cmd, logs)
			}
			tw := newTable(cmd)
			fmt.Fprintln(tw, "RUN AT\tSTATUS\tDURATION\tDETAIL")
			for _, l := range logs {
				detail := l.Result
				if l.Status == types.RunError {
					detail = l.Error
				}
				at := l.RunAt
				fmt.Fprintf(tw, "%s\t%s\t%dms\t%s\n", formatTime(&at), l.Status, l.DurationMs, preview(detail, 60))
			}
			return tw.Flush()
		}),
	}
	addJSONFlag(cmd)
	return cmd
}

func newTaskStateCmd(use, short string, op func(*scheduler.Scheduler) func(*cobra.Command, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <task-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withAdmin(func(cmd *cobra.Command, args []string, a *admin) error {
			if err := op(a.scheduler)(cmd, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", use, args[0])
			return nil
		}),
	}
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
