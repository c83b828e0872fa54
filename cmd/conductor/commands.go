package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/conductor/agent"
	"github.com/GoCodeAlone/conductor/dispatch"
	"github.com/GoCodeAlone/conductor/internal/version"
	"github.com/GoCodeAlone/conductor/task"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "conductor %s\n", version.String())
		},
	}
}

// --- status / login ---

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			if err := c.client.get(cmd.Context(), "/api/status", &result); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status:  %s\n", color.GreenString("%v", result["status"]))
			fmt.Fprintf(out, "version: %v\n", result["version"])
			fmt.Fprintf(out, "uptime:  %v\n", result["uptime"])
			return nil
		},
	}
}

func (c *cli) loginCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain a token; export it as CONDUCTOR_TOKEN",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				fmt.Fprint(cmd.ErrOrStderr(), "password: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				password = strings.TrimRight(line, "\r\n")
			}
			var resp struct {
				Token     string    `json:"token"`
				ExpiresAt time.Time `json:"expires_at"`
			}
			body := map[string]string{"username": username, "password": password}
			if err := c.client.post(cmd.Context(), "/api/auth/login", body, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			fmt.Fprintf(cmd.ErrOrStderr(), "token expires %s\n", resp.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "admin", "user name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (read from stdin when empty)")
	return cmd
}

// --- tasks ---

func (c *cli) submitCmd() *cobra.Command {
	var (
		spec    task.Spec
		typ     string
		deps    []string
		kvPairs []string
		prio    int
	)
	cmd := &cobra.Command{
		Use:   "submit <description>",
		Short: "Submit a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Description = strings.Join(args, " ")
			spec.Type = task.Type(typ)
			if cmd.Flags().Changed("priority") {
				spec.Priority = task.Prio(prio)
			}
			ctx, err := parseContext(kvPairs)
			if err != nil {
				return err
			}
			if len(deps) > 0 {
				if ctx == nil {
					ctx = map[string]any{}
				}
				ctx[task.DependenciesKey] = deps
			}
			spec.Context = ctx

			var t task.Task
			if err := c.client.post(cmd.Context(), "/api/tasks", spec, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", color.GreenString("✓"), t.ID, colorStatus(string(t.Status)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&typ, "type", "t", "", "task type (research, code, analysis, communication, learning, planning)")
	cmd.Flags().IntVarP(&prio, "priority", "p", task.DefaultPriority, "priority 1-10; higher runs first")
	cmd.Flags().StringSliceVarP(&deps, "depends-on", "d", nil, "ids of tasks that must succeed first")
	cmd.Flags().StringArrayVar(&kvPairs, "context", nil, "context entry key=value (repeatable)")
	return cmd
}

func (c *cli) batchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch <file>",
		Short: "Submit a YAML or JSON list of tasks atomically",
		Long: `Submits every task in the file or none. Entries may set a "key" and refer to
other entries' keys in context.dependencies.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := readSpecs(args[0])
			if err != nil {
				return err
			}
			var resp struct {
				IDs []string `json:"ids"`
			}
			if err := c.client.post(cmd.Context(), "/api/tasks/batch", map[string]any{"tasks": specs}, &resp); err != nil {
				return err
			}
			for i, id := range resp.IDs {
				label := specs[i].Key
				if label == "" {
					label = specs[i].Description
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s\n", color.GreenString("✓"), id, label)
			}
			return nil
		},
	}
}

func (c *cli) taskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := c.client.get(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0]), &t); err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), &t)
			return nil
		},
	}
}

func (c *cli) tasksCmd() *cobra.Command {
	var status, typ, agentID string
	var limit int
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if status != "" {
				q.Set("status", status)
			}
			if typ != "" {
				q.Set("task_type", typ)
			}
			if agentID != "" {
				q.Set("agent_id", agentID)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			path := "/api/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var tasks []task.Task
			if err := c.client.get(cmd.Context(), path, &tasks); err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tasks")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tTYPE\tPRIO\tAGENT\tDESCRIPTION")
			for _, t := range tasks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					t.ID, colorStatus(string(t.Status)), t.Type, t.Priority, taskAgent(&t), truncate(t.Description, 48))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&status, "status", "s", "", "filter by status")
	cmd.Flags().StringVarP(&typ, "type", "t", "", "filter by task type")
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "filter by agent id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of tasks")
	return cmd
}

func (c *cli) cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a task and its dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t task.Task
			if err := c.client.post(cmd.Context(), "/api/tasks/"+url.PathEscape(args[0])+"/cancel", nil, &t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", t.ID, colorStatus(string(t.Status)))
			return nil
		},
	}
}

// --- agents ---

func (c *cli) agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var agents []agent.Info
			if err := c.client.get(cmd.Context(), "/api/agents", &agents); err != nil {
				return err
			}
			if len(agents) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no agents")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tLOAD\tPRIO\tDONE\tFAILED\tCAPABILITIES")
			for _, a := range agents {
				caps := make([]string, len(a.Capabilities))
				for i, cp := range a.Capabilities {
					caps[i] = string(cp)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%d\t%d\t%s\n",
					a.ID, colorStatus(string(a.Status)), len(a.CurrentTaskIDs), a.MaxConcurrentTasks,
					a.Priority, a.Stats.TasksCompleted, a.Stats.TasksFailed, strings.Join(caps, ","))
			}
			return tw.Flush()
		},
	}
}

func (c *cli) agentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage a single agent",
	}
	setStatus := func(use, short string, status agent.Status) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var info agent.Info
				body := map[string]string{"status": string(status)}
				if err := c.client.do(cmd.Context(), "PATCH", "/api/agents/"+url.PathEscape(args[0]), body, &info); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.ID, colorStatus(string(info.Status)))
				return nil
			},
		}
	}
	cmd.AddCommand(
		setStatus("pause", "Stop assigning new tasks to an agent", agent.StatusPaused),
		setStatus("resume", "Make a paused agent available again", agent.StatusIdle),
		&cobra.Command{
			Use:   "tasks <id>",
			Short: "List tasks held by an agent",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var tasks []task.Task
				if err := c.client.get(cmd.Context(), "/api/agents/"+url.PathEscape(args[0])+"/tasks", &tasks); err != nil {
					return err
				}
				for _, t := range tasks {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", t.ID, colorStatus(string(t.Status)), truncate(t.Description, 60))
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <id>",
			Short: "Unregister an idle agent",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.client.do(cmd.Context(), "DELETE", "/api/agents/"+url.PathEscape(args[0]), nil, nil); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s removed %s\n", color.GreenString("✓"), args[0])
				return nil
			},
		},
	)
	return cmd
}

// --- stats / export ---

func (c *cli) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dispatcher statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var s dispatch.Stats
			if err := c.client.get(cmd.Context(), "/api/stats", &s); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "agents\t%d (%d active, %d idle)\n", s.TotalAgents, s.ActiveAgents, s.IdleAgents)
			fmt.Fprintf(tw, "queued\t%d (%d pending, %d ready)\n", s.QueuedTasks, s.PendingTasks, s.ReadyTasks)
			fmt.Fprintf(tw, "running\t%d\n", s.RunningTasks)
			fmt.Fprintf(tw, "succeeded\t%s\n", color.GreenString("%d", s.CompletedTasks))
			fmt.Fprintf(tw, "failed\t%s\n", color.RedString("%d", s.FailedTasks))
			fmt.Fprintf(tw, "cancelled\t%d\n", s.CancelledTasks)
			fmt.Fprintf(tw, "success rate\t%.1f%%\n", s.SuccessRate*100)
			return tw.Flush()
		},
	}
}

func (c *cli) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Download a JSON snapshot of agents, stats and active tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return c.client.get(cmd.Context(), "/api/export", cmd.OutOrStdout())
			}
			path := args[0]
			if dir := filepath.Dir(path); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := c.client.get(cmd.Context(), "/api/export", f); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s wrote %s\n", color.GreenString("✓"), path)
			return nil
		},
	}
}

// --- helpers ---

func parseContext(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("context entry %q is not key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

// readSpecs loads a task list. YAML is a superset of JSON so one decoder
// serves both.
func readSpecs(path string) ([]task.Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Key         string         `yaml:"key"`
		Description string         `yaml:"description"`
		Type        string         `yaml:"task_type"`
		Priority    *int           `yaml:"priority"`
		Context     map[string]any `yaml:"context"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s contains no tasks", path)
	}
	specs := make([]task.Spec, len(raw))
	for i, r := range raw {
		specs[i] = task.Spec{
			Key:         r.Key,
			Description: r.Description,
			Type:        task.Type(r.Type),
			Priority:    r.Priority,
			Context:     r.Context,
		}
	}
	return specs, nil
}

func printTask(w io.Writer, t *task.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", t.ID)
	fmt.Fprintf(tw, "status\t%s\n", colorStatus(string(t.Status)))
	fmt.Fprintf(tw, "type\t%s\n", t.Type)
	fmt.Fprintf(tw, "priority\t%d\n", t.Priority)
	fmt.Fprintf(tw, "description\t%s\n", t.Description)
	if len(t.Dependencies) > 0 {
		fmt.Fprintf(tw, "depends on\t%s\n", strings.Join(t.Dependencies, ", "))
	}
	if a := taskAgent(t); a != "-" {
		fmt.Fprintf(tw, "agent\t%s\n", a)
	}
	if t.Retries > 0 {
		fmt.Fprintf(tw, "retries\t%d (last error: %s)\n", t.Retries, t.LastError)
	}
	if t.Result != nil {
		fmt.Fprintf(tw, "result\t%v\n", t.Result)
	}
	if t.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", color.RedString(t.Error))
	}
	fmt.Fprintf(tw, "created\t%s\n", t.CreatedAt.Local().Format(time.RFC3339))
	if t.CompletedAt != nil {
		fmt.Fprintf(tw, "completed\t%s\n", t.CompletedAt.Local().Format(time.RFC3339))
	}
	_ = tw.Flush()
}

func taskAgent(t *task.Task) string {
	switch {
	case t.AssignedAgent != "":
		return t.AssignedAgent
	case t.CompletedBy != "":
		return t.CompletedBy
	default:
		return "-"
	}
}

func colorStatus(s string) string {
	switch s {
	case "succeeded", "idle", "ok":
		return color.GreenString(s)
	case "failed", "error":
		return color.RedString(s)
	case "running", "assigned", "busy":
		return color.CyanString(s)
	case "cancelled", "paused":
		return color.YellowString(s)
	default:
		return s
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
