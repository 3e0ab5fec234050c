package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"crewline/internal/agentctx"
	"crewline/internal/domain"
	"crewline/internal/engine"
)

// taskSpec is one task as written in a task file. YAML is a superset of
// JSON, so the same loader reads both.
type taskSpec struct {
	ID           string   `yaml:"id"`
	Description  string   `yaml:"description"`
	Role         string   `yaml:"agent_role"`
	Dependencies []string `yaml:"dependencies"`
	FileScope    []string `yaml:"file_scope"`
	MaxAttempts  int      `yaml:"max_attempts"`
}

type taskFile struct {
	SpecName string     `yaml:"spec_name"`
	SpecPath string     `yaml:"spec_path"`
	Tasks    []taskSpec `yaml:"tasks"`
}

// loadTasks accepts either a bare task list or a document with a tasks key.
func loadTasks(data []byte) (taskFile, error) {
	var doc taskFile
	var list []taskSpec
	if err := yaml.Unmarshal(data, &list); err == nil && len(list) > 0 {
		doc.Tasks = list
	} else if err := yaml.Unmarshal(data, &doc); err != nil {
		return taskFile{}, fmt.Errorf("parse task file: %w", err)
	}
	if len(doc.Tasks) == 0 {
		return taskFile{}, fmt.Errorf("task file has no tasks")
	}
	return doc, nil
}

func (f taskFile) domainTasks() []domain.Task {
	out := make([]domain.Task, 0, len(f.Tasks))
	for _, t := range f.Tasks {
		out = append(out, domain.Task{
			ID:           t.ID,
			Description:  t.Description,
			Role:         domain.Role(t.Role),
			Dependencies: t.Dependencies,
			FileScope:    t.FileScope,
			MaxAttempts:  t.MaxAttempts,
		})
	}
	return out
}

func orchCmd() *cobra.Command {
	orch := &cobra.Command{Use: "orch", Aliases: []string{"orchestration"}, Short: "Run approved specs as task waves"}
	orch.AddCommand(orchStartCmd())
	orch.AddCommand(orchListCmd())
	orch.AddCommand(orchShowCmd())
	orch.AddCommand(orchWavesCmd())
	orch.AddCommand(orchNextCmd())
	orch.AddCommand(taskCmd())
	return orch
}

func orchStartCmd() *cobra.Command {
	var specName, specPath, tasksPath string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an orchestration for an approved spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			if tasksPath == "" {
				return fmt.Errorf("--tasks required")
			}
			data, err := readInput(tasksPath)
			if err != nil {
				return err
			}
			doc, err := loadTasks(data)
			if err != nil {
				return err
			}
			if specName == "" {
				specName = doc.SpecName
			}
			if specPath == "" {
				specPath = doc.SpecPath
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				o, err := e.StartOrchestration(ctx, engine.StartOptions{
					ProjectID: projectID,
					SpecName:  specName,
					SpecPath:  specPath,
					Tasks:     doc.domainTasks(),
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(o)
				}
				fmt.Printf("orchestration %s started for %s (%d tasks)\n", o.ID, o.SpecName, len(o.Graph.Tasks))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&specName, "spec", "", "approved spec name")
	cmd.Flags().StringVar(&specPath, "spec-path", "", "path of the spec document")
	cmd.Flags().StringVar(&tasksPath, "tasks", "", "task list YAML or JSON file, - for stdin")
	return cmd
}

func orchListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orchestrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListOrchestrations(ctx, projectID, domain.OrchestrationStatus(status))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Spec", "Status", "Wave", "Tasks", "HITL")
				for _, o := range items {
					hitl := ""
					if o.HITLRequired {
						hitl = blockStyle.Render("required")
					}
					tw.AppendRow([]any{o.ID, o.SpecName, o.Status, o.CurrentWave, len(o.Graph.Tasks), hitl})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "active or complete")
	return cmd
}

func orchShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <orchestration-id>",
		Short: "Show an orchestration with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				o, err := e.Orchestration(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(o)
				}
				fmt.Printf("%s  %s  %s  wave %d\n", o.ID, o.SpecName, o.Status, o.CurrentWave)
				if o.HITLRequired {
					fmt.Println(blockStyle.Render("HITL required: ") + o.HITLReason)
				}
				renderTasks(o.Graph.Tasks)
				return nil
			})
		},
	}
}

func orchWavesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "waves <orchestration-id>",
		Short: "Show the task graph grouped by wave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				waves, err := e.Waves(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(waves)
				}
				tw := newTable("Wave", "Task", "Role", "Status", "Depends on")
				for i, wave := range waves {
					for _, t := range wave {
						tw.AppendRow([]any{i, t.ID, t.Role, taskStatus(t.Status), strings.Join(t.Dependencies, ", ")})
					}
					if i < len(waves)-1 {
						tw.AppendSeparator()
					}
				}
				tw.Render()
				return nil
			})
		},
	}
}

func orchNextCmd() *cobra.Command {
	var start bool
	cmd := &cobra.Command{
		Use:   "next <orchestration-id>",
		Short: "Show the tasks ready in the lowest unfinished wave",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				w, err := e.NextWave(ctx, projectID, args[0], actorID())
				if err != nil {
					return err
				}
				if start {
					for i, t := range w.Tasks {
						started, err := e.StartTask(ctx, projectID, args[0], t.ID, actorID())
						if err != nil {
							return err
						}
						w.Tasks[i] = started
					}
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				if w.Done {
					fmt.Println(allowStyle.Render("complete"))
					return nil
				}
				fmt.Printf("wave %d\n", w.Number)
				renderTasks(w.Tasks)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&start, "start", false, "mark the returned tasks as started")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Work on a single task"}
	task.AddCommand(&cobra.Command{
		Use:   "start <orchestration-id> <task-id>",
		Short: "Mark a ready task as started",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				t, err := e.StartTask(ctx, projectID, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	})
	task.AddCommand(taskReportCmd())
	task.AddCommand(taskContextCmd())
	return task
}

func taskReportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "report <orchestration-id> <task-id>",
		Short: "Submit an agent report for a task (stdin unless --file)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				res, err := e.SubmitReport(ctx, engine.ReportOptions{
					ProjectID:       projectID,
					OrchestrationID: args[0],
					TaskID:          args[1],
					Raw:             string(raw),
					ActorID:         actorID(),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					if err := printJSON(res); err != nil {
						return err
					}
				} else {
					printReportResult(res)
				}
				if !res.Accepted {
					return &exitError{code: 2}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "-", "report file, - for stdin")
	return cmd
}

func printReportResult(res engine.ReportResult) {
	if !res.Accepted {
		fmt.Fprintln(os.Stderr, blockStyle.Render("rejected:"), res.Error)
		if res.Hint != "" {
			fmt.Fprintln(os.Stderr, dimStyle.Render(res.Hint))
		}
		if res.HITLRequired {
			fmt.Fprintln(os.Stderr, warnStyle.Render("escalated to a human; see crew hitl list"))
		}
		return
	}
	fmt.Printf("%s %s -> %s\n", allowStyle.Render("accepted"), res.Task.ID, taskStatus(res.Task.Status))
	if res.Bug != nil {
		fmt.Printf("bug %s filed (%s)\n", res.Bug.ID, res.Bug.Status)
	}
	if res.Routed > 0 {
		fmt.Printf("%d message(s) routed\n", res.Routed)
	}
	if res.HITLRequired {
		fmt.Println(warnStyle.Render("HITL required; see crew hitl list"))
	}
	if res.OrchestrationDone {
		fmt.Println(allowStyle.Render("orchestration complete"))
	}
}

func taskContextCmd() *cobra.Command {
	var role string
	var snippets int
	cmd := &cobra.Command{
		Use:   "context <orchestration-id> <task-id>",
		Short: "Assemble what an agent in a role may see for a task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				a, err := e.Assembler()
				if err != nil {
					return err
				}
				c, err := a.Build(ctx, agentctx.BuildOptions{
					ProjectID:       projectID,
					OrchestrationID: args[0],
					TaskID:          args[1],
					Role:            domain.Role(role),
					SnippetLimit:    snippets,
				})
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "agent role (pm, architect, dev, qa, reviewer, validator)")
	cmd.Flags().IntVar(&snippets, "snippets", 5, "maximum code snippets")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func renderTasks(tasks []domain.Task) {
	tw := newTable("Task", "Role", "Status", "Wave", "Attempts", "Description")
	for _, t := range tasks {
		tw.AppendRow([]any{t.ID, t.Role, taskStatus(t.Status), t.Wave, fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts), t.Description})
	}
	tw.Render()
}

func taskStatus(s domain.TaskStatus) string {
	switch s {
	case domain.TaskComplete:
		return allowStyle.Render(string(s))
	case domain.TaskFailed:
		return blockStyle.Render(string(s))
	case domain.TaskActive:
		return warnStyle.Render(string(s))
	default:
		return string(s)
	}
}
