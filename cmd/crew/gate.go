package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/gate"
	"crewline/internal/migrate"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, desc, configPath string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a project with its policy, gate state and root thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if configPath != "" {
				var err error
				if cfg, err = config.FromFile(configPath); err != nil {
					return err
				}
				if id == "" {
					id = cfg.Project.ID
				}
			}
			if id == "" {
				return fmt.Errorf("--id required")
			}
			if cfg == nil {
				cfg = config.Default(id)
			}
			cfg.Project.ID = id
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			p, err := e.InitProject(cmd.Context(), id, desc, actorID())
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	cmd.Flags().StringVar(&configPath, "config", "", "policy YAML to store instead of the defaults")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			items, err := engine.New(conn, nil).Repo.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(items)
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage the project policy"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the policy stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				return printJSONOrTable(e.Config)
			})
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the default policy YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := viper.GetString("project")
			if id == "" {
				id = "my-project"
			}
			fmt.Print(config.GenerateDefault(id))
			return nil
		},
	})
	var filePath string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import the policy from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			var parsed *config.Config
			var err error
			if filePath == "" {
				parsed, err = config.Load(viper.GetString("workspace"))
			} else {
				parsed, err = config.FromFile(filePath)
			}
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				parsed.Project.ID = projectID
				if err := e.Repo.UpsertProjectConfig(ctx, e.DB, projectID, parsed, e.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				return printJSONOrTable(parsed)
			})
		},
	}
	imp.Flags().StringVar(&filePath, "file", "", "path to YAML policy (default: <workspace>/crewline.yml)")
	cfg.AddCommand(imp)
	return cfg
}

func goalCmd() *cobra.Command {
	goal := &cobra.Command{Use: "goal", Short: "Manage the active goal"}
	var tier string
	set := &cobra.Command{
		Use:   "set <description>",
		Short: "Start a goal; the tier is detected from the text unless --tier is given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				return printDecision(e.Gate().SetGoal(ctx, projectID, text, domain.Tier(tier), actorID()))
			})
		},
	}
	set.Flags().StringVar(&tier, "tier", "", "minimal, standard or full")
	goal.AddCommand(set)
	return goal
}

func phaseCmd() *cobra.Command {
	phase := &cobra.Command{Use: "phase", Short: "Move through the lifecycle"}
	phase.AddCommand(&cobra.Command{
		Use:   "advance <phase>",
		Short: "Advance exactly one phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				return printDecision(e.Gate().AdvancePhase(ctx, projectID, domain.Phase(args[0]), actorID()))
			})
		},
	})
	return phase
}

func specCmd() *cobra.Command {
	spec := &cobra.Command{Use: "spec", Short: "Spec approval"}
	spec.AddCommand(&cobra.Command{
		Use:   "approve <name>",
		Short: "Approve a spec for the active goal (spec phase or later)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				return printDecision(e.Gate().ApproveSpec(ctx, projectID, args[0], actorID()))
			})
		},
	})
	return spec
}

func gateCmd() *cobra.Command {
	g := &cobra.Command{Use: "gate", Short: "Inspect and query the lifecycle gate"}
	g.AddCommand(gateStateCmd())
	g.AddCommand(gateCheckCmd())
	g.AddCommand(gateTierCmd())
	return g
}

func gateStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show goal, phase, tier and spec approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				s, err := e.Gate().State(ctx, projectID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := newTable("Goal", "Phase", "Tier", "Spec", "Approved by")
				spec := dimStyle.Render("not approved")
				if s.SpecApproved {
					spec = allowStyle.Render(s.SpecName)
				}
				tw.AppendRow([]any{s.Goal, s.Phase, s.Tier, spec, s.ApprovedBy})
				tw.Render()
				return nil
			})
		},
	}
}

func gateCheckCmd() *cobra.Command {
	var hook bool
	var tool, target string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Decide whether a tool call may proceed",
		Long: `With --hook the tool call is read as JSON from stdin ({"tool_name": ..., "target": ...} or
{"tool_name": ..., "tool_input": {...}}), the decision is printed as JSON and the process exits 2 on block.
Any failure in hook mode, from bad input to an unreadable store, is reported as a block.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if hook {
				return hookCheck(cmd.Context(), os.Stdin, os.Stdout, engineCheck)
			}
			if tool == "" {
				return fmt.Errorf("--tool required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				return printDecision(e.Gate().CheckMutation(ctx, projectID, tool, target))
			})
		},
	}
	cmd.Flags().BoolVar(&hook, "hook", false, "read the tool call from stdin and exit 2 on block")
	cmd.Flags().StringVar(&tool, "tool", "", "tool name, e.g. Write or Bash")
	cmd.Flags().StringVar(&target, "target", "", "file path, command line or agent role")
	return cmd
}

type checkFunc func(context.Context, gate.HookInput) (gate.Decision, error)

// engineCheck runs the mutation gate against the workspace project.
func engineCheck(ctx context.Context, in gate.HookInput) (gate.Decision, error) {
	var d gate.Decision
	err := withEngine(ctx, func(ctx context.Context, e engine.Engine, projectID string) error {
		d = e.Gate().CheckMutation(ctx, projectID, in.ToolName, in.ResolveTarget())
		return nil
	})
	return d, err
}

// hookCheck answers one hook call. It always writes a decision to w and
// returns an exit code 2 error unless the call is allowed; unreadable
// input and store failures block with the internal gate.
func hookCheck(ctx context.Context, r io.Reader, w io.Writer, check checkFunc) error {
	res := hookResult(ctx, r, check)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return &exitError{code: 2, msg: err.Error()}
	}
	if res.Decision != "allow" {
		return &exitError{code: 2, msg: res.Reason}
	}
	return nil
}

func hookResult(ctx context.Context, r io.Reader, check checkFunc) gate.HookResult {
	internal := func(err error) gate.HookResult {
		slog.Error("gate hook failed", "err", err)
		return gate.HookResult{Decision: "block", Gate: gate.GateInternal, Reason: err.Error()}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return internal(fmt.Errorf("read gate check input: %w", err))
	}
	in, err := gate.ParseHookInput(data)
	if err != nil {
		return internal(err)
	}
	d, err := check(ctx, in)
	if err != nil {
		return internal(fmt.Errorf("gate check failed: %w", err))
	}
	return d.HookResult()
}

func gateTierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tier <description>",
		Short: "Show the tier a goal description would get and why",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, _ string) error {
				out := struct {
					Tier    domain.Tier      `json:"tier"`
					Signals gate.TierSignals `json:"signals"`
				}{
					Tier:    gate.DetectTier(text, e.Config.Tiers),
					Signals: gate.Signals(text, e.Config.Tiers),
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func printDecision(d gate.Decision) error {
	if viper.GetBool("json") {
		return printJSON(d.HookResult())
	}
	line := verdict(d.Allowed) + " " + d.Reason
	if d.Gate != "" && !d.Allowed {
		line += dimStyle.Render(fmt.Sprintf(" (%s gate)", d.Gate))
	}
	fmt.Println(line)
	if d.State != nil {
		fmt.Println(dimStyle.Render(fmt.Sprintf("phase %s, tier %s", d.State.Phase, d.State.Tier)))
	}
	if !d.Allowed {
		return &exitError{code: 1}
	}
	return nil
}
