package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/app"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/migrate"
)

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "crewline CLI",
	Long: `crewline coordinates a crew of AI agents on one project.
- Gate: a lifecycle state machine (intake -> debate -> spec -> approve -> implement -> review -> complete) that
  decides whether an agent may write files, run mutating commands or spawn implementers.
- Orchestration: an approved spec decomposed into a task graph, dispatched wave by wave.
- Reports: agents finish a task with a JSON report; malformed reports are retried, then escalated.
- Bugs: QA findings cycle open -> fixing -> verifying -> closed, bounded before a human is asked.
- Mail: threaded, prioritised messages between agents, archived with an integrity digest.
- HITL: when a bound is hit the flow stops until a human resolves it (crew hitl resolve).
- Event log: every state change, view with 'crew log tail'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-level")))
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, errStyle.Render("error:"), err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CREWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (defaults to the only project in the workspace)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Duration("timeout", 0, "bound each command (default: the project's store.timeout_seconds)")
	for _, name := range []string{"workspace", "json", "actor-id", "project", "log-level", "timeout"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(goalCmd())
	rootCmd.AddCommand(phaseCmd())
	rootCmd.AddCommand(specCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(orchCmd())
	rootCmd.AddCommand(bugCmd())
	rootCmd.AddCommand(mailCmd())
	rootCmd.AddCommand(hitlCmd())
	rootCmd.AddCommand(debateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(mcpCmd())
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// --- helpers ---

// openEngine opens the workspace store and resolves the project and its
// stored policy. The caller closes the returned engine's DB.
func openEngine(ctx context.Context) (engine.Engine, string, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return engine.Engine{}, "", err
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return engine.Engine{}, "", err
	}
	projectID, cfg, err := app.ResolveProjectAndConfig(ctx, viper.GetString("project"), engine.New(conn, nil).Repo)
	if err != nil {
		conn.Close()
		return engine.Engine{}, "", err
	}
	e := engine.New(conn, cfg)
	e.Logger = slog.Default().With("project", projectID)
	e.Repo.Logger = e.Logger
	return e, projectID, nil
}

// withEngine runs fn against the resolved project with a context bounded
// by --timeout or the project's store timeout.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine, string) error) error {
	e, projectID, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer e.DB.Close()

	timeout := viper.GetDuration("timeout")
	if timeout <= 0 && e.Config.Store.TimeoutSeconds > 0 {
		timeout = time.Duration(e.Config.Store.TimeoutSeconds) * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, e, projectID)
}

func actorID() string {
	return viper.GetString("actor-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(header))
	return tw
}

var (
	allowStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3FB950"))
	blockStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#E3B341"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
)

func verdict(allowed bool) string {
	if allowed {
		return allowStyle.Render("ALLOW")
	}
	return blockStyle.Render("BLOCK")
}

func importance(level string) string {
	switch level {
	case "critical":
		return blockStyle.Render(level)
	case "high":
		return warnStyle.Render(level)
	case "low":
		return dimStyle.Render(level)
	default:
		return level
	}
}

// readInput returns the file's content, or stdin for "-".
func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
