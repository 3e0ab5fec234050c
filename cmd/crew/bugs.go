package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/domain"
	"crewline/internal/engine"
)

func bugCmd() *cobra.Command {
	bug := &cobra.Command{Use: "bug", Short: "QA findings and their fix cycles"}

	var orch string
	list := &cobra.Command{
		Use:   "list",
		Short: "List bugs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListBugs(ctx, projectID, orch)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Title", "Severity", "Status", "Cycle", "Assigned")
				for _, b := range items {
					tw.AppendRow([]any{b.ID, b.Title, importance(string(b.Severity)), bugStatus(b.Status), fmt.Sprintf("%d/%d", b.Cycle, b.MaxCycles), b.AssignedTo})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&orch, "orch", "", "orchestration id")
	bug.AddCommand(list)

	bug.AddCommand(&cobra.Command{
		Use:   "show <bug-id>",
		Short: "Show a bug",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				b, err := e.Bug(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	})

	var opts engine.BugOptions
	file := &cobra.Command{
		Use:   "file <orchestration-id> <title>",
		Short: "Open a bug against an orchestration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				opts.OrchestrationID = args[0]
				opts.Title = args[1]
				opts.ActorID = actorID()
				if opts.FoundBy == "" {
					opts.FoundBy = actorID()
				}
				b, err := e.FileBug(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(b)
			})
		},
	}
	file.Flags().StringVar(&opts.TaskID, "task", "", "task the bug was found in")
	file.Flags().StringVar(&opts.Description, "description", "", "description")
	file.Flags().StringVar(&opts.Severity, "severity", "", "low, medium, high or critical")
	file.Flags().StringVar(&opts.FoundBy, "found-by", "", "reporter (default: --actor-id)")
	bug.AddCommand(file)

	var assignee string
	start := bugAction("start <bug-id>", "Start fixing an open bug", func(ctx context.Context, e engine.Engine, projectID, id string) (domain.Bug, error) {
		if assignee == "" {
			assignee = actorID()
		}
		return e.StartFix(ctx, projectID, id, assignee, actorID())
	})
	start.Flags().StringVar(&assignee, "assignee", "", "fixer (default: --actor-id)")
	bug.AddCommand(start)

	var summary string
	fix := bugAction("fix <bug-id>", "Hand a fixed bug to QA for verification", func(ctx context.Context, e engine.Engine, projectID, id string) (domain.Bug, error) {
		return e.SubmitFix(ctx, projectID, id, summary, actorID())
	})
	fix.Flags().StringVar(&summary, "summary", "", "what was changed")
	bug.AddCommand(fix)

	var pass, fail bool
	var detail string
	verify := bugAction("verify <bug-id>", "Record the QA verdict on a fix", func(ctx context.Context, e engine.Engine, projectID, id string) (domain.Bug, error) {
		if pass == fail {
			return domain.Bug{}, fmt.Errorf("exactly one of --pass or --fail required")
		}
		return e.VerifyBug(ctx, projectID, id, pass, detail, actorID())
	})
	verify.Flags().BoolVar(&pass, "pass", false, "the fix holds")
	verify.Flags().BoolVar(&fail, "fail", false, "the fix does not hold")
	verify.Flags().StringVar(&detail, "detail", "", "verification notes")
	bug.AddCommand(verify)

	var reopenDetail string
	reopen := bugAction("reopen <bug-id>", "Reopen a closed bug", func(ctx context.Context, e engine.Engine, projectID, id string) (domain.Bug, error) {
		return e.ReopenBug(ctx, projectID, id, reopenDetail, actorID())
	})
	reopen.Flags().StringVar(&reopenDetail, "detail", "", "why it came back")
	bug.AddCommand(reopen)
	return bug
}

func bugAction(use, short string, fn func(ctx context.Context, e engine.Engine, projectID, id string) (domain.Bug, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				b, err := fn(ctx, e, projectID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				fmt.Printf("%s %s (cycle %d/%d)\n", b.ID, bugStatus(b.Status), b.Cycle, b.MaxCycles)
				if b.Status == domain.BugHITL {
					fmt.Println(warnStyle.Render("fix cycles exhausted; see crew hitl list"))
				}
				return nil
			})
		},
	}
}

func bugStatus(s domain.BugStatus) string {
	switch s {
	case domain.BugClosed:
		return allowStyle.Render(string(s))
	case domain.BugHITL:
		return blockStyle.Render(string(s))
	case domain.BugFixing, domain.BugVerifying:
		return warnStyle.Render(string(s))
	default:
		return string(s)
	}
}

func hitlCmd() *cobra.Command {
	hitl := &cobra.Command{Use: "hitl", Short: "Human-in-the-loop escalations"}

	var orch, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List escalations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.ListHITL(ctx, projectID, orch, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Kind", "Orchestration", "Subject", "Status", "Reason")
				for _, h := range items {
					st := h.Status
					if st == "open" {
						st = blockStyle.Render(st)
					}
					tw.AppendRow([]any{h.ID, h.Kind, h.OrchestrationID, h.Subject, st, h.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&orch, "orch", "", "orchestration id")
	list.Flags().StringVar(&status, "status", "open", "open, resolved or empty for all")
	hitl.AddCommand(list)

	var resolveOrch, resolution string
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve open escalations and let the flow continue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				n, err := e.ResolveHITL(ctx, projectID, resolveOrch, resolution, actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"resolved": n})
				}
				fmt.Printf("resolved %d escalation(s)\n", n)
				return nil
			})
		},
	}
	resolve.Flags().StringVar(&resolveOrch, "orch", "", "orchestration id; empty resolves project-level escalations")
	resolve.Flags().StringVar(&resolution, "resolution", "", "the human decision")
	_ = resolve.MarkFlagRequired("resolution")
	hitl.AddCommand(resolve)
	return hitl
}

func debateCmd() *cobra.Command {
	debate := &cobra.Command{Use: "debate", Short: "PM debate rounds over a spec"}

	var opts engine.DebateOptions
	round := &cobra.Command{
		Use:   "round",
		Short: "Record one debate round",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				opts.ActorID = actorID()
				res, err := e.RecordDebateRound(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("round %d recorded: %s\n", res.Round.Round, res.Outcome.Kind)
				if res.HITLRequired {
					fmt.Println(warnStyle.Render("debate bound reached; see crew hitl list"))
				}
				return nil
			})
		},
	}
	round.Flags().StringVar(&opts.SpecName, "spec", "", "spec under debate")
	round.Flags().BoolVar(&opts.Converged, "converged", false, "the perspectives agreed")
	round.Flags().StringVar(&opts.Summary, "summary", "", "round summary")
	_ = round.MarkFlagRequired("spec")
	debate.AddCommand(round)

	var spec string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show the rounds so far and whether another may run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				st, err := e.DebateContext(ctx, projectID, spec)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				tw := newTable("Round", "Converged", "Summary", "At")
				for _, r := range st.Rounds {
					tw.AppendRow([]any{r.Round, r.Converged, r.Summary, r.CreatedAt})
				}
				tw.Render()
				fmt.Printf("%d unsettled of %d allowed\n", st.Unsettled, st.MaxRounds)
				if st.Blocked {
					fmt.Println(blockStyle.Render("blocked: ") + st.Reason)
				}
				return nil
			})
		},
	}
	show.Flags().StringVar(&spec, "spec", "", "spec under debate")
	_ = show.MarkFlagRequired("spec")
	debate.AddCommand(show)
	return debate
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "The event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.TailEvents(ctx, projectID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "At", "Type", "Entity", "Actor")
				for _, ev := range items {
					tw.AppendRow([]any{ev.ID, ev.TS, ev.Type, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&n, "lines", "n", 20, "number of events")
	lg.AddCommand(tail)
	return lg
}
