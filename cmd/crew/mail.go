package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/mail"
	"crewline/internal/repo"
)

func mailCmd() *cobra.Command {
	m := &cobra.Command{Use: "mail", Short: "Threaded messages between agents"}
	m.AddCommand(mailThreadCmd())
	m.AddCommand(mailSendCmd())
	m.AddCommand(mailInboxCmd())
	m.AddCommand(mailMarkCmd())
	m.AddCommand(mailArchiveCmd())
	m.AddCommand(mailArchivedCmd())
	return m
}

func mailThreadCmd() *cobra.Command {
	thread := &cobra.Command{Use: "thread", Short: "Create and read threads"}

	var parent, typ, subject, ref string
	create := &cobra.Command{
		Use:   "create",
		Short: "Open a thread",
		RunE: func(cmd *cobra.Command, args []string) error {
			tt, err := domain.ParseThreadType(typ)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				th, err := e.Mail().CreateThread(ctx, mail.ThreadOptions{
					ProjectID: projectID,
					ParentID:  parent,
					Type:      tt,
					Subject:   subject,
					Ref:       ref,
					ActorID:   actorID(),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(th)
			})
		},
	}
	create.Flags().StringVar(&parent, "parent", "", "parent thread id")
	create.Flags().StringVar(&typ, "type", string(domain.ThreadDecision), "project, sprint, task, bug, hitl, decision or handoff")
	create.Flags().StringVar(&subject, "subject", "", "subject")
	create.Flags().StringVar(&ref, "ref", "", "id of the entity the thread is about")
	thread.AddCommand(create)

	thread.AddCommand(&cobra.Command{
		Use:   "show <thread-id>",
		Short: "Show a thread and its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				th, err := e.Mail().Thread(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				msgs, err := e.Mail().ThreadMessages(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"thread": th, "messages": msgs})
				}
				fmt.Printf("%s  %s  %s  %s\n", th.ID, th.Type, th.Status, th.Subject)
				renderMessages(msgs)
				return nil
			})
		},
	})

	var parentFilter string
	list := &cobra.Command{
		Use:   "list",
		Short: "List threads, optionally under a parent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Mail().Threads(ctx, projectID, parentFilter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("ID", "Type", "Status", "Subject", "Parent")
				for _, th := range items {
					tw.AppendRow([]any{th.ID, th.Type, th.Status, th.Subject, th.ParentID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&parentFilter, "parent", "", "parent thread id")
	thread.AddCommand(list)
	return thread
}

func mailSendCmd() *cobra.Command {
	var opts mail.SendOptions
	cmd := &cobra.Command{
		Use:   "send <thread-id> <body>",
		Short: "Post a message to a thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				opts.ProjectID = projectID
				opts.ThreadID = args[0]
				opts.Body = args[1]
				if opts.From == "" {
					opts.From = actorID()
				}
				m, err := e.Mail().Send(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.From, "from", "", "sender (default: --actor-id)")
	cmd.Flags().StringVar(&opts.To, "to", "", "recipient agent")
	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject")
	cmd.Flags().StringVar(&opts.Importance, "importance", "", "low, normal, high or critical")
	cmd.Flags().StringVar(&opts.TaskID, "task", "", "related task id")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func mailInboxCmd() *cobra.Command {
	var agent, status, imp string
	var limit int
	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Show an agent's inbox, most important first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := repo.InboxFilter{Agent: agent, Limit: limit}
			if f.Agent == "" {
				f.Agent = actorID()
			}
			if status != "" {
				s, err := domain.ParseMessageStatus(status)
				if err != nil {
					return err
				}
				f.Status = s
			}
			if imp != "" {
				i, err := domain.ParseImportance(imp)
				if err != nil {
					return err
				}
				f.Importance = i
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				f.ProjectID = projectID
				msgs, err := e.Mail().Inbox(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				renderMessages(msgs)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "recipient (default: --actor-id)")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&imp, "importance", "", "minimum importance")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages")
	return cmd
}

func mailMarkCmd() *cobra.Command {
	var assignee string
	cmd := &cobra.Command{
		Use:   "mark <message-id> <status>",
		Short: "Move a message to read, acknowledged, assigned or resolved",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := domain.ParseMessageStatus(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				m, err := e.Mail().SetStatus(ctx, projectID, args[0], status, assignee, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee, required for assigned")
	return cmd
}

func mailArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <thread-id>",
		Short: "Archive a thread's messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				n, err := e.Mail().ArchiveThread(ctx, projectID, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"archived": n})
				}
				fmt.Printf("archived %d message(s)\n", n)
				return nil
			})
		},
	}
}

func mailArchivedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archived <thread-id>",
		Short: "Read archived messages, verifying their digests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine, projectID string) error {
				items, err := e.Mail().Archived(ctx, projectID, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable("Seq", "From", "To", "Body", "Archived", "Digest")
				for _, m := range items {
					digest := m.Digest
					if len(digest) > 12 {
						digest = digest[:12]
					}
					tw.AppendRow([]any{m.Seq, m.From, m.To, m.Body, m.ArchivedAt, dimStyle.Render(digest)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func renderMessages(msgs []domain.Message) {
	if len(msgs) == 0 {
		fmt.Println(dimStyle.Render("no messages"))
		return
	}
	tw := newTable("ID", "From", "To", "Importance", "Status", "Subject", "Body")
	for _, m := range msgs {
		tw.AppendRow([]any{m.ID, m.From, m.To, importance(string(m.Importance)), m.Status, m.Subject, m.Body})
	}
	tw.Render()
}
