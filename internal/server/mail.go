package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/mail"
	"crewline/internal/repo"
)

func registerMail(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "mail-inbox",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/mail/inbox",
		Summary:     "An agent's inbox, most important first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Agent      string `query:"agent" required:"true"`
		Status     string `query:"status" enum:"unread,read,acknowledged,assigned,resolved"`
		Importance string `query:"importance" enum:"low,normal,high,critical"`
		Limit      int    `query:"limit" default:"50"`
	}) (*bodyOutput[[]domain.Message], error) {
		msgs, err := e.Mail().Inbox(ctx, repo.InboxFilter{
			ProjectID:  input.ProjectID,
			Agent:      input.Agent,
			Status:     domain.MessageStatus(input.Status),
			Importance: domain.Importance(input.Importance),
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(msgs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mail-create-thread",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/mail/threads",
		Summary:       "Open a thread",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      CreateThreadRequest `json:"body"`
	}) (*bodyOutput[domain.Thread], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		th, err := e.Mail().CreateThread(ctx, mail.ThreadOptions{
			ProjectID: input.ProjectID,
			ParentID:  input.Body.ParentID,
			Type:      domain.ThreadType(input.Body.Type),
			Subject:   input.Body.Subject,
			Ref:       input.Body.Ref,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(th), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mail-thread",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/mail/threads/{thread_id}",
		Summary:     "Thread messages in send order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ThreadID  string `path:"thread_id"`
	}) (*bodyOutput[[]domain.Message], error) {
		if _, err := e.Mail().Thread(ctx, input.ProjectID, input.ThreadID); err != nil {
			return nil, handleError(err)
		}
		msgs, err := e.Mail().ThreadMessages(ctx, input.ProjectID, input.ThreadID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(msgs)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mail-send",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/mail/messages",
		Summary:       "Send a message into a thread",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string             `path:"project_id"`
		Body      SendMessageRequest `json:"body"`
	}) (*bodyOutput[domain.Message], error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.Mail().Send(ctx, mail.SendOptions{
			ProjectID:  input.ProjectID,
			ThreadID:   input.Body.ThreadID,
			From:       input.Body.From,
			To:         input.Body.To,
			Subject:    input.Body.Subject,
			Body:       input.Body.Body,
			Importance: input.Body.Importance,
			TaskID:     input.Body.TaskID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mail-set-status",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/mail/messages/{message_id}/status",
		Summary:     "Move a message to a new status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"project_id"`
		MessageID string               `path:"message_id"`
		Body      MessageStatusRequest `json:"body"`
	}) (*bodyOutput[domain.Message], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Mail().SetStatus(ctx, input.ProjectID, input.MessageID, domain.MessageStatus(input.Body.Status), input.Body.Assignee, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(m), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mail-archived",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/mail/threads/{thread_id}/archive",
		Summary:     "Archived messages of a thread with their digests",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ThreadID  string `path:"thread_id"`
	}) (*bodyOutput[[]domain.ArchivedMessage], error) {
		msgs, err := e.Mail().Archived(ctx, input.ProjectID, input.ThreadID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(nonNil(msgs)), nil
	})
}
