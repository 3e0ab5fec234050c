package mail

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/migrate"
	"crewline/internal/repo"
)

const project = "proj"

func newTestSystem(t *testing.T) System {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	r := repo.Repo{DB: conn}
	require.NoError(t, r.InsertProject(context.Background(), conn, domain.Project{ID: project, Status: "active", CreatedAt: now().Format(time.RFC3339)}))

	n := 0
	s := New(r)
	s.Now = now
	s.Events = events.Writer{Now: now}
	s.NewID = func() string {
		n++
		return fmt.Sprintf("id-%03d", n)
	}
	return s
}

func projectThread(t *testing.T, s System) domain.Thread {
	t.Helper()
	th, err := s.CreateThread(context.Background(), ThreadOptions{ProjectID: project, Type: domain.ThreadProject, Subject: "root"})
	require.NoError(t, err)
	return th
}

func TestInboxCriticalFirst(t *testing.T) {
	s := newTestSystem(t)
	ctx := context.Background()
	th := projectThread(t, s)

	_, err := s.Send(ctx, SendOptions{ProjectID: project, ThreadID: th.ID, From: "pm", To: "dev", Body: "routine"})
	require.NoError(t, err)
	crit, err := s.Send(ctx, SendOptions{ProjectID: project, ThreadID: th.ID, From: "qa", To: "dev", Body: "prod down", Importance: "critical"})
	require.NoError(t, err)

	inbox, err := s.Inbox(ctx, repo.InboxFilter{ProjectID: project, Agent: "dev"})
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, crit.ID, inbox[0].ID)
	assert.Equal(t, domain.ImportanceNormal, inbox[1].Importance)
}

func TestInboxOrdersSameSecondByRecency(t *testing.T) {
	s := newTestSystem(t)
	ctx := context.Background()
	th := projectThread(t, s)

	var ids []string
	for i := 0; i < 3; i++ {
		m, err := s.Send(ctx, SendOptions{ProjectID: project, ThreadID: th.ID, From: "pm", To: "dev", Body: fmt.Sprintf("note %d", i), Importance: "low"})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}
	high, err := s.Send(ctx, SendOptions{ProjectID: project, ThreadID: th.ID, From: "pm", To: "dev", Body: "review", Importance: "high"})
	require.NoError(t, err)

	inbox, err := s.Inbox(ctx, repo.InboxFilter{ProjectID: project, Agent: "dev"})
	require.NoError(t, err)
	require.Len(t, inbox, 4)
	assert.Equal(t, []string{high.ID, ids[2], ids[1], ids[0]}, []string{inbox[0].ID, inbox[1].ID, inbox[2].ID, inbox[3].ID})

	limited, err := s.Inbox(ctx, repo.InboxFilter{ProjectID: project, Agent: "dev", Importance: domain.ImportanceLow, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, ids[2], limited[0].ID)
}

func TestStatusTransitionsArePermissive(t *testing.T) {
	s := newTestSystem(t)
	ctx := context.Background()
	th := projectThread(t, s)
	m, err := s.Send(ctx, SendOptions{ProjectID: project, ThreadID: th.ID, From: "pm", To: "dev", Body: "do it"})
	require.NoError(t, err)

	m, err = s.MarkResolved(ctx, project, m.ID, "dev")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageResolved, m.Status)

	m, err = s.MarkRead(ctx, project, m.ID, "dev")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageRead, m.Status)

	m, err = s.Assign(ctx, project, m.ID, "qa", "pm")
	require.NoError(t, err)
	assert.Equal(t, domain.MessageAssigned, m.Status)
	assert.Equal(t, "qa", m.AssignedTo)

	evs, err := s.Repo.TailEvents(ctx, project, 3)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Contains(t, evs[0].Payload, `"in_sequence":false`)
	assert.Contains(t, evs[1].Payload, `"in_sequence":false`)

	_, err = s.MarkRead(ctx, project, "missing", "dev")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestThreadParentValidation(t *testing.T) {
	s := newTestSystem(t)
	ctx := context.Background()
	root := projectThread(t, s)

	_, err := s.CreateThread(ctx, ThreadOptions{ProjectID: project, ParentID: root.ID, Type: domain.ThreadProject})
	var inv *domain.InvariantError
	assert.ErrorAs(t, err, &inv)

	_, err = s.CreateThread(ctx, ThreadOptions{ProjectID: project, ParentID: "nope", Type: domain.ThreadTask})
	assert.ErrorIs(t, err, repo.ErrNotFound)

	_, err = s.CreateThread(ctx, ThreadOptions{ProjectID: project, Type: "gossip"})
	assert.Error(t, err)

	sprint, err := s.CreateThread(ctx, ThreadOptions{ProjectID: project, ParentID: root.ID, Type: domain.ThreadSprint, Ref: "orch-1"})
	require.NoError(t, err)
	_, err = s.ArchiveThread(ctx, project, sprint.ID, "pm")
	require.NoError(t, err)
	_, err = s.CreateThread(ctx, ThreadOptions{ProjectID: project, ParentID: sprint.ID, Type: domain.ThreadTask})
	assert.ErrorAs(t, err, &inv)
}

func TestArchiveThreadRoundTrip(t *testing.T) {
	s := newTestSystem(t)
	ctx := context.Background()
	root := projectThread(t, s)
	th, err := s.CreateThread(ctx, ThreadOptions{ProjectID: project, ParentID: root.ID, Type: domain.ThreadSprint})
	require.NoError(t, err)

	first, err := s.Send(ctx, SendOptions{ProjectID: project, ThreadID: th.ID, From: "pm", To: "dev", Subject: "plan", Body: "wave 1 ready", TaskID: "T1"})
	require.NoError(t, err)
	_, err = s.Send(ctx, SendOptions{ProjectID: project, ThreadID: th.ID, From: "dev", To: "qa", Body: "done", Importance: "high"})
	require.NoError(t, err)
	_, err = s.MarkAcknowledged(ctx, project, first.ID, "dev")
	require.NoError(t, err)

	n, err := s.ArchiveThread(ctx, project, th.ID, "pm")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	live, err := s.ThreadMessages(ctx, project, th.ID)
	require.NoError(t, err)
	assert.Empty(t, live)

	got, err := s.Thread(ctx, project, th.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ThreadArchived, got.Status)

	archived, err := s.Archived(ctx, project, th.ID)
	require.NoError(t, err)
	require.Len(t, archived, 2)
	assert.Equal(t, first.ID, archived[0].ID)
	assert.Equal(t, "wave 1 ready", archived[0].Body)
	assert.Equal(t, "plan", archived[0].Subject)
	assert.Equal(t, domain.MessageAcknowledged, archived[0].Status)
	assert.Equal(t, "T1", archived[0].TaskID)
	assert.Len(t, archived[0].Digest, 64)

	_, err = s.Send(ctx, SendOptions{ProjectID: project, ThreadID: th.ID, From: "pm", To: "dev", Body: "late"})
	var inv *domain.InvariantError
	assert.ErrorAs(t, err, &inv)

	_, err = s.ArchiveThread(ctx, project, th.ID, "pm")
	assert.ErrorAs(t, err, &inv)
}

func TestArchiveThreadTakesDescendants(t *testing.T) {
	s := newTestSystem(t)
	ctx := context.Background()
	root := projectThread(t, s)
	sprint, err := s.CreateThread(ctx, ThreadOptions{ProjectID: project, ParentID: root.ID, Type: domain.ThreadSprint})
	require.NoError(t, err)
	handoff, err := s.CreateThread(ctx, ThreadOptions{ProjectID: project, ParentID: sprint.ID, Type: domain.ThreadHandoff, Ref: "T1"})
	require.NoError(t, err)
	bug, err := s.CreateThread(ctx, ThreadOptions{ProjectID: project, ParentID: sprint.ID, Type: domain.ThreadBug, Ref: "b1"})
	require.NoError(t, err)

	_, err = s.Send(ctx, SendOptions{ProjectID: project, ThreadID: sprint.ID, From: "pm", To: "dev", Body: "go"})
	require.NoError(t, err)
	_, err = s.Send(ctx, SendOptions{ProjectID: project, ThreadID: handoff.ID, From: "dev", To: "qa", Body: "ready"})
	require.NoError(t, err)
	_, err = s.Send(ctx, SendOptions{ProjectID: project, ThreadID: bug.ID, From: "qa", To: "dev", Body: "broken"})
	require.NoError(t, err)
	_, err = s.ArchiveThread(ctx, project, bug.ID, "pm")
	require.NoError(t, err)

	n, err := s.ArchiveThread(ctx, project, sprint.ID, "pm")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{sprint.ID, handoff.ID, bug.ID} {
		th, err := s.Thread(ctx, project, id)
		require.NoError(t, err)
		assert.Equal(t, domain.ThreadArchived, th.Status, id)
		live, err := s.ThreadMessages(ctx, project, id)
		require.NoError(t, err)
		assert.Empty(t, live, id)
	}
	archived, err := s.Archived(ctx, project, handoff.ID)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "ready", archived[0].Body)

	rootNow, err := s.Thread(ctx, project, root.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ThreadActive, rootNow.Status)
}

func TestArchiveDigestDetectsTampering(t *testing.T) {
	m := domain.Message{ID: "m1", Seq: 4, ThreadID: "t", From: "pm", To: "dev", Body: "hello", Importance: domain.ImportanceHigh, Status: domain.MessageRead}
	payload, digest, err := encodeArchived(m)
	require.NoError(t, err)

	again, digest2, err := encodeArchived(m)
	require.NoError(t, err)
	assert.Equal(t, digest, digest2)
	assert.Equal(t, payload, again)

	back, err := decodeArchived(payload, digest)
	require.NoError(t, err)
	assert.Equal(t, m, back)

	other, _, err := encodeArchived(domain.Message{ID: "m1", Body: "changed"})
	require.NoError(t, err)
	_, err = decodeArchived(other, digest)
	assert.ErrorContains(t, err, "digest mismatch")
}

func TestRouteMessages(t *testing.T) {
	s := newTestSystem(t)
	ctx := context.Background()
	root := projectThread(t, s)

	routed, err := s.RouteMessages(ctx, RouteOptions{
		ProjectID: project,
		ParentID:  root.ID,
		Output: domain.AgentOutput{
			Agent:  "dev",
			TaskID: "T2",
			Messages: []domain.OutboundMessage{
				{To: "qa", Content: "ready for test"},
				{To: "reviewer", Content: "please review", Subject: "PR", Importance: "high"},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ThreadHandoff, routed.Thread.Type)
	assert.Equal(t, root.ID, routed.Thread.ParentID)
	require.Len(t, routed.Messages, 2)
	assert.Equal(t, domain.ImportanceHigh, routed.Messages[1].Importance)

	msgs, err := s.TaskMessages(ctx, project, "T2")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	empty, err := s.RouteMessages(ctx, RouteOptions{ProjectID: project, Output: domain.AgentOutput{Agent: "dev"}})
	require.NoError(t, err)
	assert.Empty(t, empty.Messages)

	_, err = s.RouteMessages(ctx, RouteOptions{ProjectID: project, ParentID: root.ID, Output: domain.AgentOutput{
		Agent:    "dev",
		Messages: []domain.OutboundMessage{{To: "qa", Content: "x", Importance: "urgent"}},
	}})
	assert.Error(t, err)
	threads, err := s.Threads(ctx, project, root.ID)
	require.NoError(t, err)
	assert.Len(t, threads, 1)
}

func TestSendValidation(t *testing.T) {
	s := newTestSystem(t)
	ctx := context.Background()
	th := projectThread(t, s)

	_, err := s.Send(ctx, SendOptions{ProjectID: project, ThreadID: th.ID, From: "pm", To: "dev"})
	assert.Error(t, err)
	_, err = s.Send(ctx, SendOptions{ProjectID: project, ThreadID: "missing", From: "pm", To: "dev", Body: "x"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
	_, err = s.Inbox(ctx, repo.InboxFilter{ProjectID: project})
	assert.Error(t, err)
}
