package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"crewline/internal/agentctx"
	"crewline/internal/config"
	"crewline/internal/domain"
	"crewline/internal/events"
	"crewline/internal/gate"
	"crewline/internal/mail"
	"crewline/internal/repo"
)

// Engine drives orchestrations: waves, reports, bugs and human escalation.
// It owns no state between calls; every operation re-reads the store.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	// Config overrides the project's stored policy when set.
	Config *config.Config
	Oracle agentctx.Oracle
	Now    func() time.Time
	NewID  func() string
	Logger *slog.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	if cfg != nil {
		r.BusyRetries = cfg.Store.BusyRetries
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{Now: time.Now},
		Config: cfg,
		Now:    time.Now,
		Logger: slog.Default(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) events() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

// Gate returns the gate engine sharing this engine's store, clock and logger.
func (e Engine) Gate() gate.Engine {
	g := gate.New(e.Repo, e.Config)
	g.Now = e.now
	g.Events = e.events()
	g.Logger = e.logger()
	return g
}

// Mail returns the mail system sharing this engine's store, clock and logger.
func (e Engine) Mail() mail.System {
	m := mail.New(e.Repo)
	m.Now = e.now
	m.Events = e.events()
	m.NewID = e.newID
	m.Logger = e.logger()
	return m
}

// Assembler builds agent context with the default blind walls.
func (e Engine) Assembler() (*agentctx.Assembler, error) {
	a, err := agentctx.NewAssembler(e.Repo, e.Mail(), e.Gate(), e.Oracle, nil)
	if err != nil {
		return nil, err
	}
	a.Logger = e.logger()
	return a, nil
}

func (e Engine) config(ctx context.Context, projectID string) (*config.Config, error) {
	if e.Config != nil {
		return e.Config, nil
	}
	cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("load config for project %s: %w", projectID, err)
	}
	return cfg, nil
}

// InitProject creates the project with its policy, gate snapshot and root mail thread.
func (e Engine) InitProject(ctx context.Context, projectID, description, actorID string) (domain.Project, error) {
	if projectID == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	p := domain.Project{
		ID:          projectID,
		Status:      "active",
		Description: description,
		CreatedAt:   e.stamp(),
	}
	cfg := config.Default(projectID)
	if e.Config != nil {
		copied := *e.Config
		cfg = &copied
	}
	err := e.Repo.InTx(ctx, "init project", func(tx *sql.Tx) error {
		if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		if err := e.Repo.UpsertProjectConfig(ctx, tx, p.ID, cfg, p.CreatedAt); err != nil {
			return fmt.Errorf("insert project config: %w", err)
		}
		if err := e.Repo.SaveGateState(ctx, tx, domain.GateState{ProjectID: p.ID, Phase: domain.PhaseIntake, UpdatedAt: p.CreatedAt}); err != nil {
			return fmt.Errorf("insert gate state: %w", err)
		}
		if _, err := e.Mail().CreateThreadTx(ctx, tx, mail.ThreadOptions{
			ProjectID: p.ID,
			Type:      domain.ThreadProject,
			Subject:   "project " + p.ID,
			Ref:       p.ID,
			ActorID:   actorID,
		}); err != nil {
			return fmt.Errorf("create project thread: %w", err)
		}
		return e.events().Append(ctx, tx, events.Entry{
			Type:       events.ProjectInit,
			ProjectID:  p.ID,
			EntityKind: "project",
			EntityID:   p.ID,
			ActorID:    actorID,
			Payload:    events.Payload{"status": p.Status},
		})
	})
	if err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// projectThread finds the project's root thread, creating it for projects
// that predate it.
func (e Engine) projectThread(ctx context.Context, tx *sql.Tx, projectID, actorID string) (domain.Thread, error) {
	t, err := e.Repo.FindThread(ctx, tx, projectID, domain.ThreadProject, projectID)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return t, err
	}
	return e.Mail().CreateThreadTx(ctx, tx, mail.ThreadOptions{
		ProjectID: projectID,
		Type:      domain.ThreadProject,
		Subject:   "project " + projectID,
		Ref:       projectID,
		ActorID:   actorID,
	})
}

func (e Engine) Orchestration(ctx context.Context, projectID, id string) (domain.Orchestration, error) {
	return e.Repo.GetOrchestration(ctx, e.DB, projectID, id)
}

func (e Engine) ListOrchestrations(ctx context.Context, projectID string, status domain.OrchestrationStatus) ([]domain.Orchestration, error) {
	return e.Repo.ListOrchestrations(ctx, projectID, string(status))
}

func (e Engine) ListBugs(ctx context.Context, projectID, orchestrationID string) ([]domain.Bug, error) {
	return e.Repo.ListBugs(ctx, e.DB, projectID, orchestrationID)
}

// ListHITL lists escalation records. Empty status means all.
func (e Engine) ListHITL(ctx context.Context, projectID, orchestrationID, status string) ([]domain.HITLRecord, error) {
	return e.Repo.ListHITL(ctx, e.DB, projectID, orchestrationID, status)
}

func (e Engine) TailEvents(ctx context.Context, projectID string, limit int) ([]domain.Event, error) {
	return e.Repo.TailEvents(ctx, projectID, limit)
}
