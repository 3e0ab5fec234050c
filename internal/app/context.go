package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crewline/internal/config"
	"crewline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and loads its stored
// policy. It prefers the override, then a single-project DB. Projects are
// never created here; that is crew project init's job.
func ResolveProjectAndConfig(ctx context.Context, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			return "", nil, fmt.Errorf("no project in this workspace; run crew project init: %w", err)
		case errors.Is(err, repo.ErrMultipleProjects):
			return "", nil, fmt.Errorf("project not specified; use --project: %w", err)
		case err != nil:
			return "", nil, fmt.Errorf("resolve project: %w", err)
		}
		projectID = p.ID
	}

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", nil, fmt.Errorf("project %s: %w; run crew project init --id %s", projectID, err, projectID)
		}
		return "", nil, fmt.Errorf("project %s: %w", projectID, err)
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, fmt.Errorf("load config for project %s: %w", projectID, err)
		}
		cfg = config.Default(projectID)
		if err := r.UpsertProjectConfig(ctx, r.DB, projectID, cfg, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
