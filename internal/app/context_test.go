package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"crewline/internal/db"
	"crewline/internal/domain"
	"crewline/internal/migrate"
	"crewline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func addProject(t *testing.T, r repo.Repo, id string) {
	t.Helper()
	if err := r.InsertProject(context.Background(), r.DB, domain.Project{ID: id, Status: "active", CreatedAt: "2026-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("insert project %s: %v", id, err)
	}
}

func TestResolveSingleProjectSeedsConfig(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	addProject(t, r, "alpha")

	id, cfg, err := ResolveProjectAndConfig(ctx, "", r)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "alpha" || cfg.Project.ID != "alpha" {
		t.Fatalf("resolved %q with config for %q", id, cfg.Project.ID)
	}
	if _, err := r.GetProjectConfig(ctx, "alpha"); err != nil {
		t.Fatalf("expected config to be stored: %v", err)
	}
}

func TestResolveKeepsUnderlyingErrors(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	_, _, err := ResolveProjectAndConfig(ctx, "", r)
	if !errors.Is(err, repo.ErrNotFound) || !strings.Contains(err.Error(), "crew project init") {
		t.Fatalf("empty workspace: %v", err)
	}

	addProject(t, r, "alpha")
	addProject(t, r, "beta")
	_, _, err = ResolveProjectAndConfig(ctx, "", r)
	if !errors.Is(err, repo.ErrMultipleProjects) {
		t.Fatalf("two projects: %v", err)
	}

	r.DB.Close()
	_, _, err = ResolveProjectAndConfig(ctx, "", r)
	if err == nil || errors.Is(err, repo.ErrMultipleProjects) || errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("closed store should surface its own error, got %v", err)
	}
}

func TestResolveDoesNotCreateUnknownProject(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	addProject(t, r, "alpha")

	_, _, err := ResolveProjectAndConfig(ctx, "ghost", r)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := r.GetProject(ctx, "ghost"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown project must not be created, got %v", err)
	}

	id, _, err := ResolveProjectAndConfig(ctx, "alpha", r)
	if err != nil || id != "alpha" {
		t.Fatalf("explicit project: %q %v", id, err)
	}
}
