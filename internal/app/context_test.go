package app_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"laneline/internal/app"
	"laneline/internal/domain"
	"laneline/internal/events"
)

func TestResolveFeatureBySlug(t *testing.T) {
	ws := t.TempDir()
	dir := filepath.Join(ws, "features", "feat-1")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	feat, err := app.ResolveFeature(ws, "feat-1", false)
	if err != nil {
		t.Fatal(err)
	}
	if feat.Dir != dir || feat.Slug != "feat-1" {
		t.Fatalf("resolved %+v", feat)
	}
	if feat.Config == nil {
		t.Fatal("config not attached")
	}
}

func TestResolveFeatureMissing(t *testing.T) {
	ws := t.TempDir()
	if _, err := app.ResolveFeature(ws, "feat-1", false); err == nil {
		t.Fatal("missing feature resolved")
	}
	feat, err := app.ResolveFeature(ws, "feat-1", true)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(feat.Dir); err != nil {
		t.Fatalf("allowMissing did not create the directory: %v", err)
	}
}

func TestResolveFeatureWorkspaceIsFeature(t *testing.T) {
	ws := t.TempDir()
	ts := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	err := events.Append(ws, domain.StatusEvent{
		EventID:       domain.NewEventID(ts),
		Feature:       filepath.Base(ws),
		WP:            "wp-1",
		FromLane:      domain.LanePlanned,
		ToLane:        domain.LaneClaimed,
		Timestamp:     ts.Format(time.RFC3339),
		Actor:         "agent-1",
		ExecutionMode: domain.ModeWorktree,
	})
	if err != nil {
		t.Fatal(err)
	}
	feat, err := app.ResolveFeature(ws, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if feat.Dir != ws || feat.Slug != filepath.Base(ws) {
		t.Fatalf("resolved %+v", feat)
	}
}

func TestResolveFeatureNoSlugNoLog(t *testing.T) {
	if _, err := app.ResolveFeature(t.TempDir(), "", false); err == nil {
		t.Fatal("expected an error without slug or log")
	}
}

func TestListFeatures(t *testing.T) {
	ws := t.TempDir()
	for _, slug := range []string{"feat-a", "feat-b"} {
		if err := os.MkdirAll(filepath.Join(ws, "features", slug), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(ws, "features", "notes.md"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	feats, err := app.ListFeatures(ws)
	if err != nil {
		t.Fatal(err)
	}
	if len(feats) != 2 || feats[0].Slug != "feat-a" || feats[1].Slug != "feat-b" {
		t.Fatalf("listed %+v", feats)
	}

	empty, err := app.ListFeatures(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if empty != nil {
		t.Fatalf("empty workspace listed %+v", empty)
	}
}
