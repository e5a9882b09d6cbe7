package engine_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"laneline/internal/domain"
	"laneline/internal/engine"
	"laneline/internal/events"
	"laneline/internal/lanes"
	"laneline/internal/reduce"
	"laneline/internal/views"
)

type recordingViews struct {
	calls int
	err   error
}

func (v *recordingViews) UpdateAllViews(featureDir string, snap domain.StatusSnapshot) error {
	v.calls++
	return v.err
}

type recordingSync struct {
	calls int
	err   error
	panic bool
	last  struct {
		wp, from, to, actor, feature string
	}
}

func (s *recordingSync) EmitWPStatusChanged(wpID, fromLane, toLane, actor, featureSlug string, policy map[string]any) error {
	s.calls++
	s.last.wp, s.last.from, s.last.to, s.last.actor, s.last.feature = wpID, fromLane, toLane, actor, featureSlug
	if s.panic {
		panic("sync exploded")
	}
	return s.err
}

type testEnv struct {
	Dir    string
	Engine engine.Engine
	Views  *recordingViews
	Sync   *recordingSync
	clock  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		Dir:   t.TempDir(),
		Views: &recordingViews{},
		Sync:  &recordingSync{},
		clock: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	eng := engine.New(zerolog.Nop())
	eng.Views = env.Views
	eng.Sync = env.Sync
	eng.Now = func() time.Time {
		env.clock = env.clock.Add(time.Second)
		return env.clock
	}
	env.Engine = eng
	return env
}

func (env *testEnv) emit(t *testing.T, wp, to string, opts engine.EmitOptions) domain.StatusEvent {
	t.Helper()
	ev, err := env.Engine.Emit(env.Dir, "feat-1", wp, to, "agent-1", opts)
	if err != nil {
		t.Fatalf("emit %s -> %s: %v", wp, to, err)
	}
	return ev
}

func TestEmitHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ev := env.emit(t, "wp-1", "claimed", engine.EmitOptions{})
	if ev.FromLane != domain.LanePlanned || ev.ToLane != domain.LaneClaimed {
		t.Fatalf("unexpected edge %s -> %s", ev.FromLane, ev.ToLane)
	}
	if len(ev.EventID) != 26 {
		t.Fatalf("event id %q not 26 chars", ev.EventID)
	}
	if ev.ExecutionMode != domain.ModeWorktree {
		t.Fatalf("default mode %s", ev.ExecutionMode)
	}

	stored, err := events.ReadAll(env.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 1 || stored[0].EventID != ev.EventID {
		t.Fatalf("stored %d events", len(stored))
	}
	snap, found, err := reduce.ReadSnapshot(env.Dir)
	if err != nil || !found {
		t.Fatalf("snapshot not materialized: %v", err)
	}
	if snap.WorkPackages["wp-1"].Lane != domain.LaneClaimed {
		t.Fatalf("snapshot lane %s", snap.WorkPackages["wp-1"].Lane)
	}
	if env.Views.calls != 1 {
		t.Fatalf("views called %d times", env.Views.calls)
	}
	if env.Sync.calls != 1 || env.Sync.last.to != "claimed" || env.Sync.last.feature != "feat-1" {
		t.Fatalf("sync call %+v", env.Sync.last)
	}
}

func TestEmitDerivesFromLaneFromFullLog(t *testing.T) {
	env := newTestEnv(t)
	env.emit(t, "wp-1", "claimed", engine.EmitOptions{})
	ev := env.emit(t, "wp-1", "in_progress", engine.EmitOptions{RepoRoot: "/repo"})
	if ev.FromLane != domain.LaneClaimed {
		t.Fatalf("from lane %s, want claimed", ev.FromLane)
	}
}

func TestEmitResolvesAlias(t *testing.T) {
	env := newTestEnv(t)
	env.emit(t, "wp-1", "claimed", engine.EmitOptions{})
	ev := env.emit(t, "wp-1", "doing", engine.EmitOptions{WorkspaceContext: "worktree:/repo"})
	if ev.ToLane != domain.LaneInProgress {
		t.Fatalf("alias not resolved, lane %s", ev.ToLane)
	}
}

func TestEmitRejectionHasNoSideEffects(t *testing.T) {
	env := newTestEnv(t)
	env.emit(t, "wp-1", "claimed", engine.EmitOptions{})

	before, err := events.ReadAll(env.Dir)
	if err != nil {
		t.Fatal(err)
	}
	viewCalls, syncCalls := env.Views.calls, env.Sync.calls

	_, err = env.Engine.Emit(env.Dir, "feat-1", "wp-1", "done", "agent-1", engine.EmitOptions{})
	var te *lanes.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}

	after, err := events.ReadAll(env.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("log grew from %d to %d on rejected transition", len(before), len(after))
	}
	if env.Views.calls != viewCalls || env.Sync.calls != syncCalls {
		t.Fatal("collaborators called on rejected transition")
	}
}

func TestEmitDoneRequiresEvidenceMessage(t *testing.T) {
	env := newTestEnv(t)
	env.emit(t, "wp-1", "claimed", engine.EmitOptions{})
	env.emit(t, "wp-1", "in_progress", engine.EmitOptions{WorkspaceContext: "worktree:/repo"})
	yes := true
	env.emit(t, "wp-1", "for_review", engine.EmitOptions{SubtasksComplete: &yes, EvidencePresent: &yes})

	_, err := env.Engine.Emit(env.Dir, "feat-1", "wp-1", "done", "agent-1", engine.EmitOptions{})
	if err == nil {
		t.Fatal("done without evidence accepted")
	}
	for _, want := range []string{"review.reviewer", "review.verdict", "review.reference"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not name %s", err, want)
		}
	}
	stored, _ := events.ReadAll(env.Dir)
	if len(stored) != 3 {
		t.Fatalf("log has %d events, want 3", len(stored))
	}
}

func TestEmitBestEffortFailuresAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	env.Views.err = errors.New("views broke")
	env.Sync.err = errors.New("sync broke")
	ev := env.emit(t, "wp-1", "claimed", engine.EmitOptions{})
	if ev.EventID == "" {
		t.Fatal("no event returned")
	}
	stored, _ := events.ReadAll(env.Dir)
	if len(stored) != 1 {
		t.Fatalf("canonical write lost: %d events", len(stored))
	}
}

func TestEmitSyncPanicIsContained(t *testing.T) {
	env := newTestEnv(t)
	env.Sync.panic = true
	ev := env.emit(t, "wp-1", "claimed", engine.EmitOptions{})
	if ev.EventID == "" {
		t.Fatal("no event returned")
	}
}

func TestEmitInfersChecklistGuards(t *testing.T) {
	env := newTestEnv(t)
	env.emit(t, "wp-1", "claimed", engine.EmitOptions{})
	env.emit(t, "wp-1", "in_progress", engine.EmitOptions{WorkspaceContext: "worktree:/repo"})

	tasks := "## wp-1\n- [x] build\n- [ ] test\n"
	if err := os.WriteFile(filepath.Join(env.Dir, "TASKS.md"), []byte(tasks), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Emit(env.Dir, "feat-1", "wp-1", "for_review", "agent-1", engine.EmitOptions{}); err == nil {
		t.Fatal("incomplete checklist accepted")
	}

	tasks = "## wp-1\n- [x] build\n- [x] test\nEvidence: [diff](https://example.com/pr/1)\n"
	if err := os.WriteFile(filepath.Join(env.Dir, "TASKS.md"), []byte(tasks), 0o644); err != nil {
		t.Fatal(err)
	}
	ev := env.emit(t, "wp-1", "for_review", engine.EmitOptions{})
	if ev.ToLane != domain.LaneForReview {
		t.Fatalf("lane %s", ev.ToLane)
	}
}

func TestEmitForceBypassesGuardButIsAudited(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Emit(env.Dir, "feat-1", "wp-1", "done", "agent-1",
		engine.EmitOptions{Force: true}); err == nil {
		t.Fatal("force without reason accepted")
	}
	ev := env.emit(t, "wp-1", "done", engine.EmitOptions{Force: true, Reason: "imported as complete"})
	if !ev.Force || ev.Reason == "" {
		t.Fatalf("force event lacks attribution: %+v", ev)
	}
	snap, _, err := reduce.ReadSnapshot(env.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if snap.WorkPackages["wp-1"].ForceCount != 1 {
		t.Fatalf("force count %d", snap.WorkPackages["wp-1"].ForceCount)
	}
}

func TestEmitUpdatesDerivedViews(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	eng.Views = realViews{}
	if _, err := eng.Emit(env.Dir, "feat-1", "wp-1", "claimed", "agent-1", engine.EmitOptions{}); err != nil {
		t.Fatal(err)
	}
	block, found, err := views.ParseStatusBlock(env.Dir)
	if err != nil || !found {
		t.Fatalf("status block missing: %v", err)
	}
	if block["wp-1"] != "claimed" {
		t.Fatalf("status block lane %q", block["wp-1"])
	}
}

type realViews struct{}

func (realViews) UpdateAllViews(featureDir string, snap domain.StatusSnapshot) error {
	return views.UpdateAllViews(featureDir, snap)
}
