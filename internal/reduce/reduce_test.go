package reduce_test

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"laneline/internal/domain"
	"laneline/internal/events"
	"laneline/internal/reduce"
)

func ev(id string, ts time.Time, wp string, from, to domain.Lane) domain.StatusEvent {
	return domain.StatusEvent{
		EventID:       id,
		Feature:       "feat-1",
		WP:            wp,
		FromLane:      from,
		ToLane:        to,
		Timestamp:     ts.UTC().Format(time.RFC3339),
		Actor:         "agent-1",
		ExecutionMode: domain.ModeWorktree,
	}
}

// ulidAt builds a valid ULID whose final character forces a chosen sort order
// among ids sharing a timestamp.
func ulidAt(ts time.Time, last byte) string {
	id := domain.NewEventID(ts)
	return id[:25] + string(last)
}

func TestReduceDeterministicUnderPermutation(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	evs := []domain.StatusEvent{
		ev(domain.NewEventID(base), base, "wp-1", domain.LanePlanned, domain.LaneClaimed),
		ev(domain.NewEventID(base.Add(time.Minute)), base.Add(time.Minute), "wp-1", domain.LaneClaimed, domain.LaneInProgress),
		ev(domain.NewEventID(base.Add(2*time.Minute)), base.Add(2*time.Minute), "wp-2", domain.LanePlanned, domain.LaneClaimed),
		ev(domain.NewEventID(base.Add(3*time.Minute)), base.Add(3*time.Minute), "wp-1", domain.LaneInProgress, domain.LaneForReview),
	}
	want := reduce.Reduce("feat-1", evs)

	permuted := []domain.StatusEvent{evs[3], evs[0], evs[2], evs[1]}
	got := reduce.Reduce("feat-1", permuted)
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("permuted reduce differs:\n%+v\n%+v", want, got)
	}
	reversed := []domain.StatusEvent{evs[3], evs[2], evs[1], evs[0]}
	if got := reduce.Reduce("feat-1", reversed); !reflect.DeepEqual(want, got) {
		t.Fatalf("reversed reduce differs")
	}

	wantBytes, err := reduce.EncodeSnapshot(want)
	if err != nil {
		t.Fatal(err)
	}
	gotBytes, err := reduce.EncodeSnapshot(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(wantBytes, gotBytes) {
		t.Fatal("encoded snapshots differ")
	}
}

func TestReduceDeduplicatesRetriedWrites(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	e := ev(domain.NewEventID(base), base, "wp-1", domain.LanePlanned, domain.LaneClaimed)
	snap := reduce.Reduce("feat-1", []domain.StatusEvent{e, e, e})
	if snap.EventCount != 1 {
		t.Fatalf("event count %d, want 1", snap.EventCount)
	}
	if snap.WorkPackages["wp-1"].ForceCount != 0 {
		t.Fatalf("force count %d", snap.WorkPackages["wp-1"].ForceCount)
	}
}

func TestRollbackWinsTimestampTie(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	tie := base.Add(time.Hour)

	setup := []domain.StatusEvent{
		ev(domain.NewEventID(base), base, "wp-1", domain.LanePlanned, domain.LaneClaimed),
		ev(domain.NewEventID(base.Add(time.Minute)), base.Add(time.Minute), "wp-1", domain.LaneClaimed, domain.LaneInProgress),
		ev(domain.NewEventID(base.Add(2*time.Minute)), base.Add(2*time.Minute), "wp-1", domain.LaneInProgress, domain.LaneForReview),
	}

	// Same timestamp: a forward claim of progress and a reviewer rollback.
	for _, order := range []struct {
		name              string
		forward, rollback byte
	}{
		{"rollback sorts last", '0', 'Z'},
		{"rollback sorts first", 'Z', '0'},
	} {
		t.Run(order.name, func(t *testing.T) {
			forward := ev(ulidAt(tie, order.forward), tie, "wp-1", domain.LaneForReview, domain.LaneDone)
			forward.Evidence = &domain.DoneEvidence{Review: domain.ReviewApproval{
				Reviewer: "rev", Verdict: "approved", Reference: "PR-1",
			}}
			rollback := ev(ulidAt(tie, order.rollback), tie, "wp-1", domain.LaneForReview, domain.LaneInProgress)
			rollback.ReviewRef = "PR-1#changes"

			snap := reduce.Reduce("feat-1", append(append([]domain.StatusEvent{}, setup...), forward, rollback))
			if got := snap.WorkPackages["wp-1"].Lane; got != domain.LaneInProgress {
				t.Fatalf("lane %s, want in_progress (reviewer rollback is authoritative)", got)
			}
		})
	}
}

func TestReduceLaneCountsZeroFilled(t *testing.T) {
	snap := reduce.Reduce("feat-1", nil)
	if len(snap.LaneCounts) != len(domain.Lanes) {
		t.Fatalf("lane counts has %d entries", len(snap.LaneCounts))
	}
	for _, lane := range domain.Lanes {
		if n, ok := snap.LaneCounts[string(lane)]; !ok || n != 0 {
			t.Fatalf("lane %s count %d ok=%v", lane, n, ok)
		}
	}
	if snap.WorkPackages == nil {
		t.Fatal("work packages map is nil")
	}
}

func TestMaterializeWritesAtomically(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := events.Append(dir, ev(domain.NewEventID(base), base, "wp-1", domain.LanePlanned, domain.LaneClaimed)); err != nil {
		t.Fatal(err)
	}
	snap, err := reduce.Materialize(dir)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if snap.EventCount != 1 || snap.WorkPackages["wp-1"].Lane != domain.LaneClaimed {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	// No temp files left behind; only rename makes content visible.
	matches, err := filepath.Glob(filepath.Join(dir, events.SnapshotName+".tmp-*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Fatalf("temp files remain: %v", matches)
	}

	data, err := os.ReadFile(events.SnapshotPath(dir))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Fatal("snapshot missing trailing newline")
	}
	if !strings.Contains(string(data), "  \"feature\"") {
		t.Fatal("snapshot not 2-space indented")
	}

	// Delete and recompute: byte identical.
	if err := os.Remove(events.SnapshotPath(dir)); err != nil {
		t.Fatal(err)
	}
	if _, err := reduce.Materialize(dir); err != nil {
		t.Fatal(err)
	}
	again, err := os.ReadFile(events.SnapshotPath(dir))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Fatal("recomputed snapshot differs from original")
	}
}

func TestReadSnapshotMissing(t *testing.T) {
	_, found, err := reduce.ReadSnapshot(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("found snapshot in empty dir")
	}
}
