// Package reduce folds an event log into a current-state snapshot. Reduction
// is a pure function of the event set: any permutation of the same events
// yields the same snapshot, which is what makes concurrent appends from
// separate worktrees safe without a lock.
package reduce

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"laneline/internal/domain"
	"laneline/internal/events"
)

// Reduce replays evs into a snapshot for the named feature.
//
// The canonical total order is (timestamp, event_id) ascending over the
// id-deduplicated set, independent of physical append order. When two events
// for the same work package share a timestamp, a reviewer rollback wins over
// a forward transition and a lane set by a rollback is never overwritten by a
// concurrently-timestamped forward transition.
func Reduce(feature string, evs []domain.StatusEvent) domain.StatusSnapshot {
	unique := dedupe(evs)
	sort.SliceStable(unique, func(i, j int) bool {
		if unique[i].Timestamp != unique[j].Timestamp {
			return unique[i].Timestamp < unique[j].Timestamp
		}
		return unique[i].EventID < unique[j].EventID
	})

	type wpFold struct {
		state      domain.WPState
		rollbackAt string
	}
	folds := map[string]*wpFold{}
	for _, ev := range unique {
		f, ok := folds[ev.WP]
		if !ok {
			f = &wpFold{}
			folds[ev.WP] = f
		}
		if !ev.IsRollback() && f.rollbackAt != "" && f.rollbackAt == ev.Timestamp {
			// Reviewer intervention at this instant is authoritative.
			continue
		}
		f.state.Lane = ev.ToLane
		f.state.Actor = ev.Actor
		f.state.TransitionAt = ev.Timestamp
		f.state.LastEventID = ev.EventID
		if ev.Force {
			f.state.ForceCount++
		}
		if ev.IsRollback() {
			f.rollbackAt = ev.Timestamp
		}
	}

	snap := domain.StatusSnapshot{
		Feature:      feature,
		EventCount:   len(unique),
		WorkPackages: map[string]domain.WPState{},
		LaneCounts:   map[string]int{},
	}
	for _, lane := range domain.Lanes {
		snap.LaneCounts[string(lane)] = 0
	}
	for wp, f := range folds {
		snap.WorkPackages[wp] = f.state
		snap.LaneCounts[string(f.state.Lane)]++
	}
	if n := len(unique); n > 0 {
		last := unique[n-1]
		snap.LastEventID = last.EventID
		// Derived from the log, not the wall clock, so recomputing the
		// snapshot for the same event set is byte-identical.
		snap.GeneratedAt = last.Timestamp
	}
	return snap
}

func dedupe(evs []domain.StatusEvent) []domain.StatusEvent {
	seen := map[string]bool{}
	out := make([]domain.StatusEvent, 0, len(evs))
	for _, ev := range evs {
		if seen[ev.EventID] {
			continue
		}
		seen[ev.EventID] = true
		out = append(out, ev)
	}
	return out
}

// Materialize reads the feature's log, reduces it, and writes the snapshot
// file atomically (temp file + rename), so a reader never observes a partial
// snapshot.
func Materialize(dir string) (domain.StatusSnapshot, error) {
	evs, err := events.ReadAll(dir)
	if err != nil {
		return domain.StatusSnapshot{}, err
	}
	feature := filepath.Base(dir)
	if len(evs) > 0 {
		feature = evs[0].Feature
	}
	snap := Reduce(feature, evs)
	if err := writeSnapshot(dir, snap); err != nil {
		return snap, err
	}
	return snap, nil
}

// ReadSnapshot loads the persisted snapshot file, if any.
func ReadSnapshot(dir string) (domain.StatusSnapshot, bool, error) {
	data, err := os.ReadFile(events.SnapshotPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return domain.StatusSnapshot{}, false, nil
		}
		return domain.StatusSnapshot{}, false, err
	}
	var snap domain.StatusSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.StatusSnapshot{}, false, fmt.Errorf("snapshot %s: %w", events.SnapshotPath(dir), err)
	}
	return snap, true, nil
}

// EncodeSnapshot renders the snapshot as pretty JSON with sorted keys and a
// trailing newline, the on-disk snapshot format.
func EncodeSnapshot(snap domain.StatusSnapshot) ([]byte, error) {
	buf, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(buf, &obj); err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(obj, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func writeSnapshot(dir string, snap domain.StatusSnapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(dir, events.SnapshotName+".tmp-*")
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), events.SnapshotPath(dir)); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
