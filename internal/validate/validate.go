// Package validate audits a feature's status log and its derived artifacts.
// Every function is read-only and returns human-readable findings; an empty
// result means clean.
package validate

import (
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"laneline/internal/config"
	"laneline/internal/domain"
	"laneline/internal/events"
	"laneline/internal/lanes"
	"laneline/internal/reduce"
	"laneline/internal/views"
)

// Severities and categories used in findings.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"

	CategorySchema        = "schema"
	CategoryTransition    = "transition"
	CategoryEvidence      = "evidence"
	CategorySnapshotDrift = "snapshot_drift"
	CategoryViewDrift     = "view_drift"
)

// Finding is one audit observation.
type Finding struct {
	Severity string `json:"severity"`
	Category string `json:"category"`
	WP       string `json:"wp,omitempty"`
	Message  string `json:"message"`
}

func (f Finding) String() string {
	if f.WP != "" {
		return fmt.Sprintf("[%s/%s] %s: %s", f.Severity, f.Category, f.WP, f.Message)
	}
	return fmt.Sprintf("[%s/%s] %s", f.Severity, f.Category, f.Message)
}

// Schema checks each raw log record for structural correctness without
// stopping at the first problem.
func Schema(raw []map[string]any) []Finding {
	var out []Finding
	add := func(i int, wp, msg string) {
		out = append(out, Finding{Severity: SeverityError, Category: CategorySchema, WP: wp,
			Message: fmt.Sprintf("record %d: %s", i+1, msg)})
	}
	for i, rec := range raw {
		wp, _ := rec["wp"].(string)
		for _, key := range []string{"event_id", "feature", "wp", "from_lane", "to_lane", "ts", "actor", "execution_mode"} {
			v, ok := rec[key].(string)
			if !ok || v == "" {
				add(i, wp, fmt.Sprintf("missing or empty %s", key))
			}
		}
		if id, ok := rec["event_id"].(string); ok && id != "" {
			if _, err := ulid.ParseStrict(id); err != nil || len(id) != ulid.EncodedSize {
				add(i, wp, fmt.Sprintf("event_id %q is not a valid ULID", id))
			}
		}
		for _, key := range []string{"from_lane", "to_lane"} {
			if lane, ok := rec[key].(string); ok && lane != "" {
				if !domain.Lane(lane).IsCanonical() {
					add(i, wp, fmt.Sprintf("%s %q is not a canonical lane", key, lane))
				}
			}
		}
		if ts, ok := rec["ts"].(string); ok && ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err != nil {
				add(i, wp, fmt.Sprintf("ts %q is not RFC3339", ts))
			} else if t.UTC().Format(time.RFC3339) != ts {
				add(i, wp, fmt.Sprintf("ts %q is not canonical UTC", ts))
			}
		}
		force, forceOK := rec["force"].(bool)
		if v, present := rec["force"]; present && !forceOK {
			add(i, wp, fmt.Sprintf("force must be boolean, got %T", v))
		}
		if mode, ok := rec["execution_mode"].(string); ok && mode != "" {
			if mode != domain.ModeWorktree && mode != domain.ModeDirectRepo {
				add(i, wp, fmt.Sprintf("execution_mode %q invalid", mode))
			}
		}
		reason, _ := rec["reason"].(string)
		if forceOK && force && reason == "" {
			add(i, wp, "force event without reason")
		}
		fromLane, _ := rec["from_lane"].(string)
		toLane, _ := rec["to_lane"].(string)
		reviewRef, _ := rec["review_ref"].(string)
		if fromLane == string(domain.LaneForReview) && toLane == string(domain.LaneInProgress) && reviewRef == "" {
			add(i, wp, "for_review -> in_progress without review_ref")
		}
	}
	return out
}

// Transitions replays the log in canonical order and flags every non-forced
// edge that is absent from the legal-move table.
func Transitions(evs []domain.StatusEvent) []Finding {
	sorted := make([]domain.StatusEvent, len(evs))
	copy(sorted, evs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Timestamp != sorted[j].Timestamp {
			return sorted[i].Timestamp < sorted[j].Timestamp
		}
		return sorted[i].EventID < sorted[j].EventID
	})
	var out []Finding
	for _, ev := range sorted {
		if ev.Force {
			continue
		}
		if !lanes.IsLegal(ev.FromLane, ev.ToLane) {
			out = append(out, Finding{
				Severity: SeverityError,
				Category: CategoryTransition,
				WP:       ev.WP,
				Message:  fmt.Sprintf("event %s: illegal transition %s -> %s", ev.EventID, ev.FromLane, ev.ToLane),
			})
		}
	}
	return out
}

// Evidence flags every non-forced transition into done that lacks a complete
// review approval.
func Evidence(evs []domain.StatusEvent) []Finding {
	var out []Finding
	for _, ev := range evs {
		if ev.ToLane != domain.LaneDone || ev.Force {
			continue
		}
		if !ev.Evidence.Complete() {
			out = append(out, Finding{
				Severity: SeverityError,
				Category: CategoryEvidence,
				WP:       ev.WP,
				Message:  fmt.Sprintf("event %s: done without review.reviewer, review.verdict, review.reference", ev.EventID),
			})
		}
	}
	return out
}

// SnapshotDrift recomputes the snapshot from the log and diffs it field by
// field against the persisted snapshot file.
func SnapshotDrift(featureDir string) ([]Finding, error) {
	evs, err := events.ReadAll(featureDir)
	if err != nil {
		return nil, err
	}
	persisted, found, err := reduce.ReadSnapshot(featureDir)
	if err != nil {
		return nil, err
	}
	if !found {
		if len(evs) == 0 {
			return nil, nil
		}
		return []Finding{{Severity: SeverityWarning, Category: CategorySnapshotDrift,
			Message: "log has events but no snapshot is materialized"}}, nil
	}
	want := reduce.Reduce(persisted.Feature, evs)

	var out []Finding
	drift := func(wp, msg string) {
		out = append(out, Finding{Severity: SeverityError, Category: CategorySnapshotDrift, WP: wp, Message: msg})
	}
	if persisted.EventCount != want.EventCount {
		drift("", fmt.Sprintf("event_count %d, log has %d", persisted.EventCount, want.EventCount))
	}
	if persisted.LastEventID != want.LastEventID {
		drift("", fmt.Sprintf("last_event_id %s, log ends at %s", persisted.LastEventID, want.LastEventID))
	}
	for wp, wantState := range want.WorkPackages {
		got, ok := persisted.WorkPackages[wp]
		if !ok {
			drift(wp, "missing from snapshot")
			continue
		}
		if got.Lane != wantState.Lane {
			drift(wp, fmt.Sprintf("snapshot lane %s, log says %s", got.Lane, wantState.Lane))
		}
	}
	for wp := range persisted.WorkPackages {
		if _, ok := want.WorkPackages[wp]; !ok {
			drift(wp, "present in snapshot but not in log")
		}
	}
	return out, nil
}

// ViewDrift compares the generated STATUS.md block and the per-work-package
// front matter against canonical state. Severity depends on the operational
// phase.
func ViewDrift(featureDir string, cfg *config.Config) ([]Finding, error) {
	evs, err := events.ReadAll(featureDir)
	if err != nil {
		return nil, err
	}
	if len(evs) == 0 {
		return nil, nil
	}
	snap := reduce.Reduce(evs[0].Feature, evs)

	severity := SeverityWarning
	if cfg != nil && cfg.Phase == config.PhaseEnforce {
		severity = SeverityError
	}
	var out []Finding
	drift := func(wp, msg string) {
		out = append(out, Finding{Severity: severity, Category: CategoryViewDrift, WP: wp, Message: msg})
	}

	block, found, err := views.ParseStatusBlock(featureDir)
	if err != nil {
		return nil, err
	}
	if found {
		for wp, st := range snap.WorkPackages {
			lane, ok := block[wp]
			if !ok {
				drift(wp, "missing from STATUS.md block")
				continue
			}
			if lane != string(st.Lane) {
				drift(wp, fmt.Sprintf("STATUS.md shows %s, canonical lane is %s", lane, st.Lane))
			}
		}
		for wp := range block {
			if _, ok := snap.WorkPackages[wp]; !ok {
				drift(wp, "in STATUS.md block but unknown to the log")
			}
		}
	}

	front, err := views.FrontLanes(featureDir)
	if err != nil {
		return nil, err
	}
	for wp, lane := range front {
		st, ok := snap.WorkPackages[wp]
		if !ok {
			continue
		}
		if lane != string(st.Lane) {
			drift(wp, fmt.Sprintf("front matter shows %s, canonical lane is %s", lane, st.Lane))
		}
	}
	return out, nil
}

// Feature runs every audit over one feature directory.
func Feature(featureDir string, cfg *config.Config) ([]Finding, error) {
	raw, err := events.ReadRaw(featureDir)
	if err != nil {
		return nil, err
	}
	out := Schema(raw)

	evs, err := events.ReadAll(featureDir)
	if err != nil {
		// Schema findings above already describe structural problems; a
		// typed read failure past that point is real corruption.
		if len(out) > 0 {
			return out, nil
		}
		return nil, err
	}
	out = append(out, Transitions(evs)...)
	out = append(out, Evidence(evs)...)

	snapFindings, err := SnapshotDrift(featureDir)
	if err != nil {
		return nil, err
	}
	out = append(out, snapFindings...)

	viewFindings, err := ViewDrift(featureDir, cfg)
	if err != nil {
		return nil, err
	}
	return append(out, viewFindings...), nil
}
