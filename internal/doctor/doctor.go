// Package doctor runs operational health checks over a feature directory.
// It is strictly read-only: it composes the reducer and the validation
// engine and recommends actions, never takes them.
package doctor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"laneline/internal/config"
	"laneline/internal/domain"
	"laneline/internal/events"
	"laneline/internal/reduce"
	"laneline/internal/validate"
)

// Finding categories.
const (
	CategoryStaleWork       = "stale_work"
	CategoryOrphanWorkspace = "orphan_workspace"
)

// WorktreeSubdir is where per-work-package worktrees live inside a feature
// directory.
const WorktreeSubdir = "worktrees"

// Finding is one health observation with a recommended action.
type Finding struct {
	Severity string `json:"severity"`
	Category string `json:"category"`
	WP       string `json:"wp,omitempty"`
	Message  string `json:"message"`
	Action   string `json:"action"`
}

// Run checks one feature for stale work, orphaned workspaces, and drift.
func Run(featureDir string, cfg *config.Config, now time.Time) ([]Finding, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	evs, err := events.ReadAll(featureDir)
	if err != nil {
		return nil, err
	}
	feature := filepath.Base(featureDir)
	if len(evs) > 0 {
		feature = evs[0].Feature
	}
	snap := reduce.Reduce(feature, evs)

	var out []Finding
	out = append(out, staleWork(snap, cfg, now)...)

	orphans, err := orphanWorkspaces(featureDir, snap)
	if err != nil {
		return nil, err
	}
	out = append(out, orphans...)

	snapDrift, err := validate.SnapshotDrift(featureDir)
	if err != nil {
		return nil, err
	}
	viewDrift, err := validate.ViewDrift(featureDir, cfg)
	if err != nil {
		return nil, err
	}
	for _, f := range append(snapDrift, viewDrift...) {
		out = append(out, Finding{
			Severity: f.Severity,
			Category: f.Category,
			WP:       f.WP,
			Message:  f.Message,
			Action:   "run `lane materialize` and regenerate views, then re-validate",
		})
	}
	return out, nil
}

func staleWork(snap domain.StatusSnapshot, cfg *config.Config, now time.Time) []Finding {
	thresholds := map[domain.Lane]time.Duration{
		domain.LaneClaimed:    time.Duration(cfg.Doctor.StaleClaimedHours) * time.Hour,
		domain.LaneInProgress: time.Duration(cfg.Doctor.StaleInProgressHours) * time.Hour,
	}
	var out []Finding
	for wp, st := range snap.WorkPackages {
		limit, ok := thresholds[st.Lane]
		if !ok {
			continue
		}
		at, err := time.Parse(time.RFC3339, st.TransitionAt)
		if err != nil {
			continue
		}
		if age := now.Sub(at); age > limit {
			out = append(out, Finding{
				Severity: validate.SeverityWarning,
				Category: CategoryStaleWork,
				WP:       wp,
				Message:  fmt.Sprintf("%s for %s (threshold %s)", st.Lane, age.Round(time.Hour), limit),
				Action:   fmt.Sprintf("check on actor %s; release or force-reassign the work package", st.Actor),
			})
		}
	}
	return out
}

// orphanWorkspaces flags worktree directories left behind after their work
// package, or the whole feature, reached a terminal lane.
func orphanWorkspaces(featureDir string, snap domain.StatusSnapshot) ([]Finding, error) {
	entries, err := os.ReadDir(filepath.Join(featureDir, WorktreeSubdir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	allTerminal := len(snap.WorkPackages) > 0
	for _, st := range snap.WorkPackages {
		if !st.Lane.IsTerminal() {
			allTerminal = false
			break
		}
	}
	var out []Finding
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		st, tracked := snap.WorkPackages[name]
		switch {
		case tracked && st.Lane.IsTerminal():
			out = append(out, Finding{
				Severity: validate.SeverityWarning,
				Category: CategoryOrphanWorkspace,
				WP:       name,
				Message:  fmt.Sprintf("worktree %s remains but the work package is %s", name, st.Lane),
				Action:   "remove the worktree",
			})
		case !tracked && allTerminal:
			out = append(out, Finding{
				Severity: validate.SeverityWarning,
				Category: CategoryOrphanWorkspace,
				Message:  fmt.Sprintf("worktree %s remains but every work package is terminal", name),
				Action:   "remove the worktree",
			})
		}
	}
	return out, nil
}
