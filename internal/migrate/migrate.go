// Package migrate reconstructs a full status-event history from the legacy
// representation where each work-package file only records its current lane
// (plus, sometimes, an ordered history array) in front matter. It runs once
// per feature and is safe to re-run: three idempotency layers decide whether
// anything is written at all.
package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"laneline/internal/config"
	"laneline/internal/domain"
	"laneline/internal/events"
	"laneline/internal/lanes"
	"laneline/internal/reduce"
	"laneline/internal/views"
)

// Migration outcomes.
const (
	StatusMigrated = "migrated"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// Result reports one feature migration. Skips and failures are values, not
// errors: a returned error from MigrateFeature means corruption or programmer
// error, never "nothing to do".
type Result struct {
	Status     string               `json:"status"`
	Detail     string               `json:"detail"`
	Events     []domain.StatusEvent `json:"events,omitempty"`
	BackupPath string               `json:"backup_path,omitempty"`
}

// Options control a feature migration.
type Options struct {
	DryRun bool
	Now    func() time.Time
}

// legacyEntry is one recorded state in a work-package file's history array.
type legacyEntry struct {
	TS    string `yaml:"ts"`
	Lane  string `yaml:"lane"`
	Agent string `yaml:"agent"`
}

// legacyWP is the typed shape of a legacy front-matter block. Anything that
// does not fit this shape is rejected at this boundary.
type legacyWP struct {
	Lane    string        `yaml:"lane"`
	Agent   string        `yaml:"agent"`
	History []legacyEntry `yaml:"history"`
	Review  struct {
		Status   string `yaml:"status"`
		Reviewer string `yaml:"reviewer"`
		Ref      string `yaml:"ref"`
	} `yaml:"review"`
}

// MigrateFeature reconstructs and persists the event history for one feature
// directory. With Options.DryRun it computes the full result without touching
// the filesystem.
func MigrateFeature(featureDir string, cfg *config.Config, opts Options) (Result, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	marker := cfg.Migration.VersionMarker
	migrationActor := cfg.Migration.Actor

	existing, err := events.ReadAll(featureDir)
	if err != nil {
		return Result{Status: StatusFailed, Detail: err.Error()}, err
	}

	// Layer 1: the version marker in any reason means this migration already
	// ran in full.
	for _, ev := range existing {
		if strings.Contains(ev.Reason, marker) {
			return Result{Status: StatusSkipped, Detail: "already migrated (version marker present)"}, nil
		}
	}
	// Layer 2: any non-migration actor means live data; never overwrite it.
	for _, ev := range existing {
		if ev.Actor != migrationActor {
			return Result{Status: StatusSkipped, Detail: fmt.Sprintf("log contains live events (actor %s)", ev.Actor)}, nil
		}
	}
	// Layer 3: events exist but all belong to an earlier, shallower
	// migration; back the log up and replace it with the full history.
	replaceExisting := len(existing) > 0

	reconstructed, err := reconstruct(featureDir, migrationActor, marker, now)
	if err != nil {
		return Result{Status: StatusFailed, Detail: err.Error()}, err
	}
	if len(reconstructed) == 0 {
		return Result{Status: StatusSkipped, Detail: "no legacy work-package state to migrate"}, nil
	}

	res := Result{Status: StatusMigrated, Events: reconstructed,
		Detail: fmt.Sprintf("reconstructed %d events", len(reconstructed))}
	if opts.DryRun {
		res.Detail += " (dry run)"
		return res, nil
	}

	if replaceExisting {
		backup, err := backupLog(featureDir, now())
		if err != nil {
			return Result{Status: StatusFailed, Detail: err.Error()}, err
		}
		res.BackupPath = backup
		if err := os.Remove(events.LogPath(featureDir)); err != nil {
			return Result{Status: StatusFailed, Detail: err.Error()}, err
		}
	}
	for _, ev := range reconstructed {
		if err := events.Append(featureDir, ev); err != nil {
			return Result{Status: StatusFailed, Detail: err.Error()}, err
		}
	}
	if _, err := reduce.Materialize(featureDir); err != nil {
		return Result{Status: StatusFailed, Detail: err.Error()}, err
	}
	return res, nil
}

// reconstruct builds the forced event chain for every legacy work-package
// file, ordered by (timestamp, event id).
func reconstruct(featureDir, actor, marker string, now func() time.Time) ([]domain.StatusEvent, error) {
	feature := filepath.Base(featureDir)
	dir := views.WPDir(featureDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []domain.StatusEvent
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		wpID := strings.TrimSuffix(entry.Name(), ".md")
		legacy, err := parseLegacy(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		evs, err := wpTransitions(feature, wpID, legacy, actor, marker, now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.Name(), err)
		}
		out = append(out, evs...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].EventID < out[j].EventID
	})
	return out, nil
}

func parseLegacy(path string) (legacyWP, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return legacyWP{}, err
	}
	content := string(data)
	if !strings.HasPrefix(content, "---\n") {
		return legacyWP{}, fmt.Errorf("no front matter")
	}
	rest := content[len("---\n"):]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return legacyWP{}, fmt.Errorf("unterminated front matter")
	}
	var wp legacyWP
	if err := yaml.Unmarshal([]byte(rest[:idx]), &wp); err != nil {
		return legacyWP{}, fmt.Errorf("front matter: %w", err)
	}
	if wp.Lane == "" {
		return legacyWP{}, fmt.Errorf("front matter has no lane")
	}
	return wp, nil
}

// wpTransitions turns one legacy file into its forced transition chain:
// normalize history entries, collapse consecutive duplicates, pair adjacent
// entries, gap-fill to the declared current lane, attach done evidence.
func wpTransitions(feature, wpID string, legacy legacyWP, actor, marker string, now func() time.Time) ([]domain.StatusEvent, error) {
	current := lanes.ResolveAlias(legacy.Lane)
	if !current.IsCanonical() {
		return nil, fmt.Errorf("current lane %q is not canonical", legacy.Lane)
	}
	nowTS := now().UTC().Format(time.RFC3339)

	type state struct {
		ts    string
		lane  domain.Lane
		agent string
	}
	var chain []state
	for _, h := range legacy.History {
		lane := lanes.ResolveAlias(h.Lane)
		if !lane.IsCanonical() {
			return nil, fmt.Errorf("history lane %q is not canonical", h.Lane)
		}
		ts := nowTS
		if h.TS != "" {
			parsed, err := time.Parse(time.RFC3339, h.TS)
			if err != nil {
				return nil, fmt.Errorf("history ts %q: %w", h.TS, err)
			}
			// Legacy files may carry local offsets; the log orders events by
			// string comparison, so every timestamp must be canonical UTC.
			ts = parsed.UTC().Format(time.RFC3339)
		}
		agent := h.Agent
		if agent == "" {
			agent = actor
		}
		// A repeated recording of the same state is not a transition.
		if len(chain) > 0 && chain[len(chain)-1].lane == lane {
			continue
		}
		chain = append(chain, state{ts: ts, lane: lane, agent: agent})
	}

	reason := marker + ": reconstructed from legacy work-package metadata"
	var out []domain.StatusEvent
	emit := func(from, to domain.Lane, ts, agent string) error {
		t, _ := time.Parse(time.RFC3339, ts)
		ev := domain.StatusEvent{
			EventID:       domain.NewEventID(t),
			Feature:       feature,
			WP:            wpID,
			FromLane:      from,
			ToLane:        to,
			Timestamp:     ts,
			Actor:         agent,
			Force:         true,
			ExecutionMode: domain.ModeDirectRepo,
			Reason:        reason,
		}
		if to == domain.LaneDone && strings.EqualFold(legacy.Review.Status, "approved") {
			ev.Evidence = &domain.DoneEvidence{Review: domain.ReviewApproval{
				Reviewer:  defaultStr(legacy.Review.Reviewer, actor),
				Verdict:   "approved",
				Reference: defaultStr(legacy.Review.Ref, reason),
			}}
		}
		if err := lanes.ValidateTransition(from, to, lanes.Context{
			Actor: agent, Reason: ev.Reason, Force: true,
		}); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	}

	reached := domain.LanePlanned
	for i, st := range chain {
		if i == 0 {
			if st.lane == domain.LanePlanned {
				continue
			}
			if err := emit(domain.LanePlanned, st.lane, st.ts, st.agent); err != nil {
				return nil, err
			}
		} else {
			// Attribution follows the later entry of each adjacent pair.
			if err := emit(chain[i-1].lane, st.lane, st.ts, st.agent); err != nil {
				return nil, err
			}
		}
		reached = st.lane
	}
	if reached != current {
		ts := nowTS
		agent := defaultStr(legacy.Agent, actor)
		if n := len(chain); n > 0 {
			ts = chain[n-1].ts
			agent = chain[n-1].agent
		}
		if err := emit(reached, current, ts, agent); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func backupLog(featureDir string, now time.Time) (string, error) {
	src := events.LogPath(featureDir)
	data, err := os.ReadFile(src)
	if err != nil {
		return "", err
	}
	backup := fmt.Sprintf("%s.bak-%s-%s", src, now.UTC().Format("20060102T150405Z"), uuid.New().String()[:8])
	if err := os.WriteFile(backup, data, 0o644); err != nil {
		return "", err
	}
	return backup, nil
}

func defaultStr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
