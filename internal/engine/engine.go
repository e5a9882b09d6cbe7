// Package engine is the single sanctioned write path for status events.
// Everything that changes a work package's lane goes through Emit; the event
// log is the only thing Emit must never leave incorrect, and every other
// output (snapshot, derived views, telemetry) is recoverable.
package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"laneline/internal/checklist"
	"laneline/internal/domain"
	"laneline/internal/events"
	"laneline/internal/lanes"
	"laneline/internal/reduce"
)

// ViewUpdater refreshes the human-readable mirrors of a snapshot.
// Implementations are best-effort collaborators; Emit logs their failures and
// moves on.
type ViewUpdater interface {
	UpdateAllViews(featureDir string, snap domain.StatusSnapshot) error
}

// SyncForwarder fans a status change out to the external sync layer. Same
// isolation guarantee as ViewUpdater.
type SyncForwarder interface {
	EmitWPStatusChanged(wpID, fromLane, toLane, actor, featureSlug string, policy map[string]any) error
}

type Engine struct {
	Views ViewUpdater
	Sync  SyncForwarder
	Log   zerolog.Logger
	Now   func() time.Time
	NewID func(time.Time) string
}

func New(log zerolog.Logger) Engine {
	return Engine{
		Log:   log,
		Now:   time.Now,
		NewID: domain.NewEventID,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) newID(t time.Time) string {
	if e.NewID != nil {
		return e.NewID(t)
	}
	return domain.NewEventID(t)
}

// EmitOptions are the optional parameters of one transition.
type EmitOptions struct {
	Force         bool
	Reason        string
	ReviewRef     string
	Evidence      *domain.DoneEvidence
	ExecutionMode string
	RepoRoot      string
	Policy        map[string]any

	// Explicit guard inputs. Nil means infer from the feature directory.
	WorkspaceContext string
	SubtasksComplete *bool
	EvidencePresent  *bool
}

// Emit runs the full write sequence: resolve the target lane, derive the
// current lane by replaying the entire log, infer missing guard inputs,
// validate, persist, re-materialize, update views, forward telemetry. A
// rejected transition returns before anything is written.
func (e Engine) Emit(featureDir, featureSlug, wpID, toLane, actor string, opts EmitOptions) (domain.StatusEvent, error) {
	to := lanes.ResolveAlias(toLane)

	// Never trust a cached snapshot here: another process may have appended
	// since it was materialized.
	existing, err := events.ReadAll(featureDir)
	if err != nil {
		return domain.StatusEvent{}, err
	}
	from := domain.LanePlanned
	if st, ok := reduce.Reduce(featureSlug, existing).WorkPackages[wpID]; ok {
		from = st.Lane
	}

	mode := opts.ExecutionMode
	if mode == "" {
		mode = domain.ModeWorktree
	}
	ctx, err := e.guardContext(featureDir, wpID, from, to, actor, mode, opts)
	if err != nil {
		return domain.StatusEvent{}, err
	}
	if err := lanes.ValidateTransition(from, to, ctx); err != nil {
		return domain.StatusEvent{}, err
	}

	now := e.now().UTC()
	ev := domain.StatusEvent{
		EventID:       e.newID(now),
		Feature:       featureSlug,
		WP:            wpID,
		FromLane:      from,
		ToLane:        to,
		Timestamp:     now.Format(time.RFC3339),
		Actor:         actor,
		Force:         opts.Force,
		ExecutionMode: mode,
		Reason:        opts.Reason,
		ReviewRef:     opts.ReviewRef,
		Evidence:      opts.Evidence,
		Policy:        opts.Policy,
	}
	if err := events.Append(featureDir, ev); err != nil {
		return domain.StatusEvent{}, err
	}

	snap, err := reduce.Materialize(featureDir)
	if err != nil {
		// The appended event is authoritative; a later materialize recovers.
		e.Log.Warn().Err(err).Str("wp", wpID).Msg("snapshot materialization failed after append")
		snap = reduce.Reduce(featureSlug, append(existing, ev))
	}
	e.updateViews(featureDir, snap, wpID)
	e.forwardSync(ev)
	return ev, nil
}

// guardContext assembles guard inputs, inferring the ones the caller omitted
// and only when the target edge actually consults them.
func (e Engine) guardContext(featureDir, wpID string, from, to domain.Lane, actor, mode string, opts EmitOptions) (lanes.Context, error) {
	ctx := lanes.Context{
		Actor:            actor,
		Reason:           opts.Reason,
		Force:            opts.Force,
		WorkspaceContext: opts.WorkspaceContext,
		ReviewRef:        opts.ReviewRef,
		Evidence:         opts.Evidence,
	}
	if ctx.WorkspaceContext == "" && from == domain.LaneClaimed && to == domain.LaneInProgress {
		if opts.RepoRoot != "" {
			ctx.WorkspaceContext = mode + ":" + opts.RepoRoot
		}
	}
	if opts.SubtasksComplete != nil {
		ctx.SubtasksComplete = *opts.SubtasksComplete
	}
	if opts.EvidencePresent != nil {
		ctx.EvidencePresent = *opts.EvidencePresent
	}
	if (opts.SubtasksComplete == nil || opts.EvidencePresent == nil) &&
		from == domain.LaneInProgress && to == domain.LaneForReview && !opts.Force {
		st, err := checklist.Read(featureDir, wpID)
		if err != nil {
			return ctx, fmt.Errorf("read checklist: %w", err)
		}
		if opts.SubtasksComplete == nil {
			ctx.SubtasksComplete = st.Found && st.SubtasksComplete
		}
		if opts.EvidencePresent == nil {
			ctx.EvidencePresent = st.Found && st.EvidencePresent
		}
	}
	return ctx, nil
}

func (e Engine) updateViews(featureDir string, snap domain.StatusSnapshot, wpID string) {
	if e.Views == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.Log.Warn().Interface("panic", r).Str("wp", wpID).Msg("view update panicked")
		}
	}()
	if err := e.Views.UpdateAllViews(featureDir, snap); err != nil {
		e.Log.Warn().Err(err).Str("wp", wpID).Msg("derived view update failed")
	}
}

func (e Engine) forwardSync(ev domain.StatusEvent) {
	if e.Sync == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.Log.Warn().Interface("panic", r).Str("wp", ev.WP).Msg("telemetry forward panicked")
		}
	}()
	if err := e.Sync.EmitWPStatusChanged(ev.WP, string(ev.FromLane), string(ev.ToLane), ev.Actor, ev.Feature, ev.Policy); err != nil {
		e.Log.Warn().Err(err).Str("wp", ev.WP).Msg("telemetry forward failed")
	}
}
