package domain

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Lane is one of the seven canonical lifecycle states of a work package.
type Lane string

const (
	LanePlanned    Lane = "planned"
	LaneClaimed    Lane = "claimed"
	LaneInProgress Lane = "in_progress"
	LaneForReview  Lane = "for_review"
	LaneDone       Lane = "done"
	LaneBlocked    Lane = "blocked"
	LaneCanceled   Lane = "canceled"
)

// AliasDoing is accepted from older producers and resolves to in_progress.
const AliasDoing = "doing"

// Lanes lists the canonical lanes in display order.
var Lanes = []Lane{LanePlanned, LaneClaimed, LaneInProgress, LaneForReview, LaneDone, LaneBlocked, LaneCanceled}

// IsCanonical reports whether l is one of the seven canonical lanes.
func (l Lane) IsCanonical() bool {
	switch l {
	case LanePlanned, LaneClaimed, LaneInProgress, LaneForReview, LaneDone, LaneBlocked, LaneCanceled:
		return true
	}
	return false
}

// IsTerminal reports whether no further transition may leave l.
func (l Lane) IsTerminal() bool {
	return l == LaneDone || l == LaneCanceled
}

// Execution modes recorded on an event.
const (
	ModeWorktree   = "worktree"
	ModeDirectRepo = "direct_repo"
)

// ReviewApproval attributes a review verdict. All three fields are required
// on evidence for a transition into done.
type ReviewApproval struct {
	Reviewer  string `json:"reviewer"`
	Verdict   string `json:"verdict"`
	Reference string `json:"reference"`
}

// RepoEvidence points at repository artifacts backing a completed work package.
type RepoEvidence struct {
	Repo   string   `json:"repo"`
	Branch string   `json:"branch,omitempty"`
	Commit string   `json:"commit,omitempty"`
	Files  []string `json:"files,omitempty"`
}

// VerificationResult records one verification command and its outcome.
type VerificationResult struct {
	Command string `json:"command"`
	Status  string `json:"status" enum:"pass,fail,skip"`
	Summary string `json:"summary,omitempty"`
}

// DoneEvidence is the payload required for any non-forced transition into done.
type DoneEvidence struct {
	Review        ReviewApproval       `json:"review"`
	Repos         []RepoEvidence       `json:"repos,omitempty"`
	Verifications []VerificationResult `json:"verifications,omitempty"`
}

// Complete reports whether the review approval carries all required fields.
func (e *DoneEvidence) Complete() bool {
	if e == nil {
		return false
	}
	return e.Review.Reviewer != "" && e.Review.Verdict != "" && e.Review.Reference != ""
}

// StatusEvent is one immutable lane transition of one work package within one
// feature. Events are never mutated or deleted; correction is by appending a
// new event.
type StatusEvent struct {
	EventID       string         `json:"event_id"`
	Feature       string         `json:"feature"`
	WP            string         `json:"wp"`
	FromLane      Lane           `json:"from_lane"`
	ToLane        Lane           `json:"to_lane"`
	Timestamp     string         `json:"ts"`
	Actor         string         `json:"actor"`
	Force         bool           `json:"force"`
	ExecutionMode string         `json:"execution_mode"`
	Reason        string         `json:"reason,omitempty"`
	ReviewRef     string         `json:"review_ref,omitempty"`
	Evidence      *DoneEvidence  `json:"evidence,omitempty"`
	Policy        map[string]any `json:"policy,omitempty"`
}

// IsRollback reports whether the event is an authoritative reviewer rollback:
// for_review -> in_progress carrying a review reference. Rollbacks win ties
// against concurrently-timestamped forward transitions during reduction.
func (e StatusEvent) IsRollback() bool {
	return e.FromLane == LaneForReview && e.ToLane == LaneInProgress && e.ReviewRef != ""
}

// Time parses the event timestamp. Events that passed Validate always parse.
func (e StatusEvent) Time() time.Time {
	t, _ := time.Parse(time.RFC3339, e.Timestamp)
	return t
}

// Validate checks the structural invariants of a persisted event.
func (e StatusEvent) Validate() error {
	if len(e.EventID) != ulid.EncodedSize {
		return fmt.Errorf("event_id must be a %d-char ULID, got %q", ulid.EncodedSize, e.EventID)
	}
	if _, err := ulid.ParseStrict(e.EventID); err != nil {
		return fmt.Errorf("event_id %q: %w", e.EventID, err)
	}
	if e.Feature == "" {
		return fmt.Errorf("event %s: feature is required", e.EventID)
	}
	if e.WP == "" {
		return fmt.Errorf("event %s: wp is required", e.EventID)
	}
	if !e.FromLane.IsCanonical() {
		return fmt.Errorf("event %s: from_lane %q is not canonical", e.EventID, e.FromLane)
	}
	if !e.ToLane.IsCanonical() {
		return fmt.Errorf("event %s: to_lane %q is not canonical", e.EventID, e.ToLane)
	}
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return fmt.Errorf("event %s: ts %q is not RFC3339", e.EventID, e.Timestamp)
	}
	// Replay order is a string comparison over timestamps, which is only
	// chronological when every timestamp is canonical UTC.
	if t.UTC().Format(time.RFC3339) != e.Timestamp {
		return fmt.Errorf("event %s: ts %q is not canonical UTC", e.EventID, e.Timestamp)
	}
	if e.Actor == "" {
		return fmt.Errorf("event %s: actor is required", e.EventID)
	}
	if e.ExecutionMode != ModeWorktree && e.ExecutionMode != ModeDirectRepo {
		return fmt.Errorf("event %s: execution_mode %q invalid", e.EventID, e.ExecutionMode)
	}
	if e.Force && e.Reason == "" {
		return fmt.Errorf("event %s: force requires a reason", e.EventID)
	}
	return nil
}

// WPState is the current state of one work package inside a snapshot.
type WPState struct {
	Lane         Lane   `json:"lane"`
	Actor        string `json:"actor"`
	TransitionAt string `json:"transition_at"`
	LastEventID  string `json:"last_event_id"`
	ForceCount   int    `json:"force_count"`
}

// StatusSnapshot is a materialized view derived from the event log. It is a
// cache, never a source of truth; deleting and recomputing it reproduces
// byte-identical output for the same event set.
type StatusSnapshot struct {
	Feature      string             `json:"feature"`
	GeneratedAt  string             `json:"generated_at"`
	EventCount   int                `json:"event_count"`
	LastEventID  string             `json:"last_event_id"`
	WorkPackages map[string]WPState `json:"work_packages"`
	LaneCounts   map[string]int     `json:"lane_counts"`
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewEventID returns a fresh lexically-sortable 26-character event id for the
// given instant. Ids minted for the same instant stay distinct and ordered.
func NewEventID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t.UTC()), entropy).String()
}
