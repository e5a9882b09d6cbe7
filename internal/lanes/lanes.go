// Package lanes holds the static transition graph between work-package lanes
// and the per-edge guards evaluated before an event is emitted.
package lanes

import (
	"fmt"

	"laneline/internal/domain"
)

// TransitionError is a user-correctable rejection raised before any
// persistence: an illegal edge, a failed guard, or missing attribution.
type TransitionError struct {
	From   domain.Lane
	To     domain.Lane
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transition %s -> %s rejected: %s", e.From, e.To, e.Reason)
}

type edge struct {
	from, to domain.Lane
}

// legal is the fixed set of 17 allowed moves: forward progress, rework loops,
// blocking from active lanes, unblocking, and cancellation from any
// non-terminal lane.
var legal = map[edge]bool{
	{domain.LanePlanned, domain.LaneClaimed}:       true,
	{domain.LanePlanned, domain.LaneCanceled}:      true,
	{domain.LaneClaimed, domain.LaneInProgress}:    true,
	{domain.LaneClaimed, domain.LaneBlocked}:       true,
	{domain.LaneClaimed, domain.LaneCanceled}:      true,
	{domain.LaneInProgress, domain.LaneForReview}:  true,
	{domain.LaneInProgress, domain.LanePlanned}:    true,
	{domain.LaneInProgress, domain.LaneBlocked}:    true,
	{domain.LaneInProgress, domain.LaneCanceled}:   true,
	{domain.LaneForReview, domain.LaneDone}:        true,
	{domain.LaneForReview, domain.LaneInProgress}:  true,
	{domain.LaneForReview, domain.LanePlanned}:     true,
	{domain.LaneForReview, domain.LaneBlocked}:     true,
	{domain.LaneForReview, domain.LaneCanceled}:    true,
	{domain.LaneBlocked, domain.LaneInProgress}:    true,
	{domain.LaneBlocked, domain.LanePlanned}:       true,
	{domain.LaneBlocked, domain.LaneCanceled}:      true,
}

// IsLegal reports whether (from, to) is in the legal-move table.
func IsLegal(from, to domain.Lane) bool {
	return legal[edge{from, to}]
}

// ResolveAlias maps legacy lane spellings onto canonical lanes. Unknown values
// pass through unchanged so that validation can reject them with the original
// spelling.
func ResolveAlias(lane string) domain.Lane {
	if lane == domain.AliasDoing {
		return domain.LaneInProgress
	}
	return domain.Lane(lane)
}

// Context carries the guard inputs for one proposed transition.
type Context struct {
	Actor            string
	Reason           string
	Force            bool
	WorkspaceContext string
	SubtasksComplete bool
	EvidencePresent  bool
	ReviewRef        string
	Evidence         *domain.DoneEvidence
}

// ValidateTransition checks a proposed move against the legal-edge table and
// the edge's guard. Force bypasses both, but always requires actor and reason
// so that the override stays attributable.
func ValidateTransition(from, to domain.Lane, ctx Context) error {
	if !from.IsCanonical() {
		return &TransitionError{From: from, To: to, Reason: fmt.Sprintf("unknown lane %q", from)}
	}
	if !to.IsCanonical() {
		return &TransitionError{From: from, To: to, Reason: fmt.Sprintf("unknown lane %q", to)}
	}
	if ctx.Force {
		if ctx.Actor == "" || ctx.Reason == "" {
			return &TransitionError{From: from, To: to, Reason: "force requires actor and reason"}
		}
		return nil
	}
	if !legal[edge{from, to}] {
		return &TransitionError{From: from, To: to, Reason: "not a legal transition"}
	}
	return checkGuard(from, to, ctx)
}

func checkGuard(from, to domain.Lane, ctx Context) error {
	fail := func(reason string) error {
		return &TransitionError{From: from, To: to, Reason: reason}
	}
	switch {
	case from == domain.LanePlanned && to == domain.LaneClaimed:
		if ctx.Actor == "" {
			return fail("requires actor identity")
		}
	case from == domain.LaneClaimed && to == domain.LaneInProgress:
		if ctx.WorkspaceContext == "" {
			return fail("requires workspace context")
		}
	case from == domain.LaneInProgress && to == domain.LaneForReview:
		if !ctx.SubtasksComplete {
			return fail("requires all subtasks complete")
		}
		if !ctx.EvidencePresent {
			return fail("requires implementation evidence")
		}
	case from == domain.LaneForReview && to == domain.LaneDone:
		if !ctx.Evidence.Complete() {
			return fail("requires evidence with review.reviewer, review.verdict, review.reference")
		}
	case from == domain.LaneForReview && (to == domain.LaneInProgress || to == domain.LanePlanned):
		if ctx.ReviewRef == "" {
			return fail("requires review reference")
		}
	case from == domain.LaneInProgress && to == domain.LanePlanned:
		if ctx.Reason == "" {
			return fail("requires reason")
		}
	}
	return nil
}
