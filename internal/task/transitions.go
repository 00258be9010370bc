package task

import "time"

// TransitionContext carries the inputs a transition guard needs beyond the
// current row. Only the fields relevant to the requested transition are read.
type TransitionContext struct {
	LeaseOwner     string
	LeaseTTL       time.Duration
	Result         string
	EvidenceRef    string
	Feedback       string
	LastError      string
	Now            time.Time

	// ExpectedLeaseOwner, when set, asks the store to verify that the
	// row's current lease_owner still matches before attempting any
	// transition away from IN_PROGRESS. A mismatch means the watchdog has
	// already recovered the lease; the store surfaces this as
	// kernelerr.LeaseExpiredError rather than a generic transition failure.
	ExpectedLeaseOwner string
}

// Patch is the set of field changes a successful transition wants persisted.
// store.TaskStore.Transition applies it atomically alongside the status change.
type Patch struct {
	Status Status

	SetLeaseOwner     bool
	LeaseOwner        *string
	SetLeaseExpiresAt bool
	LeaseExpiresAt    *time.Time

	IncrementAttempt bool
	IncrementBounce  bool

	SetResult      bool
	Result         string
	SetEvidenceRef bool
	EvidenceRef    string
	SetLastError   bool
	LastError      string

	AppendFeedback *FeedbackEntry
}

// canTransition is the pure predicate version of validateTransition: it never
// returns an error value, only whether the pair+guards are satisfied.
func canTransition(t Task, to Status, ctx TransitionContext) bool {
	return validateTransition(t, to, ctx) == nil
}

// CanTransition is the exported form for callers that only need a bool.
func CanTransition(t Task, to Status, ctx TransitionContext) bool {
	return canTransition(t, to, ctx)
}

// ValidateTransition is the exported form of validateTransition, used by the
// store package to guard a transition before computing its Patch.
func ValidateTransition(t Task, to Status, ctx TransitionContext) error {
	return validateTransition(t, to, ctx)
}

// ApplyTransition is the exported form of applyTransition, used by the store
// package once a transition has already been validated.
func ApplyTransition(t Task, to Status, ctx TransitionContext) Patch {
	return applyTransition(t, to, ctx)
}

// validateTransition enforces the task status transition table. It never mutates t.
func validateTransition(t Task, to Status, ctx TransitionContext) error {
	from := t.Status

	switch from {
	case StatusPending:
		switch to {
		case StatusInProgress:
			if ctx.LeaseOwner == "" {
				return newTransitionError(from, to, "lease_owner required")
			}
			return nil
		case StatusBlocked:
			return nil
		}

	case StatusInProgress:
		switch to {
		case StatusReview:
			if ctx.Result == "" && ctx.EvidenceRef == "" {
				return newTransitionError(from, to, "result or evidence_ref required")
			}
			return nil
		case StatusPending:
			if t.AttemptCount >= t.MaxAttempts {
				return newTransitionError(from, to, "max_attempts exhausted")
			}
			return nil
		case StatusBlocked:
			return nil
		}

	case StatusReview:
		switch to {
		case StatusDone:
			return nil
		case StatusPending:
			if ctx.Feedback == "" {
				return newTransitionError(from, to, "feedback required")
			}
			if t.BounceCount >= t.MaxBounces {
				return newTransitionError(from, to, "max_bounces exhausted")
			}
			return nil
		case StatusBlocked:
			return nil
		}

	case StatusBlocked:
		switch to {
		case StatusPending:
			return nil
		}

	case StatusDone:
		return newTransitionError(from, to, "DONE is terminal")
	}

	return newTransitionError(from, to, "no such transition")
}

// applyTransition turns a validated transition request into the patch the
// store should persist. Callers must have already validated via
// validateTransition (store.TaskStore.Transition calls both, then writes
// the patch with a compare-and-swap on updated_at).
func applyTransition(t Task, to Status, ctx TransitionContext) Patch {
	from := t.Status
	now := ctx.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	patch := Patch{Status: to}

	switch {
	case from == StatusPending && to == StatusInProgress:
		owner := ctx.LeaseOwner
		expires := now.Add(ctx.LeaseTTL)
		patch.SetLeaseOwner = true
		patch.LeaseOwner = &owner
		patch.SetLeaseExpiresAt = true
		patch.LeaseExpiresAt = &expires

	case from == StatusPending && to == StatusBlocked:
		// no field changes beyond status

	case from == StatusInProgress && to == StatusReview:
		patch.SetLeaseOwner = true
		patch.LeaseOwner = nil
		patch.SetLeaseExpiresAt = true
		patch.LeaseExpiresAt = nil
		if ctx.Result != "" {
			patch.SetResult = true
			patch.Result = ctx.Result
		}
		if ctx.EvidenceRef != "" {
			patch.SetEvidenceRef = true
			patch.EvidenceRef = ctx.EvidenceRef
		}

	case from == StatusInProgress && to == StatusPending:
		patch.SetLeaseOwner = true
		patch.LeaseOwner = nil
		patch.SetLeaseExpiresAt = true
		patch.LeaseExpiresAt = nil
		patch.IncrementAttempt = true
		if ctx.LastError != "" {
			patch.SetLastError = true
			patch.LastError = ctx.LastError
		}

	case from == StatusInProgress && to == StatusBlocked:
		patch.SetLeaseOwner = true
		patch.LeaseOwner = nil
		patch.SetLeaseExpiresAt = true
		patch.LeaseExpiresAt = nil
		if ctx.LastError != "" {
			patch.SetLastError = true
			patch.LastError = ctx.LastError
		}

	case from == StatusReview && to == StatusDone:
		// no field changes beyond status

	case from == StatusReview && to == StatusPending:
		patch.IncrementBounce = true
		patch.AppendFeedback = &FeedbackEntry{
			Attempt:   t.AttemptCount,
			Feedback:  ctx.Feedback,
			CreatedAt: now,
		}

	case from == StatusReview && to == StatusBlocked:
		// no field changes beyond status

	case from == StatusBlocked && to == StatusPending:
		// no field changes beyond status
	}

	return patch
}
