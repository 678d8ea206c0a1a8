package proposal

import (
	"fmt"
)

// edges holds the forward transitions of the lifecycle. Rejection from any
// non-terminal status is handled separately in CanTransition.
var edges = map[Status][]Status{
	StatusProposed:             {StatusValidationPending},
	StatusValidationPending:    {StatusValidationInProgress},
	StatusValidationInProgress: {StatusValidationPassed, StatusValidationFailed},
	StatusValidationPassed:     {StatusUserApproved, StatusAutoApproved},
	StatusUserApproved:         {StatusMergePending},
	StatusAutoApproved:         {StatusMergePending},
	StatusMergePending:         {StatusMergeInProgress},
	StatusMergeInProgress:      {StatusMerged, StatusMergeFailed},
}

// Terminal reports whether s accepts no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusMerged, StatusRejected, StatusMergeFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another follows an
// edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusRejected {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Next returns the statuses reachable from s in one step.
func Next(s Status) []Status {
	if s.Terminal() {
		return nil
	}
	next := append([]Status(nil), edges[s]...)
	return append(next, StatusRejected)
}

// IllegalTransitionError is returned when a status change does not follow the
// lifecycle graph, or when the stored status no longer matches what the caller
// expected. The stored proposal is left unchanged.
type IllegalTransitionError struct {
	ProposalID string
	From       Status
	To         Status
	// Expected is set when the caller asserted a current status that did not hold.
	Expected Status
}

func (e *IllegalTransitionError) Error() string {
	if e.Expected != "" && e.Expected != e.From {
		return fmt.Sprintf("illegal transition for %s: expected status %s but found %s (wanted %s)",
			e.ProposalID, e.Expected, e.From, e.To)
	}
	return fmt.Sprintf("illegal transition for %s: %s -> %s", e.ProposalID, e.From, e.To)
}

// CheckTransition returns an IllegalTransitionError if from -> to is not an edge.
func CheckTransition(id string, from, to Status) error {
	if !CanTransition(from, to) {
		return &IllegalTransitionError{ProposalID: id, From: from, To: to}
	}
	return nil
}
