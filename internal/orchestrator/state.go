package orchestrator

import (
	"github.com/edisonhq/edison/internal/domain"
	"github.com/edisonhq/edison/internal/fault"
)

// legalTransitions is the iteration state machine. Pausing happens only at a
// case boundary, so PAUSED is reachable only from the two phases that run
// cases; a resume re-enters the phase the pause interrupted and relies on
// idempotent writes to skip work already done.
var legalTransitions = map[domain.IterationStatus][]domain.IterationStatus{
	domain.IterationPending: {
		domain.IterationExecuting,
		domain.IterationCancelled,
	},
	domain.IterationExecuting: {
		domain.IterationJudging,
		domain.IterationPaused,
		domain.IterationFailed,
		domain.IterationCancelled,
	},
	domain.IterationJudging: {
		domain.IterationAggregating,
		domain.IterationPaused,
		domain.IterationFailed,
		domain.IterationCancelled,
	},
	domain.IterationAggregating: {
		domain.IterationRefining,
		domain.IterationCompleted,
		domain.IterationFailed,
		domain.IterationCancelled,
	},
	domain.IterationRefining: {
		domain.IterationReviewing,
		domain.IterationCompleted,
		domain.IterationFailed,
		domain.IterationCancelled,
	},
	domain.IterationReviewing: {
		domain.IterationCompleted,
		domain.IterationCancelled,
	},
	domain.IterationPaused: {
		domain.IterationExecuting,
		domain.IterationJudging,
		domain.IterationCancelled,
	},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to domain.IterationStatus) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CheckTransition returns a Conflict error for an illegal move.
func CheckTransition(from, to domain.IterationStatus) error {
	if !CanTransition(from, to) {
		return fault.New(fault.Conflict, "illegal iteration transition %s -> %s", from, to)
	}
	return nil
}
