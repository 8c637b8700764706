// Package events provides the experiment event stream: a typed event model,
// an in-process bus with per-experiment replay, and an SSE endpoint that
// dashboards subscribe to. Events for one experiment are delivered in
// publish order; a new subscriber first receives a snapshot of everything
// already published.
package events

import (
	"encoding/json"
	"time"
)

// EventType identifies the category of an experiment event.
type EventType string

const (
	// EventIterationStarted marks an iteration entering EXECUTING.
	EventIterationStarted EventType = "iteration:started"
	// EventStatusChanged marks an iteration state machine transition.
	EventStatusChanged EventType = "status:changed"
	// EventRunProgress carries per-run case counters {completed, total}.
	EventRunProgress EventType = "run:progress"
	// EventRunCompleted marks one model run finishing.
	EventRunCompleted EventType = "run:completed"
	// EventJudgeProgress carries judge job counters {completed, total}.
	EventJudgeProgress EventType = "judge:progress"
	// EventAggregateDone carries the iteration's aggregated metrics.
	EventAggregateDone EventType = "aggregate:completed"
	// EventRefineDone marks a refiner suggestion awaiting review.
	EventRefineDone EventType = "refine:completed"
	// EventCostAlert is the one-shot budget threshold alert.
	EventCostAlert EventType = "cost:alert"
	// EventError reports a non-fatal failure inside an iteration.
	EventError EventType = "error"
	// EventIterationDone marks an iteration reaching COMPLETED.
	EventIterationDone EventType = "iteration:completed"
	// EventSafetyFlagged marks material the safety scanner flagged.
	EventSafetyFlagged EventType = "safety:flagged"
	// EventReviewDecided marks a human review decision.
	EventReviewDecided EventType = "review:decided"
	// EventExperimentDone carries the final report.
	EventExperimentDone EventType = "experiment:completed"
)

// Event is one entry in an experiment's stream. Seq is assigned by the bus
// and strictly increases within an experiment.
type Event struct {
	Seq          uint64          `json:"seq"`
	Timestamp    time.Time       `json:"timestamp"`
	ExperimentID string          `json:"experimentId"`
	IterationID  string          `json:"iterationId,omitempty"`
	Type         EventType       `json:"type"`
	Summary      string          `json:"summary,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with a marshaled payload. Marshal failures drop
// the payload rather than the event.
func NewEvent(experimentID, iterationID string, typ EventType, summary string, payload any) Event {
	e := Event{
		Timestamp:    time.Now().UTC(),
		ExperimentID: experimentID,
		IterationID:  iterationID,
		Type:         typ,
		Summary:      summary,
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			e.Payload = raw
		}
	}
	return e
}
