package audit

import "time"

// EventType represents the type of audit event
type EventType string

const (
	// Recommendation events
	EventRecommendationProduced EventType = "recommendation.produced"
	EventRecommendationSkipped  EventType = "recommendation.skipped"

	// Decision lifecycle events
	EventDecisionProposed     EventType = "decision.proposed"
	EventDecisionPending      EventType = "decision.pending_approval"
	EventDecisionApproved     EventType = "decision.approved"
	EventDecisionAutoApproved EventType = "decision.auto_approved"
	EventDecisionRejected     EventType = "decision.rejected"
	EventDecisionTimedOut     EventType = "decision.timed_out"
	EventDecisionDiscarded    EventType = "decision.discarded"

	// Action events
	EventActionExecuted EventType = "action.executed"
	EventActionClamped  EventType = "action.clamped"
	EventActionFailed   EventType = "action.failed"

	// Rollback events
	EventRollbackFinalized EventType = "rollback.finalized"
	EventRollbackTriggered EventType = "rollback.triggered"
	EventRollbackDeferred  EventType = "rollback.deferred"

	// Configuration events
	EventConfigLoaded  EventType = "config.loaded"
	EventConfigChanged EventType = "config.changed"

	// System events
	EventServerStarted  EventType = "system.server_started"
	EventServerShutdown EventType = "system.server_shutdown"
)

// Result represents the outcome of an audited action
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultPending Result = "pending"
	ResultDenied  Result = "denied"
)

// Event represents a single audit event
type Event struct {
	// Core fields
	Timestamp  time.Time `json:"timestamp"`
	DecisionID string    `json:"decision_id,omitempty"`
	EventType  EventType `json:"event_type"`
	Result     Result    `json:"result"`

	// Plant context
	PlantID      string `json:"plant_id,omitempty"`
	LineID       string `json:"line_id,omitempty"`
	ControlPoint string `json:"control_point,omitempty"`

	// Actor information
	Operator string `json:"operator,omitempty"`

	// Action details
	Action      string                 `json:"action,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	// Duration tracking
	DurationMs int64 `json:"duration_ms,omitempty"`
}

// NewEvent creates a new audit event with default values
func NewEvent(eventType EventType) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Result:    ResultPending,
		Metadata:  make(map[string]interface{}),
	}
}

// WithDecisionID sets the decision this event belongs to
func (e *Event) WithDecisionID(id string) *Event {
	e.DecisionID = id
	return e
}

// WithLine sets the plant and line the event relates to
func (e *Event) WithLine(plantID, lineID string) *Event {
	e.PlantID = plantID
	e.LineID = lineID
	return e
}

// WithControlPoint sets the control point being acted upon
func (e *Event) WithControlPoint(cp string) *Event {
	e.ControlPoint = cp
	return e
}

// WithOperator sets the operator who triggered the event
func (e *Event) WithOperator(operator string) *Event {
	e.Operator = operator
	return e
}

// WithAction sets the action being performed
func (e *Event) WithAction(action string) *Event {
	e.Action = action
	return e
}

// WithDescription sets a human-readable description
func (e *Event) WithDescription(desc string) *Event {
	e.Description = desc
	return e
}

// WithResult sets the result of the event
func (e *Event) WithResult(result Result) *Event {
	e.Result = result
	return e
}

// WithError sets error information
func (e *Event) WithError(err error, code string) *Event {
	if err != nil {
		e.Error = err.Error()
		e.ErrorCode = code
		e.Result = ResultFailure
	}
	return e
}

// WithDuration sets the duration in milliseconds
func (e *Event) WithDuration(duration time.Duration) *Event {
	e.DurationMs = duration.Milliseconds()
	return e
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key string, value interface{}) *Event {
	e.Metadata[key] = value
	return e
}
