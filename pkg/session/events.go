package session

import (
	"time"
)

// EventType discriminates the streaming event union.
type EventType string

const (
	EventStatus     EventType = "status"
	EventPlan       EventType = "plan"
	EventRoute      EventType = "route"
	EventContext    EventType = "context"
	EventActivity   EventType = "activity"
	EventCitations  EventType = "citations"
	EventWebResults EventType = "web_results"
	EventToken      EventType = "token"
	EventUsage      EventType = "usage"
	EventCritique   EventType = "critique"
	EventTelemetry  EventType = "telemetry"
	EventComplete   EventType = "complete"
	EventDone       EventType = "done"
	EventError      EventType = "error"
)

// Stage labels the pipeline phase a status event announces.
type Stage string

const (
	StageContext       Stage = "context"
	StagePlan          Stage = "plan"
	StageRetrieving    Stage = "retrieving"
	StageWebSearching  Stage = "web_searching"
	StageReranking     Stage = "reranking"
	StageReformulating Stage = "reformulating"
	StageSynthesizing  Stage = "synthesizing"
	StageCritiquing    Stage = "critiquing"
	StagePersisting    Stage = "persisting"
)

// ContextSnapshot is the payload of the context event: what the pipeline
// packed from history before routing.
type ContextSnapshot struct {
	Summary        []string       `json:"summary,omitempty"`
	Salience       []SalienceNote `json:"salience,omitempty"`
	HistoryPreview string         `json:"historyPreview,omitempty"`
}

// EventErrorInfo is the payload of a terminal error event.
type EventErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Event is one tagged entry of a turn's stream. Exactly one payload field is
// populated per type; the zero fields are omitted on the wire.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Turn      int       `json:"turn,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Stage      Stage              `json:"stage,omitempty"`
	Plan       *Plan              `json:"plan,omitempty"`
	Route      *RouteInfo         `json:"route,omitempty"`
	Context    *ContextSnapshot   `json:"context,omitempty"`
	Step       *ActivityStep      `json:"step,omitempty"`
	References []Reference        `json:"references,omitempty"`
	WebResults []WebResult        `json:"webResults,omitempty"`
	Text       string             `json:"text,omitempty"`
	Usage      *Usage             `json:"usage,omitempty"`
	Critique   *CriticReport      `json:"critique,omitempty"`
	Telemetry  *AggregateSnapshot `json:"telemetry,omitempty"`
	Answer     string             `json:"answer,omitempty"`
	Error      *EventErrorInfo    `json:"error,omitempty"`
}

// Stamp fills the identity fields every event must carry.
func (e Event) Stamp(sessionID string, turn int) Event {
	e.SessionID = sessionID
	e.Turn = turn
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	return e
}

// Terminal reports whether no further events may follow this one.
func (e Event) Terminal() bool {
	return e.Type == EventDone
}

// ============================================================================
// Event Builders
// ============================================================================

// NewStatusEvent announces entry into a pipeline stage.
func NewStatusEvent(stage Stage) Event {
	return Event{Type: EventStatus, Stage: stage}
}

// NewPlanEvent carries the dispatch plan.
func NewPlanEvent(plan *Plan) Event {
	return Event{Type: EventPlan, Plan: plan}
}

// NewRouteEvent carries the routing outcome.
func NewRouteEvent(route *RouteInfo) Event {
	return Event{Type: EventRoute, Route: route}
}

// NewContextEvent carries the packed context snapshot.
func NewContextEvent(snapshot *ContextSnapshot) Event {
	return Event{Type: EventContext, Context: snapshot}
}

// NewActivityEvent carries one activity log step.
func NewActivityEvent(step ActivityStep) Event {
	return Event{Type: EventActivity, Step: &step}
}

// NewCitationsEvent carries the reference set for the turn.
func NewCitationsEvent(refs []Reference) Event {
	return Event{Type: EventCitations, References: refs}
}

// NewWebResultsEvent carries filtered web results.
func NewWebResultsEvent(results []WebResult) Event {
	return Event{Type: EventWebResults, WebResults: results}
}

// NewTokenEvent carries one synthesis token.
func NewTokenEvent(text string) Event {
	return Event{Type: EventToken, Text: text}
}

// NewUsageEvent carries accumulated token usage.
func NewUsageEvent(usage Usage) Event {
	return Event{Type: EventUsage, Usage: &usage}
}

// NewCritiqueEvent carries one critic pass verdict.
func NewCritiqueEvent(report *CriticReport) Event {
	return Event{Type: EventCritique, Critique: report}
}

// NewTelemetryEvent carries the aggregate counter snapshot.
func NewTelemetryEvent(snapshot AggregateSnapshot) Event {
	return Event{Type: EventTelemetry, Telemetry: &snapshot}
}

// NewCompleteEvent carries the final answer.
func NewCompleteEvent(answer string) Event {
	return Event{Type: EventComplete, Answer: answer}
}

// NewDoneEvent closes a turn's stream.
func NewDoneEvent() Event {
	return Event{Type: EventDone}
}

// NewErrorEvent reports a terminal classified failure.
func NewErrorEvent(err error) Event {
	kind := Classify(err)
	msg := ""
	if err != nil {
		msg = err.Error()
		if se, ok := AsError(err); ok {
			msg = se.Message
		}
	}
	return Event{Type: EventError, Error: &EventErrorInfo{
		Kind:      kind,
		Message:   msg,
		Retryable: kind.Retryable(),
	}}
}
