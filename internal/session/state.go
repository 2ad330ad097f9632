package session

import (
	"encoding/json"

	"github.com/MikeSquared-Agency/hsstream/internal/beam"
	"github.com/MikeSquared-Agency/hsstream/internal/decision"
	"github.com/MikeSquared-Agency/hsstream/internal/events"
)

// Phase is the controller's coarse lifecycle position.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseStreaming      Phase = "streaming"
	PhaseAwaitingAnswer Phase = "awaiting_answer"
	PhaseCompleted      Phase = "completed"
	PhaseErrored        Phase = "errored"
	PhaseStopped        Phase = "stopped"
)

const idleStage = "idle"

// State is one session's streaming state. Fold never writes into a slice
// it was handed, so a State value can be shared with readers as-is.
type State struct {
	Product             string              `json:"product"`
	Model               string              `json:"model"`
	IsStreaming         bool                `json:"is_streaming"`
	Events              []events.Event      `json:"events"`
	CurrentStage        string              `json:"current_stage"`
	CurrentBeam         []beam.Path         `json:"current_beam"`
	FinalResult         json.RawMessage     `json:"final_result,omitempty"`
	Error               string              `json:"error,omitempty"`
	Progress            int                 `json:"progress"`
	ElapsedTime         int                 `json:"elapsed_time"`
	CurrentQuestion     json.RawMessage     `json:"current_question,omitempty"`
	IsWaitingForAnswer  bool                `json:"is_waiting_for_answer"`
	ClassificationState json.RawMessage     `json:"classification_state,omitempty"`
	Decisions           []decision.Decision `json:"classification_decisions"`
	EnrichedDescription string              `json:"enriched_description,omitempty"`
	QuestionsAsked      int                 `json:"questions_asked"`
}

// InitialState is the zero session: nothing streamed, stage "idle".
func InitialState() State {
	return State{
		Model:        ModelVertex,
		Events:       []events.Event{},
		CurrentStage: idleStage,
		CurrentBeam:  []beam.Path{},
		Decisions:    []decision.Decision{},
	}
}

// Completed reports whether a final result has been recorded.
func (s State) Completed() bool {
	return s.FinalResult != nil
}

// Phase derives the lifecycle position from the state flags.
func (s State) Phase() Phase {
	switch {
	case s.Completed():
		return PhaseCompleted
	case s.Error != "":
		return PhaseErrored
	case s.IsWaitingForAnswer:
		return PhaseAwaitingAnswer
	case s.IsStreaming:
		return PhaseStreaming
	case len(s.Events) > 0:
		return PhaseStopped
	default:
		return PhaseIdle
	}
}
