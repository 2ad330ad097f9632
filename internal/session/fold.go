package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/MikeSquared-Agency/hsstream/internal/beam"
	"github.com/MikeSquared-Agency/hsstream/internal/decision"
	"github.com/MikeSquared-Agency/hsstream/internal/events"
)

const (
	beamProgressStep = 5
	beamProgressCap  = 85
	iterationBase    = 40
	iterationStep    = 10
	iterationCap     = 80
)

// enrichedKeys are the token fields probed, in order, for a display-only
// description of the product as the service currently understands it.
var enrichedKeys = []string{"enriched_query", "enriched_description", "product_description", "current_query"}

// Fold applies one event to st and returns the new state. It performs no
// I/O and never fails; unexpected payloads are skipped field by field.
//
// Once a final result is recorded the event is still logged but nothing else
// changes. While a question is pending, stage and progress hold still until
// the continuation begins.
func Fold(st State, e events.Event) State {
	st.Events = append(slices.Clip(st.Events), e)
	if st.Completed() {
		return st
	}

	frozen := st.IsWaitingForAnswer
	stage, progress := st.CurrentStage, st.Progress
	data := e.DataMap()

	switch e.Type {
	case events.TypeClassificationStart:
		stage, progress = "Starting classification...", 5

	case events.TypeInitializationStart:
		stage, progress = "Determining top chapters...", 15

	case events.TypeChapterSelection:
		progress = 25
		ch, ok := topChapter(data)
		if !ok {
			stage = "Chapter selection complete"
			break
		}
		stage = fmt.Sprintf("Selected Chapter %s: %s", ch.Code, ch.Description)
		st.Decisions = decision.ApplyChapterSelection(st.Decisions, ch, e.Timestamp)

	case events.TypePathInitialized:
		progress = 35
		if chapter := display(data["chapter"]); chapter != "" {
			stage = "Initialized path for Chapter " + chapter
		} else {
			stage = "Path initialized"
		}

	case events.TypeIterationStart:
		iteration, _ := e.DataNumber("iteration")
		stage = fmt.Sprintf("Iteration %s - Exploring %s paths", display(data["iteration"]), display(data["beam_size"]))
		progress = min(iterationBase+int(iteration)*iterationStep, iterationCap)

	case events.TypeCandidateScoringStart:
		stage = fmt.Sprintf("Evaluating %s options for %s", display(data["options_count"]), display(data["current_node"]))

	case events.TypeCandidateScoringDone:
		best, _ := e.DataNumber("best_confidence")
		if best == 0 {
			break
		}
		stage = fmt.Sprintf("Best match found with %d%% confidence", percent(best))
		st.Decisions = decision.ApplyCandidateScoring(st.Decisions, scoringFrom(data, best), e.Timestamp)

	case events.TypeBeamLeaderboard:
		paths := beam.Parse(e.Data)
		st.CurrentBeam = paths
		st.Decisions = decision.ApplyBeam(st.Decisions, paths, e.Timestamp)
		if top, ok := beam.Top(paths); ok {
			stage = fmt.Sprintf("Leading path: %d%% confidence - %d paths active", percent(top.CumulativeConfidence), len(paths))
		} else {
			stage = "Analyzing classification paths"
		}
		progress = min(st.Progress+beamProgressStep, beamProgressCap)

	case events.TypeQuestionGenerated:
		st.CurrentQuestion = e.Data
		st.IsWaitingForAnswer = true
		st.QuestionsAsked++
		if token := resumptionToken(e.Data); token != nil {
			st.ClassificationState = token
			if desc := enrichedDescription(token); desc != "" {
				st.EnrichedDescription = desc
			}
		}
		if !frozen {
			st.CurrentStage = "Clarification needed"
			st.Progress = max(st.Progress, 90)
		}
		return st

	case events.TypeContinuationStart:
		st.IsWaitingForAnswer = false
		st.CurrentQuestion = nil
		st.CurrentStage = "Processing your answer..."
		st.Progress = max(st.Progress, 92)
		return st

	case events.TypeAnswerProcessing:
		stage, progress = "Enriching product description...", 94

	case events.TypeClassificationComplete:
		st.CurrentStage = "Classification complete!"
		st.Progress = 100
		st.FinalResult = e.Data
		st.IsStreaming = false
		return st

	default:
		slog.Debug("unhandled stream event", "type", e.Type)
	}

	if !frozen {
		st.CurrentStage = stage
		st.Progress = max(st.Progress, progress)
	}
	return st
}

func topChapter(data map[string]any) (decision.Chapter, bool) {
	list, _ := data["chapters"].([]any)
	if len(list) == 0 {
		return decision.Chapter{}, false
	}
	first, ok := list[0].(map[string]any)
	if !ok {
		return decision.Chapter{}, false
	}

	ch := decision.Chapter{
		Code:        display(first["chapter"]),
		Description: display(first["description"]),
		Confidence:  number(first["confidence"]),
	}
	for _, item := range list[1:] {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		ch.Runners = append(ch.Runners, decision.Competitor{
			Code:        display(m["chapter"]),
			Description: display(m["description"]),
			Confidence:  number(m["confidence"]),
		})
	}
	return ch, ch.Code != ""
}

func scoringFrom(data map[string]any, best float64) decision.Scoring {
	s := decision.Scoring{
		SelectedCode:        display(data["selected_code"]),
		SelectedDescription: display(data["selected_description"]),
		BestConfidence:      best,
		HasNode:             truthy(data["current_node"]),
	}
	alts, _ := data["alternatives"].([]any)
	for _, a := range alts {
		m, ok := a.(map[string]any)
		if !ok {
			continue
		}
		code := display(m["code"])
		if code == "" {
			code = display(m["hs_code"])
		}
		s.Alternatives = append(s.Alternatives, decision.Competitor{
			Code:        code,
			Description: display(m["description"]),
			Confidence:  number(m["confidence"]),
		})
	}
	return s
}

// resumptionToken returns the token carried by a question event verbatim,
// preferring "state" over "classification_state".
func resumptionToken(data json.RawMessage) json.RawMessage {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	for _, key := range []string{"state", "classification_state"} {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err == nil && truthy(v) {
			return raw
		}
	}
	return nil
}

func enrichedDescription(token json.RawMessage) string {
	var fields map[string]any
	if err := json.Unmarshal(token, &fields); err != nil {
		return ""
	}
	for _, key := range enrichedKeys {
		if s, ok := fields[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func percent(f float64) int {
	return int(math.Round(f * 100))
}

// display renders a loosely typed payload field for stage text.
func display(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == math.Trunc(t) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}

func number(v any) float64 {
	f, _ := v.(float64)
	return f
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}
