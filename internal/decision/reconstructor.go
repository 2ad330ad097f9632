package decision

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/hsstream/internal/beam"
)

// HighConfidence is the best-confidence bar a candidate-scoring milestone
// must clear before it becomes a firm decision.
const HighConfidence = 0.8

const maxCompetitors = 3

// Competitor is a runner-up option at a decision's level.
type Competitor struct {
	Code        string  `json:"code"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// Decision is one firm choice at one hierarchy level.
type Decision struct {
	Code        string       `json:"code"`
	Description string       `json:"description"`
	Confidence  float64      `json:"confidence"`
	Level       int          `json:"level"`
	Timestamp   time.Time    `json:"timestamp"`
	Competitors []Competitor `json:"competitors,omitempty"`
}

// Chapter is the chosen top-level bucket from a chapter selection event.
type Chapter struct {
	Code        string
	Description string
	Confidence  float64
	Runners     []Competitor
}

// Scoring is the outcome of a candidate-scoring round.
type Scoring struct {
	SelectedCode        string
	SelectedDescription string
	BestConfidence      float64
	// HasNode reports whether the round named the node it scored under.
	HasNode      bool
	Alternatives []Competitor
}

// ApplyBeam reconciles decisions with the leading path of a beam update.
// Levels the leader agrees with are left alone, levels where it changed its
// choice are replaced in place, new levels are appended, and levels at or
// past the leader's depth are dropped. An empty beam changes nothing.
// The input slice is never modified.
func ApplyBeam(decisions []Decision, paths []beam.Path, ts time.Time) []Decision {
	top, ok := beam.Top(paths)
	if !ok {
		return Clone(decisions)
	}

	target := ParseTopPathSegments(top.CurrentPath)
	runners := make([][]Segment, 0, len(paths)-1)
	for _, p := range paths[1:] {
		runners = append(runners, ParseTopPathSegments(p.CurrentPath))
	}

	out := Clone(decisions)
	for level, seg := range target {
		idx := indexOfLevel(out, level)
		switch {
		case idx < 0:
			out = append(out, Decision{
				Code:        seg.Code,
				Description: ExtractDescription(seg.Code, seg.Text),
				Confidence:  top.CumulativeConfidence,
				Level:       level,
				Timestamp:   ts,
				Competitors: competitorsAt(level, seg.Code, paths[1:], runners),
			})
		case out[idx].Code != seg.Code:
			out[idx].Code = seg.Code
			out[idx].Description = ExtractDescription(seg.Code, seg.Text)
			out[idx].Confidence = top.CumulativeConfidence
			out[idx].Timestamp = ts
			out[idx].Competitors = competitorsAt(level, seg.Code, paths[1:], runners)
		}
	}

	return truncate(out, len(target))
}

// competitorsAt lists the distinct level codes of lower-ranked paths that
// disagree with the leader, in the service's rank order.
func competitorsAt(level int, leader string, paths []beam.Path, segments [][]Segment) []Competitor {
	var (
		out  []Competitor
		seen = map[string]bool{leader: true}
	)
	for i, segs := range segments {
		if level >= len(segs) {
			continue
		}
		seg := segs[level]
		if seen[seg.Code] {
			continue
		}
		seen[seg.Code] = true
		out = append(out, Competitor{
			Code:        seg.Code,
			Description: ExtractDescription(seg.Code, seg.Text),
			Confidence:  paths[i].CumulativeConfidence,
		})
		if len(out) == maxCompetitors {
			break
		}
	}
	return out
}

// ApplyChapterSelection creates or overwrites the level-0 decision.
func ApplyChapterSelection(decisions []Decision, ch Chapter, ts time.Time) []Decision {
	out := Clone(decisions)
	d := Decision{
		Code:        ch.Code,
		Description: ch.Description,
		Confidence:  ch.Confidence,
		Level:       0,
		Timestamp:   ts,
		Competitors: capCompetitors(ch.Runners),
	}
	if d.Description == "" {
		d.Description = fallbackDescription(ch.Code)
	}

	if idx := indexOfLevel(out, 0); idx >= 0 {
		out[idx] = d
		return out
	}
	return append([]Decision{d}, out...)
}

// ApplyCandidateScoring records a high-confidence scoring milestone whose
// code is not already on the trail. Its level comes from LevelForCode and
// it is only ever appended: an occupied level belongs to the beam trail and
// a level that would leave a gap is ignored.
func ApplyCandidateScoring(decisions []Decision, s Scoring, ts time.Time) []Decision {
	if s.BestConfidence <= HighConfidence || s.SelectedCode == "" || !s.HasNode {
		return Clone(decisions)
	}
	for _, d := range decisions {
		if d.Code == s.SelectedCode {
			return Clone(decisions)
		}
	}

	level := LevelForCode(s.SelectedCode)
	d := Decision{
		Code:        s.SelectedCode,
		Description: s.SelectedDescription,
		Confidence:  s.BestConfidence,
		Level:       level,
		Timestamp:   ts,
		Competitors: capCompetitors(s.Alternatives),
	}
	if d.Description == "" {
		d.Description = fallbackDescription(s.SelectedCode)
	}

	out := Clone(decisions)
	if indexOfLevel(out, level) >= 0 {
		slog.Debug("scoring milestone level already decided, ignoring",
			"code", s.SelectedCode,
			"level", level,
		)
		return out
	}
	if level != len(out) {
		slog.Debug("scoring milestone would leave a gap, ignoring",
			"code", s.SelectedCode,
			"level", level,
			"depth", len(out),
		)
		return out
	}
	return append(out, d)
}

// Validate checks that levels are unique and dense from zero.
func Validate(decisions []Decision) error {
	seen := make(map[int]bool, len(decisions))
	for _, d := range decisions {
		if d.Level < 0 || d.Level >= len(decisions) {
			return fmt.Errorf("decision %s at level %d leaves a gap in %d decisions", d.Code, d.Level, len(decisions))
		}
		if seen[d.Level] {
			return fmt.Errorf("duplicate decision at level %d", d.Level)
		}
		seen[d.Level] = true
	}
	return nil
}

// Trail renders decisions as "code description > code description".
func Trail(decisions []Decision) string {
	parts := make([]string, 0, len(decisions))
	for _, d := range decisions {
		parts = append(parts, d.Code+" "+d.Description)
	}
	return strings.Join(parts, pathSeparator)
}

// Last returns the deepest decision, if any.
func Last(decisions []Decision) (Decision, bool) {
	best := -1
	for i, d := range decisions {
		if best < 0 || d.Level > decisions[best].Level {
			best = i
		}
	}
	if best < 0 {
		return Decision{}, false
	}
	return decisions[best], true
}

// Clone copies decisions so callers can mutate the result freely.
func Clone(decisions []Decision) []Decision {
	if decisions == nil {
		return []Decision{}
	}
	out := make([]Decision, len(decisions))
	for i, d := range decisions {
		out[i] = d
		if d.Competitors != nil {
			out[i].Competitors = append([]Competitor(nil), d.Competitors...)
		}
	}
	return out
}

func indexOfLevel(decisions []Decision, level int) int {
	for i, d := range decisions {
		if d.Level == level {
			return i
		}
	}
	return -1
}

func truncate(decisions []Decision, depth int) []Decision {
	out := decisions[:0]
	for _, d := range decisions {
		if d.Level < depth {
			out = append(out, d)
		}
	}
	return out
}

func capCompetitors(c []Competitor) []Competitor {
	if len(c) > maxCompetitors {
		c = c[:maxCompetitors]
	}
	if len(c) == 0 {
		return nil
	}
	return append([]Competitor(nil), c...)
}
