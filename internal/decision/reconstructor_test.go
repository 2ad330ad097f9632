package decision

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/hsstream/internal/beam"
)

var (
	t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Second)
	t2 = t0.Add(2 * time.Second)
)

func pathOf(current string, confidence float64) beam.Path {
	return beam.Path{Position: 1, CurrentPath: current, CumulativeConfidence: confidence}
}

func codes(decisions []Decision) []string {
	out := make([]string, len(decisions))
	for i, d := range decisions {
		out[i] = d.Code
	}
	return out
}

func TestApplyBeam_SimplePath(t *testing.T) {
	got := ApplyBeam(nil, []beam.Path{
		pathOf("01 - Live Animals > 0101 - Horses > 0101.21 - Pure-bred breeding horses", 0.9),
	}, t0)

	require.Len(t, got, 3)
	assert.Equal(t, []string{"01", "0101", "0101.21"}, codes(got))
	for i, d := range got {
		assert.Equal(t, i, d.Level)
		assert.Equal(t, 0.9, d.Confidence)
		assert.Equal(t, t0, d.Timestamp)
		assert.Empty(t, d.Competitors)
	}
	assert.Equal(t, "Live Animals", got[0].Description)
	assert.Equal(t, "Horses", got[1].Description)
	assert.Equal(t, "Pure-bred breeding horses", got[2].Description)
}

func TestApplyBeam_GroupSkip(t *testing.T) {
	got := ApplyBeam(nil, []beam.Path{
		pathOf("03 - Fish > [GROUP] Frozen > 0303.1 - Salmon", 0.6),
	}, t0)

	require.Len(t, got, 2)
	assert.Equal(t, []string{"03", "0303.1"}, codes(got))
	assert.Equal(t, 0, got[0].Level)
	assert.Equal(t, 1, got[1].Level)
}

func TestApplyBeam_Backtrack(t *testing.T) {
	first := ApplyBeam(nil, []beam.Path{
		pathOf("01 - Live Animals > 0101 - Horses > 0101.21 - Pure-bred", 0.9),
	}, t0)
	require.Len(t, first, 3)

	second := ApplyBeam(first, []beam.Path{
		pathOf("01 - Live Animals > 0102 - Bovine animals", 0.7),
	}, t1)

	require.Len(t, second, 2)
	assert.Equal(t, []string{"01", "0102"}, codes(second))

	// Level 0 kept its code, so nothing about it changes.
	assert.Equal(t, first[0], second[0])

	assert.Equal(t, 1, second[1].Level)
	assert.Equal(t, "Bovine animals", second[1].Description)
	assert.Equal(t, 0.7, second[1].Confidence)
	assert.Equal(t, t1, second[1].Timestamp)

	// The input slice is untouched.
	assert.Equal(t, []string{"01", "0101", "0101.21"}, codes(first))
}

func TestApplyBeam_IdempotentReplay(t *testing.T) {
	paths := []beam.Path{
		pathOf("84 - Machinery > 8471 - Computers", 0.8),
		{Position: 2, CurrentPath: "84 - Machinery > 8473 - Parts", CumulativeConfidence: 0.4},
	}

	once := ApplyBeam(nil, paths, t0)
	twice := ApplyBeam(once, paths, t1)

	assert.Equal(t, once, twice)
}

func TestApplyBeam_EmptyBeamIsNoop(t *testing.T) {
	start := ApplyBeam(nil, []beam.Path{pathOf("01 - A > 0101 - B", 0.5)}, t0)

	got := ApplyBeam(start, nil, t1)
	assert.Equal(t, start, got)

	got = ApplyBeam(start, []beam.Path{}, t1)
	assert.Equal(t, start, got)
}

func TestApplyBeam_SameCodeKeepsConfidence(t *testing.T) {
	start := ApplyBeam(nil, []beam.Path{pathOf("01 - A > 0101 - B", 0.5)}, t0)

	got := ApplyBeam(start, []beam.Path{pathOf("01 - A > 0101 - B > 0101.21 - C", 0.95)}, t1)

	require.Len(t, got, 3)
	assert.Equal(t, 0.5, got[0].Confidence)
	assert.Equal(t, t0, got[1].Timestamp)
	assert.Equal(t, 0.95, got[2].Confidence)
	assert.Equal(t, t1, got[2].Timestamp)
}

func TestApplyBeam_GroupOnlyPathClearsTrail(t *testing.T) {
	start := ApplyBeam(nil, []beam.Path{pathOf("01 - A > 0101 - B", 0.5)}, t0)

	got := ApplyBeam(start, []beam.Path{pathOf("[GROUP] Animals", 0.5)}, t1)

	assert.Empty(t, got)
}

func TestApplyBeam_CompetitorsFromLowerRankedPaths(t *testing.T) {
	paths := []beam.Path{
		pathOf("84 - Machinery > 8471 - Computers > 8471.30 - Portable", 0.8),
		{Position: 2, CurrentPath: "84 - Machinery > 8473 - Parts", CumulativeConfidence: 0.5},
		{Position: 3, CurrentPath: "85 - Electrical > 8517 - Phones", CumulativeConfidence: 0.4},
		{Position: 4, CurrentPath: "84 - Machinery > 8473 - Parts of 8471", CumulativeConfidence: 0.3},
		{Position: 5, CurrentPath: "84 - Machinery > 8470 - Calculators", CumulativeConfidence: 0.2},
		{Position: 6, CurrentPath: "84 - Machinery > 8472 - Office machines", CumulativeConfidence: 0.1},
		{Position: 7, CurrentPath: "84 - Machinery > 8443 - Printers", CumulativeConfidence: 0.05},
	}

	got := ApplyBeam(nil, paths, t0)
	require.Len(t, got, 3)

	assert.Equal(t, []Competitor{{Code: "85", Description: "Electrical", Confidence: 0.4}}, got[0].Competitors)

	assert.Equal(t, []Competitor{
		{Code: "8473", Description: "Parts", Confidence: 0.5},
		{Code: "8517", Description: "Phones", Confidence: 0.4},
		{Code: "8470", Description: "Calculators", Confidence: 0.2},
	}, got[1].Competitors)

	assert.Empty(t, got[2].Competitors)
}

func TestApplyChapterSelection(t *testing.T) {
	got := ApplyChapterSelection(nil, Chapter{Code: "01", Description: "Live animals", Confidence: 0.85}, t0)
	require.Len(t, got, 1)
	assert.Equal(t, Decision{Code: "01", Description: "Live animals", Confidence: 0.85, Level: 0, Timestamp: t0}, got[0])

	trail := ApplyBeam(got, []beam.Path{pathOf("01 - Live > 0101 - Horses", 0.9)}, t1)
	require.Len(t, trail, 2)

	got = ApplyChapterSelection(trail, Chapter{
		Code:    "02",
		Runners: []Competitor{{Code: "03"}, {Code: "04"}, {Code: "05"}, {Code: "06"}},
	}, t2)
	require.Len(t, got, 2)
	assert.Equal(t, "02", got[0].Code)
	assert.Equal(t, "Classification 02", got[0].Description)
	assert.Len(t, got[0].Competitors, 3)
	assert.Equal(t, "0101", got[1].Code)
	require.NoError(t, Validate(got))
}

func TestApplyCandidateScoring(t *testing.T) {
	base := ApplyBeam(nil, []beam.Path{pathOf("01 - Live Animals", 0.9)}, t0)

	t.Run("below threshold ignored", func(t *testing.T) {
		got := ApplyCandidateScoring(base, Scoring{SelectedCode: "0101", BestConfidence: 0.8, HasNode: true}, t1)
		assert.Equal(t, base, got)
	})

	t.Run("missing node ignored", func(t *testing.T) {
		got := ApplyCandidateScoring(base, Scoring{SelectedCode: "0101", BestConfidence: 0.95}, t1)
		assert.Equal(t, base, got)
	})

	t.Run("already present ignored", func(t *testing.T) {
		got := ApplyCandidateScoring(base, Scoring{SelectedCode: "01", BestConfidence: 0.95, HasNode: true}, t1)
		assert.Equal(t, base, got)
	})

	t.Run("appends at next level with competitors", func(t *testing.T) {
		got := ApplyCandidateScoring(base, Scoring{
			SelectedCode:   "0101",
			BestConfidence: 0.92,
			HasNode:        true,
			Alternatives: []Competitor{
				{Code: "0102", Description: "Bovine", Confidence: 0.05},
				{Code: "0103", Description: "Swine", Confidence: 0.02},
				{Code: "0104", Description: "Sheep", Confidence: 0.01},
				{Code: "0105", Description: "Poultry", Confidence: 0.0},
			},
		}, t1)

		require.Len(t, got, 2)
		assert.Equal(t, "0101", got[1].Code)
		assert.Equal(t, 1, got[1].Level)
		assert.Equal(t, "Classification 0101", got[1].Description)
		assert.Equal(t, 0.92, got[1].Confidence)
		require.Len(t, got[1].Competitors, 3)
		assert.Equal(t, "0102", got[1].Competitors[0].Code)
		assert.Len(t, base, 1)
	})

	t.Run("gap ignored", func(t *testing.T) {
		got := ApplyCandidateScoring(base, Scoring{SelectedCode: "0101.21", BestConfidence: 0.95, HasNode: true}, t1)
		assert.Equal(t, base, got)
	})

	t.Run("occupied level left to the beam trail", func(t *testing.T) {
		trail := ApplyBeam(nil, []beam.Path{pathOf("01 - Live Animals > 0101 - Horses > 0101.21 - Pure-bred", 0.9)}, t0)
		got := ApplyCandidateScoring(trail, Scoring{
			SelectedCode:        "0102",
			SelectedDescription: "Bovine animals",
			BestConfidence:      0.95,
			HasNode:             true,
		}, t1)

		assert.Equal(t, trail, got)
		assert.Equal(t, []string{"01", "0101", "0101.21"}, codes(got))
		require.NoError(t, Validate(got))
	})
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(nil))
	assert.NoError(t, Validate([]Decision{{Level: 1}, {Level: 0}}))
	assert.Error(t, Validate([]Decision{{Level: 0}, {Level: 0}}))
	assert.Error(t, Validate([]Decision{{Level: 0}, {Level: 2}}))
	assert.Error(t, Validate([]Decision{{Level: 1}}))
}

func TestTrailAndLast(t *testing.T) {
	trail := ApplyBeam(nil, []beam.Path{pathOf("01 - Live Animals > 0101 - Horses", 0.9)}, t0)

	assert.Equal(t, "01 Live Animals > 0101 Horses", Trail(trail))

	last, ok := Last(trail)
	require.True(t, ok)
	assert.Equal(t, "0101", last.Code)

	_, ok = Last(nil)
	assert.False(t, ok)
}

// randomPath builds a path over a tiny code space so successive beams
// frequently agree, diverge, extend and backtrack.
func randomPath(r *rand.Rand) string {
	depth := r.Intn(5)
	var segs []string
	code := fmt.Sprintf("%02d", 1+r.Intn(2))
	for i := 0; i < depth; i++ {
		if r.Intn(6) == 0 {
			segs = append(segs, "[GROUP] filler")
		}
		if r.Intn(8) == 0 {
			segs = append(segs, "no code here")
		}
		segs = append(segs, code+" - level "+fmt.Sprint(i))
		code = code + fmt.Sprint(1+r.Intn(2))
		if i >= 1 {
			code = code[:len(code)-1] + "." + code[len(code)-1:]
		}
	}
	return strings.Join(segs, " > ")
}

func TestApplySequence_InvariantsHold(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	var decisions []Decision
	for step := 0; step < 2000; step++ {
		ts := t0.Add(time.Duration(step) * time.Second)
		prev := decisions

		switch r.Intn(6) {
		case 0:
			decisions = ApplyChapterSelection(decisions, Chapter{Code: fmt.Sprintf("%02d", 1+r.Intn(3)), Confidence: r.Float64()}, ts)
		case 1:
			code := fmt.Sprintf("%02d%02d", 1+r.Intn(2), r.Intn(3))
			decisions = ApplyCandidateScoring(decisions, Scoring{SelectedCode: code, BestConfidence: 0.5 + r.Float64()/2, HasNode: true}, ts)
		default:
			n := r.Intn(4)
			paths := make([]beam.Path, n)
			for i := range paths {
				paths[i] = beam.Path{Position: i + 1, CurrentPath: randomPath(r), CumulativeConfidence: r.Float64()}
			}
			decisions = ApplyBeam(decisions, paths, ts)

			if n > 0 {
				target := ParseTopPathSegments(paths[0].CurrentPath)
				require.Len(t, decisions, len(target), "step %d", step)
				for _, d := range decisions {
					assert.Equal(t, target[d.Level].Code, d.Code, "step %d", step)
					for _, p := range prev {
						if p.Level == d.Level && p.Code == d.Code {
							assert.Equal(t, p, d, "unchanged code must keep its decision, step %d", step)
						}
					}
				}

				again := ApplyBeam(decisions, paths, ts.Add(time.Millisecond))
				assert.Equal(t, decisions, again, "replay must be a no-op, step %d", step)
			} else {
				assert.Equal(t, codes(prev), codes(decisions))
			}
		}

		require.NoError(t, Validate(decisions), "step %d", step)
	}
}
