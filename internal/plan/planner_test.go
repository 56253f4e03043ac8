package plan

import (
	"encoding/json"
	"testing"

	"github.com/reelforge/backend/internal/beats"
	"github.com/reelforge/backend/internal/style"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// evenBeatPlan builds a beat grid at the given period with flat candidate
// scores, covering [0, 30].
func evenBeatPlan(periodSec float64) *beats.BeatPlan {
	bp := &beats.BeatPlan{TempoBPM: 60 / periodSec}
	for t := 0.0; t <= 30.0; t += periodSec {
		bp.Beats = append(bp.Beats, t)
		bp.CutCandidates = append(bp.CutCandidates, beats.CutCandidate{TimeSec: t, Score: 0.5})
	}
	return bp
}

func mustPreset(t *testing.T, name string) style.Preset {
	t.Helper()
	p, ok := style.Lookup(name)
	require.True(t, ok)
	return p
}

func TestPlanThreeClipsHardCuts(t *testing.T) {
	p := NewPlanner(30)
	bp := evenBeatPlan(0.5) // 120 BPM

	segments, err := p.Plan(bp, 3, mustPreset(t, "energetic_dance"))
	require.NoError(t, err)
	require.Len(t, segments, 3)

	// Boundaries snap within ±L/4 of the 10s/20s ideals
	assert.InDelta(t, 10.0, segments[0].TargetOutSec, 2.5)
	assert.InDelta(t, 20.0, segments[1].TargetOutSec, 2.5)
	assert.Equal(t, 30.0, segments[2].TargetOutSec)

	// energetic_dance cuts hard at every boundary
	for _, s := range segments {
		require.NotNil(t, s.TransitionOut)
		assert.Equal(t, style.HardCut, s.TransitionOut.Kind)
		assert.Equal(t, 0, s.TransitionOut.DurationMs)
	}

	require.NoError(t, Validate(segments, 30))
}

func TestPlanSingleClip(t *testing.T) {
	p := NewPlanner(30)
	segments, err := p.Plan(evenBeatPlan(0.5), 1, mustPreset(t, "cinematic_drama"))
	require.NoError(t, err)
	require.Len(t, segments, 1)

	assert.Equal(t, 0, segments[0].Index)
	assert.Equal(t, 30.0, segments[0].TargetOutSec)
	// A single segment has no internal boundary, just the closing hard cut
	require.NotNil(t, segments[0].TransitionOut)
	assert.Equal(t, style.HardCut, segments[0].TransitionOut.Kind)

	require.NoError(t, Validate(segments, 30))
}

func TestPlanIsDeterministic(t *testing.T) {
	p := NewPlanner(30)
	bp := evenBeatPlan(0.73)

	first, err := p.Plan(bp, 4, mustPreset(t, "luxe_travel"))
	require.NoError(t, err)
	second, err := p.Plan(bp, 4, mustPreset(t, "luxe_travel"))
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, a, b, "re-planning identical inputs must be byte-identical")
}

func TestPlanSnapsToHighestScoredCandidate(t *testing.T) {
	p := NewPlanner(30)
	bp := &beats.BeatPlan{
		TempoBPM: 120,
		Beats:    []float64{0, 8.0, 14.2, 15.8, 16.4, 24.0, 30.0},
		// Sorted by descending score; 15.8 outscores 14.2 inside the ±L/4
		// window around the 15s ideal
		CutCandidates: []beats.CutCandidate{
			{TimeSec: 15.8, Score: 0.9},
			{TimeSec: 14.2, Score: 0.6},
			{TimeSec: 8.0, Score: 0.3},
		},
	}

	segments, err := p.Plan(bp, 2, mustPreset(t, "energetic_dance"))
	require.NoError(t, err)
	require.Len(t, segments, 2)
	assert.Equal(t, 15.8, segments[0].TargetOutSec)
}

func TestPlanFallsBackToNearestBeat(t *testing.T) {
	p := NewPlanner(30)
	bp := &beats.BeatPlan{
		TempoBPM: 120,
		// No candidate near the 15s ideal, but a beat at 13.0 sits inside
		// the ±L/2 fallback window
		Beats:         []float64{0, 5.0, 13.0, 27.0},
		CutCandidates: []beats.CutCandidate{{TimeSec: 5.0, Score: 0.9}},
	}

	segments, err := p.Plan(bp, 2, mustPreset(t, "energetic_dance"))
	require.NoError(t, err)
	assert.Equal(t, 13.0, segments[0].TargetOutSec)
}

func TestPlanFallsBackToIdealTime(t *testing.T) {
	p := NewPlanner(30)
	bp := &beats.BeatPlan{
		TempoBPM: 120,
		// Nothing within ±L/2 of the 15s ideal
		Beats:         []float64{0, 1.0, 29.0},
		CutCandidates: []beats.CutCandidate{{TimeSec: 1.0, Score: 0.9}},
	}

	segments, err := p.Plan(bp, 2, mustPreset(t, "energetic_dance"))
	require.NoError(t, err)
	assert.Equal(t, 15.0, segments[0].TargetOutSec)
}

func TestPlanCapsCrossfadeDuration(t *testing.T) {
	p := NewPlanner(30)
	// 10 clips → 3s segments; cinematic_drama wants 500ms crossfades, the
	// cap is min(3,3)/2 = 1.5s so 500ms passes untouched. Squeeze harder:
	// 30 clips → 1s segments → cap 500ms; the first boundary snaps to 0.75s,
	// which caps that crossfade at 375ms.
	bp := evenBeatPlan(0.25)

	segments, err := p.Plan(bp, 30, mustPreset(t, "cinematic_drama"))
	require.NoError(t, err)
	require.NoError(t, Validate(segments, 30))

	for i, s := range segments[:len(segments)-1] {
		require.NotNil(t, s.TransitionOut, "segment %d", i)
		prev := 0.0
		if i > 0 {
			prev = segments[i-1].TargetOutSec
		}
		left := s.TargetOutSec - prev
		right := segments[i+1].TargetOutSec - s.TargetOutSec
		maxMs := int(minFloat(left, right) / 2 * 1000)
		assert.LessOrEqual(t, s.TransitionOut.DurationMs, maxMs+1, "segment %d crossfade exceeds cap", i)
	}
}

func TestPlanRejectsZeroClips(t *testing.T) {
	p := NewPlanner(30)
	_, err := p.Plan(evenBeatPlan(0.5), 0, mustPreset(t, "energetic_dance"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PLAN_INFEASIBLE")
}

func TestPlanRejectsEmptyBeatPlan(t *testing.T) {
	p := NewPlanner(30)
	_, err := p.Plan(&beats.BeatPlan{TempoBPM: 120}, 2, mustPreset(t, "energetic_dance"))
	require.Error(t, err)
}

func TestValidateCatchesGaps(t *testing.T) {
	segments := []Segment{
		{Index: 0, SourceArtifactName: "normalized_0", SourceOutSec: 10, TargetOutSec: 10},
		{Index: 1, SourceArtifactName: "normalized_1", SourceOutSec: 15, TargetOutSec: 25},
	}
	err := Validate(segments, 30)
	require.Error(t, err)
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
