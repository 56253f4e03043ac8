// Package plan turns a beat plan into the segment list the concat stage
// renders. Planning is pure and deterministic: the same beat plan, clip
// count, and style always produce byte-identical segments.
package plan

import (
	"fmt"
	"math"

	"github.com/reelforge/backend/internal/beats"
	apperrors "github.com/reelforge/backend/internal/errors"
	"github.com/reelforge/backend/internal/style"
)

// Segment is one output-timeline interval sourced from one normalized clip
type Segment struct {
	Index              int               `json:"index"`
	SourceArtifactName string            `json:"source_artifact_name"`
	SourceInSec        float64           `json:"source_in_sec"`
	SourceOutSec       float64           `json:"source_out_sec"`
	TargetOutSec       float64           `json:"target_out_sec"`
	TransitionOut      *style.Transition `json:"transition_out,omitempty"`
}

// Duration returns the segment's length on the output timeline
func (s Segment) Duration(prevTargetOut float64) float64 {
	return s.TargetOutSec - prevTargetOut
}

// Planner produces segment lists for a fixed output window
type Planner struct {
	windowLen float64
}

// NewPlanner creates a planner for the given output length in seconds
func NewPlanner(windowLen float64) *Planner {
	return &Planner{windowLen: windowLen}
}

// Plan computes snapped segment boundaries and transition descriptors.
//
// Each ideal boundary at k*L snaps to the best cut candidate within ±L/4,
// then to the nearest beat within ±L/2, then stays at the ideal time.
// Candidates are already sorted by descending score with earlier-time
// tie-breaks, so the scan below is deterministic.
func (p *Planner) Plan(bp *beats.BeatPlan, clipCount int, preset style.Preset) ([]Segment, error) {
	if clipCount < 1 {
		return nil, apperrors.PlanInfeasible(fmt.Sprintf("clip count %d is not positive", clipCount))
	}
	if bp == nil || len(bp.Beats) == 0 {
		return nil, apperrors.PlanInfeasible("beat plan has no beats")
	}
	if p.windowLen <= 0 {
		return nil, apperrors.PlanInfeasible("output window length is not positive")
	}

	segLen := p.windowLen / float64(clipCount)

	// Snapped boundary times between segments; boundaries[i] ends segment i
	boundaries := make([]float64, clipCount)
	prev := 0.0
	for i := 0; i < clipCount-1; i++ {
		ideal := float64(i+1) * segLen
		t := p.snapBoundary(bp, ideal, segLen)
		if t <= prev {
			// Snapping collapsed the segment; fall back to the ideal time
			t = ideal
		}
		boundaries[i] = t
		prev = t
	}
	// The final boundary is the window end, always
	boundaries[clipCount-1] = p.windowLen

	segments := make([]Segment, clipCount)
	segStart := 0.0
	for i := 0; i < clipCount; i++ {
		dur := boundaries[i] - segStart
		if dur <= 0 {
			return nil, apperrors.PlanInfeasible(fmt.Sprintf("segment %d has non-positive duration", i))
		}
		segments[i] = Segment{
			Index:              i,
			SourceArtifactName: fmt.Sprintf("normalized_%d", i),
			SourceInSec:        0,
			SourceOutSec:       dur,
			TargetOutSec:       boundaries[i],
			TransitionOut:      p.transitionFor(i, clipCount, segStart, boundaries, preset),
		}
		segStart = boundaries[i]
	}

	return segments, nil
}

// snapBoundary applies the snapping ladder for one ideal boundary time
func (p *Planner) snapBoundary(bp *beats.BeatPlan, ideal, segLen float64) float64 {
	// Best-scored candidate within ±L/4
	candidateWindow := segLen / 4
	for _, c := range bp.CutCandidates {
		if math.Abs(c.TimeSec-ideal) <= candidateWindow {
			return c.TimeSec
		}
	}

	// Nearest beat within ±L/2
	beatWindow := segLen / 2
	bestBeat, bestDist := 0.0, math.Inf(1)
	for _, b := range bp.Beats {
		d := math.Abs(b - ideal)
		if d < bestDist {
			bestBeat, bestDist = b, d
		}
	}
	if bestDist <= beatWindow {
		return bestBeat
	}

	return ideal
}

// transitionFor returns the boundary transition leaving segment i. The last
// segment always ends on a hard cut at the window edge. Crossfade durations
// are capped at half the shorter adjacent segment.
func (p *Planner) transitionFor(i, clipCount int, segStart float64, boundaries []float64, preset style.Preset) *style.Transition {
	if i == clipCount-1 {
		return &style.Transition{Kind: style.HardCut, DurationMs: 0}
	}

	t := preset.DefaultTransition
	if t.Kind == style.HardCut {
		t.DurationMs = 0
		return &t
	}

	leftDur := boundaries[i] - segStart
	rightDur := boundaries[i+1] - boundaries[i]

	capSec := math.Min(leftDur, rightDur) / 2
	capMs := int(capSec * 1000)
	if t.DurationMs > capMs {
		t.DurationMs = capMs
	}
	if t.DurationMs < 0 {
		t.DurationMs = 0
	}
	return &t
}

// Validate checks a segment list against the plan invariants: index order,
// contiguity, full window coverage, and the crossfade duration cap.
func Validate(segments []Segment, windowLen float64) error {
	if len(segments) == 0 {
		return fmt.Errorf("plan: empty segment list")
	}
	prevEnd := 0.0
	for i, s := range segments {
		if s.Index != i {
			return fmt.Errorf("plan: segment %d has index %d", i, s.Index)
		}
		dur := s.TargetOutSec - prevEnd
		if dur <= 0 {
			return fmt.Errorf("plan: segment %d is empty or overlaps", i)
		}
		if s.TransitionOut != nil && i < len(segments)-1 {
			nextDur := segments[i+1].TargetOutSec - s.TargetOutSec
			maxSec := math.Min(dur, nextDur) / 2
			if float64(s.TransitionOut.DurationMs)/1000 > maxSec+1e-9 {
				return fmt.Errorf("plan: transition after segment %d exceeds the duration cap", i)
			}
		}
		prevEnd = s.TargetOutSec
	}
	if math.Abs(prevEnd-windowLen) > 1e-6 {
		return fmt.Errorf("plan: segments cover %.3fs, want %.3fs", prevEnd, windowLen)
	}
	return nil
}
