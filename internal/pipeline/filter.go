package pipeline

import (
	"fmt"
	"strings"

	"github.com/reelforge/backend/internal/plan"
	"github.com/reelforge/backend/internal/style"
)

// frameSec is one frame at the output rate; the floor for xfade durations
const frameSec = 1.0 / 30.0

// xfadeName maps transition kinds onto ffmpeg xfade transitions
func xfadeName(kind style.TransitionKind) string {
	switch kind {
	case style.FadeBlack:
		return "fadeblack"
	default:
		return "fade"
	}
}

// buildConcatFilter renders the filter_complex that assembles the output
// track from the normalized clips, one filter input per segment in index
// order. Each normalized clip arrives at length windowLen/n and is retimed
// to its snapped segment duration (plus the transition overlap when the
// boundary crossfades), so the assembled track lands on exactly windowLen.
//
// The caller maps the returned "[vout]" label.
func buildConcatFilter(segments []plan.Segment) (string, error) {
	n := len(segments)
	if n == 0 {
		return "", fmt.Errorf("no segments to concatenate")
	}

	windowLen := segments[n-1].TargetOutSec
	normLen := windowLen / float64(n)

	// Per-segment durations and outgoing transition seconds
	durs := make([]float64, n)
	trans := make([]float64, n)
	kinds := make([]style.TransitionKind, n)
	prev := 0.0
	allHard := true
	for i, s := range segments {
		durs[i] = s.TargetOutSec - prev
		prev = s.TargetOutSec
		if s.TransitionOut != nil && i < n-1 {
			trans[i] = float64(s.TransitionOut.DurationMs) / 1000
			kinds[i] = s.TransitionOut.Kind
			if s.TransitionOut.Kind != style.HardCut && trans[i] > 0 {
				allHard = false
			}
		}
	}

	var b strings.Builder

	// Retime each normalized clip. With crossfades a clip also covers its
	// outgoing overlap, which is what keeps the xfade chain summing back to
	// the full window length.
	for i := range segments {
		target := durs[i]
		if !allHard {
			target += effectiveTransition(kinds[i], trans[i], i, n)
		}
		ratio := target / normLen
		fmt.Fprintf(&b, "[%d:v]setpts=PTS*%.6f,fps=30,format=yuv420p[v%d];", i, ratio, i)
	}

	if allHard {
		for i := range segments {
			fmt.Fprintf(&b, "[v%d]", i)
		}
		fmt.Fprintf(&b, "concat=n=%d:v=1:a=0[vout]", n)
		return b.String(), nil
	}

	// Mixed or soft transitions: chain xfades. Hard cuts inside the chain
	// become one-frame fades, which is visually indistinguishable at 30fps.
	prevLabel := "v0"
	offset := 0.0
	for i := 1; i < n; i++ {
		offset += durs[i-1]
		d := effectiveTransition(kinds[i-1], trans[i-1], i-1, n)
		label := fmt.Sprintf("x%d", i)
		if i == n-1 {
			label = "vout"
		}
		fmt.Fprintf(&b, "[%s][v%d]xfade=transition=%s:duration=%.6f:offset=%.6f[%s];",
			prevLabel, i, xfadeName(kinds[i-1]), d, offset, label)
		prevLabel = label
	}

	filter := b.String()
	return strings.TrimSuffix(filter, ";"), nil
}

// effectiveTransition returns the overlap seconds a boundary consumes in an
// xfade chain. The final segment has no outgoing boundary.
func effectiveTransition(kind style.TransitionKind, sec float64, i, n int) float64 {
	if i >= n-1 {
		return 0
	}
	if sec < frameSec {
		return frameSec
	}
	return sec
}
