package beats

import (
	"fmt"
	"math"
	"sort"
)

// Analysis parameters. The hop gives ~12 ms resolution at 22.05 kHz, which
// is well under the minimum candidate spacing.
const (
	frameSize = 1024
	hopSize   = 256

	minBPM = 60.0
	maxBPM = 180.0

	// beatsPerBar infers downbeats from the tempo grid
	beatsPerBar = 4

	// downbeatBonus is added to a candidate's salience on bar boundaries
	downbeatBonus = 0.25
)

// analyzeSamples runs the full detection chain on mono PCM samples.
// It is deterministic: identical samples produce an identical plan.
func analyzeSamples(samples []float64, sampleRate int, windowLen, minSpacingSec float64) (*BeatPlan, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	// Need at least two seconds of audio to say anything about tempo
	if float64(len(samples))/float64(sampleRate) < 2.0 {
		return nil, fmt.Errorf("audio too short for beat analysis: %d samples", len(samples))
	}

	envelope := onsetEnvelope(samples)
	if len(envelope) == 0 {
		return nil, fmt.Errorf("audio produced an empty onset envelope")
	}

	secPerFrame := float64(hopSize) / float64(sampleRate)

	lag, ok := bestTempoLag(envelope, secPerFrame)
	if !ok {
		return nil, fmt.Errorf("no periodicity found in onset envelope")
	}
	tempo := 60.0 / (float64(lag) * secPerFrame)

	beatFrames := beatGrid(envelope, lag)
	if len(beatFrames) == 0 {
		return nil, fmt.Errorf("no beats found")
	}

	beats := make([]float64, 0, len(beatFrames))
	for _, f := range beatFrames {
		t := float64(f) * secPerFrame
		if t < 0 || t > windowLen {
			continue
		}
		// Snapping can land two grid points on the same frame; keep one
		if len(beats) > 0 && t <= beats[len(beats)-1] {
			continue
		}
		beats = append(beats, t)
	}
	if len(beats) == 0 {
		return nil, fmt.Errorf("all beats fell outside the window")
	}

	candidates := scoreCandidates(envelope, beatFrames, beats, secPerFrame, minSpacingSec)

	return &BeatPlan{
		TempoBPM:      tempo,
		Beats:         beats,
		CutCandidates: candidates,
	}, nil
}

// onsetEnvelope computes a rectified log-energy flux per frame, normalized
// to [0,1].
func onsetEnvelope(samples []float64) []float64 {
	if len(samples) < frameSize {
		return nil
	}
	numFrames := 1 + (len(samples)-frameSize)/hopSize

	logEnergy := make([]float64, numFrames)
	for i := 0; i < numFrames; i++ {
		start := i * hopSize
		sum := 0.0
		for _, s := range samples[start : start+frameSize] {
			sum += s * s
		}
		logEnergy[i] = math.Log(1e-10 + sum)
	}

	envelope := make([]float64, numFrames)
	maxVal := 0.0
	for i := 1; i < numFrames; i++ {
		d := logEnergy[i] - logEnergy[i-1]
		if d > 0 {
			envelope[i] = d
			if d > maxVal {
				maxVal = d
			}
		}
	}
	if maxVal > 0 {
		for i := range envelope {
			envelope[i] /= maxVal
		}
	}
	return envelope
}

// bestTempoLag autocorrelates the envelope over the musically plausible lag
// range and returns the winning lag in frames. A half-weight term at the
// doubled lag rewards lags whose harmonics also line up, which biases the
// pick away from half/double-tempo confusion.
func bestTempoLag(envelope []float64, secPerFrame float64) (int, bool) {
	minLag := int(math.Floor((60.0 / maxBPM) / secPerFrame))
	maxLag := int(math.Ceil((60.0 / minBPM) / secPerFrame))
	if minLag < 1 {
		minLag = 1
	}
	if maxLag >= len(envelope) {
		maxLag = len(envelope) - 1
	}
	if maxLag < minLag {
		return 0, false
	}

	bestLag, bestScore := 0, 0.0
	for lag := minLag; lag <= maxLag; lag++ {
		score := 0.0
		for i := lag; i < len(envelope); i++ {
			score += envelope[i] * envelope[i-lag]
		}
		if lag*2 < len(envelope) {
			harmonic := 0.0
			for i := lag * 2; i < len(envelope); i++ {
				harmonic += envelope[i] * envelope[i-lag*2]
			}
			score += 0.5 * harmonic
		}
		if score > bestScore {
			bestScore = score
			bestLag = lag
		}
	}
	if bestLag == 0 || bestScore == 0 {
		return 0, false
	}
	return bestLag, true
}

// beatGrid places beats one period apart at the phase that best matches the
// envelope, then snaps each beat to the strongest onset nearby.
func beatGrid(envelope []float64, period int) []int {
	bestPhase, bestScore := 0, -1.0
	for phase := 0; phase < period; phase++ {
		score := 0.0
		for i := phase; i < len(envelope); i += period {
			score += envelope[i]
		}
		if score > bestScore {
			bestScore = score
			bestPhase = phase
		}
	}

	snapRadius := period / 8
	frames := make([]int, 0, len(envelope)/period+1)
	for f := bestPhase; f < len(envelope); f += period {
		frames = append(frames, snapToLocalMax(envelope, f, snapRadius))
	}
	return frames
}

// snapToLocalMax moves a frame to the strongest envelope value within the
// radius. Ties keep the earliest frame so the result is deterministic.
func snapToLocalMax(envelope []float64, center, radius int) int {
	lo := center - radius
	if lo < 0 {
		lo = 0
	}
	hi := center + radius
	if hi >= len(envelope) {
		hi = len(envelope) - 1
	}
	best, bestVal := center, envelope[center]
	for f := lo; f <= hi; f++ {
		if envelope[f] > bestVal {
			best, bestVal = f, envelope[f]
		}
	}
	return best
}

// scoreCandidates assigns a salience to each beat and suppresses candidates
// crowding a higher-scored neighbour.
func scoreCandidates(envelope []float64, beatFrames []int, beats []float64, secPerFrame, minSpacingSec float64) []CutCandidate {
	// Bar phase: the offset whose every-4th beats carry the most onset mass
	bestBar, bestBarScore := 0, -1.0
	for bar := 0; bar < beatsPerBar && bar < len(beatFrames); bar++ {
		score := 0.0
		for i := bar; i < len(beatFrames); i += beatsPerBar {
			score += envelope[beatFrames[i]]
		}
		if score > bestBarScore {
			bestBarScore = score
			bestBar = bar
		}
	}

	scored := make([]CutCandidate, 0, len(beats))
	beatIdx := 0
	for i, t := range beats {
		// beats was filtered against the window; walk beatFrames in step
		for beatIdx < len(beatFrames) && float64(beatFrames[beatIdx])*secPerFrame < t-1e-9 {
			beatIdx++
		}
		frame := beatFrames[min(beatIdx, len(beatFrames)-1)]

		score := envelope[frame]
		if (i-bestBar)%beatsPerBar == 0 && i >= bestBar {
			score += downbeatBonus
		}
		if score > 1 {
			score = 1
		}
		scored = append(scored, CutCandidate{TimeSec: t, Score: score})
	}

	// Sort by descending score, ties broken by earlier time
	sort.SliceStable(scored, func(a, b int) bool {
		if scored[a].Score != scored[b].Score {
			return scored[a].Score > scored[b].Score
		}
		return scored[a].TimeSec < scored[b].TimeSec
	})

	// Greedy suppression: drop a candidate sitting within minSpacing of an
	// already-kept, higher-or-equal-scored one
	kept := make([]CutCandidate, 0, len(scored))
	for _, c := range scored {
		tooClose := false
		for _, k := range kept {
			if math.Abs(k.TimeSec-c.TimeSec) < minSpacingSec {
				tooClose = true
				break
			}
		}
		if !tooClose {
			kept = append(kept, c)
		}
	}
	return kept
}
