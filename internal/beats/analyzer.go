// Package beats detects beat times, tempo, and scored cut candidates in an
// audio slice. Decoding goes through the tool invoker (ffmpeg to mono WAV);
// the detection itself is plain Go over PCM samples.
package beats

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/google/uuid"
	apperrors "github.com/reelforge/backend/internal/errors"
	"github.com/reelforge/backend/internal/invoker"
	"go.uber.org/zap"
)

// analysisSampleRate is what the slice is decoded to before detection.
// 22.05 kHz keeps the envelope cheap without hurting onset resolution.
const analysisSampleRate = 22050

// DefaultMinSpacingSec is the minimum distance between two cut candidates
const DefaultMinSpacingSec = 0.8

// Analyzer produces BeatPlans from audio files
type Analyzer struct {
	inv        *invoker.Invoker
	scratchDir string
	minSpacing float64
	logger     *zap.Logger
}

// NewAnalyzer creates a beat analyzer
func NewAnalyzer(inv *invoker.Invoker, scratchDir string, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		inv:        inv,
		scratchDir: scratchDir,
		minSpacing: DefaultMinSpacingSec,
		logger:     logger,
	}
}

// Analyze reads an audio slice and returns its beat plan. Failures are
// classified ANALYSIS_FAILED, which is fatal for the job.
func (a *Analyzer) Analyze(ctx context.Context, audioPath string, windowLen float64) (*BeatPlan, error) {
	samples, err := a.decode(ctx, audioPath)
	if err != nil {
		return nil, apperrors.AnalysisFailed("beats", err.Error())
	}

	plan, err := analyzeSamples(samples, analysisSampleRate, windowLen, a.minSpacing)
	if err != nil {
		return nil, apperrors.AnalysisFailed("beats", err.Error())
	}
	if err := plan.Validate(windowLen); err != nil {
		return nil, apperrors.AnalysisFailed("beats", err.Error())
	}

	a.logger.Debug("Beat analysis completed",
		zap.Float64("tempo_bpm", plan.TempoBPM),
		zap.Int("beats", len(plan.Beats)),
		zap.Int("candidates", len(plan.CutCandidates)),
	)
	return plan, nil
}

// decode converts the slice to mono 16-bit WAV at the analysis rate and
// parses the samples into floats in [-1, 1].
func (a *Analyzer) decode(ctx context.Context, audioPath string) ([]float64, error) {
	if err := os.MkdirAll(a.scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("scratch dir: %w", err)
	}
	wavPath := filepath.Join(a.scratchDir, uuid.New().String()+"_analysis.wav")
	defer os.Remove(wavPath)

	res, err := a.inv.Run(ctx, invoker.Request{
		Argv: []string{
			"ffmpeg",
			"-i", audioPath,
			"-ac", "1",
			"-ar", fmt.Sprintf("%d", analysisSampleRate),
			"-acodec", "pcm_s16le",
			"-y",
			wavPath,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("audio decode failed: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("audio decode failed: %s", res.StderrTail)
	}

	f, err := os.Open(wavPath)
	if err != nil {
		return nil, fmt.Errorf("open decoded audio: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, fmt.Errorf("decoded audio is not a valid WAV file")
	}

	var buf *audio.IntBuffer
	buf, err = dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("read PCM samples: %w", err)
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("decoded audio is empty")
	}

	floatBuf := buf.AsFloatBuffer()
	samples := make([]float64, len(floatBuf.Data))
	scale := 1.0 / 32768.0
	for i, v := range floatBuf.Data {
		samples[i] = v * scale
	}
	return samples, nil
}
