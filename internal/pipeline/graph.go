package pipeline

import (
	"context"
	"fmt"

	"github.com/reelforge/backend/internal/models"
)

// Stage names. Fan-out normalize stages are normalize_0 .. normalize_{n-1}.
const (
	StageAudioSlice   = "audio_slice"
	StageBeats        = "beats"
	StagePlan         = "plan"
	StageCutAndConcat = "cut_and_concat"
	StageStyleGrade   = "style_grade"
	StageMux          = "mux"
	StageQualityGate  = "quality_gate"
)

// Artifact names each stage declares
const (
	ArtifactSlicedAudio  = "sliced_audio"
	ArtifactBeatPlan     = "beat_plan"
	ArtifactSegments     = "segments"
	ArtifactConcatenated = "concatenated"
	ArtifactGraded       = "graded"
	ArtifactMuxed        = "muxed"
)

// NormalizeStage returns the stage name for one clip's normalize pass
func NormalizeStage(i int) string {
	return fmt.Sprintf("normalize_%d", i)
}

// NormalizedArtifact returns the artifact name a normalize stage declares
func NormalizedArtifact(i int) string {
	return fmt.Sprintf("normalized_%d", i)
}

// InputClipArtifact returns the artifact name of the i-th uploaded clip
func InputClipArtifact(i int) string {
	return fmt.Sprintf("clip_%d", i)
}

// InputAudioArtifact is the artifact name of the uploaded audio track
const InputAudioArtifact = "audio"

// StageFunc is one stage body
type StageFunc func(ctx context.Context, sc *StageContext) error

// Stage is a node in the pipeline DAG
type Stage struct {
	Name    string
	Deps    []string
	Outputs []string
	Weight  int // share of the 0-100 progress range
	Step    string
	Run     StageFunc
}

// graph builds the DAG for a job. The shape is fixed; only the normalize
// fan-out width depends on the clip count.
func (e *Executor) graph(job *models.Job) []Stage {
	stages := []Stage{
		{
			Name:    StageAudioSlice,
			Outputs: []string{ArtifactSlicedAudio},
			Weight:  8,
			Step:    "slicing audio",
			Run:     e.runAudioSlice,
		},
		{
			Name:    StageBeats,
			Deps:    []string{StageAudioSlice},
			Outputs: []string{ArtifactBeatPlan},
			Weight:  12,
			Step:    "analyzing beats",
			Run:     e.runBeats,
		},
		{
			Name:    StagePlan,
			Deps:    []string{StageBeats},
			Outputs: []string{ArtifactSegments},
			Weight:  10,
			Step:    "planning cuts",
			Run:     e.runPlan,
		},
	}

	// normalize fans out per clip, gated only on audio_slice so it runs in
	// parallel with beats and plan
	const normalizeTotal = 30
	concatDeps := []string{StagePlan}
	for i := 0; i < job.ClipCount; i++ {
		w := normalizeTotal / job.ClipCount
		if i == job.ClipCount-1 {
			w = normalizeTotal - w*(job.ClipCount-1)
		}
		idx := i
		stages = append(stages, Stage{
			Name:    NormalizeStage(i),
			Deps:    []string{StageAudioSlice},
			Outputs: []string{NormalizedArtifact(i)},
			Weight:  w,
			Step:    "normalizing clips",
			Run: func(ctx context.Context, sc *StageContext) error {
				return e.runNormalize(ctx, sc, idx)
			},
		})
		concatDeps = append(concatDeps, NormalizeStage(i))
	}

	stages = append(stages,
		Stage{
			Name:    StageCutAndConcat,
			Deps:    concatDeps,
			Outputs: []string{ArtifactConcatenated},
			Weight:  20,
			Step:    "cutting to the beat",
			Run:     e.runCutAndConcat,
		},
		Stage{
			Name:    StageStyleGrade,
			Deps:    []string{StageCutAndConcat},
			Outputs: []string{ArtifactGraded},
			Weight:  10,
			Step:    "applying style",
			Run:     e.runStyleGrade,
		},
		Stage{
			Name:    StageMux,
			Deps:    []string{StageStyleGrade},
			Outputs: []string{ArtifactMuxed},
			Weight:  5,
			Step:    "muxing audio",
			Run:     e.runMux,
		},
		Stage{
			Name:   StageQualityGate,
			Deps:   []string{StageMux},
			Weight: 5,
			Step:   "final checks",
			Run:    e.runQualityGate,
		},
	)

	return stages
}
