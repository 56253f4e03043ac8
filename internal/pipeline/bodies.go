package pipeline

import (
	"context"
	"fmt"
	"math"

	"github.com/reelforge/backend/internal/beats"
	apperrors "github.com/reelforge/backend/internal/errors"
	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/plan"
	"github.com/reelforge/backend/internal/style"
)

// Output container contract
const (
	outputWidth  = 1080
	outputHeight = 1920
	outputFPS    = 30

	// quality gate tolerance on the container duration
	durationToleranceSec = 0.5
)

// scaleAndPad letterboxes any aspect ratio into the vertical frame
var scaleAndPad = fmt.Sprintf(
	"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black",
	outputWidth, outputHeight, outputWidth, outputHeight)

// runAudioSlice cuts the requested window out of the uploaded audio and
// re-encodes it to a uniform codec. The window-inside-audio check the job
// service defers lands here, on the first probe of the real file.
func (e *Executor) runAudioSlice(ctx context.Context, sc *StageContext) error {
	in, err := sc.Input(ctx, models.StageInput, InputAudioArtifact)
	if err != nil {
		return err
	}

	probe, err := probeFile(ctx, in)
	if err != nil {
		return apperrors.FatalTool(sc.Stage, err.Error())
	}
	audioDur, err := probe.DurationSec()
	if err != nil {
		return apperrors.FatalTool(sc.Stage, err.Error())
	}
	if sc.Job.WindowEndSec > audioDur+0.05 {
		return apperrors.InvalidInput(fmt.Sprintf(
			"audio window [%.1f, %.1f] exceeds audio duration %.1fs",
			sc.Job.WindowStartSec, sc.Job.WindowEndSec, audioDur))
	}

	out := sc.OutputPath("sliced_audio.m4a")
	if err := sc.RunTool(ctx,
		"ffmpeg",
		"-ss", fmt.Sprintf("%.3f", sc.Job.WindowStartSec),
		"-t", fmt.Sprintf("%.3f", sc.Job.WindowLength()),
		"-i", in,
		"-vn",
		"-ac", "2",
		"-ar", "44100",
		"-c:a", "aac",
		"-b:a", "192k",
		"-y",
		out,
	); err != nil {
		return err
	}

	_, err = sc.PutFile(ctx, ArtifactSlicedAudio, models.ContentAudio, out)
	return err
}

// runBeats produces the beat plan for the sliced audio
func (e *Executor) runBeats(ctx context.Context, sc *StageContext) error {
	in, err := sc.Input(ctx, StageAudioSlice, ArtifactSlicedAudio)
	if err != nil {
		return err
	}

	bp, err := e.analyzer.Analyze(ctx, in, sc.Job.WindowLength())
	if err != nil {
		return err
	}

	_, err = sc.PutJSON(ctx, ArtifactBeatPlan, bp)
	return err
}

// runPlan turns the beat plan into the segment list
func (e *Executor) runPlan(ctx context.Context, sc *StageContext) error {
	var bp beats.BeatPlan
	if err := sc.InputJSON(ctx, StageBeats, ArtifactBeatPlan, &bp); err != nil {
		return err
	}

	preset, ok := style.Lookup(sc.Job.Style)
	if !ok {
		// Styles are validated at Create; reaching this means the row was
		// edited out from under us
		return apperrors.PlanInfeasible(fmt.Sprintf("unknown style %q", sc.Job.Style))
	}

	segments, err := e.planner.Plan(&bp, sc.Job.ClipCount, preset)
	if err != nil {
		return err
	}
	if err := plan.Validate(segments, sc.Job.WindowLength()); err != nil {
		return apperrors.PlanInfeasible(err.Error())
	}

	_, err = sc.PutJSON(ctx, ArtifactSegments, segments)
	return err
}

// runNormalize resizes one clip to the target frame and stretches or trims
// it to its even share of the output timeline. Images become still clips.
func (e *Executor) runNormalize(ctx context.Context, sc *StageContext, idx int) error {
	clipName := InputClipArtifact(idx)
	a, err := sc.Artifact(ctx, models.StageInput, clipName)
	if err != nil {
		return err
	}
	in, err := sc.Input(ctx, models.StageInput, clipName)
	if err != nil {
		return err
	}

	targetDur := sc.Job.WindowLength() / float64(sc.Job.ClipCount)
	out := sc.OutputPath(fmt.Sprintf("normalized_%d.mp4", idx))

	var argv []string
	if a.ContentKind == models.ContentImage {
		argv = []string{
			"ffmpeg",
			"-loop", "1",
			"-t", fmt.Sprintf("%.3f", targetDur),
			"-i", in,
			"-vf", fmt.Sprintf("%s,fps=%d,format=yuv420p", scaleAndPad, outputFPS),
			"-c:v", "libx264",
			"-profile:v", "main",
			"-an",
			"-y",
			out,
		}
	} else {
		probe, err := probeFile(ctx, in)
		if err != nil {
			return apperrors.FatalTool(sc.Stage, err.Error())
		}
		clipDur, err := probe.DurationSec()
		if err != nil || clipDur <= 0 {
			return apperrors.FatalTool(sc.Stage, fmt.Sprintf("clip %d has no readable duration", idx))
		}
		ratio := targetDur / clipDur
		argv = []string{
			"ffmpeg",
			"-i", in,
			"-vf", fmt.Sprintf("%s,setpts=PTS*%.6f,fps=%d,format=yuv420p", scaleAndPad, ratio, outputFPS),
			"-t", fmt.Sprintf("%.3f", targetDur),
			"-c:v", "libx264",
			"-profile:v", "main",
			"-an",
			"-y",
			out,
		}
	}

	if err := sc.RunTool(ctx, argv...); err != nil {
		return err
	}

	_, err = sc.PutFile(ctx, NormalizedArtifact(idx), models.ContentVideo, out)
	return err
}

// runCutAndConcat assembles the normalized clips into one silent track
// following the segment plan's boundaries and transitions.
func (e *Executor) runCutAndConcat(ctx context.Context, sc *StageContext) error {
	var segments []plan.Segment
	if err := sc.InputJSON(ctx, StagePlan, ArtifactSegments, &segments); err != nil {
		return err
	}

	argv := []string{"ffmpeg"}
	for i := range segments {
		in, err := sc.Input(ctx, NormalizeStage(i), NormalizedArtifact(i))
		if err != nil {
			return err
		}
		argv = append(argv, "-i", in)
	}

	filter, err := buildConcatFilter(segments)
	if err != nil {
		return apperrors.FatalTool(sc.Stage, err.Error())
	}

	out := sc.OutputPath("concatenated.mp4")
	argv = append(argv,
		"-filter_complex", filter,
		"-map", "[vout]",
		"-r", fmt.Sprintf("%d", outputFPS),
		"-c:v", "libx264",
		"-profile:v", "main",
		"-pix_fmt", "yuv420p",
		"-an",
		"-y",
		out,
	)
	if err := sc.RunTool(ctx, argv...); err != nil {
		return err
	}

	_, err = sc.PutFile(ctx, ArtifactConcatenated, models.ContentVideo, out)
	return err
}

// runStyleGrade applies the preset's color grade
func (e *Executor) runStyleGrade(ctx context.Context, sc *StageContext) error {
	in, err := sc.Input(ctx, StageCutAndConcat, ArtifactConcatenated)
	if err != nil {
		return err
	}

	preset, ok := style.Lookup(sc.Job.Style)
	if !ok {
		return apperrors.PlanInfeasible(fmt.Sprintf("unknown style %q", sc.Job.Style))
	}

	out := sc.OutputPath("graded.mp4")
	if err := sc.RunTool(ctx,
		"ffmpeg",
		"-i", in,
		"-vf", preset.Grade.FilterChain(),
		"-c:v", "libx264",
		"-profile:v", "main",
		"-pix_fmt", "yuv420p",
		"-an",
		"-y",
		out,
	); err != nil {
		return err
	}

	_, err = sc.PutFile(ctx, ArtifactGraded, models.ContentVideo, out)
	return err
}

// runMux combines the graded video with the sliced audio into the final
// container.
func (e *Executor) runMux(ctx context.Context, sc *StageContext) error {
	video, err := sc.Input(ctx, StageStyleGrade, ArtifactGraded)
	if err != nil {
		return err
	}
	audio, err := sc.Input(ctx, StageAudioSlice, ArtifactSlicedAudio)
	if err != nil {
		return err
	}

	out := sc.OutputPath("muxed.mp4")
	if err := sc.RunTool(ctx,
		"ffmpeg",
		"-i", video,
		"-i", audio,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-movflags", "+faststart",
		"-shortest",
		"-y",
		out,
	); err != nil {
		return err
	}

	_, err = sc.PutFile(ctx, ArtifactMuxed, models.ContentVideo, out)
	return err
}

// runQualityGate verifies the muxed output against the container contract:
// duration, resolution, one stream of each type, and a clean full decode.
func (e *Executor) runQualityGate(ctx context.Context, sc *StageContext) error {
	in, err := sc.Input(ctx, StageMux, ArtifactMuxed)
	if err != nil {
		return err
	}

	probe, err := probeFile(ctx, in)
	if err != nil {
		return apperrors.QualityGateFailed(err.Error())
	}

	dur, err := probe.DurationSec()
	if err != nil {
		return apperrors.QualityGateFailed(err.Error())
	}
	want := sc.Job.WindowLength()
	if math.Abs(dur-want) > durationToleranceSec {
		return apperrors.QualityGateFailed(fmt.Sprintf(
			"container duration %.2fs outside %.1fs ± %.1fs", dur, want, durationToleranceSec))
	}

	if n := probe.countStreams("video"); n != 1 {
		return apperrors.QualityGateFailed(fmt.Sprintf("expected 1 video stream, found %d", n))
	}
	if n := probe.countStreams("audio"); n != 1 {
		return apperrors.QualityGateFailed(fmt.Sprintf("expected 1 audio stream, found %d", n))
	}

	v, _ := probe.firstStream("video")
	if v.Width != outputWidth || v.Height != outputHeight {
		return apperrors.QualityGateFailed(fmt.Sprintf(
			"resolution %dx%d, want %dx%d", v.Width, v.Height, outputWidth, outputHeight))
	}
	if v.CodecName != "h264" {
		return apperrors.QualityGateFailed(fmt.Sprintf("video codec %s, want h264", v.CodecName))
	}

	// Full decode passthrough: any decode error fails the gate
	if err := sc.RunTool(ctx,
		"ffmpeg",
		"-v", "error",
		"-i", in,
		"-f", "null",
		"-",
	); err != nil {
		if pe, ok := apperrors.AsPipeline(err); ok && pe.Kind == apperrors.KindCancelled {
			return err
		}
		return apperrors.QualityGateFailed(fmt.Sprintf("decode passthrough failed: %v", err))
	}
	return nil
}
