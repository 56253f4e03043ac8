package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
)

// probeStream is one stream entry in ffprobe's JSON output
type probeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// probeResult is the subset of ffprobe output the pipeline reads
type probeResult struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// DurationSec parses the container duration
func (r *probeResult) DurationSec() (float64, error) {
	d, err := strconv.ParseFloat(r.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable container duration %q", r.Format.Duration)
	}
	return d, nil
}

// countStreams returns how many streams of the codec type are present
func (r *probeResult) countStreams(codecType string) int {
	n := 0
	for _, s := range r.Streams {
		if s.CodecType == codecType {
			n++
		}
	}
	return n
}

// firstStream returns the first stream of the codec type
func (r *probeResult) firstStream(codecType string) (probeStream, bool) {
	for _, s := range r.Streams {
		if s.CodecType == codecType {
			return s, true
		}
	}
	return probeStream{}, false
}

// probeFile runs ffprobe and parses its JSON report. Probes are small
// read-only queries, so they run outside the tool invoker envelope.
func probeFile(ctx context.Context, path string) (*probeResult, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var result probeResult
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &result, nil
}
