package pipeline

import (
	"context"
	"errors"
	"regexp"

	apperrors "github.com/reelforge/backend/internal/errors"
	"github.com/reelforge/backend/internal/invoker"
)

// transientPatterns match stderr tails of tool failures that are worth
// retrying: flaky I/O and network conditions rather than bad inputs.
var transientPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)resource temporarily unavailable`),
	regexp.MustCompile(`(?i)connection (reset|refused|timed out)`),
	regexp.MustCompile(`(?i)input/output error`),
	regexp.MustCompile(`(?i)temporary failure`),
	regexp.MustCompile(`(?i)broken pipe`),
}

// classifyToolResult maps a tool invocation outcome onto the error
// taxonomy. A nil return means the tool succeeded.
func classifyToolResult(stage string, res *invoker.Result, err error) error {
	switch {
	case errors.Is(err, invoker.ErrTimeout):
		pe := apperrors.TransientTool(stage, "tool timed out: "+res.StderrTail)
		return pe
	case errors.Is(err, context.Canceled):
		return apperrors.Cancelled(stage)
	case err != nil:
		// Spawn failure: the tool binary or scratch dir is broken on this
		// host, which a different worker may not share
		return apperrors.TransientTool(stage, err.Error())
	case res.ExitCode == 0:
		return nil
	}

	for _, p := range transientPatterns {
		if p.MatchString(res.StderrTail) {
			return apperrors.TransientTool(stage, res.StderrTail)
		}
	}
	return apperrors.FatalTool(stage, res.StderrTail)
}
