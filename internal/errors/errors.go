// Package errors defines the failure taxonomy shared by the pipeline,
// the worker retry policy, and the API surface.
package errors

import (
	"errors"
	"fmt"
)

// maxMessageBytes caps persisted error messages (stderr tails included)
const maxMessageBytes = 2048

// PipelineError is the structured error persisted on a failed job.
type PipelineError struct {
	Kind      Kind   `json:"kind"`
	Stage     string `json:"stage,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s (stage: %s)", e.Kind, e.Message, e.Stage)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New creates a PipelineError with the kind's default retryability.
func New(kind Kind, stage, message string) *PipelineError {
	return &PipelineError{
		Kind:      kind,
		Stage:     stage,
		Message:   trim(message),
		Retryable: kind.Retryable(),
	}
}

// InvalidInput creates an INVALID_INPUT error for Create-time validation.
func InvalidInput(message string) *PipelineError {
	return New(KindInvalidInput, "", message)
}

// StorageUnavailable creates a retryable STORAGE_UNAVAILABLE error.
func StorageUnavailable(stage string, err error) *PipelineError {
	return New(KindStorageUnavailable, stage, err.Error())
}

// TransientTool creates a retryable TRANSIENT_TOOL error from a stderr tail.
func TransientTool(stage, stderrTail string) *PipelineError {
	return New(KindTransientTool, stage, stderrTail)
}

// FatalTool creates a FATAL_TOOL error from a stderr tail.
func FatalTool(stage, stderrTail string) *PipelineError {
	return New(KindFatalTool, stage, stderrTail)
}

// AnalysisFailed creates an ANALYSIS_FAILED error.
func AnalysisFailed(stage, message string) *PipelineError {
	return New(KindAnalysisFailed, stage, message)
}

// PlanInfeasible creates a PLAN_INFEASIBLE error.
func PlanInfeasible(message string) *PipelineError {
	return New(KindPlanInfeasible, "plan", message)
}

// QualityGateFailed creates a QUALITY_GATE_FAILED error.
func QualityGateFailed(message string) *PipelineError {
	return New(KindQualityGateFailed, "quality_gate", message)
}

// Cancelled marks a job aborted at a stage boundary after user cancellation.
func Cancelled(stage string) *PipelineError {
	return New(KindCancelled, stage, "job was cancelled")
}

// NotFound creates a NOT_FOUND error for API lookups.
func NotFound(resource string) *PipelineError {
	return New(KindNotFound, "", fmt.Sprintf("%s not found", resource))
}

// Conflict creates a CONFLICT error for rejected state transitions.
func Conflict(message string) *PipelineError {
	return New(KindConflict, "", message)
}

// Internal creates an INTERNAL_ERROR for unclassified failures.
func Internal(message string) *PipelineError {
	return New(KindInternal, "", message)
}

// AsPipeline extracts a PipelineError from an error chain.
func AsPipeline(err error) (*PipelineError, bool) {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// FromError coerces any error into a PipelineError, attributing it to stage.
// Already-classified errors pass through unchanged.
func FromError(err error, stage string) *PipelineError {
	if err == nil {
		return nil
	}
	if pe, ok := AsPipeline(err); ok {
		return pe
	}
	return New(KindInternal, stage, err.Error())
}

func trim(s string) string {
	if len(s) <= maxMessageBytes {
		return s
	}
	return s[len(s)-maxMessageBytes:]
}
