package errors

import "net/http"

// Kind classifies a pipeline failure
type Kind string

const (
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindStorageUnavailable Kind = "STORAGE_UNAVAILABLE"
	KindTransientTool      Kind = "TRANSIENT_TOOL"
	KindFatalTool          Kind = "FATAL_TOOL"
	KindAnalysisFailed     Kind = "ANALYSIS_FAILED"
	KindPlanInfeasible     Kind = "PLAN_INFEASIBLE"
	KindQualityGateFailed  Kind = "QUALITY_GATE_FAILED"
	KindCancelled          Kind = "CANCELLED"
	KindNotFound           Kind = "NOT_FOUND"
	KindConflict           Kind = "CONFLICT"
	KindInternal           Kind = "INTERNAL_ERROR"
)

// retryableKinds marks the kinds a worker may retry with backoff
var retryableKinds = map[Kind]bool{
	KindStorageUnavailable: true,
	KindTransientTool:      true,
}

// Retryable reports whether failures of this kind are worth retrying
func (k Kind) Retryable() bool {
	return retryableKinds[k]
}

// StatusCodeMap maps Kind to HTTP status code for the API surface
var StatusCodeMap = map[Kind]int{
	KindInvalidInput:       http.StatusUnprocessableEntity,
	KindStorageUnavailable: http.StatusServiceUnavailable,
	KindTransientTool:      http.StatusInternalServerError,
	KindFatalTool:          http.StatusInternalServerError,
	KindAnalysisFailed:     http.StatusInternalServerError,
	KindPlanInfeasible:     http.StatusUnprocessableEntity,
	KindQualityGateFailed:  http.StatusInternalServerError,
	KindCancelled:          http.StatusConflict,
	KindNotFound:           http.StatusNotFound,
	KindConflict:           http.StatusConflict,
	KindInternal:           http.StatusInternalServerError,
}

// StatusCode returns the HTTP status code for this kind
func (k Kind) StatusCode() int {
	if code, ok := StatusCodeMap[k]; ok {
		return code
	}
	return http.StatusInternalServerError
}
