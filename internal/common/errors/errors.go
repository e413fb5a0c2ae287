// Package errors provides standardized error handling for the matching workers.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrCodeInvalidOutcome ErrorCode = "INVALID_OUTCOME"

	ErrCodeProfileNotFound     ErrorCode = "PROFILE_NOT_FOUND"
	ErrCodeRelationshipExists  ErrorCode = "RELATIONSHIP_EXISTS"
	ErrCodeDatabaseQueryFailed ErrorCode = "DATABASE_QUERY_FAILED"

	ErrCodeCacheUnavailable ErrorCode = "CACHE_UNAVAILABLE"
	ErrCodeNoMoreCandidates ErrorCode = "NO_MORE_CANDIDATES"
	ErrCodeRerankFailed     ErrorCode = "RERANK_FAILED"

	ErrCodePrecomputationFailed ErrorCode = "PRECOMPUTATION_FAILED"
	ErrCodeJobNotFound          ErrorCode = "JOB_NOT_FOUND"
	ErrCodeJobNotCancellable    ErrorCode = "JOB_NOT_CANCELLABLE"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// NewInvalidInputError creates a non-retryable input validation error.
func NewInvalidInputError(details string) *StandardError {
	return newError(ErrCodeInvalidInput, "Invalid job input", details, false, nil)
}

// NewInvalidOutcomeError reports a malformed like/pass submission.
func NewInvalidOutcomeError(details string) *StandardError {
	return newError(ErrCodeInvalidOutcome, "Invalid outcome submission", details, false, nil)
}

func NewProfileNotFoundError(userID string) *StandardError {
	return newError(ErrCodeProfileNotFound, "Profile not found", fmt.Sprintf("userId: %s", userID), false, nil)
}

// NewRelationshipExistsError reports a duplicate like/pass between two users.
func NewRelationshipExistsError(senderID, receiverID string) *StandardError {
	return newError(ErrCodeRelationshipExists, "Relationship already exists",
		fmt.Sprintf("senderId: %s, receiverId: %s", senderID, receiverID), false, nil)
}

func NewDatabaseQueryFailedError(err error) *StandardError {
	return newError(ErrCodeDatabaseQueryFailed, "Database query failed", err.Error(), true, err)
}

// NewCacheUnavailableError is informational; cache failures never fail a request.
func NewCacheUnavailableError(err error) *StandardError {
	return newError(ErrCodeCacheUnavailable, "Cache store unavailable", err.Error(), true, err)
}

func NewNoMoreCandidatesError(userID string) *StandardError {
	return newError(ErrCodeNoMoreCandidates, "No more users available", fmt.Sprintf("userId: %s", userID), false, nil)
}

func NewRerankFailedError(err error) *StandardError {
	return newError(ErrCodeRerankFailed, "Re-ranking collaborator failed", err.Error(), true, err)
}

func NewPrecomputationFailedError(jobID string, err error) *StandardError {
	return newError(ErrCodePrecomputationFailed, "Precomputation job failed",
		fmt.Sprintf("jobId: %s, error: %s", jobID, err.Error()), false, err)
}

func NewJobNotFoundError(jobID string) *StandardError {
	return newError(ErrCodeJobNotFound, "Precomputation job not found", fmt.Sprintf("jobId: %s", jobID), false, nil)
}

func NewJobNotCancellableError(jobID, status string) *StandardError {
	return newError(ErrCodeJobNotCancellable, "Only pending jobs can be cancelled",
		fmt.Sprintf("jobId: %s, status: %s", jobID, status), false, nil)
}

// NewInternalError wraps an unexpected error.
func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", err.Error(), false, err)
}

// ==========================
// 4. Mapping Helpers
// ==========================

var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeInvalidInput:         "INVALID_INPUT",
	ErrCodeInvalidOutcome:       "INVALID_OUTCOME",
	ErrCodeProfileNotFound:      "PROFILE_NOT_FOUND",
	ErrCodeRelationshipExists:   "RELATIONSHIP_EXISTS",
	ErrCodeDatabaseQueryFailed:  "DATABASE_QUERY_FAILED",
	ErrCodeCacheUnavailable:     "CACHE_UNAVAILABLE",
	ErrCodeNoMoreCandidates:     "NO_MORE_CANDIDATES",
	ErrCodeRerankFailed:         "RERANK_FAILED",
	ErrCodePrecomputationFailed: "PRECOMPUTATION_FAILED",
	ErrCodeJobNotFound:          "JOB_NOT_FOUND",
	ErrCodeJobNotCancellable:    "JOB_NOT_CANCELLABLE",
}

// GetRetryCount returns how many times Zeebe should retry a job failing with code.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseQueryFailed:
		return 3
	case ErrCodeCacheUnavailable, ErrCodeRerankFailed:
		return 2
	default:
		return 0 // Business errors: no retry
	}
}

func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}
	return &BPMNError{
		Code:      bpmnCode,
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "CACHE"):
		return "CACHE"
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "PROFILE") || strings.Contains(codeStr, "RELATIONSHIP"):
		return "DATABASE"
	case strings.Contains(codeStr, "RERANK"):
		return "AI"
	case strings.Contains(codeStr, "JOB") || strings.Contains(codeStr, "PRECOMPUTATION"):
		return "PRECOMPUTATION"
	case strings.Contains(codeStr, "CANDIDATES"):
		return "DISCOVERY"
	case strings.Contains(codeStr, "INVALID"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}

// AsStandardError extracts a StandardError from an error chain.
func AsStandardError(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if errors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}
