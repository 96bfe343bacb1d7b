package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSnapshotNotFound signals a missing snapshot.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrConflict signals a snapshot write with the same fingerprint but a
	// different payload. This is a fingerprinting defect upstream and is
	// never auto-resolved.
	ErrConflict = errors.New("snapshot payload conflict")
	// ErrInvalidInputKind signals a fingerprint input that cannot be
	// canonicalized (caller bug, not retried).
	ErrInvalidInputKind = errors.New("invalid input kind")
	// ErrEmptyIndex signals retrieval attempted before any index revision
	// was built. Distinct from a legitimately empty result set.
	ErrEmptyIndex = errors.New("no index revision built")
	// ErrCacheMiss signals a semantic cache lookup below threshold.
	ErrCacheMiss = errors.New("semantic cache miss")
	// ErrSchemaViolation signals a composed artifact that does not match
	// the pipeline's declared schema.
	ErrSchemaViolation = errors.New("schema violation")
	// ErrGeneration signals a text generation provider failure.
	ErrGeneration = errors.New("generation provider error")
	// ErrSearchProvider signals an external search provider failure.
	ErrSearchProvider = errors.New("search provider error")
	// ErrZeroEvidence signals a retrieval that produced no evidence for a
	// pipeline that does not allow zero-evidence composition.
	ErrZeroEvidence = errors.New("no retrieval evidence")
	// ErrPipelineNotFound signals an unregistered pipeline name.
	ErrPipelineNotFound = errors.New("pipeline not found")
	// ErrEmbeddingProviderError signals an embedding provider failure.
	ErrEmbeddingProviderError = errors.New("embedding provider error")
)

// StageError carries the pipeline stage and fingerprint with the underlying
// cause, so a failure is diagnosable without replaying the pipeline.
type StageError struct {
	Stage       Stage
	Fingerprint Fingerprint
	Err         error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (fingerprint %s): %s", e.Stage, e.Fingerprint, e.Err.Error())
}

func (e *StageError) Unwrap() error { return e.Err }

// NewStageError wraps err with stage and fingerprint context.
func NewStageError(stage Stage, fp Fingerprint, err error) error {
	return &StageError{Stage: stage, Fingerprint: fp, Err: err}
}
