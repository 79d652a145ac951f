package model

import "fmt"

// ErrKind classifies a pipeline failure so the driver can decide whether
// to retry the current unit of work, skip it with a warning, or abort the
// whole run.
type ErrKind int

const (
	// KindTransient covers network blips and other errors expected to
	// clear up on retry without operator intervention.
	KindTransient ErrKind = iota
	// KindStructural covers malformed input the pipeline cannot parse,
	// e.g. a manifest missing its assemblyIdentity element.
	KindStructural
	// KindArchiveIntegrity covers a corrupted or truncated archive/patch
	// payload, detected before it's handed to an external unpacking tool.
	KindArchiveIntegrity
	// KindMergeConflict covers two sources disagreeing on a FileInfo field
	// outside any documented allowlist.
	KindMergeConflict
	// KindMissingInfo covers a file with no digest the pipeline is
	// configured to tolerate (see Config.AllowMissingSHA256Hash).
	KindMissingInfo
	// KindUpdateNotFound covers a KB the catalog search returns zero
	// results for within the configured grace window.
	KindUpdateNotFound
)

func (k ErrKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindStructural:
		return "structural"
	case KindArchiveIntegrity:
		return "archive_integrity"
	case KindMergeConflict:
		return "merge_conflict"
	case KindMissingInfo:
		return "missing_info"
	case KindUpdateNotFound:
		return "update_not_found"
	default:
		return "unknown"
	}
}

// PipelineError wraps an underlying error with the ErrKind the driver
// needs to decide how to proceed, and the unit of work it occurred on.
type PipelineError struct {
	Kind    ErrKind
	Unit    string // e.g. a KB, a filename, a manifest path
	Err     error
}

func NewPipelineError(kind ErrKind, unit string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Unit: unit, Err: err}
}

func (e *PipelineError) Error() string {
	if e.Unit != "" {
		return fmt.Sprintf("[%s] %s: %v", e.Unit, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the driver should retry this unit of work
// rather than skip or abort.
func (e *PipelineError) Retryable() bool {
	return e.Kind == KindTransient
}
