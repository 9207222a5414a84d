package operations

import (
	"errors"
	"fmt"
)

var (
	// ErrRunInProgress is returned when a trigger arrives while a run is active.
	ErrRunInProgress = errors.New("backup already in progress")
	// ErrNotifyFailed wraps notifier failures. They are logged, never returned.
	ErrNotifyFailed = errors.New("notification failed")
	// ErrRetentionFailed wraps pruning failures. They are logged, never returned.
	ErrRetentionFailed = errors.New("retention failed")
	// ErrRunTimeout is the cancellation cause when a run exceeds backup.timeout.
	ErrRunTimeout = errors.New("backup run timed out")
)

// Export sources, in the order a run exports them.
const (
	SourceMySQL    = "mysql"
	SourceMetadata = "metadata"
	SourceImages   = "images"
)

// ExportError reports that one source could not be exported. It is fatal
// to the run.
type ExportError struct {
	Source string
	// Object names the collection or blob id that failed, if any.
	Object string
	Err    error
}

func (e *ExportError) Error() string {
	if e.Object != "" {
		return fmt.Sprintf("export %s %s: %v", e.Source, e.Object, e.Err)
	}
	return fmt.Sprintf("export %s: %v", e.Source, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// ArchiveError reports a writer-level failure. It is fatal to the run.
type ArchiveError struct {
	Op  string
	Err error
}

func (e *ArchiveError) Error() string { return fmt.Sprintf("archive %s: %v", e.Op, e.Err) }

func (e *ArchiveError) Unwrap() error { return e.Err }
