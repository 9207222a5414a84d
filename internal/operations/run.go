package operations

import (
	"time"

	"github.com/google/uuid"
)

// State is a step of the backup state machine.
type State string

const (
	StateIdle                State = "idle"
	StateStaging             State = "staging"
	StateExportingRelational State = "exporting_relational"
	StateExportingMetadata   State = "exporting_metadata"
	StateExportingBlobs      State = "exporting_blobs"
	StateFinalizing          State = "finalizing"
	StateNotifying           State = "notifying"
	StatePruning             State = "pruning"
	StateFailed              State = "failed"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
	TriggerCLI       Trigger = "cli"
)

// SourceOutcome is the result of exporting one source.
type SourceOutcome struct {
	Source  string `json:"source"`
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
	Error   string `json:"error,omitempty"`
}

// Run is one execution of the pipeline. It is not modified after the
// run returns.
type Run struct {
	ID           string          `json:"id"`
	Trigger      Trigger         `json:"trigger"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  time.Time       `json:"completed_at"`
	DurationMS   int64           `json:"duration_ms"`
	ArtifactPath string          `json:"artifact_path,omitempty"`
	SizeBytes    int64           `json:"size_bytes"`
	Outcomes     []SourceOutcome `json:"outcomes"`
	State        State           `json:"state"`
	Error        string          `json:"error,omitempty"`
}

func newRun(trigger Trigger, now time.Time) *Run {
	return &Run{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: now,
		State:     StateIdle,
	}
}

func (r *Run) record(o SourceOutcome, err error) {
	if err != nil {
		o.Error = err.Error()
	}
	r.Outcomes = append(r.Outcomes, o)
}

func (r *Run) complete(now time.Time, err error) {
	r.CompletedAt = now
	r.DurationMS = now.Sub(r.StartedAt).Milliseconds()
	if err != nil {
		r.State = StateFailed
		r.Error = err.Error()
		r.ArtifactPath = ""
		r.SizeBytes = 0
		return
	}
	r.State = StateIdle
}

// Succeeded reports whether the run produced an artifact.
func (r *Run) Succeeded() bool { return r.State != StateFailed && r.ArtifactPath != "" }

// ArtifactName returns the file name of the artifact produced on day t.
func ArtifactName(t time.Time, ext string) string {
	return t.UTC().Format(time.DateOnly) + "-backup." + ext
}
