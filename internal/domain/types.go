package domain

import "time"

// RunStatus tracks the lifecycle state of a content-generation run.
type RunStatus string

const (
	RunStatusIdle      RunStatus = "idle"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
	RunStatusStopped   RunStatus = "stopped"
)

// Terminal reports whether a status ends a run.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusError, RunStatusStopped:
		return true
	default:
		return false
	}
}

// RunConfig contains user-supplied input locations for one run.
type RunConfig struct {
	PDFPath  string `json:"pdf_path,omitempty"`
	AudioDir string `json:"audio_dir"`
	IsCloud  bool   `json:"is_cloud"`
}

// PipelineRun is the currently executing or most recently executed job.
type PipelineRun struct {
	ID          string     `json:"run_id,omitempty"`
	TestID      string     `json:"test_id,omitempty"`
	Part        int        `json:"part,omitempty"`
	Status      RunStatus  `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Config      RunConfig  `json:"config"`
}

// CompletedSnapshot summarizes the previous run's outcome for the UI.
// Fields are pointers so a cleared snapshot serializes as nulls.
type CompletedSnapshot struct {
	TestID      *string    `json:"test_id"`
	Part        *int       `json:"part"`
	CompletedAt *time.Time `json:"completed_at"`
	Status      *RunStatus `json:"status"`
}

// Empty reports whether the snapshot has been cleared or never written.
func (s CompletedSnapshot) Empty() bool {
	return s.TestID == nil && s.Part == nil && s.CompletedAt == nil && s.Status == nil
}
