package store

import (
	"time"
)

// Status is the coarse lifecycle state of a Run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Phase is progress within a running Run. PhaseDone only appears alongside a
// terminal status.
type Phase string

const (
	PhaseBundle  Phase = "bundle"
	PhaseExecute Phase = "execute"
	PhaseExtract Phase = "extract"
	PhaseDone    Phase = "done"
)

// ErrorType is the semantic error taxonomy persisted on failed runs.
type ErrorType string

const (
	ErrorValidation ErrorType = "ValidationError"
	ErrorBundle     ErrorType = "BundleError"
	ErrorSolver     ErrorType = "SolverError"
	ErrorExtract    ErrorType = "ExtractError"
	ErrorCancelled  ErrorType = "Cancelled"
	ErrorLeaseLost  ErrorType = "LeaseLost"
	ErrorStore      ErrorType = "StoreError"
)

// ErrorInfo is the structured error object carried by a failed Run.
type ErrorInfo struct {
	Type    ErrorType `bson:"type" json:"type"`
	Message string    `bson:"message" json:"message"`
	Detail  string    `bson:"detail,omitempty" json:"detail,omitempty"`
}

// Artifacts holds filesystem paths populated as phases complete.
type Artifacts struct {
	BundlePath     string `bson:"bundle_path,omitempty" json:"bundle_path,omitempty"`
	StatepointPath string `bson:"statepoint_path,omitempty" json:"statepoint_path,omitempty"`
	ParquetPath    string `bson:"parquet_path,omitempty" json:"parquet_path,omitempty"`
}

// ArtifactsDelta applies non-empty fields onto a Run's Artifacts.
type ArtifactsDelta struct {
	BundlePath     string
	StatepointPath string
	ParquetPath    string
}

// Apply overlays non-empty delta fields onto a.
func (a Artifacts) Apply(d ArtifactsDelta) Artifacts {
	if d.BundlePath != "" {
		a.BundlePath = d.BundlePath
	}
	if d.StatepointPath != "" {
		a.StatepointPath = d.StatepointPath
	}
	if d.ParquetPath != "" {
		a.ParquetPath = d.ParquetPath
	}
	return a
}

// Study is a deduplicated, immutable record of a submitted spec.
type Study struct {
	SpecHash      string    `bson:"spec_hash" json:"spec_hash"`
	CanonicalSpec []byte    `bson:"canonical_spec" json:"canonical_spec"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
}

// Run is one execution attempt of a Study.
type Run struct {
	RunID    string `bson:"run_id" json:"run_id"`
	SpecHash string `bson:"spec_hash" json:"spec_hash"`

	Status Status `bson:"status" json:"status"`
	Phase  Phase  `bson:"phase" json:"phase"`

	Attempt        int        `bson:"attempt" json:"attempt"`
	ClaimedBy      string     `bson:"claimed_by,omitempty" json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `bson:"lease_expires_at,omitempty" json:"lease_expires_at,omitempty"`

	CancelRequested bool `bson:"cancel_requested,omitempty" json:"cancel_requested,omitempty"`

	CreatedAt time.Time  `bson:"created_at" json:"created_at"`
	StartedAt *time.Time `bson:"started_at,omitempty" json:"started_at,omitempty"`
	EndedAt   *time.Time `bson:"ended_at,omitempty" json:"ended_at,omitempty"`

	Artifacts Artifacts  `bson:"artifacts" json:"artifacts"`
	Error     *ErrorInfo `bson:"error,omitempty" json:"error,omitempty"`
}

// Summary is the structured result extracted from a succeeded run's
// statepoint. Exactly one exists per succeeded run.
type Summary struct {
	RunID              string    `bson:"run_id" json:"run_id"`
	Keff               float64   `bson:"keff" json:"keff"`
	KeffStd            float64   `bson:"keff_std" json:"keff_std"`
	KeffUncertaintyPCM float64   `bson:"keff_uncertainty_pcm" json:"keff_uncertainty_pcm"`
	NBatches           int       `bson:"n_batches" json:"n_batches"`
	NInactive          int       `bson:"n_inactive" json:"n_inactive"`
	NParticles         int       `bson:"n_particles" json:"n_particles"`
	ExtractedAt        time.Time `bson:"extracted_at" json:"extracted_at"`
}

// Event is an append-only audit record. Seq is assigned by the adapter and
// totally orders events within a run; TS is strictly monotone per run.
type Event struct {
	RunID   string         `bson:"run_id" json:"run_id"`
	Seq     int64          `bson:"seq" json:"seq"`
	TS      time.Time      `bson:"ts" json:"ts"`
	Type    string         `bson:"type" json:"type"`
	Agent   string         `bson:"agent,omitempty" json:"agent,omitempty"`
	Payload map[string]any `bson:"payload,omitempty" json:"payload,omitempty"`
}

// Event types produced by the core.
const (
	EventRunCreated       = "run_created"
	EventRunClaimed       = "run_claimed"
	EventLeaseRenewed     = "lease_renewed"
	EventLeaseExpired     = "lease_expired"
	EventPhaseChanged     = "phase_changed"
	EventStdoutLine       = "stdout_line"
	EventCancelRequested  = "cancel_requested"
	EventSummaryExtracted = "summary_extracted"
	EventRunReleased      = "run_released"
	EventStreamEnd        = "stream_end"
	EventSubscriberLag    = "subscriber_lag"
)

// AgentOutput is an opaque per-run record written by out-of-core agents. The
// core stores and serves it without interpreting Data.
type AgentOutput struct {
	RunID         string         `bson:"run_id" json:"run_id"`
	Agent         string         `bson:"agent" json:"agent"`
	Kind          string         `bson:"kind" json:"kind"`
	Data          map[string]any `bson:"data" json:"data"`
	SchemaVersion int            `bson:"schema_version" json:"schema_version"`
	TS            time.Time      `bson:"ts" json:"ts"`
}

// RunFilter narrows ListRuns. Zero values mean "no constraint".
type RunFilter struct {
	Status   Status
	SpecHash string
	Since    *time.Time
	Limit    int
}

// EventQuery narrows Events. Zero values mean "no constraint".
type EventQuery struct {
	Since *time.Time
	Type  string
	Limit int
}

// PhaseUpdate advances a running Run to the next phase. Timestamps are
// authoritative from the adapter clock, so callers mark rather than supply
// instants.
type PhaseUpdate struct {
	Phase       Phase
	Status      *Status
	MarkStarted bool
	MarkEnded   bool
	Artifacts   ArtifactsDelta
	Error       *ErrorInfo
}

// ReleaseRequest terminates a claimed run.
type ReleaseRequest struct {
	RunID     string
	WorkerID  string
	Final     Status
	Error     *ErrorInfo
	Artifacts ArtifactsDelta
}
