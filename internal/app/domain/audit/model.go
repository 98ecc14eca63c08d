// Package audit defines the domain model for audit requests, jobs and
// their canonical results.
package audit

import (
	"encoding/json"
	"time"
)

// RequestKind discriminates the two submission shapes.
type RequestKind string

const (
	FileUpload    RequestKind = "file_upload"
	AddressLookup RequestKind = "address_lookup"
)

// ServiceType identifies the rate-limited service a request consumes.
type ServiceType string

const (
	ServiceZipUpload    ServiceType = "zip-upload"
	ServiceAddressAudit ServiceType = "address-audit"
)

// Request is one audit submission. Immutable once submitted.
type Request struct {
	Kind RequestKind

	// FileUpload fields.
	Name      string
	SizeBytes int64
	Content   []byte

	// AddressLookup fields.
	Address string
	Network string

	AIMode bool
}

// Service maps the request to the rate-limiter service type it consumes.
func (r Request) Service() ServiceType {
	if r.Kind == AddressLookup {
		return ServiceAddressAudit
	}
	return ServiceZipUpload
}

// JobStatus is the remote job state as reported by the status endpoint.
type JobStatus string

const (
	JobQueued     JobStatus = "Queued"
	JobProcessing JobStatus = "Processing"
	JobCompleted  JobStatus = "Completed"
	JobFailed     JobStatus = "Failed"
)

// Terminal reports whether no further transitions can occur for the job.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job is the client-side read-only projection of a server-side audit job.
type Job struct {
	ID        string
	Status    JobStatus
	CreatedAt time.Time
}

// FindingSummary counts findings by severity tier.
type FindingSummary struct {
	Critical      int `json:"critical"`
	Major         int `json:"major"`
	Medium        int `json:"medium"`
	Minor         int `json:"minor"`
	Informational int `json:"informational"`
}

// VulnerabilityCount is the sum of all tiers except Informational.
func (s FindingSummary) VulnerabilityCount() int {
	return s.Critical + s.Major + s.Medium + s.Minor
}

// Add accumulates another summary into this one.
func (s *FindingSummary) Add(other FindingSummary) {
	s.Critical += other.Critical
	s.Major += other.Major
	s.Medium += other.Medium
	s.Minor += other.Minor
	s.Informational += other.Informational
}

// Findings is the analyzed payload of a successful audit.
type Findings struct {
	Summary   FindingSummary  `json:"summary"`
	RawOutput json.RawMessage `json:"rawOutput,omitempty"`
	ProjectID string          `json:"projectId,omitempty"`
}

// ProjectResult maps one sub-result of a multi-file audit to its
// originating file.
type ProjectResult struct {
	File         string    `json:"file,omitempty"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	Findings     *Findings `json:"results,omitempty"`
	ContractName *string   `json:"contractName,omitempty"`
	AnalysisID   *string   `json:"analysisId,omitempty"`
}

// Result is the canonical report every backend payload variant is
// converted into. Optional fields stay absent rather than defaulting to
// sentinel values.
type Result struct {
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	Findings     *Findings       `json:"results,omitempty"`
	ContractName *string         `json:"contractName,omitempty"`
	AnalysisID   *string         `json:"analysisId,omitempty"`
	Projects     []ProjectResult `json:"projects,omitempty"`
}

// Summary returns the aggregated severity summary and whether one is
// available, which gates the statistics side effect.
func (r Result) Summary() (FindingSummary, bool) {
	if len(r.Projects) > 0 {
		var total FindingSummary
		found := false
		for _, p := range r.Projects {
			if p.Findings != nil {
				total.Add(p.Findings.Summary)
				found = true
			}
		}
		return total, found
	}
	if r.Findings == nil {
		return FindingSummary{}, false
	}
	return r.Findings.Summary, true
}

// FlowState tracks one audit flow through the gateway.
type FlowState string

const (
	FlowIdle           FlowState = "idle"
	FlowSubmitting     FlowState = "submitting"
	FlowPolling        FlowState = "polling"
	FlowCompleted      FlowState = "completed"
	FlowCompletedEmpty FlowState = "completed_empty"
	FlowFailed         FlowState = "failed"
	FlowConnectionLost FlowState = "connection_lost"
)

// Terminal reports whether the flow has reached a final state.
func (s FlowState) Terminal() bool {
	switch s {
	case FlowCompleted, FlowCompletedEmpty, FlowFailed, FlowConnectionLost:
		return true
	}
	return false
}

// StatusMessage is one entry of a flow's bounded status log.
type StatusMessage struct {
	Time time.Time `json:"time"`
	Text string    `json:"text"`
}

// Flow is one end-to-end audit flow owned by the gateway.
type Flow struct {
	ID        string
	ClientID  string
	Service   ServiceType
	AIMode    bool
	State     FlowState
	JobID     string
	Result    *Result
	Error     string
	Messages  []StatusMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}
