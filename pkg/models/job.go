package models

import (
	"time"
)

// JobStatus represents the status of an analysis job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

// SyncJobPrefix namespaces job IDs synthesized by the client for blocking submissions
const SyncJobPrefix = "SYNC-"

// JobRecord is the unit of tracked work. As a push update it may be partial:
// zero values mean the field was not sent.
type JobRecord struct {
	JobID       string    `json:"job_id" yaml:"job_id"`
	FileName    string    `json:"file_name,omitempty" yaml:"file_name,omitempty"`
	Status      JobStatus `json:"status,omitempty" yaml:"status,omitempty"`
	SubmittedAt float64   `json:"submitted_at,omitempty" yaml:"submitted_at,omitempty"` // seconds since epoch
	Report      string    `json:"report,omitempty" yaml:"report,omitempty"`
	LineCount   *int      `json:"line_count,omitempty" yaml:"line_count,omitempty"`
	Error       string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Clone returns a deep copy of the record
func (r JobRecord) Clone() JobRecord {
	if r.LineCount != nil {
		n := *r.LineCount
		r.LineCount = &n
	}
	return r
}

// SubmittedTime converts SubmittedAt into a time.Time
func (r JobRecord) SubmittedTime() time.Time {
	if r.SubmittedAt == 0 {
		return time.Time{}
	}
	sec := int64(r.SubmittedAt)
	nsec := int64((r.SubmittedAt - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// EpochSeconds converts t into the fractional seconds used by SubmittedAt
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// File is one user-selected file to submit for analysis
type File struct {
	Name string
	Data []byte
}

// SubmitResponse is the body returned by the non-blocking upload endpoint
type SubmitResponse struct {
	Message       string    `json:"message"`
	JobID         string    `json:"job_id"`
	InitialStatus JobRecord `json:"initial_status"`
}

// AnalysisResult is the inline result of a blocking analysis
type AnalysisResult struct {
	Status    JobStatus `json:"status,omitempty"`
	Report    string    `json:"report"`
	LineCount int       `json:"line_count"`
	Error     string    `json:"error,omitempty"`
}

// SyncResponse is the body returned by the blocking upload endpoint
type SyncResponse struct {
	Filename string         `json:"filename"`
	Results  AnalysisResult `json:"results"`
}

// ErrorResponse is the JSON error body returned on non-2xx responses
type ErrorResponse struct {
	Error string `json:"error"`
}
