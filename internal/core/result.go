package core

import "github.com/book-expert/events"

// Status is the terminal state of a job.
type Status string

// Job statuses.
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// FailureDetail describes why a job failed.
type FailureDetail struct {
	Stage  Stage  `json:"stage"`
	Detail string `json:"detail"`
}

// Result is the response for one job. It is built once and never mutated.
type Result struct {
	JobID          string         `json:"job_id"`
	Status         Status         `json:"status"`
	Message        string         `json:"message"`
	LocalPath      string         `json:"local_path,omitempty"`
	PublicURL      string         `json:"public_url,omitempty"`
	SynthesisTime  float64        `json:"synthesis_time"`
	ConversionTime float64        `json:"conversion_time,omitempty"`
	AudioDuration  float64        `json:"audio_duration,omitempty"`
	UploadError    string         `json:"upload_error,omitempty"`
	Error          *FailureDetail `json:"error,omitempty"`
}

// Succeeded reports whether the job finished with a success status.
func (r Result) Succeeded() bool {
	return r.Status == StatusSuccess
}

// ErrorResult builds a failed Result for a fault outside the stage sequence.
func ErrorResult(jobID string, stage Stage, err error) Result {
	return Result{
		JobID:   jobID,
		Status:  StatusError,
		Message: err.Error(),
		Error: &FailureDetail{
			Stage:  stage,
			Detail: err.Error(),
		},
	}
}

// Notification is the payload delivered to a job's callback URL.
type Notification struct {
	Header        events.EventHeader `json:"header"`
	JobID         string             `json:"job_id"`
	Status        Status             `json:"status"`
	Message       string             `json:"message"`
	LocalPath     string             `json:"local_path,omitempty"`
	PublicURL     string             `json:"public_url,omitempty"`
	SynthesisTime float64            `json:"synthesis_time,omitempty"`
	AudioDuration float64            `json:"audio_duration,omitempty"`
	Error         *FailureDetail     `json:"error,omitempty"`
}
