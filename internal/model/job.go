package model

import "time"

// Job types
type JobType string

const (
	JobTypeVideoDownload    JobType = "video_download"
	JobTypePlaylistDownload JobType = "playlist_download"
	JobTypeMetadataOnly     JobType = "metadata_only"
)

var ValidJobTypes = []JobType{
	JobTypeVideoDownload, JobTypePlaylistDownload, JobTypeMetadataOnly,
}

// Job represents one coordinated unit of archiving work
type Job struct {
	ID            string            `json:"id"`
	Type          JobType           `json:"type"`
	Status        JobStatus         `json:"status"`
	VideoIDs      []string          `json:"videoIds"`
	Options       JobOptions        `json:"options"`
	Progress      Progress          `json:"progress"`
	Results       []VideoResult     `json:"results,omitempty"`
	Error         *string           `json:"error,omitempty"`
	RetryCount    int               `json:"retryCount"`
	ManualRetries int               `json:"manualRetries"`
	StateHistory  []StateTransition `json:"stateHistory"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	StartedAt     *time.Time        `json:"startedAt,omitempty"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// JobOptions is the configuration snapshot taken at creation, immutable afterwards
type JobOptions struct {
	Quality      string   `json:"quality,omitempty"`
	OutputPath   string   `json:"outputPath,omitempty"`
	CaptionLangs []string `json:"captionLangs,omitempty"`
	SkipExisting bool     `json:"skipExisting,omitempty"`
}

// Progress tracks per-job completion, mutated only by the worker
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
}

// VideoResult records the outcome for a single video within a job
type VideoResult struct {
	VideoID     string    `json:"videoId"`
	Success     bool      `json:"success"`
	Skipped     bool      `json:"skipped,omitempty"`
	FilePath    string    `json:"filePath,omitempty"`
	Size        int64     `json:"size,omitempty"`
	Error       *string   `json:"error,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}

// StateTransition is one entry in a job's append-only state history
type StateTransition struct {
	Timestamp time.Time `json:"timestamp"`
	From      JobStatus `json:"from,omitempty"`
	To        JobStatus `json:"to"`
	Reason    string    `json:"reason,omitempty"`
}

// SuccessCount returns the number of successful per-video results
func (j *Job) SuccessCount() int {
	n := 0
	for _, r := range j.Results {
		if r.Success {
			n++
		}
	}
	return n
}

// FailureCount returns the number of failed per-video results
func (j *Job) FailureCount() int {
	n := 0
	for _, r := range j.Results {
		if !r.Success {
			n++
		}
	}
	return n
}
