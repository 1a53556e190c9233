package model

import "time"

// JobCreateRequest represents the request body for job creation
type JobCreateRequest struct {
	Type     JobType    `json:"type" validate:"required,oneof=video_download playlist_download metadata_only"`
	VideoIDs []string   `json:"videoIds" validate:"required,min=1,dive,min=1"`
	Options  JobOptions `json:"options"`
}

// JobCreateResponse represents the response for job creation
type JobCreateResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobListResponse represents a paginated job listing
type JobListResponse struct {
	Jobs   []*Job `json:"jobs"`
	Total  int    `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// JobCancelResponse represents the response for job cancellation
type JobCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
}

// JobRetryResponse represents the response for a manual retry
type JobRetryResponse struct {
	Success       bool      `json:"success"`
	JobID         string    `json:"jobId"`
	Status        JobStatus `json:"status"`
	ManualRetries int       `json:"manualRetries"`
}

// ServiceRegisterRequest represents the request body for service registration
type ServiceRegisterRequest struct {
	ServiceName    string `json:"serviceName" validate:"required,min=1"`
	URL            string `json:"url" validate:"required,url"`
	HealthEndpoint string `json:"healthEndpoint" validate:"required,url"`
	Version        string `json:"version" validate:"omitempty,max=64"`
}

// ServiceListResponse represents the registry listing
type ServiceListResponse struct {
	Services []ServiceRegistration `json:"services"`
}
