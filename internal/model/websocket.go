package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
)

// WSProgressMessage is pushed on every progress update
type WSProgressMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status"`
	Progress Progress  `json:"progress"`
}

// WSCompleteMessage is pushed when a job reaches COMPLETED
type WSCompleteMessage struct {
	Type    string        `json:"type"`
	JobID   string        `json:"jobId"`
	Results []VideoResult `json:"results"`
}

// WSErrorMessage is pushed when a job fails or is cancelled
type WSErrorMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
