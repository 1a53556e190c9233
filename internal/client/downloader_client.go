package client

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/clipvault/coordinator/internal/config"
	"github.com/clipvault/coordinator/internal/model"
)

// Downloader defines the interface for the download service
type Downloader interface {
	Download(ctx context.Context, req *DownloadRequest) (*DownloadResult, error)
}

// DownloadRequest starts a download task on the download service
type DownloadRequest struct {
	VideoID      string   `json:"video_id"`
	Quality      string   `json:"quality,omitempty"`
	OutputPath   string   `json:"output_path,omitempty"`
	CaptionLangs []string `json:"caption_langs,omitempty"`
}

// downloadTask is the service's task handle with its internal progress
type downloadTask struct {
	TaskID   string  `json:"task_id"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
	FilePath string  `json:"file_path,omitempty"`
	Size     int64   `json:"size,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// DownloadResult is the completed download outcome
type DownloadResult struct {
	FilePath string
	Size     int64
}

// DownloaderClient implements Downloader against the download service. A
// download is one opaque step from the coordinator's point of view: the
// service runs it asynchronously and this client polls the task to
// completion or failure.
type DownloaderClient struct {
	baseClient
	pollInterval time.Duration
	maxWait      time.Duration
}

// NewDownloaderClient creates a download service client. The configured
// timeout bounds the whole download, not individual HTTP calls.
func NewDownloaderClient(cfg *config.ServiceConfig) *DownloaderClient {
	maxWait := time.Duration(cfg.Timeout) * time.Second
	if maxWait <= 0 {
		maxWait = 30 * time.Minute
	}
	return &DownloaderClient{
		baseClient: baseClient{
			httpClient: &http.Client{Timeout: 30 * time.Second},
			baseURL:    cfg.URL,
			label:      "Downloader",
		},
		pollInterval: 5 * time.Second,
		maxWait:      maxWait,
	}
}

// Download starts a download task and polls it until it finishes
func (c *DownloaderClient) Download(ctx context.Context, req *DownloadRequest) (*DownloadResult, error) {
	var task downloadTask
	if err := c.post(ctx, "/v1/downloads", req, &task); err != nil {
		return nil, err
	}
	return c.pollTask(ctx, task.TaskID)
}

// pollTask polls the download task until completion, failure, cancellation,
// or the deadline
func (c *DownloaderClient) pollTask(ctx context.Context, taskID string) (*DownloadResult, error) {
	deadline := time.Now().Add(c.maxWait)
	attempt := 0

	for time.Now().Before(deadline) {
		attempt++
		endpoint := fmt.Sprintf("/v1/downloads/%s", url.PathEscape(taskID))
		var task downloadTask
		if err := c.get(ctx, endpoint, &task); err != nil {
			return nil, err
		}

		log.Printf("[Downloader API] Poll #%d (task=%s) — status: %s progress: %.0f%%",
			attempt, taskID, task.Status, task.Progress)

		switch task.Status {
		case "completed", "success":
			return &DownloadResult{FilePath: task.FilePath, Size: task.Size}, nil
		case "not_found", "unavailable":
			return nil, fmt.Errorf("%w: download task %s: %s", model.ErrNotFoundUpstream, taskID, task.Error)
		case "failed", "error":
			return nil, fmt.Errorf("%w: download task %s failed: %s", model.ErrDependencyUnavailable, taskID, task.Error)
		}

		select {
		case <-ctx.Done():
			log.Printf("[Downloader API] Poll (task=%s) — context cancelled", taskID)
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
			continue
		}
	}

	return nil, fmt.Errorf("%w: download task %s timed out after %v", model.ErrDependencyUnavailable, taskID, c.maxWait)
}
