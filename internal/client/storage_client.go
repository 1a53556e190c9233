package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/clipvault/coordinator/internal/config"
	"github.com/clipvault/coordinator/internal/model"
)

// ArchiveStorage defines the interface for the storage service
type ArchiveStorage interface {
	Exists(ctx context.Context, videoID string) (*StorageStatus, error)
	Save(ctx context.Context, record *ArchiveRecord) error
}

// StorageStatus reports which artifacts the archive already holds for a video
type StorageStatus struct {
	HasVideo     bool `json:"has_video"`
	HasMetadata  bool `json:"has_metadata"`
	HasThumbnail bool `json:"has_thumbnail"`
	HasCaptions  bool `json:"has_captions"`
}

// ArchiveRecord is the persistence payload for a completed video
type ArchiveRecord struct {
	VideoID      string   `json:"video_id"`
	Title        string   `json:"title,omitempty"`
	Channel      string   `json:"channel,omitempty"`
	FilePath     string   `json:"file_path,omitempty"`
	Size         int64    `json:"size,omitempty"`
	Quality      string   `json:"quality,omitempty"`
	CaptionLangs []string `json:"caption_langs,omitempty"`
	MetadataOnly bool     `json:"metadata_only,omitempty"`
}

// StorageClient implements ArchiveStorage against the storage service
type StorageClient struct {
	baseClient
}

// NewStorageClient creates a storage service client
func NewStorageClient(cfg *config.ServiceConfig) *StorageClient {
	return &StorageClient{
		baseClient: baseClient{
			httpClient: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
			baseURL:    cfg.URL,
			label:      "Storage",
		},
	}
}

// Exists checks which artifacts are already archived for the video. The
// storage service answers 200 with all-false flags for unknown videos, so a
// 404 here is a service-level problem, not a content-level one.
func (c *StorageClient) Exists(ctx context.Context, videoID string) (*StorageStatus, error) {
	endpoint := fmt.Sprintf("/v1/archive/%s/exists", url.PathEscape(videoID))
	var result StorageStatus
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, remapNotFound(err)
	}
	return &result, nil
}

// Save persists the archive record for a video
func (c *StorageClient) Save(ctx context.Context, record *ArchiveRecord) error {
	endpoint := fmt.Sprintf("/v1/archive/%s", url.PathEscape(record.VideoID))
	return remapNotFound(c.post(ctx, endpoint, record, nil))
}

// remapNotFound rewrites the shared 404 mapping for storage calls: the
// archive has no per-video 404 contract, so a not-found answer means the
// service itself is misbehaving and the call is worth retrying.
func remapNotFound(err error) error {
	if errors.Is(err, model.ErrNotFoundUpstream) {
		return fmt.Errorf("%w: storage answered not-found", model.ErrDependencyUnavailable)
	}
	return err
}
