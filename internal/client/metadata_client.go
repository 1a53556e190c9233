package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/clipvault/coordinator/internal/config"
)

// MetadataFetcher defines the interface for the metadata service
type MetadataFetcher interface {
	Fetch(ctx context.Context, videoID string) (*VideoMetadata, error)
}

// VideoMetadata is the metadata record returned by the metadata service
type VideoMetadata struct {
	VideoID      string   `json:"video_id"`
	Title        string   `json:"title"`
	Channel      string   `json:"channel"`
	Duration     float64  `json:"duration"`
	UploadDate   string   `json:"upload_date,omitempty"`
	ThumbnailURL string   `json:"thumbnail_url,omitempty"`
	CaptionLangs []string `json:"caption_langs,omitempty"`
}

// MetadataClient implements MetadataFetcher against the metadata service
type MetadataClient struct {
	baseClient
}

// NewMetadataClient creates a metadata service client
func NewMetadataClient(cfg *config.ServiceConfig) *MetadataClient {
	return &MetadataClient{
		baseClient: baseClient{
			httpClient: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
			baseURL:    cfg.URL,
			label:      "Metadata",
		},
	}
}

// Fetch retrieves metadata for a video. A 404 from the service means the
// video is removed or private and surfaces as ErrNotFoundUpstream.
func (c *MetadataClient) Fetch(ctx context.Context, videoID string) (*VideoMetadata, error) {
	endpoint := fmt.Sprintf("/v1/metadata/%s", url.PathEscape(videoID))
	var result VideoMetadata
	if err := c.get(ctx, endpoint, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
