// Package objectstore uploads meme images to a Supabase-Storage compatible
// object API and builds their public URLs.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/memewars/internal/logger"
	"github.com/wnt/memewars/internal/metrics"
	"github.com/wnt/memewars/internal/utils"
)

// Uploader stores objects and resolves their public URLs
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	PublicURL(path string) string
	Remove(ctx context.Context, path string) error
}

// Client talks to {baseURL}/storage/v1 using the anonymous key
type Client struct {
	http    *utils.HTTPClient
	baseURL string
	bucket  string
	logger  zerolog.Logger
}

// Option configures a Client
type Option func(*options)

type options struct {
	timeout    time.Duration
	maxRetries int
	retryDelay time.Duration
}

// WithTimeout sets the per-request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) { o.timeout = timeout }
}

// WithRetries configures retries on transport errors and 5xx responses
func WithRetries(maxRetries int, retryDelay time.Duration) Option {
	return func(o *options) {
		o.maxRetries = maxRetries
		o.retryDelay = retryDelay
	}
}

// New creates a storage client for one bucket
func New(baseURL, anonKey, bucket string, log zerolog.Logger, opts ...Option) *Client {
	o := options{timeout: 60 * time.Second, maxRetries: 2, retryDelay: 500 * time.Millisecond}
	for _, opt := range opts {
		opt(&o)
	}

	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		http: utils.NewHTTPClient(
			utils.WithBaseURL(baseURL+"/storage/v1"),
			utils.WithTimeout(o.timeout),
			utils.WithRetries(o.maxRetries, o.retryDelay),
			utils.WithDefaultHeaders(map[string]string{
				"apikey":        anonKey,
				"Authorization": "Bearer " + anonKey,
			}),
		),
		baseURL: baseURL,
		bucket:  bucket,
		logger:  logger.WithComponent(log, "objectstore"),
	}
}

// Upload stores data at path inside the bucket. Existing objects are not
// overwritten. A conflict on a retried request means an earlier attempt
// stored the object before failing, so it counts as success.
func (c *Client) Upload(ctx context.Context, path string, data []byte, contentType string) error {
	start := time.Now()

	resp, err := c.http.Do(ctx, &utils.Request{
		Method: http.MethodPost,
		Path:   c.objectPath(path),
		Headers: map[string]string{
			"Content-Type":  contentType,
			"Cache-Control": "max-age=3600",
			"x-upsert":      "false",
		},
		RawBody: data,
	})
	metrics.RecordUpload(time.Since(start).Seconds())

	var httpErr *utils.Error
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict && resp != nil && resp.Attempts > 1 {
		c.logger.Warn().Str("path", path).Int("attempts", resp.Attempts).Msg("Upload conflicted on retry, object already stored")
		err = nil
	}

	if err != nil {
		c.logger.Error().Err(err).Str("path", path).Int("bytes", len(data)).Msg("Upload failed")
		return fmt.Errorf("failed to upload %s: %w", path, err)
	}

	c.logger.Debug().Str("path", path).Int("bytes", len(data)).Msg("Uploaded object")
	return nil
}

// Remove deletes the object at path
func (c *Client) Remove(ctx context.Context, path string) error {
	_, err := c.http.Do(ctx, &utils.Request{
		Method: http.MethodDelete,
		Path:   c.objectPath(path),
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}

// PublicURL returns the URL at which a public bucket serves path
func (c *Client) PublicURL(path string) string {
	return c.baseURL + "/storage/v1/object/public/" + url.PathEscape(c.bucket) + "/" + escapePath(path)
}

func (c *Client) objectPath(path string) string {
	return "/object/" + url.PathEscape(c.bucket) + "/" + escapePath(path)
}

// escapePath escapes each segment of a slash-separated object key
func escapePath(path string) string {
	segments := strings.Split(strings.TrimLeft(path, "/"), "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
