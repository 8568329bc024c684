package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vidatlas/internal/faults"
)

const defaultMetadataTimeout = 30 * time.Second

// VideoMetadata is the slice of oEmbed output the analyzer uses.
type VideoMetadata struct {
	Title    string `json:"title"`
	Author   string `json:"author_name"`
	Provider string `json:"provider_name"`
}

// MetadataClient fetches video metadata from an oEmbed endpoint.
type MetadataClient struct {
	endpoint   string
	httpClient *http.Client
}

// NewMetadataClient constructs a client for the given oEmbed endpoint. A nil
// httpClient gets a sane default.
func NewMetadataClient(endpoint string, httpClient *http.Client) *MetadataClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultMetadataTimeout}
	}
	return &MetadataClient{
		endpoint:   strings.TrimRight(strings.TrimSpace(endpoint), "/"),
		httpClient: httpClient,
	}
}

// Fetch retrieves metadata for the subject. Missing or rejected subjects are
// deterministic failures; infrastructure trouble is transient.
func (c *MetadataClient) Fetch(ctx context.Context, subjectID string) (VideoMetadata, error) {
	var empty VideoMetadata
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return empty, faults.Wrap(faults.ErrDeterministic, "metadata", "fetch", "subject is empty", nil)
	}

	query := url.Values{}
	query.Set("url", subjectID)
	query.Set("format", "json")
	endpoint := c.endpoint + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return empty, faults.Wrap(faults.ErrInternal, "metadata", "build request", err.Error(), nil)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return empty, faults.Wrap(faults.ErrTransient, "metadata", "fetch", "metadata endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return empty, faults.Wrap(faults.ErrTransient, "metadata", "read response", "truncated metadata response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		return empty, faults.Wrap(faults.ErrTransient, "metadata", "fetch", "metadata endpoint rate limited", nil)
	case resp.StatusCode >= http.StatusInternalServerError:
		return empty, faults.Wrap(faults.ErrTransient, "metadata", "fetch",
			fmt.Sprintf("metadata endpoint returned http %d", resp.StatusCode), nil)
	default:
		// 4xx means the subject itself is bad; retrying cannot help.
		return empty, faults.Wrap(faults.ErrDeterministic, "metadata", "fetch",
			fmt.Sprintf("subject rejected with http %d", resp.StatusCode), nil)
	}

	var meta VideoMetadata
	if err := json.Unmarshal(body, &meta); err != nil {
		return empty, faults.Wrap(faults.ErrDeterministic, "metadata", "decode response", "metadata payload is not valid JSON", err)
	}
	meta.Title = strings.TrimSpace(meta.Title)
	meta.Author = strings.TrimSpace(meta.Author)
	return meta, nil
}
