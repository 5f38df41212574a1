package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// StorageClient is a thin HTTP client for the blob store that archives
// inbound media. Objects are addressed by path; a successful PUT returns
// the object's public URL.
type StorageClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewStorageClient builds a client for the blob store at baseURL. Returns
// nil when baseURL is empty so callers can treat storage as optional.
func NewStorageClient(baseURL, token string) *StorageClient {
	if baseURL == "" {
		return nil
	}
	return &StorageClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Put uploads data at path and returns the object URL.
func (c *StorageClient) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to build upload request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to upload media: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("media upload failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return url, nil
}
