package rehostclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"bsky-scheduler/internal/domain"
	"bsky-scheduler/internal/infra/metrics"
)

// Client обращается к внутреннему эндпоинту перекладки блобов.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

var _ domain.Rehoster = (*Client)(nil)

// Option настраивает клиент.
type Option func(*Client)

// WithHTTPClient подменяет транспорт, в основном для тестов.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout задаёт таймаут запросов.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if c.httpClient == nil {
			c.httpClient = &http.Client{}
		}
		c.httpClient.Timeout = timeout
	}
}

// New создаёт клиент внутреннего API.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("baseURL is required")
	}
	if token == "" {
		return nil, fmt.Errorf("auth token is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}
	client := &Client{
		baseURL:    parsed,
		token:      token,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type uploadBlobRequest struct {
	StoredThreadKey string `json:"storedThreadKey"`
	BlobCid         string `json:"blobCid"`
	BlobDid         string `json:"blobDid"`
	BlobMimeType    string `json:"blobMimeType"`
	PostAsDid       string `json:"postAsDid"`
}

// UploadBlob реализует domain.Rehoster: просит внутренний эндпоинт
// перенести зашифрованный блоб в целевой репозиторий.
func (c *Client) UploadBlob(ctx context.Context, storedThreadKey string, blob domain.StoredThreadBlob, postAsDid string) (domain.BlobOutcome, error) {
	payload, err := json.Marshal(uploadBlobRequest{
		StoredThreadKey: storedThreadKey,
		BlobCid:         blob.BlobRef.Ref.Link,
		BlobDid:         blob.Did,
		BlobMimeType:    blob.Meta.MimeType,
		PostAsDid:       postAsDid,
	})
	if err != nil {
		return domain.BlobOutcome{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.baseURL.JoinPath("/api/internal/threads/upload-blob").String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.BlobOutcome{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.ObserveNetworkRequest("rehost", "upload_blob", c.baseURL.Host, start, err)
	if err != nil {
		return domain.BlobOutcome{}, fmt.Errorf("upload blob: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.BlobOutcome{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return domain.BlobOutcome{}, fmt.Errorf("upload blob: unexpected status %d", resp.StatusCode)
	}

	var outcome domain.BlobOutcome
	if err := json.Unmarshal(body, &outcome); err != nil {
		return domain.BlobOutcome{}, fmt.Errorf("decode response: %w", err)
	}
	if outcome.CID == "" && outcome.JobID == "" {
		return domain.BlobOutcome{}, fmt.Errorf("upload blob: response carries neither cid nor job id")
	}
	return outcome, nil
}
