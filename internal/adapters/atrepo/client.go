package atrepo

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

// Config задаёт параметры клиента репозитория записей.
type Config struct {
	ServiceURL string
	Timeout    time.Duration
}

// Client — низкоуровневый XRPC-клиент удалённого репозитория записей.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient создаёт клиент репозитория.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{cfg: cfg, httpClient: &http.Client{Timeout: timeout}}
}

// SetHTTPClient подменяет транспорт, в основном для тестов.
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	if httpClient != nil {
		c.httpClient = httpClient
	}
}

// WithSession связывает клиент с учётной записью и её токеном доступа.
func (c *Client) WithSession(did, accessJWT string) *Agent {
	return &Agent{client: c, did: did, accessJWT: accessJWT}
}

// Agent — клиент, действующий от имени конкретной учётной записи.
type Agent struct {
	client    *Client
	did       string
	accessJWT string
}

var _ domain.RepoAgent = (*Agent)(nil)

// Did возвращает идентификатор действующей учётной записи.
func (a *Agent) Did() string { return a.did }

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *Agent) do(ctx context.Context, method, endpoint string, query url.Values, contentType string, body []byte) ([]byte, int, error) {
	target := a.client.cfg.ServiceURL + "/xrpc/" + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+a.accessJWT)

	start := time.Now()
	resp, err := a.client.httpClient.Do(req)
	metrics.ObserveNetworkRequest("atrepo", endpoint, a.client.cfg.ServiceURL, start, err)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%s: read response: %w", endpoint, err)
	}
	return data, resp.StatusCode, nil
}

func (a *Agent) checkStatus(endpoint string, status int, data []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var parsed apiError
	_ = json.Unmarshal(data, &parsed)
	if status == http.StatusNotFound || parsed.Error == "RecordNotFound" || parsed.Error == "BlobNotFound" {
		return domain.ErrNotFound
	}
	if status == http.StatusUnauthorized {
		return fmt.Errorf("%s: %w", endpoint, domain.ErrNotAuthenticated)
	}
	if parsed.Error != "" {
		return fmt.Errorf("%s: %s: %s", endpoint, parsed.Error, parsed.Message)
	}
	return fmt.Errorf("%s: unexpected status %d", endpoint, status)
}

type getRecordResponse struct {
	URI   string          `json:"uri"`
	CID   string          `json:"cid"`
	Value json.RawMessage `json:"value"`
}

// GetRecord возвращает значение записи по её координатам.
func (a *Agent) GetRecord(ctx context.Context, repo, collection, rkey string) (json.RawMessage, error) {
	query := url.Values{"repo": {repo}, "collection": {collection}, "rkey": {rkey}}
	data, status, err := a.do(ctx, http.MethodGet, "com.atproto.repo.getRecord", query, "", nil)
	if err != nil {
		return nil, err
	}
	if err := a.checkStatus("com.atproto.repo.getRecord", status, data); err != nil {
		return nil, err
	}
	var parsed getRecordResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return parsed.Value, nil
}

// CreateRecord создаёт запись в репозитории учётной записи.
func (a *Agent) CreateRecord(ctx context.Context, collection string, record map[string]any) (domain.CreatedRecord, error) {
	payload, err := json.Marshal(map[string]any{
		"repo":       a.did,
		"collection": collection,
		"record":     record,
	})
	if err != nil {
		return domain.CreatedRecord{}, fmt.Errorf("marshal record: %w", err)
	}
	data, status, err := a.do(ctx, http.MethodPost, "com.atproto.repo.createRecord", nil, "application/json", payload)
	if err != nil {
		return domain.CreatedRecord{}, err
	}
	if err := a.checkStatus("com.atproto.repo.createRecord", status, data); err != nil {
		return domain.CreatedRecord{}, err
	}
	var created domain.CreatedRecord
	if err := json.Unmarshal(data, &created); err != nil {
		return domain.CreatedRecord{}, fmt.Errorf("decode created record: %w", err)
	}
	return created, nil
}

type uploadBlobResponse struct {
	Blob domain.BlobRef `json:"blob"`
}

// UploadBlob выгружает байты и возвращает ссылку на блоб.
func (a *Agent) UploadBlob(ctx context.Context, data []byte, contentType string) (domain.BlobRef, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	body, status, err := a.do(ctx, http.MethodPost, "com.atproto.repo.uploadBlob", nil, contentType, data)
	if err != nil {
		return domain.BlobRef{}, err
	}
	if err := a.checkStatus("com.atproto.repo.uploadBlob", status, body); err != nil {
		return domain.BlobRef{}, err
	}
	var parsed uploadBlobResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return domain.BlobRef{}, fmt.Errorf("decode uploaded blob: %w", err)
	}
	return parsed.Blob, nil
}

// ApplyWrites выполняет пакет создания записей как одну атомарную
// операцию: либо применяются все записи, либо ни одной.
func (a *Agent) ApplyWrites(ctx context.Context, writes []domain.RecordWrite) error {
	encoded := make([]map[string]any, len(writes))
	for i, write := range writes {
		encoded[i] = map[string]any{
			"$type":      "com.atproto.repo.applyWrites#create",
			"collection": write.Collection,
			"rkey":       write.Rkey,
			"value":      write.Value,
		}
	}
	payload, err := json.Marshal(map[string]any{"repo": a.did, "writes": encoded})
	if err != nil {
		return fmt.Errorf("marshal writes: %w", err)
	}
	data, status, err := a.do(ctx, http.MethodPost, "com.atproto.repo.applyWrites", nil, "application/json", payload)
	if err != nil {
		return err
	}
	return a.checkStatus("com.atproto.repo.applyWrites", status, data)
}

// GetBlob скачивает байты блоба по ссылке.
func (a *Agent) GetBlob(ctx context.Context, did, cid string) ([]byte, error) {
	query := url.Values{"did": {did}, "cid": {cid}}
	data, status, err := a.do(ctx, http.MethodGet, "com.atproto.sync.getBlob", query, "", nil)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, a.checkStatus("com.atproto.sync.getBlob", status, data)
	}
	return data, nil
}

type jobStatusResponse struct {
	JobStatus domain.VideoJobStatus `json:"jobStatus"`
}

// UploadVideo отправляет видео на асинхронную обработку и возвращает
// идентификатор задачи.
func (a *Agent) UploadVideo(ctx context.Context, data []byte) (string, error) {
	body, status, err := a.do(ctx, http.MethodPost, "app.bsky.video.uploadVideo", nil, "video/mp4", data)
	if err != nil {
		return "", err
	}
	if err := a.checkStatus("app.bsky.video.uploadVideo", status, body); err != nil {
		return "", err
	}
	var parsed jobStatusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode job status: %w", err)
	}
	if parsed.JobStatus.JobID == "" {
		return "", fmt.Errorf("video upload returned no job id")
	}
	return parsed.JobStatus.JobID, nil
}

// GetVideoJobStatus опрашивает состояние задачи обработки видео один раз.
func (a *Agent) GetVideoJobStatus(ctx context.Context, jobID string) (domain.VideoJobStatus, error) {
	query := url.Values{"jobId": {jobID}}
	data, status, err := a.do(ctx, http.MethodGet, "app.bsky.video.getJobStatus", query, "", nil)
	if err != nil {
		return domain.VideoJobStatus{}, err
	}
	if err := a.checkStatus("app.bsky.video.getJobStatus", status, data); err != nil {
		return domain.VideoJobStatus{}, err
	}
	var parsed jobStatusResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return domain.VideoJobStatus{}, fmt.Errorf("decode job status: %w", err)
	}
	return parsed.JobStatus, nil
}
