package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/records"
)

const (
	defaultBaseURL    = "http://127.0.0.1:8080"
	defaultTimeout    = 15 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second
	healthPath        = "/healthz"
)

// HTTPError describes a non-2xx reply. It matches records.ErrRemoteUnavailable for 5xx and 429
// statuses and records.ErrRemoteRejected for every other status.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is classifies the status into the remote failure taxonomy.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case records.ErrRemoteUnavailable:
		return isTransientStatus(e.StatusCode)
	case records.ErrRemoteRejected:
		return !isTransientStatus(e.StatusCode)
	default:
		return false
	}
}

func isTransientStatus(status int) bool {
	return status == http.StatusTooManyRequests || (status >= 500 && status <= 599)
}

// HTTPClientConfig configures an HTTPClient. Zero values select defaults.
type HTTPClientConfig struct {
	BaseURL    string
	Token      string
	Category   records.Category
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPClient talks to a remote record service over JSON/HTTP for one category.
type HTTPClient struct {
	baseURL    string
	token      string
	category   records.Category
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewHTTPClient constructs a client bound to one category.
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	category := cfg.Category
	if category == "" {
		category = records.DefaultCategory
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(cfg.Token),
		category:   category,
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

// Category returns the category the client is bound to.
func (c *HTTPClient) Category() records.Category {
	return c.category
}

// Create stores one record and returns its remote id. A repeated local id returns the
// remote id stored the first time.
func (c *HTTPClient) Create(ctx context.Context, payload records.Payload, localID records.LocalID) (records.RemoteID, error) {
	var out CreateResponse
	if err := c.doJSON(ctx, http.MethodPost, c.recordsPath(""), CreateRequest{LocalID: localID, Payload: payload}, &out); err != nil {
		return "", err
	}
	if out.RemoteID == "" {
		return "", fmt.Errorf("%w: create response without remote id", records.ErrRemoteRejected)
	}
	return out.RemoteID, nil
}

// BulkCreate stores a batch of records, skipping local ids already stored.
func (c *HTTPClient) BulkCreate(ctx context.Context, items []BulkItem) ([]BulkResult, error) {
	if len(items) == 0 {
		return nil, nil
	}
	var out BulkCreateResponse
	if err := c.doJSON(ctx, http.MethodPost, c.recordsPath("/bulk"), BulkCreateRequest{Items: items}, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// ListMine returns every record of the category.
func (c *HTTPClient) ListMine(ctx context.Context) ([]RemoteRecord, error) {
	var out ListResponse
	if err := c.doJSON(ctx, http.MethodGet, c.recordsPath(""), nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// ListMineUpdatedSince returns records updated at or after since.
func (c *HTTPClient) ListMineUpdatedSince(ctx context.Context, since time.Time) ([]RemoteRecord, error) {
	query := url.Values{}
	query.Set("updated_since_ms", strconv.FormatInt(since.UTC().UnixMilli(), 10))
	var out ListResponse
	if err := c.doJSON(ctx, http.MethodGet, c.recordsPath("")+"?"+query.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Update applies a partial payload change.
func (c *HTTPClient) Update(ctx context.Context, remoteID records.RemoteID, patch records.Patch) error {
	return c.doJSON(ctx, http.MethodPatch, c.recordsPath("/"+url.PathEscape(remoteID.String())), patch, nil)
}

// Remove deletes a record. Removing an unknown record succeeds.
func (c *HTTPClient) Remove(ctx context.Context, remoteID records.RemoteID) error {
	return c.doJSON(ctx, http.MethodDelete, c.recordsPath("/"+url.PathEscape(remoteID.String())), nil, nil)
}

// Health probes the service without retries.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", records.ErrRemoteUnavailable, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return nil
}

func (c *HTTPClient) recordsPath(suffix string) string {
	return fmt.Sprintf("/v1/categories/%s/records%s", url.PathEscape(c.category.String()), suffix)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, body any, out any) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", records.ErrRemoteRejected, err)
		}
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return fmt.Errorf("%w: build request: %v", records.ErrRemoteRejected, err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries && ctx.Err() == nil {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return fmt.Errorf("%w: %v", records.ErrRemoteUnavailable, waitErr)
				}
				continue
			}
			return fmt.Errorf("%w: %v", records.ErrRemoteUnavailable, err)
		}
		payloadBytes, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("%w: read response: %v", records.ErrRemoteUnavailable, readErr)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(payloadBytes) == 0 {
				return nil
			}
			if err := json.Unmarshal(payloadBytes, out); err != nil {
				return fmt.Errorf("%w: decode response: %v", records.ErrRemoteRejected, err)
			}
			return nil
		}

		if isTransientStatus(resp.StatusCode) && attempt < c.maxRetries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return fmt.Errorf("%w: %v", records.ErrRemoteUnavailable, waitErr)
			}
			continue
		}

		var errPayload ErrorResponse
		_ = json.Unmarshal(payloadBytes, &errPayload)
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       errPayload.Error,
			Message:    errPayload.Message,
		}
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsNotFound reports whether err is a 404 reply.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}
