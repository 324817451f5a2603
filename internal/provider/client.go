package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/omniverifier/engine/internal/config"
	"github.com/omniverifier/engine/internal/domain"
	"github.com/omniverifier/engine/internal/pkg/httpretry"
)

// Client is the verification provider API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a provider client from configuration.
func NewClient(cfg config.ProviderConfig) *Client {
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, cfg.MaxRetries),
	}
}

// NewClientWithDoer creates a client with a custom transport, for tests.
func NewClientWithDoer(baseURL, apiKey string, doer httpretry.HTTPDoer) *Client {
	if doer == nil {
		doer = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: doer}
}

// doRequest makes one authenticated request and maps provider error
// statuses to sentinels.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	fullURL := c.baseURL + path

	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return nil, ErrPaymentRequired
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrBatchNotFound
	default:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
}

// CreateBatch submits a pool of stripped addresses for verification and
// returns the provider-assigned batch id.
func (c *Client) CreateBatch(ctx context.Context, ct domain.CheckType, emails []string) (string, error) {
	if len(emails) == 0 {
		return "", fmt.Errorf("empty email pool")
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/v1/batches", CreateBatchRequest{
		CheckType: string(ct),
		Emails:    emails,
	})
	if err != nil {
		return "", fmt.Errorf("creating provider batch: %w", err)
	}

	var response CreateBatchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("parsing create response: %w", err)
	}
	if response.BatchID == "" {
		return "", fmt.Errorf("provider returned empty batch id")
	}
	return response.BatchID, nil
}

// CheckStatus polls one provider batch.
func (c *Client) CheckStatus(ctx context.Context, providerBatchID string) (*StatusResponse, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/batches/"+providerBatchID, nil)
	if err != nil {
		return nil, fmt.Errorf("checking batch %s: %w", providerBatchID, err)
	}

	var response StatusResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parsing status response: %w", err)
	}
	return &response, nil
}

// DownloadResults fetches the completion payload of a completed batch.
func (c *Client) DownloadResults(ctx context.Context, providerBatchID string) ([]domain.ProviderResult, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v1/batches/"+providerBatchID+"/results", nil)
	if err != nil {
		return nil, fmt.Errorf("downloading results for %s: %w", providerBatchID, err)
	}

	var response ResultsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parsing results response: %w", err)
	}
	return response.Results, nil
}
