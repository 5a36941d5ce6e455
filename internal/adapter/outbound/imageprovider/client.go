package imageprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/imagegen/server/internal/model"
	"github.com/imagegen/server/internal/port/outbound"
)

const maxErrorBody = 4 << 10

// Config contains image provider client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	// FailureThreshold is the number of consecutive transient failures that opens the breaker.
	FailureThreshold uint32
	// CircuitTimeout is how long the breaker stays open before probing again.
	CircuitTimeout time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 5,
		CircuitTimeout:   30 * time.Second,
	}
}

// Client implements outbound.ImageProviderPort over the provider's task API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *zap.Logger
}

// NewClient creates a new image provider client.
func NewClient(httpClient *http.Client, config *Config, logger *zap.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	threshold := config.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	logger = logger.Named("image_provider")

	settings := gobreaker.Settings{
		Name:        "image_provider",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     config.CircuitTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Rejections are answers, not outages.
		IsSuccessful: func(err error) bool {
			return err == nil || !outbound.IsTransientProviderError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		apiKey:  config.APIKey,
		http:    httpClient,
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		logger:  logger,
	}
}

type submitRequest struct {
	Prompt    string `json:"prompt"`
	Model     string `json:"model,omitempty"`
	Size      string `json:"size,omitempty"`
	N         int    `json:"n"`
	Reference string `json:"reference_image,omitempty"`
}

type submitResponse struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
}

type statusResponse struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	Progress   float64  `json:"progress"`
	ResultURLs []string `json:"result_urls"`
	Images     []struct {
		URL string `json:"url"`
	} `json:"images"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type errorEnvelope struct {
	Error *apiError `json:"error"`
}

// Submit starts an image job and returns the provider task id.
func (c *Client) Submit(ctx context.Context, req *model.ImageGenerationRequest) (string, error) {
	body, err := json.Marshal(&submitRequest{
		Prompt:    req.Prompt,
		Model:     req.Model,
		Size:      req.Size,
		N:         req.N,
		Reference: req.Reference,
	})
	if err != nil {
		return "", &outbound.ProviderError{Message: "marshal request", Err: err}
	}

	respBody, err := c.do(ctx, http.MethodPost, "/v1/images/tasks", body)
	if err != nil {
		return "", err
	}

	var resp submitResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", &outbound.ProviderError{Message: "decode submit response", Err: err}
	}
	id := resp.ID
	if id == "" {
		id = resp.TaskID
	}
	if id == "" {
		return "", &outbound.ProviderError{Message: "submit response has no task id"}
	}
	return id, nil
}

// GetStatus polls an image job.
func (c *Client) GetStatus(ctx context.Context, providerTaskID string) (*model.ProviderTaskStatus, error) {
	respBody, err := c.do(ctx, http.MethodGet, "/v1/images/tasks/"+url.PathEscape(providerTaskID), nil)
	if err != nil {
		return nil, err
	}

	var resp statusResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &outbound.ProviderError{Message: "decode status response", Transient: true, Err: err}
	}

	status := &model.ProviderTaskStatus{
		Status:     normalizeState(resp.Status),
		Progress:   resp.Progress,
		ResultURLs: resp.ResultURLs,
	}
	if len(status.ResultURLs) == 0 {
		for _, img := range resp.Images {
			if img.URL != "" {
				status.ResultURLs = append(status.ResultURLs, img.URL)
			}
		}
	}
	if resp.Error != nil {
		status.Error = resp.Error.Message
	}
	return status, nil
}

// do executes a request through the circuit breaker and returns the 2xx body.
func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	respBody, err := c.breaker.Execute(func() ([]byte, error) {
		return c.roundTrip(ctx, method, path, body)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &outbound.ProviderError{Message: "circuit open", Transient: true, Err: err}
	}
	return respBody, err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, &outbound.ProviderError{Message: "create request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &outbound.ProviderError{Message: "execute request", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &outbound.ProviderError{Message: "read response", Transient: true, Err: err}
		}
		return respBody, nil
	}

	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &outbound.ProviderError{
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp.StatusCode, errBody),
		Transient:  isTransientStatus(resp.StatusCode),
	}
}

func isTransientStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}

func errorMessage(code int, body []byte) string {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil && env.Error.Message != "" {
		return env.Error.Message
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fmt.Sprintf("unexpected status %d", code)
}

func normalizeState(status string) model.ProviderTaskState {
	switch strings.ToLower(status) {
	case "queued", "pending", "submitted":
		return model.ProviderTaskQueued
	case "running", "processing", "in_progress":
		return model.ProviderTaskRunning
	case "succeeded", "success", "completed":
		return model.ProviderTaskSucceeded
	case "failed", "error", "canceled", "cancelled":
		return model.ProviderTaskFailed
	default:
		return model.ProviderTaskState(status)
	}
}

// Compile-time check
var _ outbound.ImageProviderPort = (*Client)(nil)
