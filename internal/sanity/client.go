package sanity

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

	"go.uber.org/zap"
)

const (
	defaultAPIVersion  = "2024-01-01"
	defaultHTTPTimeout = 15 * time.Second
	maxErrorBodyBytes  = 64 << 10
)

var (
	errMissingProjectID = errors.New("project id is required")
	errMissingDataset   = errors.New("dataset is required")
	errMissingQuery     = errors.New("query must not be empty")
	errNoMutations      = errors.New("at least one mutation is required")
	// ErrInvalidClientConfig wraps every constructor validation failure.
	ErrInvalidClientConfig = errors.New("sanity: invalid client config")
)

// Config describes how to reach a Sanity dataset.
type Config struct {
	ProjectID  string
	Dataset    string
	APIVersion string
	Token      string
	UseCDN     bool
	// BaseURL overrides the project host, e.g. for tests.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Store is the subset of the Sanity API the services depend on.
type Store interface {
	Query(ctx context.Context, query string, params map[string]any, out any) error
	Mutate(ctx context.Context, mutations ...Mutation) (MutationResult, error)
}

var _ Store = (*Client)(nil)

// Client issues GROQ queries and mutations against the Sanity HTTP API.
type Client struct {
	queryBase  string
	mutateBase string
	dataset    string
	apiVersion string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// APIError reports a non-2xx response from Sanity.
type APIError struct {
	StatusCode  int
	Type        string
	Description string
}

func (e *APIError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("sanity: status %d: %s: %s", e.StatusCode, e.Type, e.Description)
	}
	return fmt.Sprintf("sanity: status %d: %s", e.StatusCode, e.Description)
}

// IsNotFound reports whether err is a Sanity 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a Sanity revision or uniqueness conflict.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict
}

// NewClient validates configuration and builds a client.
func NewClient(cfg Config) (*Client, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if projectID == "" && baseURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingProjectID)
	}
	dataset := strings.TrimSpace(cfg.Dataset)
	if dataset == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingDataset)
	}
	apiVersion := strings.TrimPrefix(strings.TrimSpace(cfg.APIVersion), "v")
	if apiVersion == "" {
		apiVersion = defaultAPIVersion
	}

	queryBase := baseURL
	mutateBase := baseURL
	if baseURL == "" {
		mutateBase = fmt.Sprintf("https://%s.api.sanity.io", projectID)
		queryBase = mutateBase
		// CDN responses are stale for authenticated reads, so only anonymous clients use it.
		if cfg.UseCDN && strings.TrimSpace(cfg.Token) == "" {
			queryBase = fmt.Sprintf("https://%s.apicdn.sanity.io", projectID)
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		queryBase:  queryBase,
		mutateBase: mutateBase,
		dataset:    dataset,
		apiVersion: apiVersion,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type queryResponse struct {
	Result json.RawMessage `json:"result"`
	Ms     int             `json:"ms"`
}

// Query executes a GROQ query and decodes its result into out. Params are
// passed as $name query parameters with JSON encoded values.
func (c *Client) Query(ctx context.Context, query string, params map[string]any, out any) error {
	if strings.TrimSpace(query) == "" {
		return errMissingQuery
	}

	values := url.Values{}
	values.Set("query", query)
	for name, value := range params {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("sanity: encode param %s: %w", name, err)
		}
		values.Set("$"+strings.TrimPrefix(name, "$"), string(encoded))
	}

	endpoint := fmt.Sprintf("%s/v%s/data/query/%s?%s", c.queryBase, c.apiVersion, url.PathEscape(c.dataset), values.Encode())
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}

	body, err := c.do(request)
	if err != nil {
		return err
	}

	var response queryResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return fmt.Errorf("sanity: decode query response: %w", err)
	}
	c.logger.Debug("sanity query", zap.Int("server_ms", response.Ms))
	if out == nil || len(response.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(response.Result, out); err != nil {
		return fmt.Errorf("sanity: decode query result: %w", err)
	}
	return nil
}

// MutationResult reports the transaction id and the affected document ids.
type MutationResult struct {
	TransactionID string `json:"transactionId"`
	Results       []struct {
		ID        string `json:"id"`
		Operation string `json:"operation"`
	} `json:"results"`
}

// DocumentIDs returns the affected document ids in mutation order.
func (r MutationResult) DocumentIDs() []string {
	ids := make([]string, 0, len(r.Results))
	for _, result := range r.Results {
		ids = append(ids, result.ID)
	}
	return ids
}

type mutateRequest struct {
	Mutations []Mutation `json:"mutations"`
}

// Mutate applies mutations in a single transaction.
func (c *Client) Mutate(ctx context.Context, mutations ...Mutation) (MutationResult, error) {
	if len(mutations) == 0 {
		return MutationResult{}, errNoMutations
	}

	payload, err := json.Marshal(mutateRequest{Mutations: mutations})
	if err != nil {
		return MutationResult{}, fmt.Errorf("sanity: encode mutations: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v%s/data/mutate/%s?returnIds=true&visibility=sync", c.mutateBase, c.apiVersion, url.PathEscape(c.dataset))
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return MutationResult{}, err
	}
	request.Header.Set("Content-Type", "application/json")

	body, err := c.do(request)
	if err != nil {
		return MutationResult{}, err
	}

	var result MutationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return MutationResult{}, fmt.Errorf("sanity: decode mutation response: %w", err)
	}
	return result, nil
}

func (c *Client) do(request *http.Request) ([]byte, error) {
	request.Header.Set("Accept", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("sanity: request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBodyBytes))
		apiErr := decodeAPIError(response.StatusCode, raw)
		c.logger.Warn("sanity request rejected",
			zap.String("method", request.Method),
			zap.Int("status", response.StatusCode),
			zap.String("type", apiErr.Type),
			zap.String("description", apiErr.Description))
		return nil, apiErr
	}

	return io.ReadAll(response.Body)
}

// decodeAPIError understands both {"error":{"type","description"}} and the flat {"error","message"} shapes.
func decodeAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Description: http.StatusText(status)}

	var nested struct {
		Error struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &nested); err == nil && nested.Error.Description != "" {
		apiErr.Type = nested.Error.Type
		apiErr.Description = nested.Error.Description
		return apiErr
	}

	var flat struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &flat); err == nil {
		if flat.Message != "" {
			apiErr.Description = flat.Message
		}
		apiErr.Type = flat.Error
	}
	return apiErr
}
