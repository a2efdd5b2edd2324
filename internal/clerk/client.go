package clerk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	clerksdk "github.com/clerk/clerk-sdk-go/v2"
	"github.com/clerk/clerk-sdk-go/v2/user"
	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	maxListLimit       = 500
	defaultOrderBy     = "-created_at"
)

var (
	errMissingSecretKey = errors.New("secret key is required")
	errMissingUserID    = errors.New("user id is required")
	// ErrInvalidClientConfig wraps every constructor validation failure.
	ErrInvalidClientConfig = errors.New("clerk: invalid client config")
)

// Config describes how to reach the Clerk Backend API. APIURL overrides the
// SDK's default host; the API version path is added by the SDK.
type Config struct {
	APIURL     string
	SecretKey  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client calls the Clerk Backend API.
type Client struct {
	users  *user.Client
	logger *zap.Logger
}

// APIError reports a request Clerk rejected.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("clerk: status %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a Clerk 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient validates configuration and builds a client.
func NewClient(cfg Config) (*Client, error) {
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidClientConfig, errMissingSecretKey)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	backend := clerksdk.BackendConfig{
		Key:        clerksdk.String(secretKey),
		HTTPClient: httpClient,
	}
	apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if apiURL = strings.TrimSuffix(apiURL, "/v1"); apiURL != "" {
		backend.URL = clerksdk.String(apiURL)
	}
	return &Client{
		users:  user.NewClient(&clerksdk.ClientConfig{BackendConfig: backend}),
		logger: logger,
	}, nil
}

// GetUser fetches a single user.
func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, errMissingUserID
	}
	found, err := c.users.Get(ctx, userID)
	if err != nil {
		return User{}, c.apiError("get", err)
	}
	return fromSDKUser(found), nil
}

// ListUsersParams filters the user listing.
type ListUsersParams struct {
	Limit        int
	Offset       int
	OrderBy      string
	Query        string
	EmailAddress []string
	UserIDs      []string
}

// ListUsers returns one page of users.
func (c *Client) ListUsers(ctx context.Context, params ListUsersParams) ([]User, error) {
	limit := params.Limit
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	orderBy := strings.TrimSpace(params.OrderBy)
	if orderBy == "" {
		orderBy = defaultOrderBy
	}
	request := &user.ListParams{
		OrderBy:        clerksdk.String(orderBy),
		EmailAddresses: params.EmailAddress,
		UserIDs:        params.UserIDs,
	}
	request.Limit = clerksdk.Int64(int64(limit))
	if params.Offset > 0 {
		request.Offset = clerksdk.Int64(int64(params.Offset))
	}
	if query := strings.TrimSpace(params.Query); query != "" {
		request.Query = clerksdk.String(query)
	}

	list, err := c.users.List(ctx, request)
	if err != nil {
		return nil, c.apiError("list", err)
	}
	users := make([]User, 0, len(list.Users))
	for _, listed := range list.Users {
		users = append(users, fromSDKUser(listed))
	}
	return users, nil
}

// CountUsers returns the total number of users.
func (c *Client) CountUsers(ctx context.Context) (int, error) {
	total, err := c.users.Count(ctx, &user.ListParams{})
	if err != nil {
		return 0, c.apiError("count", err)
	}
	return int(total.TotalCount), nil
}

// UpdateUserMetadata deep-merges the given metadata into the user. Keys set to
// nil are removed by Clerk.
func (c *Client) UpdateUserMetadata(ctx context.Context, userID string, public, private map[string]any) (User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return User{}, errMissingUserID
	}
	request := &user.UpdateMetadataParams{}
	if public != nil {
		raw, err := rawMetadata(public)
		if err != nil {
			return User{}, err
		}
		request.PublicMetadata = raw
	}
	if private != nil {
		raw, err := rawMetadata(private)
		if err != nil {
			return User{}, err
		}
		request.PrivateMetadata = raw
	}

	updated, err := c.users.UpdateMetadata(ctx, userID, request)
	if err != nil {
		return User{}, c.apiError("update_metadata", err)
	}
	return fromSDKUser(updated), nil
}

func rawMetadata(values map[string]any) (*json.RawMessage, error) {
	encoded, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("clerk: encode metadata: %w", err)
	}
	raw := json.RawMessage(encoded)
	return &raw, nil
}

func (c *Client) apiError(operation string, err error) error {
	var response *clerksdk.APIErrorResponse
	if !errors.As(err, &response) {
		return fmt.Errorf("clerk: request failed: %w", err)
	}
	apiErr := &APIError{StatusCode: response.HTTPStatusCode, Code: "unknown", Message: http.StatusText(response.HTTPStatusCode)}
	if len(response.Errors) > 0 {
		first := response.Errors[0]
		apiErr.Code = first.Code
		apiErr.Message = first.Message
		if first.LongMessage != "" {
			apiErr.Message = first.LongMessage
		}
	}
	c.logger.Warn("clerk request rejected",
		zap.String("operation", operation),
		zap.Int("status", apiErr.StatusCode),
		zap.String("code", apiErr.Code))
	return apiErr
}

func fromSDKUser(source *clerksdk.User) User {
	if source == nil {
		return User{}
	}
	converted := User{
		ID:                    source.ID,
		FirstName:             deref(source.FirstName),
		LastName:              deref(source.LastName),
		Username:              deref(source.Username),
		ImageURL:              deref(source.ImageURL),
		PrimaryEmailAddressID: deref(source.PrimaryEmailAddressID),
		PublicMetadata:        decodeMetadata(source.PublicMetadata),
		PrivateMetadata:       decodeMetadata(source.PrivateMetadata),
		Banned:                source.Banned,
		CreatedAtMillis:       source.CreatedAt,
	}
	if source.LastSignInAt != nil {
		converted.LastSignInAtMillis = *source.LastSignInAt
	}
	for _, address := range source.EmailAddresses {
		if address == nil {
			continue
		}
		converted.EmailAddresses = append(converted.EmailAddresses, EmailAddress{ID: address.ID, EmailAddress: address.EmailAddress})
	}
	return converted
}

func decodeMetadata(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
