package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripeapi "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/checkout/session"
	"go.uber.org/zap"
)

const (
	defaultHTTPTimeout = 30 * time.Second
	defaultCurrency    = "usd"
)

var (
	errMissingSecretKey  = errors.New("secret key is required")
	errMissingLineItems  = errors.New("at least one line item is required")
	errMissingReturnURLs = errors.New("success and cancel urls are required")
	errInvalidQuantity   = errors.New("line item quantity must be positive")
	errInvalidUnitAmount = errors.New("line item unit amount must not be negative")
	// ErrInvalidClientConfig wraps every constructor validation failure.
	ErrInvalidClientConfig = errors.New("stripe: invalid client config")
)

// zeroDecimalCurrencies are charged in whole units rather than cents.
var zeroDecimalCurrencies = map[string]struct{}{
	"bif": {}, "clp": {}, "djf": {}, "gnf": {}, "jpy": {}, "kmf": {}, "krw": {}, "mga": {},
	"pyg": {}, "rwf": {}, "ugx": {}, "vnd": {}, "vuv": {}, "xaf": {}, "xof": {}, "xpf": {},
}

// Config describes how to reach the Stripe API. APIURL overrides the SDK's
// default backend and is how tests point the client at a local server.
type Config struct {
	APIURL     string
	SecretKey  string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client creates hosted checkout sessions.
type Client struct {
	sessions session.Client
	logger   *zap.Logger
}

// APIError reports a request Stripe rejected.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("stripe: status %d: %s: %s", e.StatusCode, e.Type, e.Message)
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

	backendConfig := &stripeapi.BackendConfig{
		HTTPClient:        httpClient,
		LeveledLogger:     logger.Named("stripe").Sugar(),
		MaxNetworkRetries: stripeapi.Int64(0),
	}
	if apiURL := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"); apiURL != "" {
		backendConfig.URL = stripeapi.String(apiURL)
	}
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendConfig)

	return &Client{
		sessions: session.Client{B: backend, Key: secretKey},
		logger:   logger,
	}, nil
}

// LineItem is one product row of a checkout session.
type LineItem struct {
	Name        string
	Description string
	ImageURL    string
	UnitAmount  decimal.Decimal
	Quantity    int
}

// CheckoutSessionParams describes a hosted checkout session.
type CheckoutSessionParams struct {
	Currency          string
	CustomerEmail     string
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
	LineItems         []LineItem
	Metadata          map[string]string
	IdempotencyKey    string
	ExpiresAt         time.Time
}

// CheckoutSession is the subset of the session object returned to callers.
type CheckoutSession struct {
	ID                string
	URL               string
	Status            string
	PaymentStatus     string
	PaymentIntent     string
	AmountTotal       int64
	Currency          string
	ClientReferenceID string
	CustomerEmail     string
	Metadata          map[string]string
}

// ToMinorUnits converts a decimal amount into the integer unit Stripe charges in.
func ToMinorUnits(amount decimal.Decimal, currency string) int64 {
	if _, zeroDecimal := zeroDecimalCurrencies[strings.ToLower(currency)]; zeroDecimal {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts Stripe's integer amount back into a decimal.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	if _, zeroDecimal := zeroDecimalCurrencies[strings.ToLower(currency)]; zeroDecimal {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

// SessionParams validates params and renders them as SDK request parameters.
// Metadata is copied onto the payment intent so refunds and disputes carry it.
func SessionParams(params CheckoutSessionParams) (*stripeapi.CheckoutSessionParams, error) {
	if len(params.LineItems) == 0 {
		return nil, errMissingLineItems
	}
	if strings.TrimSpace(params.SuccessURL) == "" || strings.TrimSpace(params.CancelURL) == "" {
		return nil, errMissingReturnURLs
	}
	currency := strings.ToLower(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	request := &stripeapi.CheckoutSessionParams{
		Mode:       stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		SuccessURL: stripeapi.String(params.SuccessURL),
		CancelURL:  stripeapi.String(params.CancelURL),
	}
	if params.CustomerEmail != "" {
		request.CustomerEmail = stripeapi.String(params.CustomerEmail)
	}
	if params.ClientReferenceID != "" {
		request.ClientReferenceID = stripeapi.String(params.ClientReferenceID)
	}
	if !params.ExpiresAt.IsZero() {
		request.ExpiresAt = stripeapi.Int64(params.ExpiresAt.Unix())
	}

	for index, item := range params.LineItems {
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d", errInvalidQuantity, index)
		}
		if item.UnitAmount.IsNegative() {
			return nil, fmt.Errorf("%w: item %d", errInvalidUnitAmount, index)
		}
		product := &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{Name: stripeapi.String(item.Name)}
		if item.Description != "" {
			product.Description = stripeapi.String(item.Description)
		}
		if item.ImageURL != "" {
			product.Images = stripeapi.StringSlice([]string{item.ImageURL})
		}
		request.LineItems = append(request.LineItems, &stripeapi.CheckoutSessionLineItemParams{
			Quantity: stripeapi.Int64(int64(item.Quantity)),
			PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripeapi.String(currency),
				UnitAmount:  stripeapi.Int64(ToMinorUnits(item.UnitAmount, currency)),
				ProductData: product,
			},
		})
	}

	if len(params.Metadata) > 0 {
		request.PaymentIntentData = &stripeapi.CheckoutSessionPaymentIntentDataParams{Metadata: map[string]string{}}
		for key, value := range params.Metadata {
			request.AddMetadata(key, value)
			request.PaymentIntentData.Metadata[key] = value
		}
	}
	if params.IdempotencyKey != "" {
		request.SetIdempotencyKey(params.IdempotencyKey)
	}
	return request, nil
}

// CreateCheckoutSession creates a hosted checkout session.
func (c *Client) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (CheckoutSession, error) {
	request, err := SessionParams(params)
	if err != nil {
		return CheckoutSession{}, err
	}
	request.Context = ctx

	created, err := c.sessions.New(request)
	if err != nil {
		var stripeErr *stripeapi.Error
		if errors.As(err, &stripeErr) {
			c.logger.Warn("stripe request rejected",
				zap.Int("status", stripeErr.HTTPStatusCode),
				zap.String("type", string(stripeErr.Type)),
				zap.String("code", string(stripeErr.Code)))
			return CheckoutSession{}, &APIError{
				StatusCode: stripeErr.HTTPStatusCode,
				Type:       string(stripeErr.Type),
				Code:       string(stripeErr.Code),
				Message:    stripeErr.Msg,
			}
		}
		return CheckoutSession{}, fmt.Errorf("stripe: request failed: %w", err)
	}
	return fromSDKSession(created), nil
}

func fromSDKSession(created *stripeapi.CheckoutSession) CheckoutSession {
	result := CheckoutSession{
		ID:                created.ID,
		URL:               created.URL,
		Status:            string(created.Status),
		PaymentStatus:     string(created.PaymentStatus),
		AmountTotal:       created.AmountTotal,
		Currency:          string(created.Currency),
		ClientReferenceID: created.ClientReferenceID,
		CustomerEmail:     created.CustomerEmail,
		Metadata:          created.Metadata,
	}
	if created.PaymentIntent != nil {
		result.PaymentIntent = created.PaymentIntent.ID
	}
	return result
}
