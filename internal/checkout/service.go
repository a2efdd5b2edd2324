package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarcoPoloResearchLab/shopcart/internal/orders"
	"github.com/MarcoPoloResearchLab/shopcart/internal/orderstatus"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/shopcart/internal/stripe"
)

const (
	opCreateSession = "checkout.create_session"
	opWebhook       = "checkout.webhook"
	opNewService    = "checkout.service.new"

	metadataOrderID     = "orderId"
	metadataOrderNumber = "orderNumber"
	metadataUserID      = "clerkUserId"

	sessionPaymentPaid     = "paid"
	sessionNoPaymentNeeded = "no_payment_required"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingOrders      = errors.New("order service is required")
	errMissingPayments    = errors.New("payment client is required")
	errMissingWebhooks    = errors.New("webhook verifier is required")
	errMissingSiteURL     = errors.New("site base url is required")
	errMissingOrderID     = errors.New("order id is required")
	errEmptyOrder         = errors.New("order has no items")
	errMissingOrderLookup = errors.New("checkout session carries no order id")
)

// idempotencyNamespace seeds deterministic Stripe idempotency keys.
var idempotencyNamespace = uuid.MustParse("5b0f8a5e-3c2d-4d59-9f0a-7f6d2b6c1e44")

// OrderService is the subset of order operations checkout depends on.
type OrderService interface {
	Get(ctx context.Context, userID, orderID string) (orders.Order, error)
	AttachCheckoutSession(ctx context.Context, order orders.Order, sessionID string) error
	MarkPaid(ctx context.Context, orderID string, confirmation orders.PaymentConfirmation) (orders.Order, bool, error)
	MarkPaymentFailed(ctx context.Context, orderID, reason string) (orders.Order, bool, error)
}

// SessionCreator opens hosted checkout sessions.
type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, params stripe.CheckoutSessionParams) (stripe.CheckoutSession, error)
}

// EventVerifier authenticates webhook payloads.
type EventVerifier interface {
	Verify(payload []byte, header string) (stripe.Event, error)
}

type ServiceConfig struct {
	Database    *gorm.DB
	Orders      OrderService
	Payments    SessionCreator
	Webhooks    EventVerifier
	SiteBaseURL string
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Service starts Stripe checkouts for orders and reconciles their webhooks.
type Service struct {
	db       *gorm.DB
	orders   OrderService
	payments SessionCreator
	webhooks EventVerifier
	siteURL  string
	logger   *zap.Logger
	clock    func() time.Time
}

// Session is returned to the browser, which redirects to URL.
type Session struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// WebhookResult summarises how an event was handled.
type WebhookResult struct {
	EventID   string `json:"eventId"`
	Type      string `json:"type"`
	OrderID   string `json:"orderId,omitempty"`
	Outcome   string `json:"outcome"`
	Duplicate bool   `json:"duplicate"`
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, serviceerror.New(opNewService, "missing_database", serviceerror.KindInternal, errMissingDatabase)
	case cfg.Orders == nil:
		return nil, serviceerror.New(opNewService, "missing_orders", serviceerror.KindInternal, errMissingOrders)
	case cfg.Payments == nil:
		return nil, serviceerror.New(opNewService, "missing_payments", serviceerror.KindInternal, errMissingPayments)
	case cfg.Webhooks == nil:
		return nil, serviceerror.New(opNewService, "missing_webhooks", serviceerror.KindInternal, errMissingWebhooks)
	}
	siteURL := strings.TrimRight(strings.TrimSpace(cfg.SiteBaseURL), "/")
	if siteURL == "" {
		return nil, serviceerror.New(opNewService, "missing_site_url", serviceerror.KindInternal, errMissingSiteURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:       cfg.Database,
		orders:   cfg.Orders,
		payments: cfg.Payments,
		webhooks: cfg.Webhooks,
		siteURL:  siteURL,
		logger:   logger,
		clock:    clock,
	}, nil
}

// CreateSession opens a hosted checkout for an unpaid order owned by userID.
func (s *Service) CreateSession(ctx context.Context, userID, orderID string) (Session, error) {
	if strings.TrimSpace(orderID) == "" {
		return Session{}, serviceerror.New(opCreateSession, "missing_order_id", serviceerror.KindInvalid, errMissingOrderID)
	}
	order, err := s.orders.Get(ctx, userID, orderID)
	if err != nil {
		return Session{}, err
	}
	if err := orderstatus.CanPay(order.Status, order.PaymentStatus); err != nil {
		if errors.Is(err, orderstatus.ErrOrderAlreadyPaid) {
			return Session{}, serviceerror.WithMessage(serviceerror.New(opCreateSession, "already_paid", serviceerror.KindConflict, err), err.Error())
		}
		return Session{}, serviceerror.WithMessage(serviceerror.New(opCreateSession, "order_cancelled", serviceerror.KindInvalid, err), err.Error())
	}
	if len(order.Items) == 0 {
		return Session{}, serviceerror.New(opCreateSession, "empty_order", serviceerror.KindInvalid, errEmptyOrder)
	}

	lineItems := make([]stripe.LineItem, 0, len(order.Items))
	for _, item := range order.Items {
		lineItems = append(lineItems, stripe.LineItem{
			Name:       item.Name,
			ImageURL:   item.ImageURL,
			UnitAmount: item.Price,
			Quantity:   item.Quantity,
		})
	}

	params := stripe.CheckoutSessionParams{
		Currency:          order.Currency,
		CustomerEmail:     order.Email,
		ClientReferenceID: order.ID,
		SuccessURL:        s.successURL(order),
		CancelURL:         s.siteURL + "/cart?canceled=" + url.QueryEscape(order.OrderNumber),
		LineItems:         lineItems,
		Metadata: map[string]string{
			metadataOrderID:     order.ID,
			metadataOrderNumber: order.OrderNumber,
			metadataUserID:      order.ClerkUserID,
		},
		IdempotencyKey: idempotencyKey(order),
	}
	session, err := s.payments.CreateCheckoutSession(ctx, params)
	if err != nil {
		serviceerror.Log(s.logger, opCreateSession, "stripe_failed", err, zap.String("order_id", order.ID))
		return Session{}, serviceerror.New(opCreateSession, "stripe_failed", serviceerror.KindUpstream, err)
	}
	if err := s.orders.AttachCheckoutSession(ctx, order, session.ID); err != nil {
		return Session{}, err
	}
	s.logger.Info("checkout session created",
		zap.String("order_id", order.ID),
		zap.String("session_id", session.ID),
	)
	return Session{URL: session.URL, SessionID: session.ID}, nil
}

func (s *Service) successURL(order orders.Order) string {
	// Stripe substitutes the placeholder, so it must stay unescaped.
	return fmt.Sprintf("%s/success?session_id={CHECKOUT_SESSION_ID}&orderNumber=%s",
		s.siteURL, url.QueryEscape(order.OrderNumber))
}

// idempotencyKey is stable within one payment attempt, so repeated clicks
// reuse the open session. Every failed or expired session bumps the order's
// attempt counter, which gives the retry a fresh key.
func idempotencyKey(order orders.Order) string {
	name := fmt.Sprintf("checkout:%s:%s:%d", order.ID, order.TotalPrice.StringFixed(2), order.PaymentAttempts)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}

// HandleWebhook verifies and applies a Stripe event. Events already in the
// ledger are acknowledged as duplicates.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (WebhookResult, error) {
	event, err := s.webhooks.Verify(payload, signatureHeader)
	if err != nil {
		s.logger.Warn("webhook signature rejected", zap.Error(err))
		return WebhookResult{}, serviceerror.New(opWebhook, "invalid_signature", serviceerror.KindInvalid, err)
	}
	result := WebhookResult{EventID: event.ID, Type: event.Type}

	var existing ProcessedWebhookEvent
	err = s.db.WithContext(ctx).Where("event_id = ?", event.ID).Take(&existing).Error
	switch {
	case err == nil:
		result.OrderID = existing.OrderID
		result.Outcome = existing.Outcome
		result.Duplicate = true
		return result, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		serviceerror.Log(s.logger, opWebhook, "ledger_lookup_failed", err, zap.String("event_id", event.ID))
		return WebhookResult{}, serviceerror.New(opWebhook, "ledger_lookup_failed", serviceerror.KindInternal, err)
	}

	result.OrderID, result.Outcome, err = s.apply(ctx, event)
	if err != nil {
		return WebhookResult{}, err
	}

	record := ProcessedWebhookEvent{
		EventID:     event.ID,
		EventType:   event.Type,
		OrderID:     result.OrderID,
		Outcome:     result.Outcome,
		ProcessedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error; err != nil {
		serviceerror.Log(s.logger, opWebhook, "ledger_write_failed", err, zap.String("event_id", event.ID))
		return WebhookResult{}, serviceerror.New(opWebhook, "ledger_write_failed", serviceerror.KindInternal, err)
	}
	s.logger.Info("webhook processed",
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
		zap.String("order_id", result.OrderID),
		zap.String("outcome", result.Outcome),
	)
	return result, nil
}

func (s *Service) apply(ctx context.Context, event stripe.Event) (string, string, error) {
	switch event.Type {
	case stripe.EventCheckoutSessionCompleted, stripe.EventCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventCheckoutSessionExpired, stripe.EventCheckoutSessionAsyncPaymentFailed:
	default:
		return "", OutcomeIgnored, nil
	}

	session, err := event.CheckoutSession()
	if err != nil {
		return "", "", serviceerror.New(opWebhook, "invalid_payload", serviceerror.KindInvalid, err)
	}
	orderID := session.Metadata[metadataOrderID]
	if orderID == "" {
		orderID = session.ClientReferenceID
	}
	if orderID == "" {
		s.logger.Warn("checkout session without order", zap.String("session_id", session.ID), zap.Error(errMissingOrderLookup))
		return "", OutcomeIgnored, nil
	}

	switch event.Type {
	case stripe.EventCheckoutSessionExpired, stripe.EventCheckoutSessionAsyncPaymentFailed:
		_, _, err := s.orders.MarkPaymentFailed(ctx, orderID, failureReason(event.Type))
		if serviceerror.Is(err, serviceerror.KindNotFound) {
			return orderID, OutcomeIgnored, nil
		}
		if err != nil {
			return "", "", err
		}
		return orderID, OutcomePaymentFailed, nil
	}

	if event.Type == stripe.EventCheckoutSessionCompleted &&
		session.PaymentStatus != sessionPaymentPaid && session.PaymentStatus != sessionNoPaymentNeeded {
		return orderID, OutcomeAwaitingPayment, nil
	}

	_, changed, err := s.orders.MarkPaid(ctx, orderID, orders.PaymentConfirmation{
		CheckoutSessionID: session.ID,
		PaymentIntentID:   session.PaymentIntent,
		AmountTotal:       stripe.FromMinorUnits(session.AmountTotal, session.Currency),
		Currency:          session.Currency,
	})
	switch {
	case errors.Is(err, orderstatus.ErrOrderCancelled):
		return orderID, OutcomeOrderCancelled, nil
	case serviceerror.Is(err, serviceerror.KindNotFound):
		s.logger.Warn("payment for unknown order", zap.String("order_id", orderID), zap.String("session_id", session.ID))
		return orderID, OutcomeIgnored, nil
	case err != nil:
		return "", "", err
	case !changed:
		return orderID, OutcomeAlreadyPaid, nil
	}
	return orderID, OutcomePaid, nil
}

func failureReason(eventType string) string {
	if eventType == stripe.EventCheckoutSessionExpired {
		return "checkout session expired"
	}
	return "asynchronous payment failed"
}
