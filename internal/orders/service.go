package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/addresses"
	"github.com/MarcoPoloResearchLab/shopcart/internal/notifications"
	"github.com/MarcoPoloResearchLab/shopcart/internal/orderstatus"
	"github.com/MarcoPoloResearchLab/shopcart/internal/rewards"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/shopcart/internal/users"
	"github.com/MarcoPoloResearchLab/shopcart/internal/validation"
)

const (
	opCreate          = "orders.create"
	opListForUser     = "orders.list_for_user"
	opGet             = "orders.get"
	opCancel          = "orders.cancel"
	opMarkPaid        = "orders.mark_paid"
	opMarkFailed      = "orders.mark_payment_failed"
	opAttachSession   = "orders.attach_checkout_session"
	opAdminUpdate     = "orders.admin_update_status"
	opAdminList       = "orders.admin_list"
	defaultCurrency   = "usd"
	maxReasonLength   = 500
	orderNumberPrefix = "ORD"

	queryOrderByID       = `*[_type == "order" && _id == $id][0]` + orderProjection
	queryOrdersForUser   = `*[_type == "order" && clerkUserId == $userId && ($status == "" || status == $status)] | order(orderDate desc)` + orderProjection
	queryProductsForCart = `*[_type == "product" && _id in $ids]{
  _id, name, "slug": slug.current, price, "discount": coalesce(discount, 0), stock, "imageUrl": images[0].asset->url
}`
	queryUserRewardState = `*[_type == "user" && _id == $id][0]{_id, _rev, "completedOrders": coalesce(completedOrders, 0)}`
)

var (
	errMissingSanity     = errors.New("sanity store is required")
	errMissingUserID     = errors.New("user identifier is required")
	errOrderNotFound     = errors.New("order not found")
	errProductNotFound   = errors.New("product not found")
	errInsufficientStock = errors.New("insufficient stock")
	errCurrencyMismatch  = errors.New("payment currency does not match order")
	errUserNotFound      = errors.New("user profile not found")
)

// AddressBook resolves a user's saved address.
type AddressBook interface {
	Get(ctx context.Context, userID, addressID string) (addresses.Address, error)
}

// Notifier delivers user notifications.
type Notifier interface {
	Send(ctx context.Context, message notifications.Message) (notifications.SendResult, error)
}

// Invalidator drops cached per-user data after order writes.
type Invalidator interface {
	InvalidateUserData(ctx context.Context, userID string) error
}

type ServiceConfig struct {
	Sanity      sanity.Store
	Addresses   AddressBook
	Notifier    Notifier
	Invalidator Invalidator
	Rewards     rewards.Rules
	Currency    string
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Service implements customer and admin order operations over Sanity order documents.
type Service struct {
	sanity      sanity.Store
	addresses   AddressBook
	notifier    Notifier
	invalidator Invalidator
	calculator  *rewards.Calculator
	currency    string
	logger      *zap.Logger
	clock       func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Sanity == nil {
		return nil, serviceerror.New("orders.service.new", "missing_sanity", serviceerror.KindInternal, errMissingSanity)
	}
	rules := cfg.Rewards
	if rules.ThresholdAmount.IsZero() {
		rules = rewards.DefaultRules()
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = defaultCurrency
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
		sanity:      cfg.Sanity,
		addresses:   cfg.Addresses,
		notifier:    cfg.Notifier,
		invalidator: cfg.Invalidator,
		calculator:  rewards.NewCalculator(rules),
		currency:    currency,
		logger:      logger,
		clock:       clock,
	}, nil
}

type cartProduct struct {
	ID       string          `json:"_id"`
	Name     string          `json:"name"`
	Slug     string          `json:"slug"`
	Price    decimal.Decimal `json:"price"`
	Discount decimal.Decimal `json:"discount"`
	Stock    *int            `json:"stock"`
	ImageURL string          `json:"imageUrl"`
}

// unitPrice applies the percentage discount, rounded to cents.
func (p cartProduct) unitPrice() decimal.Decimal {
	if !p.Discount.IsPositive() {
		return p.Price
	}
	factor := decimal.NewFromInt(100).Sub(p.Discount).Div(decimal.NewFromInt(100))
	return p.Price.Mul(factor).Round(2)
}

// Create prices the cart from current product documents and stores a pending order.
func (s *Service) Create(ctx context.Context, userID string, input CreateInput) (Order, error) {
	if strings.TrimSpace(userID) == "" {
		return Order{}, serviceerror.New(opCreate, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	if err := validation.Struct(input); err != nil {
		return Order{}, serviceerror.New(opCreate, "invalid_input", serviceerror.KindInvalid, errors.New(validation.Summary(err)))
	}

	quantities := make(map[string]int, len(input.Items))
	productIDs := make([]string, 0, len(input.Items))
	for _, item := range input.Items {
		if _, seen := quantities[item.ProductID]; !seen {
			productIDs = append(productIDs, item.ProductID)
		}
		quantities[item.ProductID] += item.Quantity
	}

	var products []cartProduct
	if err := s.sanity.Query(ctx, queryProductsForCart, map[string]any{"ids": productIDs}, &products); err != nil {
		serviceerror.Log(s.logger, opCreate, "products_query_failed", err, zap.String("user_id", userID))
		return Order{}, serviceerror.New(opCreate, "products_query_failed", serviceerror.KindUpstream, err)
	}
	byID := make(map[string]cartProduct, len(products))
	for _, product := range products {
		byID[product.ID] = product
	}

	order := Order{
		ID:            sanity.NewDocumentID("order"),
		OrderNumber:   s.newOrderNumber(),
		ClerkUserID:   userID,
		Currency:      s.currency,
		Status:        orderstatus.OrderPending,
		PaymentStatus: orderstatus.PaymentPending,
		OrderDate:     s.clock().UTC().Format(time.RFC3339),
	}
	for _, productID := range productIDs {
		product, ok := byID[productID]
		if !ok {
			return Order{}, serviceerror.New(opCreate, "product_not_found", serviceerror.KindInvalid, fmt.Errorf("%w: %s", errProductNotFound, productID))
		}
		quantity := quantities[productID]
		if product.Stock != nil && *product.Stock < quantity {
			return Order{}, serviceerror.New(opCreate, "insufficient_stock", serviceerror.KindConflict, fmt.Errorf("%w: %s", errInsufficientStock, product.Name))
		}
		unit := product.unitPrice()
		lineQuantity := decimal.NewFromInt(int64(quantity))
		order.Subtotal = order.Subtotal.Add(product.Price.Mul(lineQuantity))
		order.AmountDiscount = order.AmountDiscount.Add(product.Price.Sub(unit).Mul(lineQuantity))
		order.Items = append(order.Items, Item{
			Key:       sanity.NewKey(),
			ProductID: product.ID,
			Name:      product.Name,
			Slug:      product.Slug,
			ImageURL:  product.ImageURL,
			Price:     unit,
			Quantity:  quantity,
		})
	}
	order.TotalPrice = order.Subtotal.Sub(order.AmountDiscount)

	if s.addresses != nil {
		address, err := s.addresses.Get(ctx, userID, input.AddressID)
		if serviceerror.Is(err, serviceerror.KindNotFound) {
			return Order{}, serviceerror.New(opCreate, "address_not_found", serviceerror.KindInvalid, err)
		}
		if err != nil {
			return Order{}, err
		}
		order.Address = &ShippingAddress{
			Name:    address.Name,
			Email:   address.Email,
			Address: address.Address,
			City:    address.City,
			State:   address.State,
			Zip:     address.Zip,
		}
		order.CustomerName = address.Name
		order.Email = address.Email
	}
	if name := strings.TrimSpace(input.CustomerName); name != "" {
		order.CustomerName = name
	}
	if email := strings.TrimSpace(input.Email); email != "" {
		order.Email = strings.ToLower(email)
	}

	if _, err := s.sanity.Mutate(ctx, sanity.Create(orderDocument(order))); err != nil {
		serviceerror.Log(s.logger, opCreate, "mutate_failed", err, zap.String("user_id", userID))
		return Order{}, serviceerror.New(opCreate, "mutate_failed", serviceerror.KindUpstream, err)
	}
	s.invalidate(ctx, userID)
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.TotalPrice.StringFixed(2)),
	)
	return order, nil
}

func orderDocument(order Order) sanity.Document {
	products := make([]any, 0, len(order.Items))
	for _, item := range order.Items {
		products = append(products, map[string]any{
			"_key":     item.Key,
			"product":  sanity.Ref(item.ProductID),
			"name":     item.Name,
			"slug":     item.Slug,
			"imageUrl": item.ImageURL,
			"price":    item.Price.InexactFloat64(),
			"quantity": item.Quantity,
		})
	}
	document := sanity.Document{
		"_id":            order.ID,
		"_type":          "order",
		"orderNumber":    order.OrderNumber,
		"clerkUserId":    order.ClerkUserID,
		"user":           sanity.Ref(users.DocumentID(order.ClerkUserID)),
		"customerName":   order.CustomerName,
		"email":          order.Email,
		"currency":       order.Currency,
		"products":       products,
		"subtotal":       order.Subtotal.InexactFloat64(),
		"amountDiscount": order.AmountDiscount.InexactFloat64(),
		"totalPrice":     order.TotalPrice.InexactFloat64(),
		"status":         string(order.Status),
		"paymentStatus":  string(order.PaymentStatus),
		"orderDate":      order.OrderDate,
		"pointsAwarded":  false,
	}
	if order.Address != nil {
		document["address"] = map[string]any{
			"name":    order.Address.Name,
			"email":   order.Address.Email,
			"address": order.Address.Address,
			"city":    order.Address.City,
			"state":   order.Address.State,
			"zip":     order.Address.Zip,
		}
	}
	return document
}

func (s *Service) newOrderNumber() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("%s-%s-%s", orderNumberPrefix, s.clock().UTC().Format("20060102"), suffix)
}

// ListForUser returns the user's orders, newest first, optionally filtered by status.
func (s *Service) ListForUser(ctx context.Context, userID, statusFilter string) ([]Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, serviceerror.New(opListForUser, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	status := ""
	if strings.TrimSpace(statusFilter) != "" {
		parsed, err := orderstatus.ParseOrderStatus(statusFilter)
		if err != nil {
			return nil, serviceerror.New(opListForUser, "invalid_status", serviceerror.KindInvalid, err)
		}
		status = string(parsed)
	}
	var result []Order
	if err := s.sanity.Query(ctx, queryOrdersForUser, map[string]any{"userId": userID, "status": status}, &result); err != nil {
		serviceerror.Log(s.logger, opListForUser, "query_failed", err, zap.String("user_id", userID))
		return nil, serviceerror.New(opListForUser, "query_failed", serviceerror.KindUpstream, err)
	}
	if result == nil {
		result = []Order{}
	}
	return result, nil
}

// Get returns the order when it belongs to userID. Foreign orders are reported as missing.
func (s *Service) Get(ctx context.Context, userID, orderID string) (Order, error) {
	if strings.TrimSpace(userID) == "" {
		return Order{}, serviceerror.New(opGet, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	order, err := s.load(ctx, opGet, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.ClerkUserID != userID {
		return Order{}, serviceerror.New(opGet, "not_found", serviceerror.KindNotFound, errOrderNotFound)
	}
	return order, nil
}

// GetByID loads an order without an ownership check.
func (s *Service) GetByID(ctx context.Context, orderID string) (Order, error) {
	return s.load(ctx, opGet, orderID)
}

func (s *Service) load(ctx context.Context, operation, orderID string) (Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return Order{}, serviceerror.New(operation, "not_found", serviceerror.KindNotFound, errOrderNotFound)
	}
	var order *Order
	if err := s.sanity.Query(ctx, queryOrderByID, map[string]any{"id": orderID}, &order); err != nil {
		serviceerror.Log(s.logger, operation, "query_failed", err, zap.String("order_id", orderID))
		return Order{}, serviceerror.New(operation, "query_failed", serviceerror.KindUpstream, err)
	}
	if order == nil {
		return Order{}, serviceerror.New(operation, "not_found", serviceerror.KindNotFound, errOrderNotFound)
	}
	return *order, nil
}

// Cancel cancels a pending or processing order owned by userID.
func (s *Service) Cancel(ctx context.Context, userID, orderID, reason string) (Order, error) {
	order, err := s.Get(ctx, userID, orderID)
	if err != nil {
		return Order{}, err
	}
	if err := orderstatus.CanCancel(order.Status); err != nil {
		return Order{}, serviceerror.New(opCancel, "not_cancellable", serviceerror.KindConflict, err)
	}

	reason = strings.TrimSpace(reason)
	if runes := []rune(reason); len(runes) > maxReasonLength {
		reason = string(runes[:maxReasonLength])
	}
	now := s.clock().UTC().Format(time.RFC3339)
	patch := sanity.NewPatch(order.ID).
		SetField("status", string(orderstatus.OrderCancelled)).
		SetField("cancelledAt", now)
	if reason != "" {
		patch.SetField("cancellationReason", reason)
	}
	order.PaymentStatus = cancelledPaymentStatus(order.PaymentStatus)
	patch.SetField("paymentStatus", string(order.PaymentStatus))
	if order.Revision != "" {
		patch.IfRevision(order.Revision)
	}
	if err := s.applyPatch(ctx, opCancel, order, patch); err != nil {
		return Order{}, err
	}

	order.Status = orderstatus.OrderCancelled
	order.CancelledAt = now
	order.CancellationReason = reason
	s.notify(ctx, order, notifications.Message{
		Title:   "Order cancelled",
		Message: fmt.Sprintf("Your order %s has been cancelled.", order.OrderNumber),
		Kind:    notifications.KindOrder,
		Link:    "/orders/" + order.ID,
	})
	return order, nil
}

func cancelledPaymentStatus(current orderstatus.PaymentStatus) orderstatus.PaymentStatus {
	if current == orderstatus.PaymentPaid {
		return current
	}
	return orderstatus.PaymentCancelled
}

// AttachCheckoutSession records the Stripe checkout session started for the order.
func (s *Service) AttachCheckoutSession(ctx context.Context, order Order, sessionID string) error {
	patch := sanity.NewPatch(order.ID).SetField("stripeCheckoutSessionId", sessionID)
	if order.PaymentStatus == orderstatus.PaymentFailed {
		patch.SetField("paymentStatus", string(orderstatus.PaymentPending)).UnsetField("paymentFailureReason")
	}
	return s.applyPatch(ctx, opAttachSession, order, patch)
}

// MarkPaid records a successful payment. It reports false when the order was already paid.
func (s *Service) MarkPaid(ctx context.Context, orderID string, confirmation PaymentConfirmation) (Order, bool, error) {
	order, err := s.load(ctx, opMarkPaid, orderID)
	if err != nil {
		return Order{}, false, err
	}
	if order.PaymentStatus == orderstatus.PaymentPaid {
		return order, false, nil
	}
	if order.Status == orderstatus.OrderCancelled {
		s.logger.Warn("payment received for cancelled order",
			zap.String("order_id", order.ID),
			zap.String("payment_intent", confirmation.PaymentIntentID),
		)
		return Order{}, false, serviceerror.New(opMarkPaid, "order_cancelled", serviceerror.KindConflict, orderstatus.ErrOrderCancelled)
	}
	if confirmation.Currency != "" && !strings.EqualFold(confirmation.Currency, order.Currency) {
		return Order{}, false, serviceerror.New(opMarkPaid, "currency_mismatch", serviceerror.KindConflict, errCurrencyMismatch)
	}
	if !confirmation.AmountTotal.IsZero() && !confirmation.AmountTotal.Equal(order.TotalPrice.Round(2)) {
		s.logger.Warn("payment amount differs from order total",
			zap.String("order_id", order.ID),
			zap.String("order_total", order.TotalPrice.StringFixed(2)),
			zap.String("amount_paid", confirmation.AmountTotal.StringFixed(2)),
		)
	}

	now := s.clock().UTC().Format(time.RFC3339)
	patch := sanity.NewPatch(order.ID).
		SetField("paymentStatus", string(orderstatus.PaymentPaid)).
		SetField("paidAt", now)
	if order.Status == orderstatus.OrderPending || order.Status == orderstatus.OrderProcessing {
		patch.SetField("status", string(orderstatus.OrderPaid))
		order.Status = orderstatus.OrderPaid
	}
	if confirmation.CheckoutSessionID != "" {
		patch.SetField("stripeCheckoutSessionId", confirmation.CheckoutSessionID)
		order.StripeCheckoutSessionID = confirmation.CheckoutSessionID
	}
	if confirmation.PaymentIntentID != "" {
		patch.SetField("stripePaymentIntentId", confirmation.PaymentIntentID)
		order.StripePaymentIntentID = confirmation.PaymentIntentID
	}
	if err := s.applyPatch(ctx, opMarkPaid, order, patch); err != nil {
		return Order{}, false, err
	}
	order.PaymentStatus = orderstatus.PaymentPaid
	order.PaidAt = now

	s.notify(ctx, order, notifications.Message{
		Title:   "Payment received",
		Message: fmt.Sprintf("We received your payment for order %s.", order.OrderNumber),
		Kind:    notifications.KindOrder,
		Link:    "/orders/" + order.ID,
	})
	return order, true, nil
}

// MarkPaymentFailed flags a failed or abandoned payment. Paid orders are left untouched.
func (s *Service) MarkPaymentFailed(ctx context.Context, orderID, reason string) (Order, bool, error) {
	order, err := s.load(ctx, opMarkFailed, orderID)
	if err != nil {
		return Order{}, false, err
	}
	if order.PaymentStatus == orderstatus.PaymentPaid || order.PaymentStatus == orderstatus.PaymentFailed ||
		order.Status == orderstatus.OrderCancelled {
		return order, false, nil
	}
	patch := sanity.NewPatch(order.ID).
		SetField("paymentStatus", string(orderstatus.PaymentFailed)).
		SetField("paymentAttempts", order.PaymentAttempts+1)
	if reason = strings.TrimSpace(reason); reason != "" {
		patch.SetField("paymentFailureReason", reason)
	}
	if err := s.applyPatch(ctx, opMarkFailed, order, patch); err != nil {
		return Order{}, false, err
	}
	order.PaymentStatus = orderstatus.PaymentFailed
	order.PaymentAttempts++
	return order, true, nil
}

func (s *Service) applyPatch(ctx context.Context, operation string, order Order, patch *sanity.Patch, extra ...sanity.Mutation) error {
	mutations := append([]sanity.Mutation{patch.Mutation()}, extra...)
	if _, err := s.sanity.Mutate(ctx, mutations...); err != nil {
		if sanity.IsConflict(err) {
			return serviceerror.New(operation, "concurrent_update", serviceerror.KindConflict, err)
		}
		serviceerror.Log(s.logger, operation, "mutate_failed", err, zap.String("order_id", order.ID))
		return serviceerror.New(operation, "mutate_failed", serviceerror.KindUpstream, err)
	}
	s.invalidate(ctx, order.ClerkUserID)
	return nil
}

func (s *Service) notify(ctx context.Context, order Order, message notifications.Message) {
	if s.notifier == nil || order.ClerkUserID == "" {
		return
	}
	message.RecipientIDs = []string{order.ClerkUserID}
	if _, err := s.notifier.Send(ctx, message); err != nil {
		s.logger.Warn("order notification failed", zap.String("order_id", order.ID), zap.Error(err))
	}
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.invalidator != nil && userID != "" {
		_ = s.invalidator.InvalidateUserData(ctx, userID)
	}
}
