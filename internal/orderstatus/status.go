package orderstatus

import (
	"errors"
	"fmt"
	"strings"
)

// OrderStatus enumerates the order lifecycle labels stored on order documents.
type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderProcessing     OrderStatus = "processing"
	OrderPaid           OrderStatus = "paid"
	OrderShipped        OrderStatus = "shipped"
	OrderOutForDelivery OrderStatus = "out_for_delivery"
	OrderDelivered      OrderStatus = "delivered"
	OrderCancelled      OrderStatus = "cancelled"
)

// PaymentStatus enumerates the payment labels stored on order documents.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentPaid      PaymentStatus = "paid"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

var (
	// ErrUnknownOrderStatus indicates a label outside the order taxonomy.
	ErrUnknownOrderStatus = errors.New("orderstatus: unknown order status")
	// ErrUnknownPaymentStatus indicates a label outside the payment taxonomy.
	ErrUnknownPaymentStatus = errors.New("orderstatus: unknown payment status")
	// ErrOrderCancelled is returned by gates when the order was cancelled.
	ErrOrderCancelled = errors.New("cannot pay for a cancelled order")
	// ErrOrderAlreadyPaid is returned by gates when payment was already captured.
	ErrOrderAlreadyPaid = errors.New("order has already been paid")
	// ErrOrderNotCancellable is returned when an order progressed past cancellation.
	ErrOrderNotCancellable = errors.New("order can no longer be cancelled")
)

var orderStatuses = []OrderStatus{
	OrderPending,
	OrderProcessing,
	OrderPaid,
	OrderShipped,
	OrderOutForDelivery,
	OrderDelivered,
	OrderCancelled,
}

var paymentStatuses = []PaymentStatus{
	PaymentPending,
	PaymentPaid,
	PaymentFailed,
	PaymentCancelled,
}

var orderLabels = map[OrderStatus]string{
	OrderPending:        "Pending",
	OrderProcessing:     "Processing",
	OrderPaid:           "Paid",
	OrderShipped:        "Shipped",
	OrderOutForDelivery: "Out for Delivery",
	OrderDelivered:      "Delivered",
	OrderCancelled:      "Cancelled",
}

// AllOrderStatuses returns every order status in lifecycle order.
func AllOrderStatuses() []OrderStatus {
	return append([]OrderStatus(nil), orderStatuses...)
}

// AllPaymentStatuses returns every payment status.
func AllPaymentStatuses() []PaymentStatus {
	return append([]PaymentStatus(nil), paymentStatuses...)
}

// ParseOrderStatus normalizes and validates an order status label.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	normalized := OrderStatus(normalizeLabel(raw))
	for _, status := range orderStatuses {
		if status == normalized {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOrderStatus, raw)
}

// ParsePaymentStatus normalizes and validates a payment status label.
func ParsePaymentStatus(raw string) (PaymentStatus, error) {
	normalized := PaymentStatus(normalizeLabel(raw))
	for _, status := range paymentStatuses {
		if status == normalized {
			return status, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPaymentStatus, raw)
}

// normalizeLabel accepts "Out for Delivery", "out-for-delivery" and "out_for_delivery" alike.
func normalizeLabel(raw string) string {
	lowered := strings.ToLower(strings.TrimSpace(raw))
	lowered = strings.ReplaceAll(lowered, "-", "_")
	return strings.Join(strings.Fields(lowered), "_")
}

// Label returns the display label for the status.
func (s OrderStatus) Label() string {
	if label, ok := orderLabels[s]; ok {
		return label
	}
	return string(s)
}

// String implements fmt.Stringer.
func (s OrderStatus) String() string {
	return string(s)
}

// String implements fmt.Stringer.
func (s PaymentStatus) String() string {
	return string(s)
}

// IsActive reports whether the order is still moving through fulfilment.
func (s OrderStatus) IsActive() bool {
	return s != OrderDelivered && s != OrderCancelled
}

// IsFulfilled reports whether the order reached the customer.
func (s OrderStatus) IsFulfilled() bool {
	return s == OrderDelivered
}

// CanPay returns nil when a payment may be started for the order.
func CanPay(order OrderStatus, payment PaymentStatus) error {
	if order == OrderCancelled || payment == PaymentCancelled {
		return ErrOrderCancelled
	}
	if payment == PaymentPaid || order == OrderPaid {
		return ErrOrderAlreadyPaid
	}
	return nil
}

// CanCancel returns nil when the customer may still cancel the order.
func CanCancel(order OrderStatus) error {
	switch order {
	case OrderPending, OrderProcessing:
		return nil
	default:
		return fmt.Errorf("%w: status %s", ErrOrderNotCancellable, order)
	}
}

// CountsAsRevenue reports whether the order contributes to admin revenue totals.
func CountsAsRevenue(order OrderStatus, payment PaymentStatus) bool {
	if order == OrderCancelled {
		return false
	}
	return payment == PaymentPaid || order == OrderDelivered
}
