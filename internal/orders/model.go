package orders

import (
	"github.com/shopspring/decimal"

	"github.com/MarcoPoloResearchLab/shopcart/internal/orderstatus"
)

const orderProjection = `{
  _id, _rev, orderNumber, clerkUserId, customerName, email, currency,
  "products": products[]{_key, "productId": product._ref, name, slug, imageUrl, price, quantity},
  subtotal, amountDiscount, totalPrice, address,
  status, paymentStatus, stripeCheckoutSessionId, stripePaymentIntentId,
  "paymentAttempts": coalesce(paymentAttempts, 0),
  orderDate, paidAt, cancelledAt, cancellationReason, deliveredAt,
  "pointsAwarded": coalesce(pointsAwarded, false), rewardPointsEarned, loyaltyPointsEarned
}`

// Item is a product line captured at order time.
type Item struct {
	Key       string          `json:"_key"`
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Slug      string          `json:"slug,omitempty"`
	ImageURL  string          `json:"imageUrl,omitempty"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int             `json:"quantity"`
}

// LineTotal is price times quantity.
func (i Item) LineTotal() decimal.Decimal {
	return i.Price.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// ShippingAddress is the address snapshot stored on the order.
type ShippingAddress struct {
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address"`
	City    string `json:"city"`
	State   string `json:"state"`
	Zip     string `json:"zip"`
}

// Order mirrors the Sanity order document.
type Order struct {
	ID                      string                    `json:"_id"`
	Revision                string                    `json:"_rev,omitempty"`
	OrderNumber             string                    `json:"orderNumber"`
	ClerkUserID             string                    `json:"clerkUserId"`
	CustomerName            string                    `json:"customerName"`
	Email                   string                    `json:"email"`
	Currency                string                    `json:"currency"`
	Items                   []Item                    `json:"products"`
	Subtotal                decimal.Decimal           `json:"subtotal"`
	AmountDiscount          decimal.Decimal           `json:"amountDiscount"`
	TotalPrice              decimal.Decimal           `json:"totalPrice"`
	Address                 *ShippingAddress          `json:"address,omitempty"`
	Status                  orderstatus.OrderStatus   `json:"status"`
	PaymentStatus           orderstatus.PaymentStatus `json:"paymentStatus"`
	StripeCheckoutSessionID string                    `json:"stripeCheckoutSessionId,omitempty"`
	StripePaymentIntentID   string                    `json:"stripePaymentIntentId,omitempty"`
	PaymentAttempts         int                       `json:"paymentAttempts"`
	OrderDate               string                    `json:"orderDate"`
	PaidAt                  string                    `json:"paidAt,omitempty"`
	CancelledAt             string                    `json:"cancelledAt,omitempty"`
	CancellationReason      string                    `json:"cancellationReason,omitempty"`
	DeliveredAt             string                    `json:"deliveredAt,omitempty"`
	PointsAwarded           bool                      `json:"pointsAwarded"`
	RewardPointsEarned      int                       `json:"rewardPointsEarned,omitempty"`
	LoyaltyPointsEarned     int                       `json:"loyaltyPointsEarned,omitempty"`
}

// StatusLabel is the display label of the order status.
func (o Order) StatusLabel() string {
	return o.Status.Label()
}

// PaymentConfirmation carries what the payment provider reported for a completed checkout.
type PaymentConfirmation struct {
	CheckoutSessionID string
	PaymentIntentID   string
	AmountTotal       decimal.Decimal
	Currency          string
}

// ItemInput requests a quantity of a product.
type ItemInput struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"required,gte=1,lte=99"`
}

// CreateInput describes a new order placed from the cart.
type CreateInput struct {
	Items        []ItemInput `json:"items" validate:"required,min=1,max=50,dive"`
	AddressID    string      `json:"addressId" validate:"required"`
	CustomerName string      `json:"customerName" validate:"omitempty,max=100"`
	Email        string      `json:"email" validate:"omitempty,email"`
}

// AdminFilter narrows the admin order listing.
type AdminFilter struct {
	Status        string
	PaymentStatus string
	Search        string
	Offset        int
	Limit         int
}

// Page is a window of orders plus the total match count.
type Page struct {
	Orders []Order `json:"orders"`
	Total  int     `json:"total"`
	Offset int     `json:"offset"`
	Limit  int     `json:"limit"`
}
