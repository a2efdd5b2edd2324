package orders

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/shopcart/internal/notifications"
	"github.com/MarcoPoloResearchLab/shopcart/internal/orderstatus"
	"github.com/MarcoPoloResearchLab/shopcart/internal/rewards"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/shopcart/internal/users"
)

const (
	defaultAdminPageSize = 20
	maxAdminPageSize     = 100

	adminOrderFilter = `_type == "order" &&
  ($status == "" || status == $status) &&
  ($paymentStatus == "" || paymentStatus == $paymentStatus) &&
  ($search == "" || orderNumber match $search || email match $search || customerName match $search)`
	queryAdminOrders     = `*[` + adminOrderFilter + `] | order(orderDate desc) [$start...$end]` + orderProjection
	queryAdminOrderCount = `count(*[` + adminOrderFilter + `])`
)

type userRewardState struct {
	ID              string `json:"_id"`
	Revision        string `json:"_rev"`
	CompletedOrders int    `json:"completedOrders"`
}

// AdminUpdateStatus moves an order to status. The first transition to
// delivered awards reward and loyalty points to the customer in the same
// transaction that stamps the order.
func (s *Service) AdminUpdateStatus(ctx context.Context, adminID, orderID, rawStatus string) (Order, error) {
	status, err := orderstatus.ParseOrderStatus(rawStatus)
	if err != nil {
		return Order{}, serviceerror.New(opAdminUpdate, "invalid_status", serviceerror.KindInvalid, err)
	}
	order, err := s.load(ctx, opAdminUpdate, orderID)
	if err != nil {
		return Order{}, err
	}
	if order.Status == status {
		return order, nil
	}

	now := s.clock().UTC().Format(time.RFC3339)
	patch := sanity.NewPatch(order.ID).
		SetField("status", string(status)).
		SetField("statusUpdatedAt", now).
		SetField("statusUpdatedBy", adminID)
	if order.Revision != "" {
		patch.IfRevision(order.Revision)
	}

	switch status {
	case orderstatus.OrderCancelled:
		order.PaymentStatus = cancelledPaymentStatus(order.PaymentStatus)
		patch.SetField("paymentStatus", string(order.PaymentStatus)).SetField("cancelledAt", now)
		order.CancelledAt = now
	case orderstatus.OrderPaid:
		if order.PaymentStatus != orderstatus.PaymentPaid {
			patch.SetField("paymentStatus", string(orderstatus.PaymentPaid)).SetField("paidAt", now)
			order.PaymentStatus = orderstatus.PaymentPaid
			order.PaidAt = now
		}
	}

	var (
		extra []sanity.Mutation
		award rewards.Award
	)
	switch {
	case status.IsFulfilled() && !order.PointsAwarded && earnsRewards(order):
		award, extra, err = s.deliveryAward(ctx, order)
		if err != nil {
			return Order{}, err
		}
		patch.SetField("deliveredAt", now).
			SetField("pointsAwarded", true).
			SetField("rewardPointsEarned", award.RewardPoints).
			SetField("loyaltyPointsEarned", award.LoyaltyBonus)
		order.DeliveredAt = now
		order.PointsAwarded = true
		order.RewardPointsEarned = award.RewardPoints
		order.LoyaltyPointsEarned = award.LoyaltyBonus
	case status.IsFulfilled() && order.DeliveredAt == "":
		s.logger.Info("order delivered without reward",
			zap.String("order_id", order.ID),
			zap.String("previous_status", string(order.Status)),
			zap.String("payment_status", string(order.PaymentStatus)),
		)
		patch.SetField("deliveredAt", now)
		order.DeliveredAt = now
	}

	if err := s.applyPatch(ctx, opAdminUpdate, order, patch, extra...); err != nil {
		return Order{}, err
	}
	order.Status = status
	s.logger.Info("order status updated",
		zap.String("order_id", order.ID),
		zap.String("status", string(status)),
		zap.String("admin_id", adminID),
		zap.Int("reward_points", award.RewardPoints),
		zap.Int("loyalty_bonus", award.LoyaltyBonus),
	)

	message := fmt.Sprintf("Your order %s is now %s.", order.OrderNumber, status.Label())
	if total := award.Total(); total > 0 {
		message = fmt.Sprintf("%s You earned %d points.", message, total)
	}
	s.notify(ctx, order, notifications.Message{
		Title:   "Order " + strings.ToLower(status.Label()),
		Message: message,
		Kind:    notifications.KindOrder,
		Link:    "/orders/" + order.ID,
		SentBy:  adminID,
	})
	return order, nil
}

// earnsRewards reports whether delivering order may award points: it must be
// paid and must not have been cancelled.
func earnsRewards(order Order) bool {
	return order.Status != orderstatus.OrderCancelled &&
		order.PaymentStatus == orderstatus.PaymentPaid &&
		orderstatus.CountsAsRevenue(order.Status, order.PaymentStatus)
}

func (s *Service) deliveryAward(ctx context.Context, order Order) (rewards.Award, []sanity.Mutation, error) {
	userDocumentID := users.DocumentID(order.ClerkUserID)
	var state *userRewardState
	if err := s.sanity.Query(ctx, queryUserRewardState, map[string]any{"id": userDocumentID}, &state); err != nil {
		serviceerror.Log(s.logger, opAdminUpdate, "user_query_failed", err, zap.String("order_id", order.ID))
		return rewards.Award{}, nil, serviceerror.New(opAdminUpdate, "user_query_failed", serviceerror.KindUpstream, err)
	}
	if state == nil {
		return rewards.Award{}, nil, serviceerror.New(opAdminUpdate, "user_not_found", serviceerror.KindNotFound, errUserNotFound)
	}

	award, err := s.calculator.Calculate(order.TotalPrice, state.CompletedOrders)
	if err != nil {
		return rewards.Award{}, nil, serviceerror.New(opAdminUpdate, "invalid_total", serviceerror.KindInvalid, err)
	}
	userPatch := sanity.NewPatch(userDocumentID).
		SetFieldIfMissing("rewardPoints", 0).
		SetFieldIfMissing("loyaltyPoints", 0).
		SetFieldIfMissing("completedOrders", 0).
		IncField("rewardPoints", award.RewardPoints).
		IncField("loyaltyPoints", award.LoyaltyBonus).
		IncField("completedOrders", 1)
	if state.Revision != "" {
		userPatch.IfRevision(state.Revision)
	}
	return award, []sanity.Mutation{userPatch.Mutation()}, nil
}

// AdminList pages through all orders with optional status, payment and text filters.
func (s *Service) AdminList(ctx context.Context, filter AdminFilter) (Page, error) {
	params := map[string]any{"status": "", "paymentStatus": "", "search": ""}
	if strings.TrimSpace(filter.Status) != "" {
		status, err := orderstatus.ParseOrderStatus(filter.Status)
		if err != nil {
			return Page{}, serviceerror.New(opAdminList, "invalid_status", serviceerror.KindInvalid, err)
		}
		params["status"] = string(status)
	}
	if strings.TrimSpace(filter.PaymentStatus) != "" {
		payment, err := orderstatus.ParsePaymentStatus(filter.PaymentStatus)
		if err != nil {
			return Page{}, serviceerror.New(opAdminList, "invalid_payment_status", serviceerror.KindInvalid, err)
		}
		params["paymentStatus"] = string(payment)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		params["search"] = search + "*"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultAdminPageSize
	}
	if limit > maxAdminPageSize {
		limit = maxAdminPageSize
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	page := Page{Offset: offset, Limit: limit}
	listParams := map[string]any{"start": offset, "end": offset + limit}
	for key, value := range params {
		listParams[key] = value
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.sanity.Query(groupCtx, queryAdminOrders, listParams, &page.Orders)
	})
	group.Go(func() error {
		return s.sanity.Query(groupCtx, queryAdminOrderCount, params, &page.Total)
	})
	if err := group.Wait(); err != nil {
		serviceerror.Log(s.logger, opAdminList, "query_failed", err)
		return Page{}, serviceerror.New(opAdminList, "query_failed", serviceerror.KindUpstream, err)
	}
	if page.Orders == nil {
		page.Orders = []Order{}
	}
	return page, nil
}
