package admin

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/shopcart/internal/orderstatus"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
)

const (
	opStats = "admin.stats"

	queryProductCount       = `count(*[_type == "product"])`
	queryPendingCount       = `count(*[` + pendingAccountFilter + `])`
	queryPendingReviewCount = `count(*[_type == "review" && status == "pending"])`
	queryOrderTotals        = `*[_type == "order"]{status, paymentStatus, "totalPrice": coalesce(totalPrice, 0)}`
)

// Stats is the admin dashboard summary.
type Stats struct {
	TotalUsers       int                               `json:"totalUsers"`
	TotalOrders      int                               `json:"totalOrders"`
	TotalProducts    int                               `json:"totalProducts"`
	PendingAccounts  int                               `json:"pendingAccounts"`
	PendingReviews   int                               `json:"pendingReviews"`
	Subscribers      int                               `json:"subscribers"`
	Revenue          decimal.Decimal                   `json:"revenue"`
	OrdersByStatus   map[orderstatus.OrderStatus]int   `json:"ordersByStatus"`
	PaymentsByStatus map[orderstatus.PaymentStatus]int `json:"paymentsByStatus"`
}

type orderTotal struct {
	Status        orderstatus.OrderStatus   `json:"status"`
	PaymentStatus orderstatus.PaymentStatus `json:"paymentStatus"`
	TotalPrice    decimal.Decimal           `json:"totalPrice"`
}

// Stats gathers dashboard counters concurrently. Revenue sums orders that
// were paid or delivered and not cancelled.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var (
		stats  Stats
		totals []orderTotal
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		count, err := s.directory.CountUsers(groupCtx)
		stats.TotalUsers = count
		return err
	})
	group.Go(func() error { return s.sanity.Query(groupCtx, queryProductCount, nil, &stats.TotalProducts) })
	group.Go(func() error { return s.sanity.Query(groupCtx, queryPendingCount, nil, &stats.PendingAccounts) })
	group.Go(func() error { return s.sanity.Query(groupCtx, queryPendingReviewCount, nil, &stats.PendingReviews) })
	group.Go(func() error { return s.sanity.Query(groupCtx, queryOrderTotals, nil, &totals) })
	if s.subscribers != nil {
		group.Go(func() error {
			count, err := s.subscribers.CountActive(groupCtx)
			stats.Subscribers = count
			return err
		})
	}
	if err := group.Wait(); err != nil {
		serviceerror.Log(s.logger, opStats, "query_failed", err)
		return Stats{}, serviceerror.New(opStats, "query_failed", serviceerror.KindUpstream, err)
	}

	stats.TotalOrders = len(totals)
	stats.OrdersByStatus = make(map[orderstatus.OrderStatus]int)
	for _, status := range orderstatus.AllOrderStatuses() {
		stats.OrdersByStatus[status] = 0
	}
	stats.PaymentsByStatus = make(map[orderstatus.PaymentStatus]int)
	for _, status := range orderstatus.AllPaymentStatuses() {
		stats.PaymentsByStatus[status] = 0
	}
	skipped := 0
	for _, total := range totals {
		status, err := orderstatus.ParseOrderStatus(string(total.Status))
		if err != nil {
			skipped++
			continue
		}
		stats.OrdersByStatus[status]++
		payment, err := orderstatus.ParsePaymentStatus(string(total.PaymentStatus))
		if err == nil {
			stats.PaymentsByStatus[payment]++
		}
		if orderstatus.CountsAsRevenue(status, payment) {
			stats.Revenue = stats.Revenue.Add(total.TotalPrice)
		}
	}
	if skipped > 0 {
		s.logger.Warn("orders with unknown status excluded from stats", zap.Int("count", skipped))
	}
	stats.Revenue = stats.Revenue.Round(2)
	return stats, nil
}
