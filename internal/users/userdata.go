package users

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/shopcart/internal/cache"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
)

const (
	queryUserProfile = `*[_type == "user" && _id == $id][0]{
  _id, clerkUserId, email, firstName, lastName, imageUrl,
  "rewardPoints": coalesce(rewardPoints, 0),
  "loyaltyPoints": coalesce(loyaltyPoints, 0),
  "completedOrders": coalesce(completedOrders, 0),
  "walletBalance": coalesce(walletBalance, 0),
  "isBusiness": coalesce(isBusiness, false),
  businessStatus, premiumStatus,
  "isActive": coalesce(isActive, true)
}`
	queryUserOrderCount   = `count(*[_type == "order" && clerkUserId == $userId])`
	queryUserAddressCount = `count(*[_type == "address" && user._ref == $id])`
	queryUserUnreadCount  = `count(*[_type == "notification" && recipientId == $userId && read != true])`
)

// Profile is the Sanity user document as served to the storefront.
type Profile struct {
	ID              string          `json:"_id"`
	ClerkUserID     string          `json:"clerkUserId"`
	Email           string          `json:"email"`
	FirstName       string          `json:"firstName"`
	LastName        string          `json:"lastName"`
	ImageURL        string          `json:"imageUrl"`
	RewardPoints    int             `json:"rewardPoints"`
	LoyaltyPoints   int             `json:"loyaltyPoints"`
	CompletedOrders int             `json:"completedOrders"`
	WalletBalance   decimal.Decimal `json:"walletBalance"`
	IsBusiness      bool            `json:"isBusiness"`
	BusinessStatus  string          `json:"businessStatus,omitempty"`
	PremiumStatus   string          `json:"premiumStatus,omitempty"`
	IsActive        bool            `json:"isActive"`
}

// LoyaltyProgress describes the distance to the next loyalty milestone.
type LoyaltyProgress struct {
	CompletedOrders      int `json:"completedOrders"`
	OrdersPerMilestone   int `json:"ordersPerMilestone"`
	OrdersUntilNextBonus int `json:"ordersUntilNextBonus"`
	NextBonusPoints      int `json:"nextBonusPoints"`
}

// UserData is the bundle the storefront loads once per session view.
type UserData struct {
	Profile             Profile         `json:"profile"`
	OrderCount          int             `json:"orderCount"`
	AddressCount        int             `json:"addressCount"`
	UnreadNotifications int             `json:"unreadNotifications"`
	Loyalty             LoyaltyProgress `json:"loyalty"`
}

// UserData loads the profile bundle, memoised in the cache for a short TTL.
func (s *Service) UserData(ctx context.Context, clerkUserID string) (UserData, error) {
	clerkUserID = normalize(clerkUserID)
	if clerkUserID == "" {
		return UserData{}, serviceerror.New(opUserData, "invalid_identity", serviceerror.KindUnauthorized, ErrInvalidIdentity)
	}
	return cache.GetOrLoad(ctx, s.cache, userDataKey(clerkUserID), s.userDataTTL, func(ctx context.Context) (UserData, error) {
		return s.loadUserData(ctx, clerkUserID)
	})
}

func (s *Service) loadUserData(ctx context.Context, clerkUserID string) (UserData, error) {
	documentID := DocumentID(clerkUserID)
	var (
		profile *Profile
		data    UserData
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.sanity.Query(groupCtx, queryUserProfile, map[string]any{"id": documentID}, &profile)
	})
	group.Go(func() error {
		return s.sanity.Query(groupCtx, queryUserOrderCount, map[string]any{"userId": clerkUserID}, &data.OrderCount)
	})
	group.Go(func() error {
		return s.sanity.Query(groupCtx, queryUserAddressCount, map[string]any{"id": documentID}, &data.AddressCount)
	})
	group.Go(func() error {
		return s.sanity.Query(groupCtx, queryUserUnreadCount, map[string]any{"userId": clerkUserID}, &data.UnreadNotifications)
	})
	if err := group.Wait(); err != nil {
		serviceerror.Log(s.logger, opUserData, "query_failed", err, zap.String("user_id", clerkUserID))
		return UserData{}, serviceerror.New(opUserData, "query_failed", serviceerror.KindUpstream, err)
	}
	if profile == nil {
		return UserData{}, serviceerror.New(opUserData, "not_found", serviceerror.KindNotFound, errUserNotFound)
	}

	data.Profile = *profile
	data.Loyalty = s.loyaltyProgress(profile.CompletedOrders)
	return data, nil
}

func (s *Service) loyaltyProgress(completedOrders int) LoyaltyProgress {
	rules := s.calculator.Rules()
	perMilestone := rules.LoyaltyOrderThreshold
	remaining := perMilestone - completedOrders%perMilestone
	return LoyaltyProgress{
		CompletedOrders:      completedOrders,
		OrdersPerMilestone:   perMilestone,
		OrdersUntilNextBonus: remaining,
		NextBonusPoints:      s.calculator.LoyaltyMilestoneBonus(completedOrders, completedOrders+remaining),
	}
}
