package users

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/shopcart/internal/auth"
	"github.com/MarcoPoloResearchLab/shopcart/internal/cache"
	"github.com/MarcoPoloResearchLab/shopcart/internal/clerk"
	"github.com/MarcoPoloResearchLab/shopcart/internal/rewards"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
)

const (
	opServiceNew   = "users.service.new"
	opResolveUser  = "users.resolve_user"
	opUserData     = "users.user_data"
	opInvalidate   = "users.invalidate_user_data"
	opAdminIDs     = "users.admin_ids"
	userDataPrefix = "userdata"

	defaultUserDataTTL = 30 * time.Second
	defaultIdentityTTL = 5 * time.Minute
)

var (
	// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	errMissingDatabase = errors.New("database handle is required")
	errMissingSanity   = errors.New("sanity store is required")
	errUserNotFound    = errors.New("user profile not found")
)

// Directory looks up Clerk users.
type Directory interface {
	GetUser(ctx context.Context, userID string) (clerk.User, error)
}

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database    *gorm.DB
	Sanity      sanity.Store
	Directory   Directory
	Cache       cache.Store
	UserDataTTL time.Duration
	IdentityTTL time.Duration
	Rewards     rewards.Rules
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Service provisions storefront profiles for Clerk users and serves their data bundle.
type Service struct {
	db          *gorm.DB
	sanity      sanity.Store
	directory   Directory
	cache       cache.Store
	userDataTTL time.Duration
	identityTTL time.Duration
	calculator  *rewards.Calculator
	logger      *zap.Logger
	now         func() time.Time
	provisioned sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, serviceerror.New(opServiceNew, "missing_database", serviceerror.KindInternal, errMissingDatabase)
	}
	if cfg.Sanity == nil {
		return nil, serviceerror.New(opServiceNew, "missing_sanity", serviceerror.KindInternal, errMissingSanity)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := cfg.UserDataTTL
	if ttl <= 0 {
		ttl = defaultUserDataTTL
	}
	identityTTL := cfg.IdentityTTL
	if identityTTL <= 0 {
		identityTTL = defaultIdentityTTL
	}
	rules := cfg.Rewards
	if rules.ThresholdAmount.IsZero() {
		rules = rewards.DefaultRules()
	}
	return &Service{
		db:          cfg.Database,
		sanity:      cfg.Sanity,
		directory:   cfg.Directory,
		cache:       cfg.Cache,
		userDataTTL: ttl,
		identityTTL: identityTTL,
		calculator:  rewards.NewCalculator(rules),
		logger:      logger,
		now:         clock,
	}, nil
}

// resolvedIdentity is a short-lived memo of a resolved session. It is reused
// only while the claims still carry the same role and session id.
type resolvedIdentity struct {
	identity  Identity
	expiresAt time.Time
}

func (r resolvedIdentity) matches(claims auth.SessionClaims, now time.Time) bool {
	if !now.Before(r.expiresAt) {
		return false
	}
	if normalize(claims.Role) != r.identity.Role {
		return false
	}
	sessionID := normalize(claims.SessionID)
	return sessionID == "" || sessionID == r.identity.LastSessionID
}

// ResolveUser returns the local identity for the session, provisioning the
// Sanity user document the first time a Clerk user is seen. The stored role
// always follows the role carried by the current session claims.
func (s *Service) ResolveUser(ctx context.Context, claims auth.SessionClaims) (Identity, error) {
	clerkUserID := normalize(claims.UserID)
	if clerkUserID == "" {
		return Identity{}, serviceerror.New(opResolveUser, "invalid_identity", serviceerror.KindUnauthorized, ErrInvalidIdentity)
	}

	now := s.now()
	if cached, ok := s.provisioned.Load(clerkUserID); ok {
		if memo, ok := cached.(resolvedIdentity); ok && memo.matches(claims, now) {
			return memo.identity, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("clerk_user_id = ?", clerkUserID).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity, err = s.provision(ctx, claims)
		if err != nil {
			return Identity{}, err
		}
	case err != nil:
		serviceerror.Log(s.logger, opResolveUser, "lookup_failed", err, zap.String("user_id", clerkUserID))
		return Identity{}, serviceerror.New(opResolveUser, "lookup_failed", serviceerror.KindInternal, err)
	default:
		updates := map[string]interface{}{
			"last_seen_at": now.UTC(),
		}
		identity.LastSeenAt = now.UTC()
		if sessionID := normalize(claims.SessionID); sessionID != "" && sessionID != identity.LastSessionID {
			updates["last_session_id"] = sessionID
			identity.LastSessionID = sessionID
		}
		if role := normalize(claims.Role); role != identity.Role {
			updates["role"] = role
			identity.Role = role
		}
		if updateErr := s.db.WithContext(ctx).Model(&Identity{}).
			Where("clerk_user_id = ?", clerkUserID).
			Updates(updates).
			Error; updateErr != nil {
			s.logger.Warn("failed to touch user identity", zap.String("user_id", clerkUserID), zap.Error(updateErr))
		}
	}

	s.provisioned.Store(clerkUserID, resolvedIdentity{identity: identity, expiresAt: now.Add(s.identityTTL)})
	return identity, nil
}

func (s *Service) provision(ctx context.Context, claims auth.SessionClaims) (Identity, error) {
	clerkUserID := normalize(claims.UserID)
	identity := Identity{
		ClerkUserID:   clerkUserID,
		SanityDocID:   DocumentID(clerkUserID),
		Email:         strings.ToLower(normalize(claims.Email)),
		Role:          normalize(claims.Role),
		LastSessionID: normalize(claims.SessionID),
		LastSeenAt:    s.now().UTC(),
	}

	var firstName, lastName string
	if s.directory != nil {
		user, err := s.directory.GetUser(ctx, clerkUserID)
		if err != nil {
			serviceerror.Log(s.logger, opResolveUser, "clerk_lookup_failed", err, zap.String("user_id", clerkUserID))
			return Identity{}, serviceerror.New(opResolveUser, "clerk_lookup_failed", serviceerror.KindUpstream, err)
		}
		if email := user.PrimaryEmail(); email != "" {
			identity.Email = strings.ToLower(email)
		}
		identity.DisplayName = user.FullName()
		identity.AvatarURL = user.ImageURL
		firstName, lastName = user.FirstName, user.LastName
	}

	document := sanity.Document{
		"_id":             identity.SanityDocID,
		"_type":           "user",
		"clerkUserId":     clerkUserID,
		"email":           identity.Email,
		"firstName":       firstName,
		"lastName":        lastName,
		"imageUrl":        identity.AvatarURL,
		"rewardPoints":    0,
		"loyaltyPoints":   0,
		"completedOrders": 0,
		"walletBalance":   0,
		"isActive":        true,
		"createdAt":       identity.LastSeenAt.Format(time.RFC3339),
	}
	if _, err := s.sanity.Mutate(ctx, sanity.CreateIfNotExists(document)); err != nil {
		serviceerror.Log(s.logger, opResolveUser, "profile_create_failed", err, zap.String("user_id", clerkUserID))
		return Identity{}, serviceerror.New(opResolveUser, "profile_create_failed", serviceerror.KindUpstream, err)
	}

	if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
		serviceerror.Log(s.logger, opResolveUser, "identity_insert_failed", err, zap.String("user_id", clerkUserID))
		return Identity{}, serviceerror.New(opResolveUser, "identity_insert_failed", serviceerror.KindInternal, err)
	}
	s.logger.Info("provisioned storefront user", zap.String("user_id", clerkUserID))
	return identity, nil
}

// InvalidateUserData drops the memoised bundle for userID.
func (s *Service) InvalidateUserData(ctx context.Context, clerkUserID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, userDataKey(clerkUserID)); err != nil {
		s.logger.Warn("user data invalidation failed",
			zap.String("operation", opInvalidate),
			zap.String("user_id", clerkUserID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// AdminUserIDs lists locally known users carrying the admin role.
func (s *Service) AdminUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&Identity{}).
		Where("lower(role) = ?", auth.RoleAdmin).
		Order("clerk_user_id").
		Pluck("clerk_user_id", &ids).Error
	if err != nil {
		serviceerror.Log(s.logger, opAdminIDs, "query_failed", err)
		return nil, serviceerror.New(opAdminIDs, "query_failed", serviceerror.KindInternal, err)
	}
	return ids, nil
}

func userDataKey(clerkUserID string) string {
	return cache.Key(userDataPrefix, normalize(clerkUserID))
}
