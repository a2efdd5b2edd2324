// Package admin implements the account approval workflow and dashboard
// statistics for storefront administrators.
package admin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/clerk"
	"github.com/MarcoPoloResearchLab/shopcart/internal/notifications"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/shopcart/internal/users"
)

const (
	opPendingAccounts = "admin.pending_accounts"
	opApprove         = "admin.approve_account"
	opReject          = "admin.reject_account"
	opRequest         = "admin.request_approval"
	opNewService      = "admin.service.new"

	maxRejectionReason = 500

	accountProjection = `{
  _id, clerkUserId, email, firstName, lastName,
  businessStatus, premiumStatus, accountRequestedAt, _createdAt
}`
	queryAccount         = `*[_type == "user" && _id == $id][0]` + accountProjection
	pendingAccountFilter = `_type == "user" && (businessStatus == "pending" || premiumStatus == "pending")`
	queryPendingAccounts = `*[` + pendingAccountFilter + `] | order(coalesce(accountRequestedAt, _createdAt) asc)` + accountProjection
)

// AccountKind is an elevated account tier that needs admin approval.
type AccountKind string

const (
	AccountBusiness AccountKind = "business"
	AccountPremium  AccountKind = "premium"
)

// ApprovalStatus tracks a tier request.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = ""
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

var (
	errMissingSanity    = errors.New("sanity store is required")
	errMissingDirectory = errors.New("clerk directory is required")
	errUnknownKind      = errors.New("account type must be business or premium")
	errAccountNotFound  = errors.New("account not found")
	errAlreadyApproved  = errors.New("account is already approved")
	errAlreadyPending   = errors.New("an approval request is already pending")
	errNotPending       = errors.New("account has no pending request")
	errMissingUserID    = errors.New("user id is required")
)

// ParseAccountKind validates an account tier label.
func ParseAccountKind(raw string) (AccountKind, error) {
	switch kind := AccountKind(strings.ToLower(strings.TrimSpace(raw))); kind {
	case AccountBusiness, AccountPremium:
		return kind, nil
	default:
		return "", errUnknownKind
	}
}

func (k AccountKind) statusField() string {
	return string(k) + "Status"
}

// Directory updates Clerk users and counts them.
type Directory interface {
	UpdateUserMetadata(ctx context.Context, userID string, public, private map[string]any) (clerk.User, error)
	CountUsers(ctx context.Context) (int, error)
}

// Notifier delivers notifications.
type Notifier interface {
	Send(ctx context.Context, message notifications.Message) (notifications.SendResult, error)
}

// AdminRoster lists administrators to notify about new requests.
type AdminRoster interface {
	AdminUserIDs(ctx context.Context) ([]string, error)
}

// Invalidator drops cached per-user data after account changes.
type Invalidator interface {
	InvalidateUserData(ctx context.Context, userID string) error
}

// SubscriberCounter counts active newsletter subscribers.
type SubscriberCounter interface {
	CountActive(ctx context.Context) (int, error)
}

type ServiceConfig struct {
	Sanity      sanity.Store
	Directory   Directory
	Notifier    Notifier
	Admins      AdminRoster
	Invalidator Invalidator
	Subscribers SubscriberCounter
	Logger      *zap.Logger
	Clock       func() time.Time
}

type Service struct {
	sanity      sanity.Store
	directory   Directory
	notifier    Notifier
	admins      AdminRoster
	invalidator Invalidator
	subscribers SubscriberCounter
	logger      *zap.Logger
	clock       func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Sanity == nil {
		return nil, serviceerror.New(opNewService, "missing_sanity", serviceerror.KindInternal, errMissingSanity)
	}
	if cfg.Directory == nil {
		return nil, serviceerror.New(opNewService, "missing_directory", serviceerror.KindInternal, errMissingDirectory)
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
		directory:   cfg.Directory,
		notifier:    cfg.Notifier,
		admins:      cfg.Admins,
		invalidator: cfg.Invalidator,
		subscribers: cfg.Subscribers,
		logger:      logger,
		clock:       clock,
	}, nil
}

type accountDocument struct {
	ID             string         `json:"_id"`
	ClerkUserID    string         `json:"clerkUserId"`
	Email          string         `json:"email"`
	FirstName      string         `json:"firstName"`
	LastName       string         `json:"lastName"`
	BusinessStatus ApprovalStatus `json:"businessStatus"`
	PremiumStatus  ApprovalStatus `json:"premiumStatus"`
	RequestedAt    string         `json:"accountRequestedAt"`
	CreatedAt      string         `json:"_createdAt"`
}

func (d accountDocument) status(kind AccountKind) ApprovalStatus {
	if kind == AccountBusiness {
		return d.BusinessStatus
	}
	return d.PremiumStatus
}

// PendingAccount is a user waiting for a tier decision.
type PendingAccount struct {
	UserID         string        `json:"userId"`
	Email          string        `json:"email"`
	Name           string        `json:"name"`
	RequestedKinds []AccountKind `json:"requestedKinds"`
	RequestedAt    string        `json:"requestedAt"`
}

// Decision is the outcome of an approval or rejection.
type Decision struct {
	UserID    string         `json:"userId"`
	Kind      AccountKind    `json:"accountType"`
	Status    ApprovalStatus `json:"status"`
	DecidedBy string         `json:"decidedBy"`
	DecidedAt string         `json:"decidedAt"`
	Reason    string         `json:"reason,omitempty"`
}

// ListPendingAccounts returns users with a pending tier request, oldest first.
func (s *Service) ListPendingAccounts(ctx context.Context) ([]PendingAccount, error) {
	var documents []accountDocument
	if err := s.sanity.Query(ctx, queryPendingAccounts, nil, &documents); err != nil {
		serviceerror.Log(s.logger, opPendingAccounts, "query_failed", err)
		return nil, serviceerror.New(opPendingAccounts, "query_failed", serviceerror.KindUpstream, err)
	}
	accounts := make([]PendingAccount, 0, len(documents))
	for _, document := range documents {
		account := PendingAccount{
			UserID:      document.ClerkUserID,
			Email:       document.Email,
			Name:        strings.TrimSpace(document.FirstName + " " + document.LastName),
			RequestedAt: document.RequestedAt,
		}
		if account.RequestedAt == "" {
			account.RequestedAt = document.CreatedAt
		}
		for _, kind := range []AccountKind{AccountBusiness, AccountPremium} {
			if document.status(kind) == ApprovalPending {
				account.RequestedKinds = append(account.RequestedKinds, kind)
			}
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// RequestApproval records a user's request for an elevated account tier and
// alerts administrators.
func (s *Service) RequestApproval(ctx context.Context, userID string, rawKind string) (Decision, error) {
	kind, err := ParseAccountKind(rawKind)
	if err != nil {
		return Decision{}, serviceerror.New(opRequest, "invalid_account_type", serviceerror.KindInvalid, err)
	}
	account, err := s.loadAccount(ctx, opRequest, userID)
	if err != nil {
		return Decision{}, err
	}
	switch account.status(kind) {
	case ApprovalApproved:
		return Decision{}, serviceerror.New(opRequest, "already_approved", serviceerror.KindConflict, errAlreadyApproved)
	case ApprovalPending:
		return Decision{}, serviceerror.New(opRequest, "already_pending", serviceerror.KindConflict, errAlreadyPending)
	}

	now := s.clock().UTC().Format(time.RFC3339)
	patch := sanity.NewPatch(account.ID).
		SetField(kind.statusField(), string(ApprovalPending)).
		SetField("accountRequestedAt", now).
		UnsetField("rejectionReason")
	if err := s.patch(ctx, opRequest, userID, patch); err != nil {
		return Decision{}, err
	}

	if s.admins != nil {
		adminIDs, err := s.admins.AdminUserIDs(ctx)
		if err != nil {
			s.logger.Warn("admin roster unavailable", zap.Error(err))
		}
		if len(adminIDs) > 0 {
			name := strings.TrimSpace(account.FirstName + " " + account.LastName)
			if name == "" {
				name = account.Email
			}
			s.notify(ctx, notifications.Message{
				Title:        "New account request",
				Message:      fmt.Sprintf("%s requested a %s account.", name, kind),
				Kind:         notifications.KindAccount,
				Link:         "/admin/accounts",
				RecipientIDs: adminIDs,
				SentBy:       userID,
			})
		}
	}
	s.logger.Info("account approval requested", zap.String("user_id", userID), zap.String("account_type", string(kind)))
	return Decision{UserID: userID, Kind: kind, Status: ApprovalPending, DecidedAt: now}, nil
}

// ApproveAccount grants the tier in Clerk metadata and on the Sanity profile.
func (s *Service) ApproveAccount(ctx context.Context, adminID, userID, rawKind string) (Decision, error) {
	kind, err := ParseAccountKind(rawKind)
	if err != nil {
		return Decision{}, serviceerror.New(opApprove, "invalid_account_type", serviceerror.KindInvalid, err)
	}
	account, err := s.loadAccount(ctx, opApprove, userID)
	if err != nil {
		return Decision{}, err
	}
	if account.status(kind) == ApprovalApproved {
		return Decision{}, serviceerror.New(opApprove, "already_approved", serviceerror.KindConflict, errAlreadyApproved)
	}

	now := s.clock().UTC().Format(time.RFC3339)
	metadata := map[string]any{
		clerk.MetadataApprovalStatus: string(ApprovalApproved),
		clerk.MetadataAccountType:    string(kind),
		clerk.MetadataApprovedAt:     now,
		clerk.MetadataApprovedBy:     adminID,
	}
	if _, err := s.directory.UpdateUserMetadata(ctx, userID, metadata, nil); err != nil {
		serviceerror.Log(s.logger, opApprove, "clerk_update_failed", err, zap.String("user_id", userID))
		return Decision{}, serviceerror.New(opApprove, "clerk_update_failed", serviceerror.KindUpstream, err)
	}

	patch := sanity.NewPatch(account.ID).
		SetField(kind.statusField(), string(ApprovalApproved)).
		SetField(string(kind)+"ApprovedAt", now).
		SetField(string(kind)+"ApprovedBy", adminID).
		UnsetField("rejectionReason")
	if kind == AccountBusiness {
		patch.SetField("isBusiness", true)
	} else {
		patch.SetField("isPremium", true)
	}
	if err := s.patch(ctx, opApprove, userID, patch); err != nil {
		return Decision{}, err
	}

	s.notify(ctx, notifications.Message{
		Title:        "Account approved",
		Message:      fmt.Sprintf("Your %s account has been approved.", kind),
		Kind:         notifications.KindAccount,
		Link:         "/account",
		RecipientIDs: []string{userID},
		SentBy:       adminID,
	})
	s.logger.Info("account approved",
		zap.String("user_id", userID),
		zap.String("account_type", string(kind)),
		zap.String("admin_id", adminID),
	)
	return Decision{UserID: userID, Kind: kind, Status: ApprovalApproved, DecidedBy: adminID, DecidedAt: now}, nil
}

// RejectAccount declines a pending tier request.
func (s *Service) RejectAccount(ctx context.Context, adminID, userID, rawKind, reason string) (Decision, error) {
	kind, err := ParseAccountKind(rawKind)
	if err != nil {
		return Decision{}, serviceerror.New(opReject, "invalid_account_type", serviceerror.KindInvalid, err)
	}
	account, err := s.loadAccount(ctx, opReject, userID)
	if err != nil {
		return Decision{}, err
	}
	if account.status(kind) != ApprovalPending {
		return Decision{}, serviceerror.New(opReject, "not_pending", serviceerror.KindConflict, errNotPending)
	}
	reason = strings.TrimSpace(reason)
	if runes := []rune(reason); len(runes) > maxRejectionReason {
		reason = string(runes[:maxRejectionReason])
	}

	now := s.clock().UTC().Format(time.RFC3339)
	metadata := map[string]any{
		clerk.MetadataApprovalStatus: string(ApprovalRejected),
		clerk.MetadataAccountType:    string(kind),
	}
	if _, err := s.directory.UpdateUserMetadata(ctx, userID, metadata, nil); err != nil {
		serviceerror.Log(s.logger, opReject, "clerk_update_failed", err, zap.String("user_id", userID))
		return Decision{}, serviceerror.New(opReject, "clerk_update_failed", serviceerror.KindUpstream, err)
	}

	patch := sanity.NewPatch(account.ID).
		SetField(kind.statusField(), string(ApprovalRejected)).
		SetField(string(kind)+"RejectedAt", now)
	if reason != "" {
		patch.SetField("rejectionReason", reason)
	}
	if err := s.patch(ctx, opReject, userID, patch); err != nil {
		return Decision{}, err
	}

	message := fmt.Sprintf("Your %s account request was not approved.", kind)
	if reason != "" {
		message = fmt.Sprintf("%s Reason: %s", message, reason)
	}
	s.notify(ctx, notifications.Message{
		Title:        "Account request declined",
		Message:      message,
		Kind:         notifications.KindAccount,
		Link:         "/account",
		RecipientIDs: []string{userID},
		SentBy:       adminID,
	})
	s.logger.Info("account rejected",
		zap.String("user_id", userID),
		zap.String("account_type", string(kind)),
		zap.String("admin_id", adminID),
	)
	return Decision{UserID: userID, Kind: kind, Status: ApprovalRejected, DecidedBy: adminID, DecidedAt: now, Reason: reason}, nil
}

func (s *Service) loadAccount(ctx context.Context, operation, userID string) (accountDocument, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return accountDocument{}, serviceerror.New(operation, "missing_user_id", serviceerror.KindInvalid, errMissingUserID)
	}
	var account *accountDocument
	if err := s.sanity.Query(ctx, queryAccount, map[string]any{"id": users.DocumentID(userID)}, &account); err != nil {
		serviceerror.Log(s.logger, operation, "query_failed", err, zap.String("user_id", userID))
		return accountDocument{}, serviceerror.New(operation, "query_failed", serviceerror.KindUpstream, err)
	}
	if account == nil {
		return accountDocument{}, serviceerror.New(operation, "not_found", serviceerror.KindNotFound, errAccountNotFound)
	}
	return *account, nil
}

func (s *Service) patch(ctx context.Context, operation, userID string, patch *sanity.Patch) error {
	if _, err := s.sanity.Mutate(ctx, patch.Mutation()); err != nil {
		serviceerror.Log(s.logger, operation, "mutate_failed", err, zap.String("user_id", userID))
		return serviceerror.New(operation, "mutate_failed", serviceerror.KindUpstream, err)
	}
	if s.invalidator != nil {
		_ = s.invalidator.InvalidateUserData(ctx, userID)
	}
	return nil
}

func (s *Service) notify(ctx context.Context, message notifications.Message) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Send(ctx, message); err != nil {
		s.logger.Warn("admin notification failed", zap.String("title", message.Title), zap.Error(err))
	}
}
