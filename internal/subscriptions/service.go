// Package subscriptions manages newsletter sign-ups stored as Sanity documents.
package subscriptions

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/shopcart/internal/auth"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/shopcart/internal/validation"
)

const (
	opSubscribe   = "subscriptions.subscribe"
	opUnsubscribe = "subscriptions.unsubscribe"
	opAdminList   = "subscriptions.admin_list"
	opLink        = "subscriptions.unsubscribe_link"

	documentIDPrefix = "subscription-"
	defaultPageSize  = 50
	maxPageSize      = 200

	subscriberProjection = `{_id, email, status, source, subscribedAt, unsubscribedAt}`
	querySubscriberByID  = `*[_type == "subscription" && _id == $id][0]` + subscriberProjection
	subscriberFilter     = `_type == "subscription" && ($status == "" || status == $status)`
	querySubscribers     = `*[` + subscriberFilter + `] | order(subscribedAt desc)[$start...$end]` + subscriberProjection
	querySubscriberCount = `count(*[` + subscriberFilter + `])`
)

// Status of a subscriber.
type Status string

const (
	StatusActive       Status = "active"
	StatusUnsubscribed Status = "unsubscribed"
)

// namespace seeds deterministic subscriber document ids.
var namespace = uuid.MustParse("0c7f1a0e-58a4-4c55-8d3e-2f9b8c6a71d2")

var (
	errMissingSanity  = errors.New("sanity store is required")
	errMissingSigner  = errors.New("link signer is required")
	errNotSubscribed  = errors.New("email is not subscribed")
	errUnknownStatus  = errors.New("unknown subscriber status")
	errInvalidAddress = errors.New("a valid email address is required")
)

// Subscriber is a newsletter recipient.
type Subscriber struct {
	ID             string `json:"_id"`
	Email          string `json:"email"`
	Status         Status `json:"status"`
	Source         string `json:"source,omitempty"`
	SubscribedAt   string `json:"subscribedAt"`
	UnsubscribedAt string `json:"unsubscribedAt,omitempty"`
}

// Page is one page of the subscriber list.
type Page struct {
	Subscribers []Subscriber `json:"subscribers"`
	Total       int          `json:"total"`
	Offset      int          `json:"offset"`
	Limit       int          `json:"limit"`
}

// SubscribeResult reports what Subscribe did.
type SubscribeResult struct {
	Subscriber        Subscriber `json:"subscriber"`
	AlreadySubscribed bool       `json:"alreadySubscribed"`
	Reactivated       bool       `json:"reactivated"`
}

type emailInput struct {
	Email string `validate:"required,email,max=320"`
}

type ServiceConfig struct {
	Sanity      sanity.Store
	Links       *auth.LinkSigner
	SiteBaseURL string
	Logger      *zap.Logger
	Clock       func() time.Time
}

type Service struct {
	sanity  sanity.Store
	links   *auth.LinkSigner
	siteURL string
	logger  *zap.Logger
	clock   func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Sanity == nil {
		return nil, serviceerror.New("subscriptions.service.new", "missing_sanity", serviceerror.KindInternal, errMissingSanity)
	}
	if cfg.Links == nil {
		return nil, serviceerror.New("subscriptions.service.new", "missing_signer", serviceerror.KindInternal, errMissingSigner)
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
		sanity:  cfg.Sanity,
		links:   cfg.Links,
		siteURL: strings.TrimRight(strings.TrimSpace(cfg.SiteBaseURL), "/"),
		logger:  logger,
		clock:   clock,
	}, nil
}

// DocumentID derives the subscriber document id from the normalized email so
// repeated sign-ups address the same document.
func DocumentID(email string) string {
	return documentIDPrefix + uuid.NewSHA1(namespace, []byte(normalizeEmail(email))).String()
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Subscribe adds email to the newsletter, reactivating a previous subscription.
func (s *Service) Subscribe(ctx context.Context, email, source string) (SubscribeResult, error) {
	email = normalizeEmail(email)
	if err := validation.Struct(emailInput{Email: email}); err != nil {
		return SubscribeResult{}, serviceerror.New(opSubscribe, "invalid_email", serviceerror.KindInvalid, errInvalidAddress)
	}
	existing, err := s.load(ctx, opSubscribe, DocumentID(email))
	if err != nil {
		return SubscribeResult{}, err
	}
	now := s.clock().UTC().Format(time.RFC3339)

	switch {
	case existing != nil && existing.Status == StatusActive:
		return SubscribeResult{Subscriber: *existing, AlreadySubscribed: true}, nil
	case existing != nil:
		patch := sanity.NewPatch(existing.ID).
			SetField("status", string(StatusActive)).
			SetField("subscribedAt", now).
			UnsetField("unsubscribedAt")
		if err := s.mutate(ctx, opSubscribe, patch.Mutation()); err != nil {
			return SubscribeResult{}, err
		}
		existing.Status = StatusActive
		existing.SubscribedAt = now
		existing.UnsubscribedAt = ""
		s.logger.Info("newsletter subscription reactivated", zap.String("subscriber_id", existing.ID))
		return SubscribeResult{Subscriber: *existing, Reactivated: true}, nil
	}

	subscriber := Subscriber{
		ID:           DocumentID(email),
		Email:        email,
		Status:       StatusActive,
		Source:       strings.TrimSpace(source),
		SubscribedAt: now,
	}
	document := sanity.Document{
		"_id":          subscriber.ID,
		"_type":        "subscription",
		"email":        subscriber.Email,
		"status":       string(subscriber.Status),
		"subscribedAt": subscriber.SubscribedAt,
	}
	if subscriber.Source != "" {
		document["source"] = subscriber.Source
	}
	if err := s.mutate(ctx, opSubscribe, sanity.CreateIfNotExists(document)); err != nil {
		return SubscribeResult{}, err
	}
	s.logger.Info("newsletter subscription created", zap.String("subscriber_id", subscriber.ID))
	return SubscribeResult{Subscriber: subscriber}, nil
}

// UnsubscribeLink returns the signed link embedded in newsletter emails.
func (s *Service) UnsubscribeLink(email string) (string, error) {
	token, err := s.links.Sign(normalizeEmail(email), auth.PurposeUnsubscribe)
	if err != nil {
		return "", serviceerror.New(opLink, "sign_failed", serviceerror.KindInvalid, err)
	}
	return s.siteURL + "/newsletter/unsubscribe?token=" + url.QueryEscape(token), nil
}

// Unsubscribe deactivates the subscription named by a signed link token.
func (s *Service) Unsubscribe(ctx context.Context, token string) (Subscriber, error) {
	email, err := s.links.Verify(token, auth.PurposeUnsubscribe)
	if err != nil {
		return Subscriber{}, serviceerror.New(opUnsubscribe, "invalid_token", serviceerror.KindInvalid, err)
	}
	existing, err := s.load(ctx, opUnsubscribe, DocumentID(email))
	if err != nil {
		return Subscriber{}, err
	}
	if existing == nil {
		return Subscriber{}, serviceerror.New(opUnsubscribe, "not_subscribed", serviceerror.KindNotFound, errNotSubscribed)
	}
	if existing.Status == StatusUnsubscribed {
		return *existing, nil
	}
	now := s.clock().UTC().Format(time.RFC3339)
	patch := sanity.NewPatch(existing.ID).
		SetField("status", string(StatusUnsubscribed)).
		SetField("unsubscribedAt", now)
	if err := s.mutate(ctx, opUnsubscribe, patch.Mutation()); err != nil {
		return Subscriber{}, err
	}
	existing.Status = StatusUnsubscribed
	existing.UnsubscribedAt = now
	s.logger.Info("newsletter subscription cancelled", zap.String("subscriber_id", existing.ID))
	return *existing, nil
}

// AdminList pages through subscribers, optionally filtered by status.
func (s *Service) AdminList(ctx context.Context, status string, offset, limit int) (Page, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if status != "" && Status(status) != StatusActive && Status(status) != StatusUnsubscribed {
		return Page{}, serviceerror.New(opAdminList, "invalid_status", serviceerror.KindInvalid, errUnknownStatus)
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	page := Page{Offset: offset, Limit: limit}
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		params := map[string]any{"status": status, "start": offset, "end": offset + limit}
		return s.sanity.Query(groupCtx, querySubscribers, params, &page.Subscribers)
	})
	group.Go(func() error {
		return s.sanity.Query(groupCtx, querySubscriberCount, map[string]any{"status": status}, &page.Total)
	})
	if err := group.Wait(); err != nil {
		serviceerror.Log(s.logger, opAdminList, "query_failed", err)
		return Page{}, serviceerror.New(opAdminList, "query_failed", serviceerror.KindUpstream, err)
	}
	if page.Subscribers == nil {
		page.Subscribers = []Subscriber{}
	}
	return page, nil
}

// CountActive returns the number of active subscribers.
func (s *Service) CountActive(ctx context.Context) (int, error) {
	var count int
	if err := s.sanity.Query(ctx, querySubscriberCount, map[string]any{"status": string(StatusActive)}, &count); err != nil {
		return 0, serviceerror.New(opAdminList, "count_failed", serviceerror.KindUpstream, err)
	}
	return count, nil
}

func (s *Service) load(ctx context.Context, operation, documentID string) (*Subscriber, error) {
	var subscriber *Subscriber
	if err := s.sanity.Query(ctx, querySubscriberByID, map[string]any{"id": documentID}, &subscriber); err != nil {
		serviceerror.Log(s.logger, operation, "query_failed", err)
		return nil, serviceerror.New(operation, "query_failed", serviceerror.KindUpstream, err)
	}
	return subscriber, nil
}

func (s *Service) mutate(ctx context.Context, operation string, mutation sanity.Mutation) error {
	if _, err := s.sanity.Mutate(ctx, mutation); err != nil {
		serviceerror.Log(s.logger, operation, "mutate_failed", err)
		return serviceerror.New(operation, "mutate_failed", serviceerror.KindUpstream, err)
	}
	return nil
}
