package notifications

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
)

const (
	opList        = "notifications.list"
	opMarkRead    = "notifications.mark_read"
	opMarkAllRead = "notifications.mark_all_read"
	opDelete      = "notifications.delete"
	opSend        = "notifications.send"

	defaultListLimit = 50
	maxListLimit     = 200
	sendBatchSize    = 100

	queryNotifications = `*[_type == "notification" && recipientId == $userId && (!$unreadOnly || read != true)] | order(createdAt desc) [0...$limit]{
  _id, title, message, kind, link, "read": coalesce(read, false), readAt, createdAt
}`
	queryOwnedNotificationIDs  = `*[_type == "notification" && recipientId == $userId && _id in $ids]._id`
	queryUnreadNotificationIDs = `*[_type == "notification" && recipientId == $userId && read != true]._id`
	queryActiveUserIDs         = `*[_type == "user" && isActive != false && defined(clerkUserId)].clerkUserId`
)

// Kind groups notifications for display.
type Kind string

const (
	KindOrder     Kind = "order"
	KindAccount   Kind = "account"
	KindPromotion Kind = "promotion"
	KindSystem    Kind = "system"
)

var (
	errMissingSanity     = errors.New("sanity store is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingContent    = errors.New("title and message are required")
	errMissingRecipients = errors.New("at least one recipient or broadcast is required")
	errUnknownKind       = errors.New("unknown notification kind")
	errNotFound          = errors.New("notification not found")
)

// ParseKind validates a kind, defaulting empty input to system.
func ParseKind(value string) (Kind, error) {
	switch kind := Kind(strings.ToLower(strings.TrimSpace(value))); kind {
	case "":
		return KindSystem, nil
	case KindOrder, KindAccount, KindPromotion, KindSystem:
		return kind, nil
	default:
		return "", errUnknownKind
	}
}

// Notification is a message addressed to one user.
type Notification struct {
	ID        string `json:"_id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Kind      Kind   `json:"kind"`
	Link      string `json:"link,omitempty"`
	Read      bool   `json:"read"`
	ReadAt    string `json:"readAt,omitempty"`
	CreatedAt string `json:"createdAt"`
}

// Message is the content of a notification to send.
type Message struct {
	Title        string
	Message      string
	Kind         Kind
	Link         string
	RecipientIDs []string
	Broadcast    bool
	SentBy       string
}

// SendResult reports created notifications.
type SendResult struct {
	Delivered       int      `json:"delivered"`
	NotificationIDs []string `json:"notificationIds"`
}

// Invalidator drops cached per-user data affected by notification changes.
type Invalidator interface {
	InvalidateUserData(ctx context.Context, userID string) error
}

type ServiceConfig struct {
	Sanity      sanity.Store
	Dispatcher  *Dispatcher
	Invalidator Invalidator
	Logger      *zap.Logger
	Clock       func() time.Time
}

// Service stores notifications in Sanity and pushes them to open streams.
type Service struct {
	sanity      sanity.Store
	dispatcher  *Dispatcher
	invalidator Invalidator
	logger      *zap.Logger
	clock       func() time.Time
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Sanity == nil {
		return nil, serviceerror.New("notifications.service.new", "missing_sanity", serviceerror.KindInternal, errMissingSanity)
	}
	dispatcher := cfg.Dispatcher
	if dispatcher == nil {
		dispatcher = NewDispatcher()
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
		dispatcher:  dispatcher,
		invalidator: cfg.Invalidator,
		logger:      logger,
		clock:       clock,
	}, nil
}

// Dispatcher exposes the realtime fan-out for streaming handlers.
func (s *Service) Dispatcher() *Dispatcher {
	return s.dispatcher
}

func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, serviceerror.New(opList, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var notifications []Notification
	params := map[string]any{"userId": userID, "unreadOnly": unreadOnly, "limit": limit}
	if err := s.sanity.Query(ctx, queryNotifications, params, &notifications); err != nil {
		serviceerror.Log(s.logger, opList, "query_failed", err, zap.String("user_id", userID))
		return nil, serviceerror.New(opList, "query_failed", serviceerror.KindUpstream, err)
	}
	if notifications == nil {
		notifications = []Notification{}
	}
	return notifications, nil
}

// MarkRead marks the user's notifications among ids as read and returns how many were updated.
func (s *Service) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, serviceerror.New(opMarkRead, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	var owned []string
	if err := s.sanity.Query(ctx, queryOwnedNotificationIDs, map[string]any{"userId": userID, "ids": ids}, &owned); err != nil {
		serviceerror.Log(s.logger, opMarkRead, "query_failed", err, zap.String("user_id", userID))
		return 0, serviceerror.New(opMarkRead, "query_failed", serviceerror.KindUpstream, err)
	}
	return s.markRead(ctx, opMarkRead, userID, owned)
}

func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, serviceerror.New(opMarkAllRead, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	var unread []string
	if err := s.sanity.Query(ctx, queryUnreadNotificationIDs, map[string]any{"userId": userID}, &unread); err != nil {
		serviceerror.Log(s.logger, opMarkAllRead, "query_failed", err, zap.String("user_id", userID))
		return 0, serviceerror.New(opMarkAllRead, "query_failed", serviceerror.KindUpstream, err)
	}
	return s.markRead(ctx, opMarkAllRead, userID, unread)
}

func (s *Service) markRead(ctx context.Context, operation, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	readAt := s.clock().UTC().Format(time.RFC3339)
	mutations := make([]sanity.Mutation, 0, len(ids))
	for _, id := range ids {
		mutations = append(mutations, sanity.NewPatch(id).SetField("read", true).SetField("readAt", readAt).Mutation())
	}
	if _, err := s.sanity.Mutate(ctx, mutations...); err != nil {
		serviceerror.Log(s.logger, operation, "mutate_failed", err, zap.String("user_id", userID))
		return 0, serviceerror.New(operation, "mutate_failed", serviceerror.KindUpstream, err)
	}
	s.afterChange(ctx, userID, Event{UserID: userID, Type: EventNotificationsRead, NotificationIDs: ids})
	return len(ids), nil
}

func (s *Service) Delete(ctx context.Context, userID, notificationID string) error {
	if strings.TrimSpace(userID) == "" {
		return serviceerror.New(opDelete, "missing_user", serviceerror.KindUnauthorized, errMissingUserID)
	}
	var owned []string
	params := map[string]any{"userId": userID, "ids": []string{notificationID}}
	if err := s.sanity.Query(ctx, queryOwnedNotificationIDs, params, &owned); err != nil {
		serviceerror.Log(s.logger, opDelete, "query_failed", err, zap.String("user_id", userID))
		return serviceerror.New(opDelete, "query_failed", serviceerror.KindUpstream, err)
	}
	if len(owned) == 0 {
		return serviceerror.New(opDelete, "not_found", serviceerror.KindNotFound, errNotFound)
	}
	if _, err := s.sanity.Mutate(ctx, sanity.Delete(notificationID)); err != nil {
		serviceerror.Log(s.logger, opDelete, "mutate_failed", err, zap.String("user_id", userID))
		return serviceerror.New(opDelete, "mutate_failed", serviceerror.KindUpstream, err)
	}
	s.afterChange(ctx, userID, Event{UserID: userID, Type: EventNotificationDeleted, NotificationIDs: owned})
	return nil
}

// Send creates one notification per recipient. Broadcast addresses every active user.
func (s *Service) Send(ctx context.Context, message Message) (SendResult, error) {
	title := strings.TrimSpace(message.Title)
	body := strings.TrimSpace(message.Message)
	if title == "" || body == "" {
		return SendResult{}, serviceerror.New(opSend, "missing_content", serviceerror.KindInvalid, errMissingContent)
	}
	kind, err := ParseKind(string(message.Kind))
	if err != nil {
		return SendResult{}, serviceerror.New(opSend, "invalid_kind", serviceerror.KindInvalid, err)
	}

	recipients := uniqueNonEmpty(message.RecipientIDs)
	if message.Broadcast {
		var active []string
		if err := s.sanity.Query(ctx, queryActiveUserIDs, nil, &active); err != nil {
			serviceerror.Log(s.logger, opSend, "recipients_query_failed", err)
			return SendResult{}, serviceerror.New(opSend, "recipients_query_failed", serviceerror.KindUpstream, err)
		}
		recipients = uniqueNonEmpty(append(recipients, active...))
	}
	if len(recipients) == 0 {
		return SendResult{}, serviceerror.New(opSend, "missing_recipients", serviceerror.KindInvalid, errMissingRecipients)
	}

	createdAt := s.clock().UTC()
	result := SendResult{NotificationIDs: make([]string, 0, len(recipients))}
	idsByRecipient := make(map[string]string, len(recipients))
	for start := 0; start < len(recipients); start += sendBatchSize {
		end := start + sendBatchSize
		if end > len(recipients) {
			end = len(recipients)
		}
		mutations := make([]sanity.Mutation, 0, end-start)
		for _, recipient := range recipients[start:end] {
			id := sanity.NewDocumentID("notification")
			idsByRecipient[recipient] = id
			document := sanity.Document{
				"_id":         id,
				"_type":       "notification",
				"recipientId": recipient,
				"title":       title,
				"message":     body,
				"kind":        string(kind),
				"read":        false,
				"createdAt":   createdAt.Format(time.RFC3339),
			}
			if link := strings.TrimSpace(message.Link); link != "" {
				document["link"] = link
			}
			if sentBy := strings.TrimSpace(message.SentBy); sentBy != "" {
				document["sentBy"] = sentBy
			}
			mutations = append(mutations, sanity.Create(document))
		}
		if _, err := s.sanity.Mutate(ctx, mutations...); err != nil {
			serviceerror.Log(s.logger, opSend, "mutate_failed", err, zap.Int("delivered", result.Delivered))
			return result, serviceerror.New(opSend, "mutate_failed", serviceerror.KindUpstream, err)
		}
		for _, recipient := range recipients[start:end] {
			id := idsByRecipient[recipient]
			result.Delivered++
			result.NotificationIDs = append(result.NotificationIDs, id)
			s.afterChange(ctx, recipient, Event{
				UserID:          recipient,
				Type:            EventNotificationCreated,
				NotificationIDs: []string{id},
				Title:           title,
			})
		}
	}
	s.logger.Info("notifications sent", zap.Int("delivered", result.Delivered), zap.String("kind", string(kind)))
	return result, nil
}

func (s *Service) afterChange(ctx context.Context, userID string, event Event) {
	if s.invalidator != nil {
		_ = s.invalidator.InvalidateUserData(ctx, userID)
	}
	event.Timestamp = s.clock().UTC()
	s.dispatcher.Publish(event)
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	unique := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		unique = append(unique, value)
	}
	return unique
}
