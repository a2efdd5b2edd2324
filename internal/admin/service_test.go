package admin

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/MarcoPoloResearchLab/shopcart/internal/clerk"
	"github.com/MarcoPoloResearchLab/shopcart/internal/notifications"
	"github.com/MarcoPoloResearchLab/shopcart/internal/orderstatus"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity/sanitytest"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
	"github.com/MarcoPoloResearchLab/shopcart/internal/users"
)

type metadataUpdate struct {
	userID string
	public map[string]any
}

type fakeDirectory struct {
	updates []metadataUpdate
	count   int
	err     error
}

func (d *fakeDirectory) UpdateUserMetadata(_ context.Context, userID string, public, _ map[string]any) (clerk.User, error) {
	if d.err != nil {
		return clerk.User{}, d.err
	}
	d.updates = append(d.updates, metadataUpdate{userID: userID, public: public})
	return clerk.User{ID: userID, PublicMetadata: public}, nil
}

func (d *fakeDirectory) CountUsers(context.Context) (int, error) {
	return d.count, d.err
}

type recordingNotifier struct {
	messages []notifications.Message
}

func (n *recordingNotifier) Send(_ context.Context, message notifications.Message) (notifications.SendResult, error) {
	n.messages = append(n.messages, message)
	return notifications.SendResult{Delivered: len(message.RecipientIDs)}, nil
}

type staticRoster []string

func (r staticRoster) AdminUserIDs(context.Context) ([]string, error) {
	return r, nil
}

type staticCounter int

func (c staticCounter) CountActive(context.Context) (int, error) {
	return int(c), nil
}

type harness struct {
	service   *Service
	store     *sanitytest.Store
	directory *fakeDirectory
	notifier  *recordingNotifier
}

func newHarness(t *testing.T) harness {
	t.Helper()
	store := sanitytest.New()
	directory := &fakeDirectory{count: 12}
	notifier := &recordingNotifier{}
	service, err := NewService(ServiceConfig{
		Sanity:      store,
		Directory:   directory,
		Notifier:    notifier,
		Admins:      staticRoster{"admin_1", "admin_2"},
		Subscribers: staticCounter(4),
		Clock:       func() time.Time { return time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return harness{service: service, store: store, directory: directory, notifier: notifier}
}

func account(businessStatus, premiumStatus string) map[string]any {
	return map[string]any{
		"_id":            users.DocumentID("user_1"),
		"clerkUserId":    "user_1",
		"email":          "ada@example.com",
		"firstName":      "Ada",
		"lastName":       "Lovelace",
		"businessStatus": businessStatus,
		"premiumStatus":  premiumStatus,
	}
}

func TestListPendingAccounts(t *testing.T) {
	h := newHarness(t)
	pending := account("pending", "pending")
	pending["_createdAt"] = "2025-01-01T00:00:00Z"
	h.store.OnQuery(queryPendingAccounts, []map[string]any{pending})

	accounts, err := h.service.ListPendingAccounts(context.Background())
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(accounts) != 1 || accounts[0].Name != "Ada Lovelace" || len(accounts[0].RequestedKinds) != 2 {
		t.Fatalf("unexpected accounts %+v", accounts)
	}
	if accounts[0].RequestedAt != "2025-01-01T00:00:00Z" {
		t.Fatalf("expected creation time fallback, got %q", accounts[0].RequestedAt)
	}
}

func TestRequestApprovalNotifiesAdmins(t *testing.T) {
	h := newHarness(t)
	h.store.OnQuery(queryAccount, account("", ""))

	decision, err := h.service.RequestApproval(context.Background(), "user_1", "Business")
	if err != nil {
		t.Fatalf("request approval: %v", err)
	}
	if decision.Status != ApprovalPending || decision.Kind != AccountBusiness {
		t.Fatalf("unexpected decision %+v", decision)
	}
	patch := h.store.Patches(users.DocumentID("user_1"))[0]
	if patch.Set["businessStatus"] != "pending" || patch.Set["accountRequestedAt"] == nil {
		t.Fatalf("unexpected patch %+v", patch.Set)
	}
	if len(h.notifier.messages) != 1 || len(h.notifier.messages[0].RecipientIDs) != 2 {
		t.Fatalf("expected admins to be notified, got %+v", h.notifier.messages)
	}

	h.store.OnQuery(queryAccount, account("pending", ""))
	if _, err := h.service.RequestApproval(context.Background(), "user_1", "business"); !serviceerror.Is(err, serviceerror.KindConflict) {
		t.Fatalf("expected pending conflict, got %v", err)
	}
	if _, err := h.service.RequestApproval(context.Background(), "user_1", "enterprise"); !serviceerror.Is(err, serviceerror.KindInvalid) {
		t.Fatalf("expected invalid kind, got %v", err)
	}
}

func TestApproveAccount(t *testing.T) {
	h := newHarness(t)
	h.store.OnQuery(queryAccount, account("pending", ""))

	decision, err := h.service.ApproveAccount(context.Background(), "admin_1", "user_1", "business")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if decision.Status != ApprovalApproved || decision.DecidedBy != "admin_1" {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if len(h.directory.updates) != 1 || h.directory.updates[0].public[clerk.MetadataApprovalStatus] != "approved" ||
		h.directory.updates[0].public[clerk.MetadataAccountType] != "business" {
		t.Fatalf("unexpected clerk update %+v", h.directory.updates)
	}
	patch := h.store.Patches(users.DocumentID("user_1"))[0]
	if patch.Set["businessStatus"] != "approved" || patch.Set["isBusiness"] != true {
		t.Fatalf("unexpected patch %+v", patch.Set)
	}
	if len(h.notifier.messages) != 1 || h.notifier.messages[0].RecipientIDs[0] != "user_1" {
		t.Fatalf("expected user notification, got %+v", h.notifier.messages)
	}

	h.store.OnQuery(queryAccount, account("approved", ""))
	if _, err := h.service.ApproveAccount(context.Background(), "admin_1", "user_1", "business"); !serviceerror.Is(err, serviceerror.KindConflict) {
		t.Fatalf("expected already approved conflict, got %v", err)
	}
}

func TestApproveAccountStopsOnClerkFailure(t *testing.T) {
	h := newHarness(t)
	h.store.OnQuery(queryAccount, account("", "pending"))
	h.directory.err = &clerk.APIError{StatusCode: 500, Message: "boom"}

	if _, err := h.service.ApproveAccount(context.Background(), "admin_1", "user_1", "premium"); !serviceerror.Is(err, serviceerror.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if len(h.store.Mutations()) != 0 {
		t.Fatalf("sanity must not be patched when clerk fails")
	}
}

func TestRejectAccount(t *testing.T) {
	h := newHarness(t)
	h.store.OnQuery(queryAccount, account("", "pending"))

	decision, err := h.service.RejectAccount(context.Background(), "admin_1", "user_1", "premium", "  Incomplete details ")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if decision.Status != ApprovalRejected || decision.Reason != "Incomplete details" {
		t.Fatalf("unexpected decision %+v", decision)
	}
	patch := h.store.Patches(users.DocumentID("user_1"))[0]
	if patch.Set["premiumStatus"] != "rejected" || patch.Set["rejectionReason"] != "Incomplete details" {
		t.Fatalf("unexpected patch %+v", patch.Set)
	}
	if !strings.Contains(h.notifier.messages[0].Message, "Incomplete details") {
		t.Fatalf("expected reason in notification, got %q", h.notifier.messages[0].Message)
	}

	h.store.OnQuery(queryAccount, account("", ""))
	if _, err := h.service.RejectAccount(context.Background(), "admin_1", "user_1", "premium", ""); !serviceerror.Is(err, serviceerror.KindConflict) {
		t.Fatalf("expected not pending conflict, got %v", err)
	}
	h.store.OnQuery(queryAccount, nil)
	if _, err := h.service.RejectAccount(context.Background(), "admin_1", "user_9", "premium", ""); !serviceerror.Is(err, serviceerror.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRejectAccountTruncatesReasonByRunes(t *testing.T) {
	h := newHarness(t)
	h.store.OnQuery(queryAccount, account("", "pending"))

	decision, err := h.service.RejectAccount(context.Background(), "admin_1", "user_1", "premium", strings.Repeat("é", maxRejectionReason+1))
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !utf8.ValidString(decision.Reason) || utf8.RuneCountInString(decision.Reason) != maxRejectionReason {
		t.Fatalf("expected %d whole runes, got %d", maxRejectionReason, utf8.RuneCountInString(decision.Reason))
	}
}

func TestStatsAggregatesOrders(t *testing.T) {
	h := newHarness(t)
	h.store.OnQuery(queryProductCount, 40)
	h.store.OnQuery(queryPendingCount, 2)
	h.store.OnQuery(queryPendingReviewCount, 5)
	h.store.OnQuery(queryOrderTotals, []map[string]any{
		{"status": "paid", "paymentStatus": "paid", "totalPrice": 100.5},
		{"status": "delivered", "paymentStatus": "paid", "totalPrice": 20.25},
		{"status": "cancelled", "paymentStatus": "paid", "totalPrice": 999},
		{"status": "pending", "paymentStatus": "pending", "totalPrice": 10},
		{"status": "Out for Delivery", "paymentStatus": "paid", "totalPrice": 5},
		{"status": "lost", "paymentStatus": "pending", "totalPrice": 1},
	})

	stats, err := h.service.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalUsers != 12 || stats.TotalProducts != 40 || stats.PendingAccounts != 2 || stats.PendingReviews != 5 || stats.Subscribers != 4 {
		t.Fatalf("unexpected counters %+v", stats)
	}
	if stats.TotalOrders != 6 {
		t.Fatalf("unexpected order total %d", stats.TotalOrders)
	}
	if !stats.Revenue.Equal(decimal.RequireFromString("125.75")) {
		t.Fatalf("unexpected revenue %s", stats.Revenue)
	}
	if stats.OrdersByStatus[orderstatus.OrderOutForDelivery] != 1 || stats.OrdersByStatus[orderstatus.OrderShipped] != 0 {
		t.Fatalf("unexpected status breakdown %+v", stats.OrdersByStatus)
	}
	if stats.PaymentsByStatus[orderstatus.PaymentPaid] != 4 {
		t.Fatalf("unexpected payment breakdown %+v", stats.PaymentsByStatus)
	}
}

func TestStatsFailsWhenClerkFails(t *testing.T) {
	h := newHarness(t)
	h.store.OnQuery(queryProductCount, 0)
	h.store.OnQuery(queryPendingCount, 0)
	h.store.OnQuery(queryPendingReviewCount, 0)
	h.store.OnQuery(queryOrderTotals, []map[string]any{})
	h.directory.err = errors.New("clerk unavailable")

	if _, err := h.service.Stats(context.Background()); !serviceerror.Is(err, serviceerror.KindUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}
