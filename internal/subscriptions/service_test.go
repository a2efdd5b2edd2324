package subscriptions

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shopcart/internal/auth"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity/sanitytest"
	"github.com/MarcoPoloResearchLab/shopcart/internal/serviceerror"
)

func newTestService(t *testing.T, store *sanitytest.Store) *Service {
	t.Helper()
	signer, err := auth.NewLinkSigner(auth.LinkSignerConfig{SigningSecret: []byte("links")})
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Sanity:      store,
		Links:       signer,
		SiteBaseURL: "https://shop.example.com",
		Clock:       func() time.Time { return time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func TestDocumentIDIsStablePerEmail(t *testing.T) {
	if DocumentID("Ada@Example.com ") != DocumentID("ada@example.com") {
		t.Fatalf("expected case-insensitive document id")
	}
	if DocumentID("ada@example.com") == DocumentID("grace@example.com") {
		t.Fatalf("expected distinct ids for distinct emails")
	}
}

func TestSubscribeCreatesDocument(t *testing.T) {
	store := sanitytest.New()
	store.OnQuery(querySubscriberByID, nil)
	service := newTestService(t, store)

	result, err := service.Subscribe(context.Background(), " Ada@Example.com", "footer")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if result.AlreadySubscribed || result.Reactivated || result.Subscriber.Email != "ada@example.com" {
		t.Fatalf("unexpected result %+v", result)
	}
	mutations := store.Mutations()
	if len(mutations) != 1 || mutations[0].CreateIfNotExists == nil {
		t.Fatalf("expected createIfNotExists, got %+v", mutations)
	}
	if mutations[0].CreateIfNotExists["_id"] != DocumentID("ada@example.com") {
		t.Fatalf("unexpected document id %v", mutations[0].CreateIfNotExists["_id"])
	}
}

func TestSubscribeIsIdempotentAndReactivates(t *testing.T) {
	store := sanitytest.New()
	store.OnQuery(querySubscriberByID, map[string]any{"_id": DocumentID("ada@example.com"), "email": "ada@example.com", "status": "active"})
	service := newTestService(t, store)

	result, err := service.Subscribe(context.Background(), "ada@example.com", "")
	if err != nil || !result.AlreadySubscribed {
		t.Fatalf("expected already subscribed, got %+v %v", result, err)
	}
	if len(store.Mutations()) != 0 {
		t.Fatalf("expected no mutation for active subscriber")
	}

	store.OnQuery(querySubscriberByID, map[string]any{"_id": DocumentID("ada@example.com"), "email": "ada@example.com", "status": "unsubscribed", "unsubscribedAt": "2025-01-01T00:00:00Z"})
	result, err = service.Subscribe(context.Background(), "ada@example.com", "")
	if err != nil || !result.Reactivated || result.Subscriber.Status != StatusActive {
		t.Fatalf("expected reactivation, got %+v %v", result, err)
	}
	patch := store.Patches(DocumentID("ada@example.com"))[0]
	if patch.Set["status"] != "active" || len(patch.Unset) != 1 || patch.Unset[0] != "unsubscribedAt" {
		t.Fatalf("unexpected patch %+v", patch)
	}
}

func TestSubscribeRejectsInvalidEmail(t *testing.T) {
	service := newTestService(t, sanitytest.New())
	if _, err := service.Subscribe(context.Background(), "not-an-email", ""); !serviceerror.Is(err, serviceerror.KindInvalid) {
		t.Fatalf("expected invalid email, got %v", err)
	}
}

func TestUnsubscribeWithSignedLink(t *testing.T) {
	store := sanitytest.New()
	store.OnQuery(querySubscriberByID, map[string]any{"_id": DocumentID("ada@example.com"), "email": "ada@example.com", "status": "active"})
	service := newTestService(t, store)

	link, err := service.UnsubscribeLink("Ada@example.com")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if !strings.HasPrefix(link, "https://shop.example.com/newsletter/unsubscribe?token=") {
		t.Fatalf("unexpected link %s", link)
	}
	parsed, _ := url.Parse(link)
	token := parsed.Query().Get("token")

	subscriber, err := service.Unsubscribe(context.Background(), token)
	if err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if subscriber.Status != StatusUnsubscribed || subscriber.UnsubscribedAt == "" {
		t.Fatalf("unexpected subscriber %+v", subscriber)
	}

	if _, err := service.Unsubscribe(context.Background(), token+"x"); !serviceerror.Is(err, serviceerror.KindInvalid) {
		t.Fatalf("expected tampered token to fail, got %v", err)
	}

	store.OnQuery(querySubscriberByID, nil)
	if _, err := service.Unsubscribe(context.Background(), token); !serviceerror.Is(err, serviceerror.KindNotFound) {
		t.Fatalf("expected unknown subscriber, got %v", err)
	}
}

func TestAdminList(t *testing.T) {
	store := sanitytest.New()
	store.OnQuery(querySubscribers, []map[string]any{{"_id": "subscription-1", "email": "ada@example.com", "status": "active"}})
	store.OnQuery(querySubscriberCount, 7)
	service := newTestService(t, store)

	page, err := service.AdminList(context.Background(), "Active", -5, 0)
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if page.Total != 7 || page.Offset != 0 || page.Limit != defaultPageSize || len(page.Subscribers) != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	if _, err := service.AdminList(context.Background(), "bounced", 0, 0); !serviceerror.Is(err, serviceerror.KindInvalid) {
		t.Fatalf("expected invalid status, got %v", err)
	}

	count, err := service.CountActive(context.Background())
	if err != nil || count != 7 {
		t.Fatalf("unexpected count %d %v", count, err)
	}
}
