package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/addresses"
	"github.com/MarcoPoloResearchLab/shopcart/internal/admin"
	"github.com/MarcoPoloResearchLab/shopcart/internal/auth"
	"github.com/MarcoPoloResearchLab/shopcart/internal/cache"
	"github.com/MarcoPoloResearchLab/shopcart/internal/catalog"
	"github.com/MarcoPoloResearchLab/shopcart/internal/checkout"
	"github.com/MarcoPoloResearchLab/shopcart/internal/clerk"
	"github.com/MarcoPoloResearchLab/shopcart/internal/database"
	"github.com/MarcoPoloResearchLab/shopcart/internal/notifications"
	"github.com/MarcoPoloResearchLab/shopcart/internal/orders"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity/sanitytest"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sitemap"
	"github.com/MarcoPoloResearchLab/shopcart/internal/stripe"
	"github.com/MarcoPoloResearchLab/shopcart/internal/subscriptions"
	"github.com/MarcoPoloResearchLab/shopcart/internal/users"
)

const (
	testWebhookSecret = "whsec_server"
	customerToken     = "customer-token"
	adminToken        = "admin-token"
)

type stubSessions struct {
	sessions map[string]auth.SessionClaims
	err      error
}

func (s stubSessions) VerifyRequest(r *http.Request) (auth.SessionClaims, error) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	if s.err != nil {
		return auth.SessionClaims{}, s.err
	}
	claims, ok := s.sessions[token]
	if !ok {
		return auth.SessionClaims{}, auth.ErrMissingSessionToken
	}
	return claims, nil
}

type stubUsers struct {
	data users.UserData
}

func (stubUsers) ResolveUser(_ context.Context, claims auth.SessionClaims) (users.Identity, error) {
	return users.Identity{
		ClerkUserID: claims.UserID,
		SanityDocID: users.DocumentID(claims.UserID),
		Email:       claims.Email,
		DisplayName: "Ada Lovelace",
	}, nil
}

func (s stubUsers) UserData(context.Context, string) (users.UserData, error) {
	return s.data, nil
}

type stubDirectory struct{}

func (stubDirectory) UpdateUserMetadata(_ context.Context, userID string, _, _ map[string]any) (clerk.User, error) {
	return clerk.User{ID: userID}, nil
}

func (stubDirectory) CountUsers(context.Context) (int, error) {
	return 0, nil
}

type stubPayments struct{}

func (stubPayments) CreateCheckoutSession(context.Context, stripe.CheckoutSessionParams) (stripe.CheckoutSession, error) {
	return stripe.CheckoutSession{ID: "cs_test", URL: "https://checkout.stripe.test/cs_test"}, nil
}

type testServer struct {
	handler       http.Handler
	store         *sanitytest.Store
	notifications *notifications.Service
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	store := sanitytest.New()

	memoryCache := cache.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = memoryCache.Close() })

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	catalogService, err := catalog.NewService(catalog.ServiceConfig{Sanity: store, Cache: memoryCache})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	addressService, err := addresses.NewService(addresses.ServiceConfig{Sanity: store})
	if err != nil {
		t.Fatalf("addresses: %v", err)
	}
	notificationService, err := notifications.NewService(notifications.ServiceConfig{Sanity: store})
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	orderService, err := orders.NewService(orders.ServiceConfig{
		Sanity:    store,
		Addresses: addressService,
		Notifier:  notificationService,
	})
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	verifier, err := stripe.NewWebhookVerifier(testWebhookSecret, 0)
	if err != nil {
		t.Fatalf("webhook verifier: %v", err)
	}
	checkoutService, err := checkout.NewService(checkout.ServiceConfig{
		Database:    db,
		Orders:      orderService,
		Payments:    stubPayments{},
		Webhooks:    verifier,
		SiteBaseURL: "https://shop.example.com",
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	links, err := auth.NewLinkSigner(auth.LinkSignerConfig{SigningSecret: []byte("links")})
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	subscriptionService, err := subscriptions.NewService(subscriptions.ServiceConfig{
		Sanity:      store,
		Links:       links,
		SiteBaseURL: "https://shop.example.com",
	})
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	adminService, err := admin.NewService(admin.ServiceConfig{
		Sanity:      store,
		Directory:   stubDirectory{},
		Notifier:    notificationService,
		Subscribers: subscriptionService,
	})
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	generator, err := sitemap.NewGenerator(store, memoryCache, "https://shop.example.com", logger)
	if err != nil {
		t.Fatalf("sitemap: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions: stubSessions{sessions: map[string]auth.SessionClaims{
			customerToken: {UserID: "user_1", Email: "ada@example.com"},
			adminToken:    {UserID: "user_admin", Email: "ops@example.com", Role: auth.RoleAdmin},
		}},
		Users:             stubUsers{data: users.UserData{OrderCount: 3, AddressCount: 1}},
		Catalog:           catalogService,
		Addresses:         addressService,
		Orders:            orderService,
		Checkout:          checkoutService,
		Notifications:     notificationService,
		Subscriptions:     subscriptionService,
		Admin:             adminService,
		Sitemap:           generator,
		AllowedOrigins:    []string{"https://shop.example.com"},
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	return testServer{handler: handler, store: store, notifications: notificationService}
}

func (s testServer) do(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}
