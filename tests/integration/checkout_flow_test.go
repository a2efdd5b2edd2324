package integration_test

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
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
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/server"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sitemap"
	"github.com/MarcoPoloResearchLab/shopcart/internal/stripe"
	"github.com/MarcoPoloResearchLab/shopcart/internal/subscriptions"
	"github.com/MarcoPoloResearchLab/shopcart/internal/users"
)

const (
	clerkKeyID     = "ins_integration"
	clerkUserID    = "user_2integration"
	webhookSecret  = "whsec_integration"
	siteURL        = "https://shop.example.com"
	orderID        = "order-1"
	sessionID      = "cs_test_1"
	sanityVersion  = "2024-01-01"
	sanityDataset  = "production"
	jsonMediaType  = "application/json"
	orderQueryHead = `*[_type == "order" && _id == $id][0]`
)

// contentLake is a minimal Sanity HTTP API holding documents by id.
type contentLake struct {
	mu        sync.Mutex
	documents map[string]map[string]any
}

func (l *contentLake) document(id string) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	copied := make(map[string]any, len(l.documents[id]))
	for key, value := range l.documents[id] {
		copied[key] = value
	}
	return copied
}

func (l *contentLake) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/v"+sanityVersion+"/data/query/"+sanityDataset:
		l.serveQuery(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/v"+sanityVersion+"/data/mutate/"+sanityDataset:
		l.serveMutate(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (l *contentLake) serveQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	var result any
	if strings.HasPrefix(query, orderQueryHead) {
		var id string
		_ = json.Unmarshal([]byte(r.URL.Query().Get("$id")), &id)
		if document := l.document(id); len(document) > 0 {
			result = document
		}
	}
	w.Header().Set("Content-Type", jsonMediaType)
	_ = json.NewEncoder(w).Encode(map[string]any{"ms": 1, "result": result})
}

func (l *contentLake) serveMutate(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Mutations []sanity.Mutation `json:"mutations"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, mutation := range request.Mutations {
		for _, document := range []sanity.Document{mutation.Create, mutation.CreateIfNotExists, mutation.CreateOrReplace} {
			if document == nil {
				continue
			}
			id, _ := document["_id"].(string)
			if id == "" {
				id = sanity.NewDocumentID(fmt.Sprint(document["_type"]))
			}
			if _, exists := l.documents[id]; exists && mutation.CreateOrReplace == nil {
				continue
			}
			l.documents[id] = document
		}
		if mutation.Patch != nil {
			target := l.documents[mutation.Patch.ID]
			if target == nil {
				http.Error(w, `{"error":{"type":"documentNotFoundError"}}`, http.StatusNotFound)
				return
			}
			for key, value := range mutation.Patch.Set {
				target[key] = value
			}
		}
	}
	w.Header().Set("Content-Type", jsonMediaType)
	_, _ = io.WriteString(w, `{"transactionId":"tx-1","results":[]}`)
}

type paymentProvider struct {
	mu              sync.Mutex
	idempotencyKeys []string
}

func (p *paymentProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/checkout/sessions" {
		http.NotFound(w, r)
		return
	}
	_ = r.ParseForm()
	p.mu.Lock()
	p.idempotencyKeys = append(p.idempotencyKeys, r.Header.Get("Idempotency-Key"))
	p.mu.Unlock()
	w.Header().Set("Content-Type", jsonMediaType)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"id":                  sessionID,
		"url":                 "https://checkout.stripe.com/c/pay/" + sessionID,
		"status":              "open",
		"payment_status":      "unpaid",
		"client_reference_id": r.PostForm.Get("client_reference_id"),
	})
}

type identityProvider struct {
	privateKey *rsa.PrivateKey
}

func (p identityProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType)
	switch r.URL.Path {
	case "/.well-known/jwks.json":
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []any{map[string]string{
			"kty": "RSA",
			"alg": "RS256",
			"use": "sig",
			"kid": clerkKeyID,
			"n":   base64.RawURLEncoding.EncodeToString(p.privateKey.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(p.privateKey.PublicKey.E)).Bytes()),
		}}})
	case "/v1/users/" + clerkUserID:
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":                       clerkUserID,
			"first_name":               "Ada",
			"last_name":                "Lovelace",
			"primary_email_address_id": "idn_1",
			"email_addresses":          []any{map[string]string{"id": "idn_1", "email_address": "ada@example.com"}},
		})
	default:
		http.NotFound(w, r)
	}
}

func (p identityProvider) sessionToken(t *testing.T, issuer string) string {
	t.Helper()
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": issuer,
		"sub": clerkUserID,
		"sid": "sess_1",
		"azp": siteURL,
		"iat": now.Unix(),
		"nbf": now.Add(-time.Second).Unix(),
		"exp": now.Add(time.Minute).Unix(),
	})
	token.Header["kid"] = clerkKeyID
	signed, err := token.SignedString(p.privateKey)
	if err != nil {
		t.Fatalf("sign session token: %v", err)
	}
	return signed
}

func pendingOrder() map[string]any {
	return map[string]any{
		"_id":           orderID,
		"_rev":          "rev-1",
		"_type":         "order",
		"orderNumber":   "ORD-2025-0001",
		"clerkUserId":   clerkUserID,
		"customerName":  "Ada Lovelace",
		"email":         "ada@example.com",
		"currency":      "usd",
		"products":      []any{map[string]any{"_key": "k1", "productId": "product-1", "name": "Walnut Desk", "price": 250, "quantity": 1}},
		"subtotal":      250,
		"totalPrice":    250,
		"status":        "pending",
		"paymentStatus": "pending",
		"orderDate":     "2025-07-04T10:00:00Z",
	}
}

func buildHandler(t *testing.T, lake *contentLake, payments *paymentProvider, identity identityProvider) (http.Handler, string) {
	t.Helper()
	logger := zap.NewNop()

	lakeServer := httptest.NewServer(lake)
	t.Cleanup(lakeServer.Close)
	paymentServer := httptest.NewServer(payments)
	t.Cleanup(paymentServer.Close)
	identityServer := httptest.NewServer(identity)
	t.Cleanup(identityServer.Close)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "integration.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	memoryCache := cache.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = memoryCache.Close() })

	sanityClient, err := sanity.NewClient(sanity.Config{
		BaseURL:    lakeServer.URL,
		Dataset:    sanityDataset,
		APIVersion: sanityVersion,
		Token:      "sanity-token",
	})
	if err != nil {
		t.Fatalf("sanity client: %v", err)
	}
	clerkClient, err := clerk.NewClient(clerk.Config{APIURL: identityServer.URL, SecretKey: "sk_test"})
	if err != nil {
		t.Fatalf("clerk client: %v", err)
	}
	stripeClient, err := stripe.NewClient(stripe.Config{APIURL: paymentServer.URL, SecretKey: "sk_test_stripe"})
	if err != nil {
		t.Fatalf("stripe client: %v", err)
	}
	webhooks, err := stripe.NewWebhookVerifier(webhookSecret, stripe.DefaultWebhookTolerance)
	if err != nil {
		t.Fatalf("webhook verifier: %v", err)
	}
	sessions, err := auth.NewSessionVerifier(auth.SessionVerifierConfig{
		Issuer:            identityServer.URL,
		AuthorizedParties: []string{siteURL},
	})
	if err != nil {
		t.Fatalf("session verifier: %v", err)
	}
	links, err := auth.NewLinkSigner(auth.LinkSignerConfig{SigningSecret: []byte("integration-links")})
	if err != nil {
		t.Fatalf("link signer: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Sanity: sanityClient, Directory: clerkClient, Cache: memoryCache})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	catalogService, err := catalog.NewService(catalog.ServiceConfig{Sanity: sanityClient, Cache: memoryCache})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	addressService, err := addresses.NewService(addresses.ServiceConfig{Sanity: sanityClient, Invalidator: userService})
	if err != nil {
		t.Fatalf("addresses: %v", err)
	}
	notificationService, err := notifications.NewService(notifications.ServiceConfig{Sanity: sanityClient, Invalidator: userService})
	if err != nil {
		t.Fatalf("notifications: %v", err)
	}
	orderService, err := orders.NewService(orders.ServiceConfig{
		Sanity:      sanityClient,
		Addresses:   addressService,
		Notifier:    notificationService,
		Invalidator: userService,
	})
	if err != nil {
		t.Fatalf("orders: %v", err)
	}
	checkoutService, err := checkout.NewService(checkout.ServiceConfig{
		Database:    db,
		Orders:      orderService,
		Payments:    stripeClient,
		Webhooks:    webhooks,
		SiteBaseURL: siteURL,
	})
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	subscriptionService, err := subscriptions.NewService(subscriptions.ServiceConfig{Sanity: sanityClient, Links: links, SiteBaseURL: siteURL})
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	adminService, err := admin.NewService(admin.ServiceConfig{
		Sanity:      sanityClient,
		Directory:   clerkClient,
		Notifier:    notificationService,
		Admins:      userService,
		Invalidator: userService,
		Subscribers: subscriptionService,
	})
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	generator, err := sitemap.NewGenerator(sanityClient, memoryCache, siteURL, logger)
	if err != nil {
		t.Fatalf("sitemap: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessions,
		Users:          userService,
		Catalog:        catalogService,
		Addresses:      addressService,
		Orders:         orderService,
		Checkout:       checkoutService,
		Notifications:  notificationService,
		Subscriptions:  subscriptionService,
		Admin:          adminService,
		Sitemap:        generator,
		AllowedOrigins: []string{siteURL},
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return handler, identityServer.URL
}

func postJSON(t *testing.T, handler http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	request.Header.Set("Content-Type", jsonMediaType)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func deliverWebhook(t *testing.T, handler http.Handler, payload []byte) map[string]any {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/api/webhooks/stripe", bytes.NewReader(payload))
	request.Header.Set("Stripe-Signature", stripe.SignatureHeader(webhookSecret, time.Now(), payload))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("webhook status %d: %s", recorder.Code, recorder.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode webhook response: %v", err)
	}
	return body
}

func TestCheckoutAndWebhookFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	identity := identityProvider{privateKey: privateKey}
	lake := &contentLake{documents: map[string]map[string]any{orderID: pendingOrder()}}
	payments := &paymentProvider{}

	handler, issuer := buildHandler(t, lake, payments, identity)
	token := identity.sessionToken(t, issuer)

	recorder := postJSON(t, handler, "/api/checkout/stripe", token, map[string]string{"orderId": orderID})
	if recorder.Code != http.StatusOK {
		t.Fatalf("checkout status %d: %s", recorder.Code, recorder.Body.String())
	}
	var session struct {
		URL       string `json:"url"`
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.SessionID != sessionID || !strings.Contains(session.URL, sessionID) {
		t.Fatalf("unexpected session %+v", session)
	}
	if got := lake.document(orderID)["stripeCheckoutSessionId"]; got != sessionID {
		t.Fatalf("expected session to be attached to the order, got %v", got)
	}
	if len(payments.idempotencyKeys) != 1 || payments.idempotencyKeys[0] == "" {
		t.Fatalf("expected one idempotent checkout request, got %v", payments.idempotencyKeys)
	}
	if profile := lake.document(users.DocumentID(clerkUserID)); profile["email"] != "ada@example.com" {
		t.Fatalf("expected provisioned profile, got %v", profile)
	}

	event := []byte(fmt.Sprintf(`{"id":"evt_flow_1","type":"checkout.session.completed","created":%d,"data":{"object":{"id":%q,"payment_status":"paid","payment_intent":"pi_1","amount_total":25000,"currency":"usd","client_reference_id":%q,"metadata":{"orderId":%q}}}}`,
		time.Now().Unix(), sessionID, orderID, orderID))

	first := deliverWebhook(t, handler, event)
	if first["outcome"] != checkout.OutcomePaid || first["duplicate"] != false {
		t.Fatalf("unexpected first delivery %v", first)
	}
	paid := lake.document(orderID)
	if paid["paymentStatus"] != "paid" || paid["status"] != "paid" || paid["stripePaymentIntentId"] != "pi_1" {
		t.Fatalf("expected order to be paid, got %v", paid)
	}

	replay := deliverWebhook(t, handler, event)
	if replay["duplicate"] != true {
		t.Fatalf("expected replay to be deduplicated, got %v", replay)
	}

	recorder = postJSON(t, handler, "/api/checkout/stripe", token, map[string]string{"orderId": orderID})
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected paid order to reject checkout, got %d", recorder.Code)
	}
}

func TestCheckoutRejectsCancelledOrder(t *testing.T) {
	gin.SetMode(gin.TestMode)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	identity := identityProvider{privateKey: privateKey}
	cancelled := pendingOrder()
	cancelled["status"] = "cancelled"
	lake := &contentLake{documents: map[string]map[string]any{orderID: cancelled}}
	payments := &paymentProvider{}

	handler, issuer := buildHandler(t, lake, payments, identity)
	recorder := postJSON(t, handler, "/api/checkout/stripe", identity.sessionToken(t, issuer), map[string]string{"orderId": orderID})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body["error"] != "order_cancelled" || body["message"] != "cannot pay for a cancelled order" {
		t.Fatalf("unexpected error body %v", body)
	}
	if len(payments.idempotencyKeys) != 0 {
		t.Fatalf("payment provider must not be called for cancelled orders")
	}
}
