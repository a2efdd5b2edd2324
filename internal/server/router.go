package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/addresses"
	"github.com/MarcoPoloResearchLab/shopcart/internal/admin"
	"github.com/MarcoPoloResearchLab/shopcart/internal/auth"
	"github.com/MarcoPoloResearchLab/shopcart/internal/catalog"
	"github.com/MarcoPoloResearchLab/shopcart/internal/checkout"
	"github.com/MarcoPoloResearchLab/shopcart/internal/logging"
	"github.com/MarcoPoloResearchLab/shopcart/internal/notifications"
	"github.com/MarcoPoloResearchLab/shopcart/internal/orders"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sitemap"
	"github.com/MarcoPoloResearchLab/shopcart/internal/subscriptions"
	"github.com/MarcoPoloResearchLab/shopcart/internal/users"
	"github.com/MarcoPoloResearchLab/shopcart/internal/validation"
)

const (
	userIDContextKey   = "shopcart_user_id"
	claimsContextKey   = "shopcart_claims"
	identityContextKey = "shopcart_identity"

	defaultHeartbeatInterval = 25 * time.Second
	maxWebhookBodyBytes      = 1 << 20
)

var (
	errMissingSessionVerifier = errors.New("session verifier dependency required")
	errMissingUserService     = errors.New("user service dependency required")
	errMissingCatalog         = errors.New("catalog service dependency required")
	errMissingAddresses       = errors.New("address service dependency required")
	errMissingOrders          = errors.New("order service dependency required")
	errMissingCheckout        = errors.New("checkout service dependency required")
	errMissingNotifications   = errors.New("notification service dependency required")
	errMissingSubscriptions   = errors.New("subscription service dependency required")
	errMissingAdmin           = errors.New("admin service dependency required")
	errMissingSitemap         = errors.New("sitemap generator dependency required")
)

// SessionVerifier authenticates a request's Clerk session.
type SessionVerifier interface {
	VerifyRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserService resolves sessions to local identities and serves the user bundle.
type UserService interface {
	ResolveUser(ctx context.Context, claims auth.SessionClaims) (users.Identity, error)
	UserData(ctx context.Context, clerkUserID string) (users.UserData, error)
}

type Dependencies struct {
	Sessions          SessionVerifier
	Users             UserService
	Catalog           *catalog.Service
	Addresses         *addresses.Service
	Orders            *orders.Service
	Checkout          *checkout.Service
	Notifications     *notifications.Service
	Subscriptions     *subscriptions.Service
	Admin             *admin.Service
	Sitemap           *sitemap.Generator
	AllowedOrigins    []string
	AdminRole         string
	HeartbeatInterval time.Duration
	Logger            *zap.Logger
}

func (deps Dependencies) validate() error {
	checks := []struct {
		missing bool
		err     error
	}{
		{deps.Sessions == nil, errMissingSessionVerifier},
		{deps.Users == nil, errMissingUserService},
		{deps.Catalog == nil, errMissingCatalog},
		{deps.Addresses == nil, errMissingAddresses},
		{deps.Orders == nil, errMissingOrders},
		{deps.Checkout == nil, errMissingCheckout},
		{deps.Notifications == nil, errMissingNotifications},
		{deps.Subscriptions == nil, errMissingSubscriptions},
		{deps.Admin == nil, errMissingAdmin},
		{deps.Sitemap == nil, errMissingSitemap},
	}
	for _, check := range checks {
		if check.missing {
			return check.err
		}
	}
	return nil
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if engine, ok := binding.Validator.Engine().(*validator.Validate); ok {
		if err := validation.Register(engine); err != nil {
			return nil, err
		}
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	adminRole := deps.AdminRole
	if adminRole == "" {
		adminRole = auth.RoleAdmin
	}

	router := gin.New()
	router.Use(logging.Recovery(logger))
	router.Use(logging.GinMiddleware(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:      deps.Sessions,
		users:         deps.Users,
		catalog:       deps.Catalog,
		addresses:     deps.Addresses,
		orders:        deps.Orders,
		checkout:      deps.Checkout,
		notifications: deps.Notifications,
		subscriptions: deps.Subscriptions,
		admin:         deps.Admin,
		sitemap:       deps.Sitemap,
		adminRole:     adminRole,
		heartbeat:     heartbeat,
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/sitemap.xml", handler.handleSitemap)

	api := router.Group("/api")
	api.GET("/catalog/home", handler.handleHomePage)
	api.GET("/products", handler.handleListProducts)
	api.GET("/products/:slug", handler.handleGetProduct)
	api.GET("/products/:slug/reviews", handler.handleListReviews)
	api.POST("/newsletter/subscribe", handler.handleSubscribe)
	api.POST("/newsletter/unsubscribe", handler.handleUnsubscribe)
	api.POST("/webhooks/stripe", handler.handleStripeWebhook)

	protected := api.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/products/:slug/reviews", handler.handleSubmitReview)
	protected.GET("/user/data", handler.handleUserData)
	protected.POST("/user/account-request", handler.handleAccountRequest)
	protected.GET("/addresses", handler.handleListAddresses)
	protected.POST("/addresses", handler.handleCreateAddress)
	protected.PUT("/addresses/:id", handler.handleUpdateAddress)
	protected.DELETE("/addresses/:id", handler.handleDeleteAddress)
	protected.POST("/addresses/:id/default", handler.handleSetDefaultAddress)
	protected.GET("/orders", handler.handleListOrders)
	protected.POST("/orders", handler.handleCreateOrder)
	protected.GET("/orders/:id", handler.handleGetOrder)
	protected.POST("/orders/:id/cancel", handler.handleCancelOrder)
	protected.POST("/checkout/stripe", handler.handleCreateCheckout)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/stream", handler.handleNotificationStream)
	protected.POST("/notifications/read", handler.handleMarkNotificationsRead)
	protected.DELETE("/notifications/:id", handler.handleDeleteNotification)

	adminGroup := api.Group("/admin")
	adminGroup.Use(handler.authorizeRequest, handler.requireAdmin)
	adminGroup.GET("/stats", handler.handleAdminStats)
	adminGroup.GET("/accounts/pending", handler.handlePendingAccounts)
	adminGroup.POST("/approve-account", handler.handleApproveAccount)
	adminGroup.POST("/reject-account", handler.handleRejectAccount)
	adminGroup.GET("/orders", handler.handleAdminOrders)
	adminGroup.PATCH("/orders/:id/status", handler.handleAdminOrderStatus)
	adminGroup.GET("/subscribers", handler.handleAdminSubscribers)
	adminGroup.POST("/notifications", handler.handleAdminSendNotification)
	adminGroup.GET("/reviews", handler.handlePendingReviews)
	adminGroup.POST("/reviews/:id/moderate", handler.handleModerateReview)
	adminGroup.POST("/catalog/invalidate", handler.handleInvalidateCatalog)

	return router, nil
}

type httpHandler struct {
	sessions      SessionVerifier
	users         UserService
	catalog       *catalog.Service
	addresses     *addresses.Service
	orders        *orders.Service
	checkout      *checkout.Service
	notifications *notifications.Service
	subscriptions *subscriptions.Service
	admin         *admin.Service
	sitemap       *sitemap.Generator
	adminRole     string
	heartbeat     time.Duration
	logger        *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposeHeaders:    []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowCredentials = false
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleSitemap(c *gin.Context) {
	document, err := h.sitemap.XML(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", document)
}
