package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/shopcart/internal/addresses"
	"github.com/MarcoPoloResearchLab/shopcart/internal/admin"
	"github.com/MarcoPoloResearchLab/shopcart/internal/auth"
	"github.com/MarcoPoloResearchLab/shopcart/internal/cache"
	"github.com/MarcoPoloResearchLab/shopcart/internal/catalog"
	"github.com/MarcoPoloResearchLab/shopcart/internal/checkout"
	"github.com/MarcoPoloResearchLab/shopcart/internal/clerk"
	"github.com/MarcoPoloResearchLab/shopcart/internal/config"
	"github.com/MarcoPoloResearchLab/shopcart/internal/database"
	"github.com/MarcoPoloResearchLab/shopcart/internal/logging"
	"github.com/MarcoPoloResearchLab/shopcart/internal/notifications"
	"github.com/MarcoPoloResearchLab/shopcart/internal/orders"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sanity"
	"github.com/MarcoPoloResearchLab/shopcart/internal/server"
	"github.com/MarcoPoloResearchLab/shopcart/internal/sitemap"
	"github.com/MarcoPoloResearchLab/shopcart/internal/stripe"
	"github.com/MarcoPoloResearchLab/shopcart/internal/subscriptions"
	"github.com/MarcoPoloResearchLab/shopcart/internal/users"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "shopcart-api",
		Short: "ShopCart storefront API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("allowed-origins", "", "Comma-separated CORS origins")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("clerk-issuer", "", "Clerk frontend API issuer URL")
	cmd.PersistentFlags().String("sanity-project-id", "", "Sanity project ID")
	cmd.PersistentFlags().String("sanity-dataset", defaults.GetString("sanity.dataset"), "Sanity dataset")
	cmd.PersistentFlags().String("site-base-url", defaults.GetString("site.base_url"), "Public storefront URL")
	cmd.PersistentFlags().String("redis-address", "", "Redis address for the read cache (memory cache when empty)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "clerk.issuer", "clerk-issuer")
	bindFlag(cmd, "sanity.project_id", "sanity-project-id")
	bindFlag(cmd, "sanity.dataset", "sanity-dataset")
	bindFlag(cmd, "site.base_url", "site-base-url")
	bindFlag(cmd, "redis.address", "redis-address")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	cacheStore := cache.NewStore(ctx, cache.Config{
		RedisAddress:  appConfig.RedisAddress,
		RedisPassword: appConfig.RedisPassword,
		RedisDB:       appConfig.RedisDB,
		KeyPrefix:     "shopcart",
		Logger:        logger,
	})
	defer cacheStore.Close()

	sanityClient, err := sanity.NewClient(sanity.Config{
		ProjectID:  appConfig.SanityProjectID,
		Dataset:    appConfig.SanityDataset,
		APIVersion: appConfig.SanityAPIVersion,
		Token:      appConfig.SanityToken,
		UseCDN:     appConfig.SanityUseCDN,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	clerkClient, err := clerk.NewClient(clerk.Config{
		APIURL:    appConfig.ClerkAPIURL,
		SecretKey: appConfig.ClerkSecretKey,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	stripeClient, err := stripe.NewClient(stripe.Config{
		APIURL:    appConfig.StripeAPIURL,
		SecretKey: appConfig.StripeSecretKey,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	webhookVerifier, err := stripe.NewWebhookVerifier(appConfig.StripeWebhookSecret, stripe.DefaultWebhookTolerance)
	if err != nil {
		return err
	}

	sessionVerifier, err := auth.NewSessionVerifier(auth.SessionVerifierConfig{
		Issuer:            appConfig.ClerkIssuer,
		JWKSURL:           appConfig.ClerkJWKSURL,
		AuthorizedParties: append([]string{appConfig.SiteBaseURL}, appConfig.AllowedOrigins...),
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	linkSigner, err := auth.NewLinkSigner(auth.LinkSignerConfig{SigningSecret: []byte(appConfig.LinkSigningSecret)})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database:  db,
		Sanity:    sanityClient,
		Directory: clerkClient,
		Cache:     cacheStore,
		Rewards:   appConfig.Rewards,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Sanity:   sanityClient,
		Cache:    cacheStore,
		CacheTTL: appConfig.CacheTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	addressService, err := addresses.NewService(addresses.ServiceConfig{
		Sanity:      sanityClient,
		Invalidator: userService,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	notificationService, err := notifications.NewService(notifications.ServiceConfig{
		Sanity:      sanityClient,
		Dispatcher:  notifications.NewDispatcher(),
		Invalidator: userService,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	orderService, err := orders.NewService(orders.ServiceConfig{
		Sanity:      sanityClient,
		Addresses:   addressService,
		Notifier:    notificationService,
		Invalidator: userService,
		Rewards:     appConfig.Rewards,
		Currency:    appConfig.StripeCurrency,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	checkoutService, err := checkout.NewService(checkout.ServiceConfig{
		Database:    db,
		Orders:      orderService,
		Payments:    stripeClient,
		Webhooks:    webhookVerifier,
		SiteBaseURL: appConfig.SiteBaseURL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	subscriptionService, err := subscriptions.NewService(subscriptions.ServiceConfig{
		Sanity:      sanityClient,
		Links:       linkSigner,
		SiteBaseURL: appConfig.SiteBaseURL,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	adminService, err := admin.NewService(admin.ServiceConfig{
		Sanity:      sanityClient,
		Directory:   clerkClient,
		Notifier:    notificationService,
		Admins:      userService,
		Invalidator: userService,
		Subscribers: subscriptionService,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	sitemapGenerator, err := sitemap.NewGenerator(sanityClient, cacheStore, appConfig.SiteBaseURL, logger)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionVerifier,
		Users:          userService,
		Catalog:        catalogService,
		Addresses:      addressService,
		Orders:         orderService,
		Checkout:       checkoutService,
		Notifications:  notificationService,
		Subscriptions:  subscriptionService,
		Admin:          adminService,
		Sitemap:        sitemapGenerator,
		AllowedOrigins: appConfig.AllowedOrigins,
		AdminRole:      appConfig.ClerkAdminRole,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
