package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/acmegate/acmegate/internal/acmeclient"
	"github.com/acmegate/acmegate/internal/ca"
	"github.com/acmegate/acmegate/internal/challenge"
	"github.com/acmegate/acmegate/internal/config"
	"github.com/acmegate/acmegate/internal/dnsprovider"
	"github.com/acmegate/acmegate/internal/engine"
	"github.com/acmegate/acmegate/internal/model"
	"github.com/acmegate/acmegate/internal/server"
	"github.com/acmegate/acmegate/internal/storage"
)

var logger *zap.Logger

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(l)
	logger = l.With(zap.String("package", "main"))
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger.Info("ACME Gate starting...", zap.String("external_url", cfg.ExternalURL))

	// Initialize storage
	store, err := storage.NewStorage(
		cfg.StorageType,
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
		cfg.DBCert,
		cfg.DBKey,
		cfg.DBRootCert,
	)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
	}
	defer store.Close()
	logger.Info("storage initialized")

	// Make sure the data directory exists
	if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			logger.Fatal("failed to create data directory", zap.Error(err), zap.String("data_dir", cfg.DataDir))
		}
		logger.Info("created data directory", zap.String("data_dir", cfg.DataDir))
	}

	// DNS provider registry, seeded from the policy file and then from
	// bindings persisted through the management API.
	ctx := context.Background()
	registry := dnsprovider.NewRegistry()
	if cfg.PolicyFile != "" {
		if err := seedFromPolicyFile(ctx, cfg.PolicyFile, store, registry); err != nil {
			logger.Fatal("failed to seed policy from file", zap.Error(err), zap.String("policy_file", cfg.PolicyFile))
		}
	}
	bindings, err := store.ListProviderBindings(ctx)
	if err != nil {
		logger.Fatal("failed to load provider bindings", zap.Error(err))
	}
	for _, binding := range bindings {
		if err := registry.Bind(ctx, binding); err != nil {
			logger.Error("failed to bind stored DNS provider",
				zap.String("suffix", binding.Suffix),
				zap.String("type", binding.Type),
				zap.Error(err))
		}
	}

	// Upstream account manager and challenge machinery.
	accounts := acmeclient.NewAccountManager(store, []string{cfg.AccountContact}, nil)
	checker := challenge.NewPropagationChecker(nil)
	solver := challenge.NewDNS01Solver(registry, checker)
	tokens := challenge.NewHTTP01TokenStore()
	pool := ca.NewPool(cfg, store)

	eng := engine.New(cfg, store, &engine.AccountManagerProvider{Manager: accounts}, solver, checker, tokens, pool, nil)

	// Renewal scheduler
	scheduler := engine.NewRenewalScheduler(eng)
	scheduler.Start()
	defer scheduler.Stop()

	// Ensure HTTPS certificates
	certFile, keyFile, err := ca.EnsureHTTPSCertificates(cfg)
	if err != nil {
		logger.Fatal("failed to ensure HTTPS certificates", zap.Error(err))
	}

	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, eng, store, cfg, registry, logger)
	server.ApplyCommonMiddleware(httpsInstance, eng, store, cfg, registry, logger)
	server.SetupRouter(httpInstance, httpsInstance, eng, cfg)

	go func() {
		logger.Info("HTTP listener starting", zap.String("address", cfg.HTTPAddress))
		if err := httpInstance.Start(cfg.HTTPAddress); err != nil && err != http.ErrServerClosed {
			logger.Fatal("error starting HTTP server", zap.Error(err), zap.String("address", cfg.HTTPAddress))
		}
	}()
	go func() {
		logger.Info("HTTPS listener starting", zap.String("address", cfg.HTTPSAddress))
		if err := httpsInstance.StartTLS(cfg.HTTPSAddress, certFile, keyFile); err != nil && err != http.ErrServerClosed {
			logger.Fatal("error starting HTTPS server", zap.Error(err), zap.String("address", cfg.HTTPSAddress))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpInstance.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := httpsInstance.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTPS shutdown failed", zap.Error(err))
	}
}

// seedFromPolicyFile loads domain policies and provider bindings from the
// YAML policy file into storage and the live registry. Entries already in
// storage are overwritten; the file is the operator's declared intent.
func seedFromPolicyFile(ctx context.Context, path string, store storage.Storage, registry *dnsprovider.Registry) error {
	contents, err := config.LoadPolicyFile(path)
	if err != nil {
		return err
	}
	for _, entry := range contents.DNSProviders {
		binding := &model.ProviderBinding{
			Suffix:      entry.Suffix,
			Type:        entry.Type,
			Zone:        entry.Zone,
			Credentials: entry.Credentials,
		}
		if err := registry.Bind(ctx, binding); err != nil {
			return err
		}
		if err := store.SaveProviderBinding(ctx, binding); err != nil {
			return err
		}
	}
	for _, entry := range contents.DomainPolicies {
		policy := &model.DomainPolicy{
			Domain:          entry.Domain,
			Upstream:        entry.Upstream,
			DirectoryURL:    entry.DirectoryURL,
			IssuerID:        entry.IssuerID,
			AutoApprove:     entry.AutoApprove,
			WildcardAllowed: entry.WildcardAllowed,
			AutoRenew:       entry.AutoRenew,
		}
		if err := store.SaveDomainPolicy(ctx, policy); err != nil {
			return err
		}
	}
	logger.Info("seeded policy from file",
		zap.Int("dns_providers", len(contents.DNSProviders)),
		zap.Int("domain_policies", len(contents.DomainPolicies)))
	return nil
}
