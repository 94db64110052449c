package testutils

import (
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/acmegate/acmegate/internal/acmeclient"
	"github.com/acmegate/acmegate/internal/ca"
	"github.com/acmegate/acmegate/internal/challenge"
	"github.com/acmegate/acmegate/internal/config"
	"github.com/acmegate/acmegate/internal/dnsprovider"
	"github.com/acmegate/acmegate/internal/engine"
	"github.com/acmegate/acmegate/internal/server"
	"github.com/acmegate/acmegate/internal/storage"
)

// TestExternalURL is the base URL every test server builds its ACME resource
// URLs from.
const TestExternalURL = "https://test-gate.example.com"

// SetupTestServer assembles the full application over in-memory storage.
// It returns the HTTPS Echo instance (which carries the ACME and management
// routes), the storage, and the engine for direct manipulation in tests.
func SetupTestServer(t *testing.T) (*echo.Echo, storage.Storage, *engine.Engine) {
	t.Helper()

	t.Setenv("ACMEGATE_STORAGE_TYPE", "memory")
	t.Setenv("ACMEGATE_EXTERNAL_URL", TestExternalURL)
	t.Setenv("ACMEGATE_DATA_DIR", t.TempDir())

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load base config for test: %v", err)
	}

	store := storage.NewMemoryStorage()
	registry := dnsprovider.NewRegistry()
	checker := challenge.NewPropagationChecker(nil)
	solver := challenge.NewDNS01Solver(registry, checker)
	tokens := challenge.NewHTTP01TokenStore()
	pool := ca.NewPool(cfg, store)
	accounts := acmeclient.NewAccountManager(store, []string{cfg.AccountContact}, nil)

	eng := engine.New(cfg, store, &engine.AccountManagerProvider{Manager: accounts}, solver, checker, tokens, pool, nil)

	testLogger := zaptest.NewLogger(t)
	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, eng, store, cfg, registry, testLogger)
	server.ApplyCommonMiddleware(httpsInstance, eng, store, cfg, registry, testLogger)
	server.SetupRouter(httpInstance, httpsInstance, eng, cfg)

	return httpsInstance, store, eng
}
