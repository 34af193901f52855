package bootstrap

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/target/loadrun-api/config"
	httpx "github.com/target/loadrun-api/internal/http"
)

// HTTPServerConfig contains configuration for the HTTP server.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger
}

type httpServerHandle struct {
	server *http.Server
	errCh  chan error
}

// startHTTPServer builds the router and starts serving in the background.
func startHTTPServer(cfg *HTTPServerConfig) *httpServerHandle {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	checks := map[string]httpx.HealthChecker{
		"document_store": cfg.Services.Documents,
		"pending_jobs":   cfg.Services.Pending,
	}
	if cfg.Services.Blobs != nil {
		checks["blob_store"] = cfg.Services.Blobs
	}

	router := httpx.NewRouter(httpx.RouterServices{
		Reconciler: cfg.Services.Reconciler,
		Pending:    cfg.Services.Pending,
		Checks:     checks,
		Logger:     logger,
	})

	handler := httpx.Recover(logger)(httpx.Logging(logger)(router))

	addr := cfg.Config.HTTP.Addr
	if addr == "" {
		addr = ":8080"
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	handle := &httpServerHandle{server: server, errCh: make(chan error, 1)}
	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			handle.errCh <- err
		}
	}()

	return handle
}
