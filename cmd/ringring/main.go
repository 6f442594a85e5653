// Command ringring hosts the Call Orchestrator: it loads configuration,
// wires the carrier driver, registry, webhook/media endpoint, and
// orchestrator together, then serves both the HTTP/WS surface (C7) and the
// stdio JSON-RPC tool surface (C9) until told to shut down.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/sync/errgroup"

	"github.com/RyanLisse/RingRing/internal/commons"
	"github.com/RyanLisse/RingRing/internal/config"
	"github.com/RyanLisse/RingRing/internal/orchestrator"
	"github.com/RyanLisse/RingRing/internal/registry"
	"github.com/RyanLisse/RingRing/internal/telephony"
	"github.com/RyanLisse/RingRing/internal/telephony/telnyx"
	"github.com/RyanLisse/RingRing/internal/telephony/twilio"
	"github.com/RyanLisse/RingRing/internal/toolsurface"
	"github.com/RyanLisse/RingRing/internal/webhook"
)

const shutdownGrace = 5 * time.Second

func main() {
	logger, err := commons.NewApplicationLogger(
		commons.Name("ringring"),
		commons.Path(os.Getenv("LOG_DIR")),
		commons.Level(os.Getenv("LOG_LEVEL")),
	)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Errorw("configuration load failed", "error", err)
		os.Exit(1)
	}

	driver, err := buildDriver(logger, cfg)
	if err != nil {
		logger.Errorw("carrier driver init failed", "error", err)
		os.Exit(1)
	}

	reg := registry.New()
	orch := orchestrator.New(logger, cfg, reg, driver)
	webhookSrv := webhook.New(logger, reg, driver, orch, orch, orch)

	httpSrv := &http.Server{
		Addr:    portAddr(cfg.Endpoint.Port),
		Handler: webhookSrv.Engine(),
	}

	mcpSrv := server.NewMCPServer("ringring", "1.0.0")
	toolsurface.New(logger, orch).Register(mcpSrv)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infow("webhook/media endpoint listening", "port", cfg.Endpoint.Port)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.Infow("stdio tool surface serving")
		return server.ServeStdio(mcpSrv)
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && gCtx.Err() == nil {
		logger.Errorw("ringring exited with error", "error", err)
		os.Exit(1)
	}
}

// buildDriver selects the carrier driver variant per cfg.Carrier.Provider,
// the tagged-union-by-interface dispatch spec.md §9 calls for.
func buildDriver(logger commons.Logger, cfg *config.AppConfig) (telephony.Driver, error) {
	switch cfg.Carrier.Provider {
	case config.ProviderTelnyx:
		return telnyx.New(logger, cfg.Carrier.Secret, cfg.Carrier.ConnectionID, os.Getenv("TELNYX_PUBLIC_KEY"), cfg.Carrier.StrictSignature)
	case config.ProviderTwilio:
		return twilio.New(logger, cfg.Carrier.AccountID, cfg.Carrier.Secret), nil
	default:
		// config.Load rejects any other Provider value before this runs.
		return nil, fmt.Errorf("unsupported carrier provider %q", cfg.Carrier.Provider)
	}
}

func portAddr(port int) string {
	return fmt.Sprintf(":%d", port)
}
