package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/parlakisik/service-exchange/src/internal/events"
	"github.com/parlakisik/service-exchange/src/internal/httpclient"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/config"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/httpapi"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/service"
	"github.com/parlakisik/service-exchange/src/sx-engine/internal/store"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Environment)
	slog.Info("starting sx-engine",
		"version", rootCmd.Version,
		"environment", cfg.Environment,
		"port", cfg.Port,
		"store_type", cfg.StoreType,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	if m, ok := st.(store.Migrator); ok {
		if err := m.Migrate(ctx); err != nil {
			slog.Warn("failed to migrate store", "error", err)
		}
	}

	settings, err := config.NewSettingsStore(cfg.SettingsFile)
	if err != nil {
		return err
	}
	go func() {
		if err := settings.Watch(ctx); err != nil {
			slog.Error("settings watcher stopped", "error", err)
		}
	}()

	pub := newPublisher(cfg)
	svc := service.New(st, pub, settings)

	limiter := httpapi.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	go limiter.Run(ctx)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      httpapi.NewRouter(svc, httpapi.NewAuthenticator(cfg.JWTSecret), limiter),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := pub.Close(shutdownCtx); err != nil {
		slog.Warn("pending webhooks abandoned", "error", err)
	}
	slog.Info("server stopped")
	return nil
}

func newPublisher(cfg *config.Config) *events.Publisher {
	var opts []httpclient.Option
	if cfg.EventWebhookToken != "" {
		opts = append(opts, httpclient.WithAuth(&httpclient.BearerTokenAuth{Token: cfg.EventWebhookToken}))
	}
	pub := events.NewPublisher("sx-engine", httpclient.NewClient("sx-engine-webhooks", 10*time.Second, opts...))
	if cfg.EventWebhookURL != "" {
		pub.RegisterEndpoint(events.AllEvents, cfg.EventWebhookURL)
		slog.Info("event webhook registered", "url", cfg.EventWebhookURL)
	}
	return pub
}
