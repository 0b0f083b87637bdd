package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/warp/asset-ledger/api"
)

// =============================================================================
// SERVE
// =============================================================================
//
// Graceful shutdown on SIGINT/SIGTERM:
//   1. Stop accepting new connections
//   2. Wait for active requests to complete (30s timeout)
//   3. Stop the scheduler
//   4. Close the database

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
	cmd.Flags().String("host", "", "listen host")
	cmd.Flags().Int("port", 0, "listen port")
	mustBind(a.v, "http.host", cmd.Flags().Lookup("host"))
	mustBind(a.v, "http.port", cmd.Flags().Lookup("port"))
	return cmd
}

func (a *app) serve(ctx context.Context) error {
	metrics, err := api.NewMetrics()
	if err != nil {
		return err
	}
	svc, _, closeDB, err := a.openLedger(ctx, metrics)
	if err != nil {
		return err
	}
	defer closeDB()
	metrics.SetHead(svc.Head())

	var auth *api.Authenticator
	switch {
	case a.cfg.Auth.JWTSecret != "":
		auth = api.NewAuthenticator(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer)
	case a.cfg.App.IsDevelopment():
		a.logger.Warn().Msg("auth.jwt_secret unset: every request runs as the system principal")
	default:
		return errors.New("auth.jwt_secret is required outside development")
	}

	scheduler := api.NewScheduler(svc, a.logger)
	scheduler.Metrics = metrics
	scheduler.SyncInterval = a.cfg.Scheduler.SyncInterval
	scheduler.VerifyInterval = a.cfg.Scheduler.VerifyInterval
	scheduler.Start()
	defer scheduler.Stop()

	router := api.NewRouter(api.NewHandler(svc, a.logger), api.RouterOptions{
		AllowedOrigins: a.cfg.CORS.AllowedOrigins,
		Auth:           auth,
		Metrics:        metrics,
		Logger:         a.logger,
	})

	server := &http.Server{
		Addr:         a.cfg.HTTP.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", server.Addr).Str("db", a.cfg.DB.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	}

	a.logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	a.logger.Info().Msg("server stopped")
	return nil
}

func mustBind(v *viper.Viper, key string, flag *pflag.Flag) {
	if err := v.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", key, err))
	}
}
