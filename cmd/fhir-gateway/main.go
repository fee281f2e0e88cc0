package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/google/fhir-gateway-proxy/internal/accesschecker"
	"github.com/google/fhir-gateway-proxy/internal/config"
	"github.com/google/fhir-gateway-proxy/internal/patientfinder"
	"github.com/google/fhir-gateway-proxy/internal/pipeline"
	"github.com/google/fhir-gateway-proxy/internal/platform/fhir"
	"github.com/google/fhir-gateway-proxy/internal/platform/middleware"
	"github.com/google/fhir-gateway-proxy/internal/relay"
	"github.com/google/fhir-gateway-proxy/internal/upstream"
	"github.com/google/fhir-gateway-proxy/internal/verifier"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-gateway",
		Short: "SMART-on-FHIR authorizing reverse proxy",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func validateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate configuration without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				outcome := fhir.ConfigInvalidOutcome(err.Error())
				fmt.Printf("configuration invalid: %s\n", outcome.Issue[0].Diagnostics)
				return err
			}
			fmt.Println("configuration OK")
			return nil
		},
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	v, err := verifier.New(verifier.Config{
		Issuer:            cfg.TokenIssuer,
		WellKnownEndpoint: cfg.WellKnownEndpoint,
		DevMode:           cfg.IsDevMode(),
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct token verifier")
	}

	upstreamClient, err := upstream.New(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to construct upstream client")
	}

	var allowedQueries *accesschecker.AllowedQueriesChecker
	if cfg.AllowedQueriesFile != "" {
		aqCfg, err := accesschecker.LoadAllowedQueriesConfig(cfg.AllowedQueriesFile)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load ALLOWED_QUERIES_FILE")
		}
		allowedQueries = accesschecker.NewAllowedQueriesChecker(aqCfg)
	}

	capabilityProcessor := &fhir.CapabilityPostProcessor{
		AuthorizeURL: cfg.TokenIssuer + "/protocol/openid-connect/auth",
		TokenURL:     cfg.TokenIssuer + "/protocol/openid-connect/token",
	}

	gatewayBase := "http://localhost:" + cfg.Port

	p := &pipeline.Pipeline{
		Verifier:       v,
		AllowedQueries: allowedQueries,
		Capability:     accesschecker.NewCapabilityChecker(capabilityProcessor),
		AccessChecker:  cfg.AccessChecker,
		Upstream:       upstreamClient,
		Finder:         patientfinder.New(),
		Relay:          relay.New(upstreamClient.BaseURL(), gatewayBase),
		ServerBase:     gatewayBase,
		Logger:         logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	upstreamTimeout, err := cfg.UpstreamTimeoutDuration()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid upstream timeout")
	}

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.RequestTimeout(upstreamTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	e.Any("/*", echo.WrapHandler(p))

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("access_checker", cfg.AccessChecker).Str("backend", cfg.BackendType).Msg("starting gateway")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("gateway stopped")
	return nil
}
