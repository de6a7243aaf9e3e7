package main

import (
	"context"
	stdtls "crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"careflow/backend/internal/api"
	"careflow/backend/internal/auth"
	"careflow/backend/internal/mcp"
	"careflow/backend/internal/tls"
	"careflow/backend/internal/tracing"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
)

const serviceName = "careflow"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API, MCP endpoint and resumption scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		migrate, _ := cmd.Flags().GetBool("migrate")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("Starting Careflow", "version", version, "environment", cfg.Environment)

		if cfg.Tracing.Enable {
			shutdownTracing, err := tracing.Init(serviceName, version, cfg.Tracing.OutputFile)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Error("Tracing shutdown error", "error", err)
				}
			}()
		}

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		logger.Info("Database connected")

		if migrate {
			if err := a.store.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("Schema migrated")
		}

		authz, err := auth.New(ctx, cfg, a.store, logger.With("component", "auth"))
		if err != nil {
			return err
		}

		e := echo.New()
		e.HideBanner = true
		e.HTTPErrorHandler = api.ProblemErrorHandler
		e.Use(middleware.Recover())
		e.Use(middleware.RequestID())
		e.Use(middleware.Logger())
		if cfg.Tracing.Enable {
			e.Use(otelecho.Middleware(serviceName))
		}

		requireAuth := echo.WrapMiddleware(authz.RequireAuth)

		srv := api.NewServer(a.engine, a.store, logger.With("component", "api"), api.Options{
			WebhookSecret:        cfg.Webhooks.Secret,
			AllowedRedirectHosts: cfg.Tracking.AllowedRedirectHosts,
			Version:              version,
		})
		srv.RegisterRoutes(e, requireAuth)
		api.RegisterDocs(e, api.DocsConfig{OktaIssuer: cfg.Auth.OktaDomain, ClientID: cfg.Auth.ClientID})
		e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))
		logger.Info("REST API handlers mounted")

		mcpServer := mcp.NewServer(a.engine, a.store, version)
		mcp.Mount(e, mcpServer.GetMCPServer(), requireAuth)
		logger.Info("MCP protocol handlers mounted")

		server := &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      e,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		}
		if cfg.TLS.Enable {
			cert, err := tls.EnsureCertificate(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.Hostnames, time.Now())
			if err != nil {
				return err
			}
			server.TLSConfig = &stdtls.Config{Certificates: []stdtls.Certificate{cert}, MinVersion: stdtls.VersionTLS12}
		}

		schedulerDone := make(chan error, 1)
		if cfg.Scheduler.Enable {
			go func() { schedulerDone <- a.scheduler.Run(ctx) }()
		} else {
			logger.Info("Scheduler disabled; run `careflow sweep` externally")
			close(schedulerDone)
		}

		serverErrors := make(chan error, 1)
		go func() {
			logger.Info("Server starting", "address", server.Addr, "tls", cfg.TLS.Enable)
			if cfg.TLS.Enable {
				serverErrors <- server.ListenAndServeTLS("", "")
			} else {
				serverErrors <- server.ListenAndServe()
			}
		}()

		var runErr error
		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Server error", "error", err)
				runErr = err
			}
			stop()
		case <-ctx.Done():
			logger.Info("Shutdown signal received")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
			if err := server.Close(); err != nil {
				logger.Error("Server close error", "error", err)
			}
		}
		if err := <-schedulerDone; err != nil {
			logger.Error("Scheduler stopped with error", "error", err)
		}

		logger.Info("Server stopped gracefully")
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("migrate", false, "Apply the database schema before serving")
}
