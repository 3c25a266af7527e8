package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/medapply/replyrelay/internal/api"
	"github.com/medapply/replyrelay/internal/cache"
	"github.com/medapply/replyrelay/internal/config"
	"github.com/medapply/replyrelay/internal/database"
	"github.com/medapply/replyrelay/internal/email/inbound/direct"
	"github.com/medapply/replyrelay/internal/email/inbound/directory"
	"github.com/medapply/replyrelay/internal/email/inbound/forward"
	"github.com/medapply/replyrelay/internal/email/inbound/matcher"
	"github.com/medapply/replyrelay/internal/email/inbound/postmaster"
	"github.com/medapply/replyrelay/internal/email/inbound/signature"
	"github.com/medapply/replyrelay/internal/metrics"
	"github.com/medapply/replyrelay/internal/notifications"
	"github.com/medapply/replyrelay/internal/repository"
	"github.com/medapply/replyrelay/internal/storage"
)

var autoMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inbound webhook server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&autoMigrate, "migrate", false, "Apply pending schema migrations before serving")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if autoMigrate {
		applied, err := database.Migrate(ctx, db, logger)
		if err != nil {
			return err
		}
		logger.Printf("database: %d migrations applied", applied)
	}

	guard, closeGuard := deliveryGuard(ctx, cfg, logger)
	defer closeGuard()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	processor, err := buildProcessor(cfg, db, guard, m, logger)
	if err != nil {
		return err
	}

	if cfg.App.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.RouterConfig{
		WebhookPath: cfg.Mail.Webhook.Path,
		MetricsPath: cfg.Metrics.Path,
		Inbound:     api.NewInboundHandler(processor, m, logger, cfg.Server.MaxUploadBytes),
		Metrics:     m,
		Health: map[string]api.HealthChecker{
			"database": func(ctx context.Context) error { return database.Healthy(ctx, db) },
		},
		Logger: logger,
	})

	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("server: listening on %s (webhook %s)", srv.Addr, cfg.Mail.Webhook.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Println("server: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func buildProcessor(cfg *config.Config, db *sqlx.DB, guard cache.DeliveryGuard, m *metrics.Metrics, logger *log.Logger) (*postmaster.Processor, error) {
	apps := repository.NewApplicationRepository(db)
	messages := repository.NewMessageRepository(db)
	aliases := repository.NewAliasRepository(db)

	store, err := storage.NewFilesystemStore(cfg.Storage.Local.Path)
	if err != nil {
		return nil, fmt.Errorf("attachment storage: %w", err)
	}

	mailer := notifications.NewSMTPMailer(&cfg.Email)
	if !cfg.Email.Enabled {
		logger.Println("email: SMTP disabled, replies are stored but not forwarded")
	}
	fwd := forward.New(mailer,
		forward.WithStore(store),
		forward.WithFrom(cfg.Email.From),
		forward.WithLogger(logger),
	)

	return postmaster.NewProcessor(postmaster.Services{
		Verifier:     signature.NewVerifier(cfg.Mail.Webhook.SigningKey, signature.WithMaxAge(cfg.Mail.Webhook.MaxAge)),
		Direct:       direct.NewRouter(apps),
		Directory:    directory.New(aliases, directory.WithLogger(logger)),
		Matcher:      matcher.NewRouter(apps, messages, matcher.WithRouterLogger(logger)),
		DB:           db,
		Messages:     messages,
		Applications: apps,
		Profiles:     aliases,
	},
		postmaster.WithProcessorLogger(logger),
		postmaster.WithProcessorForwarder(fwd),
		postmaster.WithProcessorStorage(store),
		postmaster.WithProcessorGuard(guard),
		postmaster.WithProcessorMetrics(m),
		postmaster.WithProcessorAttachmentLimits(cfg.Storage.Attachments.MaxCount, cfg.Storage.Attachments.MaxSize),
	), nil
}

// deliveryGuard connects to Redis when enabled. A Redis outage at startup
// degrades to the database duplicate check instead of failing the server.
func deliveryGuard(ctx context.Context, cfg *config.Config, logger *log.Logger) (cache.DeliveryGuard, func()) {
	if !cfg.Redis.Enabled {
		return cache.NoopGuard{}, func() {}
	}
	guard, err := cache.NewRedisGuard(ctx, cfg.Redis)
	if err != nil {
		logger.Printf("redis: delivery guard disabled: %v", err)
		return cache.NoopGuard{}, func() {}
	}
	return guard, func() {
		if err := guard.Close(); err != nil {
			logger.Printf("redis: close: %v", err)
		}
	}
}
