package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/AuditLedger/internal/alert"
	"github.com/jmerrifield20/AuditLedger/internal/api/handler"
	"github.com/jmerrifield20/AuditLedger/internal/auditledger"
	"github.com/jmerrifield20/AuditLedger/internal/auditor"
	"github.com/jmerrifield20/AuditLedger/internal/events"
	"github.com/jmerrifield20/AuditLedger/internal/identity"
	"github.com/jmerrifield20/AuditLedger/internal/recorder"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if err := loadConfig(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger, err := newLogger(level, viper.GetBool("log.development"))
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(logger, level); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func newLogger(level zap.AtomicLevel, development bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = level
	return cfg.Build()
}

func run(logger *zap.Logger, level zap.AtomicLevel) error {
	// ── Configuration ────────────────────────────────────────────────────────
	if f := viper.ConfigFileUsed(); f != "" {
		logger.Info("config loaded", zap.String("file", f))
	} else {
		logger.Warn("no config file found, using defaults and env vars")
	}
	if err := setLevel(level, viper.GetString("log.level")); err != nil {
		logger.Warn("ignoring log.level", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──────────────────────────────────────────────────────────────
	store, closeStore, err := openStore(ctx, viper.GetString("ledger.storage"), logger)
	if err != nil {
		return err
	}
	defer closeStore()

	// ── Alerts ───────────────────────────────────────────────────────────────
	alerts := alert.NewDispatcher(logger)
	alerts.SetMetricsRecorder(handler.RecordAlert)
	configureAlerts(alerts, logger)

	// ── Committed-entry feed ─────────────────────────────────────────────────
	var publisher events.Publisher = events.NoopPublisher{}
	if natsURL := viper.GetString("nats.url"); natsURL != "" {
		p, err := events.ConnectNATS(natsURL, viper.GetString("nats.subject"), logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		publisher = p
		logger.Info("publishing committed entries", zap.String("subject", viper.GetString("nats.subject")))
	}

	// ── Writer ───────────────────────────────────────────────────────────────
	wcfg := auditledger.DefaultWriterConfig()
	wcfg.QueueSize = viper.GetInt("writer.queue_size")
	wcfg.MaxConflictRetries = viper.GetInt("writer.max_conflict_retries")
	wcfg.MaxElapsed = viper.GetDuration("writer.unavailable_max_elapsed")
	writer := auditledger.NewWriter(store, wcfg, logger)
	writer.SetHooks(auditledger.WriterHooks{
		Committed: func(e *auditledger.Entry, replayed bool) {
			if replayed {
				handler.RecordAppend("replayed")
				return
			}
			handler.RecordAppend("committed")
			if err := publisher.Publish(ctx, e); err != nil {
				logger.Warn("publish committed entry", zap.Int64("sequence_number", e.SequenceNumber), zap.Error(err))
			}
		},
		Retried: handler.RecordAppendRetry,
		Failed:  func(error) { handler.RecordAppend("failed") },
	})
	rec := recorder.New(writer, alerts, logger)

	// ── Query service ────────────────────────────────────────────────────────
	qcfg := auditledger.DefaultQueryConfig()
	qcfg.DefaultLimit = viper.GetInt("query.default_limit")
	qcfg.MaxLimit = viper.GetInt("query.max_limit")
	queries := auditledger.NewQueryService(store, qcfg, logger)

	// ── Background auditor ───────────────────────────────────────────────────
	aud := auditor.New(store, alerts, auditor.Config{
		Interval:  viper.GetDuration("auditor.interval"),
		BatchSize: viper.GetInt("auditor.batch_size"),
		FullEvery: viper.GetInt("auditor.full_every"),
	}, logger)
	aud.SetResultFunc(func(full bool, res auditledger.VerificationResult, err error) {
		switch {
		case err != nil:
			handler.RecordVerification("error")
		case res.Valid:
			handler.RecordVerification("valid")
		default:
			handler.RecordVerification("broken")
		}
		if full && err == nil {
			handler.RecordChainBreaks(len(res.Breaks))
		}
	})
	aud.SetTailFunc(handler.SetTailSequence)
	auditorDone := make(chan struct{})
	go func() {
		defer close(auditorDone)
		aud.Start(ctx)
	}()

	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := queries.SweepAnchors(); n > 0 {
					logger.Debug("anchor cache swept", zap.Int("evicted", n))
				}
			}
		}
	}()

	// ── Handlers ─────────────────────────────────────────────────────────────
	ledgerHandler := handler.NewLedgerHandler(queries, logger)
	ledgerHandler.SetVerifyDefault(viper.GetBool("query.verify_default"))
	ledgerHandler.SetBatchSize(viper.GetInt("auditor.batch_size"))

	viper.OnConfigChange(func(e fsnotify.Event) {
		if err := setLevel(level, viper.GetString("log.level")); err != nil {
			logger.Warn("ignoring log.level", zap.Error(err))
		}
		ledgerHandler.SetVerifyDefault(viper.GetBool("query.verify_default"))
		logger.Info("config reloaded",
			zap.String("file", e.Name),
			zap.String("log_level", level.String()),
			zap.Bool("verify_default", viper.GetBool("query.verify_default")),
		)
	})
	viper.WatchConfig()

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(handler.RequestID())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", handler.IdempotencyKeyHeader},
		ExposeHeaders:    []string{"Content-Length", handler.RequestIDHeader},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))
	router.Use(handler.SecurityHeaders())
	router.Use(handler.BodyLimit(1 << 20))
	router.Use(handler.RequestLogger(logger))
	router.Use(handler.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", handler.MetricsHandler())

	limiter := handler.NewRateLimiter(ctx)
	readRPS := viper.GetInt("server.rate_limit_rps")
	v1 := router.Group("/api/v1", limiter.Limit(handler.BucketRead, readRPS, readRPS*2))
	ledgerHandler.Register(v1)

	if err := mountInternalAPI(router, rec, limiter, logger); err != nil {
		return err
	}

	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ledgerd HTTP listening",
			zap.Int("port", httpPort),
			zap.String("storage", viper.GetString("ledger.storage")),
		)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http listen: %w", err)
	}
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	// Pending appends drain before the feed and the store close.
	writer.Close()
	if err := publisher.Close(); err != nil {
		logger.Warn("close publisher", zap.Error(err))
	}
	// The auditor raises alerts; it must be gone before the dispatcher closes.
	stop()
	<-auditorDone
	alerts.Close()

	logger.Info("ledgerd stopped")
	return nil
}

// mountInternalAPI registers the service-authenticated write API. Without a
// signing key the write API is disabled.
func mountInternalAPI(router *gin.Engine, rec *recorder.Recorder, limiter *handler.RateLimiter, logger *zap.Logger) error {
	tokens, err := identity.NewTokenIssuer(
		[]byte(viper.GetString("auth.signing_key")),
		viper.GetString("auth.issuer"),
		viper.GetDuration("auth.token_ttl"),
	)
	if errors.Is(err, identity.ErrNoSigningKey) {
		logger.Warn("auth.signing_key not set, internal write API disabled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}

	secrets, err := identity.NewSecretVerifier(viper.GetStringMapString("auth.service_secrets"))
	if err != nil {
		return fmt.Errorf("auth.service_secrets: %w", err)
	}

	writeRPS := viper.GetInt("server.write_rate_limit_rps")
	writeLimit := limiter.Limit(handler.BucketWrite, writeRPS, writeRPS*2)

	internal := router.Group("/internal/v1")
	handler.NewAuthHandler(secrets, tokens, logger).Register(internal.Group("", writeLimit))

	write := internal.Group("", identity.RequireService(tokens, identity.ScopeAppend), writeLimit)
	handler.NewAppendHandler(rec, logger).Register(write)
	return nil
}

func configureAlerts(d *alert.Dispatcher, logger *zap.Logger) {
	if to := viper.GetStringSlice("alert.email_to"); len(to) > 0 && viper.GetString("alert.smtp.host") != "" {
		sender := alert.NewSMTPSender(
			viper.GetString("alert.smtp.host"),
			viper.GetInt("alert.smtp.port"),
			viper.GetString("alert.smtp.username"),
			viper.GetString("alert.smtp.password"),
			viper.GetString("alert.smtp.from"),
		)
		d.Add("email", alert.NewEmailNotifier(sender, to))
		logger.Info("email alerts enabled", zap.Strings("to", to))
	}
	if urls := viper.GetStringSlice("alert.webhook_urls"); len(urls) > 0 {
		d.Add("webhook", alert.NewWebhookNotifier(urls, viper.GetString("alert.webhook_secret")))
		logger.Info("webhook alerts enabled", zap.Int("urls", len(urls)))
	}
}

func setLevel(level zap.AtomicLevel, s string) error {
	if s == "" {
		return nil
	}
	l, err := zapcore.ParseLevel(s)
	if err != nil {
		return err
	}
	level.SetLevel(l)
	return nil
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
