package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"dm-service/internal/attachments"
	"dm-service/internal/auth"
	"dm-service/internal/bus"
	"dm-service/internal/config"
	"dm-service/internal/db"
	grpcserver "dm-service/internal/grpc"
	"dm-service/internal/handlers"
	"dm-service/internal/logger"
	"dm-service/internal/messaging"
	"dm-service/internal/middleware"
	"dm-service/internal/observability"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/repositories"
	"dm-service/internal/session"
	"dm-service/internal/telemetry"
	"dm-service/internal/ws"
)

const serviceName = "dm-service"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("service stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, serviceName, cfg.Env, cfg.OTLPEndpoint, log)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	database, err := db.Connect(cfg.DBDriver, cfg.DBDSN, log)
	if err != nil {
		return err
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	log.Info("event publisher ready",
		zap.String("mode", rabbitmq.PublisherMode(publisher)),
		zap.String("noop_reason", rabbitmq.PublisherNoopReason(publisher)))
	audit := telemetry.NewAuditEmitter(publisher, "audit.dm", serviceName, cfg.Env, log)

	registry := session.NewRegistry(cfg.FeedBuffer)
	liveBus, err := newBus(ctx, cfg, registry, log)
	if err != nil {
		return err
	}

	resolver, err := newResolver(ctx, cfg, log)
	if err != nil {
		return err
	}

	service := messaging.NewService(
		repositories.NewMessageRepo(database),
		repositories.NewUserRepo(database),
		resolver,
		liveBus,
		messaging.Options{AllowEmpty: cfg.AllowEmptyMessages},
		log,
	)

	validator := auth.NewValidator(cfg.JWTSecret)
	limiter := middleware.NewUserRateLimiter(cfg.SendRatePerMinute, log)
	go limiter.Run(ctx)

	if !cfg.Development() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestID(),
		otelgin.Middleware(serviceName),
		observability.HTTPMetricsMiddleware(),
		logger.GinMiddleware(log),
	)

	messageHandler := handlers.NewMessageHandler(service, audit, cfg.MaxAttachmentBytes)
	messageHandler.Register(router, middleware.AuthMiddleware(validator), limiter.Handler())
	router.GET("/ws/live", ws.NewLiveHandler(liveBus, validator, log).Handle)
	router.GET("/healthz", healthz(database))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterDebugRoutes(router, audit, registry, cfg.DebugRoutes)

	health := grpcserver.NewHealthServer(database, log)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}
	go health.Watch(ctx, 15*time.Second)
	go func() {
		if err := health.Serve(lis); err != nil {
			log.Error("grpc server stopped", zap.Error(err))
		}
	}()
	defer health.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr), zap.String("grpc_port", cfg.GRPCPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}

// newBus wires the live bus, relaying through Redis when REDIS_URL is set so
// that every instance sees every event.
func newBus(ctx context.Context, cfg *config.Config, registry *session.Registry, log *zap.Logger) (*bus.Bus, error) {
	if cfg.RedisURL == "" {
		return bus.New(registry, nil, log), nil
	}
	client, err := bus.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		return nil, err
	}
	relay := bus.NewRedisRelay(client, cfg.RedisPrefix, log)
	liveBus := bus.New(registry, relay, log)
	go func() {
		if err := relay.Run(ctx, liveBus); err != nil {
			log.Error("live relay stopped", zap.Error(err))
		}
	}()
	return liveBus, nil
}

func newResolver(ctx context.Context, cfg *config.Config, log *zap.Logger) (attachments.Resolver, error) {
	if !cfg.AttachmentsEnabled() {
		log.Info("attachments disabled", zap.String("reason", "empty S3_BUCKET"))
		return nil, nil
	}
	s3, err := attachments.NewS3Resolver(ctx, attachments.S3Config{
		Region:        cfg.S3Region,
		Bucket:        cfg.S3Bucket,
		Endpoint:      cfg.S3Endpoint,
		PublicBaseURL: cfg.S3PublicBaseURL,
		KeyPrefix:     "attachments",
		MaxBytes:      cfg.MaxAttachmentBytes,
	}, log)
	if err != nil {
		return nil, err
	}
	return attachments.NewBreakerResolver(s3, log), nil
}

func healthz(database *sqlx.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := database.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
