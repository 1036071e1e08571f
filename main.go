package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/Amund211/conduit/internal/adapters/database"
	"github.com/Amund211/conduit/internal/adapters/deviceconn"
	"github.com/Amund211/conduit/internal/adapters/eventrepository"
	"github.com/Amund211/conduit/internal/app"
	"github.com/Amund211/conduit/internal/broker"
	"github.com/Amund211/conduit/internal/config"
	"github.com/Amund211/conduit/internal/domain"
	"github.com/Amund211/conduit/internal/logging"
	"github.com/Amund211/conduit/internal/ports"
	"github.com/Amund211/conduit/internal/ratelimiting"
	"github.com/Amund211/conduit/internal/reporting"
	"github.com/Amund211/conduit/internal/telemetry"
	"github.com/Amund211/conduit/internal/throttle"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const PROD_DOMAIN_SUFFIX = "conduit.dev"
const STAGING_DOMAIN_SUFFIX = "conduit-dashboard.pages.dev"

const shutdownTimeout = 15 * time.Second

func newEventRepository(ctx context.Context, conf config.Config, logger *slog.Logger) (eventrepository.EventRepository, func(), error) {
	switch conf.EventSink() {
	case config.RedisEventSink:
		client := redis.NewClient(&redis.Options{Addr: conf.RedisAddr()})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		logger.Info("Initialized redis event repository")
		return eventrepository.NewRedis(client), func() { _ = client.Close() }, nil
	default:
		db, err := database.NewCloudsqlPostgresDatabase(conf)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}

		schemaName := database.GetSchemaName(!conf.IsProduction())
		err = database.NewDatabaseMigrator(db, logger.With("component", "migrator")).Migrate(ctx, schemaName)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		logger.Info("Initialized postgres event repository", "schema", schemaName)
		return eventrepository.NewPostgres(db, schemaName), func() { _ = db.Close() }, nil
	}
}

func newServer(ctx context.Context, port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%s", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Requests in flight on shutdown are drained by server.Shutdown, not cancelled by the signal
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	instanceID := uuid.New().String()

	conf, err := config.ConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load config", "error", err.Error())
		os.Exit(1)
	}

	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, nil)
	if conf.GCPProject() != "" {
		handler = logging.NewGoogleCloudTracingLogHandler(handler, conf.GCPProject())
	}
	logger := slog.New(handler).With("instanceID", instanceID)

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	logger.Info("Loaded config", "config", conf.NonSensitiveString())

	otelShutdown, err := telemetry.SetupOTelSDK(ctx, "conduit")
	if err != nil {
		fail("Failed to set up OpenTelemetry", "error", err.Error())
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			logger.Error("Failed to shut down OpenTelemetry", "error", err.Error())
		}
	}()

	sentryMiddleware, flush, err := reporting.NewSentryMiddlewareOrMock(conf)
	if err != nil {
		fail("Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()
	logger.Info("Initialized Sentry middleware")

	eventRepo, closeEventRepo, err := newEventRepository(ctx, conf, logger)
	if err != nil {
		fail("Failed to initialize event repository", "error", err.Error())
	}
	defer closeEventRepo()

	relay, err := app.NewEventRelay(
		logging.AddToContext(context.Background(), logger.With("component", "relay")),
		eventRepo,
		conf.EventFlushInterval(),
		conf.MaxBufferedEvents(),
		time.Now,
		throttle.RealAfterFunc,
	)
	if err != nil {
		fail("Failed to initialize event relay", "error", err.Error())
	}

	dialer, err := deviceconn.NewDialer(conf.DeviceDialTimeout(), time.Now, time.After)
	if err != nil {
		fail("Failed to initialize device dialer", "error", err.Error())
	}
	deviceBroker := broker.New[domain.DeviceConnection](dialer.Dial)
	defer deviceBroker.Close()

	getDeviceStatus := app.BuildGetDeviceStatus(deviceBroker)
	sendDeviceMessage := app.BuildSendDeviceMessage(deviceBroker)

	allowedOrigins, err := ports.NewDomainSuffixes(PROD_DOMAIN_SUFFIX, STAGING_DOMAIN_SUFFIX)
	if err != nil {
		fail("Failed to initialize allowed origins", "error", err.Error())
	}

	ipLimiter, stopIPLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(8),
		ratelimiting.BurstSize(480),
	)
	defer stopIPLimiter()
	// NOTE: Rate limiting based on user controlled value
	userIDLimiter, stopUserIDLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(2),
		ratelimiting.BurstSize(120),
	)
	defer stopUserIDLimiter()
	deviceLimiter, stopDeviceLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(5),
		ratelimiting.BurstSize(20),
	)
	defer stopDeviceLimiter()

	clientLimits := ports.NewLimits(
		ratelimiting.NewRequestBasedRateLimiter(ipLimiter, ratelimiting.IPKeyFunc),
		ratelimiting.NewRequestBasedRateLimiter(userIDLimiter, ratelimiting.UserIDKeyFunc),
	)
	deviceLimits := ports.NewLimits(
		ratelimiting.NewRequestBasedRateLimiter(ipLimiter, ratelimiting.IPKeyFunc),
		ratelimiting.NewRequestBasedRateLimiter(userIDLimiter, ratelimiting.UserIDKeyFunc),
		ratelimiting.NewRequestBasedRateLimiter(deviceLimiter, ratelimiting.DeviceKeyFunc),
	)

	mux := http.NewServeMux()

	mux.HandleFunc(
		"OPTIONS /v1/devices/{address}",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"GET /v1/devices/{address}",
		ports.MakeGetDeviceStatusHandler(
			getDeviceStatus,
			allowedOrigins,
			clientLimits,
			logger.With("port", "getdevicestatus"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"OPTIONS /v1/devices/{address}/messages",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"POST /v1/devices/{address}/messages",
		ports.MakeSendDeviceMessageHandler(
			sendDeviceMessage,
			allowedOrigins,
			deviceLimits,
			logger.With("port", "senddevicemessage"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"OPTIONS /v1/events",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"POST /v1/events",
		ports.MakeRecordEventsHandler(
			relay,
			time.Now,
			allowedOrigins,
			clientLimits,
			logger.With("port", "recordevents"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"GET /v1/status",
		ports.MakeStatusHandler(
			func() ports.ServiceStatus {
				return ports.ServiceStatus{
					Connections:    deviceBroker.Len(),
					BufferedEvents: relay.Buffered(),
				}
			},
			logger.With("port", "status"),
			sentryMiddleware,
		),
	)

	server := newServer(ctx, conf.Port(), otelhttp.NewHandler(mux, "conduit"))

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()
	logger.Info("Init complete", "port", conf.Port())

	select {
	case err := <-serverErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server error", "error", err.Error())
		}
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down server", "error", err.Error())
	}

	relay.Stop()
	if err := relay.Flush(logging.AddToContext(shutdownCtx, logger)); err != nil {
		logger.Error("Failed to flush events", "error", err.Error(), "remaining", relay.Buffered())
	}

	logger.Info("Server shutdown")
}
