// Command server starts the PeakDecline Live API HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"peakdecline-live/internal/api"
	"peakdecline-live/internal/auth"
	"peakdecline-live/internal/library"
	"peakdecline-live/internal/observability/logging"
	"peakdecline-live/internal/observability/metrics"
	"peakdecline-live/internal/presence"
	"peakdecline-live/internal/rooms"
	"peakdecline-live/internal/server"
	"peakdecline-live/internal/storage"
	"peakdecline-live/internal/stream"
)

func main() {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	mode := flag.String("mode", "", "server runtime mode (development or production)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	sessionStoreDriver := flag.String("session-store", "", "session store driver (memory or postgres)")
	sessionPostgresDSN := flag.String("session-postgres-dsn", "", "Postgres DSN for the session store")
	sessionTTL := flag.Duration("session-ttl", 0, "absolute session lifetime")
	sessionIdleTimeout := flag.Duration("session-idle-timeout", 0, "idle timeout before a session expires")
	sessionPurgeInterval := flag.Duration("session-purge-interval", 0, "interval between expired session sweeps")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	roomQueueDriver := flag.String("room-queue-driver", "", "room event queue driver (memory or redis)")
	roomRedisAddr := flag.String("room-queue-redis-addr", "", "Redis address for room event transport")
	roomRedisAddrs := flag.String("room-queue-redis-addrs", "", "comma separated Redis addresses for room event transport")
	roomRedisUsername := flag.String("room-queue-redis-username", "", "Redis username for the room queue")
	roomRedisPassword := flag.String("room-queue-redis-password", "", "Redis password for the room queue")
	roomRedisStream := flag.String("room-queue-redis-stream", "", "Redis stream key for room events")
	roomRedisGroup := flag.String("room-queue-redis-group", "", "Redis consumer group for room events")
	roomRedisTLSCA := flag.String("room-queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the room queue")
	roomRedisTLSCert := flag.String("room-queue-redis-tls-cert", "", "path to Redis TLS client certificate for the room queue")
	roomRedisTLSKey := flag.String("room-queue-redis-tls-key", "", "path to Redis TLS client key for the room queue")
	roomRedisTLSServerName := flag.String("room-queue-redis-tls-server-name", "", "override Redis TLS server name for the room queue")
	roomRedisTLSSkipVerify := flag.Bool("room-queue-redis-tls-skip-verify", false, "skip Redis TLS verification for the room queue")
	plexURL := flag.String("plex-url", "", "base URL of the Plex media server")
	plexToken := flag.String("plex-token", "", "authentication token for the Plex media server")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	streamOutput := flag.String("stream-output", "", "directory for HLS playlists and segments")
	streamPollInterval := flag.Duration("stream-poll-interval", 0, "interval between playlist readiness checks")
	streamPollAttempts := flag.Int("stream-poll-attempts", 0, "maximum playlist readiness checks before giving up")
	streamGracefulTimeout := flag.Duration("stream-graceful-timeout", 0, "grace period before a transcoder is killed")
	streamExtraArgs := flag.String("stream-extra-args", "", "extra arguments appended to the transcoder invocation")
	presenceTTL := flag.Duration("presence-ttl", 0, "heartbeat expiry for online user tracking")
	presenceSweepInterval := flag.Duration("presence-sweep-interval", 0, "interval between stale presence sweeps")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("PEAKDECLINE_LIVE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("PEAKDECLINE_LIVE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	serverMode := modeValue(*mode, os.Getenv("PEAKDECLINE_LIVE_MODE"))
	listenAddr := resolveListenAddr(*addr, serverMode, os.Getenv("PEAKDECLINE_LIVE_ADDR"))

	postgresDefaultDSN := resolvePostgresDSN(*postgresDSN)
	driver := resolveStorageDriver(*storageDriver, os.Getenv("PEAKDECLINE_LIVE_STORAGE_DRIVER"), postgresDefaultDSN)

	var (
		store              storage.Repository
		storagePostgresDSN string
		err                error
	)
	switch driver {
	case "json":
		store, err = storage.NewStorage(resolveDataPath(*dataPath, os.Getenv("PEAKDECLINE_LIVE_DATA")))
	case "postgres":
		storagePostgresDSN = postgresDefaultDSN
		if storagePostgresDSN == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		store, err = storage.NewPostgresRepository(storagePostgresDSN)
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	sessionConfig, err := resolveSessionStoreConfig(
		*sessionStoreDriver,
		os.Getenv("PEAKDECLINE_LIVE_SESSION_STORE"),
		driver,
		storagePostgresDSN,
		*sessionPostgresDSN,
		os.Getenv("PEAKDECLINE_LIVE_SESSION_POSTGRES_DSN"),
	)
	if err != nil {
		logger.Error("failed to resolve session store", "error", err)
		os.Exit(1)
	}

	var (
		sessionStore  auth.SessionStore
		sessionCloser func(context.Context) error
	)
	switch sessionConfig.Driver {
	case "memory":
		sessionStore = auth.NewMemorySessionStore()
	case "postgres":
		pgStore, err := auth.NewPostgresSessionStore(sessionConfig.DSN)
		if err != nil {
			logger.Error("failed to open session store", "error", err)
			os.Exit(1)
		}
		sessionStore = pgStore
		sessionCloser = pgStore.Close
	default:
		logger.Error("unsupported session store driver", "driver", sessionConfig.Driver)
		os.Exit(1)
	}

	sessionOptions := []auth.SessionOption{auth.WithStore(sessionStore)}
	if idle := resolveDuration(*sessionIdleTimeout, "PEAKDECLINE_LIVE_SESSION_IDLE_TIMEOUT", 0); idle > 0 {
		sessionOptions = append(sessionOptions, auth.WithIdleTimeout(idle))
	}
	sessions := auth.NewSessionManager(
		resolveDuration(*sessionTTL, "PEAKDECLINE_LIVE_SESSION_TTL", 7*24*time.Hour),
		sessionOptions...,
	)

	queueCfg := rooms.RedisQueueConfig{
		Addr:     firstNonEmpty(*roomRedisAddr, os.Getenv("PEAKDECLINE_LIVE_ROOM_QUEUE_REDIS_ADDR")),
		Addrs:    splitAndTrim(firstNonEmpty(*roomRedisAddrs, os.Getenv("PEAKDECLINE_LIVE_ROOM_QUEUE_REDIS_ADDRS"))),
		Username: firstNonEmpty(*roomRedisUsername, os.Getenv("PEAKDECLINE_LIVE_ROOM_QUEUE_REDIS_USERNAME")),
		Password: firstNonEmpty(*roomRedisPassword, os.Getenv("PEAKDECLINE_LIVE_ROOM_QUEUE_REDIS_PASSWORD")),
		Stream:   firstNonEmpty(*roomRedisStream, os.Getenv("PEAKDECLINE_LIVE_ROOM_QUEUE_REDIS_STREAM")),
		Group:    firstNonEmpty(*roomRedisGroup, os.Getenv("PEAKDECLINE_LIVE_ROOM_QUEUE_REDIS_GROUP")),
		TLS: rooms.RedisTLSConfig{
			CAFile:             firstNonEmpty(*roomRedisTLSCA, os.Getenv("PEAKDECLINE_LIVE_ROOM_QUEUE_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*roomRedisTLSCert, os.Getenv("PEAKDECLINE_LIVE_ROOM_QUEUE_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*roomRedisTLSKey, os.Getenv("PEAKDECLINE_LIVE_ROOM_QUEUE_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*roomRedisTLSServerName, os.Getenv("PEAKDECLINE_LIVE_ROOM_QUEUE_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*roomRedisTLSSkipVerify, "PEAKDECLINE_LIVE_ROOM_QUEUE_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	queue, err := configureRoomQueue(firstNonEmpty(*roomQueueDriver, os.Getenv("PEAKDECLINE_LIVE_ROOM_QUEUE_DRIVER")), queueCfg, logger)
	if err != nil {
		logger.Error("failed to configure room queue", "error", err)
		os.Exit(1)
	}

	var mediaLibrary *library.Client
	plexBase := firstNonEmpty(*plexURL, os.Getenv("PEAKDECLINE_LIVE_PLEX_URL"))
	if plexBase != "" {
		mediaLibrary, err = library.NewClient(library.Config{
			BaseURL: plexBase,
			Token:   firstNonEmpty(*plexToken, os.Getenv("PEAKDECLINE_LIVE_PLEX_TOKEN")),
			Logger:  logging.WithComponent(logger, "library"),
			Metrics: recorder,
		})
		if err != nil {
			logger.Error("failed to configure media library", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("media library disabled: no Plex URL configured")
	}

	// The tracker and the gateway reference each other: the gateway reports
	// connects and disconnects, the tracker broadcasts roster changes back.
	var gateway *rooms.Gateway
	tracker := presence.NewTracker(
		logging.WithComponent(logger, "presence"),
		func(online []string) {
			if gateway != nil {
				gateway.BroadcastPresence(online)
			}
		},
		presence.WithTTL(resolveDuration(*presenceTTL, "PEAKDECLINE_LIVE_PRESENCE_TTL", 0)),
		presence.WithMetrics(recorder),
	)
	gatewayCfg := rooms.GatewayConfig{
		Queue:    queue,
		Store:    store,
		Presence: tracker,
		Logger:   logging.WithComponent(logger, "rooms"),
		Metrics:  recorder,
	}
	if mediaLibrary != nil {
		gatewayCfg.Resolver = mediaLibrary
	}
	gateway = rooms.NewGateway(gatewayCfg)

	output, err := stream.NewOutputManager(
		firstNonEmpty(*streamOutput, os.Getenv("PEAKDECLINE_LIVE_STREAM_OUTPUT"), "data/streams"),
		logging.WithComponent(logger, "stream"),
	)
	if err != nil {
		logger.Error("failed to prepare stream output directory", "error", err)
		os.Exit(1)
	}
	supervisor, err := stream.NewSupervisor(stream.Config{
		Runner:          stream.NewExecRunner(logging.WithComponent(logger, "transcoder")),
		Output:          output,
		Notifier:        gateway,
		Logger:          logging.WithComponent(logger, "stream"),
		Metrics:         recorder,
		FFmpegPath:      firstNonEmpty(*ffmpegPath, os.Getenv("PEAKDECLINE_LIVE_FFMPEG")),
		PollInterval:    resolveDuration(*streamPollInterval, "PEAKDECLINE_LIVE_STREAM_POLL_INTERVAL", 0),
		PollAttempts:    resolveInt(*streamPollAttempts, "PEAKDECLINE_LIVE_STREAM_POLL_ATTEMPTS"),
		GracefulTimeout: resolveDuration(*streamGracefulTimeout, "PEAKDECLINE_LIVE_STREAM_GRACEFUL_TIMEOUT", 0),
		ExtraArgs:       strings.Fields(firstNonEmpty(*streamExtraArgs, os.Getenv("PEAKDECLINE_LIVE_STREAM_EXTRA_ARGS"))),
	})
	if err != nil {
		logger.Error("failed to configure stream supervisor", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(store, sessions)
	handler.Logger = logger
	handler.Streams = supervisor
	handler.Gateway = gateway
	handler.Presence = tracker
	if mediaLibrary != nil {
		handler.Library = mediaLibrary
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	go gateway.Run(workerCtx)
	sessionPurgeStop := startSessionPurgeWorker(
		workerCtx,
		logging.WithComponent(logger, "session-purger"),
		sessions,
		resolveDuration(*sessionPurgeInterval, "PEAKDECLINE_LIVE_SESSION_PURGE_INTERVAL", 15*time.Minute),
	)
	defer sessionPurgeStop()
	presenceSweepStop := startPresenceSweepWorker(
		workerCtx,
		logging.WithComponent(logger, "presence-sweeper"),
		tracker,
		resolveDuration(*presenceSweepInterval, "PEAKDECLINE_LIVE_PRESENCE_SWEEP_INTERVAL", 30*time.Second),
	)
	defer presenceSweepStop()

	tlsCfg := server.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("PEAKDECLINE_LIVE_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("PEAKDECLINE_LIVE_TLS_KEY")),
	}
	srv, err := server.New(handler, server.Config{
		Addr:    listenAddr,
		TLS:     tlsCfg,
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("PeakDecline Live API listening", "addr", listenAddr, "mode", serverMode)
		if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
			logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
		}
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	workerCancel()
	sessionPurgeStop()
	presenceSweepStop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	supervisor.Close()

	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	if sessionCloser != nil {
		if err := sessionCloser(ctx); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}

	logger.Info("server stopped")
}

type sessionStoreConfig struct {
	Driver string
	DSN    string
}

func resolveSessionStoreConfig(flagDriver, envDriver, storageDriver, storageDSN, flagDSN, envDSN string) (sessionStoreConfig, error) {
	driver := strings.ToLower(strings.TrimSpace(flagDriver))
	if driver == "" {
		driver = strings.ToLower(strings.TrimSpace(envDriver))
	}

	sessionDSN := strings.TrimSpace(firstNonEmpty(flagDSN, envDSN))
	if driver == "" {
		switch {
		case sessionDSN != "":
			driver = "postgres"
		case storageDriver == "postgres":
			driver = "postgres"
		default:
			driver = "memory"
		}
	}

	switch driver {
	case "", "memory":
		return sessionStoreConfig{Driver: "memory"}, nil
	case "postgres":
		if sessionDSN == "" {
			sessionDSN = strings.TrimSpace(storageDSN)
		}
		if sessionDSN == "" {
			return sessionStoreConfig{}, fmt.Errorf("postgres session store selected without DSN")
		}
		return sessionStoreConfig{Driver: "postgres", DSN: sessionDSN}, nil
	default:
		return sessionStoreConfig{}, fmt.Errorf("unsupported session store driver %q", driver)
	}
}

func configureRoomQueue(driver string, cfg rooms.RedisQueueConfig, logger *slog.Logger) (rooms.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		if len(cfg.Addrs) == 0 && strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the room queue")
		}
		cfg.Logger = logging.WithComponent(logger, "room-queue")
		return rooms.NewRedisQueue(cfg)
	case "", "memory":
		return rooms.NewMemoryQueue(128), nil
	default:
		return nil, fmt.Errorf("unsupported room queue driver %q", driver)
	}
}

func resolveListenAddr(flagValue, mode, envAddr string) string {
	listenAddr := strings.TrimSpace(flagValue)
	if listenAddr == "" {
		listenAddr = strings.TrimSpace(envAddr)
	}
	if listenAddr == "" {
		listenAddr = defaultListenForMode(mode)
	}
	return listenAddr
}

func modeValue(flagMode, envMode string) string {
	mode := strings.ToLower(strings.TrimSpace(flagMode))
	if mode == "" {
		mode = strings.ToLower(strings.TrimSpace(envMode))
	}
	if mode == "" {
		mode = "development"
	}
	return mode
}

func defaultListenForMode(mode string) string {
	if mode == "production" {
		return ":80"
	}
	return ":8080"
}

func resolveStorageDriver(flagValue, envValue, postgresDSN string) string {
	if driver := strings.ToLower(strings.TrimSpace(flagValue)); driver != "" {
		return driver
	}
	if driver := strings.ToLower(strings.TrimSpace(envValue)); driver != "" {
		return driver
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres"
	}
	return "json"
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/store.json"
}

func resolvePostgresDSN(flagValue string) string {
	return strings.TrimSpace(firstNonEmpty(flagValue, os.Getenv("PEAKDECLINE_LIVE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
