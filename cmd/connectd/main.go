package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fireside/connect-client-go/internal/audit"
	"github.com/fireside/connect-client-go/internal/config"
	"github.com/fireside/connect-client-go/internal/database"
	"github.com/fireside/connect-client-go/internal/jobs"
	"github.com/fireside/connect-client-go/internal/model"
	"github.com/fireside/connect-client-go/internal/redis"
	"github.com/fireside/connect-client-go/internal/service"
	"github.com/fireside/connect-client-go/internal/store"
	"github.com/fireside/connect-client-go/internal/transport"
	"github.com/fireside/connect-client-go/internal/util"
	"github.com/fireside/connect-client-go/internal/walletconn"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	sessionStore, cleanup := buildStore(cfg)
	defer cleanup()

	retries := cfg.RequestRetries
	if retries == 0 {
		retries = transport.NoRetries
	}
	httpClient := transport.NewClient(transport.Options{
		Timeout: cfg.RequestTimeout(),
		Retries: retries,
	})

	tokenSource := service.NewBackendTokenSource(
		httpClient,
		strings.TrimRight(cfg.BackendURL, "/")+"/v1/auth/refresh",
	)

	relayClient := walletconn.NewRelayClient(cfg.RelayURL)
	defer relayClient.Close()

	walletService := service.NewWalletService(relayClient, sessionStore, cfg.ChainID, cfg.ApprovalTTL())

	bootCtx, bootCancel := context.WithTimeout(context.Background(), config.StorePingTimeout)
	restored, err := walletService.RestoreSession(bootCtx)
	bootCancel()
	if err != nil {
		log.Error().Err(err).Msg("session restore failed")
	}
	if restored != nil {
		audit.Log(context.Background(), audit.Event{
			Type:    audit.EventSessionRestored,
			Topic:   util.MaskTopic(restored.Session.Topic),
			Address: restored.Address,
		})
	} else {
		log.Info().Msg("no wallet session to restore")
	}

	signalClient := service.NewSignalClient(service.SignalConfig{
		Endpoint:           cfg.SignalURL,
		Path:               cfg.SignalPath,
		HandshakeTimeout:   config.HandshakeTimeout,
		ReconnectCeiling:   cfg.ReconnectCeiling,
		ReconnectBaseDelay: cfg.ReconnectBaseDelay(),
		ReconnectMaxDelay:  cfg.ReconnectMaxDelay(),
	}, tokenSource, tokenSource)
	signalClient.OnEvent(auditSignalEvents(cfg.SignalURL))
	defer signalClient.Disconnect()

	if err := signalClient.Connect(context.Background()); err != nil {
		log.Warn().Err(err).Msg("initial signal connect failed, retrying in background")
	}

	sweepJob := jobs.NewSweepJob(sessionStore, config.SweepJobInterval)
	sweepJob.Start()
	defer sweepJob.Stop()

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		status := map[string]any{
			"signal":  signalClient.State(),
			"session": string(model.SessionStatusNone),
		}
		if rec, err := sessionStore.Load(req.Context()); err == nil && rec != nil {
			state := model.SessionStatusActive
			if rec.Expired(time.Now()) {
				state = model.SessionStatusExpired
			}
			status["session"] = string(state)
			status["topic"] = util.MaskTopic(rec.Topic)
			status["expiry"] = rec.Expiry
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(status)
	})

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     r,
		ReadTimeout: config.ServerReadTimeout,
		IdleTimeout: config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting diagnostics server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("stopped")
}

// buildStore picks the session record backend and returns it with its
// teardown
func buildStore(cfg *config.Config) (store.SessionStore, func()) {
	switch cfg.SessionStore {
	case "memory":
		log.Info().Msg("using in-memory session store")
		return store.NewMemoryStore(), func() {}

	case "redis":
		client, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		log.Info().Msg("redis connected")
		return store.NewRedisStore(client), func() { client.Close() }

	case "postgres":
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		ctx, cancel := context.WithTimeout(context.Background(), config.StorePingTimeout)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		log.Info().Msg("database connected")
		return store.NewPostgresStore(db.DB), func() { db.Close() }

	default:
		log.Info().Str("path", cfg.SessionFile).Msg("using file session store")
		return store.NewFileStore(cfg.SessionFile, cfg.EncryptionKey), func() {}
	}
}

func auditSignalEvents(endpoint string) func(service.Event) {
	return func(ev service.Event) {
		switch ev.Kind {
		case service.EventConnect:
			audit.Log(context.Background(), audit.Event{Type: audit.EventSignalConnect, Endpoint: endpoint})
		case service.EventDisconnect:
			audit.Log(context.Background(), audit.Event{Type: audit.EventSignalDisconnect, Endpoint: endpoint})
		case service.EventReconnectSuccess:
			audit.Log(context.Background(), audit.Event{
				Type:     audit.EventSignalReconnect,
				Endpoint: endpoint,
				Details:  map[string]interface{}{"attempt": ev.Attempt},
			})
		case service.EventReconnectExhausted:
			audit.Log(context.Background(), audit.Event{
				Type:     audit.EventSignalExhausted,
				Endpoint: endpoint,
				Details:  map[string]interface{}{"attempts": ev.Attempt},
			})
		case service.EventAuthRefreshed:
			audit.Log(context.Background(), audit.Event{Type: audit.EventAuthRefresh, Endpoint: endpoint})
		}
	}
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
