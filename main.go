package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"faceswap_access/auth"
	"faceswap_access/config"
	"faceswap_access/handlers"
	"faceswap_access/invoker"
	"faceswap_access/store"
	"faceswap_access/uploader"
)

// categoryCacheVersion is bumped whenever the cached category shape changes
const categoryCacheVersion = 1

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	configureLogging(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	log.Info().Msg("Starting face-swap access layer")

	ctx := log.Logger.WithContext(context.Background())

	kv, err := store.OpenSQLiteKV(cfg.Local.StatePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Local.StatePath).Msg("Failed to open local state")
	}
	defer kv.Close()

	deviceID := cfg.Backend.DeviceID
	if deviceID == "" {
		deviceID = store.DeviceID(ctx, kv)
	}

	session := store.NewSession(kv)
	authClient := auth.NewClient(cfg.Backend, session.Credentials, deviceID)
	functionInvoker := invoker.New(cfg.Backend, session.Credentials, authClient)

	objectUploader := uploader.New(cfg.Storage)
	if err := objectUploader.Initialize(ctx); err != nil {
		// Uploads retry initialization lazily.
		log.Warn().Err(err).Msg("Storage client not ready")
	}
	defer objectUploader.Dispose()

	categories := store.NewVersionedCache(kv, store.CategoryCacheKey, categoryCacheVersion, cfg.Backend.CategoryCacheTTL)

	serverHandler := handlers.NewServerHandler(cfg, functionInvoker, authClient, objectUploader, session, categories)

	mux := http.NewServeMux()
	serverHandler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info().Msgf("Server listening on port %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exited properly")
}

// configureLogging sets up the logger based on the provided log level
func configureLogging(level string) {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	log.Logger = log.Output(output)
	zerolog.DefaultContextLogger = &log.Logger

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
