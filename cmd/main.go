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

	"aniobridge/internal/anio"
	"aniobridge/internal/api"
	"aniobridge/internal/config"
	"aniobridge/internal/coordinator"
	"aniobridge/internal/ha"
	"aniobridge/internal/publisher"
	"aniobridge/internal/store"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	// run returns through its defers so cleanup happens on the error
	// path too.
	err = run(logger)
	logger.Sync()
	if err != nil {
		logger.Error("Bridge exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger) error {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "bridge_config.yaml"
	}

	cfg, err := config.Load(configPath, logger)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Info("Starting ANIO Watch Bridge",
		zap.String("ha_url", cfg.HAURL),
		zap.Int("scan_interval_seconds", cfg.ScanIntervalSeconds))

	// Open the local store for tokens and message dedup
	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Seed auth from stored tokens when available
	creds, err := st.LoadCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to load stored credentials: %w", err)
	}

	appUUID := uuid.NewString()
	authCfg := anio.AuthConfig{
		BaseURL:  cfg.AnioBaseURL,
		Email:    cfg.AnioEmail,
		Password: cfg.AnioPassword,
		AppUUID:  appUUID,
	}
	if creds != nil {
		authCfg.AccessToken = creds.AccessToken
		authCfg.RefreshToken = creds.RefreshToken
		authCfg.AppUUID = creds.AppUUID
		appUUID = creds.AppUUID
		logger.Info("Using stored tokens")
	}
	authCfg.OnTokenRefresh = func(accessToken, refreshToken string) error {
		return st.SaveCredentials(ctx, store.Credentials{
			AccessToken:  accessToken,
			RefreshToken: refreshToken,
			AppUUID:      appUUID,
		})
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	auth := anio.NewAuth(httpClient, authCfg, logger)

	// First start: log in with email and password
	if creds == nil {
		if cfg.AnioEmail == "" || cfg.AnioPassword == "" {
			return fmt.Errorf("no stored tokens; ANIO_EMAIL and ANIO_PASSWORD must be set")
		}
		if _, err := auth.Login(ctx, cfg.AnioOTPCode); err != nil {
			var otpErr *anio.OTPRequiredError
			if errors.As(err, &otpErr) {
				return fmt.Errorf("account has 2FA enabled; set ANIO_OTP_CODE and restart")
			}
			return fmt.Errorf("login failed: %w", err)
		}
		if err := st.SaveCredentials(ctx, store.Credentials{
			AccessToken:  auth.AccessToken(),
			RefreshToken: auth.RefreshTokenValue(),
			AppUUID:      auth.AppUUID(),
		}); err != nil {
			logger.Warn("Failed to persist login tokens", zap.Error(err))
		}
		logger.Info("Login successful")
	}

	client := anio.NewClient(httpClient, auth, cfg.AnioBaseURL, logger)

	// Connect to Home Assistant
	haClient := ha.NewClient(cfg.HAURL, cfg.HAToken, logger)
	if err := haClient.Connect(); err != nil {
		return fmt.Errorf("failed to connect to Home Assistant: %w", err)
	}
	defer haClient.Disconnect()

	// Wire the coordinator to the publisher
	coord := coordinator.New(client, st, time.Duration(cfg.ScanIntervalSeconds)*time.Second, logger)
	pub := publisher.New(haClient, cfg.EntityPrefix, logger)
	coord.Subscribe(pub.PublishSnapshot)
	coord.AddEventSink(pub)

	// Start the local HTTP API
	apiServer := api.NewServer(client, coord, logger, cfg.APIPort)
	apiServer.Start()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("Bridge running. Press Ctrl+C to exit.")

	if err := coord.Run(ctx); err != nil {
		return fmt.Errorf("polling stopped, re-check credentials: %w", err)
	}

	logger.Info("Shutting down gracefully...")
	return nil
}
