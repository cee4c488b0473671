package main

import (
	"chat-core/auth"
	"chat-core/contract"
	"chat-core/moderation"
	"chat-core/repositories"
	"chat-core/runtime"
	"chat-core/services"
	"chat-core/transport"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components and centralizes error reporting so
// deferred cleanup executes before the process exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Persistence backend, selected once at startup
	store, err := repositories.Open(config.StoreBackend, config.StorePath, log)
	if err != nil {
		return fmt.Errorf("store opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing store...")
		_ = store.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.EnsureInitialized(ctx); err != nil {
		return fmt.Errorf("store initialization failed: %w", err)
	}

	// 3. Engines
	registry := runtime.NewRegistry()
	presence := services.NewPresenceService(log, store, registry,
		config.SweepInterval, config.InactivityThreshold)

	trust := auth.TrustConfig{
		Issuer:           config.TrustIssuer,
		Audiences:        splitList(config.TrustAudiences),
		Algorithms:       splitList(config.TrustAlgorithms),
		IgnoreNotBefore:  config.IgnoreNotBefore,
		IgnoreExpiration: config.IgnoreExpiry,
	}
	if config.TrustHSSecret != "" {
		trust.Keys = map[string]any{"": []byte(config.TrustHSSecret)}
	}

	server := transport.NewServer(log, trust, presence)

	moderator, err := buildModerator(config)
	if err != nil {
		return fmt.Errorf("moderation setup failed: %w", err)
	}

	messages := services.NewMessageService(log, store, registry, server,
		presence, moderator, config.AckTimeout)
	conversations := services.NewConversationService(log, store, registry)
	server.AttachEngines(messages, conversations)

	// 4. Background maintenance: inactivity sweep and message retention
	go presence.RunSweeper(ctx)
	go runRetention(ctx, log, store, config)

	// 5. HTTP surface: websocket endpoint plus health check
	router := transport.NewHealthRouter(store.HealthCheck)
	router.HandleFunc("/ws", server.HandleWebSocket)

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	httpServer := &http.Server{Addr: address, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server listening", "address", address, "backend", config.StoreBackend)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	}
}

func buildModerator(config Config) (*moderation.Moderator, error) {
	words := splitList(config.CensoredWords)
	if len(words) == 0 {
		return nil, nil
	}
	replacement, err := CharacterRune(config.CensoredChar)
	if err != nil {
		return nil, err
	}
	return moderation.NewModerator(words, replacement)
}

func runRetention(ctx context.Context, log *slog.Logger, store contract.Store, config Config) {
	ticker := time.NewTicker(config.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.CleanupOldMessages(ctx, config.MessageRetention)
			if err != nil {
				log.Warn("message retention pass failed", "error", err)
				continue
			}
			if removed > 0 {
				log.Info("aged out messages", "count", removed)
			}
		}
	}
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
