package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wellness-planner/internal/app"
	"wellness-planner/internal/config"
	"wellness-planner/internal/logger"
	"wellness-planner/internal/telegram"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.NewFromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.RequireTelegram(); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	l, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Telegram API, needed by the reminder notifier
	api, err := telegram.NewAPI(cfg, l)
	if err != nil {
		l.Fatal("Failed to initialize Telegram API", "error", err)
	}

	// 3. Application
	notifier := telegram.NewNotifier(api, cfg.TelegramAllowedUserIDs, cfg.Timezone)
	a, err := app.New(ctx, cfg, l, app.WithNotifier(notifier))
	if err != nil {
		l.Fatal("Failed to initialize application", "error", err)
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Printf("Failed to close application: %v", err)
		}
	}()
	if err := a.Start(ctx); err != nil {
		l.Warn("Event forwarding disabled", "error", err)
	}

	// 4. Bot
	sessions := telegram.NewSessionRepository(a.DB())
	go cleanupSessions(ctx, sessions, a, l)

	bot := telegram.NewBot(api, a, sessions, cfg, a.Clock(), l)
	defer bot.Close()

	// 5. Start Server with Graceful Shutdown
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	mux := http.NewServeMux()
	bot.RegisterHandlers(mux)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	go func() {
		l.Info("Telegram Bot Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	l.Info("Shutting down server...")

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctxShutdown); err != nil {
		l.Error("Server forced to shutdown", "error", err)
	}

	l.Info("Server exiting")
}

// cleanupSessions drops expired conversation sessions every hour.
func cleanupSessions(ctx context.Context, sessions *telegram.SessionRepository, a *app.App, l *logger.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessions.CleanupExpired(ctx, a.Clock().Now())
			if err != nil {
				l.Warn("Failed to clean up sessions", "error", err)
				continue
			}
			if n > 0 {
				l.Debug("Removed expired sessions", "count", n)
			}
		}
	}
}
