package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"

	"chat-relay/auth"
	"chat-relay/domain"
	"chat-relay/internal"
	"chat-relay/repositories"
	"chat-relay/runtime"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	// The main function acts as a thin wrapper.
	// Its only responsibility is to call run() and handle the OS exit code.
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Engine terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the engine lifecycle, and centralizes error reporting.
// This pattern ensures all 'defer' statements (like database cleanup) are executed before
// the program exits, and decouples initialization from the main entry point.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()

	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	logger := internal.GetLoggerFromString(config.LogLevel)
	ctx := context.Background()

	// 2. Database (BadgerDB)
	db, err := badger.Open(buildBadgerOpts(config, logger, ctx))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		// Defer ensures the database lock is released and buffers are flushed.
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Collaborators & Engine
	verifier := auth.NewVerifier(config.JWTSecret)
	statusRepository := repositories.NewStatusRepository(db)
	messageRepository := repositories.NewMessageRepository(db, logger)

	engine := runtime.NewEngine(logger, config, verifier,
		newLogTransport(logger), statusRepository, messageRepository)

	// 4. Context & Signals
	// NotifyContext captures OS signals and cancels the context to trigger a shutdown.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 5. Start the Engine (sweeps, heartbeat, supervision)
	done := make(chan struct{})
	go func() {
		logger.Info("Starting engine...")
		engine.Start(ctx)
		close(done)
	}()

	// 6. Wait for Stop
	<-ctx.Done()
	logger.Info("Shutdown signal received")

	// 7. Final Cleanup (Graceful Shutdown)
	engine.Stop()
	<-done
	logger.Info("Program stopped cleanly")

	return exitOK, nil
}

func buildBadgerOpts(config internal.Config, logger *slog.Logger, ctx context.Context) badger.Options {
	options := badger.DefaultOptions(config.BadgerFilepath)

	if logger.Enabled(ctx, slog.LevelDebug) {
		options = options.WithLoggingLevel(badger.DEBUG).
			WithBypassLockGuard(true)
	} else {
		options = options.WithLoggingLevel(badger.INFO)
	}

	return options
}

// logTransport stands in for a socket layer: it logs every outbound
// payload. The real transport registers itself through the same interface.
type logTransport struct {
	log *slog.Logger
}

func newLogTransport(log *slog.Logger) logTransport {
	return logTransport{log: log}
}

func (t logTransport) SendToSession(sessionID domain.SessionID, payload any) error {
	t.log.Debug("Send", "session", sessionID, "payload", payload)
	return nil
}

func (t logTransport) SendToSessions(sessionIDs []domain.SessionID, payload any) error {
	for _, id := range sessionIDs {
		if err := t.SendToSession(id, payload); err != nil {
			return err
		}
	}
	return nil
}
