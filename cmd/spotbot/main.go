// Command spotbot runs the spot position lifecycle and risk engine. It loads
// configuration, validates it, sets up signal handling and starts the
// configured mode.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"

	"github.com/alanyoungcy/spotbot/internal/app"
	"github.com/alanyoungcy/spotbot/internal/config"
	"github.com/alanyoungcy/spotbot/internal/crypto"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to configuration file")
	encryptOut := flag.String("encrypt-secret", "", "read an API secret from stdin, seal it with SPOTBOT_EXCHANGE_SECRET_PASSWORD and write it to this path")
	check := flag.Bool("check", false, "validate the configuration, print it redacted and exit")
	resume := flag.String("resume", "", "clear the halt on SYMBOL in the state store and exit (run while the engine is stopped)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if *encryptOut != "" {
		if err := encryptSecret(*encryptOut); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt-secret: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config",
			slog.String("path", *configPath),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if *check {
		redacted := config.RedactedConfig(cfg)
		if err := toml.NewEncoder(os.Stdout).Encode(redacted); err != nil {
			fmt.Fprintf(os.Stderr, "encode config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("spotbot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", *configPath),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *resume != "" {
		if err := application.Resume(ctx, *resume); err != nil {
			logger.Error("resume failed", slog.String("error", err.Error()))
			application.Close()
			os.Exit(1)
		}
		return
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("application exited with error", slog.String("error", err.Error()))
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		application.Close()
		os.Exit(1)
	}
	logger.Info("spotbot stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func encryptSecret(path string) error {
	password := os.Getenv("SPOTBOT_EXCHANGE_SECRET_PASSWORD")
	if password == "" {
		return errors.New("SPOTBOT_EXCHANGE_SECRET_PASSWORD is not set")
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read secret: %w", err)
	}
	secret := strings.TrimSpace(line)
	if secret == "" {
		return errors.New("empty secret")
	}
	sealed, err := crypto.EncryptSecret(secret, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
