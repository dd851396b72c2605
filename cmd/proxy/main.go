package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/iTrooz/offline-cache/internal/app"
	"github.com/iTrooz/offline-cache/internal/config"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	configFlag := flag.String("config", "", "Path to the YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logrus.Warnf("Failed to load .env file: %v", err)
	}

	configPath := resolveConfigPath(*configFlag, flag.Args())
	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	if err := setupLogging(cfg.Log, os.Stdout); err != nil {
		logrus.Fatalf("Invalid log configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to start: %v", err)
	}

	if err := a.Start(ctx); err != nil {
		_ = a.Close()
		logrus.Fatalf("Server failed: %v", err)
	}

	logrus.Infof("Shutting down")
	if err := a.Close(); err != nil {
		logrus.Errorf("Failed to close storage: %v", err)
	}
}

// resolveConfigPath picks the config file: -config flag, first argument,
// OFFLINE_CACHE_CONFIG, then the default path when it exists
func resolveConfigPath(flagValue string, args []string) string {
	if flagValue != "" {
		return flagValue
	}
	if len(args) > 0 {
		return args[0]
	}
	if env := os.Getenv("OFFLINE_CACHE_CONFIG"); env != "" {
		return env
	}
	if _, err := os.Stat(defaultConfigPath); err == nil {
		return defaultConfigPath
	}
	return ""
}

// setupLogging applies the level and picks a formatter: text on a terminal,
// JSON otherwise, unless the format is forced
func setupLogging(cfg config.LogConfig, out io.Writer) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetOutput(out)

	format := cfg.Format
	if format == "" || format == "auto" {
		format = "json"
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = "text"
		}
	}

	switch format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.New("log format must be 'auto', 'text' or 'json', got: " + format)
	}
	return nil
}
