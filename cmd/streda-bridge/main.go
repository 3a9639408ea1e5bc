package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"streda-bridge/internal/coordinator"
	"streda-bridge/internal/entity"
	"streda-bridge/internal/realtime"
	"streda-bridge/internal/store"
	"streda-bridge/internal/streda"
	"streda-bridge/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Streda struct {
		RefreshToken       string `yaml:"refresh_token"`
		LocationID         string `yaml:"location_id"`
		PollInterval       string `yaml:"poll_interval"`
		TokenCheckInterval string `yaml:"token_check_interval"`
	} `yaml:"streda"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Streda.RefreshToken == "" {
		return fmt.Errorf("streda.refresh_token is required")
	}
	if c.Streda.LocationID == "" {
		return fmt.Errorf("streda.location_id is required")
	}
	for _, field := range []struct{ name, value string }{
		{"streda.poll_interval", c.Streda.PollInterval},
		{"streda.token_check_interval", c.Streda.TokenCheckInterval},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("streda-bridge starting", "version", version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	// The cloud rotates the refresh token on every use, so a token persisted
	// from a previous run supersedes the config value, which is only the seed.
	refreshToken := streda.UnwrapSecret(cfg.Streda.RefreshToken)
	if stored, err := db.GetRefreshToken(); err == nil && stored != "" {
		refreshToken = stored
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("read stored refresh token", "err", err)
	}
	locationID := streda.UnwrapLocationID(cfg.Streda.LocationID)

	api := streda.NewClient(refreshToken, locationID, logger,
		streda.WithPersistToken(func(_ context.Context, token string) error {
			return db.SaveRefreshToken(token)
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := api.VerifyAccess(ctx); err != nil {
		cancel()
		logger.Error("cannot connect to streda cloud", "err", err)
		os.Exit(1)
	}

	topo, err := api.DiscoverSystem(ctx)
	cancel()
	if err != nil {
		logger.Error("discover system", "err", err)
		os.Exit(1)
	}
	if err := db.SaveTopology(topo); err != nil {
		logger.Warn("persist topology", "err", err)
	}
	logger.Info("system discovered", "rooms", len(topo))

	events := coordinator.NewEventBus(logger)
	states := coordinator.NewStateStore()

	push := realtime.New(realtime.Config{
		HubURL:    streda.HubURL,
		TokenFunc: api.RealtimeAccessToken,
	}, logger)

	coord := coordinator.New(api, states, events, push, locationID, coordinator.Config{
		PollInterval:       parseDuration(cfg.Streda.PollInterval),
		TokenCheckInterval: parseDuration(cfg.Streda.TokenCheckInterval),
	}, logger)

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(startCtx); err != nil {
		startCancel()
		logger.Error("start coordinator", "err", err)
		os.Exit(1)
	}
	startCancel()

	switches := entity.BuildSwitches(topo, states, api, logger)
	logger.Info("switches built", "count", len(switches))

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(switches, events, cfg, logger)

	// Start automation engine (no-op when built with no_automation tag).
	auto := initAutomation(events, states, switches, cfg, logger)

	// Start web server
	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))

	webServer := web.NewServer(coord, topo, switches, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	coord.Stop()

	logger.Info("goodbye")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8090"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "streda-bridge.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "streda"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// parseDuration returns zero for empty or bad input; zero means "use the
// component default". validate() already rejected malformed values.
func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
