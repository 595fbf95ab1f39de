// Package main provides the hitspin CLI application entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"hitspin/internal/auth"
	"hitspin/internal/bridge"
	"hitspin/internal/core"
	httpserver "hitspin/internal/http"
	"hitspin/internal/scan"
	"hitspin/internal/spotify"
	"hitspin/internal/store"
	"hitspin/internal/timing"
)

var (
	cfgFile string
	config  *core.Config
	logger  *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hitspin",
	Short: "hitspin - music guessing game controller for Spotify",
	Long: `hitspin runs the party-game controller: players scan song cards, the
service plays a random excerpt through the Spotify playback SDK in the
browser, and the table guesses the year before the reveal.`,
	RunE: runHitspin,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .env)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("spotify-client-id", "", "Spotify client ID")
	rootCmd.PersistentFlags().String("spotify-redirect-url", "", "OAuth redirect URL")
	rootCmd.PersistentFlags().String("server-host", "", "HTTP server host")
	rootCmd.PersistentFlags().Int("server-port", 8080, "HTTP server port")
	rootCmd.PersistentFlags().String("db-path", "", "SQLite database path")
	rootCmd.PersistentFlags().Duration("play-window", 0, "excerpt length per round")
	rootCmd.PersistentFlags().Duration("scan-debounce", 0, "duplicate scan suppression window")
	rootCmd.PersistentFlags().Int("transfer-retries", -1, "playback transfer retries after the first attempt")

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind flags: %v\n", err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(".env")
		viper.SetConfigType("env")
	}

	viper.SetEnvPrefix("HITSPIN")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
			os.Exit(1)
		}
	}

	config = buildConfig()
	logger = buildLogger(config.Log.Level)
}

func buildConfig() *core.Config {
	cfg := core.DefaultConfig()

	cfg.Spotify.ClientID = viper.GetString("spotify-client-id")
	if v := viper.GetString("spotify-redirect-url"); v != "" {
		cfg.Spotify.RedirectURL = v
	}

	if v := viper.GetString("server-host"); v != "" {
		cfg.Server.Host = v
	}
	cfg.Server.Port = viper.GetInt("server-port")

	if v := viper.GetString("db-path"); v != "" {
		cfg.Store.DBPath = v
	}

	if v := viper.GetDuration("play-window"); v > 0 {
		cfg.Game.PlayWindow = v
	}
	if v := viper.GetDuration("scan-debounce"); v > 0 {
		cfg.Game.ScanDebounce = v
	}
	if v := viper.GetInt("transfer-retries"); v >= 0 {
		cfg.Game.TransferRetries = v
	}

	cfg.Log.Level = viper.GetString("log-level")

	return cfg
}

func buildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	builtLogger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("Failed to build logger: %v", err))
	}

	return builtLogger
}

func runHitspin(_ *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("Starting hitspin",
		zap.String("redirect_url", config.Spotify.RedirectURL),
		zap.Duration("play_window", config.Game.PlayWindow))

	if err := validateConfig(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	kv, err := store.OpenSQLiteKV(config.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			logger.Warn("Failed to close store", zap.Error(err))
		}
	}()

	clock := clockwork.NewRealClock()
	played := store.NewPlayedStore(config.Store.PlayedCapacity, config.Store.PlayedFalsePositiveRate)

	br := bridge.New(logger, clock)
	session := auth.NewManager(&config.Spotify, kv, clock, logger)
	controller := spotify.NewController(&config.Game, session, br, clock, logger)
	sched := timing.NewScheduler(clock)

	var orchestrator *core.Orchestrator
	gate := scan.NewGate(config.Game.ScanDebounce, clock, logger,
		scan.SinkFunc(func(ctx context.Context, trackID string) {
			orchestrator.TrackScanned(ctx, trackID)
		}), br.ScanHint)

	orchestrator = core.NewOrchestrator(
		config,
		session,
		controller,
		scan.NewSource(br, gate),
		sched,
		timing.SelectOffset,
		played,
		logger.Named("orchestrator"),
	)

	httpServer := httpserver.NewServer(&config.Server, logger.Named("http"), orchestrator, br.ServeWS)

	br.SetControls(orchestrator, func(ctx context.Context, payload string) {
		httpServer.RecordScan("received")
		gate.HandleScan(ctx, payload)
	}, orchestrator.CurrentState)

	orchestrator.SetListener(&gameListener{bridge: br, server: httpServer})

	orchestrator.Bootstrap(ctx)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpServer.Start(gCtx)
	})

	g.Go(func() error {
		return orchestrator.Run(gCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				httpServer.SetPlayedSize(played.Size())
			}
		}
	})

	logger.Info("hitspin started successfully",
		zap.String("http_addr", fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port)))

	if err := g.Wait(); err != nil {
		logger.Error("hitspin stopped with error", zap.Error(err))
		return err
	}

	logger.Info("hitspin stopped gracefully")
	return nil
}

func validateConfig() error {
	if config.Spotify.ClientID == "" {
		return fmt.Errorf("spotify client ID is required")
	}

	if config.Spotify.RedirectURL == "" {
		return fmt.Errorf("spotify redirect URL is required")
	}

	return nil
}

// gameListener fans orchestrator notifications out to the browser and the
// metrics surface.
type gameListener struct {
	bridge *bridge.Bridge
	server *httpserver.Server

	mu        sync.Mutex
	playingAt time.Time
}

func (l *gameListener) StateChanged(s core.State, p core.Payload) {
	switch s {
	case core.StatePlaying:
		l.server.RecordRound()
		if p.Repeat {
			l.server.RecordRepeat()
		}
		l.mu.Lock()
		l.playingAt = time.Now()
		l.mu.Unlock()
	case core.StateReveal:
		l.mu.Lock()
		startedAt := l.playingAt
		l.playingAt = time.Time{}
		l.mu.Unlock()
		if !startedAt.IsZero() {
			l.server.RecordRoundDuration(time.Since(startedAt))
		}
	}
	l.bridge.StateChanged(s, p)
}

func (l *gameListener) Progress(elapsed, remaining time.Duration) {
	l.bridge.Progress(elapsed, remaining)
}

func (l *gameListener) ScanHint(msg string) {
	l.bridge.ScanHint(msg)
}

func (l *gameListener) ErrorSurfaced(msg string) {
	l.server.RecordError("game", "surfaced")
	l.bridge.ErrorSurfaced(msg)
}
