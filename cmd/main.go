package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wyoming-stt-bridge/internal/config"
	"wyoming-stt-bridge/internal/engine"
	enginegoogle "wyoming-stt-bridge/internal/engine/google"
	enginemock "wyoming-stt-bridge/internal/engine/mock"
	enginewhisper "wyoming-stt-bridge/internal/engine/whispercpp"
	"wyoming-stt-bridge/internal/events"
	httpapi "wyoming-stt-bridge/internal/http"
	"wyoming-stt-bridge/internal/observability"
	"wyoming-stt-bridge/internal/observability/logging"
	"wyoming-stt-bridge/internal/server"
	"wyoming-stt-bridge/internal/session"
)

var (
	flagConfig        string
	flagURI           string
	flagProvider      string
	flagModel         string
	flagModelDir      string
	flagDataDir       string
	flagDevice        string
	flagComputeType   string
	flagLanguage      string
	flagBeamSize      int
	flagInitialPrompt string
	flagMaxClients    int
	flagDebug         bool
)

var rootCmd = &cobra.Command{
	Use:   "wyoming-stt-bridge",
	Short: "Streaming speech-to-text server speaking the Wyoming protocol",
	Long: `wyoming-stt-bridge accepts Wyoming protocol connections over TCP,
buffers streamed PCM audio into decode windows and feeds them to a
pluggable transcription engine (mock, whispercpp or google), emitting
partial transcripts while streaming and exactly one final transcript
per pass.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flagConfig, "config", "", "path to a YAML config file")
	f.StringVar(&flagURI, "uri", "", "listen URI, e.g. tcp://0.0.0.0:10300")
	f.StringVar(&flagProvider, "provider", "", "engine provider (mock, whispercpp, google)")
	f.StringVar(&flagModel, "model", "", "model name or file")
	f.StringVar(&flagModelDir, "model-dir", "", "directory holding model files")
	f.StringVar(&flagDataDir, "data-dir", "", "directory for engine scratch data")
	f.StringVar(&flagDevice, "device", "", "compute device (cpu, cuda)")
	f.StringVar(&flagComputeType, "compute-type", "", "compute precision (default, int8, float16)")
	f.StringVar(&flagLanguage, "language", "", "default transcription language")
	f.IntVar(&flagBeamSize, "beam-size", 0, "decoder beam size")
	f.StringVar(&flagInitialPrompt, "initial-prompt", "", "prompt fed to the first decode of a pass")
	f.IntVar(&flagMaxClients, "max-clients", 0, "maximum concurrent sessions")
	f.BoolVar(&flagDebug, "debug", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if flagConfig != "" {
		var err error
		cfg, err = config.LoadFile(flagConfig)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Load()
	}

	// Flags outrank both file and environment.
	if flagURI != "" {
		cfg.Service.ListenAddr = strings.TrimPrefix(flagURI, "tcp://")
	}
	if flagProvider != "" {
		cfg.Engine.Provider = flagProvider
	}
	if flagModel != "" {
		cfg.Engine.Model = flagModel
	}
	if flagModelDir != "" {
		cfg.Engine.ModelDir = flagModelDir
	}
	if flagDataDir != "" {
		cfg.Engine.DataDir = flagDataDir
	}
	if flagDevice != "" {
		cfg.Engine.Device = flagDevice
	}
	if flagComputeType != "" {
		cfg.Engine.ComputeType = flagComputeType
	}
	if flagLanguage != "" {
		cfg.Engine.Language = flagLanguage
	}
	if flagBeamSize > 0 {
		cfg.Engine.BeamSize = flagBeamSize
	}
	if flagInitialPrompt != "" {
		cfg.Engine.InitialPrompt = flagInitialPrompt
	}
	if flagMaxClients > 0 {
		cfg.Service.MaxSessions = flagMaxClients
	}
	if flagDebug {
		cfg.Observability.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newAdapter(ctx context.Context, cfg *config.Config) (engine.Adapter, error) {
	ecfg := engine.Config{
		Model:         cfg.Engine.Model,
		ModelDir:      cfg.Engine.ModelDir,
		DataDir:       cfg.Engine.DataDir,
		Device:        cfg.Engine.Device,
		ComputeType:   cfg.Engine.ComputeType,
		Language:      cfg.Engine.Language,
		BeamSize:      cfg.Engine.BeamSize,
		InitialPrompt: cfg.Engine.InitialPrompt,
		Threads:       cfg.Engine.Threads,
	}
	switch cfg.Engine.Provider {
	case "mock":
		return enginemock.New(), nil
	case "whispercpp":
		return enginewhisper.New(ecfg)
	case "google":
		return enginegoogle.New(ctx, ecfg)
	default:
		return nil, fmt.Errorf("unknown engine provider %q", cfg.Engine.Provider)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Level:      cfg.Observability.LogLevel,
		Format:     cfg.Observability.LogFormat,
		TimeFormat: time.RFC3339,
	})
	log := logging.Logger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// An engine that cannot come up is fatal before the listener opens, so
	// orchestrators see the crash instead of a silently broken server.
	adapter, err := newAdapter(ctx, cfg)
	if err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	queue := engine.NewQueue(adapter, cfg.Engine.QueueDepth, cfg.Engine.Workers, cfg.Engine.GetDecodeTimeout())
	defer queue.Close()

	publisher := events.New(&events.Config{
		Enabled:      cfg.Kafka.Enabled,
		Brokers:      cfg.Kafka.Brokers,
		TopicPartial: cfg.Kafka.TopicPartial,
		TopicFinal:   cfg.Kafka.TopicFinal,
		Principal:    cfg.Kafka.Principal,
	})
	defer publisher.Close()

	dispatcher := server.New(server.Config{
		Addr:        cfg.Service.ListenAddr,
		MaxSessions: cfg.Service.MaxSessions,
		Overflow:    server.OverflowPolicy(cfg.Service.Overflow),
		QueueWait:   cfg.Service.GetQueueWait(),
		Session: session.Options{
			Window:          cfg.Session.GetWindow(),
			MaxAudioBytes:   cfg.Session.MaxAudioBytes,
			MaxPassDuration: cfg.Session.GetMaxDuration(),
			DefaultLanguage: cfg.Engine.Language,
			RetryDecode:     cfg.Session.RetryDecode,
		},
	}, queue, publisher)

	if err := dispatcher.Listen(); err != nil {
		return err
	}

	if cfg.Observability.HTTPEnabled {
		router := httpapi.NewRouter(queue.Capabilities, func() bool { return true })
		obs := observability.NewServer(":"+cfg.Observability.HTTPPort, router)
		obs.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(sctx)
		}()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- dispatcher.Serve(ctx) }()

	log.Info().
		Str("addr", dispatcher.Addr().String()).
		Str("provider", cfg.Engine.Provider).
		Str("model", cfg.Engine.Model).
		Int("maxSessions", cfg.Service.MaxSessions).
		Msg("server started")

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := dispatcher.Shutdown(sctx); err != nil {
		return err
	}
	return <-serveErr
}
