// Command reach-cached serves the reach-isolated content cache over HTTP.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/ethosengine/reach-cache/cache"
	"github.com/ethosengine/reach-cache/custodian"
	"github.com/ethosengine/reach-cache/directory"
	"github.com/ethosengine/reach-cache/origin"
	"github.com/ethosengine/reach-cache/server"
	"github.com/ethosengine/reach-cache/store/tier"
	"github.com/ethosengine/reach-cache/telemetry"
)

var version = "dev"

type cli struct {
	Address   string `help:"Address to listen on." default:":8080"`
	AuthToken string `help:"Bearer token for API authentication. Empty disables auth." env:"REACH_CACHE_AUTH_TOKEN"`

	BlobMaxSize  int64         `help:"Blob tier capacity in bytes." default:"10737418240"`
	BlobTTL      time.Duration `help:"Blob tier TTL since creation. 0 disables expiry." default:"168h"`
	ChunkMaxSize int64         `help:"Chunk tier capacity in bytes." default:"1073741824"`
	ChunkTTL     time.Duration `help:"Chunk tier TTL since creation. 0 disables expiry." default:"24h"`

	ScoredEviction bool          `help:"Bias eviction by priority score instead of strict LRU." default:"true"`
	SweepInterval  time.Duration `help:"How often to sweep expired entries." default:"1m"`
	SweepLimit     int           `help:"Max removals per sweep per tier. 0 is unbounded." default:"1000"`

	OriginPath    string        `help:"Path to the filesystem origin store. Empty disables the origin fallback."`
	DirectoryPath string        `help:"Path to the custodian registry database. Empty disables the registry." default:"./reach-cache-directory.db"`
	SelectionTTL  time.Duration `help:"How long a custodian selection is reused per content ID." default:"120s"`
	MinHealth     float64       `help:"Minimum custodian health score." default:"20"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFormat string `help:"Log format (text, json)." default:"text"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metric export. Empty disables OTLP." name:"otlp-endpoint"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("reach-cached"),
		kong.Description("Reach-isolated multi-tier content cache."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "reach-cached",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	var registry *directory.Directory
	if flags.DirectoryPath != "" {
		registry = directory.New(directory.WithLogger(logger.With("component", "directory")))
		if err := registry.Open(flags.DirectoryPath); err != nil {
			return fmt.Errorf("opening custodian registry: %w", err)
		}
		defer registry.Close() //nolint:errcheck
	}

	var originStore *origin.Store
	if flags.OriginPath != "" {
		originStore, err = origin.NewStore(flags.OriginPath,
			origin.WithLogger(logger.With("component", "origin")))
		if err != nil {
			return fmt.Errorf("opening origin store: %w", err)
		}
	}

	cacheCfg := cache.Config{
		Blob: tier.Config{
			MaxSizeBytes:   flags.BlobMaxSize,
			TTL:            flags.BlobTTL,
			ScoringEnabled: flags.ScoredEviction,
		},
		Chunk: tier.Config{
			MaxSizeBytes:   flags.ChunkMaxSize,
			TTL:            flags.ChunkTTL,
			ScoringEnabled: flags.ScoredEviction,
		},
		Selector: custodian.Config{
			CacheTTL:  flags.SelectionTTL,
			MinHealth: flags.MinHealth,
		},
		SweepInterval: flags.SweepInterval,
		SweepLimit:    flags.SweepLimit,
		Logger:        logger.With("component", "cache"),
	}
	if originStore != nil {
		cacheCfg.Origin = originStore
	}

	cacheNode, err := cache.New(cacheCfg)
	if err != nil {
		return fmt.Errorf("creating cache: %w", err)
	}
	defer cacheNode.Close()

	srv := server.New(server.Config{
		Address:   flags.Address,
		AuthToken: flags.AuthToken,
		Logger:    logger.With("component", "server"),
	}, cacheNode, registry)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"blob_max_size", flags.BlobMaxSize,
		"chunk_max_size", flags.ChunkMaxSize,
		"registry", flags.DirectoryPath,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
