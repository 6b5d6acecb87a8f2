package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	turbocdn "github.com/loonghao/turbocdn-go"
	"github.com/loonghao/turbocdn-go/internal/bundler"
	"github.com/loonghao/turbocdn-go/internal/config"
	"github.com/loonghao/turbocdn-go/internal/errs"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return 1
	}

	sub := args[0]
	rest := args[1:]

	fs := flag.NewFlagSet(sub, flag.ContinueOnError)
	verbose := fs.Bool("verbose", false, "Enable debug logging")
	noCDN := fs.Bool("no-cdn", false, "Bypass URL-mapper CDN rewriting, use the origin URL only")
	forceCDN := fs.Bool("force-cdn", false, "Skip the direct-vs-CDN comparison and use the top mapped candidate")
	noSmart := fs.Bool("no-smart", false, "Disable adaptive concurrency and chunking")
	logFormat := fs.String("log-format", "text", "Logging format: text|json")
	configPath := fs.String("config", "", "Path to a TOML configuration file")
	listenAddr := fs.String("listen", "", "Serve /metrics, /api/status, and pprof at this address")
	manifestPath := fs.String("manifest", "", "Append a JSONL download record to this file")
	dryRun := fs.Bool("dry-run", false, "Print the candidate order and destination without downloading")
	checksum := fs.String("checksum", "", "Expected integrity checksum, e.g. sha256:<hex>")
	exportBundle := fs.String("export-bundle", "", "Group every downloaded URL into rolling tar.zst archives under this directory")
	bundleSizeGB := fs.Int64("bundle-size-gb", 8, "Target uncompressed size per bundle archive, in GiB")
	if err := fs.Parse(rest); err != nil {
		return 1
	}

	lvl := slog.LevelInfo
	if *verbose {
		lvl = slog.LevelDebug
	}
	var handler slog.Handler
	if strings.EqualFold(*logFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	}
	logger := slog.New(handler)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("load config", "err", err)
			return 1
		}
		cfg = loaded
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		logger.Error("apply env overrides", "err", err)
		return 1
	}
	if *noCDN {
		// An enabled rule with no regions never applies, so the mapper
		// yields only the origin URL; an empty rule list would make
		// turbocdn.New fall back to urlmap.DefaultRules.
		cfg.Rules = []config.Rule{{Name: "no-cdn", Pattern: "^$", Enabled: true}}
	}
	if *noSmart {
		cfg.Performance.AdaptiveConcurrency = false
		cfg.Performance.AdaptiveChunking = false
	}

	client, err := turbocdn.New(cfg, logger)
	if err != nil {
		logger.Error("init client", "err", err)
		return 1
	}
	if *listenAddr != "" {
		client.ServeStatus(*listenAddr)
	}
	if *manifestPath != "" {
		f, err := os.OpenFile(*manifestPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.Error("open manifest", "err", err)
			return 1
		}
		defer f.Close()
		client.UseManifest(f)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch sub {
	case "download", "dl":
		if *exportBundle != "" {
			return cmdDownloadBundle(ctx, client, fs.Args(), *exportBundle, *bundleSizeGB, *checksum, cfg, logger)
		}
		return cmdDownload(ctx, client, fs.Args(), *forceCDN, *dryRun, *checksum, cfg, logger)
	case "optimize", "get-optimal-url":
		return cmdOptimize(client, fs.Args())
	case "stats":
		return cmdStats(client)
	default:
		usage()
		return 1
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: turbocdn <download|dl|optimize|get-optimal-url|stats> [flags] <url> [out]")
	flag.PrintDefaults()
}

func cmdDownload(ctx context.Context, client *turbocdn.Client, args []string, forceCDN, dryRun bool, checksum string, cfg config.Config, logger *slog.Logger) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "download: missing <url>")
		return 1
	}
	sourceURL := args[0]
	dest := ""
	if len(args) >= 2 {
		dest = args[1]
	} else {
		dest = filepath.Base(sourceURL)
	}

	if forceCDN || dryRun {
		candidates, err := client.Optimize(sourceURL)
		if err != nil {
			logger.Error("optimize", "err", err)
			return 1
		}
		if dryRun {
			fmt.Println("candidates:")
			for i, c := range candidates {
				fmt.Printf("  %d: %s\n", i, c)
			}
			fmt.Printf("destination: %s\n", dest)
			return 0
		}
		if forceCDN && len(candidates) > 0 {
			sourceURL = candidates[0]
		}
	}

	opts := optsFromConfig(cfg, checksum)

	result, err := client.Download(ctx, sourceURL, dest, opts)
	if err != nil {
		return exitCodeFor(ctx, err, logger)
	}
	fmt.Printf("downloaded %s (%d bytes, %.1f MB/s, %d chunks, resumed=%v)\n",
		result.Path, result.Size, result.AvgSpeed/1_000_000, result.ChunksUsed, result.Resumed)
	return 0
}

func optsFromConfig(cfg config.Config, checksum string) turbocdn.Options {
	return turbocdn.Options{
		AdaptiveConcurrency: cfg.Performance.AdaptiveConcurrency,
		AdaptiveChunking:    cfg.Performance.AdaptiveChunking,
		MinChunkSize:        cfg.Performance.MinChunkSize,
		MaxChunkSize:        cfg.Performance.MaxChunkSize,
		MaxConcurrentChunks: cfg.Performance.MaxConcurrency,
		Resume:              true,
		IntegrityChecksum:   checksum,
	}
}

// cmdDownloadBundle downloads every URL in args into a scratch directory
// inside bundleDir (bundleDir/.scratch), then rolls each completed file into bundleDir's
// tar.zst archives (SPEC_FULL.md supplemented feature, grounded in the
// teacher's mirror-crates bundling mode).
func cmdDownloadBundle(ctx context.Context, client *turbocdn.Client, urls []string, bundleDir string, bundleSizeGB int64, checksum string, cfg config.Config, logger *slog.Logger) int {
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "download --export-bundle: missing at least one <url>")
		return 1
	}

	scratch := filepath.Join(bundleDir, ".scratch")
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		logger.Error("create scratch dir", "err", err)
		return 2
	}
	b, err := bundler.New(bundleDir, bundleSizeGB<<30)
	if err != nil {
		logger.Error("init bundler", "err", err)
		return 2
	}

	opts := optsFromConfig(cfg, checksum)
	for _, sourceURL := range urls {
		name := filepath.Base(sourceURL)
		dest := filepath.Join(scratch, name)
		result, err := client.Download(ctx, sourceURL, dest, opts)
		if err != nil {
			b.Close()
			return exitCodeFor(ctx, err, logger)
		}
		if err := b.AddFile(result.Path, name); err != nil {
			logger.Error("add to bundle", "url", sourceURL, "err", err)
			b.Close()
			return 2
		}
		os.Remove(result.Path)
		fmt.Printf("bundled %s (%d bytes)\n", name, result.Size)
	}
	if err := b.Close(); err != nil {
		logger.Error("close bundle", "err", err)
		return 2
	}
	os.Remove(scratch)
	return 0
}

func cmdOptimize(client *turbocdn.Client, args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "optimize: missing <url>")
		return 1
	}
	candidates, err := client.Optimize(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "optimize:", err)
		return 1
	}
	for _, c := range candidates {
		fmt.Println(c)
	}
	return 0
}

func cmdStats(client *turbocdn.Client) int {
	s := client.Stats()
	fmt.Printf("processed=%d succeeded=%d failed=%d uptime=%ds\n", s.Processed, s.Succeeded, s.Failed, s.UptimeSec)
	return 0
}

func exitCodeFor(ctx context.Context, err error, logger *slog.Logger) int {
	if ctx.Err() != nil || errs.Is(err, errs.Cancelled) {
		logger.Warn("download cancelled", "err", err)
		return 130
	}
	if errs.Is(err, errs.IntegrityFailure) {
		logger.Error("integrity check failed", "err", err)
		return 3
	}
	var ee *errs.Error
	if errors.As(err, &ee) {
		switch ee.Kind {
		case errs.InvalidUrl, errs.ConfigError:
			logger.Error("usage error", "err", err)
			return 1
		default:
			logger.Error("download failed", "err", err)
			return 2
		}
	}
	logger.Error("download failed", "err", err)
	return 2
}
