// Package turbocdn is the library surface described in spec.md §6:
// download, optimize, and stats operations over the URL Mapper, Server
// Quality Tracker, and Concurrent Range Downloader wired together.
package turbocdn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"os"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loonghao/turbocdn-go/internal/config"
	"github.com/loonghao/turbocdn-go/internal/dnscache"
	"github.com/loonghao/turbocdn-go/internal/engine"
	"github.com/loonghao/turbocdn-go/internal/httpclient"
	"github.com/loonghao/turbocdn-go/internal/metrics"
	"github.com/loonghao/turbocdn-go/internal/quality"
	"github.com/loonghao/turbocdn-go/internal/region"
	"github.com/loonghao/turbocdn-go/internal/urlmap"
)

// Options re-exports engine.Options as the library's download options
// (spec.md §6 "options enumerates recognised fields").
type Options = engine.Options

// DownloadResult re-exports engine.DownloadResult.
type DownloadResult = engine.DownloadResult

// Client wires every shared component — URL Mapper, Server Quality
// Tracker, HTTP client, DNS cache, metrics registry — into one
// long-lived object a caller builds once per process (spec §9: shared
// state is constructor-injected, never a package singleton).
type Client struct {
	cfg      config.Config
	mapper   *urlmap.Mapper
	tracker  *quality.Tracker
	client   *retryablehttp.Client
	metrics  *metrics.Registry
	registry *prometheus.Registry
	detector *region.Detector
	dns      *dnscache.Cache
	logger   *slog.Logger
	manifest *engine.ManifestWriter

	startedAt time.Time
	processed int64
	succeeded int64
	failed    int64
}

// New builds a Client from cfg. Rule regexes are compiled once here;
// an invalid pattern is a spec §7 RuleEngineError, fatal at init.
func New(cfg config.Config, logger *slog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("turbocdn: invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	rules, err := compileRules(cfg.Rules)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		rules = urlmap.DefaultRules()
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	detector := region.NewDetector(nil)
	if r := region.Region(cfg.General.Region); r.Valid() {
		detector.Override = &r
	}

	dns := dnscache.New(nil, cfg.DNSCacheTTL(), cfg.DNS.CacheMaxEntries)
	httpCfg := httpclient.Config{
		Logger:              logger,
		MaxIdleConnsPerHost: cfg.Performance.MaxIdleConnsPerHost,
		InsecureSkipVerify:  !cfg.Security.VerifySSL,
		DialContext:         dns.DialContext(&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}),
		UserAgent:           cfg.General.UserAgent,
	}

	c := &Client{
		cfg:      cfg,
		mapper:   urlmap.New(rules, urlmap.CacheOptions{Enabled: true}),
		tracker:  quality.NewTracker(quality.Config{}),
		client:   httpclient.New(httpCfg),
		metrics:  m,
		registry: reg,
		detector: detector,
		dns:      dns,
		logger:   logger,
	}
	return c, nil
}

func compileRules(rules []config.Rule) ([]urlmap.MappingRule, error) {
	out := make([]urlmap.MappingRule, 0, len(rules))
	for _, r := range rules {
		if !r.Enabled {
			continue
		}
		pat, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("turbocdn: rule %q: %w", r.Name, err)
		}
		regions := make(map[region.Region]bool, len(r.Regions))
		for _, rs := range r.Regions {
			reg := region.Region(rs)
			if reg.Valid() {
				regions[reg] = true
			}
		}
		out = append(out, urlmap.MappingRule{
			Name: r.Name, Pattern: pat, Templates: r.Templates,
			Regions: regions, Priority: r.Priority, Enabled: true,
		})
	}
	return out, nil
}

// UseManifest wires w as the JSONL download-record sink for every
// subsequent Download call (SPEC_FULL.md §3 "Manifest/record trail").
func (c *Client) UseManifest(w *os.File) {
	c.manifest = engine.NewManifestWriter(w)
}

// Download runs one session against sourceURL, writing to dest (spec
// §6 "download(url, dest?, options)").
func (c *Client) Download(ctx context.Context, sourceURL, dest string, opts Options) (DownloadResult, error) {
	atomic.AddInt64(&c.processed, 1)

	sess := engine.New(c.mapper, c.tracker, c.client, c.metrics)
	sess.Detector = c.detector
	sess.Logger = c.logger
	sess.Manifest = c.manifest

	res, err := sess.Download(ctx, sourceURL, dest, opts)
	if err != nil {
		atomic.AddInt64(&c.failed, 1)
		return DownloadResult{}, err
	}
	atomic.AddInt64(&c.succeeded, 1)
	return res, nil
}

func hostOfURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host
}

// Optimize returns the ordered candidate URL list for sourceURL without
// downloading anything (spec §6 "optimize(url) → ordered candidate
// URLs").
func (c *Client) Optimize(sourceURL string) ([]string, error) {
	reg := c.detector.Detect()
	candidates, err := c.mapper.Map(sourceURL, reg)
	if err != nil {
		return nil, err
	}
	ordered := engine.SelectOrder(candidates, c.tracker, hostOfURL)
	out := make([]string, len(ordered))
	for i, cand := range ordered {
		out[i] = cand.URL
	}
	return out, nil
}

// PerformanceSummary is stats()'s return value (spec §6 "stats() →
// PerformanceSummary"), generalizing the teacher's /api/status
// endpoint with per-host quality snapshots.
type PerformanceSummary struct {
	Processed int64                      `json:"processed"`
	Succeeded int64                      `json:"succeeded"`
	Failed    int64                      `json:"failed"`
	UptimeSec int64                      `json:"uptime_sec"`
	Hosts     map[string]quality.Snapshot `json:"hosts,omitempty"`
}

// Stats reports aggregate counters and, for every host named by
// hosts, its current quality snapshot.
func (c *Client) Stats(hosts ...string) PerformanceSummary {
	s := PerformanceSummary{
		Processed: atomic.LoadInt64(&c.processed),
		Succeeded: atomic.LoadInt64(&c.succeeded),
		Failed:    atomic.LoadInt64(&c.failed),
	}
	if !c.startedAt.IsZero() {
		s.UptimeSec = int64(time.Since(c.startedAt).Seconds())
	}
	if len(hosts) > 0 {
		s.Hosts = make(map[string]quality.Snapshot, len(hosts))
		for _, h := range hosts {
			s.Hosts[h] = c.tracker.Snapshot(h)
		}
	}
	return s
}

// ServeStatus starts the optional /metrics + /api/status + pprof HTTP
// surface at addr, matching the teacher's serveMetrics (SPEC_FULL.md §3
// "HTTP status transport for stats()").
func (c *Client) ServeStatus(addr string, hosts ...string) {
	if addr == "" {
		return
	}
	c.startedAt = time.Now()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		b, _ := json.Marshal(c.Stats(hosts...))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(b)
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	go func() {
		c.logger.Info("status server listening", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			c.logger.Error("status server error", "err", err)
		}
	}()
}
