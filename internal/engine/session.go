package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/loonghao/turbocdn-go/internal/chunker"
	"github.com/loonghao/turbocdn-go/internal/concurrency"
	"github.com/loonghao/turbocdn-go/internal/errs"
	"github.com/loonghao/turbocdn-go/internal/httpclient"
	"github.com/loonghao/turbocdn-go/internal/integrity"
	"github.com/loonghao/turbocdn-go/internal/metrics"
	"github.com/loonghao/turbocdn-go/internal/partialfile"
	"github.com/loonghao/turbocdn-go/internal/quality"
	"github.com/loonghao/turbocdn-go/internal/region"
	"github.com/loonghao/turbocdn-go/internal/sidecar"
	"github.com/loonghao/turbocdn-go/internal/urlmap"
)

// State is the DownloadSession lifecycle state (spec §4.3 "State
// machine (session)").
type State int

const (
	Init State = iota
	Probing
	Planning
	Running
	Retrying
	Completing
	Cancelling
	Failing
	Terminal
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Probing:
		return "probing"
	case Planning:
		return "planning"
	case Running:
		return "running"
	case Retrying:
		return "retrying"
	case Completing:
		return "completing"
	case Cancelling:
		return "cancelling"
	case Failing:
		return "failing"
	default:
		return "terminal"
	}
}

// Options mirrors spec.md §6's library options surface.
type Options struct {
	MaxConcurrentChunks int
	ChunkSize           int64
	MinChunkSize        int64
	MaxChunkSize        int64
	Resume              bool
	TimeoutPerChunk     time.Duration
	IntegrityChecksum   string
	CustomHeaders       map[string]string
	AdaptiveConcurrency bool
	AdaptiveChunking    bool
	RegionOverride      *region.Region
	MaxRetries          int
	BandwidthLimiter    *concurrency.BandwidthLimiter
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentChunks <= 0 {
		o.MaxConcurrentChunks = 8
	}
	if o.MaxConcurrentChunks > 256 {
		o.MaxConcurrentChunks = 256
	}
	if o.MinChunkSize <= 0 {
		o.MinChunkSize = 256 * 1024
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = 8 * 1024 * 1024
	}
	if o.TimeoutPerChunk <= 0 {
		o.TimeoutPerChunk = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	return o
}

// DownloadResult reports the outcome of a completed session (spec §4.3
// "Completion").
type DownloadResult struct {
	Path       string
	Size       int64
	AvgSpeed   float64
	Duration   time.Duration
	Resumed    bool
	ChunksUsed int
}

// Session wires the URL Mapper, Quality Tracker, HTTP client, and
// Adaptive Controllers into one download (spec.md §2 dataflow). It
// takes every shared dependency as a constructor argument rather than
// reaching for package-level state (spec §9).
type Session struct {
	Mapper    *urlmap.Mapper
	Tracker   *quality.Tracker
	Client    *retryablehttp.Client
	Metrics   *metrics.Registry
	Manifest  *ManifestWriter
	Detector  *region.Detector
	Logger    *slog.Logger

	mu    sync.Mutex
	state State
}

// New builds a Session from its shared dependencies.
func New(mapper *urlmap.Mapper, tracker *quality.Tracker, client *retryablehttp.Client, m *metrics.Registry) *Session {
	logger := slog.Default()
	return &Session{Mapper: mapper, Tracker: tracker, Client: client, Metrics: m, Logger: logger}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Host
}

// Download runs one full session: map, select, probe, plan, fetch,
// verify, finalize (spec.md §2, §4.3). A validator change detected
// mid-transfer (spec §4.3 "Integrity", §7 ValidatorMismatch) discards
// the partial file and restarts the whole download exactly once.
func (s *Session) Download(ctx context.Context, sourceURL, dest string, opts Options) (DownloadResult, error) {
	return s.downloadAttempt(ctx, sourceURL, dest, opts.withDefaults(), true)
}

func (s *Session) downloadAttempt(ctx context.Context, sourceURL, dest string, opts Options, allowRestart bool) (DownloadResult, error) {
	sessionID := uuid.NewString()
	log := s.Logger.With("session_id", sessionID, "url", sourceURL)

	s.setState(Init)

	activeRegion := s.activeRegion(opts)
	candidates, err := s.Mapper.Map(sourceURL, activeRegion)
	if err != nil {
		return DownloadResult{}, errs.WithContext(errs.InvalidUrl, "", sourceURL, err)
	}

	ordered := SelectOrder(candidates, s.Tracker, hostOf)
	if fallback, allOpen := AllOpenFallback(candidates, s.Tracker, hostOf); allOpen {
		ordered = fallback
	}

	s.setState(Probing)
	probe, chosen, err := s.probeCandidates(ctx, ordered, opts)
	if err != nil {
		s.setState(Failing)
		return DownloadResult{}, err
	}
	log.Info("probe_ok", "host", hostOf(chosen.URL), "size", probe.ContentLength, "accepts_ranges", probe.AcceptsRanges)

	s.setState(Planning)
	chunkSize := opts.ChunkSize
	plan := chunker.Build(probe.ContentLength, probe.AcceptsRanges, chunkSize, opts.MinChunkSize, opts.MaxChunkSize)

	offsets := make([]int64, len(plan.Tasks))
	lengths := make([]int64, len(plan.Tasks))
	for i, t := range plan.Tasks {
		offsets[i], lengths[i] = t.Offset, t.Length
	}
	planDigest := sidecar.PlanDigest(offsets, lengths)

	if err := sidecar.EnsureDir(dest); err != nil {
		return DownloadResult{}, errs.WithContext(errs.DiskIo, hostOf(chosen.URL), chosen.URL, err)
	}

	resumed := false
	partPath := dest + ".part"
	if opts.Resume {
		if md, err := sidecar.Read(dest); err == nil {
			fv := sidecar.Validator{ETag: probe.ETag, LastModified: probe.LastModified}
			if md.Usable(sourceURL, fv, planDigest) {
				resumed = true
			}
		}
	}

	pf, err := partialfile.Open(partPath, probe.ContentLength, len(plan.Tasks))
	if err != nil {
		return DownloadResult{}, errs.WithContext(errs.DiskIo, hostOf(chosen.URL), chosen.URL, err)
	}
	pfClosed := false
	defer func() {
		if !pfClosed {
			pf.Close()
		}
	}()

	if resumed {
		if md, err := sidecar.Read(dest); err == nil {
			if err := pf.LoadBitmap(md.Bitmap); err == nil {
				// Sync the persisted bitmap into each task's in-memory
				// state so the worker pool actually skips chunks the
				// prior run already completed (spec §4.3 "Resume
				// discipline"); Build always hands back fresh Pending
				// tasks regardless of what's on disk.
				for _, t := range plan.Tasks {
					if pf.IsDone(t.ID) {
						t.SetState(chunker.Done)
					}
				}
			}
		}
	}

	start := time.Now()
	s.setState(Running)

	result, err := s.runWorkerPool(ctx, plan, pf, ordered, opts, sourceURL, dest, planDigest, probe, log)
	if err != nil {
		if errs.Is(err, errs.ValidatorMismatch) && allowRestart {
			log.Warn("validator_mismatch_restarting", "host", hostOf(chosen.URL))
			pf.Close()
			pfClosed = true
			_ = os.Remove(partPath)
			_ = sidecar.Remove(dest)
			restartOpts := opts
			restartOpts.Resume = false
			return s.downloadAttempt(ctx, sourceURL, dest, restartOpts, false)
		}
		s.persistSidecar(dest, sourceURL, probe, plan, planDigest, pf)
		if ctx.Err() != nil {
			s.setState(Cancelling)
			return DownloadResult{}, errs.WithContext(errs.Cancelled, hostOf(chosen.URL), chosen.URL, ctx.Err())
		}
		s.setState(Failing)
		return DownloadResult{}, err
	}

	s.setState(Completing)
	if err := pf.Flush(); err != nil {
		return DownloadResult{}, errs.WithContext(errs.DiskIo, "", dest, err)
	}
	if err := pf.Close(); err != nil {
		return DownloadResult{}, errs.WithContext(errs.DiskIo, "", dest, err)
	}
	pfClosed = true
	if err := os.Rename(partPath, dest); err != nil {
		return DownloadResult{}, errs.WithContext(errs.DiskIo, "", dest, err)
	}
	if opts.IntegrityChecksum != "" {
		if err := integrity.Verify(dest, integrity.Spec(opts.IntegrityChecksum)); err != nil {
			return DownloadResult{}, errs.WithContext(errs.IntegrityFailure, "", dest, err)
		}
	}
	_ = sidecar.Remove(dest)

	duration := time.Since(start)
	avgSpeed := 0.0
	if duration > 0 {
		avgSpeed = float64(probe.ContentLength) / duration.Seconds()
	}
	s.setState(Terminal)

	if s.Manifest != nil {
		_ = s.Manifest.Append(Record{
			URL: sourceURL, Path: dest, Size: probe.ContentLength,
			Checksum: opts.IntegrityChecksum, StartedAt: start.UTC().Format(time.RFC3339Nano),
			FinishedAt: nowRFC3339(), OK: true, Resumed: resumed,
			ChunksUsed: result.chunksUsed, AvgSpeedBps: avgSpeed,
		})
	}

	return DownloadResult{
		Path: dest, Size: probe.ContentLength, AvgSpeed: avgSpeed,
		Duration: duration, Resumed: resumed, ChunksUsed: result.chunksUsed,
	}, nil
}

func (s *Session) activeRegion(opts Options) region.Region {
	if opts.RegionOverride != nil {
		return *opts.RegionOverride
	}
	if s.Detector != nil {
		return s.Detector.Detect()
	}
	return region.Global
}

func (s *Session) probeCandidates(ctx context.Context, ordered []urlmap.CandidateUrl, opts Options) (httpclient.ProbeResult, urlmap.CandidateUrl, error) {
	var lastErr error
	for _, c := range ordered {
		host := hostOf(c.URL)
		s.Tracker.RecordAttempt(host)
		res, err := httpclient.Probe(ctx, s.Client, c.URL, opts.CustomHeaders)
		if err != nil {
			s.Tracker.RecordFailure(host, "probe")
			lastErr = err
			continue
		}
		return res, c, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("engine: no candidates to probe")
	}
	return httpclient.ProbeResult{}, urlmap.CandidateUrl{}, errs.WithContext(errs.NetworkPermanent, "", "", lastErr)
}

type poolResult struct {
	chunksUsed int
}

func (s *Session) runWorkerPool(
	ctx context.Context,
	plan *chunker.Plan,
	pf *partialfile.PartialFile,
	ordered []urlmap.CandidateUrl,
	opts Options,
	sourceURL, dest string,
	planDigest uint64,
	probe httpclient.ProbeResult,
	log *slog.Logger,
) (poolResult, error) {
	controllerCfg := concurrency.Config{
		Min: 1, Max: opts.MaxConcurrentChunks, Initial: opts.MaxConcurrentChunks,
	}
	ctrl := concurrency.New(controllerCfg)
	history := chunker.NewHistory(100)
	lim := newLimiter(ctrl.Level(), opts.MaxConcurrentChunks)

	ifRange := probe.ETag
	if ifRange == "" {
		ifRange = probe.LastModified
	}

	var chunksUsed int64

	tickCtx, cancelTick := context.WithCancel(ctx)
	defer cancelTick()
	if opts.AdaptiveConcurrency {
		go s.tickLoop(tickCtx, ctrl, lim, history, plan, opts)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, task := range plan.Tasks {
		task := task
		if task.State() == chunker.Done {
			continue
		}
		if err := lim.Acquire(gctx); err != nil {
			break
		}
		g.Go(func() error {
			defer lim.Release()
			err := s.fetchChunkWithRetry(gctx, task, pf, ordered, opts, ctrl, history, ifRange, log)
			if err == nil {
				atomic.AddInt64(&chunksUsed, 1)
				if s.Metrics != nil {
					s.Metrics.Processed.WithLabelValues("ok").Inc()
				}
			} else if s.Metrics != nil {
				s.Metrics.Processed.WithLabelValues("error").Inc()
			}
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return poolResult{}, err
	}
	return poolResult{chunksUsed: int(atomic.LoadInt64(&chunksUsed))}, nil
}

func (s *Session) tickLoop(ctx context.Context, ctrl *concurrency.Controller, lim *limiter, history *chunker.History, plan *chunker.Plan, opts Options) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	prevLevel := ctrl.Level()
	prevCompletionMs := ctrl.CompletionEWMA()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			level := ctrl.Tick(now, plan.ChunkSize)
			if level != prevLevel {
				lim.SetLimit(level)
				prevLevel = level
			}
			if s.Metrics != nil {
				s.Metrics.ConcurrencyLevel.Set(float64(level))
			}
			if opts.AdaptiveChunking {
				// runWorkerPool ranges over the task slice it captured at
				// start, so tasks that Rechunk re-splits are not dispatched;
				// the new plan.ChunkSize feeds Tick and the chunk-size metric.
				rate, timeouts := ctrl.ErrorRate()
				completionMs := ctrl.CompletionEWMA()
				throughputIncreasing := completionMs > 0 && completionMs < prevCompletionMs
				next := chunker.NextChunkSize(plan.ChunkSize, throughputIncreasing, rate, timeouts > 0, opts.MinChunkSize, opts.MaxChunkSize)
				plan.Rechunk(next, opts.MinChunkSize, opts.MaxChunkSize)
				prevCompletionMs = completionMs
				if s.Metrics != nil {
					s.Metrics.ChunkSize.Set(float64(plan.ChunkSize))
				}
			}
		}
	}
}

func (s *Session) fetchChunkWithRetry(
	ctx context.Context,
	task *chunker.Task,
	pf *partialfile.PartialFile,
	ordered []urlmap.CandidateUrl,
	opts Options,
	ctrl *concurrency.Controller,
	history *chunker.History,
	ifRange string,
	log *slog.Logger,
) error {
	task.SetState(chunker.InFlight)
	candIdx := 0

	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if candIdx >= len(ordered) {
			task.SetState(chunker.Failed)
			return errs.WithContext(errs.NetworkPermanent, "", task.URL, fmt.Errorf("engine: chunk %d exhausted all candidates", task.ID))
		}
		cand := ordered[candIdx]
		host := hostOf(cand.URL)
		s.Tracker.RecordAttempt(host)

		chunkCtx, cancel := context.WithTimeout(ctx, opts.TimeoutPerChunk)
		if err := opts.BandwidthLimiter.WaitN(chunkCtx, int(task.Length)); err != nil {
			cancel()
			task.SetState(chunker.Failed)
			return errs.WithContext(errs.Cancelled, "", task.URL, err)
		}
		start := time.Now()
		n, statusCode, err := fetchRange(chunkCtx, s.Client, cand.URL, task.Offset, task.Length, opts.CustomHeaders, ifRange, pf)
		cancel()
		elapsed := time.Since(start)

		if err == nil {
			task.SetState(chunker.Done)
			pf.MarkDone(task.ID)
			latencyMs := float64(elapsed.Milliseconds())
			s.Tracker.RecordSuccess(host, latencyMs, n, latencyMs)
			ctrl.Observe(elapsed, true, false, n)
			history.Record(host, task.Length, float64(n)/elapsed.Seconds())
			if s.Metrics != nil {
				s.Metrics.BytesTotal.Add(float64(n))
				s.Metrics.ChunkDuration.Observe(elapsed.Seconds())
			}
			return nil
		}

		// A validator mismatch means the resource changed mid-download:
		// retrying against other candidates or attempts can't fix this,
		// the whole session needs to restart (spec §4.3 "Integrity").
		if errs.Is(err, errs.ValidatorMismatch) {
			task.SetState(chunker.Failed)
			return err
		}

		timeout := chunkCtx.Err() != nil
		s.Tracker.RecordFailure(host, "chunk")
		ctrl.Observe(elapsed, false, timeout, 0)
		if s.Metrics != nil {
			s.Metrics.Retries.Inc()
		}

		if !Retryable(err, statusCode) {
			log.Warn("chunk_non_retryable", "chunk_id", task.ID, "host", host, "err", err)
			candIdx++
			continue
		}
		log.Debug("chunk_retry", "chunk_id", task.ID, "host", host, "attempt", attempt, "err", err)
	}

	task.SetState(chunker.Failed)
	return errs.WithContext(errs.NetworkTransient, "", task.URL, fmt.Errorf("engine: chunk %d exhausted retries", task.ID))
}

func (s *Session) persistSidecar(dest, sourceURL string, probe httpclient.ProbeResult, plan *chunker.Plan, planDigest uint64, pf *partialfile.PartialFile) {
	md := sidecar.Metadata{
		SourceURL:  sourceURL,
		TotalSize:  probe.ContentLength,
		ChunkSize:  plan.ChunkSize,
		Validator:  sidecar.Validator{ETag: probe.ETag, LastModified: probe.LastModified},
		PlanDigest: planDigest,
		Bitmap:     pf.Bitmap(),
	}
	if err := sidecar.Write(dest, md); err != nil {
		s.Logger.Warn("sidecar_write_failed", "dest", dest, "err", err)
	}
}

