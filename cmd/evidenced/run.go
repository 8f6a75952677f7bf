package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"evidenced/internal/capture"
	"evidenced/internal/config"
	"evidenced/internal/detect"
	"evidenced/internal/evidence"
	"evidenced/internal/framebuf"
	"evidenced/internal/health"
	"evidenced/internal/logging"
	"evidenced/internal/metrics"
	"evidenced/internal/seal"
	"evidenced/internal/security"
	"evidenced/internal/throttle"
)

// drainTimeout bounds how long shutdown waits for queued events.
const drainTimeout = 5 * time.Minute

const crashReportMaxAge = 30 * 24 * time.Hour

// frameStaleAfter marks the camera unhealthy when no frame arrived for
// this long.
const frameStaleAfter = time.Minute

func cmdRun(args []string) error {
	var cfgPath string
	fs := newFlagSet("run", &cfgPath)
	fs.Parse(args)

	a, err := setup(cfgPath)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	logger := a.logger

	lock, err := security.AcquireInstanceLock(filepath.Join(filepath.Dir(cfg.Storage.JournalPath), "evidenced.lock"))
	if err != nil {
		return fmt.Errorf("another evidenced is using %s: %w", filepath.Dir(cfg.Storage.JournalPath), err)
	}
	defer lock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  cfg.Logging.CrashDir,
		Version:   version,
		Component: "evidenced",
		OnCrash: func(r logging.CrashReport) {
			a.audit.LogError(context.Background(), "pipeline", errors.New(r.PanicValue), map[string]any{"component": r.Component, "goroutines": r.NumGoroutine})
		},
	})
	if err := crash.CleanupOldCrashReports(crashReportMaxAge); err != nil {
		logger.Warn("crash report cleanup failed", "error", err)
	}

	key, err := a.key()
	if err != nil {
		return err
	}
	journal, err := a.openJournal(key)
	if err != nil {
		if journal != nil {
			journal.Close()
		}
		return fmt.Errorf("refusing to record evidence: %w", err)
	}
	defer journal.Close()

	reg := metrics.NewRegistry()
	m := metrics.NewPipeline(reg)

	assembler, err := a.newAssembler(ctx, seal.New(key), m, false)
	if err != nil {
		return err
	}

	src, closeSrc, err := openSource(cfg.Camera, logger)
	if err != nil {
		return err
	}
	defer closeSrc()

	det, err := newDetector(cfg)
	if err != nil {
		return err
	}

	th := throttle.New(cfg.Cooldown())

	worker := evidence.NewWorker(
		guardedProcessor{proc: assembler, crash: crash},
		evidence.MultiSink{
			journal,
			evidence.LogSink{Logger: logger.WithComponent("pipeline").Logger},
			auditSink(a.audit),
		},
		cfg.Capture.QueueSize,
		logger.WithComponent("worker").Logger,
		m,
	)

	loop, err := capture.NewLoop(capture.Config{
		BufferSeconds:     cfg.Capture.BufferSeconds,
		FallbackFrameRate: cfg.Capture.FallbackFrameRate,
	}, src, det, th, worker,
		capture.WithLogger(logger.WithComponent("capture").Logger),
		capture.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	checker := health.NewChecker()
	checker.RegisterFunc("journal", true, health.JournalCheck(journal.IntegrityOK))
	checker.RegisterFunc("disk", true, health.DiskSpaceCheck(cfg.Storage.ClipDir, uint64(cfg.Storage.MinFreeMB)<<20))
	checker.RegisterFunc("frames", true, health.FrameFlowCheck(func() uint64 { return loop.Stats().Frames }, frameStaleAfter, nil))
	checker.RegisterFunc("queue", false, health.QueueCheck(worker.Pending, cfg.Capture.QueueSize))

	if loader := watchConfig(ctx, a, th); loader != nil {
		defer loader.Close()
	}

	a.audit.LogStartup(ctx, version, map[string]any{
		"camera":         cfg.Camera.ID,
		"source":         cfg.Camera.Source,
		"buffer_seconds": cfg.Capture.BufferSeconds,
		"cooldown":       cfg.Cooldown().String(),
		"frame_rate":     loop.FrameRate(),
		"ledger":         cfg.Ledger.Enabled,
		"archive":        cfg.Archive.Enabled,
	})
	logger.Info("capture started",
		"camera", cfg.Camera.ID,
		"source", cfg.Camera.Source,
		"path", cfg.Camera.Path,
		"frame_rate", loop.FrameRate(),
		"buffer_frames", loop.Buffer().Cap())

	// The worker outlives ctx so queued events finish after a signal.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	checker.SetReady(true)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return worker.Run(context.Background())
	})
	g.Go(func() error {
		err := loop.Run(gctx)
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()
		if cerr := worker.Close(drainCtx); cerr != nil {
			logger.Error("pipeline drain incomplete", "pending", worker.Pending(), "error", cerr)
		}
		cancelRun()
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.Metrics.Addr)
			return metrics.Serve(gctx, cfg.Metrics.Addr, reg, checker.Mount)
		})
	}

	err = g.Wait()
	checker.SetReady(false)

	stats := loop.Stats()
	logger.Info("capture stopped",
		"frames", stats.Frames,
		"triggers", stats.Triggers,
		"admitted", stats.Admitted,
		"suppressed", stats.Suppressed,
		"dropped", stats.Dropped,
		"detector_errors", stats.DetectorErrors)

	reason := "end of stream"
	switch {
	case err != nil:
		reason = err.Error()
	case ctx.Err() != nil:
		reason = "signal"
	}
	a.audit.LogShutdown(context.Background(), reason)
	return err
}

// openSource opens the configured frame source and returns its closer.
func openSource(cc config.CameraConfig, logger *logging.Logger) (capture.Source, func(), error) {
	switch cc.Source {
	case "dir":
		src, err := capture.NewDirSource(cc.Path, cc.FrameRate, cc.Pace)
		if err != nil {
			return nil, nil, err
		}
		return src, func() {}, nil
	default:
		src, err := capture.NewSpoolSource(cc.Path, cc.FrameRate, logger.WithComponent("spool").Logger)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil
	}
}

// newDetector returns the remote classifier, or a detector that never
// fires when none is configured.
func newDetector(cfg *config.Config) (detect.Detector, error) {
	if cfg.Detector.URL == "" {
		return detect.Func(func(context.Context, framebuf.Frame) (*detect.Trigger, error) {
			return nil, nil
		}), nil
	}
	return detect.NewHTTPDetector(detect.HTTPConfig{
		URL:         cfg.Detector.URL,
		Timeout:     time.Duration(cfg.Detector.TimeoutMs) * time.Millisecond,
		JPEGQuality: cfg.Capture.JPEGQuality,
	})
}

// watchConfig applies cooldown changes from the configuration file while
// running. Other settings take effect on restart.
func watchConfig(ctx context.Context, a *app, th *throttle.Throttle) *config.Loader {
	path := a.cfgPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return nil
	}

	loader := config.NewLoader(path)
	if _, err := loader.Load(); err != nil {
		a.logger.Warn("config watch disabled", "path", path, "error", err)
		return nil
	}
	loader.OnChange(func(old, cur *config.Config) {
		if old.Capture.CooldownSeconds == cur.Capture.CooldownSeconds {
			return
		}
		th.SetCooldown(cur.Cooldown())
		a.logger.Info("cooldown changed", "old", old.Cooldown(), "new", cur.Cooldown())
		a.audit.LogConfigChange(ctx, "capture.cooldown_seconds",
			strconv.FormatFloat(old.Capture.CooldownSeconds, 'f', -1, 64),
			strconv.FormatFloat(cur.Capture.CooldownSeconds, 'f', -1, 64))
	})
	if err := loader.Watch(); err != nil {
		a.logger.Warn("config watch disabled", "path", path, "error", err)
		loader.Close()
		return nil
	}
	go func() {
		for {
			select {
			case err := <-loader.Errors():
				a.logger.Warn("config reload rejected", "path", path, "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()
	return loader
}
