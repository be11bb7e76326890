// fixitywatch - Background verification daemon for evidence drop directories
//
// fixitywatch watches the intake directories named in the configuration and
// verifies every container that finishes arriving there. Containers settling
// within a short window are grouped into one batch. Results, hash history,
// and the audit trail persist in the configured session database, where the
// fixity CLI can inspect them.
//
// Usage:
//
//	fixitywatch [flags]
//
// The daemon runs in the foreground and exits cleanly on SIGINT or SIGTERM,
// saving the session before shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"fixity/internal/batch"
	"fixity/internal/config"
	"fixity/internal/digest"
	"fixity/internal/engine"
	"fixity/internal/health"
	"fixity/internal/intake"
	"fixity/internal/logging"
	"fixity/internal/metrics"
	"fixity/internal/reconcile"
)

var (
	// Version information (set at build time)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// submitWindow groups containers that settle close together into one batch.
const submitWindow = 2 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "fixitywatch - Background verification daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nIntake directories, algorithm, session database, audit trail and\n")
		fmt.Fprintf(os.Stderr, "metrics endpoint all come from the config file (default: %s).\n", config.ConfigPath())
	}

	flag.Parse()

	if *versionFlag {
		fmt.Printf("fixitywatch %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fixitywatch: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if configPath == "" {
		configPath = config.ConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Intake.Paths) == 0 {
		return fmt.Errorf("no intake paths configured in %s", configPath)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare data directories: %w", err)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("set up logging: %w", err)
	}
	defer log.Close()
	logging.SetDefault(log)

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  filepath.Join(config.FixityDir(), "crashes"),
		Version:   version,
		Component: "fixitywatch",
	})
	logging.SetDefaultCrashHandler(crash)
	defer logging.RecoverPanic()

	ctx := context.Background()
	log.Info("fixitywatch starting", "version", version, "config", configPath)

	// Audit trail
	var audit *logging.AuditLogger
	if cfg.Audit.Enabled {
		audit, err = logging.NewAuditLogger(&logging.AuditLoggerConfig{
			FilePath: cfg.Audit.Path,
			Examiner: cfg.Audit.Examiner,
		})
		if err != nil {
			return fmt.Errorf("open audit trail: %w", err)
		}
		audit.SetCaseID(cfg.Audit.CaseID)
		defer audit.Close()

		audit.LogStartup(ctx, version, map[string]any{
			"intake_paths": cfg.Intake.Paths,
			"algorithm":    cfg.Engine.Algorithm,
		})
	}

	// Health probes. Component checks register once the engine and
	// intake are up; readiness flips after the watchers start.
	checker := health.NewChecker()

	// Metrics and probe endpoint
	var met *metrics.EngineMetrics
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		registry := metrics.NewRegistry("fixity")
		met = metrics.NewEngineMetrics(registry)

		mux := http.NewServeMux()
		mux.Handle("/metrics", registry.HTTPHandler())
		mux.Handle("/healthz", checker.LivenessHandler())
		mux.Handle("/readyz", checker.ReadinessHandler())
		mux.Handle("/health", checker.HealthHandler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}

		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", "error", err)
			}
		}()
		log.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	// Verification engine with persistent session
	engOpts := []engine.Option{
		engine.WithWorkers(cfg.Engine.Workers),
		engine.WithSessionPath(cfg.Session.DatabasePath),
		engine.WithLogger(log),
	}
	if audit != nil {
		engOpts = append(engOpts, engine.WithAudit(audit))
	}
	if met != nil {
		engOpts = append(engOpts, engine.WithMetrics(met))
	}
	eng, err := engine.New(engOpts...)
	if err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Error("closing engine", "error", err)
		}
	}()

	// Intake watcher over the drop directories
	in, err := intake.New(cfg.Intake.Paths,
		intake.WithExtensions(cfg.Intake.Extensions),
		intake.WithDebounce(time.Duration(cfg.Intake.DebounceMs)*time.Millisecond),
		intake.WithMinStable(time.Duration(cfg.Intake.MinStableSecs)*time.Second),
		intake.WithRecursive(cfg.Intake.Recursive),
		intake.WithMaxSize(cfg.Intake.MaxFileSize),
	)
	if err != nil {
		return fmt.Errorf("create intake: %w", err)
	}
	if err := in.Start(); err != nil {
		return fmt.Errorf("start intake: %w", err)
	}

	checker.RegisterFunc("session", true, health.DatabaseCheck(eng.PingSession))
	checker.RegisterFunc("data-dir", true, health.DirWritableCheck(config.FixityDir()))
	for _, dir := range cfg.Intake.Paths {
		checker.RegisterFunc("intake:"+dir, false, health.DirReadableCheck(dir))
	}
	checker.SetReady(true)

	// Config hot reload. Engine and intake settings need a restart, but
	// reloads are logged and audited so config drift is on the record.
	loader := config.NewLoader(configPath)
	loader.OnChange(func(newCfg *config.Config) {
		log.Info("configuration reloaded; engine and intake settings apply on restart")
		if audit != nil {
			audit.LogConfigChange(ctx, configPath, strconv.Itoa(cfg.Version), strconv.Itoa(newCfg.Version))
		}
	})
	if err := loader.Watch(); err != nil {
		log.Warn("config watch unavailable", "error", err)
	}
	defer loader.Close()

	// PID file for the status command
	pidPath := filepath.Join(config.FixityDir(), "fixitywatch.pid")
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	var saveTick <-chan time.Time
	if cfg.Session.AutoSave {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		saveTick = ticker.C
	}

	alg := digest.Normalize(cfg.Engine.Algorithm)
	log.Info("watching for containers", "paths", len(cfg.Intake.Paths), "algorithm", string(alg))

	var pending []string
	var submitTimer <-chan time.Time

loop:
	for {
		select {
		case a, ok := <-in.Arrivals():
			if !ok {
				break loop
			}
			log.Info("container arrived", "path", a.Path, "format", string(a.Format), "size", a.Size)
			pending = append(pending, a.Path)
			if submitTimer == nil {
				submitTimer = time.After(submitWindow)
			}

		case <-submitTimer:
			submitTimer = nil
			paths := pending
			pending = nil

			b, err := eng.SubmitBatch(ctx, alg, paths)
			if err != nil {
				log.Error("batch submission failed", "error", err, "files", len(paths))
				continue
			}
			crash.SetBatchID(b.ID())
			go drainResults(log, b)

		case err, ok := <-in.Errors():
			if ok && err != nil {
				log.Warn("intake error", "error", err)
			}

		case err := <-loader.Errors():
			log.Warn("config reload failed", "error", err)

		case <-saveTick:
			if err := eng.SaveSession(); err != nil {
				log.Error("session save failed", "error", err)
			}

		case sig := <-sigChan:
			log.Info("shutting down", "signal", sig.String())
			if audit != nil {
				audit.LogShutdown(ctx, sig.String())
			}
			break loop
		}
	}

	checker.SetReady(false)
	if err := in.Stop(); err != nil {
		log.Warn("stopping intake", "error", err)
	}
	if len(pending) > 0 {
		// Unsubmitted arrivals stay in the drop directory and are picked
		// up again by the startup scan.
		log.Info("arrivals left for next start", "count", len(pending))
	}
	if b := eng.CurrentBatch(); b != nil {
		// Give in-flight hashing a chance to land in the session.
		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := b.Wait(waitCtx); err != nil {
			log.Warn("batch still running at shutdown", "batch", b.ID())
		}
		cancel()
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics shutdown", "error", err)
		}
	}

	return nil
}

// buildLogger constructs the daemon logger from the logging section.
func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}

	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}

// drainResults consumes a batch's result stream, logging each terminal
// outcome. A superseded batch keeps draining so late completions are
// still recorded.
func drainResults(log *logging.Logger, b *batch.Batch) {
	blog := log.WithBatch(b.ID())

	for res := range b.Results() {
		switch {
		case res.State == batch.StateFailed:
			blog.Error("verification failed", "file", res.FileID, "error", res.Err)
		case res.Outcome == reconcile.Mismatch:
			blog.Warn("hash mismatch", "file", res.FileID,
				"computed", res.Digest.Value, "expected", res.Reference.Value)
		case res.Outcome == reconcile.Match:
			blog.Info("verified", "file", res.FileID, "digest", res.Digest.String())
		default:
			blog.Info("no reference hash, digest recorded", "file", res.FileID, "digest", res.Digest.String())
		}
	}

	counts := b.Counts()
	blog.Info("batch finished", "verified", counts.Verified, "failed", counts.Failed, "superseded", b.Superseded())
}
