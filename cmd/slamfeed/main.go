// Command slamfeed ingests recorded or live sensor data for one experiment
// and delivers it as time-ordered batches.
//
// The first SIGINT or SIGTERM sets the stopping criterion: streams flush what
// they have read and the run ends with every read record accounted for. A
// second signal aborts immediately.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"tailscale.com/tsweb"

	"github.com/banshee-data/slamfeed/internal/batch"
	"github.com/banshee-data/slamfeed/internal/config"
	"github.com/banshee-data/slamfeed/internal/db"
	"github.com/banshee-data/slamfeed/internal/health"
	"github.com/banshee-data/slamfeed/internal/monitoring"
	"github.com/banshee-data/slamfeed/internal/pipeline"
	"github.com/banshee-data/slamfeed/internal/report"
	"github.com/banshee-data/slamfeed/internal/security"
	"github.com/banshee-data/slamfeed/internal/stopping"
	"github.com/banshee-data/slamfeed/internal/version"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailed  = 1
	exitUsage   = 2
	exitAborted = 3
)

type options struct {
	configPath   string
	ledgerPath   string
	reportPath   string
	debugListen  string
	healthListen string
	logLevel     string
	dev          bool
	showVersion  bool
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet(version.Name, flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&o.configPath, "config", "", "Path to the experiment configuration (.json, .yaml or .yml)")
	fs.StringVar(&o.ledgerPath, "ledger", "", "Path to the sqlite run ledger (disabled when empty)")
	fs.StringVar(&o.reportPath, "report", "", "Write an HTML run report to this file or directory")
	fs.StringVar(&o.debugListen, "debug-listen", "", "Serve /metrics and /debug/ on this address")
	fs.StringVar(&o.healthListen, "health-listen", "", "Serve the gRPC health service on this address")
	fs.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	fs.BoolVar(&o.dev, "dev", false, "Human-readable console logs")
	fs.BoolVar(&o.showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if !o.showVersion && o.configPath == "" {
		return o, errors.New("-config is required")
	}
	return o, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(stderr, "%s: %v\n", version.Name, err)
		return exitUsage
	}
	if o.showVersion {
		fmt.Fprintln(stdout, version.String())
		return exitOK
	}

	logger, err := monitoring.NewLogger(monitoring.LogConfig{Level: o.logLevel, Development: o.dev})
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", version.Name, err)
		return exitUsage
	}
	defer logger.Sync()
	monitoring.SetLogger(logger)
	log := logger.With(zap.String("version", version.Version))

	cfg, err := config.Load(o.configPath)
	if err != nil {
		log.Error("failed to load configuration", zap.String("path", o.configPath), zap.Error(err))
		return exitUsage
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	stop := stopping.New()
	p, err := pipeline.New(cfg, pipeline.WithStop(stop), pipeline.WithRegistry(reg))
	if err != nil {
		log.Error("failed to set up pipeline", zap.Error(err))
		return exitUsage
	}
	log = log.With(zap.String("run_id", p.RunID().String()))

	var ledger *db.DB
	if o.ledgerPath != "" {
		ledger, err = db.Open(o.ledgerPath)
		if err != nil {
			log.Error("failed to open run ledger", zap.String("path", o.ledgerPath), zap.Error(err))
			return exitFailed
		}
		defer ledger.Close()

		names := make([]string, 0, len(p.Sensors()))
		for _, s := range p.Sensors() {
			names = append(names, s.Name())
		}
		if err := ledger.StartRun(context.Background(), p.RunID(), cfg.Experiment, names, time.Now()); err != nil {
			log.Error("failed to record run start", zap.Error(err))
			return exitFailed
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	if o.debugListen != "" {
		server, err := debugServer(o.debugListen, reg, ledger)
		if err != nil {
			log.Error("failed to set up debug server", zap.Error(err))
			return exitFailed
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveUntilDone(ctx, server)
		}()
	}

	if o.healthListen != "" {
		hs := health.NewServer(health.Config{ListenAddr: o.healthListen})
		if err := hs.Start(); err != nil {
			log.Error("failed to start health server", zap.Error(err))
			return exitFailed
		}
		defer hs.Stop()
		wg.Add(1)
		go func() {
			defer wg.Done()
			hs.Watch(ctx, p)
		}()
	}

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		select {
		case sig := <-signals:
			log.Info("signal received, stopping", zap.String("signal", sig.String()))
			p.Stop(stopping.ReasonSignal)
		case <-ctx.Done():
			return
		}
		select {
		case sig := <-signals:
			log.Warn("second signal received, aborting", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	collector := report.NewCollector(frontend(log))
	var consumer pipeline.Consumer = collector
	if ledger != nil {
		consumer = ledger.Recorder(p.RunID(), collector)
	}

	summary, runErr := pipeline.Drain(ctx, p, consumer)
	cancel()
	wg.Wait()

	if ledger != nil {
		if err := ledger.FinishRun(context.Background(), summary); err != nil {
			log.Error("failed to record run summary", zap.Error(err))
		}
	}
	if o.reportPath != "" {
		path, err := reportFile(o, summary)
		if err == nil {
			err = report.WriteFile(path, summary, collector.Points(), report.Options{})
		}
		if err != nil {
			log.Error("failed to write report", zap.String("path", o.reportPath), zap.Error(err))
		} else {
			log.Info("report written", zap.String("path", path))
		}
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		return exitAborted
	case runErr != nil || summary.Status == pipeline.StatusFailed:
		return exitFailed
	}
	if summary.Status == pipeline.StatusDegraded {
		log.Warn("run degraded: at least one stream errored")
	}
	return exitOK
}

// reportFile resolves -report. A directory gets a file named after the
// experiment and run. The result must lie under the working directory, the
// temp directory, or next to the configuration or ledger.
func reportFile(o options, s pipeline.Summary) (string, error) {
	path := o.reportPath
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		name := fmt.Sprintf("%s-%s.html", security.SanitizeFilename(s.Experiment), s.RunID.String()[:8])
		path = filepath.Join(path, name)
	}
	allowed := []string{filepath.Dir(o.configPath)}
	if o.ledgerPath != "" {
		allowed = append(allowed, filepath.Dir(o.ledgerPath))
	}
	if err := security.ValidateOutputPath(path, allowed...); err != nil {
		return "", err
	}
	return path, nil
}

// frontend stands in for the SLAM frontend: it logs each delivered batch.
func frontend(log *zap.Logger) pipeline.Consumer {
	return pipeline.ConsumerFunc(func(_ context.Context, b *batch.Batch) error {
		first, last, _ := b.Bounds()
		log.Debug("batch delivered",
			zap.Int("seq", b.Seq),
			zap.Int("elements", b.Len()),
			zap.Int64("first_ts", first),
			zap.Int64("last_ts", last))
		return nil
	})
}

func debugServer(addr string, reg *prometheus.Registry, ledger *db.DB) (*http.Server, error) {
	mux := http.NewServeMux()
	if ledger != nil {
		if err := ledger.AttachAdminRoutes(mux); err != nil {
			return nil, err
		}
		ledger.AttachRunRoutes(mux)
	} else {
		tsweb.Debugger(mux)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}, nil
}

func serveUntilDone(ctx context.Context, server *http.Server) {
	log := monitoring.Logger()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("debug server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("debug server shutdown error", zap.Error(err))
		if err := server.Close(); err != nil {
			log.Warn("debug server force close error", zap.Error(err))
		}
	}
}
