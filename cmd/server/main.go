package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/opencampus/registrar/internal/app"
	"github.com/opencampus/registrar/internal/app/maintenance"
	"github.com/opencampus/registrar/internal/registry"
	"github.com/opencampus/registrar/internal/storage"
	"github.com/opencampus/registrar/pkg/logger"
	"github.com/opencampus/registrar/pkg/mail"
	"github.com/opencampus/registrar/pkg/metrics"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("registrar-server", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to configuration directory or file")

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}

	if err := app.ConfigureLogging(cfg.Server); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer logger.Sync() // best effort

	log := logger.WithModule("bootstrap")

	records, err := storage.Open(cfg.Storage.StoreConfig())
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer closeStore(records, log)
	log.Info("record store ready", zap.String("driver", strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))))

	saver := storage.NewSaver(records, cfg.Storage.QueueSize)

	var mailer mail.Mailer
	if cfg.Email.SMTP.Enabled {
		smtpMailer, mailErr := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
		if mailErr != nil {
			return fmt.Errorf("initialise mailer: %w", mailErr)
		}
		mailer = smtpMailer
		log.Info("smtp mailer ready", zap.String("host", cfg.Email.SMTP.Host))
	} else {
		log.Warn("smtp disabled; verification codes are only written to the log")
	}

	// The module must be in place before Load so the account gauges cover
	// the records read back from storage.
	var monitor *metrics.Module
	if cfg.Server.Metrics.Enabled {
		monitor, err = metrics.NewModule(metrics.Options{})
		if err != nil {
			return fmt.Errorf("initialise metrics: %w", err)
		}
		metrics.SetModule(monitor)
	}

	svc := registry.New(records, saver, mailer, cfg.Registry.ServiceConfig())
	if err := svc.Load(ctx); err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	refresher := maintenance.NewRefresher(svc, maintenance.WithSchedule(cfg.Registry.SweepSchedule))
	if err := refresher.Start(); err != nil {
		return fmt.Errorf("start maintenance jobs: %w", err)
	}

	var metricsServer *http.Server
	var metricsFailed chan error // nil when metrics are disabled, blocking the select below
	if monitor != nil {
		mux := http.NewServeMux()
		mux.Handle(cfg.Server.Metrics.Endpoint, monitor.Handler())
		metricsServer = &http.Server{
			Addr:    cfg.Server.Metrics.Address,
			Handler: mux,
		}

		metricsFailed = make(chan error, 1)
		go func() {
			log.Info("metrics listening", zap.String("addr", metricsServer.Addr), zap.String("endpoint", cfg.Server.Metrics.Endpoint))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				metricsFailed <- err
			}
			close(metricsFailed)
		}()
	}

	log.Info("registry ready", zap.Int("accounts", svc.Len()))

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err, ok := <-metricsFailed:
		if ok && err != nil {
			serveErr = fmt.Errorf("metrics server error: %w", err)
		}
	}

	var shutdownErr error
	if metricsServer != nil && serveErr == nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("metrics shutdown: %w", err))
		}
		cancel()
	}

	// One last sweep so a restart does not resurrect lapsed signups, then
	// flush the write queue before the deferred store close runs.
	<-refresher.Stop().Done()
	refresher.RunOnce()

	if err := saver.Close(); err != nil {
		shutdownErr = multierr.Append(shutdownErr, fmt.Errorf("flush record writes: %w", err))
	}

	if err := multierr.Append(serveErr, shutdownErr); err != nil {
		return err
	}

	log.Info("server stopped gracefully")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	switch {
	case strings.TrimSpace(path) == "":
		return app.LoadConfig()
	default:
		info, err := os.Stat(path)
		if err == nil {
			if info.IsDir() {
				return app.LoadConfig(path)
			}
			return app.LoadConfig(filepath.Dir(path))
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config path %q does not exist", path)
		}
		return nil, fmt.Errorf("stat config path: %w", err)
	}
}

func closeStore(records storage.RecordStore, log *zap.Logger) {
	if records == nil {
		return
	}
	if err := records.Close(); err != nil {
		log.Warn("failed to close record store", zap.Error(err))
	}
}
