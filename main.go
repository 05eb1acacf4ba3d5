package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/leafscan/leaf-classification-service/classify"
	"github.com/leafscan/leaf-classification-service/config"
	"github.com/leafscan/leaf-classification-service/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to YAML config file (defaults apply when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("Service stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	level := new(slog.LevelVar)

	cfg, watcher, err := loadConfig(configPath, level)
	if err != nil {
		return err
	}
	if watcher != nil {
		defer watcher.Close()
	}

	if err := applyLevel(level, cfg.Log.Level); err != nil {
		return err
	}
	slog.SetDefault(logger.New(
		logger.WithLevel(level),
		logger.WithFormat(cfg.Log.Format),
		logger.WithLogToFile(cfg.Log.File != ""),
		logger.WithLogFile(cfg.Log.File),
	))

	slog.Info("Host capabilities", "cpu_features", classify.CPUFeatures())

	if err := os.MkdirAll(cfg.Storage.UploadDir, 0o755); err != nil {
		return fmt.Errorf("failed to create upload directory: %w", err)
	}

	if cfg.Runtime.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.Runtime.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	defer ort.DestroyEnvironment()

	loaded, err := loadModels(cfg)
	if err != nil {
		return err
	}
	defer func() {
		for _, m := range loaded {
			m.Close()
		}
	}()

	classifiers := make([]classify.Classifier, len(loaded))
	for i, m := range loaded {
		classifiers[i] = m
	}

	tmpl, err := loadTemplates()
	if err != nil {
		return err
	}

	state := &AppState{
		Ensemble:       classify.NewEnsemble(classifiers...),
		UploadDir:      cfg.Storage.UploadDir,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		Templates:      tmpl,
		Metrics:        NewMetrics(classifiers),
	}

	srv := &http.Server{
		Handler:      newRouter(state),
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// loadConfig loads the config and, when a file is used, watches it so
// the log level follows edits without a restart.
func loadConfig(path string, level *slog.LevelVar) (*config.Config, *config.Watcher, error) {
	if path == "" {
		cfg, err := config.Load("")
		return cfg, nil, err
	}

	watcher, err := config.NewWatcher(path, func(cfg *config.Config, err error) {
		if err != nil {
			return
		}
		if err := applyLevel(level, cfg.Log.Level); err != nil {
			slog.Warn("Ignoring log level from reloaded config", "error", err)
			return
		}
		slog.Info("Log level updated; other settings apply after restart", "level", cfg.Log.Level)
	})
	if err != nil {
		return nil, nil, err
	}
	return watcher.Snapshot(), watcher, nil
}

func applyLevel(level *slog.LevelVar, name string) error {
	l, err := logger.ParseLevel(name)
	if err != nil {
		return err
	}
	level.Set(l)
	return nil
}

// loadModels opens every configured model. Any failure aborts startup.
func loadModels(cfg *config.Config) ([]*classify.Model, error) {
	loaded := make([]*classify.Model, 0, len(cfg.Models))

	for _, mc := range cfg.Models {
		slog.Info("Loading model", "model", mc.Name, "path", mc.Path, "input_size", mc.InputSize)

		m, err := classify.NewModel(mc.Name, cfg.Labels, classify.SessionConfig{
			Path:           mc.Path,
			InputName:      mc.InputName,
			OutputName:     mc.OutputName,
			InputSize:      mc.InputSize,
			Layout:         classify.Layout(mc.Layout),
			IntraOpThreads: cfg.Runtime.IntraOpThreads,
			InterOpThreads: cfg.Runtime.InterOpThreads,
		}, mc.PoolSize)
		if err != nil {
			for _, prev := range loaded {
				prev.Close()
			}
			return nil, err
		}
		loaded = append(loaded, m)
	}

	return loaded, nil
}
