package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prise-term/prise/internal/config"
	"github.com/prise-term/prise/internal/daemon"
	"github.com/prise-term/prise/internal/logging"
	"github.com/prise-term/prise/internal/monitoring"
)

func runCmd() *cobra.Command {
	var exitOnIdle bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if exitOnIdle {
				cfg.Daemon.ExitOnIdle = true
			}
			return runDaemon(cfg)
		},
	}
	cmd.Flags().BoolVar(&exitOnIdle, "exit-on-idle", false, "stop when the last client disconnects")
	return cmd
}

func runDaemon(cfg *config.Config) error {
	logCfg := logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	}
	if cfg.Logging.File != "" {
		logCfg.OutputPaths = []string{cfg.Logging.File}
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	runID := uuid.NewString()
	log = log.With(zap.String("run_id", runID))
	log.Info("daemon starting", zap.Int("pid", os.Getpid()))

	metrics, registry := monitoring.New()
	if cfg.Metrics.Addr != "" {
		go func() {
			if err := monitoring.Serve(cfg.Metrics.Addr, registry); err != nil {
				log.Warn("metrics listener failed", zap.Error(err))
			}
		}()
	}

	d := daemon.New(cfg, log, metrics)
	if err := d.Listen(); err != nil {
		return err
	}

	if cfg.Daemon.PidFile != "" {
		writePidFile(cfg.Daemon.PidFile)
		defer os.Remove(cfg.Daemon.PidFile)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		d.Loop().Do(d.Shutdown)
	}()

	return d.Run()
}

func writePidFile(path string) {
	os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}
