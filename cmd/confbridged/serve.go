package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/conf_bridge/pkg/channel"
	"github.com/arzzra/conf_bridge/pkg/channel/sipchan"
	"github.com/arzzra/conf_bridge/pkg/conference"
	"github.com/arzzra/conf_bridge/pkg/sla"
)

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Запустить мост",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "путь к toml конфигурации")
	return cmd
}

func runServe(parent context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.logLevel(),
	}))
	slog.SetDefault(log)
	log.Info("запуск", "version", version, "config", configPath)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	confMetrics := conference.NewMetrics(reg)
	slaMetrics := sla.NewMetrics(reg)

	manager := newManagerServer(log)
	notifier := channel.NewDeviceStateNotifier()

	confs := conference.NewRegistry(conference.Config{
		MaxConferences:  cfg.Conference.MaxConferences,
		DefaultMaxUsers: cfg.Conference.DefaultMaxUsers,
		ExtendIncrement: cfg.Conference.ExtendIncrement.Duration,
		RecordingDir:    cfg.Daemon.RecordingDir,
		Metrics:         confMetrics,
	}, log, manager, notifier)

	var dialer channel.Dialer
	var driver *sipchan.Driver
	if cfg.SIP.Enabled {
		driver, err = sipchan.NewDriver(sipchan.Config{
			BindHost:    cfg.SIP.BindHost,
			SIPPort:     cfg.SIP.SIPPort,
			Domain:      cfg.SIP.Domain,
			Contact:     cfg.SIP.Contact,
			DisplayName: cfg.SIP.DisplayName,
			RTPPortMin:  cfg.SIP.RTPPortMin,
			RTPPortMax:  cfg.SIP.RTPPortMax,
			DSCP:        cfg.SIP.DSCP,
			Log:         log,
		})
		if err != nil {
			return err
		}
		defer driver.Close()
		dialer = driver
	}

	slaCfg, err := cfg.slaControllerConfig()
	if err != nil {
		return err
	}
	slaCfg.Metrics = slaMetrics
	ctl, err := sla.NewController(slaCfg, log, confs, dialer)
	if err != nil {
		return err
	}
	defer ctl.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return manager.serve(ctx, cfg.Daemon.ManagerListen)
	})

	if driver != nil {
		g.Go(func() error {
			if err := driver.Serve(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	if cfg.Daemon.MetricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Daemon.MetricsListen, Handler: mux}
		g.Go(func() error {
			log.Info("слушаю метрики", "addr", cfg.Daemon.MetricsListen)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	log.Info("останов")
	return err
}
