package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/unidata-ldm/fmtprecv/internal/config"
	"github.com/unidata-ldm/fmtprecv/internal/logger"
	"github.com/unidata-ldm/fmtprecv/pkg/fmtp"
	"github.com/unidata-ldm/fmtprecv/pkg/metrics"
)

var startCommand = &cli.Command{
	Name:  "start",
	Usage: "run the receiver daemon",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to YAML config file", Required: true},
		&cli.StringFlag{Name: "output-dir", Usage: "directory delivered products are written to", Value: "."},
	},
	Action: runStart,
}

func runStart(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		return err
	}
	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	notifier := newFileNotifier(c.String("output-dir"), log)

	receiver := fmtp.NewReceiver(fmtp.ReceiverConfig{
		SenderTCPAddr:            cfg.SenderTCPAddr,
		MulticastAddr:            cfg.MulticastAddr,
		InterfaceAddr:            cfg.InterfaceAddr,
		LinkSpeedBPS:             cfg.LinkSpeedBPS,
		BaseTimeout:              cfg.BaseTimeout,
		RetxSlack:                cfg.RetxSlack,
		RetxQueueCapacity:        cfg.RetxQueueCapacity,
		RecentlyResolvedCapacity: cfg.RecentlyResolvedCapacity,
		MissingBopPendingCap:     cfg.MissingBopPendingCap,
		UDPReadTimeout:           cfg.UDPReadTimeout,
		UDPRetryBudget:           cfg.UDPRetryBudget,
	}, notifier, reg, log)

	if err := receiver.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	control, err := fmtp.NewControlServer(cfg.ControlSocketPath, receiver, log)
	if err != nil {
		receiver.Stop()
		return err
	}
	go control.Serve(ctx)
	defer control.Close()

	if cfg.MetricsListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv := &http.Server{Addr: cfg.MetricsListenAddress, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warnw("metrics server stopped", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infow("signal received, shutting down")
		receiver.Stop()
	}()

	if err := receiver.Join(); err != nil {
		log.Errorw("receiver exited with error", err)
		code := 1
		if errors.Is(err, fmtp.ErrRetxChannelLost) {
			code = 2
		}
		return cli.Exit(err.Error(), code)
	}
	log.Infow("receiver shut down cleanly")
	return nil
}
