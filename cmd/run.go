// SPDX-FileCopyrightText: 2023 Steffen Vogel <post@steffenvogel.de>
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	vita "github.com/vita-vpn/vita-keymgr"
	"github.com/vita-vpn/vita-keymgr/config"
	"github.com/vita-vpn/vita-keymgr/internal/rawip"
)

// tickInterval is how often the Manager's control loop polls timers and
// drains the transport. It is well below the smallest deadline named in
// the configuration (negotiation_ttl), so no deadline-driven transition
// is delayed by more than a tick.
const tickInterval = 100 * time.Millisecond

func run(cmd *cobra.Command, args []string) error {
	fn := args[0]

	var cfgFile config.File
	if err := cfgFile.LoadFile(fn); err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}
	if err := cfgFile.Validate(); err != nil {
		return fmt.Errorf("invalid config file: %w", err)
	}

	m, err := buildManager(&cfgFile)
	if err != nil {
		return err
	}
	defer m.Close()

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(vita.NewCollector(m))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

		srv := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hup := make(chan struct{}, 1)
	go watchReload(ctx, fn, hup)

	errs := make(chan error, 1)
	go func() {
		errs <- m.Run(ctx, tickInterval)
	}()

	for {
		select {
		case <-ctx.Done():
			return <-errs
		case <-hup:
			reloadManager(m, fn)
		case err := <-errs:
			return err
		}
	}
}

// buildManager loads the transport and constructs a Manager from a
// config.File for the initial run. A reload reuses only routeSpecs.
func buildManager(cfgFile *config.File) (*vita.Manager, error) {
	nodeAddr := net.ParseIP(cfgFile.NodeAddr)

	conn, err := rawip.Listen(nodeAddr, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}

	specs, negotiationTTL, saTTL, err := routeSpecs(cfgFile)
	if err != nil {
		conn.Close()
		return nil, err
	}

	m, err := vita.NewManager(vita.Config{
		NodeAddr:       nodeAddr,
		NegotiationTTL: negotiationTTL,
		SATTL:          saTTL,
		SADatabasePath: cfgFile.SADatabasePath,
		Routes:         specs,
		Conn:           conn,
		Logger:         logger,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create manager: %w", err)
	}

	return m, nil
}

func routeSpecs(cfgFile *config.File) ([]vita.RouteSpec, time.Duration, time.Duration, error) {
	negotiationTTL, err := cfgFile.NegotiationTimeout()
	if err != nil {
		return nil, 0, 0, err
	}
	saTTL, err := cfgFile.SATimeout()
	if err != nil {
		return nil, 0, 0, err
	}

	specs := make([]vita.RouteSpec, 0, len(cfgFile.Routes))
	for _, rt := range cfgFile.Routes {
		id, gateway, psk, spi, err := rt.ToRoute()
		if err != nil {
			return nil, 0, 0, err
		}
		specs = append(specs, vita.RouteSpec{
			ID:           id,
			Gateway:      gateway,
			PresharedKey: psk,
			RouteSPI:     spi,
		})
	}

	return specs, negotiationTTL, saTTL, nil
}

// watchReload signals hup once per SIGHUP received while ctx is live,
// mirroring the teacher's config-reload-on-SIGHUP convention.
func watchReload(ctx context.Context, fn string, hup chan<- struct{}) {
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	defer signal.Stop(sighup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sighup:
			select {
			case hup <- struct{}{}:
			default:
			}
		}
	}
}

// reloadManager re-reads fn and queues the result for Manager.Run's own
// goroutine to apply via RequestReload (spec §4.3 "Reconfiguration"); it
// never calls Manager.Reload directly, since this function runs on run's
// own select loop, not on the goroutine driving Tick.
func reloadManager(m *vita.Manager, fn string) {
	var cfgFile config.File
	if err := cfgFile.LoadFile(fn); err != nil {
		logger.Error("reload: failed to load config file", "error", err)
		return
	}
	if err := cfgFile.Validate(); err != nil {
		logger.Error("reload: invalid config file", "error", err)
		return
	}

	specs, negotiationTTL, saTTL, err := routeSpecs(&cfgFile)
	if err != nil {
		logger.Error("reload: failed to build route specs", "error", err)
		return
	}

	m.RequestReload(specs, negotiationTTL, saTTL)
	logger.Info("queued configuration reload", "file", fn, "routes", len(specs))
}
