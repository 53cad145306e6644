package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaonanln/netfabric/config"
	"github.com/xiaonanln/netfabric/discovery"
	"github.com/xiaonanln/netfabric/network"
	"github.com/xiaonanln/netfabric/tick"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/util/metrics"
)

type options struct {
	configFile    string
	listenAddr    string
	advertiseAddr string
	metricsAddr   string
	tickRate      int
	logLevel      string
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "Path to YAML configuration file")
	// Direct configuration when no config file is given
	flag.StringVar(&opts.listenAddr, "listen", ":7001", "gRPC listen address")
	flag.StringVar(&opts.advertiseAddr, "advertise", "", "Address agents and clients use to reach the network (defaults to listen)")
	flag.StringVar(&opts.metricsAddr, "metrics", "", "HTTP address for Prometheus metrics (optional, e.g., ':9090')")
	flag.IntVar(&opts.tickRate, "tick-rate", config.DefaultTickRate, "Ticks per second")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	if err := run(opts); err != nil {
		log.Fatal(err)
	}
	log.Println("Network stopped")
}

func loadConfig(opts options) (*config.Config, error) {
	if opts.configFile != "" {
		cfg, err := config.LoadConfig(opts.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		log.Printf("Starting network with configuration from %s", opts.configFile)
		return cfg, nil
	}
	cfg := &config.Config{Version: 1, LogLevel: opts.logLevel, MetricsAddr: opts.metricsAddr}
	cfg.Network.Listen = opts.listenAddr
	cfg.Network.Advertise = opts.advertiseAddr
	cfg.Network.TickRate = opts.tickRate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func run(opts options) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.Network.Listen == "" {
		return errors.New("network listen address is required")
	}
	logger.SetDefaultLevel(cfg.GetLogLevel())
	lg := logger.NewLogger("Network")

	netCfg, err := cfg.NetworkRuntimeConfig()
	if err != nil {
		return fmt.Errorf("invalid network configuration: %w", err)
	}

	tm, err := tick.NewTickManager(cfg.GetTickRate(), tick.WithName(netCfg.Name))
	if err != nil {
		return fmt.Errorf("failed to create tick manager: %w", err)
	}
	n, err := network.NewNetwork(tm, netCfg)
	if err != nil {
		return fmt.Errorf("failed to create network: %w", err)
	}
	tm.Start()
	defer func() {
		tm.Stop()
		n.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		ms := metrics.NewServer(cfg.MetricsAddr)
		go func() {
			lg.Infof("Metrics listening on %s", cfg.MetricsAddr)
			if err := ms.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Errorf("Metrics server error: %v", err)
			}
		}()
		defer shutdown(ms)
	}

	if cfg.HasEtcd() {
		reg, err := discovery.Connect(cfg.Etcd.Endpoints, cfg.Etcd.Prefix)
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		defer reg.Close()
		advertise := cfg.Network.Advertise
		if advertise == "" {
			advertise = cfg.Network.Listen
		}
		ep := discovery.Endpoint{Role: discovery.RoleNetwork, ID: netCfg.Name, Address: advertise}
		if err := reg.Announce(ctx, ep); err != nil {
			return fmt.Errorf("failed to announce network: %w", err)
		}
		defer reg.Withdraw(discovery.RoleNetwork, netCfg.Name)
	}

	srv := network.NewServer(n)
	if err := srv.Run(ctx, cfg.Network.Listen); err != nil {
		return fmt.Errorf("network server: %w", err)
	}
	return nil
}

func shutdown(s *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)
}
