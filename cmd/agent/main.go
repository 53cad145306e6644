package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/xiaonanln/netfabric/agent"
	"github.com/xiaonanln/netfabric/client"
	"github.com/xiaonanln/netfabric/config"
	"github.com/xiaonanln/netfabric/container"
	"github.com/xiaonanln/netfabric/core"
	"github.com/xiaonanln/netfabric/discovery"
	"github.com/xiaonanln/netfabric/measure"
	"github.com/xiaonanln/netfabric/tick"
	"github.com/xiaonanln/netfabric/util/backoff"
	"github.com/xiaonanln/netfabric/util/logger"
	"github.com/xiaonanln/netfabric/util/metrics"
	"github.com/xiaonanln/netfabric/util/postgres"
	"github.com/xiaonanln/netfabric/workspace"
	"github.com/xiaonanln/netfabric/workspace/memservice"
	"github.com/xiaonanln/netfabric/workspace/pgservice"
)

type options struct {
	configFile    string
	agentID       string
	networkAddr   string
	listenAddr    string
	advertiseAddr string
	kinds         string
	labels        string
	metricsAddr   string
	logLevel      string
}

func main() {
	var opts options
	flag.StringVar(&opts.configFile, "config", "", "Path to YAML configuration file")
	flag.StringVar(&opts.agentID, "agent-id", "", "Agent ID from the configuration file")
	flag.StringVar(&opts.networkAddr, "network", "", "Network address (resolved through etcd or the config file when empty)")
	// Direct configuration when no config file is given
	flag.StringVar(&opts.listenAddr, "listen", ":0", "gRPC listen address")
	flag.StringVar(&opts.advertiseAddr, "advertise", "", "Address the network uses to reach this agent (defaults to listen)")
	flag.StringVar(&opts.kinds, "kinds", "workspace,echo", "Comma-separated container kinds to serve")
	flag.StringVar(&opts.labels, "labels", "", "Comma-separated agent labels")
	flag.StringVar(&opts.metricsAddr, "metrics", "", "HTTP address for Prometheus metrics (optional, e.g., ':9091')")
	flag.StringVar(&opts.logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	if err := run(opts); err != nil {
		log.Fatal(err)
	}
	log.Println("Agent stopped")
}

func loadConfig(opts options) (*config.Config, *config.AgentConfig, error) {
	if opts.configFile != "" {
		if opts.agentID == "" {
			return nil, nil, errors.New("--agent-id is required when using --config")
		}
		cfg, err := config.LoadConfig(opts.configFile)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		agentCfg, err := cfg.GetAgentByID(opts.agentID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to find agent configuration: %w", err)
		}
		log.Printf("Starting agent %s with configuration from %s", opts.agentID, opts.configFile)
		return cfg, agentCfg, nil
	}

	cfg := &config.Config{Version: 1, LogLevel: opts.logLevel, MetricsAddr: opts.metricsAddr}
	agentCfg := &config.AgentConfig{
		ID:        opts.agentID,
		Listen:    opts.listenAddr,
		Advertise: opts.advertiseAddr,
		Kinds:     splitList(opts.kinds),
		Labels:    splitList(opts.labels),
	}
	if agentCfg.ID == "" {
		agentCfg.ID = "agent"
	}
	cfg.Agents = []config.AgentConfig{*agentCfg}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, agentCfg, nil
}

func run(opts options) error {
	cfg, agentCfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger.SetDefaultLevel(cfg.GetLogLevel())
	lg := logger.NewLogger("AgentMain").With("agent", agentCfg.ID)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var db *postgres.DB
	if agentCfg.Storage == config.StoragePostgres {
		db, err = pgservice.Open(ctx, &cfg.Postgres)
		if err != nil {
			return fmt.Errorf("failed to open postgres: %w", err)
		}
		defer db.Close()
	}

	factories, err := buildFactories(agentCfg.Kinds, db, agentCfg.ID)
	if err != nil {
		return err
	}

	agentOpts := []agent.Option{agent.WithLabels(agentCfg.Labels...)}
	if opts.configFile != "" {
		agentOpts = append(agentOpts, agent.WithAgentID(core.AgentUUID(agentCfg.ID)))
	}
	validator, err := cfg.NewAccessValidator()
	if err != nil {
		return fmt.Errorf("invalid access rules: %w", err)
	}
	if validator != nil {
		agentOpts = append(agentOpts, agent.WithOperationFilter(validator.Check))
	}

	a, srv, err := agent.CreateAgent(agentCfg.Listen, factories,
		agent.WithAdvertiseAddress(agentCfg.Advertise),
		agent.WithAgentOptions(agentOpts...))
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		srv.Close(closeCtx)
	}()
	lg.Infof("Agent %s serving %v at %s", a.ID(), agentCfg.Kinds, a.Endpoint())

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

	var reg *discovery.Registry
	if cfg.HasEtcd() {
		reg, err = discovery.Connect(cfg.Etcd.Endpoints, cfg.Etcd.Prefix)
		if err != nil {
			return fmt.Errorf("failed to connect to etcd: %w", err)
		}
		defer reg.Close()
	}

	networkAddr, err := resolveNetwork(ctx, opts.networkAddr, cfg, reg)
	if err != nil {
		return fmt.Errorf("failed to find the network: %w", err)
	}

	tm, err := tick.NewTickManager(cfg.GetTickRate(), tick.WithName(agentCfg.ID))
	if err != nil {
		return fmt.Errorf("failed to create tick manager: %w", err)
	}
	tm.Start()
	defer tm.Stop()

	nc, err := client.NewNetworkClient(networkAddr, tm)
	if err != nil {
		return fmt.Errorf("failed to create network client: %w", err)
	}
	defer nc.Close()

	// The network client does not retry registration itself.
	b := backoff.New(200*time.Millisecond, 10*time.Second, 2.0)
	for {
		err := nc.Register(ctx, a)
		if err == nil {
			break
		}
		lg.Warnf("Registration with %s failed (attempt %d): %v", networkAddr, b.Attempts()+1, err)
		if err := b.Wait(ctx); err != nil {
			lg.Infof("Shutting down before registration completed")
			return nil
		}
	}
	lg.Infof("Registered with network at %s", networkAddr)

	if reg != nil {
		ep := discovery.Endpoint{
			Role:    discovery.RoleAgent,
			ID:      string(a.ID()),
			Address: a.Endpoint(),
			Kinds:   a.Record().Kinds,
			Labels:  agentCfg.Labels,
		}
		if err := reg.Announce(ctx, ep); err != nil {
			lg.Warnf("Failed to announce agent: %v", err)
		} else {
			defer reg.Withdraw(discovery.RoleAgent, ep.ID)
		}
	}

	<-ctx.Done()
	lg.Infof("Received shutdown signal, stopping agent...")
	a.TerminateAll(context.Background())
	return nil
}

func buildFactories(kinds []string, db *postgres.DB, agentID string) (map[core.ContainerKind]container.Factory, error) {
	factories := make(map[core.ContainerKind]container.Factory, len(kinds))
	for _, k := range kinds {
		switch kind := core.ContainerKind(k); kind {
		case workspace.Kind:
			var svc workspace.ServiceFactory
			if db != nil {
				svc = pgservice.Factory(db)
			} else {
				svc = memservice.Factory()
			}
			factories[kind] = workspace.NewFactory(svc, workspace.WithScope(measure.NewRoot(agentID)))
		case container.EchoKind:
			factories[kind] = container.NewEchoFactory()
		default:
			return nil, fmt.Errorf("unsupported container kind %q", k)
		}
	}
	return factories, nil
}

func resolveNetwork(ctx context.Context, flagAddr string, cfg *config.Config, reg *discovery.Registry) (string, error) {
	if flagAddr != "" {
		return flagAddr, nil
	}
	if reg != nil {
		resolveCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return reg.ResolveNetwork(resolveCtx)
	}
	if cfg.Network.Advertise != "" {
		return cfg.Network.Advertise, nil
	}
	if cfg.Network.Listen != "" {
		return cfg.Network.Listen, nil
	}
	return "", errors.New("no --network given and neither etcd nor a network section is configured")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func shutdown(s *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)
}
