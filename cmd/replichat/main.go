// replichat runs one or more chat replicas in a single process. Each
// replica serves framed TCP clients on its own port, talks to its peers
// on an internal port, and persists its shards under the database
// directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/adred-codev/replichat/internal/cluster"
	"github.com/adred-codev/replichat/internal/config"
	"github.com/adred-codev/replichat/internal/monitoring"
	"github.com/adred-codev/replichat/internal/replica"
	"github.com/adred-codev/replichat/internal/server"
	"github.com/adred-codev/replichat/internal/store"
)

func main() {
	bootLogger := monitoring.NewLogger(monitoring.LoggerConfig{})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// CLI flags override environment and .env values.
	flag.IntVar(&cfg.NumServers, "num_servers", cfg.NumServers, "number of replicas to run in this process")
	flag.IntVar(&cfg.StartServerPort, "start_server_port", cfg.StartServerPort, "first client port; replica i listens on start+i")
	flag.IntVar(&cfg.StartInternalPort, "start_internal_port", cfg.StartInternalPort, "first internal peer port; replica i listens on start+i")
	flag.StringVar(&cfg.Host, "host", cfg.Host, "host to bind all listeners on")
	flag.StringVar(&cfg.OtherServers, "internal_other_servers", cfg.OtherServers, "comma-separated peer hosts")
	flag.StringVar(&cfg.OtherPorts, "internal_other_ports", cfg.OtherPorts, "comma-separated first internal port per peer host")
	flag.StringVar(&cfg.MaxPorts, "internal_max_ports", cfg.MaxPorts, "comma-separated candidate port count per peer host")
	flag.IntVar(&cfg.StartGatewayPort, "start_gateway_port", cfg.StartGatewayPort, "first WebSocket gateway port; 0 disables the gateway")
	flag.StringVar(&cfg.DatabaseDir, "database_dir", cfg.DatabaseDir, "directory for the JSON shards")
	flag.StringVar(&cfg.MetricsAddr, "metrics_addr", cfg.MetricsAddr, "address for the Prometheus endpoint; empty disables it")
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		bootLogger.Fatal().Err(err).Msg("Invalid configuration")
	}

	logLevel, logFormat := cfg.LoggerConfig()
	logger := monitoring.NewLogger(monitoring.LoggerConfig{Level: logLevel, Format: logFormat})
	cfg.LogConfig(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
		sampler := monitoring.NewSystemSampler(logger, cfg.MetricsInterval)
		go sampler.Run(ctx)
	}

	for i := 0; i < cfg.NumServers; i++ {
		if err := startReplica(ctx, cfg, i, logger); err != nil {
			logger.Fatal().Err(err).Int("replica", i).Msg("Failed to start replica")
		}
	}

	logger.Info().Int("replicas", cfg.NumServers).Msg("All replicas running")
	<-ctx.Done()
	logger.Info().Msg("Shutting down")
}

// startReplica wires one replica: store, core, coordinator, client
// server and optional gateway.
func startReplica(ctx context.Context, cfg *config.Config, index int, logger zerolog.Logger) error {
	clientPort := cfg.StartServerPort + index
	internalPort := cfg.StartInternalPort + index
	gatewayPort := 0
	if cfg.StartGatewayPort > 0 {
		gatewayPort = cfg.StartGatewayPort + index
	}
	id := fmt.Sprintf("%d%d", index, clientPort)

	replicaLogger := logger.With().Str("replica_id", id).Logger()
	metrics := monitoring.NewMetrics(id)

	st := store.New(cfg.DatabaseDir, id, replicaLogger)
	core, err := replica.NewCore(id, cfg.Host, clientPort, gatewayPort, st, replicaLogger, metrics)
	if err != nil {
		return fmt.Errorf("replica %s: %w", id, err)
	}

	hosts := cfg.PeerHosts()
	startPorts, err := cfg.PeerStartPorts()
	if err != nil {
		return err
	}
	maxPorts, err := cfg.PeerMaxPorts()
	if err != nil {
		return err
	}

	self := cluster.Endpoint{Host: cfg.Host, Port: internalPort}
	candidates := cluster.Candidates(hosts, startPorts, maxPorts, self)
	coord := cluster.NewCoordinator(self, candidates, core, cfg.HeartbeatInterval, replicaLogger, metrics)
	if err := coord.Listen(); err != nil {
		return err
	}
	go coord.Run(ctx)

	fanout := server.NewFanout(metrics)
	engine := server.NewEngine(core, fanout, coord, replicaLogger, metrics)

	srv := server.New(engine, cfg.ConnRate, cfg.ConnBurst, cfg.LiveQueueSize, replicaLogger, metrics)
	if err := srv.Listen(cfg.Host, clientPort); err != nil {
		return fmt.Errorf("replica %s client listener: %w", id, err)
	}
	go srv.Run(ctx)

	if gatewayPort > 0 {
		gw := server.NewGateway(engine, cfg.LiveQueueSize, replicaLogger, metrics)
		go func() {
			if err := gw.Run(ctx, cfg.Host, gatewayPort); err != nil {
				replicaLogger.Error().Err(err).Msg("Gateway terminated")
			}
		}()
	}

	replicaLogger.Info().
		Int("client_port", clientPort).
		Int("internal_port", internalPort).
		Int("gateway_port", gatewayPort).
		Msg("Replica started")
	return nil
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) {
	defer monitoring.RecoverPanic(logger, "metrics_server")

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("Metrics server terminated")
		os.Exit(1)
	}
}
