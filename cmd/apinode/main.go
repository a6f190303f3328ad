// Command apinode bootstraps a single API node: a stateless request
// handler that joins the node mesh and answers route packets classified
// as API-bound, with no client-facing listeners and no actor lifecycle.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/playhouse-go/playhouse/internal/apiruntime"
	"github.com/playhouse-go/playhouse/internal/config"
	"github.com/playhouse-go/playhouse/internal/logging"
	"github.com/playhouse-go/playhouse/internal/mesh"
	"github.com/playhouse-go/playhouse/internal/metrics"
	"github.com/playhouse-go/playhouse/internal/registry"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/store"
	"github.com/playhouse-go/playhouse/internal/wire"
)

const ConfigPath = "config/apinode.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	path := ConfigPath
	if p := os.Getenv("PLAYHOUSE_APINODE_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.LogLevel)
	logging.SetDefault(logger)
	logger.Info("apinode starting", "server_id", cfg.ServerID, "bind", cfg.BindEndpoint)

	wire.SetMaxBodySize(cfg.MaxPacketSize)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	self := registry.NodeID{ServiceID: cfg.ServiceID, ServerID: cfg.ServerID}
	reg := registry.New(cfg.Nodes)

	// dispatcher and runtime are mutually dependent: the dispatcher's
	// inbound callback hands unmatched packets to the runtime, and the
	// runtime replies back out through the dispatcher.
	var dispatcher *route.Dispatcher
	var runtime *apiruntime.Runtime

	meshTransport := mesh.New(self, reg, cfg.SendQueueSize, []byte(cfg.MeshAuthKey), func(from registry.NodeID, f mesh.Frame) {
		dispatcher.HandleFrame(from, f)
	})
	if err := meshTransport.Listen(cfg.BindEndpoint); err != nil {
		return fmt.Errorf("starting mesh listener: %w", err)
	}

	dispatcher = route.New(self, meshTransport, func(from registry.NodeID, p wire.RoutePacket) {
		runtime.HandleInbound(from, p)
	})
	runtime = apiruntime.New(dispatcher, self)

	var audit *store.Store
	if dsn := cfg.Database.DSN(); dsn != "" {
		if err := store.RunMigrations(ctx, dsn); err != nil {
			return fmt.Errorf("running audit store migrations: %w", err)
		}
		audit, err = store.New(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connecting audit store: %w", err)
		}
		defer audit.Close()
		logger.Info("audit store enabled")
	}

	registerDemoHandlers(runtime, reg, cfg.DefaultStageType, audit)

	g, gctx := errgroup.WithContext(ctx)

	metricsAddr := ":" + strconv.Itoa(metricsPort(cfg))
	metricsSrv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})}
	g.Go(func() error {
		logger.Info("metrics listener started", "addr", metricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error { <-gctx.Done(); return metricsSrv.Close() })

	g.Go(func() error {
		<-gctx.Done()
		return meshTransport.Close()
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				m.PendingRequests.Set(float64(dispatcher.PendingCount()))
				for _, n := range cfg.Nodes {
					id := registry.NodeID{ServiceID: n.ServiceID, ServerID: n.ServerID}
					v := 0.0
					if reg.Reachable(id) {
						v = 1.0
					}
					m.NodeReachable.WithLabelValues(id.String()).Set(v)
				}
				for peer, depth := range meshTransport.QueueDepths() {
					m.SendQueueDepth.WithLabelValues(peer).Set(float64(depth))
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("apinode error: %w", err)
	}
	return nil
}

func metricsPort(cfg config.Node) int {
	if cfg.HTTPPort != 0 {
		return cfg.HTTPPort + 1000
	}
	return 9101
}
