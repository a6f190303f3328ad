// Command playnode bootstraps a single Play node: it hosts Stages, accepts
// client connections over TCP/TLS/WebSocket, and joins the node mesh so API
// nodes can route requests to it.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/playhouse-go/playhouse/internal/async"
	"github.com/playhouse-go/playhouse/internal/config"
	"github.com/playhouse-go/playhouse/internal/logging"
	"github.com/playhouse-go/playhouse/internal/mesh"
	"github.com/playhouse-go/playhouse/internal/metrics"
	"github.com/playhouse-go/playhouse/internal/registry"
	"github.com/playhouse-go/playhouse/internal/route"
	"github.com/playhouse-go/playhouse/internal/session"
	"github.com/playhouse-go/playhouse/internal/stage"
	"github.com/playhouse-go/playhouse/internal/store"
	"github.com/playhouse-go/playhouse/internal/timer"
	"github.com/playhouse-go/playhouse/internal/transport"
	"github.com/playhouse-go/playhouse/internal/wire"
)

const ConfigPath = "config/playnode.yaml"

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
	if p := os.Getenv("PLAYHOUSE_PLAYNODE_CONFIG"); p != "" {
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.New(cfg.LogLevel)
	logging.SetDefault(logger)
	logger.Info("playnode starting", "server_id", cfg.ServerID, "bind", cfg.BindEndpoint)

	wire.SetMaxBodySize(cfg.MaxPacketSize)

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	self := registry.NodeID{ServiceID: cfg.ServiceID, ServerID: cfg.ServerID}
	reg := registry.New(cfg.Nodes)

	// dispatcher and table are mutually dependent (the inbound handler
	// needs the table to route into, the table needs the dispatcher to
	// hand its stages, mesh needs the dispatcher to deliver frames to) so
	// all three are wired through forward-declared pointers.
	var dispatcher *route.Dispatcher
	var table *stage.Table

	meshTransport := mesh.New(self, reg, cfg.SendQueueSize, []byte(cfg.MeshAuthKey), func(from registry.NodeID, f mesh.Frame) {
		dispatcher.HandleFrame(from, f)
	})
	if err := meshTransport.Listen(cfg.BindEndpoint); err != nil {
		return fmt.Errorf("starting mesh listener: %w", err)
	}

	dispatcher = route.New(self, meshTransport, newPlayInbound(
		func() *stage.Table { return table },
		func() *route.Dispatcher { return dispatcher },
	))

	offload := async.NewOffloader(cfg.ComputePoolConcurrency, cfg.IOPoolConcurrency)
	defer offload.Close()

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

	pausedWindow := time.Duration(cfg.ActorPausedWindowMs) * time.Millisecond
	gameLoopLimits := timer.Limits{
		MinTimestep:           time.Duration(cfg.GameLoopTimestepMinMs) * time.Millisecond,
		MaxTimestep:           time.Duration(cfg.GameLoopTimestepMaxMs) * time.Millisecond,
		DefaultMaxAccumulator: time.Duration(cfg.GameLoopMaxAccumulatorCapMs) * time.Millisecond,
	}
	table = stage.NewTable(offload, dispatcher, self, pausedWindow, gameLoopLimits, m)
	table.RegisterType(cfg.DefaultStageType, newRoomHandlerFactory(audit, reg))

	g, gctx := errgroup.WithContext(ctx)

	var nextSessionID atomic.Int64
	sessCfg := session.Config{
		AuthenticateMessageID: cfg.AuthenticateMessageID,
		HeartbeatInterval:     time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
		CloseGrace:            time.Duration(cfg.SessionCloseGraceMs) * time.Millisecond,
		SendQueueSize:         cfg.SendQueueSize,
		MaxPendingRequests:    cfg.MaxPendingRequestsPerSess,
	}
	var liveSessions sync.Map // int64 sessionID -> *session.Endpoint, for metrics collection
	onAccept := func(conn session.Conn, remoteAddr string) {
		router := &sessionRouter{table: table, defaultStageType: cfg.DefaultStageType}
		id := nextSessionID.Add(1)
		ep := session.New(conn, sessCfg, router, id)
		liveSessions.Store(id, ep)
		go func() {
			<-ep.Done()
			liveSessions.Delete(id)
		}()
		go ep.Serve()
	}

	if cfg.TCPPort != 0 {
		ln, err := transport.ListenTCP(fmt.Sprintf(":%d", cfg.TCPPort), onAccept)
		if err != nil {
			return fmt.Errorf("starting TCP listener: %w", err)
		}
		logger.Info("TCP listener started", "port", cfg.TCPPort)
		g.Go(func() error { <-gctx.Done(); return ln.Close() })
	}

	if cfg.TCPTLSPort != 0 {
		tlsCfg, err := loadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS config: %w", err)
		}
		ln, err := transport.ListenTLS(fmt.Sprintf(":%d", cfg.TCPTLSPort), tlsCfg, onAccept)
		if err != nil {
			return fmt.Errorf("starting TLS listener: %w", err)
		}
		logger.Info("TLS listener started", "port", cfg.TCPTLSPort)
		g.Go(func() error { <-gctx.Done(); return ln.Close() })
	}

	if cfg.HTTPPort != 0 {
		wsCfg := transport.WSConfig{Path: cfg.WebSocketPath}
		srv, err := transport.ListenWS(fmt.Sprintf(":%d", cfg.HTTPPort), wsCfg, onAccept)
		if err != nil {
			return fmt.Errorf("starting WS listener: %w", err)
		}
		logger.Info("WebSocket listener started", "port", cfg.HTTPPort, "path", cfg.WebSocketPath)
		g.Go(func() error { <-gctx.Done(); return srv.Close() })
	}

	if cfg.HTTPSPort != 0 {
		tlsCfg, err := loadTLSConfig(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("loading TLS config for WSS: %w", err)
		}
		wssPath := cfg.WebSocketPath
		if wssPath == "" {
			wssPath = "/ws"
		}
		wsCfg := transport.WSConfig{Path: wssPath}
		mux := http.NewServeMux()
		mux.Handle(wssPath, transport.NewWSHandler(wsCfg, onAccept))
		wssAddr := fmt.Sprintf(":%d", cfg.HTTPSPort)
		wssSrv := &http.Server{Addr: wssAddr, Handler: mux, TLSConfig: tlsCfg}
		ln, err := net.Listen("tcp", wssAddr)
		if err != nil {
			return fmt.Errorf("starting WSS listener: %w", err)
		}
		g.Go(func() error {
			if err := wssSrv.ServeTLS(ln, "", ""); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("wss server: %w", err)
			}
			return nil
		})
		logger.Info("WSS listener started", "port", cfg.HTTPSPort, "path", wssPath)
		g.Go(func() error { <-gctx.Done(); return wssSrv.Close() })
	}

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
				for _, s := range table.Snapshot() {
					m.MailboxDepth.WithLabelValues(s.StageType, strconv.FormatInt(s.StageID, 10)).Set(float64(s.MailboxDepth()))
				}
				for peer, depth := range meshTransport.QueueDepths() {
					m.SendQueueDepth.WithLabelValues(peer).Set(float64(depth))
				}
				liveSessions.Range(func(key, value any) bool {
					id := key.(int64)
					ep := value.(*session.Endpoint)
					m.SessionSendQueueDepth.WithLabelValues(strconv.FormatInt(id, 10)).Set(float64(ep.SendQueueDepth()))
					return true
				})
			}
		}
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("playnode error: %w", err)
	}
	return nil
}

// metricsPort defaults to the node's HTTP port + 1 when nothing else is
// free; a dedicated field would be the cleaner long-term answer but every
// config field in this node already maps to a spec'd concern.
func metricsPort(cfg config.Node) int {
	if cfg.HTTPPort != 0 {
		return cfg.HTTPPort + 1000
	}
	return 9100
}

func loadTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}
