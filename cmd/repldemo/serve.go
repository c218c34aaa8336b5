package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/oriys/groupcast/internal/config"
	"github.com/oriys/groupcast/internal/gms"
	"github.com/oriys/groupcast/internal/logging"
	"github.com/oriys/groupcast/internal/metrics"
	pl "github.com/oriys/groupcast/internal/persist/log"
	"github.com/oriys/groupcast/internal/persist/segment"
	"github.com/oriys/groupcast/internal/observability"
	"github.com/oriys/groupcast/internal/replobj"
	"github.com/oriys/groupcast/internal/rpc/dispatch"
	"github.com/oriys/groupcast/internal/rpc/registry"
	"github.com/oriys/groupcast/internal/rpc/viewadapt"
	"github.com/oriys/groupcast/internal/rpcserver"
)

// registryBook and registryMembers adapt internal/gms's string-identified
// View onto rpcserver's numeric AddressBook/MemberResolver seams, using
// Member.Rank as the RPC layer's NodeID, per internal/rpc/viewadapt's
// resolution of the same bridging problem.
type registryBook struct {
	reg *gms.Registry
}

func (b registryBook) Address(nid uint32) (string, bool) {
	for _, m := range b.reg.CurrentView().Members {
		if m.Rank == nid {
			return m.Address, true
		}
	}
	return "", false
}

// registryMembers resolves a subgroup to its member ranks. The default
// layout (gms.RoundRobinLayout) places every View member in subgroup 0's
// single shard, so this ignores the subgroup argument; a non-default
// layout would need to walk view.Subgroups instead.
func registryMembers(reg *gms.Registry) rpcserver.MemberResolver {
	return func(subgroup uint32) []uint32 {
		view := reg.CurrentView()
		ranks := make([]uint32, 0, len(view.Members))
		for _, m := range view.Members {
			ranks = append(ranks, m.Rank)
		}
		return ranks
	}
}

func serveCmd() *cobra.Command {
	var (
		configFile   string
		nodeID       string
		address      string
		listen       string
		httpAddr     string
		topologyFile string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a group member node",
		Long:  "Joins the group, hosts a replicated counter object, and serves ordered/P2P RPC over gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("serve: load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("id") {
				cfg.GMS.NodeID = nodeID
			}
			if cmd.Flags().Changed("address") {
				cfg.GMS.Address = address
			}
			if cmd.Flags().Changed("listen") {
				cfg.RPC.ListenAddr = listen
			}
			if cmd.Flags().Changed("http") {
				cfg.RPC.HTTPAddr = httpAddr
			}
			if pgDSN != "" {
				cfg.GMS.PostgresDSN = pgDSN
			}
			if redisAddr != "" {
				cfg.GMS.RedisAddr = redisAddr
			}
			if cfg.GMS.NodeID == "" {
				cfg.GMS.NodeID = "node-" + uuid.New().String()
			}
			if cfg.GMS.Address == "" {
				return fmt.Errorf("serve: --address is required (or set via config/env)")
			}

			return runServe(cmd, cfg, topologyFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "path to config file (optional, flags/env override)")
	cmd.Flags().StringVar(&nodeID, "id", "", "this node's group member ID")
	cmd.Flags().StringVar(&address, "address", "", "this node's RPC front-door address, as advertised to peers")
	cmd.Flags().StringVar(&listen, "listen", "", "address to bind the gRPC transport server on")
	cmd.Flags().StringVar(&httpAddr, "http", "", "address to serve /metrics on")
	cmd.Flags().StringVar(&topologyFile, "topology", "", "YAML manifest of seed peers to register at startup (see internal/config.Topology)")
	return cmd
}

func runServe(cmd *cobra.Command, cfg *config.Config, topologyFile string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.SetLevelFromString(cfg.Observability.Logging.Level)
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)

	if err := observability.Init(ctx, observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return fmt.Errorf("serve: init tracing: %w", err)
	}
	defer observability.Shutdown(context.Background())

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}

	var store *gms.Store
	if cfg.GMS.PostgresDSN != "" {
		s, err := gms.NewStore(ctx, cfg.GMS.PostgresDSN)
		if err != nil {
			return fmt.Errorf("serve: open membership store: %w", err)
		}
		defer s.Close()
		store = s
	}

	var notifier *gms.Notifier
	if cfg.GMS.RedisAddr != "" {
		notifier = gms.NewNotifier(redis.NewClient(&redis.Options{Addr: cfg.GMS.RedisAddr}))
	} else {
		notifier = gms.NewNotifier(nil)
	}

	gmsCfg := gms.DefaultConfig(cfg.GMS.NodeID)
	gmsCfg.HeartbeatInterval = cfg.GMS.HeartbeatInterval
	gmsCfg.HealthCheckInterval = cfg.GMS.HealthCheckInterval
	gmsCfg.HeartbeatTimeout = cfg.GMS.HeartbeatTimeout

	reg := gms.NewRegistry(store, notifier, gmsCfg)
	if store != nil {
		if err := reg.SyncFromStore(ctx); err != nil {
			return fmt.Errorf("serve: initial sync from store: %w", err)
		}
	}
	if err := reg.Join(ctx, &gms.Member{ID: cfg.GMS.NodeID, Address: cfg.GMS.Address}); err != nil {
		return fmt.Errorf("serve: join group: %w", err)
	}

	if topologyFile != "" {
		topo, err := config.LoadTopology(topologyFile)
		if err != nil {
			return fmt.Errorf("serve: load topology: %w", err)
		}
		for _, peer := range topo.Peers {
			if peer.ID == cfg.GMS.NodeID {
				continue
			}
			if err := reg.Join(ctx, &gms.Member{ID: peer.ID, Address: peer.Address}); err != nil {
				return fmt.Errorf("serve: register seed peer %s: %w", peer.ID, err)
			}
		}
		logging.Op().Info("serve: registered seed peers from topology", "count", len(topo.Peers), "file", topologyFile)
	}

	go reg.StartHealthChecker(ctx)
	defer reg.Stop()

	selfRank := func() uint32 {
		for _, m := range reg.CurrentView().Members {
			if m.ID == cfg.GMS.NodeID {
				return m.Rank
			}
		}
		return 0
	}

	lg := pl.New(segment.Config{
		MaxLogs:           cfg.Persist.MaxLogs,
		SegmentBytes:      cfg.Persist.SegmentBytes,
		AddressSpaceBytes: cfg.Persist.AddressSpaceBytes,
	})
	obj := replobj.NewObject(counterState{}, lg)

	b := registry.NewBuilder()
	replobj.RegisterMutator(b, "Increment", obj, func(state counterState, args json.RawMessage) (counterState, error) {
		var req struct {
			By int `json:"by"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return state, err
		}
		state.Value += req.By
		return state, nil
	})
	methodRegistry, err := b.Build()
	if err != nil {
		return fmt.Errorf("serve: build method registry: %w", err)
	}

	transport := rpcserver.NewGRPCTransport(selfRank(), registryBook{reg: reg}, registryMembers(reg))
	defer transport.Close()

	d := dispatch.New(selfRank(), 0, transport, methodRegistry)
	adaptor := viewadapt.New(cfg.GMS.NodeID, d)
	reg.OnViewChange(func(prev, next *gms.View) {
		adaptor.OnViewChange(prev, next)
	})

	server := rpcserver.NewServer(transport.Receiver())
	if err := server.Start(cfg.RPC.ListenAddr); err != nil {
		return fmt.Errorf("serve: start gRPC transport: %w", err)
	}
	defer server.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", server.MetricsHandler())
	mux.Handle("/metrics/groupcast", metrics.PrometheusHandler())
	mux.Handle("/stats", metrics.Global().JSONHandler())
	mux.Handle("/stats/timeseries", metrics.Global().TimeSeriesHandler())
	httpServer := &http.Server{Addr: cfg.RPC.HTTPAddr, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("serve: metrics http server failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logging.Op().Info("serve: node ready", "id", cfg.GMS.NodeID, "rank", selfRank(), "address", cfg.GMS.Address, "listen", cfg.RPC.ListenAddr)
	<-ctx.Done()
	logging.Op().Info("serve: shutting down", "id", cfg.GMS.NodeID)
	return nil
}
