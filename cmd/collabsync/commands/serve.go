package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"collabtext/internal/bus"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/events"
	"collabtext/internal/room"
	"collabtext/internal/server"
	"collabtext/internal/versions"
)

var (
	serveConfig string
	serveHost   string
	servePort   string
	serveMDNS   bool
)

const shutdownGrace = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Run the WebSocket sync server.

Settings come from the YAML file named by --config or SYNC_CONFIG, then from
the environment (HOST, PORT, REDIS_ADDR, DATABASE_URL), then from flags.
Without REDIS_ADDR rooms are local to this process; without DATABASE_URL the
version history lives in memory.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveConfig, "config", "", "YAML config file (default $SYNC_CONFIG)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Interface to listen on (overrides HOST)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (overrides PORT)")
	serveCmd.Flags().BoolVar(&serveMDNS, "mdns", false, "Advertise the server over mDNS")
}

func loadServeConfig(cmd *cobra.Command) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if serveConfig != "" {
		if cfg, err = config.Load(serveConfig); err != nil {
			return cfg, err
		}
		if err = cfg.ApplyEnv(); err != nil {
			return cfg, err
		}
	} else if cfg, err = config.FromEnv(); err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("host") {
		cfg.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = servePort
	}
	if cmd.Flags().Changed("mdns") {
		cfg.MDNS = serveMDNS
	}
	return cfg, cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return failure("Invalid configuration", err, "Check HOST, PORT and the file named by --config.")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var roomBus room.Bus
	var redisBus *bus.Redis
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		redisBus = bus.NewRedis(rdb, cfg.RedisPrefix)
		defer redisBus.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := redisBus.Ping(pingCtx)
		cancel()
		if err != nil {
			return failure("Cannot reach Redis", err, "Unset REDIS_ADDR to run a single instance.")
		}
		roomBus = redisBus
		glog.Infof("[serve] cross-instance relay via redis %s as %s", cfg.RedisAddr, redisBus.InstanceID())
	}

	rooms := room.NewManager(room.Options{
		Namespace:       "room",
		JoinNoticeDelay: cfg.JoinNoticeDelay,
		Bus:             roomBus,
	})
	docs := room.NewManager(room.Options{
		Namespace:      "document",
		DisableNotices: true,
		Bus:            roomBus,
	})

	store, closeStore, err := openVersionStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return failure("Cannot open version store", err, "Check DATABASE_URL or unset it to keep history in memory.")
	}
	defer closeStore()

	relay := events.NewRelay(docs)
	srv := server.New(server.Options{
		Rooms:      rooms,
		Documents:  docs,
		Relay:      relay,
		Versions:   versions.NewService(store, versions.Options{Notifier: relay}),
		SendBuffer: cfg.SendBuffer,
	})

	if redisBus != nil {
		go func() {
			if err := redisBus.Run(ctx, srv.HandleBus, nil); err != nil && !errors.Is(err, context.Canceled) {
				glog.Errorf("[serve] redis subscription ended: %v", err)
			}
		}()
	}

	if cfg.MDNS {
		ad, err := discovery.Advertise(cfg.MDNSInstance, discovery.DefaultService, cfg.PortNumber())
		if err != nil {
			warning(cmd.ErrOrStderr(), "mDNS advertisement failed: %v", err)
		} else {
			defer ad.Shutdown()
		}
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- httpServer.ListenAndServe() }()
	success(cmd.OutOrStdout(), "Listening on ws://%s/ws", cfg.Addr())

	select {
	case err := <-errc:
		srv.Close()
		return failure("Server stopped", err, "Is another process already bound to "+cfg.Addr()+"?")
	case <-ctx.Done():
	}

	glog.Infof("[serve] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	// hijacked websocket connections are not tracked by Shutdown
	srv.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		glog.Warningf("[serve] shutdown: %v", err)
	}
	return nil
}

func openVersionStore(ctx context.Context, url string) (versions.Store, func(), error) {
	if url == "" {
		glog.Infof("[serve] version history kept in memory")
		return versions.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	store, err := versions.NewPostgresStore(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}
