package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-ops/config"
	"mini-ops/discovery"
	"mini-ops/dispatch"
	"mini-ops/fixedserve"
	"mini-ops/middleware"
	"mini-ops/netexec"
	"mini-ops/ops"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the fixed-response server",
	Long: `Start the fixed-response server: bind the configured address through
the socket executor and answer every request on every connection with the
configured response.

Optional facilities, all off by default:
  - metrics:    Prometheus endpoint on metrics.address
  - rate_limit: token-bucket rejection of excess invokes
  - advertise:  etcd instance advertisement with a TTL lease

Examples:
  miniops serve
  miniops serve --config miniops.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, err := cfg.Logging.Build()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		return runServe(cfg, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe wires executor → dispatcher → server and runs until a signal or a
// serve failure.
func runServe(cfg *config.Config, logger *zap.Logger) error {
	exec := netexec.New(netexec.WithLogger(logger.Named("netexec")))
	defer exec.Close()
	reg := ops.NewRegistry(exec.Ops())

	middlewares := []middleware.Middleware{
		middleware.Logging(logger.Named("invoke"), reg),
	}
	var metrics *middleware.DispatchMetrics
	if cfg.Metrics.Address != "" {
		metrics = middleware.NewDispatchMetrics(prometheus.DefaultRegisterer)
		middlewares = append(middlewares, middleware.Metrics(metrics, reg))
		go serveMetrics(cfg.Metrics.Address, logger.Named("metrics"))
	}
	if cfg.RateLimit.PerSecond > 0 {
		middlewares = append(middlewares, middleware.RateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}

	opts := []dispatch.Option{
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithRegistry(reg),
		dispatch.WithMiddleware(middlewares...),
	}
	if metrics != nil {
		opts = append(opts, dispatch.WithMetrics(metrics))
	}
	d := dispatch.New(exec, opts...)

	srv, err := fixedserve.New(d, []byte(cfg.Response), fixedserve.WithLogger(logger.Named("serve")))
	if err != nil {
		return err
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(cfg.Network, cfg.Address) }()

	// Advertise the CONFIGURED address, not the bound one: the config holds
	// the address peers can route to, the way ":4500" locally binds as
	// "[::]:4500" but is advertised with a real host.
	var dir *discovery.Directory
	var inst discovery.Instance
	if cfg.Advertise.Enabled {
		dir, err = discovery.NewDirectory(cfg.Advertise.Endpoints,
			discovery.WithLogger(logger.Named("discovery")))
		if err != nil {
			return err
		}
		defer dir.Close()

		inst = discovery.NewInstance(cfg.Address)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = dir.Advertise(ctx, inst, cfg.Advertise.TTLSeconds)
		cancel()
		if err != nil {
			return err
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		return err
	}

	// Shutdown order: deregister first so clients stop arriving, then drain
	// the server, then tear down the executor, then fail whatever the
	// teardown left pending.
	if dir != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := dir.Deregister(ctx, inst.ID); err != nil {
			logger.Warn("deregister failed", zap.Error(err))
		}
		cancel()
	}
	if err := srv.Shutdown(5 * time.Second); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
	if err := exec.Close(); err != nil {
		logger.Warn("executor close", zap.Error(err))
	}
	d.FailPending(errors.New("server shut down"))
	return nil
}

func serveMetrics(address string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listening", zap.String("addr", address))
	if err := http.ListenAndServe(address, mux); err != nil {
		logger.Warn("metrics server stopped", zap.Error(err))
	}
}
