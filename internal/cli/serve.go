package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/bridgekeeper/internal/bridge"
	"github.com/roach88/bridgekeeper/internal/chain"
	"github.com/roach88/bridgekeeper/internal/config"
	"github.com/roach88/bridgekeeper/internal/consumer"
	"github.com/roach88/bridgekeeper/internal/httpapi"
	"github.com/roach88/bridgekeeper/internal/ledger"
	"github.com/roach88/bridgekeeper/internal/metrics"
	"github.com/roach88/bridgekeeper/internal/signer"
	"github.com/roach88/bridgekeeper/internal/store"
)

// shutdownTimeout bounds how long in-flight HTTP requests get on shutdown.
const shutdownTimeout = 10 * time.Second

// stalePendingAge is how old a pending request must be at startup to be reported.
const stalePendingAge = time.Minute

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr          string
	KeyFile       string
	PoolsFile     string
	ChainEndpoint string
	NoListener    bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge authority service",
		Long: `Run the bridge authority: the HTTP API, the chain event consumer and,
when BRIDGE_CHAIN_ENDPOINT is set, the ZeroMQ chain subscriber.

The authority key is read from BURN_PROOF_AUTHORITY_SECRET_KEY (a JSON array
of 64 or 32 byte values) or --key-file. The service refuses to start without
valid key material. SIGINT or SIGTERM shuts it down; an event being processed
finishes first.

Example:
  bridged serve --db ./bridge.db --addr :3000
  bridged serve --key-file ./authority.json --pools ./pools.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (default $BRIDGE_HTTP_ADDR or :3000)")
	cmd.Flags().StringVar(&opts.KeyFile, "key-file", "", "file holding the authority key (overrides the environment)")
	cmd.Flags().StringVar(&opts.PoolsFile, "pools", "", "YAML file of pool ceilings applied at startup")
	cmd.Flags().StringVar(&opts.ChainEndpoint, "chain-endpoint", "", "ZeroMQ endpoint of the chain collaborator")
	cmd.Flags().BoolVar(&opts.NoListener, "no-listener", false, "do not start the chain event consumer")

	return cmd
}

func (o *ServeOptions) config() (config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return config.Config{}, err
	}
	if o.Addr != "" {
		cfg.HTTPAddr = o.Addr
	}
	if o.PoolsFile != "" {
		cfg.PoolsFile = o.PoolsFile
	}
	if o.ChainEndpoint != "" {
		cfg.ChainEndpoint = o.ChainEndpoint
	}
	if o.NoListener {
		cfg.StartEventListener = false
	}
	return cfg, nil
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.config()
	if err != nil {
		return err
	}

	logger, err := opts.newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid log level", err)
	}
	slog.SetDefault(logger)

	sgn, err := loadSigner(opts.KeyFile, cfg.SecretKey)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, sgn, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	ln, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}

	if err := svc.run(ctx, ln); err != nil {
		return WrapExitError(ExitFailure, "service stopped", err)
	}
	return nil
}

// service is the assembled bridge authority.
type service struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *store.Store
	signer   *signer.Signer
	registry *prometheus.Registry
	consumer *consumer.Consumer // nil when the listener is disabled
	api      *httpapi.Server
}

func newService(ctx context.Context, cfg config.Config, sgn *signer.Signer, logger *slog.Logger) (*service, error) {
	address, err := sgn.Address()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "authority key not loaded", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	if cfg.PoolsFile != "" {
		pools, err := config.LoadPools(cfg.PoolsFile)
		if err == nil {
			err = config.ApplyPools(ctx, ledger.New(st.DB()), pools)
		}
		if err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to apply pool ceilings", err)
		}
		logger.Info("pool ceilings applied", "file", cfg.PoolsFile, "pools", len(pools))
	}

	stale, err := ledger.New(st.DB()).StalePending(ctx, time.Now().Add(-stalePendingAge))
	if err != nil {
		st.Close()
		return nil, WrapExitError(ExitCommandError, "failed to read pending requests", err)
	}
	for _, req := range stale {
		logger.Warn("bridge request debited but never marked issued",
			"request_id", req.ID,
			"holder", req.Holder,
			"asset", req.Asset,
			"amount", req.Amount,
		)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	svc := &service{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		signer:   sgn,
		registry: reg,
	}

	authority := bridge.NewAuthority(st, sgn,
		bridge.WithMetrics(m),
		bridge.WithLogger(logger),
	)

	apiOpts := []httpapi.Option{
		httpapi.WithIdentity(sgn.Address),
		httpapi.WithGatherer(reg),
		httpapi.WithRequestTimeout(cfg.RequestTimeout),
		httpapi.WithLogger(logger),
	}
	if cfg.StartEventListener {
		svc.consumer = consumer.New(st,
			consumer.WithDefaultCeiling(cfg.DefaultPoolCeiling),
			consumer.WithMaxAttempts(cfg.EventMaxAttempts),
			consumer.WithMetrics(m),
			consumer.WithLogger(logger),
		)
		apiOpts = append(apiOpts, httpapi.WithEventSink(svc.consumer.Sink()))
	}
	svc.api = httpapi.New(authority, st, apiOpts...)

	logger.Info("burn proof authority loaded",
		"address", address,
		"db", cfg.DBPath,
		"event_listener", cfg.StartEventListener,
	)
	return svc, nil
}

// run serves HTTP on ln and runs the consumer and subscriber until ctx is
// cancelled or the server or consumer fails.
func (s *service) run(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.consumer != nil {
		g.Go(func() error {
			if err := s.consumer.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("event consumer: %w", err)
			}
			return nil
		})

		if s.cfg.ChainEndpoint != "" {
			sub := chain.NewSubscriber(s.cfg.ChainEndpoint, s.cfg.ChainTopic, s.logger,
				chain.WithDialWindow(s.cfg.ChainDialWindow))
			// Losing the chain link stops only the subscription; bridge-out and
			// the webhook keep serving.
			g.Go(func() error {
				if err := sub.Run(gctx, s.consumer.Sink()); err != nil {
					s.logger.Error("chain subscriber stopped", "endpoint", s.cfg.ChainEndpoint, "error", err)
				}
				return nil
			})
		}
	}

	srv := &http.Server{
		Handler:           s.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *service) Close() error {
	return s.store.Close()
}
