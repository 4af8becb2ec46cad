package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-proxy/internal/api"
	"github.com/JakeFAU/render-proxy/internal/clock/system"
	"github.com/JakeFAU/render-proxy/internal/config"
	"github.com/JakeFAU/render-proxy/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/render-proxy/internal/fetcher/colly"
	"github.com/JakeFAU/render-proxy/internal/fetcher/headless"
	rodfetcher "github.com/JakeFAU/render-proxy/internal/fetcher/rod"
	"github.com/JakeFAU/render-proxy/internal/id/uuid"
	"github.com/JakeFAU/render-proxy/internal/logging"
	"github.com/JakeFAU/render-proxy/internal/metrics"
	"github.com/JakeFAU/render-proxy/internal/proxy"
	queueMemory "github.com/JakeFAU/render-proxy/internal/queue/memory"
	"github.com/JakeFAU/render-proxy/internal/worker"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP server",
		Long: `Loads configuration, builds the fetch workers for the selected mode and
serves the HTTP API until SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func loadConfig(opts *rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if opts.mode != "" {
		cfg.Fetch.Mode = opts.mode
		if err := cfg.Validate(); err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
	}
	return cfg, nil
}

func runServe(ctx context.Context, opts *rootOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)
	metrics.SetEnabled(cfg.Metrics.Enabled)
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	svc, err := buildService(cfg, logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}
	return svc.serve(ctx, ln)
}

// service holds the wired components for one process.
type service struct {
	cfg     config.Config
	logger  *zap.Logger
	handler http.Handler
	pool    *dispatcher.Dispatcher
	queue   *queueMemory.Queue
}

func buildService(cfg config.Config, logger *zap.Logger) (*service, error) {
	clock := system.New()
	idGen := uuid.New()
	svc := &service{cfg: cfg, logger: logger}

	var dispatch proxy.Dispatcher
	switch cfg.Mode() {
	case proxy.ModeRaw:
		fetcher := collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.Fetch.UserAgent,
			Timeout:      cfg.Fetch.Timeout,
			MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
			MaxRedirects: cfg.Fetch.MaxRedirects,
		}, logger.Named("fetcher.raw"))
		w := worker.New(nil, fetcher, clock, worker.Config{Mode: proxy.ModeRaw}, logger.Named("worker"))
		dispatch = dispatcher.NewInline(w)
	case proxy.ModeRender:
		fetcher, err := buildRenderer(cfg, logger.Named("fetcher.render"))
		if err != nil {
			return nil, err
		}
		queue := queueMemory.NewQueue(cfg.Render.QueueDepth)
		workers := make([]*worker.Worker, 0, cfg.Render.MaxParallel)
		for i := 0; i < cfg.Render.MaxParallel; i++ {
			workers = append(workers, worker.New(
				queue,
				fetcher,
				clock,
				worker.Config{Mode: proxy.ModeRender},
				logger.Named("worker").With(zap.Int("index", i)),
			))
		}
		svc.queue = queue
		svc.pool = dispatcher.New(queue, workers, clock, dispatcher.Config{
			EnqueueTimeout: cfg.Render.QueueTimeout,
		})
		dispatch = svc.pool
	default:
		return nil, fmt.Errorf("unsupported fetch mode %q", cfg.Fetch.Mode)
	}

	svc.handler = api.NewServer(dispatch, idGen, clock, cfg, logger.Named("api")).Handler()
	return svc, nil
}

func buildRenderer(cfg config.Config, logger *zap.Logger) (proxy.Fetcher, error) {
	base := headless.Config{
		UserAgent:         cfg.Fetch.UserAgent,
		BrowserPath:       cfg.Render.BrowserPath,
		LaunchTimeout:     cfg.Render.LaunchTimeout,
		NavigationTimeout: cfg.Render.NavigationTimeout,
		SettleDelay:       cfg.Render.SettleDelay,
		ViewportWidth:     cfg.Render.ViewportWidth,
		ViewportHeight:    cfg.Render.ViewportHeight,
		MaxBodyBytes:      cfg.Fetch.MaxBodyBytes,
	}
	switch cfg.Render.Engine {
	case config.EngineRod:
		f, err := rodfetcher.New(rodfetcher.Config{Config: base, Stealth: cfg.Render.Stealth}, logger)
		if err != nil {
			return nil, fmt.Errorf("init rod renderer: %w", err)
		}
		return f, nil
	default:
		if cfg.Render.Stealth {
			logger.Warn("render.stealth is only supported by the rod engine; ignoring")
		}
		f, err := headless.NewChromedp(base, logger)
		if err != nil {
			return nil, fmt.Errorf("init chromedp renderer: %w", err)
		}
		return f, nil
	}
}

// serve runs the HTTP server on ln until ctx is done, then drains in-flight
// requests before stopping the worker pool.
func (s *service) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.Server.ReadHeaderTimeout,
	}

	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer stopPool()
	poolDone := make(chan struct{})
	if s.pool != nil {
		go func() {
			defer close(poolDone)
			s.logger.Info("worker pool started", zap.Int("workers", s.cfg.Render.MaxParallel))
			s.pool.Run(poolCtx)
		}()
	} else {
		close(poolDone)
	}

	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server started",
			zap.String("addr", ln.Addr().String()),
			zap.String("mode", string(s.cfg.Mode())),
		)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			s.logger.Error("http server error", zap.Error(err))
			runErr = fmt.Errorf("serve http: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
	}
	stopPool()
	if s.queue != nil {
		s.queue.Close()
	}
	<-poolDone
	s.logger.Info("shutdown complete")
	return runErr
}
