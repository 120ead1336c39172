package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/worldmodel/internal/api"
	"github.com/banshee-data/worldmodel/internal/bus"
	"github.com/banshee-data/worldmodel/internal/config"
	"github.com/banshee-data/worldmodel/internal/db"
	"github.com/banshee-data/worldmodel/internal/ingest"
	"github.com/banshee-data/worldmodel/internal/monitoring"
	"github.com/banshee-data/worldmodel/internal/network"
	"github.com/banshee-data/worldmodel/internal/ranging"
	"github.com/banshee-data/worldmodel/internal/serialmux"
	"github.com/banshee-data/worldmodel/internal/stream"
	"github.com/banshee-data/worldmodel/internal/tf"
	"github.com/banshee-data/worldmodel/internal/timeutil"
	"github.com/banshee-data/worldmodel/internal/verification"
	"github.com/banshee-data/worldmodel/internal/visualization"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 2 * time.Second

func newServeCommand(opts *globalOptions) *cobra.Command {
	var (
		httpListen string
		grpcListen string
		dbPath     string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the tracker with every configured transport",
		Long: `Run the tracker. The HTTP API and gRPC stream always start; the Redis
bus, UDP listener and serial link start when configured. Objects are
restored from the database on startup.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.HTTPListen = &httpListen
			}
			if cmd.Flags().Changed("grpc-listen") {
				cfg.GRPCListen = &grpcListen
			}
			if cmd.Flags().Changed("db") {
				cfg.DatabasePath = &dbPath
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			svc, err := newService(ctx, cfg)
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&httpListen, "listen", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&grpcListen, "grpc-listen", "localhost:50061", "gRPC listen address")
	cmd.Flags().StringVar(&dbPath, "db", "worldmodel.db", "SQLite database path")
	return cmd
}

// service is one running world model with all of its transports.
type service struct {
	cfg         *config.Config
	buffer      *tf.Buffer
	tracker     *worldmodel.Tracker
	broadcaster *stream.Broadcaster
	db          *db.DB
	store       *db.ObjectStore
	bus         *bus.Client
	serial      serialmux.SerialMuxInterface
	handler     http.Handler
}

// newService opens the database, restores the model and wires the tracker
// to its collaborators and publishers. Nothing is listening yet.
func newService(ctx context.Context, cfg *config.Config) (*service, error) {
	s := &service{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	s.buffer = tf.NewBuffer(tf.BufferConfig{
		CacheTime:   cfg.GetTransformCacheTime(),
		WaitTimeout: cfg.GetTransformTimeout(),
	})
	if static := cfg.StaticTransformMessage(); len(static.Transforms) > 0 {
		if err := s.buffer.Apply(static); err != nil {
			return nil, fmt.Errorf("invalid static transforms: %w", err)
		}
	}

	var err error
	s.db, err = db.NewDB(cfg.GetDatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s.store = db.NewObjectStore(s.db, cfg.GetRecordHistory())

	model := worldmodel.NewObjectModel()
	restored, err := s.store.LoadObjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load objects: %w", err)
	}
	if err := model.Restore(restored); err != nil {
		return nil, fmt.Errorf("failed to restore objects: %w", err)
	}
	if len(restored) > 0 {
		monitoring.Logf("Restored %d objects from %s", len(restored), s.db.Path())
	}

	s.broadcaster = stream.NewBroadcaster(stream.DefaultConfig(), timeutil.RealClock{})
	if err := s.broadcaster.Start(); err != nil {
		return nil, err
	}
	publishers := worldmodel.Publishers{s.broadcaster, s.store}

	if rc := cfg.GetRedis(); rc != nil {
		s.bus, err = bus.NewClient(&redis.Options{Addr: rc.Addr}, rc.Namespace)
		if err != nil {
			return nil, err
		}
		if err := s.bus.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", rc.Addr, err)
		}
		publishers = append(publishers, bus.NewPublisher(s.bus))
	}

	httpClient := &http.Client{Timeout: cfg.GetVerificationTimeout() + time.Second}
	deps := worldmodel.Dependencies{
		Transformer: s.buffer,
		Verifiers:   verification.FromConfig(cfg.VerificationServices, httpClient),
		Publisher:   publishers,
		Clock:       timeutil.RealClock{},
	}
	if url := cfg.GetObstacleServiceURL(); url != "" {
		deps.Ranger = ranging.NewHTTPRanger(url, &http.Client{Timeout: ranging.DefaultTimeout})
	}
	s.tracker = worldmodel.NewTracker(cfg.ToTrackerConfig(), model, deps)
	monitoring.Logf("Tracker in frame %q with verifiers %s", cfg.GetFrameID(), verification.Describe(deps.Verifiers))

	if port := cfg.GetSerialPort(); port != "" {
		sm, err := serialmux.NewRealSerialMux(port, serialmux.PortOptions{BaudRate: cfg.GetSerialBaud()})
		if err != nil {
			return nil, err
		}
		s.serial = sm
	} else {
		s.serial = serialmux.NewDisabledSerialMux()
	}

	mux := api.NewServer(s.tracker,
		api.WithTransformBuffer(s.buffer, cfg.GetPoseFrames()),
		api.WithBroadcaster(s.broadcaster),
	).ServeMux()
	if err := s.db.AttachAdminRoutes(mux); err != nil {
		return nil, err
	}
	s.serial.AttachAdminRoutes(mux)
	visualization.AttachAdminRoutes(mux, s.tracker)
	s.handler = api.LoggingMiddleware(mux)

	ok = true
	return s, nil
}

// dispatcher returns an ingest dispatcher for one transport.
func (s *service) dispatcher(source string) *ingest.Dispatcher {
	return &ingest.Dispatcher{
		Source:     source,
		Tracker:    s.tracker,
		Buffer:     s.buffer,
		PoseFrames: s.cfg.GetPoseFrames(),
	}
}

// Run serves every transport until ctx is cancelled and returns the first
// transport failure, if any.
func (s *service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	fail := func(name string, err error) {
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		monitoring.Logf("%s failed: %v", name, err)
		errOnce.Do(func() { firstErr = fmt.Errorf("%s: %w", name, err) })
		cancel()
	}
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fail(name, fn())
			monitoring.Logf("%s routine terminated", name)
		}()
	}

	goRun("HTTP server", func() error { return s.serveHTTP(ctx) })

	grpcServer := stream.NewGRPCServer(stream.NewServer(s.tracker, s.broadcaster))
	goRun("gRPC server", func() error { return stream.Serve(ctx, grpcServer, s.cfg.GetGRPCListen()) })

	if s.bus != nil {
		sub := bus.NewSubscriber(s.bus, s.dispatcher("Bus"))
		goRun("Redis subscriber", func() error { return sub.Run(ctx, nil) })
	}

	if addr := s.cfg.GetUDPListen(); addr != "" {
		l := network.NewUDPListener(network.UDPListenerConfig{
			Address: addr,
			RcvBuf:  1 << 20,
			Handler: s.dispatcher("UDP"),
		})
		goRun("UDP listener", func() error { return l.Start(ctx) })
	}

	goRun("Serial monitor", func() error { return s.serial.Monitor(ctx) })
	goRun("Serial forwarder", func() error { return serialmux.Forward(ctx, s.serial, s.dispatcher("Serial")) })

	<-ctx.Done()
	// Closing the serial link unblocks its reader.
	if err := s.serial.Close(); err != nil {
		monitoring.Logf("Serial close error: %v", err)
	}
	wg.Wait()
	monitoring.Logf("Graceful shutdown complete")
	return firstErr
}

func (s *service) serveHTTP(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.GetHTTPListen(),
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		monitoring.Logf("HTTP API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			monitoring.Logf("HTTP server force close error: %v", err)
		}
	}
	return nil
}

// Close releases everything newService opened. It is safe on a partially
// built service.
func (s *service) Close() {
	if s.broadcaster != nil {
		s.broadcaster.Stop()
	}
	if s.serial != nil {
		_ = s.serial.Close()
	}
	if s.bus != nil {
		_ = s.bus.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			monitoring.Logf("Database close error: %v", err)
		}
	}
}
