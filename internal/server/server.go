// Package server provides the HTTP and gRPC servers of the group manager.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/limiquantix/groupmanager/internal/anomaly"
	"github.com/limiquantix/groupmanager/internal/config"
	"github.com/limiquantix/groupmanager/internal/estimator"
	"github.com/limiquantix/groupmanager/internal/groupmanager"
	"github.com/limiquantix/groupmanager/internal/metrics"
	"github.com/limiquantix/groupmanager/internal/migration"
	"github.com/limiquantix/groupmanager/internal/monitoring"
	"github.com/limiquantix/groupmanager/internal/repository/etcd"
	"github.com/limiquantix/groupmanager/internal/repository/memory"
	"github.com/limiquantix/groupmanager/internal/repository/postgres"
	"github.com/limiquantix/groupmanager/internal/repository/redis"
	"github.com/limiquantix/groupmanager/internal/services/node"
)

const electionName = "groupmanager"

// NodeRepository is the storage shared by the state machine, the resolver
// and the enforcer.
type NodeRepository interface {
	groupmanager.Repository
	migration.Repository
}

// Server represents the group manager process.
type Server struct {
	config     *config.Config
	logger     *zap.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	mux        *http.ServeMux
	handler    http.Handler
	registry   *prometheus.Registry

	// Infrastructure
	db    *postgres.DB
	cache *redis.Cache
	etcd  *etcd.Client

	nodeRepo NodeRepository

	// Node Daemon connection pool
	daemonPool *node.DaemonPool
	power      *node.PowerController
	watcher    *node.Watcher

	estimator *estimator.Estimator
	metrics   *metrics.Metrics
	enforcer  *migration.Enforcer
	resolver  *anomaly.Resolver
	manager   *groupmanager.Manager

	// Leader election
	leader atomic.Pointer[etcd.Leader]
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithPostgreSQL enables PostgreSQL as the data store.
func WithPostgreSQL(db *postgres.DB) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// WithRedis enables Redis as the monitoring history store and event bus.
func WithRedis(cache *redis.Cache) ServerOption {
	return func(s *Server) {
		s.cache = cache
	}
}

// WithEtcd enables etcd for leader election.
func WithEtcd(client *etcd.Client) ServerOption {
	return func(s *Server) {
		s.etcd = client
	}
}

// WithRegistry sets the Prometheus registry served on /metrics.
func WithRegistry(registry *prometheus.Registry) ServerOption {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithDaemonPool replaces the node daemon connection pool.
func WithDaemonPool(pool *node.DaemonPool) ServerOption {
	return func(s *Server) {
		s.daemonPool = pool
	}
}

// New creates a new server instance.
func New(cfg *config.Config, logger *zap.Logger, opts ...ServerOption) (*Server, error) {
	mux := http.NewServeMux()

	s := &Server{
		config: cfg,
		logger: logger,
		mux:    mux,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	s.initRepositories()

	if err := s.initServices(); err != nil {
		return nil, err
	}

	s.registerRoutes()

	s.handler = s.setupMiddleware(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	s.grpcServer = grpc.NewServer(grpc.UnaryInterceptor(unaryLoggingInterceptor(logger)))
	RegisterMonitoringServer(s.grpcServer, NewMonitoringService(s.manager, logger))

	return s, nil
}

// initRepositories selects the node storage backend.
func (s *Server) initRepositories() {
	if s.db == nil {
		s.logger.Info("Using in-memory node repository")
		s.nodeRepo = memory.NewNodeRepository(s.config.Monitoring.HistoryCapacity)
		return
	}

	var history postgres.HistoryStore
	if s.cache != nil {
		history = s.cache
	} else {
		s.logger.Warn("PostgreSQL without Redis: nodes will carry no monitoring history")
	}
	s.nodeRepo = postgres.NewNodeRepository(s.db, history, s.logger)
}

// initServices wires detection, resolution and enforcement.
func (s *Server) initServices() error {
	var err error
	s.metrics, err = metrics.NewMetrics(s.registry)
	if err != nil {
		return err
	}

	mon := s.config.Monitoring
	s.estimator = estimator.New(mon.HistoryDepth)
	classifier := monitoring.NewClassifier(
		monitoring.NewThresholdCrossingDetector(mon.Thresholds, s.estimator, s.logger),
		monitoring.NewMetricThresholdDetector(mon.MetricThresholds, mon.HistoryDepth),
	)

	if s.daemonPool == nil {
		s.daemonPool = node.NewDaemonPool(s.logger)
	}
	s.power = node.NewPowerController(s.daemonPool, node.PowerConfig{
		WakeTimeout:  s.config.GroupManager.WakeTimeout,
		PollInterval: s.config.GroupManager.WakePollInterval,
	}, s.logger)
	s.watcher = node.NewWatcher(s.daemonPool, s.config.GroupManager.WatchInterval, s.logger)

	s.enforcer = migration.NewEnforcer(s.config.Migration, node.NewDaemon(s.daemonPool), s.nodeRepo, s.metrics, s.logger)

	policies, err := anomaly.BuildPolicies(s.config.Relocation, s.estimator, s.logger)
	if err != nil {
		return fmt.Errorf("failed to build relocation policies: %w", err)
	}
	s.resolver = anomaly.NewResolver(s.nodeRepo, policies, s.estimator, s.enforcer, s.metrics, s.logger)

	s.manager = groupmanager.NewManager(
		s.config.GroupManager,
		s.nodeRepo,
		classifier,
		s.resolver,
		s.power,
		s,
		mon.HistoryDepth,
		s.metrics,
		s.logger,
	)
	s.resolver.SetStateMachine(s.manager)
	if s.cache != nil {
		s.manager.SetPublisher(s.cache)
	}

	s.logger.Info("Group manager services initialized",
		zap.String("overload_policy", string(s.config.Relocation.OverloadPolicy)),
		zap.String("underload_policy", string(s.config.Relocation.UnderloadPolicy)),
		zap.String("overheat_policy", string(s.config.Relocation.OverheatPolicy)),
		zap.Duration("migration_timeout", s.config.Migration.Timeout),
	)
	return nil
}

// registerRoutes sets up HTTP routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/healthz", s.healthHandler) // Kubernetes-style endpoint
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	s.mux.HandleFunc("/api/v1/info", s.infoHandler)
	s.mux.HandleFunc("/api/v1/leader", s.leaderHandler)

	NewNodeHandler(s.manager, s.estimator, s.logger).RegisterRoutes(s.mux)
}

// setupMiddleware configures middleware chain.
func (s *Server) setupMiddleware(handler http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.CORS.AllowedOrigins,
		AllowedMethods:   s.config.CORS.AllowedMethods,
		AllowedHeaders:   s.config.CORS.AllowedHeaders,
		AllowCredentials: s.config.CORS.AllowCredentials,
		MaxAge:           86400, // 24 hours
	})

	handler = corsHandler.Handler(handler)
	handler = s.loggingMiddleware(handler)
	handler = s.recoveryMiddleware(handler)

	return handler
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		// Skip logging for probes and scrapes
		switch r.URL.Path {
		case "/health", "/healthz", "/ready", "/live", "/metrics":
			return
		}

		s.logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// healthHandler returns health status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "groupmanager",
	})
}

// readyHandler returns readiness status.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ready := true
	details := map[string]string{}

	if s.db != nil {
		if err := s.db.Health(ctx); err != nil {
			ready = false
			details["postgres"] = "unhealthy"
		} else {
			details["postgres"] = "healthy"
		}
	}

	if s.cache != nil {
		if err := s.cache.Health(ctx); err != nil {
			ready = false
			details["redis"] = "unhealthy"
		} else {
			details["redis"] = "healthy"
		}
	}

	if s.etcd != nil {
		if err := s.etcd.Health(ctx); err != nil {
			ready = false
			details["etcd"] = "unhealthy"
		} else {
			details["etcd"] = "healthy"
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":      ready,
		"components": details,
	})
}

// liveHandler returns liveness status.
func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"alive": true})
}

// infoHandler returns API information.
func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "groupmanager",
		"api_version": "v1",
		"grpc":        s.config.GRPC.Address(),
		"leader":      s.IsLeader(),
		"daemons":     s.daemonPool.ConnectedNodes(),
		"infrastructure": map[string]bool{
			"postgres": s.db != nil,
			"redis":    s.cache != nil,
			"etcd":     s.etcd != nil,
		},
	})
}

// leaderHandler reports the current group leader.
func (s *Server) leaderHandler(w http.ResponseWriter, r *http.Request) {
	if s.etcd == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"leader":    s.config.GRPC.Address(),
			"is_leader": true,
		})
		return
	}

	value, err := s.etcd.GetLeader(r.Context(), electionName)
	if errors.Is(err, etcd.ErrNoLeader) {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"leader":    value,
		"is_leader": s.IsLeader(),
	})
}

// IsLeader reports whether this instance drives the group. Without etcd the
// instance is always the leader.
func (s *Server) IsLeader() bool {
	if s.etcd == nil {
		return true
	}
	leader := s.leader.Load()
	return leader != nil && leader.IsLeader()
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Manager returns the group manager state machine.
func (s *Server) Manager() *groupmanager.Manager {
	return s.manager
}

// Run starts the HTTP and gRPC servers and the background loops, and blocks
// until ctx is done or one of them fails.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting server",
		zap.String("http", s.config.Server.Address()),
		zap.String("grpc", s.config.GRPC.Address()),
	)

	if s.etcd != nil {
		leader, err := s.etcd.CampaignForLeader(ctx, electionName, s.config.GRPC.Address(), func(isLeader bool) {
			if isLeader {
				s.logger.Info("This instance is now the group leader")
			} else {
				s.logger.Info("This instance is now a follower")
			}
		})
		if err != nil {
			s.logger.Warn("Failed to start leader election", zap.Error(err))
		} else {
			s.leader.Store(leader)
		}
	}

	lis, err := net.Listen("tcp", s.config.GRPC.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.GRPC.Address(), err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.manager.Start(gctx)
		return nil
	})
	g.Go(func() error {
		s.watcher.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutdown signal received")
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Shutting down server...")

	if leader := s.leader.Load(); leader != nil {
		if err := leader.Resign(shutdownCtx); err != nil {
			s.logger.Warn("Failed to resign leadership", zap.Error(err))
		}
	}

	s.grpcServer.GracefulStop()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP shutdown error: %w", err)
	}

	if err := s.daemonPool.Close(); err != nil {
		s.logger.Warn("Failed to close daemon pool", zap.Error(err))
	}
	if s.etcd != nil {
		if err := s.etcd.Close(); err != nil {
			s.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			s.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

// Address returns the server address.
func (s *Server) Address() string {
	return s.config.Server.Address()
}
