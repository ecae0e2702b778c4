package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/arbiterlab/arbiter/internal/api"
	"github.com/arbiterlab/arbiter/internal/arm"
	"github.com/arbiterlab/arbiter/internal/backpressure"
	"github.com/arbiterlab/arbiter/internal/bandit"
	"github.com/arbiterlab/arbiter/internal/breaker"
	"github.com/arbiterlab/arbiter/internal/config"
	"github.com/arbiterlab/arbiter/internal/feature"
	"github.com/arbiterlab/arbiter/internal/metrics"
	"github.com/arbiterlab/arbiter/internal/prior"
	"github.com/arbiterlab/arbiter/internal/router"
	"github.com/arbiterlab/arbiter/internal/semcache"
	"github.com/arbiterlab/arbiter/internal/store"
	"github.com/arbiterlab/arbiter/pkg/otel"
)

type Server struct {
	engine  *router.Engine
	limiter *rate.Limiter
	log     *logrus.Logger

	metricsAuth struct {
		enabled  bool
		user     string
		password string
	}
}

func main() {
	configPath := flag.String("config", getEnv("ARBITER_CONFIG", ""), "path to YAML config")
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if level, err := logrus.ParseLevel(cfg.Server.LogLevel); err == nil {
		log.SetLevel(level)
	}

	// Tracing
	var tp interface {
		Shutdown(context.Context) error
	}
	if cfg.Otel.Enabled {
		otelCfg := otel.DefaultConfig(cfg.Otel.ServiceName)
		if cfg.Otel.Endpoint != "" {
			otelCfg.CollectorEndpoint = cfg.Otel.Endpoint
		}
		if cfg.Otel.SampleRatio > 0 {
			otelCfg.SamplingRate = cfg.Otel.SampleRatio
		}
		provider, err := otel.InitTracer(context.Background(), otelCfg)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		tp = provider
	}

	// Arm registry
	registry := arm.NewRegistry()
	for _, ac := range cfg.Arms {
		a := &arm.Arm{
			ID:       ac.ID,
			Family:   ac.Family,
			Provider: ac.Provider,
			Model:    ac.Model,
			Endpoint: ac.Endpoint,
			Active:   ac.Active == nil || *ac.Active,
		}
		if err := registry.Register(a); err != nil {
			log.Fatalf("Failed to register arm %s: %v", ac.ID, err)
		}
	}

	// Cold-start priors
	var priors *prior.Provider
	if cfg.Priors.Path != "" {
		priors, err = prior.Load(cfg.Priors.Path, registry.Families())
		if err != nil {
			log.Fatalf("Failed to load benchmark table: %v", err)
		}
	} else {
		priors = prior.NewProvider(cfg.Priors.Table, registry.Families())
	}

	// Semantic cache
	var backend semcache.Backend
	switch cfg.Cache.Backend {
	case "memory":
		backend, err = semcache.NewMemoryBackend(cfg.Cache.Size, cfg.Cache.MaxPerBucket)
		if err != nil {
			log.Fatalf("Failed to create memory cache: %v", err)
		}
	case "redis":
		backend, err = semcache.NewRedisBackend(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.TTL)
		if err != nil {
			log.Fatalf("Failed to create Redis cache: %v", err)
		}
	default:
		log.Fatalf("Unknown cache backend: %s", cfg.Cache.Backend)
	}
	cache, err := semcache.New(backend, cfg.Cache.Threshold, cfg.Cache.TTL, cfg.Cache.FallbackSize, log)
	if err != nil {
		log.Fatalf("Failed to create semantic cache: %v", err)
	}
	cache.StartSweeper(cfg.Cache.SweepInterval)

	// Persistence
	var snapStore store.Store
	switch cfg.Store.Backend {
	case "memory":
		snapStore = store.NewMemoryStore(cfg.Store.Path)
	case "redis":
		snapStore, err = store.NewRedisStore(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		if err != nil {
			log.Fatalf("Failed to create Redis store: %v", err)
		}
	case "postgres":
		snapStore, err = store.NewPostgresStore(cfg.Store.PostgresConn)
		if err != nil {
			log.Fatalf("Failed to create Postgres store: %v", err)
		}
	default:
		log.Fatalf("Unknown store backend: %s", cfg.Store.Backend)
	}

	// Learned state
	banditRouter := bandit.New(bandit.Config{
		Alpha:           cfg.Bandit.Alpha,
		MinObservations: cfg.Bandit.MinObservations,
		Dim:             api.FeatureDim,
	}, cfg.Bandit.RewardWeights, priors)

	// Health and admission
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Window:           cfg.Breaker.Window,
		WindowDuration:   cfg.Breaker.WindowDuration,
		CoolDown:         cfg.Breaker.CoolDown,
		MinSamples:       cfg.Breaker.MinSamples,
	})
	load := backpressure.NewLoadEstimator(cfg.Backpressure.Capacity)
	coordinator := backpressure.NewCoordinator(backpressure.Config{
		OpenCircuitThreshold: cfg.Backpressure.OpenCircuitThreshold,
		LoadThreshold:        cfg.Backpressure.LoadThreshold,
		WarningFraction:      cfg.Backpressure.WarningFraction,
		MinDwell:             cfg.Backpressure.MinDwell,
	}, breakers, load)

	m := metrics.New(prometheus.DefaultRegisterer)

	engine, err := router.New(router.Config{
		RewardWeights:      cfg.Bandit.RewardWeights,
		NormCostUSD:        cfg.Bandit.NormCostUSD,
		NormLatencySeconds: cfg.Bandit.NormLatencySeconds,
	}, router.Deps{
		Extractor:   feature.NewExtractor(),
		Cache:       cache,
		Bandit:      banditRouter,
		Arms:        registry,
		Breakers:    breakers,
		Coordinator: coordinator,
		Load:        load,
		Metrics:     m,
		Log:         log,
	})
	if err != nil {
		log.Fatalf("Failed to create routing engine: %v", err)
	}

	// Resume from the last snapshot; a missing or broken store means arms
	// start from priors.
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if restored, err := engine.LoadSnapshot(bootCtx, snapStore); err != nil {
		log.WithError(err).Warn("Snapshot load failed, starting from priors")
	} else if restored > 0 {
		log.WithField("arms", restored).Info("Restored learned arm state")
	}
	bootCancel()

	snapCtx, snapCancel := context.WithCancel(context.Background())
	engine.StartSnapshots(snapCtx, snapStore, cfg.Store.SnapshotInterval)

	limiter := rate.NewLimiter(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst)

	srv := &Server{
		engine:  engine,
		limiter: limiter,
		log:     log,
	}
	srv.metricsAuth.enabled = cfg.Server.MetricsUser != ""
	srv.metricsAuth.user = cfg.Server.MetricsUser
	srv.metricsAuth.password = cfg.Server.MetricsPass

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/route", srv.handleRoute)
	mux.HandleFunc("/v1/outcome", srv.handleOutcome)
	mux.HandleFunc("/v1/admission", srv.handleAdmission)
	mux.Handle("/metrics", srv.metricsHandler())
	mux.HandleFunc("/health", srv.handleHealth)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Infof("Starting server on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdown
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown error: %v", err)
	}

	snapCancel()
	if err := engine.SaveSnapshot(ctx, snapStore); err != nil {
		log.Errorf("Final snapshot failed: %v", err)
	}
	if err := snapStore.Close(); err != nil {
		log.Errorf("Error closing snapshot store: %v", err)
	}
	if err := cache.Close(); err != nil {
		log.Errorf("Error closing semantic cache: %v", err)
	}
	if tp != nil {
		if err := tp.Shutdown(ctx); err != nil {
			log.Errorf("Error shutting down tracing: %v", err)
		}
	}

	log.Info("Server stopped")
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	// Admission boundary: load shedding happens before any routing work.
	if dec := s.engine.Admission(); !dec.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSeconds))
		respondJSON(w, http.StatusServiceUnavailable, dec)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var req api.RouteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	decision, err := s.engine.Route(r.Context(), req)
	if err != nil {
		var inputErr *feature.InputError
		switch {
		case errors.As(err, &inputErr):
			http.Error(w, inputErr.Error(), http.StatusBadRequest)
		case errors.Is(err, router.ErrNoEligibleArm):
			http.Error(w, "No eligible arm", http.StatusServiceUnavailable)
		default:
			s.log.WithError(err).Error("Route failed")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, http.StatusOK, decision)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20)) // responses may be large
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var out api.Outcome
	if err := json.Unmarshal(body, &out); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := s.engine.RecordOutcome(r.Context(), out); err != nil {
		if errors.Is(err, router.ErrUnknownOutcome) {
			// Duplicates and expired tickets are acknowledged, not retried.
			w.WriteHeader(http.StatusAccepted)
			return
		}
		s.log.WithError(err).Error("Outcome failed")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdmission(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	dec := s.engine.Admission()
	status := http.StatusOK
	if !dec.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfterSeconds))
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, dec)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sig := s.engine.Signal()
	status := http.StatusOK
	if sig.Severity >= api.SeverityCritical {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, sig)
}

func (s *Server) metricsHandler() http.Handler {
	handler := promhttp.Handler()

	if !s.metricsAuth.enabled {
		return handler
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.metricsAuth.user || pass != s.metricsAuth.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="Metrics"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
