package main

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/solswap/execution-engine/discovery"
	"github.com/solswap/execution-engine/discovery/consul"
	"github.com/solswap/execution-engine/logger"
	"github.com/solswap/execution-engine/metrics"
)

type App struct {
	registry      discovery.Registry
	registration  *ServiceRegistration
	httpServer    *http.Server
	store         OrderStore
	resources     *ResourceManager
	pushRegistry  *PushRegistry
	lifecycle     *OrderLifecycle
	config        Config
	logger        *slog.Logger
	httpMetrics   *metrics.HTTPMetrics
	engineMetrics *metrics.EngineMetrics
}

type Config struct {
	ServiceName           string
	InstanceID            string
	Host                  string
	Port                  string
	ConsulAddr            string
	AMQPUrl               string
	QueueMaxConcurrency   int
	QueueRatePerMinute    int
	WSWorkerConcurrency   int
	WSWorkerRatePerMinute int
	IdleTimeout           time.Duration
}

func (c Config) httpAddr() string {
	return c.Host + ":" + c.Port
}

func NewApp(config Config, store OrderStore) (*App, error) {
	log := logger.NewLogger(config.ServiceName)

	registry, err := createRegistry(config.ConsulAddr, log)
	if err != nil {
		return nil, err
	}

	httpMetrics := metrics.NewHTTPMetrics(config.ServiceName)
	engineMetrics := metrics.NewEngineMetrics(config.ServiceName)

	pushRegistry := NewPushRegistry(log, engineMetrics)

	resources := NewResourceManager(ResourceConfig{
		AMQPUrl:               config.AMQPUrl,
		IdleTimeout:           config.IdleTimeout,
		ExecConcurrency:       config.QueueMaxConcurrency,
		ExecRatePerMinute:     config.QueueRatePerMinute,
		DeliveryConcurrency:   config.WSWorkerConcurrency,
		DeliveryRatePerMinute: config.WSWorkerRatePerMinute,
	}, pushRegistry, log, engineMetrics)

	// The publisher reads the resource manager through ScopeLookup only;
	// the manager in turn gets the lifecycle as its executor once the
	// publish path exists. No component holds the full graph.
	publisher := NewEventPublisher(resources, log, engineMetrics)
	router := NewSimulatedRouter(log)
	chain := NewSimulatedChain(log)
	lifecycle := NewOrderLifecycle(store, router, chain, publisher, log, engineMetrics)
	resources.SetExecutor(lifecycle)

	return &App{
		registry:      registry,
		store:         store,
		resources:     resources,
		pushRegistry:  pushRegistry,
		lifecycle:     lifecycle,
		config:        config,
		logger:        log,
		httpMetrics:   httpMetrics,
		engineMetrics: engineMetrics,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	// 1. Register with service discovery when configured
	if a.registry != nil {
		registration, err := RegisterService(
			ctx,
			a.registry,
			a.config.InstanceID,
			a.config.ServiceName,
			a.config.httpAddr(),
			a.logger,
		)
		if err != nil {
			return err
		}
		a.registration = registration
	}

	// 2. Setup HTTP surface
	mux := http.NewServeMux()
	handler := NewHandler(a.store, a.resources, a.pushRegistry, a.logger, a.engineMetrics)
	handler.registerRoutes(mux)

	// Prometheus scraping endpoint
	mux.Handle("GET /metrics", promhttp.Handler())

	metricsHandler := a.metricsMiddleware(mux)
	corsHandler := a.corsMiddleware(metricsHandler)

	a.httpServer = &http.Server{
		Addr:    a.config.httpAddr(),
		Handler: corsHandler,
	}

	a.logger.Info("starting http server", slog.String("addr", a.config.httpAddr()))
	return a.httpServer.ListenAndServe()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down gracefully")

	// Stop accepting requests first, then drop subscribers and the
	// per-order scopes behind them
	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Error("http server shutdown error", slog.Any("error", err))
		}
	}

	a.pushRegistry.CloseAll()
	a.resources.Shutdown(ctx)

	if a.registration != nil {
		return a.registration.Deregister(ctx)
	}
	return nil
}

func createRegistry(addr string, log *slog.Logger) (discovery.Registry, error) {
	if addr == "" {
		log.Info("consul address not provided, service discovery disabled")
		return nil, nil
	}
	return consul.NewRegistry(addr)
}

// metricsMiddleware wraps HTTP handlers to record Prometheus metrics
func (a *App) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Don't record metrics for /metrics endpoint itself
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		recorder := &responseRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(recorder, r)

		duration := time.Since(start)
		status := strconv.Itoa(recorder.statusCode)
		a.httpMetrics.RecordHTTPRequest(r.Method, r.URL.Path, status, duration)
	})
}

// responseRecorder wraps http.ResponseWriter to capture status code
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *responseRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// corsMiddleware adds CORS headers for dashboard communication
func (a *App) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		// Handle preflight OPTIONS request
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
