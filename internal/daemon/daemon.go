package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/fleetmarket/fleetd/internal/buildinfo"
	"github.com/fleetmarket/fleetd/internal/config"
	"github.com/fleetmarket/fleetd/internal/db"
	"github.com/fleetmarket/fleetd/internal/matching"
	"github.com/fleetmarket/fleetd/internal/secrets"
)

const (
	shutdownTimeout = 5 * time.Second
)

// Service wires the control, agent and optional metrics listeners to the
// store and background workers.
type Service struct {
	cfg             config.Config
	store           *db.Store
	controlListener net.Listener
	agentListener   net.Listener
	metricsListener net.Listener
	controlServer   *http.Server
	agentServer     *http.Server
	metricsServer   *http.Server
	sweeper         *LockSweeper
	janitor         *Janitor
}

// Run opens the store, binds listeners, and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logSecretFilePermissions(cfg)
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, store)
	if err != nil {
		_ = store.Close()
		return err
	}
	log.Printf("fleetd: %s", buildinfo.String())
	log.Printf("fleetd: database %s", cfg.DBPath)
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners.
func NewService(cfg config.Config, store *db.Store) (*Service, error) {
	logger := log.Default()
	metrics := NewMetrics()
	errorRedactor.AddValues(cfg.ControlToken, cfg.AgentGatewayToken)

	sealer, err := secrets.NewSealer(cfg.InstanceDetailsAgeRecipients)
	if err != nil {
		return nil, fmt.Errorf("instance details recipients: %w", err)
	}
	var opener *secrets.Opener
	if cfg.InstanceDetailsAgeIdentityPath != "" {
		opener, err = secrets.LoadOpener(cfg.InstanceDetailsAgeIdentityPath)
		if err != nil {
			return nil, fmt.Errorf("instance details identity: %w", err)
		}
	}
	policy := matching.Policy{AllowUnpooledAgents: cfg.AllowUnpooledAgents}
	if policy.AllowUnpooledAgents {
		log.Printf("fleetd: allow_unpooled_agents enabled; agents without a pool see every contract of their owner")
	}

	pools := NewPoolRegistry(store, logger, cfg.AgentOnlineWindow())
	tokens := NewSetupTokenIssuer(store, logger, metrics, SetupTokenConfig{
		DefaultTTL:     cfg.SetupTokenTTL(),
		MaxTTL:         cfg.SetupTokenMaxTTL(),
		LocationPolicy: cfg.LocationPolicy,
	})
	locks := NewLockManager(store, logger, metrics, LockManagerConfig{TTL: cfg.LockTTL(), Policy: policy}).WithSealer(sealer)
	reconciler := NewReconciler(store, logger, metrics, policy)
	sweeper := NewLockSweeper(store, logger, metrics, cfg.SweepInterval())
	janitor, err := NewJanitor(store, logger, metrics, JanitorConfig{
		Schedule:       cfg.JanitorSchedule,
		EventRetention: cfg.EventRetention(),
	})
	if err != nil {
		return nil, err
	}

	controlAuth, err := NewListenerAuth("control", cfg.ControlToken, cfg.ControlAllowCIDRs)
	if err != nil {
		return nil, err
	}
	controlAuth.WithMetrics(metrics)
	controlMux := http.NewServeMux()
	controlMux.Handle("/healthz", healthHandler(store))
	controlMux.HandleFunc("/v1/version", versionHandler)
	NewControlAPI(store, pools, tokens, logger).
		WithOpener(opener).
		WithMetrics(metrics).
		Register(controlMux)

	agentMux := http.NewServeMux()
	agentMux.Handle("/healthz", healthHandler(store))
	agentMux.HandleFunc("/v1/version", versionHandler)
	NewAgentAPI(store, tokens, locks, reconciler, logger).
		WithSetupRateLimiter(NewSetupRateLimiter(cfg.SetupRateLimitQPS, cfg.SetupRateLimitBurst).WithMetrics(metrics)).
		WithHeartbeatInterval(time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second).
		Register(agentMux)
	var agentHandler http.Handler = agentMux
	if cfg.AgentGatewayToken != "" {
		gatewayAuth, err := NewListenerAuth("agent", cfg.AgentGatewayToken, nil)
		if err != nil {
			return nil, err
		}
		agentHandler = gatewayAuth.WithMetrics(metrics).Wrap(agentMux)
	}

	controlListener, err := net.Listen("tcp", cfg.ControlListen)
	if err != nil {
		return nil, fmt.Errorf("listen control %s: %w", cfg.ControlListen, err)
	}
	agentListener, err := net.Listen("tcp", cfg.AgentListen)
	if err != nil {
		_ = controlListener.Close()
		return nil, fmt.Errorf("listen agent %s: %w", cfg.AgentListen, err)
	}
	var metricsListener net.Listener
	var metricsServer *http.Server
	if cfg.MetricsListen != "" {
		metricsListener, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = agentListener.Close()
			_ = controlListener.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/healthz", healthHandler(store))
		metricsMux.Handle("/metrics", metrics.Handler())
		metricsServer = newHTTPServer(metricsMux)
	}

	return &Service{
		cfg:             cfg,
		store:           store,
		controlListener: controlListener,
		agentListener:   agentListener,
		metricsListener: metricsListener,
		controlServer:   newHTTPServer(metrics.InstrumentHandler("control", controlAuth.Wrap(controlMux))),
		agentServer:     newHTTPServer(metrics.InstrumentHandler("agent", agentHandler)),
		metricsServer:   metricsServer,
		sweeper:         sweeper,
		janitor:         janitor,
	}, nil
}

// Serve blocks until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	log.Printf("fleetd: listening on control=%s", s.controlListener.Addr())
	log.Printf("fleetd: listening on agent=%s", s.agentListener.Addr())
	if s.metricsListener != nil {
		log.Printf("fleetd: listening on metrics=%s", s.metricsListener.Addr())
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	s.sweeper.Start(workerCtx)
	if err := s.janitor.Start(workerCtx); err != nil {
		log.Printf("fleetd: janitor disabled: %v", err)
	}

	servers := 2
	errCh := make(chan error, 3)
	go func() { errCh <- s.controlServer.Serve(s.controlListener) }()
	go func() { errCh <- s.agentServer.Serve(s.agentListener) }()
	if s.metricsServer != nil {
		servers++
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error

	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	cancelWorkers()
	s.shutdown()
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.controlServer.Shutdown(ctx)
	_ = s.agentServer.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

// logSecretFilePermissions warns about loosely protected credential files.
// Hard failures are logged too; the operator decides whether to fix them.
func logSecretFilePermissions(cfg config.Config) {
	files := cfg.SecretFiles()
	kinds := make([]string, 0, len(files))
	for kind := range files {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		warn, err := config.CheckSecretFilePermissions(kind, files[kind])
		if err != nil {
			log.Printf("fleetd: warning: %v", err)
			continue
		}
		if warn != "" {
			log.Printf("fleetd: warning: %s", warn)
		}
	}
}

// healthHandler answers probes; it fails while the store is unreachable.
func healthHandler(store *db.Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func versionHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	writeJSON(w, http.StatusOK, buildinfo.Current())
}
