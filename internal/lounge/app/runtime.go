// Package app wires the lounge control plane: SQLite store, domain
// services, the timer runner, the housekeeping loops, and the gRPC health
// endpoint.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/netlounge/lounged/internal/lounge/domain/device"
	"github.com/netlounge/lounged/internal/lounge/domain/kiosk"
	"github.com/netlounge/lounged/internal/lounge/domain/ledger"
	"github.com/netlounge/lounged/internal/lounge/domain/outbox"
	"github.com/netlounge/lounged/internal/lounge/domain/scheduler"
	"github.com/netlounge/lounged/internal/lounge/domain/session"
	"github.com/netlounge/lounged/internal/lounge/storage/sqlite"
	"github.com/netlounge/lounged/internal/platform/timeouts"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls lounged startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port             int
	DBPath           string
	PollInterval     time.Duration
	LeaseTTL         time.Duration
	MaxAttempts      int
	RetryBackoff     time.Duration
	ReapInterval     time.Duration
	SweepInterval    time.Duration
	OfflineThreshold time.Duration

	// Verifier checks kiosk login credentials against the external
	// identity system. Left nil, kiosk logins are refused.
	Verifier kiosk.CredentialVerifier
}

const (
	defaultLoungedPort = 8090
	defaultLoungedDB   = "data/lounged.db"
)

// Services bundles the wired domain services sharing one store.
type Services struct {
	Store    *sqlite.Store
	Ledger   *ledger.Service
	Devices  *device.Service
	Outbox   *outbox.Service
	Timers   *scheduler.Service
	Sessions *session.Manager
	Kiosk    *kiosk.Service
	Runner   *scheduler.Runner
}

// Close releases the underlying store.
func (s *Services) Close() error {
	if s == nil || s.Store == nil {
		return nil
	}
	return s.Store.Close()
}

// NewServices opens the store and wires every domain service on top of it.
func NewServices(cfg RuntimeConfig) (*Services, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultLoungedDB
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}

	ledgerService := ledger.NewService(store, nil, nil)
	outboxService := outbox.NewService(store, nil, nil)
	deviceService := device.NewService(store, outboxService, nil, nil)
	timerService := scheduler.NewService(store, nil)

	sessionManager, err := session.NewManager(store, outboxService, timerService, nil, nil)
	if err != nil {
		return nil, closeWith(store, err)
	}

	verifier := cfg.Verifier
	if verifier == nil {
		log.Printf("no credential verifier configured, kiosk logins disabled")
		verifier = kiosk.VerifierFunc(func(context.Context, string, string, string) error {
			return fmt.Errorf("credential verification is not configured")
		})
	}
	kioskService, err := kiosk.NewService(deviceService, sessionManager, outboxService, store, store, verifier, nil)
	if err != nil {
		return nil, closeWith(store, err)
	}

	runner, err := scheduler.NewRunner(store, sessionManager, nil, scheduler.RunnerConfig{
		PollInterval: cfg.PollInterval,
		Lease:        cfg.LeaseTTL,
		MaxAttempts:  cfg.MaxAttempts,
		Backoff:      cfg.RetryBackoff,
	})
	if err != nil {
		return nil, closeWith(store, err)
	}

	return &Services{
		Store:    store,
		Ledger:   ledgerService,
		Devices:  deviceService,
		Outbox:   outboxService,
		Timers:   timerService,
		Sessions: sessionManager,
		Kiosk:    kioskService,
		Runner:   runner,
	}, nil
}

func closeWith(store *sqlite.Store, cause error) error {
	if closeErr := store.Close(); closeErr != nil {
		log.Printf("close sqlite store: %v", closeErr)
	}
	return cause
}

// Run starts the lounged runtime: store, services, background loops, and
// the gRPC health endpoint. It blocks until the context is cancelled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultLoungedPort
	}

	services, err := NewServices(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := services.Close(); closeErr != nil {
			log.Printf("close sqlite store: %v", closeErr)
		}
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on lounged port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	return serve(ctx, services, cfg, listener)
}

func serve(ctx context.Context, services *Services, cfg RuntimeConfig, listener net.Listener) error {
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = timeouts.OutboxReap
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = timeouts.OutboxReap
	}
	if cfg.OfflineThreshold <= 0 {
		cfg.OfflineThreshold = device.DefaultOfflineThreshold
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("lounged.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(timeouts.Shutdown):
			grpcServer.Stop()
		}
		<-serveErr
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		reapLoop(ctx, services.Outbox, cfg.ReapInterval)
	}()
	go func() {
		defer wg.Done()
		sweepLoop(ctx, services.Devices, cfg.SweepInterval, cfg.OfflineThreshold)
	}()
	defer wg.Wait()

	log.Printf("lounged server listening at %v", listener.Addr())
	return services.Runner.Run(ctx)
}

// reapLoop periodically flips lapsed pending commands to expired.
func reapLoop(ctx context.Context, commands *outbox.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := commands.ReapExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("reap expired commands: %v", err)
				}
				continue
			}
			if reaped > 0 {
				log.Printf("reaped %d expired commands", reaped)
			}
		}
	}
}

// sweepLoop periodically marks silent devices offline across all tenants.
func sweepLoop(ctx context.Context, devices *device.Service, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flipped, err := devices.SweepOffline(ctx, "", threshold)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("sweep offline devices: %v", err)
				}
				continue
			}
			for _, record := range flipped {
				log.Printf("device %s marked offline after silent heartbeat", record.PCID)
			}
		}
	}
}
