// Package lounged parses lounged command flags and launches the control
// plane runtime.
package lounged

import (
	"context"
	"flag"
	"time"

	"github.com/netlounge/lounged/internal/lounge/app"
	entrypoint "github.com/netlounge/lounged/internal/platform/cmd"
)

// Config holds lounged command configuration.
type Config struct {
	Port             int           `env:"LOUNGED_PORT" envDefault:"8090"`
	DBPath           string        `env:"LOUNGED_DB_PATH" envDefault:"data/lounged.db"`
	PollInterval     time.Duration `env:"LOUNGED_POLL_INTERVAL" envDefault:"2s"`
	LeaseTTL         time.Duration `env:"LOUNGED_LEASE_TTL" envDefault:"2m"`
	MaxAttempts      int           `env:"LOUNGED_MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoff     time.Duration `env:"LOUNGED_RETRY_BACKOFF" envDefault:"5s"`
	ReapInterval     time.Duration `env:"LOUNGED_REAP_INTERVAL" envDefault:"1m"`
	SweepInterval    time.Duration `env:"LOUNGED_SWEEP_INTERVAL" envDefault:"1m"`
	OfflineThreshold time.Duration `env:"LOUNGED_OFFLINE_THRESHOLD" envDefault:"2m"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The lounged health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The lounged SQLite database path")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Session timer poll interval")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Claimed timer processing lease")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum timer callback attempts before dead")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Timer callback retry backoff")
	fs.DurationVar(&cfg.ReapInterval, "reap-interval", cfg.ReapInterval, "Expired command sweep interval")
	fs.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Offline device sweep interval")
	fs.DurationVar(&cfg.OfflineThreshold, "offline-threshold", cfg.OfflineThreshold, "Heartbeat silence before a device is offline")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the lounged runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceLounged, func(context.Context) error {
		return app.Run(ctx, app.RuntimeConfig{
			Port:             cfg.Port,
			DBPath:           cfg.DBPath,
			PollInterval:     cfg.PollInterval,
			LeaseTTL:         cfg.LeaseTTL,
			MaxAttempts:      cfg.MaxAttempts,
			RetryBackoff:     cfg.RetryBackoff,
			ReapInterval:     cfg.ReapInterval,
			SweepInterval:    cfg.SweepInterval,
			OfflineThreshold: cfg.OfflineThreshold,
		})
	})
}
