package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeHTTP runs the HTTP server.
	ServiceModeHTTP ServiceMode = "http"
	// ServiceModeRelay runs the queue relay that drives worker invocations.
	ServiceModeRelay ServiceMode = "relay"
	// ServiceModeSweeper runs the sweeper for stale job recovery and cleanup.
	ServiceModeSweeper ServiceMode = "sweeper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{
		ServiceModeHTTP,
		ServiceModeRelay,
		ServiceModeSweeper,
	}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	parts := strings.Split(servicesStr, ",")
	for _, part := range parts {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeHTTP, ServiceModeRelay, ServiceModeSweeper:
			services[mode] = true
		default:
			return nil, fmt.Errorf(
				"invalid service name: %q (valid options: http, relay, sweeper)",
				serviceName,
			)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// DispatchConfig contains queue provisioning and submission configuration.
type DispatchConfig struct {
	// QueuePrefix is prepended to the normalized domain to form queue names.
	QueuePrefix string `env:"DISPATCH_QUEUE_PREFIX" envDefault:"scrape-jobs-"`

	// WorkerTarget is the endpoint the scrape worker fleet exposes. It is
	// carried in every dispatch payload so the relay knows where to deliver.
	WorkerTarget string `env:"DISPATCH_WORKER_TARGET" envDefault:"http://localhost:9090/scrape"`

	// Identity names the execution identity workers assume when running a
	// job. Payloads carry the name only, never credentials.
	Identity string `env:"DISPATCH_IDENTITY" envDefault:"scrapehub-dispatch"`
}

// Sanitize applies guardrails to dispatch configuration values.
func (d *DispatchConfig) Sanitize() {
	d.QueuePrefix = strings.TrimSpace(d.QueuePrefix)
	if d.QueuePrefix == "" {
		d.QueuePrefix = "scrape-jobs-"
	}
	d.WorkerTarget = strings.TrimSpace(d.WorkerTarget)
	if d.Identity = strings.TrimSpace(d.Identity); d.Identity == "" {
		d.Identity = "scrapehub-dispatch"
	}
}

// IdentityConfig contains the OIDC client-credentials settings the relay uses
// to authenticate worker invocations. An empty Issuer disables authentication
// and the relay calls workers anonymously.
type IdentityConfig struct {
	Issuer       string   `env:"ISSUER"`
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	Scopes       []string `env:"SCOPES"        envSeparator:","`
}

// Enabled returns true when the relay should fetch bearer tokens.
func (i *IdentityConfig) Enabled() bool {
	return i.Issuer != ""
}

// RelayConfig contains queue relay service configuration.
type RelayConfig struct {
	// Concurrency is the number of consumer goroutines reading deliveries.
	// Each goroutine reads across every provisioned queue.
	Concurrency int `env:"RELAY_CONCURRENCY" envDefault:"2"`

	// BatchSize is the maximum number of deliveries fetched per read.
	BatchSize int `env:"RELAY_BATCH_SIZE" envDefault:"10"`

	// Block is how long a read waits for new deliveries before returning empty.
	Block time.Duration `env:"RELAY_BLOCK" envDefault:"5s"`

	// MinIdle is how long a delivery must sit unacknowledged before another
	// consumer may take it over.
	MinIdle time.Duration `env:"RELAY_MIN_IDLE" envDefault:"30s"`

	// RequestTimeout bounds a single worker invocation HTTP call.
	RequestTimeout time.Duration `env:"RELAY_REQUEST_TIMEOUT" envDefault:"30s"`

	// QueueRefresh is how often the relay re-discovers provisioned queues.
	QueueRefresh time.Duration `env:"RELAY_QUEUE_REFRESH" envDefault:"30s"`

	// Identity configures OIDC client credentials for worker calls.
	Identity IdentityConfig `envPrefix:"RELAY_IDENTITY_"`
}

// Sanitize applies guardrails to relay configuration values.
func (r *RelayConfig) Sanitize() {
	if r.Concurrency < 1 {
		r.Concurrency = 1
	}
	if r.BatchSize < 1 {
		r.BatchSize = 1
	}
	if r.BatchSize > 1000 {
		r.BatchSize = 1000
	}
	if r.Block < time.Second {
		r.Block = time.Second
	}
	if r.MinIdle < 5*time.Second {
		r.MinIdle = 5 * time.Second
	}
	if r.RequestTimeout < time.Second {
		r.RequestTimeout = time.Second
	}
	if r.QueueRefresh < 5*time.Second {
		r.QueueRefresh = 5 * time.Second
	}
}

// SweeperConfig contains sweeper service configuration.
type SweeperConfig struct {
	// Interval is the sweeper tick interval.
	Interval time.Duration `env:"SWEEPER_INTERVAL" envDefault:"1m"`

	// StaleAge is how long a job may sit QUEUED before the sweeper
	// re-submits it to its queue.
	StaleAge time.Duration `env:"SWEEPER_STALE_AGE" envDefault:"10m"`

	// GiveUpAge is how long a job may sit QUEUED before the sweeper stops
	// re-submitting and marks it FAILED.
	GiveUpAge time.Duration `env:"SWEEPER_GIVE_UP_AGE" envDefault:"24h"`

	// CompletedMaxAge is the maximum age for completed jobs before deletion.
	CompletedMaxAge time.Duration `env:"SWEEPER_COMPLETED_MAX_AGE" envDefault:"168h"` // 7 days

	// FailedMaxAge is the maximum age for failed jobs before deletion.
	FailedMaxAge time.Duration `env:"SWEEPER_FAILED_MAX_AGE" envDefault:"168h"` // 7 days

	// RedriveBatch is the maximum number of stale jobs re-submitted per tick.
	// Each re-submission is a queue round trip, so this stays small.
	RedriveBatch int `env:"SWEEPER_REDRIVE_BATCH" envDefault:"100"`

	// BatchSize is the maximum number of rows to process per cleanup operation.
	// Batching prevents long locks and I/O spikes on large tables.
	BatchSize int `env:"SWEEPER_BATCH_SIZE" envDefault:"1000"`
}

// Sanitize applies guardrails to sweeper configuration values.
func (s *SweeperConfig) Sanitize() {
	// Enforce minimum intervals to prevent excessive database load
	if s.Interval < 30*time.Second {
		s.Interval = 30 * time.Second
	}
	if s.StaleAge < time.Minute {
		s.StaleAge = time.Minute
	}
	if s.GiveUpAge < time.Hour {
		s.GiveUpAge = time.Hour
	}
	if s.GiveUpAge <= s.StaleAge {
		s.GiveUpAge = s.StaleAge + time.Hour
	}
	if s.CompletedMaxAge < time.Hour {
		s.CompletedMaxAge = time.Hour
	}
	if s.FailedMaxAge < time.Hour {
		s.FailedMaxAge = time.Hour
	}

	// Enforce batch size bounds to prevent excessive locks or inefficiency
	if s.RedriveBatch < 1 {
		s.RedriveBatch = 1
	}
	if s.RedriveBatch > 1000 {
		s.RedriveBatch = 1000
	}
	if s.BatchSize < 1 {
		s.BatchSize = 1
	}
	if s.BatchSize > 10000 {
		s.BatchSize = 10000
	}
}
