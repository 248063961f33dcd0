// Package health runs readiness probes against the service's backing
// dependencies.
package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type CheckResult struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// ProbeRunner evaluates a fixed set of dependency checks with a
// per-check timeout.
type ProbeRunner struct {
	checks  []Check
	timeout time.Duration
}

func NewProbeRunner(timeout time.Duration, checks ...Check) *ProbeRunner {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ProbeRunner{checks: checks, timeout: timeout}
}

// Ready runs every check and reports whether all of them passed.
func (p *ProbeRunner) Ready(ctx context.Context) (bool, []CheckResult) {
	results := make([]CheckResult, 0, len(p.checks))
	ready := true
	for _, check := range p.checks {
		checkCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := check.Probe(checkCtx)
		cancel()
		result := CheckResult{Name: check.Name, Healthy: err == nil}
		if err != nil {
			result.Error = err.Error()
			ready = false
		}
		results = append(results, result)
	}
	return ready, results
}

// DatabaseCheck pings the underlying sql connection of a gorm handle.
func DatabaseCheck(db *gorm.DB) Check {
	return Check{
		Name: "database",
		Probe: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
}

// RedisCheck pings the redis server.
func RedisCheck(client *redis.Client) Check {
	return Check{
		Name: "redis",
		Probe: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}
