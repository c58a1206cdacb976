// Package health aggregates readiness checks for the leakguard server.
package health

import (
	"context"
	"sync"
	"time"
)

// CheckFunc returns nil when the dependency is usable.
type CheckFunc func(ctx context.Context) error

type HealthStatus struct {
	Healthy   bool              `json:"healthy"`
	Checks    map[string]string `json:"checks"`
	Issues    []string          `json:"issues,omitempty"`
	CheckedAt time.Time         `json:"checked_at"`
}

type namedCheck struct {
	name string
	fn   CheckFunc
}

// Checker runs registered checks concurrently, each bounded by timeout.
type Checker struct {
	timeout time.Duration
	mu      sync.RWMutex
	checks  []namedCheck
	now     func() time.Time
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Checker{timeout: timeout, now: time.Now}
}

func (c *Checker) Add(name string, fn CheckFunc) {
	c.mu.Lock()
	c.checks = append(c.checks, namedCheck{name: name, fn: fn})
	c.mu.Unlock()
}

func (c *Checker) Check(ctx context.Context) *HealthStatus {
	c.mu.RLock()
	checks := append([]namedCheck(nil), c.checks...)
	c.mu.RUnlock()

	results := make([]error, len(checks))
	var wg sync.WaitGroup
	for i, chk := range checks {
		wg.Add(1)
		go func(i int, chk namedCheck) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			results[i] = chk.fn(cctx)
		}(i, chk)
	}
	wg.Wait()

	status := &HealthStatus{
		Healthy:   true,
		Checks:    make(map[string]string, len(checks)),
		CheckedAt: c.now().UTC(),
	}
	for i, chk := range checks {
		if err := results[i]; err != nil {
			status.Healthy = false
			status.Checks[chk.name] = "fail"
			status.Issues = append(status.Issues, chk.name+": "+err.Error())
			continue
		}
		status.Checks[chk.name] = "ok"
	}
	return status
}
