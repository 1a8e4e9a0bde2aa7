package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanko-field/ordercore/internal/domain"
)

const defaultProbeTimeout = 1500 * time.Millisecond

// DependencyCheck probes one backing dependency (order store, ledger, redis, ...).
type DependencyCheck struct {
	Name     string
	Timeout  time.Duration
	Optional bool
	Check    func(context.Context) error
}

// ReadinessOption customises the readiness probe set.
type ReadinessOption func(*readinessProbe)

// WithProbeTimeout overrides the timeout for checks that do not set their own.
func WithProbeTimeout(timeout time.Duration) ReadinessOption {
	return func(p *readinessProbe) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// WithProbeClock injects a clock for tests.
func WithProbeClock(clock func() time.Time) ReadinessOption {
	return func(p *readinessProbe) {
		if clock != nil {
			p.now = clock
		}
	}
}

type readinessProbe struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

var _ HealthRepository = (*readinessProbe)(nil)

// NewReadinessProbe validates checks and returns a HealthRepository running them concurrently.
func NewReadinessProbe(checks []DependencyCheck, opts ...ReadinessOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("readiness: at least one dependency check is required")
	}
	seen := make(map[string]struct{}, len(checks))
	for _, check := range checks {
		name := strings.TrimSpace(check.Name)
		if name == "" {
			return nil, errors.New("readiness: dependency check missing name")
		}
		if check.Check == nil {
			return nil, fmt.Errorf("readiness: dependency %s missing check function", name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("readiness: duplicate dependency %s", name)
		}
		seen[name] = struct{}{}
	}

	probe := &readinessProbe{
		checks:  append([]DependencyCheck(nil), checks...),
		timeout: defaultProbeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(probe)
		}
	}
	return probe, nil
}

func (p *readinessProbe) Collect(ctx context.Context) (domain.HealthReport, error) {
	if ctx == nil {
		return domain.HealthReport{}, errors.New("readiness: context is required")
	}

	var mu sync.Mutex
	results := make(map[string]domain.DependencyStatus, len(p.checks))
	optional := make(map[string]bool, len(p.checks))

	var g errgroup.Group
	for _, check := range p.checks {
		optional[check.Name] = check.Optional
		g.Go(func() error {
			status := p.run(ctx, check)
			mu.Lock()
			results[check.Name] = status
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	overall := domain.HealthStatusOK
	for name, result := range results {
		switch {
		case result.Status == domain.HealthStatusOK:
		case optional[name]:
			if overall == domain.HealthStatusOK {
				overall = domain.HealthStatusDegraded
			}
		default:
			overall = domain.HealthStatusError
		}
	}

	return domain.HealthReport{
		Status:       overall,
		Dependencies: results,
		GeneratedAt:  p.now().UTC(),
	}, nil
}

func (p *readinessProbe) run(ctx context.Context, check DependencyCheck) domain.DependencyStatus {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := p.now()
	err := check.Check(checkCtx)
	end := p.now()

	result := domain.DependencyStatus{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   end.Sub(start),
		LatencyMS: end.Sub(start).Milliseconds(),
		CheckedAt: end.UTC(),
	}
	if err == nil && checkCtx.Err() != nil {
		err = checkCtx.Err()
	}
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		result.Status = domain.HealthStatusError
		result.Detail = "timeout"
	case errors.Is(err, context.Canceled):
		result.Status = domain.HealthStatusError
		result.Detail = "cancelled"
	default:
		result.Status = domain.HealthStatusError
		result.Detail = err.Error()
	}
	return result
}
