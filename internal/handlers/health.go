package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/hanko-field/ordercore/internal/domain"
	"github.com/hanko-field/ordercore/internal/platform/requestctx"
	"github.com/hanko-field/ordercore/internal/services"
)

const defaultReadyTimeout = 5 * time.Second

// HealthHandlers serves liveness and readiness probes.
type HealthHandlers struct {
	system       services.SystemService
	build        services.BuildInfo
	clock        func() time.Time
	readyTimeout time.Duration
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// WithHealthSystemService supplies the service that collects dependency checks for /readyz.
func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
	}
}

// WithHealthBuildInfo sets the build metadata reported by /healthz.
func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) {
		h.build = info
	}
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthReadyTimeout bounds the whole readiness collection.
func WithHealthReadyTimeout(d time.Duration) HealthOption {
	return func(h *HealthHandlers) {
		if d > 0 {
			h.readyTimeout = d
		}
	}
}

// NewHealthHandlers builds probe handlers. Without a system service /readyz reports ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now, readyTimeout: defaultReadyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.system != nil && h.build.Version == "" && h.build.StartedAt.IsZero() {
		h.build = h.system.Build()
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type healthResponse struct {
	Status        domain.HealthStatus                `json:"status"`
	Version       string                             `json:"version,omitempty"`
	CommitSHA     string                             `json:"commitSha,omitempty"`
	Environment   string                             `json:"environment,omitempty"`
	Uptime        string                             `json:"uptime"`
	UptimeSeconds int64                              `json:"uptimeSeconds"`
	Timestamp     time.Time                          `json:"timestamp"`
	Checks        map[string]domain.DependencyStatus `json:"checks,omitempty"`
	Details       []string                           `json:"details,omitempty"`
}

// Healthz reports liveness along with build metadata. It never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	uptime := now.Sub(h.build.StartedAt)
	if uptime < 0 {
		uptime = 0
	}
	writeJSONResponse(w, http.StatusOK, healthResponse{
		Status:        domain.HealthStatusOK,
		Version:       h.build.Version,
		CommitSHA:     h.build.CommitSHA,
		Environment:   h.build.Environment,
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(uptime / time.Second),
		Timestamp:     now,
	})
}

// Readyz runs dependency checks and answers 503 unless every required dependency is ok.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	if h.system == nil {
		writeJSONResponse(w, http.StatusOK, healthResponse{Status: domain.HealthStatusOK, Uptime: "0s", Timestamp: now})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.readyTimeout)
	defer cancel()

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		requestctx.Logger(r.Context()).Warn("readiness check failed", zap.Error(err))
		writeJSONResponse(w, http.StatusServiceUnavailable, healthResponse{
			Status:    domain.HealthStatusError,
			Uptime:    "0s",
			Timestamp: now,
			Details:   []string{"health report unavailable"},
		})
		return
	}

	resp := healthResponse{
		Status:        report.Status,
		Version:       report.Version,
		CommitSHA:     report.CommitSHA,
		Environment:   report.Environment,
		Uptime:        report.Uptime.Truncate(time.Second).String(),
		UptimeSeconds: int64(report.Uptime / time.Second),
		Timestamp:     report.GeneratedAt,
		Checks:        report.Dependencies,
		Details:       failureDetails(report.Dependencies),
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = now
	}

	status := http.StatusOK
	if report.Status != domain.HealthStatusOK {
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, resp)
}

func failureDetails(deps map[string]domain.DependencyStatus) []string {
	var details []string
	for name, dep := range deps {
		if dep.Status == domain.HealthStatusOK {
			continue
		}
		detail := dep.Detail
		if detail == "" {
			detail = string(dep.Status)
		}
		details = append(details, fmt.Sprintf("%s: %s", name, detail))
	}
	sort.Strings(details)
	return details
}
