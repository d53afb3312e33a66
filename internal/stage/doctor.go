package stage

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultCacheTTL = 30 * time.Second

// Prober is anything that can report liveness of one remote service.
type Prober interface {
	Name() string
	IsHealthy(ctx context.Context) bool
}

// Report is the result of one pre-flight probe of every service.
type Report struct {
	Services map[string]bool `json:"services"`
	Healthy  int             `json:"healthy"`
	Total    int             `json:"total"`
	AllOK    bool            `json:"all_ok"`
	ProbedAt time.Time       `json:"probed_at"`
}

// Down lists the services that failed their probe, sorted by name.
func (r *Report) Down() []string {
	var down []string
	for name, ok := range r.Services {
		if !ok {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return down
}

// Doctor probes all services in parallel. Its report is diagnostic only.
type Doctor struct {
	probers []Prober
	logger  *slog.Logger
}

func NewDoctor(logger *slog.Logger, probers ...Prober) *Doctor {
	return &Doctor{probers: probers, logger: logger}
}

// Run probes every service and returns a fresh report. It fails only when
// ctx is done before the probes complete.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	results := make([]bool, len(d.probers))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range d.probers {
		g.Go(func() error {
			results[i] = p.IsHealthy(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{
		Services: make(map[string]bool, len(d.probers)),
		Total:    len(d.probers),
		ProbedAt: time.Now(),
	}
	for i, p := range d.probers {
		// several gateways may share one service; any failing probe marks it down
		ok := results[i]
		if prev, seen := report.Services[p.Name()]; seen {
			ok = ok && prev
		}
		report.Services[p.Name()] = ok
	}
	report.Total = len(report.Services)
	for _, ok := range report.Services {
		if ok {
			report.Healthy++
		}
	}
	report.AllOK = report.Healthy == report.Total

	d.logger.Info("doctor probe complete", "healthy", report.Healthy, "total", report.Total, "down", report.Down())
	return report, nil
}

// CachedDoctor wraps a Doctor to cache reports with a configurable TTL.
// This avoids probing every service on each status request.
type CachedDoctor struct {
	doctor *Doctor
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Report
}

// NewCachedDoctor creates a caching wrapper around doctor probes.
func NewCachedDoctor(doctor *Doctor, ttl time.Duration, logger *slog.Logger) *CachedDoctor {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedDoctor{
		doctor: doctor,
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the cached report if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Report, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		report := d.cached
		d.mu.RUnlock()
		return report, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

func (d *CachedDoctor) Peek() *Report {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh forces a new probe regardless of cache freshness.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Report, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	report, err := d.doctor.Run(ctx)
	if err != nil {
		d.logger.Warn("doctor probe failed", "error", err)
		// Return stale cache if available
		if d.cached != nil {
			d.logger.Info("returning stale doctor report")
			return d.cached, nil
		}
		return nil, err
	}

	d.cached = report
	return report, nil
}

