package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager runs registered checks concurrently and remembers the last report.
type Manager struct {
	mu       sync.RWMutex
	checkers map[string]Checker
	last     *Report
	timeout  time.Duration
	interval time.Duration
	logger   *zap.Logger
}

// NewManager creates a new health manager
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		checkers: make(map[string]Checker),
		timeout:  5 * time.Second,
		interval: 30 * time.Second,
		logger:   logger.Named("health"),
	}
}

// RegisterChecker adds c, replacing any checker with the same name.
func (m *Manager) RegisterChecker(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[c.Name()]; exists {
		m.logger.Warn("Replacing health checker", zap.String("name", c.Name()))
	}
	m.checkers[c.Name()] = c
	m.logger.Info("Registered health checker", zap.String("name", c.Name()), zap.Bool("critical", c.Critical()))
}

// SetTimeout bounds each individual check.
func (m *Manager) SetTimeout(d time.Duration) {
	if d > 0 {
		m.mu.Lock()
		m.timeout = d
		m.mu.Unlock()
	}
}

// Check runs every checker now and returns the aggregated report.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	timeout := m.timeout
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var g errgroup.Group
	for i, c := range checkers {
		g.Go(func() error {
			results[i] = m.runOne(ctx, c, timeout)
			return nil
		})
	}
	_ = g.Wait()

	report := aggregate(results, time.Now())
	m.mu.Lock()
	m.last = &report
	m.mu.Unlock()
	return report
}

func (m *Manager) runOne(ctx context.Context, c Checker, timeout time.Duration) (res CheckResult) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			res = CheckResult{Status: StatusUnhealthy, Error: fmt.Sprint(r), Message: "check panicked", Timestamp: time.Now()}
		}
		res.Component = c.Name()
		res.Critical = c.Critical()
	}()
	return c.Check(ctx)
}

// aggregate folds component results into a report. A failing critical
// component makes the service unhealthy and not ready; anything else that
// is not healthy only degrades it.
func aggregate(results []CheckResult, now time.Time) Report {
	report := Report{Components: make(map[string]CheckResult, len(results)), Timestamp: now}
	if len(results) == 0 {
		report.Status = StatusUnknown
		return report
	}
	criticalFailures := 0
	for _, r := range results {
		report.Components[r.Component] = r
		report.Summary.Total++
		switch r.Status {
		case StatusHealthy:
			report.Summary.Healthy++
		case StatusDegraded:
			report.Summary.Degraded++
		default:
			report.Summary.Unhealthy++
			if r.Critical {
				criticalFailures++
			}
		}
	}
	switch {
	case criticalFailures > 0:
		report.Status = StatusUnhealthy
	case report.Summary.Degraded+report.Summary.Unhealthy > 0:
		report.Status = StatusDegraded
		report.Ready = true
	default:
		report.Status = StatusHealthy
		report.Ready = true
	}
	return report
}

// Last returns the most recent report, running the checks if none exists.
func (m *Manager) Last(ctx context.Context) Report {
	m.mu.RLock()
	last := m.last
	m.mu.RUnlock()
	if last != nil {
		return *last
	}
	return m.Check(ctx)
}

// Run refreshes the report every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = m.interval
	}
	m.logger.Info("Health manager started", zap.Duration("check_interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var previous CheckStatus = StatusUnknown
	for {
		report := m.Check(ctx)
		if report.Status != previous {
			m.logger.Info("Service health changed",
				zap.String("from", previous.String()),
				zap.String("to", report.Status.String()),
				zap.Int("unhealthy", report.Summary.Unhealthy),
				zap.Int("degraded", report.Summary.Degraded),
			)
			previous = report.Status
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
