package monitoring

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ProbeStatus encodes the outcome of a health probe.
type ProbeStatus string

const (
	StatusUp       ProbeStatus = "up"
	StatusDown     ProbeStatus = "down"
	StatusDegraded ProbeStatus = "degraded"
)

const defaultProbeTimeout = 2 * time.Second

// ProbeResult captures a single dependency check outcome.
type ProbeResult struct {
	Component string        `json:"component"`
	Status    ProbeStatus   `json:"status"`
	Details   string        `json:"details,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Report aggregates probe results for a health evaluation.
type Report struct {
	Healthy bool          `json:"healthy"`
	Status  ProbeStatus   `json:"status"`
	Checks  []ProbeResult `json:"checks"`
}

// Check encapsulates a single dependency probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) ProbeResult
}

// Registry holds the configured health checks for the server.
type Registry struct {
	checks []Check
}

// NewRegistry constructs an empty check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a probe. Checks without a name are ignored.
func (r *Registry) Register(check Check) {
	if check.Name == "" || check.Probe == nil {
		return
	}
	r.checks = append(r.checks, check)
}

// Evaluate runs every registered probe and folds the results into one report.
// A single down component marks the whole report down; degraded components
// leave it degraded but not down.
func (r *Registry) Evaluate(ctx context.Context) Report {
	report := Report{
		Healthy: true,
		Status:  StatusUp,
		Checks:  make([]ProbeResult, 0, len(r.checks)),
	}

	for _, check := range r.checks {
		result := runProbe(ctx, check)
		report.Checks = append(report.Checks, result)

		switch result.Status {
		case StatusDown:
			report.Healthy = false
			report.Status = StatusDown
		case StatusDegraded:
			if report.Status != StatusDown {
				report.Healthy = false
				report.Status = StatusDegraded
			}
		}
	}
	return report
}

func runProbe(ctx context.Context, check Check) (result ProbeResult) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			details := "panic recovered"
			switch v := rec.(type) {
			case string:
				details = v
			case error:
				details = v.Error()
			}
			result = ProbeResult{Status: StatusDown, Details: details}
		}
		if result.Status == "" {
			result.Status = StatusDown
		}
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		result.Component = check.Name
	}()

	result = check.Probe(ctx)
	return result
}

// resultFromError converts an error into a ProbeResult. Context cancellation
// counts as degraded rather than down: the dependency may be fine, the probe
// just ran out of time.
func resultFromError(err error, duration time.Duration) ProbeResult {
	if err == nil {
		return ProbeResult{Status: StatusUp, Duration: duration}
	}

	status := StatusDown
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = StatusDegraded
	}
	return ProbeResult{Status: status, Details: err.Error(), Duration: duration}
}

// DatabaseCheck probes the database handle with a bounded ping.
func DatabaseCheck(db *gorm.DB, timeout time.Duration) Check {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	return Check{Name: "database", Probe: func(ctx context.Context) ProbeResult {
		start := time.Now()
		if db == nil {
			return ProbeResult{Status: StatusDown, Details: "database not configured"}
		}

		sqlDB, err := db.DB()
		if err != nil {
			return resultFromError(err, time.Since(start))
		}

		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return resultFromError(sqlDB.PingContext(probeCtx), time.Since(start))
	}}
}

// ConnectionCounter exposes the minimal realtime hub state the probe needs.
type ConnectionCounter interface {
	ActiveConnections() int
}

// HubCheck reports the realtime hub as up together with its connection count.
func HubCheck(hub ConnectionCounter) Check {
	return Check{Name: "realtime", Probe: func(ctx context.Context) ProbeResult {
		start := time.Now()
		if hub == nil {
			return ProbeResult{Status: StatusDegraded, Details: "realtime hub unavailable"}
		}

		count := hub.ActiveConnections()
		if count < 0 {
			return ProbeResult{Status: StatusDegraded, Details: "negative connection count"}
		}

		return ProbeResult{Status: StatusUp, Duration: time.Since(start)}
	}}
}

// ScanObserver exposes the last run of the background license scanner.
type ScanObserver interface {
	LastScan() (time.Time, error)
}

// ScannerCheck flags the scanner as degraded when the last run failed or the
// scan has not run within maxAge. A zero last-run time means the scanner has
// not fired yet, which is fine right after startup.
func ScannerCheck(scanner ScanObserver, maxAge time.Duration) Check {
	return Check{Name: "scanner", Probe: func(ctx context.Context) ProbeResult {
		start := time.Now()
		if scanner == nil {
			return ProbeResult{Status: StatusDegraded, Details: "scanner not running"}
		}

		lastRun, err := scanner.LastScan()
		switch {
		case err != nil:
			return ProbeResult{Status: StatusDegraded, Details: "last scan failed: " + err.Error()}
		case !lastRun.IsZero() && maxAge > 0 && time.Since(lastRun) > maxAge:
			return ProbeResult{Status: StatusDegraded, Details: "stale scan " + lastRun.UTC().Format(time.RFC3339)}
		default:
			return ProbeResult{Status: StatusUp, Duration: time.Since(start)}
		}
	}}
}
