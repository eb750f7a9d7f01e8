package capability

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tributary-ai/switchyard/internal/backends"
	"github.com/tributary-ai/switchyard/internal/types"
)

// Probe timing defaults
const (
	DefaultProbeTimeout = 10 * time.Second
	baseRetryDelay      = 1 * time.Second
	maxRetryDelay       = 30 * time.Second
)

// ProbeStatus tags the outcome of a single capability probe.
type ProbeStatus int

const (
	ProbeAvailable ProbeStatus = iota
	ProbeUnavailable
	ProbeError
)

func (s ProbeStatus) String() string {
	switch s {
	case ProbeAvailable:
		return "available"
	case ProbeUnavailable:
		return "unavailable"
	default:
		return "error"
	}
}

// ProbeResult is the tagged outcome of one probe. Expected negatives are
// values; only unexpected failures carry an error the caller must decide
// about.
type ProbeResult struct {
	Status         ProbeStatus
	Err            *backends.Error
	ResponseTimeMS float64
}

// Available reports whether the probe proved the surface usable.
func (r ProbeResult) Available() bool {
	return r.Status == ProbeAvailable
}

// Detector probes the backend surfaces with minimal requests and records
// what it learns.
type Detector struct {
	targets      []backends.Backend
	cache        *Cache
	probeTimeout time.Duration
	logger       *logrus.Logger

	mu      sync.Mutex
	records map[string]types.CapabilityRecord
}

// NewDetector creates a detector over the given backend surfaces.
func NewDetector(targets []backends.Backend, cache *Cache, probeTimeout time.Duration, logger *logrus.Logger) *Detector {
	if probeTimeout <= 0 {
		probeTimeout = DefaultProbeTimeout
	}
	return &Detector{
		targets:      targets,
		cache:        cache,
		probeTimeout: probeTimeout,
		logger:       logger,
		records:      make(map[string]types.CapabilityRecord),
	}
}

// DetectCapabilities returns the capability map, probing the surfaces when
// forceRefresh is set or the cache has no valid entry. Fresh results are
// cached. The returned error joins unexpected probe errors; expected
// negatives never produce one.
func (d *Detector) DetectCapabilities(ctx context.Context, forceRefresh bool) (map[string]bool, error) {
	if !forceRefresh {
		if caps, ok := d.cache.Get(); ok {
			return caps, nil
		}
	}

	caps, err := d.probeAll(ctx)
	d.cache.Set(caps)
	return caps, err
}

// probeAll runs every capability probe concurrently, each under its own
// timeout. One probe failing never aborts the others.
func (d *Detector) probeAll(ctx context.Context) (map[string]bool, error) {
	correlationID := uuid.NewString()
	ctx = backends.WithCorrelationID(ctx, correlationID)

	results := make([]ProbeResult, len(d.targets))
	g, groupCtx := errgroup.WithContext(ctx)
	for i, target := range d.targets {
		i, target := i, target
		g.Go(func() error {
			results[i] = d.Probe(groupCtx, target)
			return nil
		})
	}
	_ = g.Wait()

	now := time.Now()
	caps := make(map[string]bool, len(d.targets))
	var probeErrs []error

	d.mu.Lock()
	for i, target := range d.targets {
		name := types.CapabilityForBackend(target.Type())
		result := results[i]
		caps[name] = result.Available()

		record := types.CapabilityRecord{
			Available:      result.Available(),
			LastChecked:    now,
			ResponseTimeMS: result.ResponseTimeMS,
		}
		if result.Err != nil {
			record.ErrorMessage = result.Err.Error()
		}
		if result.Status == ProbeError {
			probeErrs = append(probeErrs, result.Err)
		}
		d.records[name] = record
	}
	d.mu.Unlock()

	d.logger.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"capabilities":   caps,
	}).Info("Capability detection completed")

	return caps, errors.Join(probeErrs...)
}

// Probe issues one minimal request and interprets the classified outcome.
// Not-found and feature-disabled answers are expected negatives; a generic
// bad request still proves the surface answered meaningfully.
func (d *Detector) Probe(ctx context.Context, target backends.Backend) ProbeResult {
	probeCtx, cancel := context.WithTimeout(ctx, d.probeTimeout)
	defer cancel()

	start := time.Now()
	err := target.Probe(probeCtx)
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0

	if err == nil {
		return ProbeResult{Status: ProbeAvailable, ResponseTimeMS: elapsed}
	}

	classified, ok := backends.AsError(err)
	if !ok {
		classified = backends.Classify(err, target.Type(), "", "", backends.CorrelationIDFrom(ctx))
	}

	switch {
	case classified.Kind == backends.KindNotFound || classified.Kind == backends.KindFeatureDisabled:
		d.logger.WithFields(logrus.Fields{
			"backend": target.Type(),
			"kind":    classified.Kind,
		}).Info("Probe reported surface unavailable")
		return ProbeResult{Status: ProbeUnavailable, Err: classified, ResponseTimeMS: elapsed}
	case classified.Kind == backends.KindGeneric && classified.HTTPStatus == http.StatusBadRequest:
		// the minimal test payload got rejected, but the surface answered
		return ProbeResult{Status: ProbeAvailable, ResponseTimeMS: elapsed}
	default:
		d.logger.WithError(classified).WithField("backend", target.Type()).Warn("Capability probe failed")
		return ProbeResult{Status: ProbeError, Err: classified, ResponseTimeMS: elapsed}
	}
}

// ValidateStartupCapabilities runs forced detection with bounded retries
// and exponential backoff. When every attempt fails it returns the
// conservative assumption that only the legacy surface works, so startup
// proceeds degraded instead of blocking.
func (d *Detector) ValidateStartupCapabilities(ctx context.Context, attemptTimeout time.Duration, maxRetries int) map[string]bool {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if attemptTimeout <= 0 {
		attemptTimeout = d.probeTimeout
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		caps, err := d.probeAll(attemptCtx)
		cancel()

		if err == nil {
			d.cache.Set(caps)
			return caps
		}

		d.logger.WithError(err).WithFields(logrus.Fields{
			"attempt":     attempt,
			"max_retries": maxRetries,
		}).Warn("Startup capability validation attempt failed")

		if attempt < maxRetries {
			delay := backoffDelay(attempt)
			d.logger.WithField("delay_ms", delay.Milliseconds()).Debug("Retrying capability validation after backoff delay")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				d.logger.Warn("Startup capability validation cancelled")
				return d.conservativeFallback()
			}
		}
	}

	d.logger.Warn("Startup capability validation exhausted retries, assuming legacy surface only")
	return d.conservativeFallback()
}

// conservativeFallback assumes only the legacy surface works and caches
// that verdict so routing and a later background refresh see it.
func (d *Detector) conservativeFallback() map[string]bool {
	caps := map[string]bool{
		types.CapabilityPrimaryAPI: false,
		types.CapabilityLegacyAPI:  true,
	}
	d.cache.Set(caps)
	return caps
}

// BackgroundRefresh re-probes whenever the cache goes stale. It runs until
// the context is cancelled; transient probe errors are logged, never
// propagated.
func (d *Detector) BackgroundRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = d.cache.TTL()
	}

	d.logger.WithField("interval", interval.String()).Info("Background capability refresh started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cache.RefreshIfNeeded(ctx, d.probeAll, d.cache.TTL())
		case <-ctx.Done():
			d.logger.Info("Background capability refresh stopped")
			return
		}
	}
}

// CapabilityStatus returns per-capability diagnostics plus cache age, for
// the health and capabilities endpoints.
func (d *Detector) CapabilityStatus() *types.CapabilityStatus {
	status := &types.CapabilityStatus{
		Capabilities:    make(map[string]types.CapabilityRecord),
		CacheTTLSeconds: int(d.cache.TTL() / time.Second),
		CacheValid:      d.cache.Valid(),
	}

	d.mu.Lock()
	for name, record := range d.records {
		status.Capabilities[name] = record
	}
	d.mu.Unlock()

	if age, ok := d.cache.Age(); ok {
		seconds := age.Seconds()
		status.CacheAgeSeconds = &seconds
	}

	// capabilities known only from the cache still show up, without probe detail
	for name, available := range d.cache.LastKnown() {
		if _, exists := status.Capabilities[name]; !exists {
			status.Capabilities[name] = types.CapabilityRecord{Available: available}
		}
	}

	return status
}

// backoffDelay doubles from the base delay per attempt, capped.
func backoffDelay(attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	delay := time.Duration(float64(baseRetryDelay) * multiplier)
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
