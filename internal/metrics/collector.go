package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/switchyard/internal/types"
)

// Window and buffer bounds. Rolling data is fixed-capacity with the oldest
// observation evicted first; everything else is monotonic.
const (
	responseWindowSize = 100
	decisionWindowSize = 100
	recentErrorLimit   = 50
)

// Error taxonomy used for aggregate counting.
const (
	ErrorTypeNotFound  = "not_found"
	ErrorTypeRateLimit = "rate_limit"
	ErrorTypeAuth      = "authentication"
	ErrorTypeTimeout   = "timeout"
	ErrorTypeOther     = "other"
)

// ErrorRecord is one entry in the bounded recent-errors buffer.
type ErrorRecord struct {
	Timestamp     time.Time         `json:"timestamp"`
	Backend       types.BackendType `json:"backend"`
	Type          string            `json:"type"`
	Message       string            `json:"message"`
	Code          string            `json:"code,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// Summary is a point-in-time snapshot of every aggregate plus derived
// values.
type Summary struct {
	GeneratedAt      time.Time                 `json:"generated_at"`
	UptimeSeconds    float64                   `json:"uptime_seconds"`
	TotalRequests    int64                     `json:"total_requests"`
	OverallErrorRate float64                   `json:"overall_error_rate"`
	Backends         map[string]BackendSummary `json:"backends"`
	Routing          RoutingSummary            `json:"routing"`
	Errors           ErrorStats                `json:"errors"`
}

// BackendSummary aggregates one backend's request outcomes.
type BackendSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AvgResponseTimeMS  float64 `json:"avg_response_time_ms"`
	UsagePercent       float64 `json:"usage_percent"`
}

// RoutingSummary aggregates decision behavior.
type RoutingSummary struct {
	TotalDecisions     int64            `json:"total_decisions"`
	DecisionsByBackend map[string]int64 `json:"decisions_by_backend"`
	FallbacksUsed      int64            `json:"fallbacks_used"`
	AvgDecisionTimeMS  float64          `json:"avg_decision_time_ms"`
	CacheHitRate       float64          `json:"cache_hit_rate"`
}

// ErrorStats aggregates failures by taxonomy type.
type ErrorStats struct {
	ByType         map[string]int64 `json:"by_type"`
	MostCommonType string           `json:"most_common_type,omitempty"`
	RecentCount    int              `json:"recent_count"`
}

// ErrorWindowSummary re-aggregates the recent-errors buffer over a time
// window.
type ErrorWindowSummary struct {
	WindowHours int              `json:"window_hours"`
	TotalErrors int              `json:"total_errors"`
	ByType      map[string]int64 `json:"by_type"`
	ByBackend   map[string]int64 `json:"by_backend"`
	Errors      []ErrorRecord    `json:"errors"`
}

// Collector is the process-local observability sink. Recording is cheap
// and lock-scoped; persistence failures degrade to logging because losing
// monitoring history is not a functional failure.
type Collector struct {
	path   string
	logger *logrus.Logger

	mu           sync.Mutex
	startedAt    time.Time
	requests     map[types.BackendType]*backendAggregate
	decisions    decisionAggregate
	errorCounts  map[string]int64
	recentErrors []ErrorRecord
}

type backendAggregate struct {
	total         int64
	successful    int64
	failed        int64
	responseTimes *rollingWindow
}

type decisionAggregate struct {
	total      int64
	perBackend map[types.BackendType]int64
	fallbacks  int64
	times      *rollingWindow
	cacheHits  *rollingWindow
}

// NewCollector creates a collector persisting to path. Prior state is
// loaded if the file exists; unreadable sections start fresh without
// aborting the rest of the load.
func NewCollector(path string, logger *logrus.Logger) *Collector {
	c := &Collector{
		path:      path,
		logger:    logger,
		startedAt: time.Now(),
		requests:  make(map[types.BackendType]*backendAggregate),
		decisions: decisionAggregate{
			perBackend: make(map[types.BackendType]int64),
			times:      newRollingWindow(decisionWindowSize),
			cacheHits:  newRollingWindow(decisionWindowSize),
		},
		errorCounts: make(map[string]int64),
	}
	if path != "" {
		c.load()
	}
	return c
}

// RecordRequest records one completed upstream call.
func (c *Collector) RecordRequest(backend types.BackendType, success bool, responseTimeMS float64, errorMessage, errorCode, correlationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	agg := c.requestsLocked(backend)
	agg.total++
	agg.responseTimes.add(responseTimeMS)

	if success {
		agg.successful++
		return
	}

	agg.failed++
	errorType := classifyError(errorMessage, errorCode)
	c.errorCounts[errorType]++
	c.recentErrors = append(c.recentErrors, ErrorRecord{
		Timestamp:     time.Now(),
		Backend:       backend,
		Type:          errorType,
		Message:       errorMessage,
		Code:          errorCode,
		CorrelationID: correlationID,
	})
	if len(c.recentErrors) > recentErrorLimit {
		c.recentErrors = c.recentErrors[len(c.recentErrors)-recentErrorLimit:]
	}
}

// RecordDecision records one routing decision.
func (c *Collector) RecordDecision(backend types.BackendType, decisionTimeMS float64, cacheHit, fallbackUsed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.decisions.total++
	c.decisions.perBackend[backend]++
	c.decisions.times.add(decisionTimeMS)
	if cacheHit {
		c.decisions.cacheHits.add(1)
	} else {
		c.decisions.cacheHits.add(0)
	}
	if fallbackUsed {
		c.decisions.fallbacks++
	}
}

// Summary returns a snapshot of all aggregates.
func (c *Collector) Summary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	summary := &Summary{
		GeneratedAt:   time.Now(),
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
		Backends:      make(map[string]BackendSummary, len(c.requests)),
		Routing: RoutingSummary{
			TotalDecisions:     c.decisions.total,
			DecisionsByBackend: make(map[string]int64, len(c.decisions.perBackend)),
			FallbacksUsed:      c.decisions.fallbacks,
			AvgDecisionTimeMS:  c.decisions.times.average(),
			CacheHitRate:       c.decisions.cacheHits.average(),
		},
		Errors: ErrorStats{
			ByType:      make(map[string]int64, len(c.errorCounts)),
			RecentCount: len(c.recentErrors),
		},
	}

	var totalRequests, totalFailed int64
	for _, agg := range c.requests {
		totalRequests += agg.total
		totalFailed += agg.failed
	}
	summary.TotalRequests = totalRequests
	if totalRequests > 0 {
		summary.OverallErrorRate = float64(totalFailed) / float64(totalRequests)
	}

	for backend, agg := range c.requests {
		bs := BackendSummary{
			TotalRequests:      agg.total,
			SuccessfulRequests: agg.successful,
			FailedRequests:     agg.failed,
			AvgResponseTimeMS:  agg.responseTimes.average(),
		}
		if agg.total > 0 {
			bs.SuccessRate = float64(agg.successful) / float64(agg.total)
		}
		if totalRequests > 0 {
			bs.UsagePercent = float64(agg.total) / float64(totalRequests) * 100
		}
		summary.Backends[backend.String()] = bs
	}

	for backend, count := range c.decisions.perBackend {
		summary.Routing.DecisionsByBackend[backend.String()] = count
	}

	var commonType string
	var commonCount int64
	for errorType, count := range c.errorCounts {
		summary.Errors.ByType[errorType] = count
		if count > commonCount {
			commonType, commonCount = errorType, count
		}
	}
	summary.Errors.MostCommonType = commonType

	return summary
}

// ErrorSummary filters the recent-errors buffer to the last N hours and
// re-aggregates by type and backend.
func (c *Collector) ErrorSummary(hours int) *ErrorWindowSummary {
	if hours <= 0 {
		hours = 24
	}
	cutoff := time.Now().Add(-time.Duration(hours) * time.Hour)

	c.mu.Lock()
	defer c.mu.Unlock()

	summary := &ErrorWindowSummary{
		WindowHours: hours,
		ByType:      make(map[string]int64),
		ByBackend:   make(map[string]int64),
		Errors:      make([]ErrorRecord, 0),
	}
	for _, record := range c.recentErrors {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		summary.TotalErrors++
		summary.ByType[record.Type]++
		summary.ByBackend[record.Backend.String()]++
		summary.Errors = append(summary.Errors, record)
	}
	return summary
}

// Persist writes the full aggregate state to disk.
func (c *Collector) Persist() error {
	if c.path == "" {
		return nil
	}

	c.mu.Lock()
	state := c.persistedStateLocked()
	c.mu.Unlock()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics state: %w", err)
	}
	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metrics state: %w", err)
	}
	return nil
}

// StartAutoPersist flushes on an interval until the context is cancelled,
// with a final flush on the way out.
func (c *Collector) StartAutoPersist(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Persist(); err != nil {
				c.logger.WithError(err).Warn("Periodic metrics persistence failed")
			}
		case <-ctx.Done():
			if err := c.Persist(); err != nil {
				c.logger.WithError(err).Warn("Final metrics persistence failed")
			}
			return
		}
	}
}

// persisted document shape
type persistedState struct {
	SavedAt      time.Time                   `json:"saved_at"`
	StartedAt    time.Time                   `json:"started_at"`
	Requests     map[string]persistedBackend `json:"requests"`
	Decisions    persistedDecisions          `json:"decisions"`
	ErrorCounts  map[string]int64            `json:"error_counts"`
	RecentErrors []ErrorRecord               `json:"recent_errors"`
}

type persistedBackend struct {
	Total           int64     `json:"total"`
	Successful      int64     `json:"successful"`
	Failed          int64     `json:"failed"`
	ResponseTimesMS []float64 `json:"response_times_ms"`
}

type persistedDecisions struct {
	Total           int64            `json:"total"`
	PerBackend      map[string]int64 `json:"per_backend"`
	Fallbacks       int64            `json:"fallbacks"`
	DecisionTimesMS []float64        `json:"decision_times_ms"`
	CacheHits       []float64        `json:"cache_hits"`
}

func (c *Collector) persistedStateLocked() *persistedState {
	state := &persistedState{
		SavedAt:      time.Now(),
		StartedAt:    c.startedAt,
		Requests:     make(map[string]persistedBackend, len(c.requests)),
		ErrorCounts:  make(map[string]int64, len(c.errorCounts)),
		RecentErrors: append([]ErrorRecord(nil), c.recentErrors...),
		Decisions: persistedDecisions{
			Total:           c.decisions.total,
			PerBackend:      make(map[string]int64, len(c.decisions.perBackend)),
			Fallbacks:       c.decisions.fallbacks,
			DecisionTimesMS: c.decisions.times.snapshot(),
			CacheHits:       c.decisions.cacheHits.snapshot(),
		},
	}
	for backend, agg := range c.requests {
		state.Requests[backend.String()] = persistedBackend{
			Total:           agg.total,
			Successful:      agg.successful,
			Failed:          agg.failed,
			ResponseTimesMS: agg.responseTimes.snapshot(),
		}
	}
	for backend, count := range c.decisions.perBackend {
		state.Decisions.PerBackend[backend.String()] = count
	}
	for errorType, count := range c.errorCounts {
		state.ErrorCounts[errorType] = count
	}
	return state
}

// load restores persisted state. Each section decodes independently so one
// corrupt sub-aggregate starts fresh without discarding the rest.
func (c *Collector) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.WithError(err).Warn("Metrics state unreadable, starting fresh")
		}
		return
	}

	var sections map[string]json.RawMessage
	if err := json.Unmarshal(data, &sections); err != nil {
		c.logger.WithError(err).Warn("Metrics state is not valid JSON, starting fresh")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if raw, ok := sections["started_at"]; ok {
		var startedAt time.Time
		if err := json.Unmarshal(raw, &startedAt); err != nil || startedAt.IsZero() {
			c.logger.Warn("Metrics start timestamp unreadable, keeping process start")
		} else {
			c.startedAt = startedAt
		}
	}

	if raw, ok := sections["requests"]; ok {
		var persisted map[string]persistedBackend
		if err := json.Unmarshal(raw, &persisted); err != nil {
			c.logger.WithError(err).Warn("Metrics request aggregates unreadable, starting that section fresh")
		} else {
			for name, pb := range persisted {
				agg := c.requestsLocked(types.BackendType(name))
				agg.total = pb.Total
				agg.successful = pb.Successful
				agg.failed = pb.Failed
				agg.responseTimes.restore(pb.ResponseTimesMS)
			}
		}
	}

	if raw, ok := sections["decisions"]; ok {
		var persisted persistedDecisions
		if err := json.Unmarshal(raw, &persisted); err != nil {
			c.logger.WithError(err).Warn("Metrics decision aggregates unreadable, starting that section fresh")
		} else {
			c.decisions.total = persisted.Total
			c.decisions.fallbacks = persisted.Fallbacks
			for name, count := range persisted.PerBackend {
				c.decisions.perBackend[types.BackendType(name)] = count
			}
			c.decisions.times.restore(persisted.DecisionTimesMS)
			c.decisions.cacheHits.restore(persisted.CacheHits)
		}
	}

	if raw, ok := sections["error_counts"]; ok {
		var counts map[string]int64
		if err := json.Unmarshal(raw, &counts); err != nil {
			c.logger.WithError(err).Warn("Metrics error counts unreadable, starting that section fresh")
		} else {
			c.errorCounts = counts
		}
	}

	if raw, ok := sections["recent_errors"]; ok {
		var records []ErrorRecord
		if err := json.Unmarshal(raw, &records); err != nil {
			c.logger.WithError(err).Warn("Metrics recent errors unreadable, starting that section fresh")
		} else {
			if len(records) > recentErrorLimit {
				records = records[len(records)-recentErrorLimit:]
			}
			c.recentErrors = records
		}
	}
}

// requestsLocked returns the aggregate for a backend, creating it on first
// touch. Caller must hold c.mu.
func (c *Collector) requestsLocked(backend types.BackendType) *backendAggregate {
	if agg, ok := c.requests[backend]; ok {
		return agg
	}
	agg := &backendAggregate{responseTimes: newRollingWindow(responseWindowSize)}
	c.requests[backend] = agg
	return agg
}

// classifyError buckets a failure into the metrics taxonomy by inspecting
// the classified kind code first, then the message text.
func classifyError(message, code string) string {
	text := strings.ToLower(code + " " + message)
	switch {
	case strings.Contains(text, "not_found") || strings.Contains(text, "not found") || strings.Contains(text, "404"):
		return ErrorTypeNotFound
	case strings.Contains(text, "rate_limit") || strings.Contains(text, "rate limit") || strings.Contains(text, "quota") || strings.Contains(text, "429"):
		return ErrorTypeRateLimit
	case strings.Contains(text, "auth") || strings.Contains(text, "unauthorized") || strings.Contains(text, "api key") || strings.Contains(text, "401") || strings.Contains(text, "403"):
		return ErrorTypeAuth
	case strings.Contains(text, "timeout") || strings.Contains(text, "timed out") || strings.Contains(text, "deadline"):
		return ErrorTypeTimeout
	default:
		return ErrorTypeOther
	}
}

// rollingWindow keeps the last N observations for bounded averages.
type rollingWindow struct {
	values []float64
	limit  int
}

func newRollingWindow(limit int) *rollingWindow {
	return &rollingWindow{limit: limit}
}

func (w *rollingWindow) add(value float64) {
	w.values = append(w.values, value)
	if len(w.values) > w.limit {
		w.values = w.values[len(w.values)-w.limit:]
	}
}

func (w *rollingWindow) average() float64 {
	if len(w.values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range w.values {
		sum += v
	}
	return sum / float64(len(w.values))
}

func (w *rollingWindow) snapshot() []float64 {
	return append([]float64(nil), w.values...)
}

func (w *rollingWindow) restore(values []float64) {
	if len(values) > w.limit {
		values = values[len(values)-w.limit:]
	}
	w.values = append([]float64(nil), values...)
}
