package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTTL bounds how long detection results stay valid.
const DefaultTTL = 300 * time.Second

// historyLimit bounds the detection history kept for diagnostics.
const historyLimit = 10

// cacheEntry is the persisted document shape.
type cacheEntry struct {
	LastUpdated      time.Time         `json:"last_updated"`
	TTLSeconds       int               `json:"ttl_seconds"`
	Capabilities     map[string]bool   `json:"capabilities"`
	DetectionHistory []HistorySnapshot `json:"detection_history,omitempty"`
}

// HistorySnapshot is one past detection result.
type HistorySnapshot struct {
	Timestamp    time.Time       `json:"timestamp"`
	Capabilities map[string]bool `json:"capabilities"`
}

// DetectFunc produces a fresh capability map.
type DetectFunc func(ctx context.Context) (map[string]bool, error)

// Cache stores capability detection results with a TTL. The durable JSON
// file is the preferred source; a process-local mirror keeps routing alive
// when the file is unreadable. The file may be shared across processes;
// writes are last-writer-wins and read anomalies count as misses.
type Cache struct {
	path   string
	ttl    time.Duration
	logger *logrus.Logger

	mu     sync.Mutex
	memory *cacheEntry
	hits   int64
	misses int64
}

// NewCache creates a capability cache backed by the given file path.
func NewCache(path string, ttl time.Duration, logger *logrus.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		path:   path,
		ttl:    ttl,
		logger: logger,
	}
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the cached capabilities when an unexpired entry exists.
// Durable data is preferred; any read or parse failure falls back to the
// in-memory mirror. Corruption is a miss, never an error.
func (c *Cache) Get() (map[string]bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, err := c.readFile(); err != nil {
		if !os.IsNotExist(err) {
			c.logger.WithError(err).Warn("Capability cache file unreadable, using in-memory mirror")
		}
	} else if c.entryValid(entry) {
		// keep the mirror current so a later file failure still has recent data
		c.memory = entry
		c.hits++
		return copyCapabilities(entry.Capabilities), true
	}

	if c.memory != nil && c.entryValid(c.memory) {
		c.hits++
		return copyCapabilities(c.memory.Capabilities), true
	}

	c.misses++
	return nil, false
}

// Set stores a fresh detection result using the default TTL.
func (c *Cache) Set(caps map[string]bool) {
	c.SetWithTTL(caps, c.ttl)
}

// SetWithTTL stores a fresh detection result. The in-memory mirror always
// updates; a durable write failure is logged and swallowed.
func (c *Cache) SetWithTTL(caps map[string]bool, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{
		LastUpdated:  now,
		TTLSeconds:   int(ttl / time.Second),
		Capabilities: copyCapabilities(caps),
		DetectionHistory: appendHistory(c.historyLocked(), HistorySnapshot{
			Timestamp:    now,
			Capabilities: copyCapabilities(caps),
		}),
	}
	c.memory = entry

	if err := c.writeFile(entry); err != nil {
		c.logger.WithError(err).Warn("Capability cache write failed, in-memory mirror still updated")
	}
}

// Invalidate force-expires the current entry by backdating it past the
// TTL, keeping the document readable for post-mortem inspection.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.memory
	if fileEntry, err := c.readFile(); err == nil {
		entry = fileEntry
	}
	if entry == nil {
		return
	}

	ttl := time.Duration(entry.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = c.ttl
	}
	entry.LastUpdated = time.Now().Add(-(ttl + time.Second))
	c.memory = entry

	if err := c.writeFile(entry); err != nil {
		c.logger.WithError(err).Warn("Capability cache invalidation write failed")
	}
	c.logger.Info("Capability cache invalidated")
}

// Clear hard-deletes both the durable file and the in-memory mirror.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.memory = nil
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		c.logger.WithError(err).Warn("Capability cache file removal failed")
	}
}

// Age returns how long ago the current entry was written. The second
// return is false when no entry exists at all.
func (c *Cache) Age() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, err := c.readFile()
	if err != nil {
		entry = c.memory
	}
	if entry == nil {
		return 0, false
	}
	return time.Since(entry.LastUpdated), true
}

// Valid reports whether an unexpired entry exists right now.
func (c *Cache) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, err := c.readFile(); err == nil && c.entryValid(entry) {
		return true
	}
	return c.memory != nil && c.entryValid(c.memory)
}

// RefreshIfNeeded re-detects when the entry is older than maxAge. A
// detector failure returns the last known capabilities, stale or not,
// rather than failing hard.
func (c *Cache) RefreshIfNeeded(ctx context.Context, detect DetectFunc, maxAge time.Duration) map[string]bool {
	if maxAge <= 0 {
		maxAge = c.ttl
	}

	if age, ok := c.Age(); ok && age < maxAge {
		if caps, hit := c.Get(); hit {
			return caps
		}
	}

	caps, err := detect(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Capability detection failed during refresh, keeping last known result")
		return c.LastKnown()
	}

	c.Set(caps)
	return caps
}

// LastKnown returns whatever data exists, ignoring the TTL.
func (c *Cache) LastKnown() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, err := c.readFile(); err == nil {
		return copyCapabilities(entry.Capabilities)
	}
	if c.memory != nil {
		return copyCapabilities(c.memory.Capabilities)
	}
	return nil
}

// History returns the recorded detection snapshots, newest last.
func (c *Cache) History() []HistorySnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	history := c.historyLocked()
	out := make([]HistorySnapshot, len(history))
	copy(out, history)
	return out
}

// Stats returns hit and miss counts since process start.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) entryValid(entry *cacheEntry) bool {
	if entry == nil || entry.Capabilities == nil {
		return false
	}
	ttl := time.Duration(entry.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = c.ttl
	}
	return time.Since(entry.LastUpdated) < ttl
}

func (c *Cache) historyLocked() []HistorySnapshot {
	if entry, err := c.readFile(); err == nil {
		return entry.DetectionHistory
	}
	if c.memory != nil {
		return c.memory.DetectionHistory
	}
	return nil
}

// readFile loads and validates the durable entry. Hand-edited files get
// their shape checked here so no caller trusts raw JSON.
func (c *Cache) readFile() (*cacheEntry, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse capability cache: %w", err)
	}

	if entry.LastUpdated.IsZero() {
		return nil, fmt.Errorf("capability cache entry has no last_updated timestamp")
	}
	if entry.Capabilities == nil {
		return nil, fmt.Errorf("capability cache entry has no capabilities map")
	}
	if entry.TTLSeconds <= 0 {
		entry.TTLSeconds = int(c.ttl / time.Second)
	}
	if len(entry.DetectionHistory) > historyLimit {
		entry.DetectionHistory = entry.DetectionHistory[len(entry.DetectionHistory)-historyLimit:]
	}

	return &entry, nil
}

func (c *Cache) writeFile(entry *cacheEntry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal capability cache: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write capability cache: %w", err)
	}

	return nil
}

func appendHistory(history []HistorySnapshot, snapshot HistorySnapshot) []HistorySnapshot {
	history = append(history, snapshot)
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	return history
}

func copyCapabilities(caps map[string]bool) map[string]bool {
	if caps == nil {
		return nil
	}
	out := make(map[string]bool, len(caps))
	for k, v := range caps {
		out[k] = v
	}
	return out
}
