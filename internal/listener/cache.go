// Package listener implements the resilient client side of the motion-capture
// stream: a reconnecting TCP listener that maintains a thread-safe cache of
// the latest known subject positions with an explicit freshness contract.
package listener

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/SooratiLab/vicon/internal/timeutil"
)

// ErrStaleData is returned by GetLatest when strict freshness checking is
// requested and the newest cached update is older than the configured
// timeout, or no data has arrived at all. Callers opting into the check must
// not silently consume outdated positions.
var ErrStaleData = errors.New("pose data stale")

// Position is one cached subject location. Units are millimeters, or meters
// when the listener was configured to convert.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type cacheEntry struct {
	pos       Position
	updatedAt time.Time
}

// Cache maps subject name to last known position. Written exclusively by the
// listener's receive loop, read concurrently by application code. Entries are
// created on first sighting of a subject and superseded thereafter, never
// proactively removed; freshness is derived from update times, not stored.
type Cache struct {
	clock        timeutil.Clock
	staleTimeout time.Duration

	mu         sync.RWMutex
	entries    map[string]cacheEntry
	lastUpdate time.Time
}

// NewCache creates a cache with the given staleness timeout. A nil clock
// falls back to the real clock.
func NewCache(staleTimeout time.Duration, clock timeutil.Clock) *Cache {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Cache{
		clock:        clock,
		staleTimeout: staleTimeout,
		entries:      make(map[string]cacheEntry),
	}
}

// Update supersedes the entries for every subject in positions, stamping them
// with the current time. Subjects absent from positions keep their previous
// entry and timestamp.
func (c *Cache) Update(positions map[string]Position) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for name, pos := range positions {
		c.entries[name] = cacheEntry{pos: pos, updatedAt: now}
	}
	c.lastUpdate = now
}

// Snapshot returns a copy of the full current mapping. The copy is safe to
// retain; it never observes a partially applied update.
func (c *Cache) Snapshot() map[string]Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Position, len(c.entries))
	for name, e := range c.entries {
		out[name] = e.pos
	}
	return out
}

// UpdatedAt returns the update time for one subject, with ok=false when the
// subject has never been seen.
func (c *Cache) UpdatedAt(name string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e.updatedAt, ok
}

// LastUpdate returns the newest update time across all entries, zero before
// any data has arrived.
func (c *Cache) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// Fresh reports whether the newest entry is younger than the staleness
// timeout. False before any data has arrived.
func (c *Cache) Fresh() bool {
	c.mu.RLock()
	last := c.lastUpdate
	c.mu.RUnlock()
	if last.IsZero() {
		return false
	}
	return c.clock.Since(last) < c.staleTimeout
}

// Latest returns the mapping, enforcing freshness when checkConnection is
// set. The moment a fresh message lands, the very next call succeeds again.
func (c *Cache) Latest(checkConnection bool) (map[string]Position, error) {
	if checkConnection && !c.Fresh() {
		last := c.LastUpdate()
		if last.IsZero() {
			return nil, fmt.Errorf("%w: no data received yet", ErrStaleData)
		}
		return nil, fmt.Errorf("%w: last update %.1fs ago (timeout %.1fs)",
			ErrStaleData, c.clock.Since(last).Seconds(), c.staleTimeout.Seconds())
	}
	return c.Snapshot(), nil
}

// Clear removes every entry and resets the update time. Exposed so embedding
// applications can drop state between experiment runs.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.lastUpdate = time.Time{}
}
