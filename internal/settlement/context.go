// Package settlement runs the deposit monitor, the swap queue and the
// expiration sweeper over one shared Context.
package settlement

import (
	"sort"
	"sync"
	"time"

	"github.com/crossledger/settlement/internal/metrics"
	"github.com/crossledger/settlement/internal/models"
	"github.com/google/uuid"
)

// Context owns the monitored-address registry and the swap pending set.
// Both are guarded by one mutex so check-and-remove is atomic.
type Context struct {
	mu        sync.Mutex
	monitored map[string]models.MonitoredAddress
	queue     []uuid.UUID
	queued    map[uuid.UUID]struct{}
	inFlight  map[uuid.UUID]struct{}
	onWatch   func()
}

func NewContext() *Context {
	return &Context{
		monitored: make(map[string]models.MonitoredAddress),
		queued:    make(map[uuid.UUID]struct{}),
		inFlight:  make(map[uuid.UUID]struct{}),
	}
}

// Watch inserts or replaces the entry with the same key.
func (c *Context) Watch(m models.MonitoredAddress) {
	if m.AddedAt.IsZero() {
		m.AddedAt = time.Now()
	}
	c.mu.Lock()
	c.monitored[m.Key()] = m
	n := len(c.monitored)
	hook := c.onWatch
	c.mu.Unlock()

	metrics.MonitoredAddresses.Set(float64(n))
	if hook != nil {
		hook()
	}
}

// Unwatch removes every entry owned by exchangeID.
func (c *Context) Unwatch(exchangeID string) {
	c.mu.Lock()
	for k, m := range c.monitored {
		if m.ExchangeID == exchangeID {
			delete(c.monitored, k)
		}
	}
	n := len(c.monitored)
	c.mu.Unlock()
	metrics.MonitoredAddresses.Set(float64(n))
}

// Claim removes the entry under key and reports whether it was still present.
// Exactly one caller wins a given entry.
func (c *Context) Claim(key string) (models.MonitoredAddress, bool) {
	c.mu.Lock()
	m, ok := c.monitored[key]
	if ok {
		delete(c.monitored, key)
	}
	n := len(c.monitored)
	c.mu.Unlock()
	metrics.MonitoredAddresses.Set(float64(n))
	return m, ok
}

// Monitored returns a snapshot ordered by AddedAt, oldest first.
func (c *Context) Monitored() []models.MonitoredAddress {
	c.mu.Lock()
	out := make([]models.MonitoredAddress, 0, len(c.monitored))
	for _, m := range c.monitored {
		out = append(out, m)
	}
	c.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].Key() < out[j].Key()
		}
		return out[i].AddedAt.Before(out[j].AddedAt)
	})
	return out
}

func (c *Context) MonitoredCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.monitored)
}

// RemoveExpired drops and returns entries whose expiry passed.
func (c *Context) RemoveExpired(now time.Time) []models.MonitoredAddress {
	c.mu.Lock()
	var out []models.MonitoredAddress
	for k, m := range c.monitored {
		if m.Expired(now) {
			out = append(out, m)
			delete(c.monitored, k)
		}
	}
	n := len(c.monitored)
	c.mu.Unlock()
	metrics.MonitoredAddresses.Set(float64(n))
	return out
}

// Enqueue adds id unless it is already queued or executing.
func (c *Context) Enqueue(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.queued[id]; ok {
		return false
	}
	if _, ok := c.inFlight[id]; ok {
		return false
	}
	c.queued[id] = struct{}{}
	c.queue = append(c.queue, id)
	metrics.QueueDepth.Set(float64(len(c.queue)))
	return true
}

// Next pops the oldest job and marks it in flight in the same critical section.
func (c *Context) Next() (uuid.UUID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return uuid.Nil, false
	}
	id := c.queue[0]
	c.queue = c.queue[1:]
	delete(c.queued, id)
	c.inFlight[id] = struct{}{}
	metrics.QueueDepth.Set(float64(len(c.queue)))
	return id, true
}

// Done clears the in-flight mark. The job is never re-added automatically.
func (c *Context) Done(id uuid.UUID) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

// QueueSnapshot returns queued ids in order and the ids executing now.
func (c *Context) QueueSnapshot() (queued, inFlight []uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queued = append([]uuid.UUID(nil), c.queue...)
	for id := range c.inFlight {
		inFlight = append(inFlight, id)
	}
	return queued, inFlight
}

func (c *Context) setWatchHook(fn func()) {
	c.mu.Lock()
	c.onWatch = fn
	c.mu.Unlock()
}
