package tabledeps

import (
	"sort"
	"strings"
	"sync"
)

// Collector accumulates the tables touched by the statements a live query
// executes during its first run. It is threaded explicitly through the
// session rather than held in a process-wide slot, so concurrent first runs
// of different live queries never contend.
type Collector struct {
	mu     sync.Mutex
	tables map[string]struct{}
}

func NewCollector() *Collector {
	return &Collector{tables: make(map[string]struct{})}
}

// Add records table names, normalized to lowercase.
func (c *Collector) Add(tables ...string) {
	c.mu.Lock()
	for _, t := range tables {
		c.tables[strings.ToLower(t)] = struct{}{}
	}
	c.mu.Unlock()
}

// Tables returns the collected names, sorted.
func (c *Collector) Tables() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.tables))
	for t := range c.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
