package metrics

import (
	"time"

	"github.com/xmtp/mlsengine/pkg/storage"
)

// Collector periodically samples gauge metrics from the store, the
// same way a point-in-time gauge can't be derived from counters alone.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics on a 15 second interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectGroupMetrics()
}

func (c *Collector) collectGroupMetrics() {
	groups, err := c.store.ListGroups()
	if err != nil {
		return
	}

	forked := 0
	for _, group := range groups {
		if group.IsCommitLogForked {
			forked++
		}
	}
	GroupsTotal.Set(float64(len(groups)))
	ForkedGroupsGauge.Set(float64(forked))
}
