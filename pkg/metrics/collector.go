package metrics

import "time"

// TierCounts reports, for one storage tier, how many extents are
// compressed vs. uncompressed. Implemented by pkg/index's Index.
type TierCounts interface {
	// CountExtentsByTier returns counts keyed by tier, then by
	// "compressed"/"uncompressed".
	CountExtentsByTier() map[string]map[string]int
}

// Collector periodically snapshots extent-index state into the
// ExtentsByTier gauge, so /metrics scrapes see a live view without walking
// the index on every scrape. The cmd/bfscored stats command does not read
// this gauge; it calls CountExtentsByTier directly.
type Collector struct {
	index  TierCounts
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over the given index.
func NewCollector(index TierCounts) *Collector {
	return &Collector{
		index:  index,
		stopCh: make(chan struct{}),
	}
}

// Start begins periodic collection.
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
	for tier, counts := range c.index.CountExtentsByTier() {
		for compressed, n := range counts {
			ExtentsByTier.WithLabelValues(tier, compressed).Set(float64(n))
		}
	}
}
