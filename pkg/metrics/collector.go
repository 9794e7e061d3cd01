package metrics

import "time"

// DomainStats is one domain's snapshot, gathered by whatever owns the
// store/optimizer instances (pkg/dispatcher) and handed to the collector.
// Kept as a plain struct rather than an interface on pkg/store so this
// package never has to import it back.
type DomainStats struct {
	Domain             string
	Records            int
	MemoryUsedBytes    int64
	MemoryQuotaBytes   int64
	FillingPercentage  int
	Shards             int
	ShardResizesTotal  int64
	DeletionQueueDepth int
	OptimizerQueueLen  int
}

// StatsFunc produces a fresh snapshot for every domain.
type StatsFunc func() []DomainStats

// Collector polls a StatsFunc on a timer and updates the package's
// Prometheus gauges, mirroring the original ticker-driven collection loop.
type Collector struct {
	stats  StatsFunc
	period time.Duration
	stopCh chan struct{}
}

// NewCollector creates a collector that polls stats every period (15s if
// period is zero or negative).
func NewCollector(stats StatsFunc, period time.Duration) *Collector {
	if period <= 0 {
		period = 15 * time.Second
	}
	return &Collector{stats: stats, period: period, stopCh: make(chan struct{})}
}

// Start begins collecting metrics in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.period)
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
	if c.stats == nil {
		return
	}
	for _, s := range c.stats() {
		RecordsTotal.WithLabelValues(s.Domain).Set(float64(s.Records))
		MemoryUsedBytes.WithLabelValues(s.Domain).Set(float64(s.MemoryUsedBytes))
		MemoryFillingPercentage.WithLabelValues(s.Domain).Set(float64(s.FillingPercentage))
		ShardsTotal.WithLabelValues(s.Domain).Set(float64(s.Shards))
		DeletionQueueDepth.WithLabelValues(s.Domain).Set(float64(s.DeletionQueueDepth))
		OptimizerQueueLength.WithLabelValues(s.Domain).Set(float64(s.OptimizerQueueLen))
	}
}
