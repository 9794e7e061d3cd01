// Package metrics defines and registers the cache server's Prometheus
// metrics: store size and memory accounting per domain, shard resize and
// deletion-queue depth, optimizer pass/eviction counters, tag manager
// index size, and TCP transport counters. Collector polls a caller-supplied
// StatsFunc on a ticker and updates the domain-labeled gauges; everything
// else is updated inline by the component that owns the event.
package metrics
