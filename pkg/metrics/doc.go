/*
Package metrics exposes the data path's Prometheus counters and gauges:
read_realloc_races, extent_migrate_done/raced, per-data-type byte counters,
per-tier compressed/uncompressed extent gauges, write/read/move-pass
latency histograms, and a per-device latency EWMA gauge (spec §6, §9).

Counters are package-level collectors registered at init time, exactly as
the teacher registers warren_* metrics — pipelines increment them inline
rather than through an indirection layer. Collector polls pkg/index
periodically to keep ExtentsByTier current without walking the whole index
on every /metrics scrape. Handler() serves the standard promhttp handler;
HealthHandler/ReadyHandler/LivenessHandler serve a small JSON process
health surface independent of Prometheus, for use by an operator's liveness
probe.
*/
package metrics
