package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

type fakeTierCounts struct {
	counts map[string]map[string]int
}

func (f fakeTierCounts) CountExtentsByTier() map[string]map[string]int {
	return f.counts
}

func gaugeValue(t *testing.T, g interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("Write gauge metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestCollectorCollectPublishesGauges(t *testing.T) {
	fake := fakeTierCounts{counts: map[string]map[string]int{
		"fast": {"compressed": 3, "uncompressed": 1},
	}}

	c := NewCollector(fake)
	c.collect()

	got := gaugeValue(t, ExtentsByTier.WithLabelValues("fast", "compressed"))
	if got != 3 {
		t.Errorf("ExtentsByTier{fast,compressed} = %v, want 3", got)
	}
}

func TestCollectorStartStopRunsAtLeastOnce(t *testing.T) {
	fake := fakeTierCounts{counts: map[string]map[string]int{
		"slow": {"uncompressed": 7},
	}}

	c := NewCollector(fake)
	c.Start()
	defer c.Stop()

	time.Sleep(10 * time.Millisecond)

	got := gaugeValue(t, ExtentsByTier.WithLabelValues("slow", "uncompressed"))
	if got != 7 {
		t.Errorf("ExtentsByTier{slow,uncompressed} = %v, want 7", got)
	}
}
