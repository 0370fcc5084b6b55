package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	c := NewCollector("fitsync")

	c.RecordCacheRead("day", "fresh")
	c.RecordCacheRead("day", "fresh")
	c.RecordCacheRead("day", "miss")
	c.RecordFetch("day", "ok", 20*time.Millisecond)
	c.RecordCoalesced("day")
	c.RecordMutation("meal_item.add", "committed")
	c.RecordInvalidated(4)
	c.RecordInvalidated(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.CacheReads.WithLabelValues("day", "fresh")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.Invalidated))

	samples, err := c.Snapshot()
	require.NoError(t, err)

	byName := map[string]float64{}
	for _, s := range samples {
		byName[s.Name+"{"+s.Labels+"}"] = s.Value
	}
	assert.Equal(t, 1.0, byName["fitsync_cache_reads_total{resource=day,result=miss}"])
	assert.Equal(t, 1.0, byName["fitsync_fetch_duration_seconds_count{resource=day}"])
	assert.Equal(t, 1.0, byName["fitsync_mutations_total{outcome=committed,type=meal_item.add}"])
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordCacheRead("day", "miss")
	c.RecordFetch("day", "error", time.Second)
	c.RecordMutation("x", "y")
	samples, err := c.Snapshot()
	assert.NoError(t, err)
	assert.Empty(t, samples)
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("fitsync")
	b := NewCollector("fitsync")
	a.RecordInvalidated(1)
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Invalidated))
}
