package metrics_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-ps/peri-client-scripts/pkg/metrics"
)

func TestCollector(t *testing.T) {
	t.Parallel()
	c := metrics.New()
	c.ItemDone("fetch", metrics.OutcomeSuccess)
	c.ItemDone("fetch", metrics.OutcomeSuccess)
	c.ItemDone("fetch", metrics.OutcomeSkipped)
	c.StageDone("fetch", 2*time.Second)
	c.Published("201")
	c.SetState(4)

	n, err := testutil.GatherAndCount(c.Registry(), "topopull_stage_items_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per outcome")

	expected := `
# HELP topopull_pipeline_state Coordinator state (0=idle 1=fetching 2=encoding 3=publishing 4=done 5=aborted)
# TYPE topopull_pipeline_state gauge
topopull_pipeline_state 4
# HELP topopull_publish_total Catalog publish attempts by HTTP status (or "error")
# TYPE topopull_publish_total counter
topopull_publish_total{status="201"} 1
`
	require.NoError(t, testutil.GatherAndCompare(c.Registry(), strings.NewReader(expected),
		"topopull_pipeline_state", "topopull_publish_total"))
}

func TestWriteTextfile(t *testing.T) {
	t.Parallel()
	c := metrics.New()
	c.ItemDone("encode", metrics.OutcomeFailure)
	path := filepath.Join(t.TempDir(), "topopull.prom")
	require.NoError(t, c.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `topopull_stage_items_total{outcome="failure",stage="encode"} 1`)
}

func TestNilCollector(t *testing.T) {
	t.Parallel()
	var c *metrics.Collector
	c.ItemDone("fetch", metrics.OutcomeSuccess)
	c.StageDone("fetch", time.Second)
	c.Published("500")
	c.SetState(1)
	assert.Nil(t, c.Registry())
	assert.NoError(t, c.WriteTextfile("/nonexistent/x.prom"))
}
