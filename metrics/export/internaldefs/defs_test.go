package internaldefs

import (
	"strings"
	"testing"

	tokenGuard "github.com/MrEthical07/tokenGuard"
)

func TestDefsCoverEveryMetric(t *testing.T) {
	seen := map[tokenGuard.MetricID]bool{}
	names := map[string]bool{}
	for _, d := range CounterDefs {
		if tokenGuard.IsHistogramMetric(d.ID) {
			t.Fatalf("%s is a histogram id", d.Name)
		}
		if !strings.HasPrefix(d.Name, "tokenguard_") || !strings.HasSuffix(d.Name, "_total") {
			t.Fatalf("bad counter name %q", d.Name)
		}
		seen[d.ID] = true
		names[d.Name] = true
	}
	for _, d := range HistogramDefs {
		if !tokenGuard.IsHistogramMetric(d.ID) {
			t.Fatalf("%s is not a histogram id", d.Name)
		}
		seen[d.ID] = true
		names[d.Name] = true
	}
	if len(names) != len(CounterDefs)+len(HistogramDefs) {
		t.Fatal("duplicate metric names")
	}
	for id := tokenGuard.MetricLoginSuccess; id <= tokenGuard.MetricRefreshLatency; id++ {
		if !seen[id] {
			t.Fatalf("metric id %d has no definition", id)
		}
	}
	if len(UpperBounds)+1 != len(NormalizeBuckets(nil)) {
		t.Fatal("engine buckets are the finite bounds plus +Inf")
	}
}

func TestCumulativeBuckets(t *testing.T) {
	got := CumulativeBuckets(NormalizeBuckets([]uint64{1, 2, 3}))
	want := [8]uint64{1, 3, 6, 6, 6, 6, 6, 6}
	if got != want {
		t.Fatalf("got %v want %v", got, want)
	}
}
