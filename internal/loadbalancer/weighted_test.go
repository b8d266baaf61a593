package loadbalancer

import (
	"testing"
)

func TestSmoothWeightedSequence(t *testing.T) {
	backends := []*Backend{
		{URL: "http://a", Weight: 1, Healthy: true},
		{URL: "http://b", Weight: 2, Healthy: true},
		{URL: "http://c", Weight: 1, Healthy: true},
	}
	wrr := NewWeightedRoundRobin(backends)

	// Smooth selection interleaves: b, a, c, b then repeats
	want := []string{"http://b", "http://a", "http://c", "http://b"}
	for i, w := range want {
		if got := wrr.Next().URL; got != w {
			t.Errorf("pick %d = %s, want %s", i+1, got, w)
		}
	}
}

func TestSmoothWeightedShares(t *testing.T) {
	backends := []*Backend{
		{URL: "http://a", Weight: 1, Healthy: true},
		{URL: "http://b", Weight: 2, Healthy: true},
		{URL: "http://c", Weight: 1, Healthy: true},
	}
	wrr := NewWeightedRoundRobin(backends)

	counts := make(map[string]int)
	const n = 1000
	for i := 0; i < n; i++ {
		counts[wrr.Next().URL]++
	}

	within := func(got, want int) bool {
		diff := got - want
		if diff < 0 {
			diff = -diff
		}
		return diff <= n/100
	}
	if !within(counts["http://a"], 250) {
		t.Errorf("a = %d, want ~250", counts["http://a"])
	}
	if !within(counts["http://b"], 500) {
		t.Errorf("b = %d, want ~500", counts["http://b"])
	}
	if !within(counts["http://c"], 250) {
		t.Errorf("c = %d, want ~250", counts["http://c"])
	}
}

func TestSmoothWeightedNoBurst(t *testing.T) {
	backends := []*Backend{
		{URL: "http://a", Weight: 1, Healthy: true},
		{URL: "http://b", Weight: 5, Healthy: true},
	}
	wrr := NewWeightedRoundRobin(backends)

	// Weight 5:1 must not produce 5 b's in a row followed by one a;
	// a appears once in every window of 6.
	seen := make([]string, 12)
	for i := range seen {
		seen[i] = wrr.Next().URL
	}
	for start := 0; start+6 <= len(seen); start++ {
		countA := 0
		for _, u := range seen[start : start+6] {
			if u == "http://a" {
				countA++
			}
		}
		if countA == 0 {
			t.Fatalf("window %d..%d starves backend a: %v", start, start+6, seen)
		}
	}
}

func TestWeightedSkipsUnhealthy(t *testing.T) {
	backends := []*Backend{
		{URL: "http://a", Weight: 1, Healthy: true},
		{URL: "http://b", Weight: 3, Healthy: false},
	}
	wrr := NewWeightedRoundRobin(backends)

	for i := 0; i < 6; i++ {
		if b := wrr.Next(); b.URL != "http://a" {
			t.Fatalf("selected unhealthy backend %s", b.URL)
		}
	}
}

func TestWeightedDefaultWeight(t *testing.T) {
	backends := []*Backend{
		{URL: "http://a", Healthy: true},
		{URL: "http://b", Healthy: true},
	}
	wrr := NewWeightedRoundRobin(backends)

	counts := make(map[string]int)
	for i := 0; i < 10; i++ {
		counts[wrr.Next().URL]++
	}
	if counts["http://a"] != 5 || counts["http://b"] != 5 {
		t.Errorf("zero weight should default to 1: %v", counts)
	}
}
