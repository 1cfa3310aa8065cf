package knowledge

import (
	"fmt"
	"testing"
)

func TestBloomBasic(t *testing.T) {
	bf := newBloomFilter(1000, 0.01)

	bf.Add("example.com:/login:username")
	bf.Add("example.com:/login:password")

	if !bf.MayContain("example.com:/login:username") {
		t.Error("inserted key must be reported present")
	}
	if !bf.MayContain("example.com:/login:password") {
		t.Error("inserted key must be reported present")
	}
	if bf.Count() != 2 {
		t.Errorf("count = %d, want 2", bf.Count())
	}
}

func TestBloomNoFalseNegatives(t *testing.T) {
	bf := newBloomFilter(10_000, 0.01)

	for i := 0; i < 10_000; i++ {
		bf.Add(fmt.Sprintf("domain-%d.com:/page/%d:element_%d", i%50, i%200, i))
	}
	for i := 0; i < 10_000; i++ {
		key := fmt.Sprintf("domain-%d.com:/page/%d:element_%d", i%50, i%200, i)
		if !bf.MayContain(key) {
			t.Fatalf("false negative for %s", key)
		}
	}
}

func TestBloomFalsePositiveRate(t *testing.T) {
	bf := newBloomFilter(10_000, 0.01)
	for i := 0; i < 10_000; i++ {
		bf.Add(fmt.Sprintf("present-%d", i))
	}

	fp := 0
	trials := 10_000
	for i := 0; i < trials; i++ {
		if bf.MayContain(fmt.Sprintf("absent-%d", i)) {
			fp++
		}
	}
	// 1% target; allow generous slack for hash variance.
	if rate := float64(fp) / float64(trials); rate > 0.05 {
		t.Errorf("false positive rate %.3f exceeds 0.05", rate)
	}
}

func TestBloomDegenerateParams(t *testing.T) {
	bf := newBloomFilter(0, 2.0)
	bf.Add("x")
	if !bf.MayContain("x") {
		t.Error("degenerate params must still hold inserted keys")
	}
}
