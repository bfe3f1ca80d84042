package l1_test

import (
	"testing"

	"github.com/MrWong99/fabricmem/pkg/fabric/l1"
)

func newTestCache(t *testing.T, cfg l1.Config) *l1.Cache {
	t.Helper()
	if cfg.Dim == 0 {
		cfg.Dim = 2
	}
	return l1.New(cfg)
}

func TestCache_PutGetRemove(t *testing.T) {
	c := newTestCache(t, l1.Config{MaxSize: 10, EvictionThreshold: 1})
	if err := c.Put("a", []float32{1, 0}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	vec, ok := c.Get("a")
	if !ok {
		t.Fatal("Get: want found")
	}
	if len(vec) != 2 {
		t.Errorf("vec len: want 2, got %d", len(vec))
	}

	if !c.Remove("a") {
		t.Fatal("Remove: want true")
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("Get after remove: want absent")
	}
	if c.Remove("a") {
		t.Fatal("Remove already-removed: want false")
	}
}

func TestCache_EvictionAtMaxSize(t *testing.T) {
	c := newTestCache(t, l1.Config{MaxSize: 4, EvictionThreshold: 1, LowWaterMark: 0.75})
	for _, oid := range []string{"a", "b", "c"} {
		if err := c.Put(oid, []float32{1, 0}); err != nil {
			t.Fatalf("Put %s: %v", oid, err)
		}
	}
	// Access "c" heavily so it scores highest and survives eviction.
	for i := 0; i < 5; i++ {
		c.Get("c")
	}

	if err := c.Put("d", []float32{0, 1}); err != nil {
		t.Fatalf("Put d: %v", err)
	}

	stats := c.GetStatistics()
	if stats.Evictions == 0 {
		t.Error("Evictions: want > 0 after exceeding max size")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("Get(c): want hot entry to survive eviction")
	}
}

func TestCache_PromotionThresholdAndRequeueEscalation(t *testing.T) {
	c := newTestCache(t, l1.Config{
		MaxSize:              100,
		EvictionThreshold:    1,
		PromotionThreshold:   2,
		PromotionRequeueStep: 3,
	})
	if err := c.Put("concept/promote", []float32{0.1, 0.8}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	c.Get("concept/promote")
	if len(c.PeekPromotions()) != 0 {
		t.Fatal("promotion queue: want empty after 1st access (threshold=2)")
	}

	c.Get("concept/promote")
	queue := c.PeekPromotions()
	if len(queue) != 1 || queue[0] != "concept/promote" {
		t.Fatalf("promotion queue: want [concept/promote] after 2nd access, got %v", queue)
	}

	drained := c.DrainPromotions(10)
	if len(drained) != 1 || drained[0] != "concept/promote" {
		t.Fatalf("DrainPromotions: want [concept/promote], got %v", drained)
	}
	if len(c.PeekPromotions()) != 0 {
		t.Fatal("promotion queue: want empty after drain")
	}

	// Escalated threshold: further accesses should not requeue until the
	// (threshold + requeueStep)'th access.
	c.ConfirmPromotion("concept/promote")
	for i := 0; i < 2; i++ {
		c.Get("concept/promote")
	}
	if len(c.PeekPromotions()) != 0 {
		t.Fatal("promotion queue: threshold should have escalated, want still empty")
	}
	c.Get("concept/promote")
	if len(c.PeekPromotions()) != 1 {
		t.Fatal("promotion queue: want requeued after escalated threshold crossed")
	}
}

func TestCache_RequeuePromotionOnFailure(t *testing.T) {
	c := newTestCache(t, l1.Config{
		MaxSize:              100,
		EvictionThreshold:    1,
		PromotionThreshold:   2,
		PromotionRequeueStep: 1,
	})
	if err := c.Put("oid", []float32{1, 0}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	c.Get("oid")
	c.Get("oid")
	drained := c.DrainPromotions(10)
	if len(drained) != 1 {
		t.Fatalf("DrainPromotions: want 1, got %d", len(drained))
	}

	c.RequeuePromotion("oid")
	if len(c.PeekPromotions()) != 1 {
		t.Fatal("RequeuePromotion: want requeued immediately")
	}
}

func TestCache_PinnedDuringPromotionSurvivesEviction(t *testing.T) {
	c := newTestCache(t, l1.Config{
		MaxSize:              2,
		EvictionThreshold:    1,
		LowWaterMark:         0.5,
		PromotionThreshold:   1,
		PromotionRequeueStep: 1,
	})
	if err := c.Put("hot", []float32{1, 0}); err != nil {
		t.Fatalf("Put hot: %v", err)
	}
	c.Get("hot")
	drained := c.DrainPromotions(10)
	if len(drained) != 1 {
		t.Fatalf("DrainPromotions: want 1, got %d", len(drained))
	}

	if err := c.Put("cold1", []float32{0, 1}); err != nil {
		t.Fatalf("Put cold1: %v", err)
	}
	if err := c.Put("cold2", []float32{0, 1}); err != nil {
		t.Fatalf("Put cold2: %v", err)
	}

	if _, ok := c.Get("hot"); !ok {
		t.Error("pinned entry must survive eviction while promotion is pending")
	}
}

func TestCache_Search(t *testing.T) {
	c := newTestCache(t, l1.Config{MaxSize: 10, EvictionThreshold: 1})
	if err := c.Put("a", []float32{1, 0}); err != nil {
		t.Fatalf("Put a: %v", err)
	}
	if err := c.Put("b", []float32{0, 1}); err != nil {
		t.Fatalf("Put b: %v", err)
	}
	matches, err := c.Search([]float32{1, 0}, 1, -1)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].OID != "a" {
		t.Fatalf("Search: want [a], got %+v", matches)
	}
}
