package datastore

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	val, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || val != "v" {
		t.Fatalf("expected hit v, got val=%v ok=%v err=%v", val, ok, err)
	}

	existed, err := s.Delete(ctx, "k")
	if err != nil || !existed {
		t.Fatalf("expected Delete to report existed, got %v %v", existed, err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected key gone after Delete")
	}
}

func TestMemoryStore_SetTTLExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "k", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected key to have expired")
	}
}

func TestMemoryStore_ZSetOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.ZAdd(ctx, "z", 3, "c"); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	if err := s.ZAdd(ctx, "z", 1, "a"); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}
	if err := s.ZAdd(ctx, "z", 2, "b"); err != nil {
		t.Fatalf("ZAdd: %v", err)
	}

	members, err := s.ZRange(ctx, "z", 0, -1)
	if err != nil {
		t.Fatalf("ZRange: %v", err)
	}
	want := []string{"a", "b", "c"}
	if !equalStrings(members, want) {
		t.Fatalf("expected %v, got %v", want, members)
	}

	last, err := s.ZRange(ctx, "z", -1, -1)
	if err != nil || !equalStrings(last, []string{"c"}) {
		t.Fatalf("expected [c], got %v err=%v", last, err)
	}

	card, err := s.ZCard(ctx, "z")
	if err != nil || card != 3 {
		t.Fatalf("expected card 3, got %d err=%v", card, err)
	}
}

func TestMemoryStore_ZAddUpdatesExistingMemberScore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	mustZAdd(t, s, "z", 1, "a")
	mustZAdd(t, s, "z", 5, "a")

	card, _ := s.ZCard(ctx, "z")
	if card != 1 {
		t.Fatalf("expected re-adding a member to update its score, not grow the set, got card=%d", card)
	}
	members, _ := s.ZRangeByScore(ctx, "z", 5, 5)
	if !equalStrings(members, []string{"a"}) {
		t.Fatalf("expected score to have updated to 5, got %v", members)
	}
}

func TestMemoryStore_ZRemRangeByScore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	mustZAdd(t, s, "z", 1, "a")
	mustZAdd(t, s, "z", 2, "b")
	mustZAdd(t, s, "z", 3, "c")

	if err := s.ZRemRangeByScore(ctx, "z", NegInf, 2); err != nil {
		t.Fatalf("ZRemRangeByScore: %v", err)
	}
	members, _ := s.ZRange(ctx, "z", 0, -1)
	if !equalStrings(members, []string{"c"}) {
		t.Fatalf("expected only c to survive, got %v", members)
	}
}

func TestMemoryStore_ZRemRangeByRank(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	mustZAdd(t, s, "z", 1, "a")
	mustZAdd(t, s, "z", 2, "b")
	mustZAdd(t, s, "z", 3, "c")

	if err := s.ZRemRangeByRank(ctx, "z", 0, 0); err != nil {
		t.Fatalf("ZRemRangeByRank: %v", err)
	}
	members, _ := s.ZRange(ctx, "z", 0, -1)
	if !equalStrings(members, []string{"b", "c"}) {
		t.Fatalf("expected b,c to survive, got %v", members)
	}
}

func TestMemoryStore_ExpireZeroKeepsExistingTTL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Set(ctx, "k", "v", 5*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Expire(ctx, "k", 0); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expected Expire(ttl=0) to leave the original TTL in place")
	}
}

func TestMemoryStore_PipelineIsAtomicAndOrdered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	now := 1000.0
	mustZAdd(t, s, "requests:fp1", now-120, "old")
	mustZAdd(t, s, "requests:fp1", now-10, "recent")

	var pruned, count int64
	var top []string
	err := s.Pipeline(ctx, func(p Pipeliner) error {
		pruneRes := p.ZRemRangeByScore("requests:fp1", NegInf, now-60)
		addRes := p.ZAdd("requests:fp1", now, "current")
		expireRes := p.Expire("requests:fp1", time.Minute)
		countRes := p.ZCard("requests:fp1")
		topRes := p.ZRange("requests:fp1", -5, -1)

		pruned = pruneRes.Val()
		count = countRes.Val()
		top = topRes.Val()
		_ = addRes.Val()
		_ = expireRes.Val()
		return nil
	})
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 stale member pruned, got %d", pruned)
	}
	if count != 2 {
		t.Fatalf("expected 2 members remaining, got %d", count)
	}
	if !equalStrings(top, []string{"recent", "current"}) {
		t.Fatalf("expected [recent current], got %v", top)
	}
}

func mustZAdd(t *testing.T, s DataStore, key string, score float64, member string) {
	t.Helper()
	if err := s.ZAdd(context.Background(), key, score, member); err != nil {
		t.Fatalf("ZAdd(%s): %v", member, err)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
