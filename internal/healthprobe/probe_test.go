package healthprobe

import (
	"context"
	"testing"
	"time"
)

func TestSnapshotCachesWithinTTL(t *testing.T) {
	s := NewSampler()
	first := s.Snapshot(context.Background())
	second := s.Snapshot(context.Background())
	if !first.CollectedAt.Equal(second.CollectedAt) {
		t.Fatalf("expected cached snapshot within TTL, got distinct timestamps")
	}
}

func TestSnapshotRefreshesAfterTTL(t *testing.T) {
	s := NewSampler()
	first := s.Snapshot(context.Background())
	time.Sleep(cacheTTL + 50*time.Millisecond)
	second := s.Snapshot(context.Background())
	if !second.CollectedAt.After(first.CollectedAt) {
		t.Fatalf("expected refreshed snapshot after TTL")
	}
}
