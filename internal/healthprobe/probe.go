// Package healthprobe samples lightweight process/host health metrics for
// the boundary's /health endpoint, grounded on internal/monitor/service.go's
// cached-snapshot idiom (collect on demand, cache for a short TTL so a
// health-check storm doesn't re-sample gopsutil on every request).
package healthprobe

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/load"
)

const cacheTTL = 2 * time.Second

// Snapshot is the data surfaced on /health.
type Snapshot struct {
	Goroutines  int       `json:"goroutines"`
	AllocBytes  uint64    `json:"allocBytes"`
	LoadAverage []float64 `json:"loadAverage,omitempty"`
	CollectedAt time.Time `json:"collectedAt"`
}

// Sampler caches the last snapshot for cacheTTL so concurrent health checks
// don't each pay gopsutil's syscall cost.
type Sampler struct {
	mu   sync.Mutex
	last Snapshot
	has  bool
}

func NewSampler() *Sampler {
	return &Sampler{}
}

func (s *Sampler) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	if s.has && time.Since(s.last.CollectedAt) < cacheTTL {
		out := s.last
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := collect(ctx)

	s.mu.Lock()
	s.last = snap
	s.has = true
	s.mu.Unlock()
	return snap
}

func collect(ctx context.Context) Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := Snapshot{
		Goroutines:  runtime.NumGoroutine(),
		AllocBytes:  mem.Alloc,
		CollectedAt: time.Now(),
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return snap
}
