package quality

import (
	"context"
	"sync"
	"time"

	"github.com/chatr4661-cell/callkit/internal/util"
)

// Source reads statistics from the live transport. It must be non-mutating;
// the only sanctioned mutation path is the adjust callback given to Monitor.
type Source interface {
	Sample(ctx context.Context) (Sample, error)
	Disconnected() bool
}

// Monitor samples a Source on a fixed interval, classifies each sample, and
// (when auto-adjust is on) applies a bitrate directive on tier changes.
// Re-applying the current tier is a no-op, and at most one directive is
// issued per sampling interval.
type Monitor struct {
	src        Source
	interval   time.Duration
	autoAdjust bool
	adjust     func(Tier) error

	mu         sync.RWMutex
	latest     Sample
	latestTier Tier
	onTier     func(Tier)
}

// NewMonitor builds a Monitor. adjust may be nil, in which case auto-adjust
// is disabled regardless of the flag.
func NewMonitor(src Source, interval time.Duration, autoAdjust bool, adjust func(Tier) error) *Monitor {
	if adjust == nil {
		autoAdjust = false
	}
	return &Monitor{
		src:        src,
		interval:   interval,
		autoAdjust: autoAdjust,
		adjust:     adjust,
		latestTier: TierExcellent,
	}
}

// OnTierChange registers a callback invoked (from the monitor goroutine)
// whenever the classified tier changes. Must be set before Run.
func (m *Monitor) OnTierChange(fn func(Tier)) {
	m.onTier = fn
}

// Latest returns the most recent sample and its classification.
func (m *Monitor) Latest() (Sample, Tier) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.latestTier
}

// Run blocks, sampling until ctx is cancelled. A failed sample or adjustment
// is logged and skipped; the loop always continues on the next tick.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	sample, err := m.src.Sample(ctx)
	if err != nil {
		util.LogDebug("quality sample failed, skipping interval: %v", err)
		return
	}
	util.Stats.AddSample()

	tier := Classify(sample, m.src.Disconnected())

	m.mu.Lock()
	changed := tier != m.latestTier
	m.latest = sample
	m.latestTier = tier
	m.mu.Unlock()

	if !changed {
		return
	}
	util.LogInfo("call quality changed to %s (loss=%.1f%% rtt=%s)", tier, sample.PacketLossPct, sample.RTT)
	if m.onTier != nil {
		m.onTier(tier)
	}
	if m.autoAdjust {
		if err := m.adjust(tier); err != nil {
			util.LogWarning("bitrate adjustment for tier %s failed: %v", tier, err)
		}
	}
}
