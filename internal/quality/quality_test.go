package quality_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chatr4661-cell/callkit/internal/quality"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name         string
		sample       quality.Sample
		disconnected bool
		want         quality.Tier
	}{
		{
			name:   "clean link is excellent",
			sample: quality.Sample{PacketLossPct: 0.5, RTT: 50 * time.Millisecond},
			want:   quality.TierExcellent,
		},
		{
			name:   "elevated rtt is good",
			sample: quality.Sample{PacketLossPct: 1.0, RTT: 200 * time.Millisecond},
			want:   quality.TierGood,
		},
		{
			name:   "elevated loss is good",
			sample: quality.Sample{PacketLossPct: 3.0, RTT: 50 * time.Millisecond},
			want:   quality.TierGood,
		},
		{
			name:   "heavy loss is poor even with low rtt",
			sample: quality.Sample{PacketLossPct: 6.0, RTT: 100 * time.Millisecond},
			want:   quality.TierPoor,
		},
		{
			name:   "heavy rtt is poor even with low loss",
			sample: quality.Sample{PacketLossPct: 0.1, RTT: 400 * time.Millisecond},
			want:   quality.TierPoor,
		},
		{
			name:   "thresholds are exclusive at the boundary",
			sample: quality.Sample{PacketLossPct: 2.0, RTT: 150 * time.Millisecond},
			want:   quality.TierExcellent,
		},
		{
			name:         "disconnected overrides perfect numbers",
			sample:       quality.Sample{PacketLossPct: 0, RTT: 10 * time.Millisecond},
			disconnected: true,
			want:         quality.TierReconnecting,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := quality.Classify(tc.sample, tc.disconnected); got != tc.want {
				t.Errorf("Classify(%+v, %v) = %s, want %s", tc.sample, tc.disconnected, got, tc.want)
			}
		})
	}
}

// scriptedSource serves a fixed sequence of samples, repeating the last one.
type scriptedSource struct {
	mu      sync.Mutex
	samples []quality.Sample
	idx     int
}

func (s *scriptedSource) Sample(context.Context) (quality.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sample := s.samples[s.idx]
	if s.idx < len(s.samples)-1 {
		s.idx++
	}
	return sample, nil
}

func (s *scriptedSource) Disconnected() bool { return false }

func TestMonitorAppliesDirectiveOncePerTierChange(t *testing.T) {
	src := &scriptedSource{samples: []quality.Sample{
		{PacketLossPct: 0.1, RTT: 20 * time.Millisecond}, // excellent (initial, no change)
		{PacketLossPct: 6.0, RTT: 20 * time.Millisecond}, // poor
		{PacketLossPct: 6.0, RTT: 20 * time.Millisecond}, // still poor, no re-apply
		{PacketLossPct: 6.0, RTT: 20 * time.Millisecond},
	}}

	var mu sync.Mutex
	var applied []quality.Tier
	adjust := func(tier quality.Tier) error {
		mu.Lock()
		applied = append(applied, tier)
		mu.Unlock()
		return nil
	}

	m := quality.NewMonitor(src, 5*time.Millisecond, true, adjust)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(applied) != 1 {
		t.Fatalf("adjustments applied = %d (%v), want exactly 1", len(applied), applied)
	}
	if applied[0] != quality.TierPoor {
		t.Errorf("applied tier = %s, want %s", applied[0], quality.TierPoor)
	}

	if _, tier := m.Latest(); tier != quality.TierPoor {
		t.Errorf("latest tier = %s, want %s", tier, quality.TierPoor)
	}
}

func TestMonitorNilAdjustDisablesAutoAdjust(t *testing.T) {
	src := &scriptedSource{samples: []quality.Sample{
		{PacketLossPct: 6.0, RTT: 20 * time.Millisecond},
	}}

	// Must not panic on tier change with auto-adjust requested but no
	// directive wired.
	m := quality.NewMonitor(src, 5*time.Millisecond, true, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if _, tier := m.Latest(); tier != quality.TierPoor {
		t.Errorf("latest tier = %s, want %s", tier, quality.TierPoor)
	}
}

func TestMonitorTierChangeCallback(t *testing.T) {
	src := &scriptedSource{samples: []quality.Sample{
		{PacketLossPct: 6.0, RTT: 20 * time.Millisecond},
	}}

	changed := make(chan quality.Tier, 1)
	m := quality.NewMonitor(src, 5*time.Millisecond, false, nil)
	m.OnTierChange(func(tier quality.Tier) {
		select {
		case changed <- tier:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	select {
	case tier := <-changed:
		if tier != quality.TierPoor {
			t.Errorf("callback tier = %s, want %s", tier, quality.TierPoor)
		}
	case <-time.After(time.Second):
		t.Fatal("tier change callback never fired")
	}
}
