package rtc

import (
	"sync"

	"github.com/chatr4661-cell/callkit/internal/quality"
	"github.com/chatr4661-cell/callkit/internal/util"
)

// Outgoing bitrate caps per quality tier, in bits per second.
var tierCaps = map[quality.Tier]int{
	quality.TierExcellent:    2_500_000,
	quality.TierGood:         1_200_000,
	quality.TierPoor:         500_000,
	quality.TierReconnecting: 250_000,
}

// BitrateDirective is the one sanctioned mutation path from the quality
// monitor into the outgoing media path. Applying the same tier twice is a
// no-op.
type BitrateDirective struct {
	mu      sync.Mutex
	current quality.Tier
	apply   func(capBps int) // feeds the encoder pipeline; nil means log only
}

// NewBitrateDirective builds a directive. apply receives the new cap in bps;
// pass nil when the media pipeline has no controllable encoder (synthetic
// tracks).
func NewBitrateDirective(apply func(capBps int)) *BitrateDirective {
	return &BitrateDirective{apply: apply}
}

// Apply adjusts the outgoing cap for the given tier.
func (d *BitrateDirective) Apply(tier quality.Tier) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if tier == d.current {
		return nil
	}
	d.current = tier

	capBps, ok := tierCaps[tier]
	if !ok {
		return nil
	}
	util.LogDebug("capping outgoing bitrate at %d bps for tier %s", capBps, tier)
	if d.apply != nil {
		d.apply(capBps)
	}
	return nil
}
