// Package quality classifies live call transport health and drives the
// optional adaptive bitrate loop.
package quality

import "time"

// Tier is the coarse classification of call transport health.
type Tier string

const (
	TierExcellent    Tier = "excellent"
	TierGood         Tier = "good"
	TierPoor         Tier = "poor"
	TierReconnecting Tier = "reconnecting"
)

// Sample is a point-in-time measurement of call transport health. It is
// ephemeral: only the latest sample and its classification are retained.
type Sample struct {
	BitrateKbps   float64
	PacketLossPct float64
	RTT           time.Duration
	Jitter        time.Duration
	FrameRate     float64
	Resolution    string
}

// Classification thresholds. Tunable, but applied consistently: a sample is
// poor before it is good, good before it is excellent.
const (
	poorLossPct = 5.0
	poorRTT     = 300 * time.Millisecond
	goodLossPct = 2.0
	goodRTT     = 150 * time.Millisecond
)

// Classify maps the latest sample to a tier. No smoothing: the tier is a
// pure function of this sample. A disconnected transport overrides the
// numeric thresholds entirely.
func Classify(s Sample, disconnected bool) Tier {
	if disconnected {
		return TierReconnecting
	}
	if s.PacketLossPct > poorLossPct || s.RTT > poorRTT {
		return TierPoor
	}
	if s.PacketLossPct > goodLossPct || s.RTT > goodRTT {
		return TierGood
	}
	return TierExcellent
}
