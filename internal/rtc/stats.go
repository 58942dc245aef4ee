package rtc

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/chatr4661-cell/callkit/internal/quality"
)

// StatsSource derives quality samples from a Peer's stats report. It only
// reads; encoder parameters are mutated exclusively through BitrateDirective.
type StatsSource struct {
	peer *Peer
}

// NewStatsSource builds a quality.Source over peer.
func NewStatsSource(peer *Peer) *StatsSource {
	return &StatsSource{peer: peer}
}

func (s *StatsSource) Sample(_ context.Context) (quality.Sample, error) {
	return sampleFromReport(s.peer.pc.GetStats()), nil
}

// sampleFromReport folds one stats report into a quality sample. Entries it
// does not recognize are skipped; voice-only calls leave the video fields
// zero-valued.
func sampleFromReport(report webrtc.StatsReport) quality.Sample {
	var sample quality.Sample
	for _, stat := range report {
		switch v := stat.(type) {
		case webrtc.ICECandidatePairStats:
			if v.State != webrtc.StatsICECandidatePairStateSucceeded {
				continue
			}
			sample.RTT = time.Duration(v.CurrentRoundTripTime * float64(time.Second))
			sample.BitrateKbps = v.AvailableOutgoingBitrate / 1000

		case webrtc.RemoteInboundRTPStreamStats:
			sample.PacketLossPct = v.FractionLost * 100
			sample.Jitter = time.Duration(v.Jitter * float64(time.Second))

		case webrtc.VideoReceiverStats:
			sample.FrameRate = v.FramesPerSecond
			if v.FrameWidth > 0 {
				sample.Resolution = fmt.Sprintf("%dx%d", v.FrameWidth, v.FrameHeight)
			}
		}
	}
	return sample
}

// Disconnected reports whether the underlying ICE transport has dropped.
func (s *StatsSource) Disconnected() bool {
	switch s.peer.ICEState() {
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		return true
	}
	return false
}
