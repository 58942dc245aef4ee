// Package media abstracts local capture acquisition and the short-lived
// pre-call handoff of an already-acquired capture.
package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Typed acquisition failures. Callers abort call setup on any of these and
// surface the distinction to the user; they are never retried silently.
var (
	ErrPermissionDenied  = errors.New("media: capture permission denied")
	ErrDeviceUnavailable = errors.New("media: no matching capture device")
	ErrDeviceBusy        = errors.New("media: capture device busy")
)

// Kind selects which tracks a capture carries.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// Capture is a set of live local tracks. It is exclusively owned by whoever
// holds the reference; Stop releases the underlying devices and is safe to
// call more than once.
type Capture interface {
	Tracks() []webrtc.TrackLocal
	Stop()
	Stopped() bool
}

// Source acquires a fresh capture. Platform implementations must return the
// typed errors above so the session can distinguish permission denial from
// missing or busy hardware.
type Source interface {
	Acquire(ctx context.Context, kind Kind) (Capture, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Synthetic source
// ─────────────────────────────────────────────────────────────────────────────

// SyntheticSource produces silent static-sample tracks. It backs the CLI and
// tests, where negotiating real devices is out of scope.
type SyntheticSource struct{}

func (SyntheticSource) Acquire(_ context.Context, kind Kind) (Capture, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "callkit",
	)
	if err != nil {
		return nil, ErrDeviceUnavailable
	}

	tracks := []webrtc.TrackLocal{audio}
	if kind == KindVideo {
		video, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "callkit",
		)
		if err != nil {
			return nil, ErrDeviceUnavailable
		}
		tracks = append(tracks, video)
	}

	return &staticCapture{tracks: tracks}, nil
}

type staticCapture struct {
	mu      sync.Mutex
	tracks  []webrtc.TrackLocal
	stopped bool
}

func (c *staticCapture) Tracks() []webrtc.TrackLocal {
	return c.tracks
}

func (c *staticCapture) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func (c *staticCapture) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// WriteSilence pushes one silent sample to a static track, keeping the
// encoder pipeline alive during long negotiation pauses.
func WriteSilence(track webrtc.TrackLocal) {
	if t, ok := track.(*webrtc.TrackLocalStaticSample); ok {
		// 0xF8 0xFF 0xFE is the canonical silent Opus frame.
		_ = t.WriteSample(media.Sample{Data: []byte{0xF8, 0xFF, 0xFE}, Duration: 20 * time.Millisecond})
	}
}
