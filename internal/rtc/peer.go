// Package rtc wraps the platform peer connection behind a narrow contract so
// the session state machine and its tests never touch pion directly.
package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// PeerLink is the slice of peer-connection behavior the session machine
// consumes. The pion-backed implementation is Peer; tests substitute fakes.
type PeerLink interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	OnICECandidate(func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	AddTrack(webrtc.TrackLocal) error
	Close() error
}

// Peer wraps a single PeerConnection. It records the last observed ICE
// connection state for the quality monitor and keeps the RTP senders it
// created so the bitrate directive has a target.
type Peer struct {
	pc *webrtc.PeerConnection

	mu       sync.RWMutex
	iceState webrtc.ICEConnectionState
	senders  []*webrtc.RTPSender
}

// NewPeer creates a Peer configured with the given ICE servers.
func NewPeer(servers []webrtc.ICEServer) (*Peer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	p := &Peer{pc: pc, iceState: webrtc.ICEConnectionStateNew}
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.mu.Lock()
		p.iceState = state
		p.mu.Unlock()
	})
	return p, nil
}

func (p *Peer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *Peer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *Peer) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sdp)
}

func (p *Peer) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sdp)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (p *Peer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	p.pc.OnICECandidate(fn)
}

// OnICEConnectionStateChange chains the caller's callback after the internal
// state recording.
func (p *Peer) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.mu.Lock()
		p.iceState = state
		p.mu.Unlock()
		fn(state)
	})
}

// AddTrack attaches a local track for sending.
func (p *Peer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.senders = append(p.senders, sender)
	p.mu.Unlock()
	return nil
}

// ICEState returns the last observed ICE connection state.
func (p *Peer) ICEState() webrtc.ICEConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.iceState
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	return p.pc.Close()
}
