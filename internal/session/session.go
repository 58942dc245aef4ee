// Package session owns the single source of truth for one call's lifecycle
// and orchestrates the local peer connection.
//
// All state mutation happens on one goroutine (the run loop); signal
// arrivals, ICE state changes, user actions, and timer expiries are messages
// into that loop. Every handler re-checks the current state before applying
// a transition, so interleavings between suspension points cannot corrupt
// the machine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/chatr4661-cell/callkit/internal/ice"
	"github.com/chatr4661-cell/callkit/internal/media"
	"github.com/chatr4661-cell/callkit/internal/rtc"
	"github.com/chatr4661-cell/callkit/internal/signal"
	"github.com/chatr4661-cell/callkit/internal/util"
)

var (
	// ErrTerminal is returned by user actions arriving after the session
	// reached ended or failed.
	ErrTerminal = errors.New("session: already ended")
	// ErrNotCallee is returned when Accept/Reject is called on an
	// outbound session.
	ErrNotCallee = errors.New("session: not the callee side")
	// ErrNotRinging is returned when Accept/Reject is called outside the
	// ringing state.
	ErrNotRinging = errors.New("session: not ringing")
)

const (
	sendTimeout    = 5 * time.Second
	eventBuffer    = 16
	transitionsCap = 32
)

// Config carries the per-session tunables. The ringing and reconnection
// windows are configuration, not constants.
type Config struct {
	SelfID          string
	RingTimeout     time.Duration
	ReconnectWindow time.Duration
}

// Deps are the collaborators a session needs. NewPeer defaults to the
// pion-backed rtc.NewPeer; tests substitute fakes.
type Deps struct {
	Store   signal.Store
	ICE     ice.Provider
	Media   media.Source
	Handoff *media.Handoff
	NewPeer func(servers []webrtc.ICEServer) (rtc.PeerLink, error)
}

func (d *Deps) newPeer(servers []webrtc.ICEServer) (rtc.PeerLink, error) {
	if d.NewPeer != nil {
		return d.NewPeer(servers)
	}
	return rtc.NewPeer(servers)
}

type actionKind int

const (
	actAccept actionKind = iota
	actReject
	actHangup
	actSupersede
	actFail
)

type action struct {
	kind    actionKind
	capture media.Capture
	link    rtc.PeerLink
	cause   Cause
	errCh   chan error
}

// Session represents one call attempt. Terminal states are final; callers
// create a new Session (with a new id) for any subsequent call.
type Session struct {
	ID   string
	Kind media.Kind

	self   string
	peer   string
	caller bool

	cfg  Config
	deps Deps
	ctx  context.Context

	mu          sync.RWMutex
	state       State
	cause       Cause
	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time
	capture     media.Capture
	link        rtc.PeerLink

	// Loop-owned negotiation state (touched only on the run goroutine).
	remoteSet   bool
	pendingICE  []webrtc.ICECandidateInit
	remoteOffer *signal.Signal
	seen        map[string]struct{}

	signals     chan signal.Signal
	iceEvents   chan webrtc.ICEConnectionState
	actions     chan action
	subDown     chan error
	transitions chan Transition

	ringTimer      *time.Timer
	ringC          <-chan time.Time
	connectTimer   *time.Timer
	connectC       <-chan time.Time
	reconnectTimer *time.Timer
	reconnectC     <-chan time.Time

	disposers []func()
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(ctx context.Context, cfg Config, deps Deps, callID, peerID string, kind media.Kind, caller bool) *Session {
	return &Session{
		ID:          callID,
		Kind:        kind,
		self:        cfg.SelfID,
		peer:        peerID,
		caller:      caller,
		cfg:         cfg,
		deps:        deps,
		ctx:         ctx,
		state:       StateIdle,
		seen:        make(map[string]struct{}),
		signals:     make(chan signal.Signal, eventBuffer),
		iceEvents:   make(chan webrtc.ICEConnectionState, eventBuffer),
		actions:     make(chan action, eventBuffer),
		subDown:     make(chan error, 1),
		transitions: make(chan Transition, transitionsCap),
		done:        make(chan struct{}),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Construction: outbound (Dial) and inbound (Answer)
// ─────────────────────────────────────────────────────────────────────────────

// Dial starts an outbound call: claim (or acquire) local media, fetch ICE
// servers, publish the offer, and enter ringing. Media acquisition failures
// return the typed media errors unwrapped; no session is created and nothing
// leaks.
func Dial(ctx context.Context, cfg Config, deps Deps, callID, peerID string, kind media.Kind) (*Session, error) {
	capture := deps.Handoff.Claim(callID)
	if capture == nil {
		var err error
		capture, err = deps.Media.Acquire(ctx, kind)
		if err != nil {
			return nil, err
		}
	}

	servers, err := deps.ICE.Servers(ctx)
	if err != nil {
		capture.Stop()
		return nil, fmt.Errorf("fetch ICE servers: %w", err)
	}

	link, err := deps.newPeer(servers)
	if err != nil {
		capture.Stop()
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := newSession(ctx, cfg, deps, callID, peerID, kind, true)
	s.capture = capture
	s.link = link

	fail := func(err error) (*Session, error) {
		s.teardown()
		return nil, err
	}

	for _, track := range capture.Tracks() {
		if err := link.AddTrack(track); err != nil {
			return fail(fmt.Errorf("attach track: %w", err))
		}
	}

	// Subscribe before publishing the offer so the answer cannot slip by.
	dispose, err := deps.Store.Subscribe(ctx, callID, s.deliver, s.subFailed)
	if err != nil {
		return fail(fmt.Errorf("subscribe to call signals: %w", err))
	}
	s.disposers = append(s.disposers, dispose)

	s.wireLink(link)

	offer, err := link.CreateOffer()
	if err != nil {
		return fail(fmt.Errorf("create offer: %w", err))
	}
	if err := link.SetLocalDescription(offer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}
	payload, err := json.Marshal(offer)
	if err != nil {
		return fail(err)
	}
	if err := s.sendSignal(ctx, signal.TypeOffer, payload); err != nil {
		return fail(err)
	}

	s.enterRinging()
	util.Stats.AddPlaced()
	go s.run(ctx)
	return s, nil
}

// Answer creates the callee side of a call from a received offer record.
// The session rings until Accept or Reject; candidates trickling in before
// acceptance are buffered. Already-stored records for the call are replayed
// for catch-up, deduplicated against the live subscription.
func Answer(ctx context.Context, cfg Config, deps Deps, offer signal.Signal) (*Session, error) {
	if offer.Type != signal.TypeOffer {
		return nil, fmt.Errorf("answer: expected %s record, got %s", signal.TypeOffer, offer.Type)
	}

	kind := media.KindVoice
	if offer.Kind == string(media.KindVideo) {
		kind = media.KindVideo
	}

	s := newSession(ctx, cfg, deps, offer.CallID, offer.Sender, kind, false)
	s.remoteOffer = &offer

	dispose, err := deps.Store.Subscribe(ctx, offer.CallID, s.deliver, s.subFailed)
	if err != nil {
		s.teardown()
		return nil, fmt.Errorf("subscribe to call signals: %w", err)
	}
	s.disposers = append(s.disposers, dispose)

	// Catch-up: candidates may have been inserted before we subscribed.
	stored, err := deps.Store.List(ctx, offer.CallID)
	if err != nil {
		util.LogWarning("signal catch-up for %s failed: %v", offer.CallID, err)
	}
	for _, sig := range stored {
		s.deliver(sig)
	}

	s.enterRinging()
	go s.run(ctx)
	return s, nil
}

func (s *Session) enterRinging() {
	s.mu.Lock()
	s.state = StateRinging
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.emit(StateRinging, CauseNone)
}

// ─────────────────────────────────────────────────────────────────────────────
// Public surface
// ─────────────────────────────────────────────────────────────────────────────

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// EndCause returns why the session ended, once terminal.
func (s *Session) EndCause() Cause {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause
}

// Timestamps returns startedAt, connectedAt, endedAt. Each is set at most
// once and they are monotonically increasing when present.
func (s *Session) Timestamps() (started, connected, ended time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt, s.connectedAt, s.endedAt
}

// IsCaller reports whether this is the offering side.
func (s *Session) IsCaller() bool { return s.caller }

// Peer returns the remote participant's user id.
func (s *Session) Peer() string { return s.peer }

// Transitions streams state changes to the owning UI. Slow consumers lose
// old entries rather than blocking the machine.
func (s *Session) Transitions() <-chan Transition { return s.transitions }

// Done is closed when the session reaches a terminal state and all resources
// are released.
func (s *Session) Done() <-chan struct{} { return s.done }

// Link exposes the peer link once negotiation has started (for quality
// monitoring). It is nil before Accept on the callee side.
func (s *Session) Link() rtc.PeerLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.link
}

// Accept answers an inbound ringing call: acquire media (preferring a
// pre-call handoff), build the peer connection, apply the stored offer, and
// publish the answer. If a hang-up or timeout wins the race, everything
// prepared here is rolled back and ErrTerminal is returned.
func (s *Session) Accept(ctx context.Context) error {
	if s.caller {
		return ErrNotCallee
	}
	if s.State() != StateRinging {
		return ErrNotRinging
	}

	capture := s.deps.Handoff.Claim(s.ID)
	if capture == nil {
		var err error
		capture, err = s.deps.Media.Acquire(ctx, s.Kind)
		if err != nil {
			// Typed media errors surface as-is; the call aborts
			// before reaching connecting.
			s.dispatch(action{kind: actFail, cause: CauseMediaFailure})
			return err
		}
	}

	rollback := func(err error, cause Cause) error {
		capture.Stop()
		s.dispatch(action{kind: actFail, cause: cause})
		return err
	}

	servers, err := s.deps.ICE.Servers(ctx)
	if err != nil {
		return rollback(fmt.Errorf("fetch ICE servers: %w", err), CauseSignalingFailure)
	}
	link, err := s.deps.newPeer(servers)
	if err != nil {
		return rollback(fmt.Errorf("create peer connection: %w", err), CauseSignalingFailure)
	}
	for _, track := range capture.Tracks() {
		if err := link.AddTrack(track); err != nil {
			_ = link.Close()
			return rollback(fmt.Errorf("attach track: %w", err), CauseMediaFailure)
		}
	}

	errCh := make(chan error, 1)
	if !s.dispatch(action{kind: actAccept, capture: capture, link: link, errCh: errCh}) {
		capture.Stop()
		_ = link.Close()
		return ErrTerminal
	}
	select {
	case err := <-errCh:
		if err != nil {
			capture.Stop()
			_ = link.Close()
		}
		return err
	case <-s.done:
		// The loop may have processed the accept, failed, and torn down
		// before we observed errCh; prefer the concrete error when both
		// channels are ready.
		select {
		case err := <-errCh:
			if err != nil {
				capture.Stop()
				_ = link.Close()
				return err
			}
		default:
		}
		return ErrTerminal
	}
}

// Reject declines an inbound ringing call and notifies the caller.
func (s *Session) Reject() error {
	if s.caller {
		return ErrNotCallee
	}
	if !s.dispatch(action{kind: actReject}) {
		return ErrTerminal
	}
	return nil
}

// Hangup ends the call from any non-terminal state. Cleanup is unconditional:
// no media track, subscription, or handoff registration survives.
func (s *Session) Hangup() {
	s.dispatch(action{kind: actHangup})
}

// supersede ends a ringing outbound session that lost a glare tie-break.
// No hangup record is published: the remote side never saw our offer win.
func (s *Session) supersede() {
	s.dispatch(action{kind: actSupersede})
}

func (s *Session) dispatch(act action) bool {
	select {
	case s.actions <- act:
		return true
	case <-s.done:
		return false
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Run loop — the single writer
// ─────────────────────────────────────────────────────────────────────────────

func (s *Session) run(ctx context.Context) {
	s.ringTimer = time.NewTimer(s.cfg.RingTimeout)
	s.ringC = s.ringTimer.C
	defer s.ringTimer.Stop()
	defer func() {
		if s.connectTimer != nil {
			s.connectTimer.Stop()
		}
		if s.reconnectTimer != nil {
			s.reconnectTimer.Stop()
		}
	}()

	for {
		select {
		case sig := <-s.signals:
			s.handleSignal(sig)
		case st := <-s.iceEvents:
			s.handleICEState(st)
		case act := <-s.actions:
			s.handleAction(act)
		case err := <-s.subDown:
			// Without a live subscription the call cannot complete or be
			// torn down remotely; that is fatal in every active state.
			util.LogError("signal subscription lost on %s: %v", s.ID, err)
			s.finish(StateFailed, CauseSignalingFailure, false)
		case <-s.ringC:
			if s.State() == StateRinging {
				s.finish(StateEnded, CauseNoAnswer, false)
			}
		case <-s.connectC:
			if s.State() == StateConnecting {
				s.finish(StateFailed, CauseNegotiationTimeout, false)
			}
		case <-s.reconnectC:
			if s.State() == StateReconnecting {
				s.finish(StateFailed, CauseReconnectTimeout, false)
			}
		case <-ctx.Done():
			s.finish(StateEnded, CauseHangup, true)
		}

		if s.State().Terminal() {
			s.teardown()
			return
		}
	}
}

func (s *Session) stopRinging() {
	s.ringTimer.Stop()
	s.ringC = nil
}

// enterConnecting bounds ICE completion with the reconnection window, so a
// negotiation that never connects fails instead of hanging forever.
func (s *Session) enterConnecting() {
	s.stopRinging()
	s.connectTimer = time.NewTimer(s.cfg.ReconnectWindow)
	s.connectC = s.connectTimer.C
	s.setState(StateConnecting, CauseNone)
}

func (s *Session) handleSignal(sig signal.Signal) {
	util.Stats.AddRecv()

	switch sig.Type {
	case signal.TypeAnswer:
		if !s.caller || s.State() != StateRinging {
			util.LogDebug("ignoring %s record in state %s", sig.Type, s.State())
			return
		}
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(sig.Payload, &desc); err != nil {
			s.finish(StateFailed, CauseSignalingFailure, false)
			return
		}
		if err := s.link.SetRemoteDescription(desc); err != nil {
			util.LogError("apply remote answer: %v", err)
			s.finish(StateFailed, CauseSignalingFailure, false)
			return
		}
		s.remoteSet = true
		s.flushPendingICE()
		s.enterConnecting()

	case signal.TypeCandidate:
		var init webrtc.ICECandidateInit
		if err := json.Unmarshal(sig.Payload, &init); err != nil {
			util.LogWarning("malformed ICE candidate on %s: %v", s.ID, err)
			return
		}
		// Candidates may arrive before the remote description; queue
		// them and flush in arrival order once it is applied.
		if !s.remoteSet {
			s.pendingICE = append(s.pendingICE, init)
			return
		}
		if err := s.link.AddICECandidate(init); err != nil {
			util.LogWarning("add ICE candidate: %v", err)
		}

	case signal.TypeHangup:
		if s.State() == StateRinging && s.caller {
			s.finish(StateEnded, CauseRejected, false)
			return
		}
		s.finish(StateEnded, CauseRemoteHangup, false)

	case signal.TypeOffer:
		// Glare and duplicate offers are arbitrated by the Manager
		// before a session exists; at this level they are noise.
		util.LogDebug("ignoring offer record on established session %s", s.ID)
	}
}

func (s *Session) flushPendingICE() {
	for _, init := range s.pendingICE {
		if err := s.link.AddICECandidate(init); err != nil {
			util.LogWarning("flush ICE candidate: %v", err)
		}
	}
	s.pendingICE = nil
}

func (s *Session) handleICEState(st webrtc.ICEConnectionState) {
	switch st {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		switch s.State() {
		case StateConnecting:
			if s.setState(StateConnected, CauseNone) {
				if s.connectTimer != nil {
					s.connectTimer.Stop()
					s.connectC = nil
				}
				util.Stats.AddConnected()
			}
		case StateReconnecting:
			// Recovered within the window: no media re-acquisition,
			// no new offer.
			if s.reconnectTimer != nil {
				s.reconnectTimer.Stop()
				s.reconnectC = nil
			}
			s.setState(StateConnected, CauseNone)
		}

	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		if s.State() != StateConnected {
			return
		}
		if s.setState(StateReconnecting, CauseNone) {
			s.reconnectTimer = time.NewTimer(s.cfg.ReconnectWindow)
			s.reconnectC = s.reconnectTimer.C
		}
	}
}

func (s *Session) handleAction(act action) {
	switch act.kind {
	case actAccept:
		act.errCh <- s.completeAccept(act)

	case actReject:
		if s.State() != StateRinging {
			return
		}
		s.finish(StateEnded, CauseRejected, true)

	case actHangup:
		s.finish(StateEnded, CauseHangup, true)

	case actSupersede:
		if s.State() == StateRinging {
			s.finish(StateEnded, CauseSuperseded, false)
		}

	case actFail:
		s.finish(StateFailed, act.cause, false)
	}
}

// completeAccept finishes the callee handshake on the loop goroutine:
// adopt the prepared resources, apply the stored offer, flush buffered
// candidates, and publish the answer.
func (s *Session) completeAccept(act action) error {
	if s.State() != StateRinging {
		return ErrNotRinging
	}

	s.mu.Lock()
	s.capture = act.capture
	s.link = act.link
	s.mu.Unlock()
	s.wireLink(act.link)

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(s.remoteOffer.Payload, &desc); err != nil {
		s.finish(StateFailed, CauseSignalingFailure, false)
		return fmt.Errorf("decode offer: %w", err)
	}
	if err := act.link.SetRemoteDescription(desc); err != nil {
		s.finish(StateFailed, CauseSignalingFailure, false)
		return fmt.Errorf("apply remote offer: %w", err)
	}
	s.remoteSet = true
	s.flushPendingICE()

	answer, err := act.link.CreateAnswer()
	if err != nil {
		s.finish(StateFailed, CauseSignalingFailure, false)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := act.link.SetLocalDescription(answer); err != nil {
		s.finish(StateFailed, CauseSignalingFailure, false)
		return fmt.Errorf("set local description: %w", err)
	}
	payload, _ := json.Marshal(answer)
	if err := s.sendSignal(s.ctx, signal.TypeAnswer, payload); err != nil {
		s.finish(StateFailed, CauseSignalingFailure, false)
		return err
	}

	s.enterConnecting()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Transitions and teardown
// ─────────────────────────────────────────────────────────────────────────────

// setState applies a transition if the graph allows it. Out-of-graph
// requests are logged and refused, never applied.
func (s *Session) setState(next State, cause Cause) bool {
	s.mu.Lock()
	if !validNext[s.state][next] {
		current := s.state
		s.mu.Unlock()
		util.LogWarning("refusing transition %s → %s on %s", current, next, s.ID)
		return false
	}
	s.state = next
	if cause != CauseNone {
		s.cause = cause
	}
	now := time.Now()
	if next == StateConnected && s.connectedAt.IsZero() {
		s.connectedAt = now
	}
	if next.Terminal() && s.endedAt.IsZero() {
		s.endedAt = now
	}
	s.mu.Unlock()

	s.emit(next, cause)
	return true
}

func (s *Session) emit(state State, cause Cause) {
	t := Transition{State: state, Cause: cause, At: time.Now()}
	select {
	case s.transitions <- t:
	default:
		util.LogDebug("transition buffer full on %s, dropping %s", s.ID, state)
	}
}

// finish moves the session to a terminal state. notifyRemote publishes a
// best-effort hangup record so the far side stops ringing.
func (s *Session) finish(state State, cause Cause, notifyRemote bool) {
	if s.State().Terminal() {
		return
	}
	if !s.setState(state, cause) {
		return
	}
	if state == StateFailed {
		util.Stats.AddFailed()
	}
	if notifyRemote {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := s.sendSignal(ctx, signal.TypeHangup, nil); err != nil {
			util.LogDebug("hangup notification failed: %v", err)
		}
	}
}

// teardown releases every held resource exactly once: the store
// subscription, claimed capture tracks, any still-registered handoff entry,
// and the peer link. It runs on every exit path.
func (s *Session) teardown() {
	s.closeOnce.Do(func() {
		close(s.done)
		for i := len(s.disposers) - 1; i >= 0; i-- {
			s.disposers[i]()
		}
		s.mu.Lock()
		capture := s.capture
		link := s.link
		s.mu.Unlock()
		if capture != nil {
			capture.Stop()
		}
		s.deps.Handoff.Release(s.ID)
		if link != nil {
			_ = link.Close()
		}
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// Wire plumbing
// ─────────────────────────────────────────────────────────────────────────────

// subFailed is the store-subscription failure callback. The loop turns it
// into a terminal signaling failure; after teardown it is a no-op.
func (s *Session) subFailed(err error) {
	select {
	case s.subDown <- err:
	case <-s.done:
	}
}

// deliver is the store-subscription callback. Own echoes and foreign calls
// are filtered, duplicates from catch-up replay are dropped, and anything
// arriving after teardown is discarded (stale-signal guard).
func (s *Session) deliver(sig signal.Signal) {
	if sig.CallID != s.ID || sig.Sender == s.self {
		return
	}
	key := string(sig.Type) + ":" + string(sig.Payload)
	s.mu.Lock()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[key] = struct{}{}
	s.mu.Unlock()

	select {
	case s.signals <- sig:
	case <-s.done:
	}
}

func (s *Session) wireLink(link rtc.PeerLink) {
	link.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := s.sendSignal(ctx, signal.TypeCandidate, payload); err != nil {
			util.LogWarning("candidate publish failed on %s: %v", s.ID, err)
		}
	})

	link.OnICEConnectionStateChange(func(st webrtc.ICEConnectionState) {
		select {
		case s.iceEvents <- st:
		case <-s.done:
		}
	})
}

func (s *Session) sendSignal(ctx context.Context, typ signal.Type, payload []byte) error {
	sig := signal.Signal{
		CallID:    s.ID,
		Type:      typ,
		Sender:    s.self,
		Recipient: s.peer,
		Payload:   payload,
		SentAt:    time.Now(),
	}
	if typ == signal.TypeOffer {
		sig.Kind = string(s.Kind)
	}
	if err := s.deps.Store.Insert(ctx, sig); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	util.Stats.AddSent()
	return nil
}
