package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/chatr4661-cell/callkit/internal/media"
	"github.com/chatr4661-cell/callkit/internal/signal"
	"github.com/chatr4661-cell/callkit/internal/util"
)

var (
	// ErrGlareYield means a simultaneous-offer race was detected and the
	// local side won the tie-break: the inbound offer is discarded, the
	// outbound call proceeds.
	ErrGlareYield = errors.New("session: inbound offer lost glare tie-break")
	// ErrPeerBusy means a non-ringing call with this peer already exists.
	ErrPeerBusy = errors.New("session: peer already in an active call")
)

// OffererWins is the deterministic glare tie-break: when both sides of a
// pair dial each other near-simultaneously, the participant with the
// lexicographically smaller user id keeps its offer and the other side
// answers instead.
func OffererWins(selfID, peerID string) bool {
	return selfID < peerID
}

// Manager tracks at most one live session per remote peer and arbitrates
// the simultaneous-offer (glare) race.
type Manager struct {
	cfg  Config
	deps Deps

	// active is only touched on the caller's goroutines; a Manager is
	// owned by one client event flow, matching the single-writer model.
	active map[string]*Session
}

// NewManager builds a Manager.
func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{cfg: cfg, deps: deps, active: make(map[string]*Session)}
}

// Dial starts an outbound call to peerID with a freshly generated call id.
func (m *Manager) Dial(ctx context.Context, peerID string, kind media.Kind) (*Session, error) {
	if existing := m.live(peerID); existing != nil {
		return nil, ErrPeerBusy
	}
	s, err := Dial(ctx, m.cfg, m.deps, uuid.NewString(), peerID, kind)
	if err != nil {
		return nil, err
	}
	m.active[peerID] = s
	return s, nil
}

// HandleOffer reacts to an inbound offer record (delivered by push or an
// inbox subscription). If an outbound call to the same peer is currently
// ringing, the glare tie-break decides which offer survives: the loser's
// session ends with cause superseded and its side answers the winner's
// offer.
func (m *Manager) HandleOffer(ctx context.Context, offer signal.Signal) (*Session, error) {
	if offer.Type != signal.TypeOffer {
		return nil, fmt.Errorf("handle offer: got %s record", offer.Type)
	}

	if existing := m.live(offer.Sender); existing != nil {
		if !existing.IsCaller() || existing.State() != StateRinging {
			return nil, ErrPeerBusy
		}
		if OffererWins(m.cfg.SelfID, offer.Sender) {
			// Our offer stands; the remote side runs the same
			// tie-break and yields.
			util.LogDebug("glare with %s: local offer wins", offer.Sender)
			return nil, ErrGlareYield
		}
		util.LogDebug("glare with %s: yielding to remote offer", offer.Sender)
		existing.supersede()
		<-existing.Done()
	}

	s, err := Answer(ctx, m.cfg, m.deps, offer)
	if err != nil {
		return nil, err
	}
	m.active[offer.Sender] = s
	return s, nil
}

// live returns the tracked session for peerID if it has not terminated.
func (m *Manager) live(peerID string) *Session {
	s, ok := m.active[peerID]
	if !ok {
		return nil
	}
	if s.State().Terminal() {
		delete(m.active, peerID)
		return nil
	}
	return s
}
