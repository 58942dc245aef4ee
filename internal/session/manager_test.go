package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chatr4661-cell/callkit/internal/media"
	"github.com/chatr4661-cell/callkit/internal/session"
	"github.com/chatr4661-cell/callkit/internal/signal"
)

func TestOffererWinsIsDeterministic(t *testing.T) {
	if !session.OffererWins("alice", "bob") {
		t.Error("alice should win against bob")
	}
	if session.OffererWins("bob", "alice") {
		t.Error("bob should yield to alice")
	}
	// Both sides must reach opposite conclusions from the same pair.
	if session.OffererWins("alice", "bob") == session.OffererWins("bob", "alice") {
		t.Error("tie-break is not antisymmetric")
	}
}

// TestGlareLeavesExactlyOneOfferer simulates both participants dialing each
// other near-simultaneously. Afterwards exactly one offer survives: the
// smaller id keeps its outbound call, the other side supersedes its own and
// answers instead.
func TestGlareLeavesExactlyOneOfferer(t *testing.T) {
	ctx := context.Background()
	store := signal.NewMemoryStore()

	newSide := func(self string) *session.Manager {
		h := newHarness()
		h.store = store
		h.hooked.Store = store
		return session.NewManager(testConfig(self), h.deps())
	}

	aliceMgr := newSide("alice")
	bobMgr := newSide("bob")

	aliceOut, err := aliceMgr.Dial(ctx, "bob", media.KindVoice)
	if err != nil {
		t.Fatalf("alice Dial: %v", err)
	}
	bobOut, err := bobMgr.Dial(ctx, "alice", media.KindVoice)
	if err != nil {
		t.Fatalf("bob Dial: %v", err)
	}

	// Each side now receives the other's offer.
	stored, _ := store.List(ctx, aliceOut.ID)
	aliceOffer := stored[0]
	stored, _ = store.List(ctx, bobOut.ID)
	bobOffer := stored[0]

	// Alice has the smaller id: her offer wins, the inbound one is dropped.
	if _, err := aliceMgr.HandleOffer(ctx, bobOffer); !errors.Is(err, session.ErrGlareYield) {
		t.Fatalf("alice HandleOffer = %v, want %v", err, session.ErrGlareYield)
	}
	if got := aliceOut.State(); got != session.StateRinging {
		t.Fatalf("alice outbound state = %s, want still %s", got, session.StateRinging)
	}

	// Bob yields: his outbound call ends superseded and he answers alice's.
	bobIn, err := bobMgr.HandleOffer(ctx, aliceOffer)
	if err != nil {
		t.Fatalf("bob HandleOffer: %v", err)
	}
	if got := bobOut.State(); got != session.StateEnded {
		t.Fatalf("bob outbound state = %s, want %s", got, session.StateEnded)
	}
	if got := bobOut.EndCause(); got != session.CauseSuperseded {
		t.Fatalf("bob outbound cause = %q, want %q", got, session.CauseSuperseded)
	}
	if bobIn.IsCaller() {
		t.Error("bob's surviving session should be the callee side")
	}
	if got := bobIn.State(); got != session.StateRinging {
		t.Fatalf("bob inbound state = %s, want %s", got, session.StateRinging)
	}

	bobIn.Hangup()
	waitDone(t, bobIn)
	aliceOut.Hangup()
	waitDone(t, aliceOut)
}

func TestDialWhilePeerBusy(t *testing.T) {
	ctx := context.Background()
	h := newHarness()
	mgr := session.NewManager(testConfig("alice"), h.deps())

	first, err := mgr.Dial(ctx, "bob", media.KindVoice)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if _, err := mgr.Dial(ctx, "bob", media.KindVoice); !errors.Is(err, session.ErrPeerBusy) {
		t.Fatalf("second Dial = %v, want %v", err, session.ErrPeerBusy)
	}

	// Once the first call terminates, the peer is dialable again.
	first.Hangup()
	waitDone(t, first)
	time.Sleep(10 * time.Millisecond)

	second, err := mgr.Dial(ctx, "bob", media.KindVoice)
	if err != nil {
		t.Fatalf("Dial after termination: %v", err)
	}
	if second.ID == first.ID {
		t.Error("new call reused the old call id")
	}
	second.Hangup()
	waitDone(t, second)
}
