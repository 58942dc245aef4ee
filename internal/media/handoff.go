package media

import "sync"

// Handoff bridges the gap between a user-gesture-triggered capture
// acquisition and the asynchronous call setup that follows. It exclusively
// owns each registered capture until it is claimed (at most once) or
// released.
//
// Invariants: at most one capture per callId; Claim removes the entry;
// Release stops all tracks and removes the entry; a second Claim returns nil.
type Handoff struct {
	mu      sync.Mutex
	pending map[string]Capture
}

// NewHandoff creates an empty handoff registry.
func NewHandoff() *Handoff {
	return &Handoff{pending: make(map[string]Capture)}
}

// Register stores capture keyed by callID. Any prior entry for the same id is
// stopped before being overwritten, so its tracks cannot leak.
func (h *Handoff) Register(callID string, capture Capture) {
	h.mu.Lock()
	if prev, ok := h.pending[callID]; ok {
		prev.Stop()
	}
	h.pending[callID] = capture
	h.mu.Unlock()
}

// Claim removes and returns the entry for callID, or nil if absent. The
// caller takes over ownership of the capture.
func (h *Handoff) Claim(callID string) Capture {
	h.mu.Lock()
	defer h.mu.Unlock()
	capture, ok := h.pending[callID]
	if !ok {
		return nil
	}
	delete(h.pending, callID)
	return capture
}

// Release stops all tracks of the registered capture (if present) and
// removes the entry. Used on call cancellation before connection.
func (h *Handoff) Release(callID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if capture, ok := h.pending[callID]; ok {
		capture.Stop()
		delete(h.pending, callID)
	}
}

// Len reports how many captures are currently pending.
func (h *Handoff) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}
