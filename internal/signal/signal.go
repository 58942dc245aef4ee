// Package signal defines the signaling record exchanged between call
// participants and the durable relay store it travels through. The payload is
// opaque session-description or candidate data; nothing in this package
// inspects it.
package signal

import (
	"context"
	"encoding/json"
	"time"
)

// Type identifies the kind of signaling record.
type Type string

const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "ice-candidate"
	TypeHangup    Type = "hangup"
)

// Signal is a single signaling record scoped to one call.
//
// Relay delivery order is best-effort insertion order within one
// subscription; no ordering is guaranteed across independently sent types.
// Consumers must tolerate a candidate arriving before the offer or answer it
// belongs to.
type Signal struct {
	CallID    string          `json:"callId"`
	Type      Type            `json:"type"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	// Kind annotates offer records with the requested call kind
	// (voice or video) so the callee can ring appropriately.
	Kind   string    `json:"kind,omitempty"`
	SentAt time.Time `json:"sentAt"`
}

// Store is the durable relay contract: insert a record, subscribe to live
// insertions for one call, and range-query for catch-up after a missed
// subscription window (e.g. app resume).
//
// Implementations do not retry; errors surface to the caller, which owns the
// retry policy.
type Store interface {
	// Insert writes the signal; any live subscriber on the same callId
	// is notified.
	Insert(ctx context.Context, sig Signal) error

	// Subscribe invokes fn for each new record on callID, in arrival order
	// as delivered by the relay. onDown, when non-nil, is invoked at most
	// once if the live subscription breaks after setup; no further records
	// are delivered after that. The returned disposer must be called to
	// release the subscription, and never triggers onDown.
	Subscribe(ctx context.Context, callID string, fn func(Signal), onDown func(error)) (func(), error)

	// List returns all records currently stored for callID.
	List(ctx context.Context, callID string) ([]Signal, error)
}
