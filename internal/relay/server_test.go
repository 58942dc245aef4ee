package relay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatr4661-cell/callkit/internal/ice"
	"github.com/chatr4661-cell/callkit/internal/relay"
	"github.com/chatr4661-cell/callkit/internal/signal"
)

var jwtSecret = []byte("test-secret")

func mintToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwtSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func newTestRelay(t *testing.T) (*httptest.Server, *signal.MemoryStore, relay.CallRecordRepository) {
	t.Helper()
	store := signal.NewMemoryStore()
	records, db, err := relay.OpenRecordRepository(":memory:")
	if err != nil {
		t.Fatalf("open records: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	srv := relay.NewServer(store, records, relay.Options{
		JWTSecret:  jwtSecret,
		TURNSecret: []byte("turn-secret"),
		STUNURLs:   []string{"stun:stun.example.com:3478"},
		TURNURLs:   []string{"turn:turn.example.com:3478"},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store, records
}

func doJSON(t *testing.T, method, url, token string, body interface{}) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(mustMarshal(t, body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestAuthRejectsMissingAndBadTokens(t *testing.T) {
	ts, _, _ := newTestRelay(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/ice", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	forged, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "mallory"}).
		SignedString([]byte("wrong-secret"))
	resp = doJSON(t, http.MethodGet, ts.URL+"/v1/ice", forged, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("forged token: status = %d, want 401", resp.StatusCode)
	}

	// Healthz stays open.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestICEEndpointMintsPersonalTURNCredentials(t *testing.T) {
	ts, _, _ := newTestRelay(t)

	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/ice", mintToken(t, "alice"), nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var descriptors []ice.Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&descriptors); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(descriptors) != 2 {
		t.Fatalf("descriptors = %d, want STUN + TURN", len(descriptors))
	}
	if !strings.HasSuffix(descriptors[1].Username, ":alice") {
		t.Errorf("TURN username = %q, want minted for alice", descriptors[1].Username)
	}
	if descriptors[1].Credential == "" {
		t.Error("TURN credential missing")
	}
}

func TestInsertSignalValidation(t *testing.T) {
	ts, store, _ := newTestRelay(t)
	token := mintToken(t, "alice")

	base := signal.Signal{
		CallID: "call-1", Type: signal.TypeOffer, Sender: "alice", Recipient: "bob", Kind: "voice",
	}

	// Sender must match the authenticated subject.
	spoofed := base
	spoofed.Sender = "mallory"
	resp := doJSON(t, http.MethodPost, ts.URL+"/v1/calls/call-1/signals", token, spoofed)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("spoofed sender: status = %d, want 403", resp.StatusCode)
	}

	// CallID must match the route.
	misrouted := base
	misrouted.CallID = "call-9"
	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/calls/call-1/signals", token, misrouted)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("misrouted: status = %d, want 400", resp.StatusCode)
	}

	resp = doJSON(t, http.MethodPost, ts.URL+"/v1/calls/call-1/signals", token, base)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("valid insert: status = %d, want 201", resp.StatusCode)
	}

	stored, _ := store.List(context.Background(), "call-1")
	if len(stored) != 1 || stored[0].Type != signal.TypeOffer {
		t.Fatalf("stored = %+v, want the inserted offer", stored)
	}
	if stored[0].SentAt.IsZero() {
		t.Error("relay must stamp SentAt when the client omits it")
	}
}

func TestObservedTrafficFeedsCallHistory(t *testing.T) {
	ts, _, records := newTestRelay(t)
	ctx := context.Background()
	alice := mintToken(t, "alice")
	bob := mintToken(t, "bob")

	post := func(token string, sig signal.Signal) {
		t.Helper()
		resp := doJSON(t, http.MethodPost, ts.URL+"/v1/calls/"+sig.CallID+"/signals", token, sig)
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("insert %s: status = %d", sig.Type, resp.StatusCode)
		}
	}

	post(alice, signal.Signal{CallID: "call-1", Type: signal.TypeOffer, Sender: "alice", Recipient: "bob", Kind: "voice"})
	post(bob, signal.Signal{CallID: "call-1", Type: signal.TypeAnswer, Sender: "bob", Recipient: "alice"})
	post(alice, signal.Signal{CallID: "call-1", Type: signal.TypeHangup, Sender: "alice", Recipient: "bob"})

	record, err := records.GetByID(ctx, "call-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if record.Outcome != relay.OutcomeEnded {
		t.Errorf("outcome = %s, want %s", record.Outcome, relay.OutcomeEnded)
	}
	if record.Caller != "alice" || record.Callee != "bob" {
		t.Errorf("participants = %s/%s, want alice/bob", record.Caller, record.Callee)
	}

	// An unanswered call ends up missed.
	post(alice, signal.Signal{CallID: "call-2", Type: signal.TypeOffer, Sender: "alice", Recipient: "bob", Kind: "voice"})
	post(alice, signal.Signal{CallID: "call-2", Type: signal.TypeHangup, Sender: "alice", Recipient: "bob"})
	record, _ = records.GetByID(ctx, "call-2")
	if record.Outcome != relay.OutcomeMissed {
		t.Errorf("unanswered outcome = %s, want %s", record.Outcome, relay.OutcomeMissed)
	}

	// History is visible to both participants.
	resp := doJSON(t, http.MethodGet, ts.URL+"/v1/history", bob, nil)
	defer resp.Body.Close()
	var history []relay.CallRecord
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("history entries for bob = %d, want 2", len(history))
	}
}

// TestGatewayRoundTrip drives the relay through the client-side SocketStore:
// one participant subscribes over the WebSocket stream, the other inserts
// over HTTP, and the record crosses the gateway intact.
func TestGatewayRoundTrip(t *testing.T) {
	ts, _, _ := newTestRelay(t)
	ctx := context.Background()

	aliceStore := signal.NewSocketStore(ts.URL, mintToken(t, "alice"))
	bobStore := signal.NewSocketStore(ts.URL, mintToken(t, "bob"))

	got := make(chan signal.Signal, 4)
	dispose, err := bobStore.Subscribe(ctx, "call-1", func(sig signal.Signal) { got <- sig }, nil)
	if err != nil {
		t.Fatalf("Subscribe via gateway: %v", err)
	}
	defer dispose()

	sent := signal.Signal{
		CallID: "call-1", Type: signal.TypeOffer, Sender: "alice", Recipient: "bob",
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`), Kind: "voice", SentAt: time.Now(),
	}
	if err := aliceStore.Insert(ctx, sent); err != nil {
		t.Fatalf("Insert via gateway: %v", err)
	}

	select {
	case sig := <-got:
		if sig.Type != signal.TypeOffer || sig.Sender != "alice" || sig.CallID != "call-1" {
			t.Fatalf("received %+v, want alice's offer", sig)
		}
		if !bytes.Equal(sig.Payload, sent.Payload) {
			t.Errorf("payload = %s, want %s", sig.Payload, sent.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("record never crossed the gateway")
	}

	// Catch-up query sees it too.
	listed, err := bobStore.List(ctx, "call-1")
	if err != nil {
		t.Fatalf("List via gateway: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("listed = %d records, want 1", len(listed))
	}
}
