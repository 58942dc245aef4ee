// Package relay implements relayd, the hosted side of the signaling
// boundary: a gateway onto the durable signal store, an ICE credential
// endpoint, and a call-history repository fed by the traffic it observes.
package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/chatr4661-cell/callkit/internal/ice"
	"github.com/chatr4661-cell/callkit/internal/signal"
	"github.com/chatr4661-cell/callkit/internal/util"
)

// Options configures a relay Server.
type Options struct {
	JWTSecret      []byte
	TURNSecret     []byte
	STUNURLs       []string
	TURNURLs       []string
	AllowedOrigins []string
}

// Server exposes the relay HTTP/WebSocket surface over a signal store and a
// call-record repository.
type Server struct {
	store    signal.Store
	records  CallRecordRepository
	opts     Options
	upgrader websocket.Upgrader
}

// NewServer builds a Server. records may be nil to disable call history.
func NewServer(store signal.Store, records CallRecordRepository, opts Options) *Server {
	return &Server{
		store:   store,
		records: records,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handler assembles the chi route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	c := cors.New(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	r.Use(c.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(RequireAuth(s.opts.JWTSecret))
		r.Get("/ice", s.handleICE)
		r.Get("/calls/{callID}/signals", s.handleListSignals)
		r.Post("/calls/{callID}/signals", s.handleInsertSignal)
		r.Get("/calls/{callID}/ws", s.handleStream)
		r.Get("/history", s.handleHistory)
	})

	return r
}

// handleICE returns the STUN/TURN descriptors for the authenticated user.
// TURN credentials are minted per request with the shared-secret scheme, so
// they expire on their own.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	descriptors := []ice.Descriptor{{URLs: s.opts.STUNURLs}}
	if len(descriptors[0].URLs) == 0 {
		descriptors[0].URLs = []string{"stun:stun.l.google.com:19302"}
	}

	if len(s.opts.TURNURLs) > 0 && len(s.opts.TURNSecret) > 0 {
		username, credential := MintTURNCredential(s.opts.TURNSecret, UserID(r.Context()), time.Now())
		descriptors = append(descriptors, ice.Descriptor{
			URLs:       s.opts.TURNURLs,
			Username:   username,
			Credential: credential,
		})
	}

	writeJSON(w, http.StatusOK, descriptors)
}

func (s *Server) handleListSignals(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	signals, err := s.store.List(r.Context(), callID)
	if err != nil {
		http.Error(w, "store unavailable", http.StatusBadGateway)
		return
	}
	if signals == nil {
		signals = []signal.Signal{}
	}
	writeJSON(w, http.StatusOK, signals)
}

func (s *Server) handleInsertSignal(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")

	var sig signal.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		http.Error(w, "malformed signal", http.StatusBadRequest)
		return
	}
	if sig.CallID != callID {
		http.Error(w, "signal callId does not match route", http.StatusBadRequest)
		return
	}
	// The authenticated identity is authoritative for the sender field.
	if sig.Sender != UserID(r.Context()) {
		http.Error(w, "sender does not match token", http.StatusForbidden)
		return
	}
	if sig.SentAt.IsZero() {
		sig.SentAt = time.Now()
	}

	if err := s.store.Insert(r.Context(), sig); err != nil {
		http.Error(w, "store unavailable", http.StatusBadGateway)
		return
	}
	s.observe(r, sig)
	w.WriteHeader(http.StatusCreated)
}

// handleStream upgrades to a WebSocket carrying the live subscription for
// one call. Inbound frames are treated as inserts, so a gateway client can
// run its whole exchange over the one connection.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callID")
	userID := UserID(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	send := make(chan signal.Signal, 64)
	dispose, err := s.store.Subscribe(r.Context(), callID, func(sig signal.Signal) {
		select {
		case send <- sig:
		default:
			util.LogWarning("stream buffer full for %s, dropping record", callID)
		}
	}, func(err error) {
		// Closing the socket surfaces the loss to the client instead of
		// leaving it attached to a dead subscription.
		util.LogWarning("store subscription for %s lost, closing stream: %v", callID, err)
		_ = conn.Close()
	})
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "store unavailable"),
			time.Now().Add(time.Second))
		return
	}
	defer dispose()

	// Writer: pump subscribed records out until the handler returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-send:
				if err := conn.WriteJSON(sig); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	// Reader: accept inserts until the client goes away.
	for {
		var sig signal.Signal
		if err := conn.ReadJSON(&sig); err != nil {
			return
		}
		if sig.CallID != callID || sig.Sender != userID {
			continue
		}
		if sig.SentAt.IsZero() {
			sig.SentAt = time.Now()
		}
		if err := s.store.Insert(r.Context(), sig); err != nil {
			util.LogWarning("gateway insert on %s failed: %v", callID, err)
			continue
		}
		s.observe(r, sig)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		http.Error(w, "history disabled", http.StatusNotFound)
		return
	}
	records, err := s.records.ListByUser(r.Context(), UserID(r.Context()), 50)
	if err != nil {
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []CallRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// observe feeds the call-record repository from envelope metadata. Failures
// are logged, never surfaced: history is best-effort.
func (s *Server) observe(r *http.Request, sig signal.Signal) {
	if s.records == nil {
		return
	}
	ctx := r.Context()
	var err error
	switch sig.Type {
	case signal.TypeOffer:
		err = s.records.Create(ctx, &CallRecord{
			ID:        sig.CallID,
			Caller:    sig.Sender,
			Callee:    sig.Recipient,
			Kind:      sig.Kind,
			Outcome:   OutcomeRinging,
			StartedAt: sig.SentAt,
		})
	case signal.TypeAnswer:
		err = s.records.MarkAnswered(ctx, sig.CallID, sig.SentAt)
	case signal.TypeHangup:
		outcome := OutcomeEnded
		if record, getErr := s.records.GetByID(ctx, sig.CallID); getErr == nil && record.AnsweredAt == nil {
			outcome = OutcomeMissed
		}
		err = s.records.MarkEnded(ctx, sig.CallID, outcome, sig.SentAt)
	}
	if err != nil {
		util.LogWarning("call record update for %s failed: %v", sig.CallID, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
