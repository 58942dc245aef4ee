package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/chatr4661-cell/callkit/internal/util"
)

// SocketStore implements Store against the relayd gateway, for clients that
// cannot reach the shared store directly. Inserts and range queries go over
// HTTP; the live subscription is a WebSocket stream.
type SocketStore struct {
	baseURL string // e.g. https://relay.chatr.app
	token   string
	client  *http.Client
	dialer  *websocket.Dialer
}

// NewSocketStore builds a gateway-backed Store. Token is the bearer
// credential relayd expects.
func NewSocketStore(baseURL, token string) *SocketStore {
	return &SocketStore{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		client:  http.DefaultClient,
		dialer:  websocket.DefaultDialer,
	}
}

func (s *SocketStore) signalsURL(callID string) string {
	return fmt.Sprintf("%s/v1/calls/%s/signals", s.baseURL, callID)
}

func (s *SocketStore) streamURL(callID string) string {
	ws := strings.Replace(s.baseURL, "http", "ws", 1)
	return fmt.Sprintf("%s/v1/calls/%s/ws", ws, callID)
}

func (s *SocketStore) authHeader() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+s.token)
	return h
}

func (s *SocketStore) Insert(ctx context.Context, sig Signal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.signalsURL(sig.CallID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = s.authHeader()
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("insert signal via gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway rejected signal: %s", resp.Status)
	}
	return nil
}

func (s *SocketStore) Subscribe(ctx context.Context, callID string, fn func(Signal), onDown func(error)) (func(), error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.streamURL(callID), s.authHeader())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("gateway stream refused (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("gateway stream dial: %w", err)
	}

	disposed := make(chan struct{})
	go func() {
		for {
			var sig Signal
			if err := conn.ReadJSON(&sig); err != nil {
				// A read error after dispose is just our own Close;
				// anything else means the call lost its signaling.
				select {
				case <-disposed:
				default:
					util.LogWarning("gateway stream for %s dropped: %v", callID, err)
					if onDown != nil {
						onDown(fmt.Errorf("gateway stream for call %s dropped: %w", callID, err))
					}
				}
				return
			}
			fn(sig)
		}
	}()

	var once sync.Once
	dispose := func() {
		once.Do(func() {
			close(disposed)
			_ = conn.Close()
		})
	}
	return dispose, nil
}

func (s *SocketStore) List(ctx context.Context, callID string) ([]Signal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.signalsURL(callID), nil)
	if err != nil {
		return nil, err
	}
	req.Header = s.authHeader()

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list signals via gateway: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway list failed: %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out []Signal
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode signal list: %w", err)
	}
	return out, nil
}
