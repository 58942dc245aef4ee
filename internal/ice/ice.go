// Package ice resolves the STUN/TURN server descriptors used to construct a
// peer connection. Descriptors are fetched once per call and may be cached
// briefly across calls.
package ice

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// Provider yields the ICE servers for the next peer connection.
type Provider interface {
	Servers(ctx context.Context) ([]webrtc.ICEServer, error)
}

// Descriptor is the wire form of one ICE server entry.
type Descriptor struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// ToICEServer converts a Descriptor into the pion configuration type.
func (d Descriptor) ToICEServer() webrtc.ICEServer {
	s := webrtc.ICEServer{URLs: d.URLs}
	if d.Username != "" {
		s.Username = d.Username
		s.Credential = d.Credential
	}
	return s
}

var defaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ─────────────────────────────────────────────────────────────────────────────
// Static provider
// ─────────────────────────────────────────────────────────────────────────────

// StaticProvider serves a fixed server list from configuration. With no URLs
// configured it falls back to public STUN only.
type StaticProvider struct {
	STUNURLs     []string
	TURNURLs     []string
	TURNUsername string
	TURNPassword string
}

func (p StaticProvider) Servers(_ context.Context) ([]webrtc.ICEServer, error) {
	stun := p.STUNURLs
	if len(stun) == 0 {
		stun = defaultSTUN
	}
	servers := []webrtc.ICEServer{{URLs: stun}}

	if len(p.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       p.TURNURLs,
			Username:   p.TURNUsername,
			Credential: p.TURNPassword,
		})
	}
	return servers, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP provider
// ─────────────────────────────────────────────────────────────────────────────

// HTTPProvider fetches descriptors from a credential endpoint (relayd's
// /v1/ice). TURN credentials minted there are short-lived, which is why the
// fetch happens per call rather than at startup.
type HTTPProvider struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

func (p *HTTPProvider) Servers(ctx context.Context) ([]webrtc.ICEServer, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	if p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ICE servers: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ICE endpoint returned %s", resp.Status)
	}

	var descriptors []Descriptor
	if err := json.NewDecoder(resp.Body).Decode(&descriptors); err != nil {
		return nil, fmt.Errorf("decode ICE servers: %w", err)
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("ICE endpoint returned no servers")
	}

	servers := make([]webrtc.ICEServer, 0, len(descriptors))
	for _, d := range descriptors {
		servers = append(servers, d.ToICEServer())
	}
	return servers, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Cached wrapper
// ─────────────────────────────────────────────────────────────────────────────

// Cached wraps a Provider with a TTL cache, bounding how stale a reused TURN
// credential can be.
type Cached struct {
	inner Provider
	ttl   time.Duration

	mu        sync.Mutex
	servers   []webrtc.ICEServer
	fetchedAt time.Time
}

// NewCached wraps inner with a ttl-bounded cache.
func NewCached(inner Provider, ttl time.Duration) *Cached {
	return &Cached{inner: inner, ttl: ttl}
}

func (c *Cached) Servers(ctx context.Context) ([]webrtc.ICEServer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.servers != nil && time.Since(c.fetchedAt) < c.ttl {
		return c.servers, nil
	}

	servers, err := c.inner.Servers(ctx)
	if err != nil {
		return nil, err
	}
	c.servers = servers
	c.fetchedAt = time.Now()
	return servers, nil
}
