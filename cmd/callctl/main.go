// Callctl — CLI entry point for the call engine.
//
// This tool places and answers WebRTC calls against a signaling relay (Redis
// directly, or relayd's gateway), driving the full session lifecycle: ringing,
// negotiation, quality monitoring, reconnection, and teardown.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (-role, -peer, -call, -kind).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/redis/go-redis/v9"

	"github.com/chatr4661-cell/callkit/internal/config"
	"github.com/chatr4661-cell/callkit/internal/ice"
	"github.com/chatr4661-cell/callkit/internal/media"
	"github.com/chatr4661-cell/callkit/internal/platform"
	"github.com/chatr4661-cell/callkit/internal/quality"
	"github.com/chatr4661-cell/callkit/internal/rtc"
	"github.com/chatr4661-cell/callkit/internal/session"
	signalstore "github.com/chatr4661-cell/callkit/internal/signal"
	"github.com/chatr4661-cell/callkit/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	role := flag.String("role", "", "Role: caller or callee")
	self := flag.String("self", "", "Own user id (overrides CALLKIT_SELF_ID)")
	peer := flag.String("peer", "", "User id to call (caller only)")
	callID := flag.String("call", "", "Call id of the incoming offer (callee only)")
	kindFlag := flag.String("kind", "voice", "Call kind: voice or video")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Callctl — v%s", version))
	pterm.Println()

	cfg := config.Load()
	if *self != "" {
		cfg.SelfID = *self
	}
	if cfg.SelfID == "" {
		util.Fatal("missing user id: set -self or CALLKIT_SELF_ID")
	}

	kind := media.KindVoice
	switch *kindFlag {
	case "voice":
	case "video":
		kind = media.KindVideo
	default:
		util.Fatal("invalid -kind: must be 'voice' or 'video'")
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		util.Fatal("%v", err)
	}

	mgr := session.NewManager(
		session.Config{
			SelfID:          cfg.SelfID,
			RingTimeout:     cfg.RingTimeout,
			ReconnectWindow: cfg.ReconnectWindow,
		},
		session.Deps{
			Store:   store,
			ICE:     buildICEProvider(cfg),
			Media:   media.SyntheticSource{},
			Handoff: media.NewHandoff(),
		},
	)

	switch *role {
	case "":
		// No -role flag → interactive mode.
		runInteractive(ctx, cfg, mgr, store)

	case "caller":
		if *peer == "" {
			util.Fatal("missing -peer for caller role")
		}
		runCaller(ctx, cfg, mgr, *peer, kind)

	case "callee":
		if *callID == "" {
			util.Fatal("missing -call for callee role")
		}
		runCallee(ctx, cfg, mgr, store, *callID)

	default:
		util.Fatal("invalid -role: must be 'caller' or 'callee'")
	}

	util.LogInfo("call session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to interactive prompts when no -role flag is
// provided.
func runInteractive(ctx context.Context, cfg config.Config, mgr *session.Manager, store signalstore.Store) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Caller — Place an outbound call", "Callee — Answer an incoming call"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Caller") {
		peer := askID("User id to call")
		kind := askKind()
		runCaller(ctx, cfg, mgr, peer, kind)
	} else {
		callID := askID("Call id of the incoming offer")
		runCallee(ctx, cfg, mgr, store, callID)
	}
}

// runCaller places an outbound call and drives it to completion.
func runCaller(ctx context.Context, cfg config.Config, mgr *session.Manager, peer string, kind media.Kind) {
	s, err := mgr.Dial(ctx, peer, kind)
	if err != nil {
		util.Fatal("failed to place call: %v", err)
	}

	util.StartStatsReporter(ctx)
	util.LogInfo("calling %s (%s) — call id %s", peer, kind, s.ID)

	watchCall(ctx, cfg, s)
}

// runCallee looks up the offer for callID, rings, and answers or declines
// based on the user's choice.
func runCallee(ctx context.Context, cfg config.Config, mgr *session.Manager, store signalstore.Store, callID string) {
	offer, err := findOffer(ctx, store, callID)
	if err != nil {
		util.Fatal("%v", err)
	}

	s, err := mgr.HandleOffer(ctx, *offer)
	if err != nil {
		util.Fatal("failed to take incoming call: %v", err)
	}

	util.StartStatsReporter(ctx)

	var bridge platform.Bridge = platform.Terminal{}
	bridge.Alert(fmt.Sprintf("%s is calling (%s)", s.Peer(), s.Kind))

	accept, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText(fmt.Sprintf("Accept call from %s?", s.Peer())).
		Show()
	pterm.Println()

	if !accept {
		if err := s.Reject(); err != nil {
			util.LogError("failed to decline call: %v", err)
		}
		<-s.Done()
		return
	}

	if err := s.Accept(ctx); err != nil {
		util.LogError("failed to answer call: %v", err)
		<-s.Done()
		return
	}

	watchCall(ctx, cfg, s)
}

// findOffer scans the stored records for callID and returns the offer.
func findOffer(ctx context.Context, store signalstore.Store, callID string) (*signalstore.Signal, error) {
	stored, err := store.List(ctx, callID)
	if err != nil {
		return nil, fmt.Errorf("look up call %s: %w", callID, err)
	}
	for i := range stored {
		if stored[i].Type == signalstore.TypeOffer {
			return &stored[i], nil
		}
	}
	return nil, fmt.Errorf("no offer found for call %s", callID)
}

// watchCall prints lifecycle transitions until the session terminates.
// Quality monitoring starts on the first connect; Ctrl+C hangs up.
func watchCall(ctx context.Context, cfg config.Config, s *session.Session) {
	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	monitoring := false

	for {
		select {
		case t := <-s.Transitions():
			if t.Cause != session.CauseNone {
				util.LogInfo("call %s → %s (%s)", s.ID, t.State, t.Cause)
			} else {
				util.LogInfo("call %s → %s", s.ID, t.State)
			}
			if t.State == session.StateConnected && !monitoring {
				monitoring = startMonitor(monitorCtx, cfg, s)
			}

		case <-ctx.Done():
			s.Hangup()
			<-s.Done()
			reportEnd(s)
			return

		case <-s.Done():
			reportEnd(s)
			return
		}
	}
}

// startMonitor attaches the quality monitor and bitrate directive to the
// session's live peer link. Fake links (tests) have no stats to read.
func startMonitor(ctx context.Context, cfg config.Config, s *session.Session) bool {
	peer, ok := s.Link().(*rtc.Peer)
	if !ok {
		return false
	}

	directive := rtc.NewBitrateDirective(nil)
	monitor := quality.NewMonitor(rtc.NewStatsSource(peer), cfg.SampleInterval, cfg.AutoAdjust, directive.Apply)
	go monitor.Run(ctx)

	util.LogDebug("quality monitor sampling every %s", cfg.SampleInterval)
	return true
}

// reportEnd prints the final outcome of the session.
func reportEnd(s *session.Session) {
	started, connected, ended := s.Timestamps()
	if !connected.IsZero() {
		util.LogInfo("call ended after %s (%s)", ended.Sub(connected).Round(time.Second), s.EndCause())
		return
	}
	util.LogInfo("call ended without connecting after %s (%s)", ended.Sub(started).Round(time.Second), s.EndCause())
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

// buildStore picks the signaling backend: relayd's gateway when a relay URL
// is configured, the shared Redis store otherwise.
func buildStore(ctx context.Context, cfg config.Config) (signalstore.Store, error) {
	if cfg.RelayURL != "" {
		util.LogDebug("signaling via relay gateway at %s", cfg.RelayURL)
		return signalstore.NewSocketStore(cfg.RelayURL, cfg.AuthToken), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable at %s: %w", cfg.RedisAddr, err)
	}
	util.LogDebug("signaling via redis at %s", cfg.RedisAddr)
	return signalstore.NewRedisStore(rdb, "call", cfg.SignalTTL), nil
}

// buildICEProvider picks the ICE source: relayd's credential endpoint (with a
// short cache, since minted TURN credentials expire) when a relay URL is
// configured, static configuration otherwise.
func buildICEProvider(cfg config.Config) ice.Provider {
	if cfg.RelayURL != "" {
		return ice.NewCached(&ice.HTTPProvider{
			Endpoint: cfg.RelayURL + "/v1/ice",
			Token:    cfg.AuthToken,
		}, cfg.ICECacheTTL)
	}
	return ice.StaticProvider{
		STUNURLs:     cfg.STUNURLs,
		TURNURLs:     cfg.TURNURLs,
		TURNUsername: cfg.TURNUsername,
		TURNPassword: cfg.TURNPassword,
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// askID prompts the user for a non-empty identifier.
func askID(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		trimmed := strings.TrimSpace(raw)
		if trimmed != "" {
			pterm.Println()
			return trimmed
		}

		util.LogWarning("input cannot be empty")
		pterm.Println()
	}
}

// askKind prompts for the call kind.
func askKind() media.Kind {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"voice", "video"}).
		WithDefaultText("Call kind").
		Show()

	pterm.Println()
	if choice == "video" {
		return media.KindVideo
	}
	return media.KindVoice
}
