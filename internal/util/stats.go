package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide call/signaling counter.
var Stats = &stats{}

type stats struct {
	CallsPlaced    atomic.Int64 // outbound call attempts since process start
	CallsConnected atomic.Int64 // calls that reached the connected state
	CallsFailed    atomic.Int64 // calls that ended in the failed state
	SignalsSent    atomic.Int64 // signaling records written to the relay
	SignalsRecv    atomic.Int64 // signaling records delivered by the relay
	SamplesTaken   atomic.Int64 // quality samples collected
}

func (s *stats) AddPlaced()    { s.CallsPlaced.Add(1) }
func (s *stats) AddConnected() { s.CallsConnected.Add(1) }
func (s *stats) AddFailed()    { s.CallsFailed.Add(1) }
func (s *stats) AddSent()      { s.SignalsSent.Add(1) }
func (s *stats) AddRecv()      { s.SignalsRecv.Add(1) }
func (s *stats) AddSample()    { s.SamplesTaken.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs signaling statistics
// every 30 seconds while anything is moving. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.SignalsSent.Load()
				recv := Stats.SignalsRecv.Load()

				if sent != prevSent || recv != prevRecv {
					pterm.DefaultLogger.Info(fmt.Sprintf(
						"signals: %d↑ %d↓ | calls: %d placed %d connected %d failed | samples: %d",
						sent, recv,
						Stats.CallsPlaced.Load(),
						Stats.CallsConnected.Load(),
						Stats.CallsFailed.Load(),
						Stats.SamplesTaken.Load(),
					))
				}

				prevSent = sent
				prevRecv = recv

			case <-ctx.Done():
				return
			}
		}
	}()
}
