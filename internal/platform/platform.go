// Package platform abstracts native-shell capabilities behind an injected
// interface, selected once at startup. Nothing in the engine reaches for an
// ambient global bridge.
package platform

import "github.com/pterm/pterm"

// Bridge is the capability surface the call engine needs from its host
// shell: an attention-getting alert and haptic feedback.
type Bridge interface {
	Alert(message string)
	Vibrate()
}

// Terminal implements Bridge for the CLI shell.
type Terminal struct{}

func (Terminal) Alert(message string) {
	pterm.DefaultBox.WithTitle("incoming call").Println(message)
	// Terminal bell stands in for a ringtone.
	pterm.Print("\a")
}

func (Terminal) Vibrate() {
	pterm.Print("\a")
}

// Silent implements Bridge as a no-op, for tests and headless use.
type Silent struct{}

func (Silent) Alert(string) {}
func (Silent) Vibrate()     {}
