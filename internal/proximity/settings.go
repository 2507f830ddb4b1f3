// Package proximity turns location fixes into zone verdicts and drives the
// per-vendor session lifecycle that decides when recordings start and stop.
package proximity

import "time"

// Settings are the debounce and timing knobs of the session state machine
type Settings struct {
	// DebounceSamples is the number of consecutive in-zone samples that confirm an entry
	DebounceSamples int
	// DebounceWindow confirms an entry after this much continuous membership, whichever comes first
	DebounceWindow time.Duration
	// ExitDebounce is how long a vendor may be seen outside the zone before the session completes
	ExitDebounce time.Duration
	// ConfirmTimeout bounds how long a confirm-mode session waits for the operator
	ConfirmTimeout time.Duration
	// ReentryCooldown suppresses a new session for the same zone right after one closed
	ReentryCooldown time.Duration
	// MinConfidence is the lowest accepted sample confidence (0-100)
	MinConfidence float64
}

// DefaultSettings returns the stock tuning
func DefaultSettings() Settings {
	return Settings{
		DebounceSamples: 2,
		DebounceWindow:  10 * time.Second,
		ExitDebounce:    15 * time.Second,
		ConfirmTimeout:  30 * time.Second,
		ReentryCooldown: 30 * time.Second,
		MinConfidence:   20,
	}
}

func (s Settings) normalized() Settings {
	if s.DebounceSamples < 1 {
		s.DebounceSamples = 1
	}
	if s.DebounceWindow < 0 {
		s.DebounceWindow = 0
	}
	if s.ExitDebounce < 0 {
		s.ExitDebounce = 0
	}
	if s.ConfirmTimeout <= 0 {
		s.ConfirmTimeout = DefaultSettings().ConfirmTimeout
	}
	if s.ReentryCooldown < 0 {
		s.ReentryCooldown = 0
	}
	return s
}
