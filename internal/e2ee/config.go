package e2ee

import "time"

// Config carries the encryption policy for one logged-in identity. The
// rotation policy is deliberately explicit: an outbound group session is
// replaced once either bound is hit, in addition to manual discard.
type Config struct {
	// WarnOnUnknownDevices aborts sends that would reach a never-seen device.
	WarnOnUnknownDevices bool
	// BlockUnverifiedDevices withholds keys from unverified devices globally;
	// the per-room store flag can enable the same policy for a single room.
	BlockUnverifiedDevices bool

	RotationMaxMessages int
	RotationMaxAge      time.Duration
}

func DefaultConfig() Config {
	return Config{
		WarnOnUnknownDevices: true,
		RotationMaxMessages:  100,
		RotationMaxAge:       7 * 24 * time.Hour,
	}
}
