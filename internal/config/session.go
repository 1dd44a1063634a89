package config

import "time"

// GetIdleTimeout returns the inactivity window after which the sweep ends a
// stale session.
func GetIdleTimeout() time.Duration {
	return GetEnvDurationOrDefault("SESSION_IDLE_TIMEOUT", 15*time.Minute)
}

// GetIdleSweepInterval returns how often controllers check for idle sessions.
func GetIdleSweepInterval() time.Duration {
	return GetEnvDurationOrDefault("SESSION_IDLE_SWEEP_INTERVAL", 60*time.Second)
}

// GetDrainTimeout returns the hard cap on waiting for another conversation's
// stream to finish before handler rotation proceeds anyway.
func GetDrainTimeout() time.Duration {
	return GetEnvDurationOrDefault("SESSION_DRAIN_TIMEOUT", 5*time.Second)
}
