package config

import (
	"github.com/rs/zerolog/log"
)

// GetCoachURL returns the websocket URL of the coach service.
func GetCoachURL() string {
	value := GetEnvOrDefault("COACH_WS_URL", "ws://localhost:8080/ws")
	log.Debug().Str("url", value).Msg("Coach websocket URL loaded")
	return value
}

// GetCoachHealthURL returns the HTTP endpoint probed by the network quality
// monitor.
func GetCoachHealthURL() string {
	return GetEnvOrDefault("COACH_HEALTH_URL", "http://localhost:8080/healthz")
}
