package config

import (
	"github.com/rs/zerolog/log"
)

var jwtSecret = []byte(GetEnvOrDefault("JWT_SECRET", "dev-secret-do-not-ship"))

// GetJWTSecret returns the shared secret used to sign and validate session
// tokens attached to the websocket dial.
func GetJWTSecret() []byte {
	return jwtSecret
}

// SetJWTSecret temporarily changes the JWT secret and returns a function to
// restore it. This is primarily used for testing.
func SetJWTSecret(secret []byte) func() {
	previous := jwtSecret
	jwtSecret = secret
	log.Debug().Msg("JWT secret overridden")
	return func() {
		jwtSecret = previous
	}
}
