package config

import (
	"github.com/rs/zerolog/log"
)

// GetOpenAIKey returns the OpenAI API key used by the coach emulator's reply
// engine. Empty means the emulator falls back to canned replies.
func GetOpenAIKey() string {
	value := GetEnvOrDefault("OPENAI_KEY", "")
	if value == "" {
		log.Debug().Msg("OPENAI_KEY not set - emulator will use canned replies")
	}
	return value
}
