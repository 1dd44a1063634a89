package main

import (
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stridefit/coachlink/internal/config"
	"github.com/stridefit/coachlink/internal/emulator"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var engine emulator.ReplyEngine
	if key := config.GetOpenAIKey(); key != "" {
		e, err := emulator.NewOpenAIEngine(key)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize OpenAI engine")
		}
		engine = e
		log.Info().Msg("Using OpenAI reply engine")
	} else {
		engine = &emulator.CannedEngine{ChunkDelay: 40 * time.Millisecond}
		log.Info().Msg("Using canned reply engine")
	}

	server := emulator.NewServer(engine, true)
	addr := config.GetEnvOrDefault("COACHEMU_ADDR", ":8080")

	log.Info().Str("addr", addr).Msg("Coach emulator starting")
	if err := http.ListenAndServe(addr, server.Router()); err != nil {
		log.Fatal().Err(err).Msg("ListenAndServe error")
	}
}
