package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stridefit/coachlink/internal/domain"
	"github.com/stridefit/coachlink/internal/services"
)

func main() {
	kindFlag := flag.String("kind", "chat", "session kind: chat, onboarding, workout-planning")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel)

	kind := domain.Kind(*kindFlag)
	layer := services.Initialize(services.Options{})
	defer layer.Teardown()

	controller := layer.Controller(kind)
	if controller == nil {
		fmt.Fprintf(os.Stderr, "unknown session kind %q\n", *kindFlag)
		os.Exit(1)
	}

	// Render streaming text as it lands in the store.
	var lastPrinted int
	unsubscribe := controller.Store().Subscribe(func(conversationID string) {
		if streaming, ok := controller.Store().GetStreamingMessage(conversationID); ok {
			if len(streaming.Content) > lastPrinted {
				fmt.Print(streaming.Content[lastPrinted:])
				lastPrinted = len(streaming.Content)
			}
			return
		}
		if lastPrinted > 0 {
			fmt.Println()
			lastPrinted = 0
		}
		if errText := controller.Store().GetError(conversationID); errText != "" {
			fmt.Fprintf(os.Stderr, "\n! %s\n", errText)
			controller.Store().ClearError(conversationID)
		}
	})
	defer unsubscribe()

	ctx := context.Background()
	if err := controller.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect failed: %v\n", err)
		os.Exit(1)
	}

	for _, msg := range controller.Store().GetMessages(controller.ActiveConversation()) {
		fmt.Printf("[%s] %s\n", msg.Sender, msg.Content)
	}

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Print("> ")
			continue
		}
		if line == "/quit" {
			break
		}
		if err := controller.SendMessage(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v (retry when connected)\n", err)
		}
		fmt.Print("> ")
	}
}
