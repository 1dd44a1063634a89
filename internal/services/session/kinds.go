package session

import (
	"github.com/stridefit/coachlink/internal/config"
	"github.com/stridefit/coachlink/internal/domain"
)

// The three session kinds are thin configurations over the one controller.

func ChatConfig() KindConfig {
	return KindConfig{
		Kind:          domain.KindChat,
		ConfigName:    "coach_chat",
		Greeting:      "Hey, I'm your coach. What are we working on today?",
		IdleTimeout:   config.GetIdleTimeout(),
		SweepInterval: config.GetIdleSweepInterval(),
	}
}

func OnboardingConfig() KindConfig {
	return KindConfig{
		Kind:          domain.KindOnboarding,
		ConfigName:    "coach_onboarding",
		Greeting:      "Welcome! Let's set up your training profile. First off, how often do you train per week?",
		IdleTimeout:   config.GetIdleTimeout(),
		SweepInterval: config.GetIdleSweepInterval(),
	}
}

func PlanningConfig() KindConfig {
	return KindConfig{
		Kind:          domain.KindPlanning,
		ConfigName:    "coach_planning",
		Greeting:      "Let's build your next workout plan. Any focus areas this block?",
		IdleTimeout:   config.GetIdleTimeout(),
		SweepInterval: config.GetIdleSweepInterval(),
	}
}
