package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/switchyard/internal/backends"
	"github.com/tributary-ai/switchyard/internal/backends/chat"
	"github.com/tributary-ai/switchyard/internal/backends/responses"
	"github.com/tributary-ai/switchyard/internal/capability"
	"github.com/tributary-ai/switchyard/internal/types"
)

// Manual smoke check against a real upstream: probes both API surfaces
// through the capability detector, then pushes a one-line completion
// through each surface that reported available.
//
//	UPSTREAM_ENDPOINT=https://example.openai.azure.com \
//	UPSTREAM_API_KEY=... \
//	UPSTREAM_API_VERSION=2025-03-01-preview \
//	UPSTREAM_DEPLOYMENT=gpt-4o \
//	go run .
func main() {
	endpoint := os.Getenv("UPSTREAM_ENDPOINT")
	apiKey := os.Getenv("UPSTREAM_API_KEY")
	deployment := os.Getenv("UPSTREAM_DEPLOYMENT")
	if endpoint == "" || apiKey == "" || deployment == "" {
		log.Fatal("UPSTREAM_ENDPOINT, UPSTREAM_API_KEY and UPSTREAM_DEPLOYMENT environment variables are required")
	}
	apiVersion := os.Getenv("UPSTREAM_API_VERSION")

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	primary := responses.NewClient(&responses.Config{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		APIVersion: apiVersion,
		Deployment: deployment,
		Timeout:    30 * time.Second,
	}, logger)

	legacy := chat.NewClient(&chat.Config{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		APIVersion: apiVersion,
		Deployment: deployment,
		Timeout:    30 * time.Second,
	}, logger)

	cachePath := filepath.Join(os.TempDir(), fmt.Sprintf("switchyard-livecheck-%d.json", os.Getpid()))
	defer os.Remove(cachePath)

	cache := capability.NewCache(cachePath, time.Minute, logger)
	detector := capability.NewDetector([]backends.Backend{primary, legacy}, cache, 15*time.Second, logger)

	ctx := context.Background()
	fmt.Println("Probing both API surfaces...")
	caps, err := detector.DetectCapabilities(ctx, true)
	if err != nil {
		fmt.Printf("  some probes errored: %v\n", err)
	}
	fmt.Printf("  primary (responses): %v\n", caps[types.CapabilityPrimaryAPI])
	fmt.Printf("  legacy (chat completions): %v\n", caps[types.CapabilityLegacyAPI])

	for _, target := range []backends.Backend{primary, legacy} {
		if !caps[types.CapabilityForBackend(target.Type())] {
			fmt.Printf("Skipping the %s surface, probe reported unavailable\n", target.Type())
			continue
		}
		runCompletion(ctx, target)
	}
}

func runCompletion(ctx context.Context, target backends.Backend) {
	maxTokens := 50
	request := &types.CompletionRequest{
		Messages: []types.Message{
			{Role: "user", Content: fmt.Sprintf("Say 'hello from the %s surface' and nothing else.", target.Type())},
		},
		MaxTokens: &maxTokens,
	}

	fmt.Printf("Sending completion through the %s surface...\n", target.Type())
	response, err := target.Complete(ctx, request)
	if err != nil {
		log.Fatalf("Completion through %s failed: %v", target.Type(), err)
	}

	fmt.Printf("  model: %s\n", response.Model)
	fmt.Printf("  message: %s\n", response.Choices[0].Message.Content)
	if response.Usage != nil {
		fmt.Printf("  usage: %d prompt + %d completion = %d total tokens\n",
			response.Usage.PromptTokens,
			response.Usage.CompletionTokens,
			response.Usage.TotalTokens)
	}
	fmt.Printf("✓ %s surface check completed\n", target.Type())
}
