package analyzer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"skillscan/internal/task"
)

// GeminiClient runs the audit through the Gemini API instead of the claude
// CLI. Used when analyzer.provider is "gemini"; the rotated credential is
// the API key for that invocation.
type GeminiClient struct {
	model        string
	systemPrompt string
	timeout      time.Duration
}

// NewGeminiClient creates a Gemini-backed analysis client.
func NewGeminiClient(model, systemPrompt string, timeout time.Duration) *GeminiClient {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &GeminiClient{
		model:        model,
		systemPrompt: systemPrompt,
		timeout:      timeout,
	}
}

// Name identifies the backend.
func (c *GeminiClient) Name() string { return "gemini" }

// Analyze sends the task prompt to Gemini and returns the response text.
// Falls back to GEMINI_API_KEY when no pool credential was acquired.
func (c *GeminiClient) Analyze(ctx context.Context, t task.Task, credential string) (string, error) {
	apiKey := credential
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return "", &ToolError{Tool: "gemini", Err: fmt.Errorf("no API key available")}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return "", &ToolError{Tool: "gemini", Err: fmt.Errorf("client creation failed: %w", err)}
	}

	prompt := taskPrompt(t)
	if c.systemPrompt != "" {
		prompt = fmt.Sprintf("[System Instructions]\n%s\n\n[User Request]\n%s", c.systemPrompt, prompt)
	}

	resp, err := client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", &ToolError{Tool: "gemini", Err: err}
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &ToolError{Tool: "gemini", Err: fmt.Errorf("empty response")}
	}
	return text, nil
}
