package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

const (
	systemPrompt = "You are an intelligence analysis assistant. Summarize observations defensively for situational awareness only. Do not suggest violence or targeting."
	taskPrompt   = `TASK:
Generate a 3-sentence Tactical SITREP.
Focus on situational awareness, pattern recognition, and defensive recommendations.
Tone: Professional, Analytical, Defensive.`
	synthesisMaxTokens   = 150
	synthesisTemperature = 0.7
)

// SynthesisEntry is one log as presented to the synthesis stage.
type SynthesisEntry struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Payload    string    `json:"payload_raw"`
}

// SynthesisRequest is the whole batch plus visual insights.
type SynthesisRequest struct {
	Entries  []SynthesisEntry `json:"threat_logs"`
	Insights []string         `json:"visual_insights"`
}

// SynthesisClient turns a batch into a short report.
type SynthesisClient interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (string, error)
}

// AzureOpenAI calls an Azure OpenAI chat completions deployment.
type AzureOpenAI struct {
	url    string
	key    string
	client *retryablehttp.Client
}

// NewAzureOpenAI returns a client for one deployment.
func NewAzureOpenAI(endpoint, key, deployment, apiVersion string, client *retryablehttp.Client) (*AzureOpenAI, error) {
	if endpoint == "" || key == "" || deployment == "" {
		return nil, fmt.Errorf("%w: synthesis endpoint, key and deployment are required", ErrNotConfigured)
	}
	u := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimSuffix(endpoint, "/"), url.PathEscape(deployment), url.QueryEscape(apiVersion))
	return &AzureOpenAI{url: u, key: key, client: client}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

// Synthesize returns the raw completion text.
func (a *AzureOpenAI) Synthesize(ctx context.Context, in SynthesisRequest) (string, error) {
	prompt, err := buildPrompt(in)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(chatRequest{
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
		MaxTokens:   synthesisMaxTokens,
		Temperature: synthesisTemperature,
	})
	if err != nil {
		return "", fmt.Errorf("encode chat request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", a.url, body)
	if err != nil {
		return "", fmt.Errorf("build synthesis request: %w", err)
	}
	req.Header.Set("api-key", a.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := do(a.client, req)
	if err != nil {
		return "", err
	}
	return parseCompletion(resp)
}

func buildPrompt(in SynthesisRequest) (string, error) {
	if in.Insights == nil {
		in.Insights = []string{}
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode synthesis input: %w", err)
	}
	return "INPUT DATA (JSON):\n" + string(data) + "\n\n" + taskPrompt, nil
}

func parseCompletion(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: completion body is not JSON", ErrBadResponse)
	}
	content := strings.TrimSpace(gjson.GetBytes(body, "choices.0.message.content").String())
	if content == "" {
		return "", fmt.Errorf("%w: completion has no content", ErrBadResponse)
	}
	return content, nil
}
