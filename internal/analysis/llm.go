package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/packetmind/packetmind/internal/txn"
)

// maxInsightCorpus bounds how many recent transactions are sent for insights.
const maxInsightCorpus = 200

// LLMConfig configures the OpenAI-compatible engine.
type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// LLMEngine asks an OpenAI-compatible chat completion endpoint for analysis
// and validates the structured answer. Any failure is returned as-is for the
// gateway to surface as a backend error.
type LLMEngine struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// chatRequest is the request body for /chat/completions.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the response body from /chat/completions.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// NewLLMEngine creates an LLM engine. The base URL defaults to OpenAI's API.
func NewLLMEngine(cfg LLMConfig, httpClient *http.Client) *LLMEngine {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	return &LLMEngine{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		model:      model,
		httpClient: httpClient,
	}
}

const analyzeSystemPrompt = `You are an HTTP traffic security and performance analyst.
You receive one captured HTTP transaction as JSON (method, url, status, duration in ms).
Reply with a single JSON object and nothing else, using exactly this shape:
{"security_risk":"Low|Medium|High|Critical",
 "performance_insights":[string],
 "optimization_suggestions":[string],
 "anomaly_detection":[string],
 "api_patterns":[{"pattern_type":string,"confidence":number between 0 and 1,"description":string}],
 "data_flow_analysis":{"data_types":[string],"sensitive_data_detected":bool,"data_flow_direction":string,"compliance_issues":[string]}}`

const vulnSystemPrompt = `You are an HTTP security scanner.
You receive one captured HTTP transaction as JSON (method, url, status, duration in ms).
Look for injection (SQL, XSS, command), sensitive data in the URL, and insecure transport.
Reply with a single JSON object: {"vulnerabilities":[string]}. Use an empty array when nothing is found.`

const insightsSystemPrompt = `You are an HTTP traffic analyst.
You receive a JSON array of captured transactions (method, url, status, duration in ms).
Report traffic anomalies first, then optimization suggestions.
Reply with a single JSON object: {"insights":[string]}.`

// AnalyzeTransaction implements Engine.
func (e *LLMEngine) AnalyzeTransaction(ctx context.Context, t txn.Transaction) (*Result, error) {
	var r Result
	if err := e.ask(ctx, analyzeSystemPrompt, promptView(t), &r); err != nil {
		return nil, err
	}
	if err := r.Validate(); err != nil {
		return nil, fmt.Errorf("llm returned invalid analysis: %w", err)
	}
	r.normalize()
	return &r, nil
}

// DetectVulnerabilities implements Engine.
func (e *LLMEngine) DetectVulnerabilities(ctx context.Context, t txn.Transaction) ([]string, error) {
	var out struct {
		Vulnerabilities []string `json:"vulnerabilities"`
	}
	if err := e.ask(ctx, vulnSystemPrompt, promptView(t), &out); err != nil {
		return nil, err
	}
	return out.Vulnerabilities, nil
}

// Insights implements Engine.
func (e *LLMEngine) Insights(ctx context.Context, corpus []txn.Transaction) ([]string, error) {
	if len(corpus) > maxInsightCorpus {
		corpus = corpus[len(corpus)-maxInsightCorpus:]
	}
	views := make([]transactionPrompt, len(corpus))
	for i, t := range corpus {
		views[i] = promptView(t)
	}
	var out struct {
		Insights []string `json:"insights"`
	}
	if err := e.ask(ctx, insightsSystemPrompt, views, &out); err != nil {
		return nil, err
	}
	return out.Insights, nil
}

type transactionPrompt struct {
	Method   string   `json:"method"`
	URL      string   `json:"url"`
	Status   *int     `json:"status,omitempty"`
	Duration *int64   `json:"duration,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func promptView(t txn.Transaction) transactionPrompt {
	return transactionPrompt{Method: t.Method, URL: t.URL, Status: t.Status, Duration: t.Duration, Tags: t.Tags}
}

// ask sends one system+user exchange and decodes the JSON answer into out.
func (e *LLMEngine) ask(ctx context.Context, systemPrompt string, payload any, out any) error {
	userMessage, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}
	content, err := e.chat(ctx, systemPrompt, string(userMessage))
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(stripCodeFence(content)), out); err != nil {
		return fmt.Errorf("llm returned malformed JSON: %w", err)
	}
	return nil
}

// chat sends a chat completion request and returns the assistant's text.
func (e *LLMEngine) chat(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	if e.apiKey == "" {
		return "", fmt.Errorf("analysis.api_key is not set")
	}

	reqBody := chatRequest{
		Model: e.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userMessage},
		},
		ResponseFormat: &responseFormat{Type: "json_object"},
	}
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBytes)))
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBytes, &chatResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("llm error [%s]: %s", chatResp.Error.Type, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// stripCodeFence removes a surrounding ```json fence some models add.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
