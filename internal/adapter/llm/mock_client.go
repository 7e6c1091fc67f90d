package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
)

// Prompt markers the mock uses to shape its replies.
const (
	MarkerAnalysis = "rating JSON"
	MarkerPlan     = "research plan JSON"
)

// MockClient is a deterministic implementation of LLMClient for local runs and tests.
type MockClient struct {
	mu       sync.Mutex
	failures map[string]error
	calls    int
}

// NewMockClient creates a new mock LLM client.
func NewMockClient() *MockClient {
	return &MockClient{failures: make(map[string]error)}
}

// Ensure MockClient implements LLMClient interface.
var _ LLMClient = (*MockClient)(nil)

// FailModel makes every request for model return err.
func (m *MockClient) FailModel(model string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[model] = err
}

// Calls returns the number of requests served.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockClient) begin(model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.failures[model]
}

// CreateChatCompletion returns a mock response.
func (m *MockClient) CreateChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := m.begin(req.Model); err != nil {
		return nil, err
	}
	content := m.generateMockResponse(req)
	return &ChatResponse{Model: req.Model, Content: content, Usage: estimateUsage(req, content)}, nil
}

// CreateChatCompletionStream simulates a streaming response.
func (m *MockClient) CreateChatCompletionStream(ctx context.Context, req *ChatRequest, callback DeltaCallback) (*ChatResponse, error) {
	if err := m.begin(req.Model); err != nil {
		return nil, err
	}
	content := m.generateMockResponse(req)

	for _, chunk := range splitIntoChunks(content, 40) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := callback(chunk); err != nil {
			return nil, err
		}
	}
	return &ChatResponse{Model: req.Model, Content: content, Usage: estimateUsage(req, content)}, nil
}

func (m *MockClient) generateMockResponse(req *ChatRequest) string {
	var system, lastUser string
	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			system = msg.Content
		case "user":
			lastUser = msg.Content
		}
	}

	switch {
	case strings.Contains(system, MarkerAnalysis):
		ratings := []string{"BUY", "HOLD", "SELL"}
		h := hash(req.Model + lastUser)
		out, _ := json.Marshal(map[string]interface{}{
			"rating":       ratings[h%3],
			"target_price": 100 + float64(h%5000)/100,
			"confidence":   0.5 + float64(h%50)/100,
			"summary":      fmt.Sprintf("[MOCK] %s view based on the provided market data.", req.Model),
		})
		return string(out)
	case strings.Contains(system, MarkerPlan):
		out, _ := json.Marshal(map[string]interface{}{
			"questions": []string{
				"How has revenue growth trended over recent quarters?",
				"What are the main competitive risks?",
				"How does the valuation compare with peers?",
			},
		})
		return string(out)
	case lastUser == "":
		return "[MOCK] This is a mock response from the LLM client."
	default:
		return fmt.Sprintf("[MOCK] Analysis for: %q. Fundamentals look stable and sentiment is mixed.", truncate(lastUser, 80))
	}
}

func estimateUsage(req *ChatRequest, content string) *Usage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += len(msg.Content) / 4
	}
	return &Usage{PromptTokens: prompt, CompletionTokens: len(content) / 4, TotalTokens: prompt + len(content)/4}
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	if len(s) == 0 {
		return []string{""}
	}

	var chunks []string
	for i := 0; i < len(s); i += chunkSize {
		end := i + chunkSize
		if end > len(s) {
			end = len(s)
		}
		chunks = append(chunks, s[i:end])
	}
	return chunks
}

// truncate truncates a string to the given length.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
