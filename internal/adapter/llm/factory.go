package llm

import (
	"log"
	"strings"
	"time"
)

// ModeMock selects the in-process mock clients.
const ModeMock = "MOCK"

// NewLLMClient returns a MockClient when mode is MOCK and an HTTP client for
// the LiteLLM proxy otherwise.
func NewLLMClient(mode, baseURL, apiKey string, timeout time.Duration) LLMClient {
	if strings.EqualFold(mode, ModeMock) {
		log.Println("INFO: GOGO_MODE=MOCK, using mock LLM client")
		return NewMockClient()
	}
	return NewClient(baseURL, apiKey, timeout)
}
