package domain

import "encoding/json"

// CreateRunRequest is the request to start a new run.
type CreateRunRequest struct {
	AgentType AgentType       `json:"agent_type"`
	Input     json.RawMessage `json:"input"`
}

// ListEventsResponse is a forward page of a run's events.
type ListEventsResponse struct {
	RunID      int64   `json:"run_id"`
	Events     []Event `json:"events"`
	NextCursor int64   `json:"next_cursor"`
	HasMore    bool    `json:"has_more"`
}

// ListRunsResponse lists recent runs.
type ListRunsResponse struct {
	Runs []Run `json:"runs"`
}

// CancelRunResponse is returned after a cancellation request.
type CancelRunResponse struct {
	RunID   int64     `json:"run_id"`
	Status  RunStatus `json:"status"`
	Message string    `json:"message"`
}

// ReportInput is the request payload shared by both pipelines.
type ReportInput struct {
	Symbol   string   `json:"symbol"`
	Question string   `json:"question,omitempty"`
	Models   []string `json:"models,omitempty"`
}
