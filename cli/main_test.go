package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/reports/internal/domain"
)

func encoded(t *testing.T, seq int64, ev domain.Event) []byte {
	t.Helper()
	ev.Seq = seq
	line, err := ev.Encode()
	require.NoError(t, err)
	return line
}

func TestFormatEvent(t *testing.T) {
	stage := domain.StageEvent("fetch_data", 33, "Fetching market data")
	stage.Seq = 1
	assert.Equal(t, "[   1] stage        33% fetch_data Fetching market data", formatEvent(stage))

	failed := domain.ErrorEvent("rate limited", false)
	failed.Seq = 12
	assert.Equal(t, "[  12] error       rate limited", formatEvent(failed))
}

func TestReplayPrintsNDJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/replay", r.URL.Path)
		assert.Equal(t, "7", r.URL.Query().Get("runId"))
		assert.Equal(t, "2.5", r.URL.Query().Get("speed"))
		w.Header().Set("X-Run-ID", "7")
		w.Write(encoded(t, 1, domain.ThinkingEvent("fetch_data", "looking")))
		w.Write(encoded(t, 2, domain.ErrorEvent("boom", false)))
	}))
	defer srv.Close()

	var out bytes.Buffer
	client, err := NewClient(srv.URL, &out)
	require.NoError(t, err)
	require.NoError(t, client.Replay(context.Background(), 7, 2.5))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "run 7", lines[0])
	assert.Contains(t, lines[1], "looking")
	assert.Contains(t, lines[2], "boom")
}

func TestCreateReportsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req domain.CreateRunRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, domain.AgentType("CONSENSUS"), req.AgentType)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid request: symbol is required"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, &bytes.Buffer{})
	require.NoError(t, err)
	err = client.Create(context.Background(), "CONSENSUS", domain.ReportInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol is required")
}

func TestFollowReadsWebSocketFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stream/ws", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("cursor"))
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		ev, err := domain.CompleteEvent(map[string]string{"rating": "BUY"})
		require.NoError(t, err)
		conn.WriteMessage(websocket.TextMessage, bytes.TrimSpace(encoded(t, 4, ev)))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	var out bytes.Buffer
	client, err := NewClient(srv.URL, &out)
	require.NoError(t, err)
	require.NoError(t, client.Follow(context.Background(), 9, 3))
	assert.Contains(t, out.String(), "[   4] complete")
	assert.Contains(t, out.String(), "BUY")
}

func TestNewClientRejectsNonHTTPAddr(t *testing.T) {
	_, err := NewClient("ws://localhost:8080", &bytes.Buffer{})
	assert.Error(t, err)
}
