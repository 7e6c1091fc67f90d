// Package main provides a simple CLI client for following report runs.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/xiaot623/gogo/reports/internal/domain"
)

// Client talks to the reports HTTP API.
type Client struct {
	base *url.URL
	http *http.Client
	out  io.Writer
}

// NewClient creates a new client for the server at addr.
func NewClient(addr string, out io.Writer) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(addr, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse addr: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("addr must be an http(s) URL: %s", addr)
	}
	return &Client{base: base, http: &http.Client{}, out: out}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()
	return u.String()
}

// Follow streams a run over WebSocket from cursor until the server closes.
func (c *Client) Follow(ctx context.Context, runID, cursor int64) error {
	u := *c.base
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path += "/v1/stream/ws"
	u.RawQuery = url.Values{
		"runId":  {strconv.FormatInt(runID, 10)},
		"cursor": {strconv.FormatInt(cursor, 10)},
	}.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if err := c.print(data); err != nil {
			return err
		}
	}
}

// Replay prints a paced replay of a run.
func (c *Client) Replay(ctx context.Context, runID int64, speed float64) error {
	query := url.Values{"runId": {strconv.FormatInt(runID, 10)}}
	if speed > 0 {
		query.Set("speed", strconv.FormatFloat(speed, 'f', -1, 64))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/v1/replay", query), nil)
	if err != nil {
		return err
	}
	return c.stream(req)
}

// Create starts a run and prints its events as they are produced.
func (c *Client) Create(ctx context.Context, agentType string, input domain.ReportInput) error {
	raw, err := json.Marshal(input)
	if err != nil {
		return err
	}
	body, err := json.Marshal(domain.CreateRunRequest{AgentType: domain.AgentType(agentType), Input: raw})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/v1/runs/stream", nil), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.stream(req)
}

// stream reads an NDJSON response line by line.
func (c *Client) stream(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(req.Context().Err(), context.Canceled) {
			return nil
		}
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
	}
	if id := resp.Header.Get("X-Run-ID"); id != "" {
		fmt.Fprintf(c.out, "run %s\n", id)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		if err := c.print(scanner.Bytes()); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil && req.Context().Err() == nil {
		return fmt.Errorf("read: %w", err)
	}
	return nil
}

func (c *Client) print(line []byte) error {
	ev, err := domain.DecodeEvent(line)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, formatEvent(ev))
	return err
}

// formatEvent renders one event as a single terminal line.
func formatEvent(ev domain.Event) string {
	prefix := fmt.Sprintf("[%4d] %-11s", ev.Seq, ev.Type)
	switch ev.Type {
	case domain.EventTypeStage:
		var p domain.StagePayload
		if ev.DecodeData(&p) == nil {
			return fmt.Sprintf("%s %3d%% %s %s", prefix, p.Progress, p.Stage, p.Message)
		}
	case domain.EventTypeProgress:
		var p domain.ProgressPayload
		if ev.DecodeData(&p) == nil {
			return fmt.Sprintf("%s %s/%s %s %s", prefix, p.Step, p.Substep, p.Status, p.Message)
		}
	case domain.EventTypeThinking:
		var p domain.ThinkingPayload
		if ev.DecodeData(&p) == nil {
			return fmt.Sprintf("%s %s", prefix, strings.TrimSpace(p.Text))
		}
	case domain.EventTypeError:
		var p domain.ErrorPayload
		if ev.DecodeData(&p) == nil {
			return fmt.Sprintf("%s %s", prefix, p.Message)
		}
	case domain.EventTypeCancelled:
		var p domain.CancelledPayload
		if ev.DecodeData(&p) == nil {
			return fmt.Sprintf("%s %s", prefix, p.Reason)
		}
	}
	return fmt.Sprintf("%s %s", prefix, ev.Data)
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "Reports server address")
	runID := flag.Int64("run", 0, "Run ID to follow or replay")
	cursor := flag.Int64("cursor", 0, "Follow from this sequence id")
	replay := flag.Bool("replay", false, "Replay the run instead of following it")
	speed := flag.Float64("speed", 1, "Replay speed multiplier")
	create := flag.String("create", "", "Create a run of this agent type (CONSENSUS or RESEARCH)")
	symbol := flag.String("symbol", "", "Ticker symbol for -create")
	question := flag.String("question", "", "Research question for -create")
	flag.Parse()

	log.SetFlags(log.Ltime)

	client, err := NewClient(*addr, os.Stdout)
	if err != nil {
		log.Fatalf("Invalid address: %v", err)
	}

	// Handle Ctrl+C
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch {
	case *create != "":
		err = client.Create(ctx, *create, domain.ReportInput{Symbol: *symbol, Question: *question})
	case *runID <= 0:
		flag.Usage()
		os.Exit(2)
	case *replay:
		err = client.Replay(ctx, *runID, *speed)
	default:
		err = client.Follow(ctx, *runID, *cursor)
	}
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
}
