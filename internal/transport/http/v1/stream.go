package v1

import (
	"bytes"
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/service"
)

const (
	ndjsonContentType = "application/x-ndjson"
	runIDHeader       = "X-Run-ID"
	wsWriteTimeout    = 10 * time.Second
)

// ndjsonSink writes one JSON line per event and flushes after each.
type ndjsonSink struct {
	res    *echo.Response
	opened bool
}

func (s *ndjsonSink) Open(runID int64) error {
	header := s.res.Header()
	header.Set(echo.HeaderContentType, ndjsonContentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	header.Set(runIDHeader, strconv.FormatInt(runID, 10))
	s.res.WriteHeader(http.StatusOK)
	s.res.Flush()
	s.opened = true
	return nil
}

func (s *ndjsonSink) Send(ev domain.Event) error {
	line, err := ev.Encode()
	if err != nil {
		return err
	}
	if _, err := s.res.Write(line); err != nil {
		return err
	}
	s.res.Flush()
	return nil
}

// finish reports err in the response. Once headers are out the error can only
// travel in-band as an error event.
func (s *ndjsonSink) finish(c echo.Context, err error) error {
	if err == nil {
		return nil
	}
	if !s.opened {
		return errorResponse(c, err)
	}
	log.Printf("ERROR: stream failed after start: %v", err)
	_ = s.Send(domain.ErrorEvent(err.Error(), true))
	return nil
}

// wsSink upgrades the request on Open and writes each event as a text frame.
type wsSink struct {
	upgrader *websocket.Upgrader
	c        echo.Context
	cancel   context.CancelFunc
	conn     *websocket.Conn
	opened   bool
}

func (s *wsSink) Open(runID int64) error {
	s.opened = true
	header := http.Header{}
	header.Set(runIDHeader, strconv.FormatInt(runID, 10))
	conn, err := s.upgrader.Upgrade(s.c.Response(), s.c.Request(), header)
	if err != nil {
		return err
	}
	s.conn = conn
	go s.readPump()
	return nil
}

// readPump drains client frames so control messages are handled, and ends the
// session when the client goes away.
func (s *wsSink) readPump() {
	defer s.cancel()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WARN: websocket read error: %v", err)
			}
			return
		}
	}
}

func (s *wsSink) Send(ev domain.Event) error {
	line, err := ev.Encode()
	if err != nil {
		return err
	}
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(line, "\n"))
}

func (s *wsSink) close() {
	if s.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
	s.conn.Close()
}

// StreamRun handles GET /v1/stream?runId=&cursor=.
func (h *Handler) StreamRun(c echo.Context) error {
	runID, ok := parseRunID(c.QueryParam("runId"))
	if !ok {
		return badRequest(c, "runId must be a positive integer")
	}
	cursor, ok := parseCursor(c.QueryParam("cursor"))
	if !ok {
		return badRequest(c, "cursor must be a non-negative integer")
	}

	sink := &ndjsonSink{res: c.Response()}
	err := h.service.StreamRun(c.Request().Context(), runID, cursor, sink)
	return sink.finish(c, err)
}

// StreamRunWS handles GET /v1/stream/ws?runId=&cursor=.
func (h *Handler) StreamRunWS(c echo.Context) error {
	runID, ok := parseRunID(c.QueryParam("runId"))
	if !ok {
		return badRequest(c, "runId must be a positive integer")
	}
	cursor, ok := parseCursor(c.QueryParam("cursor"))
	if !ok {
		return badRequest(c, "cursor must be a non-negative integer")
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	sink := &wsSink{upgrader: &h.upgrader, c: c, cancel: cancel}
	defer sink.close()

	err := h.service.StreamRunWS(ctx, runID, cursor, sink)
	if err != nil && !sink.opened {
		return errorResponse(c, err)
	}
	if err != nil {
		// The upgrader already answered a failed handshake.
		log.Printf("WARN: websocket stream of run %d: %v", runID, err)
	}
	return nil
}

// ReplayRun handles GET /v1/replay?runId=&speed=&maxDelayMs=.
func (h *Handler) ReplayRun(c echo.Context) error {
	runID, ok := parseRunID(c.QueryParam("runId"))
	if !ok {
		return badRequest(c, "runId must be a positive integer")
	}

	var opts service.ReplayOptions
	if raw := c.QueryParam("speed"); raw != "" {
		speed, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return badRequest(c, "speed must be a number")
		}
		opts.Speed = speed
	}
	if raw := c.QueryParam("maxDelayMs"); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ms < 0 {
			return badRequest(c, "maxDelayMs must be a non-negative integer")
		}
		opts.MaxDelay = time.Duration(ms) * time.Millisecond
	}

	sink := &ndjsonSink{res: c.Response()}
	err := h.service.ReplayRun(c.Request().Context(), runID, opts, sink)
	return sink.finish(c, err)
}

// CreateRunStream handles POST /v1/runs/stream. The run is created and its
// events are written to the response as they are emitted.
func (h *Handler) CreateRunStream(c echo.Context) error {
	var req domain.CreateRunRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.AgentType == "" {
		return badRequest(c, "agent_type is required")
	}

	sink := &ndjsonSink{res: c.Response()}
	_, err := h.service.CreateRunAndFollow(c.Request().Context(), req, sink)
	return sink.finish(c, err)
}
