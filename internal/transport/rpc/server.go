// Package rpc exposes the run API to internal callers over JSON-RPC.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"github.com/xiaot623/gogo/reports/internal/domain"
	"github.com/xiaot623/gogo/reports/internal/service"
)

// ServiceName is the name the handler is registered under.
const ServiceName = "Reports"

// Server exposes internal RPC endpoints.
type Server struct {
	rpcServer *rpc.Server

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new RPC server bound to the reports service.
func NewServer(svc *service.Service) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown closes it.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Printf("WARN: RPC accept error: %v", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the reports RPC methods.
type Handler struct {
	service *service.Service
}

// GetRunRequest identifies a run.
type GetRunRequest struct {
	RunID int64 `json:"run_id"`
}

// CancelRunRequest identifies a run to cancel.
type CancelRunRequest struct {
	RunID  int64  `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// ListEventsRequest selects a page of a run's events.
type ListEventsRequest struct {
	RunID int64 `json:"run_id"`
	After int64 `json:"after"`
	Limit int   `json:"limit"`
}

// CreateRun creates a run and starts it in the background.
func (h *Handler) CreateRun(req *domain.CreateRunRequest, resp *domain.Run) error {
	if req == nil {
		return errors.New("create run request is required")
	}
	if req.AgentType == "" {
		return errors.New("agent_type is required")
	}

	run, err := h.service.CreateRun(context.Background(), *req)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *run
	}
	return nil
}

// GetRun returns a run with its steps.
func (h *Handler) GetRun(req *GetRunRequest, resp *domain.RunDetail) error {
	if req == nil || req.RunID <= 0 {
		return errors.New("run_id must be a positive integer")
	}

	detail, err := h.service.GetRun(context.Background(), req.RunID)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *detail
	}
	return nil
}

// CancelRun cancels a pending or running run.
func (h *Handler) CancelRun(req *CancelRunRequest, resp *domain.CancelRunResponse) error {
	if req == nil || req.RunID <= 0 {
		return errors.New("run_id must be a positive integer")
	}

	result, err := h.service.CancelRun(context.Background(), req.RunID, req.Reason)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *result
	}
	return nil
}

// ListEvents returns one page of events after the cursor.
func (h *Handler) ListEvents(req *ListEventsRequest, resp *domain.ListEventsResponse) error {
	if req == nil || req.RunID <= 0 {
		return errors.New("run_id must be a positive integer")
	}
	if req.After < 0 {
		return errors.New("after must be a non-negative integer")
	}

	page, err := h.service.ListEvents(context.Background(), req.RunID, req.After, req.Limit)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *page
	}
	return nil
}
