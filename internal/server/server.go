/*
Package server exposes the engine over line-delimited JSON-RPC 2.0 on stdio.

One request per line on stdin, one response per line on stdout. Methods:
  - initialize: server info and method list
  - engine/processEvent: run one answer event through the engine
  - engine/enqueueReward: schedule a delayed reward
  - engine/resetColdStart: restart cold start for a user
  - engine/snapshot: read-only view of a user's models
  - queue/stats: reward queue counts by status
  - recorder/stats: decision recorder counters
  - recorder/disable, recorder/enable: pause or resume decision recording

Requests without an id are notifications and get no response.
*/
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/khanglvm/amas-engine/internal/engine"
	"github.com/khanglvm/amas-engine/internal/learning"
	"github.com/khanglvm/amas-engine/internal/logger"
	"github.com/khanglvm/amas-engine/internal/reward"
	"github.com/khanglvm/amas-engine/internal/storage"
)

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32000
	CodeNotFound       = -32001
)

// maxLineBytes bounds one request line.
const maxLineBytes = 1 << 20

// Engine is the part of engine.Engine the server calls.
type Engine interface {
	ProcessEvent(ctx context.Context, in engine.EventInput) (*engine.Result, error)
	ResetColdStart(ctx context.Context, userID string) error
	Snapshot(ctx context.Context, userID string) (*engine.Snapshot, error)
}

// Queue is the part of reward.Queue the server calls.
type Queue interface {
	Enqueue(ctx context.Context, req reward.EnqueueRequest) (string, error)
	Stats(ctx context.Context) (map[storage.RewardStatus]int, error)
}

// Recorder is the part of learning.Recorder the server calls.
type Recorder interface {
	Stats() learning.RecorderStats
	Enable()
	Disable()
}

// Server handles JSON-RPC requests for one engine.
type Server struct {
	engine   Engine
	queue    Queue
	recorder Recorder
	version  string
	log      *logger.Logger

	in  io.Reader
	out io.Writer
	mu  sync.Mutex
}

// NewServer creates a server reading in and writing out. recorder may be nil.
func NewServer(eng Engine, queue Queue, recorder Recorder, version string, in io.Reader, out io.Writer, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{
		engine:   eng,
		queue:    queue,
		recorder: recorder,
		version:  version,
		log:      log.With("component", "Server"),
		in:       in,
		out:      out,
	}
}

// Request represents an incoming JSON-RPC request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents an outgoing JSON-RPC response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Run serves until the input is closed or ctx is cancelled. Requests are
// handled in arrival order.
func (s *Server) Run(ctx context.Context) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(s.in)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	s.log.Info("server listening on stdio", "version", s.version)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			if len(strings.TrimSpace(string(line))) == 0 {
				continue
			}
			if resp := s.Handle(ctx, line); resp != nil {
				s.send(resp)
			}
		}
	}
}

// Handle processes one raw request. It returns nil for notifications.
func (s *Server) Handle(ctx context.Context, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return errorResponse(nil, CodeParseError, fmt.Sprintf("invalid JSON-RPC request: %v", err))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, CodeInvalidRequest, "jsonrpc must be 2.0 and method is required")
	}

	result, rpcErr := s.dispatch(ctx, &req)
	if req.ID == nil {
		return nil
	}
	if rpcErr != nil {
		return &Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (interface{}, *Error) {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(), nil
	case "engine/processEvent":
		return s.handleProcessEvent(ctx, req.Params)
	case "engine/enqueueReward":
		return s.handleEnqueueReward(ctx, req.Params)
	case "engine/resetColdStart":
		return s.handleResetColdStart(ctx, req.Params)
	case "engine/snapshot":
		return s.handleSnapshot(ctx, req.Params)
	case "queue/stats":
		return s.handleQueueStats(ctx)
	case "recorder/stats":
		return s.handleRecorderStats()
	case "recorder/disable":
		return s.handleRecorderToggle(false)
	case "recorder/enable":
		return s.handleRecorderToggle(true)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: "Method not found"}
	}
}

func (s *Server) handleInitialize() interface{} {
	return map[string]interface{}{
		"serverInfo": map[string]interface{}{
			"name":    "amas-engine",
			"version": s.version,
		},
		"methods": []string{
			"engine/processEvent",
			"engine/enqueueReward",
			"engine/resetColdStart",
			"engine/snapshot",
			"queue/stats",
			"recorder/stats",
			"recorder/disable",
			"recorder/enable",
		},
	}
}

func (s *Server) handleProcessEvent(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	var in engine.EventInput
	if err := decodeParams(params, &in); err != nil {
		return nil, err
	}
	res, err := s.engine.ProcessEvent(ctx, in)
	if err != nil {
		return nil, s.toRPCError("engine/processEvent", err)
	}
	return res, nil
}

func (s *Server) handleEnqueueReward(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	var req reward.EnqueueRequest
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	id, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		return nil, s.toRPCError("engine/enqueueReward", err)
	}
	return map[string]string{"id": id}, nil
}

type userParams struct {
	UserID string `json:"userId"`
}

func (s *Server) handleResetColdStart(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	var p userParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.ResetColdStart(ctx, p.UserID); err != nil {
		return nil, s.toRPCError("engine/resetColdStart", err)
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) handleSnapshot(ctx context.Context, params json.RawMessage) (interface{}, *Error) {
	var p userParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	snap, err := s.engine.Snapshot(ctx, p.UserID)
	if err != nil {
		return nil, s.toRPCError("engine/snapshot", err)
	}
	return snap, nil
}

func (s *Server) handleQueueStats(ctx context.Context) (interface{}, *Error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, s.toRPCError("queue/stats", err)
	}
	return stats, nil
}

func (s *Server) handleRecorderStats() (interface{}, *Error) {
	if s.recorder == nil {
		return learning.RecorderStats{}, nil
	}
	return s.recorder.Stats(), nil
}

// handleRecorderToggle switches recording and returns the resulting stats.
func (s *Server) handleRecorderToggle(enable bool) (interface{}, *Error) {
	if s.recorder == nil {
		return nil, &Error{Code: CodeInternal, Message: "decision recorder is not configured"}
	}
	if enable {
		s.recorder.Enable()
	} else {
		s.recorder.Disable()
	}
	s.log.Info("decision recording toggled", "enabled", enable)
	return s.recorder.Stats(), nil
}

func decodeParams(params json.RawMessage, v interface{}) *Error {
	if len(params) == 0 {
		return &Error{Code: CodeInvalidParams, Message: "params are required"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

func (s *Server) toRPCError(method string, err error) *Error {
	switch {
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, reward.ErrInvalidRequest):
		return &Error{Code: CodeInvalidParams, Message: err.Error()}
	case errors.Is(err, storage.ErrNotFound):
		return &Error{Code: CodeNotFound, Message: err.Error()}
	default:
		s.log.Error("request failed", "method", method, "error", err)
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
}

func errorResponse(id interface{}, code int, msg string) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: &Error{Code: code, Message: msg}}
}

// send writes one response line.
func (s *Server) send(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(errorResponse(resp.ID, CodeInternal, err.Error()))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintln(s.out, string(data)); err != nil {
		s.log.Warn("failed to write response", "error", err)
	}
}
