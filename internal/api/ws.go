package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/CleanExpo/Chrome-n8n-Extention-sub001/internal/observe"
)

// RPC method names.
const (
	MethodProcessMessage = "processMessage"
	MethodTestConnection = "testConnection"
	MethodListModels     = "listModels"
	MethodSetModel       = "setModel"
	MethodCancel         = "cancel"
)

// wsWriteTimeout bounds writing one reply frame.
const wsWriteTimeout = 10 * time.Second

var (
	errUnknownMethod = errors.New("unknown method")
	errDuplicateID   = errors.New("a request with this id is already running")
	errBadParams     = errors.New("params")
)

// rpcRequest is one inbound frame.
type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// rpcResponse is one outbound frame. Exactly one of Result and Error is set.
type rpcResponse struct {
	ID     string     `json:"id"`
	Result any        `json:"result,omitempty"`
	Error  *errorBody `json:"error,omitempty"`
}

type cancelParams struct {
	ID string `json:"id"`
}

type providerParams struct {
	Provider string `json:"provider"`
}

// handleWS upgrades to a WebSocket and serves RPC frames until the client
// goes away. Each request runs in its own goroutine; closing the socket
// cancels every request still running.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: *s.origins.Load(),
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("api: websocket accept", "err", err, "origin", r.Header.Get("Origin"))
		return
	}
	conn.SetReadLimit(maxBodyBytes)

	ctx := r.Context()
	if s.metrics != nil {
		s.metrics.WSConnections.Add(ctx, 1)
		defer s.metrics.WSConnections.Add(context.WithoutCancel(ctx), -1)
	}

	sess := &wsSession{srv: s, conn: conn, inflight: make(map[string]context.CancelFunc)}
	err = sess.serve(ctx)
	switch status := websocket.CloseStatus(err); {
	case status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway, ctx.Err() != nil:
		conn.Close(websocket.StatusNormalClosure, "")
	default:
		observe.Logger(ctx).Debug("api: websocket closed", "err", err)
		conn.Close(websocket.StatusInternalError, "read failed")
	}
}

// wsSession is the state of one WebSocket connection.
type wsSession struct {
	srv  *Server
	conn *websocket.Conn
	ctx  context.Context

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // request id → cancel
	wg       sync.WaitGroup
}

func (ss *wsSession) serve(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	ss.ctx = ctx
	defer func() {
		cancel()
		ss.wg.Wait()
	}()

	for {
		typ, data, err := ss.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			ss.reply(rpcResponse{Error: &errorBody{Error: "frames must be JSON text"}})
			continue
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			ss.reply(rpcResponse{Error: &errorBody{Error: "invalid frame"}})
			continue
		}
		ss.dispatch(req)
	}
}

func (ss *wsSession) dispatch(req rpcRequest) {
	if req.Method == MethodCancel {
		var p cancelParams
		if err := decodeParams(req.Params, &p); err != nil {
			ss.fail(req.ID, err)
			return
		}
		ss.reply(rpcResponse{ID: req.ID, Result: map[string]bool{"canceled": ss.cancel(p.ID)}})
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	reqCtx, cancel := context.WithCancel(ss.ctx)
	if !ss.register(req.ID, cancel) {
		cancel()
		ss.fail(req.ID, errDuplicateID)
		return
	}

	ss.wg.Add(1)
	go func() {
		defer ss.wg.Done()
		defer ss.unregister(req.ID)
		defer cancel()

		result, err := ss.call(reqCtx, req)
		if err != nil {
			ss.fail(req.ID, err)
			return
		}
		ss.reply(rpcResponse{ID: req.ID, Result: result})
	}()
}

// call runs one method.
func (ss *wsSession) call(ctx context.Context, req rpcRequest) (any, error) {
	s := ss.srv
	switch req.Method {
	case MethodProcessMessage:
		var p messageRequest
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.svc.ProcessMessage(ctx, p.chatRequest())

	case MethodTestConnection:
		var p testRequest
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.testConnection(ctx, p)

	case MethodListModels:
		var p providerParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.listModels(p.Provider)

	case MethodSetModel:
		var p setModelRequest
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := s.setModel(ctx, p); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	}
	return nil, fmt.Errorf("%w %q", errUnknownMethod, req.Method)
}

func (ss *wsSession) register(id string, cancel context.CancelFunc) bool {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if _, dup := ss.inflight[id]; dup {
		return false
	}
	ss.inflight[id] = cancel
	return true
}

func (ss *wsSession) unregister(id string) {
	ss.mu.Lock()
	delete(ss.inflight, id)
	ss.mu.Unlock()
}

// cancel stops the request with the given id and reports whether it was
// still running.
func (ss *wsSession) cancel(id string) bool {
	ss.mu.Lock()
	cancel, ok := ss.inflight[id]
	ss.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (ss *wsSession) fail(id string, err error) {
	body := errorFor(ss.ctx, err)
	ss.reply(rpcResponse{ID: id, Error: &body})
}

// reply writes one frame. Requests finish on their own goroutines, and the
// connection serialises concurrent writers.
func (ss *wsSession) reply(resp rpcResponse) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ss.ctx), wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ss.conn, resp); err != nil {
		slog.Debug("api: websocket write", "id", resp.ID, "err", err)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%w are required", errBadParams)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid %w: %v", errBadParams, err)
	}
	return nil
}
