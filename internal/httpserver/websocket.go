package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/skobkin/resgov/internal/api"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	reqLogger := s.loggerFromContext(r.Context())
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.gov == nil {
		http.Error(w, "governor unavailable", http.StatusServiceUnavailable)
		return
	}

	if !s.reserveWS() {
		reqLogger.Warn("websocket rejected", "reason", "capacity")
		http.Error(w, "websocket capacity reached", http.StatusServiceUnavailable)
		return
	}
	defer s.releaseWS()

	conn, err := websocket.Accept(w, r, acceptOptions(s.cfg.AllowedOrigins))
	if err != nil {
		reqLogger.Warn("websocket accept failed", "err", err)
		return
	}
	s.wsTotal.Add(1)

	session := &wsSession{
		srv:    s,
		conn:   conn,
		logger: reqLogger.With("ws_id", s.wsConnIDs.Add(1)),
		wake:   make(chan struct{}, 1),
	}
	session.serve(r.Context())
}

// wsSession streams governor state to one client. Control replies queue in
// order; state snapshots coalesce so a slow client only ever sees the newest.
type wsSession struct {
	srv    *Server
	conn   *websocket.Conn
	logger *slog.Logger

	mu      sync.Mutex
	control [][]byte
	state   []byte
	closed  bool
	wake    chan struct{}
}

func (ws *wsSession) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	stateCh, unsubscribe := ws.srv.gov.State().Subscribe()
	writerDone := make(chan struct{})
	go ws.writeLoop(ctx, cancel, writerDone)

	defer func() {
		unsubscribe()
		ws.shutdown()
		cancel()
		<-writerDone
		if err := ws.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			ws.logger.Debug("websocket close failed", "err", err)
		}
	}()

	cfg := ws.srv.cfg
	hello := api.NewHelloMessage(int(cfg.Governor.SignalInterval.Milliseconds()), map[string]bool{
		"prometheus": cfg.EnablePrometheus,
		"tracing":    cfg.EnableTracing,
		"cgroup":     cfg.CgroupRoot != "",
	})
	if !ws.send(hello, true) {
		return
	}

	inbound := make(chan []byte, 8)
	readErr := make(chan error, 1)
	go ws.readLoop(ctx, inbound, readErr)

	for {
		select {
		case snapshot, ok := <-stateCh:
			if !ok {
				return
			}
			if !ws.send(api.NewStateMessage(snapshot), false) {
				return
			}
		case data, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			if err := ws.handleClientMessage(data); err != nil {
				ws.logger.Warn("client message handling error", "err", err)
				return
			}
		case err := <-readErr:
			if err != nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				ws.logger.Warn("websocket read error", "err", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (ws *wsSession) readLoop(ctx context.Context, out chan<- []byte, errCh chan<- error) {
	defer close(out)
	timeout := ws.srv.cfg.WS.ReadTimeout
	for {
		readCtx, cancel := ctx, context.CancelFunc(func() {})
		if timeout > 0 {
			readCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		msgType, data, err := ws.conn.Read(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				continue
			}
			errCh <- err
			return
		}
		if msgType != websocket.MessageText {
			continue
		}
		select {
		case out <- data:
		case <-ctx.Done():
			return
		}
	}
}

func (ws *wsSession) handleClientMessage(data []byte) error {
	var envelope api.ClientMessage
	if err := json.Unmarshal(data, &envelope); err != nil {
		ws.logger.Debug("invalid client message", "err", err)
		return nil
	}

	var reply any
	switch envelope.Type {
	case "ping":
		reply = api.PongMessage{Type: "pong"}
	case "refresh":
		if !ws.send(api.NewStateMessage(ws.srv.gov.Snapshot()), false) {
			return errors.New("session closed before state refresh")
		}
		return nil
	default:
		reply = api.ErrorMessage{Type: "error", Message: fmt.Sprintf("unknown message type %q", envelope.Type)}
	}
	if !ws.send(reply, true) {
		return fmt.Errorf("session closed before %s reply", envelope.Type)
	}
	return nil
}

// send marshals payload and queues it. Control messages beyond the queue
// size evict the oldest control message; a pending state message is
// replaced by a newer one. Evictions count as drops.
func (ws *wsSession) send(payload any, control bool) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		ws.logger.Error("failed to marshal websocket payload", "err", err)
		return false
	}

	ws.mu.Lock()
	if ws.closed {
		ws.mu.Unlock()
		return false
	}
	if control {
		if len(ws.control) >= wsSendQueueSize {
			ws.control = ws.control[1:]
			ws.srv.wsDropped.Add(1)
		}
		ws.control = append(ws.control, data)
	} else {
		if ws.state != nil {
			ws.srv.wsDropped.Add(1)
		}
		ws.state = data
	}
	ws.mu.Unlock()

	select {
	case ws.wake <- struct{}{}:
	default:
	}
	return true
}

func (ws *wsSession) next() ([]byte, bool) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if len(ws.control) > 0 {
		data := ws.control[0]
		ws.control = ws.control[1:]
		return data, true
	}
	if ws.state != nil {
		data := ws.state
		ws.state = nil
		return data, true
	}
	return nil, false
}

func (ws *wsSession) shutdown() {
	ws.mu.Lock()
	ws.closed = true
	ws.control = nil
	ws.state = nil
	ws.mu.Unlock()
}

func (ws *wsSession) writeLoop(ctx context.Context, cancel context.CancelFunc, done chan<- struct{}) {
	defer close(done)
	timeout := ws.srv.cfg.WS.WriteTimeout
	for {
		for {
			data, ok := ws.next()
			if !ok {
				break
			}
			writeCtx, cancelWrite := ctx, context.CancelFunc(func() {})
			if timeout > 0 {
				writeCtx, cancelWrite = context.WithTimeout(ctx, timeout)
			}
			err := ws.conn.Write(writeCtx, websocket.MessageText, data)
			cancelWrite()
			if err != nil {
				if websocket.CloseStatus(err) != websocket.StatusNormalClosure && ctx.Err() == nil {
					ws.logger.Warn("websocket write failed", "err", err)
				}
				cancel()
				return
			}
			ws.srv.wsSent.Add(1)
		}

		select {
		case <-ctx.Done():
			return
		case <-ws.wake:
		}
	}
}

func (s *Server) reserveWS() bool {
	for {
		current := s.wsActive.Load()
		if s.maxWSClients > 0 && current >= s.maxWSClients {
			s.wsRejected.Add(1)
			return false
		}
		if s.wsActive.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (s *Server) releaseWS() {
	s.wsActive.Add(-1)
}

// acceptOptions maps the configured origins onto the library's checks. A
// wildcard disables origin verification entirely.
func acceptOptions(origins []string) *websocket.AcceptOptions {
	for _, origin := range origins {
		if origin == "*" {
			return &websocket.AcceptOptions{InsecureSkipVerify: true}
		}
	}
	return &websocket.AcceptOptions{OriginPatterns: append([]string(nil), origins...)}
}
