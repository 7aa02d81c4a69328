package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/dirkpetersen/web-term/internal/config"
	"github.com/dirkpetersen/web-term/internal/middleware"
	"github.com/dirkpetersen/web-term/internal/session"
	"github.com/dirkpetersen/web-term/internal/terminal"
)

// Message types on the browser WebSocket.
const (
	MsgTerminalCreate = "terminal:create"
	MsgTerminalInput  = "terminal:input"
	MsgTerminalResize = "terminal:resize"
	MsgTerminalClose  = "terminal:close"

	MsgTerminalReady  = "terminal:ready"
	MsgTerminalData   = "terminal:data"
	MsgTerminalClosed = "terminal:closed"
	MsgTerminalError  = "terminal:error"
	MsgSessionInvalid = "session:invalid"
)

// Close codes sent when the server ends the socket.
const (
	closeSessionInvalid websocket.StatusCode = 4001
	closeSlowConsumer   websocket.StatusCode = 4008
)

const (
	wsPingInterval = 30 * time.Second
	wsPingTimeout  = 10 * time.Second
	wsWriteTimeout = 10 * time.Second
)

type wsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type terminalRequest struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
	Cols       int    `json:"cols"`
	Rows       int    `json:"rows"`
}

type terminalIDPayload struct {
	TerminalID string `json:"terminalId"`
}

type terminalDataPayload struct {
	TerminalID string `json:"terminalId"`
	Data       string `json:"data"`
}

type terminalErrorPayload struct {
	TerminalID string `json:"terminalId,omitempty"`
	Message    string `json:"message"`
}

type sessionInvalidPayload struct {
	Message string `json:"message"`
}

type outMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// encodeOutput maps a hub event to its WebSocket message.
func encodeOutput(o session.Output) (outMessage, bool) {
	switch o.Kind {
	case session.OutputReady:
		return outMessage{MsgTerminalReady, terminalIDPayload{o.TerminalID}}, true
	case session.OutputData:
		return outMessage{MsgTerminalData, terminalDataPayload{o.TerminalID, string(o.Data)}}, true
	case session.OutputClosed:
		return outMessage{MsgTerminalClosed, terminalIDPayload{o.TerminalID}}, true
	case session.OutputError:
		return outMessage{MsgTerminalError, terminalErrorPayload{o.TerminalID, o.Message}}, true
	case session.OutputInvalid:
		return outMessage{MsgSessionInvalid, sessionInvalidPayload{o.Message}}, true
	}
	return outMessage{}, false
}

func writeMessage(ctx context.Context, conn *websocket.Conn, m outMessage) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// TerminalWS is the message router for one browser connection. Output of
// every terminal in the session is fanned out to it; terminal:* requests are
// dispatched to the coordinator. When the last connection of a session goes
// away its terminals are detached and the tmux sessions keep running.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	s := middleware.GetSession(r)
	if s == nil {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	// The connection's goroutines outlive this call, so they use this
	// coordinator rather than the package variable.
	coord := Coordinator

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: config.Cfg.AllowedOrigins,
	})
	if err != nil {
		log.Printf("[ws] %s: accept failed: %v", s.Tag, err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(terminal.MaxInputMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := s.Subscribe()
	log.Printf("[ws] %s: connected from %s", s.Tag, r.RemoteAddr)
	defer func() {
		remaining := s.Unsubscribe(sub)
		log.Printf("[ws] %s: disconnected, %d connection(s) left", s.Tag, remaining)
		if remaining == 0 && !s.Closing() {
			coord.DetachAll(s)
		}
	}()

	// Replies meant for this connection only, such as create failures.
	direct := make(chan outMessage, 16)

	go wsReadLoop(ctx, cancel, conn, coord, s, direct)
	go wsPingLoop(ctx, cancel, conn, s)

	wsWriteLoop(ctx, conn, s, sub, direct)
}

func wsPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, s *session.Session) {
	defer cancel()
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, wsPingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				log.Printf("[ws] %s: ping failed: %v", s.Tag, err)
				return
			}
		}
	}
}

func wsWriteLoop(ctx context.Context, conn *websocket.Conn, s *session.Session, sub *session.Subscriber, direct <-chan outMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-direct:
			if err := writeMessage(ctx, conn, m); err != nil {
				return
			}
		case o, ok := <-sub.C:
			if !ok {
				if s.Closing() {
					conn.Close(websocket.StatusNormalClosure, "session ended")
				} else {
					log.Printf("[ws] %s: connection fell behind, closing", s.Tag)
					conn.Close(closeSlowConsumer, "output buffer overflow")
				}
				return
			}
			m, ok := encodeOutput(o)
			if !ok {
				continue
			}
			if err := writeMessage(ctx, conn, m); err != nil {
				return
			}
			if o.Kind == session.OutputInvalid {
				conn.Close(closeSessionInvalid, "session invalid")
				return
			}
		}
	}
}

func wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, coord *terminal.Coordinator, s *session.Session, direct chan<- outMessage) {
	defer cancel()
	limiter := terminal.NewRateLimiter(terminal.MessageRateLimit, terminal.MessageRateBurst)
	throttled := false

	reply := func(m outMessage) {
		select {
		case direct <- m:
		default:
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		if !limiter.Allow() {
			if !throttled {
				log.Printf("[ws] %s: message rate exceeded, dropping input", s.Tag)
				throttled = true
			}
			continue
		}
		throttled = false

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[ws] %s: invalid message: %v", s.Tag, err)
			continue
		}
		var req terminalRequest
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &req); err != nil {
				log.Printf("[ws] %s: invalid %s payload: %v", s.Tag, msg.Type, err)
				continue
			}
		}

		switch msg.Type {
		case MsgTerminalCreate:
			if err := coord.Create(s, req.TerminalID, req.Cols, req.Rows); err != nil {
				if errors.Is(err, terminal.ErrSessionClosed) {
					continue
				}
				log.Printf("[ws] %s: create %q: %v", s.Tag, req.TerminalID, err)
				reply(outMessage{MsgTerminalError, terminalErrorPayload{req.TerminalID, err.Error()}})
			}
		case MsgTerminalInput:
			coord.Write(s, req.TerminalID, []byte(req.Data))
		case MsgTerminalResize:
			coord.Resize(s, req.TerminalID, req.Cols, req.Rows)
		case MsgTerminalClose:
			coord.CloseOne(s, req.TerminalID)
		default:
			log.Printf("[ws] %s: unknown message type %q", s.Tag, msg.Type)
		}
	}
}
