package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

// InboundHandler handles a client message. Errors are logged and sent back as
// an "error" message; they never close the session.
type InboundHandler func(ctx context.Context, id Identity, msgType string, data json.RawMessage) error

// Session is a websocket connection joined to one identity.
type Session struct {
	id    string
	ident Identity
	conn  *websocket.Conn
	send  chan []byte
	done  chan struct{}
	once  sync.Once
	log   *slog.Logger
}

func (s *Session) ID() string { return s.id }

// Send queues msg without blocking.
func (s *Session) Send(msg []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- msg:
		return true
	case <-s.done:
		return false
	default:
		return false
	}
}

func (s *Session) Close() {
	s.once.Do(func() { close(s.done) })
}

// Server upgrades HTTP requests to websocket sessions attached to a Bus.
type Server struct {
	bus      *Bus
	upgrader websocket.Upgrader
	inbound  InboundHandler
	log      *slog.Logger
}

func NewServer(bus *Bus, inbound InboundHandler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		inbound: inbound,
		log:     log,
	}
}

// Serve upgrades the request and blocks until the connection is closed.
func (srv *Server) Serve(w http.ResponseWriter, r *http.Request, ident Identity) {
	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.log.Warn("ws upgrade failed", "error", err)
		return
	}
	s := &Session{
		id:    uuid.NewString(),
		ident: ident,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		done:  make(chan struct{}),
		log:   srv.log.With("identity", ident.String()),
	}
	srv.bus.Attach(ident, s)
	defer func() {
		srv.bus.Detach(ident, s.id)
		s.Close()
		_ = conn.Close()
	}()

	go s.writePump()
	s.readPump(r.Context(), srv.inbound)
}

func (s *Session) readPump(ctx context.Context, inbound InboundHandler) {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("ws read error", "conn_id", s.id, "error", err)
			}
			return
		}
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data,omitempty"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.reply("error", map[string]string{"error": "malformed message"})
			continue
		}
		if msg.Type == "ping" {
			s.reply("pong", nil)
			continue
		}
		if inbound == nil {
			continue
		}
		if err := inbound(ctx, s.ident, msg.Type, msg.Data); err != nil {
			s.log.Warn("ws inbound rejected", "conn_id", s.id, "type", msg.Type, "error", err)
			s.reply("error", map[string]string{"type": msg.Type, "error": err.Error()})
		}
	}
}

func (s *Session) reply(msgType string, data any) {
	b, err := json.Marshal(Message{Type: msgType, Data: data})
	if err != nil {
		return
	}
	s.Send(b)
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		}
	}
}
