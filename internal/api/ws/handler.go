package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"live-transcript-relay/internal/models"
	"live-transcript-relay/internal/observability/logging"
	"live-transcript-relay/internal/observability/metrics"
	"live-transcript-relay/internal/service/broadcast"
)

// Client message types.
const (
	MsgStartStreaming = "startStreaming"
	MsgSendAudio      = "sendAudio"
	MsgStopStreaming  = "stopStreaming"
	MsgJoinSession    = "joinSession"
	MsgLeaveSession   = "leaveSession"
)

// Coordinator is the relay core driven by this transport.
type Coordinator interface {
	StartStreaming(ctx context.Context, conn broadcast.Member, groupKey, preferredVersion string) error
	SendAudio(ctx context.Context, connID string, payload []byte)
	StopStreaming(ctx context.Context, conn broadcast.Member)
	OnDisconnect(connID string)
	JoinSession(conn broadcast.Member, groupKey string) error
	LeaveSession(conn broadcast.Member, groupKey string)
}

// ClientMessage is a JSON text frame from the browser. Audio is base64 in
// JSON; binary frames carry raw audio without an envelope.
type ClientMessage struct {
	Type             string `json:"type"`
	SessionGroupKey  string `json:"sessionGroupKey,omitempty"`
	PreferredVersion string `json:"preferredVersion,omitempty"`
	Audio            []byte `json:"audio,omitempty"`
}

type Config struct {
	SendBuffer      int
	MaxMessageBytes int64
	AllowedOrigins  []string
}

// Handler upgrades requests and runs one read loop per connection.
type Handler struct {
	coord    Coordinator
	cfg      Config
	upgrader websocket.Upgrader
	log      zerolog.Logger
	metrics  *metrics.Metrics
}

func NewHandler(coord Coordinator, cfg Config) *Handler {
	h := &Handler{
		coord:   coord,
		cfg:     cfg,
		log:     logging.WithComponent("ws"),
		metrics: metrics.DefaultMetrics,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	conn := newConn(socket, id, h.cfg.SendBuffer, logging.WithConnection(id))
	h.metrics.RecordConnectionOpen()
	conn.log.Info().Str("remoteAddr", r.RemoteAddr).Msg("Connection opened")

	go conn.writePump()
	h.readPump(conn)
}

// readPump handles client frames until the socket fails, then runs the
// disconnect path.
func (h *Handler) readPump(conn *Conn) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		h.coord.OnDisconnect(conn.ID())
		conn.Close()
		h.metrics.RecordConnectionClose()
		conn.log.Info().Int64("dropped", conn.Dropped()).Msg("Connection closed")
	}()

	if h.cfg.MaxMessageBytes > 0 {
		conn.ws.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		return conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				conn.log.Warn().Err(err).Msg("Websocket read error")
			}
			return
		}
		_ = conn.ws.SetReadDeadline(time.Now().Add(pongWait))

		if kind == websocket.BinaryMessage {
			h.coord.SendAudio(ctx, conn.ID(), data)
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			conn.log.Debug().Err(err).Msg("Malformed client message")
			conn.Send(models.StreamFailed("malformed message"))
			continue
		}
		h.dispatch(ctx, conn, msg)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *Conn, msg ClientMessage) {
	switch msg.Type {
	case MsgStartStreaming:
		// Failures are already reported to the connection.
		_ = h.coord.StartStreaming(ctx, conn, msg.SessionGroupKey, msg.PreferredVersion)
	case MsgSendAudio:
		h.coord.SendAudio(ctx, conn.ID(), msg.Audio)
	case MsgStopStreaming:
		h.coord.StopStreaming(ctx, conn)
	case MsgJoinSession:
		_ = h.coord.JoinSession(conn, msg.SessionGroupKey)
	case MsgLeaveSession:
		h.coord.LeaveSession(conn, msg.SessionGroupKey)
	default:
		conn.Send(models.StreamFailed("unknown message type: " + msg.Type))
	}
}
