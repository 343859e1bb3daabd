package broadcast

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pdm-go/internal/model"
	"pdm-go/internal/pdm"
)

const writeTimeout = 10 * time.Second

// Client message types.
const (
	MsgSubscribe     = "subscribe"
	MsgHeartbeatPing = "heartbeat_ping"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// ClientMessage is what a participant sends over the socket.
type ClientMessage struct {
	Type string `json:"type"`
}

// SnapshotFunc returns the full resource listing sent on connect and on
// every subscribe.
type SnapshotFunc func(ctx context.Context, actor *model.Actor) ([]pdm.ResourceStatus, error)

// Handler serves the WebSocket transport for one Broadcaster.
type Handler struct {
	b        *Broadcaster
	snapshot SnapshotFunc
	ids      pdm.IDGenerator
	buffer   int
	logger   pdm.Logger
}

func NewHandler(b *Broadcaster, snapshot SnapshotFunc, ids pdm.IDGenerator, buffer int, logger pdm.Logger) *Handler {
	return &Handler{b: b, snapshot: snapshot, ids: ids, buffer: buffer, logger: logger}
}

// Serve upgrades the request and runs the session until either side goes
// away. The caller has already authenticated actor.
func (h *Handler) Serve(w http.ResponseWriter, r *http.Request, actor *model.Actor) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "actor", actor.ID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSession(h.ids.New(), actor.ID, h.buffer, h.b.clock.Now())
	if err := h.b.Register(ctx, s); err != nil {
		h.logger.Error("registering session", "session", s.ID(), "error", err)
		return
	}
	defer h.b.Unregister(s.ID())

	// Registered before the snapshot is taken, so anything committed in
	// between shows up again as an event after it.
	ev, err := h.snapshotEvent(ctx, actor)
	if err != nil {
		h.logger.Error("building snapshot", "session", s.ID(), "error", err)
		return
	}
	if err := h.write(conn, ev); err != nil {
		return
	}

	go h.read(ctx, conn, s, actor)

	for ev := range s.Events() {
		if err := h.write(conn, ev); err != nil {
			h.logger.Debug("websocket write failed", "session", s.ID(), "error", err)
			return
		}
	}
}

func (h *Handler) write(conn *websocket.Conn, ev pdm.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ev)
}

func (h *Handler) snapshotEvent(ctx context.Context, actor *model.Actor) (pdm.Event, error) {
	resources, err := h.snapshot(ctx, actor)
	if err != nil {
		return pdm.Event{}, err
	}
	return pdm.Event{Type: pdm.EventSnapshot, Timestamp: h.b.clock.Now(), Resources: resources}, nil
}

// read handles client messages. Any read error ends the session, which
// closes the queue and stops the writer.
func (h *Handler) read(ctx context.Context, conn *websocket.Conn, s *Session, actor *model.Actor) {
	defer h.b.Unregister(s.ID())
	for {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", "session", s.ID(), "error", err)
			}
			return
		}

		switch msg.Type {
		case MsgHeartbeatPing:
			if err := h.b.Heartbeat(s.ID()); err != nil {
				return
			}
			if err := s.Send(pdm.Event{Type: pdm.EventHeartbeatPong, Timestamp: h.b.clock.Now()}); err != nil {
				return
			}
		case MsgSubscribe:
			ev, err := h.snapshotEvent(ctx, actor)
			if err != nil {
				h.logger.Warn("building snapshot", "session", s.ID(), "error", err)
				continue
			}
			if err := s.Send(ev); err != nil {
				return
			}
		default:
			h.logger.Debug("ignoring unknown client message", "session", s.ID(), "type", msg.Type)
		}
	}
}
