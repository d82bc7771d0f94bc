package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"statusboard/internal/presence"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192
)

const (
	frameSnapshot = "snapshot"
	framePresence = "presence"
)

// Frame is the JSON envelope written to websocket observers.
type Frame struct {
	Type  string           `json:"type"`
	Users []presence.Event `json:"users,omitempty"`
	Event *presence.Event  `json:"event,omitempty"`
	HTML  string           `json:"html,omitempty"`
}

// wsClient is one upgraded connection. Once the pumps run, readPump owns
// teardown and writePump only closes the socket.
type wsClient struct {
	id     string
	userID int64
	conn   *websocket.Conn
	events <-chan presence.Event
	server *Server
	ctx    context.Context
	logger *slog.Logger
}

// ServeWS upgrades the request, attributes the connection to the caller's
// session (or leaves it anonymous) and starts streaming presence frames.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	user, err := s.identify(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{
		id:     uuid.NewString(),
		userID: userID(user),
		conn:   conn,
		server: s,
		// the request context ends when this handler returns
		ctx: context.WithoutCancel(r.Context()),
	}
	client.logger = s.logger.With("conn", client.id, "user", client.userID)
	if !s.track(client) {
		client.close(websocket.CloseGoingAway, "server shutting down")
		return
	}

	// Subscribe before the snapshot so nothing falls between the two.
	client.events = s.hub.Subscribe(presence.Topic, client.id)
	s.metrics.IncConn()
	if err := s.registry.Register(client.ctx, client.id, client.userID); err != nil {
		client.logger.Warn("register connection", "err", err)
	}
	snapshot, err := s.presence.Snapshot(client.ctx)
	if err != nil {
		// without a baseline the observer would show a partial list; let it reconnect
		client.logger.Error("presence snapshot", "err", err)
		client.close(websocket.CloseInternalServerErr, "snapshot unavailable")
		client.teardown()
		return
	}
	client.logger.Info("observer connected")

	go client.writePump(snapshot)
	go client.readPump()
}

// close sends a close frame and closes the socket. The pumps notice and
// run the usual teardown. Safe to call next to the write pump.
func (client *wsClient) close(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = client.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = client.conn.Close()
}

func (client *wsClient) readPump() {
	defer client.teardown()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		// observers have nothing to say; reading keeps pongs and close frames flowing
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				client.logger.Debug("read error", "err", err)
			}
			return
		}
	}
}

func (client *wsClient) teardown() {
	s := client.server
	s.hub.Drop(client.id)
	if err := s.registry.Unregister(client.ctx, client.id); err != nil {
		client.logger.Warn("unregister connection", "err", err)
	}
	_ = client.conn.Close()
	s.metrics.DecConn()
	s.untrack(client)
	client.logger.Info("observer disconnected")
}

func (client *wsClient) writePump(snapshot []presence.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	frame, err := snapshotFrame(snapshot)
	if err != nil {
		client.logger.Error("render snapshot frame", "err", err)
		return
	}
	if err := client.writeFrame(frame); err != nil {
		return
	}
	for {
		select {
		case ev, ok := <-client.events:
			if !ok {
				// dropped by the hub, either slow or torn down
				_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = client.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too slow"))
				return
			}
			frame, err := presenceFrame(ev)
			if err != nil {
				client.logger.Error("render presence frame", "err", err)
				continue
			}
			if err := client.writeFrame(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (client *wsClient) writeFrame(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !errors.Is(err, websocket.ErrCloseSent) {
			client.logger.Debug("write error", "err", err)
		}
		return err
	}
	client.server.metrics.IncFrameSent()
	return nil
}

func snapshotFrame(users []presence.Event) (Frame, error) {
	html, err := renderUserRows(users)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameSnapshot, Users: users, HTML: html}, nil
}

func presenceFrame(ev presence.Event) (Frame, error) {
	html, err := renderUserRow(ev)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: framePresence, Event: &ev, HTML: html}, nil
}
