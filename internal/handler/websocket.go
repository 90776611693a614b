package handler

import (
	"net/http"
	"time"

	"github.com/CageChen/vfshub/internal/logging"
	"github.com/CageChen/vfshub/internal/metrics"
	"github.com/CageChen/vfshub/internal/vfs"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WSHandler streams a client's store events over WebSocket
type WSHandler struct {
	trees *TreeHandler
}

// NewWSHandler creates a new WebSocket handler
func NewWSHandler(trees *TreeHandler) *WSHandler {
	return &WSHandler{trees: trees}
}

// HandleWS sends the current state of the client's view, then one message
// per store event until either side closes. The connection ends when the
// view is torn down.
func (h *WSHandler) HandleWS(c *gin.Context) {
	store, ok := h.trees.store(c)
	if !ok {
		return
	}
	events, cancel := store.Subscribe()
	defer cancel()

	state, err := store.State(vfs.StateOptions{})
	if err != nil {
		writeError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	defer metrics.WSConnected()()

	log := logging.WithContext(c.Request.Context()).With(zap.String("client", store.ClientID()))
	log.Debug("feed opened")

	// The reader only notices the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := write(conn, WSMessage{Type: "state", Payload: state}); err != nil {
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			log.Debug("feed closed by peer")
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "view closed"),
					time.Now().Add(writeWait))
				return
			}
			if err := write(conn, WSMessage{Type: "event", Payload: ev}); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func write(conn *websocket.Conn, msg WSMessage) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}
