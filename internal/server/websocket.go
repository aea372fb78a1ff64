package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/collab"
	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/rooms"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 30 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 25 * time.Second

	defaultSendBuffer      = 256
	defaultMaxMessageBytes = 4 << 20
)

// WebSocketConfig tunes the realtime transport.
type WebSocketConfig struct {
	SendBuffer      int
	MaxMessageBytes int64
}

func (cfg WebSocketConfig) withDefaults() WebSocketConfig {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	return cfg
}

func newUpgrader(origins originMatcher) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return origins.allows(origin)
		},
	}
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	connectionID, err := h.ids.NewID()
	if err != nil {
		h.logger.Error("failed to issue connection id", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "connection_id_failed"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newWSClient(connectionID, conn, h.websocket.SendBuffer)
	if err := h.hub.Register(client); err != nil {
		h.logger.Warn("websocket registration rejected", zap.String("connection_id", connectionID), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.metrics.ConnectionOpened()
	h.logger.Info("websocket connected",
		zap.String("connection_id", connectionID),
		zap.String("remote", c.Request.RemoteAddr))

	go client.writePump()
	client.readPump(c.Request.Context(), h.coordinator, h.websocket.MaxMessageBytes, h.logger)

	left := h.coordinator.Disconnect(connectionID)
	client.Close()
	h.metrics.ConnectionClosed()
	h.logger.Info("websocket disconnected",
		zap.String("connection_id", connectionID),
		zap.Strings("rooms", left))
}

// wsClient is the hub-facing handle of one websocket connection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(id string, conn *websocket.Conn, sendBuffer int) *wsClient {
	return &wsClient{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (client *wsClient) ID() string {
	return client.id
}

func (client *wsClient) Send(frame []byte) error {
	select {
	case <-client.done:
		return rooms.ErrConnectionClosed
	default:
	}
	select {
	case client.send <- frame:
		return nil
	default:
		return rooms.ErrSlowConsumer
	}
}

// Close stops the write pump, which closes the socket and ends the read pump.
func (client *wsClient) Close() {
	client.closeOnce.Do(func() {
		close(client.done)
	})
}

// readPump processes inbound events one at a time until the socket fails.
func (client *wsClient) readPump(ctx context.Context, coordinator *collab.Coordinator, maxMessageBytes int64, logger *zap.Logger) {
	client.conn.SetReadLimit(maxMessageBytes)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read failed", zap.String("connection_id", client.id), zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		coordinator.HandleMessage(ctx, client.id, payload)
	}
}

// writePump drains the outbound queue and keeps the connection alive with pings.
func (client *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = client.conn.Close()
	}()

	for {
		select {
		case frame := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				client.Close()
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Close()
				return
			}
		case <-client.done:
			client.flush()
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = client.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames queued before Close so a dropped client still sees what it was sent.
func (client *wsClient) flush() {
	for {
		select {
		case frame := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
