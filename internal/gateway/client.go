package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"trading-simv1/internal/model"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512
)

// Client is a single /ws/price peer subscribed to one symbol.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	feed   *feed
	remove sync.Once
}

// writePump is the only writer of data frames. A JSON ping goes out after
// IdlePing without traffic; a control ping keeps the read deadline alive.
func (c *Client) writePump() {
	cfg := c.hub.cfg
	keepalive := time.NewTicker(cfg.PongWait * 9 / 10)
	idle := time.NewTimer(cfg.IdlePing)
	defer func() {
		keepalive.Stop()
		idle.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			resetTimer(idle, cfg.IdlePing)

		case <-idle.C:
			ping, _ := json.Marshal(model.PingMessage{Type: "ping", Timestamp: c.hub.now().UnixMilli()})
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
			idle.Reset(cfg.IdlePing)

		case <-keepalive.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client data and tracks liveness. Pings from the client
// are answered and refresh the deadline like pongs do.
func (c *Client) readPump() {
	defer c.hub.RemoveClient(c)

	wait := c.hub.cfg.PongWait
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})
	c.conn.SetPingHandler(func(data string) error {
		c.conn.SetReadDeadline(time.Now().Add(wait))
		err := c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(wait))
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
