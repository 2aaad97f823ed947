package wshub

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// clientRequest is the control message a dashboard client sends.
type clientRequest struct {
	Type   string   `json:"type"` // subscribe | unsubscribe | ping
	Topics []string `json:"topics,omitempty"`
}

type clientReply struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
}

type client struct {
	id   int64
	conn net.Conn
	hub  *Hub
	send chan []byte
	done chan struct{}

	failures  atomic.Int32
	closeOnce sync.Once
}

// readPump parses control messages until the connection dies.
func (c *client) readPump() {
	defer c.close(ws.StatusNormalClosure, "")

	for {
		data, err := wsutil.ReadClientText(c.conn)
		if err != nil {
			return
		}
		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.hub.logger.Debug().Int64("client_id", c.id).Msg("Ignoring malformed client message")
			continue
		}

		switch req.Type {
		case "subscribe":
			var accepted []string
			for _, topic := range req.Topics {
				if validTopic(topic) {
					c.hub.index.add(topic, c)
					accepted = append(accepted, topic)
				}
			}
			c.reply(clientReply{Type: "subscribed", Topics: accepted})
		case "unsubscribe":
			for _, topic := range req.Topics {
				c.hub.index.remove(topic, c)
			}
			c.reply(clientReply{Type: "unsubscribed", Topics: req.Topics})
		case "ping":
			c.reply(clientReply{Type: "pong"})
		}
	}
}

// writePump drains the send queue onto the socket.
func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := wsutil.WriteServerText(c.conn, payload); err != nil {
				c.close(ws.StatusAbnormalClosure, "")
				return
			}
		}
	}
}

// reply enqueues a control response without blocking the read pump.
func (c *client) reply(r clientReply) {
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *client) close(code ws.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.hub.drop(c)
		close(c.done)
		frame := ws.NewCloseFrame(ws.NewCloseFrameBody(code, reason))
		ws.WriteFrame(c.conn, frame)
		c.conn.Close()
	})
}
