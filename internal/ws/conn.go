package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/afar1/ryos/internal/broadcast"
	"github.com/afar1/ryos/internal/room"
	"github.com/afar1/ryos/internal/token"
)

type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	subscribed []string
	username   string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve upgrades the connection and subscribes the client to the rooms it
// asked for plus, when authenticated, its personal channel. Anonymous
// clients see public channels only.
func Serve(hub *Hub, tokens *token.Manager, rooms *room.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		username := authenticate(c, tokens)

		channels := []string{broadcast.RoomsChannel}
		if username != "" {
			channels = append(channels, broadcast.UserChannel(username))
		}
		for _, roomID := range splitIDs(c.Query("rooms")) {
			rm, err := rooms.Get(c.Request.Context(), roomID)
			if err != nil {
				continue
			}
			if rm.IsPrivate() && !rm.HasMember(username) {
				continue
			}
			channels = append(channels, broadcast.RoomChannel(rm.ID))
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			hub:        hub,
			conn:       conn,
			send:       make(chan []byte, 256),
			subscribed: channels,
			username:   username,
		}
		hub.register(client)

		go client.writePump()
		client.readPump()
	}
}

// authenticate resolves the optional bearer token; a websocket is usable
// without one, it just carries no personal channel.
func authenticate(c *gin.Context, tokens *token.Manager) string {
	tok := c.Query("token")
	if tok == "" {
		authz := c.GetHeader("Authorization")
		if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
			tok = strings.TrimSpace(authz[7:])
		}
	}
	username := strings.ToLower(c.Query("username"))
	if username == "" {
		username = strings.ToLower(c.GetHeader("X-Chat-Username"))
	}
	if tok == "" || username == "" {
		return ""
	}
	res, err := tokens.Validate(c.Request.Context(), username, tok, false)
	if err != nil || !res.Valid {
		return ""
	}
	return username
}

func splitIDs(raw string) []string {
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// readPump discards inbound frames (clients send over REST) but keeps the
// read side alive for close and pong handling.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(4 << 10)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
