package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/residence-chat/internal/protocol"
	"github.com/npezzotti/residence-chat/internal/types"
	"github.com/samber/lo"
	"github.com/teris-io/shortid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
	opTimeout      = 10 * time.Second
	sendQueueSize  = 256
)

// Client is one authenticated websocket connection. Its user is fixed at
// handshake time.
type Client struct {
	id         string
	conn       *websocket.Conn
	sm         *SessionManager
	log        *log.Logger
	user       types.User
	send       chan *protocol.ServerMessage
	groups     map[int]struct{}
	groupsLock sync.Mutex
	stop       chan struct{}
	stopOnce   sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, sm *SessionManager, l *log.Logger) *Client {
	id, err := shortid.Generate()
	if err != nil {
		id = strconv.FormatInt(time.Now().UnixNano(), 36)
	}

	return &Client{
		id:     id,
		conn:   conn,
		sm:     sm,
		log:    l,
		user:   user,
		send:   make(chan *protocol.ServerMessage, sendQueueSize),
		groups: make(map[int]struct{}),
		stop:   make(chan struct{}),
	}
}

func (c *Client) Id() string {
	return c.id
}

func (c *Client) User() types.User {
	return c.user
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Printf("conn=%s: serialize message: %v", c.id, err)
				continue
			}

			if !c.writeMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		case <-ticker.C:
			if !c.writeMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.sm.OnDisconnect(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("conn=%s: read: %v", c.id, err)
			}
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Printf("conn=%s: parse message: %v", c.id, err)
			c.queueMessage(protocol.ErrInvalidMessage(-1))
			continue
		}

		c.dispatch(&msg)
	}
}

// dispatch runs one request to completion and queues its response.
// Requests of one connection are handled in the order they were read.
func (c *Client) dispatch(msg *protocol.ClientMessage) {
	op := msg.OpName()
	if op == "Unknown" {
		c.queueMessage(protocol.ErrInvalidMessage(msg.Id))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := c.invoke(ctx, msg)
	resp := protocol.ResponseFor(msg.Id, err)
	if resp.Response.ResponseCode >= http.StatusInternalServerError {
		c.log.Printf("conn=%s user=%d op=%s: %v", c.id, c.user.Id, op, err)
	}

	c.queueMessage(resp)
}

func (c *Client) invoke(ctx context.Context, msg *protocol.ClientMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Printf("conn=%s: panic in %s: %v\n%s", c.id, msg.OpName(), r, debug.Stack())
			err = fmt.Errorf("%s panicked: %v", msg.OpName(), r)
		}
	}()

	switch {
	case msg.Join != nil:
		return c.sm.JoinGroup(ctx, c, msg.Join.ResidenceId)
	case msg.Leave != nil:
		return c.sm.LeaveGroup(ctx, c, msg.Leave.ResidenceId)
	case msg.Send != nil:
		return c.sm.SendMessage(ctx, c, msg.Send.ResidenceId, msg.Send.Text)
	case msg.Read != nil:
		return c.sm.MarkRead(ctx, c, msg.Read.MessageId)
	case msg.JoinHouse != nil:
		id, err := strconv.Atoi(msg.JoinHouse.HouseId)
		if err != nil {
			return nil
		}
		return c.sm.JoinGroup(ctx, c, id)
	case msg.LeaveHouse != nil:
		id, err := strconv.Atoi(msg.LeaveHouse.HouseId)
		if err != nil {
			return nil
		}
		return c.sm.LeaveGroup(ctx, c, id)
	}

	return nil
}

// queueMessage never blocks. It reports false when the connection's queue
// is full or the connection has stopped.
func (c *Client) queueMessage(msg *protocol.ServerMessage) bool {
	select {
	case <-c.stop:
		return false
	default:
	}

	select {
	case c.send <- msg:
	default:
		c.log.Printf("conn=%s: send queue full", c.id)
		return false
	}

	return true
}

func (c *Client) writeMessage(msgType int, data []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("conn=%s: write message: %v", c.id, err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) addGroup(residenceId int) {
	c.groupsLock.Lock()
	defer c.groupsLock.Unlock()
	c.groups[residenceId] = struct{}{}
}

func (c *Client) delGroup(residenceId int) {
	c.groupsLock.Lock()
	defer c.groupsLock.Unlock()
	delete(c.groups, residenceId)
}

func (c *Client) groupIds() []int {
	c.groupsLock.Lock()
	defer c.groupsLock.Unlock()
	return lo.Keys(c.groups)
}

func (c *Client) inGroup(residenceId int) bool {
	c.groupsLock.Lock()
	defer c.groupsLock.Unlock()
	_, ok := c.groups[residenceId]
	return ok
}
