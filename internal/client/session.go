package client

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/residence-chat/internal/protocol"
	"github.com/npezzotti/residence-chat/internal/types"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// Session is one live connection to the chat server.
type Session interface {
	JoinGroup(ctx context.Context, residenceId int) error
	LeaveGroup(ctx context.Context, residenceId int) error
	SendMessage(ctx context.Context, residenceId int, text string) error
	MarkRead(ctx context.Context, messageId int) error
	// Notify is signalled whenever pushed messages are waiting in Drain.
	Notify() <-chan struct{}
	Drain() []Inbound
	// Done is closed once the connection is gone. Err then reports why.
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Inbound is a server push: a chat message or a revocation notice.
type Inbound struct {
	Message *types.Message
	Revoked *protocol.Revoked
}

type Dialer interface {
	Dial(ctx context.Context, token string) (Session, error)
}

// WSDialer opens websocket sessions against the server's /ws endpoint.
type WSDialer struct {
	url    string
	dialer *websocket.Dialer
	log    *log.Logger
}

func NewWSDialer(wsURL string, logger *log.Logger) *WSDialer {
	return &WSDialer{
		url: wsURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		log: logger,
	}
}

func (d *WSDialer) Dial(ctx context.Context, token string) (Session, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := d.dialer.DialContext(ctx, d.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: handshake rejected", types.ErrUnauthenticated)
		}
		return nil, fmt.Errorf("%w: dial: %v", types.ErrTransportFailure, err)
	}

	return newWSSession(conn, d.log), nil
}

type wsSession struct {
	conn    *websocket.Conn
	log     *log.Logger
	writeMu sync.Mutex

	mu      sync.Mutex
	nextId  int
	pending map[int]chan *protocol.Response
	inbox   []Inbound
	err     error

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newWSSession(conn *websocket.Conn, logger *log.Logger) *wsSession {
	s := &wsSession{
		conn:    conn,
		log:     logger,
		pending: make(map[int]chan *protocol.Response),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *wsSession) readLoop() {
	var err error
	defer func() {
		s.mu.Lock()
		s.err = fmt.Errorf("%w: %v", types.ErrTransportFailure, err)
		s.mu.Unlock()
		s.conn.Close()
		close(s.done)
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPingHandler(func(data string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		var msg protocol.ServerMessage
		if err = s.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch {
		case msg.Response != nil:
			s.resolve(msg.Id, msg.Response)
		case msg.Message != nil:
			s.push(Inbound{Message: msg.Message})
		case msg.Notification != nil && msg.Notification.Revoked != nil:
			s.push(Inbound{Revoked: msg.Notification.Revoked})
		}
	}
}

func (s *wsSession) resolve(id int, resp *protocol.Response) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()

	if !ok {
		s.log.Printf("unsolicited response %d: %d %s", id, resp.ResponseCode, resp.Error)
		return
	}
	ch <- resp
}

func (s *wsSession) push(in Inbound) {
	s.mu.Lock()
	s.inbox = append(s.inbox, in)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *wsSession) call(ctx context.Context, msg *protocol.ClientMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch := make(chan *protocol.Response, 1)

	s.mu.Lock()
	s.nextId++
	id := s.nextId
	s.pending[id] = ch
	s.mu.Unlock()

	forget := func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}

	msg.Id = id
	msg.Timestamp = protocol.Now()

	s.writeMu.Lock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := s.conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		forget()
		return fmt.Errorf("%w: write: %v", types.ErrTransportFailure, err)
	}

	select {
	case resp := <-ch:
		return resp.Err()
	case <-s.done:
		select {
		case resp := <-ch:
			return resp.Err()
		default:
		}
		return s.Err()
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (s *wsSession) JoinGroup(ctx context.Context, residenceId int) error {
	return s.call(ctx, &protocol.ClientMessage{Join: &protocol.Join{ResidenceId: residenceId}})
}

func (s *wsSession) LeaveGroup(ctx context.Context, residenceId int) error {
	return s.call(ctx, &protocol.ClientMessage{Leave: &protocol.Leave{ResidenceId: residenceId}})
}

func (s *wsSession) SendMessage(ctx context.Context, residenceId int, text string) error {
	return s.call(ctx, &protocol.ClientMessage{Send: &protocol.Send{ResidenceId: residenceId, Text: text}})
}

func (s *wsSession) MarkRead(ctx context.Context, messageId int) error {
	return s.call(ctx, &protocol.ClientMessage{Read: &protocol.Read{MessageId: messageId}})
}

func (s *wsSession) Notify() <-chan struct{} {
	return s.notify
}

func (s *wsSession) Drain() []Inbound {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := s.inbox
	s.inbox = nil
	return in
}

func (s *wsSession) Done() <-chan struct{} {
	return s.done
}

func (s *wsSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}
