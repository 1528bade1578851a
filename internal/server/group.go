package server

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"strings"
	"time"

	"github.com/npezzotti/residence-chat/internal/database"
	"github.com/npezzotti/residence-chat/internal/protocol"
	"github.com/npezzotti/residence-chat/internal/stats"
	"github.com/npezzotti/residence-chat/internal/types"
)

const defaultIdleTimeout = 5 * time.Second

type opKind int

const (
	opJoin opKind = iota
	opLeave
	opSend
	opDeliver
	opRevoke
)

func (k opKind) String() string {
	switch k {
	case opJoin:
		return "JoinGroup"
	case opLeave:
		return "LeaveGroup"
	case opSend:
		return "SendMessage"
	case opDeliver:
		return "Deliver"
	case opRevoke:
		return "Revoke"
	}
	return "Unknown"
}

// groupOp is a unit of work executed by a group's writer goroutine. The
// result channel is buffered so the writer never blocks on a caller that
// gave up waiting.
type groupOp struct {
	kind    opKind
	ctx     context.Context
	client  *Client
	userId  int
	text    string
	message *types.Message
	result  chan error
}

// Group is the live set of connections subscribed to one residence. Every
// mutation of the set and every send runs on the group's own goroutine, so
// operations on one residence are applied one at a time and in arrival order.
type Group struct {
	residenceId int
	sm          *SessionManager
	log         *log.Logger
	ops         chan *groupOp
	clients     map[*Client]struct{}
	// killTimer unloads the group once it has been idle with no subscribers
	killTimer *time.Timer
	exit      chan struct{}
	done      chan struct{}
}

func newGroup(residenceId int, sm *SessionManager) *Group {
	return &Group{
		residenceId: residenceId,
		sm:          sm,
		log:         sm.log,
		ops:         make(chan *groupOp),
		clients:     make(map[*Client]struct{}),
		exit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

func (g *Group) start() {
	defer func() {
		g.killTimer.Stop()
		g.sm.stats.Decr(stats.NumActiveGroups)
		close(g.done)
	}()

	g.killTimer = time.NewTimer(g.sm.idleTimeout)

	for {
		select {
		case op := <-g.ops:
			g.handle(op)
		case <-g.killTimer.C:
			if len(g.clients) > 0 {
				continue
			}
			g.log.Printf("group %d idle, unloading", g.residenceId)
			g.sm.unloadGroup(g)
			return
		case <-g.exit:
			g.handleExit()
			return
		}
	}
}

func (g *Group) handle(op *groupOp) {
	var err error
	defer func() {
		if r := recover(); r != nil {
			g.log.Printf("group %d: panic in %s: %v\n%s", g.residenceId, op.kind, r, debug.Stack())
			err = fmt.Errorf("%s panicked: %v", op.kind, r)
		}
		op.result <- err
		g.resetIdle()
	}()

	switch op.kind {
	case opJoin:
		err = g.handleJoin(op)
	case opLeave:
		g.removeClient(op.client)
	case opSend:
		err = g.handleSend(op)
	case opDeliver:
		g.fanOut(op.message)
	case opRevoke:
		g.handleRevoke(op.userId)
	default:
		err = fmt.Errorf("unknown group operation %d", op.kind)
	}
}

func (g *Group) resetIdle() {
	if len(g.clients) == 0 {
		g.killTimer.Reset(g.sm.idleTimeout)
		return
	}
	g.killTimer.Stop()
}

func (g *Group) handleJoin(op *groupOp) error {
	c := op.client
	ok, err := g.sm.directory.IsActiveMember(op.ctx, g.residenceId, c.user.Id)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		g.sm.stats.Incr(stats.NumUnauthorized)
		return types.ErrUnauthorized
	}

	g.addClient(c)
	return nil
}

func (g *Group) handleSend(op *groupOp) error {
	c := op.client
	ok, err := g.sm.directory.IsActiveMember(op.ctx, g.residenceId, c.user.Id)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		g.sm.stats.Incr(stats.NumUnauthorized)
		// a connection that lost membership is no longer entitled to receive
		if g.removeClient(c) {
			c.queueMessage(revokedNotification(g.residenceId))
		}
		return types.ErrUnauthorized
	}

	if strings.TrimSpace(op.text) == "" {
		return types.ErrInvalidArgument
	}

	stored, err := g.sm.store.CreateMessage(op.ctx, database.CreateMessageParams{
		ResidenceId: g.residenceId,
		SenderId:    c.user.Id,
		SenderName:  g.sm.displayName(op.ctx, c.user),
		Body:        op.text,
		CreatedAt:   protocol.Now(),
	})
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	g.sm.stats.Incr(stats.NumMessagesSent)
	msg := stored.ToMessage()

	if g.sm.backplane != nil {
		err := g.sm.backplane.Publish(op.ctx, &msg)
		if err == nil {
			return nil
		}
		g.log.Printf("group %d: publish message %d: %v, delivering locally", g.residenceId, msg.Id, err)
	}

	g.fanOut(&msg)
	return nil
}

func (g *Group) handleRevoke(userId int) {
	for c := range g.clients {
		if c.user.Id != userId {
			continue
		}
		g.removeClient(c)
		c.queueMessage(revokedNotification(g.residenceId))
	}
}

// fanOut enqueues msg on every connection currently in the group. Enqueueing
// never blocks, a full connection queue drops the message for that
// connection only.
func (g *Group) fanOut(msg *types.Message) {
	env := &protocol.ServerMessage{
		BaseMessage: protocol.BaseMessage{Timestamp: protocol.Now()},
		Message:     msg,
	}

	for c := range g.clients {
		if !c.queueMessage(env) {
			g.log.Printf("group %d: dropped message %d for conn=%s", g.residenceId, msg.Id, c.id)
		}
	}
}

func (g *Group) handleExit() {
	g.log.Printf("group %d exiting", g.residenceId)
	for c := range g.clients {
		c.delGroup(g.residenceId)
	}
	clear(g.clients)
}

func (g *Group) addClient(c *Client) {
	g.clients[c] = struct{}{}
	c.addGroup(g.residenceId)
}

// removeClient reports whether c was subscribed.
func (g *Group) removeClient(c *Client) bool {
	if _, ok := g.clients[c]; !ok {
		return false
	}

	delete(g.clients, c)
	c.delGroup(g.residenceId)
	return true
}

func revokedNotification(residenceId int) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		BaseMessage: protocol.BaseMessage{Timestamp: protocol.Now()},
		Notification: &protocol.Notification{
			Revoked: &protocol.Revoked{ResidenceId: residenceId},
		},
	}
}
