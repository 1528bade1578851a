package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/residence-chat/internal/database"
	"github.com/npezzotti/residence-chat/internal/stats"
	"github.com/npezzotti/residence-chat/internal/types"
	"github.com/samber/lo"
)

const unknownSender = "Unknown"

// Backplane carries persisted messages between server instances. When set,
// a send is published instead of fanned out locally and every instance
// fans it out on receipt through Deliver.
type Backplane interface {
	Publish(ctx context.Context, msg *types.Message) error
}

type Option func(*SessionManager)

func WithBackplane(bp Backplane) Option {
	return func(sm *SessionManager) { sm.backplane = bp }
}

// WithIdleTimeout sets how long a group with no subscribers stays loaded.
func WithIdleTimeout(d time.Duration) Option {
	return func(sm *SessionManager) { sm.idleTimeout = d }
}

// SessionManager owns the live connections and their residence groups and
// mediates every operation a connection performs.
type SessionManager struct {
	log         *log.Logger
	store       database.MessageStore
	directory   database.TenantDirectory
	profiles    database.ProfileLookup
	stats       stats.StatsProvider
	backplane   Backplane
	idleTimeout time.Duration

	groups     map[int]*Group
	groupsLock sync.Mutex
	closed     bool

	clients     map[*Client]struct{}
	clientsLock sync.Mutex
}

func NewSessionManager(
	logger *log.Logger,
	store database.MessageStore,
	directory database.TenantDirectory,
	profiles database.ProfileLookup,
	su stats.StatsProvider,
	opts ...Option,
) *SessionManager {
	sm := &SessionManager{
		log:         logger,
		store:       store,
		directory:   directory,
		profiles:    profiles,
		stats:       su,
		idleTimeout: defaultIdleTimeout,
		groups:      make(map[int]*Group),
		clients:     make(map[*Client]struct{}),
	}

	for _, opt := range opts {
		opt(sm)
	}

	su.RegisterMetric(stats.NumActiveClients)
	su.RegisterMetric(stats.NumActiveGroups)
	su.RegisterMetric(stats.NumMessagesSent)
	su.RegisterMetric(stats.NumUnauthorized)

	return sm
}

// OnConnect registers a newly authenticated connection.
func (sm *SessionManager) OnConnect(c *Client) error {
	sm.groupsLock.Lock()
	closed := sm.closed
	sm.groupsLock.Unlock()
	if closed {
		return types.ErrShuttingDown
	}

	sm.clientsLock.Lock()
	sm.clients[c] = struct{}{}
	sm.clientsLock.Unlock()

	sm.stats.Incr(stats.NumActiveClients)
	sm.log.Printf("conn=%s user=%d connected", c.id, c.user.Id)
	return nil
}

// OnDisconnect removes the connection from every group it joined. It is
// safe to call more than once.
func (sm *SessionManager) OnDisconnect(c *Client) {
	sm.clientsLock.Lock()
	_, ok := sm.clients[c]
	delete(sm.clients, c)
	sm.clientsLock.Unlock()

	for _, residenceId := range c.groupIds() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		err := sm.submitExisting(ctx, residenceId, &groupOp{kind: opLeave, client: c})
		cancel()
		if err != nil {
			sm.log.Printf("conn=%s user=%d op=OnDisconnect residence=%d: %v", c.id, c.user.Id, residenceId, err)
		}
	}

	c.stopClient()

	if ok {
		sm.stats.Decr(stats.NumActiveClients)
		sm.log.Printf("conn=%s user=%d disconnected", c.id, c.user.Id)
	}
}

func (sm *SessionManager) JoinGroup(ctx context.Context, c *Client, residenceId int) error {
	if residenceId <= 0 {
		sm.stats.Incr(stats.NumUnauthorized)
		return types.ErrUnauthorized
	}
	return sm.submit(ctx, residenceId, &groupOp{kind: opJoin, client: c})
}

func (sm *SessionManager) LeaveGroup(ctx context.Context, c *Client, residenceId int) error {
	return sm.submitExisting(ctx, residenceId, &groupOp{kind: opLeave, client: c})
}

// SendMessage persists text as a message from the connection's user and
// fans it out to the residence group, the sender's connection included.
// A context error is returned only when the send was never started.
func (sm *SessionManager) SendMessage(ctx context.Context, c *Client, residenceId int, text string) error {
	if residenceId <= 0 {
		sm.stats.Incr(stats.NumUnauthorized)
		return types.ErrUnauthorized
	}
	return sm.submit(ctx, residenceId, &groupOp{kind: opSend, client: c, text: text})
}

// MarkRead sets the read flag of a message. Unknown ids are ignored.
func (sm *SessionManager) MarkRead(ctx context.Context, c *Client, messageId int) error {
	msg, err := sm.store.GetMessage(ctx, messageId)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg.IsRead {
		return nil
	}

	err = sm.store.SetMessageRead(ctx, messageId)
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return fmt.Errorf("mark read: %w", err)
	}

	return nil
}

// Deliver fans out a message received from the backplane to the local
// members of its residence group.
func (sm *SessionManager) Deliver(msg *types.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := sm.submitExisting(ctx, msg.ResidenceId, &groupOp{kind: opDeliver, message: msg})
	if err != nil {
		sm.log.Printf("deliver message %d to residence %d: %v", msg.Id, msg.ResidenceId, err)
	}
}

// Revoke removes every connection of userId from the residence group and
// notifies them.
func (sm *SessionManager) Revoke(residenceId, userId int) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	err := sm.submitExisting(ctx, residenceId, &groupOp{kind: opRevoke, userId: userId})
	if err != nil {
		sm.log.Printf("revoke user %d from residence %d: %v", userId, residenceId, err)
	}
}

// Shutdown stops every connection and group. It returns ctx.Err() if the
// groups do not exit in time.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.groupsLock.Lock()
	if sm.closed {
		sm.groupsLock.Unlock()
		return nil
	}
	sm.closed = true
	groups := lo.Values(sm.groups)
	clear(sm.groups)
	sm.groupsLock.Unlock()

	sm.clientsLock.Lock()
	clients := lo.Keys(sm.clients)
	sm.clientsLock.Unlock()

	sm.log.Printf("shutting down %d groups and %d connections", len(groups), len(clients))
	for _, c := range clients {
		c.stopClient()
	}

	for _, g := range groups {
		close(g.exit)
	}

	for _, g := range groups {
		select {
		case <-g.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

func (sm *SessionManager) displayName(ctx context.Context, user types.User) string {
	name, err := sm.profiles.GetDisplayName(ctx, user.Id)
	if err == nil && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	if err != nil {
		sm.log.Printf("display name for user %d: %v", user.Id, err)
	}

	if user.EmailAddress != "" {
		return user.EmailAddress
	}
	return unknownSender
}

// loadGroup returns the running group for residenceId. When create is set a
// missing group is started, otherwise nil is returned.
func (sm *SessionManager) loadGroup(residenceId int, create bool) (*Group, error) {
	sm.groupsLock.Lock()
	defer sm.groupsLock.Unlock()

	if g, ok := sm.groups[residenceId]; ok {
		return g, nil
	}
	if sm.closed {
		if create {
			return nil, types.ErrShuttingDown
		}
		return nil, nil
	}
	if !create {
		return nil, nil
	}

	g := newGroup(residenceId, sm)
	sm.groups[residenceId] = g
	sm.stats.Incr(stats.NumActiveGroups)
	go g.start()

	return g, nil
}

func (sm *SessionManager) unloadGroup(g *Group) {
	sm.groupsLock.Lock()
	defer sm.groupsLock.Unlock()

	if cur, ok := sm.groups[g.residenceId]; ok && cur == g {
		delete(sm.groups, g.residenceId)
	}
}

func (sm *SessionManager) getGroup(residenceId int) (*Group, bool) {
	sm.groupsLock.Lock()
	defer sm.groupsLock.Unlock()

	g, ok := sm.groups[residenceId]
	return g, ok
}

func (sm *SessionManager) submit(ctx context.Context, residenceId int, op *groupOp) error {
	return sm.dispatch(ctx, residenceId, op, true)
}

// submitExisting runs op only if the group is loaded. A group that is not
// loaded has no subscribers, so there is nothing to do.
func (sm *SessionManager) submitExisting(ctx context.Context, residenceId int, op *groupOp) error {
	return sm.dispatch(ctx, residenceId, op, false)
}

func (sm *SessionManager) dispatch(ctx context.Context, residenceId int, op *groupOp, create bool) error {
	op.ctx = ctx
	op.result = make(chan error, 1)

	for {
		g, err := sm.loadGroup(residenceId, create)
		if err != nil {
			return err
		}
		if g == nil {
			return nil
		}

		select {
		case g.ops <- op:
			// once accepted the op runs to completion under op.ctx, so its
			// result is the outcome even if ctx expired meanwhile
			return <-op.result
		case <-g.done:
			// the group unloaded before accepting the op, try a fresh one
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
