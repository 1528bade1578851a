// Package client implements the connection lifecycle of a chat client:
// authenticated connect, joining the user's residence group, reconnecting
// with backoff and reconciling live messages with the server history.
package client

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/npezzotti/residence-chat/internal/clock"
	"github.com/npezzotti/residence-chat/internal/types"
	"github.com/samber/lo"
)

// DefaultBackoff is the delay before each reconnect attempt. The last entry
// repeats until an attempt succeeds.
var DefaultBackoff = []time.Duration{0, 2 * time.Second, 10 * time.Second}

const (
	eventBufferSize = 64
	leaveTimeout    = 2 * time.Second
)

var errAlreadyStarted = errors.New("controller already started")

type Option func(*Controller)

func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func WithBackoff(schedule []time.Duration) Option {
	return func(ctl *Controller) { ctl.backoff = schedule }
}

func WithLogger(l *log.Logger) Option {
	return func(ctl *Controller) { ctl.log = l }
}

// Controller owns one client's connection to the chat server.
type Controller struct {
	log       *log.Logger
	creds     CredentialStore
	dialer    Dialer
	directory Directory
	history   History
	clock     clock.Clock
	backoff   []time.Duration

	mu          sync.Mutex
	state       State
	status      string
	session     Session
	token       string
	residenceId int
	joined      map[int]struct{}
	messages    []types.Message
	seen        map[int]struct{}
	cancel      context.CancelFunc
	done        chan struct{}

	events chan Event
}

func NewController(creds CredentialStore, dialer Dialer, directory Directory, history History, opts ...Option) *Controller {
	c := &Controller{
		log:       log.New(io.Discard, "", 0),
		creds:     creds,
		dialer:    dialer,
		directory: directory,
		history:   history,
		clock:     clock.Real(),
		backoff:   DefaultBackoff,
		state:     Disconnected,
		status:    StatusDisconnected,
		joined:    make(map[int]struct{}),
		seen:      make(map[int]struct{}),
		events:    make(chan Event, eventBufferSize),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Events delivers state changes and message updates. Events are dropped when
// the consumer falls behind; State, Status and Messages always reflect the
// latest view.
func (c *Controller) Events() <-chan Event {
	return c.events
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ResidenceId returns the residence whose messages are shown, or 0.
func (c *Controller) ResidenceId() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.residenceId
}

// Joined returns the residence groups the connection is subscribed to.
func (c *Controller) Joined() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := lo.Keys(c.joined)
	slices.Sort(ids)
	return ids
}

// Messages returns a copy of the local view, oldest first.
func (c *Controller) Messages() []types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.messages)
}

// Initialize connects, joins the user's residence and loads its history.
// ctx bounds the initial connect only; once connected the controller keeps
// the connection alive until Disconnect.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Disconnected || c.cancel != nil {
		c.mu.Unlock()
		return errAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.setStateLocked(Connecting, StatusConnecting)
	c.mu.Unlock()

	connectCtx, cancelConnect := context.WithCancel(ctx)
	stop := context.AfterFunc(runCtx, cancelConnect)
	err := c.connect(connectCtx, true)
	stop()
	cancelConnect()

	if err != nil {
		cancel()
		c.mu.Lock()
		c.session = nil
		c.cancel = nil
		c.done = nil
		clear(c.joined)
		c.setStateLocked(Disconnected, statusFor(err))
		c.mu.Unlock()
		close(done)
		return err
	}

	go c.supervise(runCtx, done)
	return nil
}

// Disconnect cancels any pending reconnect, leaves every joined group and
// closes the connection. The controller ends in Disconnected.
func (c *Controller) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	sess := c.session
	joined := lo.Keys(c.joined)
	c.session = nil
	c.cancel = nil
	c.done = nil
	clear(c.joined)
	c.setStateLocked(Disconnected, StatusDisconnected)
	c.mu.Unlock()

	if sess == nil {
		return nil
	}

	leaveCtx, cancelLeave := context.WithTimeout(ctx, leaveTimeout)
	defer cancelLeave()
	for _, id := range joined {
		if err := sess.LeaveGroup(leaveCtx, id); err != nil {
			c.log.Printf("leave residence %d: %v", id, err)
		}
	}

	return sess.Close()
}

// Send posts text to the current residence. The message itself arrives
// through the live feed once the server has stored it.
func (c *Controller) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return types.ErrInvalidArgument
	}

	c.mu.Lock()
	state, sess, residenceId := c.state, c.session, c.residenceId
	c.mu.Unlock()

	if state != Connected || sess == nil {
		return types.ErrNotConnected
	}
	if residenceId == 0 {
		return types.ErrNoResidence
	}

	err := sess.SendMessage(ctx, residenceId, text)
	if errors.Is(err, types.ErrUnauthorized) {
		c.dropResidence(residenceId)
	}
	return err
}

// MarkRead flags a message as read on the server and in the local view.
func (c *Controller) MarkRead(ctx context.Context, messageId int) error {
	c.mu.Lock()
	state, sess := c.state, c.session
	c.mu.Unlock()

	if state != Connected || sess == nil {
		return types.ErrNotConnected
	}

	if err := sess.MarkRead(ctx, messageId); err != nil {
		return err
	}

	c.mu.Lock()
	for i := range c.messages {
		if c.messages[i].Id == messageId {
			c.messages[i].IsRead = true
		}
	}
	c.mu.Unlock()
	return nil
}

// connect dials a new session and brings it to a consistent view: the
// residence groups are joined and the history is reloaded.
func (c *Controller) connect(ctx context.Context, first bool) error {
	token, err := c.creds.Token(ctx)
	if err != nil {
		if !errors.Is(err, types.ErrUnauthenticated) {
			err = fmt.Errorf("%w: %v", types.ErrUnauthenticated, err)
		}
		return err
	}

	sess, err := c.dialer.Dial(ctx, token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.session = sess
	c.token = token
	c.setStateLocked(Connected, StatusConnected)
	c.mu.Unlock()

	if err := c.establish(ctx, sess, token, first); err != nil {
		sess.Close()
		return err
	}

	return nil
}

func (c *Controller) establish(ctx context.Context, sess Session, token string, first bool) error {
	if first {
		residence, err := c.directory.GetUserResidence(ctx, token)
		if errors.Is(err, types.ErrNoResidence) {
			c.mu.Lock()
			c.residenceId = 0
			c.setStateLocked(Connected, StatusNoResidence)
			c.mu.Unlock()
			return nil
		}
		if err != nil {
			return fmt.Errorf("resolve residence: %w", err)
		}

		err = sess.JoinGroup(ctx, residence.ResidenceId)
		if errors.Is(err, types.ErrUnauthorized) {
			c.mu.Lock()
			c.residenceId = 0
			c.setStateLocked(Connected, StatusNoResidence)
			c.mu.Unlock()
			return nil
		}
		if err != nil {
			return fmt.Errorf("join residence %d: %w", residence.ResidenceId, err)
		}

		c.mu.Lock()
		c.residenceId = residence.ResidenceId
		c.joined[residence.ResidenceId] = struct{}{}
		c.mu.Unlock()
	} else {
		for _, id := range c.Joined() {
			err := sess.JoinGroup(ctx, id)
			if errors.Is(err, types.ErrUnauthorized) {
				c.dropResidence(id)
				continue
			}
			if err != nil {
				return fmt.Errorf("rejoin residence %d: %w", id, err)
			}
		}
	}

	residenceId := c.ResidenceId()
	if residenceId == 0 {
		c.setState(Connected, StatusNoResidence)
		return nil
	}

	messages, err := c.history.GetHistory(ctx, token, residenceId)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	c.replaceHistory(residenceId, messages)
	return nil
}

// supervise applies pushed messages and restores the session after an
// unplanned drop. It exits when ctx is cancelled or reconnecting becomes
// impossible.
func (c *Controller) supervise(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		sess := c.session
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-sess.Notify():
			c.ingest(sess.Drain())
		case <-sess.Done():
			c.ingest(sess.Drain())
			c.log.Printf("connection lost: %v", sess.Err())
			sess.Close()
			if !c.reconnect(ctx) {
				return
			}
		}
	}
}

func (c *Controller) reconnect(ctx context.Context) bool {
	c.setState(Reconnecting, StatusReconnecting)

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-c.clock.After(c.delay(attempt)):
		}

		err := c.connect(ctx, false)
		if err == nil {
			c.log.Printf("reconnected after %d attempt(s)", attempt+1)
			return true
		}
		if ctx.Err() != nil {
			return false
		}

		if errors.Is(err, types.ErrUnauthenticated) {
			c.log.Printf("reconnect: %v", err)
			c.mu.Lock()
			if c.cancel != nil {
				c.cancel()
			}
			c.session = nil
			c.cancel = nil
			c.done = nil
			clear(c.joined)
			c.setStateLocked(Disconnected, StatusNotAuthenticated)
			c.mu.Unlock()
			return false
		}

		c.log.Printf("reconnect attempt %d: %v", attempt+1, err)
		c.setState(Reconnecting, StatusReconnecting)
	}
}

func (c *Controller) delay(attempt int) time.Duration {
	if len(c.backoff) == 0 {
		return 0
	}
	return c.backoff[min(attempt, len(c.backoff)-1)]
}

func (c *Controller) ingest(inbound []Inbound) {
	for _, in := range inbound {
		switch {
		case in.Message != nil:
			c.appendLive(*in.Message)
		case in.Revoked != nil:
			c.dropResidence(in.Revoked.ResidenceId)
		}
	}
}

// appendLive adds a pushed message to the local view unless a message with
// the same id is already present.
func (c *Controller) appendLive(msg types.Message) {
	c.mu.Lock()
	if msg.ResidenceId != c.residenceId {
		c.mu.Unlock()
		return
	}
	if msg.Id > 0 {
		if _, dup := c.seen[msg.Id]; dup {
			c.mu.Unlock()
			return
		}
		c.seen[msg.Id] = struct{}{}
	}
	c.messages = append(c.messages, msg)
	c.mu.Unlock()

	c.emit(Event{Kind: EventMessage, Message: &msg, ResidenceId: msg.ResidenceId})
}

func (c *Controller) replaceHistory(residenceId int, messages []types.Message) {
	sorted := slices.Clone(messages)
	slices.SortStableFunc(sorted, func(a, b types.Message) int {
		if n := a.Timestamp.Compare(b.Timestamp); n != 0 {
			return n
		}
		return cmp.Compare(a.Id, b.Id)
	})

	c.mu.Lock()
	if residenceId != c.residenceId {
		c.mu.Unlock()
		return
	}
	c.messages = sorted
	clear(c.seen)
	for _, m := range sorted {
		if m.Id > 0 {
			c.seen[m.Id] = struct{}{}
		}
	}
	c.mu.Unlock()

	c.emit(Event{Kind: EventHistory, ResidenceId: residenceId})
}

// dropResidence forgets a group the server no longer lets us read.
func (c *Controller) dropResidence(residenceId int) {
	c.mu.Lock()
	_, wasJoined := c.joined[residenceId]
	delete(c.joined, residenceId)
	current := c.residenceId == residenceId
	if current {
		c.residenceId = 0
		c.setStateLocked(c.state, StatusNoResidence)
	}
	c.mu.Unlock()

	if wasJoined || current {
		c.emit(Event{Kind: EventRevoked, ResidenceId: residenceId})
	}
}

func (c *Controller) setState(state State, status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStateLocked(state, status)
}

func (c *Controller) setStateLocked(state State, status string) {
	if c.state == state && c.status == status {
		return
	}
	c.state = state
	c.status = status
	c.emit(Event{Kind: EventState, State: state, Status: status})
}

func (c *Controller) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Printf("event buffer full, dropped %+v", ev)
	}
}

func statusFor(err error) string {
	switch {
	case errors.Is(err, types.ErrUnauthenticated):
		return StatusNotAuthenticated
	case errors.Is(err, types.ErrNoResidence):
		return StatusNoResidence
	default:
		return errorStatus(err)
	}
}
