package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/residence-chat/internal/database"
	"github.com/npezzotti/residence-chat/internal/protocol"
	"github.com/npezzotti/residence-chat/internal/stats"
	"github.com/npezzotti/residence-chat/internal/testutil"
	"github.com/npezzotti/residence-chat/internal/types"
	"github.com/stretchr/testify/require"
)

type tenancy struct {
	residenceId int
	userId      int
}

// fakeDirectory is a mutable tenant directory and profile lookup.
type fakeDirectory struct {
	mu      sync.Mutex
	active  map[tenancy]bool
	names   map[int]string
	failing bool
	panics  bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		active: make(map[tenancy]bool),
		names:  make(map[int]string),
	}
}

func (d *fakeDirectory) setActive(residenceId, userId int, active bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active[tenancy{residenceId, userId}] = active
}

func (d *fakeDirectory) IsActiveMember(ctx context.Context, residenceId, userId int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.panics {
		panic("directory exploded")
	}
	if d.failing {
		return false, errors.New("directory unavailable")
	}
	return d.active[tenancy{residenceId, userId}], nil
}

func (d *fakeDirectory) GetUserResidence(ctx context.Context, userId int) (database.Membership, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, ok := range d.active {
		if ok && k.userId == userId {
			return database.Membership{ResidenceId: k.residenceId, UserId: userId, IsActive: true}, nil
		}
	}
	return database.Membership{}, types.ErrNotFound
}

func (d *fakeDirectory) GetDisplayName(ctx context.Context, userId int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if name, ok := d.names[userId]; ok {
		return name, nil
	}
	return "", types.ErrNotFound
}

type fakeBackplane struct {
	mu        sync.Mutex
	published []*types.Message
	err       error
}

func (b *fakeBackplane) Publish(ctx context.Context, msg *types.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, msg)
	return nil
}

func (b *fakeBackplane) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func newTestStats() *stats.MockStatsUpdater {
	return stats.NewNopMockStatsUpdater()
}

func newTestStore(t *testing.T) *database.BadgerMessageStore {
	t.Helper()
	store, err := database.NewBadgerMessageStore("")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newTestSessionManager wires a session manager to an in-memory store and a
// fake directory.
func newTestSessionManager(t *testing.T, opts ...Option) (*SessionManager, *database.BadgerMessageStore, *fakeDirectory) {
	t.Helper()

	store := newTestStore(t)
	dir := newFakeDirectory()
	sm := NewSessionManager(testutil.TestLogger(t), store, dir, dir, newTestStats(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		sm.Shutdown(ctx)
	})

	return sm, store, dir
}

func newTestClient(t *testing.T, sm *SessionManager, userId int, email string) *Client {
	t.Helper()
	c := NewClient(types.User{Id: userId, EmailAddress: email}, nil, sm, testutil.TestLogger(t))
	require.NoError(t, sm.OnConnect(c))
	return c
}

func nextServerMessage(t *testing.T, c *Client) *protocol.ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for message on conn=%s", c.id)
	}
	return nil
}

func nextChatMessage(t *testing.T, c *Client) *types.Message {
	t.Helper()
	msg := nextServerMessage(t, c)
	require.NotNil(t, msg.Message, "expected a chat message, got %+v", msg)
	return msg.Message
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Errorf("unexpected message on conn=%s: %+v", c.id, msg)
	case <-time.After(50 * time.Millisecond):
	}
}
