package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/npezzotti/residence-chat/internal/clock"
	"github.com/npezzotti/residence-chat/internal/protocol"
	"github.com/npezzotti/residence-chat/internal/testutil"
	"github.com/npezzotti/residence-chat/internal/types"
)

var (
	testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	errDown   = errors.New("connection refused")
)

func msg(id, residenceId int, text string, offset time.Duration) types.Message {
	return types.Message{
		Id:          id,
		ResidenceId: residenceId,
		SenderId:    101,
		SenderName:  "Alice Smith",
		Text:        text,
		Timestamp:   testStart.Add(offset),
	}
}

type fakeSession struct {
	mu       sync.Mutex
	joined   []int
	left     []int
	sent     []string
	read     []int
	joinErr  map[int]error
	sendErr  error
	inbox    []Inbound
	closed   bool
	notify   chan struct{}
	done     chan struct{}
	dropOnce sync.Once
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		joinErr: make(map[int]error),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (s *fakeSession) JoinGroup(ctx context.Context, residenceId int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.joinErr[residenceId]; err != nil {
		return err
	}
	s.joined = append(s.joined, residenceId)
	return nil
}

func (s *fakeSession) LeaveGroup(ctx context.Context, residenceId int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.left = append(s.left, residenceId)
	return nil
}

func (s *fakeSession) SendMessage(ctx context.Context, residenceId int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, text)
	return nil
}

func (s *fakeSession) MarkRead(ctx context.Context, messageId int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = append(s.read, messageId)
	return nil
}

func (s *fakeSession) Notify() <-chan struct{} { return s.notify }

func (s *fakeSession) Drain() []Inbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := s.inbox
	s.inbox = nil
	return in
}

func (s *fakeSession) Done() <-chan struct{} { return s.done }

func (s *fakeSession) Err() error {
	select {
	case <-s.done:
		return types.ErrTransportFailure
	default:
		return nil
	}
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) push(in Inbound) {
	s.mu.Lock()
	s.inbox = append(s.inbox, in)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *fakeSession) deliver(m types.Message) {
	s.push(Inbound{Message: &m})
}

func (s *fakeSession) revoke(residenceId int) {
	s.push(Inbound{Revoked: &protocol.Revoked{ResidenceId: residenceId}})
}

// drop simulates the server going away.
func (s *fakeSession) drop() {
	s.dropOnce.Do(func() { close(s.done) })
}

func (s *fakeSession) joinedGroups() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.joined...)
}

func (s *fakeSession) leftGroups() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.left...)
}

func (s *fakeSession) sentTexts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type dialResult struct {
	session *fakeSession
	err     error
}

// fakeDialer hands out queued results in order. Once the queue is empty
// every dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	tokens  []string
}

func (d *fakeDialer) queue(results ...dialResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, results...)
}

func (d *fakeDialer) Dial(ctx context.Context, token string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.tokens = append(d.tokens, token)
	if len(d.results) == 0 {
		return nil, errDown
	}

	r := d.results[0]
	d.results = d.results[1:]
	if r.err != nil {
		return nil, r.err
	}
	return r.session, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

type fakeServer struct {
	mu        sync.Mutex
	residence types.Residence
	resErr    error
	history   map[int][]types.Message
	histErr   error
}

func newFakeServer(residenceId int) *fakeServer {
	return &fakeServer{
		residence: types.Residence{ResidenceId: residenceId, ResidenceName: "Maple House", UserId: 101},
		history:   make(map[int][]types.Message),
	}
}

func (f *fakeServer) setHistory(residenceId int, messages ...types.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history[residenceId] = messages
}

func (f *fakeServer) GetUserResidence(ctx context.Context, token string) (types.Residence, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resErr != nil {
		return types.Residence{}, f.resErr
	}
	return f.residence, nil
}

func (f *fakeServer) GetHistory(ctx context.Context, token string, residenceId int) ([]types.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.histErr != nil {
		return nil, f.histErr
	}
	return append([]types.Message(nil), f.history[residenceId]...), nil
}

type testEnv struct {
	ctl    *Controller
	dialer *fakeDialer
	server *fakeServer
	clock  *clock.FakeClock
}

func newTestEnv(t *testing.T, creds CredentialStore) *testEnv {
	t.Helper()

	env := &testEnv{
		dialer: &fakeDialer{},
		server: newFakeServer(7),
		clock:  clock.Fake(testStart),
	}
	env.ctl = NewController(creds, env.dialer, env.server, env.server,
		WithClock(env.clock),
		WithLogger(testutil.TestLogger(t)),
	)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		env.ctl.Disconnect(ctx)
	})

	return env
}

func (env *testEnv) waitForState(t *testing.T, state State) {
	t.Helper()
	if !waitFor(func() bool { return env.ctl.State() == state }) {
		t.Fatalf("timeout: state is %s, want %s", env.ctl.State(), state)
	}
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
