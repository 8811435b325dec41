package desk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/casedesk/internal/channel"
	"github.com/ashureev/casedesk/internal/conversation"
	"github.com/ashureev/casedesk/internal/domain"
	"github.com/ashureev/casedesk/internal/mutation"
	"github.com/ashureev/casedesk/internal/wire"
)

// fakeClient is an in-memory mutation API backed by the same Log the server uses.
type fakeClient struct {
	mu      sync.Mutex
	logs    map[string]*conversation.Log
	nextID  int64
	failErr error
	calls   atomic.Int32
	appends atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{logs: make(map[string]*conversation.Log)}
}

func (f *fakeClient) fail() error {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failErr
}

func (f *fakeClient) log(id string) (*conversation.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.logs[id]
	if !ok {
		return nil, &mutation.MutationError{Op: "get", ConversationID: id, StatusCode: 404, Err: domain.ErrNotFound}
	}
	return l, nil
}

func (f *fakeClient) Create(_ context.Context, id, customerLabel, problemLabel string) (bool, error) {
	if err := f.fail(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.logs[id]; ok {
		return false, nil
	}
	f.logs[id] = conversation.New(*domain.NewConversation(id, customerLabel, problemLabel, time.Now()))
	return true, nil
}

func (f *fakeClient) List(context.Context) (wire.Grouped, error) {
	if err := f.fail(); err != nil {
		return wire.Grouped{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var all []domain.Conversation
	for _, l := range f.logs {
		all = append(all, l.Snapshot())
	}
	return wire.Group(all), nil
}

func (f *fakeClient) Get(_ context.Context, id string) (domain.Conversation, error) {
	if err := f.fail(); err != nil {
		return domain.Conversation{}, err
	}
	l, err := f.log(id)
	if err != nil {
		return domain.Conversation{}, err
	}
	return l.Snapshot(), nil
}

func (f *fakeClient) AppendMessage(_ context.Context, id string, m domain.Message) (wire.AppendResponse, error) {
	f.appends.Add(1)
	if err := f.fail(); err != nil {
		return wire.AppendResponse{}, err
	}
	l, err := f.log(id)
	if err != nil {
		return wire.AppendResponse{}, err
	}
	f.mu.Lock()
	f.nextID++
	m.ID = f.nextID
	f.mu.Unlock()
	res := l.Append(m)
	if res.Outcome == conversation.Rejected {
		return wire.AppendResponse{}, &mutation.MutationError{Op: "append", ConversationID: id, StatusCode: 409, Err: res.Reason}
	}
	return wire.AppendResponse{Message: res.Message, Duplicate: res.Outcome == conversation.Duplicate}, nil
}

func (f *fakeClient) transition(id string, to domain.Status, actor string) (domain.Conversation, error) {
	if err := f.fail(); err != nil {
		return domain.Conversation{}, err
	}
	l, err := f.log(id)
	if err != nil {
		return domain.Conversation{}, err
	}
	if err := l.Transition(to, actor); err != nil {
		return domain.Conversation{}, &mutation.MutationError{Op: "transition", ConversationID: id, StatusCode: 409, Err: err}
	}
	return l.Snapshot(), nil
}

func (f *fakeClient) Takeover(_ context.Context, id, operatorID string) (domain.Conversation, error) {
	return f.transition(id, domain.StatusRequiresHuman, operatorID)
}

func (f *fakeClient) Close(_ context.Context, id string) (domain.Conversation, error) {
	return f.transition(id, domain.StatusClosed, "")
}

// pushConn is a scripted push connection.
type pushConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *pushConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case <-c.closed:
		return nil, errors.New("closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *pushConn) Write(_ context.Context, data []byte) error {
	c.out <- data
	return nil
}

func (c *pushConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type pushDialer struct {
	mu      sync.Mutex
	offline bool
	conns   []*pushConn
}

func (p *pushDialer) Dial(context.Context, string) (channel.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return nil, errors.New("network unreachable")
	}
	c := &pushConn{in: make(chan []byte, 8), out: make(chan []byte, 8), closed: make(chan struct{})}
	p.conns = append(p.conns, c)
	return c, nil
}

func (p *pushDialer) setOffline(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = v
}

func (p *pushDialer) last() *pushConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.conns) == 0 {
		return nil
	}
	return p.conns[len(p.conns)-1]
}

func newPushDesk(t *testing.T, client mutation.Client, dialer *pushDialer) (*Desk, *channel.Manager) {
	t.Helper()
	mgr := channel.NewManager(dialer, channel.Config{ReconnectDelay: 10 * time.Millisecond, ConnectTimeout: 100 * time.Millisecond}, nil)
	d := New(client, mgr, Config{}, nil)
	t.Cleanup(func() {
		d.Shutdown()
		mgr.Close()
	})
	return d, mgr
}

func messageCount(d *Desk, id string) int {
	c, _ := d.Conversation(id)
	return len(c.Messages)
}

func TestSendWhileDisconnectedThenEcho(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	dialer := &pushDialer{offline: true}
	d, mgr := newPushDesk(t, client, dialer)

	require.NoError(t, d.EnsureConversation(ctx, "c1", "Jane", "battery issue"))
	obs := d.Observe("c1")
	defer obs.Close()

	sent, err := d.Send(ctx, "c1", domain.Message{Origin: domain.OriginCustomer, Content: "my battery is dead"})
	require.NoError(t, err)
	assert.NotZero(t, sent.ID, "mutation path should confirm with a server id")
	assert.Equal(t, 1, messageCount(d, "c1"))

	dialer.setOffline(false)
	require.Eventually(t, func() bool { return mgr.State("c1") == channel.StateConnected }, time.Second, 5*time.Millisecond)

	echo := fmt.Sprintf(`{"type":"client_message","content":"my battery is dead","timestamp":%q,"id":%d}`,
		sent.Timestamp.Add(time.Second).Format(time.RFC3339Nano), sent.ID)
	dialer.last().in <- []byte(echo)

	require.Never(t, func() bool { return messageCount(d, "c1") != 1 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestSendUsesPushWhenConnected(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	dialer := &pushDialer{}
	d, mgr := newPushDesk(t, client, dialer)

	require.NoError(t, d.EnsureConversation(ctx, "c1", "Jane", "lockout"))
	obs := d.Observe("c1")
	defer obs.Close()
	require.Eventually(t, func() bool { return mgr.State("c1") == channel.StateConnected }, time.Second, 5*time.Millisecond)

	sent, err := d.Send(ctx, "c1", domain.Message{Origin: domain.OriginOperator, Content: "on my way", SenderLabel: "Alice"})
	require.NoError(t, err)
	assert.Zero(t, client.appends.Load(), "push path must not call the mutation API")

	var written []byte
	select {
	case written = <-dialer.last().out:
	case <-time.After(time.Second):
		t.Fatal("nothing written to the push channel")
	}
	assert.Contains(t, string(written), `"type":"admin_message"`)
	assert.Contains(t, string(written), sent.LocalID)

	// The broadcast echo carries the local id back.
	dialer.last().in <- []byte(fmt.Sprintf(`{"type":"admin_message","content":"on my way","sender":"Alice","id":9,"local_id":%q,"timestamp":%q}`,
		sent.LocalID, time.Now().Add(5*time.Second).Format(time.RFC3339Nano)))
	require.Eventually(t, func() bool {
		c, _ := d.Conversation("c1")
		return len(c.Messages) == 1 && c.Messages[0].ID == 9
	}, time.Second, 5*time.Millisecond)
}

func TestFailedSendRetractsAndReports(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	d := New(client, nil, Config{}, nil)
	require.NoError(t, d.EnsureConversation(ctx, "c1", "Jane", "flat tire"))

	events, cancel := d.Subscribe()
	defer cancel()

	boom := &mutation.MutationError{Op: "append", ConversationID: "c1", Err: errors.New("connection reset")}
	client.mu.Lock()
	client.failErr = boom
	client.mu.Unlock()

	m, err := d.Send(ctx, "c1", domain.Message{Origin: domain.OriginCustomer, Content: "my tire is flat"})
	var mErr *mutation.MutationError
	require.ErrorAs(t, err, &mErr)
	assert.Equal(t, "my tire is flat", m.Content, "input must be preserved for retry")
	assert.Equal(t, 0, messageCount(d, "c1"))

	for {
		select {
		case ev := <-events:
			if ev.Kind == EventSendFailed {
				assert.Equal(t, "my tire is flat", ev.Message.Content)
				return
			}
		case <-time.After(time.Second):
			t.Fatal("no send_failed event")
		}
	}
}

func TestSendAfterCloseIsRejected(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	d := New(client, nil, Config{}, nil)
	require.NoError(t, d.EnsureConversation(ctx, "c1", "Jane", "fuel delivery"))

	_, err := d.Send(ctx, "c1", domain.Message{Origin: domain.OriginCustomer, Content: "out of gas"})
	require.NoError(t, err)
	require.NoError(t, d.Takeover(ctx, "c1", "alice"))
	require.NoError(t, d.Close(ctx, "c1"))

	before, _ := d.Conversation("c1")
	calls := client.calls.Load()
	_, err = d.Send(ctx, "c1", domain.Message{Origin: domain.OriginOperator, Content: "anything else?", SenderLabel: "alice"})
	assert.ErrorIs(t, err, domain.ErrConversationClosed)
	assert.Equal(t, calls, client.calls.Load())

	after, _ := d.Conversation("c1")
	assert.Equal(t, domain.StatusClosed, after.Status)
	assert.Equal(t, len(before.Messages), len(after.Messages))
}

func TestTransitionsAreNeverOptimistic(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	d := New(client, nil, Config{}, nil)
	require.NoError(t, d.EnsureConversation(ctx, "c1", "Jane", "lockout"))

	client.mu.Lock()
	client.failErr = &mutation.MutationError{Op: "takeover", ConversationID: "c1", StatusCode: 503, Err: errors.New("unavailable")}
	client.mu.Unlock()

	require.Error(t, d.Takeover(ctx, "c1", "alice"))
	c, _ := d.Conversation("c1")
	assert.Equal(t, domain.StatusOpen, c.Status)
	assert.Empty(t, c.HandoffAdminID)

	client.mu.Lock()
	client.failErr = nil
	client.mu.Unlock()
	require.NoError(t, d.Close(ctx, "c1"))

	calls := client.calls.Load()
	err := d.Takeover(ctx, "c1", "alice")
	var ite *domain.InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, domain.StatusClosed, ite.From)
	assert.Equal(t, calls, client.calls.Load(), "illegal transitions are refused locally")
}

func TestRequestHumanThenClaim(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	d := New(client, nil, Config{}, nil)
	require.NoError(t, d.EnsureConversation(ctx, "c1", "Jane", "breakdown requiring tow"))

	require.NoError(t, d.RequestHuman(ctx, "c1"))
	c, _ := d.Conversation("c1")
	assert.Equal(t, domain.StatusRequiresHuman, c.Status)
	assert.Equal(t, domain.SystemOperator, c.HandoffAdminID)

	require.NoError(t, d.Takeover(ctx, "c1", "alice"))
	c, _ = d.Conversation("c1")
	assert.Equal(t, "alice", c.HandoffAdminID)
	assert.ErrorIs(t, d.Takeover(ctx, "c1", "bob"), domain.ErrInvalidTransition)
}

func TestObservationsShareOneSubscription(t *testing.T) {
	client := newFakeClient()
	dialer := &pushDialer{}
	d, mgr := newPushDesk(t, client, dialer)

	a := d.Observe("c1")
	b := d.Observe("c1")
	require.Eventually(t, func() bool { return mgr.State("c1") == channel.StateConnected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, mgr.Subscribers("c1"))

	a.Close()
	a.Close()
	assert.Equal(t, 1, mgr.Subscribers("c1"))
	b.Close()
	assert.Equal(t, 0, mgr.Subscribers("c1"))
	assert.Equal(t, channel.StateIdle, mgr.State("c1"))
}

func TestPushedStatusAndErrorPayloads(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	dialer := &pushDialer{}
	d, mgr := newPushDesk(t, client, dialer)
	require.NoError(t, d.EnsureConversation(ctx, "c1", "Jane", "lockout"))

	obs := d.Observe("c1")
	defer obs.Close()
	require.Eventually(t, func() bool { return mgr.State("c1") == channel.StateConnected }, time.Second, 5*time.Millisecond)

	sent, err := d.Send(ctx, "c1", domain.Message{Origin: domain.OriginCustomer, Content: "hello?"})
	require.NoError(t, err)
	<-dialer.last().out
	assert.Equal(t, 1, messageCount(d, "c1"))

	dialer.last().in <- []byte(fmt.Sprintf(`{"type":"error","content":"conversation is closed","code":"conversation_closed","local_id":%q}`, sent.LocalID))
	require.Eventually(t, func() bool { return messageCount(d, "c1") == 0 }, time.Second, 5*time.Millisecond)

	dialer.last().in <- []byte(`{"type":"status","status":"REQUIRES_HUMAN","admin_user":"bob"}`)
	require.Eventually(t, func() bool {
		c, _ := d.Conversation("c1")
		return c.Status == domain.StatusRequiresHuman && c.HandoffAdminID == "bob"
	}, time.Second, 5*time.Millisecond)
}

func TestLoadMergesServerState(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	for _, id := range []string{"a", "b", "c"} {
		_, err := client.Create(ctx, id, "Jane", "flat tire")
		require.NoError(t, err)
	}
	_, err := client.Takeover(ctx, "b", "alice")
	require.NoError(t, err)
	_, err = client.Close(ctx, "c")
	require.NoError(t, err)

	d := New(client, nil, Config{}, nil)
	require.NoError(t, d.Load(ctx))
	require.NoError(t, d.Load(ctx))

	all := d.All()
	require.Len(t, all, 3)
	assert.Equal(t, domain.StatusOpen, all[0].Status)
	assert.Equal(t, domain.StatusRequiresHuman, all[1].Status)
	assert.Equal(t, domain.StatusClosed, all[2].Status)

	require.NoError(t, d.EnsureConversation(ctx, "b", "ignored", "ignored"))
	b, _ := d.Conversation("b")
	assert.Equal(t, "Jane", b.CustomerLabel)
}

func TestObserveWhilePayloadsArrive(t *testing.T) {
	client := newFakeClient()
	dialer := &pushDialer{}
	d, mgr := newPushDesk(t, client, dialer)

	obs := d.Observe("c1")
	defer obs.Close()
	require.Eventually(t, func() bool { return mgr.State("c1") == channel.StateConnected }, time.Second, 5*time.Millisecond)
	conn := dialer.last()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			payload := fmt.Sprintf(`{"type":"client_message","content":"m%d","id":%d,"timestamp":%q}`,
				i, i+1, time.Now().Format(time.RFC3339Nano))
			select {
			case conn.in <- []byte(payload):
			case <-stop:
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			d.Observe("c1").Close()
			d.Observe(fmt.Sprintf("other-%d", i%4)).Close()
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("observe/release blocked while payloads were being dispatched")
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, 1, mgr.Subscribers("c1"))
}

func TestPushLostWithDroppedConnectionIsRedelivered(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	dialer := &pushDialer{}
	d, mgr := newPushDesk(t, client, dialer)
	require.NoError(t, d.EnsureConversation(ctx, "c1", "Jane", "lockout"))

	obs := d.Observe("c1")
	defer obs.Close()
	require.Eventually(t, func() bool { return mgr.State("c1") == channel.StateConnected }, time.Second, 5*time.Millisecond)
	first := dialer.last()

	sent, err := d.Send(ctx, "c1", domain.Message{Origin: domain.OriginCustomer, Content: "are you there?"})
	require.NoError(t, err)
	<-first.out
	// The write left this process but the server never handled it.
	require.NoError(t, first.Close())

	require.Eventually(t, func() bool {
		c, _ := d.Conversation("c1")
		return len(c.Messages) == 1 && c.Messages[0].ID != 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotSame(t, first, dialer.last())
	assert.Equal(t, int32(1), client.appends.Load())

	server, err := client.Get(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, server.Messages, 1)
	assert.Equal(t, sent.LocalID, server.Messages[0].LocalID)
}

func TestLostPushReportedWhenRedeliveryFails(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	dialer := &pushDialer{}
	d, mgr := newPushDesk(t, client, dialer)
	require.NoError(t, d.EnsureConversation(ctx, "c1", "Jane", "lockout"))

	obs := d.Observe("c1")
	defer obs.Close()
	require.Eventually(t, func() bool { return mgr.State("c1") == channel.StateConnected }, time.Second, 5*time.Millisecond)

	events, cancel := d.Subscribe()
	defer cancel()

	_, err := d.Send(ctx, "c1", domain.Message{Origin: domain.OriginCustomer, Content: "are you there?"})
	require.NoError(t, err)
	<-dialer.last().out

	client.mu.Lock()
	client.failErr = &mutation.MutationError{Op: "append", ConversationID: "c1", StatusCode: 503, Err: errors.New("unavailable")}
	client.mu.Unlock()
	require.NoError(t, dialer.last().Close())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind != EventSendFailed {
				continue
			}
			assert.Equal(t, "are you there?", ev.Message.Content)
			assert.Equal(t, 0, messageCount(d, "c1"))
			return
		case <-deadline:
			t.Fatal("lost push was neither redelivered nor reported")
		}
	}
}
