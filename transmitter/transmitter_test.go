package transmitter

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sockmux/broker"
	"github.com/c360/sockmux/errors"
	"github.com/c360/sockmux/frame"
	"github.com/c360/sockmux/message"
)

const serverID = "srv-1"

// fakeSocket records writes and can be told to fail for specific connection
// ids.
type fakeSocket struct {
	id string

	mu           sync.Mutex
	sent         map[string][]frame.EventBody
	failFor      map[string]bool
	disconnected []string
}

func newFakeSocket(id string) *fakeSocket {
	return &fakeSocket{
		id:      id,
		sent:    make(map[string][]frame.EventBody),
		failFor: make(map[string]bool),
	}
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) SendEvent(connID string, body frame.EventBody) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[connID] {
		return 0, errors.ErrWriteFailed
	}
	body.ConnectionID = connID
	f.sent[connID] = append(f.sent[connID], body)
	return len(f.sent[connID]), nil
}

func (f *fakeSocket) Disconnect(connID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, connID)
	return nil
}

func (f *fakeSocket) eventsFor(connID string) []frame.EventBody {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame.EventBody(nil), f.sent[connID]...)
}

// fakeBroker records calls and returns canned results.
type fakeBroker struct {
	mu             sync.Mutex
	remoteResult   []message.Connection
	remoteErr      error
	dispatched     []message.Job
	subscribed     [][2]string
	unsubscribed   [][2]string
	disconnectedID []string
	handler        broker.RemoteEventHandler
}

func (b *fakeBroker) Start(context.Context) error { return nil }
func (b *fakeBroker) Stop(time.Duration) error    { return nil }

func (b *fakeBroker) DispatchRemote(_ context.Context, job message.Job) ([]message.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dispatched = append(b.dispatched, job)
	return b.remoteResult, b.remoteErr
}

func (b *fakeBroker) SubscribeTopicRemote(_ context.Context, conn message.Connection, topic string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, [2]string{conn.ID, topic})
	return true, nil
}

func (b *fakeBroker) UnsubscribeTopicRemote(_ context.Context, conn message.Connection, topic string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, [2]string{conn.ID, topic})
	return true, nil
}

func (b *fakeBroker) DisconnectRemote(_ context.Context, conn message.Connection, _ string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnectedID = append(b.disconnectedID, conn.ID)
	return true, nil
}

func (b *fakeBroker) OnRemoteEvent(h broker.RemoteEventHandler) {
	b.handler = h
}

func (b *fakeBroker) dispatchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.dispatched)
}

func localConn(id, user string) message.Connection {
	return message.Connection{ID: id, ServerID: serverID, SocketID: "sock-" + id, User: user}
}

func newTransmitter(t *testing.T, b broker.Broker) *Transmitter {
	t.Helper()
	tr, err := New(Config{ServerID: serverID, Broker: b})
	require.NoError(t, err)
	return tr
}

func connIDs(conns []message.Connection) []string {
	ids := make([]string, len(conns))
	for i, c := range conns {
		ids[i] = c.ID
	}
	sort.Strings(ids)
	return ids
}

func TestNewRequiresServerID(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestRegistryBookkeeping(t *testing.T) {
	tr := newTransmitter(t, broker.NewLocal())
	sock := newFakeSocket("s1")

	conn := localConn("c1", "alice")
	assert.True(t, tr.AddLocalConnection(conn, sock))
	// Duplicate ids are refused.
	assert.False(t, tr.AddLocalConnection(conn, sock))

	ok, err := tr.SubscribeTopic(context.Background(), conn, "lobby")
	require.NoError(t, err)
	assert.True(t, ok)

	// Unsubscribing a topic that was never attached reports false.
	ok, err = tr.UnsubscribeTopic(context.Background(), conn, "other")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.True(t, tr.RemoveLocalConnection("c1"))
	assert.False(t, tr.RemoveLocalConnection("c1"))

	// Removal detached the topic index.
	got, err := tr.Dispatch(context.Background(), message.Job{
		Target: message.ToTopic("lobby"),
		Events: []message.Event{{Type: "x"}},
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDispatchSingleLocalConnection(t *testing.T) {
	tr := newTransmitter(t, broker.NewLocal())
	sock := newFakeSocket("s1")
	conn := localConn("c1", "")
	require.True(t, tr.AddLocalConnection(conn, sock))

	got, err := tr.Dispatch(context.Background(), message.Job{
		Target: message.ToConnection(conn),
		Events: []message.Event{{Type: "greet", Payload: []byte(`"hi"`)}},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c1", got[0].ID)

	events := sock.eventsFor("c1")
	require.Len(t, events, 1)
	assert.Equal(t, "greet", events[0].Type)
}

func TestDispatchUnknownConnectionReturnsNil(t *testing.T) {
	tr := newTransmitter(t, broker.NewLocal())

	got, err := tr.Dispatch(context.Background(), message.Job{
		Target: message.ToConnection(localConn("ghost", "")),
		Events: []message.Event{{Type: "x"}},
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDispatchForeignConnectionDelegates(t *testing.T) {
	remote := message.Connection{ID: "r1", ServerID: "srv-2", SocketID: "sx"}
	fb := &fakeBroker{remoteResult: []message.Connection{remote}}
	tr := newTransmitter(t, fb)

	got, err := tr.Dispatch(context.Background(), message.Job{
		Target: message.ToConnection(remote),
		Events: []message.Event{{Type: "x"}},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, 1, fb.dispatchCount())
}

func TestTopicFanOutWithRemoteMerge(t *testing.T) {
	remote := message.Connection{ID: "r1", ServerID: "srv-2"}
	fb := &fakeBroker{remoteResult: []message.Connection{remote}}
	tr := newTransmitter(t, fb)
	sock := newFakeSocket("s1")

	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c3"} {
		conn := localConn(id, "")
		require.True(t, tr.AddLocalConnection(conn, sock))
		ok, err := tr.SubscribeTopic(ctx, conn, "lobby")
		require.NoError(t, err)
		require.True(t, ok)
	}

	got, err := tr.Dispatch(ctx, message.Job{
		Target: message.ToTopic("lobby"),
		Events: []message.Event{{Type: "news"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2", "c3", "r1"}, connIDs(got))

	// Topic name is stamped into the scope annotation.
	events := sock.eventsFor("c1")
	require.Len(t, events, 1)
	assert.Equal(t, "lobby", events[0].ScopeID)
}

func TestTopicFanOutWhitelistAndBlacklist(t *testing.T) {
	tr := newTransmitter(t, broker.NewLocal())
	sock := newFakeSocket("s1")
	ctx := context.Background()

	conns := make(map[string]message.Connection)
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		conn := localConn(id, "")
		conns[id] = conn
		require.True(t, tr.AddLocalConnection(conn, sock))
		_, err := tr.SubscribeTopic(ctx, conn, "lobby")
		require.NoError(t, err)
	}

	got, err := tr.Dispatch(ctx, message.Job{
		Target:    message.ToTopic("lobby"),
		Events:    []message.Event{{Type: "x"}},
		Whitelist: []message.Connection{conns["c1"], conns["c2"], conns["c3"]},
		Blacklist: []message.Connection{conns["c2"]},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3"}, connIDs(got))
	assert.Empty(t, sock.eventsFor("c2"))
	assert.Empty(t, sock.eventsFor("c4"))
}

func TestUserFanOut(t *testing.T) {
	tr := newTransmitter(t, broker.NewLocal())
	sock := newFakeSocket("s1")

	require.True(t, tr.AddLocalConnection(localConn("c1", "alice"), sock))
	require.True(t, tr.AddLocalConnection(localConn("c2", "alice"), sock))
	require.True(t, tr.AddLocalConnection(localConn("c3", "bob"), sock))

	got, err := tr.Dispatch(context.Background(), message.Job{
		Target: message.ToUser("alice"),
		Events: []message.Event{{Type: "dm"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, connIDs(got))
}

func TestSelfHealingOnWriteFailure(t *testing.T) {
	var handled []error
	var handledMu sync.Mutex
	tr, err := New(Config{
		ServerID: serverID,
		ErrorHandler: func(err error) {
			handledMu.Lock()
			handled = append(handled, err)
			handledMu.Unlock()
		},
	})
	require.NoError(t, err)

	sock := newFakeSocket("s1")
	sock.failFor["c2"] = true
	ctx := context.Background()

	for _, id := range []string{"c1", "c2"} {
		conn := localConn(id, "")
		require.True(t, tr.AddLocalConnection(conn, sock))
		_, err := tr.SubscribeTopic(ctx, conn, "lobby")
		require.NoError(t, err)
	}

	got, err := tr.Dispatch(ctx, message.Job{
		Target: message.ToTopic("lobby"),
		Events: []message.Event{{Type: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, connIDs(got))

	handledMu.Lock()
	assert.NotEmpty(t, handled)
	handledMu.Unlock()

	// The dead recipient was pruned: a second dispatch no longer sees it.
	got, err = tr.Dispatch(ctx, message.Job{
		Target: message.ToTopic("lobby"),
		Events: []message.Event{{Type: "y"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, connIDs(got))
	assert.False(t, tr.RemoveLocalConnection("c2"))
}

func TestBrokerErrorMergesAsNoRemoteRecipients(t *testing.T) {
	fb := &fakeBroker{remoteErr: errors.ErrBrokerRequest}
	var handled int
	var handledMu sync.Mutex
	tr, err := New(Config{
		ServerID: serverID,
		Broker:   fb,
		ErrorHandler: func(error) {
			handledMu.Lock()
			handled++
			handledMu.Unlock()
		},
	})
	require.NoError(t, err)

	sock := newFakeSocket("s1")
	conn := localConn("c1", "")
	require.True(t, tr.AddLocalConnection(conn, sock))
	ctx := context.Background()
	_, err = tr.SubscribeTopic(ctx, conn, "lobby")
	require.NoError(t, err)

	got, err := tr.Dispatch(ctx, message.Job{
		Target: message.ToTopic("lobby"),
		Events: []message.Event{{Type: "x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, connIDs(got))

	handledMu.Lock()
	assert.Equal(t, 1, handled)
	handledMu.Unlock()
}

func TestForeignSubscribeAndDisconnectDelegate(t *testing.T) {
	fb := &fakeBroker{}
	tr := newTransmitter(t, fb)
	ctx := context.Background()

	foreign := message.Connection{ID: "r1", ServerID: "srv-2"}

	ok, err := tr.SubscribeTopic(ctx, foreign, "lobby")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, [2]string{"r1", "lobby"}, fb.subscribed[0])

	ok, err = tr.UnsubscribeTopic(ctx, foreign, "lobby")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tr.Disconnect(ctx, foreign, "bye")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"r1"}, fb.disconnectedID)
}

func TestDisconnectLocal(t *testing.T) {
	tr := newTransmitter(t, broker.NewLocal())
	sock := newFakeSocket("s1")
	conn := localConn("c1", "alice")
	require.True(t, tr.AddLocalConnection(conn, sock))

	ok, err := tr.Disconnect(context.Background(), conn, "bye")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"c1"}, sock.disconnected)

	// Disconnecting an absent connection yields false, so callers can tell
	// nothing happened.
	ok, err = tr.Disconnect(context.Background(), conn, "again")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteEventsDeliverLocallyOnly(t *testing.T) {
	fb := &fakeBroker{}
	tr := newTransmitter(t, fb)
	require.NoError(t, tr.Start(context.Background()))
	defer func() { _ = tr.Stop(time.Second) }()

	sock := newFakeSocket("s1")
	conn := localConn("c1", "")
	require.True(t, tr.AddLocalConnection(conn, sock))
	ctx := context.Background()
	_, err := tr.SubscribeTopic(ctx, conn, "lobby")
	require.NoError(t, err)

	require.NotNil(t, fb.handler)
	fb.handler(ctx, message.Job{
		Target: message.ToTopic("lobby"),
		Events: []message.Event{{Type: "remote-news"}},
	})

	require.Len(t, sock.eventsFor("c1"), 1)
	// The inbound remote job must not be re-dispatched to the cluster.
	assert.Equal(t, 0, fb.dispatchCount())
}
