package server

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recorder 记录通知的观察者
type recorder struct {
	mu sync.Mutex
	ns []Notification
}

func (r *recorder) OnNotification(n Notification) {
	r.mu.Lock()
	r.ns = append(r.ns, n)
	r.mu.Unlock()
}

func (r *recorder) kinds() []NotificationKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NotificationKind, 0, len(r.ns))
	for _, n := range r.ns {
		out = append(out, n.Kind)
	}
	return out
}

func (r *recorder) count(kind NotificationKind) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

func newTestRegistry(t *testing.T, opts RegistryOptions) (*Registry, *recorder) {
	t.Helper()
	reg := NewRegistry(opts, zaptest.NewLogger(t).Sugar())
	rec := &recorder{}
	reg.SetObserver(rec)
	return reg, rec
}

func admit(t *testing.T, reg *Registry, username string) (*Conn, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c := reg.NewConn(Identity{Username: username, SessionID: "s-" + username, Valid: true}, tr)
	require.True(t, reg.Admit(c))
	return c, tr
}

func TestRegistry_AdmitNotifiesConnected(t *testing.T) {
	reg, rec := newTestRegistry(t, RegistryOptions{})
	c, _ := admit(t, reg, "alice")

	assert.True(t, reg.Has("alice"))
	assert.Equal(t, 1, reg.Len())
	id, ok := reg.ConnID("alice")
	require.True(t, ok)
	assert.Equal(t, c.ID(), id)
	assert.Equal(t, []NotificationKind{NotifyConnected}, rec.kinds())
}

func TestRegistry_AdmitRaceKeepsRegistered(t *testing.T) {
	reg, rec := newTestRegistry(t, RegistryOptions{})
	first, firstT := admit(t, reg, "alice")

	// 两个握手都已通过 Displace，后到的在注册时发现已有连接
	lateT := &fakeTransport{}
	late := reg.NewConn(Identity{Username: "alice", SessionID: "other", Valid: true}, lateT)
	assert.False(t, reg.Admit(late))

	closed, code, _ := lateT.isClosed()
	assert.True(t, closed)
	assert.Equal(t, StatusDuplicate, code)
	evs := lateT.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, EventPleaseLeave, evs[0].Type)

	id, _ := reg.ConnID("alice")
	assert.Equal(t, first.ID(), id)
	firstClosed, _, _ := firstT.isClosed()
	assert.False(t, firstClosed)
	assert.Equal(t, 0, rec.count(NotifyDisconnected))
}

func TestRegistry_DisplaceClosesExisting(t *testing.T) {
	reg, rec := newTestRegistry(t, RegistryOptions{})
	old, oldT := admit(t, reg, "alice")

	assert.True(t, reg.Displace("alice"))
	assert.False(t, reg.Displace("alice"))

	closed, code, reason := oldT.isClosed()
	assert.True(t, closed)
	assert.Equal(t, StatusDuplicate, code)
	assert.Equal(t, "duplicate session", reason)
	assert.False(t, reg.Has("alice"))

	fresh, _ := admit(t, reg, "alice")
	assert.NotEqual(t, old.ID(), fresh.ID())
	assert.Equal(t, []NotificationKind{NotifyConnected, NotifyDisconnected, NotifyConnected}, rec.kinds())
}

func TestRegistry_DisconnectIsIdempotent(t *testing.T) {
	reg, rec := newTestRegistry(t, RegistryOptions{})
	c, tr := admit(t, reg, "alice")

	assert.True(t, reg.Disconnect("alice", StatusKicked, "kicked"))
	assert.False(t, reg.Disconnect("alice", StatusKicked, "kicked"))
	reg.Closed(c)

	evs := tr.events(t)
	require.Len(t, evs, 1, "PleaseLeave goes out once, before the close")
	assert.Equal(t, EventPleaseLeave, evs[0].Type)
	assert.Equal(t, 1, rec.count(NotifyDisconnected))
	assert.False(t, reg.Enqueue("alice", NewNotice("hi", false, 0), true))
}

func TestRegistry_ClosedDoesNotSendPleaseLeave(t *testing.T) {
	reg, rec := newTestRegistry(t, RegistryOptions{})
	c, tr := admit(t, reg, "alice")

	reg.Closed(c)
	assert.Equal(t, 0, tr.frameCount())
	assert.Equal(t, 1, rec.count(NotifyDisconnected))
}

func TestRegistry_DisconnectSessionMatchesSession(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	_, tr := admit(t, reg, "alice")

	assert.False(t, reg.DisconnectSession(Identity{Username: "alice", SessionID: "stale"}, StatusSessionExpired, "session expired"))
	assert.True(t, reg.Has("alice"))

	assert.True(t, reg.DisconnectSession(Identity{Username: "alice", SessionID: "s-alice"}, StatusSessionExpired, "session expired"))
	_, code, _ := tr.isClosed()
	assert.Equal(t, StatusSessionExpired, code)
}

func TestRegistry_FlushAllOneFramePerConnection(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	_, aT := admit(t, reg, "alice")
	_, bT := admit(t, reg, "bob")
	_, cT := admit(t, reg, "carol")

	reg.Broadcast(NewNotice("one", false, 1), false)
	reg.Multicast([]string{"alice", "bob", "nobody"}, NewNotice("two", false, 2), false)
	reg.Enqueue("alice", NewNotice("three", false, 3), false)
	assert.Equal(t, 0, aT.frameCount())

	assert.Equal(t, 3, reg.FlushAll())

	aFrames := aT.received(t)
	require.Len(t, aFrames, 1)
	require.Len(t, aFrames[0], 3)
	assert.Equal(t, "one", aFrames[0][0].Notice.Text)
	assert.Equal(t, "three", aFrames[0][2].Notice.Text)
	assert.Len(t, bT.received(t)[0], 2)
	assert.Len(t, cT.received(t)[0], 1)

	assert.Equal(t, 0, reg.FlushAll(), "queues are empty after a flush")
}

func TestRegistry_ImmediateFlushesQueueInOrder(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	_, tr := admit(t, reg, "alice")

	reg.Enqueue("alice", NewNotice("queued", false, 1), false)
	reg.Enqueue("alice", NewNotice("now", false, 2), true)

	frames := tr.received(t)
	require.Len(t, frames, 1)
	require.Len(t, frames[0], 2)
	assert.Equal(t, "queued", frames[0][0].Notice.Text)
	assert.Equal(t, "now", frames[0][1].Notice.Text)
}

func TestRegistry_SyntaxErrorDisconnects(t *testing.T) {
	reg, rec := newTestRegistry(t, RegistryOptions{})
	c, tr := admit(t, reg, "alice")

	reg.Receive(c, []byte("{nope"))

	closed, code, _ := tr.isClosed()
	assert.True(t, closed)
	assert.Equal(t, StatusWrongData, code)
	assert.Equal(t, EventPleaseLeave, tr.events(t)[0].Type)
	assert.Equal(t, 0, rec.count(NotifyMessage))
	assert.Equal(t, 1, rec.count(NotifyDisconnected))
}

func TestRegistry_SchemaErrorIsDropped(t *testing.T) {
	reg, rec := newTestRegistry(t, RegistryOptions{})
	c, tr := admit(t, reg, "alice")

	reg.Receive(c, []byte(`{"type":2,"data":{"y":"up"}}`))
	reg.Receive(c, []byte(`{"type":2,"data":{"y":1}}`))

	closed, _, _ := tr.isClosed()
	assert.False(t, closed)
	assert.Equal(t, 1, rec.count(NotifyMessage))
}

func TestRegistry_ReceiveStampsServerTime(t *testing.T) {
	clock := newTestClock()
	reg, rec := newTestRegistry(t, RegistryOptions{Now: clock.Now})
	c, _ := admit(t, reg, "alice")

	reg.Receive(c, []byte(`{"type":2,"timestamp":5,"data":{}}`))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	last := rec.ns[len(rec.ns)-1]
	assert.Equal(t, NotifyMessage, last.Kind)
	assert.Equal(t, c.ID(), last.ConnID)
	assert.Equal(t, clock.Now().UnixMilli(), last.Events[0].Timestamp)
}

func TestRegistry_InboundRateLimit(t *testing.T) {
	reg, rec := newTestRegistry(t, RegistryOptions{InboundRate: 0.001, InboundBurst: 2})
	c, tr := admit(t, reg, "alice")

	for i := 0; i < 5; i++ {
		reg.Receive(c, []byte(`{"type":2,"data":{}}`))
	}
	assert.Equal(t, 2, rec.count(NotifyMessage))
	closed, _, _ := tr.isClosed()
	assert.False(t, closed)
}

func TestRegistry_SlowConsumerIsDisconnected(t *testing.T) {
	reg, rec := newTestRegistry(t, RegistryOptions{})
	_, slowT := admit(t, reg, "slow")
	_, okT := admit(t, reg, "ok")
	slowT.sendErr = errors.New("send queue full")

	reg.Broadcast(NewNotice("hi", false, 0), false)
	assert.Equal(t, 2, reg.FlushAll())

	_, code, _ := slowT.isClosed()
	assert.Equal(t, StatusSlowConsumer, code)
	assert.False(t, reg.Has("slow"))
	assert.Equal(t, 1, okT.frameCount())

	// 发送路径上的断开通知异步投递
	assert.Eventually(t, func() bool { return rec.count(NotifyDisconnected) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegistry_CloseAll(t *testing.T) {
	reg, rec := newTestRegistry(t, RegistryOptions{})
	_, aT := admit(t, reg, "alice")
	_, bT := admit(t, reg, "bob")

	reg.CloseAll(StatusShutdown, "server shutting down")

	for _, tr := range []*fakeTransport{aT, bT} {
		closed, code, _ := tr.isClosed()
		assert.True(t, closed)
		assert.Equal(t, StatusShutdown, code)
	}
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 2, rec.count(NotifyDisconnected))
}

func TestRegistry_IdentitiesSorted(t *testing.T) {
	reg, _ := newTestRegistry(t, RegistryOptions{})
	admit(t, reg, "carol")
	admit(t, reg, "alice")
	admit(t, reg, "bob")

	ids := reg.Identities()
	require.Len(t, ids, 3)
	assert.Equal(t, "alice", ids[0].Username)
	assert.Equal(t, "s-alice", ids[0].SessionID)
	assert.Equal(t, "carol", ids[2].Username)
}
