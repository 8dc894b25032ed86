package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRoster struct {
	mu           sync.Mutex
	ids          []Identity
	disconnected []Identity
	code         int
}

func (r *fakeRoster) Identities() []Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Identity(nil), r.ids...)
}

func (r *fakeRoster) DisconnectSession(id Identity, code int, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnected = append(r.disconnected, id)
	r.code = code
	return true
}

func (r *fakeRoster) set(ids ...Identity) {
	r.mu.Lock()
	r.ids = ids
	r.mu.Unlock()
}

func newTestHeartbeat(t *testing.T, p *fakeProvider, roster *fakeRoster, policy ExpiryPolicy) (*Heartbeat, *testClock) {
	t.Helper()
	clock := newTestClock()
	hb := NewHeartbeat(p, roster, HeartbeatOptions{
		Interval: 4 * time.Minute,
		Policy:   policy,
		Now:      clock.Now,
	}, zaptest.NewLogger(t).Sugar())
	return hb, clock
}

func TestHeartbeat_NewSessionIsNotPingedImmediately(t *testing.T) {
	p := &fakeProvider{}
	roster := &fakeRoster{}
	roster.set(Identity{Username: "alice", SessionID: "s1"})
	hb, clock := newTestHeartbeat(t, p, roster, ExpiryLog)
	ctx := context.Background()

	assert.Equal(t, 0, hb.Check(ctx))
	clock.Advance(3 * time.Minute)
	assert.Equal(t, 0, hb.Check(ctx))

	clock.Advance(time.Minute)
	assert.Equal(t, 1, hb.Check(ctx))
	hb.Wait()
	assert.Equal(t, []string{"s1"}, p.pings)

	// 刚 ping 过，间隔重新计算
	clock.Advance(time.Minute)
	assert.Equal(t, 0, hb.Check(ctx))
}

func TestHeartbeat_NewSessionIDResetsTimer(t *testing.T) {
	p := &fakeProvider{}
	roster := &fakeRoster{}
	roster.set(Identity{Username: "alice", SessionID: "s1"})
	hb, clock := newTestHeartbeat(t, p, roster, ExpiryLog)
	ctx := context.Background()

	hb.Check(ctx)
	clock.Advance(5 * time.Minute)
	roster.set(Identity{Username: "alice", SessionID: "s2"})
	assert.Equal(t, 0, hb.Check(ctx))
}

func TestHeartbeat_ForgetsDepartedUsers(t *testing.T) {
	p := &fakeProvider{}
	roster := &fakeRoster{}
	roster.set(Identity{Username: "alice", SessionID: "s1"})
	hb, clock := newTestHeartbeat(t, p, roster, ExpiryLog)
	ctx := context.Background()

	hb.Check(ctx)
	roster.set()
	hb.Check(ctx)

	// 重新连接后视为新会话
	roster.set(Identity{Username: "alice", SessionID: "s1"})
	clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, hb.Check(ctx))
}

func TestHeartbeat_FailurePolicy(t *testing.T) {
	tests := []struct {
		policy     ExpiryPolicy
		disconnect bool
	}{
		{ExpiryLog, false},
		{ExpiryDisconnect, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.policy), func(t *testing.T) {
			p := &fakeProvider{pingErr: errProvider}
			roster := &fakeRoster{}
			roster.set(Identity{Username: "alice", SessionID: "s1"})
			hb, clock := newTestHeartbeat(t, p, roster, tt.policy)
			ctx := context.Background()

			hb.Check(ctx)
			clock.Advance(4 * time.Minute)
			require.Equal(t, 1, hb.Check(ctx))
			hb.Wait()

			if tt.disconnect {
				require.Len(t, roster.disconnected, 1)
				assert.Equal(t, "s1", roster.disconnected[0].SessionID)
				assert.Equal(t, StatusSessionExpired, roster.code)
			} else {
				assert.Empty(t, roster.disconnected)
			}
		})
	}
}

func TestHeartbeat_ExpiredSessionLeavesEngine(t *testing.T) {
	env := newTestEnv(t)
	_, aliceT := env.join(t, "alice", `{"type":2,"data":{}}`)
	p := &fakeProvider{pingErr: errProvider}
	hb := NewHeartbeat(p, env.registry, HeartbeatOptions{
		Interval: time.Minute,
		Policy:   ExpiryDisconnect,
		Now:      env.clock.Now,
	}, zaptest.NewLogger(t).Sugar())

	hb.Check(context.Background())
	env.clock.Advance(time.Minute)
	require.Equal(t, 1, hb.Check(context.Background()))
	hb.Wait()

	_, code, _ := aliceT.isClosed()
	assert.Equal(t, StatusSessionExpired, code)
	assert.Empty(t, env.engine.Users())
	assert.Equal(t, []string{"sess-alice"}, p.pings)
}

func TestHeartbeat_RunStopsWithContext(t *testing.T) {
	p := &fakeProvider{}
	hb := NewHeartbeat(p, &fakeRoster{}, HeartbeatOptions{CheckInterval: time.Millisecond}, zaptest.NewLogger(t).Sugar())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		hb.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat did not stop")
	}
}
