package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeTransport struct {
	mu      sync.Mutex
	frames  [][]byte
	closed  bool
	code    int
	reason  string
	sendErr error
}

func (f *fakeTransport) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errTransportClosed
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.code = code
		f.reason = reason
	}
	return nil
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) isClosed() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code, f.reason
}

// received 逐帧解码；每帧都必须能被协议重新解析
func (f *fakeTransport) received(t *testing.T) [][]Event {
	t.Helper()
	f.mu.Lock()
	frames := append([][]byte(nil), f.frames...)
	f.mu.Unlock()

	out := make([][]Event, 0, len(frames))
	for _, fr := range frames {
		evs, err := DecodeFrame(fr, 0)
		require.NoError(t, err, "frame %s", fr)
		out = append(out, evs)
	}
	return out
}

// events 所有帧中的事件，按接收顺序展开
func (f *fakeTransport) events(t *testing.T) []Event {
	t.Helper()
	var out []Event
	for _, fr := range f.received(t) {
		out = append(out, fr...)
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.frames = nil
	f.mu.Unlock()
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 12, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeStore struct {
	mu      sync.Mutex
	users   map[string]PlayerDefinition
	created []string
	updates [][]PlayerDefinition
	events  []CustomEvent
	online  map[string]time.Duration
	saves   map[string]string
	backups int
	getErr  error

	// updateDelay 模拟慢速磁盘写入
	updateDelay time.Duration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[string]PlayerDefinition),
		online: make(map[string]time.Duration),
		saves:  make(map[string]string),
	}
}

func (s *fakeStore) GetUser(_ context.Context, username string) (*PlayerDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	d, ok := s.users[username]
	if !ok {
		return nil, nil
	}
	out := d.Clone()
	return &out, nil
}

func (s *fakeStore) CreateUser(_ context.Context, username string, defaults PlayerDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, username)
	if _, ok := s.users[username]; !ok {
		d := defaults.Clone()
		d.Username = username
		s.users[username] = d
	}
	return nil
}

func (s *fakeStore) UpdateUsers(_ context.Context, defs []PlayerDefinition) error {
	if s.updateDelay > 0 {
		time.Sleep(s.updateDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]PlayerDefinition, 0, len(defs))
	for _, d := range defs {
		batch = append(batch, d.Clone())
		s.users[d.Username] = d.Clone()
	}
	s.updates = append(s.updates, batch)
	return nil
}

func (s *fakeStore) AddOnlineTime(_ context.Context, username string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[username] += d
	return nil
}

func (s *fakeStore) AddEvents(_ context.Context, events []CustomEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeStore) GetSave(_ context.Context, username string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.saves[username]
	return d, ok, nil
}

func (s *fakeStore) StoreSave(_ context.Context, username, data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves[username] = data
	return nil
}

func (s *fakeStore) Backup(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backups++
	return "backup.db", nil
}

func (s *fakeStore) snapshot() (updates [][]PlayerDefinition, events []CustomEvent, backups int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates, s.events, s.backups
}

var errProvider = errors.New("provider unavailable")

type fakeProvider struct {
	mu       sync.Mutex
	sessions map[string]string // session -> username
	checkErr error
	pingErr  error
	checks   int
	pings    []string
}

func (p *fakeProvider) CheckSession(_ context.Context, username, sessionID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checks++
	if p.checkErr != nil {
		return false, p.checkErr
	}
	return p.sessions[sessionID] == username, nil
}

func (p *fakeProvider) Ping(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pings = append(p.pings, sessionID)
	return p.pingErr
}

func (p *fakeProvider) pingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pings)
}

// testEnv 引擎 + 注册表 + 可控时钟；store 为 nil 时不持久化
type testEnv struct {
	engine   *Engine
	registry *Registry
	clock    *testClock
	store    *fakeStore
	writer   *WriteBack
}

type envOption func(*testEnvConfig)

type testEnvConfig struct {
	rooms  []RoomConfig
	spawn  PlayerDefinition
	store  *fakeStore
	opts   EngineOptions
	regOpt RegistryOptions
}

func withStore(s *fakeStore) envOption {
	return func(c *testEnvConfig) { c.store = s }
}

func withSpawn(d PlayerDefinition) envOption {
	return func(c *testEnvConfig) { c.spawn = d }
}

func withEngineOptions(o EngineOptions) envOption {
	return func(c *testEnvConfig) { c.opts = o }
}

func withRegistryOptions(o RegistryOptions) envOption {
	return func(c *testEnvConfig) { c.regOpt = o }
}

func newTestEnv(t *testing.T, options ...envOption) *testEnv {
	t.Helper()
	cfg := testEnvConfig{
		rooms: []RoomConfig{
			{ID: 1, Name: "Lobby", Identifier: "lobby"},
			{ID: 2, Name: "Garden", Identifier: "garden", Maps: []string{"garden_a"}},
		},
		spawn: PlayerDefinition{X: ptr(0.0), Y: ptr(0.0), RoomID: ptr(1)},
		opts:  EngineOptions{TickPeriod: 100 * time.Millisecond, WriteInterval: time.Hour},
	}
	for _, o := range options {
		o(&cfg)
	}

	log := zaptest.NewLogger(t).Sugar()
	clock := newTestClock()
	rooms, err := NewRoomDirectory(cfg.rooms)
	require.NoError(t, err)

	cfg.regOpt.Now = clock.Now
	reg := NewRegistry(cfg.regOpt, log)

	env := &testEnv{registry: reg, clock: clock}
	var store Store
	if cfg.store != nil {
		env.store = cfg.store
		env.writer = NewWriteBack(cfg.store, time.Second, log)
		env.writer.Start()
		t.Cleanup(env.writer.Close)
		store = cfg.store
	}
	cfg.opts.Spawn = cfg.spawn
	cfg.opts.Now = clock.Now
	env.engine = NewEngine(rooms, reg, store, env.writer, cfg.opts, log)
	return env
}

// connect 以 username 建立并注册一个连接
func (e *testEnv) connect(t *testing.T, username string) (*Conn, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	c := e.registry.NewConn(Identity{Username: username, SessionID: "sess-" + username, Valid: true}, tr)
	require.True(t, e.registry.Admit(c))
	return c, tr
}

func (e *testEnv) send(c *Conn, frame string) {
	e.registry.Receive(c, []byte(frame))
}

// join 连接并发送首个状态，再推进一个 Tick
func (e *testEnv) join(t *testing.T, username, state string) (*Conn, *fakeTransport) {
	t.Helper()
	c, tr := e.connect(t, username)
	e.send(c, state)
	e.engine.Tick()
	return c, tr
}

func stateUpdates(evs []Event, username string) []*StateUpdate {
	var out []*StateUpdate
	for _, ev := range evs {
		if ev.Type == EventPlayerStateUpdate && ev.State.Username == username {
			out = append(out, ev.State)
		}
	}
	return out
}

func eventsOfType(evs []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func mustDataMap(t *testing.T, raw string) *DataMap {
	t.Helper()
	m := NewDataMap()
	require.NoError(t, m.UnmarshalJSON([]byte(raw)))
	return m
}
