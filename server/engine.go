package server

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store 持久化协作者：连接时同步读取，其余操作经 WriteBack 异步执行
type Store interface {
	GetUser(ctx context.Context, username string) (*PlayerDefinition, error)
	CreateUser(ctx context.Context, username string, defaults PlayerDefinition) error
	UpdateUsers(ctx context.Context, defs []PlayerDefinition) error
	AddOnlineTime(ctx context.Context, username string, d time.Duration) error
	AddEvents(ctx context.Context, events []CustomEvent) error
	GetSave(ctx context.Context, username string) (string, bool, error)
	StoreSave(ctx context.Context, username, data string) error
	Backup(ctx context.Context) (string, error)
}

type EngineOptions struct {
	TickPeriod     time.Duration
	WriteInterval  time.Duration
	BackupInterval time.Duration // <=0 不做定期备份
	Spawn          PlayerDefinition
	StoreTimeout   time.Duration // 连接时读取存档的超时
	Now            func() time.Time
}

// Engine 同步引擎：持有全部 User 与房间成员视图。
// 入站处理、连接/断开与 Tick 都在 mu 内执行，互不交错；锁顺序 Engine -> Registry
type Engine struct {
	mu       sync.Mutex
	users    map[string]*User
	previous map[string]PlayerDefinition
	rooms    *RoomDirectory
	pending  []CustomEvent

	sinceWrite  time.Duration
	sinceBackup time.Duration

	registry *Registry
	store    Store
	writer   *WriteBack
	stats    TickStats
	opts     EngineOptions
	log      *zap.SugaredLogger
}

// NewEngine 创建引擎并注册为 registry 的观察者；store 与 writer 可为 nil（不持久化）
func NewEngine(rooms *RoomDirectory, reg *Registry, store Store, writer *WriteBack, opts EngineOptions, log *zap.SugaredLogger) *Engine {
	if opts.TickPeriod <= 0 {
		opts.TickPeriod = 50 * time.Millisecond
	}
	if opts.WriteInterval <= 0 {
		opts.WriteInterval = 10 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		users:    make(map[string]*User),
		previous: make(map[string]PlayerDefinition),
		rooms:    rooms,
		registry: reg,
		store:    store,
		writer:   writer,
		opts:     opts,
		log:      log,
	}
	reg.SetObserver(e)
	return e
}

func (e *Engine) OnNotification(n Notification) {
	switch n.Kind {
	case NotifyConnected:
		e.connected(n.Identity, n.ConnID)
	case NotifyDisconnected:
		e.disconnected(n.Identity.Username, n.ConnID)
	case NotifyMessage:
		e.handleMessage(n.Identity.Username, n.ConnID, n.Events)
	}
}

func (e *Engine) connected(id Identity, connID uuid.UUID) {
	// 存档读取在锁外完成，不阻塞 Tick
	seed := e.loadSeed(id.Username)

	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.registry.ConnID(id.Username); !ok || cur != connID {
		e.log.Debugw("stale connect notification", "username", id.Username, "conn", connID)
		return
	}
	if old, ok := e.users[id.Username]; ok {
		// 新连接的通知先于旧连接的断开通知到达
		e.removeLocked(old)
	}

	u := NewUser(id.Username, e.opts.Now)
	u.ConnID = connID
	u.ConnectedAt = e.opts.Now()
	u.SetDefinition(seed)
	u.State = AwaitingInitialState
	e.users[u.Username] = u
	e.rooms.Refresh(e.userList())
	usersGauge.Set(float64(len(e.users)))

	e.log.Infow("user connected", "username", u.Username, "room", roomLabel(u.RoomID))
}

// loadSeed 新用户先以出生配置建档；已有存档时沿用存档，但位置回到出生点，
// 存档房间已不在配置中时回到出生房间
func (e *Engine) loadSeed(username string) PlayerDefinition {
	spawn := e.opts.Spawn.Clone()
	spawn.Username = ""
	if e.store == nil {
		return spawn
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.StoreTimeout)
	defer cancel()

	// 断开时的最终状态可能仍在写回队列中
	if err := e.writer.Barrier(ctx); err != nil {
		e.log.Warnw("wait for pending write-back failed", "username", username, "err", err)
	}
	if err := e.store.CreateUser(ctx, username, spawn); err != nil {
		e.log.Warnw("create user failed", "username", username, "err", err)
	}
	saved, err := e.store.GetUser(ctx, username)
	if err != nil {
		e.log.Warnw("load user failed, using spawn", "username", username, "err", err)
		return spawn
	}
	if saved == nil {
		return spawn
	}
	seed := saved.Clone()
	seed.Username = ""
	seed.Timestamp = nil
	if spawn.X != nil {
		seed.X = spawn.X
	}
	if spawn.Y != nil {
		seed.Y = spawn.Y
	}
	if seed.RoomID != nil && !e.rooms.Has(*seed.RoomID) {
		seed.RoomID = spawn.RoomID
	}
	return seed
}

func (e *Engine) disconnected(username string, connID uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[username]
	if !ok {
		e.log.Warnw("disconnect for unknown user", "username", username)
		return
	}
	if u.ConnID != connID {
		e.log.Debugw("stale disconnect notification", "username", username, "conn", connID)
		return
	}
	e.removeLocked(u)
	e.log.Infow("user disconnected", "username", username, "session", u.SessionTime().Round(time.Second))
}

// removeLocked 立即持久化最终状态，移出成员视图，并向所有人广播 PlayerLeft
func (e *Engine) removeLocked(u *User) {
	def := u.Definition()
	e.writer.SubmitUsers([]PlayerDefinition{def})
	e.writer.SubmitOnlineTime(u.Username, u.SessionTime())

	delete(e.users, u.Username)
	delete(e.previous, u.Username)
	e.rooms.Refresh(e.userList())
	usersGauge.Set(float64(len(e.users)))

	e.registry.Broadcast(NewPlayerLeft(def, e.opts.Now().UnixMilli()), false)
}

func (e *Engine) handleMessage(username string, connID uuid.UUID, events []Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	u, ok := e.users[username]
	if !ok || u.ConnID != connID {
		e.log.Warnw("event from unknown user dropped", "username", username)
		return
	}
	for _, ev := range events {
		switch ev.Type {
		case EventPlayerStateUpdate:
			e.applyState(u, ev.State)
		case EventCustom:
			e.applyCustom(u, ev)
		default:
			e.log.Debugw("ignored client event", "username", username, "type", ev.Type)
		}
	}
}

// applyState 未配置的 room_id 被忽略；房间变化、首个状态或客户端请求都会触发全量房间刷新
func (e *Engine) applyState(u *User, st *StateUpdate) {
	def := st.PlayerDefinition
	def.Username = ""
	def.Timestamp = nil

	roomID := u.RoomID
	if def.RoomID != nil && e.rooms.Has(*def.RoomID) {
		roomID = def.RoomID
	}
	def.RoomID = clonePtr(roomID)

	moved := !sameRoom(roomID, u.RoomID)
	wantsRefresh := st.RequestFullRoom != nil && *st.RequestFullRoom
	if moved || u.State == AwaitingInitialState || wantsRefresh {
		u.State = NeedsFullRoomRefresh
		u.Dirty = true
	}
	u.SetDefinition(def)
	if moved {
		// 成员视图立即跟随，同一帧内随后的自定义事件按新房间投递
		e.rooms.Refresh(e.userList())
	}
}

// applyCustom username 与 room_id 以服务端为准，防止伪造
func (e *Engine) applyCustom(u *User, ev Event) {
	if u.RoomID == nil {
		e.log.Debugw("custom event outside a room dropped", "username", u.Username, "name", ev.Custom.Name)
		return
	}
	c := *ev.Custom
	c.Data = ev.Custom.Data.Clone()
	c.Username = ptr(u.Username)
	c.RoomID = clonePtr(u.RoomID)
	c.Timestamp = ev.Timestamp
	e.pending = append(e.pending, c)

	e.log.Debugw("custom event", "username", u.Username, "name", c.Name, "room", *c.RoomID)
	e.broadcastToRoom(*c.RoomID, Event{Type: EventCustom, Timestamp: ev.Timestamp, Custom: &c}, true)
}

func (e *Engine) broadcastToRoom(roomID int, ev Event, immediate bool) {
	r, ok := e.rooms.Get(roomID)
	if !ok {
		return
	}
	members := r.Members()
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Username)
	}
	e.registry.Multicast(names, ev, immediate)
}

// Notify 向所有连接立即广播服务器公告
func (e *Engine) Notify(text string, persistent bool) {
	e.registry.Broadcast(NewNotice(text, persistent, e.opts.Now().UnixMilli()), true)
	e.log.Infow("server notification", "text", text, "persistent", persistent)
}

// SaveNow 立即投递一次写回（不影响定期写回计时），返回写回的用户数
func (e *Engine) SaveNow() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.persistLocked()
}

func (e *Engine) persistLocked() int {
	defs := make([]PlayerDefinition, 0, len(e.users))
	for _, u := range e.userList() {
		defs = append(defs, u.Definition())
	}
	if len(defs) > 0 {
		e.writer.SubmitUsers(defs)
	}
	if len(e.pending) > 0 {
		e.writer.SubmitEvents(e.pending)
		e.pending = nil
	}
	return len(defs)
}

// Users 当前全部玩家的快照
func (e *Engine) Users() []PlayerDefinition {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]PlayerDefinition, 0, len(e.users))
	for _, u := range e.userList() {
		out = append(out, u.Definition())
	}
	return out
}

// Rooms 全部房间及其成员快照，按配置顺序
func (e *Engine) Rooms() []RoomSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	all := e.rooms.All()
	out := make([]RoomSnapshot, 0, len(all))
	for _, r := range all {
		out = append(out, r.snapshot())
	}
	return out
}

func (e *Engine) Room(id int) (RoomSnapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rooms.Get(id)
	if !ok {
		return RoomSnapshot{}, false
	}
	return r.snapshot(), true
}

// SessionInfo 管理命令 list 的一行
type SessionInfo struct {
	Username    string    `json:"username"`
	RoomID      *int      `json:"room_id,omitempty"`
	State       string    `json:"state"`
	ConnectedAt time.Time `json:"connected_at"`
	Online      string    `json:"online"`
}

func (e *Engine) List() []SessionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.opts.Now()
	out := make([]SessionInfo, 0, len(e.users))
	for _, u := range e.userList() {
		out = append(out, SessionInfo{
			Username:    u.Username,
			RoomID:      clonePtr(u.RoomID),
			State:       u.State.String(),
			ConnectedAt: u.ConnectedAt,
			Online:      strings.TrimSpace(humanize.RelTime(u.ConnectedAt, now, "", "")),
		})
	}
	return out
}

// Stats Tick 统计与在线人数
func (e *Engine) Stats() map[string]any {
	s := e.stats.Snapshot()
	e.mu.Lock()
	s["users"] = len(e.users)
	e.mu.Unlock()
	s["connections"] = e.registry.Len()
	return s
}

// userList 按用户名排序，保证 Tick 与成员视图的顺序稳定
func (e *Engine) userList() []*User {
	out := make([]*User, 0, len(e.users))
	for _, u := range e.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func roomLabel(id *int) any {
	if id == nil {
		return "none"
	}
	return *id
}
