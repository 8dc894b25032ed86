package server

import (
	"time"

	"github.com/google/uuid"
)

// SyncState 玩家的同步状态机
type SyncState int

const (
	// AwaitingInitialState 已连接，尚未收到客户端的首个状态；不广播
	AwaitingInitialState SyncState = iota
	// Joined 正常状态，按差量广播
	Joined
	// NeedsFullRoomRefresh 房间变化或客户端请求：下个 Tick 先单播房间全量快照
	NeedsFullRoomRefresh
)

func (s SyncState) String() string {
	switch s {
	case AwaitingInitialState:
		return "awaiting_initial_state"
	case Joined:
		return "joined"
	case NeedsFullRoomRefresh:
		return "needs_full_room_refresh"
	default:
		return "unknown"
	}
}

// User 已连接玩家的服务端权威状态，仅由 Engine 在持锁时读写
type User struct {
	Username string

	X  float64
	Y  float64
	SX float64

	Costume *string
	RoomID  *int
	Data    *DataMap

	Timestamp int64 // 最近一次变更（毫秒）

	State SyncState
	Dirty bool // 自上次广播后有字段变化

	ConnID      uuid.UUID // 所属连接实例，用于识别被顶替的旧连接
	ConnectedAt time.Time

	now func() time.Time
}

// NewUser 以默认值创建玩家：x=0, y=0, sx=1
func NewUser(username string, now func() time.Time) *User {
	if now == nil {
		now = time.Now
	}
	return &User{
		Username:  username,
		SX:        1,
		Data:      NewDataMap(),
		Timestamp: now().UnixMilli(),
		State:     AwaitingInitialState,
		now:       now,
	}
}

// SetDefinition 合并部分定义：出现的标量覆盖，data 按键合并，username 不可变
// 有变化时置 Dirty（已有的 Dirty 不会被无变化的合并清掉），并刷新 Timestamp
func (u *User) SetDefinition(d PlayerDefinition) bool {
	old := u.Definition()

	if d.X != nil {
		u.X = *d.X
	}
	if d.Y != nil {
		u.Y = *d.Y
	}
	if d.SX != nil {
		u.SX = *d.SX
	}
	if d.Costume != nil {
		u.Costume = clonePtr(d.Costume)
	}
	if d.RoomID != nil {
		u.RoomID = clonePtr(d.RoomID)
	}
	if d.Data != nil {
		if u.Data == nil {
			u.Data = NewDataMap()
		}
		u.Data.Merge(d.Data)
	}

	modified := !u.DefinitionDiff(old).IsEmpty()
	if modified {
		u.Dirty = true
	}
	u.Timestamp = u.now().UnixMilli()
	return modified
}

// Definition 返回不可变快照（data 为深拷贝）
func (u *User) Definition() PlayerDefinition {
	return PlayerDefinition{
		Username:  u.Username,
		X:         ptr(u.X),
		Y:         ptr(u.Y),
		SX:        ptr(u.SX),
		Costume:   clonePtr(u.Costume),
		RoomID:    clonePtr(u.RoomID),
		Data:      u.Data.Clone(),
		Timestamp: ptr(u.Timestamp),
	}
}

// DefinitionDiff 只包含与 previous 取值不同的字段；data 只包含取值不同的条目
// username 与 timestamp 永不出现在差量中
func (u *User) DefinitionDiff(previous PlayerDefinition) PlayerDefinition {
	var diff PlayerDefinition
	if !sameValue(previous.X, u.X) {
		diff.X = ptr(u.X)
	}
	if !sameValue(previous.Y, u.Y) {
		diff.Y = ptr(u.Y)
	}
	if !sameValue(previous.SX, u.SX) {
		diff.SX = ptr(u.SX)
	}
	if u.Costume != nil && !sameValue(previous.Costume, *u.Costume) {
		diff.Costume = clonePtr(u.Costume)
	}
	if u.RoomID != nil && !sameValue(previous.RoomID, *u.RoomID) {
		diff.RoomID = clonePtr(u.RoomID)
	}
	diff.Data = u.Data.Diff(previous.Data)
	return diff
}

// SessionTime 本次连接已在线时长
func (u *User) SessionTime() time.Duration {
	if u.ConnectedAt.IsZero() {
		return 0
	}
	return u.now().Sub(u.ConnectedAt)
}

func sameValue[T comparable](p *T, v T) bool {
	return p != nil && *p == v
}

func sameRoom(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
