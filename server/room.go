package server

// Room 启动时配置的静态房间；成员列表每个 Tick 由玩家的 room_id 重新推导
type Room struct {
	ID         int
	Name       string
	Identifier string
	Maps       []string

	members []*User
}

// NewRoom 由配置创建房间
func NewRoom(cfg RoomConfig) *Room {
	maps := make([]string, len(cfg.Maps))
	copy(maps, cfg.Maps)
	return &Room{
		ID:         cfg.ID,
		Name:       cfg.Name,
		Identifier: cfg.Identifier,
		Maps:       maps,
	}
}

// Members 当前推导出的成员（调用方需持有 Engine 的锁）
func (r *Room) Members() []*User {
	return r.members
}

// RoomSnapshot 房间的只读视图（HTTP 快照使用）
type RoomSnapshot struct {
	ID         int                `json:"id"`
	Name       string             `json:"name"`
	Identifier string             `json:"identifier"`
	Maps       []string           `json:"maps"`
	Users      []PlayerDefinition `json:"user_list"`
}

func (r *Room) snapshot() RoomSnapshot {
	users := make([]PlayerDefinition, 0, len(r.members))
	for _, u := range r.members {
		users = append(users, u.Definition())
	}
	maps := make([]string, len(r.Maps))
	copy(maps, r.Maps)
	return RoomSnapshot{
		ID:         r.ID,
		Name:       r.Name,
		Identifier: r.Identifier,
		Maps:       maps,
		Users:      users,
	}
}
