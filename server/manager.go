package server

import "fmt"

// RoomDirectory 管理全部已配置房间；运行期不增删房间
// 成员推导与读取都发生在 Engine 的锁内，这里不再单独加锁
type RoomDirectory struct {
	rooms map[int]*Room
	order []int
}

// NewRoomDirectory 按配置顺序创建房间，id 重复时报错
func NewRoomDirectory(cfgs []RoomConfig) (*RoomDirectory, error) {
	d := &RoomDirectory{rooms: make(map[int]*Room, len(cfgs))}
	for _, c := range cfgs {
		if _, dup := d.rooms[c.ID]; dup {
			return nil, fmt.Errorf("room %d configured twice", c.ID)
		}
		d.rooms[c.ID] = NewRoom(c)
		d.order = append(d.order, c.ID)
	}
	return d, nil
}

// Get 按 id 查找房间
func (d *RoomDirectory) Get(id int) (*Room, bool) {
	r, ok := d.rooms[id]
	return r, ok
}

// Has 报告 id 是否为已配置房间
func (d *RoomDirectory) Has(id int) bool {
	_, ok := d.rooms[id]
	return ok
}

// All 按配置顺序返回房间
func (d *RoomDirectory) All() []*Room {
	out := make([]*Room, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.rooms[id])
	}
	return out
}

// Refresh 根据玩家当前 room_id 重新推导各房间成员
func (d *RoomDirectory) Refresh(users []*User) {
	for _, r := range d.rooms {
		r.members = nil
	}
	for _, u := range users {
		if u.RoomID == nil {
			continue
		}
		if r, ok := d.rooms[*u.RoomID]; ok {
			r.members = append(r.members, u)
		}
	}
}
