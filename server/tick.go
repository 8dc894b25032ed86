package server

import (
	"context"
	"time"
)

// Run 固定延迟调度：上一个 Tick 的同步部分结束后才开始计时下一个，Tick 之间不会重叠
func (e *Engine) Run(ctx context.Context) {
	timer := time.NewTimer(e.opts.TickPeriod)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.Tick()
			timer.Reset(e.opts.TickPeriod)
		}
	}
}

// Tick 推进一次：收集变化 -> 重算成员 -> 房间切换处理 -> 排队差量 -> 统一发送 -> 写回计时
// 返回本次批量发送的帧数
func (e *Engine) Tick() int {
	start := time.Now()
	e.mu.Lock()
	frames := e.tickLocked()
	e.mu.Unlock()
	e.stats.AddTick(time.Since(start), frames, e.opts.Now())
	return frames
}

type roomUpdate struct {
	roomID int
	event  Event
}

func (e *Engine) tickLocked() int {
	now := e.opts.Now().UnixMilli()
	users := e.userList()

	var updated []*User
	for _, u := range users {
		// 还在等客户端的首个状态
		if u.State == AwaitingInitialState {
			continue
		}
		if u.Dirty {
			u.Dirty = false
			updated = append(updated, u)
		}
	}

	e.rooms.Refresh(users)

	var updates []roomUpdate
	for _, u := range updated {
		if u.RoomID == nil {
			continue
		}
		prev, hasPrev := e.previous[u.Username]
		current := u.Definition()

		switched := hasPrev && prev.RoomID != nil && !sameRoom(prev.RoomID, current.RoomID)

		// 换房时发送全量快照而不是差量：新房间的成员没有该用户的任何状态
		var data PlayerDefinition
		if hasPrev && !switched {
			data = u.DefinitionDiff(prev)
		} else {
			data = current.Clone()
		}

		if u.State == NeedsFullRoomRefresh || switched {
			u.State = Joined
			e.enterRoomLocked(u, prev, current, now)
		}

		e.previous[u.Username] = current

		if hasPrev && !switched && data.IsEmpty() {
			continue
		}
		data.Username = u.Username
		updates = append(updates, roomUpdate{roomID: *current.RoomID, event: NewStateUpdate(data, now)})
	}

	for _, up := range updates {
		e.broadcastToRoom(up.roomID, up.event, false)
	}
	frames := e.registry.FlushAll()

	e.sinceWrite += e.opts.TickPeriod
	if e.sinceWrite >= e.opts.WriteInterval {
		e.writeBackLocked()
	}
	return frames
}

// enterRoomLocked 旧房间的成员立即收到 PlayerLeft；新房间其他成员的全量快照只单播给该用户，
// 且先于本 Tick 的批量差量送达
func (e *Engine) enterRoomLocked(u *User, prev, current PlayerDefinition, now int64) {
	if prev.RoomID != nil && !sameRoom(prev.RoomID, current.RoomID) {
		e.log.Infow("user left room", "username", u.Username, "room", *prev.RoomID)
		e.broadcastToRoom(*prev.RoomID, NewPlayerLeft(PlayerDefinition{Username: u.Username}, now), true)
	}
	if current.RoomID == nil {
		return
	}
	r, ok := e.rooms.Get(*current.RoomID)
	if !ok {
		return
	}
	for _, other := range r.Members() {
		if other == u {
			continue
		}
		ev := NewStateUpdate(other.Definition(), now)
		ev.State.Immediate = ptr(true)
		e.registry.Enqueue(u.Username, ev, false)
	}
	e.registry.Flush(u.Username)
}

// writeBackLocked 按写回间隔累计，满一个备份间隔时请求备份
func (e *Engine) writeBackLocked() {
	e.sinceWrite = 0
	e.sinceBackup += e.opts.WriteInterval
	e.persistLocked()
	if e.opts.BackupInterval > 0 && e.sinceBackup >= e.opts.BackupInterval {
		e.sinceBackup = 0
		e.writer.SubmitBackup()
	}
}
