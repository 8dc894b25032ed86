package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// EventType 线路消息的数字判别字段
type EventType int

const (
	// EventPlayerStateUpdate 玩家位置 / 服装 / 房间 / data 变化
	EventPlayerStateUpdate EventType = 2
	// EventCustom 自定义事件（表情、小游戏动作等），在房间内转发
	EventCustom EventType = 3
	// EventPlayerLeft 玩家离开房间或断开
	EventPlayerLeft EventType = 4
	// EventNotification 服务器公告
	EventNotification EventType = 12
	// EventPleaseLeave 强制断开前的告知
	EventPleaseLeave EventType = 74
)

func (t EventType) String() string {
	switch t {
	case EventPlayerStateUpdate:
		return "PlayerStateUpdate"
	case EventCustom:
		return "CustomEvent"
	case EventPlayerLeft:
		return "PlayerLeft"
	case EventNotification:
		return "NotificationMessage"
	case EventPleaseLeave:
		return "PleaseLeave"
	default:
		return "EventType(" + strconv.Itoa(int(t)) + ")"
	}
}

var (
	// ErrSyntax 帧无法被解析为结构化数据（非 JSON）
	ErrSyntax = errors.New("protocol: malformed frame")
	// ErrSchema 帧是合法 JSON，但不符合任何事件的结构
	ErrSchema = errors.New("protocol: invalid event")
)

// PlayerDefinition 可同步的玩家字段快照；指针字段为 nil 表示“未变化/缺省”
type PlayerDefinition struct {
	Username  string   `json:"username,omitempty"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	SX        *float64 `json:"sx,omitempty"`
	Costume   *string  `json:"costume,omitempty"`
	RoomID    *int     `json:"room_id,omitempty"`
	Data      *DataMap `json:"data,omitempty"`
	Timestamp *int64   `json:"timestamp,omitempty"`
}

// IsEmpty 判断差量是否为空（username 与 timestamp 不计入）
func (d PlayerDefinition) IsEmpty() bool {
	return d.X == nil && d.Y == nil && d.SX == nil && d.Costume == nil &&
		d.RoomID == nil && d.Data.Len() == 0
}

// Clone 深拷贝（data 与各指针字段都不与原值共享）
func (d PlayerDefinition) Clone() PlayerDefinition {
	out := PlayerDefinition{Username: d.Username, Data: d.Data.Clone()}
	out.X = clonePtr(d.X)
	out.Y = clonePtr(d.Y)
	out.SX = clonePtr(d.SX)
	out.Costume = clonePtr(d.Costume)
	out.RoomID = clonePtr(d.RoomID)
	out.Timestamp = clonePtr(d.Timestamp)
	return out
}

// StateUpdate PlayerStateUpdate 的负载：部分定义 + 客户端标志
type StateUpdate struct {
	PlayerDefinition
	Immediate       *bool `json:"immediate,omitempty"`
	RequestFullRoom *bool `json:"request_full_room,omitempty"`
}

// CustomEvent 自定义事件；username / room_id 由服务端覆盖，防止伪造
type CustomEvent struct {
	Name      string
	Data      *DataMap
	RoomID    *int
	Username  *string
	Timestamp int64
}

// Notice NotificationMessage 的负载
type Notice struct {
	Text       string `json:"text"`
	Persistent *bool  `json:"persistent,omitempty"`
}

// Event 线路上的单个事件；按 Type 只有对应的负载字段非空
type Event struct {
	Type      EventType
	Timestamp int64

	State  *StateUpdate
	Custom *CustomEvent
	Left   *PlayerDefinition
	Notice *Notice
}

// Envelope 出站帧统一使用的批量外壳
type Envelope struct {
	Events []Event `json:"events"`
}

func NewStateUpdate(def PlayerDefinition, ts int64) Event {
	return Event{Type: EventPlayerStateUpdate, Timestamp: ts, State: &StateUpdate{PlayerDefinition: def}}
}

func NewPlayerLeft(def PlayerDefinition, ts int64) Event {
	return Event{Type: EventPlayerLeft, Timestamp: ts, Left: &def}
}

func NewNotice(text string, persistent bool, ts int64) Event {
	return Event{Type: EventNotification, Timestamp: ts, Notice: &Notice{Text: text, Persistent: &persistent}}
}

func NewPleaseLeave(ts int64) Event {
	return Event{Type: EventPleaseLeave, Timestamp: ts}
}

// wireEvent 出站事件的 JSON 形状
type wireEvent struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Name      *string     `json:"name,omitempty"`
	RoomID    *int        `json:"room_id,omitempty"`
	Username  *string     `json:"username,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Type, Timestamp: e.Timestamp}
	switch e.Type {
	case EventPlayerStateUpdate:
		if e.State == nil {
			return nil, fmt.Errorf("%v: missing state", e.Type)
		}
		w.Data = e.State
	case EventCustom:
		if e.Custom == nil {
			return nil, fmt.Errorf("%v: missing payload", e.Type)
		}
		name := e.Custom.Name
		w.Name = &name
		w.RoomID = e.Custom.RoomID
		w.Username = e.Custom.Username
		if e.Custom.Data != nil {
			w.Data = e.Custom.Data
		}
	case EventPlayerLeft:
		if e.Left == nil {
			return nil, fmt.Errorf("%v: missing payload", e.Type)
		}
		w.Data = e.Left
	case EventNotification:
		if e.Notice == nil {
			return nil, fmt.Errorf("%v: missing payload", e.Type)
		}
		w.Data = e.Notice
	case EventPleaseLeave:
	default:
		return nil, fmt.Errorf("unknown event type %d", int(e.Type))
	}
	return json.Marshal(w)
}

// UnmarshalJSON 严格按事件类型的结构校验；任何字段类型不符都会返回 ErrSchema
func (e *Event) UnmarshalJSON(b []byte) error {
	ev, err := decodeEvent(b)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

// EncodeEnvelope 将若干事件编码为一个出站帧
func EncodeEnvelope(events []Event) ([]byte, error) {
	return json.Marshal(Envelope{Events: events})
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T { return &v }
