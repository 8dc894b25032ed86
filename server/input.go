package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// 入站帧两种形状：
//   单个事件 {"type":2,"data":{"x":1}}
//   批量外壳 {"events":[{...},{...}]}
// 任何一个事件不合法则整帧拒绝。

var validate = validator.New()

// inboundEvent 入站事件的公共外形；data 按类型延迟解码
type inboundEvent struct {
	Type      *EventType      `json:"type" validate:"required"`
	Timestamp *float64        `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Name      *string         `json:"name"`
	RoomID    *int            `json:"room_id"`
	Username  *string         `json:"username"`
}

type inboundCustom struct {
	Name *string `validate:"required"`
}

type inboundLeft struct {
	Username *string `json:"username" validate:"required"`
}

type inboundNotice struct {
	Text       *string `json:"text" validate:"required"`
	Persistent *bool   `json:"persistent"`
}

// DecodeFrame 解析一个入站帧，并将所有事件的 timestamp 覆盖为服务端接收时间（毫秒）
func DecodeFrame(frame []byte, receivedAt int64) ([]Event, error) {
	if !json.Valid(frame) {
		return nil, ErrSyntax
	}
	var top map[string]json.RawMessage
	if err := json.Unmarshal(frame, &top); err != nil {
		return nil, fmt.Errorf("%w: frame is not an object", ErrSchema)
	}

	var raws []json.RawMessage
	if list, ok := top["events"]; ok && !isNull(list) {
		if err := json.Unmarshal(list, &raws); err != nil {
			return nil, fmt.Errorf("%w: events must be a list", ErrSchema)
		}
	} else {
		raws = []json.RawMessage{frame}
	}

	events := make([]Event, 0, len(raws))
	for i, raw := range raws {
		ev, err := decodeEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", i, err)
		}
		ev.Timestamp = receivedAt
		if ev.Custom != nil {
			ev.Custom.Timestamp = receivedAt
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeEvent(raw []byte) (Event, error) {
	var in inboundEvent
	if err := strictUnmarshal(raw, &in); err != nil {
		return Event{}, err
	}
	if err := validate.Struct(in); err != nil {
		return Event{}, schemaError(err)
	}

	ev := Event{Type: *in.Type}
	if in.Timestamp != nil {
		ev.Timestamp = int64(*in.Timestamp)
	}
	switch *in.Type {
	case EventPlayerStateUpdate:
		if isNull(in.Data) {
			return Event{}, fmt.Errorf("%w: %v requires data", ErrSchema, ev.Type)
		}
		var st StateUpdate
		if err := strictUnmarshal(in.Data, &st); err != nil {
			return Event{}, err
		}
		ev.State = &st
	case EventCustom:
		if err := validate.Struct(inboundCustom{Name: in.Name}); err != nil {
			return Event{}, schemaError(err)
		}
		c := &CustomEvent{Name: *in.Name, RoomID: in.RoomID, Username: in.Username, Timestamp: ev.Timestamp}
		if !isNull(in.Data) {
			c.Data = NewDataMap()
			if err := strictUnmarshal(in.Data, c.Data); err != nil {
				return Event{}, err
			}
		}
		ev.Custom = c
	case EventPlayerLeft:
		if isNull(in.Data) {
			return Event{}, fmt.Errorf("%w: %v requires data", ErrSchema, ev.Type)
		}
		var left inboundLeft
		if err := strictUnmarshal(in.Data, &left); err != nil {
			return Event{}, err
		}
		if err := validate.Struct(left); err != nil {
			return Event{}, schemaError(err)
		}
		var def PlayerDefinition
		if err := strictUnmarshal(in.Data, &def); err != nil {
			return Event{}, err
		}
		ev.Left = &def
	case EventNotification:
		if isNull(in.Data) {
			return Event{}, fmt.Errorf("%w: %v requires data", ErrSchema, ev.Type)
		}
		var n inboundNotice
		if err := strictUnmarshal(in.Data, &n); err != nil {
			return Event{}, err
		}
		if err := validate.Struct(n); err != nil {
			return Event{}, schemaError(err)
		}
		ev.Notice = &Notice{Text: *n.Text, Persistent: n.Persistent}
	case EventPleaseLeave:
	default:
		return Event{}, fmt.Errorf("%w: unknown type %d", ErrSchema, int(*in.Type))
	}
	return ev, nil
}

// strictUnmarshal 类型不符统一归为 ErrSchema
func strictUnmarshal(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return nil
}

func schemaError(err error) error {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) {
		msgs := make([]string, 0, len(ve))
		for _, fe := range ve {
			msgs = append(msgs, strings.ToLower(fe.Field())+" is "+fe.Tag())
		}
		return fmt.Errorf("%w: %s", ErrSchema, strings.Join(msgs, "; "))
	}
	return fmt.Errorf("%w: %v", ErrSchema, err)
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
