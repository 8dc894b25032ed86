package server

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFrame_SingleEvent(t *testing.T) {
	evs, err := DecodeFrame([]byte(`{"type":2,"data":{"x":1.5,"costume":"elf"}}`), 1234)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	ev := evs[0]
	assert.Equal(t, EventPlayerStateUpdate, ev.Type)
	assert.Equal(t, int64(1234), ev.Timestamp)
	assert.Equal(t, 1.5, *ev.State.X)
	assert.Equal(t, "elf", *ev.State.Costume)
	assert.Nil(t, ev.State.Y)
}

func TestDecodeFrame_Envelope(t *testing.T) {
	frame := `{"events":[{"type":2,"data":{"x":1}},{"type":3,"name":"wave","data":{"n":1}}]}`
	evs, err := DecodeFrame([]byte(frame), 99)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, EventPlayerStateUpdate, evs[0].Type)
	assert.Equal(t, EventCustom, evs[1].Type)
	assert.Equal(t, "wave", evs[1].Custom.Name)
	assert.Equal(t, int64(99), evs[1].Custom.Timestamp)
}

func TestDecodeFrame_ServerTimestampWins(t *testing.T) {
	evs, err := DecodeFrame([]byte(`{"type":2,"timestamp":1,"data":{"timestamp":2}}`), 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), evs[0].Timestamp)
}

func TestDecodeFrame_SyntaxVersusSchema(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"not json", `hello`, ErrSyntax},
		{"truncated", `{"type":2,`, ErrSyntax},
		{"array", `[1,2]`, ErrSchema},
		{"missing type", `{"data":{}}`, ErrSchema},
		{"unknown type", `{"type":42}`, ErrSchema},
		{"wrong field type", `{"type":2,"data":{"x":"left"}}`, ErrSchema},
		{"state without data", `{"type":2}`, ErrSchema},
		{"custom without name", `{"type":3,"data":{}}`, ErrSchema},
		{"events not a list", `{"events":{"type":2}}`, ErrSchema},
		{"data not an object", `{"type":2,"data":{"data":[1]}}`, ErrSchema},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(tt.frame), 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDecodeFrame_RejectsWholeFrame(t *testing.T) {
	frame := `{"events":[{"type":2,"data":{"x":1}},{"type":2,"data":{"x":"bad"}}]}`
	evs, err := DecodeFrame([]byte(frame), 0)
	assert.ErrorIs(t, err, ErrSchema)
	assert.Nil(t, evs)
}

func TestDecodeFrame_IgnoresUnknownFields(t *testing.T) {
	evs, err := DecodeFrame([]byte(`{"type":2,"extra":true,"data":{"x":1,"hp":7}}`), 0)
	require.NoError(t, err)
	assert.Equal(t, 1.0, *evs[0].State.X)
}

func TestEvent_CustomWireShape(t *testing.T) {
	ev := Event{Type: EventCustom, Timestamp: 7, Custom: &CustomEvent{
		Name:     "wave",
		Data:     mustDataMap(t, `{"k":"v"}`),
		RoomID:   ptr(2),
		Username: ptr("alice"),
	}}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":3,"name":"wave","data":{"k":"v"},"room_id":2,"username":"alice","timestamp":7}`, string(b))
}

func TestEncodeEnvelope_RoundTrip(t *testing.T) {
	events := []Event{
		NewStateUpdate(PlayerDefinition{Username: "bob", X: ptr(1.0), Data: mustDataMap(t, `{"a":[1]}`)}, 10),
		NewPlayerLeft(PlayerDefinition{Username: "carol"}, 11),
		NewNotice("hello", false, 12),
		NewPleaseLeave(13),
	}
	frame, err := EncodeEnvelope(events)
	require.NoError(t, err)

	got, err := DecodeFrame(frame, 0)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "bob", got[0].State.Username)
	assert.True(t, got[0].State.Data.Equal(events[0].State.Data))
	assert.Equal(t, "carol", got[1].Left.Username)
	assert.Equal(t, "hello", got[2].Notice.Text)
	assert.False(t, *got[2].Notice.Persistent)
	assert.Equal(t, EventPleaseLeave, got[3].Type)
}

func TestEvent_MarshalRequiresPayload(t *testing.T) {
	_, err := json.Marshal(Event{Type: EventPlayerLeft})
	assert.Error(t, err)
	_, err = json.Marshal(Event{Type: EventType(9)})
	assert.Error(t, err)
}
