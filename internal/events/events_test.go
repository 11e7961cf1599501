package events

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenerPanicIsIsolated(t *testing.T) {
	var buf bytes.Buffer
	bus := NewBus(zerolog.New(&buf))

	var got []string
	bus.Subscribe(UserJoined, func(Event) error {
		panic("boom")
	})
	bus.Subscribe(UserJoined, func(Event) error {
		return errors.New("bad listener")
	})
	bus.Subscribe(UserJoined, func(ev Event) error {
		got = append(got, ev.UserID)
		return nil
	})

	var n int
	require.NotPanics(t, func() {
		n = bus.Emit(Event{Type: UserJoined, UserID: "bob"})
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"bob"}, got)
	assert.Contains(t, buf.String(), "listener panic: boom")
	assert.Contains(t, buf.String(), "bad listener")
}

func TestSubscribeFiltersByType(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var typed, all int
	bus.Subscribe(DocumentEdited, func(Event) error { typed++; return nil })
	bus.Subscribe("", func(Event) error { all++; return nil })

	bus.Emit(Event{Type: DocumentEdited})
	bus.Emit(Event{Type: UserLeft})
	assert.Equal(t, 1, typed)
	assert.Equal(t, 2, all)
}

func TestUnsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var calls int
	stop := bus.Subscribe(LeftRoom, func(Event) error { calls++; return nil })
	bus.Emit(Event{Type: LeftRoom})
	stop()
	stop()
	bus.Emit(Event{Type: LeftRoom})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Len())
}

func TestListenerMayEmit(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var seen []Type
	bus.Subscribe(RoomCreated, func(Event) error {
		bus.Emit(Event{Type: JoinedRoom})
		return nil
	})
	bus.Subscribe("", func(ev Event) error { seen = append(seen, ev.Type); return nil })

	bus.Emit(Event{Type: RoomCreated})
	assert.Equal(t, []Type{JoinedRoom, RoomCreated}, seen)
}
