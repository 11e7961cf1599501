package transport

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/ot"
)

func collect(t *MemoryTransport) *[]Message {
	var got []Message
	t.OnMessage(func(m Message) { got = append(got, m) })
	return &got
}

func TestMemoryHubRelaysDirectMessages(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Connect("alice")
	bob := hub.Connect("bob")
	gotBob := collect(bob)
	gotAlice := collect(alice)

	inner, err := NewMessage(CursorUpdate, "room1", CursorPayload{DocID: "d", UserID: "alice"})
	require.NoError(t, err)
	require.NoError(t, alice.Send(context.Background(), Direct("bob", inner)))

	require.Len(t, *gotBob, 1)
	m := (*gotBob)[0]
	assert.Equal(t, CursorUpdate, m.Type)
	assert.Equal(t, "alice", m.From)
	assert.Equal(t, "room1", m.RoomID)
	assert.Empty(t, *gotAlice)
	assert.Len(t, hub.DeliveredOfType(CursorUpdate), 1)
}

func TestMemoryHubUnknownTarget(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Connect("alice")
	got := collect(alice)

	require.NoError(t, alice.Send(context.Background(), Direct("nobody", Message{Type: PresenceSync})))
	require.Len(t, *got, 1)
	assert.Equal(t, Error, (*got)[0].Type)
	assert.Empty(t, hub.Delivered())

	err := alice.Send(context.Background(), Message{Type: PresenceSync})
	assert.ErrorIs(t, err, ErrSendFailed)
}

func TestMemoryHubAcknowledgesServerRelay(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Connect("alice")
	got := collect(alice)

	change, err := NewMessage(DocumentChange, "room1", DocumentChangePayload{
		DocID:     "doc1",
		Operation: ot.Operation{ID: ot.OpID{User: "alice", Seq: 3}},
		UserID:    "alice",
	})
	require.NoError(t, err)
	require.NoError(t, alice.Send(context.Background(), Direct(ServerTarget, change)))

	require.Len(t, hub.ServerMessages(), 1)
	require.Len(t, *got, 1)
	ack := (*got)[0]
	assert.Equal(t, Ack, ack.Type)
	var p AckPayload
	require.NoError(t, ack.Decode(&p))
	assert.Equal(t, "doc1", p.DocID)
	assert.Equal(t, ot.OpID{User: "alice", Seq: 3}, p.OpID)
}

func TestMemoryPeerLink(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Connect("alice")
	bob := hub.Connect("bob")
	got := collect(bob)

	var streams []RemoteStream
	bob.OnRemoteStream(func(s RemoteStream) { streams = append(streams, s) })

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "alice-voice")
	require.NoError(t, err)

	link, err := alice.CreatePeerLink(context.Background(), "bob", &MediaStream{ID: "alice-voice", Tracks: []webrtc.TrackLocal{track}})
	require.NoError(t, err)
	assert.True(t, link.State().Open())
	require.Len(t, streams, 1)
	assert.Equal(t, "alice", streams[0].UserID)
	assert.Equal(t, "audio", streams[0].Kind)

	back, ok := bob.PeerLink("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", back.UserID())

	msg, err := NewMessage(DirectMessage, "room1", Text{Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, link.Send(context.Background(), msg))
	require.Len(t, *got, 1)
	assert.Equal(t, "alice", (*got)[0].From)
	var text Text
	require.NoError(t, (*got)[0].Decode(&text))
	assert.Equal(t, "hi", text.Body)
	assert.Len(t, hub.Frames(), 1)
	assert.Empty(t, hub.Delivered())

	require.NoError(t, alice.ClosePeerLink("bob"))
	_, ok = bob.PeerLink("alice")
	assert.False(t, ok)
	assert.Equal(t, StateClosed, link.State().DataChannel)
	assert.ErrorIs(t, link.Send(context.Background(), msg), ErrSendFailed)
}

func TestMemoryPeerLinkRequiresConnectedPeer(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Connect("alice")
	_, err := alice.CreatePeerLink(context.Background(), "bob", nil)
	assert.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestClosedTransport(t *testing.T) {
	hub := NewMemoryHub()
	alice := hub.Connect("alice")
	hub.Connect("bob")
	require.NoError(t, alice.Close())
	assert.ErrorIs(t, alice.Send(context.Background(), Direct("bob", Message{Type: PresenceSync})), ErrClosed)
}

func TestFrameCodecKeepsEnvelope(t *testing.T) {
	inner, err := NewMessage(SelectionUpdate, "room1", map[string]int{"start": 1})
	require.NoError(t, err)
	in := Direct("bob", inner)
	in.From = "alice"

	frame, err := EncodeFrame(in)
	require.NoError(t, err)
	out, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, in.Type, out.Type)
	require.NotNil(t, out.Message)
	assert.JSONEq(t, string(inner.Payload), string(out.Message.Payload))
}

func TestUnwrap(t *testing.T) {
	target, out, ok := Unwrap("alice", Direct("bob", Message{Type: UserLeft, RoomID: "r"}))
	require.True(t, ok)
	assert.Equal(t, "bob", target)
	assert.Equal(t, UserLeft, out.Type)
	assert.Equal(t, "alice", out.From)

	target, out, ok = Unwrap("alice", Message{Type: Offer, TargetUser: "carol"})
	require.True(t, ok)
	assert.Equal(t, "carol", target)
	assert.Equal(t, Offer, out.Type)

	_, _, ok = Unwrap("alice", Message{Type: PresenceSync})
	assert.False(t, ok)
}
