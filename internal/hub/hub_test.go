package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/directory"
	"collabtext/internal/journal"
	"collabtext/internal/ot"
	"collabtext/internal/session"
	"collabtext/internal/transport"
)

const waitFor = 5 * time.Second

func startHub(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	cfg.Logger = zerolog.Nop()
	h := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, h *Hub, srv *httptest.Server, user string) (*transport.WebSocketTransport, <-chan transport.Message) {
	t.Helper()
	tr, err := transport.Dial(context.Background(), transport.WebSocketConfig{
		URL:         wsURL(srv),
		UserID:      user,
		DialTimeout: waitFor,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	inbox := make(chan transport.Message, 64)
	tr.OnMessage(func(m transport.Message) { inbox <- m })
	t.Cleanup(func() { tr.Close() })
	require.Eventually(t, func() bool { return h.Online(user) }, waitFor, 10*time.Millisecond)
	return tr, inbox
}

func receive(t *testing.T, inbox <-chan transport.Message) transport.Message {
	t.Helper()
	select {
	case m := <-inbox:
		return m
	case <-time.After(waitFor):
		t.Fatal("no message received")
		return transport.Message{}
	}
}

func TestRelayDirectMessage(t *testing.T) {
	h, srv := startHub(t, Config{})
	alice, _ := dial(t, h, srv, "alice")
	_, bobInbox := dial(t, h, srv, "bob")

	inner, err := transport.NewMessage(transport.CursorUpdate, "room-1", transport.CursorPayload{DocID: "d1", UserID: "alice"})
	require.NoError(t, err)
	require.NoError(t, alice.Send(context.Background(), transport.Direct("bob", inner)))

	got := receive(t, bobInbox)
	assert.Equal(t, transport.CursorUpdate, got.Type)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "bob", got.TargetUser)
	assert.Equal(t, "room-1", got.RoomID)
	var p transport.CursorPayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, "d1", p.DocID)
}

func TestServerTargetIsJournaledAndAcknowledged(t *testing.T) {
	j := journal.NewMemory()
	h, srv := startHub(t, Config{Journal: j})
	alice, inbox := dial(t, h, srv, "alice")

	op := ot.NewInsert(0, "hi")
	op.ID = ot.OpID{User: "alice", Seq: 1}
	op.Origin = "alice"
	op.Lamport = 1
	change, err := transport.NewMessage(transport.DocumentChange, "room-1", transport.DocumentChangePayload{DocID: "d1", Operation: op, UserID: "alice"})
	require.NoError(t, err)
	require.NoError(t, alice.Send(context.Background(), transport.Direct(transport.ServerTarget, change)))

	ack := receive(t, inbox)
	require.Equal(t, transport.Ack, ack.Type)
	assert.Equal(t, transport.ServerTarget, ack.From)
	var p transport.AckPayload
	require.NoError(t, ack.Decode(&p))
	assert.Equal(t, "d1", p.DocID)
	assert.Equal(t, op.ID, p.OpID)

	ops := j.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, "alice#1", ops[0].OpID)
	assert.Equal(t, "insert", ops[0].Kind)
	assert.Equal(t, "room-1", ops[0].RoomID)
}

func TestUnknownTargetReportsError(t *testing.T) {
	h, srv := startHub(t, Config{})
	alice, inbox := dial(t, h, srv, "alice")

	inner, err := transport.NewMessage(transport.DirectMessage, "", transport.Text{Body: "anyone?"})
	require.NoError(t, err)
	require.NoError(t, alice.Send(context.Background(), transport.Direct("ghost", inner)))

	got := receive(t, inbox)
	require.Equal(t, transport.Error, got.Type)
	var p transport.ErrorPayload
	require.NoError(t, got.Decode(&p))
	assert.Equal(t, "unknown_target", p.Code)
}

func TestWebSocketRequiresUser(t *testing.T) {
	_, srv := startHub(t, Config{})
	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReconnectReplacesEarlierConnection(t *testing.T) {
	j := journal.NewMemory()
	h, srv := startHub(t, Config{Journal: j})
	first, _ := dial(t, h, srv, "alice")
	_, inbox := dial(t, h, srv, "alice")

	select {
	case <-first.Done():
	case <-time.After(waitFor):
		t.Fatal("earlier connection still open")
	}
	assert.Equal(t, 1, h.Clients())

	bob, _ := dial(t, h, srv, "bob")
	inner, err := transport.NewMessage(transport.DirectMessage, "", transport.Text{Body: "hi"})
	require.NoError(t, err)
	require.NoError(t, bob.Send(context.Background(), transport.Direct("alice", inner)))
	got := receive(t, inbox)
	assert.Equal(t, "bob", got.From)
}

func TestHealth(t *testing.T) {
	h, srv := startHub(t, Config{})
	dial(t, h, srv, "alice")

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestDirectoryOverHTTP(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	_, srv := startHub(t, Config{Journal: j})
	dir := directory.NewHTTPClient(wsURL(srv), nil)

	_, err := dir.Lookup(ctx, "missing")
	assert.ErrorIs(t, err, directory.ErrRoomNotFound)
	assert.ErrorIs(t, dir.AddMember(ctx, "missing", "alice"), directory.ErrRoomNotFound)
	assert.ErrorIs(t, dir.Announce(ctx, directory.RoomInfo{}), directory.ErrInvalidRoom)

	require.NoError(t, dir.Announce(ctx, directory.RoomInfo{ID: "r1", Name: "design", CreatorID: "alice"}))
	require.NoError(t, dir.AddMember(ctx, "r1", "alice"))
	require.NoError(t, dir.AddMember(ctx, "r1", "bob"))

	info, err := dir.Lookup(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "design", info.Name)
	assert.Equal(t, []string{"alice", "bob"}, info.Members)

	n, err := dir.RemoveMember(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = dir.RemoveMember(ctx, "r1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = dir.Lookup(ctx, "r1")
	assert.ErrorIs(t, err, directory.ErrRoomNotFound)

	kinds := make([]journal.Kind, 0)
	for _, ev := range j.RoomEvents() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []journal.Kind{
		journal.RoomAnnounced, journal.MemberJoined, journal.MemberJoined, journal.MemberLeft, journal.MemberLeft,
	}, kinds)
}

func newSession(t *testing.T, h *Hub, srv *httptest.Server, user string) *session.Manager {
	t.Helper()
	tr, _ := dial(t, h, srv, user)
	m := session.New(session.Config{
		Transport: tr,
		Directory: directory.NewHTTPClient(srv.URL, nil),
		Logger:    zerolog.Nop(),
	})
	m.SetCurrentUser(session.User{ID: user})
	return m
}

func TestSessionsCollaborateThroughHub(t *testing.T) {
	ctx := context.Background()
	h, srv := startHub(t, Config{})
	alice := newSession(t, h, srv, "alice")
	bob := newSession(t, h, srv, "bob")

	roomID, err := alice.CreateRoom(ctx, "design", session.RoomOptions{})
	require.NoError(t, err)
	docID, err := alice.CreateSharedDocument(ctx, "notes", "hello", "")
	require.NoError(t, err)
	_, err = alice.Insert(ctx, docID, 5, " world")
	require.NoError(t, err)

	require.NoError(t, bob.JoinRoom(ctx, roomID, nil))
	require.Eventually(t, func() bool {
		d, ok := bob.Document(docID)
		return ok && d.Content() == "hello world"
	}, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		r, ok := alice.Room(roomID)
		_, member := r.Members["bob"]
		return ok && member
	}, waitFor, 10*time.Millisecond)

	_, err = bob.Replace(ctx, docID, 0, 1, "H")
	require.NoError(t, err)
	_, err = alice.Insert(ctx, docID, 11, "!")
	require.NoError(t, err)

	aDoc, _ := alice.Document(docID)
	bDoc, _ := bob.Document(docID)
	require.Eventually(t, func() bool {
		return aDoc.Version() == 3 && bDoc.Version() == 3
	}, waitFor, 10*time.Millisecond)
	assert.Equal(t, "Hello world!", aDoc.Content())
	assert.Equal(t, aDoc.Digest(), bDoc.Digest())

	loop := bob.SyncLoop(0)
	assert.Equal(t, 1, loop.Tick(ctx))
	require.Eventually(t, func() bool {
		ops := bDoc.Operations()
		for _, op := range ops {
			if op.Origin == "bob" && op.State != ot.StateAcknowledged {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)
}

func TestRedisRouterSpansHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	newRouter := func() *RedisRouter {
		r := NewRedisRouter(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())
		t.Cleanup(func() { r.Close() })
		return r
	}
	h1, srv1 := startHub(t, Config{Router: newRouter()})
	h2, srv2 := startHub(t, Config{Router: newRouter()})
	alice, _ := dial(t, h1, srv1, "alice")
	_, bobInbox := dial(t, h2, srv2, "bob")

	inner, err := transport.NewMessage(transport.DirectMessage, "", transport.Text{Body: "across"})
	require.NoError(t, err)
	require.NoError(t, alice.Send(context.Background(), transport.Direct("bob", inner)))

	got := receive(t, bobInbox)
	assert.Equal(t, "alice", got.From)
	var text transport.Text
	require.NoError(t, got.Decode(&text))
	assert.Equal(t, "across", text.Body)
}
