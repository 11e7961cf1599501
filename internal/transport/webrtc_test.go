package transport_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabtext/internal/hub"
	"collabtext/internal/transport"
)

const linkWait = 15 * time.Second

type peer struct {
	tr *transport.WebSocketTransport

	mu      sync.Mutex
	msgs    []transport.Message
	streams []transport.RemoteStream
}

func (p *peer) received(typ transport.MessageType, from string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.msgs {
		if m.Type == typ && m.From == from {
			return true
		}
	}
	return false
}

func (p *peer) stream(kind string) (transport.RemoteStream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.streams {
		if s.Kind == kind {
			return s, true
		}
	}
	return transport.RemoteStream{}, false
}

func startHub(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	h := hub.New(hub.Config{Logger: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func connect(t *testing.T, h *hub.Hub, url, user string) *peer {
	t.Helper()
	tr, err := transport.Dial(context.Background(), transport.WebSocketConfig{
		URL:         url,
		UserID:      user,
		DialTimeout: linkWait,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	p := &peer{tr: tr}
	tr.OnMessage(func(m transport.Message) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.msgs = append(p.msgs, m)
	})
	tr.OnRemoteStream(func(s transport.RemoteStream) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.streams = append(p.streams, s)
	})
	t.Cleanup(func() { tr.Close() })
	require.Eventually(t, func() bool { return h.Online(user) }, linkWait, 10*time.Millisecond)
	return p
}

func requireOpen(t *testing.T, p *peer, other string) transport.PeerLink {
	t.Helper()
	var link transport.PeerLink
	require.Eventually(t, func() bool {
		l, ok := p.tr.PeerLink(other)
		if !ok || !l.State().Open() {
			return false
		}
		link = l
		return true
	}, linkWait, 20*time.Millisecond)
	return link
}

func requireFrame(t *testing.T, from *peer, link transport.PeerLink, to *peer, typ transport.MessageType) {
	t.Helper()
	msg, err := transport.NewMessage(typ, "room1", transport.CursorPayload{DocID: "d", UserID: from.tr.UserID()})
	require.NoError(t, err)
	require.NoError(t, link.Send(context.Background(), msg))
	require.Eventually(t, func() bool { return to.received(typ, from.tr.UserID()) }, linkWait, 10*time.Millisecond)
}

func TestPeerLinkCarriesFrames(t *testing.T) {
	h, url := startHub(t)
	alice := connect(t, h, url, "alice")
	bob := connect(t, h, url, "bob")

	_, err := alice.tr.CreatePeerLink(context.Background(), "bob", nil)
	require.NoError(t, err)

	toBob := requireOpen(t, alice, "bob")
	toAlice := requireOpen(t, bob, "alice")
	assert.Equal(t, "bob", toBob.UserID())
	assert.Equal(t, "alice", toAlice.UserID())

	requireFrame(t, alice, toBob, bob, transport.CursorUpdate)
	requireFrame(t, bob, toAlice, alice, transport.SelectionUpdate)

	require.NoError(t, alice.tr.ClosePeerLink("bob"))
	_, ok := alice.tr.PeerLink("bob")
	assert.False(t, ok)
}

func TestMediaOnExistingLinkRenegotiates(t *testing.T) {
	h, url := startHub(t)
	alice := connect(t, h, url, "alice")
	bob := connect(t, h, url, "bob")

	ctx := context.Background()
	first, err := alice.tr.CreatePeerLink(ctx, "bob", nil)
	require.NoError(t, err)
	requireOpen(t, alice, "bob")
	requireOpen(t, bob, "alice")
	assert.Zero(t, transport.LocalTrackCount(first))

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "voice", "alice-voice")
	require.NoError(t, err)
	stream := &transport.MediaStream{ID: "alice-voice", Tracks: []webrtc.TrackLocal{track}}

	second, err := alice.tr.CreatePeerLink(ctx, "bob", stream)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, transport.LocalTrackCount(second))

	// offering the same stream again adds nothing
	again, err := alice.tr.CreatePeerLink(ctx, "bob", stream)
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, 1, transport.LocalTrackCount(again))

	done := make(chan struct{})
	defer close(done)
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				_ = track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
			}
		}
	}()

	require.Eventually(t, func() bool {
		_, ok := bob.stream("audio")
		return ok
	}, linkWait, 20*time.Millisecond)
	got, _ := bob.stream("audio")
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "alice-voice", got.StreamID)

	toAlice := requireOpen(t, bob, "alice")
	requireFrame(t, alice, second, bob, transport.CursorUpdate)
	requireFrame(t, bob, toAlice, alice, transport.CursorUpdate)
}

func TestSimultaneousOffersSettleOnOneLink(t *testing.T) {
	h, url := startHub(t)
	alice := connect(t, h, url, "alice")
	bob := connect(t, h, url, "bob")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, p := range []struct {
		from *peer
		to   string
	}{{alice, "bob"}, {bob, "alice"}} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = p.from.tr.CreatePeerLink(context.Background(), p.to, nil)
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	toBob := requireOpen(t, alice, "bob")
	toAlice := requireOpen(t, bob, "alice")
	requireFrame(t, alice, toBob, bob, transport.CursorUpdate)
	requireFrame(t, bob, toAlice, alice, transport.CursorUpdate)

	// the links stay put once settled
	again, ok := alice.tr.PeerLink("bob")
	require.True(t, ok)
	assert.Same(t, toBob, again)
}
