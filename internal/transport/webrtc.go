package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

// rtcLink is a pion PeerConnection to one remote user. Candidates that
// arrive before the remote description are held until it is set.
type rtcLink struct {
	t    *WebSocketTransport
	peer string
	pc   *webrtc.PeerConnection

	// neg serializes offer/answer exchanges. pendingOffer records that an
	// offer is owed once the signaling state is stable again.
	neg          sync.Mutex
	pendingOffer bool
	// established is set once the first offer/answer exchange completed;
	// later offers on the link renegotiate it.
	established atomic.Bool

	mu         sync.Mutex
	dc         *webrtc.DataChannel
	remoteSet  bool
	candidates []webrtc.ICECandidateInit
}

func (l *rtcLink) UserID() string { return l.peer }

func (l *rtcLink) State() LinkState {
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	s := LinkState{Connection: l.pc.ConnectionState().String(), DataChannel: StateConnecting}
	if dc != nil {
		s.DataChannel = dc.ReadyState().String()
	}
	return s
}

func (l *rtcLink) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	l.mu.Lock()
	dc := l.dc
	l.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return fmt.Errorf("%w: link to %s is not open", ErrSendFailed, l.peer)
	}
	m.From = l.t.cfg.UserID
	m.TargetUser = l.peer
	frame, err := EncodeFrame(m)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if err := dc.Send(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return nil
}

func (l *rtcLink) Close() error {
	l.t.mu.Lock()
	if l.t.peers[l.peer] == l {
		delete(l.t.peers, l.peer)
	}
	l.t.mu.Unlock()
	return l.pc.Close()
}

func (l *rtcLink) attach(dc *webrtc.DataChannel) {
	l.mu.Lock()
	l.dc = dc
	l.mu.Unlock()

	log := l.t.log.With().Str("peer", l.peer).Str("label", dc.Label()).Logger()
	dc.OnOpen(func() {
		log.Debug().Msg("data channel open")
	})
	dc.OnClose(func() {
		log.Debug().Msg("data channel closed")
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		m, err := DecodeFrame(msg.Data)
		if err != nil {
			log.Error().Err(err).Msg("dropping frame")
			return
		}
		m.From = l.peer
		l.t.dispatch(m)
	})
}

func (l *rtcLink) addCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.candidates = append(l.candidates, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(c)
}

func (l *rtcLink) setRemote(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	l.mu.Lock()
	l.remoteSet = true
	held := l.candidates
	l.candidates = nil
	l.mu.Unlock()
	for _, c := range held {
		if err := l.pc.AddICECandidate(c); err != nil {
			return err
		}
	}
	return nil
}

// offer sends a new offer, or marks one as owed while an exchange is in
// flight.
func (l *rtcLink) offer(ctx context.Context) error {
	l.neg.Lock()
	if l.pc.SignalingState() != webrtc.SignalingStateStable {
		l.pendingOffer = true
		l.neg.Unlock()
		return nil
	}
	l.pendingOffer = false
	offer, err := l.pc.CreateOffer(nil)
	if err == nil {
		err = l.pc.SetLocalDescription(offer)
	}
	l.neg.Unlock()
	if err != nil {
		return err
	}
	return l.t.signalFor(ctx, l, Offer, SessionDescriptionPayload{SDP: offer.SDP})
}

// settle sends the offer owed from an earlier call to offer or a rollback.
func (l *rtcLink) settle() {
	l.neg.Lock()
	owed := l.pendingOffer
	l.neg.Unlock()
	if !owed {
		return
	}
	if err := l.offer(context.Background()); err != nil {
		l.t.log.Warn().Err(err).Str("peer", l.peer).Msg("sending owed offer")
	}
}

func (l *rtcLink) acceptAnswer(sdp string) error {
	l.neg.Lock()
	err := l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
	if err == nil {
		l.established.Store(true)
	}
	l.neg.Unlock()
	if err != nil {
		return err
	}
	l.settle()
	return nil
}

// answerLocked applies a remote offer and returns the local answer. The
// caller holds neg.
func (l *rtcLink) answerLocked(sdp string) (string, error) {
	if err := l.setRemote(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	l.established.Store(true)
	return answer.SDP, nil
}

// renegotiate answers an offer on an established link. When both sides
// offered at once the smaller user id wins; the other side rolls back its
// offer and sends it again after answering.
func (l *rtcLink) renegotiate(sdp string) error {
	l.neg.Lock()
	if l.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		if l.peer > l.t.cfg.UserID {
			l.neg.Unlock()
			l.t.log.Debug().Str("peer", l.peer).Msg("ignoring renegotiation, local offer wins")
			return nil
		}
		if err := l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			l.neg.Unlock()
			return fmt.Errorf("rolling back offer: %w", err)
		}
		l.pendingOffer = true
	}
	answer, err := l.answerLocked(sdp)
	l.neg.Unlock()
	if err != nil {
		return err
	}
	if err := l.t.signal(context.Background(), Answer, l.peer, SessionDescriptionPayload{SDP: answer}); err != nil {
		return err
	}
	l.settle()
	return nil
}

// addTracks adds the tracks not already sent on the link and reports how
// many were added.
func (l *rtcLink) addTracks(tracks []webrtc.TrackLocal) (int, error) {
	l.neg.Lock()
	defer l.neg.Unlock()
	sending := make(map[string]bool)
	for _, tr := range l.localTracks() {
		sending[tr.StreamID()+"/"+tr.ID()] = true
	}
	added := 0
	for _, tr := range tracks {
		if sending[tr.StreamID()+"/"+tr.ID()] {
			continue
		}
		if _, err := l.pc.AddTrack(tr); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

func (l *rtcLink) localTracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	for _, s := range l.pc.GetSenders() {
		if tr := s.Track(); tr != nil {
			out = append(out, tr)
		}
	}
	return out
}

func (l *rtcLink) alive() bool {
	switch l.pc.ConnectionState() {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		return false
	}
	return true
}

func (t *WebSocketTransport) newLink(peer string) (*rtcLink, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: t.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	link := &rtcLink{t: t, peer: peer, pc: pc}
	log := t.log.With().Str("peer", peer).Logger()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		err := t.signal(context.Background(), ICECandidate, peer, ICECandidatePayload{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
		if err != nil {
			log.Warn().Err(err).Msg("sending ice candidate")
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("state", s.String()).Msg("peer connection state")
		if s == webrtc.PeerConnectionStateClosed {
			t.mu.Lock()
			if t.peers[peer] == link {
				delete(t.peers, peer)
			}
			t.mu.Unlock()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != DataChannelLabel {
			dc.Close()
			return
		}
		link.attach(dc)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.dispatchStream(RemoteStream{
			UserID:   peer,
			StreamID: track.StreamID(),
			Kind:     track.Kind().String(),
			Track:    track,
		})
	})
	return link, nil
}

func (t *WebSocketTransport) signal(ctx context.Context, typ MessageType, peer string, payload any) error {
	m, err := NewMessage(typ, "", payload)
	if err != nil {
		return err
	}
	m.TargetUser = peer
	return t.Send(ctx, m)
}

// signalFor sends a signal for link unless the link has been replaced. The
// check and the enqueue happen under the peer table lock, so a signal of a
// replaced link never follows the replacement's answer.
func (t *WebSocketTransport) signalFor(ctx context.Context, l *rtcLink, typ MessageType, payload any) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.peers[l.peer] != l {
		return fmt.Errorf("%w: link to %s was replaced", ErrPeerUnavailable, l.peer)
	}
	return t.signal(ctx, typ, l.peer, payload)
}

// CreatePeerLink offers a connection to userID through the hub. It returns
// once the offer is sent; the link opens when the answer and candidates have
// been exchanged. On an existing link the stream's tracks are added and the
// link is renegotiated.
func (t *WebSocketTransport) CreatePeerLink(ctx context.Context, userID string, stream *MediaStream) (PeerLink, error) {
	select {
	case <-t.closed:
		return nil, ErrClosed
	default:
	}
	if userID == "" || userID == t.cfg.UserID {
		return nil, fmt.Errorf("%w: %q", ErrPeerUnavailable, userID)
	}

	t.mu.Lock()
	if existing, ok := t.peers[userID]; ok && existing.alive() {
		t.mu.Unlock()
		if stream == nil || len(stream.Tracks) == 0 {
			return existing, nil
		}
		added, err := existing.addTracks(stream.Tracks)
		if err != nil {
			return nil, fmt.Errorf("adding media for %s: %w", userID, err)
		}
		if added == 0 {
			return existing, nil
		}
		if err := existing.offer(ctx); err != nil {
			return nil, fmt.Errorf("renegotiating with %s: %w", userID, err)
		}
		t.log.Info().Str("peer", userID).Int("tracks", added).Msg("renegotiating for media")
		return existing, nil
	}
	link, err := t.newLink(userID)
	if err != nil {
		t.mu.Unlock()
		return nil, err
	}
	t.peers[userID] = link
	t.mu.Unlock()

	fail := func(err error) (PeerLink, error) {
		link.Close()
		t.mu.RLock()
		current, ok := t.peers[userID]
		t.mu.RUnlock()
		if ok && current != link && current.alive() {
			// the peer's own offer won
			return current, nil
		}
		return nil, fmt.Errorf("linking to %s: %w", userID, err)
	}
	if stream != nil {
		if _, err := link.addTracks(stream.Tracks); err != nil {
			return fail(err)
		}
	}
	ordered := true
	dc, err := link.pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fail(err)
	}
	link.attach(dc)

	if err := link.offer(ctx); err != nil {
		return fail(err)
	}
	t.log.Info().Str("peer", userID).Msg("offer sent")
	return link, nil
}

func (t *WebSocketTransport) PeerLink(userID string) (PeerLink, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	link, ok := t.peers[userID]
	if !ok {
		return nil, false
	}
	return link, true
}

func (t *WebSocketTransport) ClosePeerLink(userID string) error {
	t.mu.RLock()
	link, ok := t.peers[userID]
	t.mu.RUnlock()
	if !ok {
		return nil
	}
	return link.Close()
}

func (t *WebSocketTransport) handleSignal(m Message) {
	log := t.log.With().Str("peer", m.From).Str("signal", string(m.Type)).Logger()
	var err error
	switch m.Type {
	case Offer:
		err = t.answerOffer(m)
	case Answer:
		var p SessionDescriptionPayload
		if err = m.Decode(&p); err != nil {
			break
		}
		t.mu.RLock()
		link, ok := t.peers[m.From]
		t.mu.RUnlock()
		if !ok {
			err = fmt.Errorf("%w: no pending offer", ErrPeerUnavailable)
			break
		}
		err = link.acceptAnswer(p.SDP)
	case ICECandidate:
		var p ICECandidatePayload
		if err = m.Decode(&p); err != nil {
			break
		}
		t.mu.RLock()
		link, ok := t.peers[m.From]
		t.mu.RUnlock()
		if !ok {
			err = fmt.Errorf("%w: candidate for unknown link", ErrPeerUnavailable)
			break
		}
		err = link.addCandidate(webrtc.ICECandidateInit{
			Candidate:        p.Candidate,
			SDPMid:           p.SDPMid,
			SDPMLineIndex:    p.SDPMLineIndex,
			UsernameFragment: p.UsernameFragment,
		})
	}
	if err != nil {
		log.Warn().Err(err).Msg("handling signal")
	}
}

// answerOffer accepts an offer. An offer on an established link renegotiates
// it. When both sides offered a new link at once the user with the smaller id
// is the offerer and the other offer is dropped; the loser replaces its link
// and offers its media again once connected.
func (t *WebSocketTransport) answerOffer(m Message) error {
	var p SessionDescriptionPayload
	if err := m.Decode(&p); err != nil {
		return err
	}

	t.mu.Lock()
	stale, ok := t.peers[m.From]
	if ok && stale.alive() && stale.established.Load() {
		t.mu.Unlock()
		return stale.renegotiate(p.SDP)
	}
	if ok && stale.alive() && m.From > t.cfg.UserID {
		t.mu.Unlock()
		t.log.Debug().Str("peer", m.From).Msg("ignoring offer, local offer wins")
		return nil
	}
	link, err := t.newLink(m.From)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.peers[m.From] = link
	t.mu.Unlock()
	var carried []webrtc.TrackLocal
	if ok {
		carried = stale.localTracks()
		stale.pc.Close()
	}

	link.neg.Lock()
	answer, err := link.answerLocked(p.SDP)
	link.neg.Unlock()
	if err != nil {
		link.Close()
		return err
	}
	if err := t.signal(context.Background(), Answer, m.From, SessionDescriptionPayload{SDP: answer}); err != nil {
		return err
	}
	if len(carried) == 0 {
		return nil
	}
	if _, err := link.addTracks(carried); err != nil {
		return fmt.Errorf("carrying media to new link: %w", err)
	}
	return link.offer(context.Background())
}
