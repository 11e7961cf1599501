package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	sendBuffer     = 256
	writeWait      = 10 * time.Second
	defaultDialFor = 30 * time.Second
)

type WebSocketConfig struct {
	// URL of the hub's websocket endpoint, e.g. ws://localhost:8081/ws.
	URL        string
	UserID     string
	ICEServers []webrtc.ICEServer
	// DialTimeout bounds the exponential backoff of the initial dial.
	DialTimeout time.Duration
	Logger      zerolog.Logger
}

// WebSocketTransport talks to a hub over a websocket and negotiates pion
// peer links through it.
type WebSocketTransport struct {
	cfg  WebSocketConfig
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	mu        sync.RWMutex
	onMessage MessageHandler
	onStream  StreamHandler
	peers     map[string]*rtcLink

	closed    chan struct{}
	closeOnce sync.Once
}

var _ Transport = (*WebSocketTransport)(nil)

// Dial connects to the hub, retrying with exponential backoff until
// cfg.DialTimeout elapses or ctx is done.
func Dial(ctx context.Context, cfg WebSocketConfig) (*WebSocketTransport, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("dialing hub: no user id")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing hub url: %w", err)
	}
	q := u.Query()
	q.Set("user", cfg.UserID)
	u.RawQuery = q.Encode()

	log := cfg.Logger.With().Str("component", "transport").Str("user", cfg.UserID).Logger()

	var conn *websocket.Conn
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.DialTimeout
	if b.MaxElapsedTime == 0 {
		b.MaxElapsedTime = defaultDialFor
	}
	dial := func() error {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			log.Debug().Err(err).Str("url", u.Redacted()).Msg("hub dial failed")
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(dial, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("dialing hub %s: %w", u.Redacted(), err)
	}

	t := &WebSocketTransport{
		cfg:    cfg,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		log:    log,
		peers:  make(map[string]*rtcLink),
		closed: make(chan struct{}),
	}
	go t.writePump()
	go t.readPump()
	log.Info().Str("url", u.Redacted()).Msg("connected to hub")
	return t, nil
}

func (t *WebSocketTransport) UserID() string { return t.cfg.UserID }

// Done is closed when the hub connection is gone.
func (t *WebSocketTransport) Done() <-chan struct{} { return t.closed }

func (t *WebSocketTransport) Send(ctx context.Context, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	select {
	case t.send <- data:
		return nil
	case <-t.closed:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	}
}

func (t *WebSocketTransport) OnMessage(h MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onMessage = h
}

func (t *WebSocketTransport) OnRemoteStream(h StreamHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onStream = h
}

func (t *WebSocketTransport) dispatch(m Message) {
	t.mu.RLock()
	h := t.onMessage
	t.mu.RUnlock()
	if h != nil {
		h(m)
	}
}

func (t *WebSocketTransport) dispatchStream(s RemoteStream) {
	t.mu.RLock()
	h := t.onStream
	t.mu.RUnlock()
	if h != nil {
		h(s)
	}
}

func (t *WebSocketTransport) readPump() {
	defer t.Close()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed:
			default:
				t.log.Warn().Err(err).Msg("hub connection lost")
			}
			return
		}
		var m Message
		if err := json.Unmarshal(data, &m); err != nil {
			t.log.Error().Err(err).Msg("decoding hub message")
			continue
		}
		switch m.Type {
		case Offer, Answer, ICECandidate:
			t.handleSignal(m)
		default:
			t.dispatch(m)
		}
	}
}

func (t *WebSocketTransport) writePump() {
	defer t.conn.Close()
	for {
		select {
		case data := <-t.send:
			t.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				t.log.Warn().Err(err).Msg("writing to hub")
				t.Close()
				return
			}
		case <-t.closed:
			t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Close tears down every peer link and the hub connection.
func (t *WebSocketTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		peers := t.peers
		t.peers = make(map[string]*rtcLink)
		t.mu.Unlock()
		for _, link := range peers {
			link.pc.Close()
		}
		t.log.Info().Msg("transport closed")
	})
	return nil
}
