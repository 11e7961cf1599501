// Package transport moves messages between collaborators. Every replica is
// connected to a signaling hub that relays messages addressed to a user, and
// may hold a direct peer link per remote user carrying one ordered, reliable
// data channel named "collaboration" plus optional media tracks.
package transport

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrSendFailed      = errors.New("transport send failed")
	ErrClosed          = errors.New("transport closed")
	ErrPeerUnavailable = errors.New("peer unavailable")
)

// DataChannelLabel names the data channel of every peer link.
const DataChannelLabel = "collaboration"

// Connection and data channel states reported by a PeerLink. They use the
// same names as pion's state strings.
const (
	StateNew        = "new"
	StateConnecting = "connecting"
	StateConnected  = "connected"
	StateOpen       = "open"
	StateClosing    = "closing"
	StateClosed     = "closed"
	StateFailed     = "failed"
)

type LinkState struct {
	Connection  string `json:"connectionState"`
	DataChannel string `json:"dataChannelState"`
}

// Open reports whether messages can go over the data channel.
func (s LinkState) Open() bool {
	return s.DataChannel == StateOpen
}

// MediaStream is a set of local tracks attached to a peer link.
type MediaStream struct {
	ID     string
	Tracks []webrtc.TrackLocal
}

// RemoteStream is a track received from a peer.
type RemoteStream struct {
	UserID   string
	StreamID string
	Kind     string
	Track    *webrtc.TrackRemote
}

type MessageHandler func(Message)

type StreamHandler func(RemoteStream)

// PeerLink is a direct connection to one remote user.
type PeerLink interface {
	UserID() string
	State() LinkState
	Send(ctx context.Context, m Message) error
	Close() error
}

// Transport connects one local user to the hub and to peers. Messages
// received from the hub or over any peer link go to the OnMessage handler
// with From set to the sender.
type Transport interface {
	UserID() string
	Send(ctx context.Context, m Message) error
	OnMessage(h MessageHandler)
	OnRemoteStream(h StreamHandler)
	CreatePeerLink(ctx context.Context, userID string, stream *MediaStream) (PeerLink, error)
	PeerLink(userID string) (PeerLink, bool)
	ClosePeerLink(userID string) error
	Close() error
}
