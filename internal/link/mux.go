package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/petervdpas/offchat/internal/metrics"
	"github.com/petervdpas/offchat/internal/proto"
)

// MessageHandler receives every complete frame read from a link. Handlers run
// on the link's read loop in registration order, so frames from one peer are
// seen in the order they were sent. A chat frame is acknowledged only when
// every handler returned nil.
type MessageHandler func(peerID string, f proto.Frame) error

// PeerEventHandler is called when a link opens or closes.
type PeerEventHandler func(ev PeerEvent)

type PeerEventType string

const (
	PeerConnected    PeerEventType = "connected"
	PeerDisconnected PeerEventType = "disconnected"
)

type PeerEvent struct {
	Type PeerEventType
	Peer Peer
}

// Peer is a linked remote device.
type Peer struct {
	ID          string    `json:"id"`               // libp2p peer id
	UserID      string    `json:"userId,omitempty"` // from the peer's discovery frame
	Username    string    `json:"username,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// Identity is what this device announces in discovery frames.
type Identity struct {
	UserID   string
	Username string
}

// Mux owns the set of live sessions, the ack bookkeeping and the handler
// lists. It knows nothing about how streams are opened.
type Mux struct {
	localID    string // libp2p id, used for the simultaneous-open tie-break
	self       Identity
	clk        clock.Clock
	ackTimeout time.Duration
	maxFrame   int

	mu       sync.Mutex
	sessions map[string]*session

	ackMu   sync.Mutex
	pending map[string]chan struct{}

	handlerMu     sync.RWMutex
	msgHandlers   []MessageHandler
	eventHandlers []PeerEventHandler
}

// NewMux returns an empty link set. localID is this device's transport id.
func NewMux(localID string, self Identity, clk clock.Clock, ackTimeout time.Duration, maxFrame int) *Mux {
	if clk == nil {
		clk = clock.New()
	}
	if ackTimeout <= 0 {
		ackTimeout = DefaultAckTimeout
	}
	if maxFrame <= 0 {
		maxFrame = proto.DefaultMaxFrameBytes
	}
	return &Mux{
		localID:    localID,
		self:       self,
		clk:        clk,
		ackTimeout: ackTimeout,
		maxFrame:   maxFrame,
		sessions:   make(map[string]*session),
		pending:    make(map[string]chan struct{}),
	}
}

// OnMessage registers a frame handler.
func (m *Mux) OnMessage(h MessageHandler) {
	m.handlerMu.Lock()
	m.msgHandlers = append(m.msgHandlers, h)
	m.handlerMu.Unlock()
}

// OnPeerEvent registers a link open/close handler.
func (m *Mux) OnPeerEvent(h PeerEventHandler) {
	m.handlerMu.Lock()
	m.eventHandlers = append(m.eventHandlers, h)
	m.handlerMu.Unlock()
}

func (m *Mux) emit(ev PeerEvent) {
	m.handlerMu.RLock()
	hs := append([]PeerEventHandler(nil), m.eventHandlers...)
	m.handlerMu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}

// keepExisting decides which of two streams to the same peer survives.
// Both sides apply the same rule: the stream opened by the lexically smaller
// peer id wins. Two streams from the same opener mean the old one is stale.
func (m *Mux) keepExisting(existing *session, opener string) bool {
	if existing.opener == opener {
		return false
	}
	smaller := m.localID
	if existing.peerID < smaller {
		smaller = existing.peerID
	}
	return existing.opener == smaller
}

// attach registers rw as the link to peerID and starts its read loop. It
// returns the session that ended up serving the peer, which may be an
// already existing one when the tie-break keeps it.
func (m *Mux) attach(peerID, opener string, rw io.ReadWriteCloser) *session {
	s := newSession(peerID, opener, rw, m.maxFrame, m.clk.Now())

	m.mu.Lock()
	old, had := m.sessions[peerID]
	if had && !old.closed() && m.keepExisting(old, opener) {
		m.mu.Unlock()
		log.Debugw("duplicate link, keeping existing", "peer", shortID(peerID))
		_ = s.close()
		return old
	}
	m.sessions[peerID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.LinkedPeers.Set(float64(n))

	replaced := had && !old.closed()
	if replaced {
		log.Debugw("replacing link", "peer", shortID(peerID))
		_ = old.close()
	}

	go m.readLoop(s)

	// Announce ourselves right away so the peer learns our user id.
	_ = m.writeFrame(s, m.discoveryFrame(), false)

	if !replaced {
		log.Infof("link up: %s", shortID(peerID))
		m.emit(PeerEvent{Type: PeerConnected, Peer: s.peer()})
	}
	return s
}

// Attach serves rw as the link to peerID. opener is the transport id of the
// side that opened the stream.
func (m *Mux) Attach(peerID, opener string, rw io.ReadWriteCloser) Peer {
	return m.attach(peerID, opener, rw).peer()
}

// detach removes s if it is still the registered session for its peer.
func (m *Mux) detach(s *session) {
	_ = s.close()

	m.mu.Lock()
	cur, ok := m.sessions[s.peerID]
	if !ok || cur != s {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.peerID)
	n := len(m.sessions)
	m.mu.Unlock()

	metrics.LinkedPeers.Set(float64(n))
	log.Infof("link down: %s", shortID(s.peerID))
	m.emit(PeerEvent{Type: PeerDisconnected, Peer: s.peer()})
}

func (m *Mux) readLoop(s *session) {
	defer m.detach(s)
	for {
		body, err := s.r.ReadMsg()
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed() {
				log.Debugw("link read ended", "peer", shortID(s.peerID), "err", err)
			}
			return
		}
		f, err := proto.Decode(body)
		s.r.ReleaseMsg(body)
		if err != nil {
			metrics.FramesMalformed.Inc()
			log.Warnw("dropping malformed frame", "peer", shortID(s.peerID), "err", err)
			continue
		}
		metrics.FramesReceived.WithLabelValues(string(f.Type)).Inc()
		m.dispatch(s, f)
	}
}

func (m *Mux) dispatch(s *session, f proto.Frame) {
	switch f.Type {
	case proto.TypeAck:
		m.ackMu.Lock()
		ch, ok := m.pending[f.AckedID()]
		m.ackMu.Unlock()
		if ok {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		return
	case proto.TypeDiscovery:
		s.setIdentity(f.SenderID, f.Username)
	}

	m.handlerMu.RLock()
	hs := append([]MessageHandler(nil), m.msgHandlers...)
	m.handlerMu.RUnlock()

	var failed bool
	for _, h := range hs {
		if err := h(s.peerID, f); err != nil {
			failed = true
			log.Warnw("frame handler failed", "peer", shortID(s.peerID), "frame", f.ID, "err", err)
		}
	}

	if f.Type == proto.TypeChat && !failed {
		_ = m.writeFrame(s, m.ackFrame(f.ID), false)
	}
}

func (m *Mux) discoveryFrame() proto.Frame {
	return proto.Frame{
		Type:     proto.TypeDiscovery,
		ID:       uuid.NewString(),
		SenderID: m.self.UserID,
		Username: m.self.Username,
	}
}

func (m *Mux) ackFrame(ackedID string) proto.Frame {
	return proto.Frame{
		Type:     proto.TypeAck,
		ID:       uuid.NewString(),
		SenderID: m.self.UserID,
		Content:  ackedID,
	}
}

func (m *Mux) writeFrame(s *session, f proto.Frame, wait bool) error {
	if f.Timestamp == 0 {
		f.Timestamp = m.clk.Now().UnixMilli()
	}
	body, err := proto.Encode(f)
	if err != nil {
		return err
	}
	if len(body) > m.maxFrame {
		return fmt.Errorf("frame %s is %d bytes, limit %d", f.ID, len(body), m.maxFrame)
	}
	if err := s.enqueue(body, wait); err != nil {
		if errors.Is(err, ErrLinkDown) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrLinkDown, err)
	}
	metrics.FramesSent.WithLabelValues(string(f.Type)).Inc()
	return nil
}

func (m *Mux) session(peerID string) (*session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	if !ok || s.closed() {
		return nil, false
	}
	return s, true
}

// Send writes f to peerID. Chat frames block until the peer acknowledges
// them, the ack timeout passes, the link drops or ctx is done.
func (m *Mux) Send(ctx context.Context, peerID string, f proto.Frame) error {
	s, ok := m.session(peerID)
	if !ok {
		return fmt.Errorf("send to %s: %w", shortID(peerID), ErrLinkDown)
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.SenderID == "" {
		f.SenderID = m.self.UserID
	}

	if f.Type != proto.TypeChat {
		return m.writeFrame(s, f, true)
	}

	// Register before writing so a fast ack is not missed.
	ackCh := make(chan struct{}, 1)
	m.ackMu.Lock()
	m.pending[f.ID] = ackCh
	m.ackMu.Unlock()
	defer func() {
		m.ackMu.Lock()
		delete(m.pending, f.ID)
		m.ackMu.Unlock()
	}()

	timer := m.clk.Timer(m.ackTimeout)
	defer timer.Stop()
	start := m.clk.Now()

	if err := m.writeFrame(s, f, true); err != nil {
		return fmt.Errorf("send to %s: %w", shortID(peerID), err)
	}

	select {
	case <-ackCh:
		metrics.AckLatency.Observe(m.clk.Since(start).Seconds())
		log.Debugw("frame acked", "peer", shortID(peerID), "frame", f.ID)
		return nil
	case <-s.done:
		return fmt.Errorf("send to %s: %w", shortID(peerID), ErrLinkDown)
	case <-timer.C:
		return fmt.Errorf("send to %s: %w", shortID(peerID), ErrAckTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast writes f to every linked peer without waiting for acks.
func (m *Mux) Broadcast(f proto.Frame) {
	for _, s := range m.snapshot() {
		if err := m.writeFrame(s, f, false); err != nil {
			log.Debugw("broadcast failed", "peer", shortID(s.peerID), "err", err)
		}
	}
}

func (m *Mux) snapshot() []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.closed() {
			out = append(out, s)
		}
	}
	return out
}

// Peers returns the linked peers ordered by link age, oldest first.
func (m *Mux) Peers() []Peer {
	ss := m.snapshot()
	out := make([]Peer, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.peer())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Linked reports whether peerID has a live link.
func (m *Mux) Linked(peerID string) bool {
	_, ok := m.session(peerID)
	return ok
}

// Peer returns the linked peer for peerID.
func (m *Mux) Peer(peerID string) (Peer, bool) {
	s, ok := m.session(peerID)
	if !ok {
		return Peer{}, false
	}
	return s.peer(), true
}

// CloseAll closes every session. Read loops emit disconnected events as
// they exit, and blocked senders fail with ErrLinkDown.
func (m *Mux) CloseAll() error {
	m.mu.Lock()
	ss := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		ss = append(ss, s)
	}
	m.mu.Unlock()

	var err error
	for _, s := range ss {
		err = multierr.Append(err, s.close())
	}
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}
