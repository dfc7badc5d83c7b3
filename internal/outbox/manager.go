package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/offchat/internal/events"
	"github.com/petervdpas/offchat/internal/link"
	"github.com/petervdpas/offchat/internal/metrics"
	"github.com/petervdpas/offchat/internal/proto"
	"github.com/petervdpas/offchat/internal/storage"
)

var log = logging.Logger("offchat/outbox")

const (
	DefaultDrainInterval = 30 * time.Second
	DefaultDedupSize     = 4096
)

var (
	// ErrDetached is returned for sends attempted after Detach.
	ErrDetached = fmt.Errorf("outbox detached: %w", link.ErrLinkDown)

	// ErrTooLarge is returned by Enqueue for drafts whose chat frame would
	// exceed the link's frame limit. Nothing is stored.
	ErrTooLarge = errors.New("message too large for peer link")
)

// Transport is the part of the peer link the outbox drives.
type Transport interface {
	Send(ctx context.Context, peerID string, f proto.Frame) error
	Peers() []link.Peer
	Linked(peerID string) bool
	OnMessage(h link.MessageHandler)
	OnPeerEvent(h link.PeerEventHandler)
}

// Queue is the durable store behind the outbox.
type Queue interface {
	InsertMessage(ctx context.Context, d storage.Draft) (string, error)
	GetMessage(ctx context.Context, id string) (storage.Message, error)
	ListRetryable(ctx context.Context) ([]storage.Message, error)
	ListInbox(ctx context.Context) ([]storage.Message, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
	AssignPeer(ctx context.Context, id, peerDeviceID string) error
	UpsertContact(ctx context.Context, c storage.Contact) error
}

type Options struct {
	Self          link.Identity
	Bus           *events.Bus
	Clock         clock.Clock
	DrainInterval time.Duration
	Retry         RetryPolicy
	DedupSize     int
	MaxFrameBytes int
}

// Summary reports one drain cycle.
type Summary struct {
	Sent     int
	Failed   int
	Deferred int // failed messages still inside their backoff window
}

// Manager moves queued messages onto peer links and persists what peers
// send us.
type Manager struct {
	store    Queue
	bus      *events.Bus
	self     link.Identity
	clk      clock.Clock
	interval time.Duration
	retry    RetryPolicy
	maxFrame int

	mu sync.RWMutex
	tr Transport // nil after Detach

	drainMu sync.Mutex
	nudge   chan struct{}
	seen    *lru.Cache[string, struct{}]
}

// New binds a manager to store and tr and registers its frame and peer
// handlers on tr.
func New(store Queue, tr Transport, opts Options) *Manager {
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = DefaultDrainInterval
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = DefaultDedupSize
	}
	if opts.MaxFrameBytes <= 0 {
		opts.MaxFrameBytes = proto.DefaultMaxFrameBytes
	}
	seen, _ := lru.New[string, struct{}](opts.DedupSize)

	m := &Manager{
		store:    store,
		bus:      opts.Bus,
		self:     opts.Self,
		clk:      opts.Clock,
		interval: opts.DrainInterval,
		retry:    opts.Retry,
		maxFrame: opts.MaxFrameBytes,
		tr:       tr,
		nudge:    make(chan struct{}, 1),
		seen:     seen,
	}
	if tr != nil {
		tr.OnMessage(m.handleFrame)
		tr.OnPeerEvent(m.handlePeerEvent)
	}
	return m
}

func (m *Manager) transport() Transport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tr
}

// Detach drops the transport binding. Later drains fail every entry.
func (m *Manager) Detach() {
	m.mu.Lock()
	m.tr = nil
	m.mu.Unlock()
}

// Bus returns the event bus the manager publishes to.
func (m *Manager) Bus() *events.Bus { return m.bus }

func (m *Manager) kick() {
	select {
	case m.nudge <- struct{}{}:
	default:
	}
}

// Enqueue persists d as a pending outbound message and wakes the drain loop.
func (m *Manager) Enqueue(ctx context.Context, d storage.Draft) (string, error) {
	d.Direction = storage.Outbound
	d.OriginID = ""
	d.OriginTimestamp = 0
	if d.SenderID == "" {
		d.SenderID = m.self.UserID
	}
	if err := CheckSize(d, m.self, m.maxFrame); err != nil {
		return "", err
	}
	id, err := m.store.InsertMessage(ctx, d)
	if err != nil {
		return "", err
	}
	log.Debugw("queued", "id", id, "chat", d.ChatID)
	m.kick()
	return id, nil
}

// CheckSize reports ErrTooLarge for drafts whose chat frame, sent as self,
// would exceed maxFrame bytes. A zero maxFrame means the default limit.
// Drafts the frame codec rejects are left to the store to report.
func CheckSize(d storage.Draft, self link.Identity, maxFrame int) error {
	if maxFrame <= 0 {
		maxFrame = proto.DefaultMaxFrameBytes
	}
	if d.SenderID == "" {
		d.SenderID = self.UserID
	}
	// The id and timestamp are stand-ins of the width the store assigns.
	body, err := proto.Encode(linkFrame(self, storage.Message{
		ID:              uuid.NewString(),
		ChatID:          d.ChatID,
		SenderID:        d.SenderID,
		Content:         d.Content,
		MessageType:     d.MessageType,
		TransactionData: d.TransactionData,
		Timestamp:       time.Now().UnixMilli(),
	}))
	if err != nil {
		return nil
	}
	if len(body) > maxFrame {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(body), maxFrame)
	}
	return nil
}

// Run drains on start, whenever a message is queued or a peer links, and
// on every interval tick. It returns when ctx is done. While no peer is
// linked these drains leave the queue alone.
func (m *Manager) Run(ctx context.Context) {
	t := m.clk.Ticker(m.interval)
	defer t.Stop()

	m.drain(ctx, false)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.nudge:
		case <-t.C:
		}
		m.drain(ctx, false)
	}
}

// SendPending attempts every pending and failed outbound message once,
// oldest first. A failure never stops the cycle; storage errors are logged.
// With no peer linked every due entry is marked failed.
func (m *Manager) SendPending(ctx context.Context) Summary {
	return m.drain(ctx, true)
}

func (m *Manager) drain(ctx context.Context, explicit bool) Summary {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	var sum Summary
	rows, err := m.store.ListRetryable(ctx)
	if err != nil {
		log.Warnw("drain: listing queue failed", "err", err)
		return sum
	}
	if len(rows) == 0 {
		metrics.QueueDepth.Set(0)
		return sum
	}

	tr := m.transport()
	if !explicit && tr != nil && len(tr.Peers()) == 0 {
		sum.Deferred = len(rows)
		metrics.QueueDepth.Set(float64(len(rows)))
		log.Debugf("drain: no linked peers, %d waiting", len(rows))
		return sum
	}

	now := m.clk.Now()
	for _, msg := range rows {
		if ctx.Err() != nil {
			break
		}
		if !m.retry.due(msg, now) {
			sum.Deferred++
			continue
		}
		if err := m.deliver(ctx, tr, msg); err != nil {
			log.Debugw("delivery failed", "id", msg.ID, "retries", msg.RetryCount, "err", err)
			if err := m.store.MarkFailed(ctx, msg.ID); err != nil {
				log.Warnw("drain: mark failed", "id", msg.ID, "err", err)
			}
			sum.Failed++
			continue
		}
		if err := m.store.MarkSent(ctx, msg.ID); err != nil {
			log.Warnw("drain: mark sent", "id", msg.ID, "err", err)
		}
		sum.Sent++
	}

	metrics.DrainResults.WithLabelValues("sent").Add(float64(sum.Sent))
	metrics.DrainResults.WithLabelValues("failed").Add(float64(sum.Failed))
	metrics.QueueDepth.Set(float64(len(rows) - sum.Sent))

	if sum.Sent > 0 {
		m.bus.Publish(events.Event{Type: events.MessageSent, Count: sum.Sent})
	}
	if sum.Failed > 0 {
		m.bus.Publish(events.Event{Type: events.MessageFailed, Count: sum.Failed})
	}
	if sum.Sent > 0 || sum.Failed > 0 {
		log.Infof("drain: %d sent, %d failed, %d deferred", sum.Sent, sum.Failed, sum.Deferred)
	}
	return sum
}

// targets lists the links to try for msg: the link it was last assigned to
// while that link is up, otherwise every linked peer, oldest link first.
func targets(tr Transport, msg storage.Message) []string {
	if msg.PeerDeviceID != "" && tr.Linked(msg.PeerDeviceID) {
		return []string{msg.PeerDeviceID}
	}
	peers := tr.Peers()
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.ID)
	}
	return out
}

func (m *Manager) deliver(ctx context.Context, tr Transport, msg storage.Message) error {
	if tr == nil {
		return ErrDetached
	}
	ids := targets(tr, msg)
	if len(ids) == 0 {
		return fmt.Errorf("no linked peers: %w", link.ErrLinkDown)
	}

	f := linkFrame(m.self, msg)

	var errs error
	for _, pid := range ids {
		if err := m.store.AssignPeer(ctx, msg.ID, pid); err != nil {
			log.Warnw("assign peer", "id", msg.ID, "err", err)
		}
		err := tr.Send(ctx, pid, f)
		if err == nil {
			return nil
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

func linkFrame(self link.Identity, msg storage.Message) proto.Frame {
	return proto.Frame{
		Type:            proto.TypeChat,
		ID:              msg.ID,
		SenderID:        msg.SenderID,
		Username:        self.Username,
		ChatID:          msg.ChatID,
		Content:         msg.Content,
		MessageType:     msg.MessageType,
		TransactionData: msg.TransactionData,
		Timestamp:       msg.Timestamp,
	}
}

// handleFrame runs on a link read loop. Returning an error withholds the
// ack so the sender retries.
func (m *Manager) handleFrame(peerID string, f proto.Frame) error {
	ctx := context.Background()
	switch f.Type {
	case proto.TypeChat:
		return m.receive(ctx, peerID, f)
	case proto.TypeDiscovery:
		if err := m.store.UpsertContact(ctx, storage.Contact{
			ID:           f.SenderID,
			Username:     f.Username,
			PeerDeviceID: peerID,
		}); err != nil {
			log.Warnw("store contact", "peer", peerID, "err", err)
		}
		m.bus.Publish(events.Event{Type: events.PeerDiscovered, PeerID: peerID, Username: f.Username})
	}
	return nil
}

func (m *Manager) receive(ctx context.Context, peerID string, f proto.Frame) error {
	if m.seen.Contains(f.ID) {
		metrics.InboundMessages.WithLabelValues("duplicate").Inc()
		return nil
	}

	id, err := m.store.InsertMessage(ctx, storage.Draft{
		ChatID:          f.ChatID,
		SenderID:        f.SenderID,
		Content:         f.Content,
		MessageType:     f.MessageType,
		TransactionData: f.TransactionData,
		PeerDeviceID:    peerID,
		Direction:       storage.Inbound,
		OriginID:        f.ID,
		OriginTimestamp: f.Timestamp,
	})
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		m.seen.Add(f.ID, struct{}{})
		metrics.InboundMessages.WithLabelValues("duplicate").Inc()
		return nil
	case err != nil:
		metrics.InboundMessages.WithLabelValues("error").Inc()
		return fmt.Errorf("persist inbound %s: %w", f.ID, err)
	}

	m.seen.Add(f.ID, struct{}{})
	metrics.InboundMessages.WithLabelValues("stored").Inc()

	msg, err := m.store.GetMessage(ctx, id)
	if err != nil {
		// Stored but not surfaced; ReplayInbox picks it up later.
		log.Warnw("load inbound", "id", id, "err", err)
		return nil
	}
	m.surface(ctx, msg)
	return nil
}

// surface hands an inbound message to the application. It is recorded as
// delivered only when some subscriber took the event; otherwise it stays in
// the inbox for ReplayInbox.
func (m *Manager) surface(ctx context.Context, msg storage.Message) bool {
	if m.bus.Publish(events.Event{Type: events.MessageReceived, PeerID: msg.PeerDeviceID, Message: &msg}) == 0 {
		log.Debugw("inbound not taken by any subscriber", "id", msg.ID)
		return false
	}
	if err := m.store.MarkSent(ctx, msg.ID); err != nil {
		log.Warnw("mark inbound delivered", "id", msg.ID, "err", err)
	}
	return true
}

// ReplayInbox publishes inbound messages that were stored but never handed
// to the application, e.g. because the process stopped in between. It
// returns how many were taken.
func (m *Manager) ReplayInbox(ctx context.Context) (int, error) {
	rows, err := m.store.ListInbox(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, msg := range rows {
		if m.surface(ctx, msg) {
			n++
		}
	}
	return n, nil
}

func (m *Manager) handlePeerEvent(ev link.PeerEvent) {
	switch ev.Type {
	case link.PeerConnected:
		m.bus.Publish(events.Event{Type: events.PeerConnected, PeerID: ev.Peer.ID, Username: ev.Peer.Username})
		m.kick()
	case link.PeerDisconnected:
		m.bus.Publish(events.Event{Type: events.PeerDisconnected, PeerID: ev.Peer.ID, Username: ev.Peer.Username})
	}
}
