// Package mode switches the application between server-routed and
// peer-routed messaging and owns the offline session.
package mode

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/offchat/internal/events"
	"github.com/petervdpas/offchat/internal/link"
	"github.com/petervdpas/offchat/internal/metrics"
	"github.com/petervdpas/offchat/internal/outbox"
	"github.com/petervdpas/offchat/internal/storage"
	"github.com/petervdpas/offchat/internal/util"
)

var log = logging.Logger("offchat/mode")

const (
	DefaultUsername    = "Offchat User"
	DefaultHistorySize = 64
)

var ErrNotOffline = errors.New("offline mode is not active")

// Transport is a peer link that can be advertised and torn down.
type Transport interface {
	outbox.Transport
	StartAdvertising(ctx context.Context) error
	DiscoverAndConnect(ctx context.Context) (link.Peer, error)
	DisconnectAll() error
}

// Factory builds a fresh transport for each offline session.
type Factory func(ctx context.Context) (Transport, error)

// OnlineSender is the server-routed transport.
type OnlineSender interface {
	Available() bool
	SendMessage(ctx context.Context, d storage.Draft) (string, error)
}

// Via names the path a message took.
type Via string

const (
	ViaOnline Via = "online"
	ViaOutbox Via = "outbox"
	// ViaQueue means stored as pending with no session to drain it yet.
	ViaQueue Via = "queue"
)

type Options struct {
	Store        outbox.Queue
	NewTransport Factory
	Online       OnlineSender // nil = offline only
	Bus          *events.Bus
	Clock        clock.Clock
	Self         link.Identity
	Outbox       outbox.Options
	HistorySize  int
}

type session struct {
	tr     Transport
	ob     *outbox.Manager
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller is the single switch between online and offline operation.
type Controller struct {
	store   outbox.Queue
	factory Factory
	online  OnlineSender
	bus     *events.Bus
	obOpts  outbox.Options

	mu   sync.Mutex
	sess *session

	history     *util.RingBuffer[events.Event]
	stopHistory func()
}

func New(opts Options) *Controller {
	if opts.Bus == nil {
		opts.Bus = events.NewBus()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Self.Username == "" {
		opts.Self.Username = DefaultUsername
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	ob := opts.Outbox
	ob.Self = opts.Self
	ob.Bus = opts.Bus
	ob.Clock = opts.Clock

	c := &Controller{
		store:   opts.Store,
		factory: opts.NewTransport,
		online:  opts.Online,
		bus:     opts.Bus,
		obOpts:  ob,
		history: util.NewRingBuffer[events.Event](opts.HistorySize),
	}
	c.recordHistory()
	return c
}

func (c *Controller) recordHistory() {
	ch, cancel := c.bus.Subscribe()
	c.stopHistory = cancel
	go func() {
		for ev := range ch {
			c.history.Push(ev)
		}
	}()
}

// Recent returns the latest application events, oldest first.
func (c *Controller) Recent() []events.Event { return c.history.Snapshot() }

func (c *Controller) Bus() *events.Bus { return c.bus }

func (c *Controller) IsOffline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Outbox returns the active session's manager, or nil when online.
func (c *Controller) Outbox() *outbox.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.ob
}

// Peers lists the linked peers of the offline session.
func (c *Controller) Peers() []link.Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.tr.Peers()
}

// EnterOffline builds a transport, starts advertising and binds a fresh
// outbox to it. Entering while already offline does nothing.
func (c *Controller) EnterOffline(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return nil
	}

	tr, err := c.factory(ctx)
	if err != nil {
		return fmt.Errorf("start peer transport: %w", err)
	}
	if err := tr.StartAdvertising(ctx); err != nil {
		err = multierr.Append(err, teardown(tr))
		return fmt.Errorf("start advertising: %w", err)
	}

	ob := outbox.New(c.store, tr, c.obOpts)
	if n, err := ob.ReplayInbox(ctx); err != nil {
		log.Warnw("inbox replay failed", "err", err)
	} else if n > 0 {
		log.Infof("replayed %d undelivered inbound messages", n)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{tr: tr, ob: ob, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		ob.Run(runCtx)
	}()
	c.sess = s

	metrics.OfflineMode.Set(1)
	c.bus.Publish(events.Event{Type: events.ModeChanged, Offline: true})
	log.Infof("offline mode active")
	return nil
}

// ExitOffline disconnects every peer and drops the session. Exiting while
// online does nothing.
func (c *Controller) ExitOffline() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}

	s.cancel()
	s.ob.Detach()
	err := teardown(s.tr)
	<-s.done

	metrics.OfflineMode.Set(0)
	c.bus.Publish(events.Event{Type: events.ModeChanged, Offline: false})
	log.Infof("online mode active")
	return err
}

// teardown closes tr fully when it can, otherwise drops its links.
func teardown(tr Transport) error {
	if cl, ok := tr.(interface{ Close() error }); ok {
		return cl.Close()
	}
	return tr.DisconnectAll()
}

// Toggle flips the mode and reports whether offline mode is now active.
func (c *Controller) Toggle(ctx context.Context) (bool, error) {
	if c.IsOffline() {
		return false, c.ExitOffline()
	}
	if err := c.EnterOffline(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Connect looks for a nearby device and links to it.
func (c *Controller) Connect(ctx context.Context) (link.Peer, error) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	if s == nil {
		return link.Peer{}, ErrNotOffline
	}

	p, err := s.tr.DiscoverAndConnect(ctx)
	if errors.Is(err, link.ErrNoPeersFound) {
		c.bus.Publish(events.Event{Type: events.NoPeersFound})
	}
	return p, err
}

// Send routes d through the server when online and reachable, otherwise
// through the outbox. With neither available d is stored as pending and
// drained once offline mode starts.
func (c *Controller) Send(ctx context.Context, d storage.Draft) (string, Via, error) {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()

	if s == nil && c.online != nil && c.online.Available() {
		id, err := c.online.SendMessage(ctx, d)
		if err == nil {
			return id, ViaOnline, nil
		}
		log.Warnw("online send failed, queueing", "chat", d.ChatID, "err", err)
	}

	if s != nil {
		id, err := s.ob.Enqueue(ctx, d)
		return id, ViaOutbox, err
	}

	d.Direction = storage.Outbound
	if d.SenderID == "" {
		d.SenderID = c.obOpts.Self.UserID
	}
	if err := outbox.CheckSize(d, c.obOpts.Self, c.obOpts.MaxFrameBytes); err != nil {
		return "", ViaQueue, err
	}
	id, err := c.store.InsertMessage(ctx, d)
	return id, ViaQueue, err
}

// Close leaves offline mode and stops recording history.
func (c *Controller) Close() error {
	err := c.ExitOffline()
	c.stopHistory()
	return err
}

// UserMessage turns capability errors into text a user can act on.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, link.ErrTransportUnsupported):
		return "Nearby messaging is not supported on this device. Connect to a network with local discovery enabled."
	case errors.Is(err, link.ErrPermissionDenied):
		return "Nearby messaging was denied access to the network. Grant the permission and try again."
	case errors.Is(err, link.ErrNoPeersFound):
		return "No nearby Offchat users found. Make sure the other device is in offline mode and try again."
	case errors.Is(err, outbox.ErrTooLarge):
		return "This message is too large to send to a nearby device. Shorten it and try again."
	case errors.Is(err, ErrNotOffline):
		return "Turn on offline mode before connecting to nearby devices."
	case errors.Is(err, storage.ErrStorageUnavailable):
		return "Local message storage is not available."
	default:
		return err.Error()
	}
}
