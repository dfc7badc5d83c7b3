package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"go.uber.org/multierr"

	"github.com/petervdpas/offchat/internal/proto"
	"github.com/petervdpas/offchat/internal/util"
)

var log = logging.Logger("offchat/link")

func init() {
	// Dial failures and backoff errors from libp2p internals are noise here.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("mdns", "warn")
	logging.SetLogLevel("basichost", "warn")
}

const (
	DefaultScanTimeout       = 10 * time.Second
	DefaultAckTimeout        = 10 * time.Second
	DefaultDiscoveryInterval = 30 * time.Second

	foundCap = 32
)

var (
	// ErrTransportUnsupported means the device has no interface that can
	// carry local discovery traffic.
	ErrTransportUnsupported = errors.New("peer transport unsupported on this device")

	// ErrPermissionDenied means the OS refused network access.
	ErrPermissionDenied = errors.New("peer transport permission denied")

	ErrNoPeersFound = errors.New("no peers found")
	ErrLinkDown     = errors.New("link down")
	ErrAckTimeout   = errors.New("ack timeout")
)

type Config struct {
	ListenPort        int
	KeyFile           string
	ServiceTag        string
	Identity          Identity
	ScanTimeout       time.Duration
	AckTimeout        time.Duration
	DiscoveryInterval time.Duration
	MaxFrameBytes     int

	// Clock drives scan, ack and announce timers. Nil means the wall clock.
	Clock clock.Clock

	// Probe reports whether local discovery can work on this device.
	// Nil means checking for an up, multicast-capable, non-loopback interface.
	Probe func() error
}

func (c *Config) applyDefaults() {
	if c.ServiceTag == "" {
		c.ServiceTag = proto.MdnsTag
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DefaultScanTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.DiscoveryInterval <= 0 {
		c.DiscoveryInterval = DefaultDiscoveryInterval
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = proto.DefaultMaxFrameBytes
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Probe == nil {
		c.Probe = multicastProbe
	}
}

// Node is the libp2p side of the peer transport: host, mDNS discovery and
// the link protocol handler. Link state lives in the embedded Mux.
type Node struct {
	*Mux
	Host host.Host
	cfg  Config

	found chan peer.AddrInfo

	advMu     sync.Mutex
	md        mdns.Service
	advCancel context.CancelFunc

	cancel context.CancelFunc
}

type mdnsNotifee struct {
	self  peer.ID
	found chan<- peer.AddrInfo
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.self {
		return
	}
	select {
	case n.found <- pi:
	default:
		log.Debugw("candidate queue full, dropping", "peer", shortID(pi.ID.String()))
	}
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Warnf("corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0o600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

// LocalPeerID returns the peer id the node will use with keyFile, creating
// the key on first run.
func LocalPeerID(keyFile string) (string, error) {
	priv, _, err := loadOrCreateKey(keyFile)
	if err != nil {
		return "", mapOSError(err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func listenAddrs(port int) ([]ma.Multiaddr, error) {
	var out []ma.Multiaddr
	for _, s := range []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", port),
	} {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// New starts a libp2p host and registers the link protocol. Discovery does
// not run until StartAdvertising.
func New(ctx context.Context, cfg Config) (*Node, error) {
	cfg.applyDefaults()

	var opts []libp2p.Option
	if cfg.KeyFile != "" {
		priv, isNew, err := loadOrCreateKey(cfg.KeyFile)
		if err != nil {
			return nil, mapOSError(err)
		}
		if isNew {
			log.Infof("generated new identity key: %s", cfg.KeyFile)
		} else {
			log.Infof("loaded identity key: %s", cfg.KeyFile)
		}
		opts = append(opts, libp2p.Identity(priv))
	}

	addrs, err := listenAddrs(cfg.ListenPort)
	if err != nil {
		return nil, err
	}
	opts = append(opts, libp2p.ListenAddrs(addrs...))

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, mapOSError(fmt.Errorf("start host: %w", err))
	}

	nctx, cancel := context.WithCancel(ctx)
	n := &Node{
		Mux:    NewMux(h.ID().String(), cfg.Identity, cfg.Clock, cfg.AckTimeout, cfg.MaxFrameBytes),
		Host:   h,
		cfg:    cfg,
		found:  make(chan peer.AddrInfo, foundCap),
		cancel: cancel,
	}

	h.SetStreamHandler(protocol.ID(proto.LinkProtoID), func(s network.Stream) {
		remote := s.Conn().RemotePeer().String()
		n.attach(remote, remote, s)
	})

	if err := n.watchConnectedness(nctx); err != nil {
		cancel()
		_ = h.Close()
		return nil, err
	}

	log.Infof("link node %s listening on %v", shortID(n.ID()), n.LANAddrs())
	return n, nil
}

// watchConnectedness drops a link as soon as libp2p reports the peer gone,
// without waiting for the stream read to fail.
func (n *Node) watchConnectedness(ctx context.Context) error {
	sub, err := n.Host.EventBus().Subscribe(new(event.EvtPeerConnectednessChanged))
	if err != nil {
		return fmt.Errorf("subscribe connectedness: %w", err)
	}
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-sub.Out():
				if !ok {
					return
				}
				ev := e.(event.EvtPeerConnectednessChanged)
				if ev.Connectedness != network.NotConnected {
					continue
				}
				if s, ok := n.session(ev.Peer.String()); ok {
					n.detach(s)
				}
			}
		}
	}()
	return nil
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// LANAddrs returns the host's listen addresses without loopback ones.
func (n *Node) LANAddrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		if manet.IsIPLoopback(a) {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

// StartAdvertising makes this device discoverable and starts the periodic
// discovery broadcast on open links. Calling it again is a no-op.
func (n *Node) StartAdvertising(ctx context.Context) error {
	n.advMu.Lock()
	defer n.advMu.Unlock()

	if n.md != nil {
		return nil
	}
	if err := n.cfg.Probe(); err != nil {
		return err
	}

	md := mdns.NewMdnsService(n.Host, n.cfg.ServiceTag, &mdnsNotifee{self: n.Host.ID(), found: n.found})
	if err := md.Start(); err != nil {
		return mapOSError(fmt.Errorf("start mdns: %w", err))
	}
	n.md = md

	actx, cancel := context.WithCancel(context.Background())
	n.advCancel = cancel
	go n.announceLoop(actx)

	log.Infof("advertising as %q", n.cfg.ServiceTag)
	return nil
}

func (n *Node) announceLoop(ctx context.Context) {
	t := n.clk.Ticker(n.cfg.DiscoveryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.Broadcast(n.discoveryFrame())
		}
	}
}

// DiscoverAndConnect waits for a nearby device and opens a link to it. If
// the first candidate is already linked its existing link is returned.
func (n *Node) DiscoverAndConnect(ctx context.Context) (Peer, error) {
	if err := n.StartAdvertising(ctx); err != nil {
		return Peer{}, err
	}
	timer := n.clk.Timer(n.cfg.ScanTimeout)
	defer timer.Stop()
	return n.scan(ctx, timer.C, n.found, n.dial)
}

func (n *Node) dial(ctx context.Context, pi peer.AddrInfo) (io.ReadWriteCloser, error) {
	dctx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	defer cancel()
	if err := n.Host.Connect(dctx, pi); err != nil {
		return nil, err
	}
	return n.Host.NewStream(dctx, pi.ID, protocol.ID(proto.LinkProtoID))
}

// DisconnectAll closes every link and stops discovery. It is safe to call
// at any time; sends in flight fail with ErrLinkDown.
func (n *Node) DisconnectAll() error {
	var err error

	n.advMu.Lock()
	if n.advCancel != nil {
		n.advCancel()
		n.advCancel = nil
	}
	if n.md != nil {
		err = multierr.Append(err, n.md.Close())
		n.md = nil
	}
	n.advMu.Unlock()

	// Candidates seen before the stop are stale.
drain:
	for {
		select {
		case <-n.found:
		default:
			break drain
		}
	}

	return multierr.Append(err, n.CloseAll())
}

// Close tears down the node including the libp2p host.
func (n *Node) Close() error {
	err := n.DisconnectAll()
	n.cancel()
	return multierr.Append(err, n.Host.Close())
}

type dialFunc func(ctx context.Context, pi peer.AddrInfo) (io.ReadWriteCloser, error)

// scan consumes discovery candidates until one accepts a link or timeout fires.
func (m *Mux) scan(ctx context.Context, timeout <-chan time.Time, cands <-chan peer.AddrInfo, dial dialFunc) (Peer, error) {
	for {
		select {
		case <-ctx.Done():
			return Peer{}, ctx.Err()
		case <-timeout:
			return Peer{}, ErrNoPeersFound
		case pi := <-cands:
			id := pi.ID.String()
			if id == m.localID {
				continue
			}
			if p, ok := m.Peer(id); ok {
				return p, nil
			}
			rw, err := dial(ctx, pi)
			if err != nil {
				if errors.Is(err, fs.ErrPermission) {
					return Peer{}, ErrPermissionDenied
				}
				log.Debugw("candidate did not accept link", "peer", shortID(id), "err", err)
				continue
			}
			return m.attach(id, m.localID, rw).peer(), nil
		}
	}
}

// multicastProbe checks for an interface mDNS can use.
func multicastProbe() error {
	ifaces, err := net.Interfaces()
	if err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return ErrPermissionDenied
		}
		return fmt.Errorf("%w: %v", ErrTransportUnsupported, err)
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		if ifi.Flags&net.FlagMulticast != 0 {
			return nil
		}
	}
	return ErrTransportUnsupported
}

func mapOSError(err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return err
}
