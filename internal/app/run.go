package app

import (
	"context"
	"fmt"
	"io"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/multierr"

	"github.com/petervdpas/offchat/internal/config"
	"github.com/petervdpas/offchat/internal/events"
	"github.com/petervdpas/offchat/internal/link"
	"github.com/petervdpas/offchat/internal/metrics"
	"github.com/petervdpas/offchat/internal/mode"
	"github.com/petervdpas/offchat/internal/online"
	"github.com/petervdpas/offchat/internal/outbox"
	"github.com/petervdpas/offchat/internal/storage"
	"github.com/petervdpas/offchat/internal/util"
)

var log = logging.Logger("offchat/app")

const onlineRetryInterval = 30 * time.Second

type Options struct {
	PeerDir string
	CfgPath string
	Cfg     config.Config

	// In feeds console commands; nil runs headless.
	In  io.Reader
	Out io.Writer
}

// resolveIdentity fills in a missing user id from the device key.
func resolveIdentity(cfg config.Config, keyFile string) (link.Identity, error) {
	self := link.Identity{UserID: cfg.Identity.UserID, Username: cfg.Identity.Username}
	if self.Username == "" {
		self.Username = mode.DefaultUsername
	}
	if self.UserID != "" {
		return self, nil
	}
	pid, err := link.LocalPeerID(keyFile)
	if err != nil {
		return link.Identity{}, fmt.Errorf("derive user id: %w", err)
	}
	self.UserID = util.AnonymousID(pid)
	return self, nil
}

func linkFactory(cfg config.Config, keyFile string, self link.Identity) mode.Factory {
	return func(ctx context.Context) (mode.Transport, error) {
		n, err := link.New(ctx, link.Config{
			ListenPort:        cfg.Link.ListenPort,
			KeyFile:           keyFile,
			ServiceTag:        cfg.Link.ServiceTag,
			Identity:          self,
			ScanTimeout:       cfg.Link.ScanTimeout(),
			AckTimeout:        cfg.Link.AckTimeout(),
			DiscoveryInterval: cfg.Link.DiscoveryInterval(),
			MaxFrameBytes:     cfg.Link.MaxFrameBytes,
		})
		if err != nil {
			return nil, err
		}
		return n, nil
	}
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	logBanner(opt.PeerDir, opt.CfgPath)

	keyFile := util.ResolvePath(opt.PeerDir, cfg.Identity.KeyFile)
	self, err := resolveIdentity(cfg, keyFile)
	if err != nil {
		return err
	}
	log.Infof("user %s (%s)", self.UserID, self.Username)

	store, err := storage.Open(ctx, util.ResolvePath(opt.PeerDir, cfg.Storage.Path),
		storage.WithRetention(cfg.Storage.SentRetention(), cfg.Storage.ContactTTL()))
	if err != nil {
		return err
	}

	var client *online.Client
	var sender mode.OnlineSender
	if cfg.Online.ServerURL != "" {
		client = online.New(online.Config{
			URL:         cfg.Online.ServerURL,
			UserID:      self.UserID,
			DialTimeout: cfg.Online.DialTimeout(),
			SendTimeout: cfg.Online.SendTimeout(),
		})
		sender = client
		go keepOnline(ctx, client)
	}

	ctrl := mode.New(mode.Options{
		Store:        store,
		NewTransport: linkFactory(cfg, keyFile, self),
		Online:       sender,
		Self:         self,
		Outbox: outbox.Options{
			DrainInterval: cfg.Outbox.DrainInterval(),
			DedupSize:     cfg.Outbox.DedupSize,
			MaxFrameBytes: cfg.Link.MaxFrameBytes,
			Retry: outbox.RetryPolicy{
				Initial: cfg.Outbox.BackoffInitial(),
				Max:     cfg.Outbox.BackoffMax(),
			},
		},
	})

	evs, stopEvents := ctrl.Bus().Subscribe()
	go logEvents(evs)

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				log.Warnw("metrics server stopped", "err", err)
			}
		}()
	}

	applyMode(ctx, ctrl, cfg.Mode.StartOffline)

	watcher, err := config.Watch(opt.CfgPath, func(c config.Config) {
		log.Infof("config changed, start_offline=%v", c.Mode.StartOffline)
		applyMode(ctx, ctrl, c.Mode.StartOffline)
	})
	if err != nil {
		log.Warnw("config watcher disabled", "err", err)
	}

	if iv := cfg.Storage.GCInterval(); iv > 0 {
		go collectGarbage(ctx, store, iv)
	}

	if opt.In != nil {
		con := newConsole(ctrl, store, cfg.Storage.RecentWindow(), opt.Out)
		go func() {
			con.loop(ctx, opt.In)
		}()
	}

	<-ctx.Done()
	log.Infof("shutting down")

	var errs error
	if watcher != nil {
		errs = multierr.Append(errs, watcher.Close())
	}
	errs = multierr.Append(errs, ctrl.Close())
	stopEvents()
	if client != nil {
		errs = multierr.Append(errs, client.Close())
	}
	errs = multierr.Append(errs, store.Close())
	return errs
}

// applyMode moves ctrl into the wanted mode. Capability errors are logged
// as user-facing text and leave the mode unchanged.
func applyMode(ctx context.Context, ctrl *mode.Controller, offline bool) {
	var err error
	switch {
	case offline && !ctrl.IsOffline():
		err = ctrl.EnterOffline(ctx)
	case !offline && ctrl.IsOffline():
		err = ctrl.ExitOffline()
	}
	if err != nil {
		log.Errorf("%s (%v)", mode.UserMessage(err), err)
	}
}

func keepOnline(ctx context.Context, c *online.Client) {
	t := time.NewTicker(onlineRetryInterval)
	defer t.Stop()
	for {
		if !c.Available() {
			if err := c.Connect(ctx); err != nil {
				log.Debugw("chat server unreachable", "err", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func collectGarbage(ctx context.Context, store *storage.Store, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := store.GarbageCollect(ctx)
			if err != nil {
				log.Warnw("garbage collection failed", "err", err)
				continue
			}
			if res.Messages > 0 || res.Contacts > 0 {
				log.Infof("gc: removed %d messages, %d contacts", res.Messages, res.Contacts)
			}
		}
	}
}

// logEvents prints the notifications a user would see.
func logEvents(evs <-chan events.Event) {
	for ev := range evs {
		log.Info(describe(ev))
	}
}

func describe(ev events.Event) string {
	switch ev.Type {
	case events.MessageSent:
		return fmt.Sprintf("%d message(s) delivered to nearby peers", ev.Count)
	case events.MessageFailed:
		return fmt.Sprintf("%d message(s) could not be delivered, will retry", ev.Count)
	case events.MessageReceived:
		if ev.Message == nil {
			return "message received"
		}
		return fmt.Sprintf("message from %s in %s: %s", ev.Message.SenderID, ev.Message.ChatID, preview(ev.Message.Content))
	case events.PeerConnected:
		return fmt.Sprintf("peer connected: %s", peerLabel(ev))
	case events.PeerDisconnected:
		return fmt.Sprintf("peer disconnected: %s", peerLabel(ev))
	case events.PeerDiscovered:
		return fmt.Sprintf("discovered %s", peerLabel(ev))
	case events.ModeChanged:
		if ev.Offline {
			return "offline mode active"
		}
		return "online mode active"
	case events.NoPeersFound:
		return mode.UserMessage(link.ErrNoPeersFound)
	}
	return ev.Type
}

func peerLabel(ev events.Event) string {
	if ev.Username != "" {
		return ev.Username
	}
	return ev.PeerID
}

func preview(s string) string {
	const max = 50
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
