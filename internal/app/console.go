package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/petervdpas/offchat/internal/mode"
	"github.com/petervdpas/offchat/internal/storage"
)

var errUsage = errors.New("usage")

// console runs line commands against a running peer.
type console struct {
	ctrl   *mode.Controller
	store  *storage.Store
	recent time.Duration // contacts listing window
	out    io.Writer
}

func newConsole(ctrl *mode.Controller, store *storage.Store, recent time.Duration, out io.Writer) *console {
	if out == nil {
		out = io.Discard
	}
	return &console{ctrl: ctrl, store: store, recent: recent, out: out}
}

func (c *console) loop(ctx context.Context, r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := c.exec(ctx, sc.Text()); err != nil {
			fmt.Fprintf(c.out, "error: %s\n", mode.UserMessage(err))
		}
	}
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help":
		c.help()

	case "offline":
		if err := c.ctrl.EnterOffline(ctx); err != nil {
			return err
		}
		c.printf("offline mode active\n")

	case "online":
		if err := c.ctrl.ExitOffline(); err != nil {
			return err
		}
		c.printf("online mode active\n")

	case "toggle":
		on, err := c.ctrl.Toggle(ctx)
		if err != nil {
			return err
		}
		c.printf("offline=%v\n", on)

	case "connect":
		p, err := c.ctrl.Connect(ctx)
		if err != nil {
			return err
		}
		c.printf("linked %s %s\n", p.ID, p.Username)

	case "peers":
		for _, p := range c.ctrl.Peers() {
			c.printf("%s\t%s\t%s\n", p.ID, p.Username, p.ConnectedAt.Format(time.RFC3339))
		}

	case "send":
		if len(args) < 2 {
			return fmt.Errorf("%w: send <chat> <text>", errUsage)
		}
		id, via, err := c.ctrl.Send(ctx, storage.Draft{
			ChatID:  args[0],
			Content: strings.Join(args[1:], " "),
		})
		if err != nil {
			return err
		}
		c.printf("%s via %s\n", id, via)

	case "retry":
		ob := c.ctrl.Outbox()
		if ob == nil {
			return mode.ErrNotOffline
		}
		sum := ob.SendPending(ctx)
		c.printf("%d sent / %d failed / %d deferred\n", sum.Sent, sum.Failed, sum.Deferred)

	case "pending":
		rows, err := c.store.ListRetryable(ctx)
		if err != nil {
			return err
		}
		for _, m := range rows {
			c.printf("%s\t%s\t%s\tretries=%d\t%s\n", m.ID, m.ChatID, m.Status, m.RetryCount, preview(m.Content))
		}

	case "chat":
		if len(args) != 1 {
			return fmt.Errorf("%w: chat <chat>", errUsage)
		}
		rows, err := c.store.ListChat(ctx, args[0])
		if err != nil {
			return err
		}
		for _, m := range rows {
			c.printf("%s\t%s\t%s\t%s\n", time.UnixMilli(m.Timestamp).Format(time.Kitchen), m.SenderID, m.Status, m.Content)
		}

	case "contacts":
		rows, err := c.store.ListRecentContacts(ctx, c.recent)
		if err != nil {
			return err
		}
		for _, ct := range rows {
			c.printf("%s\t%s\t%s\n", ct.Username, ct.PeerDeviceID, ct.LastSeen.Format(time.RFC3339))
		}

	case "purge":
		if len(args) != 1 {
			return fmt.Errorf("%w: purge <id>", errUsage)
		}
		if err := c.store.Purge(ctx, args[0]); err != nil {
			return err
		}
		c.printf("purged %s\n", args[0])

	case "gc":
		res, err := c.store.GarbageCollect(ctx)
		if err != nil {
			return err
		}
		c.printf("removed %d messages, %d contacts\n", res.Messages, res.Contacts)

	case "stats":
		st, err := c.store.Stats(ctx)
		if err != nil {
			return err
		}
		c.printf("messages=%d pending=%d failed=%d contacts=%d chats=%d offline=%v\n",
			st.Messages, st.Pending, st.Failed, st.Contacts, st.Chats, c.ctrl.IsOffline())

	case "events":
		for _, ev := range c.ctrl.Recent() {
			c.printf("%s\n", describe(ev))
		}

	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (c *console) help() {
	c.printf(`commands:
  offline | online | toggle   switch mode
  connect                     find and link a nearby device
  peers                       linked devices
  send <chat> <text>          send a message
  retry                       drain the outbox now
  pending                     queued and failed messages
  chat <chat>                 messages of a chat
  contacts                    recently seen devices
  purge <id>                  drop a queued message
  gc                          remove old delivered messages and stale contacts
  stats                       store counters
  events                      recent notifications
`)
}
