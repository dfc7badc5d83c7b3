package outbox

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/offchat/internal/events"
	"github.com/petervdpas/offchat/internal/link"
	"github.com/petervdpas/offchat/internal/proto"
	"github.com/petervdpas/offchat/internal/storage"
)

type mockTransport struct {
	mock.Mock
	msgHandlers  []link.MessageHandler
	peerHandlers []link.PeerEventHandler
}

func (t *mockTransport) Send(_ context.Context, peerID string, f proto.Frame) error {
	return t.Called(peerID, f.ID).Error(0)
}

func (t *mockTransport) Peers() []link.Peer {
	return t.Called().Get(0).([]link.Peer)
}

func (t *mockTransport) Linked(peerID string) bool {
	return t.Called(peerID).Bool(0)
}

func (t *mockTransport) OnMessage(h link.MessageHandler) {
	t.msgHandlers = append(t.msgHandlers, h)
}

func (t *mockTransport) OnPeerEvent(h link.PeerEventHandler) {
	t.peerHandlers = append(t.peerHandlers, h)
}

func (t *mockTransport) deliver(peerID string, f proto.Frame) error {
	for _, h := range t.msgHandlers {
		if err := h(peerID, f); err != nil {
			return err
		}
	}
	return nil
}

func peers(ids ...string) []link.Peer {
	out := make([]link.Peer, len(ids))
	for i, id := range ids {
		out[i] = link.Peer{ID: id}
	}
	return out
}

type fixture struct {
	store *storage.Store
	clk   *clock.Mock
	bus   *events.Bus
	evs   <-chan events.Event
	tr    *mockTransport
	m     *Manager
}

func openStore(t *testing.T, clk clock.Clock) *storage.Store {
	t.Helper()
	s, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "offline.db"), storage.WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFixture(t *testing.T, retry RetryPolicy) *fixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	f := &fixture{
		store: openStore(t, clk),
		clk:   clk,
		bus:   events.NewBus(),
		tr:    &mockTransport{},
	}
	var cancel func()
	f.evs, cancel = f.bus.Subscribe()
	t.Cleanup(cancel)
	f.m = New(f.store, f.tr, Options{
		Self:  link.Identity{UserID: "alice", Username: "Alice"},
		Bus:   f.bus,
		Clock: clk,
		Retry: retry,
	})
	return f
}

func (f *fixture) enqueue(t *testing.T, contents ...string) []string {
	t.Helper()
	var ids []string
	for _, c := range contents {
		id, err := f.m.Enqueue(context.Background(), storage.Draft{ChatID: "c1", Content: c})
		require.NoError(t, err)
		ids = append(ids, id)
		f.clk.Add(time.Millisecond)
	}
	return ids
}

func buffered(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func waitEvent(t *testing.T, ch <-chan events.Event, typ string) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event", typ)
			return events.Event{}
		}
	}
}

func TestEnqueueFillsSender(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	ids := f.enqueue(t, "hi")

	msg, err := f.store.GetMessage(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.SenderID)
	assert.Equal(t, storage.Outbound, msg.Direction)
	assert.Equal(t, storage.StatusPending, msg.Status)
}

func TestEnqueueRejectsOversizedDraft(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	ctx := context.Background()

	_, err := f.m.Enqueue(ctx, storage.Draft{ChatID: "c1", Content: strings.Repeat("x", proto.DefaultMaxFrameBytes)})
	require.ErrorIs(t, err, ErrTooLarge)

	small := New(f.store, &mockTransport{}, Options{
		Self:          link.Identity{UserID: "alice", Username: "Alice"},
		Bus:           f.bus,
		Clock:         f.clk,
		MaxFrameBytes: 512,
	})
	_, err = small.Enqueue(ctx, storage.Draft{ChatID: "c1", Content: strings.Repeat("x", 512)})
	require.ErrorIs(t, err, ErrTooLarge)

	rows, err := f.store.ListRetryable(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = small.Enqueue(ctx, storage.Draft{ChatID: "c1", Content: "fits"})
	require.NoError(t, err)
}

func TestSendPendingWithoutPeersFailsEveryEntry(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	ids := f.enqueue(t, "a", "b", "c")
	f.tr.On("Peers").Return(peers())

	sum := f.m.SendPending(context.Background())
	assert.Equal(t, Summary{Failed: 3}, sum)

	for _, id := range ids {
		msg, err := f.store.GetMessage(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusFailed, msg.Status)
		assert.Equal(t, 1, msg.RetryCount)
	}

	evs := buffered(f.evs)
	require.Len(t, evs, 1)
	assert.Equal(t, events.MessageFailed, evs[0].Type)
	assert.Equal(t, 3, evs[0].Count)
	f.tr.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestSendPendingDeliversOldestFirst(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	ids := f.enqueue(t, "a", "b", "c")
	f.tr.On("Peers").Return(peers("p1"))
	f.tr.On("Send", "p1", mock.Anything).Return(nil)

	sum := f.m.SendPending(context.Background())
	assert.Equal(t, Summary{Sent: 3}, sum)

	var order []string
	for _, c := range f.tr.Calls {
		if c.Method == "Send" {
			order = append(order, c.Arguments.String(1))
		}
	}
	assert.Equal(t, ids, order)

	for _, id := range ids {
		msg, err := f.store.GetMessage(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusSent, msg.Status)
		assert.Equal(t, "p1", msg.PeerDeviceID)
	}

	evs := buffered(f.evs)
	require.Len(t, evs, 1)
	assert.Equal(t, events.MessageSent, evs[0].Type)
	assert.Equal(t, 3, evs[0].Count)
}

func TestSendPendingContinuesAfterFailure(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	ids := f.enqueue(t, "a", "b", "c")
	f.tr.On("Peers").Return(peers("p1"))
	f.tr.On("Send", "p1", ids[1]).Return(link.ErrAckTimeout).Once()
	f.tr.On("Send", "p1", mock.Anything).Return(nil)
	f.tr.On("Linked", "p1").Return(true).Maybe()

	sum := f.m.SendPending(context.Background())
	assert.Equal(t, Summary{Sent: 2, Failed: 1}, sum)

	evs := buffered(f.evs)
	require.Len(t, evs, 2)
	assert.Equal(t, events.MessageSent, evs[0].Type)
	assert.Equal(t, 2, evs[0].Count)
	assert.Equal(t, events.MessageFailed, evs[1].Type)
	assert.Equal(t, 1, evs[1].Count)

	// The failed entry goes out on the next drain.
	sum = f.m.SendPending(context.Background())
	assert.Equal(t, Summary{Sent: 1}, sum)
	msg, err := f.store.GetMessage(context.Background(), ids[1])
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
}

func TestAssignedPeerPreferredThenFallback(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	ctx := context.Background()

	pinned, err := f.m.Enqueue(ctx, storage.Draft{ChatID: "c1", Content: "to p2", PeerDeviceID: "p2"})
	require.NoError(t, err)
	f.clk.Add(time.Millisecond)
	gone, err := f.m.Enqueue(ctx, storage.Draft{ChatID: "c1", Content: "to p9", PeerDeviceID: "p9"})
	require.NoError(t, err)

	f.tr.On("Linked", "p2").Return(true)
	f.tr.On("Linked", "p9").Return(false)
	f.tr.On("Peers").Return(peers("p1", "p2"))
	f.tr.On("Send", "p2", pinned).Return(nil).Once()
	f.tr.On("Send", "p1", gone).Return(link.ErrLinkDown).Once()
	f.tr.On("Send", "p2", gone).Return(nil).Once()

	sum := f.m.SendPending(ctx)
	assert.Equal(t, Summary{Sent: 2}, sum)
	f.tr.AssertExpectations(t)

	msg, err := f.store.GetMessage(ctx, gone)
	require.NoError(t, err)
	assert.Equal(t, "p2", msg.PeerDeviceID)
}

func TestStorageErrorsAreSwallowed(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	f.enqueue(t, "a")
	require.NoError(t, f.store.Close())

	assert.NotPanics(t, func() {
		sum := f.m.SendPending(context.Background())
		assert.Equal(t, Summary{}, sum)
	})
	assert.Empty(t, buffered(f.evs))
}

func TestDetachFailsEntriesGracefully(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	ids := f.enqueue(t, "a", "b")
	f.m.Detach()

	sum := f.m.SendPending(context.Background())
	assert.Equal(t, Summary{Failed: 2}, sum)
	for _, id := range ids {
		msg, err := f.store.GetMessage(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusFailed, msg.Status)
	}
	f.tr.AssertNotCalled(t, "Peers")
}

func TestBackoffDefersRecentFailures(t *testing.T) {
	f := newFixture(t, RetryPolicy{Initial: time.Minute, Max: 10 * time.Minute, Multiplier: 2})
	ids := f.enqueue(t, "a")
	f.tr.On("Peers").Return(peers())

	assert.Equal(t, Summary{Failed: 1}, f.m.SendPending(context.Background()))
	assert.Equal(t, Summary{Deferred: 1}, f.m.SendPending(context.Background()))

	f.clk.Add(time.Minute)
	assert.Equal(t, Summary{Failed: 1}, f.m.SendPending(context.Background()))

	// Second failure doubles the wait.
	f.clk.Add(time.Minute)
	assert.Equal(t, Summary{Deferred: 1}, f.m.SendPending(context.Background()))
	f.clk.Add(time.Minute)
	assert.Equal(t, Summary{Failed: 1}, f.m.SendPending(context.Background()))

	msg, err := f.store.GetMessage(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, 3, msg.RetryCount)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{Initial: time.Second, Max: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Duration(0), p.delay(0))
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 4*time.Second, p.delay(3))
	assert.Equal(t, 5*time.Second, p.delay(4))

	assert.Equal(t, time.Duration(0), RetryPolicy{}.delay(7))
}

func chatFrame(id, content string) proto.Frame {
	return proto.Frame{
		Type: proto.TypeChat, ID: id, SenderID: "bob", Username: "Bob",
		ChatID: "c1", Content: content, Timestamp: 1714550000000,
	}
}

func TestInboundChatStoredOnceAndSurfaced(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	ctx := context.Background()

	require.NoError(t, f.tr.deliver("peer-b", chatFrame("frame-1", "hello")))
	require.NoError(t, f.tr.deliver("peer-b", chatFrame("frame-1", "hello")))

	evs := buffered(f.evs)
	require.Len(t, evs, 1)
	assert.Equal(t, events.MessageReceived, evs[0].Type)
	require.NotNil(t, evs[0].Message)
	assert.Equal(t, "bob", evs[0].Message.SenderID)
	assert.Equal(t, "hello", evs[0].Message.Content)
	assert.Equal(t, "peer-b", evs[0].PeerID)

	rows, err := f.store.ListChat(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, storage.Inbound, rows[0].Direction)
	assert.Equal(t, storage.StatusSent, rows[0].Status)
	assert.Equal(t, int64(1714550000000), rows[0].OriginTimestamp)

	// A fresh manager has an empty cache; the durable origin id still catches it.
	other := New(f.store, &mockTransport{}, Options{Bus: f.bus})
	require.NoError(t, other.handleFrame("peer-b", chatFrame("frame-1", "hello")))
	assert.Empty(t, buffered(f.evs))

	// Inbound rows never enter the outbox.
	out, err := f.store.ListRetryable(ctx)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestInboundStorageFailureWithholdsAck(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	require.NoError(t, f.store.Close())
	assert.Error(t, f.tr.deliver("peer-b", chatFrame("frame-1", "hello")))
	assert.Empty(t, buffered(f.evs))
}

func TestDiscoveryFrameStoresContact(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	require.NoError(t, f.tr.deliver("peer-b", proto.Frame{
		Type: proto.TypeDiscovery, ID: "d1", SenderID: "bob", Username: "Bob",
	}))

	contacts, err := f.store.ListRecentContacts(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "bob", contacts[0].ID)
	assert.Equal(t, "Bob", contacts[0].Username)
	assert.Equal(t, "peer-b", contacts[0].PeerDeviceID)

	ev := waitEvent(t, f.evs, events.PeerDiscovered)
	assert.Equal(t, "Bob", ev.Username)
}

func TestReplayInbox(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	ctx := context.Background()

	// Stored by an earlier run that stopped before surfacing it.
	_, err := f.store.InsertMessage(ctx, storage.Draft{
		ChatID: "c1", SenderID: "bob", Content: "late", Direction: storage.Inbound, OriginID: "frame-9",
	})
	require.NoError(t, err)

	n, err := f.m.ReplayInbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ev := waitEvent(t, f.evs, events.MessageReceived)
	assert.Equal(t, "late", ev.Message.Content)

	n, err = f.m.ReplayInbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInboundKeptPendingWhenNobodyListens(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	ctx := context.Background()

	quiet := events.NewBus()
	m := New(f.store, &mockTransport{}, Options{Bus: quiet, Clock: f.clk})
	require.NoError(t, m.handleFrame("peer-b", chatFrame("frame-1", "unheard")))

	inbox, err := f.store.ListInbox(ctx)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, storage.StatusPending, inbox[0].Status)

	n, err := m.ReplayInbox(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	evs, cancel := quiet.Subscribe()
	defer cancel()
	n, err = m.ReplayInbox(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	ev := waitEvent(t, evs, events.MessageReceived)
	assert.Equal(t, "unheard", ev.Message.Content)

	msg, err := f.store.GetMessage(ctx, inbox[0].ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSent, msg.Status)
}

func TestPeerEventsPublishedAndDrainNudged(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	f.tr.On("Peers").Return(peers("p1"))
	f.tr.On("Send", "p1", mock.Anything).Return(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		f.m.Run(ctx)
		close(done)
	}()

	for _, h := range f.tr.peerHandlers {
		h(link.PeerEvent{Type: link.PeerConnected, Peer: link.Peer{ID: "p1", Username: "Bob"}})
	}
	ev := waitEvent(t, f.evs, events.PeerConnected)
	assert.Equal(t, "p1", ev.PeerID)

	f.enqueue(t, "queued while linked")
	sent := waitEvent(t, f.evs, events.MessageSent)
	assert.Equal(t, 1, sent.Count)

	for _, h := range f.tr.peerHandlers {
		h(link.PeerEvent{Type: link.PeerDisconnected, Peer: link.Peer{ID: "p1"}})
	}
	waitEvent(t, f.evs, events.PeerDisconnected)

	cancel()
	<-done
}

func TestRunWithoutPeersLeavesQueueUntouched(t *testing.T) {
	f := newFixture(t, RetryPolicy{})
	ids := f.enqueue(t, "waiting")

	var drains int32
	f.tr.On("Peers").Return(peers()).Run(func(mock.Arguments) { atomic.AddInt32(&drains, 1) })
	ranAtLeast := func(n int32) func() bool {
		return func() bool { return atomic.LoadInt32(&drains) >= n }
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.m.Run(ctx)
		close(done)
	}()

	// Start-up drain plus the nudge left by Enqueue.
	require.Eventually(t, ranAtLeast(2), 2*time.Second, 5*time.Millisecond)
	for i := int32(1); i <= 4; i++ {
		f.clk.Add(DefaultDrainInterval)
		require.Eventually(t, ranAtLeast(2+i), 2*time.Second, 5*time.Millisecond)
	}
	cancel()
	<-done

	msg, err := f.store.GetMessage(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, msg.Status)
	assert.Zero(t, msg.RetryCount)
	for _, ev := range buffered(f.evs) {
		assert.NotEqual(t, events.MessageFailed, ev.Type)
	}

	// An explicit retry still reports the failure.
	assert.Equal(t, Summary{Failed: 1}, f.m.SendPending(context.Background()))
}

// Two devices linked over an in-memory pipe: messages queued with no peer
// fail, then all go out once a link appears, and arrive in order.
func TestQueuedWhileAloneDeliveredAfterLink(t *testing.T) {
	ctx := context.Background()

	alice := newFixtureOver(t, "alice", "peer-a")
	bob := newFixtureOver(t, "bob", "peer-b")

	ids := []string{}
	for _, c := range []string{"one", "two", "three"} {
		id, err := alice.m.Enqueue(ctx, storage.Draft{ChatID: "c1", Content: c})
		require.NoError(t, err)
		ids = append(ids, id)
		alice.clk.Add(time.Millisecond)
	}
	assert.Equal(t, Summary{Failed: 3}, alice.m.SendPending(ctx))

	ca, cb := net.Pipe()
	alice.mux.Attach("peer-b", "peer-a", ca)
	bob.mux.Attach("peer-a", "peer-a", cb)
	t.Cleanup(func() {
		_ = alice.mux.CloseAll()
		_ = bob.mux.CloseAll()
	})

	assert.Equal(t, Summary{Sent: 3}, alice.m.SendPending(ctx))

	var got []string
	for len(got) < 3 {
		ev := waitEvent(t, bob.evs, events.MessageReceived)
		got = append(got, ev.Message.Content)
		assert.Equal(t, "alice", ev.Message.SenderID)
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)

	for _, id := range ids {
		msg, err := alice.store.GetMessage(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, storage.StatusSent, msg.Status)
		assert.Equal(t, 1, msg.RetryCount)
	}

	// A retransmission of an already delivered frame is acked and ignored.
	require.NoError(t, alice.mux.Send(ctx, "peer-b", proto.Frame{
		Type: proto.TypeChat, ID: ids[0], SenderID: "alice", ChatID: "c1", Content: "one",
	}))
	rows, err := bob.store.ListChat(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

type linkedFixture struct {
	*fixture
	mux *link.Mux
}

func newFixtureOver(t *testing.T, user, peerID string) *linkedFixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	self := link.Identity{UserID: user, Username: user}
	mux := link.NewMux(peerID, self, clock.New(), 2*time.Second, 0)
	f := &fixture{store: openStore(t, clk), clk: clk, bus: events.NewBus()}
	var cancel func()
	f.evs, cancel = f.bus.Subscribe()
	t.Cleanup(cancel)
	f.m = New(f.store, mux, Options{Self: self, Bus: f.bus, Clock: clk})
	return &linkedFixture{fixture: f, mux: mux}
}
