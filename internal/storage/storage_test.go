package storage

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "offline.db"), WithClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func draft(chat, content string) Draft {
	return Draft{ChatID: chat, SenderID: "alice", Content: content}
}

func TestStoreUnavailableBeforeInit(t *testing.T) {
	ctx := context.Background()
	s := New(filepath.Join(t.TempDir(), "offline.db"))
	assert.False(t, s.Ready())

	_, err := s.InsertMessage(ctx, draft("c1", "hi"))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
	_, err = s.ListAllPending(ctx)
	assert.ErrorIs(t, err, ErrStorageUnavailable)

	require.NoError(t, s.Init(ctx))
	require.NoError(t, s.Init(ctx), "second Init is a no-op")
	assert.True(t, s.Ready())

	require.NoError(t, s.Close())
	_, err = s.InsertMessage(ctx, draft("c1", "hi"))
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestInsertMessageDefaults(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	id, err := s.InsertMessage(ctx, Draft{
		ChatID:          "c1",
		SenderID:        "alice",
		Content:         "pay me",
		MessageType:     "transaction",
		TransactionData: json.RawMessage(`{"amount":5}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	m, err := s.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, m.Status)
	assert.Equal(t, 0, m.RetryCount)
	assert.Equal(t, Outbound, m.Direction)
	assert.Equal(t, clk.Now().UnixMilli(), m.Timestamp)
	assert.JSONEq(t, `{"amount":5}`, string(m.TransactionData))

	id2, err := s.InsertMessage(ctx, draft("c1", "plain"))
	require.NoError(t, err)
	m2, err := s.GetMessage(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, MessageTypeText, m2.MessageType)
	assert.Nil(t, m2.TransactionData)
}

func TestInsertMessageValidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.InsertMessage(ctx, Draft{SenderID: "alice"})
	assert.Error(t, err)
	_, err = s.InsertMessage(ctx, Draft{ChatID: "c1"})
	assert.Error(t, err)
	_, err = s.InsertMessage(ctx, Draft{ChatID: "c1", SenderID: "a", TransactionData: json.RawMessage(`{`)})
	assert.Error(t, err)
}

func TestInsertMessageConcurrentIDsUnique(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.InsertMessage(ctx, draft("c1", "x"))
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}

	pending, err := s.ListAllPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, n)
}

func TestListPendingOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	a, err := s.InsertMessage(ctx, draft("c1", "a"))
	require.NoError(t, err)
	clk.Add(time.Second)
	b, err := s.InsertMessage(ctx, draft("c2", "b"))
	require.NoError(t, err)
	clk.Add(time.Second)
	c, err := s.InsertMessage(ctx, draft("c1", "c"))
	require.NoError(t, err)
	clk.Add(time.Second)
	d, err := s.InsertMessage(ctx, draft("c1", "d"))
	require.NoError(t, err)

	require.NoError(t, s.MarkSent(ctx, c))
	require.NoError(t, s.MarkFailed(ctx, d))

	// Inbound rows never show up in the outbox.
	_, err = s.InsertMessage(ctx, Draft{ChatID: "c1", SenderID: "bob", Direction: Inbound, OriginID: "f1"})
	require.NoError(t, err)

	all, err := s.ListAllPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, ids(all))

	chat, err := s.ListPending(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{a}, ids(chat))

	retry, err := s.ListRetryable(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b, d}, ids(retry))

	inbox, err := s.ListInbox(ctx)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "bob", inbox[0].SenderID)
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	id, err := s.InsertMessage(ctx, draft("c1", "hi"))
	require.NoError(t, err)

	require.NoError(t, s.MarkFailed(ctx, id))
	require.NoError(t, s.MarkFailed(ctx, id))
	m, err := s.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, m.Status)
	assert.Equal(t, 2, m.RetryCount)
	assert.NotZero(t, m.LastAttemptAt)

	require.NoError(t, s.MarkSent(ctx, id))
	require.NoError(t, s.MarkSent(ctx, id), "marking sent twice is a no-op")
	m, err = s.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSent, m.Status)
	assert.Equal(t, 2, m.RetryCount)

	assert.ErrorIs(t, s.MarkFailed(ctx, id), ErrInvalidTransition)
}

func TestUnknownIDs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	assert.ErrorIs(t, s.MarkSent(ctx, "nope"), ErrNotFound)
	assert.ErrorIs(t, s.MarkFailed(ctx, "nope"), ErrNotFound)
	assert.ErrorIs(t, s.AssignPeer(ctx, "nope", "p1"), ErrNotFound)
	assert.ErrorIs(t, s.Purge(ctx, "nope"), ErrNotFound)
	_, err := s.GetMessage(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInboundDuplicate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	in := Draft{ChatID: "c1", SenderID: "bob", Content: "yo", Direction: Inbound, OriginID: "frame-1", OriginTimestamp: 42}
	first, err := s.InsertMessage(ctx, in)
	require.NoError(t, err)

	again, err := s.InsertMessage(ctx, in)
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, first, again)

	inbox, err := s.ListInbox(ctx)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, int64(42), inbox[0].OriginTimestamp)

	// The same origin id in the other direction is a different message.
	_, err = s.InsertMessage(ctx, Draft{ChatID: "c1", SenderID: "me", OriginID: "frame-1"})
	assert.NoError(t, err)
}

func TestAssignPeerAndPurge(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	id, err := s.InsertMessage(ctx, draft("c1", "hi"))
	require.NoError(t, err)
	require.NoError(t, s.AssignPeer(ctx, id, "peer-1"))

	m, err := s.GetMessage(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "peer-1", m.PeerDeviceID)

	require.NoError(t, s.MarkFailed(ctx, id))
	require.NoError(t, s.Purge(ctx, id))
	_, err = s.GetMessage(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestContactsUpsertAndRecent(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	require.NoError(t, s.UpsertContact(ctx, Contact{Username: "bob", PeerDeviceID: "p-bob"}))
	clk.Add(2 * time.Hour)
	require.NoError(t, s.UpsertContact(ctx, Contact{Username: "carol", PeerDeviceID: "p-carol"}))
	require.NoError(t, s.UpsertContact(ctx, Contact{PeerDeviceID: "p-carol"}))

	all, err := s.ListContacts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "repeated discovery keeps one row per device")
	assert.Equal(t, "p-carol", all[0].PeerDeviceID)
	assert.Equal(t, "carol", all[0].Username, "empty username keeps the known one")

	recent, err := s.ListRecentContacts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "p-carol", recent[0].PeerDeviceID)
	assert.Equal(t, clk.Now().UnixMilli(), recent[0].LastSeen.UnixMilli())

	wide, err := s.ListRecentContacts(ctx, 3*time.Hour)
	require.NoError(t, err)
	assert.Len(t, wide, 2)

	assert.Error(t, s.UpsertContact(ctx, Contact{Username: "nobody"}))
}

func TestUpsertContactKeepsLatestLastSeen(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	seen := clk.Now().Add(-30 * time.Minute)
	require.NoError(t, s.UpsertContact(ctx, Contact{Username: "bob", PeerDeviceID: "p-bob", LastSeen: seen}))

	all, err := s.ListContacts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, seen.UnixMilli(), all[0].LastSeen.UnixMilli())

	// An older report updates the name but not the time.
	require.NoError(t, s.UpsertContact(ctx, Contact{Username: "robert", PeerDeviceID: "p-bob", LastSeen: seen.Add(-time.Hour)}))
	all, err = s.ListContacts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "robert", all[0].Username)
	assert.Equal(t, seen.UnixMilli(), all[0].LastSeen.UnixMilli())

	// No LastSeen means now.
	require.NoError(t, s.UpsertContact(ctx, Contact{PeerDeviceID: "p-bob"}))
	all, err = s.ListContacts(ctx)
	require.NoError(t, err)
	assert.Equal(t, clk.Now().UnixMilli(), all[0].LastSeen.UnixMilli())
}

func TestGarbageCollect(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(t)

	oldSent, err := s.InsertMessage(ctx, draft("old", "sent long ago"))
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, oldSent))
	oldPending, err := s.InsertMessage(ctx, draft("c1", "still queued"))
	require.NoError(t, err)
	oldFailed, err := s.InsertMessage(ctx, draft("c1", "still failing"))
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, oldFailed))
	require.NoError(t, s.UpsertContact(ctx, Contact{PeerDeviceID: "stale"}))

	clk.Add(DefaultSentRetention + time.Hour)

	freshSent, err := s.InsertMessage(ctx, draft("c1", "recent"))
	require.NoError(t, err)
	require.NoError(t, s.MarkSent(ctx, freshSent))
	require.NoError(t, s.UpsertContact(ctx, Contact{PeerDeviceID: "fresh"}))

	res, err := s.GarbageCollect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Messages)
	assert.Equal(t, int64(1), res.Contacts)

	for _, id := range []string{oldPending, oldFailed, freshSent} {
		_, err := s.GetMessage(ctx, id)
		assert.NoError(t, err, "message %s must survive", id)
	}
	_, err = s.GetMessage(ctx, oldSent)
	assert.ErrorIs(t, err, ErrNotFound)

	contacts, err := s.ListContacts(ctx)
	require.NoError(t, err)
	require.Len(t, contacts, 1)
	assert.Equal(t, "fresh", contacts[0].PeerDeviceID)

	chats, err := s.ListChats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 1, "the emptied chat is dropped")
	assert.Equal(t, "c1", chats[0].ID)
	assert.Equal(t, 3, chats[0].MessageCount)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	a, err := s.InsertMessage(ctx, draft("c1", "a"))
	require.NoError(t, err)
	_, err = s.InsertMessage(ctx, draft("c2", "b"))
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, a))
	require.NoError(t, s.UpsertContact(ctx, Contact{PeerDeviceID: "p"}))

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Messages: 2, Pending: 1, Failed: 1, Contacts: 1, Chats: 2}, st)
}

func ids(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
