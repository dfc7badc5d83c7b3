package events

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/offchat/internal/storage"
)

var log = logging.Logger("offchat/events")

const (
	MessageReceived  = "message-received"
	MessageSent      = "message-sent"
	MessageFailed    = "message-failed"
	PeerConnected    = "peer-connected"
	PeerDiscovered   = "peer-discovered"
	PeerDisconnected = "peer-disconnected"
	ModeChanged      = "mode-changed"
	NoPeersFound     = "no-peers-found"
)

// listenerCap is how many events a slow subscriber may fall behind before
// new events are dropped for it.
const listenerCap = 64

// Event is what the application sees. Only the fields relevant to Type are set.
type Event struct {
	Type     string           `json:"type"`
	PeerID   string           `json:"peerId,omitempty"`
	Username string           `json:"username,omitempty"`
	Message  *storage.Message `json:"message,omitempty"`
	Count    int              `json:"count,omitempty"` // message-sent / message-failed per drain
	Offline  bool             `json:"offline,omitempty"`
}

// Bus fans events out to subscribers in the order they subscribed.
// Publish never blocks.
type Bus struct {
	mu        sync.Mutex
	listeners []chan Event
}

func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel of events and a cancel function that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, listenerCap)
	b.mu.Lock()
	b.listeners = append(b.listeners, ch)
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, l := range b.listeners {
				if l == ch {
					b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return ch, cancel
}

// Publish offers ev to every subscriber and returns how many accepted it.
// A subscriber whose buffer is full misses the event.
func (b *Bus) Publish(ev Event) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ch := range b.listeners {
		select {
		case ch <- ev:
			n++
		default:
			log.Warnw("subscriber full, dropping event", "type", ev.Type)
		}
	}
	return n
}
