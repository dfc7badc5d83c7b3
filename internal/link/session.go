package link

import (
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-msgio"
)

// outQueueCap bounds frames waiting for the per-session writer.
const outQueueCap = 64

type outFrame struct {
	body []byte
	errc chan error // nil for fire-and-forget frames (acks, discovery)
}

// session is one live link to a remote device: a length-prefixed frame
// stream with a dedicated writer goroutine.
type session struct {
	peerID string
	opener string // libp2p id of the side that opened the stream
	since  time.Time

	rw io.ReadWriteCloser
	r  msgio.ReadCloser
	w  msgio.WriteCloser

	out  chan outFrame
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	username string
	userID   string
}

func newSession(peerID, opener string, rw io.ReadWriteCloser, maxFrame int, since time.Time) *session {
	s := &session{
		peerID: peerID,
		opener: opener,
		since:  since,
		rw:     rw,
		r:      msgio.NewReaderSize(rw, maxFrame),
		w:      msgio.NewWriter(rw),
		out:    make(chan outFrame, outQueueCap),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			err := s.w.WriteMsg(f.body)
			if f.errc != nil {
				f.errc <- err
			}
			if err != nil {
				s.close()
				return
			}
		}
	}
}

// enqueue hands body to the writer. With wait set it blocks until the frame
// is on the wire or the session closes.
func (s *session) enqueue(body []byte, wait bool) error {
	f := outFrame{body: body}
	if wait {
		f.errc = make(chan error, 1)
	}
	select {
	case <-s.done:
		return ErrLinkDown
	case s.out <- f:
	}
	if !wait {
		return nil
	}
	select {
	case <-s.done:
		// The writer may have finished just before closing.
		select {
		case err := <-f.errc:
			return err
		default:
			return ErrLinkDown
		}
	case err := <-f.errc:
		return err
	}
}

func (s *session) close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.rw.Close()
	})
	return err
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) setIdentity(userID, username string) {
	s.mu.Lock()
	if userID != "" {
		s.userID = userID
	}
	if username != "" {
		s.username = username
	}
	s.mu.Unlock()
}

func (s *session) peer() Peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Peer{
		ID:          s.peerID,
		UserID:      s.userID,
		Username:    s.username,
		ConnectedAt: s.since,
	}
}
