package tmux

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

type EventKind int

const (
	// EventData carries one chunk of remote output, stdout or stderr.
	EventData EventKind = iota
	// EventClosed is sent once after the remote side ends, before Events closes.
	EventClosed
)

type Event struct {
	Kind EventKind
	Data []byte
}

const (
	readBufferSize   = 32 * 1024
	eventQueueLength = 64
)

// Stream is a live PTY attachment to one named remote session.
type Stream struct {
	name    string
	session *ssh.Session
	stdin   io.WriteCloser

	events chan Event
	quit   chan struct{}
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newStream(name string, session *ssh.Session, stdin io.WriteCloser, stdout, stderr io.Reader) *Stream {
	s := &Stream{
		name:    name,
		session: session,
		stdin:   stdin,
		events:  make(chan Event, eventQueueLength),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go s.relay(stdout, &readers)
	go s.relay(stderr, &readers)

	go func() {
		readers.Wait()
		s.session.Wait()
		select {
		case s.events <- Event{Kind: EventClosed}:
		case <-s.quit:
		}
		close(s.events)
		close(s.done)
	}()
	return s
}

// relay copies r into the event queue until EOF or Close.
func (s *Stream) relay(r io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.events <- Event{Kind: EventData, Data: chunk}:
			case <-s.quit:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// Name returns the remote session name this stream is attached to.
func (s *Stream) Name() string { return s.name }

// Events yields output chunks in arrival order per source, then EventClosed,
// then is closed. After Close, pending events may be dropped.
func (s *Stream) Events() <-chan Event { return s.events }

// Done is closed once the stream has fully ended.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Write sends raw input to the remote PTY.
func (s *Stream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	select {
	case <-s.quit:
		return 0, io.ErrClosedPipe
	default:
	}
	n, err := s.stdin.Write(p)
	if err != nil {
		return n, fmt.Errorf("write to %s: %w", s.name, err)
	}
	return n, nil
}

// Resize changes the PTY window size.
func (s *Stream) Resize(cols, rows int) error {
	return s.session.WindowChange(rows, cols)
}

// Close tears down the local channel. The remote tmux session is unaffected
// unless it was running only because of this client.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		err = s.session.Close()
		if err == io.EOF {
			err = nil
		}
	})
	return err
}
