package session

import (
	"log"
	"sync"
)

type OutputKind string

const (
	OutputReady   OutputKind = "ready"
	OutputData    OutputKind = "data"
	OutputClosed  OutputKind = "closed"
	OutputError   OutputKind = "error"
	OutputInvalid OutputKind = "invalid"
)

// Output is one event fanned out to every subscriber of a session.
// Closed carries no data: it means the terminal ended, not that it was silent.
type Output struct {
	Kind       OutputKind
	TerminalID string
	Data       []byte
	Message    string
}

const (
	// maxPendingBytes is how much undelivered terminal output a subscriber
	// may hold before it is dropped.
	maxPendingBytes = 4 << 20
	// maxCoalescedChunk bounds a data event built from merged chunks.
	maxCoalescedChunk = 64 << 10
)

type pendingOutput struct {
	Output
	owned bool // Data is private to this subscriber and may be appended to
}

// Subscriber receives a session's output on C until it is unsubscribed,
// dropped for falling behind, or the session is destroyed. C is closed then.
//
// Output waiting for the reader is queued per subscriber. Consecutive data
// events of one terminal are merged, so a burst of output costs bytes rather
// than events.
type Subscriber struct {
	C   <-chan Output
	out chan Output

	mu        sync.Mutex
	queue     []pendingOutput
	queued    int
	finishing bool

	wake      chan struct{}
	done      chan struct{}
	abortOnce sync.Once
}

func newSubscriber() *Subscriber {
	out := make(chan Output)
	return &Subscriber{
		C:    out,
		out:  out,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// push queues o. It reports false once the queue exceeds maxPendingBytes.
func (sub *Subscriber) push(o Output) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if n := len(sub.queue); o.Kind == OutputData && n > 0 {
		last := &sub.queue[n-1]
		if last.Kind == OutputData && last.TerminalID == o.TerminalID &&
			len(last.Data)+len(o.Data) <= maxCoalescedChunk {
			if !last.owned {
				last.Data = append(make([]byte, 0, len(last.Data)+len(o.Data)), last.Data...)
				last.owned = true
			}
			last.Data = append(last.Data, o.Data...)
			sub.queued += len(o.Data)
			sub.notify()
			return sub.queued <= maxPendingBytes
		}
	}

	sub.queue = append(sub.queue, pendingOutput{Output: o})
	sub.queued += len(o.Data)
	sub.notify()
	return sub.queued <= maxPendingBytes
}

// notify must be called with sub.mu held.
func (sub *Subscriber) notify() {
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// finish closes C once everything queued has been delivered.
func (sub *Subscriber) finish() {
	sub.mu.Lock()
	sub.finishing = true
	sub.notify()
	sub.mu.Unlock()
}

// abort discards queued output and closes C.
func (sub *Subscriber) abort() {
	sub.abortOnce.Do(func() { close(sub.done) })
}

func (sub *Subscriber) forward() {
	defer close(sub.out)
	for {
		sub.mu.Lock()
		if len(sub.queue) == 0 {
			finishing := sub.finishing
			sub.mu.Unlock()
			if finishing {
				return
			}
			select {
			case <-sub.wake:
				continue
			case <-sub.done:
				return
			}
		}
		next := sub.queue[0].Output
		sub.queue[0] = pendingOutput{}
		sub.queue = sub.queue[1:]
		sub.queued -= len(next.Data)
		sub.mu.Unlock()

		select {
		case sub.out <- next:
		case <-sub.done:
			return
		}
	}
}

// Subscribe registers a new output subscriber.
func (s *Session) Subscribe() *Subscriber {
	sub := newSubscriber()

	s.hubMu.Lock()
	if s.hubClosed {
		close(sub.out)
	} else {
		s.subscribers[sub] = struct{}{}
		go sub.forward()
	}
	s.hubMu.Unlock()
	s.Touch()
	return sub
}

// Unsubscribe removes sub and returns how many subscribers remain. Output
// still queued for sub is discarded.
func (s *Session) Unsubscribe(sub *Subscriber) int {
	s.hubMu.Lock()
	defer s.hubMu.Unlock()
	delete(s.subscribers, sub)
	sub.abort()
	s.Touch()
	return len(s.subscribers)
}

// Publish delivers o to every subscriber without blocking. A subscriber
// holding more than maxPendingBytes of undelivered output is dropped and its
// channel closed, so one stalled browser cannot hold up the stream pumps or
// other browsers.
func (s *Session) Publish(o Output) {
	s.hubMu.Lock()
	defer s.hubMu.Unlock()
	for sub := range s.subscribers {
		if !sub.push(o) {
			delete(s.subscribers, sub)
			sub.abort()
			log.Printf("[session] %s: dropped slow subscriber", s.Tag)
		}
	}
}

// CloseSubscribers closes every subscriber after its queued output is
// delivered, and rejects new ones.
func (s *Session) CloseSubscribers() {
	s.hubMu.Lock()
	defer s.hubMu.Unlock()
	s.hubClosed = true
	for sub := range s.subscribers {
		delete(s.subscribers, sub)
		sub.finish()
	}
}

func (s *Session) SubscriberCount() int {
	s.hubMu.Lock()
	defer s.hubMu.Unlock()
	return len(s.subscribers)
}
