package session

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dirkpetersen/web-term/internal/sshtest"
)

func TestRegistry_CreateGetRemove(t *testing.T) {
	r := NewRegistry(0)

	s, err := r.Create("alice", nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(s.ID) != 64 {
		t.Errorf("expected 64 hex chars of id, got %d", len(s.ID))
	}
	if len(s.Tag) != 8 {
		t.Errorf("expected 8 hex chars of tag, got %q", s.Tag)
	}

	got, ok := r.Get(s.ID)
	if !ok || got != s {
		t.Fatal("expected to find created session")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 session, got %d", r.Len())
	}

	if !r.Remove(s.ID) {
		t.Error("expected remove to report true")
	}
	if r.Remove(s.ID) {
		t.Error("expected second remove to report false")
	}
	if _, ok := r.Get(s.ID); ok {
		t.Error("expected session gone after remove")
	}
}

func TestRegistry_UniqueIDs(t *testing.T) {
	r := NewRegistry(0)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s, err := r.Create("alice", nil)
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if seen[s.ID] {
			t.Fatalf("duplicate session id %s", s.ID)
		}
		seen[s.ID] = true
	}
	if len(r.List()) != 100 {
		t.Errorf("expected 100 sessions listed, got %d", len(r.List()))
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(0)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Create("user", nil)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			r.Get(s.ID)
			r.List()
			r.Remove(s.ID)
		}()
	}
	wg.Wait()
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestSession_FileTransferIsLazyAndReused(t *testing.T) {
	srv := sshtest.NewServer(t, map[string]string{"alice": "pw"})
	client := srv.Dial(t, "alice")
	s, err := NewRegistry(0).Create("alice", client)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	first, err := s.FileTransfer()
	if err != nil {
		t.Fatalf("file transfer: %v", err)
	}
	second, err := s.FileTransfer()
	if err != nil {
		t.Fatalf("file transfer: %v", err)
	}
	if first != second {
		t.Error("expected the same sftp client on second call")
	}

	if _, err := first.Getwd(); err != nil {
		t.Errorf("sftp handle not usable: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := s.FileTransfer(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed after close, got %v", err)
	}
	if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
		t.Error("expected connection closed with the session")
	}
}

func TestSession_TerminalMap(t *testing.T) {
	s := newSession("id", "tag", "alice", nil)

	a := NewChannel("term-1", "app-alice-main", nil, 80, 24)
	if prev := s.PutTerminal(a); prev != nil {
		t.Fatal("expected no previous channel")
	}
	b := NewChannel("term-1", "app-alice-main", nil, 80, 24)
	if prev := s.PutTerminal(b); prev != a {
		t.Fatal("expected replaced channel returned")
	}
	if a.AttachID == b.AttachID {
		t.Error("expected distinct attach ids")
	}

	if s.RemoveTerminal("term-1", a) {
		t.Error("stale channel must not remove its replacement")
	}
	if got, _ := s.Terminal("term-1"); got != b {
		t.Error("expected replacement still bound")
	}

	s.PutTerminal(NewChannel("term-3", "app-alice-bottom", nil, 80, 24))
	s.PutTerminal(NewChannel("term-2", "app-alice-top", nil, 80, 24))
	if ids := s.TerminalIDs(); len(ids) != 3 || ids[0] != "term-1" || ids[2] != "term-3" {
		t.Errorf("unexpected ids %v", ids)
	}

	taken := s.TakeTerminals()
	if len(taken) != 3 || taken[1].TerminalID != "term-2" {
		t.Errorf("unexpected taken channels")
	}
	if s.TerminalCount() != 0 {
		t.Errorf("expected empty map after take")
	}
}

func TestChannel_FinishOnce(t *testing.T) {
	c := NewChannel("term-1", "app-alice-main", nil, 80, 24)
	if !c.Finish(StateDetached) {
		t.Fatal("expected first finish to succeed")
	}
	if c.Finish(StateDestroyed) {
		t.Error("expected second finish to fail")
	}
	if c.State() != StateDetached {
		t.Errorf("expected detached, got %s", c.State())
	}
}

func TestHub_FanOutInOrder(t *testing.T) {
	s := newSession("id", "tag", "alice", nil)
	a := s.Subscribe()
	b := s.Subscribe()

	s.Publish(Output{Kind: OutputReady, TerminalID: "term-1"})
	s.Publish(Output{Kind: OutputData, TerminalID: "term-1", Data: []byte("one")})
	s.Publish(Output{Kind: OutputData, TerminalID: "term-1", Data: []byte("two")})

	for _, sub := range []*Subscriber{a, b} {
		want := []string{"ready:", "data:one", "data:two"}
		for _, w := range want {
			select {
			case o := <-sub.C:
				if got := string(o.Kind) + ":" + string(o.Data); got != w {
					t.Errorf("expected %s, got %s", w, got)
				}
			case <-time.After(time.Second):
				t.Fatalf("timeout waiting for %s", w)
			}
		}
	}

	if n := s.Unsubscribe(a); n != 1 {
		t.Errorf("expected 1 remaining subscriber, got %d", n)
	}
	if _, ok := <-a.C; ok {
		t.Error("expected unsubscribed channel closed")
	}
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	s := newSession("id", "tag", "alice", nil)
	slow := s.Subscribe()

	// Alternate terminals so nothing merges and every chunk counts.
	chunk := bytes.Repeat([]byte("x"), 32<<10)
	for i := 0; i*len(chunk) <= maxPendingBytes+len(chunk); i++ {
		s.Publish(Output{Kind: OutputData, TerminalID: fmt.Sprintf("term-%d", i%2+1), Data: chunk})
	}
	if n := s.SubscriberCount(); n != 0 {
		t.Fatalf("expected slow subscriber dropped, %d remain", n)
	}
	drainClosed(t, slow)

	fast := s.Subscribe()
	s.Publish(Output{Kind: OutputData, TerminalID: "term-1", Data: []byte("after")})
	select {
	case o := <-fast.C:
		if string(o.Data) != "after" {
			t.Errorf("expected data after, got %q", o.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for fast subscriber")
	}

	s.CloseSubscribers()
	drainClosed(t, fast)
	late := s.Subscribe()
	if _, ok := <-late.C; ok {
		t.Error("expected subscribe after close to yield a closed channel")
	}
}

func TestHub_CoalescesBurstForIdleReader(t *testing.T) {
	s := newSession("id", "tag", "alice", nil)
	sub := s.Subscribe()

	const events = 10000
	var want bytes.Buffer
	for i := 0; i < events; i++ {
		line := []byte(fmt.Sprintf("y%d\n", i))
		want.Write(line)
		s.Publish(Output{Kind: OutputData, TerminalID: "term-1", Data: line})
	}
	s.Publish(Output{Kind: OutputClosed, TerminalID: "term-1"})
	if n := s.SubscriberCount(); n != 1 {
		t.Fatalf("burst far below the byte budget must not drop the reader, %d remain", n)
	}

	var got bytes.Buffer
	received := 0
	deadline := time.After(5 * time.Second)
	for {
		select {
		case o := <-sub.C:
			if o.Kind == OutputClosed {
				if got.String() != want.String() {
					t.Fatalf("data mismatch: got %d bytes, want %d", got.Len(), want.Len())
				}
				if received >= events {
					t.Errorf("expected merged events, got %d for %d chunks", received, events)
				}
				return
			}
			received++
			got.Write(o.Data)
		case <-deadline:
			t.Fatalf("timeout after %d events", received)
		}
	}
}

func TestHub_CloseDeliversQueuedOutput(t *testing.T) {
	s := newSession("id", "tag", "alice", nil)
	sub := s.Subscribe()

	s.Publish(Output{Kind: OutputData, TerminalID: "term-1", Data: []byte("bye")})
	s.Publish(Output{Kind: OutputClosed, TerminalID: "term-1"})
	s.CloseSubscribers()

	var kinds []OutputKind
	for o := range sub.C {
		kinds = append(kinds, o.Kind)
	}
	if len(kinds) != 2 || kinds[0] != OutputData || kinds[1] != OutputClosed {
		t.Errorf("expected data then closed, got %v", kinds)
	}
}

// drainClosed reads sub until its channel is closed.
func drainClosed(t *testing.T, sub *Subscriber) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscriber channel not closed")
		}
	}
}

func TestRegistry_KeepaliveReportsLostConnection(t *testing.T) {
	srv := sshtest.NewServer(t, map[string]string{"alice": "pw"})
	client := srv.Dial(t, "alice")

	r := NewRegistry(20 * time.Millisecond)
	lost := make(chan *Session, 1)
	r.OnConnectionLost(func(s *Session) { lost <- s })

	s, err := r.Create("alice", client)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	client.Close()

	select {
	case got := <-lost:
		if got != s {
			t.Error("expected lost handler to receive the session")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not report the lost connection")
	}
}

func TestRegistry_KeepaliveStopsOnClose(t *testing.T) {
	srv := sshtest.NewServer(t, map[string]string{"alice": "pw"})
	client := srv.Dial(t, "alice")

	r := NewRegistry(20 * time.Millisecond)
	lost := make(chan *Session, 1)
	r.OnConnectionLost(func(s *Session) { lost <- s })

	s, err := r.Create("alice", client)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s.Close()

	select {
	case <-lost:
		t.Fatal("lost handler must not run for a deliberately closed session")
	case <-time.After(100 * time.Millisecond):
	}
}
