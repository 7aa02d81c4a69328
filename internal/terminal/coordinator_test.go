package terminal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dirkpetersen/web-term/internal/session"
	"github.com/dirkpetersen/web-term/internal/sshtest"
	"github.com/dirkpetersen/web-term/internal/tmux"
)

type fixture struct {
	srv   *sshtest.Server
	reg   *session.Registry
	mux   *tmux.Multiplexer
	coord *Coordinator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	srv := sshtest.NewServer(t, map[string]string{"alice": "pw", "bob": "pw"})
	reg := session.NewRegistry(0)
	mux := tmux.New(tmux.Config{
		Prefix:         "app",
		DetachGrace:    500 * time.Millisecond,
		DestroyTimeout: 2 * time.Second,
	})
	return &fixture{srv: srv, reg: reg, mux: mux, coord: NewCoordinator(reg, mux, nil, opts)}
}

func (f *fixture) login(t *testing.T, user string) (*session.Session, *session.Subscriber) {
	t.Helper()
	s, err := f.reg.Create(user, f.srv.Dial(t, user))
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s, s.Subscribe()
}

func (f *fixture) create(t *testing.T, s *session.Session, sub *session.Subscriber, id string) {
	t.Helper()
	if err := f.coord.Create(s, id, 80, 24); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	waitOutput(t, sub, func(o session.Output) bool {
		return o.Kind == session.OutputReady && o.TerminalID == id
	})
}

// waitOutput reads sub until match returns true and returns everything read.
func waitOutput(t *testing.T, sub *session.Subscriber, match func(session.Output) bool) []session.Output {
	t.Helper()
	var seen []session.Output
	deadline := time.After(5 * time.Second)
	for {
		select {
		case o, ok := <-sub.C:
			if !ok {
				t.Fatalf("subscriber closed; saw %v", describe(seen))
			}
			seen = append(seen, o)
			if match(o) {
				return seen
			}
		case <-deadline:
			t.Fatalf("timeout; saw %v", describe(seen))
		}
	}
}

func waitData(t *testing.T, sub *session.Subscriber, id, text string) {
	t.Helper()
	var acc strings.Builder
	waitOutput(t, sub, func(o session.Output) bool {
		if o.Kind == session.OutputData && o.TerminalID == id {
			acc.Write(o.Data)
		}
		return strings.Contains(acc.String(), text)
	})
}

// drainUntilClosed reads sub until the hub closes it.
func drainUntilClosed(t *testing.T, sub *session.Subscriber) []session.Output {
	t.Helper()
	var seen []session.Output
	deadline := time.After(5 * time.Second)
	for {
		select {
		case o, ok := <-sub.C:
			if !ok {
				return seen
			}
			seen = append(seen, o)
		case <-deadline:
			t.Fatalf("subscriber not closed; saw %v", describe(seen))
		}
	}
}

func closedCounts(outs []session.Output) map[string]int {
	counts := map[string]int{}
	for _, o := range outs {
		if o.Kind == session.OutputClosed {
			counts[o.TerminalID]++
		}
	}
	return counts
}

func describe(outs []session.Output) []string {
	d := make([]string, len(outs))
	for i, o := range outs {
		d[i] = string(o.Kind) + ":" + o.TerminalID + ":" + string(o.Data)
	}
	return d
}

func TestCreate_RejectsUnknownTerminal(t *testing.T) {
	f := newFixture(t, Options{})
	s, _ := f.login(t, "alice")
	before := len(f.srv.Commands())

	if err := f.coord.Create(s, "term-4", 80, 24); !errors.Is(err, ErrInvalidTerminal) {
		t.Fatalf("expected ErrInvalidTerminal, got %v", err)
	}
	if len(f.srv.Commands()) != before {
		t.Error("expected no remote command for an invalid terminal id")
	}
}

func TestCreate_IdempotentAttach(t *testing.T) {
	f := newFixture(t, Options{})
	s, sub := f.login(t, "alice")

	f.create(t, s, sub, "term-1")
	f.coord.Write(s, "term-1", []byte("export MARK=before-reconnect\r"))

	// A reload re-issues create for the same id.
	f.create(t, s, sub, "term-1")
	f.coord.Write(s, "term-1", []byte("echo $MARK\r"))
	waitData(t, sub, "term-1", "before-reconnect")

	if n := f.srv.Created("app-alice-main"); n != 1 {
		t.Errorf("expected one remote session created, got %d", n)
	}
	if got := f.srv.Sessions(); len(got) != 1 {
		t.Errorf("expected a single remote session, got %v", got)
	}
}

func TestCreate_NoDuplicateBinding(t *testing.T) {
	f := newFixture(t, Options{})
	s, sub := f.login(t, "alice")

	f.create(t, s, sub, "term-1")
	first, _ := s.Terminal("term-1")
	f.create(t, s, sub, "term-1")
	second, _ := s.Terminal("term-1")

	if first == second {
		t.Fatal("expected a new channel after the second create")
	}
	if first.State() != session.StateDetached {
		t.Errorf("expected stale channel detached, got %s", first.State())
	}
	select {
	case <-first.Stream.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stale stream still running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.srv.Clients("app-alice-main") != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected one attached client, got %d", f.srv.Clients("app-alice-main"))
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.coord.Write(s, "term-1", []byte("echo once\r"))
	waitData(t, sub, "term-1", "once")
	f.coord.Write(s, "term-1", []byte("echo marker\r"))
	outs := waitOutput(t, sub, func(o session.Output) bool {
		return o.Kind == session.OutputData && strings.Contains(string(o.Data), "marker")
	})
	for _, o := range outs {
		if strings.Contains(string(o.Data), "once") {
			t.Errorf("duplicated output delivered: %q", o.Data)
		}
	}
}

func TestCloseOne_DetachSurvives(t *testing.T) {
	f := newFixture(t, Options{})
	s, sub := f.login(t, "alice")

	f.create(t, s, sub, "term-2")
	f.coord.Write(s, "term-2", []byte("export FOO=bar\r"))

	f.coord.CloseOne(s, "term-2")
	waitOutput(t, sub, func(o session.Output) bool {
		return o.Kind == session.OutputClosed && o.TerminalID == "term-2"
	})
	if _, ok := s.Terminal("term-2"); ok {
		t.Fatal("expected term-2 removed from the session")
	}

	listed := f.mux.ListSessions(context.Background(), s.Client(), tmux.Scope{Username: "alice"})
	if len(listed) != 1 || listed[0] != "app-alice-top" {
		t.Fatalf("expected app-alice-top to survive detach, got %v", listed)
	}

	f.create(t, s, sub, "term-2")
	f.coord.Write(s, "term-2", []byte("echo $FOO\r"))
	waitData(t, sub, "term-2", "bar")
}

func TestUnknownTerminal_NoOp(t *testing.T) {
	f := newFixture(t, Options{})
	s, sub := f.login(t, "alice")
	before := len(f.srv.Commands())

	f.coord.Write(s, "term-2", []byte("ls\r"))
	f.coord.Resize(s, "term-2", 100, 40)
	f.coord.CloseOne(s, "term-2")
	f.coord.Write(s, "bogus", []byte("x"))

	select {
	case o := <-sub.C:
		t.Fatalf("expected no output, got %s", o.Kind)
	case <-time.After(100 * time.Millisecond):
	}
	if len(f.srv.Commands()) != before {
		t.Error("expected no remote commands for unknown terminals")
	}
	if s.Closing() {
		t.Error("session must stay usable")
	}
}

func TestResize_ForwardsClampedSize(t *testing.T) {
	f := newFixture(t, Options{})
	s, sub := f.login(t, "alice")
	f.create(t, s, sub, "term-1")

	f.coord.Resize(s, "term-1", 9999, 40)
	ch, _ := s.Terminal("term-1")
	if cols, rows := ch.Size(); cols != MaxTermCols || rows != 40 {
		t.Errorf("expected %dx40, got %dx%d", MaxTermCols, cols, rows)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		cols, rows := f.srv.Size("app-alice-main")
		if cols == MaxTermCols && rows == 40 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("remote size not updated, got %dx%d", cols, rows)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestScenario_ReloadThenLogout(t *testing.T) {
	f := newFixture(t, Options{})
	s, sub := f.login(t, "alice")

	for _, id := range TerminalIDs {
		f.create(t, s, sub, id)
	}
	want := "app-alice-bottom,app-alice-main,app-alice-top"
	if got := strings.Join(f.srv.Sessions(), ","); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}

	// Browser reload: the socket drops, then a new one subscribes.
	if n := s.Unsubscribe(sub); n != 0 {
		t.Fatalf("expected no subscribers left, got %d", n)
	}
	if n := f.coord.DetachAll(s); n != 3 {
		t.Fatalf("expected 3 terminals detached, got %d", n)
	}
	sub = s.Subscribe()
	for _, id := range TerminalIDs {
		f.create(t, s, sub, id)
	}
	for _, name := range strings.Split(want, ",") {
		if n := f.srv.Created(name); n != 1 {
			t.Errorf("expected %s created once, got %d", name, n)
		}
	}

	if err := f.coord.DestroySession(context.Background(), s, false); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	counts := closedCounts(drainUntilClosed(t, sub))
	for _, id := range TerminalIDs {
		if counts[id] != 1 {
			t.Errorf("expected exactly one closed for %s, got %d", id, counts[id])
		}
	}
	if n := f.srv.CountCommands("kill-session"); n != 1 {
		t.Errorf("expected one teardown command for three terminals, got %d", n)
	}

	probe := f.srv.Dial(t, "alice")
	if got := f.mux.ListSessions(context.Background(), probe, tmux.Scope{Username: "alice"}); len(got) != 0 {
		t.Errorf("expected no remote sessions after logout, got %v", got)
	}
	if f.reg.Len() != 0 {
		t.Errorf("expected registry empty, got %d", f.reg.Len())
	}
}

func TestDestroySession_ClosesConnectionAfterTeardown(t *testing.T) {
	f := newFixture(t, Options{})
	s, sub := f.login(t, "alice")
	f.create(t, s, sub, "term-1")
	if _, err := s.FileTransfer(); err != nil {
		t.Fatalf("file transfer: %v", err)
	}

	if err := f.coord.DestroySession(context.Background(), s, false); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	if _, _, err := s.Client().SendRequest("keepalive@openssh.com", true, nil); err == nil {
		t.Error("expected connection closed after destroy")
	}
	if _, err := s.FileTransfer(); err == nil {
		t.Error("expected file transfer handle closed after destroy")
	}
	if err := f.coord.Create(s, "term-1", 80, 24); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed on create after destroy, got %v", err)
	}
	if err := f.coord.DestroySession(context.Background(), s, false); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("expected ErrSessionClosed on second destroy, got %v", err)
	}
}

func TestDestroySession_TimeoutStillCleansUp(t *testing.T) {
	f := newFixture(t, Options{})
	f.mux = tmux.New(tmux.Config{Prefix: "app", DestroyTimeout: 200 * time.Millisecond})
	f.coord = NewCoordinator(f.reg, f.mux, nil, Options{})

	s, sub := f.login(t, "alice")
	f.create(t, s, sub, "term-1")
	f.create(t, s, sub, "term-3")
	f.srv.SetHangTeardown(true)

	err := f.coord.DestroySession(context.Background(), s, false)
	if !errors.Is(err, tmux.ErrRemoteCommandTimeout) {
		t.Fatalf("expected ErrRemoteCommandTimeout, got %v", err)
	}

	counts := closedCounts(drainUntilClosed(t, sub))
	if counts["term-1"] != 1 || counts["term-3"] != 1 {
		t.Errorf("expected one closed per terminal, got %v", counts)
	}
	if f.reg.Len() != 0 {
		t.Error("expected session removed despite timeout")
	}
	if s.TerminalCount() != 0 {
		t.Error("expected terminal map emptied despite timeout")
	}
}

func TestDestroySession_OtherUsersUntouched(t *testing.T) {
	f := newFixture(t, Options{})
	alice, aliceSub := f.login(t, "alice")
	bob, bobSub := f.login(t, "bob")

	f.create(t, alice, aliceSub, "term-1")
	f.create(t, bob, bobSub, "term-1")
	f.srv.AddSession("app-alice-bob-main")

	if err := f.coord.DestroySession(context.Background(), alice, false); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if got := strings.Join(f.srv.Sessions(), ","); got != "app-alice-bob-main,app-bob-main" {
		t.Errorf("unexpected surviving sessions %s", got)
	}

	f.coord.Write(bob, "term-1", []byte("echo still-here\r"))
	waitData(t, bobSub, "term-1", "still-here")
}

func TestCreateAndDestroy_Serialized(t *testing.T) {
	for i := 0; i < 5; i++ {
		f := newFixture(t, Options{})
		s, _ := f.login(t, "alice")

		var wg sync.WaitGroup
		var createErr, destroyErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			createErr = f.coord.Create(s, "term-1", 80, 24)
		}()
		go func() {
			defer wg.Done()
			destroyErr = f.coord.DestroySession(context.Background(), s, false)
		}()
		wg.Wait()

		if destroyErr != nil {
			t.Fatalf("destroy: %v", destroyErr)
		}
		if createErr != nil && !errors.Is(createErr, ErrSessionClosed) {
			t.Fatalf("unexpected create error: %v", createErr)
		}
		if got := f.srv.Sessions(); len(got) != 0 {
			t.Fatalf("run %d: remote session left behind: %v", i, got)
		}
	}
}

func TestPerLogin_DestroyMineOrAll(t *testing.T) {
	f := newFixture(t, Options{PerLogin: true})
	first, firstSub := f.login(t, "alice")
	second, secondSub := f.login(t, "alice")

	f.create(t, first, firstSub, "term-1")
	f.create(t, second, secondSub, "term-1")

	firstName, _ := f.coord.RemoteName(first, "term-1")
	secondName, _ := f.coord.RemoteName(second, "term-1")
	if firstName == secondName {
		t.Fatalf("expected distinct remote names per login, both %s", firstName)
	}
	if firstName != "app-alice+"+first.Tag+"-main" {
		t.Errorf("unexpected per-login name %s", firstName)
	}

	if err := f.coord.DestroySession(context.Background(), first, false); err != nil {
		t.Fatalf("destroy mine: %v", err)
	}
	if got := f.srv.Sessions(); len(got) != 1 || got[0] != secondName {
		t.Fatalf("expected only the other login's session left, got %v", got)
	}

	f.srv.AddSession("app-alice-top")
	if err := f.coord.DestroySession(context.Background(), second, true); err != nil {
		t.Fatalf("destroy all: %v", err)
	}
	if got := f.srv.Sessions(); len(got) != 0 {
		t.Errorf("expected every alice session gone, got %v", got)
	}
}

func TestCreate_DeadConnectionInvalidatesSession(t *testing.T) {
	f := newFixture(t, Options{})
	s, sub := f.login(t, "alice")
	s.Client().Close()

	err := f.coord.Create(s, "term-1", 80, 24)
	var cce *tmux.ChannelCreationError
	if !errors.As(err, &cce) {
		t.Fatalf("expected ChannelCreationError, got %v", err)
	}

	outs := drainUntilClosed(t, sub)
	if len(outs) == 0 || outs[len(outs)-1].Kind != session.OutputInvalid {
		t.Fatalf("expected session invalid notification, got %v", describe(outs))
	}
	if f.reg.Len() != 0 {
		t.Error("expected invalid session removed from registry")
	}
}

func TestRemoteExit_ClosedOnce(t *testing.T) {
	f := newFixture(t, Options{})
	s, sub := f.login(t, "alice")
	f.create(t, s, sub, "term-1")

	f.coord.Write(s, "term-1", []byte("exit\r"))
	waitOutput(t, sub, func(o session.Output) bool {
		return o.Kind == session.OutputClosed && o.TerminalID == "term-1"
	})
	if _, ok := s.Terminal("term-1"); ok {
		t.Error("expected ended terminal removed")
	}

	f.coord.CloseOne(s, "term-1")
	select {
	case o := <-sub.C:
		t.Fatalf("expected no further output, got %s for %s", o.Kind, o.TerminalID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExpireIdle(t *testing.T) {
	f := newFixture(t, Options{IdleTimeout: time.Minute})
	s, sub := f.login(t, "alice")
	f.create(t, s, sub, "term-1")

	if n := f.coord.ExpireIdle(time.Now().Add(2 * time.Minute)); n != 0 {
		t.Fatalf("expected subscribed session kept, expired %d", n)
	}

	s.Unsubscribe(sub)
	if n := f.coord.ExpireIdle(time.Now()); n != 0 {
		t.Fatalf("expected recently active session kept, expired %d", n)
	}
	if n := f.coord.ExpireIdle(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("expected 1 session expired, got %d", n)
	}
	if f.reg.Len() != 0 {
		t.Error("expected expired session removed")
	}
	if got := f.srv.Sessions(); len(got) != 1 || got[0] != "app-alice-main" {
		t.Errorf("expected tmux session to survive expiry, got %v", got)
	}
}

func TestShutdown_DetachesEverything(t *testing.T) {
	f := newFixture(t, Options{})
	s, sub := f.login(t, "alice")
	f.create(t, s, sub, "term-1")
	f.create(t, s, sub, "term-2")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	f.coord.Shutdown(ctx)

	if f.reg.Len() != 0 {
		t.Error("expected registry empty after shutdown")
	}
	if got := f.srv.Sessions(); len(got) != 2 {
		t.Errorf("expected tmux sessions to survive shutdown, got %v", got)
	}
}

func TestStats(t *testing.T) {
	f := newFixture(t, Options{})
	s, sub := f.login(t, "alice")
	f.create(t, s, sub, "term-1")
	f.create(t, s, sub, "term-3")

	st := f.coord.Stats()
	if st.Sessions != 1 || st.Terminals != 2 || st.Subscribers != 1 {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // 3 bytes
	tests := []struct {
		in       []byte
		complete string
		rest     []byte
	}{
		{[]byte("abc"), "abc", nil},
		{append([]byte("ab"), euro[:1]...), "ab", euro[:1]},
		{append([]byte("ab"), euro[:2]...), "ab", euro[:2]},
		{append([]byte("ab"), euro...), "ab€", nil},
		{[]byte{0xff, 0xfe}, "\xff\xfe", nil},
	}
	for _, tt := range tests {
		complete, rest := splitUTF8(tt.in)
		if string(complete) != tt.complete || string(rest) != string(tt.rest) {
			t.Errorf("splitUTF8(%q) = %q, %q; want %q, %q", tt.in, complete, rest, tt.complete, tt.rest)
		}
	}
}
