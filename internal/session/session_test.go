package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tr1v3r/mpvsock/internal/codec"
	"github.com/tr1v3r/mpvsock/internal/monitoring"
	"github.com/tr1v3r/mpvsock/internal/mpvtest"
	"github.com/tr1v3r/mpvsock/internal/transport"
)

func newTestSession(t *testing.T) (*Session, *mpvtest.Peer, *monitoring.Metrics) {
	t.Helper()

	conn, peer := mpvtest.NewPipe(t)
	m := monitoring.New()
	s := New(WithName(t.Name()), WithMetrics(m))
	if err := s.Open(conn); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, peer, m
}

// requests reads requests off the peer until the connection ends.
func requests(peer *mpvtest.Peer) <-chan codec.Request {
	ch := make(chan codec.Request, 64)
	go func() {
		defer close(ch)
		for {
			req, err := peer.ReadRequest()
			if err != nil {
				return
			}
			ch <- req
		}
	}()
	return ch
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	panic("unreachable")
}

func cmd(args ...any) []codec.Value {
	vs, err := codec.Values(args...)
	if err != nil {
		panic(err)
	}
	return vs
}

func TestCommandGetProperty(t *testing.T) {
	s, peer, _ := newTestSession(t)
	reqs := requests(peer)

	s.mu.Lock()
	s.lastID = 6
	s.mu.Unlock()

	p, err := s.Submit(cmd("get_property", "pause")...)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if req := recv(t, reqs); req.RequestID != 7 {
		t.Fatalf("request_id = %d, want 7", req.RequestID)
	}
	_ = peer.SendRaw(`{"request_id":7,"error":"success","data":false}`)

	v, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if b, ok := v.AsBool(); !ok || b {
		t.Errorf("pause = %s, want false", v)
	}
}

func TestFloatRequestIDResolves(t *testing.T) {
	s, peer, m := newTestSession(t)
	reqs := requests(peer)

	p, err := s.Submit(cmd("get_property", "volume")...)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	req := recv(t, reqs)
	_ = peer.SendRaw(fmt.Sprintf(`{"request_id":%d.0,"error":"success","data":55}`, req.RequestID))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := p.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if !v.Equal(codec.Int(55)) {
		t.Errorf("volume = %s, want 55", v)
	}
	if got := m.Snapshot().DroppedLinesTotal; got != 0 {
		t.Errorf("dropped lines = %d, want 0", got)
	}
}

func TestCommandWithFake(t *testing.T) {
	s, peer, _ := newTestSession(t)
	go func() { _ = mpvtest.NewFake().Serve(peer) }()

	v, err := s.Command(context.Background(), cmd("get_property", "volume")...)
	if err != nil {
		t.Fatalf("Command failed: %v", err)
	}
	if !v.Equal(codec.Int(100)) {
		t.Errorf("volume = %s, want 100", v)
	}
}

func TestRequestWireFormat(t *testing.T) {
	s, peer, _ := newTestSession(t)
	reqs := requests(peer)

	p, err := s.Submit(cmd("get_property", "pause")...)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	req := recv(t, reqs)
	if req.RequestID != p.ID() || req.RequestID != 1 {
		t.Errorf("request_id = %d, handle id = %d, want 1", req.RequestID, p.ID())
	}
	if req.Async {
		t.Error("async set on a plain submit")
	}

	pa, err := s.SubmitAsync(cmd("loadfile", "a.mkv")...)
	if err != nil {
		t.Fatalf("SubmitAsync failed: %v", err)
	}
	req = recv(t, reqs)
	if !req.Async || req.RequestID != pa.ID() {
		t.Errorf("got async=%v id=%d, want async request %d", req.Async, req.RequestID, pa.ID())
	}
}

func TestOutOfOrderResponses(t *testing.T) {
	const n = 32
	s, peer, _ := newTestSession(t)

	go func() {
		var ids []int64
		for range n {
			req, err := peer.ReadRequest()
			if err != nil {
				return
			}
			ids = append(ids, req.RequestID)
		}
		for i := len(ids) - 1; i >= 0; i-- {
			_ = peer.Reply(ids[i], ids[i]*10)
		}
	}()

	var g errgroup.Group
	for range n {
		g.Go(func() error {
			p, err := s.Submit(cmd("get_property", "time-pos")...)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			v, err := p.Wait(ctx)
			if err != nil {
				return err
			}
			if got, _ := v.AsInt(); got != p.ID()*10 {
				return fmt.Errorf("request %d got %s", p.ID(), v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestUniqueRequestIDs(t *testing.T) {
	const n = 64
	s, peer, _ := newTestSession(t)
	reqs := requests(peer)

	var g errgroup.Group
	for range n {
		g.Go(func() error {
			_, err := s.Submit(cmd("get_property", "volume")...)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	seen := make(map[int64]bool)
	for range n {
		req := recv(t, reqs)
		if req.RequestID <= 0 || seen[req.RequestID] {
			t.Fatalf("bad or duplicate request_id %d", req.RequestID)
		}
		seen[req.RequestID] = true
	}
}

func TestCommandError(t *testing.T) {
	s, peer, m := newTestSession(t)
	go func() { _ = mpvtest.NewFake().Serve(peer) }()

	_, err := s.Command(context.Background(), cmd("get_property", "no-such-property")...)
	var cerr *CommandError
	if !errors.As(err, &cerr) {
		t.Fatalf("err = %v, want *CommandError", err)
	}
	if cerr.Message != "property unavailable" || cerr.Command != "get_property" {
		t.Errorf("unexpected command error: %+v", cerr)
	}
	if s.State() != StateOpen {
		t.Errorf("state = %s after command error, want open", s.State())
	}
	if got := m.Snapshot().CommandErrorsTotal; got != 1 {
		t.Errorf("CommandErrorsTotal = %d, want 1", got)
	}
}

func TestMalformedLinesAreDropped(t *testing.T) {
	s, peer, m := newTestSession(t)
	reqs := requests(peer)

	p, err := s.Submit(cmd("get_property", "volume")...)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	req := recv(t, reqs)

	for _, line := range []string{"not json", `{"foo":1}`, `[1,2,3]`, `{"request_id":"x","error":"success"}`} {
		if err := peer.SendRaw(line); err != nil {
			t.Fatalf("SendRaw failed: %v", err)
		}
	}
	select {
	case <-p.Done():
		t.Fatal("request resolved by a malformed line")
	default:
	}

	if err := peer.Reply(req.RequestID, 50); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	v, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if got, _ := v.AsInt(); got != 50 {
		t.Errorf("volume = %s, want 50", v)
	}
	if got := m.Snapshot().DroppedLinesTotal; got != 4 {
		t.Errorf("DroppedLinesTotal = %d, want 4", got)
	}
}

func TestOversizedLineIsDropped(t *testing.T) {
	conn, peer := mpvtest.NewPipe(t, transport.WithMaxLineSize(64))
	m := monitoring.New()
	s := New(WithMetrics(m))
	if err := s.Open(conn); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	go func() { _ = mpvtest.NewFake().Serve(peer) }()

	big := fmt.Sprintf(`{"event":"log-message","text":%q}`, strings.Repeat("x", 256))
	if err := peer.SendRaw(big); err != nil {
		t.Fatalf("SendRaw failed: %v", err)
	}
	if _, err := s.Command(context.Background(), cmd("client_name")...); err != nil {
		t.Fatalf("Command after oversized line failed: %v", err)
	}
	if got := m.Snapshot().DroppedLinesTotal; got != 1 {
		t.Errorf("DroppedLinesTotal = %d, want 1", got)
	}
	if s.State() != StateOpen {
		t.Errorf("state = %s, want open", s.State())
	}
}

func TestUnmatchedResponseIsDropped(t *testing.T) {
	s, peer, m := newTestSession(t)
	reqs := requests(peer)

	p, err := s.Submit(cmd("get_property", "pause")...)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	req := recv(t, reqs)

	_ = peer.Reply(999, true)
	_ = peer.SendRaw(`{"error":"success"}`)
	_ = peer.Reply(req.RequestID, false)

	v, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if b, _ := v.AsBool(); b {
		t.Errorf("pause = %s, want false", v)
	}
	if got := m.Snapshot().UnmatchedResponses; got != 2 {
		t.Errorf("UnmatchedResponses = %d, want 2", got)
	}
}

func TestCloseResolvesPending(t *testing.T) {
	s, peer, _ := newTestSession(t)
	reqs := requests(peer)

	p1, _ := s.Submit(cmd("get_property", "pause")...)
	p2, _ := s.Submit(cmd("get_property", "volume")...)
	recv(t, reqs)
	recv(t, reqs)

	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	for _, p := range []*Pending{p1, p2} {
		if _, err := p.Wait(context.Background()); !errors.Is(err, ErrConnectionClosed) {
			t.Errorf("request %d: err = %v, want ErrConnectionClosed", p.ID(), err)
		}
	}

	if _, err := s.Submit(cmd("get_property", "pause")...); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Submit after Close: err = %v, want ErrSessionClosed", err)
	}
	if s.State() != StateClosed {
		t.Errorf("state = %s, want closed", s.State())
	}
	if !errors.Is(s.Err(), ErrConnectionClosed) {
		t.Errorf("Err = %v, want ErrConnectionClosed", s.Err())
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestPeerHangup(t *testing.T) {
	s, peer, m := newTestSession(t)
	reqs := requests(peer)
	sub := s.Subscribe()

	p, _ := s.Submit(cmd("get_property", "pause")...)
	recv(t, reqs)
	_ = peer.Close()

	if _, err := p.Wait(context.Background()); !errors.Is(err, ErrConnectionLost) {
		t.Errorf("err = %v, want ErrConnectionLost", err)
	}
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session not closed after hangup")
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("event delivered after hangup")
	}
	if !errors.Is(sub.Err(), ErrConnectionLost) {
		t.Errorf("subscription Err = %v, want ErrConnectionLost", sub.Err())
	}
	if !errors.Is(s.Err(), ErrConnectionLost) {
		t.Errorf("session Err = %v, want ErrConnectionLost", s.Err())
	}
	_ = s.Close()
	if got := m.Snapshot().SessionsLost; got != 1 {
		t.Errorf("SessionsLost = %d, want 1", got)
	}
	if _, err := s.Submit(cmd("get_property", "pause")...); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Submit after hangup: err = %v, want ErrSessionClosed", err)
	}
}

func TestEventFanOut(t *testing.T) {
	s, peer, _ := newTestSession(t)
	subs := []*Subscription{s.Subscribe(), s.Subscribe()}

	_ = peer.SendEvent("pause", map[string]any{"data": true})
	_ = peer.SendEvent("seek", nil)
	_ = peer.PropertyChange(7, "volume", 80)

	for i, sub := range subs {
		ev := recv(t, sub.Events())
		if ev.Name != "pause" {
			t.Fatalf("sub %d: first event = %s, want pause", i, ev.Name)
		}
		if v, _ := ev.Field("data"); !v.Equal(codec.Bool(true)) {
			t.Errorf("sub %d: data = %s, want true", i, v)
		}
		if ev := recv(t, sub.Events()); ev.Name != "seek" {
			t.Errorf("sub %d: second event = %s, want seek", i, ev.Name)
		}
		ev = recv(t, sub.Events())
		name, _ := ev.Field("name")
		data, _ := ev.Field("data")
		if ev.Name != "property-change" || !name.Equal(codec.String("volume")) || !data.Equal(codec.Int(80)) {
			t.Errorf("sub %d: third event = %+v", i, ev)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	s, peer, _ := newTestSession(t)
	gone := s.Subscribe()
	kept := s.Subscribe()

	gone.Unsubscribe()
	gone.Unsubscribe()
	if s.subs.len() != 1 {
		t.Errorf("%d subscribers registered, want 1", s.subs.len())
	}

	_ = peer.SendEvent("idle", nil)
	if ev := recv(t, kept.Events()); ev.Name != "idle" {
		t.Errorf("event = %s, want idle", ev.Name)
	}
	if _, ok := <-gone.Events(); ok {
		t.Error("event delivered after Unsubscribe")
	}
	if gone.Err() != nil {
		t.Errorf("Err = %v after Unsubscribe, want nil", gone.Err())
	}
}

func TestSlowSubscriberDoesNotStall(t *testing.T) {
	const n = 200
	s, peer, _ := newTestSession(t)
	slow := s.Subscribe()
	go func() { _ = mpvtest.NewFake().Serve(peer) }()

	// the fake emits several events per loadfile; nobody reads slow meanwhile
	for range n / 4 {
		if _, err := s.Command(context.Background(), cmd("loadfile", "a.mkv")...); err != nil {
			t.Fatalf("Command failed: %v", err)
		}
	}
	if _, err := s.Command(context.Background(), cmd("stop")...); err != nil {
		t.Fatalf("Command failed: %v", err)
	}

	var names []string
	for len(names) < n/4*2+2 {
		names = append(names, recv(t, slow.Events()).Name)
	}
	if names[0] != "start-file" || names[1] != "file-loaded" {
		t.Errorf("events out of order: %v", names[:2])
	}
	if last := names[len(names)-2:]; last[0] != "end-file" || last[1] != "idle" {
		t.Errorf("last events = %v, want [end-file idle]", last)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	s, _, _ := newTestSession(t)
	_ = s.Close()

	sub := s.Subscribe()
	if _, ok := <-sub.Events(); ok {
		t.Error("event delivered on a closed session")
	}
	if !errors.Is(sub.Err(), ErrConnectionClosed) {
		t.Errorf("Err = %v, want ErrConnectionClosed", sub.Err())
	}
}

func TestWaitContextCanceled(t *testing.T) {
	s, peer, m := newTestSession(t)
	reqs := requests(peer)

	p, _ := s.Submit(cmd("get_property", "duration")...)
	stale := recv(t, reqs)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrCanceled wrapping DeadlineExceeded", err)
	}

	// a late answer to the abandoned request is discarded
	_ = peer.Reply(stale.RequestID, 12.5)

	next, _ := s.Submit(cmd("get_property", "pause")...)
	req := recv(t, reqs)
	if req.RequestID == stale.RequestID {
		t.Fatal("request id reused while the abandoned reply could still arrive")
	}
	_ = peer.Reply(req.RequestID, true)
	if v, err := next.Wait(context.Background()); err != nil || !v.Equal(codec.Bool(true)) {
		t.Fatalf("Wait = %s, %v", v, err)
	}
	if got := m.Snapshot().UnmatchedResponses; got != 1 {
		t.Errorf("UnmatchedResponses = %d, want 1", got)
	}
}

func TestCancel(t *testing.T) {
	s, peer, _ := newTestSession(t)
	reqs := requests(peer)

	p, _ := s.Submit(cmd("get_property", "duration")...)
	recv(t, reqs)

	if _, err := p.Result(); err == nil {
		t.Error("Result returned no error before resolution")
	}
	p.Cancel()
	p.Cancel()
	if _, err := p.Wait(context.Background()); !errors.Is(err, ErrCanceled) {
		t.Errorf("err = %v, want ErrCanceled", err)
	}
	if _, err := p.Result(); !errors.Is(err, ErrCanceled) {
		t.Errorf("Result err = %v, want ErrCanceled", err)
	}
}

func TestCommandRequestTimeout(t *testing.T) {
	conn, peer := mpvtest.NewPipe(t)
	s := New(WithMetrics(monitoring.New()), WithRequestTimeout(20*time.Millisecond))
	if err := s.Open(conn); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()
	requests(peer)

	_, err := s.Command(context.Background(), cmd("get_property", "pause")...)
	if !errors.Is(err, ErrCanceled) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want request timeout", err)
	}
}

func TestEmptyCommand(t *testing.T) {
	s, _, _ := newTestSession(t)
	if _, err := s.Submit(); err == nil {
		t.Error("empty command accepted")
	}
}

func TestRequestIDWrap(t *testing.T) {
	s := New(WithMetrics(monitoring.New()))
	s.lastID = math.MaxInt64 - 1
	s.pending[1] = &Pending{id: 1}

	s.mu.Lock()
	defer s.mu.Unlock()
	if id := s.nextID(); id != math.MaxInt64 {
		t.Errorf("id = %d, want MaxInt64", id)
	}
	if id := s.nextID(); id != 2 {
		t.Errorf("id after wrap = %d, want 2 (1 is still pending)", id)
	}
}

func TestLifecycle(t *testing.T) {
	s := New(WithMetrics(monitoring.New()))
	if s.State() != StateConnecting {
		t.Fatalf("new session state = %s", s.State())
	}
	if _, err := s.Submit(cmd("client_name")...); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Submit while connecting: err = %v, want ErrSessionClosed", err)
	}

	conn, _ := mpvtest.NewPipe(t)
	if err := s.Open(conn); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if s.State() != StateOpen || s.Err() != nil {
		t.Errorf("state = %s err = %v after Open", s.State(), s.Err())
	}

	other, _ := mpvtest.NewPipe(t)
	if err := s.Open(other); err == nil {
		t.Error("second Open succeeded")
	}
	if err := other.WriteLine([]byte("{}")); err == nil {
		t.Error("transport passed to a failed Open was not closed")
	}

	_ = s.Close()
	if err := s.Open(conn); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Open after Close: err = %v, want ErrSessionClosed", err)
	}
}

func TestDial(t *testing.T) {
	dir, err := os.MkdirTemp("", "mpvsock")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "mpv.sock")

	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	fake := mpvtest.NewFake()
	go func() { _ = fake.ListenAndServe(l) }()

	s, err := Dial(context.Background(), path, WithMetrics(monitoring.New()))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Command(context.Background(), cmd("set_property", "volume", 30)...); err != nil {
		t.Fatalf("set_property failed: %v", err)
	}
	if v, _ := fake.Property("volume"); !v.Equal(codec.Int(30)) {
		t.Errorf("fake volume = %s, want 30", v)
	}

	if _, err := Dial(context.Background(), filepath.Join(dir, "missing.sock")); err == nil {
		t.Error("Dial to a missing socket succeeded")
	}
}
