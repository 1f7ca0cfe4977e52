package registry

import (
	"errors"
	"net"
	"sync"
	"syscall"
	"testing"
	"time"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

type fakeTransport struct {
	mu       sync.Mutex
	written  [][]byte
	writeErr error
	closeErr error
	closes   int
	addr     string
}

func newFakeTransport(addr string) *fakeTransport {
	return &fakeTransport{addr: addr}
}

func (f *fakeTransport) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	f.written = append(f.written, append([]byte(nil), b...))
	return len(b), nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return f.closeErr
}

func (f *fakeTransport) RemoteAddr() net.Addr             { return fakeAddr(f.addr) }
func (f *fakeTransport) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry() (*Registry, *clock) {
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(Options{Now: clk.Now}, nil), clk
}

func TestRegisterReplacesSameKey(t *testing.T) {
	reg, _ := newTestRegistry()
	first := newFakeTransport("10.0.0.1:5000")
	second := newFakeTransport("10.0.0.1:5000")

	old := reg.Register("10.0.0.1:5000", first)
	conn := reg.Register("10.0.0.1:5000", second)

	if first.closeCount() != 1 {
		t.Fatalf("expected replaced transport to be closed once, got %d", first.closeCount())
	}
	if !old.Closed() {
		t.Fatalf("expected replaced connection to be closed")
	}
	got, ok := reg.Get("10.0.0.1:5000")
	if !ok || got != conn {
		t.Fatalf("expected new connection to be registered")
	}
	if conn.Status() != StatusPending {
		t.Fatalf("expected pending status, got %s", conn.Status())
	}
}

func TestPromoteClosesOlderConnection(t *testing.T) {
	reg, clk := newTestRegistry()
	var disconnected []string
	reg.OnDisconnect(func(conn *StationConnection, reason string) {
		disconnected = append(disconnected, conn.Key()+":"+reason)
	})

	oldT := newFakeTransport("a")
	oldConn := reg.Register("a", oldT)
	if err := reg.Promote(oldConn, "DCHEY02504000019", 101, []byte("key")); err != nil {
		t.Fatalf("promote old: %v", err)
	}

	clk.Advance(time.Second)
	newConn := reg.Register("b", newFakeTransport("b"))
	if err := reg.Promote(newConn, "DCHEY02504000019", 101, []byte("key")); err != nil {
		t.Fatalf("promote new: %v", err)
	}

	if oldT.closeCount() != 1 {
		t.Fatalf("expected old transport closed once, got %d", oldT.closeCount())
	}
	if _, ok := reg.Get("a"); ok {
		t.Fatalf("expected old connection removed")
	}
	got, ok := reg.ByStationID(101)
	if !ok || got != newConn {
		t.Fatalf("expected new connection for station")
	}
	if len(disconnected) != 1 || disconnected[0] != "a:superseded" {
		t.Fatalf("unexpected disconnect hooks: %v", disconnected)
	}
	if len(reg.AllByStationID(101)) != 1 {
		t.Fatalf("expected one socket for station")
	}
}

func TestPromoteRequiresSecret(t *testing.T) {
	reg, _ := newTestRegistry()
	conn := reg.Register("a", newFakeTransport("a"))
	if err := reg.Promote(conn, "BOX", 7, nil); !errors.Is(err, ErrNoSecretKey) {
		t.Fatalf("expected ErrNoSecretKey, got %v", err)
	}
	if conn.IsActive() {
		t.Fatalf("connection must stay pending")
	}
}

func TestResolve(t *testing.T) {
	reg, _ := newTestRegistry()
	if _, err := reg.Resolve(5); !errors.Is(err, ErrStationNotConnected) {
		t.Fatalf("expected ErrStationNotConnected, got %v", err)
	}
	conn := reg.Register("a", newFakeTransport("a"))
	if err := reg.Promote(conn, "BOX", 5, []byte("k")); err != nil {
		t.Fatalf("promote: %v", err)
	}
	got, err := reg.Resolve(5)
	if err != nil || got != conn {
		t.Fatalf("resolve: %v", err)
	}
}

func TestCloseTwiceAndBenignReset(t *testing.T) {
	reg, _ := newTestRegistry()
	tr := newFakeTransport("a")
	tr.closeErr = syscall.ECONNRESET
	conn := reg.Register("a", tr)

	if err := conn.Close(); err != nil {
		t.Fatalf("reset on close must be benign, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if tr.closeCount() != 1 {
		t.Fatalf("expected transport closed once, got %d", tr.closeCount())
	}
	if err := conn.Send([]byte{1}); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("expected ErrTransportClosed after close, got %v", err)
	}
	if !reg.Evict(conn, "test") {
		t.Fatalf("expected evict to report removal")
	}
	if reg.Evict(conn, "test") {
		t.Fatalf("second evict must be a no-op")
	}
}

func TestSendWrapsWriteError(t *testing.T) {
	reg, _ := newTestRegistry()
	tr := newFakeTransport("a")
	tr.writeErr = syscall.EPIPE
	conn := reg.Register("a", tr)

	err := conn.Send([]byte{1, 2})
	if !errors.Is(err, ErrTransportClosed) || !errors.Is(err, syscall.EPIPE) {
		t.Fatalf("expected wrapped transport error, got %v", err)
	}
}

func TestTouchHeartbeatKeepsIdentity(t *testing.T) {
	reg, clk := newTestRegistry()
	conn := reg.Register("a", newFakeTransport("a"))
	if err := reg.Promote(conn, "BOX", 9, []byte("k")); err != nil {
		t.Fatalf("promote: %v", err)
	}
	clk.Advance(10 * time.Second)
	reg.TouchHeartbeat(conn)

	if !conn.LastSeen().Equal(clk.Now()) {
		t.Fatalf("expected last seen to advance")
	}
	if conn.StationID() != 9 {
		t.Fatalf("station id changed: %d", conn.StationID())
	}
}

func TestCachesAreCopies(t *testing.T) {
	reg, clk := newTestRegistry()
	conn := reg.Register("a", newFakeTransport("a"))

	if _, _, ok := conn.VoiceVolume(); ok {
		t.Fatalf("expected no cached volume")
	}
	conn.SetVoiceVolume(7, clk.Now())
	if v, _, ok := conn.VoiceVolume(); !ok || v != 7 {
		t.Fatalf("unexpected volume %d", v)
	}
	conn.SetICCID("8986", clk.Now())
	if iccid, _, ok := conn.ICCID(); !ok || iccid != "8986" {
		t.Fatalf("unexpected iccid %q", iccid)
	}
}

func TestCloseStationAndCounts(t *testing.T) {
	reg, _ := newTestRegistry()
	a := reg.Register("a", newFakeTransport("a"))
	reg.Register("b", newFakeTransport("b"))
	if err := reg.Promote(a, "BOX", 1, []byte("k")); err != nil {
		t.Fatalf("promote: %v", err)
	}

	pending, active := reg.Counts()
	if pending != 1 || active != 1 {
		t.Fatalf("unexpected counts pending=%d active=%d", pending, active)
	}
	if n := reg.CloseStation(1, "admin"); n != 1 {
		t.Fatalf("expected 1 closed, got %d", n)
	}
	if n := reg.CloseAll("shutdown"); n != 1 {
		t.Fatalf("expected 1 closed, got %d", n)
	}
	if len(reg.Snapshot()) != 0 {
		t.Fatalf("expected empty registry")
	}
}
