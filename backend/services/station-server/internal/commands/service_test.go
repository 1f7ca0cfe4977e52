package commands

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

var secret = []byte("station-secret")

type fakeConn struct {
	mu      sync.Mutex
	frames  []protocol.Frame
	onWrite func(protocol.Frame)
}

func (f *fakeConn) Write(b []byte) (int, error) {
	frame, err := protocol.Decode(append([]byte(nil), b...))
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	hook := f.onWrite
	f.mu.Unlock()
	if hook != nil {
		go hook(frame)
	}
	return len(b), nil
}

func (f *fakeConn) Close() error                     { return nil }
func (f *fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000} }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) sent() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.frames...)
}

type statusStore struct {
	mu      sync.Mutex
	updates map[int64]string
}

func (s *statusStore) UpdateStatus(_ context.Context, stationID int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[stationID] = status
	return nil
}

func setup(t *testing.T, timeout time.Duration) (*Service, *registry.Registry, *registry.StationConnection, *fakeConn, *statusStore) {
	t.Helper()
	reg := registry.New(registry.Options{}, nil)
	fake := &fakeConn{}
	conn := reg.Register("10.0.0.2:40000", fake)
	if err := reg.Promote(conn, "DCHEY02504000019", 101, secret); err != nil {
		t.Fatalf("promote: %v", err)
	}
	store := &statusStore{updates: map[int64]string{}}
	svc := New(reg, store, nil, Config{Timeout: timeout}, nil)
	return svc, reg, conn, fake, store
}

func respond(t *testing.T, svc *Service, conn *registry.StationConnection, op protocol.Opcode, seq uint8, payload []byte) {
	t.Helper()
	raw, err := protocol.Encode(op, seq, secret, payload)
	if err != nil {
		t.Errorf("encode response: %v", err)
		return
	}
	frame, err := protocol.Decode(raw)
	if err != nil {
		t.Errorf("decode response: %v", err)
		return
	}
	if !svc.Deliver(conn, frame) {
		t.Errorf("no waiter for %s", op)
	}
}

func TestStationNotConnected(t *testing.T) {
	svc := New(registry.New(registry.Options{}, nil), nil, nil, Config{}, nil)
	res, err := svc.QueryInventory(context.Background(), 55)
	if !errors.Is(err, registry.ErrStationNotConnected) {
		t.Fatalf("expected ErrStationNotConnected, got %v", err)
	}
	if res.Success || res.Message == "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestNoSecretKeyBeforeLogin(t *testing.T) {
	reg := registry.New(registry.Options{}, nil)
	conn := reg.Register("a", &fakeConn{})
	svc := New(reg, nil, nil, Config{}, nil)
	if err := svc.RequestInventory(conn); !errors.Is(err, registry.ErrNoSecretKey) {
		t.Fatalf("expected ErrNoSecretKey, got %v", err)
	}
}

func TestQueryInventoryDeliversResponse(t *testing.T) {
	svc, _, conn, fake, _ := setup(t, time.Second)
	inv := protocol.InventoryResponse{SlotsNum: 8, RemainNum: 1, Slots: []protocol.SlotRecord{{Slot: 1, Level: 90, Status: 0x80}}}
	fake.onWrite = func(f protocol.Frame) {
		respond(t, svc, conn, protocol.OpQueryInventory, f.Seq, inv.Bytes())
	}

	res, err := svc.QueryInventory(context.Background(), 101)
	if err != nil {
		t.Fatalf("query inventory: %v", err)
	}
	if !res.Success || res.PacketHex == "" {
		t.Fatalf("unexpected result %+v", res)
	}
	got, ok := res.Data.(protocol.InventoryResponse)
	if !ok || got.RemainNum != 1 || len(got.Slots) != 1 {
		t.Fatalf("unexpected data %#v", res.Data)
	}

	sent := fake.sent()
	if len(sent) != 1 || sent[0].Opcode != protocol.OpQueryInventory {
		t.Fatalf("unexpected frames %+v", sent)
	}
	if err := sent[0].Authenticate(secret); err != nil {
		t.Fatalf("outgoing frame must authenticate: %v", err)
	}
}

func TestRequestTimesOut(t *testing.T) {
	svc, _, _, _, _ := setup(t, 20*time.Millisecond)
	res, err := svc.QueryICCID(context.Background(), 101)
	if !errors.Is(err, ErrResponseTimeout) {
		t.Fatalf("expected ErrResponseTimeout, got %v", err)
	}
	if res.PacketHex == "" {
		t.Fatalf("expected packet hex on timeout")
	}
	if len(svc.waiters) != 0 {
		t.Fatalf("expected waiter to be removed")
	}
}

func TestSetVoiceVolume(t *testing.T) {
	svc, _, conn, fake, _ := setup(t, time.Second)
	if _, err := svc.SetVoiceVolume(context.Background(), 101, 16); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if len(fake.sent()) != 0 {
		t.Fatalf("invalid volume must not be sent")
	}

	fake.onWrite = func(f protocol.Frame) {
		respond(t, svc, conn, protocol.OpSetVoiceVolume, f.Seq, nil)
	}
	res, err := svc.SetVoiceVolume(context.Background(), 101, 9)
	if err != nil || !res.Success {
		t.Fatalf("set volume: %+v %v", res, err)
	}
	if v, _, ok := conn.VoiceVolume(); !ok || v != 9 {
		t.Fatalf("expected cached volume 9, got %d", v)
	}
	if payload := fake.sent()[0].Payload; len(payload) != 1 || payload[0] != 9 {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestSetServerAddress(t *testing.T) {
	svc, _, conn, fake, _ := setup(t, time.Second)
	fake.onWrite = func(f protocol.Frame) {
		respond(t, svc, conn, protocol.OpSetServerAddress, f.Seq, nil)
	}
	addr := protocol.ServerAddress{Address: "gw.example.com", Port: "9066", Heartbeat: 30}
	res, err := svc.SetServerAddress(context.Background(), 101, addr)
	if err != nil || !res.Success {
		t.Fatalf("set server address: %+v %v", res, err)
	}
	parsed, err := protocol.ParseServerAddress(fake.sent()[0].Payload)
	if err != nil || parsed != addr {
		t.Fatalf("unexpected payload %+v %v", parsed, err)
	}
	if cached, _, ok := conn.ServerAddress(); !ok || cached != addr {
		t.Fatalf("expected cached address")
	}
}

func TestForceEject(t *testing.T) {
	svc, _, conn, fake, _ := setup(t, time.Second)
	tid, _ := protocol.ParseTerminalID("DCHA54000016")
	fake.onWrite = func(f protocol.Frame) {
		respond(t, svc, conn, protocol.OpForceEject, f.Seq, append([]byte{3, 1}, tid[:]...))
	}
	res, err := svc.ForceEject(context.Background(), 101, 3)
	if err != nil || !res.Success {
		t.Fatalf("force eject: %+v %v", res, err)
	}
	if got := res.Data.(protocol.ForceEjectResponse); got.TerminalID != tid {
		t.Fatalf("unexpected terminal %s", got.TerminalID)
	}
}

func TestRestartMarksInactive(t *testing.T) {
	svc, _, _, fake, store := setup(t, time.Second)
	res, err := svc.Restart(context.Background(), 101)
	if err != nil || !res.Success {
		t.Fatalf("restart: %+v %v", res, err)
	}
	if store.updates[101] != models.StationInactive {
		t.Fatalf("expected station marked inactive, got %q", store.updates[101])
	}
	if sent := fake.sent(); len(sent) != 1 || sent[0].Opcode != protocol.OpRestart {
		t.Fatalf("unexpected frames %+v", sent)
	}
}

func TestSequenceIncrements(t *testing.T) {
	svc, _, _, fake, _ := setup(t, time.Second)
	for i := 0; i < 3; i++ {
		if _, err := svc.SendBorrow(context.Background(), 101, 2); err != nil {
			t.Fatalf("send borrow: %v", err)
		}
	}
	sent := fake.sent()
	if sent[0].Seq == sent[1].Seq || sent[1].Seq == sent[2].Seq {
		t.Fatalf("expected distinct sequence numbers, got %d %d %d", sent[0].Seq, sent[1].Seq, sent[2].Seq)
	}
}
