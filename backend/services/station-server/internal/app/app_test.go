package app

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/correlator"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/notify"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
)

type fakeStations struct {
	mu       sync.Mutex
	statuses map[int64]string
}

func (f *fakeStations) UpdateStatus(_ context.Context, id int64, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeStations) MarkAllInactive(context.Context) (int64, error) { return 0, nil }

func (f *fakeStations) status(id int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statuses[id]
}

type nopTransport struct{}

func (nopTransport) Write(b []byte) (int, error)      { return len(b), nil }
func (nopTransport) Close() error                     { return nil }
func (nopTransport) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (nopTransport) SetWriteDeadline(time.Time) error { return nil }

type nopSender struct{}

func (nopSender) SendBorrow(context.Context, int64, uint8) (string, error) { return "", nil }

func newTestApp(t *testing.T) (*App, *fakeStations, <-chan notify.Event) {
	t.Helper()
	stations := &fakeStations{statuses: map[int64]string{}}
	events := make(chan notify.Event, 8)

	dispatcher := notify.NewDispatcher(8, nil, zap.NewNop())
	dispatcher.AddSink("test", notify.SinkFunc(func(_ context.Context, ev notify.Event) error {
		events <- ev
		return nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go dispatcher.Run(ctx)

	a := &App{
		logger:     zap.NewNop(),
		stations:   stations,
		registry:   registry.New(registry.Options{}, zap.NewNop()),
		correlator: correlator.New(nopSender{}, correlator.Config{BorrowTimeout: time.Minute}, zap.NewNop()),
		dispatcher: dispatcher,
	}
	a.registry.OnDisconnect(a.stationLost)
	return a, stations, events
}

func connect(t *testing.T, a *App, key string, stationID int64) *registry.StationConnection {
	t.Helper()
	conn := a.registry.Register(key, nopTransport{})
	if err := a.registry.Promote(conn, "DCHEY02504000019", stationID, []byte("secret")); err != nil {
		t.Fatalf("promote: %v", err)
	}
	return conn
}

func TestStationLostFailsOperationsAndMarksInactive(t *testing.T) {
	a, stations, events := newTestApp(t)
	conn := connect(t, a, "a", 7)

	w, err := a.correlator.Borrow(context.Background(), correlator.BorrowRequest{StationID: 7, Slot: 3})
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	ret, err := a.correlator.ExpectReturn(context.Background(), correlator.ReturnIntent{StationID: 7, UserID: 9, Window: time.Minute})
	if err != nil {
		t.Fatalf("expect return: %v", err)
	}

	if !a.registry.Evict(conn, "heartbeat_timeout") {
		t.Fatalf("evict returned false")
	}

	out, ok := w.Outcome()
	if !ok {
		t.Fatalf("borrow still pending after disconnect")
	}
	if out.State != correlator.StateFailed || out.Reason != correlator.ReasonConnectionLost {
		t.Fatalf("outcome = %s/%q", out.State, out.Reason)
	}
	if out, ok := ret.Outcome(); !ok || out.Reason != correlator.ReasonConnectionLost {
		t.Fatalf("return intent = %+v, resolved %v", out, ok)
	}
	if got := stations.status(7); got != models.StationInactive {
		t.Fatalf("status = %q", got)
	}

	select {
	case ev := <-events:
		if ev.Type != notify.TypeStation || ev.StationID != 7 || ev.Reason != "heartbeat_timeout" || ev.Success {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no station event published")
	}
}

func TestSupersededConnectionKeepsStationOnline(t *testing.T) {
	a, stations, events := newTestApp(t)
	connect(t, a, "a", 7)

	w, err := a.correlator.Borrow(context.Background(), correlator.BorrowRequest{StationID: 7, Slot: 1})
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	connect(t, a, "b", 7)

	if _, done := w.Outcome(); done {
		t.Fatalf("borrow resolved when a newer socket took over")
	}
	if got := stations.status(7); got != "" {
		t.Fatalf("status changed to %q", got)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStationLostIgnoresUnpromotedConnections(t *testing.T) {
	a, stations, _ := newTestApp(t)
	conn := a.registry.Register("a", nopTransport{})
	a.stationLost(conn, "read_error")
	if len(stations.statuses) != 0 {
		t.Fatalf("statuses = %v", stations.statuses)
	}
}
