package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type countingDrops struct {
	mu sync.Mutex
	n  map[string]int
}

func (c *countingDrops) Dropped(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.n == nil {
		c.n = map[string]int{}
	}
	c.n[queue]++
}

func TestDispatcherDeliversToEverySink(t *testing.T) {
	d := NewDispatcher(8, nil, nil)
	got := make(chan Event, 4)
	d.AddSink("a", SinkFunc(func(_ context.Context, ev Event) error { got <- ev; return nil }))
	d.AddSink("b", SinkFunc(func(_ context.Context, ev Event) error { got <- ev; return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { d.Run(ctx); close(done) }()

	d.Publish(Event{Type: TypeBorrow, StationID: 101, Slot: 2, Success: true})
	for i := 0; i < 2; i++ {
		select {
		case ev := <-got:
			require.Equal(t, TypeBorrow, ev.Type)
			require.NotEmpty(t, ev.ID)
			require.False(t, ev.Time.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
	cancel()
	<-done
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	drops := &countingDrops{}
	d := NewDispatcher(1, drops, nil)
	d.Publish(Event{Type: TypeReturn})
	d.Publish(Event{Type: TypeReturn})
	require.Equal(t, 1, drops.n["notify"])
}

func TestDispatcherDrainsOnShutdown(t *testing.T) {
	d := NewDispatcher(4, nil, nil)
	var mu sync.Mutex
	var seen int
	d.AddSink("count", SinkFunc(func(context.Context, Event) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return nil
	}))
	d.Publish(Event{Type: TypeReturn})
	d.Publish(Event{Type: TypeReturn})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)
	require.Equal(t, 2, seen)

	// closed dispatcher ignores late events
	d.Publish(Event{Type: TypeReturn})
	require.Len(t, d.queue, 0)
}

func TestWebhookClientPostsEvent(t *testing.T) {
	received := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, TypeSlotAbnormal, r.Header.Get("X-Event-Type"))
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		received <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewWebhookClient(srv.URL, nil)
	require.NoError(t, c.Send(context.Background(), Event{Type: TypeSlotAbnormal, StationID: 7, Slot: 3}))
	ev := <-received
	require.Equal(t, int64(7), ev.StationID)
	require.Equal(t, 3, ev.Slot)
}

func TestWebhookClientReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	require.Error(t, NewWebhookClient(srv.URL, nil).Send(context.Background(), Event{Type: TypeBorrow}))
	require.NoError(t, NewWebhookClient("", nil).Send(context.Background(), Event{Type: TypeBorrow}))
}

func TestNATSSubject(t *testing.T) {
	require.Equal(t, "stations.101.events", NewNATSPublisher(nil, "").Subject(101))
	require.Equal(t, "pb.5.events", NewNATSPublisher(nil, ".pb.").Subject(5))
}
