package packetlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/models"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
)

type memoryStore struct {
	mu      sync.Mutex
	entries []models.PacketLog
}

func (m *memoryStore) SavePacket(_ context.Context, entry models.PacketLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memoryStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

type countingCounter struct {
	mu      sync.Mutex
	frames  map[string]int
	dropped int
}

func (c *countingCounter) Frame(direction, opcode string) {
	c.mu.Lock()
	c.frames[direction+"/"+opcode]++
	c.mu.Unlock()
}

func (c *countingCounter) Dropped(string) {
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
}

func TestRecordPersistsInBackground(t *testing.T) {
	store := &memoryStore{}
	counter := &countingCounter{frames: map[string]int{}}
	log := New(store, counter, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		log.Run(ctx)
		close(done)
	}()

	raw, err := protocol.Encode(protocol.OpHeartbeat, 3, []byte("k"), nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	log.Record(nil, Incoming, raw, nil)
	log.Record(nil, Incoming, []byte{0x00}, protocol.ErrTooShort)

	deadline := time.Now().Add(time.Second)
	for store.len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if store.len() != 2 {
		t.Fatalf("expected 2 stored entries, got %d", store.len())
	}
	first := store.entries[0]
	if first.Opcode != int(protocol.OpHeartbeat) || first.Seq != 3 || first.Packet != protocol.Hex(raw) {
		t.Fatalf("unexpected entry %+v", first)
	}
	if store.entries[1].Error == "" || store.entries[1].Opcode != -1 {
		t.Fatalf("expected invalid entry to carry error, got %+v", store.entries[1])
	}
	if counter.frames["incoming/heartbeat"] != 1 || counter.frames["incoming/invalid"] != 1 {
		t.Fatalf("unexpected counters %v", counter.frames)
	}
}

func TestRecordDropsWhenQueueFull(t *testing.T) {
	counter := &countingCounter{frames: map[string]int{}}
	log := New(&memoryStore{}, counter, 1, nil)

	log.Record(nil, Outgoing, []byte{1}, nil)
	log.Record(nil, Outgoing, []byte{2}, nil)

	if counter.dropped != 1 {
		t.Fatalf("expected one dropped entry, got %d", counter.dropped)
	}
}
