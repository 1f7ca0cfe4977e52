package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type staticCounts struct{ pending, active int }

func (s staticCounts) Counts() (int, int) { return s.pending, s.active }

func TestCountersAndHandler(t *testing.T) {
	m := New(staticCounts{pending: 1, active: 3})

	m.Frame("incoming", "heartbeat")
	m.Frame("incoming", "heartbeat")
	m.Rejected("token_invalid")
	m.Operation("borrow", "succeeded", 2*time.Second)
	m.Evicted("heartbeat_timeout")
	m.Dropped("notify")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	require.Contains(t, body, `station_connections{status="active"} 3`)
	require.Contains(t, body, `station_connections{status="pending"} 1`)
	require.Contains(t, body, `station_frames_total{direction="incoming",opcode="heartbeat"} 2`)
	require.Contains(t, body, `station_frames_rejected_total{reason="token_invalid"} 1`)
	require.Contains(t, body, `station_operations_total{kind="borrow",state="succeeded"} 1`)
	require.Contains(t, body, `station_evictions_total{reason="heartbeat_timeout"} 1`)
	require.Contains(t, body, `station_events_dropped_total{queue="notify"} 1`)
}
