package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/notify"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventsReachOwningUserOnly(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewManager(time.Minute, nil)
	server := NewServer(ctx, manager, nil, time.Second, nil)
	srv := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	defer srv.Close()

	alice := dial(t, srv, "?user_id=1")
	bob := dial(t, srv, "?user_id=2")
	require.Eventually(t, func() bool { return manager.Len() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, manager.Send(ctx, notify.Event{ID: "e1", Type: notify.TypeBorrow, UserID: 2, StationID: 101, Success: true}))

	_ = bob.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := bob.ReadMessage()
	require.NoError(t, err)
	var ev notify.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	require.Equal(t, "e1", ev.ID)

	_ = alice.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = alice.ReadMessage()
	require.Error(t, err)
}

func TestUpgradeRequiresIdentity(t *testing.T) {
	server := NewServer(context.Background(), NewManager(time.Minute, nil), nil, time.Second, nil)
	rec := httptest.NewRecorder()
	server.HandleWS(rec, httptest.NewRequest(http.MethodGet, "/ws/events", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClientRemovedAfterDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := NewManager(time.Minute, nil)
	server := NewServer(ctx, manager, func(*http.Request) (Subscriber, error) { return Subscriber{All: true}, nil }, time.Second, nil)
	srv := httptest.NewServer(http.HandlerFunc(server.HandleWS))
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return manager.Len() == 1 }, time.Second, 10*time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return manager.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
