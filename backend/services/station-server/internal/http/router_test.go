package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/auth"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/commands"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/correlator"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/inventory"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/protocol"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/registry"
	"github.com/ada231asd/nain-sub001/backend/services/station-server/internal/rental"
)

type fakeCommands struct {
	err       error
	restarted []int64
	ejected   []int
	volume    int
	addr      protocol.ServerAddress
}

func (f *fakeCommands) result(id int64, msg string) (commands.Result, error) {
	if f.err != nil {
		return commands.Result{Success: false, Message: f.err.Error(), StationID: id, PacketHex: "AA"}, f.err
	}
	return commands.Result{Success: true, Message: msg, StationID: id, PacketHex: "AA"}, nil
}

func (f *fakeCommands) QueryInventory(_ context.Context, id int64) (commands.Result, error) {
	return f.result(id, "inventory")
}
func (f *fakeCommands) CachedInventory(id int64) (commands.Result, error) {
	if f.err != nil {
		return commands.Result{StationID: id}, f.err
	}
	return commands.Result{Success: false, Message: "no cached inventory", StationID: id}, nil
}
func (f *fakeCommands) QueryICCID(_ context.Context, id int64) (commands.Result, error) {
	return f.result(id, "iccid")
}
func (f *fakeCommands) CachedICCID(id int64) (commands.Result, error) {
	return f.result(id, "cached iccid")
}
func (f *fakeCommands) QueryVoiceVolume(_ context.Context, id int64) (commands.Result, error) {
	return f.result(id, "volume")
}
func (f *fakeCommands) SetVoiceVolume(_ context.Context, id int64, level int) (commands.Result, error) {
	f.volume = level
	return f.result(id, "volume set")
}
func (f *fakeCommands) QueryServerAddress(_ context.Context, id int64) (commands.Result, error) {
	return f.result(id, "address")
}
func (f *fakeCommands) SetServerAddress(_ context.Context, id int64, addr protocol.ServerAddress) (commands.Result, error) {
	f.addr = addr
	return f.result(id, "address set")
}
func (f *fakeCommands) Restart(_ context.Context, id int64) (commands.Result, error) {
	f.restarted = append(f.restarted, id)
	return f.result(id, "restart sent")
}
func (f *fakeCommands) ForceEject(_ context.Context, id int64, slot int) (commands.Result, error) {
	f.ejected = append(f.ejected, slot)
	return f.result(id, "ejected")
}

type fakeRentals struct {
	outcome correlator.Outcome
	err     error
	borrow  rental.BorrowInput
	ret     rental.ReturnInput
	pbUser  int64
}

func (f *fakeRentals) Borrow(_ context.Context, in rental.BorrowInput) (correlator.Outcome, error) {
	f.borrow = in
	return f.outcome, f.err
}
func (f *fakeRentals) BorrowPowerbank(_ context.Context, _ int64, userID int64) (correlator.Outcome, error) {
	f.pbUser = userID
	return f.outcome, f.err
}
func (f *fakeRentals) ExpectReturn(_ context.Context, in rental.ReturnInput) (correlator.Outcome, error) {
	f.ret = in
	return f.outcome, f.err
}

type fakeOperations struct {
	pending   []correlator.Outcome
	cancelled []string
	olderThan time.Duration
}

func (f *fakeOperations) Pending() []correlator.Outcome { return f.pending }
func (f *fakeOperations) Cancel(id string) bool {
	for _, o := range f.pending {
		if o.OrderID == id {
			f.cancelled = append(f.cancelled, id)
			return true
		}
	}
	return false
}
func (f *fakeOperations) CancelExpired(olderThan time.Duration) int {
	f.olderThan = olderThan
	return len(f.pending)
}

type fakeConnections struct {
	closed []int64
}

func (f *fakeConnections) Snapshot() []registry.Info {
	return []registry.Info{{Key: "10.0.0.1:1#1", StationID: 3, Status: registry.StatusActive}}
}
func (f *fakeConnections) Counts() (int, int) { return 1, 1 }
func (f *fakeConnections) CloseStation(id int64, _ string) int {
	f.closed = append(f.closed, id)
	return 1
}

type fakeInventories map[int64]inventory.StationInventory

func (f fakeInventories) Snapshot(_ context.Context, id int64) (inventory.StationInventory, bool) {
	inv, ok := f[id]
	return inv, ok
}

func (f fakeInventories) Forget(id int64) { delete(f, id) }

type env struct {
	handler  http.Handler
	invs     fakeInventories
	verifier *auth.Verifier
	cmds     *fakeCommands
	rentals  *fakeRentals
	ops      *fakeOperations
	conns    *fakeConnections
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		verifier: auth.NewVerifier("secret"),
		cmds:     &fakeCommands{},
		rentals:  &fakeRentals{},
		ops:      &fakeOperations{},
		conns:    &fakeConnections{},
		invs:     fakeInventories{5: {StationID: 5, SlotsNum: 8, RemainNum: 2}},
	}
	e.handler = NewRouter(RouterDeps{
		Commands:    e.cmds,
		Rentals:     e.rentals,
		Operations:  e.ops,
		Connections: e.conns,
		Inventories: e.invs,
		Auth:        auth.Middleware(e.verifier, "", nil),
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("station_frames_total 1\n"))
		}),
	})
	return e
}

func (e *env) do(t *testing.T, method, path, role string, userID int64, body string) (*httptest.ResponseRecorder, commands.Result) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if role != "" {
		token, err := e.verifier.Issue(userID, role, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var res commands.Result
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res), rec.Body.String())
	}
	return rec, res
}

func TestPublicEndpoints(t *testing.T) {
	e := newEnv(t)

	rec, _ := e.do(t, http.MethodGet, "/health", "", 0, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"stations_active":1`)

	rec, _ = e.do(t, http.MethodGet, "/metrics", "", 0, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "station_frames_total")

	rec, _ = e.do(t, http.MethodGet, "/api/v1/stations", "", 0, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListStations(t *testing.T) {
	e := newEnv(t)
	rec, res := e.do(t, http.MethodGet, "/api/v1/stations", auth.RoleUser, 9, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, res.Success)
	require.Contains(t, rec.Body.String(), `"station_id":3`)
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{registry.ErrStationNotConnected, http.StatusNotFound},
		{fmt.Errorf("%w: inventory after 10s", commands.ErrResponseTimeout), http.StatusGatewayTimeout},
		{fmt.Errorf("%w: volume 99", commands.ErrInvalidArgument), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: broken pipe", registry.ErrTransportClosed), http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		e := newEnv(t)
		e.cmds.err = tc.err
		rec, res := e.do(t, http.MethodPost, "/api/v1/stations/5/inventory/query", auth.RoleUser, 9, "")
		require.Equal(t, tc.want, rec.Code, "err %v", tc.err)
		require.Equal(t, tc.err == nil, res.Success)
		require.Equal(t, int64(5), res.StationID)
		require.Equal(t, "AA", res.PacketHex)
	}
}

func TestInventoryFallsBackToMirror(t *testing.T) {
	e := newEnv(t)
	e.cmds.err = registry.ErrStationNotConnected

	rec, res := e.do(t, http.MethodGet, "/api/v1/stations/5/inventory", auth.RoleUser, 9, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, res.Success)
	require.Equal(t, "mirrored inventory", res.Message)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/stations/6/inventory", auth.RoleUser, 9, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = e.do(t, http.MethodGet, "/api/v1/stations/abc/inventory", auth.RoleUser, 9, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminRoutesRequireRole(t *testing.T) {
	e := newEnv(t)

	rec, _ := e.do(t, http.MethodPost, "/api/v1/stations/5/restart", auth.RoleUser, 9, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, e.cmds.restarted)

	rec, res := e.do(t, http.MethodPost, "/api/v1/stations/5/restart", auth.RoleAdmin, 1, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, res.Success)
	require.Equal(t, []int64{5}, e.cmds.restarted)
	require.NotContains(t, e.invs, int64(5))

	rec, _ = e.do(t, http.MethodPost, "/api/v1/stations/5/eject", auth.RoleService, 1, `{"slot":4}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int{4}, e.cmds.ejected)

	rec, _ = e.do(t, http.MethodPut, "/api/v1/stations/5/volume", auth.RoleAdmin, 1, `{"level":7}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 7, e.cmds.volume)

	rec, _ = e.do(t, http.MethodPut, "/api/v1/stations/5/volume", auth.RoleAdmin, 1, `{}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = e.do(t, http.MethodPut, "/api/v1/stations/5/server-address", auth.RoleAdmin, 1,
		`{"address":"ws.example.com","port":"9066","heartbeat":30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, protocol.ServerAddress{Address: "ws.example.com", Port: "9066", Heartbeat: 30}, e.cmds.addr)

	rec, _ = e.do(t, http.MethodPost, "/api/v1/stations/5/disconnect", auth.RoleAdmin, 1, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []int64{5}, e.conns.closed)
}

func TestBorrowOutcomes(t *testing.T) {
	succeeded := correlator.Outcome{OrderID: "o-1", Kind: correlator.KindBorrow, State: correlator.StateSucceeded, StationID: 5, Slot: 2}
	cases := []struct {
		name    string
		outcome correlator.Outcome
		err     error
		want    int
	}{
		{"success", succeeded, nil, http.StatusOK},
		{"offline", correlator.Outcome{OrderID: "o-2", Kind: correlator.KindBorrow, State: correlator.StateFailed, Reason: correlator.ReasonStationOffline}, nil, http.StatusNotFound},
		{"timeout", correlator.Outcome{OrderID: "o-3", Kind: correlator.KindBorrow, State: correlator.StateTimedOut, Reason: correlator.ReasonTimedOut}, nil, http.StatusGatewayTimeout},
		{"device", correlator.Outcome{OrderID: "o-4", Kind: correlator.KindBorrow, State: correlator.StateFailed, Reason: correlator.ReasonSlotEmpty}, nil, http.StatusBadGateway},
		{"busy", correlator.Outcome{}, fmt.Errorf("%w: station 5 slot 2", correlator.ErrSlotBusy), http.StatusConflict},
		{"empty", correlator.Outcome{}, fmt.Errorf("%w: station 5", rental.ErrNoSlotAvailable), http.StatusConflict},
		{"invalid", correlator.Outcome{}, fmt.Errorf("%w: user id is required", rental.ErrInvalidInput), http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			e.rentals.outcome, e.rentals.err = tc.outcome, tc.err
			rec, res := e.do(t, http.MethodPost, "/api/v1/stations/5/borrow", auth.RoleUser, 9, `{"slot":2,"user_id":77}`)
			require.Equal(t, tc.want, rec.Code)
			require.Equal(t, tc.want == http.StatusOK, res.Success)
			require.Equal(t, int64(5), res.StationID)
		})
	}
}

func TestOutcomeFieldsAreSnakeCase(t *testing.T) {
	e := newEnv(t)
	e.rentals.outcome = correlator.Outcome{OrderID: "o-1", Kind: correlator.KindBorrow, State: correlator.StateSucceeded, StationID: 5, Slot: 2, UserID: 77, PowerbankID: 12}
	rec, _ := e.do(t, http.MethodPost, "/api/v1/stations/5/borrow", auth.RoleUser, 9, `{"slot":2}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	for _, key := range []string{"order_id", "station_id", "user_id", "powerbank_id", "created_at"} {
		require.Contains(t, body.Data, key)
	}
	require.NotContains(t, body.Data, "orderId")
	require.NotContains(t, body.Data, "stationId")
}

func TestBorrowBooksForCaller(t *testing.T) {
	e := newEnv(t)
	e.rentals.outcome = correlator.Outcome{State: correlator.StateSucceeded}

	// users cannot borrow on someone else's account
	e.do(t, http.MethodPost, "/api/v1/stations/5/borrow", auth.RoleUser, 9, `{"slot":2,"user_id":77}`)
	require.Equal(t, rental.BorrowInput{StationID: 5, Slot: 2, UserID: 9}, e.rentals.borrow)

	e.do(t, http.MethodPost, "/api/v1/stations/5/borrow", auth.RoleService, 1, `{"user_id":77,"order_id":"ext-1"}`)
	require.Equal(t, rental.BorrowInput{OrderID: "ext-1", StationID: 5, UserID: 77}, e.rentals.borrow)

	e.do(t, http.MethodPost, "/api/v1/powerbanks/12/borrow", auth.RoleUser, 9, "")
	require.Equal(t, int64(9), e.rentals.pbUser)

	rec, _ := e.do(t, http.MethodPost, "/api/v1/stations/5/borrow", auth.RoleUser, 9, `{"slot":`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestExpectReturn(t *testing.T) {
	e := newEnv(t)
	e.rentals.outcome = correlator.Outcome{OrderID: "r-1", Kind: correlator.KindReturn, State: correlator.StateSucceeded, StationID: 5}

	rec, res := e.do(t, http.MethodPost, "/api/v1/stations/5/returns", auth.RoleUser, 9,
		`{"terminal_id":"DCHA54000016","window_seconds":30}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, res.Success)
	require.Equal(t, rental.ReturnInput{StationID: 5, UserID: 9, TerminalID: "DCHA54000016", Window: 30 * time.Second}, e.rentals.ret)
}

func TestOperations(t *testing.T) {
	e := newEnv(t)
	e.ops.pending = []correlator.Outcome{{OrderID: "o-1", Kind: correlator.KindBorrow, State: correlator.StatePending}}

	rec, res := e.do(t, http.MethodGet, "/api/v1/operations", auth.RoleUser, 9, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1 pending operations", res.Message)

	rec, _ = e.do(t, http.MethodDelete, "/api/v1/operations/missing", auth.RoleUser, 9, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = e.do(t, http.MethodDelete, "/api/v1/operations/o-1", auth.RoleUser, 9, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"o-1"}, e.ops.cancelled)

	rec, _ = e.do(t, http.MethodPost, "/api/v1/operations/cleanup", auth.RoleUser, 9, `{"max_age_seconds":60}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, http.MethodPost, "/api/v1/operations/cleanup", auth.RoleAdmin, 1, `{"max_age_seconds":60}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, time.Minute, e.ops.olderThan)
}

func TestEventsIdentity(t *testing.T) {
	v := auth.NewVerifier("secret")
	identify := EventsIdentity(v)

	token, err := v.Issue(9, auth.RoleUser, time.Minute)
	require.NoError(t, err)
	sub, err := identify(httptest.NewRequest(http.MethodGet, "/ws/events?token="+token, nil))
	require.NoError(t, err)
	require.Equal(t, int64(9), sub.UserID)
	require.False(t, sub.All)

	admin, err := v.Issue(1, auth.RoleAdmin, time.Minute)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/ws/events", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	sub, err = identify(req)
	require.NoError(t, err)
	require.True(t, sub.All)

	_, err = identify(httptest.NewRequest(http.MethodGet, "/ws/events?user_id=9", nil))
	require.Error(t, err)
}
