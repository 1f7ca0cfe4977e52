// Package registry tracks live station sockets and their negotiated identity.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DisconnectHook is called after an active connection leaves the registry.
type DisconnectHook func(conn *StationConnection, reason string)

// Options configures a Registry.
type Options struct {
	WriteTimeout time.Duration
	Now          func() time.Time
}

// Registry owns every StationConnection by connection key. Connection state changes that
// affect reachability go through its methods.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*StationConnection
	hooks []DisconnectHook

	writeTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// New builds an empty registry.
func New(opts Options, logger *zap.Logger) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		conns:        make(map[string]*StationConnection),
		writeTimeout: opts.WriteTimeout,
		now:          opts.Now,
		logger:       logger.Named("registry"),
	}
}

// OnDisconnect registers a hook. Hooks must not call back into Register or Promote synchronously.
func (r *Registry) OnDisconnect(hook DisconnectHook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// Register creates a pending connection for an accepted socket. An existing entry with the same
// key is evicted first.
func (r *Registry) Register(key string, t Transport) *StationConnection {
	conn := newConnection(key, t, r.writeTimeout, r.now())

	r.mu.Lock()
	old := r.conns[key]
	r.conns[key] = conn
	r.mu.Unlock()

	if old != nil {
		r.logger.Warn("replacing connection with same key", zap.String("conn", key))
		r.finish(old, "replaced")
	}
	return conn
}

// Promote marks conn active for stationID after a successful login. Older active sockets of the
// same station are closed.
func (r *Registry) Promote(conn *StationConnection, boxID string, stationID int64, secret []byte) error {
	if stationID == 0 || len(secret) == 0 {
		return ErrNoSecretKey
	}
	now := r.now()

	var replaced []*StationConnection
	r.mu.Lock()
	if r.conns[conn.key] != conn {
		r.mu.Unlock()
		return ErrTransportClosed
	}
	conn.mu.Lock()
	conn.boxID = boxID
	conn.stationID = stationID
	conn.secret = append([]byte(nil), secret...)
	conn.status = StatusActive
	conn.lastHeartbeat = now
	conn.lastSeen = now
	conn.mu.Unlock()

	for key, other := range r.conns {
		if other == conn || other.StationID() != stationID || !other.IsActive() {
			continue
		}
		delete(r.conns, key)
		replaced = append(replaced, other)
	}
	r.mu.Unlock()

	for _, old := range replaced {
		r.logger.Info("closing superseded connection",
			zap.Int64("station_id", stationID),
			zap.String("conn", old.key),
			zap.String("new_conn", conn.key))
		r.finish(old, "superseded")
	}
	return nil
}

// TouchHeartbeat records activity on conn.
func (r *Registry) TouchHeartbeat(conn *StationConnection) {
	now := r.now()
	conn.mu.Lock()
	conn.lastHeartbeat = now
	conn.lastSeen = now
	conn.mu.Unlock()
}

// Remove drops conn after its socket ended.
func (r *Registry) Remove(conn *StationConnection) bool {
	return r.Evict(conn, "disconnected")
}

// Evict closes conn and removes it. It reports whether conn was still registered.
func (r *Registry) Evict(conn *StationConnection, reason string) bool {
	r.mu.Lock()
	current, ok := r.conns[conn.key]
	if ok && current == conn {
		delete(r.conns, conn.key)
	}
	r.mu.Unlock()

	if !ok || current != conn {
		_ = conn.Close()
		return false
	}
	r.finish(conn, reason)
	return true
}

func (r *Registry) finish(conn *StationConnection, reason string) {
	if err := conn.Close(); err != nil {
		r.logger.Warn("close connection", zap.String("conn", conn.key), zap.Error(err))
	}
	if !conn.IsActive() {
		return
	}
	r.mu.RLock()
	hooks := append([]DisconnectHook(nil), r.hooks...)
	r.mu.RUnlock()
	for _, hook := range hooks {
		hook(conn, reason)
	}
}

// Get looks up a connection by key.
func (r *Registry) Get(key string) (*StationConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[key]
	return conn, ok
}

// ByStationID returns the most recently connected active socket of a station.
func (r *Registry) ByStationID(stationID int64) (*StationConnection, bool) {
	all := r.AllByStationID(stationID)
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].IsActive() {
			return all[i], true
		}
	}
	return nil, false
}

// AllByStationID returns every socket of a station, oldest first.
func (r *Registry) AllByStationID(stationID int64) []*StationConnection {
	r.mu.RLock()
	var out []*StationConnection
	for _, conn := range r.conns {
		if conn.StationID() == stationID {
			out = append(out, conn)
		}
	}
	r.mu.RUnlock()
	sortByConnected(out)
	return out
}

// Resolve returns the active connection for stationID ready to carry commands.
func (r *Registry) Resolve(stationID int64) (*StationConnection, error) {
	conn, ok := r.ByStationID(stationID)
	if !ok {
		return nil, ErrStationNotConnected
	}
	if len(conn.Secret()) == 0 {
		return nil, ErrNoSecretKey
	}
	return conn, nil
}

// Active lists active connections.
func (r *Registry) Active() []*StationConnection {
	return r.filter(func(c *StationConnection) bool { return c.IsActive() })
}

// All lists every registered connection.
func (r *Registry) All() []*StationConnection {
	return r.filter(func(*StationConnection) bool { return true })
}

func (r *Registry) filter(keep func(*StationConnection) bool) []*StationConnection {
	r.mu.RLock()
	out := make([]*StationConnection, 0, len(r.conns))
	for _, conn := range r.conns {
		if keep(conn) {
			out = append(out, conn)
		}
	}
	r.mu.RUnlock()
	sortByConnected(out)
	return out
}

// Snapshot returns Info for every connection.
func (r *Registry) Snapshot() []Info {
	conns := r.All()
	out := make([]Info, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn.Info())
	}
	return out
}

// Counts returns the number of pending and active connections.
func (r *Registry) Counts() (pending, active int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, conn := range r.conns {
		if conn.IsActive() {
			active++
		} else {
			pending++
		}
	}
	return pending, active
}

// CloseStation evicts every socket of a station.
func (r *Registry) CloseStation(stationID int64, reason string) int {
	n := 0
	for _, conn := range r.AllByStationID(stationID) {
		if r.Evict(conn, reason) {
			n++
		}
	}
	return n
}

// CloseAll evicts everything.
func (r *Registry) CloseAll(reason string) int {
	n := 0
	for _, conn := range r.All() {
		if r.Evict(conn, reason) {
			n++
		}
	}
	return n
}

func sortByConnected(conns []*StationConnection) {
	sort.SliceStable(conns, func(i, j int) bool {
		if conns[i].connectedAt.Equal(conns[j].connectedAt) {
			return conns[i].key < conns[j].key
		}
		return conns[i].connectedAt.Before(conns[j].connectedAt)
	})
}
