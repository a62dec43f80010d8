// Package registry owns the relay's membership tables: which devices and
// clients are connected, which device is paired to which client, and the
// send primitives every other component routes through.
//
// Grounded on original_source/server/connection_manager.py's
// ConnectionManager/ConnectionState, reshaped as a mutex-guarded Go
// struct along the lines of katagun-webpa-common/device/manager.go's
// Connector/Registry interface split (a table of live device
// connections with accept/disconnect/visit operations).
package registry

import (
	"sync"
	"time"

	"github.com/n0remac/boat-relay/internal/logging"
	"github.com/n0remac/boat-relay/internal/message"
)

// Role distinguishes the two disjoint peer namespaces (spec.md §3: a
// device id and a client id with identical strings are different
// entities).
type Role string

const (
	RoleDevice Role = "device"
	RoleClient Role = "client"
)

// Conn is the minimal transport handle the registry needs: write one
// frame, or close the underlying channel. The websocket adapter lives in
// internal/transport; the registry never imports gorilla/websocket
// directly, so it can be unit tested against a fake.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

type connection struct {
	id           string
	role         Role
	conn         Conn
	connected    bool
	lastActivity time.Time
	paired       string
}

// DeviceSummary is one row of the devices_list response (spec.md §4.1).
type DeviceSummary struct {
	ID        string `json:"id"`
	Connected bool   `json:"connected"`
	Paired    bool   `json:"paired"`
}

// Registry is the single owner of connection and pairing state (spec.md
// §3 Ownership). All methods are safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	devices map[string]*connection
	clients map[string]*connection

	deviceToClient map[string]string
	clientToDevice map[string]string

	log *logging.Logger
}

func New(log *logging.Logger) *Registry {
	return &Registry{
		devices:        make(map[string]*connection),
		clients:        make(map[string]*connection),
		deviceToClient: make(map[string]string),
		clientToDevice: make(map[string]string),
		log:            log,
	}
}

// AcceptDevice records a newly accepted device connection. If a connected
// record already exists for id, its transport is closed (errors ignored)
// and replaced. A reconnecting id inherits any prior pairing still on
// file; if the paired client is connected, it is notified.
func (r *Registry) AcceptDevice(id string, conn Conn) {
	r.mu.Lock()
	if existing, ok := r.devices[id]; ok && existing.connected {
		_ = existing.conn.Close()
		r.log.Infof("device %s reconnected, closed old connection", id)
	}

	rec := &connection{id: id, role: RoleDevice, conn: conn, connected: true, lastActivity: time.Now()}
	r.devices[id] = rec

	var (
		notifyClient string
		notifyFrame  message.Frame
	)
	if pairedClient, ok := r.deviceToClient[id]; ok {
		if _, stillKnown := r.clients[pairedClient]; stillKnown {
			rec.paired = pairedClient
			notifyClient = pairedClient
			notifyFrame = message.Frame{"type": "connection_status", "deviceId": id, "status": "connected"}
			r.log.Infof("restored pairing between device %s and client %s", id, pairedClient)
		}
	}
	r.mu.Unlock()

	r.log.Infof("device connected: %s", id)
	if notifyClient != "" {
		r.SendToClient(notifyClient, notifyFrame)
	}
}

// AcceptClient records a newly accepted client connection, restores any
// prior pairing, and sends the initial devices_list.
func (r *Registry) AcceptClient(id string, conn Conn) {
	r.mu.Lock()
	if existing, ok := r.clients[id]; ok && existing.connected {
		_ = existing.conn.Close()
		r.log.Infof("client %s reconnected, closed old connection", id)
	}

	rec := &connection{id: id, role: RoleClient, conn: conn, connected: true, lastActivity: time.Now()}
	r.clients[id] = rec

	var (
		notify      bool
		pairedDevID string
	)
	if pairedDevice, ok := r.clientToDevice[id]; ok {
		if _, stillKnown := r.devices[pairedDevice]; stillKnown {
			rec.paired = pairedDevice
			notify = true
			pairedDevID = pairedDevice
			r.log.Infof("restored pairing between client %s and device %s", id, pairedDevice)
		}
	}
	r.mu.Unlock()

	r.log.Infof("client connected: %s", id)
	if notify {
		r.SendToClient(id, message.Frame{"type": "connection_status", "deviceId": pairedDevID, "status": "connected"})
	}
	r.SendDevicesList(id)
}

// MarkDeviceDisconnected marks a device disconnected, notifying its
// paired client if one is still connected. The pairing mapping itself is
// retained so a later reconnect restores it (spec.md §3 Lifecycle).
func (r *Registry) MarkDeviceDisconnected(id string) {
	r.mu.Lock()
	rec, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.connected = false
	pairedClient, hasPair := r.deviceToClient[id]
	r.mu.Unlock()

	r.log.Infof("device disconnected: %s", id)
	if hasPair {
		r.SendToClient(pairedClient, message.Frame{"type": "connection_status", "deviceId": id, "status": "disconnected"})
	}
}

// MarkClientDisconnected marks a client disconnected. Unlike device
// disconnect, no counterpart notification is sent (the device has no use
// for "operator went away").
func (r *Registry) MarkClientDisconnected(id string) {
	r.mu.Lock()
	rec, ok := r.clients[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.connected = false
	r.mu.Unlock()

	r.log.Infof("client disconnected: %s", id)
}

// Pair associates deviceID with clientID. Both must exist and be
// connected. Re-pairing an identical pair is a no-op that returns true.
// Pairing a side that already belongs to a different counterpart steals
// it (spec.md §9 Open Question: pair exclusivity is last-writer-wins).
func (r *Registry) Pair(deviceID, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, dok := r.devices[deviceID]
	c, cok := r.clients[clientID]
	if !dok || !d.connected || !cok || !c.connected {
		return false
	}

	if r.deviceToClient[deviceID] == clientID && r.clientToDevice[clientID] == deviceID {
		return true
	}

	if prevClient, ok := r.deviceToClient[deviceID]; ok && prevClient != clientID {
		delete(r.clientToDevice, prevClient)
		if pc, ok := r.clients[prevClient]; ok {
			pc.paired = ""
		}
	}
	if prevDevice, ok := r.clientToDevice[clientID]; ok && prevDevice != deviceID {
		delete(r.deviceToClient, prevDevice)
		if pd, ok := r.devices[prevDevice]; ok {
			pd.paired = ""
		}
	}

	r.deviceToClient[deviceID] = clientID
	r.clientToDevice[clientID] = deviceID
	d.paired = clientID
	c.paired = deviceID
	return true
}

// Unpair removes the pairing between deviceID and clientID, if that is
// indeed the current pairing.
func (r *Registry) Unpair(deviceID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.deviceToClient[deviceID] != clientID {
		return
	}
	delete(r.deviceToClient, deviceID)
	delete(r.clientToDevice, clientID)
	if d, ok := r.devices[deviceID]; ok {
		d.paired = ""
	}
	if c, ok := r.clients[clientID]; ok {
		c.paired = ""
	}
}

// DeviceConnected reports whether deviceID is currently connected.
func (r *Registry) DeviceConnected(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	return ok && d.connected
}

// PairedClientForDevice returns the client currently paired with
// deviceID, if the mapping exists (regardless of the client's connected
// state).
func (r *Registry) PairedClientForDevice(deviceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.deviceToClient[deviceID]
	return c, ok
}

// PairedDeviceForClient returns the device currently paired with
// clientID, if the mapping exists.
func (r *Registry) PairedDeviceForClient(clientID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.clientToDevice[clientID]
	return d, ok
}

// SendToDevice serializes frame and writes it to device id. On write
// error the device is marked disconnected. On success, the device's
// last-activity instant is refreshed (spec.md §4.1).
func (r *Registry) SendToDevice(id string, frame message.Frame) bool {
	return r.send(r.deviceConn(id), id, frame, r.MarkDeviceDisconnected)
}

// SendToClient serializes frame and writes it to client id, with the
// same contract as SendToDevice.
func (r *Registry) SendToClient(id string, frame message.Frame) bool {
	return r.send(r.clientConn(id), id, frame, r.MarkClientDisconnected)
}

func (r *Registry) deviceConn(id string) *connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok && d.connected {
		return d
	}
	return nil
}

func (r *Registry) clientConn(id string) *connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[id]; ok && c.connected {
		return c
	}
	return nil
}

func (r *Registry) send(rec *connection, id string, frame message.Frame, onFail func(string)) bool {
	if rec == nil {
		return false
	}
	data, err := frame.Marshal()
	if err != nil {
		r.log.Errorf("marshal frame for %s: %v", id, err)
		return false
	}
	if err := rec.conn.WriteMessage(data); err != nil {
		r.log.Errorf("send to %s: %v", id, err)
		onFail(id)
		return false
	}
	r.mu.Lock()
	rec.lastActivity = time.Now()
	r.mu.Unlock()
	return true
}

// SendDevicesList sends {type: "devices_list", devices: [...]} to
// clientID, per spec.md §4.1.
func (r *Registry) SendDevicesList(clientID string) {
	r.mu.Lock()
	summaries := make([]DeviceSummary, 0, len(r.devices))
	for id, d := range r.devices {
		summaries = append(summaries, DeviceSummary{
			ID:        id,
			Connected: d.connected,
			Paired:    d.paired == clientID,
		})
	}
	r.mu.Unlock()

	devicesIface := make([]interface{}, len(summaries))
	for i, s := range summaries {
		devicesIface[i] = map[string]interface{}{"id": s.ID, "connected": s.Connected, "paired": s.Paired}
	}
	r.SendToClient(clientID, message.Frame{"type": "devices_list", "devices": devicesIface})
}

// Touch refreshes the last-activity instant for a connected peer,
// without sending anything (used for inbound pong frames, spec.md §4.2).
func (r *Registry) Touch(role Role, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var rec *connection
	switch role {
	case RoleDevice:
		rec = r.devices[id]
	case RoleClient:
		rec = r.clients[id]
	}
	if rec != nil && rec.connected {
		rec.lastActivity = time.Now()
	}
}

// snapshot is a point-in-time view of one connection, used by the
// liveness monitor so it never holds the registry mutex while writing to
// a socket.
type snapshot struct {
	role Role
	id   string
	conn Conn
}

func (r *Registry) connectedSnapshot() []snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]snapshot, 0, len(r.devices)+len(r.clients))
	for id, d := range r.devices {
		if d.connected {
			out = append(out, snapshot{role: RoleDevice, id: id, conn: d.conn})
		}
	}
	for id, c := range r.clients {
		if c.connected {
			out = append(out, snapshot{role: RoleClient, id: id, conn: c.conn})
		}
	}
	return out
}

// Ping writes {type: "ping"} to every currently connected peer. Unlike
// SendToDevice/SendToClient, this does not refresh last-activity on
// success (mirroring original_source/server/connection_manager.py's
// _ping_connections, which writes straight to the socket rather than
// going through send_to_device/send_to_client); a send failure evicts
// the peer via the same path as idle timeout.
func (r *Registry) Ping() {
	frame := message.Frame{"type": "ping"}
	data, err := frame.Marshal()
	if err != nil {
		return
	}
	for _, s := range r.connectedSnapshot() {
		if err := s.conn.WriteMessage(data); err != nil {
			switch s.role {
			case RoleDevice:
				r.MarkDeviceDisconnected(s.id)
			case RoleClient:
				r.MarkClientDisconnected(s.id)
			}
		}
	}
}

// idleSnapshot additionally carries lastActivity so SweepIdle can decide
// eviction without re-acquiring the lock per connection.
type idleSnapshot struct {
	role         Role
	id           string
	lastActivity time.Time
}

func (r *Registry) idleConnectedSnapshot() []idleSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]idleSnapshot, 0, len(r.devices)+len(r.clients))
	for id, d := range r.devices {
		if d.connected {
			out = append(out, idleSnapshot{role: RoleDevice, id: id, lastActivity: d.lastActivity})
		}
	}
	for id, c := range r.clients {
		if c.connected {
			out = append(out, idleSnapshot{role: RoleClient, id: id, lastActivity: c.lastActivity})
		}
	}
	return out
}

// SweepIdle marks every connected peer idle longer than timeout as
// disconnected (spec.md §4.2). The transport is not forcibly closed: the
// next send error or the transport's own close reclaims it.
func (r *Registry) SweepIdle(timeout time.Duration) {
	now := time.Now()
	for _, s := range r.idleConnectedSnapshot() {
		if now.Sub(s.lastActivity) > timeout {
			r.log.Warnf("%s %s idle for %s, marking disconnected", s.role, s.id, now.Sub(s.lastActivity))
			switch s.role {
			case RoleDevice:
				r.MarkDeviceDisconnected(s.id)
			case RoleClient:
				r.MarkClientDisconnected(s.id)
			}
		}
	}
}

// Counts reports the number of known devices and clients, for the
// health endpoint (spec.md §6).
func (r *Registry) Counts() (devices int, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices), len(r.clients)
}

// CloseAll closes every known connection (errors ignored) and clears all
// tables, per spec.md §5 shutdown semantics.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, d := range r.devices {
		_ = d.conn.Close()
		r.log.Infof("closed connection for device %s", id)
	}
	for id, c := range r.clients {
		_ = c.conn.Close()
		r.log.Infof("closed connection for client %s", id)
	}

	r.devices = make(map[string]*connection)
	r.clients = make(map[string]*connection)
	r.deviceToClient = make(map[string]string)
	r.clientToDevice = make(map[string]string)
}
