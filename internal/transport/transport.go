// Package transport wires the relay's WebSocket endpoints and HTTP
// surface to the registry and pipelines: upgrade, per-connection
// read/write pumps, and type-based dispatch.
//
// Grounded on original_source/server/main.py's device_websocket_endpoint
// / client_websocket_endpoint (the message_type dispatch chain) and the
// teacher's websocket/websocket.go (Upgrader construction, ReadPump /
// WritePump split, CheckOrigin policy).
package transport

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/n0remac/boat-relay/internal/command"
	"github.com/n0remac/boat-relay/internal/debugstore"
	"github.com/n0remac/boat-relay/internal/logging"
	"github.com/n0remac/boat-relay/internal/message"
	"github.com/n0remac/boat-relay/internal/registry"
	"github.com/n0remac/boat-relay/internal/signaling"
	"github.com/n0remac/boat-relay/internal/telemetry"
)

// Server bundles the registry and pipelines behind the relay's HTTP and
// WebSocket surface (spec.md §6).
type Server struct {
	reg       *registry.Registry
	signaling *signaling.Relay
	telemetry *telemetry.Pipeline
	command   *command.Pipeline
	debug     *debugstore.Store // nil disables debug capture/endpoint
	log       *logging.Logger
	upgrader  websocket.Upgrader
}

func New(
	reg *registry.Registry,
	sig *signaling.Relay,
	tel *telemetry.Pipeline,
	cmd *command.Pipeline,
	debug *debugstore.Store,
	log *logging.Logger,
	environment string,
) *Server {
	return &Server{
		reg:       reg,
		signaling: sig,
		telemetry: tel,
		command:   cmd,
		debug:     debug,
		log:       log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				if environment != "production" {
					return true
				}
				return r.Header.Get("Origin") == ""
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Routes registers every endpoint from spec.md §6 onto mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/ws/device/{id}", s.handleDeviceSocket)
	mux.HandleFunc("/ws/client/{id}", s.handleClientSocket)
	if s.debug != nil {
		mux.HandleFunc("GET /debug/device-messages/{id}", s.handleDebugMessages)
	}
}

// wsConn adapts a *websocket.Conn to registry.Conn with an internal
// write pump, since a single gorilla/websocket connection must not be
// written to concurrently.
type wsConn struct {
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

func newWSConn(c *websocket.Conn) *wsConn {
	return &wsConn{conn: c, send: make(chan []byte, 256)}
}

// WriteMessage enqueues data for the write pump. The buffer is sized
// generously (spec.md §5 "the relay does not buffer outbound messages"
// refers to logical backpressure, not the transport's own framing
// queue); a full buffer signals a genuinely stuck peer.
func (w *wsConn) WriteMessage(data []byte) error {
	select {
	case w.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

func (w *wsConn) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.send)
		err = w.conn.Close()
	})
	return err
}

func (w *wsConn) writePump() {
	defer w.conn.Close()
	for data := range w.send {
		if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

var errSendBufferFull = &sendBufferFullError{}

type sendBufferFullError struct{}

func (*sendBufferFullError) Error() string { return "transport: send buffer full" }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	devices, clients := s.reg.Counts()
	frame := message.Frame{
		"status": "healthy",
		"connections": map[string]interface{}{
			"devices": devices,
			"clients": clients,
		},
	}
	data, err := frame.Marshal()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleDebugMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	q := r.URL.Query().Get("q")

	var records []debugstore.Record
	var err error
	if q != "" {
		records, err = s.debug.Search(r.Context(), id, q, 100)
	} else {
		records, err = s.debug.Recent(r.Context(), id, 100)
	}
	if err != nil {
		s.log.Errorf("debug store query for %s: %v", id, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	frame := message.Frame{"deviceId": id, "messages": records}
	data, err := frame.Marshal()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleDeviceSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("device %s websocket upgrade failed: %v", deviceID, err)
		return
	}

	wc := newWSConn(conn)
	s.reg.AcceptDevice(deviceID, wc)
	go wc.writePump()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.dispatchDevice(deviceID, raw)
	}

	s.reg.MarkDeviceDisconnected(deviceID)
	wc.Close()
}

func (s *Server) handleClientSocket(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("id")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("client %s websocket upgrade failed: %v", clientID, err)
		return
	}

	wc := newWSConn(conn)
	s.reg.AcceptClient(clientID, wc)
	go wc.writePump()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.dispatchClient(clientID, raw)
	}

	s.reg.MarkClientDisconnected(clientID)
	wc.Close()
}

// dispatchDevice routes one inbound frame from deviceID, mirroring
// original_source/server/main.py's device_websocket_endpoint dispatch
// chain. A frame missing "type" is first offered to the legacy GPS
// shim before being dropped.
func (s *Server) dispatchDevice(deviceID string, raw []byte) {
	if s.debug != nil {
		s.debug.Capture(deviceID, "device", raw)
	}

	env, err := message.Parse(raw)
	if err != nil {
		s.log.Warnf("device %s sent malformed frame: %v", deviceID, err)
		return
	}

	if !env.Exists("type") {
		shim, ok := telemetry.ShimLegacyFormat(env)
		if !ok {
			s.log.Warnf("device %s sent message without valid type field", deviceID)
			return
		}
		shimData, err := shim.Marshal()
		if err != nil {
			return
		}
		shimEnv, err := message.Parse(shimData)
		if err != nil {
			return
		}
		s.telemetry.Process(deviceID, shimEnv)
		return
	}

	switch env.Type() {
	case "webrtc":
		s.signaling.HandleDeviceMessage(deviceID, env)
	case "telemetry":
		s.telemetry.Process(deviceID, env)
	case "pong":
		s.reg.Touch(registry.RoleDevice, deviceID)
	case "command_ack":
		s.command.HandleAck(deviceID, env)
	case "status_response":
		s.command.HandleStatusResponse(deviceID, env)
	default:
		s.log.Warnf("unknown message type from device %s: %s", deviceID, env.Type())
	}
}

// dispatchClient routes one inbound frame from clientID, mirroring
// original_source/server/main.py's client_websocket_endpoint dispatch
// chain.
func (s *Server) dispatchClient(clientID string, raw []byte) {
	if s.debug != nil {
		s.debug.Capture(clientID, "client", raw)
	}

	env, err := message.Parse(raw)
	if err != nil {
		s.log.Warnf("client %s sent malformed frame: %v", clientID, err)
		return
	}

	msgType := env.Type()

	switch msgType {
	case "devices_list":
		s.reg.SendDevicesList(clientID)
		return
	case "pong":
		s.reg.Touch(registry.RoleClient, clientID)
		return
	}

	targetDeviceID, hasTarget := env.StrOK("deviceId")
	if !hasTarget || targetDeviceID == "" {
		s.log.Warnf("client %s sent message without deviceId for message type: %s", clientID, msgType)
		s.reg.SendToClient(clientID, message.Error("Missing deviceId for message type: "+msgType, ""))
		return
	}

	switch msgType {
	case "webrtc":
		s.signaling.HandleClientMessage(clientID, targetDeviceID, env)
	case "command":
		s.command.Submit(clientID, targetDeviceID, env)
	case "connect_device":
		if s.reg.Pair(targetDeviceID, clientID) {
			s.log.Infof("client %s connected to device %s for telemetry", clientID, targetDeviceID)
			s.reg.SendToClient(clientID, message.Frame{
				"type": "device_connected", "deviceId": targetDeviceID, "status": "connected",
			})
		} else {
			s.log.Warnf("failed to connect client %s to device %s", clientID, targetDeviceID)
			s.reg.SendToClient(clientID, message.Error("Failed to connect to device "+targetDeviceID, ""))
		}
	default:
		s.log.Warnf("unknown message type from client %s: %s", clientID, msgType)
	}
}
