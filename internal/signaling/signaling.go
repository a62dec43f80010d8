// Package signaling implements the relay's WebRTC signaling relay:
// validation, identity rewriting, auto-pair-on-signal, and session-row
// tracking for type:"webrtc" envelopes (spec.md §4.3).
//
// The relay never parses sdp/candidate payloads (spec.md §1 Non-goals);
// it only validates structural preconditions and forwards. The one piece
// of github.com/pion/webrtc/v4 this package uses is its ICEServer type,
// for the configured ICE servers injected into offers (teacher:
// webrtc/client.go builds webrtc.Configuration{ICEServers: ...} the same
// way).
package signaling

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/n0remac/boat-relay/internal/logging"
	"github.com/n0remac/boat-relay/internal/message"
	"github.com/n0remac/boat-relay/internal/registry"
)

// SessionState is the lifecycle state of a signaling session row
// (spec.md §3).
type SessionState string

const (
	SessionOffering SessionState = "offering"
	SessionOpen     SessionState = "open"
	SessionClosing  SessionState = "closing"
)

// Session is one signaling session row, owned exclusively by this
// package (spec.md §3 Ownership). Purely informational: the relay routes
// by peer id, not session id.
type Session struct {
	ID        string
	ClientID  string
	DeviceID  string
	CreatedAt time.Time
	State     SessionState
}

// Relay validates and forwards WebRTC signaling envelopes.
type Relay struct {
	reg        *registry.Registry
	log        *logging.Logger
	iceServers []webrtc.ICEServer

	mu       sync.Mutex
	sessions map[string]*Session
}

func New(reg *registry.Registry, log *logging.Logger, iceServers []webrtc.ICEServer) *Relay {
	return &Relay{
		reg:        reg,
		log:        log,
		iceServers: iceServers,
		sessions:   make(map[string]*Session),
	}
}

// requiredField names the field validate must find for each subtype,
// per the table in spec.md §4.3. Subtypes absent from this map (close,
// error, and anything unrecognized) only require a non-empty subtype.
var requiredField = map[string]string{
	"offer":         "sdp",
	"answer":        "sdp",
	"ice_candidate": "candidate",
	"request_offer": "clientId",
}

func validate(env message.Envelope) (subtype string, ok bool) {
	if env.Type() != "webrtc" {
		return "", false
	}
	subtype = env.Str("subtype")
	if subtype == "" {
		return "", false
	}
	if field, required := requiredField[subtype]; required {
		if !env.Exists(field) {
			return subtype, false
		}
	}
	return subtype, true
}

func rewriteIdentity(env message.Envelope, deviceID string) (message.Frame, error) {
	m, err := env.Map()
	if err != nil {
		return nil, err
	}
	delete(m, "device_id")
	m["boatId"] = deviceID
	return message.Frame(m), nil
}

func stampSequence(frame message.Frame) {
	if _, ok := frame["sequence"]; !ok {
		frame["sequence"] = time.Now().UnixMilli()
	}
}

// HandleDeviceMessage processes a type:"webrtc" envelope from deviceID.
// Device-originated errors are logged and dropped, never replied to
// (spec.md §7: "silently drop and log when the device did").
func (r *Relay) HandleDeviceMessage(deviceID string, env message.Envelope) {
	subtype, ok := validate(env)
	if !ok {
		r.log.Warnf("invalid webrtc message from device %s", deviceID)
		return
	}

	pairedClient, hasPair := r.reg.PairedClientForDevice(deviceID)
	if !hasPair {
		r.log.Warnf("device %s sent webrtc message but has no paired client", deviceID)
		return
	}

	frame, err := rewriteIdentity(env, deviceID)
	if err != nil {
		r.log.Errorf("rewrite webrtc message from device %s: %v", deviceID, err)
		return
	}
	stampSequence(frame)

	r.log.Debugf("webrtc %s: device %s -> client %s", subtype, deviceID, pairedClient)
	r.reg.SendToClient(pairedClient, frame)
}

// HandleClientMessage processes a type:"webrtc" envelope from clientID
// addressed (by URL) to targetDeviceID. A boatId field in the envelope
// overrides the URL-supplied device id (spec.md §4.3 Identity rewriting).
func (r *Relay) HandleClientMessage(clientID, targetDeviceID string, env message.Envelope) {
	subtype, ok := validate(env)
	if !ok {
		r.log.Warnf("invalid webrtc message from client %s", clientID)
		r.reg.SendToClient(clientID, message.Error("Invalid WebRTC message format", ""))
		return
	}

	if boatID, present := env.StrOK("boatId"); present && boatID != "" {
		targetDeviceID = boatID
	}

	if current, paired := r.reg.PairedDeviceForClient(clientID); !paired || current != targetDeviceID {
		r.log.Warnf("client %s tried to send webrtc message to unpaired device %s", clientID, targetDeviceID)
		if !r.reg.DeviceConnected(targetDeviceID) {
			r.reg.SendToClient(clientID, message.Error(fmt.Sprintf("Device %s is not available", targetDeviceID), ""))
			return
		}
		if !r.reg.Pair(targetDeviceID, clientID) {
			r.reg.SendToClient(clientID, message.Error(fmt.Sprintf("Cannot connect to device %s", targetDeviceID), ""))
			return
		}
	}

	frame, err := rewriteIdentity(env, targetDeviceID)
	if err != nil {
		r.log.Errorf("rewrite webrtc message from client %s: %v", clientID, err)
		return
	}
	stampSequence(frame)

	if subtype == "offer" {
		sessionID := fmt.Sprintf("%s-%s-%d", clientID, targetDeviceID, time.Now().UnixMilli())
		r.mu.Lock()
		r.sessions[sessionID] = &Session{
			ID:        sessionID,
			ClientID:  clientID,
			DeviceID:  targetDeviceID,
			CreatedAt: time.Now(),
			State:     SessionOffering,
		}
		r.mu.Unlock()
		frame["sessionId"] = sessionID

		if _, hasICE := frame["iceServers"]; !hasICE {
			frame["iceServers"] = iceServersToWire(r.iceServers)
		}
	}

	r.log.Debugf("webrtc %s: client %s -> device %s", subtype, clientID, targetDeviceID)
	r.reg.SendToDevice(targetDeviceID, frame)
}

// CloseSession removes a session row and, for a relay-initiated close,
// delivers a close frame to both peers (spec.md §4.3).
func (r *Relay) CloseSession(sessionID string) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	frame := message.Frame{
		"type":      "webrtc",
		"subtype":   "close",
		"sessionId": sessionID,
		"boatId":    session.DeviceID,
	}
	r.reg.SendToClient(session.ClientID, frame)
	r.reg.SendToDevice(session.DeviceID, frame)
	r.log.Infof("closed webrtc session %s between client %s and device %s", sessionID, session.ClientID, session.DeviceID)
}

func iceServersToWire(servers []webrtc.ICEServer) []interface{} {
	out := make([]interface{}, 0, len(servers))
	for _, s := range servers {
		entry := map[string]interface{}{"urls": s.URLs}
		if s.Username != "" {
			entry["username"] = s.Username
		}
		if s.Credential != nil {
			if cred, ok := s.Credential.(string); ok && cred != "" {
				entry["credential"] = cred
			}
		}
		out = append(out, entry)
	}
	return out
}
