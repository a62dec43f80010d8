// Package command implements the relay's command pipeline: submission
// annotation, bounded per-device history, pending-ack tracking with
// timeout, acknowledgement correlation, and status-response passthrough
// (spec.md §4.5).
//
// Grounded on original_source/server/command_handler.py
// (CommandHandler._process_command / _add_to_command_history /
// handle_command_acknowledgement / _command_timeout).
package command

import (
	"fmt"
	"sync"
	"time"

	"github.com/n0remac/boat-relay/internal/logging"
	"github.com/n0remac/boat-relay/internal/message"
	"github.com/n0remac/boat-relay/internal/registry"
)

var terminalStatuses = map[string]bool{
	"success":   true,
	"completed": true,
	"failed":    true,
	"rejected":  true,
}

type pendingCommand struct {
	clientID string
	deviceID string
	status   string
}

// Pipeline owns command history and the pending-ack table (spec.md §3
// Ownership — exclusive to this package).
type Pipeline struct {
	reg        *registry.Registry
	log        *logging.Logger
	ackTimeout time.Duration
	historyCap int

	mu        sync.Mutex
	sequences map[string]int64
	history   map[string][]message.Frame
	pending   map[string]*pendingCommand
}

func New(reg *registry.Registry, log *logging.Logger, ackTimeout time.Duration, historyCap int) *Pipeline {
	if historyCap <= 0 {
		historyCap = 100
	}
	return &Pipeline{
		reg:        reg,
		log:        log,
		ackTimeout: ackTimeout,
		historyCap: historyCap,
		sequences:  make(map[string]int64),
		history:    make(map[string][]message.Frame),
		pending:    make(map[string]*pendingCommand),
	}
}

// Submit processes a command from clientID addressed to deviceID.
func (p *Pipeline) Submit(clientID, deviceID string, env message.Envelope) {
	if current, paired := p.reg.PairedDeviceForClient(clientID); !paired || current != deviceID {
		p.log.Warnf("client %s tried to send command to unpaired device %s", clientID, deviceID)
		p.reg.SendToClient(clientID, message.Frame{
			"type":       "error",
			"message":    fmt.Sprintf("Not paired with device %s", deviceID),
			"command_id": env.Str("command_id"),
		})
		return
	}

	frame, err := env.Map()
	if err != nil {
		p.log.Errorf("decode command from client %s: %v", clientID, err)
		return
	}

	p.mu.Lock()
	sequence := p.sequences[deviceID] + 1
	p.sequences[deviceID] = sequence

	commandID, _ := frame["command_id"].(string)
	if commandID == "" {
		commandID = fmt.Sprintf("%s-%d-%d", deviceID, sequence, time.Now().Unix())
	}
	frame["command_id"] = commandID
	frame["server_timestamp"] = time.Now().UnixMilli()
	frame["sequence"] = sequence
	frame["client_id"] = clientID

	p.appendHistoryLocked(deviceID, message.Frame(frame))
	p.mu.Unlock()

	if !p.reg.SendToDevice(deviceID, frame) {
		p.reg.SendToClient(clientID, message.Frame{
			"type":       "command_status",
			"status":     "failed",
			"message":    "Device unavailable",
			"command_id": commandID,
		})
		return
	}

	p.mu.Lock()
	p.pending[commandID] = &pendingCommand{clientID: clientID, deviceID: deviceID, status: "pending"}
	p.mu.Unlock()

	go p.expireAfterTimeout(commandID)
}

func (p *Pipeline) appendHistoryLocked(deviceID string, frame message.Frame) {
	buf := append(p.history[deviceID], frame)
	if len(buf) > p.historyCap {
		buf = buf[len(buf)-p.historyCap:]
	}
	p.history[deviceID] = buf
}

// HandleAck processes a command_ack from deviceID and relays
// command_status to the issuing client. Unknown (or already-expired)
// command ids are logged and dropped.
func (p *Pipeline) HandleAck(deviceID string, env message.Envelope) {
	commandID, ok := env.StrOK("command_id")
	if !ok || commandID == "" {
		p.log.Warnf("command_ack from device %s missing command_id", deviceID)
		return
	}

	p.mu.Lock()
	rec, ok := p.pending[commandID]
	if !ok {
		p.mu.Unlock()
		p.log.Warnf("received acknowledgement for unknown command: %s", commandID)
		return
	}
	status := env.Str("status")
	if status == "" {
		status = "unknown"
	}
	rec.status = status
	if terminalStatuses[status] {
		delete(p.pending, commandID)
	}
	clientID := rec.clientID
	p.mu.Unlock()

	p.reg.SendToClient(clientID, message.Frame{
		"type":       "command_status",
		"command_id": commandID,
		"status":     status,
		"message":    env.Str("message"),
		"timestamp":  time.Now().UnixMilli(),
	})
}

func (p *Pipeline) expireAfterTimeout(commandID string) {
	time.Sleep(p.ackTimeout)

	p.mu.Lock()
	rec, ok := p.pending[commandID]
	if !ok || rec.status != "pending" {
		p.mu.Unlock()
		return
	}
	delete(p.pending, commandID)
	clientID := rec.clientID
	p.mu.Unlock()

	p.reg.SendToClient(clientID, message.Frame{
		"type":       "command_status",
		"command_id": commandID,
		"status":     "timeout",
		"message":    "Device did not acknowledge command",
		"timestamp":  time.Now().UnixMilli(),
	})
}

// HandleStatusResponse forwards a status_response from deviceID to its
// paired client as-is, stamping deviceId if missing. Unpaired status
// responses are logged and dropped.
func (p *Pipeline) HandleStatusResponse(deviceID string, env message.Envelope) {
	clientID, hasPair := p.reg.PairedClientForDevice(deviceID)
	if !hasPair {
		p.log.Warnf("received status response from device %s but no paired client", deviceID)
		return
	}

	frame, err := env.Map()
	if err != nil {
		p.log.Errorf("decode status_response from device %s: %v", deviceID, err)
		return
	}
	if _, ok := frame["deviceId"]; !ok {
		frame["deviceId"] = deviceID
	}
	p.reg.SendToClient(clientID, message.Frame(frame))
}

// History returns up to limit of the most recent annotated commands for
// deviceID, oldest first. limit <= 0 returns the full retained history.
func (p *Pipeline) History(deviceID string, limit int) []message.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.history[deviceID]
	if len(buf) == 0 {
		return nil
	}
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]message.Frame, limit)
	copy(out, buf[len(buf)-limit:])
	return out
}
