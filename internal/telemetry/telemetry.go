// Package telemetry implements the relay's telemetry pipeline:
// validation, per-subtype sequence-gap detection, device/server clock
// offset, bounded per-device buffering, and fan-out to the paired
// client (spec.md §4.4).
//
// Grounded on original_source/server/telemetry_handler.py
// (TelemetryHandler._validate_telemetry_format / _process_telemetry_data
// / _buffer_telemetry) and the GPS-shim block in
// original_source/server/main.py's device websocket handler.
package telemetry

import (
	"sync"
	"time"

	"github.com/n0remac/boat-relay/internal/logging"
	"github.com/n0remac/boat-relay/internal/message"
	"github.com/n0remac/boat-relay/internal/registry"
)

// Pipeline owns telemetry buffers, sequence trackers, and clock offsets
// (spec.md §3 Ownership — exclusive to this package).
type Pipeline struct {
	reg        *registry.Registry
	log        *logging.Logger
	bufferSize int

	mu         sync.Mutex
	buffers    map[string][]message.Frame
	sequences  map[string]map[string]int64
	offsets    map[string]int64
}

func New(reg *registry.Registry, log *logging.Logger, bufferSize int) *Pipeline {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Pipeline{
		reg:        reg,
		log:        log,
		bufferSize: bufferSize,
		buffers:    make(map[string][]message.Frame),
		sequences:  make(map[string]map[string]int64),
		offsets:    make(map[string]int64),
	}
}

// isValid reports whether env is a structurally valid telemetry envelope
// per spec.md §4.4.
func isValid(env message.Envelope) bool {
	if env.Type() != "telemetry" {
		return false
	}
	for _, field := range []string{"subtype", "sequence", "timestamp"} {
		if !env.Exists(field) {
			return false
		}
	}
	if env.Exists("data") {
		if !env.IsObject("data") {
			return false
		}
		if env.Exists("data.gps") {
			if !env.IsObject("data.gps") {
				return false
			}
			if !env.Exists("data.gps.latitude") || !env.Exists("data.gps.longitude") {
				return false
			}
		}
	}
	return true
}

// Process validates, annotates, buffers, and forwards a telemetry
// envelope originating from deviceID. Invalid envelopes get an error
// reply to the device and nothing else happens.
func (p *Pipeline) Process(deviceID string, env message.Envelope) {
	if !isValid(env) {
		p.log.Warnf("invalid telemetry format from device %s", deviceID)
		p.reg.SendToDevice(deviceID, message.Error("Invalid telemetry format", ""))
		return
	}

	frame, err := env.Map()
	if err != nil {
		p.log.Errorf("decode telemetry from device %s: %v", deviceID, err)
		return
	}

	subtype := env.Str("subtype")
	sequence, _ := env.Int64OK("sequence")

	p.mu.Lock()
	tracker, ok := p.sequences[deviceID]
	if !ok {
		tracker = make(map[string]int64)
		p.sequences[deviceID] = tracker
	}
	if last, ok := tracker[subtype]; ok && sequence > last+1 {
		gap := sequence - last - 1
		meta, _ := frame["_meta"].(map[string]interface{})
		if meta == nil {
			meta = map[string]interface{}{}
		}
		meta["sequence_gap"] = gap
		frame["_meta"] = meta
		p.log.Warnf("telemetry sequence gap for device %s: %d %s packets lost", deviceID, gap, subtype)
	}
	// Tracker always moves to the latest received value, even if it did
	// not strictly increase (spec.md §9 Open Question: sequence rewind
	// is specified behavior, not a bug — a device that later sends a
	// lower sequence suppresses gap detection going forward).
	tracker[subtype] = sequence

	if systemTime, ok := env.Float64OK("system_time"); ok {
		serverNow := float64(time.Now().UnixMilli())
		offset := serverNow - systemTime
		p.offsets[deviceID] = int64(offset)
		if ts, ok := env.Float64OK("timestamp"); ok {
			frame["synchronized_timestamp"] = ts + offset
		}
	}

	buf := append(p.buffers[deviceID], message.Frame(frame))
	if len(buf) > p.bufferSize {
		buf = buf[len(buf)-p.bufferSize:]
	}
	p.buffers[deviceID] = buf
	p.mu.Unlock()

	pairedClient, hasPair := p.reg.PairedClientForDevice(deviceID)
	if !hasPair {
		return
	}

	outbound := message.Frame(frame)
	delete(outbound, "device_id")
	outbound["boatId"] = deviceID
	p.reg.SendToClient(pairedClient, outbound)
}

// Recent returns up to limit of the most recently buffered telemetry
// frames for deviceID, oldest first, for late-joining consumers
// (spec.md §1). Returns nil if the device has no buffer yet.
func (p *Pipeline) Recent(deviceID string, limit int) []message.Frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	buf := p.buffers[deviceID]
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

// ShimLegacyFormat synthesizes a standard telemetry envelope from a
// legacy device frame that lacks a "type" field but carries a position
// object, tolerating older device encoders (spec.md §4.4). Reports false
// if env doesn't match that legacy shape.
func ShimLegacyFormat(env message.Envelope) (message.Frame, bool) {
	if !env.IsObject("position") {
		return nil, false
	}
	lat, latOK := env.Float64OK("position.latitude")
	lon, lonOK := env.Float64OK("position.longitude")
	if !latOK || !lonOK {
		return nil, false
	}

	sequence, ok := env.Int64OK("sequence")
	if !ok {
		sequence = 0
	}
	timestamp, ok := env.Float64OK("timestamp")
	if !ok {
		timestamp = float64(time.Now().UnixMilli())
	}

	data := map[string]interface{}{
		"gps": map[string]interface{}{"latitude": lat, "longitude": lon},
	}
	if env.IsObject("navigation") {
		if heading, ok := env.Float64OK("navigation.heading"); ok {
			data["heading"] = heading
		}
		if speed, ok := env.Float64OK("navigation.speed"); ok {
			data["speed"] = speed
		}
	}
	if env.IsObject("status") {
		if battery, ok := env.Float64OK("status.battery"); ok {
			data["battery"] = battery
		}
	}

	return message.Frame{
		"type":      "telemetry",
		"subtype":   "sensor_data",
		"sequence":  sequence,
		"timestamp": timestamp,
		"data":      data,
	}, true
}
