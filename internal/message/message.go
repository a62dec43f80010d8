// Package message models the relay's wire envelopes.
//
// spec.md §9 asks for inbound envelopes to be modeled "either as a tagged
// variant over the closed set of message kinds... or as a generic
// structured-value with explicit accessor-with-validation helpers. The
// pipelines must not deep-read fields without validation." This package
// takes the second option, built on github.com/tidwall/gjson (a teacher
// go.mod direct dependency): every inbound frame is parsed once into an
// Envelope, and pipelines read fields through the typed accessors below
// instead of indexing a map[string]interface{} by hand.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Envelope is a parsed, not-yet-validated inbound frame.
type Envelope struct {
	raw    []byte
	result gjson.Result
}

// Parse parses raw bytes into an Envelope. It only requires the bytes to
// be a JSON object; field-level validation is left to each pipeline's
// own accessor calls, per spec.md §9.
func Parse(raw []byte) (Envelope, error) {
	if !gjson.ValidBytes(raw) {
		return Envelope{}, fmt.Errorf("message: invalid JSON")
	}
	result := gjson.ParseBytes(raw)
	if !result.IsObject() {
		return Envelope{}, fmt.Errorf("message: expected a JSON object")
	}
	return Envelope{raw: raw, result: result}, nil
}

// Raw returns the original bytes, e.g. for debug capture.
func (e Envelope) Raw() []byte { return e.raw }

// Type returns the "type" field, or "" if absent or not a string.
func (e Envelope) Type() string { return e.Str("type") }

// Str returns the string at path, or "" if absent or not a string.
func (e Envelope) Str(path string) string {
	r := e.result.Get(path)
	if !r.Exists() || r.Type != gjson.String {
		return ""
	}
	return r.String()
}

// StrOK returns the string at path and whether it was present as a string.
func (e Envelope) StrOK(path string) (string, bool) {
	r := e.result.Get(path)
	if !r.Exists() || r.Type != gjson.String {
		return "", false
	}
	return r.String(), true
}

// Int64OK returns the integer (numeric) value at path and whether it was
// present as a number.
func (e Envelope) Int64OK(path string) (int64, bool) {
	r := e.result.Get(path)
	if !r.Exists() || r.Type != gjson.Number {
		return 0, false
	}
	return r.Int(), true
}

// Float64OK returns the numeric value at path and whether it was present.
func (e Envelope) Float64OK(path string) (float64, bool) {
	r := e.result.Get(path)
	if !r.Exists() || r.Type != gjson.Number {
		return 0, false
	}
	return r.Float(), true
}

// Exists reports whether path is present at all.
func (e Envelope) Exists(path string) bool {
	return e.result.Get(path).Exists()
}

// IsObject reports whether the value at path is a JSON object.
func (e Envelope) IsObject(path string) bool {
	r := e.result.Get(path)
	return r.Exists() && r.IsObject()
}

// Obj returns the raw gjson.Result at path for further structured reads
// (e.g. nested data.gps.latitude), still validated via Exists/IsObject by
// the caller before use.
func (e Envelope) Obj(path string) gjson.Result {
	return e.result.Get(path)
}

// Map decodes the whole envelope into a generic map, for building an
// outbound frame that layers annotations onto an inbound one (e.g.
// stamping boatId onto a relayed signaling message). Pipelines must
// still validate required fields with the accessors above before relying
// on them; Map is for forwarding, not for trusting.
func (e Envelope) Map() (map[string]interface{}, error) {
	var m map[string]interface{}
	if err := json.Unmarshal(e.raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Frame is an outbound message under construction. It is a thin alias
// over map[string]interface{} so pipelines can build relay-injected
// fields (boatId, sequence, command_id, ...) without redeclaring a
// struct per message kind, mirroring the dynamically-shaped envelopes
// spec.md §9 describes for the wire format.
type Frame map[string]interface{}

// Marshal serializes the frame as the single JSON text frame the relay
// sends per spec.md §6.
func (f Frame) Marshal() ([]byte, error) {
	return json.Marshal(map[string]interface{}(f))
}

// Error builds the standard {type: "error", message, command_id?} frame
// used throughout spec.md §7/§8.
func Error(msg string, commandID string) Frame {
	f := Frame{"type": "error", "message": msg}
	if commandID != "" {
		f["command_id"] = commandID
	}
	return f
}
