package telemetry

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0remac/boat-relay/internal/logging"
	"github.com/n0remac/boat-relay/internal/message"
	"github.com/n0remac/boat-relay/internal/registry"
)

type fakeConn struct {
	written [][]byte
}

func (f *fakeConn) WriteMessage(data []byte) error {
	f.written = append(f.written, data)
	return nil
}
func (f *fakeConn) Close() error { return nil }

func newPipeline(t *testing.T) (*Pipeline, *registry.Registry, *fakeConn) {
	t.Helper()
	log, err := logging.New(logging.LevelError, "")
	require.NoError(t, err)
	reg := registry.New(log)
	clientConn := &fakeConn{}
	reg.AcceptDevice("d1", &fakeConn{})
	reg.AcceptClient("c1", clientConn)
	require.True(t, reg.Pair("d1", "c1"))
	return New(reg, log, 3), reg, clientConn
}

func envelope(t *testing.T, jsonText string) message.Envelope {
	t.Helper()
	env, err := message.Parse([]byte(jsonText))
	require.NoError(t, err)
	return env
}

func testInvalidFormatRepliesWithError(t *testing.T) {
	assert := assert.New(t)
	pipeline, reg, _ := newPipeline(t)
	deviceConn := &fakeConn{}
	reg.AcceptDevice("d1", deviceConn)
	env := envelope(t, `{"type":"telemetry"}`)
	pipeline.Process("d1", env)

	require.Len(t, deviceConn.written, 1)
	assert.Contains(string(deviceConn.written[0]), `"Invalid telemetry format"`)
	recent := pipeline.Recent("d1", 10)
	assert.Empty(recent, "an invalid envelope must not be buffered")
}

func testSequenceGapIsAnnotated(t *testing.T) {
	assert := assert.New(t)
	pipeline, _, _ := newPipeline(t)

	pipeline.Process("d1", envelope(t, `{"type":"telemetry","subtype":"sensor_data","sequence":1,"timestamp":1000}`))
	pipeline.Process("d1", envelope(t, `{"type":"telemetry","subtype":"sensor_data","sequence":4,"timestamp":1003}`))

	recent := pipeline.Recent("d1", 10)
	require.Len(t, recent, 2)
	meta, ok := recent[1]["_meta"].(map[string]interface{})
	require.True(t, ok, "second frame must carry _meta")
	assert.Equal(int64(2), meta["sequence_gap"])
}

func testSequenceRewindDoesNotAnnotateAndTrackerMovesForward(t *testing.T) {
	assert := assert.New(t)
	pipeline, _, _ := newPipeline(t)

	pipeline.Process("d1", envelope(t, `{"type":"telemetry","subtype":"sensor_data","sequence":10,"timestamp":1000}`))
	pipeline.Process("d1", envelope(t, `{"type":"telemetry","subtype":"sensor_data","sequence":2,"timestamp":1001}`))
	pipeline.Process("d1", envelope(t, `{"type":"telemetry","subtype":"sensor_data","sequence":3,"timestamp":1002}`))

	recent := pipeline.Recent("d1", 10)
	require.Len(t, recent, 3)
	_, hasGap := recent[1]["_meta"]
	assert.False(hasGap, "a rewound sequence must not itself be annotated as a gap")
	_, hasGap2 := recent[2]["_meta"]
	assert.False(hasGap2, "the tracker must have moved to the rewound value, so 3 looks sequential")
}

func testRingBufferEvictsOldest(t *testing.T) {
	assert := assert.New(t)
	pipeline, _, _ := newPipeline(t)

	for i := int64(1); i <= 5; i++ {
		pipeline.Process("d1", envelope(t, `{"type":"telemetry","subtype":"sensor_data","sequence":`+strconv.FormatInt(i, 10)+`,"timestamp":1000}`))
	}

	recent := pipeline.Recent("d1", 10)
	assert.Len(recent, 3, "buffer size is capped at 3")
	assert.Equal(float64(5), recent[len(recent)-1]["sequence"])
}

func testForwardsToClientWithIdentityRewrite(t *testing.T) {
	assert := assert.New(t)
	pipeline, _, clientConn := newPipeline(t)
	clientConn.written = nil // drop the devices_list sent on accept

	pipeline.Process("d1", envelope(t, `{"type":"telemetry","subtype":"sensor_data","sequence":1,"timestamp":1000,"device_id":"d1"}`))

	require.Len(t, clientConn.written, 1)
	assert.Contains(string(clientConn.written[0]), `"boatId":"d1"`)
	assert.NotContains(string(clientConn.written[0]), "device_id")
}

func testShimLegacyFormatFromPosition(t *testing.T) {
	assert := assert.New(t)
	env := envelope(t, `{"position":{"latitude":1.5,"longitude":2.5},"navigation":{"heading":90,"speed":3},"status":{"battery":0.5}}`)

	frame, ok := ShimLegacyFormat(env)
	require.True(t, ok)
	assert.Equal("telemetry", frame["type"])
	assert.Equal("sensor_data", frame["subtype"])

	data, ok := frame["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(90.0, data["heading"])
	assert.Equal(3.0, data["speed"])
	assert.Equal(0.5, data["battery"])
}

func testShimLegacyFormatRejectsNonMatchingFrames(t *testing.T) {
	assert := assert.New(t)
	env := envelope(t, `{"foo":"bar"}`)
	_, ok := ShimLegacyFormat(env)
	assert.False(ok)
}

func TestTelemetry(t *testing.T) {
	t.Run("InvalidFormatRepliesWithError", testInvalidFormatRepliesWithError)
	t.Run("SequenceGapIsAnnotated", testSequenceGapIsAnnotated)
	t.Run("SequenceRewindDoesNotAnnotateAndTrackerMovesForward", testSequenceRewindDoesNotAnnotateAndTrackerMovesForward)
	t.Run("RingBufferEvictsOldest", testRingBufferEvictsOldest)
	t.Run("ForwardsToClientWithIdentityRewrite", testForwardsToClientWithIdentityRewrite)
	t.Run("ShimLegacyFormatFromPosition", testShimLegacyFormatFromPosition)
	t.Run("ShimLegacyFormatRejectsNonMatchingFrames", testShimLegacyFormatRejectsNonMatchingFrames)
}
