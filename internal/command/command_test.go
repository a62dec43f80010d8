package command

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0remac/boat-relay/internal/logging"
	"github.com/n0remac/boat-relay/internal/message"
	"github.com/n0remac/boat-relay/internal/registry"
)

type fakeConn struct {
	written [][]byte
	failing bool
}

func (f *fakeConn) WriteMessage(data []byte) error {
	if f.failing {
		return assert.AnError
	}
	f.written = append(f.written, data)
	return nil
}
func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) lastFrame(t *testing.T) map[string]interface{} {
	t.Helper()
	require.NotEmpty(t, f.written)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(f.written[len(f.written)-1], &frame))
	return frame
}

func newPaired(t *testing.T, ackTimeout time.Duration) (*Pipeline, *registry.Registry, *fakeConn, *fakeConn) {
	t.Helper()
	log, err := logging.New(logging.LevelError, "")
	require.NoError(t, err)
	reg := registry.New(log)
	deviceConn := &fakeConn{}
	clientConn := &fakeConn{}
	reg.AcceptDevice("d1", deviceConn)
	reg.AcceptClient("c1", clientConn)
	require.True(t, reg.Pair("d1", "c1"))
	return New(reg, log, ackTimeout, 100), reg, deviceConn, clientConn
}

func envelope(t *testing.T, jsonText string) message.Envelope {
	t.Helper()
	env, err := message.Parse([]byte(jsonText))
	require.NoError(t, err)
	return env
}

func testSubmitRejectsUnpairedClient(t *testing.T) {
	assert := assert.New(t)
	pipeline, _, _, clientConn := newPaired(t, time.Second)

	pipeline.Submit("c1", "d2", envelope(t, `{"type":"command","deviceId":"d2"}`))

	frame := clientConn.lastFrame(t)
	assert.Equal("error", frame["type"])
	assert.Contains(frame["message"], "Not paired with device d2")
}

func testSubmitAnnotatesAndForwards(t *testing.T) {
	assert := assert.New(t)
	pipeline, _, deviceConn, _ := newPaired(t, time.Second)

	pipeline.Submit("c1", "d1", envelope(t, `{"type":"command","deviceId":"d1","command":"move"}`))

	frame := deviceConn.lastFrame(t)
	assert.Equal("c1", frame["client_id"])
	assert.Equal(float64(1), frame["sequence"])
	assert.NotEmpty(frame["command_id"])
	assert.True(strings.HasPrefix(frame["command_id"].(string), "d1-1-"))
}

func testSubmitSendFailureRepliesFailed(t *testing.T) {
	assert := assert.New(t)
	log, err := logging.New(logging.LevelError, "")
	require.NoError(t, err)
	reg := registry.New(log)
	reg.AcceptDevice("d1", &fakeConn{failing: true})
	clientConn := &fakeConn{}
	reg.AcceptClient("c1", clientConn)
	require.True(t, reg.Pair("d1", "c1"))
	pipeline := New(reg, log, time.Second, 100)

	pipeline.Submit("c1", "d1", envelope(t, `{"type":"command","deviceId":"d1"}`))

	frame := clientConn.lastFrame(t)
	assert.Equal("command_status", frame["type"])
	assert.Equal("failed", frame["status"])
}

func testAckCorrelatesBackToClient(t *testing.T) {
	assert := assert.New(t)
	pipeline, _, _, clientConn := newPaired(t, time.Second)

	pipeline.Submit("c1", "d1", envelope(t, `{"type":"command","deviceId":"d1"}`))

	pipeline.mu.Lock()
	var cid string
	for id := range pipeline.pending {
		cid = id
	}
	pipeline.mu.Unlock()
	require.NotEmpty(t, cid)

	pipeline.HandleAck("d1", envelope(t, `{"type":"command_ack","command_id":"`+cid+`","status":"success"}`))

	frame := clientConn.lastFrame(t)
	assert.Equal("command_status", frame["type"])
	assert.Equal("success", frame["status"])

	pipeline.mu.Lock()
	_, stillPending := pipeline.pending[cid]
	pipeline.mu.Unlock()
	assert.False(stillPending, "terminal status must remove the pending record")
}

func testUnknownAckIsDropped(t *testing.T) {
	assert := assert.New(t)
	pipeline, _, _, clientConn := newPaired(t, time.Second)
	clientConn.written = nil // drop the devices_list sent on accept

	pipeline.HandleAck("d1", envelope(t, `{"type":"command_ack","command_id":"bogus","status":"success"}`))
	assert.Empty(clientConn.written, "an unknown command_id must be dropped, not forwarded")
}

func testTimeoutFiresWhenNoAck(t *testing.T) {
	assert := assert.New(t)
	pipeline, _, _, clientConn := newPaired(t, 20*time.Millisecond)

	pipeline.Submit("c1", "d1", envelope(t, `{"type":"command","deviceId":"d1"}`))

	assert.Eventually(func() bool {
		for _, raw := range clientConn.written {
			var frame map[string]interface{}
			_ = json.Unmarshal(raw, &frame)
			if frame["type"] == "command_status" && frame["status"] == "timeout" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func testHistoryIsCappedAndOrdered(t *testing.T) {
	assert := assert.New(t)
	log, err := logging.New(logging.LevelError, "")
	require.NoError(t, err)
	reg := registry.New(log)
	reg.AcceptDevice("d1", &fakeConn{})
	reg.AcceptClient("c1", &fakeConn{})
	require.True(t, reg.Pair("d1", "c1"))
	pipeline := New(reg, log, time.Second, 2)

	for i := 0; i < 5; i++ {
		pipeline.Submit("c1", "d1", envelope(t, `{"type":"command","deviceId":"d1"}`))
	}

	history := pipeline.History("d1", 0)
	assert.Len(history, 2, "history ring must be capped")
	assert.Equal(int64(5), history[len(history)-1]["sequence"])
}

func testStatusResponsePassthroughStampsDeviceID(t *testing.T) {
	assert := assert.New(t)
	pipeline, _, _, clientConn := newPaired(t, time.Second)

	pipeline.HandleStatusResponse("d1", envelope(t, `{"type":"status_response","command_id":"x","data":{}}`))

	frame := clientConn.lastFrame(t)
	assert.Equal("d1", frame["deviceId"])
}

func testStatusResponseDroppedWhenUnpaired(t *testing.T) {
	assert := assert.New(t)
	log, err := logging.New(logging.LevelError, "")
	require.NoError(t, err)
	reg := registry.New(log)
	reg.AcceptDevice("d1", &fakeConn{})
	clientConn := &fakeConn{}
	reg.AcceptClient("c1", clientConn)
	writesBefore := len(clientConn.written)
	pipeline := New(reg, log, time.Second, 100)

	pipeline.HandleStatusResponse("d1", envelope(t, `{"type":"status_response"}`))
	assert.Empty(pipeline.History("d1", 0))
	assert.Len(clientConn.written, writesBefore, "an unpaired status response must not reach any client")
}

func TestCommand(t *testing.T) {
	t.Run("SubmitRejectsUnpairedClient", testSubmitRejectsUnpairedClient)
	t.Run("SubmitAnnotatesAndForwards", testSubmitAnnotatesAndForwards)
	t.Run("SubmitSendFailureRepliesFailed", testSubmitSendFailureRepliesFailed)
	t.Run("AckCorrelatesBackToClient", testAckCorrelatesBackToClient)
	t.Run("UnknownAckIsDropped", testUnknownAckIsDropped)
	t.Run("TimeoutFiresWhenNoAck", testTimeoutFiresWhenNoAck)
	t.Run("HistoryIsCappedAndOrdered", testHistoryIsCappedAndOrdered)
	t.Run("StatusResponsePassthroughStampsDeviceID", testStatusResponsePassthroughStampsDeviceID)
	t.Run("StatusResponseDroppedWhenUnpaired", testStatusResponseDroppedWhenUnpaired)
}
