package debugstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0remac/boat-relay/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logging.New(logging.LevelError, "")
	require.NoError(t, err)
	store, err := Open(":memory:", log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testCaptureThenRecentReturnsNewestFirst(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	store.Capture("d1", "device", []byte(`{"type":"telemetry","sequence":1}`))
	store.Capture("d1", "device", []byte(`{"type":"telemetry","sequence":2}`))
	store.Capture("d2", "device", []byte(`{"type":"telemetry","sequence":1}`))

	records, err := store.Recent(ctx, "d1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(`{"type":"telemetry","sequence":2}`, records[0].Payload)
	assert.Equal(`{"type":"telemetry","sequence":1}`, records[1].Payload)
}

func testCaptureThenSearchFindsMatchingPayload(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	store.Capture("d1", "device", []byte(`{"type":"command_ack","message":"engine started"}`))
	store.Capture("d1", "device", []byte(`{"type":"telemetry","sequence":1}`))

	records, err := store.Search(ctx, "d1", "engine", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(records[0].Payload, "engine started")
}

func testSearchScopesToPeerID(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	store.Capture("d1", "device", []byte(`{"type":"command_ack","message":"anchor raised"}`))
	store.Capture("d2", "device", []byte(`{"type":"command_ack","message":"anchor raised"}`))

	records, err := store.Search(ctx, "d1", "anchor", 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal("d1", records[0].PeerID)
}

func testSearchWithNoHitsReturnsEmpty(t *testing.T) {
	assert := assert.New(t)
	store := newTestStore(t)
	ctx := context.Background()

	store.Capture("d1", "device", []byte(`{"type":"telemetry"}`))

	records, err := store.Search(ctx, "d1", "nonexistentword", 10)
	require.NoError(t, err)
	assert.Empty(records)
}

func TestDebugStore(t *testing.T) {
	t.Run("CaptureThenRecentReturnsNewestFirst", testCaptureThenRecentReturnsNewestFirst)
	t.Run("CaptureThenSearchFindsMatchingPayload", testCaptureThenSearchFindsMatchingPayload)
	t.Run("SearchScopesToPeerID", testSearchScopesToPeerID)
	t.Run("SearchWithNoHitsReturnsEmpty", testSearchWithNoHitsReturnsEmpty)
}
