package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/denecity/TaaS/internal/common/logger"
	"github.com/denecity/TaaS/internal/db"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.OpenSQLite(filepath.Join(t.TempDir(), "turtles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	store, err := New(pool, logger.Default())
	require.NoError(t, err)
	return store
}

func TestUpsertSeenCreatesAndRefreshes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertSeen(ctx, 7))
	st := store.Get(ctx, 7)
	assert.Equal(t, 7, st.ID)
	assert.Equal(t, StatusDisconnected, st.ConnectionStatus)
	assert.NotZero(t, st.FirstSeenMs)
	assert.Equal(t, st.FirstSeenMs, st.LastSeenMs)

	firstSeen := st.FirstSeenMs
	require.NoError(t, store.UpsertSeen(ctx, 7))
	st = store.Get(ctx, 7)
	assert.Equal(t, firstSeen, st.FirstSeenMs)
	assert.GreaterOrEqual(t, st.LastSeenMs, firstSeen)
}

func TestGetUnknownTurtle(t *testing.T) {
	store := newTestStore(t)

	st := store.Get(context.Background(), 999)
	assert.Equal(t, 999, st.ID)
	assert.Equal(t, StatusDisconnected, st.ConnectionStatus)
	assert.Nil(t, st.FuelLevel)
	assert.Nil(t, st.Coords)
	assert.Nil(t, st.Heading)
}

func TestApplyPartialUpdateKeepsOtherFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fuel := 512
	heading := 2
	require.NoError(t, store.Apply(ctx, 3, Patch{
		FuelLevel: &fuel,
		Coords:    &Coords{X: 10, Y: 64, Z: -5},
		Heading:   &heading,
	}))

	newFuel := 500
	require.NoError(t, store.Apply(ctx, 3, Patch{FuelLevel: &newFuel}))

	st := store.Get(ctx, 3)
	require.NotNil(t, st.FuelLevel)
	assert.Equal(t, 500, *st.FuelLevel)
	require.NotNil(t, st.Coords)
	assert.Equal(t, Coords{X: 10, Y: 64, Z: -5}, *st.Coords)
	require.NotNil(t, st.Heading)
	assert.Equal(t, 2, *st.Heading)
}

func TestCoordsSurfaceOnlyAsCompleteTriple(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertSeen(ctx, 4))
	st := store.Get(ctx, 4)
	assert.Nil(t, st.Coords)

	require.NoError(t, store.Apply(ctx, 4, Patch{Coords: &Coords{X: 1, Y: 2, Z: 3}}))
	st = store.Get(ctx, 4)
	require.NotNil(t, st.Coords)
	assert.Equal(t, Coords{X: 1, Y: 2, Z: 3}, *st.Coords)
}

func TestSetLabelAndName(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetLabel(ctx, 9, "miner-09"))
	require.NoError(t, store.SetName(ctx, 9, "turtle_9"))

	st := store.Get(ctx, 9)
	require.NotNil(t, st.Label)
	assert.Equal(t, "miner-09", *st.Label)
	require.NotNil(t, st.Name)
	assert.Equal(t, "turtle_9", *st.Name)
}

func TestSetConnectionStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetConnectionStatus(ctx, 5, StatusConnected))
	assert.Equal(t, StatusConnected, store.Get(ctx, 5).ConnectionStatus)

	require.NoError(t, store.SetConnectionStatus(ctx, 5, StatusDisconnected))
	assert.Equal(t, StatusDisconnected, store.Get(ctx, 5).ConnectionStatus)
}

func TestChangeNotifierFiresOncePerMutation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var notified []int
	store.OnChange(func(id int) { notified = append(notified, id) })

	require.NoError(t, store.UpsertSeen(ctx, 11))
	fuel := 80
	require.NoError(t, store.Apply(ctx, 11, Patch{FuelLevel: &fuel}))
	require.NoError(t, store.SetLabel(ctx, 11, "scout"))

	assert.Equal(t, []int{11, 11, 11}, notified)

	// Reads and audit writes stay silent.
	store.Get(ctx, 11)
	require.NoError(t, store.LogCall(ctx, CallRecord{TurtleID: 11, CallName: "forward"}))
	assert.Len(t, notified, 3)
}

func TestListIDsAndLastSeen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertSeen(ctx, 2))
	require.NoError(t, store.UpsertSeen(ctx, 1))
	require.NoError(t, store.UpsertSeen(ctx, 3))

	ids, err := store.ListIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, ids)

	seen, err := store.LastSeen(ctx)
	require.NoError(t, err)
	assert.Len(t, seen, 3)
	assert.NotZero(t, seen[2])
}

func TestCallAuditRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ok := true
	result := `[true]`
	reqID := "s_abc"
	dur := int64(42)
	require.NoError(t, store.LogCall(ctx, CallRecord{
		TurtleID:   6,
		CallName:   "turtle.forward()",
		OK:         &ok,
		ResultJSON: &result,
		RequestID:  &reqID,
		DurationMs: &dur,
	}))
	failText := "timeout"
	require.NoError(t, store.LogCall(ctx, CallRecord{
		TurtleID:  6,
		CallName:  "turtle.up()",
		ErrorText: &failText,
	}))

	recs, err := store.Calls(ctx, 6, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	// Newest first.
	assert.Equal(t, "turtle.up()", recs[0].CallName)
	assert.Nil(t, recs[0].OK)
	require.NotNil(t, recs[0].ErrorText)
	assert.Equal(t, "timeout", *recs[0].ErrorText)

	assert.Equal(t, "turtle.forward()", recs[1].CallName)
	require.NotNil(t, recs[1].OK)
	assert.True(t, *recs[1].OK)
	require.NotNil(t, recs[1].DurationMs)
	assert.Equal(t, int64(42), *recs[1].DurationMs)
}

func TestCallsLimitClamped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.LogCall(ctx, CallRecord{TurtleID: 8, CallName: "noop"}))
	}

	recs, err := store.Calls(ctx, 8, 2)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = store.Calls(ctx, 8, 0)
	require.NoError(t, err)
	assert.Len(t, recs, 5)
}

func TestInventoryParsing(t *testing.T) {
	inv, err := ParseInventory("")
	require.NoError(t, err)
	assert.Equal(t, NumSlots, inv.EmptySlots())

	raw := `{"2":{"slot":2,"name":"minecraft:coal","displayName":"Coal","count":12,"c:ores":false,"c:gems":false,"c:stones":false,"c:chests":false,"minecraft:building_blocks":false}}`
	inv, err = ParseInventory(raw)
	require.NoError(t, err)
	assert.Equal(t, NumSlots-1, inv.EmptySlots())
	require.NotNil(t, inv[2])
	assert.Equal(t, "minecraft:coal", inv[2].Name)
	assert.Equal(t, 12, inv[2].Count)

	slot := inv.FindSlot(func(it *Item) bool { return it.Name == "minecraft:coal" })
	assert.Equal(t, 2, slot)

	_, err = ParseInventory("{broken")
	assert.Error(t, err)
}
