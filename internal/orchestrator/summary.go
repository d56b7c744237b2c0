package orchestrator

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/turtle/state"
)

// Summary assembles the full per-turtle document dashboards and the REST
// API consume. It always succeeds; unknown turtles come back with zeroed
// fields and alive=false.
func (s *Scheduler) Summary(ctx context.Context, turtleID int) map[string]interface{} {
	st := s.store.Get(ctx, turtleID)

	alive := false
	if t, ok := s.registry.Get(turtleID); ok {
		alive = t.Alive()
	}

	inv, err := state.ParseInventory(st.InventoryJSON)
	if err != nil {
		s.logger.Warn("stored inventory is malformed",
			zap.Int("turtle_id", turtleID), zap.Error(err))
		inv = state.EmptyInventory()
	}

	var coords interface{}
	if st.Coords != nil {
		coords = map[string]int{"x": st.Coords.X, "y": st.Coords.Y, "z": st.Coords.Z}
	}

	return map[string]interface{}{
		"id":           turtleID,
		"alive":        alive,
		"assignment":   s.Assignment(turtleID),
		"last_seen_ms": st.LastSeenMs,
		"fuel_level":   st.FuelLevel,
		"inventory":    inv,
		"coords":       coords,
		"heading":      st.Heading,
		"label":        st.Label,
	}
}

// KnownIDs merges every turtle id the system has seen: persisted rows,
// live connections, and anything with a seen timestamp.
func (s *Scheduler) KnownIDs(ctx context.Context) []int {
	seen := map[int]bool{}
	stored, err := s.store.ListIDs(ctx)
	if err != nil {
		s.logger.Warn("failed to list stored turtles", zap.Error(err))
	}
	for _, id := range stored {
		seen[id] = true
	}
	for _, id := range s.registry.List() {
		seen[id] = true
	}
	lastSeen, err := s.store.LastSeen(ctx)
	if err != nil {
		s.logger.Warn("failed to load seen timestamps", zap.Error(err))
	}
	for id := range lastSeen {
		seen[id] = true
	}

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
