package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/turtle"
	"github.com/denecity/TaaS/internal/turtle/state"
)

// dirIndex maps a unit movement vector to its heading.
var dirIndex = map[[2]int]int{
	{1, 0}: 0, {0, 1}: 1, {-1, 0}: 2, {0, -1}: 3,
}

// DetectState queries a freshly connected turtle for its real fuel level,
// position, inventory, label, and heading, persisting whatever it finds.
// Best effort: a turtle without GPS or boxed in on all four sides simply
// keeps its dead-reckoned values.
func (s *Scheduler) DetectState(ctx context.Context, t *turtle.Turtle) {
	log := s.logger.WithTurtleID(t.ID)

	sess, err := t.Session(ctx)
	if err != nil {
		log.Debug("state detection skipped, session busy", zap.Error(err))
		return
	}
	defer sess.Close()

	if fuel, ok := sess.GetFuelLevel(ctx); ok {
		if err := s.store.Apply(ctx, t.ID, state.Patch{FuelLevel: &fuel}); err != nil {
			log.Warn("failed to persist detected fuel", zap.Error(err))
		}
	}
	sess.GetInventory(ctx)
	if label, ok := sess.GetLabel(ctx); ok {
		if err := s.store.SetLabel(ctx, t.ID, label); err != nil {
			log.Warn("failed to persist detected label", zap.Error(err))
		}
	}

	s.detectHeading(ctx, sess, t.ID)
	log.Sugar().Infof("Turtle %d state detection complete", t.ID)
}

// detectHeading derives the absolute heading by moving one block and
// comparing GPS fixes. The turtle rotates right until it faces air (up to
// four times), steps forward, locates, steps back, and undoes the
// rotation; heading = (movement direction - rotations) mod 4.
func (s *Scheduler) detectHeading(ctx context.Context, sess *turtle.Session, turtleID int) {
	log := s.logger.WithTurtleID(turtleID)

	before, ok := sess.GetLocation(ctx)
	if !ok {
		log.Debug("heading detection skipped, no GPS fix")
		return
	}
	// Some GPS setups answer (0,0,0) instead of failing; treat it as no fix.
	if before.X == 0 && before.Y == 0 && before.Z == 0 {
		log.Debug("heading detection skipped, origin fix")
		return
	}

	rotations := 0
	for i := 0; i < 4; i++ {
		blocked, _ := sess.Inspect(ctx)
		if !blocked {
			break
		}
		sess.TurnRight(ctx)
		rotations++
	}
	restore := func() {
		for i := 0; i < rotations; i++ {
			sess.TurnLeft(ctx)
		}
	}
	if rotations == 4 {
		log.Debug("heading detection skipped, boxed in")
		return
	}

	if !sess.Forward(ctx) {
		restore()
		return
	}
	after, ok := sess.GetLocation(ctx)
	sess.Back(ctx)
	if !ok {
		restore()
		return
	}

	dx, dz := after.X-before.X, after.Z-before.Z
	idx, known := dirIndex[[2]int{dx, dz}]
	if !known {
		log.Warn("heading detection produced a non-unit move",
			zap.Int("dx", dx), zap.Int("dz", dz))
		restore()
		return
	}
	restore()

	heading := ((idx-rotations)%4 + 4) % 4
	if err := s.store.Apply(ctx, turtleID, state.Patch{Heading: &heading}); err != nil {
		log.Warn("failed to persist detected heading", zap.Error(err))
		return
	}
	// The detection moves invalidated the dead-reckoned position; take a
	// final fix.
	sess.GetLocation(ctx)
	log.Debug("heading detected", zap.Int("heading", heading))
}
