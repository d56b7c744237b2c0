package routines

import (
	"context"

	"go.uber.org/zap"
)

// Point classes for the chute layout.
const (
	classMoved  = 1 // clamped in from outside the area, already covered
	classCorner = 2
	classEdge   = 3
	classInside = 4
)

// digPoint is one chute position with its cross-pattern classification.
// Edge: 0 none, 1 top, 2 right, 3 bottom, 4 left.
// Corner: 0 none, 1 bottom-left, 2 top-left, 3 top-right, 4 bottom-right.
type digPoint struct {
	X, Z   int
	Class  int
	Edge   int
	Corner int
}

// digCalculation lays out chute positions over a width x height rectangle
// so that every column is covered by some chute's cross pattern. Chutes
// run along diagonals with a (+2, -1) stride; points that land one step
// outside the rectangle are clamped in and marked moved, points on the
// boundary get a reduced pattern so the turtle never digs outside.
func digCalculation(startX, startZ, width, height int) []digPoint {
	span := width + height

	var raw [][2]int
	for i := 0; i < span; i++ {
		sx, sz := -i, 3*i
		for j := 0; j < span; j++ {
			raw = append(raw, [2]int{sx + 2*j, sz - j})
		}
	}

	var points []digPoint
	for _, p := range raw {
		x, z := p[0], p[1]
		// One block of slack around the rectangle so clamped neighbors
		// still register.
		if x < -1 || x > width || z < -1 || z > height {
			continue
		}

		dp := digPoint{X: x, Z: z}
		switch {
		case x < 0:
			dp = digPoint{X: x + 1, Z: z, Class: classMoved, Edge: 4}
		case z < 0:
			dp = digPoint{X: x, Z: z + 1, Class: classMoved, Edge: 3}
		case x > width-1:
			dp = digPoint{X: x - 1, Z: z, Class: classMoved, Edge: 2}
		case z > height-1:
			dp = digPoint{X: x, Z: z - 1, Class: classMoved, Edge: 1}
		default:
			onX := x == 0 || x == width-1
			onZ := z == 0 || z == height-1
			switch {
			case onX && onZ:
				dp.Class = classCorner
				switch {
				case x == 0 && z == 0:
					dp.Corner = 1
				case x == 0:
					dp.Corner = 2
				case z == height-1:
					dp.Corner = 3
				default:
					dp.Corner = 4
				}
			case onX:
				dp.Class = classEdge
				if x == 0 {
					dp.Edge = 4
				} else {
					dp.Edge = 2
				}
			case onZ:
				dp.Class = classEdge
				if z == 0 {
					dp.Edge = 3
				} else {
					dp.Edge = 1
				}
			default:
				dp.Class = classInside
			}
		}

		dp.X += startX
		dp.Z += startZ
		points = append(points, dp)
	}
	return points
}

// digCross breaks the neighbor blocks a chute is responsible for. The
// pattern depends on where the chute sits: a full cross inside the area,
// a T along edges, an L in corners, nothing for moved points (their
// column is covered by the boundary chute they collapsed onto). The
// turtle must face east on entry and faces east again on exit.
func digCross(ctx context.Context, env *Env, p digPoint) {
	sess := env.Session
	switch p.Class {
	case classMoved:
		return
	case classInside:
		for i := 0; i < 4; i++ {
			sess.Dig(ctx)
			sess.TurnLeft(ctx)
		}
	case classEdge:
		switch p.Edge {
		case 2:
			sess.TurnRight(ctx)
			sess.Dig(ctx)
			sess.TurnRight(ctx)
			sess.Dig(ctx)
			sess.TurnRight(ctx)
			sess.Dig(ctx)
			sess.TurnRight(ctx)
		case 1:
			sess.Dig(ctx)
			sess.TurnLeft(ctx)
			sess.Dig(ctx)
			sess.TurnLeft(ctx)
			sess.Dig(ctx)
			sess.TurnLeft(ctx)
			sess.TurnLeft(ctx)
		case 4:
			sess.TurnLeft(ctx)
			sess.Dig(ctx)
			sess.TurnRight(ctx)
			sess.Dig(ctx)
			sess.TurnRight(ctx)
			sess.Dig(ctx)
			sess.TurnLeft(ctx)
		case 3:
			sess.Dig(ctx)
			sess.TurnRight(ctx)
			sess.Dig(ctx)
			sess.TurnRight(ctx)
			sess.Dig(ctx)
			sess.TurnRight(ctx)
			sess.TurnRight(ctx)
		}
	case classCorner:
		switch p.Corner {
		case 1:
			sess.Dig(ctx)
			sess.TurnRight(ctx)
			sess.Dig(ctx)
			sess.TurnLeft(ctx)
		case 4:
			sess.TurnRight(ctx)
			sess.Dig(ctx)
			sess.TurnRight(ctx)
			sess.Dig(ctx)
			sess.TurnLeft(ctx)
			sess.TurnLeft(ctx)
		case 3:
			sess.TurnLeft(ctx)
			sess.Dig(ctx)
			sess.TurnLeft(ctx)
			sess.Dig(ctx)
			sess.TurnRight(ctx)
			sess.TurnRight(ctx)
		case 2:
			sess.Dig(ctx)
			sess.TurnLeft(ctx)
			sess.Dig(ctx)
			sess.TurnRight(ctx)
		}
	default:
		env.Logger.Warn("unknown chute class", zap.Int("class", p.Class))
	}
}

func smartMineFullRoutine() *Routine {
	return &Routine{
		Name:           "smart_mine_full",
		Description:    "Excavate an arbitrary rectangle with vertical cross-pattern chutes, alternating top and bottom entry.",
		ConfigTemplate: "corner_1: [296, 9]\ncorner_2: [315, -11]\nstart_y: 63\nstop_y: -20\nempty_slots_threshold: 4\nchest_slot: 1\ndump_strategy: dump_to_ender_chest\n",
		Run: func(ctx context.Context, env *Env) error {
			c1, ok1 := env.Config.IntPair("corner_1")
			c2, ok2 := env.Config.IntPair("corner_2")
			if !ok1 {
				c1 = [2]int{0, 0}
			}
			if !ok2 {
				c2 = [2]int{15, 15}
			}
			startY := env.Config.Int("start_y", 50)
			stopY := env.Config.Int("stop_y", 20)
			threshold := env.Config.Int("empty_slots_threshold", 4)
			chestSlot := env.Config.Int("chest_slot", 1)
			strategy := env.Config.String("dump_strategy", "dump_to_left_chest")
			sess := env.Session
			log := env.Logger

			minX, minZ := min(c1[0], c2[0]), min(c1[1], c2[1])
			maxX, maxZ := max(c1[0], c2[0]), max(c1[1], c2[1])
			width := maxX - minX + 1
			height := maxZ - minZ + 1

			points := digCalculation(minX, minZ, width, height)
			log.Info("smart full mining starting",
				zap.Int("min_x", minX), zap.Int("min_z", minZ),
				zap.Int("width", width), zap.Int("height", height),
				zap.Int("chutes", len(points)),
				zap.Int("start_y", startY), zap.Int("stop_y", stopY))

			checksAndBreaks := func() {
				RefuelIfPossible(ctx, env)
				maybeDump(ctx, env, strategy, chestSlot, threshold)
			}

			digChute := func(p digPoint, topDown bool) error {
				SetHeading(ctx, env, 0)
				steps := startY - stopY
				for i := 0; i < steps; i++ {
					if err := ctx.Err(); err != nil {
						return err
					}
					digCross(ctx, env, p)
					checksAndBreaks()
					if topDown {
						sess.DigDown(ctx)
						sess.Down(ctx)
					} else {
						sess.DigUp(ctx)
						sess.Up(ctx)
					}
				}
				digCross(ctx, env, p)
				checksAndBreaks()
				return nil
			}

			sess.GetLocation(ctx)
			if err := DigToCoordinate(ctx, env, minX, startY, minZ); err != nil {
				return err
			}

			topDown := true
			for i, p := range points {
				if err := ctx.Err(); err != nil {
					return err
				}
				entryY := startY
				if !topDown {
					entryY = stopY
				}
				log.Info("starting chute",
					zap.Int("chute", i+1), zap.Int("total", len(points)),
					zap.Int("x", p.X), zap.Int("y", entryY), zap.Int("z", p.Z))
				if err := DigToCoordinate(ctx, env, p.X, entryY, p.Z); err != nil {
					return err
				}
				if err := digChute(p, topDown); err != nil {
					return err
				}
				topDown = !topDown
			}

			log.Info("full rectangle mining completed")
			return nil
		},
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
