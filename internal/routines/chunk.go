package routines

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/turtle"
)

// chunkOrigin returns the (minX, minZ) corner of the 16x16 chunk that
// contains (x, z). Floor division, so negative coordinates round toward
// the chunk's low edge.
func chunkOrigin(x, z int) (int, int) {
	return floorDiv(x, 16) * 16, floorDiv(z, 16) * 16
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// maybeDump empties the inventory through the configured strategy when
// free slots run low.
func maybeDump(ctx context.Context, env *Env, strategy string, chestSlot, threshold int) {
	if CountEmptySlots(ctx, env) > threshold {
		return
	}
	switch strategy {
	case "dump_to_left_chest":
		env.Logger.Info("inventory low on space, dumping to left chest")
		DumpToLeftChest(ctx, env, chestSlot)
	case "dump_to_ender_chest":
		env.Logger.Info("inventory low on space, dumping to ender chest")
		DumpToEnderChest(ctx, env, chestSlot)
	default:
		env.Logger.Warn("unknown dump strategy", zap.String("strategy", strategy))
	}
}

func mineFullChunkRoutine() *Routine {
	return &Routine{
		Name:           "mine_full_chunk",
		Description:    "Excavate the full 16x16 chunk the turtle stands in, layer by layer.",
		ConfigTemplate: "start_y: 50\nstop_y: 20\nempty_slots_threshold: 4\nchest_slot: 1\ndump_strategy: dump_to_ender_chest\n",
		Run: func(ctx context.Context, env *Env) error {
			startY := env.Config.Int("start_y", 50)
			stopY := env.Config.Int("stop_y", 20)
			threshold := env.Config.Int("empty_slots_threshold", 4)
			chestSlot := env.Config.Int("chest_slot", 1)
			strategy := env.Config.String("dump_strategy", "dump_to_left_chest")
			sess := env.Session
			log := env.Logger

			coords, ok := sess.GetLocation(ctx)
			if !ok {
				stored := storedCoords(ctx, env)
				coords = &stored
				log.Warn("no GPS fix, using dead-reckoned position")
			}

			cx, cz := chunkOrigin(coords.X, coords.Z)
			seX, seZ := cx+15, cz+15

			if err := DigToCoordinate(ctx, env, seX, startY, seZ); err != nil {
				return err
			}
			SetHeading(ctx, env, 3)

			for y := startY; y >= stopY; y-- {
				if err := ctx.Err(); err != nil {
					return err
				}
				// Eight double-row passes sweep the 16-wide chunk.
				for pass := 0; pass < 8; pass++ {
					for i := 0; i < 15; i++ {
						forwardDigStep(ctx, env)
					}
					sess.TurnLeft(ctx)
					forwardDigStep(ctx, env)
					sess.TurnLeft(ctx)

					for i := 0; i < 15; i++ {
						forwardDigStep(ctx, env)
					}
					sess.TurnRight(ctx)
					forwardDigStep(ctx, env)
					sess.TurnRight(ctx)

					if CountEmptySlots(ctx, env) < threshold {
						RefuelIfPossible(ctx, env)
						sess.Select(ctx, chestSlot)
						maybeDump(ctx, env, strategy, chestSlot, threshold)
					}
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				// Back to the starting column of this layer, then descend.
				sess.TurnRight(ctx)
				for i := 0; i < 16; i++ {
					forwardDigStep(ctx, env)
				}
				sess.TurnLeft(ctx)
				sess.DigDown(ctx)
				sess.Down(ctx)
			}

			log.Info("full chunk mining completed",
				zap.Int("chunk_x", cx), zap.Int("chunk_z", cz),
				zap.Int("start_y", startY), zap.Int("stop_y", stopY))
			return nil
		},
	}
}

func autoChunkMinerRoutine() *Routine {
	return &Routine{
		Name:           "auto_chunk_miner",
		Description:    "Strip-mine a rectangle of chunks layer by layer, vein-mining every ore the tunnels expose.",
		ConfigTemplate: "start_y: 50\nstop_y: 20\nempty_slots_threshold: 4\nchest_slot: 1\ndump_strategy: dump_to_left_chest\nfuel_threshold: 500\nchunks_x: 1\nchunks_z: 1\ntunnel_spacing: 3\nlayer_step: 3\n",
		Run: func(ctx context.Context, env *Env) error {
			startY := env.Config.Int("start_y", 50)
			stopY := env.Config.Int("stop_y", 20)
			threshold := env.Config.Int("empty_slots_threshold", 4)
			chestSlot := env.Config.Int("chest_slot", 1)
			strategy := env.Config.String("dump_strategy", "dump_to_left_chest")
			fuelThreshold := env.Config.Int("fuel_threshold", 500)
			chunksX := max(1, env.Config.Int("chunks_x", 1))
			chunksZ := max(1, env.Config.Int("chunks_z", 1))
			spacing := max(1, env.Config.Int("tunnel_spacing", 3))
			layerStep := max(1, env.Config.Int("layer_step", 3))
			sess := env.Session
			log := env.Logger

			start := storedCoords(ctx, env)
			cx, cz := chunkOrigin(start.X, start.Z)
			width := 16 * chunksX
			depth := 16 * chunksZ
			neX, neZ := cx+width-1, cz

			log.Info("auto chunk miner starting",
				zap.Int("x", start.X), zap.Int("y", start.Y), zap.Int("z", start.Z),
				zap.Int("min_x", cx), zap.Int("max_x", cx+width-1),
				zap.Int("min_z", cz), zap.Int("max_z", cz+depth-1))

			isOre := func(b *turtle.Block) bool {
				return b.Ore || strings.Contains(strings.ToLower(b.Name), "ore")
			}

			maybeRefuel := func() {
				fuel, ok := sess.GetFuelLevel(ctx)
				if !ok || fuel >= fuelThreshold {
					return
				}
				inv := storedInventory(ctx, env)
				slot := inv.FindSlot(isCoal)
				if slot == 0 {
					return
				}
				sess.Select(ctx, slot)
				sess.Refuel(ctx, 100000)
			}

			// checkAndTrigger launches vein mining when a scanned block is ore,
			// then tops up fuel and dumps if the haul filled the inventory.
			checkAndTrigger := func(ok bool, block *turtle.Block) (bool, error) {
				if !ok || block == nil || !isOre(block) {
					return false, nil
				}
				log.Info("ore detected, triggering vein mining", zap.String("block", block.Name))
				if err := newVeinMiner(env, 2000, isOre).run(ctx); err != nil {
					return true, err
				}
				sess.GetInventory(ctx)
				maybeRefuel()
				maybeDump(ctx, env, strategy, chestSlot, threshold)
				return true, nil
			}

			// scanAndMaybeMine inspects all six directions around the tunnel
			// head, restoring the heading after the side checks.
			scanAndMaybeMine := func() error {
				found, err := checkAndTrigger(sess.Inspect(ctx))
				if err != nil || found {
					return err
				}
				if found, err = checkAndTrigger(sess.InspectUp(ctx)); err != nil || found {
					return err
				}
				if found, err = checkAndTrigger(sess.InspectDown(ctx)); err != nil || found {
					return err
				}
				sess.TurnLeft(ctx)
				_, errL := checkAndTrigger(sess.Inspect(ctx))
				sess.TurnRight(ctx)
				sess.TurnRight(ctx)
				_, errR := checkAndTrigger(sess.Inspect(ctx))
				sess.TurnLeft(ctx)
				if errL != nil {
					return errL
				}
				return errR
			}

			if err := DigToCoordinate(ctx, env, neX, startY, neZ); err != nil {
				return err
			}

			for currentY := startY; currentY >= stopY; currentY -= layerStep {
				if err := ctx.Err(); err != nil {
					return err
				}
				log.Info("mining layer", zap.Int("y", currentY))

				if err := DigToCoordinate(ctx, env, neX, currentY, neZ); err != nil {
					return err
				}

				eastToWest := true
				for rowZ := cz; rowZ < cz+depth; rowZ += spacing {
					startX, dir := neX, 2
					if !eastToWest {
						startX, dir = cx, 0
					}
					if err := DigToCoordinate(ctx, env, startX, currentY, rowZ); err != nil {
						return err
					}
					SetHeading(ctx, env, dir)

					for i := 0; i < width-1; i++ {
						if err := ctx.Err(); err != nil {
							return err
						}
						if err := scanAndMaybeMine(); err != nil {
							return err
						}
						if !forwardDigStep(ctx, env) {
							break
						}
					}
					eastToWest = !eastToWest
				}

				for i := 0; i < layerStep; i++ {
					if !verticalDigStep(ctx, env, false) {
						break
					}
				}
			}

			log.Info("auto chunk miner completed", zap.Int("stop_y", stopY))
			return nil
		},
	}
}
