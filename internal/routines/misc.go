package routines

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/turtle/state"
)

func digToCoordinateRoutine() *Routine {
	return &Routine{
		Name:           "dig_to_coordinate",
		Description:    "Dig a straight path to the target coordinates, axis by axis.",
		ConfigTemplate: "x: 0\ny: 70\nz: 0\n",
		Run: func(ctx context.Context, env *Env) error {
			x := env.Config.Int("x", 0)
			y := env.Config.Int("y", 70)
			z := env.Config.Int("z", 0)
			return DigToCoordinate(ctx, env, x, y, z)
		},
	}
}

func moveToCoordinateRoutine() *Routine {
	return &Routine{
		Name:           "move_to_coordinate",
		Description:    "Travel to the target coordinates with obstacle-aware pathing via a high corridor.",
		ConfigTemplate: "x: 0\ny: 70\nz: 0\n",
		Run: func(ctx context.Context, env *Env) error {
			x := env.Config.Int("x", 0)
			y := env.Config.Int("y", 70)
			z := env.Config.Int("z", 0)
			env.Logger.Info("moving to coordinates",
				zap.Int("x", x), zap.Int("y", y), zap.Int("z", z))
			return MoveToCoordinate(ctx, env, x, y, z)
		},
	}
}

func setLabelRoutine() *Routine {
	return &Routine{
		Name:           "set_label",
		Description:    "Set the turtle's name tag.",
		ConfigTemplate: "name: \"My Turtle\"\n",
		Run: func(ctx context.Context, env *Env) error {
			name := env.Config.String("name", "")
			if name == "" {
				return fmt.Errorf("config is missing a valid 'name'")
			}
			if !env.Session.SetLabel(ctx, name) {
				env.Logger.Warn("failed to set name tag", zap.String("name", name))
				return nil
			}
			env.Logger.Info("name tag set", zap.String("name", name))
			return nil
		},
	}
}

func simpleWalkRoutine() *Routine {
	return &Routine{
		Name:           "simple_walk",
		Description:    "Walk a fixed movement pattern, logging fuel along the way.",
		ConfigTemplate: "steps: 100\n",
		Run: func(ctx context.Context, env *Env) error {
			steps := env.Config.Int("steps", 100)
			sess := env.Session
			for i := 0; i < steps; i++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				sess.Forward(ctx)
				sess.Forward(ctx)
				sess.Up(ctx)
				sess.TurnLeft(ctx)
				sess.Down(ctx)
				if fuel, ok := sess.GetFuelLevel(ctx); ok {
					env.Logger.Info("fuel level", zap.Int("fuel", fuel))
				} else {
					env.Logger.Warn("failed to read fuel level")
				}
			}
			return nil
		},
	}
}

func simpleDigRoutine() *Routine {
	return &Routine{
		Name:           "simple_dig",
		Description:    "Place from slot 1, then empty every other slot.",
		ConfigTemplate: "iterations: 100\n",
		Run: func(ctx context.Context, env *Env) error {
			sess := env.Session
			sess.Select(ctx, 1)
			sess.GetItemCount(ctx)
			sess.GetItemDetail(ctx)
			sess.Place(ctx)
			for slot := 2; slot <= state.NumSlots; slot++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				sess.Select(ctx, slot)
				sess.Drop(ctx)
			}
			return nil
		},
	}
}

func executeCommandRoutine() *Routine {
	return &Routine{
		Name:           "execute_command",
		Description:    "Run a single command from config, either raw Lua or a named wrapper.",
		ConfigTemplate: "command: forward # forward, turn_left, select 1, drop 10, get_inventory_details, set_name_tag(\"Turtle\")\n",
		Run: func(ctx context.Context, env *Env) error {
			command := strings.TrimSpace(env.Config.String("command", ""))
			if command == "" {
				return fmt.Errorf("config is missing 'command'")
			}
			env.Logger.Info("executing command", zap.String("command", command))

			// Anything that looks like an expression goes straight to eval.
			if strings.Contains(command, "(") && strings.Contains(command, ")") {
				res := env.Session.Eval(ctx, command)
				env.Logger.Info("eval result",
					zap.Bool("ok", res.OK), zap.String("value", string(res.Value)))
				return nil
			}

			parts := strings.Fields(command)
			name, args := parts[0], parts[1:]
			if err := dispatchCommand(ctx, env, name, args); err != nil {
				env.Logger.Error("command failed",
					zap.String("command", command), zap.Error(err))
			}
			return nil
		},
	}
}

// dispatchCommand maps token commands onto session wrappers. Firmware
// helpers written without parentheses are supported too.
func dispatchCommand(ctx context.Context, env *Env, name string, args []string) error {
	sess := env.Session

	intArg := func(i, def int) int {
		if i < len(args) {
			if n, err := strconv.Atoi(args[i]); err == nil {
				return n
			}
		}
		return def
	}

	switch name {
	case "forward":
		sess.Forward(ctx)
	case "back":
		sess.Back(ctx)
	case "up":
		sess.Up(ctx)
	case "down":
		sess.Down(ctx)
	case "turn_left":
		sess.TurnLeft(ctx)
	case "turn_right":
		sess.TurnRight(ctx)
	case "dig":
		sess.Dig(ctx)
	case "dig_up":
		sess.DigUp(ctx)
	case "dig_down":
		sess.DigDown(ctx)
	case "place":
		sess.Place(ctx)
	case "place_up":
		sess.PlaceUp(ctx)
	case "place_down":
		sess.PlaceDown(ctx)
	case "select":
		sess.Select(ctx, intArg(0, 1))
	case "drop":
		if len(args) > 0 {
			sess.Drop(ctx, intArg(0, 0))
		} else {
			sess.Drop(ctx)
		}
	case "suck":
		sess.Suck(ctx)
	case "refuel":
		sess.Refuel(ctx, intArg(0, 1))
	case "get_fuel_level":
		fuel, ok := sess.GetFuelLevel(ctx)
		env.Logger.Info("fuel level", zap.Int("fuel", fuel), zap.Bool("ok", ok))
	case "get_location":
		if coords, ok := sess.GetLocation(ctx); ok {
			env.Logger.Info("location",
				zap.Int("x", coords.X), zap.Int("y", coords.Y), zap.Int("z", coords.Z))
		}
	case "get_inventory_details":
		sess.GetInventory(ctx)
	case "get_name_tag":
		label, _ := sess.GetLabel(ctx)
		env.Logger.Info("name tag", zap.String("label", label))
	case "set_name_tag":
		label := ""
		if len(args) > 0 {
			label = strings.Join(args, " ")
		}
		sess.SetLabel(ctx, label)
	case "refuel_if_possible":
		RefuelIfPossible(ctx, env)
	case "count_empty_slots":
		env.Logger.Info("empty slots", zap.Int("count", CountEmptySlots(ctx, env)))
	case "set_heading":
		SetHeading(ctx, env, intArg(0, 0))
	case "dump_to_left_chest":
		DumpToLeftChest(ctx, env, intArg(0, 1))
	case "dump_to_ender_chest":
		DumpToEnderChest(ctx, env, intArg(0, 1))
	default:
		return fmt.Errorf("unknown command %q", name)
	}
	return nil
}
