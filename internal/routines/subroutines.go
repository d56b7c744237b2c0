package routines

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/turtle/state"
)

// Heading indices: 0:+X, 1:+Z, 2:-X, 3:-Z.
var dirVecs = [4][3]int{{1, 0, 0}, {0, 0, 1}, {-1, 0, 0}, {0, 0, -1}}

// storedHeading reads the dead-reckoned heading, defaulting to +X.
func storedHeading(ctx context.Context, env *Env) int {
	st := env.Store.Get(ctx, env.TurtleID())
	if st.Heading == nil {
		return 0
	}
	return ((*st.Heading)%4 + 4) % 4
}

// storedCoords reads the dead-reckoned position, defaulting to origin.
func storedCoords(ctx context.Context, env *Env) state.Coords {
	st := env.Store.Get(ctx, env.TurtleID())
	if st.Coords == nil {
		return state.Coords{}
	}
	return *st.Coords
}

// SetHeading rotates until the turtle faces target, taking the shorter
// way around. The loop is bounded; a turtle that cannot turn gives up.
func SetHeading(ctx context.Context, env *Env, target int) {
	target = ((target % 4) + 4) % 4
	for i := 0; i < 4; i++ {
		heading := storedHeading(ctx, env)
		if heading == target {
			return
		}
		switch (target - heading + 4) % 4 {
		case 1:
			env.Session.TurnRight(ctx)
		case 2:
			env.Session.TurnRight(ctx)
			env.Session.TurnRight(ctx)
		default:
			env.Session.TurnLeft(ctx)
		}
	}
}

// forwardDigStep clears the block ahead and the headroom, then moves.
// Headroom is cleared again after moving so gravel columns cannot trap
// the turtle.
func forwardDigStep(ctx context.Context, env *Env) bool {
	sess := env.Session
	if blocked, _ := sess.Inspect(ctx); blocked {
		sess.Dig(ctx)
	}
	if above, _ := sess.InspectUp(ctx); above {
		sess.DigUp(ctx)
	}
	if !sess.Forward(ctx) {
		return false
	}
	if above, _ := sess.InspectUp(ctx); above {
		sess.DigUp(ctx)
	}
	return true
}

// verticalDigStep clears and moves one block up or down.
func verticalDigStep(ctx context.Context, env *Env, up bool) bool {
	sess := env.Session
	if up {
		if blocked, _ := sess.InspectUp(ctx); blocked {
			sess.DigUp(ctx)
		}
		return sess.Up(ctx)
	}
	if blocked, _ := sess.InspectDown(ctx); blocked {
		sess.DigDown(ctx)
	}
	return sess.Down(ctx)
}

// DigToCoordinate drives a straight L1 path to the target, digging
// through anything in the way. Legs run X, then Z, then Y; a leg stops
// early when movement keeps failing.
func DigToCoordinate(ctx context.Context, env *Env, tx, ty, tz int) error {
	log := env.Logger

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := storedCoords(ctx, env)
		if cur.X == tx {
			break
		}
		dir := 0
		if tx < cur.X {
			dir = 2
		}
		SetHeading(ctx, env, dir)
		if !forwardDigStep(ctx, env) {
			log.Warn("forward blocked during X traversal, stopping leg")
			break
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := storedCoords(ctx, env)
		if cur.Z == tz {
			break
		}
		dir := 1
		if tz < cur.Z {
			dir = 3
		}
		SetHeading(ctx, env, dir)
		if !forwardDigStep(ctx, env) {
			log.Warn("forward blocked during Z traversal, stopping leg")
			break
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := storedCoords(ctx, env)
		if cur.Y == ty {
			break
		}
		if !verticalDigStep(ctx, env, cur.Y < ty) {
			log.Warn("vertical movement blocked, stopping leg")
			break
		}
	}

	final := storedCoords(ctx, env)
	log.Info("dig_to_coordinate finished",
		zap.Int("x", final.X), zap.Int("y", final.Y), zap.Int("z", final.Z),
		zap.Int("target_x", tx), zap.Int("target_y", ty), zap.Int("target_z", tz))
	return nil
}

// moveState tracks the step budget of one MoveToCoordinate run.
type moveState struct {
	steps     int
	threshold int
}

func (m *moveState) spent() bool { return m.steps >= m.threshold }

// MoveToCoordinate travels to the target with obstacle-aware pathing:
// rise to a travel corridor near y=150, cross X then Z with detours
// around obstacles, then descend to the target height. The step budget
// is max(500, 4 * L1 distance).
func MoveToCoordinate(ctx context.Context, env *Env, tx, ty, tz int) error {
	sess := env.Session
	log := env.Logger

	coords, ok := sess.GetLocation(ctx)
	if !ok {
		coords = &state.Coords{}
		stored := storedCoords(ctx, env)
		*coords = stored
		log.Warn("no GPS fix, falling back to dead-reckoned position")
	}

	l1 := abs(coords.X-tx) + abs(coords.Y-ty) + abs(coords.Z-tz)
	ms := &moveState{threshold: max(500, 4*l1)}

	const corridorY = 150
	for storedCoords(ctx, env).Y < corridorY && !ms.spent() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !moveVertical(ctx, env, ms, true) {
			break
		}
	}

	for storedCoords(ctx, env).X != tx && !ms.spent() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := storedCoords(ctx, env)
		dir := 0
		if tx < cur.X {
			dir = 2
		}
		SetHeading(ctx, env, dir)
		if !moveForwardChecked(ctx, env, ms) {
			if !moveVertical(ctx, env, ms, true) {
				moveVertical(ctx, env, ms, false)
			}
		}
	}

	for storedCoords(ctx, env).Z != tz && !ms.spent() {
		if err := ctx.Err(); err != nil {
			return err
		}
		cur := storedCoords(ctx, env)
		dir := 1
		if tz < cur.Z {
			dir = 3
		}
		SetHeading(ctx, env, dir)
		if !moveForwardChecked(ctx, env, ms) {
			if !moveVertical(ctx, env, ms, true) {
				moveVertical(ctx, env, ms, false)
			}
		}
	}

	for storedCoords(ctx, env).Y != ty && !ms.spent() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !moveVertical(ctx, env, ms, storedCoords(ctx, env).Y < ty) {
			break
		}
	}

	final := storedCoords(ctx, env)
	log.Info("move_to_coordinate finished",
		zap.Int("x", final.X), zap.Int("y", final.Y), zap.Int("z", final.Z),
		zap.Int("steps", ms.steps), zap.Int("threshold", ms.threshold))
	return nil
}

// moveForwardChecked digs ahead and above, moves, and falls back to an
// up-over-down hop or a right side-step when the way stays blocked.
func moveForwardChecked(ctx context.Context, env *Env, ms *moveState) bool {
	sess := env.Session
	if blocked, _ := sess.Inspect(ctx); blocked {
		sess.Dig(ctx)
	}
	if above, _ := sess.InspectUp(ctx); above {
		sess.DigUp(ctx)
	}
	if sess.Forward(ctx) {
		if above, _ := sess.InspectUp(ctx); above {
			sess.DigUp(ctx)
		}
		ms.steps++
		return true
	}

	// Hop over the obstacle and come back down to the corridor.
	if above, _ := sess.InspectUp(ctx); above {
		sess.DigUp(ctx)
	}
	if sess.Up(ctx) {
		ms.steps++
		if ms.spent() {
			sess.Down(ctx)
			return false
		}
		if moveForwardChecked(ctx, env, ms) {
			sess.Down(ctx)
			ms.steps++
			return true
		}
		sess.Down(ctx)
		ms.steps++
	}

	// Side-step right, then realign.
	sess.TurnRight(ctx)
	if blocked, _ := sess.Inspect(ctx); blocked {
		sess.Dig(ctx)
	}
	if sess.Forward(ctx) {
		ms.steps++
		sess.TurnLeft(ctx)
		return true
	}
	sess.TurnLeft(ctx)
	return false
}

func moveVertical(ctx context.Context, env *Env, ms *moveState, up bool) bool {
	if verticalDigStep(ctx, env, up) {
		ms.steps++
		return true
	}
	return false
}

// storedInventory parses the persisted inventory snapshot.
func storedInventory(ctx context.Context, env *Env) state.Inventory {
	st := env.Store.Get(ctx, env.TurtleID())
	inv, err := state.ParseInventory(st.InventoryJSON)
	if err != nil {
		return state.EmptyInventory()
	}
	return inv
}

// CountEmptySlots refreshes the inventory snapshot and counts free slots.
func CountEmptySlots(ctx context.Context, env *Env) int {
	if inv, ok := env.Session.GetInventory(ctx); ok {
		return inv.EmptySlots()
	}
	return storedInventory(ctx, env).EmptySlots()
}

func isCoal(item *state.Item) bool {
	return strings.Contains(strings.ToLower(item.Name), "coal") ||
		strings.Contains(strings.ToLower(item.DisplayName), "coal")
}

// RefuelIfPossible burns coal until the tank is near its limit. Nothing
// happens when no coal is aboard or the fuel gauge is unreadable.
func RefuelIfPossible(ctx context.Context, env *Env) {
	sess := env.Session
	for {
		if ctx.Err() != nil {
			return
		}
		fuel, okFuel := sess.GetFuelLevel(ctx)
		limit, okLimit := sess.GetFuelLimit(ctx)
		if !okFuel || !okLimit || fuel+5000 >= limit {
			return
		}
		inv, ok := sess.GetInventory(ctx)
		if !ok {
			return
		}
		slot := inv.FindSlot(isCoal)
		if slot == 0 {
			env.Logger.Info("no coal aboard for refueling")
			return
		}
		sess.Select(ctx, slot)
		if !sess.Refuel(ctx, 100000) {
			return
		}
	}
}

// DumpToLeftChest places a chest to the left and drops everything except
// the chest slot into it, then restores the original heading.
func DumpToLeftChest(ctx context.Context, env *Env, chestSlot int) {
	sess := env.Session
	log := env.Logger
	chestSlot = clampSlot(chestSlot)

	sess.Select(ctx, chestSlot)
	count, ok := sess.GetItemCount(ctx)
	if !ok || count <= 0 {
		log.Warn("no chests available for dump", zap.Int("chest_slot", chestSlot))
		return
	}

	log.Info("dumping inventory to left chest")
	sess.TurnLeft(ctx)
	if blocked, _ := sess.Inspect(ctx); blocked {
		sess.Dig(ctx)
	}
	placed := sess.Place(ctx)
	// Clear the column above so a hopper or falling block cannot jam the
	// chest lid.
	sess.DigUp(ctx)
	sess.Up(ctx)
	sess.Dig(ctx)
	sess.Down(ctx)
	if !placed {
		log.Warn("failed to place dump chest")
		sess.TurnRight(ctx)
		return
	}

	for slot := 1; slot <= state.NumSlots; slot++ {
		if slot == chestSlot {
			continue
		}
		sess.Select(ctx, slot)
		sess.Drop(ctx)
	}
	sess.TurnRight(ctx)
}

// DumpToEnderChest places the ender chest above, dumps everything into
// it, and digs it back up so it can be reused at the next stop.
func DumpToEnderChest(ctx context.Context, env *Env, chestSlot int) {
	sess := env.Session
	log := env.Logger
	chestSlot = clampSlot(chestSlot)

	sess.Select(ctx, chestSlot)
	count, ok := sess.GetItemCount(ctx)
	if !ok || count <= 0 {
		log.Warn("no ender chest available for dump", zap.Int("chest_slot", chestSlot))
		return
	}

	log.Info("dumping inventory to ender chest")
	if blocked, _ := sess.InspectUp(ctx); blocked {
		sess.DigUp(ctx)
	}
	if !sess.PlaceUp(ctx) {
		log.Warn("failed to place ender chest")
		return
	}

	for slot := 1; slot <= state.NumSlots; slot++ {
		if slot == chestSlot {
			continue
		}
		sess.Select(ctx, slot)
		sess.DropUp(ctx)
	}

	sess.Select(ctx, chestSlot)
	sess.DigUp(ctx)
}

func clampSlot(slot int) int {
	if slot < 1 {
		return 1
	}
	if slot > state.NumSlots {
		return state.NumSlots
	}
	return slot
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
