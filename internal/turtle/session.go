package turtle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/common/constants"
	"github.com/denecity/TaaS/internal/turtle/state"
	"github.com/denecity/TaaS/pkg/protocol"
)

// Result is the outcome of one command round-trip. Failures are values,
// never Go errors: routines branch on OK and read Err for the reason.
type Result struct {
	OK    bool
	Value json.RawMessage
	Err   string
}

const errDisconnected = "turtle disconnected"

// Session is the exclusive command handle on a turtle. All commands go
// through it; dead-reckoned state deltas are applied on confirmed success.
type Session struct {
	turtle *Turtle
	once   sync.Once
}

// Close releases the session. Idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		<-s.turtle.sem
		s.turtle.logger.Debug("session released")
	})
}

// Turtle returns the underlying turtle.
func (s *Session) Turtle() *Turtle { return s.turtle }

// send performs one command round-trip: register a pending entry, write
// the frame, wait for the correlated reply with a hard timeout. Every
// round-trip lands in the audit log.
func (s *Session) send(ctx context.Context, line string) Result {
	t := s.turtle
	start := time.Now()

	res, requestID := s.roundTrip(ctx, line)

	rec := state.CallRecord{
		TurtleID:  t.ID,
		CallName:  line,
		RequestID: &requestID,
	}
	ok := res.OK
	rec.OK = &ok
	if len(res.Value) > 0 {
		v := string(res.Value)
		rec.ResultJSON = &v
	}
	if res.Err != "" {
		e := res.Err
		rec.ErrorText = &e
	}
	dur := time.Since(start).Milliseconds()
	rec.DurationMs = &dur
	if err := t.store.LogCall(context.Background(), rec); err != nil {
		t.logger.Warn("failed to record command audit", zap.Error(err))
	}
	return res
}

// roundTrip also returns the request id the frame was sent under, so the
// audit record can carry it.
func (s *Session) roundTrip(ctx context.Context, line string) (Result, string) {
	t := s.turtle

	cmd := protocol.NewCommand(line)
	ch, ok := t.register(cmd.ID)
	if !ok {
		t.logger.Warn("command sent to disconnected turtle", zap.String("command", line))
		return Result{Err: errDisconnected}, cmd.ID
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		t.unregister(cmd.ID)
		return Result{Err: err.Error()}, cmd.ID
	}
	if err := t.send(payload); err != nil {
		t.unregister(cmd.ID)
		t.logger.Warn("command write failed",
			zap.String("command", line), zap.Error(err))
		return Result{Err: err.Error()}, cmd.ID
	}

	timer := time.NewTimer(constants.ReplyTimeout)
	defer timer.Stop()

	select {
	case reply, open := <-ch:
		if !open {
			return Result{Err: errDisconnected}, cmd.ID
		}
		return Result{OK: reply.OK, Value: reply.Value, Err: reply.Error}, cmd.ID
	case <-timer.C:
		t.unregister(cmd.ID)
		t.logger.Warn("command timeout", zap.String("command", line))
		return Result{Err: "timeout"}, cmd.ID
	case <-ctx.Done():
		t.unregister(cmd.ID)
		return Result{Err: ctx.Err().Error()}, cmd.ID
	}
}

// SendCommand runs a Lua line and reports the reply's ok flag.
func (s *Session) SendCommand(ctx context.Context, line string) bool {
	return s.send(ctx, line).OK
}

// Eval runs a Lua line and returns the full result. Failed evaluations
// are logged with the whole reply.
func (s *Session) Eval(ctx context.Context, line string) Result {
	res := s.send(ctx, line)
	if !res.OK {
		s.turtle.logger.Warn("eval failed",
			zap.String("command", line),
			zap.String("value", string(res.Value)),
			zap.String("error", res.Err))
	}
	return res
}

// valueSuccess interprets a movement-style reply value: a bare bool, or a
// [ok, reason] list whose first element decides.
func valueSuccess(res Result) bool {
	if !res.OK {
		return false
	}
	raw := res.Value
	var b bool
	if json.Unmarshal(raw, &b) == nil {
		return b
	}
	var list []json.RawMessage
	if json.Unmarshal(raw, &list) == nil && len(list) >= 1 {
		first := list[0]
		if json.Unmarshal(first, &b) == nil {
			return b
		}
		return string(first) != "null"
	}
	return false
}

// evalSuccess runs a Lua line and parses the bool-or-list convention.
func (s *Session) evalSuccess(ctx context.Context, line string) bool {
	return valueSuccess(s.Eval(ctx, line))
}

// evalInt runs a Lua line expecting a numeric value.
func (s *Session) evalInt(ctx context.Context, line string) (int, bool) {
	res := s.Eval(ctx, line)
	if !res.OK {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(res.Value, &f); err != nil {
		return 0, false
	}
	return int(f), true
}

// Heading unit vectors: 0:+X, 1:+Z, 2:-X, 3:-Z.
var headingVectors = [4][2]int{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}

// applyMovement shifts the dead-reckoned position and burns fuel. Deltas
// are only ever applied by callers that saw a confirmed success reply.
func (s *Session) applyMovement(ctx context.Context, dx, dy, dz int) {
	t := s.turtle
	st := t.store.Get(ctx, t.ID)

	coords := state.Coords{}
	if st.Coords != nil {
		coords = *st.Coords
	}
	coords.X += dx
	coords.Y += dy
	coords.Z += dz

	patch := state.Patch{Coords: &coords}
	if st.FuelLevel != nil {
		fuel := *st.FuelLevel - 1
		if fuel < 0 {
			fuel = 0
		}
		patch.FuelLevel = &fuel
	}
	if err := t.store.Apply(ctx, t.ID, patch); err != nil {
		t.logger.Warn("failed to apply movement delta", zap.Error(err))
	}
}

// applyHeading rotates the dead-reckoned heading.
func (s *Session) applyHeading(ctx context.Context, delta int) {
	t := s.turtle
	st := t.store.Get(ctx, t.ID)
	if st.Heading == nil {
		return
	}
	heading := ((*st.Heading+delta)%4 + 4) % 4
	if err := t.store.Apply(ctx, t.ID, state.Patch{Heading: &heading}); err != nil {
		t.logger.Warn("failed to apply heading delta", zap.Error(err))
	}
}

// move runs one horizontal movement command and applies the delta along
// the current heading, signed by dir (+1 forward, -1 back).
func (s *Session) move(ctx context.Context, line string, dir int) bool {
	ok := s.evalSuccess(ctx, line)
	if !ok {
		return false
	}
	st := s.turtle.store.Get(ctx, s.turtle.ID)
	if st.Heading == nil {
		return true
	}
	vec := headingVectors[((*st.Heading)%4+4)%4]
	s.applyMovement(ctx, dir*vec[0], 0, dir*vec[1])
	return true
}

// Forward moves one block along the current heading.
func (s *Session) Forward(ctx context.Context) bool {
	return s.move(ctx, "turtle.forward()", 1)
}

// Back moves one block against the current heading.
func (s *Session) Back(ctx context.Context) bool {
	return s.move(ctx, "turtle.back()", -1)
}

// Up moves one block up.
func (s *Session) Up(ctx context.Context) bool {
	ok := s.evalSuccess(ctx, "turtle.up()")
	if ok {
		s.applyMovement(ctx, 0, 1, 0)
	}
	return ok
}

// Down moves one block down.
func (s *Session) Down(ctx context.Context) bool {
	ok := s.evalSuccess(ctx, "turtle.down()")
	if ok {
		s.applyMovement(ctx, 0, -1, 0)
	}
	return ok
}

// TurnLeft rotates counterclockwise.
func (s *Session) TurnLeft(ctx context.Context) bool {
	ok := s.SendCommand(ctx, "turtle.turnLeft()")
	if ok {
		s.applyHeading(ctx, -1)
	}
	return ok
}

// TurnRight rotates clockwise.
func (s *Session) TurnRight(ctx context.Context) bool {
	ok := s.SendCommand(ctx, "turtle.turnRight()")
	if ok {
		s.applyHeading(ctx, 1)
	}
	return ok
}

// Dig breaks the block in front.
func (s *Session) Dig(ctx context.Context) bool {
	return s.evalSuccess(ctx, "turtle.dig()")
}

// DigUp breaks the block above.
func (s *Session) DigUp(ctx context.Context) bool {
	return s.evalSuccess(ctx, "turtle.digUp()")
}

// DigDown breaks the block below.
func (s *Session) DigDown(ctx context.Context) bool {
	return s.evalSuccess(ctx, "turtle.digDown()")
}

// Place puts the selected item in front.
func (s *Session) Place(ctx context.Context) bool {
	return s.evalSuccess(ctx, "turtle.place()")
}

// PlaceUp puts the selected item above.
func (s *Session) PlaceUp(ctx context.Context) bool {
	return s.evalSuccess(ctx, "turtle.placeUp()")
}

// PlaceDown puts the selected item below.
func (s *Session) PlaceDown(ctx context.Context) bool {
	return s.evalSuccess(ctx, "turtle.placeDown()")
}

// Select switches the active inventory slot.
func (s *Session) Select(ctx context.Context, slot int) bool {
	return s.SendCommand(ctx, fmt.Sprintf("turtle.select(%d)", slot))
}

func (s *Session) Suck(ctx context.Context) bool {
	return s.SendCommand(ctx, "turtle.suck()")
}

func (s *Session) SuckUp(ctx context.Context) bool {
	return s.SendCommand(ctx, "turtle.suckUp()")
}

func (s *Session) SuckDown(ctx context.Context) bool {
	return s.SendCommand(ctx, "turtle.suckDown()")
}

// Drop ejects from the selected slot, the whole stack or count items.
func (s *Session) Drop(ctx context.Context, count ...int) bool {
	return s.SendCommand(ctx, callWithOptionalCount("turtle.drop", count))
}

func (s *Session) DropUp(ctx context.Context, count ...int) bool {
	return s.SendCommand(ctx, callWithOptionalCount("turtle.dropUp", count))
}

func (s *Session) DropDown(ctx context.Context, count ...int) bool {
	return s.SendCommand(ctx, callWithOptionalCount("turtle.dropDown", count))
}

func callWithOptionalCount(fn string, count []int) string {
	if len(count) > 0 {
		return fmt.Sprintf("%s(%d)", fn, count[0])
	}
	return fn + "()"
}

func (s *Session) GetSelectedSlot(ctx context.Context) (int, bool) {
	return s.evalInt(ctx, "turtle.getSelectedSlot()")
}

func (s *Session) GetItemCount(ctx context.Context) (int, bool) {
	return s.evalInt(ctx, "turtle.getItemCount()")
}

func (s *Session) GetItemSpace(ctx context.Context) (int, bool) {
	return s.evalInt(ctx, "turtle.getItemSpace()")
}

// GetItemDetail describes the selected slot's stack, normalized.
func (s *Session) GetItemDetail(ctx context.Context) (*state.Item, bool) {
	res := s.Eval(ctx, "turtle.getItemDetail()")
	if !res.OK {
		return nil, false
	}
	var raw *rawItem
	if err := json.Unmarshal(res.Value, &raw); err != nil || raw == nil {
		return nil, false
	}
	slot, _ := s.GetSelectedSlot(ctx)
	return normalizeItem(slot, raw), true
}

func (s *Session) Compare(ctx context.Context) bool {
	return s.SendCommand(ctx, "turtle.compare()")
}

func (s *Session) CompareUp(ctx context.Context) bool {
	return s.SendCommand(ctx, "turtle.compareUp()")
}

func (s *Session) CompareDown(ctx context.Context) bool {
	return s.SendCommand(ctx, "turtle.compareDown()")
}

func (s *Session) CompareTo(ctx context.Context, slot int) bool {
	return s.SendCommand(ctx, fmt.Sprintf("turtle.compareTo(%d)", slot))
}

// TransferTo moves items from the selected slot to another.
func (s *Session) TransferTo(ctx context.Context, slot int, count ...int) bool {
	if len(count) > 0 {
		return s.SendCommand(ctx, fmt.Sprintf("turtle.transferTo(%d,%d)", slot, count[0]))
	}
	return s.SendCommand(ctx, fmt.Sprintf("turtle.transferTo(%d)", slot))
}

func (s *Session) GetFuelLevel(ctx context.Context) (int, bool) {
	return s.evalInt(ctx, "turtle.getFuelLevel()")
}

func (s *Session) GetFuelLimit(ctx context.Context) (int, bool) {
	return s.evalInt(ctx, "turtle.getFuelLimit()")
}

// Refuel consumes count items from the selected slot. On success the real
// fuel level is re-read and persisted; dead reckoning alone would drift.
func (s *Session) Refuel(ctx context.Context, count int) bool {
	ok := s.evalSuccess(ctx, fmt.Sprintf("turtle.refuel(%d)", count))
	if !ok {
		return false
	}
	if fuel, fok := s.GetFuelLevel(ctx); fok {
		if err := s.turtle.store.Apply(ctx, s.turtle.ID, state.Patch{FuelLevel: &fuel}); err != nil {
			s.turtle.logger.Warn("failed to persist fuel level after refuel", zap.Error(err))
		}
	}
	return true
}

func (s *Session) EquipLeft(ctx context.Context) bool {
	return s.SendCommand(ctx, "turtle.equipLeft()")
}

func (s *Session) EquipRight(ctx context.Context) bool {
	return s.SendCommand(ctx, "turtle.equipRight()")
}

// Inspect examines the block in front. (false, nil) means air or failure.
func (s *Session) Inspect(ctx context.Context) (bool, *Block) {
	return s.inspectDir(ctx, "turtle.inspect")
}

// InspectUp examines the block above.
func (s *Session) InspectUp(ctx context.Context) (bool, *Block) {
	return s.inspectDir(ctx, "turtle.inspectUp")
}

// InspectDown examines the block below.
func (s *Session) InspectDown(ctx context.Context) (bool, *Block) {
	return s.inspectDir(ctx, "turtle.inspectDown")
}

func (s *Session) inspectDir(ctx context.Context, fn string) (bool, *Block) {
	line := fmt.Sprintf("(function() local ok,data=%s(); return {ok=ok, data=data} end)()", fn)
	res := s.Eval(ctx, line)
	if !res.OK {
		return false, nil
	}
	return normalizeInspect(res.Value)
}

// GetLocation asks GPS for the absolute position and persists it when the
// reply is a valid [x, y, z] triple. nil means no GPS fix.
func (s *Session) GetLocation(ctx context.Context) (*state.Coords, bool) {
	res := s.Eval(ctx, "gps.locate()")
	if !res.OK {
		return nil, false
	}
	var vals []float64
	if err := json.Unmarshal(res.Value, &vals); err != nil || len(vals) < 3 {
		s.turtle.logger.Warn("unexpected gps response",
			zap.String("value", string(res.Value)))
		return nil, false
	}
	coords := state.Coords{X: int(vals[0]), Y: int(vals[1]), Z: int(vals[2])}
	if err := s.turtle.store.Apply(ctx, s.turtle.ID, state.Patch{Coords: &coords}); err != nil {
		s.turtle.logger.Warn("failed to persist gps coordinates", zap.Error(err))
	}
	return &coords, true
}

// GetInventory snapshots all 16 slots via the firmware helper, normalizes
// them, persists the JSON document, and returns the slot map.
func (s *Session) GetInventory(ctx context.Context) (state.Inventory, bool) {
	res := s.Eval(ctx, "get_inventory_details()")
	if !res.OK {
		return nil, false
	}
	inv, ok := normalizeInventory(res.Value)
	if !ok {
		s.turtle.logger.Warn("unexpected inventory response",
			zap.String("value", string(res.Value)))
		return nil, false
	}
	encoded, err := json.Marshal(inv)
	if err == nil {
		doc := string(encoded)
		if err := s.turtle.store.Apply(ctx, s.turtle.ID, state.Patch{InventoryJSON: &doc}); err != nil {
			s.turtle.logger.Warn("failed to persist inventory", zap.Error(err))
		}
	}
	return inv, true
}

// GetLabel fetches the firmware name tag, "" when unset.
func (s *Session) GetLabel(ctx context.Context) (string, bool) {
	res := s.Eval(ctx, "get_name_tag()")
	if !res.OK {
		return "", false
	}
	var label string
	if json.Unmarshal(res.Value, &label) == nil {
		return label, label != ""
	}
	// Some firmware stores numeric tags.
	var n json.Number
	if json.Unmarshal(res.Value, &n) == nil {
		return n.String(), true
	}
	return "", false
}

// SetLabel writes the firmware name tag and persists it on success.
func (s *Session) SetLabel(ctx context.Context, label string) bool {
	escaped := strings.ReplaceAll(label, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	line := fmt.Sprintf(`((function() return set_name_tag("%s") end)())`, escaped)
	res := s.Eval(ctx, line)
	if !res.OK || string(res.Value) == "false" || string(res.Value) == "null" || len(res.Value) == 0 {
		return false
	}
	if err := s.turtle.store.SetLabel(ctx, s.turtle.ID, label); err != nil {
		s.turtle.logger.Warn("failed to persist label", zap.Error(err))
	}
	return true
}
