package main

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
)

// cell is a world coordinate.
type cell [3]int

// stack is one inventory slot.
type stack struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
	Count       int    `json:"count"`
}

// world simulates a turtle in deterministic terrain: air above surfaceY,
// stone below, with ore seams placed by a coordinate hash. Dug cells stay
// air forever.
type world struct {
	pos      cell
	heading  int // 0:+X 1:+Z 2:-X 3:-Z
	fuel     int
	fuelCap  int
	selected int
	slots    [16]*stack
	label    string
	gps      bool
	dug      map[cell]bool
}

const surfaceY = 64

var headingVecs = [4][3]int{{1, 0, 0}, {0, 0, 1}, {-1, 0, 0}, {0, 0, -1}}

func newWorld(x, y, z, fuel int, gps bool) *world {
	w := &world{
		pos:      cell{x, y, z},
		fuel:     fuel,
		fuelCap:  100000,
		selected: 1,
		gps:      gps,
		dug:      map[cell]bool{},
	}
	// Coal to refuel with, like a freshly provisioned turtle.
	w.slots[0] = &stack{Name: "minecraft:coal", DisplayName: "Coal", Count: 64}
	return w
}

// blockAt names the block occupying a cell, "" for air.
func (w *world) blockAt(c cell) string {
	if w.dug[c] || c[1] >= surfaceY {
		return ""
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%d,%d,%d", c[0], c[1], c[2])
	if h.Sum32()%13 == 0 {
		return "minecraft:iron_ore"
	}
	return "minecraft:stone"
}

func (w *world) neighbor(dy int) cell {
	if dy != 0 {
		return cell{w.pos[0], w.pos[1] + dy, w.pos[2]}
	}
	v := headingVecs[w.heading]
	return cell{w.pos[0] + v[0], w.pos[1] + v[1], w.pos[2] + v[2]}
}

func raw(v interface{}) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

func (w *world) moveTo(target cell) json.RawMessage {
	if w.blockAt(target) != "" {
		return raw([]interface{}{false, "Movement obstructed"})
	}
	if w.fuel <= 0 {
		return raw([]interface{}{false, "Out of fuel"})
	}
	w.pos = target
	w.fuel--
	return raw(true)
}

func (w *world) dig(target cell) json.RawMessage {
	name := w.blockAt(target)
	if name == "" {
		return raw([]interface{}{false, "Nothing to dig here"})
	}
	w.dug[target] = true
	w.collect(name)
	return raw(true)
}

// collect stacks a mined block into the first matching or empty slot.
func (w *world) collect(name string) {
	for _, s := range w.slots {
		if s != nil && s.Name == name && s.Count < 64 {
			s.Count++
			return
		}
	}
	for i, s := range w.slots {
		if s == nil {
			w.slots[i] = &stack{Name: name, DisplayName: displayName(name), Count: 1}
			return
		}
	}
	// Full inventory drops the block, like the game does.
}

func displayName(name string) string {
	short := name
	if i := strings.IndexByte(short, ':'); i >= 0 {
		short = short[i+1:]
	}
	short = strings.ReplaceAll(short, "_", " ")
	if short == "" {
		return "Unknown"
	}
	return strings.ToUpper(short[:1]) + short[1:]
}

func (w *world) inspect(target cell) json.RawMessage {
	name := w.blockAt(target)
	if name == "" {
		return raw(map[string]interface{}{"ok": false})
	}
	return raw(map[string]interface{}{
		"ok": true,
		"data": map[string]interface{}{
			"name":        name,
			"displayName": displayName(name),
			"tags": map[string]bool{
				"c:ores":                     strings.Contains(name, "ore"),
				"minecraft:mineable/pickaxe": true,
			},
		},
	})
}

func (w *world) selectedStack() *stack {
	return w.slots[w.selected-1]
}

func (w *world) itemDetail() json.RawMessage {
	s := w.selectedStack()
	if s == nil {
		return raw(nil)
	}
	return raw(s)
}

func (w *world) inventory() json.RawMessage {
	entries := make([]interface{}, len(w.slots))
	for i, s := range w.slots {
		if s != nil {
			entries[i] = s
		}
	}
	return raw(entries)
}

func (w *world) refuel(count int) json.RawMessage {
	s := w.selectedStack()
	if s == nil || !strings.Contains(s.Name, "coal") {
		return raw([]interface{}{false, "Items not combustible"})
	}
	burn := count
	if burn > s.Count {
		burn = s.Count
	}
	s.Count -= burn
	if s.Count == 0 {
		w.slots[w.selected-1] = nil
	}
	w.fuel += burn * 80
	if w.fuel > w.fuelCap {
		w.fuel = w.fuelCap
	}
	return raw(true)
}

var (
	intArgPattern    = regexp.MustCompile(`\((\d+)`)
	stringArgPattern = regexp.MustCompile(`\("((?:[^"\\]|\\.)*)"\)`)
)

func intArg(line string, fallback int) int {
	if m := intArgPattern.FindStringSubmatch(line); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			return n
		}
	}
	return fallback
}

// eval answers one firmware command line. The inspect checks run before
// the plain prefixes because the inspect calls arrive wrapped in a Lua
// closure rather than as bare calls.
func (w *world) eval(line string) (bool, json.RawMessage) {
	switch {
	case strings.Contains(line, "turtle.inspectUp"):
		return true, w.inspect(w.neighbor(1))
	case strings.Contains(line, "turtle.inspectDown"):
		return true, w.inspect(w.neighbor(-1))
	case strings.Contains(line, "turtle.inspect"):
		return true, w.inspect(w.neighbor(0))
	case strings.Contains(line, "set_name_tag"):
		if m := stringArgPattern.FindStringSubmatch(line); m != nil {
			w.label = strings.ReplaceAll(strings.ReplaceAll(m[1], `\"`, `"`), `\\`, `\`)
			return true, raw(true)
		}
		return true, raw(false)
	}

	switch {
	case strings.HasPrefix(line, "turtle.forward"):
		return true, w.moveTo(w.neighbor(0))
	case strings.HasPrefix(line, "turtle.back"):
		v := headingVecs[w.heading]
		return true, w.moveTo(cell{w.pos[0] - v[0], w.pos[1], w.pos[2] - v[2]})
	case strings.HasPrefix(line, "turtle.up"):
		return true, w.moveTo(w.neighbor(1))
	case strings.HasPrefix(line, "turtle.down"):
		return true, w.moveTo(w.neighbor(-1))
	case strings.HasPrefix(line, "turtle.turnLeft"):
		w.heading = (w.heading + 3) % 4
		return true, raw(true)
	case strings.HasPrefix(line, "turtle.turnRight"):
		w.heading = (w.heading + 1) % 4
		return true, raw(true)
	case strings.HasPrefix(line, "turtle.digUp"):
		return true, w.dig(w.neighbor(1))
	case strings.HasPrefix(line, "turtle.digDown"):
		return true, w.dig(w.neighbor(-1))
	case strings.HasPrefix(line, "turtle.dig"):
		return true, w.dig(w.neighbor(0))
	case strings.HasPrefix(line, "turtle.select"):
		slot := intArg(line, 1)
		if slot < 1 || slot > 16 {
			return true, raw(false)
		}
		w.selected = slot
		return true, raw(true)
	case strings.HasPrefix(line, "turtle.getSelectedSlot"):
		return true, raw(w.selected)
	case strings.HasPrefix(line, "turtle.getItemCount"):
		if s := w.selectedStack(); s != nil {
			return true, raw(s.Count)
		}
		return true, raw(0)
	case strings.HasPrefix(line, "turtle.getItemSpace"):
		if s := w.selectedStack(); s != nil {
			return true, raw(64 - s.Count)
		}
		return true, raw(64)
	case strings.HasPrefix(line, "turtle.getItemDetail"):
		return true, w.itemDetail()
	case strings.HasPrefix(line, "turtle.getFuelLevel"):
		return true, raw(w.fuel)
	case strings.HasPrefix(line, "turtle.getFuelLimit"):
		return true, raw(w.fuelCap)
	case strings.HasPrefix(line, "turtle.refuel"):
		return true, w.refuel(intArg(line, 1))
	case strings.HasPrefix(line, "turtle.drop"):
		w.slots[w.selected-1] = nil
		return true, raw(true)
	case strings.HasPrefix(line, "gps.locate"):
		if !w.gps {
			return true, raw(nil)
		}
		return true, raw([]int{w.pos[0], w.pos[1], w.pos[2]})
	case strings.HasPrefix(line, "get_inventory_details"):
		return true, w.inventory()
	case strings.HasPrefix(line, "get_name_tag"):
		return true, raw(w.label)
	}

	// Place, suck, compare, transfer, equip and anything else succeed
	// without side effects.
	return true, raw(true)
}
