// Package state persists per-turtle world state and the command audit log.
package state

import (
	"encoding/json"
	"fmt"
)

// Connection status values stored in the turtles table.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// Coords is a turtle's absolute world position.
type Coords struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

// Item is one normalized inventory slot entry. The tag booleans mirror the
// block tags the mining routines care about; anything else is dropped at
// normalization time.
type Item struct {
	Slot           int    `json:"slot"`
	Name           string `json:"name"`
	DisplayName    string `json:"displayName"`
	Count          int    `json:"count"`
	Ores           bool   `json:"c:ores"`
	Gems           bool   `json:"c:gems"`
	Stones         bool   `json:"c:stones"`
	Chests         bool   `json:"c:chests"`
	BuildingBlocks bool   `json:"minecraft:building_blocks"`
}

// Inventory maps slot numbers 1..16 to items; nil means the slot is empty.
// JSON encoding uses the slot number as the key, matching what dashboards
// and the firmware helper exchange.
type Inventory map[int]*Item

// NumSlots is the fixed turtle inventory size.
const NumSlots = 16

// EmptyInventory returns an inventory with all 16 slots present and empty.
func EmptyInventory() Inventory {
	inv := make(Inventory, NumSlots)
	for slot := 1; slot <= NumSlots; slot++ {
		inv[slot] = nil
	}
	return inv
}

// EmptySlots counts slots with no item.
func (inv Inventory) EmptySlots() int {
	n := 0
	for slot := 1; slot <= NumSlots; slot++ {
		if inv[slot] == nil {
			n++
		}
	}
	return n
}

// FindSlot returns the first slot whose item satisfies match, or 0.
func (inv Inventory) FindSlot(match func(*Item) bool) int {
	for slot := 1; slot <= NumSlots; slot++ {
		if item := inv[slot]; item != nil && match(item) {
			return slot
		}
	}
	return 0
}

// ParseInventory decodes a persisted inventory JSON document. Unknown or
// missing slots come back empty so callers always see 16 slots.
func ParseInventory(raw string) (Inventory, error) {
	if raw == "" {
		return EmptyInventory(), nil
	}
	var decoded map[int]*Item
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("malformed inventory json: %w", err)
	}
	inv := EmptyInventory()
	for slot, item := range decoded {
		if slot >= 1 && slot <= NumSlots {
			inv[slot] = item
		}
	}
	return inv, nil
}

// TurtleState is one row of the turtles table, shaped for callers.
// Pointer fields are nil when the value has never been detected.
type TurtleState struct {
	ID               int
	Name             *string
	Label            *string
	FuelLevel        *int
	InventoryJSON    string
	Coords           *Coords
	Heading          *int
	ConnectionStatus string
	FirstSeenMs      int64
	LastSeenMs       int64
}

// Patch is a partial state update. Nil fields keep the stored value
// (COALESCE semantics); Coords is written as a whole triple or not at all.
type Patch struct {
	FuelLevel        *int
	InventoryJSON    *string
	Coords           *Coords
	Heading          *int
	ConnectionStatus *string
	Label            *string
}

// CallRecord is one row of the function_calls audit table.
type CallRecord struct {
	ID         int64   `db:"id" json:"id"`
	TsMs       int64   `db:"ts_ms" json:"ts_ms"`
	TurtleID   int     `db:"turtle_id" json:"turtle_id"`
	CallName   string  `db:"call_name" json:"call_name"`
	ArgsJSON   *string `db:"args_json" json:"args_json,omitempty"`
	OK         *bool   `db:"ok" json:"ok,omitempty"`
	ResultJSON *string `db:"result_json" json:"result_json,omitempty"`
	ErrorText  *string `db:"error_text" json:"error_text,omitempty"`
	RequestID  *string `db:"request_id" json:"request_id,omitempty"`
	DurationMs *int64  `db:"duration_ms" json:"duration_ms,omitempty"`
}
