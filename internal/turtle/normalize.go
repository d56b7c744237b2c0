package turtle

import (
	"encoding/json"

	"github.com/denecity/TaaS/internal/turtle/state"
)

// Block is a normalized inspect result. Only the tags the mining routines
// care about survive normalization.
type Block struct {
	Name    string `json:"name"`
	Ore     bool   `json:"c:ores"`
	Pickaxe bool   `json:"minecraft:mineable/pickaxe"`
}

// inspectEnvelope is the shape of the Lua closure wrapping turtle.inspect:
// {ok=ok, data=data}.
type inspectEnvelope struct {
	OK   bool     `json:"ok"`
	Data *rawItem `json:"data"`
}

// rawItem is what the firmware reports for a block or an inventory stack.
type rawItem struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"displayName"`
	Count       int             `json:"count"`
	Tags        map[string]bool `json:"tags"`
}

// normalizeInspect decodes an inspect closure reply. ok=false (air) and
// missing data both come back as (false, nil).
func normalizeInspect(raw json.RawMessage) (bool, *Block) {
	var env inspectEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return false, nil
	}
	if !env.OK || env.Data == nil {
		return false, nil
	}
	name := env.Data.Name
	if name == "" {
		name = "unknown"
	}
	return true, &Block{
		Name:    name,
		Ore:     env.Data.Tags["c:ores"],
		Pickaxe: env.Data.Tags["minecraft:mineable/pickaxe"],
	}
}

// normalizeItem maps one raw firmware stack to the persisted item shape.
func normalizeItem(slot int, raw *rawItem) *state.Item {
	if raw == nil {
		return nil
	}
	name := raw.Name
	if name == "" {
		name = "unknown"
	}
	display := raw.DisplayName
	if display == "" {
		display = "Unknown"
	}
	return &state.Item{
		Slot:           slot,
		Name:           name,
		DisplayName:    display,
		Count:          raw.Count,
		Ores:           raw.Tags["c:ores"],
		Gems:           raw.Tags["c:gems"],
		Stones:         raw.Tags["c:stones"],
		Chests:         raw.Tags["c:chests"],
		BuildingBlocks: raw.Tags["minecraft:building_blocks"],
	}
}

// normalizeInventory maps the firmware's 0-indexed 16-entry array to the
// 1-indexed slot map. Entries past slot 16 are dropped.
func normalizeInventory(raw json.RawMessage) (state.Inventory, bool) {
	var entries []*rawItem
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}
	inv := state.EmptyInventory()
	for i, entry := range entries {
		slot := i + 1
		if slot > state.NumSlots {
			break
		}
		inv[slot] = normalizeItem(slot, entry)
	}
	return inv, true
}
