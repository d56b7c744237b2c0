package routines

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/denecity/TaaS/internal/turtle"
)

// cell is a position relative to the vein miner's start.
type cell [3]int

func (c cell) add(d [3]int) cell {
	return cell{c[0] + d[0], c[1] + d[1], c[2] + d[2]}
}

// veinMiner follows connected target blocks outward from the start cell.
// It tracks its own pose relative to where it was launched, so absolute
// coordinates and GPS are never needed; mined cells form the graph it
// walks through, frontier cells are known targets not yet dug.
type veinMiner struct {
	env        *Env
	maxActions int
	isTarget   func(*turtle.Block) bool

	pos     cell
	heading int
	actions int

	mined     map[cell]bool
	frontier  map[cell]bool
	inspected map[cell]bool
}

func newVeinMiner(env *Env, maxActions int, isTarget func(*turtle.Block) bool) *veinMiner {
	return &veinMiner{
		env:        env,
		maxActions: maxActions,
		isTarget:   isTarget,
		mined:      map[cell]bool{{0, 0, 0}: true},
		frontier:   map[cell]bool{},
		inspected:  map[cell]bool{},
	}
}

func (v *veinMiner) spent() bool { return v.actions >= v.maxActions }

// turnTo rotates the turtle to the given relative heading.
func (v *veinMiner) turnTo(ctx context.Context, target int) {
	target = ((target % 4) + 4) % 4
	diff := (target - v.heading + 4) % 4
	sess := v.env.Session
	switch diff {
	case 0:
		return
	case 1:
		sess.TurnRight(ctx)
	case 2:
		sess.TurnRight(ctx)
		sess.TurnRight(ctx)
	case 3:
		sess.TurnLeft(ctx)
	}
	v.heading = target
	v.actions++
}

// scan inspects all six neighbors of the current cell and files targets
// into the frontier. The original facing is restored afterwards.
func (v *veinMiner) scan(ctx context.Context) {
	if v.inspected[v.pos] {
		return
	}
	v.inspected[v.pos] = true
	sess := v.env.Session

	startHeading := v.heading
	for i := 0; i < 4; i++ {
		dir := (startHeading + i) % 4
		neighbor := v.pos.add(dirVecs[dir])
		if !v.mined[neighbor] && !v.frontier[neighbor] {
			v.turnTo(ctx, dir)
			if ok, block := sess.Inspect(ctx); ok && block != nil && v.isTarget(block) {
				v.frontier[neighbor] = true
			}
		}
	}
	v.turnTo(ctx, startHeading)

	above := v.pos.add([3]int{0, 1, 0})
	if !v.mined[above] && !v.frontier[above] {
		if ok, block := sess.InspectUp(ctx); ok && block != nil && v.isTarget(block) {
			v.frontier[above] = true
		}
	}
	below := v.pos.add([3]int{0, -1, 0})
	if !v.mined[below] && !v.frontier[below] {
		if ok, block := sess.InspectDown(ctx); ok && block != nil && v.isTarget(block) {
			v.frontier[below] = true
		}
	}
}

// bfsPath finds the shortest route from the current cell to goal, moving
// only through mined cells except for the final step into goal itself.
// nil means unreachable.
func (v *veinMiner) bfsPath(goal cell) []cell {
	type node struct {
		c    cell
		prev *node
	}
	start := v.pos
	if start == goal {
		return []cell{}
	}
	visited := map[cell]bool{start: true}
	queue := []*node{{c: start}}
	deltas := [6][3]int{{1, 0, 0}, {-1, 0, 0}, {0, 0, 1}, {0, 0, -1}, {0, 1, 0}, {0, -1, 0}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range deltas {
			next := cur.c.add(d)
			if visited[next] {
				continue
			}
			if next == goal {
				path := []cell{next}
				for n := cur; n.prev != nil; n = n.prev {
					path = append([]cell{n.c}, path...)
				}
				return path
			}
			if !v.mined[next] {
				continue
			}
			visited[next] = true
			queue = append(queue, &node{c: next, prev: cur})
		}
	}
	return nil
}

// stepTo moves into an adjacent cell, digging first when it is not yet
// mined. Gravel can refill mined cells, so the dig-if-blocked check runs
// either way.
func (v *veinMiner) stepTo(ctx context.Context, target cell) bool {
	sess := v.env.Session
	dy := target[1] - v.pos[1]

	switch {
	case dy == 1:
		if blocked, _ := sess.InspectUp(ctx); blocked {
			sess.DigUp(ctx)
			v.actions++
		}
		if !sess.Up(ctx) {
			return false
		}
	case dy == -1:
		if blocked, _ := sess.InspectDown(ctx); blocked {
			sess.DigDown(ctx)
			v.actions++
		}
		if !sess.Down(ctx) {
			return false
		}
	default:
		dir := -1
		for i, vec := range dirVecs {
			if v.pos.add(vec) == target {
				dir = i
				break
			}
		}
		if dir < 0 {
			return false
		}
		v.turnTo(ctx, dir)
		if blocked, _ := sess.Inspect(ctx); blocked {
			sess.Dig(ctx)
			v.actions++
		}
		if !sess.Forward(ctx) {
			return false
		}
	}
	v.pos = target
	v.actions++
	v.mined[target] = true
	delete(v.frontier, target)
	return true
}

// nearestFrontier picks the frontier cell with the shortest reachable
// path, together with that path.
func (v *veinMiner) nearestFrontier() (cell, []cell) {
	var best cell
	var bestPath []cell
	for f := range v.frontier {
		path := v.bfsPath(f)
		if path == nil {
			continue
		}
		if bestPath == nil || len(path) < len(bestPath) {
			best = f
			bestPath = path
		}
	}
	return best, bestPath
}

// run mines the whole connected vein, then returns to the start cell and
// restores the launch facing.
func (v *veinMiner) run(ctx context.Context) error {
	log := v.env.Logger

	for !v.spent() {
		if err := ctx.Err(); err != nil {
			return err
		}
		v.scan(ctx)

		target, path := v.nearestFrontier()
		if path == nil {
			break
		}
		for _, step := range path {
			if err := ctx.Err(); err != nil {
				return err
			}
			if v.spent() {
				break
			}
			if !v.stepTo(ctx, step) {
				log.Warn("vein step blocked, dropping target",
					zap.Ints("cell", []int{step[0], step[1], step[2]}))
				delete(v.frontier, target)
				break
			}
		}
	}

	// Walk home through the mined tunnel network.
	home := cell{0, 0, 0}
	if v.pos != home {
		path := v.bfsPath(home)
		for _, step := range path {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !v.stepTo(ctx, step) {
				log.Warn("return path blocked",
					zap.Ints("cell", []int{step[0], step[1], step[2]}))
				break
			}
		}
	}
	v.turnTo(ctx, 0)

	log.Info("vein mining finished",
		zap.Int("cells_mined", len(v.mined)-1),
		zap.Int("actions", v.actions),
		zap.Bool("returned_home", v.pos == home))
	return nil
}

func mineOreVeinRoutine() *Routine {
	return &Routine{
		Name:           "mine_ore_vein",
		Description:    "Follow and dig out the connected ore vein starting from the block ahead.",
		ConfigTemplate: "max_actions: 2000\n",
		Run: func(ctx context.Context, env *Env) error {
			maxActions := env.Config.Int("max_actions", 2000)
			isOre := func(b *turtle.Block) bool {
				return b.Ore || strings.Contains(strings.ToLower(b.Name), "ore")
			}
			return newVeinMiner(env, maxActions, isOre).run(ctx)
		},
	}
}

func avoidGoldDigDiamondRoutine() *Routine {
	return &Routine{
		Name:           "avoid_gold_dig_diamond",
		Description:    "Vein-mine diamond ore while never touching gold.",
		ConfigTemplate: "max_actions: 1500\ntargets:\n  - minecraft:diamond_ore\n  - minecraft:deepslate_diamond_ore\navoid:\n  - minecraft:gold_ore\n  - minecraft:deepslate_gold_ore\n",
		Run: func(ctx context.Context, env *Env) error {
			maxActions := env.Config.Int("max_actions", 1500)
			targets := stringSet(env.Config.Strings("targets"),
				"minecraft:diamond_ore", "minecraft:deepslate_diamond_ore")
			avoid := stringSet(env.Config.Strings("avoid"),
				"minecraft:gold_ore", "minecraft:deepslate_gold_ore")
			isTarget := func(b *turtle.Block) bool {
				name := strings.ToLower(b.Name)
				if avoid[name] {
					return false
				}
				return targets[name]
			}
			return newVeinMiner(env, maxActions, isTarget).run(ctx)
		},
	}
}

// stringSet builds a lookup set, falling back to defaults when the config
// list is empty.
func stringSet(list []string, defaults ...string) map[string]bool {
	if len(list) == 0 {
		list = defaults
	}
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[strings.ToLower(s)] = true
	}
	return set
}
